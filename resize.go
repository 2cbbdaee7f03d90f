package spdcache

// shouldResize reports whether dir's exact table is saturated. Caller holds s.mu.
func (s *store) shouldResize(dir Direction) bool {
	t := &s.dirs[dir].exact
	return t.hmask+1 < s.hashMax && uint32(s.counts[dir]) > t.hmask
}

func (s *store) shouldResizeIdx(total int) bool {
	return s.byIdx.hmask+1 < s.hashMax && uint32(total) > s.byIdx.hmask
}

// needsResize reports whether linking into dir saturated its exact table or
// the index table, which grows with the count across all directions.
// Caller holds s.mu.
func (s *store) needsResize(dir Direction) bool {
	if s.shouldResize(dir) {
		return true
	}
	total := 0
	for _, n := range s.counts {
		total += n
	}
	return s.shouldResizeIdx(total)
}

// scheduleResize wakes the resizer. Never blocks.
func (s *store) scheduleResize() {
	select {
	case s.resizeCh <- struct{}{}:
	default:
	}
}

func (s *store) resizeLoop() {
	defer s.closeWg.Done()
	for {
		select {
		case <-s.resizeCh:
			s.resize()
		case <-s.stopCh:
			return
		}
	}
}

// resize doubles every saturated table. Runs are serialized by resizeMu;
// each swap happens under the table write lock.
func (s *store) resize() {
	s.resizeMu.Lock()
	defer s.resizeMu.Unlock()

	total := 0
	for dir := Direction(0); dir < dirCount; dir++ {
		s.mu.RLock()
		total += s.counts[dir]
		grow := s.shouldResize(dir)
		s.mu.RUnlock()
		if grow {
			s.resizeDir(dir)
		}
	}

	s.mu.RLock()
	grow := s.shouldResizeIdx(total)
	s.mu.RUnlock()
	if grow {
		s.resizeIdx()
	}
}

func (s *store) resizeDir(dir Direction) {
	s.mu.Lock()
	old := s.dirs[dir].exact
	nt := newHashTable(uint32(old.size()) << 1)
	// Entries of one new bucket all come from the same old bucket, so
	// walking old chains front to back keeps priority order.
	for _, chain := range old.buckets {
		for _, p := range chain {
			h := addrHash(p.Selector.Daddr, p.Selector.Saddr, nt.hmask)
			nt.buckets[h] = append(nt.buckets[h], p)
		}
	}
	s.dirs[dir].exact = nt
	s.mu.Unlock()

	s.log.Info("policy hash resized", Fields{"dir": dir.String(), "buckets": nt.size()})
	s.hooks.HashResized(dir.String(), nt.size())
}

func (s *store) resizeIdx() {
	s.mu.Lock()
	old := s.byIdx
	nt := newHashTable(uint32(old.size()) << 1)
	for _, chain := range old.buckets {
		for _, p := range chain {
			h := idxHash(p.index, nt.hmask)
			nt.buckets[h] = append(nt.buckets[h], p)
		}
	}
	s.byIdx = nt
	s.mu.Unlock()

	s.log.Info("index hash resized", Fields{"buckets": nt.size()})
	s.hooks.HashResized("byidx", nt.size())
}
