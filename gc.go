package spdcache

import "time"

// kill marks an unlinked policy dead and queues it for reclamation. Only the
// first call for a policy has any effect.
func (s *store) kill(p *Policy) {
	p.mu.Lock()
	dead := p.dead
	p.dead = true
	p.mu.Unlock()
	if dead {
		s.log.Error("policy killed twice", Fields{"index": p.index, "dir": p.dir.String()})
		return
	}

	s.gcMu.Lock()
	s.gcList = append(s.gcList, p)
	s.gcMu.Unlock()

	select {
	case s.gcKick <- struct{}{}:
	default:
	}
}

func (s *store) gcLoop() {
	defer s.closeWg.Done()

	var sweep <-chan time.Time
	if s.gcInterval > 0 {
		t := time.NewTicker(s.gcInterval)
		defer t.Stop()
		sweep = t.C
	}
	for {
		select {
		case <-s.gcKick:
			s.runGC()
		case <-sweep:
			s.GarbageCollect()
			s.FlushBundles()
		case <-s.stopCh:
			return
		}
	}
}

// runGC drains the kill queue.
func (s *store) runGC() {
	s.gcMu.Lock()
	victims := s.gcList
	s.gcList = nil
	s.gcMu.Unlock()

	for _, p := range victims {
		s.reclaim(p)
	}
}

func (s *store) reclaim(p *Policy) {
	if n := freeBundles(p.takeBundles()); n > 0 {
		s.hooks.BundlesPruned("policy_killed", n)
	}
	s.cancelTimer(p)

	// Somebody besides the table still holds p. Cached flow decisions may
	// point at it, so retire them all.
	if p.Refs() > 1 {
		g := s.bumpGenid()
		s.log.Debug("dead policy still referenced", Fields{"index": p.index, "refs": p.Refs()})
		s.hooks.FlowCacheFlushed(g)
	}
	p.Release()
}

// GarbageCollect frees cached bundles nobody outside the cache uses.
func (s *store) GarbageCollect() int {
	return s.prune("unused", func(b *Bundle) bool { return b.refcnt.Load() == 1 })
}

// FlushBundles frees cached bundles that no longer validate.
func (s *store) FlushBundles() int {
	return s.prune("stale", func(b *Bundle) bool { return b.stale() })
}

// PruneBundles frees every cached bundle pred selects. pred runs under the
// owning policy's lock.
func (s *store) PruneBundles(pred func(*Bundle) bool) int {
	return s.prune("custom", pred)
}

// prune unlinks matching bundles from every policy, then frees them with
// no lock held.
func (s *store) prune(reason string, pred func(*Bundle) bool) int {
	var gc []*Bundle
	s.mu.RLock()
	for e := s.all.Front(); e != nil; e = e.Next() {
		if p, ok := e.Value.(*Policy); ok {
			gc = append(gc, p.pruneBundles(pred)...)
		}
	}
	s.mu.RUnlock()

	n := freeBundles(gc)
	if n > 0 {
		s.log.Debug("bundles pruned", Fields{"reason": reason, "count": n})
		s.hooks.BundlesPruned(reason, n)
	}
	return n
}
