package spdcache

import (
	"fmt"
	"slices"
	"time"

	"github.com/unkn0wn-root/spdcache/selector"
)

// SPDInfo is a snapshot of table occupancy.
type SPDInfo struct {
	Count       [dirCount]int // policies per direction, socket ones included
	IdxHashMask uint32
	HashMax     uint32
}

// Insert links p into the tables of dir. An existing policy with the same
// type, selector and security context is replaced (ErrExists when exclusive)
// unless p has a strictly worse priority, in which case both stay linked
// and p lands behind it. The store takes its own reference on p.
func (s *store) Insert(dir Direction, p *Policy, exclusive bool) error {
	if dir >= dirMax {
		return fmt.Errorf("%w: direction %v", ErrInvalid, dir)
	}
	if err := p.Selector.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if p.Type != TypeMain && (p.Type != TypeSub || !s.subPolicy) {
		return fmt.Errorf("%w: policy type %v", ErrInvalid, p.Type)
	}

	now := time.Now()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if p.linked || p.Dead() {
		s.mu.Unlock()
		return fmt.Errorf("%w: policy %d already linked or dead", ErrInvalid, p.index)
	}

	chain := s.chainBySel(dir, p.Selector)
	var del *Policy
	pos, seen := 0, false
	for i, q := range *chain {
		if !seen && q.Type == p.Type && q.Selector == p.Selector && secCtxEqual(q.SecCtx, p.SecCtx) {
			if exclusive {
				s.mu.Unlock()
				return ErrExists
			}
			seen = true
			if p.Priority > q.Priority {
				pos = i + 1
				continue
			}
			del = q
		} else if p.Priority >= q.Priority {
			pos = i + 1
			continue
		}
		if del != nil {
			break
		}
	}
	*chain = slices.Insert(*chain, pos, p)
	p.Hold()
	p.dir = dir
	p.linked = true
	s.counts[dir]++

	if del != nil {
		s.unlinkLocked(del)
		p.index = del.index
	} else {
		p.index = s.genIndex(dir)
	}
	s.linkIdx(p)
	p.walk = s.all.PushBack(p)
	p.addTime = now
	p.useTime.Store(0)
	s.armTimer(p, now)

	// Policies behind p may have cached bundles for flows p now wins.
	var stale []*Bundle
	if i := slices.Index(*chain, p); i >= 0 {
		for _, q := range (*chain)[i+1:] {
			stale = append(stale, q.takeBundles()...)
		}
	}
	resize := del == nil && s.needsResize(dir)
	s.mu.Unlock()

	s.bumpGenid()
	if del != nil {
		s.kill(del)
	} else if resize {
		s.scheduleResize()
	}
	if n := freeBundles(stale); n > 0 {
		s.hooks.BundlesPruned("superseded", n)
	}
	return nil
}

// FindBySelector returns the policy with exactly this type, selector and
// security context, held for the caller. With del it is also removed.
func (s *store) FindBySelector(dir Direction, typ Type, sel selector.Selector, sc *SecContext, del bool) (*Policy, error) {
	if !dir.valid() {
		return nil, fmt.Errorf("%w: direction %v", ErrInvalid, dir)
	}
	if err := sel.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return s.find(del, func() *Policy {
		for _, p := range *s.chainBySel(dir, sel) {
			if p.Type == typ && p.Selector == sel && secCtxEqual(p.SecCtx, sc) {
				return p
			}
		}
		return nil
	})
}

// FindByID returns the policy with index id, held for the caller. The
// direction encoded in id must be dir.
func (s *store) FindByID(dir Direction, typ Type, id uint32, del bool) (*Policy, error) {
	if IndexDirection(id) != dir {
		return nil, fmt.Errorf("%w: index %d is not in direction %v", ErrInvalid, id, dir)
	}
	return s.find(del, func() *Policy {
		if p := s.lookupIdx(id); p != nil && p.Type == typ {
			return p
		}
		return nil
	})
}

// find runs match under the table lock. Deletion is authorized by the
// security module under the same lock so it either fully happens or not.
func (s *store) find(del bool, match func() *Policy) (*Policy, error) {
	if !del {
		s.mu.RLock()
		p := match()
		if p != nil {
			p.Hold()
		}
		s.mu.RUnlock()
		if p == nil {
			return nil, ErrNotFound
		}
		return p, nil
	}

	s.mu.Lock()
	p := match()
	if p == nil {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if err := s.authorizeDelete(p); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	p.Hold()
	s.unlinkLocked(p)
	s.mu.Unlock()

	s.bumpGenid()
	s.kill(p)
	return p, nil
}

// Delete unlinks p. ErrNotFound means it was already gone, which expiry and
// explicit deletion both treat as success.
func (s *store) Delete(p *Policy, dir Direction) error {
	s.mu.Lock()
	if p.dir != dir || !s.unlinkLocked(p) {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.mu.Unlock()

	if dir < dirMax {
		s.bumpGenid()
	}
	s.kill(p)
	return nil
}

// Flush removes every policy of typ from the in/out/fwd tables. Each
// removal is authorized separately; the first refusal stops the flush and
// is returned, policies removed before it stay removed.
func (s *store) Flush(typ Type) error {
	var (
		killed []*Policy
		err    error
	)
	s.mu.Lock()
flush:
	for dir := Direction(0); dir < dirMax; dir++ {
		t := &s.dirs[dir]
		victims := slices.Clone(t.inexact)
		for _, chain := range t.exact.buckets {
			victims = append(victims, chain...)
		}
		for _, p := range victims {
			if typ != TypeAny && p.Type != typ {
				continue
			}
			if err = s.authorizeDelete(p); err != nil {
				break flush
			}
			s.unlinkLocked(p)
			killed = append(killed, p)
		}
	}
	s.mu.Unlock()

	if len(killed) > 0 {
		s.bumpGenid()
		s.log.Info("policies flushed", Fields{"type": typ.String(), "count": len(killed)})
	}
	for _, p := range killed {
		s.kill(p)
	}
	return err
}

func (s *store) authorizeDelete(p *Policy) error {
	if s.security == nil {
		return nil
	}
	if err := s.security.PolicyDelete(p.SecCtx); err != nil {
		return fmt.Errorf("%w: delete policy %d: %w", ErrSecurityDenied, p.index, err)
	}
	return nil
}

func (s *store) Info() SPDInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SPDInfo{
		Count:       s.counts,
		IdxHashMask: s.byIdx.hmask,
		HashMax:     s.hashMax,
	}
}

// linkLocked links p without the insert ordering rules. Used for socket
// policies, which nothing looks up by selector. Caller holds s.mu.
func (s *store) linkLocked(p *Policy, dir Direction) {
	chain := s.chainBySel(dir, p.Selector)
	*chain = append([]*Policy{p}, *chain...)
	p.Hold()
	p.dir = dir
	p.linked = true
	s.linkIdx(p)
	p.walk = s.all.PushBack(p)
	s.counts[dir]++
	if s.needsResize(dir) {
		s.scheduleResize()
	}
}

// unlinkLocked removes p from every table. It reports false when p was
// not linked. The table's reference is dropped later by the collector.
func (s *store) unlinkLocked(p *Policy) bool {
	if !p.linked {
		return false
	}
	chain := s.chainBySel(p.dir, p.Selector)
	*chain = removePolicy(*chain, p)
	s.unlinkIdx(p)
	if p.walk != nil {
		s.all.Remove(p.walk)
		p.walk = nil
	}
	s.counts[p.dir]--
	p.linked = false
	return true
}
