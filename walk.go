package spdcache

import (
	"container/list"
	"fmt"
)

// WalkFunc visits one policy. seq counts the policies visited by the walk
// so far. It runs with the table locked and must not call back into the
// store. Returning an error stops the walk; the next Walk call with the same
// Walker resumes at the policy that returned it.
type WalkFunc func(p *Policy, dir Direction, seq int) error

// Walker is a resumable cursor over every linked policy. The zero value is
// not usable; get one from NewWalker and hand it back with WalkDone.
type Walker struct {
	typ  Type
	seq  int
	elem *list.Element // parked in the walk list between calls
}

func (s *store) NewWalker(typ Type) *Walker {
	return &Walker{typ: typ}
}

// Seq reports how many policies the walker visited.
func (w *Walker) Seq() int { return w.seq }

func (s *store) Walk(w *Walker, fn WalkFunc) error {
	if w.typ != TypeMain && w.typ != TypeSub && w.typ != TypeAny {
		return fmt.Errorf("%w: walk type %v", ErrInvalid, w.typ)
	}
	// finished walks stay finished
	if w.elem == nil && w.seq != 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.all.Front()
	if w.elem != nil {
		e = w.elem.Next()
	}
	for ; e != nil; e = e.Next() {
		p, ok := e.Value.(*Policy)
		if !ok || p.Dead() {
			continue
		}
		if w.typ != TypeAny && w.typ != p.Type {
			continue
		}
		if err := fn(p, p.dir, w.seq); err != nil {
			w.park(s.all, e)
			return err
		}
		w.seq++
	}
	if w.seq == 0 {
		return ErrNotFound
	}
	if w.elem != nil {
		s.all.Remove(w.elem)
		w.elem = nil
	}
	return nil
}

// park moves the cursor right before e so e is visited again.
func (w *Walker) park(l *list.List, e *list.Element) {
	if w.elem != nil {
		l.Remove(w.elem)
	}
	w.elem = l.InsertBefore(w, e)
}

// WalkDone releases the cursor of an interrupted walk.
func (s *store) WalkDone(w *Walker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.elem != nil {
		s.all.Remove(w.elem)
		w.elem = nil
	}
}
