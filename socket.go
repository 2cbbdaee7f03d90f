package spdcache

import (
	"fmt"
	"time"

	"github.com/unkn0wn-root/spdcache/selector"
)

// Socket carries per-socket policies for DirIn and DirOut. The zero value
// is an empty socket. Slots are guarded by the store lock.
type Socket struct {
	pols [2]*Policy
}

func socketDir(dir Direction) Direction { return dirMax + dir }

// InsertSocketPolicy sets the socket's policy for dir, nil clears it. The
// previous policy is removed. The socket keeps its own reference on p.
func (s *store) InsertSocketPolicy(sk *Socket, dir Direction, p *Policy) error {
	if dir != DirIn && dir != DirOut {
		return fmt.Errorf("%w: socket direction %v", ErrInvalid, dir)
	}
	if p != nil {
		if p.Type != TypeMain {
			return fmt.Errorf("%w: socket policy type %v", ErrInvalid, p.Type)
		}
		if err := p.Selector.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if p != nil && (p.linked || p.Dead()) {
		s.mu.Unlock()
		return fmt.Errorf("%w: policy %d already linked or dead", ErrInvalid, p.index)
	}
	old := sk.pols[dir]
	sk.pols[dir] = p
	if p != nil {
		p.Hold()
		p.addTime = time.Now()
		p.index = s.genIndex(socketDir(dir))
		s.linkLocked(p, socketDir(dir))
	}
	unlinked := old != nil && s.unlinkLocked(old)
	s.mu.Unlock()

	if old != nil {
		if unlinked {
			s.kill(old)
		}
		old.Release()
	}
	return nil
}

// CloneSocket gives a copy of sk's policies to a new socket. Each copy gets
// a fresh index.
func (s *store) CloneSocket(sk *Socket) (*Socket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	n := &Socket{}
	for i, p := range sk.pols {
		if p == nil {
			continue
		}
		c := p.clone()
		c.index = s.genIndex(p.dir)
		s.linkLocked(c, p.dir)
		n.pols[i] = c
	}
	return n, nil
}

// CloseSocket removes both socket policies.
func (s *store) CloseSocket(sk *Socket) {
	var killed, owned []*Policy
	s.mu.Lock()
	for i, p := range sk.pols {
		if p == nil {
			continue
		}
		sk.pols[i] = nil
		if s.unlinkLocked(p) {
			killed = append(killed, p)
		}
		owned = append(owned, p)
	}
	s.mu.Unlock()

	for _, p := range killed {
		s.kill(p)
	}
	releasePolicies(owned)
}

// sockLookup returns sk's policy for dir when it applies to fl, held.
func (s *store) sockLookup(sk *Socket, dir Direction, fl selector.Flow, fam selector.Family) (*Policy, error) {
	if sk == nil || dir > DirOut {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := sk.pols[dir]
	if p == nil || p.Dead() || !p.Selector.Match(fl, fam) {
		return nil, nil
	}
	if res, err := s.securityLookup(p, fl, dir); res != matched {
		return nil, err
	}
	p.Hold()
	return p, nil
}
