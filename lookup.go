package spdcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/unkn0wn-root/spdcache/flowcache"
	"github.com/unkn0wn-root/spdcache/route"
	"github.com/unkn0wn-root/spdcache/selector"
	"github.com/unkn0wn-root/spdcache/state"
)

type lookupOptions struct {
	sk   *Socket
	wait bool
	icmp bool
}

// LookupOption tunes a single ResolveAndBuild or CheckInbound call.
type LookupOption func(*lookupOptions)

// WithSocket consults the socket's own policy before the tables.
func WithSocket(sk *Socket) LookupOption {
	return func(o *lookupOptions) { o.sk = sk }
}

// WithWait blocks until a pending transform is established (or ctx ends)
// instead of failing with ErrAgain. It needs a state resolver that
// implements state.Notifier.
func WithWait() LookupOption {
	return func(o *lookupOptions) { o.wait = true }
}

// WithICMP restricts the lookup to policies flagged FlagICMP.
func WithICMP() LookupOption {
	return func(o *lookupOptions) { o.icmp = true }
}

// ResolveAndBuild returns the bundle fl must go through, held for the
// caller. (nil, nil) means the flow passes untransformed.
func (s *store) ResolveAndBuild(ctx context.Context, dir Direction, fl selector.Flow, base route.Route, opts ...LookupOption) (*Bundle, error) {
	if dir >= dirMax {
		return nil, fmt.Errorf("%w: direction %v", ErrInvalid, dir)
	}
	if base == nil {
		return nil, fmt.Errorf("%w: nil base route", ErrInvalid)
	}
	var o lookupOptions
	for _, opt := range opts {
		opt(&o)
	}
	fam := fl.Family()

	stale := 0
	for {
		b, restart, err := s.lookupOnce(ctx, dir, fl, fam, base, &o)
		if restart {
			continue
		}
		if errors.Is(err, ErrStale) && stale < s.maxRestarts {
			stale++
			s.log.Debug("bundle went stale, restarting lookup", Fields{"dir": dir.String(), "attempt": stale})
			continue
		}
		if err != nil {
			s.hooks.LookupFailed(dir, err)
		}
		return b, err
	}
}

// lookupOnce runs one resolution pass. restart asks for another pass after
// a wait during which the policy world changed.
func (s *store) lookupOnce(ctx context.Context, dir Direction, fl selector.Flow, fam selector.Family, base route.Route, o *lookupOptions) (b *Bundle, restart bool, err error) {
	genid := s.Genid()
	var wake <-chan struct{}
	if n, ok := s.states.(state.Notifier); ok && o.wait {
		wake = n.Changed()
	}

	pol, err := s.sockLookup(o.sk, dir, fl, fam)
	if err != nil {
		return nil, false, err
	}
	if pol == nil {
		if pol, err = s.flowLookup(ctx, fl, fam, dir); err != nil {
			return nil, false, err
		}
	}
	if pol == nil {
		if o.icmp {
			return nil, false, ErrNotFound
		}
		return nil, false, nil
	}
	pols := []*Policy{pol}
	defer func() { releasePolicies(pols) }()

	if o.icmp && pol.Flags&FlagICMP == 0 {
		return nil, false, ErrNotFound
	}
	pol.touch(time.Now())
	if pol.Action == ActionBlock {
		return nil, false, fmt.Errorf("%w: policy %d", ErrBlocked, pol.index)
	}
	ntmpl := len(pol.Templates)
	if ntmpl == 0 && !s.subPolicy {
		return nil, false, nil
	}

	if b := s.findBundle(pol, fl, fam); b != nil {
		return b, false, nil
	}

	if pol.Type != TypeMain {
		main, err := s.lookupByType(TypeMain, fl, fam, dir)
		if err != nil {
			return nil, false, err
		}
		if main != nil {
			pols = append(pols, main)
			if main.Action == ActionBlock {
				return nil, false, fmt.Errorf("%w: policy %d", ErrBlocked, main.index)
			}
			ntmpl += len(main.Templates)
		}
	}
	if ntmpl == 0 {
		return nil, false, nil
	}

	xfrms, err := s.resolveTemplates(ctx, pols, fl, fam)
	if errors.Is(err, ErrAgain) {
		if s.larvalDrop {
			return nil, false, fmt.Errorf("%w: %v", ErrLarvalDrop, err)
		}
		if o.wait && wake != nil {
			select {
			case <-wake:
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
			xfrms, err = s.resolveTemplates(ctx, pols, fl, fam)
			if errors.Is(err, ErrAgain) {
				return nil, true, nil
			}
			if err == nil && genid != s.Genid() {
				releaseTransforms(xfrms)
				return nil, true, nil
			}
		}
	}
	if err != nil {
		return nil, false, err
	}
	if len(xfrms) == 0 {
		return nil, false, nil
	}

	b, err = s.build(ctx, xfrms, fl, fam, base)
	if err != nil {
		return nil, false, err
	}
	if s.subPolicy {
		if len(pols) > 1 {
			sel := pols[1].Selector
			b.partner = &sel
		} else {
			b.origin = true
		}
	}
	if err := s.splice(pols, b); err != nil {
		return nil, false, err
	}
	return b, false, nil
}

// cachedPolicy resolves a cached index and checks the policy still applies
// to fl. A nil policy with a nil error is a miss.
func (s *store) cachedPolicy(e flowcache.Entry, fl selector.Flow, fam selector.Family, dir Direction) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.lookupIdx(e.Index)
	if p == nil || p.dir != dir || p.Dead() {
		return nil, nil
	}
	res, err := s.match(p, fl, Type(e.Type), fam, dir)
	switch res {
	case matched:
		p.Hold()
		return p, nil
	case matchDenied:
		return nil, err
	}
	return nil, nil
}

// flowLookup answers from the flow cache when it can and records table
// answers in it. Security denials are never cached.
func (s *store) flowLookup(ctx context.Context, fl selector.Flow, fam selector.Family, dir Direction) (*Policy, error) {
	if !s.flows.Enabled() {
		return s.lookupPolicy(fl, fam, dir)
	}

	key := s.flows.Key(uint8(dir), fl)
	e, ok, err := s.flows.Get(ctx, key)
	if err != nil {
		s.log.Debug("flow cache read failed", Fields{"key": key, "err": err})
	}
	if ok {
		if !e.Found {
			return nil, nil
		}
		p, err := s.cachedPolicy(e, fl, fam, dir)
		if err != nil || p != nil {
			return p, err
		}
	}

	gen := s.Genid()
	p, err := s.lookupPolicy(fl, fam, dir)
	if err != nil {
		return nil, err
	}
	var entry flowcache.Entry
	if p != nil {
		entry = flowcache.Entry{Index: p.index, Type: uint8(p.Type), Found: true}
	}
	if _, err := s.flows.SetWithGen(ctx, key, entry, gen); err != nil {
		s.log.Debug("flow cache write failed", Fields{"key": key, "err": err})
	}
	return p, nil
}
