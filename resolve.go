package spdcache

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/unkn0wn-root/spdcache/selector"
	"github.com/unkn0wn-root/spdcache/state"
)

type matchResult uint8

const (
	noMatch matchResult = iota
	matchDenied
	matched
)

// match applies p to fl. Caller holds s.mu.
func (s *store) match(p *Policy, fl selector.Flow, typ Type, fam selector.Family, dir Direction) (matchResult, error) {
	if p.family() != fam || p.Type != typ {
		return noMatch, nil
	}
	if !p.Selector.Match(fl, fam) {
		return noMatch, nil
	}
	return s.securityLookup(p, fl, dir)
}

func (s *store) securityLookup(p *Policy, fl selector.Flow, dir Direction) (matchResult, error) {
	if s.security == nil {
		return matched, nil
	}
	err := s.security.PolicyLookup(p.SecCtx, fl.SecID, dir)
	switch {
	case err == nil:
		return matched, nil
	case errors.Is(err, ErrNotFound):
		return noMatch, nil
	}
	return matchDenied, fmt.Errorf("%w: policy %d: %w", ErrSecurityDenied, p.index, err)
}

// lookupByType finds the best policy of typ for fl: the first match of the
// exact chain, unless the inexact chain has a match with a strictly better
// priority. The result is held.
func (s *store) lookupByType(typ Type, fl selector.Flow, fam selector.Family, dir Direction) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		ret      *Policy
		priority uint32 = ^uint32(0)
	)
	if fl.Daddr.IsValid() && fl.Saddr.IsValid() {
		for _, p := range s.chainDirect(dir, fl.Daddr, fl.Saddr) {
			res, err := s.match(p, fl, typ, fam, dir)
			if res == matchDenied {
				return nil, err
			}
			if res == matched {
				ret, priority = p, p.Priority
				break
			}
		}
	}
	for _, p := range s.dirs[dir].inexact {
		res, err := s.match(p, fl, typ, fam, dir)
		if res == matchDenied {
			return nil, err
		}
		if res == matched && p.Priority < priority {
			ret = p
			break
		}
	}
	if ret != nil {
		ret.Hold()
	}
	return ret, nil
}

// lookupPolicy consults sub policies before main ones when they are enabled.
func (s *store) lookupPolicy(fl selector.Flow, fam selector.Family, dir Direction) (*Policy, error) {
	if s.subPolicy {
		p, err := s.lookupByType(TypeSub, fl, fam, dir)
		if p != nil || err != nil {
			return p, err
		}
	}
	return s.lookupByType(TypeMain, fl, fam, dir)
}

// resolveTemplates resolves the templates of every policy in the chain. On
// error nothing stays held. Chains of more than one policy come back in
// processing order.
func (s *store) resolveTemplates(ctx context.Context, pols []*Policy, fl selector.Flow, fam selector.Family) ([]*state.Transform, error) {
	var xfrms []*state.Transform
	for _, p := range pols {
		if len(xfrms)+len(p.Templates) >= s.maxDepth {
			releaseTransforms(xfrms)
			return nil, fmt.Errorf("%w: policy %d needs %d transforms, max %d",
				ErrCapacity, p.index, len(xfrms)+len(p.Templates), s.maxDepth-1)
		}
		got, err := s.resolveOne(ctx, p, fl, fam)
		if err != nil {
			releaseTransforms(xfrms)
			return nil, err
		}
		xfrms = append(xfrms, got...)
	}
	if len(pols) > 1 {
		slices.SortStableFunc(xfrms, func(a, b *state.Transform) int {
			return modeRank(a.Mode, a.Proto) - modeRank(b.Mode, b.Proto)
		})
	}
	return xfrms, nil
}

func (s *store) resolveOne(ctx context.Context, p *Policy, fl selector.Flow, fam selector.Family) ([]*state.Transform, error) {
	remote, local := fl.Daddr, fl.Saddr
	var out []*state.Transform

	for i, tmpl := range p.Templates {
		r, l := remote, local
		if tmpl.Mode.Tunnel() {
			r, l = tmpl.Daddr, tmpl.Saddr
			if tmpl.EncapFamily != selector.FamilyUnspec {
				fam = tmpl.EncapFamily
			}
			if !l.IsValid() || l.IsUnspecified() {
				src, err := s.routes.SourceAddr(ctx, r, fam)
				if err != nil {
					releaseTransforms(out)
					return nil, &ResolveError{Index: p.index, Template: i, Tmpl: tmpl, Err: err}
				}
				l = src
			}
		}

		x, err := s.states.Find(ctx, r, l, fl, tmpl, fam)
		if x != nil && x.State() == state.StateValid {
			out = append(out, x)
			remote, local = r, l
			continue
		}
		switch {
		case x != nil:
			err = ErrAgain
			if x.State() == state.StateError {
				err = ErrStateInvalid
			}
			x.Release()
		case err == nil || errors.Is(err, state.ErrNoState):
			err = ErrAgain
		}
		if !tmpl.Optional {
			releaseTransforms(out)
			return nil, &ResolveError{Index: p.index, Template: i, Tmpl: tmpl, Err: err}
		}
	}
	return out, nil
}

// modeRank orders transforms for outbound processing: transport (AH last),
// then tunnel, then everything else.
func modeRank(m state.Mode, proto state.Proto) int {
	switch m {
	case state.ModeTransport:
		if proto == state.ProtoAH {
			return 2
		}
		return 0
	case state.ModeRouteOptimization, state.ModeInTrigger:
		return 1
	case state.ModeTunnel:
		return 3
	}
	return 4
}

func releaseTransforms(xs []*state.Transform) {
	for _, x := range xs {
		x.Release()
	}
}

func releasePolicies(ps []*Policy) {
	for _, p := range ps {
		p.Release()
	}
}
