package spdcache

import (
	"context"
	"slices"
	"time"

	"github.com/unkn0wn-root/spdcache/selector"
	"github.com/unkn0wn-root/spdcache/state"
)

// CheckInbound reports whether a received flow that went through the
// transforms in secpath (outermost first) satisfies the policy for dir.
func (s *store) CheckInbound(ctx context.Context, dir Direction, fl selector.Flow, secpath []*state.Transform, opts ...LookupOption) bool {
	if dir >= dirMax {
		return false
	}
	var o lookupOptions
	for _, opt := range opts {
		opt(&o)
	}
	fam := fl.Family()

	for i := len(secpath) - 1; i >= 0; i-- {
		if !secpath[i].SelectorMatch(fl, fam) {
			return false
		}
	}

	pol, err := s.sockLookup(o.sk, dir, fl, fam)
	if err == nil && pol == nil {
		pol, err = s.flowLookup(ctx, fl, fam, dir)
	}
	if err != nil {
		s.hooks.LookupFailed(dir, err)
		return false
	}
	if pol == nil {
		return !hasNonTransport(secpath, 0)
	}
	pols := []*Policy{pol}
	defer func() { releasePolicies(pols) }()

	now := time.Now()
	pol.touch(now)
	if pol.Type != TypeMain {
		main, err := s.lookupByType(TypeMain, fl, fam, dir)
		if err != nil {
			s.hooks.LookupFailed(dir, err)
			return false
		}
		if main != nil {
			main.touch(now)
			pols = append(pols, main)
		}
	}
	if pol.Action != ActionAllow {
		return false
	}

	var tmpls []state.Template
	for _, p := range pols {
		if p != pol && p.Action != ActionAllow {
			return false
		}
		if len(tmpls)+len(p.Templates) >= s.maxDepth {
			return false
		}
		tmpls = append(tmpls, p.Templates...)
	}
	if len(pols) > 1 {
		slices.SortStableFunc(tmpls, func(a, b state.Template) int {
			return modeRank(a.Mode, a.Proto) - modeRank(b.Mode, b.Proto)
		})
	}

	// Innermost template first; k walks the secpath from the outside in.
	k := 0
	for i := len(tmpls) - 1; i >= 0; i-- {
		if k = templateOK(tmpls[i], secpath, k); k < 0 {
			return false
		}
	}
	return !hasNonTransport(secpath, k)
}

// templateOK finds the transform satisfying tmpl in sp from start on and
// returns the position after it. Optional transport templates may match
// nothing. A tunnel transform that does not match ends the search, -1 means
// tmpl is unsatisfied.
func templateOK(tmpl state.Template, sp []*state.Transform, start int) int {
	idx := start
	if tmpl.Optional {
		if tmpl.Mode == state.ModeTransport {
			return start
		}
	} else {
		start = -1
	}
	for ; idx < len(sp); idx++ {
		if sp[idx].MatchesTemplate(tmpl) {
			return idx + 1
		}
		if sp[idx].Mode != state.ModeTransport {
			break
		}
	}
	return start
}

func hasNonTransport(sp []*state.Transform, k int) bool {
	for ; k < len(sp); k++ {
		if sp[k].Mode != state.ModeTransport {
			return true
		}
	}
	return false
}
