package spdcache

import (
	"fmt"

	"github.com/unkn0wn-root/spdcache/selector"
)

// findBundle returns a held cached bundle of pol built for the same flow,
// most recently built first.
func (s *store) findBundle(pol *Policy, fl selector.Flow, fam selector.Family) *Bundle {
	pol.mu.RLock()
	defer pol.mu.RUnlock()
	for b := pol.bundles; b != nil; b = b.next {
		if b.flow.Daddr == fl.Daddr && b.flow.Saddr == fl.Saddr &&
			b.flow.Oif == fl.Oif && b.flow.TOS == fl.TOS &&
			b.ok(pol, &fl, fam, false) {
			b.hold()
			return b
		}
	}
	return nil
}

// splice caches a freshly built bundle on pols[0] and returns it held for
// the caller. If any policy of the chain died or the bundle went stale
// while it was being built, the bundle is freed and ErrStale returned.
func (s *store) splice(pols []*Policy, b *Bundle) error {
	dead := false
	for _, p := range pols[1:] {
		dead = dead || p.Dead()
	}

	pol := pols[0]
	pol.mu.Lock()
	dead = dead || pol.dead
	if dead || b.stale() {
		pol.mu.Unlock()
		reason := "stale"
		if dead {
			reason = "policy_dead"
		}
		s.log.Debug("discarding new bundle", Fields{"index": pol.index, "reason": reason})
		s.hooks.BundleRejected(pol.index, reason)
		b.Release()
		return fmt.Errorf("%w: policy %d (%s)", ErrStale, pol.index, reason)
	}
	b.next = pol.bundles
	pol.bundles = b
	b.hold()
	pol.mu.Unlock()
	return nil
}

// takeBundles detaches p's whole bundle list.
func (p *Policy) takeBundles() []*Bundle {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Bundle
	for b := p.bundles; b != nil; b = b.next {
		out = append(out, b)
	}
	p.bundles = nil
	return out
}

// pruneBundles detaches the bundles pred selects.
func (p *Policy) pruneBundles(pred func(*Bundle) bool) []*Bundle {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Bundle
	link := &p.bundles
	for b := *link; b != nil; b = *link {
		if pred(b) {
			*link = b.next
			out = append(out, b)
		} else {
			link = &b.next
		}
	}
	return out
}

// freeBundles drops the list reference of detached bundles. Call it with
// no lock held.
func freeBundles(bs []*Bundle) int {
	for _, b := range bs {
		b.unlink()
	}
	return len(bs)
}
