package spdcache

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/unkn0wn-root/spdcache/route"
	"github.com/unkn0wn-root/spdcache/selector"
	"github.com/unkn0wn-root/spdcache/state"
)

// Entry is one hop of a bundle: a transform plus the routing metrics cached
// for it. route is the route in effect before the transform is applied.
type Entry struct {
	x           *state.Transform
	genid       uint32
	route       route.Route
	routeCookie uint64
	headerLen   int // this hop and every inner one
	trailerLen  int

	childMTU atomic.Int64
	routeMTU atomic.Int64
	mtu      atomic.Int64
}

func (e *Entry) Transform() *state.Transform { return e.x }
func (e *Entry) Route() route.Route          { return e.route }
func (e *Entry) MTU() int                    { return int(e.mtu.Load()) }
func (e *Entry) HeaderLen() int              { return e.headerLen }
func (e *Entry) TrailerLen() int             { return e.trailerLen }

// Bundle is a resolved transform chain for a flow, outermost transform
// first, ending in the path route. A cached bundle sits on exactly one
// policy's list; the list owns one reference and every user another.
type Bundle struct {
	entries    []*Entry
	path       route.Route
	pathCookie uint64
	owned      []route.Route // routes looked up for tunnel hops

	flow     selector.Flow
	origin   bool               // single-policy bundle: ports and proto must match flow
	partner  *selector.Selector // chained bundle: main policy selector
	security SecurityModule

	next     *Bundle // guarded by the owning policy's mu
	refcnt   atomic.Int32
	obsolete atomic.Bool
	freed    atomic.Bool
}

func (b *Bundle) Len() int { return len(b.entries) }

// Entries returns the hops, outermost first.
func (b *Bundle) Entries() []*Entry {
	return append([]*Entry(nil), b.entries...)
}

func (b *Bundle) Path() route.Route { return b.path }

// MTU is the payload MTU at the outermost hop.
func (b *Bundle) MTU() int {
	if len(b.entries) == 0 {
		return b.path.MTU()
	}
	return b.entries[0].MTU()
}

func (b *Bundle) HeaderLen() int {
	if len(b.entries) == 0 {
		return 0
	}
	return b.entries[0].headerLen
}

func (b *Bundle) TrailerLen() int {
	if len(b.entries) == 0 {
		return 0
	}
	return b.entries[0].trailerLen
}

// Obsolete reports whether the bundle was dropped from its policy's cache.
// Holders should look the flow up again.
func (b *Bundle) Obsolete() bool { return b.obsolete.Load() }

func (b *Bundle) Refs() int32 { return b.refcnt.Load() }

func (b *Bundle) hold() { b.refcnt.Add(1) }

// Release drops a reference returned by ResolveAndBuild.
func (b *Bundle) Release() {
	n := b.refcnt.Add(-1)
	if n < 0 {
		panic("spdcache: bundle released more times than held")
	}
	if n == 0 {
		b.destroy()
	}
}

// unlink drops the list's reference once the bundle is off the list.
func (b *Bundle) unlink() {
	b.next = nil
	b.obsolete.Store(true)
	b.Release()
}

func (b *Bundle) destroy() {
	if !b.freed.CompareAndSwap(false, true) {
		return
	}
	for _, e := range b.entries {
		e.x.Release()
	}
	for _, r := range b.owned {
		route.Release(r)
	}
	b.entries, b.owned = nil, nil
}

// Validate reports whether the bundle can still carry fl (nil skips the
// flow checks). strict also requires transport hops to be bound to the
// flow's addresses. A valid bundle gets its cached MTUs refreshed.
func (b *Bundle) Validate(fl *selector.Flow, fam selector.Family, strict bool) bool {
	if b.obsolete.Load() {
		return false
	}
	return b.ok(nil, fl, fam, strict)
}

func (b *Bundle) stale() bool { return !b.ok(nil, nil, selector.FamilyUnspec, false) }

func (b *Bundle) ok(pol *Policy, fl *selector.Flow, fam selector.Family, strict bool) bool {
	if b.freed.Load() || !b.path.Check(b.pathCookie) {
		return false
	}
	if fl != nil {
		if b.origin && !upperMatch(b.flow, *fl) {
			return false
		}
		if b.partner != nil && !b.partner.Match(*fl, fam) {
			return false
		}
	}

	last := -1
	for i, e := range b.entries {
		x := e.x
		if fl != nil {
			if !x.SelectorMatch(*fl, fam) {
				return false
			}
			if pol != nil && b.security != nil && !b.security.StateFlowMatch(x, pol, *fl) {
				return false
			}
		}
		if x.State() != state.StateValid || x.Generation() != e.genid {
			return false
		}
		if strict && fl != nil && !x.Mode.Tunnel() && !x.AddrFlowCheck(*fl) {
			return false
		}
		if m := int64(b.childMTU(i)); e.childMTU.Load() != m {
			last = i
			e.childMTU.Store(m)
		}
		if !e.route.Check(e.routeCookie) {
			return false
		}
		if m := int64(e.route.MTU()); e.routeMTU.Load() != m {
			last = i
			e.routeMTU.Store(m)
		}
	}
	if last < 0 {
		return true
	}

	// Something below moved; recompute from the deepest change outward.
	mtu := int(b.entries[last].childMTU.Load())
	for i := last; i >= 0; i-- {
		e := b.entries[i]
		if i != last {
			e.childMTU.Store(int64(mtu))
		}
		mtu = min(e.x.MTU(mtu), int(e.routeMTU.Load()))
		e.mtu.Store(int64(mtu))
	}
	return true
}

// childMTU is the MTU of whatever follows hop i.
func (b *Bundle) childMTU(i int) int {
	if i == len(b.entries)-1 {
		return b.path.MTU()
	}
	return b.entries[i+1].MTU()
}

// initMTU fills every hop's MTU from the innermost outward.
func (b *Bundle) initMTU() {
	child := b.path.MTU()
	for i := len(b.entries) - 1; i >= 0; i-- {
		e := b.entries[i]
		e.childMTU.Store(int64(child))
		rm := e.route.MTU()
		e.routeMTU.Store(int64(rm))
		child = min(e.x.MTU(child), rm)
		e.mtu.Store(int64(child))
	}
}

func upperMatch(a, b selector.Flow) bool {
	return a.Proto == b.Proto && a.Sport == b.Sport && a.Dport == b.Dport
}

// build chains xfrms onto base. It takes over the callers' references on
// xfrms whatever the outcome. The bundle comes back with one reference.
func (s *store) build(ctx context.Context, xfrms []*state.Transform, fl selector.Flow, fam selector.Family, base route.Route) (*Bundle, error) {
	b := &Bundle{
		entries:  make([]*Entry, 0, len(xfrms)),
		flow:     fl,
		security: s.security,
	}
	b.refcnt.Store(1)

	cur := base
	for i, x := range xfrms {
		b.entries = append(b.entries, &Entry{
			x:           x,
			genid:       x.Generation(),
			route:       cur,
			routeCookie: cur.Cookie(),
		})
		if x.Mode == state.ModeTransport {
			continue
		}
		xfam := x.Family
		if xfam == selector.FamilyUnspec {
			xfam = fam
		}
		r, err := s.routes.Lookup(ctx, fl.TOS, x.Saddr, x.Daddr, xfam)
		if err != nil {
			for _, rest := range xfrms[i+1:] {
				rest.Release()
			}
			b.Release()
			return nil, &RouteError{Local: x.Saddr, Remote: x.Daddr, Err: err}
		}
		b.owned = append(b.owned, r)
		cur = r
	}
	b.path = cur
	b.pathCookie = cur.Cookie()

	header, trailer := 0, 0
	for i := len(b.entries) - 1; i >= 0; i-- {
		e := b.entries[i]
		header += e.x.HeaderLen
		trailer += e.x.TrailerLen
		e.headerLen, e.trailerLen = header, trailer
	}
	b.initMTU()
	return b, nil
}

func (b *Bundle) String() string {
	return fmt.Sprintf("bundle %d hops mtu %d hdr %d", len(b.entries), b.MTU(), b.HeaderLen())
}
