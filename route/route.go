// Package route defines the next-hop handles the bundle builder chains onto
// and the routing collaborator that hands them out. Table is an in-memory
// longest-prefix-match FIB suitable for tests and simple deployments.
package route

import (
	"context"
	"errors"
	"net/netip"

	"github.com/unkn0wn-root/spdcache/selector"
)

var (
	ErrNoRoute  = errors.New("route: no route to host")
	ErrNoSource = errors.New("route: no usable source address")
)

// Route is a resolved next hop. Cookie snapshots its validity; Check reports
// whether a previously taken snapshot still holds.
type Route interface {
	MTU() int
	Cookie() uint64
	Check(cookie uint64) bool
}

// Releaser is implemented by routes that are reference counted by their
// resolver. Bundles release every route they hold when freed.
type Releaser interface {
	Release()
}

// Resolver is the routing collaborator.
type Resolver interface {
	Lookup(ctx context.Context, tos uint8, local, remote netip.Addr, fam selector.Family) (Route, error)
	SourceAddr(ctx context.Context, remote netip.Addr, fam selector.Family) (netip.Addr, error)
}

// Release calls r.Release when r implements Releaser.
func Release(r Route) {
	if rr, ok := r.(Releaser); ok {
		rr.Release()
	}
}
