package route

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/gaissmai/bart"

	"github.com/unkn0wn-root/spdcache/selector"
)

// Nexthop describes a FIB entry.
type Nexthop struct {
	Gateway netip.Addr
	Src     netip.Addr // preferred source for SourceAddr
	Dev     string
	MTU     int
}

// Entry is the Route handle returned by Table. Replacing or deleting its
// prefix obsoletes it; SetMTU changes the MTU without obsoleting it.
type Entry struct {
	Prefix  netip.Prefix
	Nexthop Nexthop

	mtu      atomic.Int64
	gen      atomic.Uint64
	obsolete atomic.Bool
	users    atomic.Int64
}

var (
	_ Route    = (*Entry)(nil)
	_ Releaser = (*Entry)(nil)
)

func (e *Entry) MTU() int       { return int(e.mtu.Load()) }
func (e *Entry) Cookie() uint64 { return e.gen.Load() }
func (e *Entry) Check(cookie uint64) bool {
	return !e.obsolete.Load() && e.gen.Load() == cookie
}
func (e *Entry) Release()     { e.users.Add(-1) }
func (e *Entry) Users() int64 { return e.users.Load() }

// SetMTU updates the path MTU (PMTU discovery); the cookie is unchanged.
func (e *Entry) SetMTU(mtu int) { e.mtu.Store(int64(mtu)) }

// Invalidate bumps the cookie so holders re-resolve.
func (e *Entry) Invalidate() { e.gen.Add(1) }

func (e *Entry) String() string {
	return fmt.Sprintf("%s via %s dev %s mtu %d", e.Prefix, e.Nexthop.Gateway, e.Nexthop.Dev, e.MTU())
}

// Table is a bart-backed FIB implementing Resolver.
type Table struct {
	mu      sync.RWMutex
	fib     bart.Table[*Entry]
	lookups atomic.Uint64
}

var _ Resolver = (*Table)(nil)

func NewTable() *Table { return &Table{} }

// Add installs or replaces the entry for pfx. A replaced entry is obsoleted.
func (t *Table) Add(pfx netip.Prefix, nh Nexthop) *Entry {
	e := &Entry{Prefix: pfx.Masked(), Nexthop: nh}
	e.mtu.Store(int64(nh.MTU))

	t.mu.Lock()
	if old, ok := t.fib.Get(e.Prefix); ok {
		old.obsolete.Store(true)
	}
	t.fib.Insert(e.Prefix, e)
	t.mu.Unlock()
	return e
}

// Delete removes pfx and obsoletes its entry.
func (t *Table) Delete(pfx netip.Prefix) bool {
	pfx = pfx.Masked()
	t.mu.Lock()
	defer t.mu.Unlock()
	old, ok := t.fib.Get(pfx)
	if !ok {
		return false
	}
	old.obsolete.Store(true)
	t.fib.Delete(pfx)
	return true
}

// Lookup resolves remote by longest-prefix match. local and tos do not
// influence the choice in this table.
func (t *Table) Lookup(_ context.Context, _ uint8, _, remote netip.Addr, fam selector.Family) (Route, error) {
	t.lookups.Add(1)
	if selector.FamilyOf(remote) != fam {
		return nil, fmt.Errorf("%w: %s not in %v", ErrNoRoute, remote, fam)
	}
	t.mu.RLock()
	e, ok := t.fib.Lookup(remote)
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, remote)
	}
	e.users.Add(1)
	return e, nil
}

// SourceAddr returns the preferred source of the route toward remote.
func (t *Table) SourceAddr(_ context.Context, remote netip.Addr, _ selector.Family) (netip.Addr, error) {
	t.mu.RLock()
	e, ok := t.fib.Lookup(remote)
	t.mu.RUnlock()
	if !ok {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrNoRoute, remote)
	}
	if !e.Nexthop.Src.IsValid() {
		return netip.Addr{}, fmt.Errorf("%w: route %s has no source", ErrNoSource, e.Prefix)
	}
	return e.Nexthop.Src, nil
}

// Lookups returns how many Lookup calls the table has served.
func (t *Table) Lookups() uint64 { return t.lookups.Load() }
