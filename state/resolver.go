package state

import (
	"context"
	"errors"
	"net/netip"
	"sync"

	"github.com/unkn0wn-root/spdcache/selector"
)

// ErrNoState is returned by a Resolver when nothing matches the template.
var ErrNoState = errors.New("state: no matching transform")

// Resolver finds the transform satisfying tmpl between local and remote for
// a flow. A non-nil transform is returned with a reference held for the
// caller, whatever its State.
type Resolver interface {
	Find(ctx context.Context, remote, local netip.Addr, fl selector.Flow, tmpl Template, fam selector.Family) (*Transform, error)
}

// Notifier is optionally implemented by a Resolver that can announce newly
// usable transforms. Changed returns a channel closed on the next change.
type Notifier interface {
	Changed() <-chan struct{}
}

// Table is an in-memory transform store keyed by endpoints. It implements
// Resolver and Notifier.
type Table struct {
	mu     sync.RWMutex
	byDst  map[netip.Addr][]*Transform
	wakeCh chan struct{}
}

var (
	_ Resolver = (*Table)(nil)
	_ Notifier = (*Table)(nil)
)

func NewTable() *Table {
	return &Table{
		byDst:  make(map[netip.Addr][]*Transform),
		wakeCh: make(chan struct{}),
	}
}

// Add takes ownership of one reference on t and wakes waiters.
func (tb *Table) Add(t *Transform) {
	tb.mu.Lock()
	tb.byDst[t.Daddr] = append(tb.byDst[t.Daddr], t)
	tb.mu.Unlock()
	tb.Notify()
}

// Remove drops t from the table and releases the table's reference.
func (tb *Table) Remove(t *Transform) bool {
	tb.mu.Lock()
	list := tb.byDst[t.Daddr]
	found := false
	for i, x := range list {
		if x == t {
			tb.byDst[t.Daddr] = append(list[:i:i], list[i+1:]...)
			found = true
			break
		}
	}
	if len(tb.byDst[t.Daddr]) == 0 {
		delete(tb.byDst, t.Daddr)
	}
	tb.mu.Unlock()
	if found {
		t.SetState(StateDead)
		t.Release()
	}
	return found
}

// Notify broadcasts a change to every current waiter.
func (tb *Table) Notify() {
	tb.mu.Lock()
	close(tb.wakeCh)
	tb.wakeCh = make(chan struct{})
	tb.mu.Unlock()
}

func (tb *Table) Changed() <-chan struct{} {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.wakeCh
}

// Find prefers a VALID transform; otherwise it returns the first candidate in
// any other state so the caller can tell "pending" from "absent".
func (tb *Table) Find(_ context.Context, remote, local netip.Addr, _ selector.Flow, tmpl Template, _ selector.Family) (*Transform, error) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	var fallback *Transform
	for _, t := range tb.byDst[remote] {
		if !tb.candidate(t, local, tmpl) {
			continue
		}
		if t.State() == StateValid {
			t.Hold()
			return t, nil
		}
		if fallback == nil {
			fallback = t
		}
	}
	if fallback != nil {
		fallback.Hold()
		return fallback, nil
	}
	return nil, ErrNoState
}

func (tb *Table) candidate(t *Transform, local netip.Addr, tmpl Template) bool {
	if t.Proto != tmpl.Proto || t.Mode != tmpl.Mode {
		return false
	}
	if tmpl.SPI != 0 && t.SPI != tmpl.SPI {
		return false
	}
	if tmpl.ReqID != 0 && t.ReqID != tmpl.ReqID {
		return false
	}
	if local.IsValid() && !local.IsUnspecified() && t.Saddr != local {
		return false
	}
	s := t.State()
	return s != StateDead && s != StateExpired
}

// Len returns the number of stored transforms.
func (tb *Table) Len() int {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	n := 0
	for _, l := range tb.byDst {
		n += len(l)
	}
	return n
}
