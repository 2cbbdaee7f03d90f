package spdcache

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/spdcache/selector"
	"github.com/unkn0wn-root/spdcache/state"
)

// Direction of a policy. The socket directions hold per-socket policies and
// are never consulted by table lookups.
type Direction uint8

const (
	DirIn Direction = iota
	DirOut
	DirFwd
	DirSocketIn
	DirSocketOut

	dirMax   = 3 // directions with selector lookups
	dirCount = 5
)

func (d Direction) String() string {
	switch d {
	case DirIn:
		return "in"
	case DirOut:
		return "out"
	case DirFwd:
		return "fwd"
	case DirSocketIn:
		return "sock_in"
	case DirSocketOut:
		return "sock_out"
	}
	return fmt.Sprintf("dir(%d)", uint8(d))
}

func (d Direction) valid() bool { return d < dirCount }

// IndexDirection extracts the direction encoded in a policy index.
func IndexDirection(idx uint32) Direction { return Direction(idx & 7) }

type Type uint8

const (
	TypeMain Type = iota
	TypeSub
	// TypeAny only selects policies in Walk and Flush.
	TypeAny Type = 255
)

func (t Type) String() string {
	switch t {
	case TypeMain:
		return "main"
	case TypeSub:
		return "sub"
	case TypeAny:
		return "any"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

type Action uint8

const (
	ActionAllow Action = iota
	ActionBlock
)

func (a Action) String() string {
	if a == ActionAllow {
		return "allow"
	}
	return "block"
}

// FlagICMP marks a policy as applicable to ICMP error lookups (WithICMP).
const FlagICMP uint8 = 2

// SecContext is an opaque security label attached to a policy. Contexts
// compare by value; nil means none.
type SecContext struct {
	DOI   uint8
	Alg   uint8
	Label string
}

func secCtxEqual(a, b *SecContext) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Lifetime limits. Zero disables a limit. Use limits count from the last
// use, or from insertion while the policy is unused.
type Lifetime struct {
	SoftAddExpires time.Duration
	HardAddExpires time.Duration
	SoftUseExpires time.Duration
	HardUseExpires time.Duration
}

func (l Lifetime) zero() bool { return l == Lifetime{} }

// Policy is one SPD entry. Exported fields are configuration and must not
// change after Insert; the rest is owned by the store.
type Policy struct {
	Selector  selector.Selector
	SecCtx    *SecContext
	Action    Action
	Templates []state.Template
	Priority  uint32
	Lifetime  Lifetime
	Type      Type
	Flags     uint8

	index  uint32
	dir    Direction
	refcnt atomic.Int32
	freed  atomic.Bool

	// guarded by store.mu
	linked bool
	walk   *list.Element

	addTime time.Time
	useTime atomic.Int64 // unix nanos, 0 = never used

	mu         sync.RWMutex
	dead       bool
	bundles    *Bundle
	timer      *time.Timer
	timerSeq   uint64
	timerArmed bool
}

// NewPolicy returns p with one reference owned by the caller. Insert takes
// its own reference; the caller still releases theirs.
func NewPolicy(p *Policy) *Policy {
	p.refcnt.Store(1)
	return p
}

func (p *Policy) Index() uint32        { return p.index }
func (p *Policy) Direction() Direction { return p.dir }
func (p *Policy) Refs() int32          { return p.refcnt.Load() }
func (p *Policy) Hold()                { p.refcnt.Add(1) }

// Release drops one reference; the last one destroys the policy.
func (p *Policy) Release() {
	n := p.refcnt.Add(-1)
	if n < 0 {
		panic("spdcache: policy released more times than held")
	}
	if n == 0 {
		p.destroy()
	}
}

func (p *Policy) Dead() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dead
}

// Bundles returns how many bundles are cached on the policy.
func (p *Policy) Bundles() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for b := p.bundles; b != nil; b = b.next {
		n++
	}
	return n
}

// AddTime is when the policy was linked.
func (p *Policy) AddTime() time.Time { return p.addTime }

// UseTime is the last lookup hit, zero if never used.
func (p *Policy) UseTime() time.Time {
	n := p.useTime.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (p *Policy) touch(now time.Time) { p.useTime.Store(now.UnixNano()) }

func (p *Policy) family() selector.Family { return p.Selector.Family }

// destroy runs once, when the last reference is gone. Everything should
// have been torn down by the collector already.
func (p *Policy) destroy() {
	if !p.freed.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	p.dead = true
	b := p.bundles
	p.bundles = nil
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timerArmed = false
	p.timerSeq++
	p.mu.Unlock()
	for b != nil {
		next := b.next
		b.unlink()
		b = next
	}
}

// clone copies the configuration of p into a new policy for a socket copy.
func (p *Policy) clone() *Policy {
	n := NewPolicy(&Policy{
		Selector:  p.Selector,
		Action:    p.Action,
		Templates: append([]state.Template(nil), p.Templates...),
		Priority:  p.Priority,
		Lifetime:  p.Lifetime,
		Type:      p.Type,
		Flags:     p.Flags,
	})
	if p.SecCtx != nil {
		sc := *p.SecCtx
		n.SecCtx = &sc
	}
	n.addTime = p.addTime
	n.useTime.Store(p.useTime.Load())
	return n
}

func (p *Policy) String() string {
	return fmt.Sprintf("policy %d %v %v prio %d [%s]", p.index, p.dir, p.Action, p.Priority, p.Selector)
}
