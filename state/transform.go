// Package state models transform instances (security associations) as seen
// by the policy engine: opaque keyed contexts with a validity state, a
// generation id bumped on rekey, and the header/trailer overhead they add to
// a packet.
package state

import (
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/unkn0wn-root/spdcache/selector"
)

// Mode is the encapsulation mode of a template or transform.
type Mode uint8

const (
	ModeTransport Mode = iota
	ModeTunnel
	ModeRouteOptimization
	ModeInTrigger
	ModeBEET
)

func (m Mode) String() string {
	switch m {
	case ModeTransport:
		return "transport"
	case ModeTunnel:
		return "tunnel"
	case ModeRouteOptimization:
		return "ro"
	case ModeInTrigger:
		return "in_trigger"
	case ModeBEET:
		return "beet"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// Tunnel reports whether the mode carries its own outer endpoints.
func (m Mode) Tunnel() bool { return m == ModeTunnel || m == ModeBEET }

// Proto is the IP protocol number of the transform.
type Proto uint8

const (
	ProtoESP  Proto = 50
	ProtoAH   Proto = 51
	ProtoComp Proto = 108
)

// State is the key-management state of a transform.
type State uint32

const (
	StateVoid State = iota
	StateAcquire
	StateValid
	StateError
	StateExpired
	StateDead
)

func (s State) String() string {
	switch s {
	case StateVoid:
		return "void"
	case StateAcquire:
		return "acquire"
	case StateValid:
		return "valid"
	case StateError:
		return "error"
	case StateExpired:
		return "expired"
	case StateDead:
		return "dead"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// Template declares one transform a policy requires.
type Template struct {
	Mode        Mode
	Proto       Proto
	Daddr       netip.Addr // tunnel remote endpoint
	Saddr       netip.Addr // tunnel local endpoint; zero => choose one
	SPI         uint32     // 0 = any
	ReqID       uint32     // 0 = any
	Optional    bool
	EncapFamily selector.Family
}

// Transform is one resolved transform instance. Identity and overhead fields
// are fixed at creation; state and generation change over its lifetime.
type Transform struct {
	Daddr      netip.Addr
	Saddr      netip.Addr
	SPI        uint32
	Proto      Proto
	Mode       Mode
	ReqID      uint32
	Family     selector.Family
	Selector   selector.Selector
	HeaderLen  int
	TrailerLen int
	BlockSize  int // cipher block alignment used by MTU, 0 = none

	state  atomic.Uint32
	genid  atomic.Uint32
	refcnt atomic.Int32
}

// NewTransform returns t initialised with the given state and one reference
// owned by the caller.
func NewTransform(t *Transform, s State) *Transform {
	t.state.Store(uint32(s))
	t.refcnt.Store(1)
	return t
}

func (t *Transform) State() State       { return State(t.state.Load()) }
func (t *Transform) SetState(s State)   { t.state.Store(uint32(s)) }
func (t *Transform) Generation() uint32 { return t.genid.Load() }
func (t *Transform) Refs() int32        { return t.refcnt.Load() }

// Rekey bumps the generation so bundles built on the old one go stale.
func (t *Transform) Rekey() uint32 { return t.genid.Add(1) }

func (t *Transform) Hold() { t.refcnt.Add(1) }

// Release drops one reference.
func (t *Transform) Release() {
	if t.refcnt.Add(-1) < 0 {
		panic("state: transform released more times than held")
	}
}

// MTU returns the payload MTU left once the transform's overhead is applied
// to an outer mtu.
func (t *Transform) MTU(mtu int) int {
	res := mtu - t.HeaderLen
	if t.BlockSize > 1 {
		res &^= t.BlockSize - 1
	}
	res -= t.TrailerLen
	if res < minMTU {
		res = minMTU
	}
	return res
}

const minMTU = 68

// SelectorMatch matches fl against the transform's selector. A selector
// without a family takes the transform's, or fam when that is unset too.
func (t *Transform) SelectorMatch(fl selector.Flow, fam selector.Family) bool {
	sel := t.Selector
	if sel.Family == selector.FamilyUnspec {
		sel.Family = t.Family
		if sel.Family == selector.FamilyUnspec {
			sel.Family = fam
		}
	}
	return sel.Match(fl, fam)
}

// AddrFlowCheck reports whether the flow's addresses are the transform's
// bound endpoints. Only meaningful for non-tunnel modes.
func (t *Transform) AddrFlowCheck(fl selector.Flow) bool {
	return fl.Daddr == t.Daddr && fl.Saddr == t.Saddr
}

// MatchesTemplate is the inbound check of a received transform against a
// policy template.
func (t *Transform) MatchesTemplate(tmpl Template) bool {
	return t.Proto == tmpl.Proto &&
		(tmpl.SPI == 0 || t.SPI == tmpl.SPI) &&
		(tmpl.ReqID == 0 || t.ReqID == tmpl.ReqID) &&
		t.Mode == tmpl.Mode &&
		!(t.Mode != ModeTransport && !t.endpointsMatch(tmpl))
}

func (t *Transform) endpointsMatch(tmpl Template) bool {
	return t.Daddr == tmpl.Daddr && (!tmpl.Saddr.IsValid() || tmpl.Saddr.IsUnspecified() || t.Saddr == tmpl.Saddr)
}

func (t *Transform) String() string {
	return fmt.Sprintf("%s spi=%#x %s->%s %s", protoName(t.Proto), t.SPI, t.Saddr, t.Daddr, t.Mode)
}

func protoName(p Proto) string {
	switch p {
	case ProtoESP:
		return "esp"
	case ProtoAH:
		return "ah"
	case ProtoComp:
		return "comp"
	}
	return fmt.Sprintf("proto(%d)", uint8(p))
}
