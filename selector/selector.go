// Package selector describes which packet flows a policy or transform covers.
//
// A Selector is a pattern (address prefixes, port+mask pairs, upper protocol,
// interface). A Flow is the concrete tuple of one packet. Match is a pure
// function with no state.
package selector

import (
	"errors"
	"fmt"
	"net/netip"
)

var ErrInvalidSelector = errors.New("selector: invalid selector")

// Family is an address family, numbered like AF_INET/AF_INET6.
type Family uint16

const (
	FamilyUnspec Family = 0
	FamilyIPv4   Family = 2
	FamilyIPv6   Family = 10
)

// Bits returns the address width of the family, 0 when unknown.
func (f Family) Bits() int {
	switch f {
	case FamilyIPv4:
		return 32
	case FamilyIPv6:
		return 128
	}
	return 0
}

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "inet"
	case FamilyIPv6:
		return "inet6"
	case FamilyUnspec:
		return "unspec"
	}
	return fmt.Sprintf("family(%d)", uint16(f))
}

// FamilyOf returns the family of an address.
func FamilyOf(a netip.Addr) Family {
	switch {
	case a.Is4():
		return FamilyIPv4
	case a.Is6():
		return FamilyIPv6
	}
	return FamilyUnspec
}

// Selector is comparable; two selectors are identical iff ==.
type Selector struct {
	Daddr      netip.Addr
	Saddr      netip.Addr
	PrefixLenD uint8
	PrefixLenS uint8
	Dport      uint16
	DportMask  uint16
	Sport      uint16
	SportMask  uint16
	Proto      uint8 // 0 = any
	Ifindex    int   // 0 = any
	Family     Family
}

// Flow is the lookup key for one packet.
type Flow struct {
	Daddr netip.Addr
	Saddr netip.Addr
	Dport uint16
	Sport uint16
	Proto uint8
	Oif   int
	TOS   uint8
	SecID uint32
}

// Family reports the family of the flow's destination address.
func (f Flow) Family() Family { return FamilyOf(f.Daddr) }

// Any returns a selector matching every flow of the family.
func Any(fam Family) Selector {
	var zero netip.Addr
	switch fam {
	case FamilyIPv4:
		zero = netip.IPv4Unspecified()
	case FamilyIPv6:
		zero = netip.IPv6Unspecified()
	}
	return Selector{Daddr: zero, Saddr: zero, Family: fam}
}

// FromPrefixes builds a selector covering dst and src with any port/protocol.
func FromPrefixes(dst, src netip.Prefix) Selector {
	return Selector{
		Daddr:      dst.Masked().Addr(),
		PrefixLenD: uint8(dst.Bits()),
		Saddr:      src.Masked().Addr(),
		PrefixLenS: uint8(src.Bits()),
		Family:     FamilyOf(dst.Addr()),
	}
}

// Validate checks that prefix lengths fit the family and that the addresses
// belong to it.
func (s Selector) Validate() error {
	bits := s.Family.Bits()
	if bits == 0 {
		return fmt.Errorf("%w: family %v", ErrInvalidSelector, s.Family)
	}
	if int(s.PrefixLenD) > bits || int(s.PrefixLenS) > bits {
		return fmt.Errorf("%w: prefix length exceeds %d bits (d=%d s=%d)",
			ErrInvalidSelector, bits, s.PrefixLenD, s.PrefixLenS)
	}
	for _, a := range [...]netip.Addr{s.Daddr, s.Saddr} {
		if a.IsValid() && FamilyOf(a) != s.Family {
			return fmt.Errorf("%w: address %s not in family %v", ErrInvalidSelector, a, s.Family)
		}
	}
	return nil
}

// Exact reports whether both prefixes are host-width, which makes the
// selector hashable by its address pair.
func (s Selector) Exact() bool {
	bits := s.Family.Bits()
	return bits != 0 && int(s.PrefixLenD) == bits && int(s.PrefixLenS) == bits
}

// Match reports whether fl is covered by s for the given family.
func (s Selector) Match(fl Flow, fam Family) bool {
	if s.Family != fam || fam.Bits() == 0 {
		return false
	}
	return addrMatch(fl.Daddr, s.Daddr, s.PrefixLenD) &&
		addrMatch(fl.Saddr, s.Saddr, s.PrefixLenS) &&
		(fl.Dport^s.Dport)&s.DportMask == 0 &&
		(fl.Sport^s.Sport)&s.SportMask == 0 &&
		(s.Proto == 0 || fl.Proto == s.Proto) &&
		(s.Ifindex == 0 || fl.Oif == s.Ifindex)
}

func addrMatch(a, prefix netip.Addr, plen uint8) bool {
	if plen == 0 {
		return true
	}
	if !a.IsValid() || !prefix.IsValid() || a.BitLen() != prefix.BitLen() {
		return false
	}
	p, err := prefix.Prefix(int(plen))
	if err != nil {
		return false
	}
	return p.Contains(a)
}

func (s Selector) String() string {
	return fmt.Sprintf("%s/%d:%d/%#x -> %s/%d:%d/%#x proto %d if %d",
		s.Saddr, s.PrefixLenS, s.Sport, s.SportMask,
		s.Daddr, s.PrefixLenD, s.Dport, s.DportMask,
		s.Proto, s.Ifindex)
}
