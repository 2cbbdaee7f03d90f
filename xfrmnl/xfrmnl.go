//go:build linux

package xfrmnl

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/vishvananda/netlink"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/unkn0wn-root/spdcache"
	"github.com/unkn0wn-root/spdcache/selector"
	"github.com/unkn0wn-root/spdcache/state"
)

// ErrUnsupported marks kernel objects that have no spdcache equivalent.
var ErrUnsupported = errors.New("xfrmnl: unsupported")

// Lister is the subset of *netlink.Handle used for import.
type Lister interface {
	XfrmPolicyList(family int) ([]netlink.XfrmPolicy, error)
	XfrmStateList(family int) ([]netlink.XfrmState, error)
}

// NetlinkFamily maps a selector family to the netlink dump family.
func NetlinkFamily(fam selector.Family) int {
	switch fam {
	case selector.FamilyIPv4:
		return unix.AF_INET
	case selector.FamilyIPv6:
		return unix.AF_INET6
	}
	return netlink.FAMILY_ALL
}

// PolicyFromNetlink returns a new policy (one reference owned by the caller)
// and the direction it belongs to.
func PolicyFromNetlink(np *netlink.XfrmPolicy) (*spdcache.Policy, spdcache.Direction, error) {
	var dir spdcache.Direction
	switch np.Dir {
	case netlink.XFRM_DIR_IN:
		dir = spdcache.DirIn
	case netlink.XFRM_DIR_OUT:
		dir = spdcache.DirOut
	case netlink.XFRM_DIR_FWD:
		dir = spdcache.DirFwd
	default:
		return nil, 0, fmt.Errorf("%w: policy %d direction %v", ErrUnsupported, np.Index, np.Dir)
	}
	if np.Mark != nil || np.Ifid != 0 {
		return nil, 0, fmt.Errorf("%w: policy %d carries a mark or if_id", ErrUnsupported, np.Index)
	}

	sel, err := selectorOf(np)
	if err != nil {
		return nil, 0, fmt.Errorf("policy %d: %w", np.Index, err)
	}

	p := &spdcache.Policy{
		Selector: sel,
		Priority: uint32(np.Priority),
	}
	if np.Action == netlink.XFRM_POLICY_BLOCK {
		p.Action = spdcache.ActionBlock
	}
	for i := range np.Tmpls {
		t, err := templateOf(&np.Tmpls[i])
		if err != nil {
			return nil, 0, fmt.Errorf("policy %d template %d: %w", np.Index, i, err)
		}
		p.Templates = append(p.Templates, t)
	}
	return spdcache.NewPolicy(p), dir, nil
}

func selectorOf(np *netlink.XfrmPolicy) (selector.Selector, error) {
	dst, derr := prefixOf(np.Dst)
	src, serr := prefixOf(np.Src)
	if err := multierr.Combine(derr, serr); err != nil {
		return selector.Selector{}, err
	}

	var sel selector.Selector
	switch {
	case dst.IsValid() && src.IsValid():
		if dst.Addr().Is4() != src.Addr().Is4() {
			return sel, fmt.Errorf("%w: mixed family selector %s -> %s", ErrUnsupported, src, dst)
		}
		sel = selector.FromPrefixes(dst, src)
	case dst.IsValid():
		sel = selector.Any(selector.FamilyOf(dst.Addr()))
		sel.Daddr, sel.PrefixLenD = dst.Masked().Addr(), uint8(dst.Bits())
	case src.IsValid():
		sel = selector.Any(selector.FamilyOf(src.Addr()))
		sel.Saddr, sel.PrefixLenS = src.Masked().Addr(), uint8(src.Bits())
	default:
		return sel, fmt.Errorf("%w: selector without addresses", ErrUnsupported)
	}

	sel.Proto = uint8(np.Proto)
	if np.DstPort != 0 {
		sel.Dport, sel.DportMask = uint16(np.DstPort), 0xffff
	}
	if np.SrcPort != 0 {
		sel.Sport, sel.SportMask = uint16(np.SrcPort), 0xffff
	}
	sel.Ifindex = np.Ifindex
	return sel, sel.Validate()
}

func prefixOf(n *net.IPNet) (netip.Prefix, error) {
	if n == nil {
		return netip.Prefix{}, nil
	}
	a, ok := netip.AddrFromSlice(n.IP)
	if !ok {
		return netip.Prefix{}, fmt.Errorf("%w: address %v", ErrUnsupported, n.IP)
	}
	a = a.Unmap()
	ones, _ := n.Mask.Size()
	return netip.PrefixFrom(a, ones), nil
}

func addrOf(ip net.IP) netip.Addr {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	a = a.Unmap()
	if a.IsUnspecified() {
		return netip.Addr{}
	}
	return a
}

func modeOf(m netlink.Mode) (state.Mode, error) {
	switch m {
	case netlink.XFRM_MODE_TRANSPORT:
		return state.ModeTransport, nil
	case netlink.XFRM_MODE_TUNNEL:
		return state.ModeTunnel, nil
	case netlink.XFRM_MODE_ROUTEOPTIMIZATION:
		return state.ModeRouteOptimization, nil
	case netlink.XFRM_MODE_IN_TRIGGER:
		return state.ModeInTrigger, nil
	case netlink.XFRM_MODE_BEET:
		return state.ModeBEET, nil
	}
	return 0, fmt.Errorf("%w: mode %v", ErrUnsupported, m)
}

func protoOf(p netlink.Proto) (state.Proto, error) {
	switch p {
	case netlink.XFRM_PROTO_ESP:
		return state.ProtoESP, nil
	case netlink.XFRM_PROTO_AH:
		return state.ProtoAH, nil
	case netlink.XFRM_PROTO_COMP:
		return state.ProtoComp, nil
	}
	return 0, fmt.Errorf("%w: proto %v", ErrUnsupported, p)
}

func templateOf(nt *netlink.XfrmPolicyTmpl) (state.Template, error) {
	mode, err := modeOf(nt.Mode)
	if err != nil {
		return state.Template{}, err
	}
	proto, err := protoOf(nt.Proto)
	if err != nil {
		return state.Template{}, err
	}
	t := state.Template{
		Mode:     mode,
		Proto:    proto,
		SPI:      uint32(nt.Spi),
		ReqID:    uint32(nt.Reqid),
		Optional: nt.Optional != 0,
	}
	if mode.Tunnel() {
		t.Daddr = addrOf(nt.Dst)
		t.Saddr = addrOf(nt.Src)
		if t.Daddr.IsValid() {
			t.EncapFamily = selector.FamilyOf(t.Daddr)
		}
	}
	return t, nil
}

// TransformFromNetlink returns a VALID transform for an installed kernel SA
// with one reference owned by the caller. Header and trailer lengths are
// estimated from the SA's algorithms.
func TransformFromNetlink(ns *netlink.XfrmState) (*state.Transform, error) {
	mode, err := modeOf(ns.Mode)
	if err != nil {
		return nil, err
	}
	proto, err := protoOf(ns.Proto)
	if err != nil {
		return nil, err
	}
	dst, src := addrOf(ns.Dst), addrOf(ns.Src)
	if !dst.IsValid() {
		return nil, fmt.Errorf("%w: SA %#x without destination", ErrUnsupported, ns.Spi)
	}

	x := &state.Transform{
		Daddr:  dst,
		Saddr:  src,
		SPI:    uint32(ns.Spi),
		Proto:  proto,
		Mode:   mode,
		ReqID:  uint32(ns.Reqid),
		Family: selector.FamilyOf(dst),
	}
	x.HeaderLen, x.TrailerLen, x.BlockSize = overhead(ns, proto, mode)
	if ns.Selector != nil && (ns.Selector.Dst != nil || ns.Selector.Src != nil) {
		if x.Selector, err = selectorOf(ns.Selector); err != nil {
			return nil, fmt.Errorf("SA %#x: %w", ns.Spi, err)
		}
	} else {
		x.Selector = selector.Any(x.Family)
	}
	return state.NewTransform(x, state.StateValid), nil
}

const (
	espHdrLen = 8 // SPI + sequence number
	ahHdrLen  = 12
	ipcompLen = 4
	udpLen    = 8
	defICVLen = 12
)

// overhead estimates the bytes an SA adds in front of and behind the
// payload, and the cipher block size the payload is padded to.
func overhead(ns *netlink.XfrmState, proto state.Proto, mode state.Mode) (hdr, trl, block int) {
	switch proto {
	case state.ProtoESP:
		hdr, block = espHdrLen, 4
		icv := defICVLen
		switch {
		case ns.Aead != nil:
			hdr += 8
			if ns.Aead.ICVLen > 0 {
				icv = ns.Aead.ICVLen / 8
			}
		case ns.Crypt != nil:
			iv := 8
			if strings.HasPrefix(ns.Crypt.Name, "cbc") {
				iv, block = 16, 16
			}
			hdr += iv
		}
		if ns.Auth != nil && ns.Auth.TruncateLen > 0 {
			icv = ns.Auth.TruncateLen / 8
		} else if ns.Aead == nil && ns.Auth == nil {
			icv = 0
		}
		trl = 2 + icv // pad length + next header + ICV
	case state.ProtoAH:
		hdr = ahHdrLen
		if ns.Auth != nil && ns.Auth.TruncateLen > 0 {
			hdr = ahHdrLen - defICVLen + ns.Auth.TruncateLen/8
		}
	case state.ProtoComp:
		hdr = ipcompLen
	}
	if ns.Encap != nil {
		hdr += udpLen
	}
	if mode.Tunnel() {
		if ns.Dst.To4() != nil {
			hdr += 20
		} else {
			hdr += 40
		}
	}
	return hdr, trl, block
}

// LoadPolicies inserts every kernel policy of fam into st. Policies that
// cannot be represented are skipped; their errors are combined into the
// returned error alongside the count of policies inserted.
func LoadPolicies(l Lister, st spdcache.Store, fam selector.Family) (int, error) {
	nps, err := l.XfrmPolicyList(NetlinkFamily(fam))
	if err != nil {
		return 0, fmt.Errorf("xfrmnl: list policies: %w", err)
	}
	var (
		n    int
		errs error
	)
	for i := range nps {
		p, dir, err := PolicyFromNetlink(&nps[i])
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		err = st.Insert(dir, p, false)
		p.Release()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("policy %d: %w", nps[i].Index, err))
			continue
		}
		n++
	}
	return n, errs
}

// LoadStates adds every kernel SA of fam to tb.
func LoadStates(l Lister, tb *state.Table, fam selector.Family) (int, error) {
	nss, err := l.XfrmStateList(NetlinkFamily(fam))
	if err != nil {
		return 0, fmt.Errorf("xfrmnl: list states: %w", err)
	}
	var (
		n    int
		errs error
	)
	for i := range nss {
		x, err := TransformFromNetlink(&nss[i])
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		tb.Add(x)
		n++
	}
	return n, errs
}
