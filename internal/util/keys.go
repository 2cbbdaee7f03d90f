package util

import (
	"strconv"
	"strings"

	"github.com/unkn0wn-root/spdcache/selector"
)

// FlowKey returns a deterministic key for a flow seen in direction dir.
// Every field that can change a policy decision is part of the key, so two
// flows share a key only when they are indistinguishable to the lookup.
func FlowKey(prefix string, dir uint8, fl selector.Flow) string {
	var b strings.Builder
	b.Grow(len(prefix) + 96)
	b.WriteString(prefix)
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(uint64(dir), 10))
	b.WriteByte(':')
	b.WriteString(fl.Saddr.String())
	b.WriteByte('/')
	b.WriteString(strconv.FormatUint(uint64(fl.Sport), 10))
	b.WriteByte('>')
	b.WriteString(fl.Daddr.String())
	b.WriteByte('/')
	b.WriteString(strconv.FormatUint(uint64(fl.Dport), 10))
	for _, v := range [...]uint64{uint64(fl.Proto), uint64(fl.Oif), uint64(fl.TOS), uint64(fl.SecID)} {
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(v, 16))
	}
	return b.String()
}
