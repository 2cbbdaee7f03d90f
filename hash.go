package spdcache

import (
	"encoding/binary"
	"net/netip"

	"github.com/cespare/xxhash/v2"

	"github.com/unkn0wn-root/spdcache/selector"
)

// hashTable is a power-of-two array of policy chains. Selector chains are
// kept in priority order; index chains are unordered.
type hashTable struct {
	buckets [][]*Policy
	hmask   uint32
}

func newHashTable(size uint32) hashTable {
	return hashTable{buckets: make([][]*Policy, size), hmask: size - 1}
}

func (t *hashTable) size() int { return int(t.hmask) + 1 }

// dirTable holds one direction: exact selectors hashed by address pair and
// everything else on the inexact chain.
type dirTable struct {
	exact   hashTable
	inexact []*Policy
}

func addrHash(daddr, saddr netip.Addr, hmask uint32) uint32 {
	var buf [32]byte
	d, s := daddr.Unmap().As16(), saddr.Unmap().As16()
	copy(buf[:16], d[:])
	copy(buf[16:], s[:])
	return uint32(xxhash.Sum64(buf[:])) & hmask
}

func idxHash(idx uint32, hmask uint32) uint32 {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], idx)
	return uint32(xxhash.Sum64(buf[:])) & hmask
}

// chainBySel returns the chain a selector belongs to. Caller holds s.mu.
func (s *store) chainBySel(dir Direction, sel selector.Selector) *[]*Policy {
	t := &s.dirs[dir]
	if !sel.Exact() {
		return &t.inexact
	}
	return &t.exact.buckets[addrHash(sel.Daddr, sel.Saddr, t.exact.hmask)]
}

// chainDirect returns the exact chain for a flow's address pair.
func (s *store) chainDirect(dir Direction, daddr, saddr netip.Addr) []*Policy {
	t := &s.dirs[dir]
	return t.exact.buckets[addrHash(daddr, saddr, t.exact.hmask)]
}

func (s *store) linkIdx(p *Policy) {
	h := idxHash(p.index, s.byIdx.hmask)
	s.byIdx.buckets[h] = append(s.byIdx.buckets[h], p)
}

func (s *store) unlinkIdx(p *Policy) {
	h := idxHash(p.index, s.byIdx.hmask)
	s.byIdx.buckets[h] = removePolicy(s.byIdx.buckets[h], p)
}

func (s *store) lookupIdx(idx uint32) *Policy {
	for _, p := range s.byIdx.buckets[idxHash(idx, s.byIdx.hmask)] {
		if p.index == idx {
			return p
		}
	}
	return nil
}

// genIndex returns a fresh index carrying dir in its low bits.
func (s *store) genIndex(dir Direction) uint32 {
	for {
		idx := s.idxGen | uint32(dir)
		s.idxGen += 8
		if idx == 0 {
			idx = 8
		}
		if s.lookupIdx(idx) == nil {
			return idx
		}
	}
}

func removePolicy(chain []*Policy, p *Policy) []*Policy {
	for i, q := range chain {
		if q == p {
			copy(chain[i:], chain[i+1:])
			chain[len(chain)-1] = nil
			return chain[:len(chain)-1]
		}
	}
	return chain
}
