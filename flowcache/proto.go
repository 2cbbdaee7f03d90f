package flowcache

import (
	"google.golang.org/protobuf/types/known/wrapperspb"

	c "github.com/unkn0wn-root/spdcache/codec"
)

// Proto encodes entries as a packed wrapperspb.UInt64Value. Construct with
// NewProto. Layout:
// index in the high 32 bits, type in bits 8..15, found in bit 0.
type Proto struct {
	inner c.Protobuf[*wrapperspb.UInt64Value]
}

var _ c.Codec[Entry] = Proto{}

func NewProto() Proto {
	return Proto{inner: c.NewProtobuf(func() *wrapperspb.UInt64Value { return &wrapperspb.UInt64Value{} })}
}

func (p Proto) Encode(e Entry) ([]byte, error) {
	v := uint64(e.Index)<<32 | uint64(e.Type)<<8
	if e.Found {
		v |= 1
	}
	return p.inner.Encode(wrapperspb.UInt64(v))
}

func (p Proto) Decode(b []byte) (Entry, error) {
	m, err := p.inner.Decode(b)
	if err != nil {
		return Entry{}, err
	}
	v := m.GetValue()
	return Entry{
		Index: uint32(v >> 32),
		Type:  uint8(v >> 8),
		Found: v&1 == 1,
	}, nil
}
