package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version  byte = 1
	kindFlow byte = 1
	hdrLen        = 4 + 1 + 1 + 8 + 4
)

var (
	ErrCorrupt = errors.New("spdcache: corrupt flow entry")
	magic4     = [...]byte{'S', 'P', 'D', 'F'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Encode frames a flow entry:
// magic(4) | ver(1) | kind(1=flow) | gen(u64 be) | vlen(u32 be) | payload(vlen)
func Encode(gen uint64, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(hdrLen + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindFlow)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], gen)
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// Decode returns the generation and payload of a frame. The payload aliases b.
func Decode(b []byte) (gen uint64, payload []byte, err error) {
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version || b[5] != kindFlow {
		return 0, nil, ErrCorrupt
	}

	off := 6
	gen = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen != len(b)-off { // short or trailing bytes
		return 0, nil, ErrCorrupt
	}

	return gen, b[off:], nil
}
