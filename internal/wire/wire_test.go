package wire

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func mustDecode(t *testing.T, b []byte) (uint64, []byte) {
	t.Helper()
	gen, p, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	return gen, p
}

func TestRTEmptyAndNonEmpty(t *testing.T) {
	cases := []struct {
		gen     uint64
		payload []byte
	}{
		{0, nil},
		{42, []byte("hello")},
		{math.MaxUint64, []byte{0, 1, 2, 3, 4}},
	}
	for _, tc := range cases {
		enc := Encode(tc.gen, tc.payload)
		gen, p := mustDecode(t, enc)
		if gen != tc.gen {
			t.Fatalf("gen mismatch: got %d want %d", gen, tc.gen)
		}
		if !bytes.Equal(p, tc.payload) {
			t.Fatalf("payload mismatch: got %x want %x", p, tc.payload)
		}
	}
}

func TestRejectsTrailingBytes(t *testing.T) {
	enc := Encode(7, []byte("x"))
	enc = append(enc, 0xDE, 0xAD) // add junk
	if _, _, err := Decode(enc); err == nil {
		t.Fatalf("expected error on trailing bytes")
	}
}

func TestCorruptHeadersAndLengths(t *testing.T) {
	enc := Encode(1, []byte("abc"))

	// bad magic
	badMagic := append([]byte(nil), enc...)
	badMagic[0] = 'X'
	if _, _, err := Decode(badMagic); err == nil {
		t.Fatalf("expected error on bad magic")
	}

	// wrong version
	badVer := append([]byte(nil), enc...)
	badVer[4] = version + 1
	if _, _, err := Decode(badVer); err == nil {
		t.Fatalf("expected error on bad version")
	}

	// wrong kind
	badKind := append([]byte(nil), enc...)
	badKind[5] = kindFlow + 1
	if _, _, err := Decode(badKind); err == nil {
		t.Fatalf("expected error on bad kind")
	}

	// vlen too large (announce more than available)
	tooLong := append([]byte(nil), enc...)
	// vlen is at offset 14..17 (4 magic +1 ver +1 kind +8 gen)
	binary.BigEndian.PutUint32(tooLong[14:18], uint32(len("abc")+1))
	if _, _, err := Decode(tooLong); err == nil {
		t.Fatalf("expected error on vlen beyond buffer")
	}

	// truncated buffer
	if _, _, err := Decode(enc[:len(enc)-1]); err == nil {
		t.Fatalf("expected error on truncated buffer")
	}
	if _, _, err := Decode(enc[:hdrLen-1]); err == nil {
		t.Fatalf("expected error on truncated header")
	}
}

func TestZeroCopyPayload(t *testing.T) {
	enc := Encode(1, []byte("Z"))
	_, p := mustDecode(t, enc)
	if len(p) != 1 {
		t.Fatalf("unexpected payload len")
	}
	// mutate payload slice. should mutate underlying enc bytes (zero-copy)
	p[0] = 'Q'
	_, p2 := mustDecode(t, enc)
	if p2[0] != 'Q' {
		t.Fatalf("expected zero-copy slice into enc buffer")
	}
}
