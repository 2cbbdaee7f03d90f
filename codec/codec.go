// Package codec serializes cached flow decisions for a provider.Provider.
// The value framing (generation, magic) is added by the flow cache; a codec
// only handles the payload.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
