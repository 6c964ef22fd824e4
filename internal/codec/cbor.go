// Package codec provides the canonical byte representations the rest of the
// system hashes and signs: deterministic CBOR, BLAKE3-256 content hashes, and
// hex-encoded ed25519 keys/signatures.
package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor enc mode: %v", err))
	}
	// Untyped maps decode as map[string]any so documents (proposal content,
	// module filters) keep the same shape across JSON and CBOR.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor dec mode: %v", err))
	}
}

// MarshalCanonical encodes v as core-deterministic CBOR: sorted map keys,
// shortest-form integers. Equal values always produce equal bytes.
func MarshalCanonical(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical cbor encode: %w", err)
	}
	return b, nil
}

// Unmarshal decodes canonical CBOR produced by MarshalCanonical.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor decode: %w", err)
	}
	return nil
}
