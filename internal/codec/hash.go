package codec

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// HashHex returns the lowercase hex BLAKE3-256 digest of b. This is the
// content address used by the replication store and all block hashing.
func HashHex(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SumDomain hashes b with a domain-separation prefix so digests from
// different subsystems can never collide (e.g. "aw/block", "aw/exec").
func SumDomain(domain string, b []byte) string {
	h := blake3.New(32, nil)
	h.Write([]byte(domain))
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

// HashCanonical marshals v canonically and returns its HashHex.
func HashCanonical(v any) (string, error) {
	b, err := MarshalCanonical(v)
	if err != nil {
		return "", err
	}
	return HashHex(b), nil
}
