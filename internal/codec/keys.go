package codec

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Keys and signatures travel as lowercase hex: 32-byte public keys (64 hex
// chars), 32-byte private seeds, 64-byte signatures.

type Keypair struct {
	PublicHex string
	seed      []byte
}

func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Keypair{
		PublicHex: hex.EncodeToString(pub),
		seed:      priv.Seed(),
	}, nil
}

// KeypairFromSeedHex rebuilds a keypair from a 32-byte hex seed.
func KeypairFromSeedHex(seedHex string) (*Keypair, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode seed hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{
		PublicHex: hex.EncodeToString(priv.Public().(ed25519.PublicKey)),
		seed:      seed,
	}, nil
}

func (k *Keypair) SeedHex() string {
	return hex.EncodeToString(k.seed)
}

// SignHex signs payload and returns the 64-byte signature as hex.
func (k *Keypair) SignHex(payload []byte) string {
	priv := ed25519.NewKeyFromSeed(k.seed)
	return hex.EncodeToString(ed25519.Sign(priv, payload))
}

// VerifyHex checks sigHex over payload against pubHex. Malformed hex or
// wrong-length keys fail verification rather than erroring.
func VerifyHex(pubHex, sigHex string, payload []byte) bool {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
}

// NormalizePublicKeyHex validates pubHex and returns it lowercased.
func NormalizePublicKeyHex(pubHex string) (string, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return "", fmt.Errorf("decode public key hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	return hex.EncodeToString(pub), nil
}
