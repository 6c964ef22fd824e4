package replication

import (
	"encoding/json"

	"agentworld.ai/internal/codec"
)

// GossipVersion gates message ingest; anything else is dropped.
const GossipVersion = 1

// Message is one gossiped replication record with its payload inline. The
// signature covers the canonical JSON of the message with signature_hex
// cleared.
type Message struct {
	Version      int    `json:"version"`
	WorldID      string `json:"world_id"`
	NodeID       string `json:"node_id"`
	Record       Record `json:"record"`
	Payload      []byte `json:"payload"`
	PublicKeyHex string `json:"public_key_hex,omitempty"`
	SignatureHex string `json:"signature_hex,omitempty"`
}

func (m Message) signingBytes() ([]byte, error) {
	m.SignatureHex = ""
	return json.Marshal(m)
}

// Sign binds the message to kp. The public key is set first so the
// signature covers it.
func (m *Message) Sign(kp *codec.Keypair) error {
	m.PublicKeyHex = kp.PublicHex
	b, err := m.signingBytes()
	if err != nil {
		return err
	}
	m.SignatureHex = kp.SignHex(b)
	return nil
}

// Verify checks the signature under the embedded public key.
func (m Message) Verify() bool {
	if m.PublicKeyHex == "" || m.SignatureHex == "" {
		return false
	}
	b, err := m.signingBytes()
	if err != nil {
		return false
	}
	return codec.VerifyHex(m.PublicKeyHex, m.SignatureHex, b)
}
