package consensus

import (
	"fmt"

	"agentworld.ai/internal/codec"
	"agentworld.ai/internal/world"
)

// Wire versions and hash domains.
const (
	BlockVersion      = 1
	ActionRootVersion = 2

	blockHashDomain = "aw/block"
	execHashDomain  = "aw/exec"
	attestDomain    = "aw/attest"
)

// Consensus payload envelope tags: one tag byte followed by the canonical
// CBOR body. Unknown tags are skipped at execution, never rejected, so the
// payload format can grow without forking committed history.
const (
	PayloadTagRuntimeAction   byte = 1
	PayloadTagSimulatorAction byte = 2
)

// ActionRef pins one proposed action without carrying its payload: the
// payload travels in the envelope list, the ref in the action root.
type ActionRef struct {
	ActionID    uint64 `cbor:"action_id" json:"action_id"`
	Submitter   string `cbor:"submitter" json:"submitter"`
	PayloadHash string `cbor:"payload_hash" json:"payload_hash"`
}

type actionRootDoc struct {
	Version uint64      `cbor:"version"`
	Actions []ActionRef `cbor:"actions"`
}

// ActionRoot hashes the ordered action refs. An empty block still has a
// well-defined root.
func ActionRoot(refs []ActionRef) (string, error) {
	if refs == nil {
		refs = []ActionRef{}
	}
	return codec.HashCanonical(actionRootDoc{Version: ActionRootVersion, Actions: refs})
}

// Block is one proposed unit of ordering. Hash covers every header field;
// payloads are bound in via the action root.
type Block struct {
	Version    uint64 `cbor:"version" json:"version"`
	WorldID    string `cbor:"world_id" json:"world_id"`
	Height     uint64 `cbor:"height" json:"height"`
	Slot       uint64 `cbor:"slot" json:"slot"`
	Epoch      uint64 `cbor:"epoch" json:"epoch"`
	Proposer   string `cbor:"proposer" json:"proposer"`
	PrevHash   string `cbor:"prev_hash" json:"prev_hash"`
	ActionRoot string `cbor:"action_root" json:"action_root"`
}

// Hash is blake3("aw/block" || canonical cbor of the header).
func (b Block) Hash() (string, error) {
	enc, err := codec.MarshalCanonical(b)
	if err != nil {
		return "", err
	}
	return codec.SumDomain(blockHashDomain, enc), nil
}

// Proposal is a block plus the payload envelopes its action root commits to,
// in ref order.
type Proposal struct {
	Block     Block       `cbor:"block" json:"block"`
	BlockHash string      `cbor:"block_hash" json:"block_hash"`
	Refs      []ActionRef `cbor:"refs" json:"refs"`
	Payloads  [][]byte    `cbor:"payloads" json:"payloads"`
}

type runtimeActionBody struct {
	Action world.Action `cbor:"action"`
}

type simulatorActionBody struct {
	Action    world.Action `cbor:"action"`
	Submitter string       `cbor:"submitter"`
}

// EncodeRuntimeAction wraps a runtime action as a tag-1 envelope.
func EncodeRuntimeAction(act world.Action) ([]byte, error) {
	body, err := codec.MarshalCanonical(runtimeActionBody{Action: act})
	if err != nil {
		return nil, err
	}
	return append([]byte{PayloadTagRuntimeAction}, body...), nil
}

// EncodeSimulatorAction wraps an action with its original submitter as a
// tag-2 envelope.
func EncodeSimulatorAction(act world.Action, submitter string) ([]byte, error) {
	body, err := codec.MarshalCanonical(simulatorActionBody{Action: act, Submitter: submitter})
	if err != nil {
		return nil, err
	}
	return append([]byte{PayloadTagSimulatorAction}, body...), nil
}

// DecodedPayload is one executable action recovered from an envelope.
// Skip marks envelopes carrying a tag this build does not understand.
type DecodedPayload struct {
	Action    world.Action
	Submitter string
	Skip      bool
}

// DecodePayload parses a consensus payload envelope. Unknown tags return
// Skip=true with no error; malformed bodies of known tags are errors.
func DecodePayload(env []byte) (DecodedPayload, error) {
	if len(env) == 0 {
		return DecodedPayload{}, fmt.Errorf("empty payload envelope")
	}
	switch env[0] {
	case PayloadTagRuntimeAction:
		var body runtimeActionBody
		if err := codec.Unmarshal(env[1:], &body); err != nil {
			return DecodedPayload{}, fmt.Errorf("runtime action envelope: %w", err)
		}
		return DecodedPayload{Action: body.Action, Submitter: world.SystemSubmitter}, nil
	case PayloadTagSimulatorAction:
		var body simulatorActionBody
		if err := codec.Unmarshal(env[1:], &body); err != nil {
			return DecodedPayload{}, fmt.Errorf("simulator action envelope: %w", err)
		}
		return DecodedPayload{Action: body.Action, Submitter: body.Submitter}, nil
	default:
		return DecodedPayload{Skip: true}, nil
	}
}

// Attestation is one validator's signed vote for a block.
type Attestation struct {
	WorldID      string `cbor:"world_id" json:"world_id"`
	Height       uint64 `cbor:"height" json:"height"`
	Slot         uint64 `cbor:"slot" json:"slot"`
	BlockHash    string `cbor:"block_hash" json:"block_hash"`
	ActionRoot   string `cbor:"action_root" json:"action_root"`
	ValidatorID  string `cbor:"validator_id" json:"validator_id"`
	PublicKeyHex string `cbor:"public_key_hex" json:"public_key_hex"`
	SignatureHex string `cbor:"signature_hex" json:"signature_hex"`
}

type attestSignDoc struct {
	WorldID    string `cbor:"world_id"`
	Height     uint64 `cbor:"height"`
	Slot       uint64 `cbor:"slot"`
	BlockHash  string `cbor:"block_hash"`
	ActionRoot string `cbor:"action_root"`
}

func (a Attestation) signingBytes() ([]byte, error) {
	enc, err := codec.MarshalCanonical(attestSignDoc{
		WorldID:    a.WorldID,
		Height:     a.Height,
		Slot:       a.Slot,
		BlockHash:  a.BlockHash,
		ActionRoot: a.ActionRoot,
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(attestDomain), enc...), nil
}

// Sign fills PublicKeyHex and SignatureHex with kp's vote signature.
func (a *Attestation) Sign(kp *codec.Keypair) error {
	msg, err := a.signingBytes()
	if err != nil {
		return err
	}
	a.PublicKeyHex = kp.PublicHex
	a.SignatureHex = kp.SignHex(msg)
	return nil
}

// Verify checks the vote signature against the embedded public key.
func (a Attestation) Verify() bool {
	msg, err := a.signingBytes()
	if err != nil {
		return false
	}
	return codec.VerifyHex(a.PublicKeyHex, a.SignatureHex, msg)
}

// ExecResult is what the execution hook hands back for a committed height.
type ExecResult struct {
	StateRoot     string `cbor:"state_root" json:"state_root"`
	ExecBlockHash string `cbor:"exec_block_hash" json:"exec_block_hash"`
	JournalLen    uint64 `cbor:"journal_len" json:"journal_len"`
	EventsApplied uint64 `cbor:"events_applied" json:"events_applied"`
	Skipped       uint64 `cbor:"skipped" json:"skipped"`
}

type execHashDoc struct {
	Version      uint64 `cbor:"version"`
	WorldID      string `cbor:"world_id"`
	Height       uint64 `cbor:"height"`
	PrevExecHash string `cbor:"prev_exec_hash"`
	StateRoot    string `cbor:"state_root"`
	JournalLen   uint64 `cbor:"journal_len"`
}

// ExecBlockHash chains the execution results the same way block hashes chain
// proposals, under the "aw/exec" domain.
func ExecBlockHash(worldID string, height uint64, prevExecHash, stateRoot string, journalLen uint64) (string, error) {
	enc, err := codec.MarshalCanonical(execHashDoc{
		Version:      BlockVersion,
		WorldID:      worldID,
		Height:       height,
		PrevExecHash: prevExecHash,
		StateRoot:    stateRoot,
		JournalLen:   journalLen,
	})
	if err != nil {
		return "", err
	}
	return codec.SumDomain(execHashDomain, enc), nil
}

// EpochOf derives the epoch from a slot.
func EpochOf(slot uint64) uint64 { return slot / SlotsPerEpoch }
