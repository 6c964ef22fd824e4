// Package consensus implements the proof-of-stake block pipeline: a static
// stake-weighted validator set, deterministic leader election, per-height
// proposal/attestation rounds, and idempotent commit execution.
package consensus

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"agentworld.ai/internal/codec"
)

// SlotsPerEpoch fixes the epoch derivation: epoch = slot / 32.
const SlotsPerEpoch = 32

// Validator is one staked consensus participant.
type Validator struct {
	ID    string `json:"validator_id" cbor:"validator_id" yaml:"validator_id"`
	Stake uint64 `json:"stake" cbor:"stake" yaml:"stake"`
}

// SupermajorityRatio is the quorum fraction num/den. It must exceed one half
// or two disjoint quorums could commit conflicting blocks.
type SupermajorityRatio struct {
	Num uint64 `json:"num" cbor:"num" yaml:"num"`
	Den uint64 `json:"den" cbor:"den" yaml:"den"`
}

// DefaultSupermajority is the usual 2/3.
func DefaultSupermajority() SupermajorityRatio { return SupermajorityRatio{Num: 2, Den: 3} }

func (r SupermajorityRatio) validate() error {
	if r.Den == 0 {
		return fmt.Errorf("supermajority denominator is zero")
	}
	if r.Num > r.Den {
		return fmt.Errorf("supermajority %d/%d exceeds 1", r.Num, r.Den)
	}
	if 2*r.Num <= r.Den {
		return fmt.Errorf("supermajority %d/%d does not exceed 1/2", r.Num, r.Den)
	}
	return nil
}

// ValidatorSet is an immutable, id-sorted stake table.
type ValidatorSet struct {
	validators []Validator
	stakes     map[string]uint64
	total      uint64
	ratio      SupermajorityRatio
}

func NewValidatorSet(validators []Validator, ratio SupermajorityRatio) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, fmt.Errorf("empty validator set")
	}
	if err := ratio.validate(); err != nil {
		return nil, err
	}
	vs := &ValidatorSet{
		validators: make([]Validator, len(validators)),
		stakes:     make(map[string]uint64, len(validators)),
		ratio:      ratio,
	}
	copy(vs.validators, validators)
	sort.Slice(vs.validators, func(i, j int) bool { return vs.validators[i].ID < vs.validators[j].ID })
	for _, v := range vs.validators {
		if v.ID == "" {
			return nil, fmt.Errorf("validator with empty id")
		}
		if v.Stake == 0 {
			return nil, fmt.Errorf("validator %s has zero stake", v.ID)
		}
		if _, dup := vs.stakes[v.ID]; dup {
			return nil, fmt.Errorf("duplicate validator %s", v.ID)
		}
		vs.stakes[v.ID] = v.Stake
		vs.total += v.Stake
	}
	return vs, nil
}

func (vs *ValidatorSet) TotalStake() uint64      { return vs.total }
func (vs *ValidatorSet) Len() int                { return len(vs.validators) }
func (vs *ValidatorSet) Stake(id string) uint64  { return vs.stakes[id] }
func (vs *ValidatorSet) Contains(id string) bool { _, ok := vs.stakes[id]; return ok }

// Validators returns the id-sorted members.
func (vs *ValidatorSet) Validators() []Validator {
	out := make([]Validator, len(vs.validators))
	copy(out, vs.validators)
	return out
}

// Quorum is ceil(total * num / den) of stake.
func (vs *ValidatorSet) Quorum() uint64 {
	return (vs.total*vs.ratio.Num + vs.ratio.Den - 1) / vs.ratio.Den
}

// Leader picks the slot's proposer: a stake-weighted draw keyed by the slot
// hash, walked over the id-sorted table so equal draws resolve to the lowest
// validator id. Every node computes the same leader for the same slot.
func (vs *ValidatorSet) Leader(slot uint64) string {
	return vs.LeaderAt(slot, 0)
}

// LeaderAt is Leader shifted by rotation places for in-slot timeout
// handover.
func (vs *ValidatorSet) LeaderAt(slot uint64, rotation int) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], slot)
	sum, _ := hex.DecodeString(codec.SumDomain("aw/leader", buf[:]))
	draw := binary.BigEndian.Uint64(sum[:8]) % vs.total

	base := 0
	var cum uint64
	for i, v := range vs.validators {
		cum += v.Stake
		if draw < cum {
			base = i
			break
		}
	}
	idx := (base + rotation) % len(vs.validators)
	return vs.validators[idx].ID
}
