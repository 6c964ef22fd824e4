package consensus

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"agentworld.ai/internal/codec"
	"agentworld.ai/internal/world"
)

// Round phases for one height.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseProposalPending    Phase = "proposal_pending"
	PhaseAttestationPending Phase = "attestation_pending"
	PhaseCommitted          Phase = "committed"
)

var (
	ErrNotLeader        = errors.New("local node is not the slot leader")
	ErrWrongHeight      = errors.New("height does not extend committed history")
	ErrUnknownValidator = errors.New("validator not in the active set")
	ErrBadSignature     = errors.New("attestation signature rejected")
	ErrConflictingVote  = errors.New("conflicting vote for the same height")
	ErrSlashableVote    = errors.New("slashable vote pattern refused")
	ErrNoProposal       = errors.New("no proposal pending for this height")
	ErrProposalMismatch = errors.New("proposal fails recomputation")
)

// Commit is a block that gathered a stake quorum, with the attestations that
// carried it over the line.
type Commit struct {
	Block        Block         `json:"block" cbor:"block"`
	BlockHash    string        `json:"block_hash" cbor:"block_hash"`
	Refs         []ActionRef   `json:"refs" cbor:"refs"`
	Payloads     [][]byte      `json:"payloads" cbor:"payloads"`
	Attestations []Attestation `json:"attestations" cbor:"attestations"`
}

// ExecutionHook applies a committed block to the world. The engine calls it
// exactly once per height; re-delivery of an executed height returns the
// stored result without calling the hook again.
type ExecutionHook interface {
	ExecuteCommit(c *Commit) (*ExecResult, error)
}

// voteRecord is the per-validator attestation history used for equivocation
// detection.
type voteRecord struct {
	Height    uint64
	Slot      uint64
	BlockHash string
}

// Config wires one engine instance.
type Config struct {
	WorldID string
	LocalID string
	// Keypair signs local attestations. Nil runs the engine unsigned (test
	// and single-process topologies).
	Keypair *codec.Keypair
	// Signers binds validator ids to ed25519 public keys; required for every
	// validator when Signed is set.
	Signers map[string]string
	Signed  bool

	MaxActionsPerBlock int
}

// Engine runs the per-height consensus machine for one world.
type Engine struct {
	log        zerolog.Logger
	worldID    string
	localID    string
	vs         *ValidatorSet
	kp         *codec.Keypair
	signers    map[string]string
	signed     bool
	maxActions int
	hook       ExecutionHook

	phase    Phase
	slot     uint64
	rotation int
	prevHash string

	current *Proposal
	votes   map[string]Attestation

	history       map[string]voteRecord
	commits       map[uint64]*Commit
	results       map[uint64]*ExecResult
	lastCommitted uint64
}

func NewEngine(cfg Config, vs *ValidatorSet, hook ExecutionHook, log zerolog.Logger) (*Engine, error) {
	if cfg.WorldID == "" {
		return nil, fmt.Errorf("empty world id")
	}
	if cfg.MaxActionsPerBlock <= 0 {
		cfg.MaxActionsPerBlock = 256
	}
	if cfg.Signed {
		for _, v := range vs.Validators() {
			pub, ok := cfg.Signers[v.ID]
			if !ok {
				return nil, fmt.Errorf("signed mode: validator %s has no signer binding", v.ID)
			}
			if _, err := codec.NormalizePublicKeyHex(pub); err != nil {
				return nil, fmt.Errorf("signed mode: validator %s: %w", v.ID, err)
			}
		}
		if vs.Contains(cfg.LocalID) {
			if cfg.Keypair == nil {
				return nil, fmt.Errorf("signed mode: local validator %s has no keypair", cfg.LocalID)
			}
			if cfg.Signers[cfg.LocalID] != cfg.Keypair.PublicHex {
				return nil, fmt.Errorf("signed mode: local key does not match the %s binding", cfg.LocalID)
			}
		}
	}
	return &Engine{
		log:        log.With().Str("component", "consensus").Str("world", cfg.WorldID).Logger(),
		worldID:    cfg.WorldID,
		localID:    cfg.LocalID,
		vs:         vs,
		kp:         cfg.Keypair,
		signers:    cfg.Signers,
		signed:     cfg.Signed,
		maxActions: cfg.MaxActionsPerBlock,
		hook:       hook,
		phase:      PhaseIdle,
		votes:      map[string]Attestation{},
		history:    map[string]voteRecord{},
		commits:    map[uint64]*Commit{},
		results:    map[uint64]*ExecResult{},
	}, nil
}

func (e *Engine) Phase() Phase              { return e.phase }
func (e *Engine) CommittedHeight() uint64   { return e.lastCommitted }
func (e *Engine) NextHeight() uint64        { return e.lastCommitted + 1 }
func (e *Engine) Commit(h uint64) *Commit   { return e.commits[h] }
func (e *Engine) Result(h uint64) *ExecResult { return e.results[h] }

// StartSlot opens a new slot: rotation resets, any half-finished round is
// abandoned.
func (e *Engine) StartSlot(slot uint64) {
	e.slot = slot
	e.rotation = 0
	e.resetRound()
}

// OnTimeout rotates leadership within the current slot and reopens the
// round.
func (e *Engine) OnTimeout() {
	e.rotation++
	e.resetRound()
	e.log.Debug().Uint64("slot", e.slot).Int("rotation", e.rotation).Msg("round timeout, leader rotated")
}

func (e *Engine) resetRound() {
	e.phase = PhaseIdle
	e.current = nil
	e.votes = map[string]Attestation{}
}

// Leader returns the proposer for the current slot and rotation.
func (e *Engine) Leader() string { return e.vs.LeaderAt(e.slot, e.rotation) }

// IsLeader reports whether the local node should propose now.
func (e *Engine) IsLeader() bool { return e.Leader() == e.localID }

// BuildProposal assembles the next block from pending actions in submission
// order. Only the current leader may build.
func (e *Engine) BuildProposal(pending []world.PendingAction) (*Proposal, error) {
	if !e.IsLeader() {
		return nil, ErrNotLeader
	}
	if len(pending) > e.maxActions {
		pending = pending[:e.maxActions]
	}
	refs := make([]ActionRef, 0, len(pending))
	payloads := make([][]byte, 0, len(pending))
	for _, pa := range pending {
		env, err := EncodeSimulatorAction(pa.Action, pa.Submitter)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ActionRef{
			ActionID:    pa.ID,
			Submitter:   pa.Submitter,
			PayloadHash: codec.HashHex(env),
		})
		payloads = append(payloads, env)
	}
	root, err := ActionRoot(refs)
	if err != nil {
		return nil, err
	}
	blk := Block{
		Version:    BlockVersion,
		WorldID:    e.worldID,
		Height:     e.NextHeight(),
		Slot:       e.slot,
		Epoch:      EpochOf(e.slot),
		Proposer:   e.localID,
		PrevHash:   e.prevHash,
		ActionRoot: root,
	}
	hash, err := blk.Hash()
	if err != nil {
		return nil, err
	}
	e.phase = PhaseProposalPending
	return &Proposal{Block: blk, BlockHash: hash, Refs: refs, Payloads: payloads}, nil
}

// HandleProposal validates an incoming proposal and, when the local node is
// a validator, answers with its attestation.
func (e *Engine) HandleProposal(p *Proposal) (*Attestation, error) {
	if p.Block.WorldID != e.worldID {
		return nil, fmt.Errorf("%w: world %s", ErrProposalMismatch, p.Block.WorldID)
	}
	if p.Block.Height != e.NextHeight() {
		return nil, fmt.Errorf("%w: height %d, want %d", ErrWrongHeight, p.Block.Height, e.NextHeight())
	}
	if want := e.Leader(); p.Block.Proposer != want {
		return nil, fmt.Errorf("%w: proposer %s, slot leader is %s", ErrProposalMismatch, p.Block.Proposer, want)
	}
	if err := e.recheckProposal(p); err != nil {
		return nil, err
	}

	e.current = p
	e.phase = PhaseAttestationPending

	if !e.vs.Contains(e.localID) {
		return nil, nil
	}
	att := Attestation{
		WorldID:     e.worldID,
		Height:      p.Block.Height,
		Slot:        p.Block.Slot,
		BlockHash:   p.BlockHash,
		ActionRoot:  p.Block.ActionRoot,
		ValidatorID: e.localID,
	}
	if e.kp != nil {
		if err := (&att).Sign(e.kp); err != nil {
			return nil, err
		}
	}
	return &att, nil
}

// recheckProposal reproduces every derived field: action root from refs,
// block hash from the header, payload hashes from the envelopes.
func (e *Engine) recheckProposal(p *Proposal) error {
	if len(p.Payloads) != len(p.Refs) {
		return fmt.Errorf("%w: %d payloads for %d refs", ErrProposalMismatch, len(p.Payloads), len(p.Refs))
	}
	for i, env := range p.Payloads {
		if codec.HashHex(env) != p.Refs[i].PayloadHash {
			return fmt.Errorf("%w: payload %d hash", ErrProposalMismatch, i)
		}
	}
	root, err := ActionRoot(p.Refs)
	if err != nil {
		return err
	}
	if root != p.Block.ActionRoot {
		return fmt.Errorf("%w: action root", ErrProposalMismatch)
	}
	hash, err := p.Block.Hash()
	if err != nil {
		return err
	}
	if hash != p.BlockHash {
		return fmt.Errorf("%w: block hash", ErrProposalMismatch)
	}
	if p.Block.PrevHash != e.prevHash {
		return fmt.Errorf("%w: prev hash", ErrProposalMismatch)
	}
	if p.Block.Epoch != EpochOf(p.Block.Slot) {
		return fmt.Errorf("%w: epoch", ErrProposalMismatch)
	}
	return nil
}

// HandleAttestation folds one vote in. It returns the commit once the
// accumulated stake reaches quorum, nil before that. Duplicate identical
// votes are no-ops; conflicting or slashable votes are refused.
func (e *Engine) HandleAttestation(a Attestation) (*Commit, error) {
	if a.WorldID != e.worldID {
		return nil, fmt.Errorf("attestation for world %s", a.WorldID)
	}
	if e.current == nil {
		// Votes arriving after the quorum landed are harmless.
		if c := e.commits[a.Height]; c != nil && c.BlockHash == a.BlockHash {
			return nil, nil
		}
		return nil, ErrNoProposal
	}
	if a.Height != e.current.Block.Height {
		return nil, fmt.Errorf("%w: attested %d, round is %d", ErrWrongHeight, a.Height, e.current.Block.Height)
	}
	if !e.vs.Contains(a.ValidatorID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownValidator, a.ValidatorID)
	}
	if e.signed {
		if e.signers[a.ValidatorID] != a.PublicKeyHex {
			return nil, fmt.Errorf("%w: %s key does not match binding", ErrBadSignature, a.ValidatorID)
		}
		if !a.Verify() {
			return nil, fmt.Errorf("%w: %s", ErrBadSignature, a.ValidatorID)
		}
	}
	if a.BlockHash != e.current.BlockHash || a.ActionRoot != e.current.Block.ActionRoot {
		return nil, fmt.Errorf("%w: %s voted for a different block", ErrConflictingVote, a.ValidatorID)
	}

	if prev, ok := e.history[a.ValidatorID]; ok {
		switch {
		case a.Height == prev.Height && a.BlockHash == prev.BlockHash:
			// Idempotent re-delivery.
			return nil, nil
		case a.Height == prev.Height:
			return nil, fmt.Errorf("%w: double vote by %s at height %d", ErrSlashableVote, a.ValidatorID, a.Height)
		case a.Height < prev.Height:
			return nil, fmt.Errorf("%w: %s voted height %d after %d", ErrSlashableVote, a.ValidatorID, a.Height, prev.Height)
		case a.Slot < prev.Slot:
			return nil, fmt.Errorf("%w: surround vote by %s", ErrSlashableVote, a.ValidatorID)
		}
	}
	if _, seen := e.votes[a.ValidatorID]; seen {
		return nil, nil
	}
	e.votes[a.ValidatorID] = a
	e.history[a.ValidatorID] = voteRecord{Height: a.Height, Slot: a.Slot, BlockHash: a.BlockHash}

	var staked uint64
	for id := range e.votes {
		staked += e.vs.Stake(id)
	}
	if staked < e.vs.Quorum() {
		return nil, nil
	}
	return e.commitCurrent()
}

func (e *Engine) commitCurrent() (*Commit, error) {
	p := e.current
	atts := make([]Attestation, 0, len(e.votes))
	for _, a := range e.votes {
		atts = append(atts, a)
	}
	sort.Slice(atts, func(i, j int) bool { return atts[i].ValidatorID < atts[j].ValidatorID })
	c := &Commit{
		Block:        p.Block,
		BlockHash:    p.BlockHash,
		Refs:         p.Refs,
		Payloads:     p.Payloads,
		Attestations: atts,
	}
	if _, err := e.execute(c); err != nil {
		return nil, err
	}
	e.log.Info().
		Uint64("height", c.Block.Height).
		Str("block_hash", c.BlockHash).
		Int("actions", len(c.Payloads)).
		Msg("block committed")
	return c, nil
}

// DeliverCommit ingests an externally committed block (catch-up, observer
// role). Already-executed heights return the stored result; a height gap is
// an error.
func (e *Engine) DeliverCommit(c *Commit) (*ExecResult, error) {
	if c.Block.WorldID != e.worldID {
		return nil, fmt.Errorf("commit for world %s", c.Block.WorldID)
	}
	if c.Block.Height <= e.lastCommitted {
		if res := e.results[c.Block.Height]; res != nil {
			return res, nil
		}
		return nil, fmt.Errorf("%w: height %d already passed", ErrWrongHeight, c.Block.Height)
	}
	if c.Block.Height != e.NextHeight() {
		return nil, fmt.Errorf("%w: commit height %d, want %d", ErrWrongHeight, c.Block.Height, e.NextHeight())
	}
	if err := e.verifyCommit(c); err != nil {
		return nil, err
	}
	return e.execute(c)
}

// verifyCommit replays the proposal checks plus the attestation quorum.
func (e *Engine) verifyCommit(c *Commit) error {
	p := &Proposal{Block: c.Block, BlockHash: c.BlockHash, Refs: c.Refs, Payloads: c.Payloads}
	if err := e.recheckProposal(p); err != nil {
		return err
	}
	var staked uint64
	seen := map[string]struct{}{}
	for _, a := range c.Attestations {
		if a.BlockHash != c.BlockHash || a.Height != c.Block.Height {
			return fmt.Errorf("%w: stray attestation from %s", ErrProposalMismatch, a.ValidatorID)
		}
		if !e.vs.Contains(a.ValidatorID) {
			return fmt.Errorf("%w: %s", ErrUnknownValidator, a.ValidatorID)
		}
		if _, dup := seen[a.ValidatorID]; dup {
			continue
		}
		if e.signed && !a.Verify() {
			return fmt.Errorf("%w: %s", ErrBadSignature, a.ValidatorID)
		}
		seen[a.ValidatorID] = struct{}{}
		staked += e.vs.Stake(a.ValidatorID)
	}
	if staked < e.vs.Quorum() {
		return fmt.Errorf("commit carries %d stake, quorum is %d", staked, e.vs.Quorum())
	}
	return nil
}

func (e *Engine) execute(c *Commit) (*ExecResult, error) {
	res, err := e.hook.ExecuteCommit(c)
	if err != nil {
		return nil, err
	}
	h := c.Block.Height
	e.commits[h] = c
	e.results[h] = res
	e.lastCommitted = h
	e.prevHash = c.BlockHash
	e.phase = PhaseCommitted
	e.current = nil
	e.votes = map[string]Attestation{}
	return res, nil
}
