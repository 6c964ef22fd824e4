// Package node wires one world node together: kernel, module pipeline,
// consensus engine, replication, persistence and the network facade.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"agentworld.ai/internal/codec"
	"agentworld.ai/internal/consensus"
	"agentworld.ai/internal/modules"
	"agentworld.ai/internal/network"
	"agentworld.ai/internal/persistence/archive"
	"agentworld.ai/internal/persistence/auditdb"
	"agentworld.ai/internal/persistence/journallog"
	"agentworld.ai/internal/persistence/r2s3"
	"agentworld.ai/internal/persistence/snapshot"
	"agentworld.ai/internal/replication"
	"agentworld.ai/internal/world"
)

// ConsensusTopic carries proposals and attestations for a world.
func ConsensusTopic(worldID string) string { return "world/" + worldID + "/consensus" }

// consensusMessage is the JSON envelope on the consensus topic.
type consensusMessage struct {
	Type        string                 `json:"type"` // proposal | attestation
	NodeID      string                 `json:"node_id"`
	Proposal    *consensus.Proposal    `json:"proposal,omitempty"`
	Attestation *consensus.Attestation `json:"attestation,omitempty"`
}

// Status is the externally visible node snapshot.
type Status struct {
	NodeID    string `json:"node_id"`
	WorldID   string `json:"world_id"`
	Role      Role   `json:"role"`
	Height    uint64 `json:"height"`
	Slot      uint64 `json:"slot"`
	Pending   int    `json:"pending"`
	StateRoot string `json:"state_root,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Node is one running world participant.
type Node struct {
	cfg Config
	log zerolog.Logger

	kernel   *world.Kernel
	registry *modules.Registry
	pipeline *modules.Pipeline
	exec     *consensus.KernelExecutor
	engine   *consensus.Engine
	repl     *replication.Replicator
	net      network.DistributedNetwork
	keypair  *codec.Keypair

	members *membershipView
	alerts  AlertSink

	events  *journallog.EventLogger
	audits  *journallog.AuditLogger
	auditDB *auditdb.SQLiteAudit
	mirror  *r2s3.Mirror

	consensusSub   *network.Subscription
	replicationSub *network.Subscription
	memberSub      *network.Subscription
	revocationSub  *network.Subscription
	reconcileSub   *network.Subscription

	mu            sync.Mutex
	slot          uint64
	idleTicks     int
	journalCursor uint64
	lastErr       error
}

// Option tweaks construction; the zero set wires the production stack.
type Option func(*options)

type options struct {
	sandbox modules.Sandbox
	alerts  AlertSink
}

// WithSandbox overrides the wasm sandbox (tests use modules.StubSandbox).
func WithSandbox(s modules.Sandbox) Option { return func(o *options) { o.sandbox = s } }

// WithAlertSink overrides where operational alerts go.
func WithAlertSink(s AlertSink) Option { return func(o *options) { o.alerts = s } }

// casWasmSource serves module artifacts out of the replication CAS.
type casWasmSource struct{ store *replication.Store }

func (s casWasmSource) WasmBytes(hash string) ([]byte, error) { return s.store.Get(hash) }

func New(cfg Config, net network.DistributedNetwork, log zerolog.Logger, opts ...Option) (*Node, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	kp, err := loadKeypair(cfg.SeedHex)
	if err != nil {
		return nil, E(KindSignature, "load node key", err)
	}

	nlog := log.With().Str("node", cfg.NodeID).Str("world", cfg.World.ID).Logger()
	n := &Node{
		cfg:     cfg,
		log:     nlog,
		net:     net,
		keypair: kp,
		kernel:  world.NewKernel(cfg.World.ID, cfg.World.Policy),
	}
	n.alerts = o.alerts
	if n.alerts == nil {
		n.alerts = LogAlertSink{Log: nlog}
	}
	n.members = newMembershipView(cfg.World.ID, n.alerts)

	n.repl, err = replication.NewReplicator(replication.Config{
		WorldID:              cfg.World.ID,
		NodeID:               cfg.NodeID,
		Dir:                  cfg.WorldDir(),
		Keypair:              kp,
		Allowlist:            cfg.World.ReplicationAllowlist,
		Signed:               cfg.Signed,
		Nonce:                rand.Uint64(),
		MaxHotCommitMessages: cfg.World.MaxHotCommitMessages,
	}, net, nlog)
	if err != nil {
		return nil, E(KindReplication, "open replicator", err)
	}

	n.registry = modules.NewRegistry(n.kernel)
	sandbox := o.sandbox
	if sandbox == nil {
		sandbox = modules.NewWasmerSandbox(casWasmSource{store: n.repl.Store()})
	}
	n.pipeline = modules.NewPipeline(n.registry, sandbox, cfg.ModuleWorkers, nlog)
	n.exec = consensus.NewKernelExecutor(n.kernel, n.pipeline, nlog)

	vs, err := consensus.NewValidatorSet(cfg.World.Validators, cfg.World.Supermajority)
	if err != nil {
		return nil, E(KindInvalidConfig, "validator set", err)
	}
	n.engine, err = consensus.NewEngine(consensus.Config{
		WorldID:            cfg.World.ID,
		LocalID:            cfg.NodeID,
		Keypair:            kp,
		Signers:            cfg.World.Signers,
		Signed:             cfg.Signed,
		MaxActionsPerBlock: cfg.MaxActionsPerBlock,
	}, vs, n, nlog)
	if err != nil {
		return nil, E(KindConsensus, "build engine", err)
	}

	n.events = journallog.NewEventLogger(cfg.WorldDir())
	n.audits = journallog.NewAuditLogger(cfg.WorldDir())
	n.auditDB, err = auditdb.Open(filepath.Join(cfg.WorldDir(), "index", "audit.db"))
	if err != nil {
		return nil, E(KindIo, "open audit db", err)
	}

	if cfg.Mirror.Enabled() {
		client, err := r2s3.New(cfg.Mirror.Endpoint, cfg.Mirror.Bucket, cfg.Mirror.AccessKeyID, cfg.Mirror.SecretAccessKey)
		if err != nil {
			return nil, E(KindInvalidConfig, "mirror client", err)
		}
		n.mirror = r2s3.NewMirror(client, cfg.DataDir, cfg.Mirror.Prefix, 2, 2048, 25*time.Millisecond, nlog)
	}

	if err := n.subscribe(); err != nil {
		return nil, err
	}
	if cfg.Role == RoleStorage {
		if err := n.repl.RegisterHandlers(); err != nil {
			return nil, E(KindReplication, "register fetch handlers", err)
		}
	}
	if err := n.announce(); err != nil {
		return nil, err
	}
	return n, nil
}

func loadKeypair(seedHex string) (*codec.Keypair, error) {
	if seedHex == "" {
		return codec.GenerateKeypair()
	}
	return codec.KeypairFromSeedHex(seedHex)
}

func (n *Node) subscribe() error {
	var err error
	sub := func(topic string) *network.Subscription {
		if err != nil {
			return nil
		}
		var s *network.Subscription
		s, err = n.net.Subscribe(topic)
		return s
	}
	n.consensusSub = sub(ConsensusTopic(n.cfg.World.ID))
	n.replicationSub = sub(replication.Topic(n.cfg.World.ID))
	n.memberSub = sub(MembershipTopic(n.cfg.World.ID))
	n.revocationSub = sub(RevocationTopic(n.cfg.World.ID))
	n.reconcileSub = sub(ReconcileTopic(n.cfg.World.ID))
	if err != nil {
		return E(KindIo, "subscribe", err)
	}
	return nil
}

func (n *Node) announce() error {
	m := MemberAnnouncement{
		WorldID:      n.cfg.World.ID,
		NodeID:       n.cfg.NodeID,
		Role:         n.cfg.Role,
		PublicKeyHex: n.keypair.PublicHex,
		TsMs:         time.Now().UnixMilli(),
	}
	b, err := json.Marshal(m)
	if err != nil {
		return E(KindIo, "encode announcement", err)
	}
	if err := n.net.Publish(MembershipTopic(n.cfg.World.ID), b); err != nil {
		return E(KindIo, "publish announcement", err)
	}
	return nil
}

// Kernel exposes the world state machine (submissions, queries).
func (n *Node) Kernel() *world.Kernel { return n.kernel }

// Engine exposes the consensus machine (tests and tooling).
func (n *Node) Engine() *consensus.Engine { return n.engine }

// Replicator exposes replication state (catch-up, CAS).
func (n *Node) Replicator() *replication.Replicator { return n.repl }

// Members returns the current membership view.
func (n *Node) Members() []MemberAnnouncement { return n.members.Members() }

// AuditDB exposes the queryable audit index.
func (n *Node) AuditDB() *auditdb.SQLiteAudit { return n.auditDB }

// SubmitAction queues an action for the next block this node leads.
func (n *Node) SubmitAction(act world.Action, submitter string) (uint64, error) {
	return n.kernel.SubmitAction(act, submitter)
}

func (n *Node) setLastError(err error) {
	n.mu.Lock()
	n.lastErr = err
	n.mu.Unlock()
}

// LastError returns the most recent recoverable fault.
func (n *Node) LastError() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastErr
}

// Status reports the node snapshot.
func (n *Node) Status() Status {
	n.mu.Lock()
	slot := n.slot
	lastErr := n.lastErr
	n.mu.Unlock()
	s := Status{
		NodeID:  n.cfg.NodeID,
		WorldID: n.cfg.World.ID,
		Role:    n.cfg.Role,
		Height:  n.engine.CommittedHeight(),
		Slot:    slot,
		Pending: n.kernel.PendingLen(),
	}
	if root, err := n.kernel.StateRootHex(); err == nil {
		s.StateRoot = root
	}
	if lastErr != nil {
		s.LastError = lastErr.Error()
	}
	return s
}

// StartSlot opens a consensus slot. Sequencer leaders build and broadcast a
// proposal along with their own attestation.
func (n *Node) StartSlot(slot uint64) error {
	n.mu.Lock()
	n.slot = slot
	n.idleTicks = 0
	n.mu.Unlock()
	n.engine.StartSlot(slot)
	return n.proposeIfLeader()
}

func (n *Node) proposeIfLeader() error {
	if n.cfg.Role != RoleSequencer || !n.engine.IsLeader() {
		return nil
	}
	p, err := n.engine.BuildProposal(n.kernel.PeekPending(n.cfg.MaxActionsPerBlock))
	if err != nil {
		if errors.Is(err, consensus.ErrNotLeader) {
			return nil
		}
		return E(KindConsensus, "build proposal", err)
	}
	att, err := n.engine.HandleProposal(p)
	if err != nil {
		return E(KindConsensus, "handle own proposal", err)
	}
	if err := n.publishConsensus(consensusMessage{Type: "proposal", NodeID: n.cfg.NodeID, Proposal: p}); err != nil {
		return err
	}
	if att != nil {
		if _, err := n.engine.HandleAttestation(*att); err != nil {
			return E(KindConsensus, "handle own attestation", err)
		}
		return n.publishConsensus(consensusMessage{Type: "attestation", NodeID: n.cfg.NodeID, Attestation: att})
	}
	return nil
}

func (n *Node) publishConsensus(m consensusMessage) error {
	b, err := json.Marshal(m)
	if err != nil {
		return E(KindIo, "encode consensus message", err)
	}
	if err := n.net.Publish(ConsensusTopic(n.cfg.World.ID), b); err != nil {
		return E(KindIo, "publish consensus message", err)
	}
	return nil
}

// Pump drains every subscription once and returns how many messages it
// processed. Tests drive rounds by pumping all nodes until quiescent.
func (n *Node) Pump() int {
	handled := 0
	drainInto := func(s *network.Subscription, handle func([]byte)) {
		if s == nil {
			return
		}
		for _, msg := range s.Drain() {
			handle(msg.Payload)
			handled++
		}
	}
	drainInto(n.consensusSub, n.handleConsensus)
	drainInto(n.replicationSub, func(b []byte) {
		if err := n.repl.Ingest(b); err != nil {
			n.setLastError(E(KindReplication, "ingest", err))
		}
	})
	drainInto(n.memberSub, func(b []byte) {
		if err := n.members.handleAnnouncement(b); err != nil {
			n.setLastError(E(KindDistributedValidationFailed, "membership", err))
		}
	})
	drainInto(n.revocationSub, func(b []byte) {
		if err := n.members.handleRevocation(b); err != nil {
			n.setLastError(E(KindDistributedValidationFailed, "revocation", err))
		}
	})
	drainInto(n.reconcileSub, func(b []byte) {
		if err := n.members.handleReconcile(b); err != nil {
			n.setLastError(E(KindDistributedValidationFailed, "reconcile", err))
		}
	})
	return handled
}

func (n *Node) handleConsensus(raw []byte) {
	var m consensusMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		n.setLastError(E(KindConsensus, "decode consensus message", err))
		return
	}
	if m.NodeID == n.cfg.NodeID {
		return
	}
	switch m.Type {
	case "proposal":
		if m.Proposal == nil {
			return
		}
		att, err := n.engine.HandleProposal(m.Proposal)
		if err != nil {
			n.noteConsensusError("handle proposal", err)
			return
		}
		if att == nil {
			return
		}
		if _, err := n.engine.HandleAttestation(*att); err != nil {
			n.noteConsensusError("handle own attestation", err)
			return
		}
		if err := n.publishConsensus(consensusMessage{Type: "attestation", NodeID: n.cfg.NodeID, Attestation: att}); err != nil {
			n.setLastError(err)
		}
	case "attestation":
		if m.Attestation == nil {
			return
		}
		if _, err := n.engine.HandleAttestation(*m.Attestation); err != nil {
			n.noteConsensusError("handle attestation", err)
		}
	}
}

// noteConsensusError separates expected round noise from faults worth
// surfacing.
func (n *Node) noteConsensusError(op string, err error) {
	switch {
	case errors.Is(err, consensus.ErrNoProposal),
		errors.Is(err, consensus.ErrWrongHeight),
		errors.Is(err, consensus.ErrNotLeader):
		n.log.Debug().Err(err).Str("op", op).Msg("consensus message ignored")
	case errors.Is(err, consensus.ErrBadSignature),
		errors.Is(err, consensus.ErrSlashableVote),
		errors.Is(err, consensus.ErrConflictingVote):
		n.setLastError(E(KindSignature, op, err))
		n.alerts.Alert("consensus_vote_rejected", err.Error())
	default:
		n.setLastError(E(KindConsensus, op, err))
	}
}

// ExecuteCommit is the consensus execution hook: it applies the block
// through the kernel executor and then persists everything the commit
// produced.
func (n *Node) ExecuteCommit(c *consensus.Commit) (*consensus.ExecResult, error) {
	res, err := n.exec.ExecuteCommit(c)
	if err != nil {
		return nil, err
	}
	n.persistCommit(c, res)
	return res, nil
}

func (n *Node) persistCommit(c *consensus.Commit, res *consensus.ExecResult) {
	journal := n.kernel.Journal()
	n.mu.Lock()
	cursor := n.journalCursor
	n.journalCursor = uint64(len(journal))
	n.mu.Unlock()

	for _, ev := range journal[cursor:] {
		if err := n.events.WriteEvent(ev); err != nil {
			n.setLastError(E(KindIo, "journal write", err))
			break
		}
		if entry, ok := world.AuditFromEvent(n.cfg.World.ID, ev); ok {
			if err := n.audits.WriteAudit(entry); err != nil {
				n.setLastError(E(KindIo, "audit write", err))
			}
			_ = n.auditDB.WriteAudit(entry)
		}
	}
	n.auditDB.RecordCommit(auditdb.CommitRow{
		Height:        c.Block.Height,
		Slot:          c.Block.Slot,
		Epoch:         c.Block.Epoch,
		Proposer:      c.Block.Proposer,
		BlockHash:     c.BlockHash,
		ActionRoot:    c.Block.ActionRoot,
		StateRoot:     res.StateRoot,
		ExecBlockHash: res.ExecBlockHash,
		Actions:       len(c.Payloads),
		RecordedAt:    time.Now().UTC().Format(time.RFC3339),
	})

	if n.cfg.Role != RoleObserver {
		if _, err := n.repl.PublishCommit(replication.ReplicatedCommitPayload{
			WorldID:            n.cfg.World.ID,
			NodeID:             n.cfg.NodeID,
			Height:             c.Block.Height,
			Slot:               c.Block.Slot,
			Epoch:              c.Block.Epoch,
			BlockHash:          c.BlockHash,
			ActionRoot:         c.Block.ActionRoot,
			Actions:            c.Payloads,
			CommittedAtMs:      time.Now().UnixMilli(),
			ExecutionBlockHash: res.ExecBlockHash,
			ExecutionStateRoot: res.StateRoot,
		}); err != nil {
			n.setLastError(E(KindReplication, "publish commit", err))
		} else {
			n.mirror.Enqueue(n.repl.CommitMessagePath(c.Block.Height))
		}
	}

	n.maybeArchive(c.Block.Height, res.StateRoot)
	n.log.Info().
		Uint64("height", c.Block.Height).
		Uint64("slot", c.Block.Slot).
		Str("proposer", c.Block.Proposer).
		Int("actions", len(c.Payloads)).
		Str("state_root", res.StateRoot).
		Msg("block committed")
}

func (n *Node) maybeArchive(height uint64, stateRoot string) {
	if n.cfg.EpochArchiveHeights == 0 || height%n.cfg.EpochArchiveHeights != 0 {
		return
	}
	path := snapshot.PathFor(n.cfg.WorldDir(), n.kernel.Time())
	if err := snapshot.Write(path, n.kernel.Snapshot(), stateRoot); err != nil {
		n.setLastError(E(KindIo, "write snapshot", err))
		return
	}
	n.mirror.Enqueue(path)
	_, archivedPath, archived, err := archive.ArchiveEpochSnapshot(
		n.cfg.WorldDir(), path, n.cfg.World.ID,
		height, uint64(n.kernel.Time()), stateRoot, n.cfg.EpochArchiveHeights,
	)
	if err != nil {
		n.setLastError(E(KindIo, "archive snapshot", err))
		return
	}
	if archived {
		n.mirror.Enqueue(archivedPath)
	}
}

// Tick advances the node one interval: pump messages, and either open the
// next slot or rotate the leader when a round has stalled.
func (n *Node) Tick() error {
	n.Pump()
	phase := n.engine.Phase()
	if phase == consensus.PhaseIdle || phase == consensus.PhaseCommitted {
		n.mu.Lock()
		n.slot++
		slot := n.slot
		n.mu.Unlock()
		n.engine.StartSlot(slot)
		return n.proposeIfLeader()
	}
	n.mu.Lock()
	n.idleTicks++
	stalled := n.idleTicks >= n.cfg.TimeoutTicks
	if stalled {
		n.idleTicks = 0
	}
	n.mu.Unlock()
	if stalled {
		n.engine.OnTimeout()
		return n.proposeIfLeader()
	}
	return nil
}

// Run drives ticks until the context ends.
func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.TickInterval())
	defer ticker.Stop()
	n.log.Info().Str("role", string(n.cfg.Role)).Msg("node running")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := n.Tick(); err != nil {
				var ne *NodeError
				if errors.As(err, &ne) && ne.Kind == KindInvalidConfig {
					return err
				}
				n.setLastError(err)
				n.log.Warn().Err(err).Msg("tick fault")
			}
		}
	}
}

// Close flushes and releases everything the node holds open.
func (n *Node) Close() error {
	n.pipeline.Stop()
	n.mirror.Close()
	var errs []error
	if err := n.events.Close(); err != nil {
		errs = append(errs, fmt.Errorf("event log: %w", err))
	}
	if err := n.audits.Close(); err != nil {
		errs = append(errs, fmt.Errorf("audit log: %w", err))
	}
	if err := n.auditDB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("audit db: %w", err))
	}
	for _, s := range []*network.Subscription{n.consensusSub, n.replicationSub, n.memberSub, n.revocationSub, n.reconcileSub} {
		if s != nil {
			s.Close()
		}
	}
	return errors.Join(errs...)
}
