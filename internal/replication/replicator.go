package replication

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"agentworld.ai/internal/codec"
	"agentworld.ai/internal/network"
)

const DefaultMaxHotCommitMessages = 4096

// ReplicatedCommitPayload is the JSON document a committed block travels as.
type ReplicatedCommitPayload struct {
	WorldID            string   `json:"world_id"`
	NodeID             string   `json:"node_id"`
	Height             uint64   `json:"height"`
	Slot               uint64   `json:"slot"`
	Epoch              uint64   `json:"epoch"`
	BlockHash          string   `json:"block_hash"`
	ActionRoot         string   `json:"action_root"`
	Actions            [][]byte `json:"actions"`
	CommittedAtMs      int64    `json:"committed_at_ms"`
	ExecutionBlockHash string   `json:"execution_block_hash,omitempty"`
	ExecutionStateRoot string   `json:"execution_state_root,omitempty"`
}

// Topic returns the replication gossip topic for a world.
func Topic(worldID string) string { return "world/" + worldID + "/replication" }

func commitPath(height uint64) string {
	return fmt.Sprintf("consensus/commits/%020d.json", height)
}

// Config wires one replicator.
type Config struct {
	WorldID string
	NodeID  string
	// Dir is the node's replication root: guard state, CAS, and the hot
	// commit-message window live under it.
	Dir     string
	Keypair *codec.Keypair
	// Allowlist holds the writer public keys accepted in signed mode.
	Allowlist []string
	Signed    bool
	// Nonce seeds the writer epoch so two nodes sharing a clock still
	// diverge.
	Nonce                uint64
	MaxHotCommitMessages int
}

// Replicator owns the node's replication state for one world: it publishes
// local commits and ingests gossiped ones behind the single-writer guard.
type Replicator struct {
	cfg   Config
	log   zerolog.Logger
	store *Store
	guard *Guard
	net   network.DistributedNetwork
	allow map[string]struct{}

	mu       sync.Mutex
	hot      map[uint64]*Message
	hotOrder []uint64
	cold     map[uint64]string // height -> message blob hash
	highest  uint64
	lastErr  error
}

func NewReplicator(cfg Config, net network.DistributedNetwork, log zerolog.Logger) (*Replicator, error) {
	if cfg.WorldID == "" || cfg.NodeID == "" {
		return nil, fmt.Errorf("replicator needs world and node ids")
	}
	if cfg.Signed && cfg.Keypair == nil {
		return nil, fmt.Errorf("signed replication without a keypair")
	}
	if cfg.MaxHotCommitMessages <= 0 {
		cfg.MaxHotCommitMessages = DefaultMaxHotCommitMessages
	}
	store, err := NewStore(cfg.Dir)
	if err != nil {
		return nil, err
	}
	guard, err := LoadGuard(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, "replication_commit_messages"), 0o755); err != nil {
		return nil, err
	}
	r := &Replicator{
		cfg:   cfg,
		log:   log.With().Str("component", "replication").Str("world", cfg.WorldID).Logger(),
		store: store,
		guard: guard,
		net:   net,
		allow: map[string]struct{}{},
		hot:   map[uint64]*Message{},
		cold:  map[uint64]string{},
	}
	for _, pub := range cfg.Allowlist {
		norm, err := codec.NormalizePublicKeyHex(pub)
		if err != nil {
			return nil, fmt.Errorf("allowlist entry: %w", err)
		}
		r.allow[norm] = struct{}{}
	}
	return r, nil
}

func (r *Replicator) Store() *Store { return r.store }

// writerID is the identity records are attributed to: the public key in
// signed mode, the node id otherwise.
func (r *Replicator) writerID() string {
	if r.cfg.Signed {
		return r.cfg.Keypair.PublicHex
	}
	return r.cfg.NodeID
}

// LastError returns the most recent recoverable ingest fault.
func (r *Replicator) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// HighestHeight is the highest commit height seen, local or gossiped.
func (r *Replicator) HighestHeight() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.highest
}

// CommitMessagePath is where the hot commit message for a height lives on
// disk, whether or not one exists yet.
func (r *Replicator) CommitMessagePath(height uint64) string { return r.msgPath(height) }

func (r *Replicator) msgPath(height uint64) string {
	return filepath.Join(r.cfg.Dir, "replication_commit_messages", fmt.Sprintf("%020d.json", height))
}

// PublishCommit stores the payload in the CAS, allocates the next guard
// slot, signs and persists the message, and fans it out on the replication
// topic.
func (r *Replicator) PublishCommit(p ReplicatedCommitPayload) (*Message, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	hash, err := r.store.Put(body)
	if err != nil {
		return nil, err
	}
	epoch, seq, err := r.guard.AllocateLocal(r.writerID(), r.cfg.Nonce)
	if err != nil {
		return nil, err
	}
	msg := &Message{
		Version: GossipVersion,
		WorldID: r.cfg.WorldID,
		NodeID:  r.cfg.NodeID,
		Record: Record{
			WorldID:     r.cfg.WorldID,
			WriterID:    r.writerID(),
			WriterEpoch: epoch,
			Sequence:    seq,
			Path:        commitPath(p.Height),
			ContentHash: hash,
			Size:        uint64(len(body)),
			TsMs:        time.Now().UnixMilli(),
		},
		Payload: body,
	}
	if r.cfg.Signed {
		if err := msg.Sign(r.cfg.Keypair); err != nil {
			return nil, err
		}
	}
	if err := r.record(p.Height, msg); err != nil {
		return nil, err
	}
	wire, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if err := r.net.Publish(Topic(r.cfg.WorldID), wire); err != nil {
		return nil, err
	}
	r.log.Debug().Uint64("height", p.Height).Str("hash", hash).Msg("commit published")
	return msg, nil
}

// Ingest applies one gossiped message. Stale records and gate failures are
// silent no-ops; signature and allowlist failures are remembered as
// last_error without mutating anything.
func (r *Replicator) Ingest(raw []byte) error {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return r.fault(fmt.Errorf("malformed gossip message: %w", err))
	}
	if msg.Version != GossipVersion || msg.WorldID != r.cfg.WorldID {
		return nil
	}
	// Our own fan-out loops back on the shared topic.
	if msg.NodeID == r.cfg.NodeID {
		return nil
	}
	if r.cfg.Signed {
		if !msg.Verify() {
			return r.fault(fmt.Errorf("gossip from %s: bad signature", msg.NodeID))
		}
		if _, ok := r.allow[msg.PublicKeyHex]; !ok {
			return r.fault(fmt.Errorf("gossip from %s: writer key not in allowlist", msg.NodeID))
		}
		if msg.Record.WriterID != msg.PublicKeyHex {
			return r.fault(fmt.Errorf("gossip from %s: writer id does not match key", msg.NodeID))
		}
	}
	if !r.guard.Accepts(msg.Record) {
		return nil
	}
	if codec.HashHex(msg.Payload) != msg.Record.ContentHash {
		return r.fault(fmt.Errorf("gossip from %s: payload hash mismatch", msg.NodeID))
	}
	var p ReplicatedCommitPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return r.fault(fmt.Errorf("gossip from %s: malformed payload: %w", msg.NodeID, err))
	}
	if err := r.guard.Apply(msg.Record); err != nil {
		return r.fault(err)
	}
	if _, err := r.store.Put(msg.Payload); err != nil {
		return err
	}
	return r.record(p.Height, &msg)
}

// fault records a recoverable error without stopping the node.
func (r *Replicator) fault(err error) error {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
	r.log.Warn().Err(err).Msg("replication ingest fault")
	return nil
}

// record persists the per-height message and maintains the hot window,
// offloading the oldest messages to a cold CAS index past the limit.
func (r *Replicator) record(height uint64, msg *Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(r.msgPath(height), b, 0o644); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.hot[height]; !seen {
		r.hotOrder = append(r.hotOrder, height)
		sort.Slice(r.hotOrder, func(i, j int) bool { return r.hotOrder[i] < r.hotOrder[j] })
	}
	r.hot[height] = msg
	if height > r.highest {
		r.highest = height
	}
	for len(r.hotOrder) > r.cfg.MaxHotCommitMessages {
		oldest := r.hotOrder[0]
		cold, err := json.Marshal(r.hot[oldest])
		if err != nil {
			return err
		}
		hash, err := r.store.Put(cold)
		if err != nil {
			return err
		}
		r.cold[oldest] = hash
		delete(r.hot, oldest)
		r.hotOrder = r.hotOrder[1:]
		_ = os.Remove(r.msgPath(oldest))
	}
	return nil
}

// CommitMessage returns the stored message for a height, reading offloaded
// heights back out of the CAS.
func (r *Replicator) CommitMessage(height uint64) (*Message, bool) {
	r.mu.Lock()
	msg, ok := r.hot[height]
	coldHash, cold := r.cold[height]
	r.mu.Unlock()
	if ok {
		return msg, true
	}
	if !cold {
		return nil, false
	}
	b, err := r.store.Get(coldHash)
	if err != nil {
		return nil, false
	}
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, false
	}
	return &m, true
}
