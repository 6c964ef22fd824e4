package replication

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"agentworld.ai/internal/codec"
	"agentworld.ai/internal/network"
)

func testPayload(nodeID string, height uint64) ReplicatedCommitPayload {
	return ReplicatedCommitPayload{
		WorldID:       "w-rep",
		NodeID:        nodeID,
		Height:        height,
		Slot:          height,
		BlockHash:     "bh",
		ActionRoot:    "ar",
		CommittedAtMs: time.Now().UnixMilli(),
	}
}

func newTestReplicator(t *testing.T, bus network.DistributedNetwork, nodeID string, signed bool, kp *codec.Keypair, allow []string) *Replicator {
	t.Helper()
	r, err := NewReplicator(Config{
		WorldID:   "w-rep",
		NodeID:    nodeID,
		Dir:       t.TempDir(),
		Keypair:   kp,
		Signed:    signed,
		Allowlist: allow,
		Nonce:     uint64(len(nodeID)),
	}, bus, zerolog.Nop())
	if err != nil {
		t.Fatalf("new replicator: %v", err)
	}
	return r
}

func TestStorePutGet(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	blob := []byte(`{"hello":"world"}`)
	hash, err := s.Put(blob)
	if err != nil {
		t.Fatal(err)
	}
	if hash != codec.HashHex(blob) {
		t.Fatalf("hash mismatch: %s", hash)
	}
	again, err := s.Put(blob)
	if err != nil || again != hash {
		t.Fatalf("re-put: %s %v", again, err)
	}
	got, err := s.Get(hash)
	if err != nil || string(got) != string(blob) {
		t.Fatalf("get: %q %v", got, err)
	}
	if !s.Has(hash) {
		t.Fatal("Has should report stored blob")
	}
	if _, err := s.Get(codec.HashHex([]byte("missing"))); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestStoreDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	hash, err := s.Put([]byte("pristine"))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "store", hash[:2], hash)
	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Fresh store so the read misses the cache and hits disk.
	s2, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s2.Get(hash); err == nil {
		t.Fatal("corrupted blob should fail verification")
	}
}

func TestGuardAcceptance(t *testing.T) {
	g := &Guard{WriterID: "w1", WriterEpoch: 5, LastSequence: 3}
	cases := []struct {
		name string
		rec  Record
		want bool
	}{
		{"epoch zero never", Record{WriterID: "w1", WriterEpoch: 0, Sequence: 99}, false},
		{"higher epoch any writer", Record{WriterID: "w2", WriterEpoch: 6, Sequence: 1}, true},
		{"same epoch same writer next seq", Record{WriterID: "w1", WriterEpoch: 5, Sequence: 4}, true},
		{"same epoch same writer replayed seq", Record{WriterID: "w1", WriterEpoch: 5, Sequence: 3}, false},
		{"same epoch different writer", Record{WriterID: "w2", WriterEpoch: 5, Sequence: 10}, false},
		{"lower epoch", Record{WriterID: "w1", WriterEpoch: 4, Sequence: 10}, false},
	}
	for _, tc := range cases {
		if got := g.Accepts(tc.rec); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestGuardApplyPersists(t *testing.T) {
	dir := t.TempDir()
	g, err := LoadGuard(dir)
	if err != nil {
		t.Fatal(err)
	}
	rec := Record{WriterID: "w1", WriterEpoch: 7, Sequence: 2}
	if err := g.Apply(rec); err != nil {
		t.Fatal(err)
	}
	if err := g.Apply(rec); err == nil {
		t.Fatal("re-applying the same record should report stale")
	}
	reloaded, err := LoadGuard(dir)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.WriterID != "w1" || reloaded.WriterEpoch != 7 || reloaded.LastSequence != 2 {
		t.Fatalf("reloaded guard %+v", reloaded)
	}
}

func TestGuardAllocateLocal(t *testing.T) {
	g, err := LoadGuard(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	e1, s1, err := g.AllocateLocal("node-a", 42)
	if err != nil {
		t.Fatal(err)
	}
	if e1 == 0 || s1 != 1 {
		t.Fatalf("fresh allocation: epoch=%d seq=%d", e1, s1)
	}
	e2, s2, err := g.AllocateLocal("node-a", 42)
	if err != nil {
		t.Fatal(err)
	}
	if e2 != e1 || s2 != 2 {
		t.Fatalf("same writer should stay in epoch: epoch=%d seq=%d", e2, s2)
	}
	e3, s3, err := g.AllocateLocal("node-b", 42)
	if err != nil {
		t.Fatal(err)
	}
	if e3 != e1+1 || s3 != 1 {
		t.Fatalf("writer change should bump epoch: epoch=%d seq=%d", e3, s3)
	}
}

func TestGossipSignVerify(t *testing.T) {
	kp, err := codec.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	msg := Message{
		Version: GossipVersion,
		WorldID: "w-rep",
		NodeID:  "node-a",
		Record:  Record{WriterID: kp.PublicHex, WriterEpoch: 1, Sequence: 1},
		Payload: []byte(`{"height":1}`),
	}
	if msg.Verify() {
		t.Fatal("unsigned message must not verify")
	}
	if err := msg.Sign(kp); err != nil {
		t.Fatal(err)
	}
	if !msg.Verify() {
		t.Fatal("signed message should verify")
	}
	tampered := msg
	tampered.Payload = []byte(`{"height":2}`)
	if tampered.Verify() {
		t.Fatal("tampered payload must fail verification")
	}
}

func TestPublishThenIngest(t *testing.T) {
	bus := network.NewBus()
	a := newTestReplicator(t, bus, "node-a", false, nil, nil)
	b := newTestReplicator(t, bus, "node-b", false, nil, nil)

	msg, err := a.PublishCommit(testPayload("node-a", 1))
	if err != nil {
		t.Fatal(err)
	}
	wire, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Ingest(wire); err != nil {
		t.Fatal(err)
	}
	got, ok := b.CommitMessage(1)
	if !ok {
		t.Fatal("ingested commit should be retrievable")
	}
	if got.Record.ContentHash != msg.Record.ContentHash {
		t.Fatalf("content hash drifted: %s vs %s", got.Record.ContentHash, msg.Record.ContentHash)
	}
	if b.HighestHeight() != 1 {
		t.Fatalf("highest height %d", b.HighestHeight())
	}
	// Replay is a stale-record no-op.
	if err := b.Ingest(wire); err != nil {
		t.Fatal(err)
	}
	if b.LastError() != nil {
		t.Fatalf("replay should be silent: %v", b.LastError())
	}
}

func TestIngestIgnoresOwnAndForeignWorlds(t *testing.T) {
	bus := network.NewBus()
	a := newTestReplicator(t, bus, "node-a", false, nil, nil)

	msg, err := a.PublishCommit(testPayload("node-a", 1))
	if err != nil {
		t.Fatal(err)
	}
	loop, _ := json.Marshal(msg)
	if err := a.Ingest(loop); err != nil {
		t.Fatal(err)
	}

	foreign := *msg
	foreign.NodeID = "node-x"
	foreign.WorldID = "w-other"
	raw, _ := json.Marshal(foreign)
	if err := a.Ingest(raw); err != nil {
		t.Fatal(err)
	}
	if a.LastError() != nil {
		t.Fatalf("gated messages should be silent: %v", a.LastError())
	}
}

func TestSignedIngestRejectsForgery(t *testing.T) {
	bus := network.NewBus()
	kpA, _ := codec.GenerateKeypair()
	kpB, _ := codec.GenerateKeypair()
	kpEvil, _ := codec.GenerateKeypair()
	allow := []string{kpA.PublicHex, kpB.PublicHex}

	a := newTestReplicator(t, bus, "node-a", true, kpA, allow)
	b := newTestReplicator(t, bus, "node-b", true, kpB, allow)

	msg, err := a.PublishCommit(testPayload("node-a", 1))
	if err != nil {
		t.Fatal(err)
	}

	tampered := *msg
	tampered.Payload = append([]byte(nil), msg.Payload...)
	tampered.Payload[0] ^= 0xff
	raw, _ := json.Marshal(tampered)
	if err := b.Ingest(raw); err != nil {
		t.Fatal(err)
	}
	if b.LastError() == nil {
		t.Fatal("tampered message should set last error")
	}
	if _, ok := b.CommitMessage(1); ok {
		t.Fatal("tampered message must not be stored")
	}

	evil := *msg
	evil.NodeID = "node-evil"
	evil.Record.WriterID = kpEvil.PublicHex
	if err := evil.Sign(kpEvil); err != nil {
		t.Fatal(err)
	}
	raw, _ = json.Marshal(evil)
	if err := b.Ingest(raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := b.CommitMessage(1); ok {
		t.Fatal("non-allowlisted writer must not be stored")
	}

	// The genuine message still lands.
	raw, _ = json.Marshal(msg)
	if err := b.Ingest(raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := b.CommitMessage(1); !ok {
		t.Fatal("genuine message should be stored")
	}
}

func TestHotWindowOffloadsToCold(t *testing.T) {
	bus := network.NewBus()
	r, err := NewReplicator(Config{
		WorldID:              "w-rep",
		NodeID:               "node-a",
		Dir:                  t.TempDir(),
		MaxHotCommitMessages: 3,
	}, bus, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	for h := uint64(1); h <= 6; h++ {
		if _, err := r.PublishCommit(testPayload("node-a", h)); err != nil {
			t.Fatal(err)
		}
	}
	for h := uint64(1); h <= 6; h++ {
		msg, ok := r.CommitMessage(h)
		if !ok {
			t.Fatalf("height %d should remain retrievable", h)
		}
		var p ReplicatedCommitPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			t.Fatal(err)
		}
		if p.Height != h {
			t.Fatalf("height %d returned payload for %d", h, p.Height)
		}
	}
	if _, err := os.Stat(r.msgPath(1)); !os.IsNotExist(err) {
		t.Fatal("offloaded height should leave the hot directory")
	}
	if _, err := os.Stat(r.msgPath(6)); err != nil {
		t.Fatal("recent height should stay hot on disk")
	}
}

func TestFetchProtocolsAndCatchUp(t *testing.T) {
	bus := network.NewBus()
	a := newTestReplicator(t, bus, "node-a", false, nil, nil)
	if err := a.RegisterHandlers(); err != nil {
		t.Fatal(err)
	}
	for h := uint64(1); h <= 3; h++ {
		if _, err := a.PublishCommit(testPayload("node-a", h)); err != nil {
			t.Fatal(err)
		}
	}

	b := newTestReplicator(t, bus, "node-b", false, nil, nil)
	var heights []uint64
	err := b.CatchUp(context.Background(), 1, func(m *Message) error {
		var p ReplicatedCommitPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return err
		}
		heights = append(heights, p.Height)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(heights) != 3 || heights[0] != 1 || heights[2] != 3 {
		t.Fatalf("catch-up heights %v", heights)
	}
	if _, ok := b.CommitMessage(2); !ok {
		t.Fatal("catch-up should persist fetched commits")
	}

	// Blob fetch serves CAS content.
	msg, _ := a.CommitMessage(3)
	req, _ := json.Marshal(FetchBlobRequest{WorldID: "w-rep", Hash: msg.Record.ContentHash})
	raw, err := bus.Request(context.Background(), ProtocolFetchBlob, req)
	if err != nil {
		t.Fatal(err)
	}
	var resp FetchBlobResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Found || string(resp.Blob) != string(msg.Payload) {
		t.Fatalf("blob fetch: found=%v", resp.Found)
	}

	req, _ = json.Marshal(FetchBlobRequest{WorldID: "w-rep", Hash: codec.HashHex([]byte("nothing"))})
	raw, err = bus.Request(context.Background(), ProtocolFetchBlob, req)
	if err != nil {
		t.Fatal(err)
	}
	resp = FetchBlobResponse{}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Found {
		t.Fatal("unknown blob should report not found")
	}
}

func TestSignedFetchRejectsUnsignedRequest(t *testing.T) {
	bus := network.NewBus()
	kp, _ := codec.GenerateKeypair()
	a := newTestReplicator(t, bus, "node-a", true, kp, []string{kp.PublicHex})
	if err := a.RegisterHandlers(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.PublishCommit(testPayload("node-a", 1)); err != nil {
		t.Fatal(err)
	}

	req, _ := json.Marshal(FetchCommitRequest{WorldID: "w-rep", Height: 1})
	_, err := bus.Request(context.Background(), ProtocolFetchCommit, req)
	var rf *network.RequestFailedError
	if !errors.As(err, &rf) {
		t.Fatalf("unsigned request should fail, got %v", err)
	}

	signed := FetchCommitRequest{WorldID: "w-rep", Height: 1}
	if err := signed.Sign(kp); err != nil {
		t.Fatal(err)
	}
	req, _ = json.Marshal(signed)
	raw, err := bus.Request(context.Background(), ProtocolFetchCommit, req)
	if err != nil {
		t.Fatal(err)
	}
	var resp FetchCommitResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Found {
		t.Fatal("signed allowlisted request should find the commit")
	}
}
