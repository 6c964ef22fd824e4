package auditdb

import (
	"path/filepath"
	"testing"

	"agentworld.ai/internal/world"
)

func openTestDB(t *testing.T) *SQLiteAudit {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAuditRowsRoundTrip(t *testing.T) {
	s := openTestDB(t)

	entries := []world.AuditEntry{
		{WorldID: "w-a", EventID: 1, Time: 1, Kind: world.EvProposalSubmitted, Actor: "gov1",
			Detail: &world.ProposalSubmittedEvent{ProposalID: "p1", Proposer: "gov1"}},
		{WorldID: "w-a", EventID: 2, Time: 2, Kind: world.EvProposalApproved, Actor: "gov2",
			Detail: &world.ProposalApprovedEvent{ProposalID: "p1", Approver: "gov2", Approvals: 1}},
		{WorldID: "w-a", EventID: 3, Time: 3, Kind: world.EvModuleCallFailed, Actor: "echo",
			Detail: &world.ModuleCallFailedEvent{ModuleID: "echo", Version: "1.0.0", Code: "trap"}},
	}
	for _, e := range entries {
		if err := s.WriteAudit(e); err != nil {
			t.Fatal(err)
		}
	}
	s.Sync()

	n, err := s.AuditCount(world.EvModuleCallFailed)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("module failure count %d", n)
	}
	kinds, err := s.AuditsByActor("gov1")
	if err != nil {
		t.Fatal(err)
	}
	if len(kinds) != 1 || kinds[0] != world.EvProposalSubmitted {
		t.Fatalf("gov1 kinds %v", kinds)
	}
}

func TestWriteAuditIsIdempotentPerEvent(t *testing.T) {
	s := openTestDB(t)
	e := world.AuditEntry{WorldID: "w-a", EventID: 9, Time: 9, Kind: world.EvActionRejected, Actor: "a1"}
	for i := 0; i < 3; i++ {
		if err := s.WriteAudit(e); err != nil {
			t.Fatal(err)
		}
	}
	s.Sync()
	n, err := s.AuditCount(world.EvActionRejected)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("duplicate event ids should collapse, got %d rows", n)
	}
}

func TestCommitRows(t *testing.T) {
	s := openTestDB(t)

	s.RecordCommit(CommitRow{Height: 1, Slot: 4, Epoch: 0, Proposer: "v1",
		BlockHash: "b1", ActionRoot: "r1", StateRoot: "s1", ExecBlockHash: "e1", Actions: 2})
	s.RecordCommit(CommitRow{Height: 2, Slot: 5, Epoch: 0, Proposer: "v2",
		BlockHash: "b2", ActionRoot: "r2", StateRoot: "s2", ExecBlockHash: "e2", Actions: 0})
	s.Sync()

	row, ok, err := s.Commit(2)
	if err != nil || !ok {
		t.Fatalf("commit 2: ok=%v err=%v", ok, err)
	}
	if row.Proposer != "v2" || row.BlockHash != "b2" || row.Slot != 5 {
		t.Fatalf("row %+v", row)
	}
	if _, ok, _ := s.Commit(7); ok {
		t.Fatal("unknown height should not be found")
	}
	h, err := s.LatestCommitHeight()
	if err != nil || h != 2 {
		t.Fatalf("latest height %d err=%v", h, err)
	}
}

func TestWritesAfterCloseAreNoOps(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteAudit(world.AuditEntry{WorldID: "w", EventID: 1}); err != nil {
		t.Fatal(err)
	}
	s.RecordCommit(CommitRow{Height: 1})
	s.Sync()
}
