package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"agentworld.ai/internal/consensus"
	"agentworld.ai/internal/modules"
	"agentworld.ai/internal/network"
	"agentworld.ai/internal/world"
)

// collectAlerts is a thread-safe AlertSink for assertions.
type collectAlerts struct {
	mu    sync.Mutex
	kinds []string
}

func (c *collectAlerts) Alert(kind, detail string) {
	c.mu.Lock()
	c.kinds = append(c.kinds, kind)
	c.mu.Unlock()
}

func (c *collectAlerts) has(kind string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

type cluster struct {
	bus    *network.Bus
	nodes  []*Node
	byID   map[string]*Node
	vs     *consensus.ValidatorSet
	alerts map[string]*collectAlerts
}

// newTestCluster builds three sequencers (stakes 60/30/10) and one observer
// sharing a bus, all on the stub sandbox.
func newTestCluster(t *testing.T) *cluster {
	t.Helper()
	bus := network.NewBus()
	log := zerolog.Nop()
	validators := []consensus.Validator{
		{ID: "v1", Stake: 60}, {ID: "v2", Stake: 30}, {ID: "v3", Stake: 10},
	}
	vs, err := consensus.NewValidatorSet(validators, consensus.DefaultSupermajority())
	if err != nil {
		t.Fatal(err)
	}
	c := &cluster{
		bus:    bus,
		byID:   map[string]*Node{},
		vs:     vs,
		alerts: map[string]*collectAlerts{},
	}
	build := func(id string, role Role) {
		cfg := Defaults()
		cfg.NodeID = id
		cfg.Role = role
		cfg.DataDir = t.TempDir()
		cfg.EpochArchiveHeights = 1000 // keep archiving out of short rounds
		cfg.World.Validators = validators
		sink := &collectAlerts{}
		n, err := New(cfg, bus, log,
			WithSandbox(&modules.StubSandbox{}),
			WithAlertSink(sink))
		if err != nil {
			t.Fatalf("node %s: %v", id, err)
		}
		t.Cleanup(func() { _ = n.Close() })
		c.nodes = append(c.nodes, n)
		c.byID[id] = n
		c.alerts[id] = sink
	}
	build("v1", RoleSequencer)
	build("v2", RoleSequencer)
	build("v3", RoleSequencer)
	build("obs", RoleObserver)
	return c
}

func (c *cluster) leaderFor(slot uint64) *Node {
	return c.byID[c.vs.Leader(slot)]
}

// startSlot opens the slot on followers first so the leader's broadcast
// lands on engines that already expect it.
func (c *cluster) startSlot(t *testing.T, slot uint64) {
	t.Helper()
	leader := c.leaderFor(slot)
	for _, n := range c.nodes {
		if n != leader {
			if err := n.StartSlot(slot); err != nil {
				t.Fatalf("start slot on %s: %v", n.cfg.NodeID, err)
			}
		}
	}
	if err := leader.StartSlot(slot); err != nil {
		t.Fatalf("start slot on leader: %v", err)
	}
}

func (c *cluster) pumpAll(t *testing.T) {
	t.Helper()
	for i := 0; i < 64; i++ {
		handled := 0
		for _, n := range c.nodes {
			handled += n.Pump()
		}
		if handled == 0 {
			return
		}
	}
	t.Fatal("cluster never went quiescent")
}

func (c *cluster) runRound(t *testing.T, slot uint64) {
	t.Helper()
	c.startSlot(t, slot)
	c.pumpAll(t)
}

func TestClusterCommitsAndConverges(t *testing.T) {
	c := newTestCluster(t)
	leader := c.leaderFor(1)
	if _, err := leader.SubmitAction(world.NewAction(world.ActRegisterLocation, &world.RegisterLocationData{
		LocationID: "loc-a", Name: "Alpha",
	}), "op"); err != nil {
		t.Fatal(err)
	}
	if _, err := leader.SubmitAction(world.NewAction(world.ActRegisterAgent, &world.RegisterAgentData{
		AgentID: "a1", LocationID: "loc-a",
	}), "a1"); err != nil {
		t.Fatal(err)
	}

	c.runRound(t, 1)

	roots := map[string]bool{}
	for _, n := range c.nodes {
		if got := n.Engine().CommittedHeight(); got != 1 {
			t.Fatalf("node %s at height %d", n.cfg.NodeID, got)
		}
		root, err := n.Kernel().StateRootHex()
		if err != nil {
			t.Fatal(err)
		}
		roots[root] = true
		if n.Kernel().Agent("a1") == nil {
			t.Fatalf("node %s missed the agent registration", n.cfg.NodeID)
		}
	}
	if len(roots) != 1 {
		t.Fatalf("nodes diverged: %d distinct state roots", len(roots))
	}
	if leader.Kernel().PendingLen() != 0 {
		t.Fatal("leader pending queue not drained")
	}

	st := c.byID["obs"].Status()
	if st.Height != 1 || st.Role != RoleObserver || st.StateRoot == "" {
		t.Fatalf("observer status = %+v", st)
	}
}

func TestCommitPersistsAndReplicates(t *testing.T) {
	c := newTestCluster(t)
	leader := c.leaderFor(1)
	if _, err := leader.SubmitAction(world.NewAction(world.ActRegisterLocation, &world.RegisterLocationData{
		LocationID: "loc-a", Name: "Alpha",
	}), "op"); err != nil {
		t.Fatal(err)
	}
	c.runRound(t, 1)

	for _, id := range []string{"v1", "v2", "v3"} {
		n := c.byID[id]
		n.AuditDB().Sync()
		row, ok, err := n.AuditDB().Commit(1)
		if err != nil || !ok {
			t.Fatalf("%s commit row: ok=%v err=%v", id, ok, err)
		}
		if row.Actions != 1 || row.StateRoot == "" {
			t.Fatalf("%s commit row = %+v", id, row)
		}
		if _, ok := n.Replicator().CommitMessage(1); !ok {
			t.Fatalf("%s has no replicated commit at height 1", id)
		}
	}
	// Observers execute but never publish commit messages of their own;
	// they may still hold what sequencers gossiped.
	obs := c.byID["obs"]
	obs.AuditDB().Sync()
	if _, ok, err := obs.AuditDB().Commit(1); err != nil || !ok {
		t.Fatalf("observer commit row missing: ok=%v err=%v", ok, err)
	}
}

func TestRejectedActionIsAudited(t *testing.T) {
	c := newTestCluster(t)
	leader := c.leaderFor(1)
	if _, err := leader.SubmitAction(world.NewAction(world.ActRegisterLocation, &world.RegisterLocationData{
		LocationID: "loc-a", Name: "Alpha",
	}), "op"); err != nil {
		t.Fatal(err)
	}
	if _, err := leader.SubmitAction(world.NewAction(world.ActRegisterAgent, &world.RegisterAgentData{
		AgentID: "ghost", LocationID: "loc-missing",
	}), "ghost"); err != nil {
		t.Fatal(err)
	}
	c.runRound(t, 1)

	leader.AuditDB().Sync()
	count, err := leader.AuditDB().AuditCount(world.EvActionRejected)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("rejection audit count = %d", count)
	}
}

func TestSecondRoundChains(t *testing.T) {
	c := newTestCluster(t)
	l1 := c.leaderFor(1)
	if _, err := l1.SubmitAction(world.NewAction(world.ActRegisterLocation, &world.RegisterLocationData{
		LocationID: "loc-a", Name: "Alpha",
	}), "op"); err != nil {
		t.Fatal(err)
	}
	c.runRound(t, 1)

	l2 := c.leaderFor(2)
	if _, err := l2.SubmitAction(world.NewAction(world.ActRegisterAgent, &world.RegisterAgentData{
		AgentID: "a1", LocationID: "loc-a",
	}), "a1"); err != nil {
		t.Fatal(err)
	}
	c.runRound(t, 2)

	for _, n := range c.nodes {
		if got := n.Engine().CommittedHeight(); got != 2 {
			t.Fatalf("node %s at height %d", n.cfg.NodeID, got)
		}
	}
	msg1, ok1 := c.byID["v1"].Replicator().CommitMessage(1)
	msg2, ok2 := c.byID["v1"].Replicator().CommitMessage(2)
	if !ok1 || !ok2 {
		t.Fatal("replicated history incomplete")
	}
	if msg1.Record.ContentHash == msg2.Record.ContentHash {
		t.Fatal("distinct commits share a content hash")
	}
}

func TestTickProgressesWithAbsentValidator(t *testing.T) {
	c := newTestCluster(t)
	// v3 (stake 10) never ticks. v1+v2 (90) still clear quorum, and slots
	// where v3 would lead simply pass by on the next tick.
	live := make([]*Node, 0, len(c.nodes)-1)
	for _, n := range c.nodes {
		if n.cfg.NodeID != "v3" {
			live = append(live, n)
		}
	}
	if _, err := c.byID["v1"].SubmitAction(world.NewAction(world.ActRegisterLocation, &world.RegisterLocationData{
		LocationID: "loc-b", Name: "Beta",
	}), "op"); err != nil {
		t.Fatal(err)
	}

	for tick := 0; tick < 60; tick++ {
		done := true
		for _, n := range live {
			if err := n.Tick(); err != nil {
				t.Fatalf("tick on %s: %v", n.cfg.NodeID, err)
			}
			if n.Engine().CommittedHeight() < 2 {
				done = false
			}
		}
		if done {
			break
		}
	}
	for _, n := range live {
		if n.Engine().CommittedHeight() < 2 {
			t.Fatalf("node %s stuck at height %d", n.cfg.NodeID, n.Engine().CommittedHeight())
		}
	}
	if c.byID["v1"].Kernel().Location("loc-b") == nil {
		t.Fatal("submitted action never landed")
	}
}

func TestMembershipViewAndRevocation(t *testing.T) {
	c := newTestCluster(t)
	c.pumpAll(t)

	members := c.byID["v1"].Members()
	if len(members) != 4 {
		t.Fatalf("v1 sees %d members", len(members))
	}
	for _, m := range members {
		if m.PublicKeyHex == "" {
			t.Fatalf("member %s announced without a key", m.NodeID)
		}
	}

	rev, err := json.Marshal(MemberRevocation{
		WorldID: "w-main", NodeID: "v3", Reason: "operator pulled", TsMs: time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.bus.Publish(RevocationTopic("w-main"), rev); err != nil {
		t.Fatal(err)
	}
	c.pumpAll(t)

	for id, n := range c.byID {
		for _, m := range n.Members() {
			if m.NodeID == "v3" {
				t.Fatalf("%s still lists the revoked node", id)
			}
		}
		if !c.alerts[id].has("member_revoked") {
			t.Fatalf("%s raised no revocation alert", id)
		}
	}

	// A re-announcement from a revoked node is ignored.
	ann, _ := json.Marshal(MemberAnnouncement{
		WorldID: "w-main", NodeID: "v3", Role: RoleSequencer, TsMs: time.Now().UnixMilli(),
	})
	if err := c.bus.Publish(MembershipTopic("w-main"), ann); err != nil {
		t.Fatal(err)
	}
	c.pumpAll(t)
	for _, m := range c.byID["v1"].Members() {
		if m.NodeID == "v3" {
			t.Fatal("revoked node re-entered the view")
		}
	}
}

func TestForgedProposalIsRefused(t *testing.T) {
	c := newTestCluster(t)

	// A proposal from a node that is not the slot leader must be rejected
	// and surfaced as a fault, not silently dropped.
	forged, err := json.Marshal(consensusMessage{
		Type:   "proposal",
		NodeID: "intruder",
		Proposal: &consensus.Proposal{
			Block: consensus.Block{
				Version:  consensus.BlockVersion,
				WorldID:  "w-main",
				Height:   1,
				Proposer: "intruder",
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.bus.Publish(ConsensusTopic("w-main"), forged); err != nil {
		t.Fatal(err)
	}
	c.pumpAll(t)

	n := c.byID["v1"]
	if n.LastError() == nil {
		t.Fatal("forged proposal left no trace")
	}
	if !errors.Is(n.LastError(), &NodeError{Kind: KindConsensus}) {
		t.Fatalf("unexpected fault: %v", n.LastError())
	}
	if n.Engine().CommittedHeight() != 0 {
		t.Fatal("forged proposal advanced the chain")
	}
}

func TestStatusCarriesLastError(t *testing.T) {
	c := newTestCluster(t)
	n := c.byID["v1"]
	n.setLastError(E(KindReplication, "ingest", fmt.Errorf("boom")))
	st := n.Status()
	if st.LastError == "" {
		t.Fatal("status dropped the fault")
	}
	if !errors.Is(n.LastError(), &NodeError{Kind: KindReplication}) {
		t.Fatalf("kind lost: %v", n.LastError())
	}
}
