package world

import (
	"testing"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	return NewKernel("w-test", DefaultGameplayPolicy())
}

// mustStep submits the action, applies it, and asserts the committed event
// kind.
func mustStep(t *testing.T, k *Kernel, submitter string, act Action, wantKind string) *Event {
	t.Helper()
	if _, err := k.SubmitAction(act, submitter); err != nil {
		t.Fatalf("submit %s: %v", act.Type, err)
	}
	ev, err := k.Step()
	if err != nil {
		t.Fatalf("step %s: %v", act.Type, err)
	}
	if ev == nil {
		t.Fatalf("step %s: no event", act.Type)
	}
	if ev.Kind != wantKind {
		t.Fatalf("step %s: got event %s, want %s (data=%+v)", act.Type, ev.Kind, wantKind, ev.Data)
	}
	return ev
}

func seedTwoLocations(t *testing.T, k *Kernel) {
	t.Helper()
	mustStep(t, k, "op", NewAction(ActRegisterLocation, &RegisterLocationData{
		LocationID: "loc-a", Name: "Alpha", Pos: GeoPos{XCm: 0, YCm: 0},
	}), EvLocationRegistered)
	mustStep(t, k, "op", NewAction(ActRegisterLocation, &RegisterLocationData{
		LocationID: "loc-b", Name: "Beta", Pos: GeoPos{XCm: 250_000, YCm: 0},
	}), EvLocationRegistered)
}

func registerAgent(t *testing.T, k *Kernel, id, loc string) {
	t.Helper()
	mustStep(t, k, id, NewAction(ActRegisterAgent, &RegisterAgentData{
		AgentID: id, LocationID: loc,
	}), EvAgentRegistered)
}

func giveElectricity(t *testing.T, k *Kernel, agent string, amount int64) {
	t.Helper()
	if err := k.creditBalance(AgentOwner(agent), ResourceElectricity, amount); err != nil {
		t.Fatal(err)
	}
}

func TestMoveChargesCeilKilometers(t *testing.T) {
	k := newTestKernel(t)
	seedTwoLocations(t, k)
	registerAgent(t, k, "a1", "loc-a")
	giveElectricity(t, k, "a1", 100)

	// 250_000 cm = 2.5 km, billed as 3 km at 10 per km.
	ev := mustStep(t, k, "a1", NewAction(ActMoveAgent, &MoveAgentData{
		AgentID: "a1", ToLocationID: "loc-b",
	}), EvAgentMoved)
	moved := ev.Data.(*AgentMovedEvent)
	if moved.ElectricityCost != 30 {
		t.Fatalf("cost = %d, want 30", moved.ElectricityCost)
	}
	if moved.DistanceCm != 250_000 {
		t.Fatalf("distance = %d", moved.DistanceCm)
	}
	if got := k.BalanceOf(AgentOwner("a1"), ResourceElectricity); got != 70 {
		t.Fatalf("balance = %d, want 70", got)
	}
	if k.Agent("a1").LocationID != "loc-b" {
		t.Fatal("agent did not move")
	}
}

func TestMoveRejectsWithoutCharging(t *testing.T) {
	k := newTestKernel(t)
	seedTwoLocations(t, k)
	registerAgent(t, k, "a1", "loc-a")
	giveElectricity(t, k, "a1", 5)

	before := k.JournalLen()
	ev := mustStep(t, k, "a1", NewAction(ActMoveAgent, &MoveAgentData{
		AgentID: "a1", ToLocationID: "loc-b",
	}), EvActionRejected)
	rej := ev.Data.(*ActionRejectedEvent)
	if rej.Reason.Code != RejectInsufficientResource {
		t.Fatalf("reject code = %s", rej.Reason.Code)
	}
	if k.BalanceOf(AgentOwner("a1"), ResourceElectricity) != 5 {
		t.Fatal("rejected move mutated the balance")
	}
	if k.Agent("a1").LocationID != "loc-a" {
		t.Fatal("rejected move relocated the agent")
	}
	if k.JournalLen() != before+1 {
		t.Fatal("rejection did not commit exactly one event")
	}
}

func TestEveryActionCommitsExactlyOneEvent(t *testing.T) {
	k := newTestKernel(t)
	seedTwoLocations(t, k)
	registerAgent(t, k, "a1", "loc-a")

	// Unknown agent, bad amounts, unknown ids: all must land in the journal.
	rejects := []Action{
		NewAction(ActMoveAgent, &MoveAgentData{AgentID: "ghost", ToLocationID: "loc-b"}),
		NewAction(ActTransferResource, &TransferResourceData{
			From: AgentOwner("a1"), To: SystemOwner(), Kind: ResourceElectricity, Amount: -1,
		}),
		NewAction(ActHarvestRadiation, &HarvestRadiationData{AgentID: "a1", Amount: 0}),
		NewAction(ActAcceptContract, &AcceptContractData{ContractID: "nope", Acceptor: "a1"}),
	}
	before := k.JournalLen()
	for _, act := range rejects {
		mustStep(t, k, "a1", act, EvActionRejected)
	}
	if k.JournalLen() != before+uint64(len(rejects)) {
		t.Fatalf("journal grew by %d, want %d", k.JournalLen()-before, len(rejects))
	}
	if k.JournalLen() != k.counters.NextEventID {
		t.Fatal("journal length diverged from next event id")
	}
}

func TestUnknownActionTypeFailsSubmit(t *testing.T) {
	k := newTestKernel(t)
	if _, err := k.SubmitAction(Action{Type: "paint_sky", Data: &MoveAgentData{}}, "a1"); err == nil {
		t.Fatal("unknown action type accepted")
	}
}

func TestHarvestDrawsDownLocationBudget(t *testing.T) {
	k := newTestKernel(t)
	seedTwoLocations(t, k)
	registerAgent(t, k, "a1", "loc-a")

	ev := mustStep(t, k, "a1", NewAction(ActHarvestRadiation, &HarvestRadiationData{
		AgentID: "a1", Amount: 400,
	}), EvRadiationHarvested)
	h := ev.Data.(*RadiationHarvestedEvent)
	if h.Available != k.policy.InitialRadiation-400 {
		t.Fatalf("available = %d", h.Available)
	}
	if got := k.BalanceOf(AgentOwner("a1"), ResourceElectricity); got != 400 {
		t.Fatalf("agent electricity = %d", got)
	}

	// Overdraw rejects.
	mustStep(t, k, "a1", NewAction(ActHarvestRadiation, &HarvestRadiationData{
		AgentID: "a1", Amount: k.policy.InitialRadiation,
	}), EvActionRejected)
}

func TestMineRefinePipeline(t *testing.T) {
	k := newTestKernel(t)
	seedTwoLocations(t, k)
	registerAgent(t, k, "a1", "loc-a")
	giveElectricity(t, k, "a1", 1_000)

	mustStep(t, k, "a1", NewAction(ActMineCompound, &MineCompoundData{
		AgentID: "a1", MassG: 2_500,
	}), EvCompoundMined)
	if k.Agent("a1").CompoundG != 2_500 {
		t.Fatalf("compound = %d", k.Agent("a1").CompoundG)
	}

	ev := mustStep(t, k, "a1", NewAction(ActRefineCompound, &RefineCompoundData{
		AgentID: "a1", MassG: 2_000,
	}), EvCompoundRefined)
	ref := ev.Data.(*CompoundRefinedEvent)
	if ref.HardwareOutput != 2 {
		t.Fatalf("hardware output = %d", ref.HardwareOutput)
	}
	if got := k.BalanceOf(AgentOwner("a1"), ResourceHardware); got != 2 {
		t.Fatalf("hardware = %d", got)
	}
	if k.Agent("a1").CompoundG != 500 {
		t.Fatalf("compound remainder = %d", k.Agent("a1").CompoundG)
	}
}

func TestObservationIsSortedAndBounded(t *testing.T) {
	k := newTestKernel(t)
	mustStep(t, k, "op", NewAction(ActRegisterLocation, &RegisterLocationData{
		LocationID: "near", Name: "Near", Pos: GeoPos{XCm: 100},
	}), EvLocationRegistered)
	mustStep(t, k, "op", NewAction(ActRegisterLocation, &RegisterLocationData{
		LocationID: "far", Name: "Far", Pos: GeoPos{XCm: k.policy.VisibilityRangeCm * 2},
	}), EvLocationRegistered)
	registerAgent(t, k, "a1", "near")
	registerAgent(t, k, "a2", "near")

	ev := mustStep(t, k, "a1", NewAction(ActQueryObservation, &QueryObservationData{AgentID: "a1"}), EvObserved)
	obs := ev.Data.(*ObservedEvent).Observation
	if len(obs.VisibleAgents) != 1 || obs.VisibleAgents[0].AgentID != "a2" {
		t.Fatalf("visible agents: %+v", obs.VisibleAgents)
	}
	if len(obs.VisibleLocations) != 1 || obs.VisibleLocations[0].LocationID != "near" {
		t.Fatalf("visible locations: %+v", obs.VisibleLocations)
	}
}

// Two kernels fed the same action sequence must end at the same state root.
func TestDualKernelDeterminism(t *testing.T) {
	build := func() *Kernel {
		k := NewKernel("w-det", DefaultGameplayPolicy())
		seq := []struct {
			submitter string
			act       Action
		}{
			{"op", NewAction(ActRegisterLocation, &RegisterLocationData{LocationID: "l1", Name: "One"})},
			{"op", NewAction(ActRegisterLocation, &RegisterLocationData{LocationID: "l2", Name: "Two", Pos: GeoPos{XCm: 300_000}})},
			{"a1", NewAction(ActRegisterAgent, &RegisterAgentData{AgentID: "a1", LocationID: "l1"})},
			{"a2", NewAction(ActRegisterAgent, &RegisterAgentData{AgentID: "a2", LocationID: "l2"})},
			{"a1", NewAction(ActHarvestRadiation, &HarvestRadiationData{AgentID: "a1", Amount: 500})},
			{"a1", NewAction(ActMoveAgent, &MoveAgentData{AgentID: "a1", ToLocationID: "l2"})},
			{"a1", NewAction(ActTransferResource, &TransferResourceData{
				From: AgentOwner("a1"), To: AgentOwner("a2"), Kind: ResourceElectricity, Amount: 50,
			})},
			{"a2", NewAction(ActMoveAgent, &MoveAgentData{AgentID: "a2", ToLocationID: "l1"})},
			{"a1", NewAction(ActQueryObservation, &QueryObservationData{AgentID: "a1"})},
		}
		for _, s := range seq {
			if _, err := k.SubmitAction(s.act, s.submitter); err != nil {
				t.Fatal(err)
			}
		}
		for {
			ev, err := k.Step()
			if err != nil {
				t.Fatal(err)
			}
			if ev == nil {
				break
			}
		}
		return k
	}

	k1, k2 := build(), build()
	r1, err := k1.StateRootHex()
	if err != nil {
		t.Fatal(err)
	}
	r2, err := k2.StateRootHex()
	if err != nil {
		t.Fatal(err)
	}
	if r1 != r2 {
		t.Fatalf("state roots diverged: %s vs %s", r1, r2)
	}
	if k1.JournalLen() != k2.JournalLen() {
		t.Fatal("journals diverged")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	seedTwoLocations(t, k)
	registerAgent(t, k, "a1", "loc-a")
	giveElectricity(t, k, "a1", 777)
	mustStep(t, k, "a1", NewAction(ActHarvestRadiation, &HarvestRadiationData{AgentID: "a1", Amount: 10}), EvRadiationHarvested)
	// Leave one action pending to prove the queue survives.
	if _, err := k.SubmitAction(NewAction(ActQueryObservation, &QueryObservationData{AgentID: "a1"}), "a1"); err != nil {
		t.Fatal(err)
	}

	rootBefore, err := k.StateRootHex()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := FromSnapshot(k.Snapshot(), k.Journal())
	if err != nil {
		t.Fatal(err)
	}
	rootAfter, err := restored.StateRootHex()
	if err != nil {
		t.Fatal(err)
	}
	if rootBefore != rootAfter {
		t.Fatalf("state root changed over round trip: %s vs %s", rootBefore, rootAfter)
	}
	if restored.PendingLen() != 1 {
		t.Fatalf("pending queue lost: %d", restored.PendingLen())
	}

	// The restored kernel must keep behaving identically.
	ev1, err := k.Step()
	if err != nil {
		t.Fatal(err)
	}
	ev2, err := restored.Step()
	if err != nil {
		t.Fatal(err)
	}
	if ev1.Kind != ev2.Kind || ev1.ID != ev2.ID {
		t.Fatalf("divergence after restore: %s/%d vs %s/%d", ev1.Kind, ev1.ID, ev2.Kind, ev2.ID)
	}
}

func TestActionCodecRoundTrip(t *testing.T) {
	act := NewAction(ActOpenContract, &OpenContractData{
		ContractID: "c1", Proposer: "a1", Counterparty: "a2",
		Kind: ResourceData, Amount: 9, TTL: 20,
	})
	b, err := act.CanonicalBytes()
	if err != nil {
		t.Fatal(err)
	}
	var back Action
	if err := back.UnmarshalCBOR(b); err != nil {
		t.Fatal(err)
	}
	d := back.Data.(*OpenContractData)
	if d.ContractID != "c1" || d.Kind != ResourceData || d.Amount != 9 {
		t.Fatalf("round trip mismatch: %+v", d)
	}
	h1, err := act.PayloadHashHex()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := back.PayloadHashHex()
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("payload hash not stable across round trip")
	}
}

func TestRedeemPowerNonceMonotonic(t *testing.T) {
	k := newTestKernel(t)
	seedTwoLocations(t, k)
	registerAgent(t, k, "a1", "loc-a")
	mustStep(t, k, SystemSubmitter, NewAction(ActMintCredits, &MintCreditsData{AgentID: "a1", Credits: 10}), EvCreditsMinted)
	if err := k.creditBalance(PoolOwner(PowerReservePool), ResourceElectricity, 1_000); err != nil {
		t.Fatal(err)
	}

	ev := mustStep(t, k, "a1", NewAction(ActRedeemPower, &RedeemPowerData{
		AgentID: "a1", Credits: 4, Nonce: 1,
	}), EvPowerRedeemed)
	red := ev.Data.(*PowerRedeemedEvent)
	if red.Electricity != 4*k.policy.PowerPerCredit {
		t.Fatalf("electricity = %d", red.Electricity)
	}

	// Replay with the same nonce rejects.
	mustStep(t, k, "a1", NewAction(ActRedeemPower, &RedeemPowerData{
		AgentID: "a1", Credits: 1, Nonce: 1,
	}), EvActionRejected)

	// Higher nonce works again.
	mustStep(t, k, "a1", NewAction(ActRedeemPower, &RedeemPowerData{
		AgentID: "a1", Credits: 1, Nonce: 5,
	}), EvPowerRedeemed)
	if k.Agent("a1").RedeemNonce != 5 {
		t.Fatalf("nonce = %d", k.Agent("a1").RedeemNonce)
	}
}

func TestMintRequiresSystemSubmitter(t *testing.T) {
	k := newTestKernel(t)
	seedTwoLocations(t, k)
	registerAgent(t, k, "a1", "loc-a")
	mustStep(t, k, "a1", NewAction(ActMintCredits, &MintCreditsData{AgentID: "a1", Credits: 10}), EvActionRejected)
	if k.Agent("a1").Credits != 0 {
		t.Fatal("non-system mint credited")
	}
}
