package modules

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"agentworld.ai/internal/codec"
	"agentworld.ai/internal/world"
)

type harness struct {
	k    *world.Kernel
	reg  *Registry
	stub *StubSandbox
	pipe *Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	k := world.NewKernel("w-mod", world.DefaultGameplayPolicy())
	reg := NewRegistry(k)
	stub := &StubSandbox{}
	pipe := NewPipeline(reg, stub, 2, zerolog.Nop())
	t.Cleanup(pipe.Stop)
	h := &harness{k: k, reg: reg, stub: stub, pipe: pipe}

	h.step(t, "op", world.NewAction(world.ActRegisterLocation, &world.RegisterLocationData{
		LocationID: "loc-a", Name: "Alpha",
	}), world.EvLocationRegistered)
	for _, id := range []string{"pub", "gov1", "gov2"} {
		h.step(t, id, world.NewAction(world.ActRegisterAgent, &world.RegisterAgentData{
			AgentID: id, LocationID: "loc-a",
		}), world.EvAgentRegistered)
	}
	return h
}

// step submits and applies one action through the module pipeline, asserting
// the committed event kind.
func (h *harness) step(t *testing.T, submitter string, act world.Action, wantKind string) *world.Event {
	t.Helper()
	if _, err := h.k.SubmitAction(act, submitter); err != nil {
		t.Fatalf("submit %s: %v", act.Type, err)
	}
	ev, err := h.k.StepWithModules(h.pipe)
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

func testHash(b string) string { return strings.Repeat(b, 32) }

func (h *harness) registerArtifact(t *testing.T, hash string) {
	t.Helper()
	h.step(t, "pub", world.NewAction(world.ActRegisterArtifact, &world.RegisterArtifactData{
		WasmHash: hash, Publisher: "pub",
	}), world.EvArtifactRegistered)
}

// installModule walks a register+activate change-set through the full
// governance lifecycle: propose, shadow, two approvals, apply.
func (h *harness) installModule(t *testing.T, proposalID string, doc map[string]any) {
	t.Helper()
	moduleKey := doc["module_id"].(string) + "@" + doc["version"].(string)
	h.govern(t, proposalID, []any{
		map[string]any{"op": OpRegister, "manifest": doc},
		map[string]any{"op": OpActivate, "module_key": moduleKey},
	})
}

func (h *harness) govern(t *testing.T, proposalID string, changes []any) {
	t.Helper()
	h.step(t, "pub", world.NewAction(world.ActProposeManifest, &world.ProposeManifestData{
		ProposalID: proposalID, Proposer: "pub",
		Content: map[string]any{"module_changes": changes},
	}), world.EvProposalSubmitted)
	h.step(t, "gov1", world.NewAction(world.ActShadowProposal, &world.ShadowProposalData{
		ProposalID: proposalID, Actor: "gov1",
	}), world.EvProposalShadowed)
	h.step(t, "gov1", world.NewAction(world.ActApproveProposal, &world.ApproveProposalData{
		ProposalID: proposalID, Approver: "gov1",
	}), world.EvProposalApproved)
	ev := h.step(t, "gov2", world.NewAction(world.ActApproveProposal, &world.ApproveProposalData{
		ProposalID: proposalID, Approver: "gov2",
	}), world.EvProposalApproved)
	if !ev.Data.(*world.ProposalApprovedEvent).Final {
		t.Fatal("second approval was not final")
	}
	h.step(t, "gov1", world.NewAction(world.ActApplyProposal, &world.ApplyProposalData{
		ProposalID: proposalID, Actor: "gov1",
	}), world.EvProposalApplied)
}

// mustEncodeOutput panics on failure so it is safe inside sandbox handlers,
// which run off the test goroutine.
func mustEncodeOutput(out InvocationOutput) []byte {
	b, err := codec.MarshalCanonical(out)
	if err != nil {
		panic(err)
	}
	return b
}

// lastEventOfKind scans the journal backwards.
func lastEventOfKind(t *testing.T, k *world.Kernel, kind string) *world.Event {
	t.Helper()
	j := k.Journal()
	for i := len(j) - 1; i >= 0; i-- {
		if j[i].Kind == kind {
			return &j[i]
		}
	}
	t.Fatalf("no %s event in journal", kind)
	return nil
}

func TestGovernanceInstallsModule(t *testing.T) {
	h := newHarness(t)
	hash := testHash("aa")
	h.registerArtifact(t, hash)
	h.installModule(t, "p-1", baseManifestDoc(hash))

	rec := h.reg.Record("echo@1.0.0")
	if rec == nil || !rec.Active {
		t.Fatal("module not active after applied proposal")
	}
	if !h.k.Artifact(hash).Active {
		t.Fatal("artifact not flagged active")
	}
	// Defaults were normalized during shadow compilation.
	if rec.Manifest.Limits.MaxOutputBytes != DefaultLimits().MaxOutputBytes {
		t.Fatal("limits not normalized")
	}
}

func TestShadowRejectsUnregisteredArtifact(t *testing.T) {
	h := newHarness(t)
	doc := baseManifestDoc(testHash("bb")) // never registered

	h.step(t, "pub", world.NewAction(world.ActProposeManifest, &world.ProposeManifestData{
		ProposalID: "p-bad", Proposer: "pub",
		Content: map[string]any{"module_changes": []any{
			map[string]any{"op": OpRegister, "manifest": doc},
		}},
	}), world.EvProposalSubmitted)
	ev := h.step(t, "gov1", world.NewAction(world.ActShadowProposal, &world.ShadowProposalData{
		ProposalID: "p-bad", Actor: "gov1",
	}), world.EvProposalRejected)
	rej := ev.Data.(*world.ProposalRejectedEvent)
	if !strings.Contains(rej.Reason, "not registered") {
		t.Fatalf("reason = %q", rej.Reason)
	}
	if h.reg.Record("echo@1.0.0") != nil {
		t.Fatal("failed shadow mutated the registry")
	}
}

func TestShadowRejectsBadFilter(t *testing.T) {
	h := newHarness(t)
	hash := testHash("cc")
	h.registerArtifact(t, hash)
	doc := baseManifestDoc(hash)
	doc["subscriptions"] = []any{map[string]any{
		"event_kinds": []any{"agent_moved"},
		"filter":      map[string]any{"path": "/data/x", "op": "like", "value": 1},
	}}

	h.step(t, "pub", world.NewAction(world.ActProposeManifest, &world.ProposeManifestData{
		ProposalID: "p-filter", Proposer: "pub",
		Content: map[string]any{"module_changes": []any{
			map[string]any{"op": OpRegister, "manifest": doc},
		}},
	}), world.EvProposalSubmitted)
	h.step(t, "gov1", world.NewAction(world.ActShadowProposal, &world.ShadowProposalData{
		ProposalID: "p-filter", Actor: "gov1",
	}), world.EvProposalRejected)
}

func TestPostEventInvocationStateAndEmits(t *testing.T) {
	h := newHarness(t)
	hash := testHash("dd")
	h.registerArtifact(t, hash)
	doc := baseManifestDoc(hash)
	doc["subscriptions"] = []any{map[string]any{"event_kinds": []any{"agent_registered"}}}

	var sawState [][]byte
	h.stub.Handler = func(m Manifest, input []byte) ([]byte, error) {
		var in InvocationInput
		if err := codec.Unmarshal(input, &in); err != nil {
			t.Errorf("decode input: %v", err)
		}
		if in.Ctx.Stage != StagePostEvent || in.Event == nil || in.Event.Kind != world.EvAgentRegistered {
			t.Errorf("unexpected input: stage=%s event=%+v", in.Ctx.Stage, in.Event)
		}
		sawState = append(sawState, in.State)
		return mustEncodeOutput(InvocationOutput{
			NewState: []byte("counted:" + string(rune('0'+len(sawState)))),
			Emits:    []Emit{{Topic: "census", Payload: []byte{0x01}}},
		}), nil
	}
	h.installModule(t, "p-2", doc)

	h.step(t, "a9", world.NewAction(world.ActRegisterAgent, &world.RegisterAgentData{
		AgentID: "a9", LocationID: "loc-a",
	}), world.EvAgentRegistered)
	h.step(t, "a10", world.NewAction(world.ActRegisterAgent, &world.RegisterAgentData{
		AgentID: "a10", LocationID: "loc-a",
	}), world.EvAgentRegistered)

	if len(sawState) != 2 {
		t.Fatalf("module invoked %d times, want 2", len(sawState))
	}
	if sawState[0] != nil {
		t.Fatal("first invocation should see no state")
	}
	if string(sawState[1]) != "counted:1" {
		t.Fatalf("second invocation state = %q", sawState[1])
	}
	if got := string(h.k.ModuleState("echo@1.0.0")); got != "counted:2" {
		t.Fatalf("stored state = %q", got)
	}
	emitted := lastEventOfKind(t, h.k, world.EvModuleEmitted).Data.(*world.ModuleEmittedEvent)
	if emitted.ModuleID != "echo" || emitted.Topic != "census" || emitted.PayloadHex != "01" {
		t.Fatalf("emit event = %+v", emitted)
	}
}

func TestPreActionInvocation(t *testing.T) {
	h := newHarness(t)
	hash := testHash("ee")
	h.registerArtifact(t, hash)
	doc := baseManifestDoc(hash)
	doc["kind"] = "pure"
	doc["subscriptions"] = []any{map[string]any{"action_kinds": []any{world.ActTransferResource}}}

	calls := 0
	h.stub.Handler = func(m Manifest, input []byte) ([]byte, error) {
		var in InvocationInput
		if err := codec.Unmarshal(input, &in); err != nil {
			t.Errorf("decode input: %v", err)
		}
		if in.Ctx.Stage != StagePreAction || in.Action == nil || in.Action.Type != world.ActTransferResource {
			t.Errorf("unexpected input: stage=%s action=%+v", in.Ctx.Stage, in.Action)
		}
		calls++
		return mustEncodeOutput(InvocationOutput{}), nil
	}
	h.installModule(t, "p-3", doc)

	// The transfer itself is rejected for lack of funds; pre_action modules
	// still observe the attempt.
	h.step(t, "pub", world.NewAction(world.ActTransferResource, &world.TransferResourceData{
		From: world.AgentOwner("pub"), To: world.AgentOwner("gov1"),
		Kind: world.ResourceElectricity, Amount: 5,
	}), world.EvActionRejected)

	if calls != 1 {
		t.Fatalf("pre_action invoked %d times, want 1", calls)
	}
}

func TestEffectSubmitsAsSystem(t *testing.T) {
	h := newHarness(t)
	hash := testHash("0f")
	h.registerArtifact(t, hash)
	doc := baseManifestDoc(hash)
	doc["kind"] = "pure"
	doc["subscriptions"] = []any{map[string]any{"event_kinds": []any{world.EvCrisisDeclared}}}
	doc["required_caps"] = []any{"cap:mint_credits"}

	h.stub.Handler = func(m Manifest, input []byte) ([]byte, error) {
		return mustEncodeOutput(InvocationOutput{
			Effects: []Effect{{
				CapRef: "cap:mint_credits",
				Action: world.NewAction(world.ActMintCredits, &world.MintCreditsData{AgentID: "pub", Credits: 7}),
			}},
		}), nil
	}
	h.installModule(t, "p-4", doc)

	h.step(t, "gov1", world.NewAction(world.ActDeclareCrisis, &world.DeclareCrisisData{
		CrisisID: "c1", Kind: "blackout", Severity: 3,
	}), world.EvCrisisDeclared)

	// The effect is queued behind the pipeline; it applies on the next step
	// with the system submitter, which mint_credits requires.
	ev, err := h.k.StepWithModules(h.pipe)
	if err != nil {
		t.Fatalf("apply effect: %v", err)
	}
	if ev.Kind != world.EvCreditsMinted {
		t.Fatalf("effect committed %s, want %s", ev.Kind, world.EvCreditsMinted)
	}
	if got := h.k.Agent("pub").Credits; got != 7 {
		t.Fatalf("credits = %d, want 7", got)
	}
}

func TestEffectWithoutCapFails(t *testing.T) {
	h := newHarness(t)
	hash := testHash("1a")
	h.registerArtifact(t, hash)
	doc := baseManifestDoc(hash)
	doc["kind"] = "pure"
	doc["subscriptions"] = []any{map[string]any{"event_kinds": []any{world.EvCrisisDeclared}}}

	h.stub.Handler = func(m Manifest, input []byte) ([]byte, error) {
		return mustEncodeOutput(InvocationOutput{
			Effects: []Effect{{
				CapRef: "cap:mint_credits", // never granted
				Action: world.NewAction(world.ActMintCredits, &world.MintCreditsData{AgentID: "pub", Credits: 7}),
			}},
		}), nil
	}
	h.installModule(t, "p-5", doc)

	h.step(t, "gov1", world.NewAction(world.ActDeclareCrisis, &world.DeclareCrisisData{
		CrisisID: "c1", Kind: "blackout", Severity: 3,
	}), world.EvCrisisDeclared)

	failed := lastEventOfKind(t, h.k, world.EvModuleCallFailed).Data.(*world.ModuleCallFailedEvent)
	if failed.Code != CodeCapsDenied {
		t.Fatalf("failure code = %s, want %s", failed.Code, CodeCapsDenied)
	}
	// Nothing queued: the failed call must not partially apply.
	if ev, err := h.k.StepWithModules(h.pipe); err != nil || ev != nil {
		t.Fatalf("unexpected pending work: ev=%v err=%v", ev, err)
	}
}

func TestEffectLimitExceeded(t *testing.T) {
	h := newHarness(t)
	hash := testHash("2b")
	h.registerArtifact(t, hash)
	doc := baseManifestDoc(hash)
	doc["kind"] = "pure"
	doc["subscriptions"] = []any{map[string]any{"event_kinds": []any{world.EvCrisisDeclared}}}
	doc["required_caps"] = []any{"cap:mint_credits"}
	doc["limits"] = map[string]any{"max_effects": 1}

	h.stub.Handler = func(m Manifest, input []byte) ([]byte, error) {
		eff := Effect{
			CapRef: "cap:mint_credits",
			Action: world.NewAction(world.ActMintCredits, &world.MintCreditsData{AgentID: "pub", Credits: 1}),
		}
		return mustEncodeOutput(InvocationOutput{Effects: []Effect{eff, eff}}), nil
	}
	h.installModule(t, "p-6", doc)

	h.step(t, "gov1", world.NewAction(world.ActDeclareCrisis, &world.DeclareCrisisData{
		CrisisID: "c1", Kind: "blackout", Severity: 3,
	}), world.EvCrisisDeclared)

	failed := lastEventOfKind(t, h.k, world.EvModuleCallFailed).Data.(*world.ModuleCallFailedEvent)
	if failed.Code != CodeEffectLimitExceeded {
		t.Fatalf("failure code = %s", failed.Code)
	}
}

func TestTrapIsRecordedAndWorldContinues(t *testing.T) {
	h := newHarness(t)
	hash := testHash("3c")
	h.registerArtifact(t, hash)
	doc := baseManifestDoc(hash)
	doc["subscriptions"] = []any{map[string]any{"event_kinds": []any{world.EvCrisisDeclared}}}

	h.stub.Handler = func(m Manifest, input []byte) ([]byte, error) {
		return nil, callErr(CodeTrap, "unreachable executed")
	}
	h.installModule(t, "p-7", doc)

	h.step(t, "gov1", world.NewAction(world.ActDeclareCrisis, &world.DeclareCrisisData{
		CrisisID: "c1", Kind: "blackout", Severity: 3,
	}), world.EvCrisisDeclared)

	failed := lastEventOfKind(t, h.k, world.EvModuleCallFailed).Data.(*world.ModuleCallFailedEvent)
	if failed.Code != CodeTrap || failed.ModuleID != "echo" {
		t.Fatalf("failure = %+v", failed)
	}
	// The world keeps stepping after a module failure.
	h.step(t, "a11", world.NewAction(world.ActRegisterAgent, &world.RegisterAgentData{
		AgentID: "a11", LocationID: "loc-a",
	}), world.EvAgentRegistered)
}

func TestPureModuleMayNotReturnState(t *testing.T) {
	h := newHarness(t)
	hash := testHash("4d")
	h.registerArtifact(t, hash)
	doc := baseManifestDoc(hash)
	doc["kind"] = "pure"
	doc["subscriptions"] = []any{map[string]any{"event_kinds": []any{world.EvCrisisDeclared}}}

	h.stub.Handler = func(m Manifest, input []byte) ([]byte, error) {
		return mustEncodeOutput(InvocationOutput{NewState: []byte("sneaky")}), nil
	}
	h.installModule(t, "p-8", doc)

	h.step(t, "gov1", world.NewAction(world.ActDeclareCrisis, &world.DeclareCrisisData{
		CrisisID: "c1", Kind: "blackout", Severity: 3,
	}), world.EvCrisisDeclared)

	failed := lastEventOfKind(t, h.k, world.EvModuleCallFailed).Data.(*world.ModuleCallFailedEvent)
	if failed.Code != CodeInvalidOutput {
		t.Fatalf("failure code = %s", failed.Code)
	}
	if h.k.ModuleState("echo@1.0.0") != nil {
		t.Fatal("pure module state was stored")
	}
}

func TestFilterGatesInvocations(t *testing.T) {
	h := newHarness(t)
	hash := testHash("5e")
	h.registerArtifact(t, hash)
	doc := baseManifestDoc(hash)
	doc["kind"] = "pure"
	doc["subscriptions"] = []any{map[string]any{
		"event_kinds": []any{world.EvAgentRegistered},
		"filter":      map[string]any{"path": "/data/agent_id", "op": "re", "value": "vip-.*"},
	}}

	calls := 0
	h.stub.Handler = func(m Manifest, input []byte) ([]byte, error) {
		calls++
		return mustEncodeOutput(InvocationOutput{}), nil
	}
	h.installModule(t, "p-9", doc)

	h.step(t, "plain-1", world.NewAction(world.ActRegisterAgent, &world.RegisterAgentData{
		AgentID: "plain-1", LocationID: "loc-a",
	}), world.EvAgentRegistered)
	h.step(t, "vip-1", world.NewAction(world.ActRegisterAgent, &world.RegisterAgentData{
		AgentID: "vip-1", LocationID: "loc-a",
	}), world.EvAgentRegistered)

	if calls != 1 {
		t.Fatalf("filtered module invoked %d times, want 1", calls)
	}
}

func TestDestroyBlockedWhileActive(t *testing.T) {
	h := newHarness(t)
	hash := testHash("6f")
	h.registerArtifact(t, hash)
	h.installModule(t, "p-10", baseManifestDoc(hash))

	h.step(t, "pub", world.NewAction(world.ActProposeManifest, &world.ProposeManifestData{
		ProposalID: "p-11", Proposer: "pub",
		Content: map[string]any{"module_changes": []any{
			map[string]any{"op": OpDestroy, "wasm_hash": hash},
		}},
	}), world.EvProposalSubmitted)
	h.step(t, "gov1", world.NewAction(world.ActShadowProposal, &world.ShadowProposalData{
		ProposalID: "p-11", Actor: "gov1",
	}), world.EvProposalRejected)
}

func TestDeactivateThenDestroy(t *testing.T) {
	h := newHarness(t)
	hash := testHash("7a")
	h.registerArtifact(t, hash)
	h.installModule(t, "p-12", baseManifestDoc(hash))

	h.govern(t, "p-13", []any{
		map[string]any{"op": OpDeactivate, "module_key": "echo@1.0.0"},
	})
	if h.reg.Record("echo@1.0.0").Active {
		t.Fatal("module still active")
	}
	if h.k.Artifact(hash).Active {
		t.Fatal("artifact still flagged active")
	}

	h.govern(t, "p-14", []any{
		map[string]any{"op": OpDestroy, "wasm_hash": hash},
	})
	if h.reg.Record("echo@1.0.0") != nil {
		t.Fatal("destroyed module still registered")
	}
}
