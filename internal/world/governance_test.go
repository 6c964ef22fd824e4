package world

import (
	"errors"
	"testing"
)

type stubValidator struct{ err error }

func (v stubValidator) ValidateProposal(map[string]any) error { return v.err }

func proposalKernel(t *testing.T) *Kernel {
	t.Helper()
	k := newTestKernel(t)
	seedTwoLocations(t, k)
	registerAgent(t, k, "gov", "loc-a")
	return k
}

func TestProposalLifecycle(t *testing.T) {
	k := proposalKernel(t)
	content := map[string]any{"module_changes": []any{map[string]any{"op": "activate"}}}

	mustStep(t, k, "gov", NewAction(ActProposeManifest, &ProposeManifestData{
		ProposalID: "p1", Proposer: "gov", Content: content,
	}), EvProposalSubmitted)

	// Approve before shadow rejects.
	mustStep(t, k, "v1", NewAction(ActApproveProposal, &ApproveProposalData{
		ProposalID: "p1", Approver: "v1",
	}), EvActionRejected)

	mustStep(t, k, "gov", NewAction(ActShadowProposal, &ShadowProposalData{
		ProposalID: "p1", Actor: "gov",
	}), EvProposalShadowed)

	// Default threshold is two distinct approvers.
	ev := mustStep(t, k, "v1", NewAction(ActApproveProposal, &ApproveProposalData{
		ProposalID: "p1", Approver: "v1",
	}), EvProposalApproved)
	if ev.Data.(*ProposalApprovedEvent).Final {
		t.Fatal("single approval must not finalize")
	}
	// Duplicate approver rejects.
	mustStep(t, k, "v1", NewAction(ActApproveProposal, &ApproveProposalData{
		ProposalID: "p1", Approver: "v1",
	}), EvActionRejected)

	ev = mustStep(t, k, "v2", NewAction(ActApproveProposal, &ApproveProposalData{
		ProposalID: "p1", Approver: "v2",
	}), EvProposalApproved)
	if !ev.Data.(*ProposalApprovedEvent).Final {
		t.Fatal("second approval must finalize")
	}
	if k.Proposal("p1").Status != ProposalApproved {
		t.Fatalf("status = %s", k.Proposal("p1").Status)
	}

	applied := mustStep(t, k, "gov", NewAction(ActApplyProposal, &ApplyProposalData{
		ProposalID: "p1", Actor: "gov",
	}), EvProposalApplied).Data.(*ProposalAppliedEvent)
	if applied.Content == nil {
		t.Fatal("applied event lost content")
	}
	if k.Proposal("p1").Status != ProposalApplied {
		t.Fatalf("status = %s", k.Proposal("p1").Status)
	}

	// Apply is not repeatable.
	mustStep(t, k, "gov", NewAction(ActApplyProposal, &ApplyProposalData{
		ProposalID: "p1", Actor: "gov",
	}), EvActionRejected)
}

func TestShadowValidationFailureRejectsProposal(t *testing.T) {
	k := proposalKernel(t)
	k.SetProposalValidator(stubValidator{err: errors.New("bad subscription filter")})

	mustStep(t, k, "gov", NewAction(ActProposeManifest, &ProposeManifestData{
		ProposalID: "p1", Proposer: "gov", Content: map[string]any{"module_changes": []any{}},
	}), EvProposalSubmitted)
	ev := mustStep(t, k, "gov", NewAction(ActShadowProposal, &ShadowProposalData{
		ProposalID: "p1", Actor: "gov",
	}), EvProposalRejected)
	if ev.Data.(*ProposalRejectedEvent).Reason == "" {
		t.Fatal("rejection lost the validation reason")
	}
	if k.Proposal("p1").Status != ProposalRejected {
		t.Fatalf("status = %s", k.Proposal("p1").Status)
	}
}

func TestUpdatePolicyClampsAndGates(t *testing.T) {
	k := proposalKernel(t)
	tax := int64(50_000) // over the 100% cap
	mustStep(t, k, "gov", NewAction(ActUpdatePolicy, &UpdatePolicyData{
		Actor: "gov", DataTaxBps: &tax,
	}), EvActionRejected)

	ev := mustStep(t, k, SystemSubmitter, NewAction(ActUpdatePolicy, &UpdatePolicyData{
		Actor: SystemSubmitter, DataTaxBps: &tax,
	}), EvPolicyUpdated)
	if ev.Data.(*PolicyUpdatedEvent).DataTaxBps != MaxTaxBps {
		t.Fatalf("data tax = %d, want clamped %d", ev.Data.(*PolicyUpdatedEvent).DataTaxBps, MaxTaxBps)
	}
}
