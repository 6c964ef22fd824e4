package world

import "fmt"

func applyProposeManifest(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[ProposeManifestData](a)
	if err != nil {
		return "", nil, nil, err
	}
	if d.ProposalID == "" {
		return "", nil, rejectRule("empty proposal id"), nil
	}
	if k.proposals[d.ProposalID] != nil {
		return "", nil, rejectDuplicateID("proposal " + d.ProposalID), nil
	}
	if len(d.Content) == 0 {
		return "", nil, rejectRule("empty proposal content"), nil
	}
	k.proposals[d.ProposalID] = &Proposal{
		ID:       d.ProposalID,
		Proposer: d.Proposer,
		Content:  d.Content,
		Status:   ProposalProposed,
	}
	return EvProposalSubmitted, &ProposalSubmittedEvent{
		ProposalID: d.ProposalID,
		Proposer:   d.Proposer,
	}, nil, nil
}

// Shadow dry-runs the proposal against the module registry. A failed dry run
// terminates the proposal as Rejected; the registry is never mutated.
func applyShadowProposal(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[ShadowProposalData](a)
	if err != nil {
		return "", nil, nil, err
	}
	p := k.proposals[d.ProposalID]
	if p == nil {
		return "", nil, rejectRule("proposal not found: " + d.ProposalID), nil
	}
	if p.Status != ProposalProposed {
		return "", nil, rejectRule(fmt.Sprintf("proposal %s is %s", p.ID, p.Status)), nil
	}
	if k.validator != nil {
		if verr := k.validator.ValidateProposal(p.Content); verr != nil {
			p.Status = ProposalRejected
			p.Reason = verr.Error()
			return EvProposalRejected, &ProposalRejectedEvent{
				ProposalID: p.ID,
				Reason:     p.Reason,
			}, nil, nil
		}
	}
	p.Status = ProposalShadowed
	return EvProposalShadowed, &ProposalShadowedEvent{ProposalID: p.ID}, nil, nil
}

func applyApproveProposal(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[ApproveProposalData](a)
	if err != nil {
		return "", nil, nil, err
	}
	p := k.proposals[d.ProposalID]
	if p == nil {
		return "", nil, rejectRule("proposal not found: " + d.ProposalID), nil
	}
	if p.Status != ProposalShadowed {
		return "", nil, rejectRule(fmt.Sprintf("proposal %s is %s", p.ID, p.Status)), nil
	}
	if d.Approver == "" {
		return "", nil, rejectRule("empty approver"), nil
	}
	for _, prev := range p.Approvals {
		if prev == d.Approver {
			return "", nil, rejectDuplicateID("approval by " + d.Approver), nil
		}
	}
	p.Approvals = append(p.Approvals, d.Approver)
	final := int64(len(p.Approvals)) >= k.policy.GovernanceApprovals
	if final {
		p.Status = ProposalApproved
	}
	return EvProposalApproved, &ProposalApprovedEvent{
		ProposalID: p.ID,
		Approver:   d.Approver,
		Approvals:  int64(len(p.Approvals)),
		Final:      final,
	}, nil, nil
}

func applyRejectProposal(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[RejectProposalData](a)
	if err != nil {
		return "", nil, nil, err
	}
	p := k.proposals[d.ProposalID]
	if p == nil {
		return "", nil, rejectRule("proposal not found: " + d.ProposalID), nil
	}
	if p.Status != ProposalProposed && p.Status != ProposalShadowed {
		return "", nil, rejectRule(fmt.Sprintf("proposal %s is %s", p.ID, p.Status)), nil
	}
	p.Status = ProposalRejected
	p.Reason = d.Reason
	return EvProposalRejected, &ProposalRejectedEvent{ProposalID: p.ID, Reason: d.Reason}, nil, nil
}

func applyApplyProposal(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[ApplyProposalData](a)
	if err != nil {
		return "", nil, nil, err
	}
	p := k.proposals[d.ProposalID]
	if p == nil {
		return "", nil, rejectRule("proposal not found: " + d.ProposalID), nil
	}
	if p.Status != ProposalApproved {
		return "", nil, rejectRule(fmt.Sprintf("proposal %s is %s", p.ID, p.Status)), nil
	}
	p.Status = ProposalApplied
	return EvProposalApplied, &ProposalAppliedEvent{ProposalID: p.ID, Content: p.Content}, nil, nil
}

func applyUpdatePolicy(k *Kernel, submitter string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[UpdatePolicyData](a)
	if err != nil {
		return "", nil, nil, err
	}
	if submitter != SystemSubmitter {
		return "", nil, rejectRule("policy updates require the system submitter"), nil
	}
	if d.ElectricityTaxBps != nil {
		k.policy.ElectricityTaxBps = clampBps(*d.ElectricityTaxBps)
	}
	if d.PowerTradeFeeBps != nil {
		k.policy.PowerTradeFeeBps = clampBps(*d.PowerTradeFeeBps)
	}
	if d.DataTaxBps != nil {
		k.policy.DataTaxBps = clampBps(*d.DataTaxBps)
	}
	if d.MoveCostPerKm != nil && *d.MoveCostPerKm > 0 {
		k.policy.MoveCostPerKm = *d.MoveCostPerKm
	}
	return EvPolicyUpdated, &PolicyUpdatedEvent{
		ElectricityTaxBps: k.policy.ElectricityTaxBps,
		PowerTradeFeeBps:  k.policy.PowerTradeFeeBps,
		DataTaxBps:        k.policy.DataTaxBps,
		MoveCostPerKm:     k.policy.MoveCostPerKm,
	}, nil, nil
}
