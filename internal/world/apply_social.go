package world

import "fmt"

func applyPublishFact(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[PublishFactData](a)
	if err != nil {
		return "", nil, nil, err
	}
	if d.FactID == "" {
		return "", nil, rejectRule("empty fact id"), nil
	}
	if k.facts[d.FactID] != nil {
		return "", nil, rejectDuplicateID("fact " + d.FactID), nil
	}
	if k.agents[d.Author] == nil {
		return "", nil, rejectAgentNotFound(d.Author), nil
	}
	if d.Stake <= 0 {
		return "", nil, rejectInvalidAmount(d.Stake), nil
	}
	if d.TTL == 0 {
		return "", nil, rejectInvalidAmount(0), nil
	}
	if rej := k.debitBalance(AgentOwner(d.Author), ResourceElectricity, d.Stake); rej != nil {
		return "", nil, rej, nil
	}
	expires := k.time + WorldTime(d.TTL)
	k.facts[d.FactID] = &Fact{
		ID:          d.FactID,
		Author:      d.Author,
		Subject:     d.Subject,
		Claim:       d.Claim,
		Status:      FactActive,
		AuthorStake: d.Stake,
		ExpiresAt:   expires,
	}
	return EvFactPublished, &FactPublishedEvent{
		FactID:    d.FactID,
		Author:    d.Author,
		Subject:   d.Subject,
		Stake:     d.Stake,
		ExpiresAt: expires,
	}, nil, nil
}

func applyChallengeFact(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[ChallengeFactData](a)
	if err != nil {
		return "", nil, nil, err
	}
	f := k.facts[d.FactID]
	if f == nil {
		return "", nil, rejectRule("fact not found: " + d.FactID), nil
	}
	if f.Status != FactActive {
		return "", nil, rejectRule(fmt.Sprintf("fact %s is %s", f.ID, f.Status)), nil
	}
	if k.agents[d.Challenger] == nil {
		return "", nil, rejectAgentNotFound(d.Challenger), nil
	}
	if d.Challenger == f.Author {
		return "", nil, rejectRule("author cannot challenge own fact"), nil
	}
	if d.Stake <= 0 {
		return "", nil, rejectInvalidAmount(d.Stake), nil
	}
	if rej := k.debitBalance(AgentOwner(d.Challenger), ResourceElectricity, d.Stake); rej != nil {
		return "", nil, rej, nil
	}
	f.Status = FactChallenged
	f.Challenger = d.Challenger
	f.ChallengerStake = d.Stake
	return EvFactChallenged, &FactChallengedEvent{
		FactID:     f.ID,
		Challenger: d.Challenger,
		Stake:      d.Stake,
	}, nil, nil
}

// Adjudication settles stakes: upheld slashes the challenger stake to the
// author and the fact becomes Confirmed; otherwise the author stake is
// slashed to the challenger and the fact is Retracted.
func applyAdjudicateFact(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[AdjudicateFactData](a)
	if err != nil {
		return "", nil, nil, err
	}
	f := k.facts[d.FactID]
	if f == nil {
		return "", nil, rejectRule("fact not found: " + d.FactID), nil
	}
	if f.Status != FactChallenged {
		return "", nil, rejectRule(fmt.Sprintf("fact %s is %s", f.ID, f.Status)), nil
	}
	if d.Adjudicator == f.Author || d.Adjudicator == f.Challenger {
		return "", nil, rejectRule("adjudicator must be a third party"), nil
	}
	if k.agents[d.Adjudicator] == nil {
		return "", nil, rejectAgentNotFound(d.Adjudicator), nil
	}
	if d.Upheld {
		if err := k.creditBalance(AgentOwner(f.Author), ResourceElectricity, f.ChallengerStake); err != nil {
			return "", nil, nil, err
		}
		f.ChallengerStake = 0
		f.Status = FactConfirmed
	} else {
		if err := k.creditBalance(AgentOwner(f.Challenger), ResourceElectricity, f.AuthorStake+f.ChallengerStake); err != nil {
			return "", nil, nil, err
		}
		f.AuthorStake = 0
		f.ChallengerStake = 0
		f.Status = FactRetracted
	}
	return EvFactAdjudicated, &FactAdjudicatedEvent{FactID: f.ID, Upheld: d.Upheld}, nil, nil
}

func applyRevokeFact(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[RevokeFactData](a)
	if err != nil {
		return "", nil, nil, err
	}
	f := k.facts[d.FactID]
	if f == nil {
		return "", nil, rejectRule("fact not found: " + d.FactID), nil
	}
	if d.Actor != f.Author {
		return "", nil, rejectOwnerMismatch(fmt.Sprintf("fact %s is authored by %s", f.ID, f.Author)), nil
	}
	if f.Status != FactActive && f.Status != FactConfirmed {
		return "", nil, rejectRule(fmt.Sprintf("fact %s is %s", f.ID, f.Status)), nil
	}
	if err := k.creditBalance(AgentOwner(f.Author), ResourceElectricity, f.AuthorStake); err != nil {
		return "", nil, nil, err
	}
	f.AuthorStake = 0
	f.Status = FactRevoked
	return EvFactRevoked, &FactRevokedEvent{FactID: f.ID}, nil, nil
}

func applyDeclareEdge(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[DeclareEdgeData](a)
	if err != nil {
		return "", nil, nil, err
	}
	if d.EdgeID == "" {
		return "", nil, rejectRule("empty edge id"), nil
	}
	if k.edges[d.EdgeID] != nil {
		return "", nil, rejectDuplicateID("edge " + d.EdgeID), nil
	}
	if k.agents[d.FromAgent] == nil {
		return "", nil, rejectAgentNotFound(d.FromAgent), nil
	}
	if k.agents[d.ToAgent] == nil {
		return "", nil, rejectAgentNotFound(d.ToAgent), nil
	}
	if len(d.BackingFactIDs) == 0 {
		return "", nil, rejectRule("edge requires at least one backing fact"), nil
	}
	for _, fid := range d.BackingFactIDs {
		f := k.facts[fid]
		if f == nil || !factBacksEdges(f.Status) {
			return "", nil, rejectRule("backing fact not active: " + fid), nil
		}
	}
	if d.TTL == 0 {
		return "", nil, rejectInvalidAmount(0), nil
	}
	expires := k.time + WorldTime(d.TTL)
	k.edges[d.EdgeID] = &Edge{
		ID:             d.EdgeID,
		FromAgent:      d.FromAgent,
		ToAgent:        d.ToAgent,
		Kind:           d.Kind,
		BackingFactIDs: append([]string(nil), d.BackingFactIDs...),
		ExpiresAt:      expires,
	}
	return EvEdgeDeclared, &EdgeDeclaredEvent{
		EdgeID:    d.EdgeID,
		FromAgent: d.FromAgent,
		ToAgent:   d.ToAgent,
		Kind:      d.Kind,
		ExpiresAt: expires,
	}, nil, nil
}
