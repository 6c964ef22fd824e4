package world

import "fmt"

func applyOpenContract(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[OpenContractData](a)
	if err != nil {
		return "", nil, nil, err
	}
	if d.ContractID == "" {
		return "", nil, rejectRule("empty contract id"), nil
	}
	if k.contracts[d.ContractID] != nil {
		return "", nil, rejectDuplicateID("contract " + d.ContractID), nil
	}
	if k.agents[d.Proposer] == nil {
		return "", nil, rejectAgentNotFound(d.Proposer), nil
	}
	if k.agents[d.Counterparty] == nil {
		return "", nil, rejectAgentNotFound(d.Counterparty), nil
	}
	if d.Proposer == d.Counterparty {
		return "", nil, rejectRule("contract parties must differ"), nil
	}
	if !IsKnownResourceKind(d.Kind) {
		return "", nil, rejectRule(fmt.Sprintf("unknown resource kind %q", d.Kind)), nil
	}
	if d.Amount <= 0 {
		return "", nil, rejectInvalidAmount(d.Amount), nil
	}
	var expires WorldTime
	if d.TTL > 0 {
		expires = k.time + WorldTime(d.TTL)
	}
	k.contracts[d.ContractID] = &Contract{
		ID:           d.ContractID,
		Proposer:     d.Proposer,
		Counterparty: d.Counterparty,
		Kind:         d.Kind,
		Amount:       d.Amount,
		Status:       ContractOpen,
		ExpiresAt:    expires,
	}
	return EvContractOpened, &ContractOpenedEvent{
		ContractID:   d.ContractID,
		Proposer:     d.Proposer,
		Counterparty: d.Counterparty,
		Kind:         d.Kind,
		Amount:       d.Amount,
		ExpiresAt:    expires,
	}, nil, nil
}

func applyAcceptContract(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[AcceptContractData](a)
	if err != nil {
		return "", nil, nil, err
	}
	c := k.contracts[d.ContractID]
	if c == nil {
		return "", nil, rejectRule("contract not found: " + d.ContractID), nil
	}
	if c.Status != ContractOpen {
		return "", nil, rejectRule(fmt.Sprintf("contract %s is %s", c.ID, c.Status)), nil
	}
	if c.Counterparty != d.Acceptor {
		return "", nil, rejectOwnerMismatch(fmt.Sprintf("contract %s counterparty is %s", c.ID, c.Counterparty)), nil
	}
	c.Status = ContractAccepted
	return EvContractAccepted, &ContractAcceptedEvent{ContractID: c.ID, Acceptor: d.Acceptor}, nil, nil
}

func applySettleContract(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[SettleContractData](a)
	if err != nil {
		return "", nil, nil, err
	}
	c := k.contracts[d.ContractID]
	if c == nil {
		return "", nil, rejectRule("contract not found: " + d.ContractID), nil
	}
	if c.Status != ContractAccepted {
		return "", nil, rejectRule(fmt.Sprintf("contract %s is %s", c.ID, c.Status)), nil
	}
	if d.Actor != c.Proposer && d.Actor != c.Counterparty {
		return "", nil, rejectOwnerMismatch(fmt.Sprintf("actor %s is not a party of contract %s", d.Actor, c.ID)), nil
	}
	if until, ok := k.cooldowns[pairKey(c.Proposer, c.Counterparty)]; ok && k.time < until {
		return "", nil, rejectQuota(fmt.Sprintf("pair cooldown active until t=%d", until)), nil
	}
	if c.Kind == ResourceData {
		g := k.dataGrants[pairKey(c.Proposer, c.Counterparty)]
		if g == nil || (g.ExpiresAt > 0 && k.time >= g.ExpiresAt) {
			return "", nil, rejectRule(fmt.Sprintf("no data access grant from %s to %s", c.Proposer, c.Counterparty)), nil
		}
	}

	tax := c.Amount * k.policy.taxBpsFor(c.Kind) / 10_000
	required, err := addChecked(c.Amount, tax)
	if err != nil {
		return "", nil, nil, err
	}
	payer := AgentOwner(c.Proposer)
	if have := k.balanceOf(payer, c.Kind); have < required {
		return "", nil, rejectInsufficient(payer, c.Kind, required, have), nil
	}
	if rej := k.debitBalance(payer, c.Kind, required); rej != nil {
		return "", nil, rej, nil
	}
	if err := k.creditBalance(AgentOwner(c.Counterparty), c.Kind, c.Amount); err != nil {
		return "", nil, nil, err
	}
	if tax > 0 {
		if err := k.creditBalance(SystemOwner(), c.Kind, tax); err != nil {
			return "", nil, nil, err
		}
	}
	c.Status = ContractSettled
	k.cooldowns[pairKey(c.Proposer, c.Counterparty)] = k.time + WorldTime(k.policy.ContractPairCooldown)
	if err := k.awardReputation(k.agents[c.Proposer], 1); err != nil {
		return "", nil, nil, err
	}
	if err := k.awardReputation(k.agents[c.Counterparty], 1); err != nil {
		return "", nil, nil, err
	}
	return EvContractSettled, &ContractSettledEvent{
		ContractID: c.ID,
		Kind:       c.Kind,
		Amount:     c.Amount,
		Tax:        tax,
		Payer:      c.Proposer,
		Payee:      c.Counterparty,
	}, nil, nil
}

func applyGrantDataAccess(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[GrantDataAccessData](a)
	if err != nil {
		return "", nil, nil, err
	}
	if k.agents[d.Grantor] == nil {
		return "", nil, rejectAgentNotFound(d.Grantor), nil
	}
	if k.agents[d.Grantee] == nil {
		return "", nil, rejectAgentNotFound(d.Grantee), nil
	}
	if d.Grantor == d.Grantee {
		return "", nil, rejectRule("grantor and grantee must differ"), nil
	}
	if d.TTL == 0 {
		return "", nil, rejectInvalidAmount(0), nil
	}
	expires := k.time + WorldTime(d.TTL)
	k.dataGrants[pairKey(d.Grantor, d.Grantee)] = &DataGrant{
		Grantor:   d.Grantor,
		Grantee:   d.Grantee,
		ExpiresAt: expires,
	}
	return EvDataAccessGranted, &DataAccessGrantedEvent{
		Grantor:   d.Grantor,
		Grantee:   d.Grantee,
		ExpiresAt: expires,
	}, nil, nil
}
