package world

import "fmt"

// Credit mint/burn and meta grants are settlement actions: they enter the
// world through the system submitter (reward settlement, module effects),
// never directly from players.

func applyMintCredits(k *Kernel, submitter string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[MintCreditsData](a)
	if err != nil {
		return "", nil, nil, err
	}
	if submitter != SystemSubmitter {
		return "", nil, rejectRule("credit mint requires the system submitter"), nil
	}
	ag := k.agents[d.AgentID]
	if ag == nil {
		return "", nil, rejectAgentNotFound(d.AgentID), nil
	}
	if d.Credits <= 0 {
		return "", nil, rejectInvalidAmount(d.Credits), nil
	}
	total, err := addChecked(ag.Credits, d.Credits)
	if err != nil {
		return "", nil, nil, err
	}
	ag.Credits = total
	return EvCreditsMinted, &CreditsMintedEvent{AgentID: ag.ID, Credits: d.Credits}, nil, nil
}

func applyBurnCredits(k *Kernel, submitter string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[BurnCreditsData](a)
	if err != nil {
		return "", nil, nil, err
	}
	if submitter != SystemSubmitter && submitter != d.AgentID {
		return "", nil, rejectOwnerMismatch("credits can be burned only by their owner or the system"), nil
	}
	ag := k.agents[d.AgentID]
	if ag == nil {
		return "", nil, rejectAgentNotFound(d.AgentID), nil
	}
	if d.Credits <= 0 {
		return "", nil, rejectInvalidAmount(d.Credits), nil
	}
	if ag.Credits < d.Credits {
		return "", nil, rejectRule(fmt.Sprintf("insufficient credits: requested %d, available %d", d.Credits, ag.Credits)), nil
	}
	ag.Credits -= d.Credits
	return EvCreditsBurned, &CreditsBurnedEvent{AgentID: ag.ID, Credits: d.Credits}, nil, nil
}

// RedeemPower burns credits for electricity from the protocol power reserve.
// The per-agent nonce must strictly increase, which makes redeem records
// replay-safe.
func applyRedeemPower(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[RedeemPowerData](a)
	if err != nil {
		return "", nil, nil, err
	}
	ag := k.agents[d.AgentID]
	if ag == nil {
		return "", nil, rejectAgentNotFound(d.AgentID), nil
	}
	if d.Credits <= 0 {
		return "", nil, rejectInvalidAmount(d.Credits), nil
	}
	if d.Nonce <= ag.RedeemNonce {
		return "", nil, rejectRule(fmt.Sprintf("stale redeem nonce %d (last %d)", d.Nonce, ag.RedeemNonce)), nil
	}
	if ag.Credits < d.Credits {
		return "", nil, rejectRule(fmt.Sprintf("insufficient credits: requested %d, available %d", d.Credits, ag.Credits)), nil
	}
	electricity := d.Credits * k.policy.PowerPerCredit
	reserve := PoolOwner(PowerReservePool)
	if have := k.balanceOf(reserve, ResourceElectricity); have < electricity {
		return "", nil, rejectInsufficient(reserve, ResourceElectricity, electricity, have), nil
	}
	if rej := k.debitBalance(reserve, ResourceElectricity, electricity); rej != nil {
		return "", nil, rej, nil
	}
	if err := k.creditBalance(AgentOwner(ag.ID), ResourceElectricity, electricity); err != nil {
		return "", nil, nil, err
	}
	ag.Credits -= d.Credits
	ag.RedeemNonce = d.Nonce
	return EvPowerRedeemed, &PowerRedeemedEvent{
		AgentID:     ag.ID,
		Credits:     d.Credits,
		Electricity: electricity,
		Nonce:       d.Nonce,
	}, nil, nil
}

func applyGrantMeta(k *Kernel, submitter string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[GrantMetaData](a)
	if err != nil {
		return "", nil, nil, err
	}
	if submitter != SystemSubmitter {
		return "", nil, rejectRule("meta grants require the system submitter"), nil
	}
	ag := k.agents[d.AgentID]
	if ag == nil {
		return "", nil, rejectAgentNotFound(d.AgentID), nil
	}
	if d.Track == "" {
		return "", nil, rejectRule("empty meta track"), nil
	}
	if d.Points <= 0 {
		return "", nil, rejectInvalidAmount(d.Points), nil
	}
	if ag.Meta == nil {
		ag.Meta = map[string]int64{}
	}
	total, err := addChecked(ag.Meta[d.Track], d.Points)
	if err != nil {
		return "", nil, nil, err
	}
	ag.Meta[d.Track] = total
	return EvMetaGranted, &MetaGrantedEvent{AgentID: ag.ID, Track: d.Track, Points: d.Points}, nil, nil
}
