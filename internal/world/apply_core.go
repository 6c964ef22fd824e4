package world

import (
	"fmt"
	"sort"
)

type applyFunc func(k *Kernel, submitter string, a Action) (string, any, *RejectReason, error)

var applyDispatch = map[string]applyFunc{
	ActRegisterAgent:    applyRegisterAgent,
	ActRegisterLocation: applyRegisterLocation,
	ActMoveAgent:        applyMoveAgent,
	ActTransferResource: applyTransferResource,
	ActHarvestRadiation: applyHarvestRadiation,
	ActMineCompound:     applyMineCompound,
	ActRefineCompound:   applyRefineCompound,
	ActBuildFactory:     applyBuildFactory,
	ActScheduleRecipe:   applyScheduleRecipe,
	ActRegisterArtifact: applyRegisterArtifact,
	ActListArtifact:     applyListArtifact,
	ActBuyArtifact:      applyBuyArtifact,
	ActDelistArtifact:   applyDelistArtifact,
	ActPlaceBid:         applyPlaceBid,
	ActCancelBid:        applyCancelBid,
	ActDestroyArtifact:  applyDestroyArtifact,
	ActOpenContract:     applyOpenContract,
	ActAcceptContract:   applyAcceptContract,
	ActSettleContract:   applySettleContract,
	ActGrantDataAccess:  applyGrantDataAccess,
	ActProposeManifest:  applyProposeManifest,
	ActShadowProposal:   applyShadowProposal,
	ActApproveProposal:  applyApproveProposal,
	ActRejectProposal:   applyRejectProposal,
	ActApplyProposal:    applyApplyProposal,
	ActUpdatePolicy:     applyUpdatePolicy,
	ActDeclareCrisis:    applyDeclareCrisis,
	ActResolveCrisis:    applyResolveCrisis,
	ActPublishFact:      applyPublishFact,
	ActChallengeFact:    applyChallengeFact,
	ActAdjudicateFact:   applyAdjudicateFact,
	ActRevokeFact:       applyRevokeFact,
	ActDeclareEdge:      applyDeclareEdge,
	ActMintCredits:      applyMintCredits,
	ActBurnCredits:      applyBurnCredits,
	ActRedeemPower:      applyRedeemPower,
	ActGrantMeta:        applyGrantMeta,
	ActQueryObservation: applyQueryObservation,
}

func init() {
	if err := validateApplyDispatch(); err != nil {
		panic(err)
	}
}

func validateApplyDispatch() error {
	if len(applyDispatch) != len(actionPayloads) {
		return fmt.Errorf("applyDispatch size mismatch: got=%d want=%d", len(applyDispatch), len(actionPayloads))
	}
	for typ := range applyDispatch {
		if _, ok := actionPayloads[typ]; !ok {
			return fmt.Errorf("applyDispatch has unsupported key %q", typ)
		}
	}
	for typ := range actionPayloads {
		if _, ok := applyDispatch[typ]; !ok {
			return fmt.Errorf("applyDispatch missing key %q", typ)
		}
	}
	return nil
}

func payloadAs[T any](a Action) (*T, error) {
	p, ok := a.Data.(*T)
	if !ok {
		return nil, fmt.Errorf("action %s: payload is %T", a.Type, a.Data)
	}
	return p, nil
}

func applyRegisterAgent(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[RegisterAgentData](a)
	if err != nil {
		return "", nil, nil, err
	}
	if d.AgentID == "" {
		return "", nil, rejectRule("empty agent id"), nil
	}
	if k.agents[d.AgentID] != nil {
		return "", nil, rejectDuplicateID("agent " + d.AgentID), nil
	}
	loc := k.locations[d.LocationID]
	if loc == nil {
		return "", nil, rejectLocationNotFound(d.LocationID), nil
	}
	k.agents[d.AgentID] = &Agent{
		ID:         d.AgentID,
		LocationID: d.LocationID,
		Pos:        loc.Pos,
		RewardFrom: k.time,
	}
	return EvAgentRegistered, &AgentRegisteredEvent{
		AgentID:    d.AgentID,
		LocationID: d.LocationID,
		Pos:        loc.Pos,
	}, nil, nil
}

func applyRegisterLocation(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[RegisterLocationData](a)
	if err != nil {
		return "", nil, nil, err
	}
	if d.LocationID == "" {
		return "", nil, rejectRule("empty location id"), nil
	}
	if k.locations[d.LocationID] != nil {
		return "", nil, rejectDuplicateID("location " + d.LocationID), nil
	}
	k.locations[d.LocationID] = &Location{
		ID:        d.LocationID,
		Name:      d.Name,
		Pos:       d.Pos,
		Profile:   d.Profile,
		Radiation: k.policy.InitialRadiation,
	}
	return EvLocationRegistered, &LocationRegisteredEvent{
		LocationID: d.LocationID,
		Name:       d.Name,
		Pos:        d.Pos,
		Profile:    d.Profile,
	}, nil, nil
}

func applyMoveAgent(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[MoveAgentData](a)
	if err != nil {
		return "", nil, nil, err
	}
	ag := k.agents[d.AgentID]
	if ag == nil {
		return "", nil, rejectAgentNotFound(d.AgentID), nil
	}
	dst := k.locations[d.ToLocationID]
	if dst == nil {
		return "", nil, rejectLocationNotFound(d.ToLocationID), nil
	}
	if ag.LocationID == d.ToLocationID {
		return "", nil, rejectRule("agent already at location " + d.ToLocationID), nil
	}
	dist := DistanceCm(ag.Pos, dst.Pos)
	cost := MoveElectricityCost(dist, k.policy.MoveCostPerKm)
	if rej := k.debitBalance(AgentOwner(ag.ID), ResourceElectricity, cost); rej != nil {
		return "", nil, rej, nil
	}
	from := ag.LocationID
	ag.LocationID = d.ToLocationID
	ag.Pos = dst.Pos
	return EvAgentMoved, &AgentMovedEvent{
		AgentID:         ag.ID,
		From:            from,
		To:              d.ToLocationID,
		DistanceCm:      dist,
		ElectricityCost: cost,
	}, nil, nil
}

func applyTransferResource(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[TransferResourceData](a)
	if err != nil {
		return "", nil, nil, err
	}
	if !IsKnownResourceKind(d.Kind) {
		return "", nil, rejectRule(fmt.Sprintf("unknown resource kind %q", d.Kind)), nil
	}
	if d.Amount <= 0 {
		return "", nil, rejectInvalidAmount(d.Amount), nil
	}
	if rej := k.ownerReject(d.From); rej != nil {
		return "", nil, rej, nil
	}
	if rej := k.ownerReject(d.To); rej != nil {
		return "", nil, rej, nil
	}
	if rej := k.debitBalance(d.From, d.Kind, d.Amount); rej != nil {
		return "", nil, rej, nil
	}
	if err := k.creditBalance(d.To, d.Kind, d.Amount); err != nil {
		return "", nil, nil, err
	}
	return EvResourceTransfer, &ResourceTransferredEvent{
		From:   d.From,
		To:     d.To,
		Kind:   d.Kind,
		Amount: d.Amount,
	}, nil, nil
}

func applyHarvestRadiation(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[HarvestRadiationData](a)
	if err != nil {
		return "", nil, nil, err
	}
	ag := k.agents[d.AgentID]
	if ag == nil {
		return "", nil, rejectAgentNotFound(d.AgentID), nil
	}
	if d.Amount <= 0 {
		return "", nil, rejectInvalidAmount(d.Amount), nil
	}
	loc := k.locations[ag.LocationID]
	if loc == nil {
		return "", nil, rejectLocationNotFound(ag.LocationID), nil
	}
	if loc.Radiation < d.Amount {
		return "", nil, rejectInsufficient(LocationOwner(loc.ID), ResourceElectricity, d.Amount, loc.Radiation), nil
	}
	loc.Radiation -= d.Amount
	if err := k.creditBalance(AgentOwner(ag.ID), ResourceElectricity, d.Amount); err != nil {
		return "", nil, nil, err
	}
	return EvRadiationHarvested, &RadiationHarvestedEvent{
		AgentID:    ag.ID,
		LocationID: loc.ID,
		Amount:     d.Amount,
		Available:  loc.Radiation,
	}, nil, nil
}

func ceilDivInt64(a, b int64) int64 {
	return (a + b - 1) / b
}

func applyMineCompound(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[MineCompoundData](a)
	if err != nil {
		return "", nil, nil, err
	}
	ag := k.agents[d.AgentID]
	if ag == nil {
		return "", nil, rejectAgentNotFound(d.AgentID), nil
	}
	if d.MassG <= 0 {
		return "", nil, rejectInvalidAmount(d.MassG), nil
	}
	cost := ceilDivInt64(d.MassG, 1_000) * k.policy.MineElectricityPerKg
	if rej := k.debitBalance(AgentOwner(ag.ID), ResourceElectricity, cost); rej != nil {
		return "", nil, rej, nil
	}
	total, err := addChecked(ag.CompoundG, d.MassG)
	if err != nil {
		return "", nil, nil, err
	}
	ag.CompoundG = total
	return EvCompoundMined, &CompoundMinedEvent{
		AgentID:         ag.ID,
		MassG:           d.MassG,
		ElectricityCost: cost,
	}, nil, nil
}

func applyRefineCompound(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[RefineCompoundData](a)
	if err != nil {
		return "", nil, nil, err
	}
	ag := k.agents[d.AgentID]
	if ag == nil {
		return "", nil, rejectAgentNotFound(d.AgentID), nil
	}
	if d.MassG < k.policy.RefineGramsPerHardware {
		return "", nil, rejectInvalidAmount(d.MassG), nil
	}
	if ag.CompoundG < d.MassG {
		return "", nil, rejectRule(fmt.Sprintf("insufficient compound: requested %d g, available %d g", d.MassG, ag.CompoundG)), nil
	}
	cost := ceilDivInt64(d.MassG, 1_000) * k.policy.RefineElectricityPerKg
	if rej := k.debitBalance(AgentOwner(ag.ID), ResourceElectricity, cost); rej != nil {
		return "", nil, rej, nil
	}
	out := d.MassG / k.policy.RefineGramsPerHardware
	ag.CompoundG -= d.MassG
	if err := k.creditBalance(AgentOwner(ag.ID), ResourceHardware, out); err != nil {
		return "", nil, nil, err
	}
	return EvCompoundRefined, &CompoundRefinedEvent{
		AgentID:         ag.ID,
		MassG:           d.MassG,
		ElectricityCost: cost,
		HardwareOutput:  out,
	}, nil, nil
}

func applyBuildFactory(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[BuildFactoryData](a)
	if err != nil {
		return "", nil, nil, err
	}
	ag := k.agents[d.AgentID]
	if ag == nil {
		return "", nil, rejectAgentNotFound(d.AgentID), nil
	}
	if k.locations[d.LocationID] == nil {
		return "", nil, rejectLocationNotFound(d.LocationID), nil
	}
	if d.FacilityID == "" {
		return "", nil, rejectRule("empty facility id"), nil
	}
	if k.facilities[d.FacilityID] != nil {
		return "", nil, rejectDuplicateID("facility " + d.FacilityID), nil
	}
	cost := k.policy.FactoryHardwareCost
	if rej := k.debitBalance(AgentOwner(ag.ID), ResourceHardware, cost); rej != nil {
		return "", nil, rej, nil
	}
	k.facilities[d.FacilityID] = &Facility{ID: d.FacilityID, LocationID: d.LocationID, Owner: ag.ID}
	return EvFactoryBuilt, &FactoryBuiltEvent{
		AgentID:      ag.ID,
		LocationID:   d.LocationID,
		FacilityID:   d.FacilityID,
		HardwareCost: cost,
	}, nil, nil
}

func applyScheduleRecipe(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[ScheduleRecipeData](a)
	if err != nil {
		return "", nil, nil, err
	}
	ag := k.agents[d.AgentID]
	if ag == nil {
		return "", nil, rejectAgentNotFound(d.AgentID), nil
	}
	fac := k.facilities[d.FacilityID]
	if fac == nil {
		return "", nil, rejectRule("facility not found: " + d.FacilityID), nil
	}
	if fac.Owner != ag.ID {
		return "", nil, rejectOwnerMismatch(fmt.Sprintf("facility %s is owned by %s", fac.ID, fac.Owner)), nil
	}
	if d.Runs <= 0 {
		return "", nil, rejectInvalidAmount(d.Runs), nil
	}
	cost := d.Runs * k.policy.RecipeElectricityCost
	if rej := k.debitBalance(AgentOwner(ag.ID), ResourceElectricity, cost); rej != nil {
		return "", nil, rej, nil
	}
	out := d.Runs * k.policy.RecipeHardwareOutput
	if err := k.creditBalance(AgentOwner(ag.ID), ResourceHardware, out); err != nil {
		return "", nil, nil, err
	}
	return EvRecipeScheduled, &RecipeScheduledEvent{
		FacilityID:      fac.ID,
		RecipeID:        d.RecipeID,
		Runs:            d.Runs,
		ElectricityCost: cost,
		HardwareOutput:  out,
	}, nil, nil
}

func applyDeclareCrisis(k *Kernel, submitter string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[DeclareCrisisData](a)
	if err != nil {
		return "", nil, nil, err
	}
	if d.CrisisID == "" {
		return "", nil, rejectRule("empty crisis id"), nil
	}
	if d.Severity <= 0 {
		return "", nil, rejectInvalidAmount(d.Severity), nil
	}
	if k.crises[d.CrisisID] != nil {
		return "", nil, rejectDuplicateID("crisis " + d.CrisisID), nil
	}
	k.crises[d.CrisisID] = &Crisis{ID: d.CrisisID, Kind: d.Kind, Severity: d.Severity, Active: true}
	return EvCrisisDeclared, &CrisisDeclaredEvent{CrisisID: d.CrisisID, Kind: d.Kind, Severity: d.Severity}, nil, nil
}

func applyResolveCrisis(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[ResolveCrisisData](a)
	if err != nil {
		return "", nil, nil, err
	}
	c := k.crises[d.CrisisID]
	if c == nil {
		return "", nil, rejectRule("crisis not found: " + d.CrisisID), nil
	}
	if !c.Active {
		return "", nil, rejectRule("crisis already resolved: " + d.CrisisID), nil
	}
	c.Active = false
	return EvCrisisResolved, &CrisisResolvedEvent{CrisisID: d.CrisisID}, nil, nil
}

func applyQueryObservation(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[QueryObservationData](a)
	if err != nil {
		return "", nil, nil, err
	}
	ag := k.agents[d.AgentID]
	if ag == nil {
		return "", nil, rejectAgentNotFound(d.AgentID), nil
	}
	obs := k.observe(ag)
	return EvObserved, &ObservedEvent{Observation: obs}, nil, nil
}

// observe collects everything within the visibility range, nearest first,
// ids breaking distance ties so the result is deterministic.
func (k *Kernel) observe(ag *Agent) Observation {
	rng := k.policy.VisibilityRangeCm
	obs := Observation{
		Time:             k.time,
		AgentID:          ag.ID,
		Pos:              ag.Pos,
		VisibilityCm:     rng,
		VisibleAgents:    []ObservedAgent{},
		VisibleLocations: []ObservedLocation{},
	}
	for id, other := range k.agents {
		if id == ag.ID {
			continue
		}
		dist := DistanceCm(ag.Pos, other.Pos)
		if dist > rng {
			continue
		}
		obs.VisibleAgents = append(obs.VisibleAgents, ObservedAgent{
			AgentID:    id,
			LocationID: other.LocationID,
			Pos:        other.Pos,
			DistanceCm: dist,
		})
	}
	sort.Slice(obs.VisibleAgents, func(i, j int) bool {
		a, b := obs.VisibleAgents[i], obs.VisibleAgents[j]
		if a.DistanceCm != b.DistanceCm {
			return a.DistanceCm < b.DistanceCm
		}
		return a.AgentID < b.AgentID
	})
	for id, loc := range k.locations {
		dist := DistanceCm(ag.Pos, loc.Pos)
		if dist > rng {
			continue
		}
		obs.VisibleLocations = append(obs.VisibleLocations, ObservedLocation{
			LocationID: id,
			Name:       loc.Name,
			Pos:        loc.Pos,
			Profile:    loc.Profile,
			DistanceCm: dist,
		})
	}
	sort.Slice(obs.VisibleLocations, func(i, j int) bool {
		a, b := obs.VisibleLocations[i], obs.VisibleLocations[j]
		if a.DistanceCm != b.DistanceCm {
			return a.DistanceCm < b.DistanceCm
		}
		return a.LocationID < b.LocationID
	})
	return obs
}
