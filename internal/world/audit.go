package world

// AuditEntry is one row of the governance/safety audit trail: the subset of
// journal events an operator wants queryable long after the journal itself
// has been compacted away.
type AuditEntry struct {
	WorldID string    `json:"world_id"`
	EventID uint64    `json:"event_id"`
	Time    WorldTime `json:"time"`
	Kind    string    `json:"kind"`
	Actor   string    `json:"actor,omitempty"`
	Detail  any       `json:"detail,omitempty"`
}

// auditedKinds selects which journal events make it into the audit trail.
var auditedKinds = map[string]struct{}{
	EvProposalSubmitted: {},
	EvProposalShadowed:  {},
	EvProposalApproved:  {},
	EvProposalRejected:  {},
	EvProposalApplied:   {},
	EvPolicyUpdated:     {},
	EvModuleCallFailed:  {},
	EvActionRejected:    {},
	EvCreditsMinted:     {},
	EvCreditsBurned:     {},
}

// AuditFromEvent converts a journal event into an audit entry, or reports
// false for kinds the trail does not track.
func AuditFromEvent(worldID string, ev Event) (AuditEntry, bool) {
	if _, ok := auditedKinds[ev.Kind]; !ok {
		return AuditEntry{}, false
	}
	entry := AuditEntry{
		WorldID: worldID,
		EventID: ev.ID,
		Time:    ev.Time,
		Kind:    ev.Kind,
		Detail:  ev.Data,
	}
	switch d := ev.Data.(type) {
	case *ProposalSubmittedEvent:
		entry.Actor = d.Proposer
	case *ProposalApprovedEvent:
		entry.Actor = d.Approver
	case *ModuleCallFailedEvent:
		entry.Actor = d.ModuleID
	case *ActionRejectedEvent:
		entry.Actor = d.Submitter
	case *CreditsMintedEvent:
		entry.Actor = d.AgentID
	case *CreditsBurnedEvent:
		entry.Actor = d.AgentID
	}
	return entry, true
}
