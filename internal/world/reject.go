package world

// Reject codes. A rejection is a committed ActionRejected event, never a Go
// error; Go errors are reserved for broken invariants and I/O.
const (
	RejectAgentNotFound        = "AGENT_NOT_FOUND"
	RejectLocationNotFound     = "LOCATION_NOT_FOUND"
	RejectDuplicateID          = "DUPLICATE_ID"
	RejectInvalidAmount        = "INVALID_AMOUNT"
	RejectInsufficientResource = "INSUFFICIENT_RESOURCE"
	RejectRuleDenied           = "RULE_DENIED"
	RejectOwnerMismatch        = "OWNER_MISMATCH"
	RejectQuotaExceeded        = "QUOTA_EXCEEDED"
)

var knownRejectCodes = map[string]struct{}{
	RejectAgentNotFound:        {},
	RejectLocationNotFound:     {},
	RejectDuplicateID:          {},
	RejectInvalidAmount:        {},
	RejectInsufficientResource: {},
	RejectRuleDenied:           {},
	RejectOwnerMismatch:        {},
	RejectQuotaExceeded:        {},
}

func IsKnownRejectCode(code string) bool {
	_, ok := knownRejectCodes[code]
	return ok
}

// RejectReason describes why an action was refused. Only the fields relevant
// to the code are set.
type RejectReason struct {
	Code       string         `json:"code" cbor:"code"`
	AgentID    string         `json:"agent_id,omitempty" cbor:"agent_id,omitempty"`
	LocationID string         `json:"location_id,omitempty" cbor:"location_id,omitempty"`
	Owner      *ResourceOwner `json:"owner,omitempty" cbor:"owner,omitempty"`
	Kind       ResourceKind   `json:"kind,omitempty" cbor:"kind,omitempty"`
	Amount     int64          `json:"amount,omitempty" cbor:"amount,omitempty"`
	Requested  int64          `json:"requested,omitempty" cbor:"requested,omitempty"`
	Available  int64          `json:"available,omitempty" cbor:"available,omitempty"`
	Notes      string         `json:"notes,omitempty" cbor:"notes,omitempty"`
}

func rejectAgentNotFound(id string) *RejectReason {
	return &RejectReason{Code: RejectAgentNotFound, AgentID: id}
}

func rejectLocationNotFound(id string) *RejectReason {
	return &RejectReason{Code: RejectLocationNotFound, LocationID: id}
}

func rejectDuplicateID(notes string) *RejectReason {
	return &RejectReason{Code: RejectDuplicateID, Notes: notes}
}

func rejectInvalidAmount(amount int64) *RejectReason {
	return &RejectReason{Code: RejectInvalidAmount, Amount: amount}
}

func rejectInsufficient(owner ResourceOwner, kind ResourceKind, requested, available int64) *RejectReason {
	o := owner
	return &RejectReason{
		Code:      RejectInsufficientResource,
		Owner:     &o,
		Kind:      kind,
		Requested: requested,
		Available: available,
	}
}

func rejectRule(notes string) *RejectReason {
	return &RejectReason{Code: RejectRuleDenied, Notes: notes}
}

func rejectOwnerMismatch(notes string) *RejectReason {
	return &RejectReason{Code: RejectOwnerMismatch, Notes: notes}
}

func rejectQuota(notes string) *RejectReason {
	return &RejectReason{Code: RejectQuotaExceeded, Notes: notes}
}
