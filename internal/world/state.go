package world

import "fmt"

// Agent is a registered actor. Resource balances live in the shared balance
// table; per-agent scalars live here.
type Agent struct {
	ID          string    `json:"id" cbor:"id"`
	LocationID  string    `json:"location_id" cbor:"location_id"`
	Pos         GeoPos    `json:"pos" cbor:"pos"`
	CompoundG   int64     `json:"compound_g" cbor:"compound_g"`
	Credits     int64     `json:"credits" cbor:"credits"`
	RedeemNonce uint64    `json:"redeem_nonce" cbor:"redeem_nonce"`
	Reputation  int64     `json:"reputation" cbor:"reputation"`
	RewardFrom  WorldTime `json:"reward_from" cbor:"reward_from"`
	RewardUsed  int64     `json:"reward_used" cbor:"reward_used"`

	Meta map[string]int64 `json:"meta,omitempty" cbor:"meta,omitempty"`
}

type Location struct {
	ID        string          `json:"id" cbor:"id"`
	Name      string          `json:"name" cbor:"name"`
	Pos       GeoPos          `json:"pos" cbor:"pos"`
	Profile   LocationProfile `json:"profile" cbor:"profile"`
	Radiation int64           `json:"radiation" cbor:"radiation"`
}

type Facility struct {
	ID         string `json:"id" cbor:"id"`
	LocationID string `json:"location_id" cbor:"location_id"`
	Owner      string `json:"owner" cbor:"owner"`
}

// ModuleArtifact is published wasm identified by its content hash.
type ModuleArtifact struct {
	WasmHash  string           `json:"wasm_hash" cbor:"wasm_hash"`
	Publisher string           `json:"publisher" cbor:"publisher"`
	Identity  ArtifactIdentity `json:"identity" cbor:"identity"`
	Sales     uint64           `json:"sales" cbor:"sales"`
	Active    bool             `json:"active" cbor:"active"`
}

type Listing struct {
	ID           string `json:"id" cbor:"id"`
	Seller       string `json:"seller" cbor:"seller"`
	WasmHash     string `json:"wasm_hash" cbor:"wasm_hash"`
	PriceCredits int64  `json:"price_credits" cbor:"price_credits"`
	OrderID      uint64 `json:"order_id" cbor:"order_id"`
}

type Bid struct {
	ID           string `json:"id" cbor:"id"`
	Buyer        string `json:"buyer" cbor:"buyer"`
	WasmHash     string `json:"wasm_hash" cbor:"wasm_hash"`
	PriceCredits int64  `json:"price_credits" cbor:"price_credits"`
	OrderID      uint64 `json:"order_id" cbor:"order_id"`
}

// Contract statuses.
const (
	ContractOpen     = "open"
	ContractAccepted = "accepted"
	ContractSettled  = "settled"
	ContractExpired  = "expired"
)

type Contract struct {
	ID           string       `json:"id" cbor:"id"`
	Proposer     string       `json:"proposer" cbor:"proposer"`
	Counterparty string       `json:"counterparty" cbor:"counterparty"`
	Kind         ResourceKind `json:"kind" cbor:"kind"`
	Amount       int64        `json:"amount" cbor:"amount"`
	Status       string       `json:"status" cbor:"status"`
	ExpiresAt    WorldTime    `json:"expires_at" cbor:"expires_at"`
}

// Proposal statuses.
const (
	ProposalProposed = "proposed"
	ProposalShadowed = "shadowed"
	ProposalApproved = "approved"
	ProposalRejected = "rejected"
	ProposalApplied  = "applied"
)

type Proposal struct {
	ID        string         `json:"id" cbor:"id"`
	Proposer  string         `json:"proposer" cbor:"proposer"`
	Content   map[string]any `json:"content" cbor:"content"`
	Status    string         `json:"status" cbor:"status"`
	Approvals []string       `json:"approvals,omitempty" cbor:"approvals,omitempty"`
	Reason    string         `json:"reason,omitempty" cbor:"reason,omitempty"`
}

// Fact statuses.
const (
	FactActive     = "active"
	FactChallenged = "challenged"
	FactConfirmed  = "confirmed"
	FactRetracted  = "retracted"
	FactExpired    = "expired"
	FactRevoked    = "revoked"
)

type Fact struct {
	ID              string    `json:"id" cbor:"id"`
	Author          string    `json:"author" cbor:"author"`
	Subject         string    `json:"subject" cbor:"subject"`
	Claim           string    `json:"claim" cbor:"claim"`
	Status          string    `json:"status" cbor:"status"`
	AuthorStake     int64     `json:"author_stake" cbor:"author_stake"`
	Challenger      string    `json:"challenger,omitempty" cbor:"challenger,omitempty"`
	ChallengerStake int64     `json:"challenger_stake" cbor:"challenger_stake"`
	ExpiresAt       WorldTime `json:"expires_at" cbor:"expires_at"`
}

func factBacksEdges(status string) bool {
	return status == FactActive || status == FactConfirmed
}

type Edge struct {
	ID             string    `json:"id" cbor:"id"`
	FromAgent      string    `json:"from_agent" cbor:"from_agent"`
	ToAgent        string    `json:"to_agent" cbor:"to_agent"`
	Kind           string    `json:"kind" cbor:"kind"`
	BackingFactIDs []string  `json:"backing_fact_ids" cbor:"backing_fact_ids"`
	ExpiresAt      WorldTime `json:"expires_at" cbor:"expires_at"`
}

type Crisis struct {
	ID       string `json:"id" cbor:"id"`
	Kind     string `json:"kind" cbor:"kind"`
	Severity int64  `json:"severity" cbor:"severity"`
	Active   bool   `json:"active" cbor:"active"`
}

type DataGrant struct {
	Grantor   string    `json:"grantor" cbor:"grantor"`
	Grantee   string    `json:"grantee" cbor:"grantee"`
	ExpiresAt WorldTime `json:"expires_at" cbor:"expires_at"`
}

// Counters are monotone id/sequence sources. All increments use checked
// arithmetic; overflow stops the world.
type Counters struct {
	NextEventID uint64 `json:"next_event_id" cbor:"next_event_id"`
	NextAction  uint64 `json:"next_action" cbor:"next_action"`
	OrderSeq    uint64 `json:"order_seq" cbor:"order_seq"`
	ListingSeq  uint64 `json:"listing_seq" cbor:"listing_seq"`
	BidSeq      uint64 `json:"bid_seq" cbor:"bid_seq"`
}

func pairKey(a, b string) string { return a + "|" + b }

func addChecked(a, b int64) (int64, error) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, fmt.Errorf("int64 overflow: %d + %d", a, b)
	}
	return s, nil
}

func incChecked(v uint64) (uint64, error) {
	if v == ^uint64(0) {
		return 0, fmt.Errorf("uint64 counter overflow")
	}
	return v + 1, nil
}
