package world

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"agentworld.ai/internal/codec"
)

// Event kinds.
const (
	EvAgentRegistered    = "agent_registered"
	EvLocationRegistered = "location_registered"
	EvAgentMoved         = "agent_moved"
	EvResourceTransfer   = "resource_transferred"
	EvRadiationHarvested = "radiation_harvested"
	EvCompoundMined      = "compound_mined"
	EvCompoundRefined    = "compound_refined"
	EvFactoryBuilt       = "factory_built"
	EvRecipeScheduled    = "recipe_scheduled"

	EvArtifactRegistered = "artifact_registered"
	EvArtifactListed     = "artifact_listed"
	EvArtifactSold       = "artifact_sold"
	EvArtifactDelisted   = "artifact_delisted"
	EvBidPlaced          = "artifact_bid_placed"
	EvBidCancelled       = "artifact_bid_cancelled"
	EvArtifactDestroyed  = "artifact_destroyed"

	EvContractOpened    = "contract_opened"
	EvContractAccepted  = "contract_accepted"
	EvContractSettled   = "contract_settled"
	EvDataAccessGranted = "data_access_granted"

	EvProposalSubmitted = "proposal_submitted"
	EvProposalShadowed  = "proposal_shadowed"
	EvProposalApproved  = "proposal_approved"
	EvProposalRejected  = "proposal_rejected"
	EvProposalApplied   = "proposal_applied"
	EvPolicyUpdated     = "policy_updated"

	EvCrisisDeclared = "crisis_declared"
	EvCrisisResolved = "crisis_resolved"

	EvFactPublished   = "fact_published"
	EvFactChallenged  = "fact_challenged"
	EvFactAdjudicated = "fact_adjudicated"
	EvFactRevoked     = "fact_revoked"
	EvEdgeDeclared    = "edge_declared"

	EvCreditsMinted = "credits_minted"
	EvCreditsBurned = "credits_burned"
	EvPowerRedeemed = "power_redeemed"
	EvMetaGranted   = "meta_granted"

	EvObserved         = "observed"
	EvModuleCallFailed = "module_call_failed"
	EvModuleEmitted    = "module_emitted"
	EvActionRejected   = "action_rejected"
)

// Event is one committed journal entry. ID is the journal index.
type Event struct {
	ID   uint64
	Time WorldTime
	Kind string
	Data any
}

type taggedEventJSON struct {
	ID   uint64          `json:"id"`
	Time WorldTime       `json:"time"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type taggedEventCBOR struct {
	ID   uint64          `cbor:"id"`
	Time WorldTime       `cbor:"time"`
	Kind string          `cbor:"kind"`
	Data cbor.RawMessage `cbor:"data"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(taggedEventJSON{ID: e.ID, Time: e.Time, Kind: e.Kind, Data: data})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var raw taggedEventJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	mk, ok := eventPayloads[raw.Kind]
	if !ok {
		return fmt.Errorf("unknown event kind %q", raw.Kind)
	}
	data := mk()
	if len(raw.Data) > 0 {
		if err := json.Unmarshal(raw.Data, data); err != nil {
			return err
		}
	}
	e.ID, e.Time, e.Kind, e.Data = raw.ID, raw.Time, raw.Kind, data
	return nil
}

func (e Event) MarshalCBOR() ([]byte, error) {
	data, err := codec.MarshalCanonical(e.Data)
	if err != nil {
		return nil, err
	}
	return codec.MarshalCanonical(taggedEventCBOR{ID: e.ID, Time: e.Time, Kind: e.Kind, Data: data})
}

func (e *Event) UnmarshalCBOR(b []byte) error {
	var raw taggedEventCBOR
	if err := codec.Unmarshal(b, &raw); err != nil {
		return err
	}
	mk, ok := eventPayloads[raw.Kind]
	if !ok {
		return fmt.Errorf("unknown event kind %q", raw.Kind)
	}
	data := mk()
	if len(raw.Data) > 0 {
		if err := codec.Unmarshal(raw.Data, data); err != nil {
			return err
		}
	}
	e.ID, e.Time, e.Kind, e.Data = raw.ID, raw.Time, raw.Kind, data
	return nil
}

type AgentRegisteredEvent struct {
	AgentID    string `json:"agent_id" cbor:"agent_id"`
	LocationID string `json:"location_id" cbor:"location_id"`
	Pos        GeoPos `json:"pos" cbor:"pos"`
}

type LocationRegisteredEvent struct {
	LocationID string          `json:"location_id" cbor:"location_id"`
	Name       string          `json:"name" cbor:"name"`
	Pos        GeoPos          `json:"pos" cbor:"pos"`
	Profile    LocationProfile `json:"profile" cbor:"profile"`
}

type AgentMovedEvent struct {
	AgentID         string `json:"agent_id" cbor:"agent_id"`
	From            string `json:"from" cbor:"from"`
	To              string `json:"to" cbor:"to"`
	DistanceCm      int64  `json:"distance_cm" cbor:"distance_cm"`
	ElectricityCost int64  `json:"electricity_cost" cbor:"electricity_cost"`
}

type ResourceTransferredEvent struct {
	From   ResourceOwner `json:"from" cbor:"from"`
	To     ResourceOwner `json:"to" cbor:"to"`
	Kind   ResourceKind  `json:"kind" cbor:"kind"`
	Amount int64         `json:"amount" cbor:"amount"`
}

type RadiationHarvestedEvent struct {
	AgentID    string `json:"agent_id" cbor:"agent_id"`
	LocationID string `json:"location_id" cbor:"location_id"`
	Amount     int64  `json:"amount" cbor:"amount"`
	Available  int64  `json:"available" cbor:"available"`
}

type CompoundMinedEvent struct {
	AgentID         string `json:"agent_id" cbor:"agent_id"`
	MassG           int64  `json:"mass_g" cbor:"mass_g"`
	ElectricityCost int64  `json:"electricity_cost" cbor:"electricity_cost"`
}

type CompoundRefinedEvent struct {
	AgentID         string `json:"agent_id" cbor:"agent_id"`
	MassG           int64  `json:"mass_g" cbor:"mass_g"`
	ElectricityCost int64  `json:"electricity_cost" cbor:"electricity_cost"`
	HardwareOutput  int64  `json:"hardware_output" cbor:"hardware_output"`
}

type FactoryBuiltEvent struct {
	AgentID      string `json:"agent_id" cbor:"agent_id"`
	LocationID   string `json:"location_id" cbor:"location_id"`
	FacilityID   string `json:"facility_id" cbor:"facility_id"`
	HardwareCost int64  `json:"hardware_cost" cbor:"hardware_cost"`
}

type RecipeScheduledEvent struct {
	FacilityID      string `json:"facility_id" cbor:"facility_id"`
	RecipeID        string `json:"recipe_id" cbor:"recipe_id"`
	Runs            int64  `json:"runs" cbor:"runs"`
	ElectricityCost int64  `json:"electricity_cost" cbor:"electricity_cost"`
	HardwareOutput  int64  `json:"hardware_output" cbor:"hardware_output"`
}

type ArtifactRegisteredEvent struct {
	WasmHash  string           `json:"wasm_hash" cbor:"wasm_hash"`
	Publisher string           `json:"publisher" cbor:"publisher"`
	Identity  ArtifactIdentity `json:"identity" cbor:"identity"`
}

type ArtifactListedEvent struct {
	ListingID    string `json:"listing_id" cbor:"listing_id"`
	Seller       string `json:"seller" cbor:"seller"`
	WasmHash     string `json:"wasm_hash" cbor:"wasm_hash"`
	PriceCredits int64  `json:"price_credits" cbor:"price_credits"`
}

type ArtifactSoldEvent struct {
	ListingID    string `json:"listing_id" cbor:"listing_id"`
	BidID        string `json:"bid_id,omitempty" cbor:"bid_id,omitempty"`
	WasmHash     string `json:"wasm_hash" cbor:"wasm_hash"`
	Seller       string `json:"seller" cbor:"seller"`
	Buyer        string `json:"buyer" cbor:"buyer"`
	PriceCredits int64  `json:"price_credits" cbor:"price_credits"`
}

type ArtifactDelistedEvent struct {
	ListingID string `json:"listing_id" cbor:"listing_id"`
}

type BidPlacedEvent struct {
	BidID        string `json:"bid_id" cbor:"bid_id"`
	Buyer        string `json:"buyer" cbor:"buyer"`
	WasmHash     string `json:"wasm_hash" cbor:"wasm_hash"`
	PriceCredits int64  `json:"price_credits" cbor:"price_credits"`
}

type BidCancelledEvent struct {
	BidID string `json:"bid_id" cbor:"bid_id"`
}

type ArtifactDestroyedEvent struct {
	WasmHash string `json:"wasm_hash" cbor:"wasm_hash"`
}

type ContractOpenedEvent struct {
	ContractID   string       `json:"contract_id" cbor:"contract_id"`
	Proposer     string       `json:"proposer" cbor:"proposer"`
	Counterparty string       `json:"counterparty" cbor:"counterparty"`
	Kind         ResourceKind `json:"kind" cbor:"kind"`
	Amount       int64        `json:"amount" cbor:"amount"`
	ExpiresAt    WorldTime    `json:"expires_at" cbor:"expires_at"`
}

type ContractAcceptedEvent struct {
	ContractID string `json:"contract_id" cbor:"contract_id"`
	Acceptor   string `json:"acceptor" cbor:"acceptor"`
}

type ContractSettledEvent struct {
	ContractID string       `json:"contract_id" cbor:"contract_id"`
	Kind       ResourceKind `json:"kind" cbor:"kind"`
	Amount     int64        `json:"amount" cbor:"amount"`
	Tax        int64        `json:"tax" cbor:"tax"`
	Payer      string       `json:"payer" cbor:"payer"`
	Payee      string       `json:"payee" cbor:"payee"`
}

type DataAccessGrantedEvent struct {
	Grantor   string    `json:"grantor" cbor:"grantor"`
	Grantee   string    `json:"grantee" cbor:"grantee"`
	ExpiresAt WorldTime `json:"expires_at" cbor:"expires_at"`
}

type ProposalSubmittedEvent struct {
	ProposalID string `json:"proposal_id" cbor:"proposal_id"`
	Proposer   string `json:"proposer" cbor:"proposer"`
}

type ProposalShadowedEvent struct {
	ProposalID string `json:"proposal_id" cbor:"proposal_id"`
}

type ProposalApprovedEvent struct {
	ProposalID string `json:"proposal_id" cbor:"proposal_id"`
	Approver   string `json:"approver" cbor:"approver"`
	Approvals  int64  `json:"approvals" cbor:"approvals"`
	Final      bool   `json:"final" cbor:"final"`
}

type ProposalRejectedEvent struct {
	ProposalID string `json:"proposal_id" cbor:"proposal_id"`
	Reason     string `json:"reason,omitempty" cbor:"reason,omitempty"`
}

type ProposalAppliedEvent struct {
	ProposalID string         `json:"proposal_id" cbor:"proposal_id"`
	Content    map[string]any `json:"content" cbor:"content"`
}

type PolicyUpdatedEvent struct {
	ElectricityTaxBps int64 `json:"electricity_tax_bps" cbor:"electricity_tax_bps"`
	PowerTradeFeeBps  int64 `json:"power_trade_fee_bps" cbor:"power_trade_fee_bps"`
	DataTaxBps        int64 `json:"data_tax_bps" cbor:"data_tax_bps"`
	MoveCostPerKm     int64 `json:"move_cost_per_km" cbor:"move_cost_per_km"`
}

type CrisisDeclaredEvent struct {
	CrisisID string `json:"crisis_id" cbor:"crisis_id"`
	Kind     string `json:"kind" cbor:"kind"`
	Severity int64  `json:"severity" cbor:"severity"`
}

type CrisisResolvedEvent struct {
	CrisisID string `json:"crisis_id" cbor:"crisis_id"`
}

type FactPublishedEvent struct {
	FactID    string    `json:"fact_id" cbor:"fact_id"`
	Author    string    `json:"author" cbor:"author"`
	Subject   string    `json:"subject" cbor:"subject"`
	Stake     int64     `json:"stake" cbor:"stake"`
	ExpiresAt WorldTime `json:"expires_at" cbor:"expires_at"`
}

type FactChallengedEvent struct {
	FactID     string `json:"fact_id" cbor:"fact_id"`
	Challenger string `json:"challenger" cbor:"challenger"`
	Stake      int64  `json:"stake" cbor:"stake"`
}

type FactAdjudicatedEvent struct {
	FactID string `json:"fact_id" cbor:"fact_id"`
	Upheld bool   `json:"upheld" cbor:"upheld"`
}

type FactRevokedEvent struct {
	FactID string `json:"fact_id" cbor:"fact_id"`
}

type EdgeDeclaredEvent struct {
	EdgeID    string    `json:"edge_id" cbor:"edge_id"`
	FromAgent string    `json:"from_agent" cbor:"from_agent"`
	ToAgent   string    `json:"to_agent" cbor:"to_agent"`
	Kind      string    `json:"kind" cbor:"kind"`
	ExpiresAt WorldTime `json:"expires_at" cbor:"expires_at"`
}

type CreditsMintedEvent struct {
	AgentID string `json:"agent_id" cbor:"agent_id"`
	Credits int64  `json:"credits" cbor:"credits"`
}

type CreditsBurnedEvent struct {
	AgentID string `json:"agent_id" cbor:"agent_id"`
	Credits int64  `json:"credits" cbor:"credits"`
}

type PowerRedeemedEvent struct {
	AgentID     string `json:"agent_id" cbor:"agent_id"`
	Credits     int64  `json:"credits" cbor:"credits"`
	Electricity int64  `json:"electricity" cbor:"electricity"`
	Nonce       uint64 `json:"nonce" cbor:"nonce"`
}

type MetaGrantedEvent struct {
	AgentID string `json:"agent_id" cbor:"agent_id"`
	Track   string `json:"track" cbor:"track"`
	Points  int64  `json:"points" cbor:"points"`
}

type ObservedEvent struct {
	Observation Observation `json:"observation" cbor:"observation"`
}

type ModuleCallFailedEvent struct {
	ModuleID string `json:"module_id" cbor:"module_id"`
	Version  string `json:"version" cbor:"version"`
	Code     string `json:"code" cbor:"code"`
	Detail   string `json:"detail,omitempty" cbor:"detail,omitempty"`
}

type ModuleEmittedEvent struct {
	ModuleID   string `json:"module_id" cbor:"module_id"`
	Topic      string `json:"topic" cbor:"topic"`
	PayloadHex string `json:"payload_hex" cbor:"payload_hex"`
}

type ActionRejectedEvent struct {
	ActionType string       `json:"action_type" cbor:"action_type"`
	Submitter  string       `json:"submitter" cbor:"submitter"`
	Reason     RejectReason `json:"reason" cbor:"reason"`
}

var eventPayloads = map[string]func() any{
	EvAgentRegistered:    func() any { return &AgentRegisteredEvent{} },
	EvLocationRegistered: func() any { return &LocationRegisteredEvent{} },
	EvAgentMoved:         func() any { return &AgentMovedEvent{} },
	EvResourceTransfer:   func() any { return &ResourceTransferredEvent{} },
	EvRadiationHarvested: func() any { return &RadiationHarvestedEvent{} },
	EvCompoundMined:      func() any { return &CompoundMinedEvent{} },
	EvCompoundRefined:    func() any { return &CompoundRefinedEvent{} },
	EvFactoryBuilt:       func() any { return &FactoryBuiltEvent{} },
	EvRecipeScheduled:    func() any { return &RecipeScheduledEvent{} },
	EvArtifactRegistered: func() any { return &ArtifactRegisteredEvent{} },
	EvArtifactListed:     func() any { return &ArtifactListedEvent{} },
	EvArtifactSold:       func() any { return &ArtifactSoldEvent{} },
	EvArtifactDelisted:   func() any { return &ArtifactDelistedEvent{} },
	EvBidPlaced:          func() any { return &BidPlacedEvent{} },
	EvBidCancelled:       func() any { return &BidCancelledEvent{} },
	EvArtifactDestroyed:  func() any { return &ArtifactDestroyedEvent{} },
	EvContractOpened:     func() any { return &ContractOpenedEvent{} },
	EvContractAccepted:   func() any { return &ContractAcceptedEvent{} },
	EvContractSettled:    func() any { return &ContractSettledEvent{} },
	EvDataAccessGranted:  func() any { return &DataAccessGrantedEvent{} },
	EvProposalSubmitted:  func() any { return &ProposalSubmittedEvent{} },
	EvProposalShadowed:   func() any { return &ProposalShadowedEvent{} },
	EvProposalApproved:   func() any { return &ProposalApprovedEvent{} },
	EvProposalRejected:   func() any { return &ProposalRejectedEvent{} },
	EvProposalApplied:    func() any { return &ProposalAppliedEvent{} },
	EvPolicyUpdated:      func() any { return &PolicyUpdatedEvent{} },
	EvCrisisDeclared:     func() any { return &CrisisDeclaredEvent{} },
	EvCrisisResolved:     func() any { return &CrisisResolvedEvent{} },
	EvFactPublished:      func() any { return &FactPublishedEvent{} },
	EvFactChallenged:     func() any { return &FactChallengedEvent{} },
	EvFactAdjudicated:    func() any { return &FactAdjudicatedEvent{} },
	EvFactRevoked:        func() any { return &FactRevokedEvent{} },
	EvEdgeDeclared:       func() any { return &EdgeDeclaredEvent{} },
	EvCreditsMinted:      func() any { return &CreditsMintedEvent{} },
	EvCreditsBurned:      func() any { return &CreditsBurnedEvent{} },
	EvPowerRedeemed:      func() any { return &PowerRedeemedEvent{} },
	EvMetaGranted:        func() any { return &MetaGrantedEvent{} },
	EvObserved:           func() any { return &ObservedEvent{} },
	EvModuleCallFailed:   func() any { return &ModuleCallFailedEvent{} },
	EvModuleEmitted:      func() any { return &ModuleEmittedEvent{} },
	EvActionRejected:     func() any { return &ActionRejectedEvent{} },
}
