package world

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"agentworld.ai/internal/codec"
)

// Action type tags. The taxonomy is closed: unknown tags are rejected at
// submit time, and the dispatch map is validated at init against this list.
const (
	ActRegisterAgent    = "register_agent"
	ActRegisterLocation = "register_location"
	ActMoveAgent        = "move_agent"
	ActTransferResource = "transfer_resource"
	ActHarvestRadiation = "harvest_radiation"
	ActMineCompound     = "mine_compound"
	ActRefineCompound   = "refine_compound"
	ActBuildFactory     = "build_factory"
	ActScheduleRecipe   = "schedule_recipe"

	ActRegisterArtifact = "register_artifact"
	ActListArtifact     = "list_artifact"
	ActBuyArtifact      = "buy_artifact"
	ActDelistArtifact   = "delist_artifact"
	ActPlaceBid         = "place_artifact_bid"
	ActCancelBid        = "cancel_artifact_bid"
	ActDestroyArtifact  = "destroy_artifact"

	ActOpenContract    = "open_contract"
	ActAcceptContract  = "accept_contract"
	ActSettleContract  = "settle_contract"
	ActGrantDataAccess = "grant_data_access"

	ActProposeManifest = "propose_manifest"
	ActShadowProposal  = "shadow_proposal"
	ActApproveProposal = "approve_proposal"
	ActRejectProposal  = "reject_proposal"
	ActApplyProposal   = "apply_proposal"
	ActUpdatePolicy    = "update_policy"

	ActDeclareCrisis = "declare_crisis"
	ActResolveCrisis = "resolve_crisis"

	ActPublishFact    = "publish_fact"
	ActChallengeFact  = "challenge_fact"
	ActAdjudicateFact = "adjudicate_fact"
	ActRevokeFact     = "revoke_fact"
	ActDeclareEdge    = "declare_edge"

	ActMintCredits = "mint_credits"
	ActBurnCredits = "burn_credits"
	ActRedeemPower = "redeem_power"
	ActGrantMeta   = "grant_meta"

	ActQueryObservation = "query_observation"
)

// Action is a tagged union serialized as {"type": ..., "data": ...}. Data
// holds the pointer to the payload struct registered for Type.
type Action struct {
	Type string
	Data any
}

func NewAction(typ string, data any) Action {
	return Action{Type: typ, Data: data}
}

// KnownActionType reports whether typ is part of the taxonomy.
func KnownActionType(typ string) bool {
	_, ok := actionPayloads[typ]
	return ok
}

// CanonicalBytes is the byte form hashed into consensus action roots.
func (a Action) CanonicalBytes() ([]byte, error) {
	return codec.MarshalCanonical(a)
}

// PayloadHashHex is the content hash of the canonical action bytes.
func (a Action) PayloadHashHex() (string, error) {
	b, err := a.CanonicalBytes()
	if err != nil {
		return "", err
	}
	return codec.HashHex(b), nil
}

type taggedActionJSON struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type taggedActionCBOR struct {
	Type string          `cbor:"type"`
	Data cbor.RawMessage `cbor:"data"`
}

func (a Action) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(a.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(taggedActionJSON{Type: a.Type, Data: data})
}

func (a *Action) UnmarshalJSON(b []byte) error {
	var raw taggedActionJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	mk, ok := actionPayloads[raw.Type]
	if !ok {
		return fmt.Errorf("unknown action type %q", raw.Type)
	}
	data := mk()
	if len(raw.Data) > 0 {
		if err := json.Unmarshal(raw.Data, data); err != nil {
			return err
		}
	}
	a.Type = raw.Type
	a.Data = data
	return nil
}

func (a Action) MarshalCBOR() ([]byte, error) {
	data, err := codec.MarshalCanonical(a.Data)
	if err != nil {
		return nil, err
	}
	return codec.MarshalCanonical(taggedActionCBOR{Type: a.Type, Data: data})
}

func (a *Action) UnmarshalCBOR(b []byte) error {
	var raw taggedActionCBOR
	if err := codec.Unmarshal(b, &raw); err != nil {
		return err
	}
	mk, ok := actionPayloads[raw.Type]
	if !ok {
		return fmt.Errorf("unknown action type %q", raw.Type)
	}
	data := mk()
	if len(raw.Data) > 0 {
		if err := codec.Unmarshal(raw.Data, data); err != nil {
			return err
		}
	}
	a.Type = raw.Type
	a.Data = data
	return nil
}

// Registration and movement.

type RegisterAgentData struct {
	AgentID    string `json:"agent_id" cbor:"agent_id"`
	LocationID string `json:"location_id" cbor:"location_id"`
}

type RegisterLocationData struct {
	LocationID string          `json:"location_id" cbor:"location_id"`
	Name       string          `json:"name" cbor:"name"`
	Pos        GeoPos          `json:"pos" cbor:"pos"`
	Profile    LocationProfile `json:"profile" cbor:"profile"`
}

type MoveAgentData struct {
	AgentID      string `json:"agent_id" cbor:"agent_id"`
	ToLocationID string `json:"to_location_id" cbor:"to_location_id"`
}

// Resources and industry.

type TransferResourceData struct {
	From   ResourceOwner `json:"from" cbor:"from"`
	To     ResourceOwner `json:"to" cbor:"to"`
	Kind   ResourceKind  `json:"kind" cbor:"kind"`
	Amount int64         `json:"amount" cbor:"amount"`
}

type HarvestRadiationData struct {
	AgentID string `json:"agent_id" cbor:"agent_id"`
	Amount  int64  `json:"amount" cbor:"amount"`
}

type MineCompoundData struct {
	AgentID string `json:"agent_id" cbor:"agent_id"`
	MassG   int64  `json:"mass_g" cbor:"mass_g"`
}

type RefineCompoundData struct {
	AgentID string `json:"agent_id" cbor:"agent_id"`
	MassG   int64  `json:"mass_g" cbor:"mass_g"`
}

type BuildFactoryData struct {
	AgentID    string `json:"agent_id" cbor:"agent_id"`
	LocationID string `json:"location_id" cbor:"location_id"`
	FacilityID string `json:"facility_id" cbor:"facility_id"`
}

type ScheduleRecipeData struct {
	AgentID    string `json:"agent_id" cbor:"agent_id"`
	FacilityID string `json:"facility_id" cbor:"facility_id"`
	RecipeID   string `json:"recipe_id" cbor:"recipe_id"`
	Runs       int64  `json:"runs" cbor:"runs"`
}

// Module artifact market.

type ArtifactIdentity struct {
	SourceHashHex        string `json:"source_hash_hex,omitempty" cbor:"source_hash_hex,omitempty"`
	BuildManifestHashHex string `json:"build_manifest_hash_hex,omitempty" cbor:"build_manifest_hash_hex,omitempty"`
}

type RegisterArtifactData struct {
	WasmHash  string           `json:"wasm_hash" cbor:"wasm_hash"`
	Publisher string           `json:"publisher" cbor:"publisher"`
	Identity  ArtifactIdentity `json:"identity" cbor:"identity"`
}

type ListArtifactData struct {
	Seller       string `json:"seller" cbor:"seller"`
	WasmHash     string `json:"wasm_hash" cbor:"wasm_hash"`
	PriceCredits int64  `json:"price_credits" cbor:"price_credits"`
}

type BuyArtifactData struct {
	Buyer     string `json:"buyer" cbor:"buyer"`
	ListingID string `json:"listing_id" cbor:"listing_id"`
}

type DelistArtifactData struct {
	Seller    string `json:"seller" cbor:"seller"`
	ListingID string `json:"listing_id" cbor:"listing_id"`
}

type PlaceBidData struct {
	Buyer        string `json:"buyer" cbor:"buyer"`
	WasmHash     string `json:"wasm_hash" cbor:"wasm_hash"`
	PriceCredits int64  `json:"price_credits" cbor:"price_credits"`
}

type CancelBidData struct {
	Buyer string `json:"buyer" cbor:"buyer"`
	BidID string `json:"bid_id" cbor:"bid_id"`
}

type DestroyArtifactData struct {
	Actor    string `json:"actor" cbor:"actor"`
	WasmHash string `json:"wasm_hash" cbor:"wasm_hash"`
}

// Economic contracts.

type OpenContractData struct {
	ContractID   string       `json:"contract_id" cbor:"contract_id"`
	Proposer     string       `json:"proposer" cbor:"proposer"`
	Counterparty string       `json:"counterparty" cbor:"counterparty"`
	Kind         ResourceKind `json:"kind" cbor:"kind"`
	Amount       int64        `json:"amount" cbor:"amount"`
	TTL          uint64       `json:"ttl" cbor:"ttl"`
}

type AcceptContractData struct {
	ContractID string `json:"contract_id" cbor:"contract_id"`
	Acceptor   string `json:"acceptor" cbor:"acceptor"`
}

type SettleContractData struct {
	ContractID string `json:"contract_id" cbor:"contract_id"`
	Actor      string `json:"actor" cbor:"actor"`
}

type GrantDataAccessData struct {
	Grantor string `json:"grantor" cbor:"grantor"`
	Grantee string `json:"grantee" cbor:"grantee"`
	TTL     uint64 `json:"ttl" cbor:"ttl"`
}

// Governance.

type ProposeManifestData struct {
	ProposalID string         `json:"proposal_id" cbor:"proposal_id"`
	Proposer   string         `json:"proposer" cbor:"proposer"`
	Content    map[string]any `json:"content" cbor:"content"`
}

type ShadowProposalData struct {
	ProposalID string `json:"proposal_id" cbor:"proposal_id"`
	Actor      string `json:"actor" cbor:"actor"`
}

type ApproveProposalData struct {
	ProposalID string `json:"proposal_id" cbor:"proposal_id"`
	Approver   string `json:"approver" cbor:"approver"`
}

type RejectProposalData struct {
	ProposalID string `json:"proposal_id" cbor:"proposal_id"`
	Actor      string `json:"actor" cbor:"actor"`
	Reason     string `json:"reason,omitempty" cbor:"reason,omitempty"`
}

type ApplyProposalData struct {
	ProposalID string `json:"proposal_id" cbor:"proposal_id"`
	Actor      string `json:"actor" cbor:"actor"`
}

type UpdatePolicyData struct {
	Actor             string `json:"actor" cbor:"actor"`
	ElectricityTaxBps *int64 `json:"electricity_tax_bps,omitempty" cbor:"electricity_tax_bps,omitempty"`
	PowerTradeFeeBps  *int64 `json:"power_trade_fee_bps,omitempty" cbor:"power_trade_fee_bps,omitempty"`
	DataTaxBps        *int64 `json:"data_tax_bps,omitempty" cbor:"data_tax_bps,omitempty"`
	MoveCostPerKm     *int64 `json:"move_cost_per_km,omitempty" cbor:"move_cost_per_km,omitempty"`
}

// Crisis.

type DeclareCrisisData struct {
	CrisisID string `json:"crisis_id" cbor:"crisis_id"`
	Kind     string `json:"kind" cbor:"kind"`
	Severity int64  `json:"severity" cbor:"severity"`
}

type ResolveCrisisData struct {
	CrisisID string `json:"crisis_id" cbor:"crisis_id"`
}

// Social facts and edges.

type PublishFactData struct {
	FactID  string `json:"fact_id" cbor:"fact_id"`
	Author  string `json:"author" cbor:"author"`
	Subject string `json:"subject" cbor:"subject"`
	Claim   string `json:"claim" cbor:"claim"`
	Stake   int64  `json:"stake" cbor:"stake"`
	TTL     uint64 `json:"ttl" cbor:"ttl"`
}

type ChallengeFactData struct {
	FactID     string `json:"fact_id" cbor:"fact_id"`
	Challenger string `json:"challenger" cbor:"challenger"`
	Stake      int64  `json:"stake" cbor:"stake"`
}

type AdjudicateFactData struct {
	FactID      string `json:"fact_id" cbor:"fact_id"`
	Adjudicator string `json:"adjudicator" cbor:"adjudicator"`
	Upheld      bool   `json:"upheld" cbor:"upheld"`
}

type RevokeFactData struct {
	FactID string `json:"fact_id" cbor:"fact_id"`
	Actor  string `json:"actor" cbor:"actor"`
}

type DeclareEdgeData struct {
	EdgeID         string   `json:"edge_id" cbor:"edge_id"`
	FromAgent      string   `json:"from_agent" cbor:"from_agent"`
	ToAgent        string   `json:"to_agent" cbor:"to_agent"`
	Kind           string   `json:"kind" cbor:"kind"`
	BackingFactIDs []string `json:"backing_fact_ids" cbor:"backing_fact_ids"`
	TTL            uint64   `json:"ttl" cbor:"ttl"`
}

// Reward asset and meta progression.

type MintCreditsData struct {
	AgentID string `json:"agent_id" cbor:"agent_id"`
	Credits int64  `json:"credits" cbor:"credits"`
}

type BurnCreditsData struct {
	AgentID string `json:"agent_id" cbor:"agent_id"`
	Credits int64  `json:"credits" cbor:"credits"`
}

type RedeemPowerData struct {
	AgentID string `json:"agent_id" cbor:"agent_id"`
	Credits int64  `json:"credits" cbor:"credits"`
	Nonce   uint64 `json:"nonce" cbor:"nonce"`
}

type GrantMetaData struct {
	AgentID string `json:"agent_id" cbor:"agent_id"`
	Track   string `json:"track" cbor:"track"`
	Points  int64  `json:"points" cbor:"points"`
}

// Observation.

type QueryObservationData struct {
	AgentID string `json:"agent_id" cbor:"agent_id"`
}

var actionPayloads = map[string]func() any{
	ActRegisterAgent:    func() any { return &RegisterAgentData{} },
	ActRegisterLocation: func() any { return &RegisterLocationData{} },
	ActMoveAgent:        func() any { return &MoveAgentData{} },
	ActTransferResource: func() any { return &TransferResourceData{} },
	ActHarvestRadiation: func() any { return &HarvestRadiationData{} },
	ActMineCompound:     func() any { return &MineCompoundData{} },
	ActRefineCompound:   func() any { return &RefineCompoundData{} },
	ActBuildFactory:     func() any { return &BuildFactoryData{} },
	ActScheduleRecipe:   func() any { return &ScheduleRecipeData{} },
	ActRegisterArtifact: func() any { return &RegisterArtifactData{} },
	ActListArtifact:     func() any { return &ListArtifactData{} },
	ActBuyArtifact:      func() any { return &BuyArtifactData{} },
	ActDelistArtifact:   func() any { return &DelistArtifactData{} },
	ActPlaceBid:         func() any { return &PlaceBidData{} },
	ActCancelBid:        func() any { return &CancelBidData{} },
	ActDestroyArtifact:  func() any { return &DestroyArtifactData{} },
	ActOpenContract:     func() any { return &OpenContractData{} },
	ActAcceptContract:   func() any { return &AcceptContractData{} },
	ActSettleContract:   func() any { return &SettleContractData{} },
	ActGrantDataAccess:  func() any { return &GrantDataAccessData{} },
	ActProposeManifest:  func() any { return &ProposeManifestData{} },
	ActShadowProposal:   func() any { return &ShadowProposalData{} },
	ActApproveProposal:  func() any { return &ApproveProposalData{} },
	ActRejectProposal:   func() any { return &RejectProposalData{} },
	ActApplyProposal:    func() any { return &ApplyProposalData{} },
	ActUpdatePolicy:     func() any { return &UpdatePolicyData{} },
	ActDeclareCrisis:    func() any { return &DeclareCrisisData{} },
	ActResolveCrisis:    func() any { return &ResolveCrisisData{} },
	ActPublishFact:      func() any { return &PublishFactData{} },
	ActChallengeFact:    func() any { return &ChallengeFactData{} },
	ActAdjudicateFact:   func() any { return &AdjudicateFactData{} },
	ActRevokeFact:       func() any { return &RevokeFactData{} },
	ActDeclareEdge:      func() any { return &DeclareEdgeData{} },
	ActMintCredits:      func() any { return &MintCreditsData{} },
	ActBurnCredits:      func() any { return &BurnCreditsData{} },
	ActRedeemPower:      func() any { return &RedeemPowerData{} },
	ActGrantMeta:        func() any { return &GrantMetaData{} },
	ActQueryObservation: func() any { return &QueryObservationData{} },
}
