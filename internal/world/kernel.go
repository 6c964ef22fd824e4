package world

import (
	"fmt"

	"github.com/ef-ds/deque"
)

// PendingAction is a submitted-but-uncommitted action.
type PendingAction struct {
	ID        uint64 `json:"id" cbor:"id"`
	Submitter string `json:"submitter" cbor:"submitter"`
	Action    Action `json:"action" cbor:"action"`
}

// SystemSubmitter marks actions synthesized by the runtime itself (module
// effects, maintenance).
const SystemSubmitter = "system"

// ProposalValidator dry-runs a governance proposal's content during Shadow.
// The module registry implements it; a nil validator accepts everything.
type ProposalValidator interface {
	ValidateProposal(content map[string]any) error
}

// ModulePipeline is the module-execution hook the kernel drives during
// StepWithModules. Implemented by the modules package.
type ModulePipeline interface {
	BeforeAction(k *Kernel, submitter string, act Action) error
	AfterEvent(k *Kernel, ev *Event) error
}

// Kernel is the deterministic single-writer state machine. All methods must
// be called from one goroutine; every applied action commits exactly one
// event, rejections included.
type Kernel struct {
	worldID string
	policy  GameplayPolicy

	time     WorldTime
	counters Counters

	agents     map[string]*Agent
	locations  map[string]*Location
	facilities map[string]*Facility
	balances   map[string]map[ResourceKind]int64
	artifacts  map[string]*ModuleArtifact
	listings   map[string]*Listing
	bids       map[string]*Bid
	contracts  map[string]*Contract
	cooldowns  map[string]WorldTime
	dataGrants map[string]*DataGrant
	proposals  map[string]*Proposal
	facts      map[string]*Fact
	edges      map[string]*Edge
	crises     map[string]*Crisis

	// Opaque per-(module_id@version) state carried across invocations.
	moduleState map[string][]byte

	pending *deque.Deque
	journal []Event

	validator ProposalValidator

	broken error
}

func NewKernel(worldID string, policy GameplayPolicy) *Kernel {
	policy.Normalize()
	return &Kernel{
		worldID:     worldID,
		policy:      policy,
		agents:      map[string]*Agent{},
		locations:   map[string]*Location{},
		facilities:  map[string]*Facility{},
		balances:    map[string]map[ResourceKind]int64{},
		artifacts:   map[string]*ModuleArtifact{},
		listings:    map[string]*Listing{},
		bids:        map[string]*Bid{},
		contracts:   map[string]*Contract{},
		cooldowns:   map[string]WorldTime{},
		dataGrants:  map[string]*DataGrant{},
		proposals:   map[string]*Proposal{},
		facts:       map[string]*Fact{},
		edges:       map[string]*Edge{},
		crises:      map[string]*Crisis{},
		moduleState: map[string][]byte{},
		pending:     deque.New(),
	}
}

func (k *Kernel) WorldID() string         { return k.worldID }
func (k *Kernel) Time() WorldTime         { return k.time }
func (k *Kernel) Policy() GameplayPolicy  { return k.policy }
func (k *Kernel) Journal() []Event        { return k.journal }
func (k *Kernel) JournalLen() uint64      { return uint64(len(k.journal)) }
func (k *Kernel) PendingLen() int         { return k.pending.Len() }
func (k *Kernel) Agent(id string) *Agent  { return k.agents[id] }
func (k *Kernel) Location(id string) *Location {
	return k.locations[id]
}
func (k *Kernel) Artifact(wasmHash string) *ModuleArtifact { return k.artifacts[wasmHash] }
func (k *Kernel) Proposal(id string) *Proposal             { return k.proposals[id] }
func (k *Kernel) Contract(id string) *Contract             { return k.contracts[id] }
func (k *Kernel) Fact(id string) *Fact                     { return k.facts[id] }
func (k *Kernel) Edge(id string) *Edge                     { return k.edges[id] }
func (k *Kernel) Crisis(id string) *Crisis                 { return k.crises[id] }

// SetProposalValidator wires the governance dry-run validator (the module
// registry). Must be set before stepping.
func (k *Kernel) SetProposalValidator(v ProposalValidator) { k.validator = v }

// ModuleState returns the opaque state blob for module_id@version.
func (k *Kernel) ModuleState(key string) []byte { return k.moduleState[key] }

// SetModuleState replaces the opaque state blob for module_id@version.
func (k *Kernel) SetModuleState(key string, state []byte) {
	if state == nil {
		delete(k.moduleState, key)
		return
	}
	k.moduleState[key] = state
}

// SubmitAction appends an action to the pending queue without touching
// state. It fails only on unknown action types or a broken world.
func (k *Kernel) SubmitAction(act Action, submitter string) (uint64, error) {
	if k.broken != nil {
		return 0, fmt.Errorf("world is stopped: %w", k.broken)
	}
	if !KnownActionType(act.Type) {
		return 0, fmt.Errorf("unknown action type %q", act.Type)
	}
	if act.Data == nil {
		return 0, fmt.Errorf("action %q has no payload", act.Type)
	}
	id := k.counters.NextAction
	next, err := incChecked(id)
	if err != nil {
		return 0, k.fail(err)
	}
	k.counters.NextAction = next
	k.pending.PushBack(PendingAction{ID: id, Submitter: submitter, Action: act})
	return id, nil
}

// PeekPending returns up to max pending actions in submission order without
// removing them. Consensus proposals are built from this view.
func (k *Kernel) PeekPending(max int) []PendingAction {
	n := k.pending.Len()
	if max > 0 && n > max {
		n = max
	}
	out := make([]PendingAction, 0, n)
	for i := 0; i < n; i++ {
		v, _ := k.pending.PopFront()
		pa := v.(PendingAction)
		out = append(out, pa)
	}
	// Restore in order.
	for i := len(out) - 1; i >= 0; i-- {
		k.pending.PushFront(out[i])
	}
	return out
}

// DropPending removes pending entries whose ids are in ids (committed
// elsewhere or abandoned).
func (k *Kernel) DropPending(ids map[uint64]struct{}) {
	n := k.pending.Len()
	for i := 0; i < n; i++ {
		v, _ := k.pending.PopFront()
		pa := v.(PendingAction)
		if _, drop := ids[pa.ID]; !drop {
			k.pending.PushBack(pa)
		}
	}
}

// Step pops one pending action and applies it, committing exactly one event.
// With an empty queue it returns (nil, nil).
func (k *Kernel) Step() (*Event, error) {
	return k.StepWithModules(nil)
}

// StepWithModules is Step with the module pipeline attached: pre-action
// subscriptions fire before the action applies, post-event subscriptions
// after its event commits.
func (k *Kernel) StepWithModules(pipe ModulePipeline) (*Event, error) {
	if k.broken != nil {
		return nil, k.broken
	}
	v, ok := k.pending.PopFront()
	if !ok {
		return nil, nil
	}
	pa := v.(PendingAction)
	return k.applyOne(pa.Submitter, pa.Action, pipe)
}

// ApplyCommitted applies an externally ordered action (from a consensus
// commit) directly, bypassing the pending queue.
func (k *Kernel) ApplyCommitted(act Action, submitter string) (*Event, error) {
	return k.ApplyCommittedWith(act, submitter, nil)
}

// ApplyCommittedWith is ApplyCommitted with the module pipeline attached.
func (k *Kernel) ApplyCommittedWith(act Action, submitter string, pipe ModulePipeline) (*Event, error) {
	if k.broken != nil {
		return nil, k.broken
	}
	return k.applyOne(submitter, act, pipe)
}

func (k *Kernel) applyOne(submitter string, act Action, pipe ModulePipeline) (*Event, error) {
	if pipe != nil {
		if err := pipe.BeforeAction(k, submitter, act); err != nil {
			return nil, k.fail(err)
		}
	}

	h := applyDispatch[act.Type]
	if h == nil {
		return nil, k.fail(fmt.Errorf("no handler for action type %q", act.Type))
	}
	kind, payload, reject, err := h(k, submitter, act)
	if err != nil {
		return nil, k.fail(err)
	}
	if reject != nil {
		if !IsKnownRejectCode(reject.Code) {
			return nil, k.fail(fmt.Errorf("unknown reject code %q", reject.Code))
		}
		kind = EvActionRejected
		payload = &ActionRejectedEvent{ActionType: act.Type, Submitter: submitter, Reason: *reject}
	}

	ev, err := k.appendEvent(kind, payload)
	if err != nil {
		return nil, err
	}
	k.time++

	if err := k.runMaintenance(); err != nil {
		return nil, k.fail(err)
	}

	if pipe != nil {
		if err := pipe.AfterEvent(k, ev); err != nil {
			return nil, k.fail(err)
		}
	}
	return ev, nil
}

// AppendSystemEvent commits a runtime-originated event (module emits and
// failures). It shares the current time and does not advance it.
func (k *Kernel) AppendSystemEvent(kind string, payload any) (*Event, error) {
	if k.broken != nil {
		return nil, k.broken
	}
	if _, ok := eventPayloads[kind]; !ok {
		return nil, k.fail(fmt.Errorf("unknown event kind %q", kind))
	}
	return k.appendEvent(kind, payload)
}

func (k *Kernel) appendEvent(kind string, payload any) (*Event, error) {
	id := k.counters.NextEventID
	next, err := incChecked(id)
	if err != nil {
		return nil, k.fail(err)
	}
	k.counters.NextEventID = next
	ev := Event{ID: id, Time: k.time, Kind: kind, Data: payload}
	k.journal = append(k.journal, ev)
	return &k.journal[len(k.journal)-1], nil
}

// fail marks the world broken; every later call returns the same error.
func (k *Kernel) fail(err error) error {
	if k.broken == nil {
		k.broken = err
	}
	return k.broken
}

// Balances.

func (k *Kernel) balanceOf(o ResourceOwner, kind ResourceKind) int64 {
	if m := k.balances[o.String()]; m != nil {
		return m[kind]
	}
	return 0
}

// BalanceOf exposes balances read-only for transports and tests.
func (k *Kernel) BalanceOf(o ResourceOwner, kind ResourceKind) int64 {
	return k.balanceOf(o, kind)
}

func (k *Kernel) creditBalance(o ResourceOwner, kind ResourceKind, amount int64) error {
	key := o.String()
	m := k.balances[key]
	if m == nil {
		m = map[ResourceKind]int64{}
		k.balances[key] = m
	}
	v, err := addChecked(m[kind], amount)
	if err != nil {
		return err
	}
	m[kind] = v
	return nil
}

func (k *Kernel) debitBalance(o ResourceOwner, kind ResourceKind, amount int64) *RejectReason {
	have := k.balanceOf(o, kind)
	if have < amount {
		return rejectInsufficient(o, kind, amount, have)
	}
	k.balances[o.String()][kind] = have - amount
	return nil
}

// ownerReject validates an owner reference against the live tables.
func (k *Kernel) ownerReject(o ResourceOwner) *RejectReason {
	if !o.Valid() {
		return rejectOwnerMismatch(fmt.Sprintf("invalid owner %q", o.String()))
	}
	switch o.Type {
	case OwnerAgent:
		if k.agents[o.ID] == nil {
			return rejectAgentNotFound(o.ID)
		}
	case OwnerLocation:
		if k.locations[o.ID] == nil {
			return rejectLocationNotFound(o.ID)
		}
	}
	return nil
}

// awardReputation grants reputation capped by the per-window reward budget.
func (k *Kernel) awardReputation(a *Agent, points int64) error {
	window := WorldTime(k.policy.RewardWindow)
	if k.time-a.RewardFrom >= window {
		a.RewardFrom = k.time
		a.RewardUsed = 0
	}
	room := k.policy.RewardBudgetPerWindow - a.RewardUsed
	if room <= 0 {
		return nil
	}
	if points > room {
		points = room
	}
	rep, err := addChecked(a.Reputation, points)
	if err != nil {
		return err
	}
	a.Reputation = rep
	a.RewardUsed += points
	return nil
}
