package world

import (
	"fmt"
	"sort"

	"github.com/ef-ds/deque"

	"agentworld.ai/internal/codec"
)

// SnapshotVersion guards the snapshot schema.
const SnapshotVersion = 1

// BalanceEntryV1 flattens one (owner, kind) balance cell.
type BalanceEntryV1 struct {
	Owner  string       `json:"owner" cbor:"owner"`
	Kind   ResourceKind `json:"kind" cbor:"kind"`
	Amount int64        `json:"amount" cbor:"amount"`
}

// ModuleStateEntryV1 carries one opaque module state blob.
type ModuleStateEntryV1 struct {
	Key   string `json:"key" cbor:"key"`
	State []byte `json:"state" cbor:"state"`
}

type CooldownEntryV1 struct {
	Pair  string    `json:"pair" cbor:"pair"`
	Until WorldTime `json:"until" cbor:"until"`
}

// SnapshotV1 is the full world state in canonical slice form: every table is
// sorted by id so the canonical CBOR encoding, and therefore the state root,
// is independent of map iteration order.
type SnapshotV1 struct {
	Version int64          `json:"version" cbor:"version"`
	WorldID string         `json:"world_id" cbor:"world_id"`
	Time    WorldTime      `json:"time" cbor:"time"`
	Policy  GameplayPolicy `json:"policy" cbor:"policy"`

	Counters Counters `json:"counters" cbor:"counters"`

	Agents      []Agent              `json:"agents" cbor:"agents"`
	Locations   []Location           `json:"locations" cbor:"locations"`
	Facilities  []Facility           `json:"facilities" cbor:"facilities"`
	Balances    []BalanceEntryV1     `json:"balances" cbor:"balances"`
	Artifacts   []ModuleArtifact     `json:"artifacts" cbor:"artifacts"`
	Listings    []Listing            `json:"listings" cbor:"listings"`
	Bids        []Bid                `json:"bids" cbor:"bids"`
	Contracts   []Contract           `json:"contracts" cbor:"contracts"`
	Cooldowns   []CooldownEntryV1    `json:"cooldowns" cbor:"cooldowns"`
	DataGrants  []DataGrant          `json:"data_grants" cbor:"data_grants"`
	Proposals   []Proposal           `json:"proposals" cbor:"proposals"`
	Facts       []Fact               `json:"facts" cbor:"facts"`
	Edges       []Edge               `json:"edges" cbor:"edges"`
	Crises      []Crisis             `json:"crises" cbor:"crises"`
	ModuleState []ModuleStateEntryV1 `json:"module_state" cbor:"module_state"`
	Pending     []PendingAction      `json:"pending" cbor:"pending"`
}

// Snapshot captures the current state. The journal is not part of the
// snapshot; it is persisted separately and replayed on restore.
func (k *Kernel) Snapshot() *SnapshotV1 {
	s := &SnapshotV1{
		Version:  SnapshotVersion,
		WorldID:  k.worldID,
		Time:     k.time,
		Policy:   k.policy,
		Counters: k.counters,
	}
	for _, id := range sortedKeys(k.agents) {
		s.Agents = append(s.Agents, *k.agents[id])
	}
	for _, id := range sortedKeys(k.locations) {
		s.Locations = append(s.Locations, *k.locations[id])
	}
	for _, id := range sortedKeys(k.facilities) {
		s.Facilities = append(s.Facilities, *k.facilities[id])
	}
	for _, owner := range sortedKeys(k.balances) {
		m := k.balances[owner]
		kinds := make([]string, 0, len(m))
		for kind := range m {
			kinds = append(kinds, string(kind))
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			amount := m[ResourceKind(kind)]
			if amount == 0 {
				continue
			}
			s.Balances = append(s.Balances, BalanceEntryV1{Owner: owner, Kind: ResourceKind(kind), Amount: amount})
		}
	}
	for _, id := range sortedKeys(k.artifacts) {
		s.Artifacts = append(s.Artifacts, *k.artifacts[id])
	}
	for _, id := range sortedKeys(k.listings) {
		s.Listings = append(s.Listings, *k.listings[id])
	}
	for _, id := range sortedKeys(k.bids) {
		s.Bids = append(s.Bids, *k.bids[id])
	}
	for _, id := range sortedKeys(k.contracts) {
		s.Contracts = append(s.Contracts, *k.contracts[id])
	}
	for _, pair := range sortedKeys(k.cooldowns) {
		s.Cooldowns = append(s.Cooldowns, CooldownEntryV1{Pair: pair, Until: k.cooldowns[pair]})
	}
	for _, key := range sortedKeys(k.dataGrants) {
		s.DataGrants = append(s.DataGrants, *k.dataGrants[key])
	}
	for _, id := range sortedKeys(k.proposals) {
		s.Proposals = append(s.Proposals, *k.proposals[id])
	}
	for _, id := range sortedKeys(k.facts) {
		s.Facts = append(s.Facts, *k.facts[id])
	}
	for _, id := range sortedKeys(k.edges) {
		s.Edges = append(s.Edges, *k.edges[id])
	}
	for _, id := range sortedKeys(k.crises) {
		s.Crises = append(s.Crises, *k.crises[id])
	}
	for _, key := range sortedKeys(k.moduleState) {
		s.ModuleState = append(s.ModuleState, ModuleStateEntryV1{Key: key, State: k.moduleState[key]})
	}
	n := k.pending.Len()
	for i := 0; i < n; i++ {
		v, _ := k.pending.PopFront()
		pa := v.(PendingAction)
		s.Pending = append(s.Pending, pa)
		k.pending.PushBack(pa)
	}
	return s
}

// FromSnapshot rebuilds a kernel from a snapshot plus its journal.
func FromSnapshot(s *SnapshotV1, journal []Event) (*Kernel, error) {
	if s == nil {
		return nil, fmt.Errorf("nil snapshot")
	}
	if s.Version != SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	k := NewKernel(s.WorldID, s.Policy)
	k.time = s.Time
	k.counters = s.Counters
	for i := range s.Agents {
		a := s.Agents[i]
		k.agents[a.ID] = &a
	}
	for i := range s.Locations {
		l := s.Locations[i]
		k.locations[l.ID] = &l
	}
	for i := range s.Facilities {
		f := s.Facilities[i]
		k.facilities[f.ID] = &f
	}
	for _, b := range s.Balances {
		m := k.balances[b.Owner]
		if m == nil {
			m = map[ResourceKind]int64{}
			k.balances[b.Owner] = m
		}
		m[b.Kind] = b.Amount
	}
	for i := range s.Artifacts {
		a := s.Artifacts[i]
		k.artifacts[a.WasmHash] = &a
	}
	for i := range s.Listings {
		l := s.Listings[i]
		k.listings[l.ID] = &l
	}
	for i := range s.Bids {
		b := s.Bids[i]
		k.bids[b.ID] = &b
	}
	for i := range s.Contracts {
		c := s.Contracts[i]
		k.contracts[c.ID] = &c
	}
	for _, cd := range s.Cooldowns {
		k.cooldowns[cd.Pair] = cd.Until
	}
	for i := range s.DataGrants {
		g := s.DataGrants[i]
		k.dataGrants[pairKey(g.Grantor, g.Grantee)] = &g
	}
	for i := range s.Proposals {
		p := s.Proposals[i]
		k.proposals[p.ID] = &p
	}
	for i := range s.Facts {
		f := s.Facts[i]
		k.facts[f.ID] = &f
	}
	for i := range s.Edges {
		e := s.Edges[i]
		k.edges[e.ID] = &e
	}
	for i := range s.Crises {
		c := s.Crises[i]
		k.crises[c.ID] = &c
	}
	for _, ms := range s.ModuleState {
		k.moduleState[ms.Key] = ms.State
	}
	k.pending = deque.New()
	for _, pa := range s.Pending {
		k.pending.PushBack(pa)
	}
	k.journal = append(k.journal, journal...)
	if uint64(len(k.journal)) != k.counters.NextEventID {
		return nil, fmt.Errorf("journal length %d does not match next event id %d", len(k.journal), k.counters.NextEventID)
	}
	return k, nil
}

// CanonicalBytes is the canonical CBOR encoding of the current snapshot.
func (k *Kernel) CanonicalBytes() ([]byte, error) {
	return codec.MarshalCanonical(k.Snapshot())
}

// StateRootHex is the deterministic state commitment: equal states yield
// equal roots on every node.
func (k *Kernel) StateRootHex() (string, error) {
	b, err := k.CanonicalBytes()
	if err != nil {
		return "", err
	}
	return codec.SumDomain("aw/state", b), nil
}
