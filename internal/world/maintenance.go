package world

import "sort"

// runMaintenance performs the end-of-step lifecycle sweep: fact TTL expiry
// with stake release, edge expiry (TTL or lost backing support), contract
// expiry, and data grant expiry. It mutates state without emitting events;
// the sweep is deterministic because ids are visited in sorted order.
func (k *Kernel) runMaintenance() error {
	factIDs := sortedKeys(k.facts)
	for _, id := range factIDs {
		f := k.facts[id]
		if f.Status != FactActive && f.Status != FactConfirmed {
			continue
		}
		if f.ExpiresAt == 0 || k.time < f.ExpiresAt {
			continue
		}
		if f.AuthorStake > 0 {
			if err := k.creditBalance(AgentOwner(f.Author), ResourceElectricity, f.AuthorStake); err != nil {
				return err
			}
			f.AuthorStake = 0
		}
		f.Status = FactExpired
	}

	for _, id := range sortedKeys(k.edges) {
		e := k.edges[id]
		expired := e.ExpiresAt > 0 && k.time >= e.ExpiresAt
		if !expired {
			for _, fid := range e.BackingFactIDs {
				f := k.facts[fid]
				if f == nil || !factBacksEdges(f.Status) {
					expired = true
					break
				}
			}
		}
		if expired {
			delete(k.edges, id)
		}
	}

	for _, id := range sortedKeys(k.contracts) {
		c := k.contracts[id]
		if c.Status != ContractOpen && c.Status != ContractAccepted {
			continue
		}
		if c.ExpiresAt > 0 && k.time >= c.ExpiresAt {
			c.Status = ContractExpired
		}
	}

	for _, key := range sortedKeys(k.dataGrants) {
		g := k.dataGrants[key]
		if g.ExpiresAt > 0 && k.time >= g.ExpiresAt {
			delete(k.dataGrants, key)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
