package modules

import (
	"encoding/json"
	"fmt"
	"sort"

	"agentworld.ai/internal/world"
)

// Governance operations carried in proposal content under "module_changes".
const (
	OpRegister   = "register"
	OpActivate   = "activate"
	OpDeactivate = "deactivate"
	OpDestroy    = "destroy"
)

// Record is one registered module version with its shadow-compiled filters.
type Record struct {
	Manifest Manifest
	Filters  []*CompiledFilter // one per subscription
	Active   bool
}

// Registry holds module records and applies governance change-sets. Only an
// Applied proposal mutates it; Shadow runs the same validation without
// mutation (the kernel calls ValidateProposal through its validator hook).
type Registry struct {
	kernel  *world.Kernel
	records map[string]*Record // key: module_id@version
}

func NewRegistry(kernel *world.Kernel) *Registry {
	r := &Registry{
		kernel:  kernel,
		records: map[string]*Record{},
	}
	kernel.SetProposalValidator(r)
	return r
}

// Record returns the module record for module_id@version.
func (r *Registry) Record(key string) *Record { return r.records[key] }

// ActiveRecords returns active modules in canonical key order.
func (r *Registry) ActiveRecords() []*Record {
	keys := make([]string, 0, len(r.records))
	for k, rec := range r.records {
		if rec.Active {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]*Record, len(keys))
	for i, k := range keys {
		out[i] = r.records[k]
	}
	return out
}

type moduleChange struct {
	op       string
	manifest *Manifest
	filters  []*CompiledFilter
	key      string
	wasmHash string
}

// ValidateProposal implements world.ProposalValidator: the shadow dry run.
// It parses and fully validates the change-set (schema, subscriptions,
// filters, artifact presence) without mutating anything.
func (r *Registry) ValidateProposal(content map[string]any) error {
	_, err := r.parseChanges(content)
	return err
}

// ApplyProposal mutates the registry with an approved change-set. The
// content has already passed shadow validation, but it is re-parsed so a
// registry restored from snapshot state stays consistent.
func (r *Registry) ApplyProposal(content map[string]any) error {
	changes, err := r.parseChanges(content)
	if err != nil {
		return err
	}
	for _, ch := range changes {
		switch ch.op {
		case OpRegister:
			r.records[ch.manifest.Key()] = &Record{Manifest: *ch.manifest, Filters: ch.filters}
		case OpActivate:
			rec := r.records[ch.key]
			rec.Active = true
			r.kernel.SetArtifactActive(rec.Manifest.WasmHash, true)
		case OpDeactivate:
			rec := r.records[ch.key]
			rec.Active = false
			if !r.artifactInUse(rec.Manifest.WasmHash) {
				r.kernel.SetArtifactActive(rec.Manifest.WasmHash, false)
			}
		case OpDestroy:
			for key, rec := range r.records {
				if rec.Manifest.WasmHash == ch.wasmHash {
					delete(r.records, key)
				}
			}
		}
	}
	return nil
}

func (r *Registry) artifactInUse(wasmHash string) bool {
	for _, rec := range r.records {
		if rec.Active && rec.Manifest.WasmHash == wasmHash {
			return true
		}
	}
	return false
}

func (r *Registry) parseChanges(content map[string]any) ([]moduleChange, error) {
	rawChanges, ok := content["module_changes"].([]any)
	if !ok {
		return nil, fmt.Errorf("proposal content has no module_changes list")
	}
	if len(rawChanges) == 0 {
		return nil, fmt.Errorf("module_changes is empty")
	}
	out := make([]moduleChange, 0, len(rawChanges))
	for i, raw := range rawChanges {
		change, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("module_changes[%d]: not an object", i)
		}
		op, _ := change["op"].(string)
		switch op {
		case OpRegister:
			doc, ok := change["manifest"].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("module_changes[%d]: register without manifest", i)
			}
			m, filters, err := r.compileManifest(doc)
			if err != nil {
				return nil, fmt.Errorf("module_changes[%d]: %w", i, err)
			}
			out = append(out, moduleChange{op: op, manifest: m, filters: filters})
		case OpActivate, OpDeactivate:
			key, _ := change["module_key"].(string)
			if r.records[key] == nil {
				return nil, fmt.Errorf("module_changes[%d]: unknown module %q", i, key)
			}
			out = append(out, moduleChange{op: op, key: key})
		case OpDestroy:
			hash, _ := change["wasm_hash"].(string)
			if hash == "" {
				return nil, fmt.Errorf("module_changes[%d]: destroy without wasm_hash", i)
			}
			if r.artifactInUse(hash) {
				return nil, fmt.Errorf("module_changes[%d]: artifact %s is referenced by an active module", i, hash)
			}
			out = append(out, moduleChange{op: op, wasmHash: hash})
		default:
			return nil, fmt.Errorf("module_changes[%d]: unknown op %q", i, op)
		}
	}
	return out, nil
}

// compileManifest runs the full shadow validation for one manifest
// document: JSON Schema, structural rules, filter compilation, and artifact
// presence in the kernel.
func (r *Registry) compileManifest(doc map[string]any) (*Manifest, []*CompiledFilter, error) {
	// Round-trip through JSON first: proposal content arrives with
	// CBOR-decoded or native Go number types the schema validator does not
	// understand.
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, err
	}
	var jsonDoc any
	if err := json.Unmarshal(b, &jsonDoc); err != nil {
		return nil, nil, err
	}
	if err := ValidateManifestDocument(jsonDoc); err != nil {
		return nil, nil, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, nil, fmt.Errorf("decode manifest: %w", err)
	}
	m.Normalize()
	if err := m.Validate(); err != nil {
		return nil, nil, err
	}
	if r.kernel.Artifact(m.WasmHash) == nil {
		return nil, nil, fmt.Errorf("manifest %s: artifact %s is not registered", m.ModuleID, m.WasmHash)
	}
	filters := make([]*CompiledFilter, len(m.Subscriptions))
	for i := range m.Subscriptions {
		f, err := m.Subscriptions[i].Filter.Compile()
		if err != nil {
			return nil, nil, fmt.Errorf("manifest %s subscription %d: %w", m.ModuleID, i, err)
		}
		filters[i] = f
	}
	return &m, filters, nil
}

// Invocation is one matched (module, subscription) pair.
type Invocation struct {
	Record   *Record
	SubIndex int
	Stage    string
}

// MatchPostEvent returns the invocations triggered by a committed event, in
// canonical (module key, subscription index) order.
func (r *Registry) MatchPostEvent(ev *world.Event) ([]Invocation, error) {
	doc, err := toDocument(ev)
	if err != nil {
		return nil, err
	}
	var out []Invocation
	for _, rec := range r.ActiveRecords() {
		for i, sub := range rec.Manifest.Subscriptions {
			if sub.ResolvedStage() != StagePostEvent {
				continue
			}
			if !containsString(sub.EventKinds, ev.Kind) {
				continue
			}
			if !rec.Filters[i].Match(doc) {
				continue
			}
			out = append(out, Invocation{Record: rec, SubIndex: i, Stage: StagePostEvent})
		}
	}
	return out, nil
}

// MatchPreAction returns the invocations triggered before an action applies.
func (r *Registry) MatchPreAction(act world.Action) ([]Invocation, error) {
	doc, err := toDocument(act)
	if err != nil {
		return nil, err
	}
	var out []Invocation
	for _, rec := range r.ActiveRecords() {
		for i, sub := range rec.Manifest.Subscriptions {
			if sub.ResolvedStage() != StagePreAction {
				continue
			}
			if !containsString(sub.ActionKinds, act.Type) {
				continue
			}
			if !rec.Filters[i].Match(doc) {
				continue
			}
			out = append(out, Invocation{Record: rec, SubIndex: i, Stage: StagePreAction})
		}
	}
	return out, nil
}

// toDocument converts a typed envelope to the JSON-shaped form filters
// evaluate against.
func toDocument(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
