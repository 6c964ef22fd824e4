// Package modules implements the module execution pipeline: manifests with
// validated subscriptions, sandboxed wasm invocation under resource limits,
// and the governance-gated module registry.
package modules

import (
	"fmt"
)

// Module kinds.
const (
	KindPure     = "pure"
	KindStateful = "stateful"
)

// Subscription stages.
const (
	StagePreAction = "pre_action"
	StagePostEvent = "post_event"
)

// Limits bound a single module invocation and its outputs.
type Limits struct {
	MaxMemBytes    uint64 `json:"max_mem_bytes" cbor:"max_mem_bytes"`
	MaxGas         uint64 `json:"max_gas" cbor:"max_gas"`
	MaxCallRate    uint64 `json:"max_call_rate" cbor:"max_call_rate"`
	MaxOutputBytes uint64 `json:"max_output_bytes" cbor:"max_output_bytes"`
	MaxEffects     uint64 `json:"max_effects" cbor:"max_effects"`
	MaxEmits       uint64 `json:"max_emits" cbor:"max_emits"`
}

// DefaultLimits mirror the registry defaults applied to manifests that omit
// a limit.
func DefaultLimits() Limits {
	return Limits{
		MaxMemBytes:    16 << 20,
		MaxGas:         5_000_000,
		MaxCallRate:    100,
		MaxOutputBytes: 256 << 10,
		MaxEffects:     16,
		MaxEmits:       16,
	}
}

// Subscription selects the events or actions a module wants to see. Action
// kinds may only be watched at the pre_action stage; subscriptions mixing
// event and action kinds must name their stage explicitly.
type Subscription struct {
	Stage       string      `json:"stage,omitempty" cbor:"stage,omitempty"`
	EventKinds  []string    `json:"event_kinds,omitempty" cbor:"event_kinds,omitempty"`
	ActionKinds []string    `json:"action_kinds,omitempty" cbor:"action_kinds,omitempty"`
	Filter      *FilterNode `json:"filter,omitempty" cbor:"filter,omitempty"`
}

// ResolvedStage returns the effective stage: explicit when set, otherwise
// post_event when event kinds are present and pre_action when only action
// kinds are.
func (s Subscription) ResolvedStage() string {
	if s.Stage != "" {
		return s.Stage
	}
	if len(s.EventKinds) > 0 {
		return StagePostEvent
	}
	return StagePreAction
}

func (s Subscription) validate(idx int) error {
	if len(s.EventKinds) == 0 && len(s.ActionKinds) == 0 {
		return fmt.Errorf("subscription %d: no kinds", idx)
	}
	switch s.Stage {
	case "", StagePreAction, StagePostEvent:
	default:
		return fmt.Errorf("subscription %d: unknown stage %q", idx, s.Stage)
	}
	if len(s.ActionKinds) > 0 && s.ResolvedStage() != StagePreAction {
		return fmt.Errorf("subscription %d: action kinds require stage %s", idx, StagePreAction)
	}
	if len(s.EventKinds) > 0 && len(s.ActionKinds) > 0 && s.Stage == "" {
		return fmt.Errorf("subscription %d: mixed kinds require an explicit stage", idx)
	}
	return nil
}

type ArtifactIdentity struct {
	SourceHashHex        string `json:"source_hash_hex,omitempty" cbor:"source_hash_hex,omitempty"`
	BuildManifestHashHex string `json:"build_manifest_hash_hex,omitempty" cbor:"build_manifest_hash_hex,omitempty"`
}

// Manifest describes one module version.
type Manifest struct {
	ModuleID         string            `json:"module_id" cbor:"module_id"`
	Version          string            `json:"version" cbor:"version"`
	Kind             string            `json:"kind" cbor:"kind"`
	Role             string            `json:"role,omitempty" cbor:"role,omitempty"`
	WasmHash         string            `json:"wasm_hash" cbor:"wasm_hash"`
	InterfaceVersion uint64            `json:"interface_version" cbor:"interface_version"`
	Exports          []string          `json:"exports,omitempty" cbor:"exports,omitempty"`
	Subscriptions    []Subscription    `json:"subscriptions" cbor:"subscriptions"`
	RequiredCaps     []string          `json:"required_caps,omitempty" cbor:"required_caps,omitempty"`
	Limits           Limits            `json:"limits" cbor:"limits"`
	ArtifactIdentity *ArtifactIdentity `json:"artifact_identity,omitempty" cbor:"artifact_identity,omitempty"`
}

// Key identifies a manifest's state slot: module_id@version.
func (m Manifest) Key() string { return m.ModuleID + "@" + m.Version }

// Normalize fills omitted limits with defaults.
func (m *Manifest) Normalize() {
	def := DefaultLimits()
	if m.Limits.MaxMemBytes == 0 {
		m.Limits.MaxMemBytes = def.MaxMemBytes
	}
	if m.Limits.MaxGas == 0 {
		m.Limits.MaxGas = def.MaxGas
	}
	if m.Limits.MaxCallRate == 0 {
		m.Limits.MaxCallRate = def.MaxCallRate
	}
	if m.Limits.MaxOutputBytes == 0 {
		m.Limits.MaxOutputBytes = def.MaxOutputBytes
	}
	if m.Limits.MaxEffects == 0 {
		m.Limits.MaxEffects = def.MaxEffects
	}
	if m.Limits.MaxEmits == 0 {
		m.Limits.MaxEmits = def.MaxEmits
	}
}

// Validate checks structure only; filters are compiled separately at shadow
// time.
func (m Manifest) Validate() error {
	if m.ModuleID == "" {
		return fmt.Errorf("manifest: empty module_id")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest %s: empty version", m.ModuleID)
	}
	if m.Kind != KindPure && m.Kind != KindStateful {
		return fmt.Errorf("manifest %s: unknown kind %q", m.ModuleID, m.Kind)
	}
	if m.WasmHash == "" {
		return fmt.Errorf("manifest %s: empty wasm_hash", m.ModuleID)
	}
	if len(m.Subscriptions) == 0 {
		return fmt.Errorf("manifest %s: no subscriptions", m.ModuleID)
	}
	for i, s := range m.Subscriptions {
		if err := s.validate(i); err != nil {
			return fmt.Errorf("manifest %s: %w", m.ModuleID, err)
		}
	}
	return nil
}
