package modules

import (
	"strings"
	"testing"
)

func baseManifestDoc(wasmHash string) map[string]any {
	return map[string]any{
		"module_id": "echo",
		"version":   "1.0.0",
		"kind":      "stateful",
		"wasm_hash": wasmHash,
		"subscriptions": []any{
			map[string]any{"event_kinds": []any{"agent_moved"}},
		},
	}
}

func TestManifestSchemaValidation(t *testing.T) {
	hash := strings.Repeat("ab", 32)

	if err := ValidateManifestDocument(baseManifestDoc(hash)); err != nil {
		t.Fatalf("valid manifest rejected: %v", err)
	}

	bad := baseManifestDoc(hash)
	bad["wasm_hash"] = "NOT-A-HASH"
	if err := ValidateManifestDocument(bad); err == nil {
		t.Fatal("malformed wasm_hash accepted")
	}

	bad = baseManifestDoc(hash)
	bad["kind"] = "daemon"
	if err := ValidateManifestDocument(bad); err == nil {
		t.Fatal("unknown kind accepted")
	}

	bad = baseManifestDoc(hash)
	bad["surprise"] = true
	if err := ValidateManifestDocument(bad); err == nil {
		t.Fatal("additional property accepted")
	}

	bad = baseManifestDoc(hash)
	bad["subscriptions"] = []any{}
	if err := ValidateManifestDocument(bad); err == nil {
		t.Fatal("empty subscriptions accepted")
	}
}

func TestSubscriptionStageResolution(t *testing.T) {
	cases := []struct {
		name string
		sub  Subscription
		want string
	}{
		{"explicit_wins", Subscription{Stage: StagePreAction, EventKinds: []string{"agent_moved"}}, StagePreAction},
		{"event_kinds_default_post", Subscription{EventKinds: []string{"agent_moved"}}, StagePostEvent},
		{"action_kinds_default_pre", Subscription{ActionKinds: []string{"move_agent"}}, StagePreAction},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.sub.ResolvedStage(); got != tc.want {
				t.Fatalf("stage = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestSubscriptionValidation(t *testing.T) {
	m := Manifest{
		ModuleID: "m", Version: "1", Kind: KindPure,
		WasmHash: strings.Repeat("00", 32),
	}

	m.Subscriptions = []Subscription{{ActionKinds: []string{"move_agent"}, Stage: StagePostEvent}}
	if err := m.Validate(); err == nil {
		t.Fatal("action kinds at post_event accepted")
	}

	m.Subscriptions = []Subscription{{EventKinds: []string{"agent_moved"}, ActionKinds: []string{"move_agent"}}}
	if err := m.Validate(); err == nil {
		t.Fatal("mixed kinds without explicit stage accepted")
	}

	m.Subscriptions = []Subscription{{}}
	if err := m.Validate(); err == nil {
		t.Fatal("kindless subscription accepted")
	}

	m.Subscriptions = []Subscription{{EventKinds: []string{"agent_moved"}}}
	if err := m.Validate(); err != nil {
		t.Fatalf("valid manifest rejected: %v", err)
	}
}

func TestManifestNormalizeFillsLimits(t *testing.T) {
	m := Manifest{Limits: Limits{MaxGas: 1}}
	m.Normalize()
	def := DefaultLimits()
	if m.Limits.MaxGas != 1 {
		t.Fatal("explicit limit overwritten")
	}
	if m.Limits.MaxMemBytes != def.MaxMemBytes || m.Limits.MaxOutputBytes != def.MaxOutputBytes {
		t.Fatalf("defaults not applied: %+v", m.Limits)
	}
	if m.Limits.MaxEffects != def.MaxEffects || m.Limits.MaxEmits != def.MaxEmits || m.Limits.MaxCallRate != def.MaxCallRate {
		t.Fatalf("defaults not applied: %+v", m.Limits)
	}
}
