package modules

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// manifestSchema is the structural contract a manifest document must meet
// before it is decoded. Semantic rules (stage resolution, filter
// compilation) are enforced afterwards in Go.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["module_id", "version", "kind", "wasm_hash", "subscriptions"],
  "properties": {
    "module_id": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "kind": {"enum": ["pure", "stateful"]},
    "role": {"type": "string"},
    "wasm_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "interface_version": {"type": "integer", "minimum": 0},
    "exports": {"type": "array", "items": {"type": "string"}},
    "subscriptions": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "properties": {
          "stage": {"enum": ["pre_action", "post_event"]},
          "event_kinds": {"type": "array", "items": {"type": "string"}},
          "action_kinds": {"type": "array", "items": {"type": "string"}},
          "filter": {"type": "object"}
        },
        "additionalProperties": false
      }
    },
    "required_caps": {"type": "array", "items": {"type": "string"}},
    "limits": {
      "type": "object",
      "properties": {
        "max_mem_bytes": {"type": "integer", "minimum": 0},
        "max_gas": {"type": "integer", "minimum": 0},
        "max_call_rate": {"type": "integer", "minimum": 0},
        "max_output_bytes": {"type": "integer", "minimum": 0},
        "max_effects": {"type": "integer", "minimum": 0},
        "max_emits": {"type": "integer", "minimum": 0}
      },
      "additionalProperties": false
    },
    "artifact_identity": {
      "type": "object",
      "properties": {
        "source_hash_hex": {"type": "string"},
        "build_manifest_hash_hex": {"type": "string"}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

var compiledManifestSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("manifest.schema.json", strings.NewReader(manifestSchema)); err != nil {
		panic(fmt.Sprintf("modules: add manifest schema: %v", err))
	}
	return c.MustCompile("manifest.schema.json")
}()

// ValidateManifestDocument checks a raw manifest document against the JSON
// Schema. doc must be JSON-shaped (map[string]any).
func ValidateManifestDocument(doc any) error {
	if err := compiledManifestSchema.Validate(doc); err != nil {
		return fmt.Errorf("manifest schema: %w", err)
	}
	return nil
}
