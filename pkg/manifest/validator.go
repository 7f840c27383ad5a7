package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mindburn-labs/agentgateway/pkg/contracts"
)

// SupportedSchemaVersions is the semver range of manifest schema_version
// values this build of the gateway understands. Widening it is a
// deliberate compatibility decision, not a passive default.
const SupportedSchemaVersions = "^1.0.0"

const manifestSchemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["org_id", "uapk_id", "schema_version", "status", "constraints"],
  "properties": {
    "org_id": {"type": "string", "minLength": 1},
    "uapk_id": {"type": "string", "minLength": 1},
    "schema_version": {"type": "string", "minLength": 1},
    "status": {"type": "string", "enum": ["active", "inactive", "revoked"]},
    "constraints": {
      "type": "object",
      "required": ["allowed_action_types", "allowed_tools"],
      "properties": {
        "allowed_action_types": {"type": "array", "items": {"type": "string"}},
        "allowed_tools": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

const manifestSchemaURL = "https://agentgateway.local/schemas/manifest.schema.json"

// Validator checks a manifest's structural shape (JSON Schema, adapted
// from pkg/firewall's per-tool schema compilation) and its
// schema_version's compatibility (semver, adapted from pkg/trust's
// pack-version gate) before the policy engine is allowed to evaluate it.
type Validator struct {
	schema     *jsonschema.Schema
	constraint *semver.Constraints
}

// NewValidator compiles the manifest JSON Schema and the supported
// schema_version range once, at startup.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(manifestSchemaURL, strings.NewReader(manifestSchemaDoc)); err != nil {
		return nil, fmt.Errorf("manifest: schema load failed: %w", err)
	}
	schema, err := compiler.Compile(manifestSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("manifest: schema compile failed: %w", err)
	}

	constraint, err := semver.NewConstraint(SupportedSchemaVersions)
	if err != nil {
		return nil, fmt.Errorf("manifest: invalid supported-version constraint: %w", err)
	}

	return &Validator{schema: schema, constraint: constraint}, nil
}

// Validate rejects a manifest whose shape fails the JSON Schema or whose
// schema_version falls outside SupportedSchemaVersions. Both checks fail
// closed: an unparseable version is treated as unsupported, not skipped.
func (v *Validator) Validate(m contracts.Manifest) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("manifest: marshal failed: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("manifest: unmarshal failed: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("manifest: schema validation failed: %w", err)
	}

	version, err := semver.NewVersion(m.SchemaVersion)
	if err != nil {
		return fmt.Errorf("manifest: invalid schema_version %q: %w", m.SchemaVersion, err)
	}
	if !v.constraint.Check(version) {
		return fmt.Errorf("manifest: schema_version %q is outside supported range %s", m.SchemaVersion, SupportedSchemaVersions)
	}
	return nil
}
