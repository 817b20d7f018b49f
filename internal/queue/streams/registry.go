package streams

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Event types emitted by the alignment loop. Every branch of every loop
// emits exactly one of these; consumers can reconstruct the full decision
// path of a turn from the stream alone.
const (
	EventTurnCompleted     = "turn.completed"
	EventAuditSampled      = "audit.sampled"
	EventAuditSkipped      = "audit.skipped"
	EventAuditDropped      = "audit.dropped"
	EventDiagnosisCreated  = "diagnosis.created"
	EventDiagnosisNone     = "diagnosis.none"
	EventDiagnosisDegraded = "diagnosis.degraded"
	EventPatchWritten      = "patch.written"
	EventPatchRejected     = "patch.rejected"
	EventStorePurged       = "store.purged"
	EventStoreSwept        = "store.swept"
)

// Definition pairs an event type with its payload schema.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventTurnCompleted,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["outcome_id", "mode", "patches_applied"],
  "properties": {
    "outcome_id": {"type": "string", "minLength": 1},
    "mode": {"type": "string", "enum": ["sync", "async"]},
    "triage_reason": {"type": "string"},
    "gave_up": {"type": "boolean"},
    "tool_calls": {"type": "integer"},
    "duration_ms": {"type": "number"},
    "patches_applied": {"type": "integer"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventAuditSampled,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["outcome_id", "reason"],
  "properties": {
    "outcome_id": {"type": "string", "minLength": 1},
    "reason": {"type": "string", "enum": ["sampled"]}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventAuditSkipped,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["outcome_id", "reason"],
  "properties": {
    "outcome_id": {"type": "string", "minLength": 1},
    "reason": {"type": "string", "enum": ["not_eligible", "not_sampled", "backpressure"]}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventAuditDropped,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["outcome_id", "queue_depth"],
  "properties": {
    "outcome_id": {"type": "string", "minLength": 1},
    "queue_depth": {"type": "integer"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventDiagnosisCreated,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["outcome_id", "root_cause", "confidence"],
  "properties": {
    "outcome_id": {"type": "string", "minLength": 1},
    "root_cause": {"type": "string", "enum": ["laziness", "tool_misuse", "policy_violation", "hallucination", "other"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "tag": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventDiagnosisNone,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["outcome_id"],
  "properties": {
    "outcome_id": {"type": "string", "minLength": 1},
    "reason": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventDiagnosisDegraded,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["outcome_id", "error"],
  "properties": {
    "outcome_id": {"type": "string", "minLength": 1},
    "error": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventPatchWritten,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["patch_id", "outcome_id", "decay", "tier"],
  "properties": {
    "patch_id": {"type": "string", "minLength": 1},
    "outcome_id": {"type": "string", "minLength": 1},
    "decay": {"type": "string", "enum": ["high_decay", "zero_decay"]},
    "tier": {"type": "string", "enum": ["kernel", "cache", "archive"]},
    "tag": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventPatchRejected,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["outcome_id", "error"],
  "properties": {
    "outcome_id": {"type": "string", "minLength": 1},
    "error": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventStorePurged,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["purge_id", "old_model_version", "new_model_version", "purged", "retained"],
  "properties": {
    "purge_id": {"type": "integer"},
    "old_model_version": {"type": "string", "minLength": 1},
    "new_model_version": {"type": "string", "minLength": 1},
    "purged": {"type": "integer"},
    "retained": {"type": "integer"},
    "reclaimed_length": {"type": "integer"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventStoreSwept,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["promoted", "demoted"],
  "properties": {
    "promoted": {"type": "integer"},
    "demoted": {"type": "integer"}
  },
  "additionalProperties": true
}`),
	},
}

// SchemaRegistry stores compiled JSON Schemas keyed by event type and
// schema version.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]map[string]*jsonschema.Schema
}

// NewSchemaRegistry returns a registry preloaded with every alignment
// event schema.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	r := &SchemaRegistry{schemas: make(map[string]map[string]*jsonschema.Schema)}
	for _, def := range baseDefinitions {
		if err := r.Register(def.EventType, def.Version, def.Schema); err != nil {
			return nil, fmt.Errorf("register %s/%s: %w", def.EventType, def.Version, err)
		}
	}
	return r, nil
}

// Register compiles and stores a schema for the given event type and version.
func (r *SchemaRegistry) Register(eventType, version string, schemaBytes []byte) error {
	if eventType == "" {
		return fmt.Errorf("eventType must be provided")
	}
	if version == "" {
		return fmt.Errorf("version must be provided")
	}
	if len(schemaBytes) == 0 {
		return fmt.Errorf("schemaBytes is empty")
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schemaBytes)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schemas[eventType]; !ok {
		r.schemas[eventType] = make(map[string]*jsonschema.Schema)
	}
	r.schemas[eventType][version] = compiled
	return nil
}

// Validate checks payload bytes against the registered schema.
func (r *SchemaRegistry) Validate(eventType, version string, payload []byte) error {
	if eventType == "" || version == "" {
		return fmt.Errorf("eventType and version must be provided")
	}
	r.mu.RLock()
	versions, ok := r.schemas[eventType]
	var schema *jsonschema.Schema
	if ok {
		schema = versions[version]
	}
	r.mu.RUnlock()
	if schema == nil {
		return fmt.Errorf("no schema registered for %s/%s", eventType, version)
	}

	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("payload for %s/%s invalid: %w", eventType, version, err)
	}
	return nil
}
