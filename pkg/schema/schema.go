// Package schema performs pre-handler structural validation of message
// payloads against per-message-type JSON Schemas, grounded on the
// teacher's pkg/firewall.PolicyFirewall (allowlist + compiled-schema map,
// generalized here from tool-call parameter validation to message payload
// validation). A message whose payload fails its registered schema is a
// Validation/Logic error (spec §7): IMMEDIATE strategy, no retry.
package schema

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dislovelhl/acgs2/pkg/model"
)

// Validator holds one compiled JSON Schema per message type. A message
// type with no registered schema is accepted unconditionally (schemas are
// opt-in, not a default-deny gate — that is the policy evaluator's job).
type Validator struct {
	mu     sync.RWMutex
	byType map[model.MessageType]*jsonschema.Schema
}

// New constructs an empty Validator.
func New() *Validator {
	return &Validator{byType: make(map[model.MessageType]*jsonschema.Schema)}
}

// Register compiles schemaJSON (a JSON Schema document) and installs it
// for t, replacing any schema previously registered for that type.
func (v *Validator) Register(t model.MessageType, schemaJSON string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://agentbus.schemas.local/%s.schema.json", strings.ToLower(string(t)))
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("schema: load %s: %w", t, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("schema: compile %s: %w", t, err)
	}
	v.mu.Lock()
	v.byType[t] = compiled
	v.mu.Unlock()
	return nil
}

// Validate checks payload against t's registered schema, if any.
func (v *Validator) Validate(t model.MessageType, payload map[string]interface{}) error {
	v.mu.RLock()
	s, ok := v.byType[t]
	v.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := s.Validate(toAny(payload)); err != nil {
		return fmt.Errorf("schema: payload for %s: %w", t, err)
	}
	return nil
}

// toAny widens a map[string]interface{} to the interface{} jsonschema's
// Validate expects (values already unmarshal-compatible).
func toAny(m map[string]interface{}) interface{} {
	out := make(map[string]interface{}, len(m))
	for k, val := range m {
		out[k] = val
	}
	return out
}
