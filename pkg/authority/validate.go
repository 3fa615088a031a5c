package authority

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// decisionRequestSchema is the wire contract for DecisionRequest. Malformed
// requests are rejected before any ledger interaction.
const decisionRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["actor", "action", "intent"],
  "properties": {
    "actor": {
      "type": "object",
      "required": ["subject_id", "tenant_id"],
      "properties": {
        "subject_id": {"type": "string", "minLength": 1},
        "tenant_id": {"type": "string", "minLength": 1},
        "role": {"type": "string"}
      }
    },
    "action": {"type": "string", "minLength": 1},
    "intent": {"type": "string", "minLength": 1},
    "inputs": {"type": "object"},
    "constraints": {"type": "array", "items": {"type": "string"}},
    "chain_id": {"type": "string"},
    "agent": {"type": "object"},
    "others": {"type": "array"},
    "projected": {"type": "object"}
  }
}`

// ValidationError reports a malformed DecisionRequest. Recoverable and
// caller-visible; it is returned as a typed error, never recorded.
type ValidationError struct {
	Causes []string
}

func (e *ValidationError) Error() string {
	return "authority: invalid decision request: " + strings.Join(e.Causes, "; ")
}

// RequestValidator checks DecisionRequests against the wire schema.
type RequestValidator struct {
	schema *jsonschema.Schema
}

// NewRequestValidator compiles the embedded request schema.
func NewRequestValidator() (*RequestValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("decision_request.json", strings.NewReader(decisionRequestSchema)); err != nil {
		return nil, fmt.Errorf("authority: load request schema: %w", err)
	}
	schema, err := compiler.Compile("decision_request.json")
	if err != nil {
		return nil, fmt.Errorf("authority: compile request schema: %w", err)
	}
	return &RequestValidator{schema: schema}, nil
}

// Validate returns a *ValidationError when req violates the wire contract.
func (v *RequestValidator) Validate(req DecisionRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return &ValidationError{Causes: []string{fmt.Sprintf("unserializable request: %v", err)}}
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return &ValidationError{Causes: []string{fmt.Sprintf("unparsable request: %v", err)}}
	}
	if err := v.schema.Validate(generic); err != nil {
		ve := &ValidationError{}
		if detailed, ok := err.(*jsonschema.ValidationError); ok {
			for _, cause := range detailed.BasicOutput().Errors {
				if cause.Error == "" || strings.HasPrefix(cause.Error, "doesn't validate with") {
					continue
				}
				loc := cause.InstanceLocation
				if loc == "" {
					loc = "/"
				}
				ve.Causes = append(ve.Causes, fmt.Sprintf("%s: %s", loc, cause.Error))
			}
		}
		if len(ve.Causes) == 0 {
			ve.Causes = []string{err.Error()}
		}
		return ve
	}
	return nil
}
