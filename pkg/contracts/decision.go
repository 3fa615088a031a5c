// Package contracts defines the shared data model for the decision ledger:
// decision records, denial traces, promotion candidates, and agent contexts.
//
// Records in this package are append-only artifacts. Once a DecisionRecord's
// hash is computed, the record is immutable; mutation of a persisted record
// is a protocol violation detected by chain verification, never repaired.
package contracts

import (
	"time"
)

// Outcome is the final verdict of an authorization decision.
type Outcome string

const (
	OutcomeAllow Outcome = "ALLOW"
	OutcomeDeny  Outcome = "DENY"
)

// Actor identifies who requested an action.
type Actor struct {
	SubjectID string `json:"subject_id"`
	TenantID  string `json:"tenant_id"`
	Role      string `json:"role,omitempty"`
}

// RollbackRef optionally points at what would undo this decision.
type RollbackRef struct {
	ArtifactID      string `json:"artifact_id,omitempty"`
	PriorDecisionID string `json:"prior_decision_id,omitempty"`
	SchemaVersion   string `json:"schema_version,omitempty"`
}

// DecisionRecord captures one authorization outcome.
//
// Hash is the SHA-256 hex digest over the canonical JSON of every other
// field. It is computed exactly once, at record time, and is a pure function
// of the remaining fields: two records with identical fields always carry
// identical hashes.
type DecisionRecord struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Actor       Actor          `json:"actor"`
	Action      string         `json:"action"`
	Intent      string         `json:"intent"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Constraints []string       `json:"constraints,omitempty"`
	Outcome     Outcome        `json:"outcome"`
	Effects     []string       `json:"effects,omitempty"`
	Artifacts   []string       `json:"artifacts,omitempty"`
	Rollback    *RollbackRef   `json:"rollback,omitempty"`
	Hash        string         `json:"hash,omitempty"`
}

// HashableView returns the record with its Hash field cleared, for digest
// computation. The field being computed must never be part of its own input.
func (r DecisionRecord) HashableView() DecisionRecord {
	r.Hash = ""
	return r
}
