package contracts

import "time"

// DenialReasonCode is the closed taxonomy for denial causes. Consumers can
// switch over these exhaustively instead of matching reason strings.
type DenialReasonCode string

const (
	ReasonValidationFailed         DenialReasonCode = "VALIDATION_FAILED"
	ReasonNonInterferenceViolation DenialReasonCode = "NON_INTERFERENCE_VIOLATION"
	ReasonPolicyDenied             DenialReasonCode = "POLICY_DENIED"
	ReasonMissingCanon             DenialReasonCode = "MISSING_CANON"
	ReasonInvariantViolation       DenialReasonCode = "INVARIANT_VIOLATION"
	ReasonPromotionDenied          DenialReasonCode = "PROMOTION_DENIED"
)

// DeniedDecisionPayload is the structured trace persisted for every DENY
// outcome, before the caller receives the response. It answers "why was
// this denied" queries and supports replay verification via ProofHash.
type DeniedDecisionPayload struct {
	DecisionID           string             `json:"decision_id"`
	TS                   time.Time          `json:"ts"`
	ActionID             string             `json:"action_id"`
	TenantID             string             `json:"tenant_id"`
	ReasonCodes          []DenialReasonCode `json:"reason_codes"`
	Message              string             `json:"message"`
	MissingCanonIDs      []string           `json:"missing_canon_ids,omitempty"`
	ViolatedInvariantIDs []string           `json:"violated_invariant_ids,omitempty"`
	RequiredCanonRefs    []string           `json:"required_canon_refs,omitempty"`
	ProofHash            string             `json:"proof_hash,omitempty"`
}

// ProofView returns the stable subset of fields used to compute ProofHash.
// Timestamps are excluded so a replayed denial hashes identically.
func (p DeniedDecisionPayload) ProofView() map[string]any {
	view := map[string]any{
		"decision_id":  p.DecisionID,
		"action_id":    p.ActionID,
		"tenant_id":    p.TenantID,
		"reason_codes": p.ReasonCodes,
		"message":      p.Message,
	}
	if len(p.MissingCanonIDs) > 0 {
		view["missing_canon_ids"] = p.MissingCanonIDs
	}
	if len(p.ViolatedInvariantIDs) > 0 {
		view["violated_invariant_ids"] = p.ViolatedInvariantIDs
	}
	if len(p.RequiredCanonRefs) > 0 {
		view["required_canon_refs"] = p.RequiredCanonRefs
	}
	return view
}
