package contracts

import "time"

// PromotionLevel is one of the three levels a candidate rule passes through.
// Levels are strictly ordered; a candidate advances at most one level per
// promotion call.
type PromotionLevel string

const (
	LevelEvidence PromotionLevel = "EVIDENCE"
	LevelProposed PromotionLevel = "PROPOSED"
	LevelCanon    PromotionLevel = "CANON"
)

// Rank returns the ordinal position of the level, or -1 for unknown levels.
func (l PromotionLevel) Rank() int {
	switch l {
	case LevelEvidence:
		return 0
	case LevelProposed:
		return 1
	case LevelCanon:
		return 2
	}
	return -1
}

// PromotionTests are the four independent gates a candidate must pass.
// All four must be true for a promotion to be approved.
type PromotionTests struct {
	// Resistance: failure modes were actually observed; the constraint
	// genuinely bound the system rather than never firing.
	Resistance bool `json:"resistance"`
	// Reproducible: stable across repeated trials and contexts.
	Reproducible bool `json:"reproducible"`
	// InvariantSafe: cannot itself enable an invariant violation.
	InvariantSafe bool `json:"invariant_safe"`
	// FeasibilityImpact: materially changes the admissible action set
	// or its scoring.
	FeasibilityImpact bool `json:"feasibility_impact"`
}

// AllPass reports whether every gate passed.
func (t PromotionTests) AllPass() bool {
	return t.Resistance && t.Reproducible && t.InvariantSafe && t.FeasibilityImpact
}

// PromotionCandidate is a rule under consideration for promotion.
type PromotionCandidate struct {
	ItemID        string         `json:"item_id"`
	InvariantName string         `json:"invariant_name"`
	Version       string         `json:"version"` // semantic version of the rule text
	Level         PromotionLevel `json:"level"`
	Statement     string         `json:"statement"`
	SemanticsHash string         `json:"semantics_hash,omitempty"`
}

// PromotionDecision is the pure outcome of a promotion call. Approved is
// true iff all four tests passed; To equals the requested target only when
// approved, otherwise From (no partial promotion).
type PromotionDecision struct {
	TS       time.Time      `json:"ts"`
	ItemID   string         `json:"item_id"`
	From     PromotionLevel `json:"from"`
	To       PromotionLevel `json:"to"`
	Tests    PromotionTests `json:"tests"`
	Approved bool           `json:"approved"`
	Reason   string         `json:"reason"`
}
