// Package promotion implements the canon promotion gate: the state machine
// that advances a candidate rule EVIDENCE → PROPOSED → CANON one level at a
// time, and only when all four promotion tests pass.
//
// A rule earns immutability by demonstrating it: its failure modes were
// actually observed (resistance), it is stable across trials (reproducible),
// it cannot open an invariant hole (invariant safety), and it materially
// changes the admissible action set (feasibility impact). Anything less
// stays where it is, which keeps one-off observations from bloating canon.
package promotion

import (
	"fmt"
	"strings"
	"time"

	"github.com/Ordinal-Systems/canongate/pkg/contracts"
)

// Gate issues promotion decisions. Promote is a pure decision function: it
// never writes; durably recording a candidate at its new level is the
// caller's job.
type Gate struct {
	clock func() time.Time
}

// NewGate creates a promotion gate.
func NewGate() *Gate {
	return &Gate{clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// ValidatePromotionPath reports whether to is exactly one level above from.
// Skips (EVIDENCE→CANON) and downgrades are rejected.
func ValidatePromotionPath(from, to contracts.PromotionLevel) bool {
	fromRank, toRank := from.Rank(), to.Rank()
	if fromRank < 0 || toRank < 0 {
		return false
	}
	return toRank == fromRank+1
}

// failureClauses enumerates exactly which of the four tests failed, one
// clause per failing test.
func failureClauses(tests contracts.PromotionTests) []string {
	var clauses []string
	if !tests.Resistance {
		clauses = append(clauses, "resistance: failure modes were not observed to bind the system")
	}
	if !tests.Reproducible {
		clauses = append(clauses, "reproducible: behavior was not stable across repeated trials")
	}
	if !tests.InvariantSafe {
		clauses = append(clauses, "invariant safety: rule could enable an invariant violation")
	}
	if !tests.FeasibilityImpact {
		clauses = append(clauses, "feasibility impact: rule does not materially change the admissible action set")
	}
	return clauses
}

// Promote evaluates one promotion request. Approved is true iff all four
// tests pass and the path is exactly one level. On any failure the decision
// keeps the candidate at its current level; there is no partial promotion.
func (g *Gate) Promote(
	candidate contracts.PromotionCandidate,
	target contracts.PromotionLevel,
	tests contracts.PromotionTests,
) contracts.PromotionDecision {
	decision := contracts.PromotionDecision{
		TS:     g.clock().UTC(),
		ItemID: candidate.ItemID,
		From:   candidate.Level,
		To:     candidate.Level,
		Tests:  tests,
	}

	if !ValidatePromotionPath(candidate.Level, target) {
		decision.Reason = fmt.Sprintf("invalid promotion path: %s is not exactly one level above %s",
			target, candidate.Level)
		return decision
	}

	if clauses := failureClauses(tests); len(clauses) > 0 {
		decision.Reason = "promotion denied: " + strings.Join(clauses, "; ")
		return decision
	}

	decision.Approved = true
	decision.To = target
	decision.Reason = fmt.Sprintf("all four promotion tests passed; %s advances %s -> %s",
		candidate.ItemID, candidate.Level, target)
	return decision
}
