// Package interference implements the non-interference pre-authorization
// check: a proposed action is admissible only if no other tracked agent's
// projected outcome worsens.
//
// The evaluator runs before policy authorization on every proposed action.
// Interference is cheaper and more fundamental than policy correctness, so
// it fails fast. Evaluation is deterministic and side-effect-free: identical
// inputs always produce the identical result, which is what makes denial
// traces replayable in audits.
package interference

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Ordinal-Systems/canongate/pkg/contracts"
)

// Evaluator compares projected time-to-value against each agent's baseline.
// TTV is a cost measure: an increase is harm.
type Evaluator struct {
	// Epsilon absorbs float noise in projections; deltas at or below it
	// count as unchanged. Zero means exact comparison.
	Epsilon float64
}

// New creates an evaluator with exact delta comparison.
func New() *Evaluator {
	return &Evaluator{}
}

// Evaluate checks actor's proposed action against every agent in others.
// projected maps agent id to the agent's outcome measure if the action
// proceeds; an agent absent from the map is treated as unaffected. All
// worsened agents are named in DisplacedAgents, in deterministic order.
func (e *Evaluator) Evaluate(
	actor contracts.AgentContext,
	others []contracts.AgentContext,
	projected map[string]float64,
) contracts.InterferenceResult {
	type violation struct {
		agentID string
		delta   float64
	}
	var violations []violation

	for _, other := range others {
		if other.AgentID == actor.AgentID {
			continue
		}
		after, ok := projected[other.AgentID]
		if !ok {
			continue
		}
		delta := after - other.BaselineTTV
		if delta > e.Epsilon {
			violations = append(violations, violation{agentID: other.AgentID, delta: delta})
		}
	}

	if len(violations) == 0 {
		return contracts.InterferenceResult{Allowed: true}
	}

	sort.Slice(violations, func(i, j int) bool {
		return violations[i].agentID < violations[j].agentID
	})

	displaced := make([]string, len(violations))
	clauses := make([]string, len(violations))
	for i, v := range violations {
		displaced[i] = v.agentID
		clauses[i] = fmt.Sprintf("%s worsens by %.4g", v.agentID, v.delta)
	}

	return contracts.InterferenceResult{
		Allowed:         false,
		DisplacedAgents: displaced,
		Reason: fmt.Sprintf("action %s by %s would displace %d agent(s): %s",
			actor.IntentID, actor.AgentID, len(displaced), strings.Join(clauses, "; ")),
	}
}
