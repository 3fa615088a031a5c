package interference

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Ordinal-Systems/canongate/pkg/contracts"
)

func agent(id string, baseline float64) contracts.AgentContext {
	return contracts.AgentContext{AgentID: id, TenantID: "acme", BaselineTTV: baseline}
}

func TestEvaluate_NoOtherAgents(t *testing.T) {
	e := New()
	result := e.Evaluate(agent("a", 10), nil, nil)
	assert.True(t, result.Allowed)
	assert.Empty(t, result.DisplacedAgents)
}

func TestEvaluate_AllUnchangedOrImproved(t *testing.T) {
	e := New()
	others := []contracts.AgentContext{agent("b", 10), agent("c", 20)}
	projected := map[string]float64{"b": 10, "c": 15}

	result := e.Evaluate(agent("a", 5), others, projected)
	assert.True(t, result.Allowed)
	assert.Empty(t, result.Reason)
}

func TestEvaluate_OneAgentWorsens(t *testing.T) {
	e := New()
	others := []contracts.AgentContext{agent("b", 10), agent("c", 20)}
	projected := map[string]float64{"b": 12, "c": 20}

	actor := agent("a", 5)
	actor.IntentID = "reassign-runners"
	result := e.Evaluate(actor, others, projected)

	assert.False(t, result.Allowed)
	assert.Equal(t, []string{"b"}, result.DisplacedAgents)
	assert.Contains(t, result.Reason, "reassign-runners")
	assert.Contains(t, result.Reason, "b worsens by 2")
}

func TestEvaluate_DisplacedAgentsSorted(t *testing.T) {
	e := New()
	others := []contracts.AgentContext{agent("zed", 1), agent("ann", 1), agent("mid", 1)}
	projected := map[string]float64{"zed": 2, "ann": 2, "mid": 2}

	result := e.Evaluate(agent("a", 0), others, projected)
	assert.False(t, result.Allowed)
	assert.Equal(t, []string{"ann", "mid", "zed"}, result.DisplacedAgents)
}

func TestEvaluate_ActorExcluded(t *testing.T) {
	e := New()
	// The actor appearing in others with a worsened projection must not
	// count against itself.
	others := []contracts.AgentContext{agent("a", 10), agent("b", 10)}
	projected := map[string]float64{"a": 100, "b": 10}

	result := e.Evaluate(agent("a", 10), others, projected)
	assert.True(t, result.Allowed)
}

func TestEvaluate_AbsentFromProjectedIsUnaffected(t *testing.T) {
	e := New()
	others := []contracts.AgentContext{agent("b", 10)}

	result := e.Evaluate(agent("a", 5), others, map[string]float64{})
	assert.True(t, result.Allowed)
}

func TestEvaluate_EpsilonAbsorbsNoise(t *testing.T) {
	e := &Evaluator{Epsilon: 0.01}
	others := []contracts.AgentContext{agent("b", 10)}

	// Delta exactly at epsilon is unchanged.
	result := e.Evaluate(agent("a", 5), others, map[string]float64{"b": 10.01})
	assert.True(t, result.Allowed)

	// Delta just above epsilon is displacement.
	result = e.Evaluate(agent("a", 5), others, map[string]float64{"b": 10.02})
	assert.False(t, result.Allowed)
}

func TestEvaluate_ZeroEpsilonIsExact(t *testing.T) {
	e := New()
	others := []contracts.AgentContext{agent("b", 10)}

	result := e.Evaluate(agent("a", 5), others, map[string]float64{"b": 10.0000001})
	assert.False(t, result.Allowed)
}

func TestEvaluate_Deterministic(t *testing.T) {
	e := New()
	others := []contracts.AgentContext{agent("x", 1), agent("y", 2), agent("z", 3)}
	projected := map[string]float64{"x": 5, "y": 5, "z": 5}
	actor := agent("a", 0)

	first := e.Evaluate(actor, others, projected)
	for i := 0; i < 20; i++ {
		again := e.Evaluate(actor, others, projected)
		assert.Equal(t, first, again)
	}
}
