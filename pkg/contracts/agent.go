package contracts

// AgentContext describes one tracked actor for non-interference evaluation.
// BaselineTTV is the agent's projected time-to-value before the proposed
// action; lower is better (the measure is a cost).
type AgentContext struct {
	AgentID      string   `json:"agent_id"`
	TenantID     string   `json:"tenant_id,omitempty"`
	IntentID     string   `json:"intent_id,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	BaselineTTV  float64  `json:"baseline_ttv"`
}

// InterferenceResult is the verdict of a non-interference check. When not
// allowed, DisplacedAgents names every agent whose projected outcome the
// action would worsen.
type InterferenceResult struct {
	Allowed         bool     `json:"allowed"`
	Reason          string   `json:"reason,omitempty"`
	DisplacedAgents []string `json:"displaced_agents,omitempty"`
}
