package authority

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Ordinal-Systems/canongate/pkg/contracts"
)

// PolicyRule is one CEL expression over the decision request. Effect is
// applied when the expression evaluates to true.
type PolicyRule struct {
	ID     string            `json:"id" yaml:"id"`
	Expr   string            `json:"expr" yaml:"expr"`
	Effect contracts.Outcome `json:"effect" yaml:"effect"`
	Reason string            `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// CELAuthorizer is the reference Authorizer: an adapter over CEL rule
// evaluation. Deny rules win over allow rules, and a request matching no
// rule at all is denied — the default is fail-closed, not best-effort.
//
// Policy content stays a caller concern; this adapter only defines how a
// rule set is evaluated and how its outcome maps onto PolicyResult.
type CELAuthorizer struct {
	env   *cel.Env
	rules []PolicyRule

	mu    sync.Mutex
	cache map[string]cel.Program
}

// NewCELAuthorizer compiles an authorizer over the given rule set.
func NewCELAuthorizer(rules []PolicyRule) (*CELAuthorizer, error) {
	env, err := cel.NewEnv(
		cel.Variable("actor", cel.DynType),
		cel.Variable("action", cel.StringType),
		cel.Variable("intent", cel.StringType),
		cel.Variable("inputs", cel.DynType),
		cel.Variable("constraints", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("authority: create CEL environment: %w", err)
	}
	a := &CELAuthorizer{
		env:   env,
		rules: rules,
		cache: make(map[string]cel.Program),
	}
	// Compile eagerly so malformed rules surface at construction.
	for _, r := range rules {
		if _, err := a.program(r.Expr); err != nil {
			return nil, fmt.Errorf("authority: rule %q: %w", r.ID, err)
		}
	}
	return a, nil
}

func (a *CELAuthorizer) program(expr string) (cel.Program, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if prg, ok := a.cache[expr]; ok {
		return prg, nil
	}
	ast, issues := a.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := a.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	a.cache[expr] = prg
	return prg, nil
}

// Authorize evaluates the rule set against the request.
func (a *CELAuthorizer) Authorize(ctx context.Context, req DecisionRequest) (PolicyResult, error) {
	if err := ctx.Err(); err != nil {
		return PolicyResult{}, err
	}

	constraints := req.Constraints
	if constraints == nil {
		constraints = []string{}
	}
	input := map[string]any{
		"actor": map[string]any{
			"subject_id": req.Actor.SubjectID,
			"tenant_id":  req.Actor.TenantID,
			"role":       req.Actor.Role,
		},
		"action":      req.Action,
		"intent":      req.Intent,
		"inputs":      req.Inputs,
		"constraints": constraints,
	}

	var allowedBy *PolicyRule
	for i := range a.rules {
		r := a.rules[i]
		prg, err := a.program(r.Expr)
		if err != nil {
			return PolicyResult{}, err
		}
		out, _, err := prg.Eval(input)
		if err != nil {
			return PolicyResult{}, fmt.Errorf("authority: rule %q eval: %w", r.ID, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return PolicyResult{}, fmt.Errorf("authority: rule %q is not boolean", r.ID)
		}
		if !matched {
			continue
		}
		if r.Effect == contracts.OutcomeDeny {
			reason := r.Reason
			if reason == "" {
				reason = fmt.Sprintf("denied by policy rule %s", r.ID)
			}
			return PolicyResult{
				Allowed:     false,
				Reason:      reason,
				ReasonCodes: []contracts.DenialReasonCode{contracts.ReasonPolicyDenied},
			}, nil
		}
		if allowedBy == nil {
			allowedBy = &a.rules[i]
		}
	}

	if allowedBy != nil {
		reason := allowedBy.Reason
		if reason == "" {
			reason = fmt.Sprintf("allowed by policy rule %s", allowedBy.ID)
		}
		return PolicyResult{Allowed: true, Reason: reason}, nil
	}

	return PolicyResult{
		Allowed:     false,
		Reason:      "no policy rule matched; default deny",
		ReasonCodes: []contracts.DenialReasonCode{contracts.ReasonPolicyDenied},
	}, nil
}
