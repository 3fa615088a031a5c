// Package authority implements the top-level decision function: it
// sequences request validation, the non-interference check, the
// promotion-aware policy check, the ledger append, and denial trace
// persistence into one fail-closed call.
//
// Ordering matters. Validation rejects malformed requests before any ledger
// interaction. Non-interference runs before policy authorization because it
// is cheaper and more fundamental. Every outcome is hashed and appended to
// the ledger, and every DENY persists a structured trace before the caller
// sees the response.
package authority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Ordinal-Systems/canongate/pkg/audit"
	"github.com/Ordinal-Systems/canongate/pkg/canonical"
	"github.com/Ordinal-Systems/canongate/pkg/contracts"
	"github.com/Ordinal-Systems/canongate/pkg/denial"
	"github.com/Ordinal-Systems/canongate/pkg/interference"
	"github.com/Ordinal-Systems/canongate/pkg/ledger"
	"github.com/Ordinal-Systems/canongate/pkg/promotion"
)

// canonRefPrefix marks a constraint id that names a canon invariant the
// decision depends on. Unpromoted references deny the request.
const canonRefPrefix = "canon:"

// DecisionRequest is what a caller submits for authorization.
type DecisionRequest struct {
	Actor       contracts.Actor          `json:"actor"`
	Action      string                   `json:"action"`
	Intent      string                   `json:"intent"`
	Inputs      map[string]any           `json:"inputs,omitempty"`
	Constraints []string                 `json:"constraints,omitempty"`
	ChainID     string                   `json:"chain_id,omitempty"`
	Agent       contracts.AgentContext   `json:"agent"`
	Others      []contracts.AgentContext `json:"others,omitempty"`
	Projected   map[string]float64       `json:"projected,omitempty"`
}

// chain returns the ledger chain this request records to. Chains default to
// per-tenant so unrelated tenants append with no coordination.
func (r DecisionRequest) chain() string {
	if r.ChainID != "" {
		return r.ChainID
	}
	return "tenant:" + r.Actor.TenantID
}

// Decision is the engine's result: the outcome, the sealed record, its
// ledger entry, and on DENY the persisted trace.
type Decision struct {
	Outcome      contracts.Outcome               `json:"outcome"`
	Record       *contracts.DecisionRecord       `json:"record"`
	Entry        *ledger.Entry                   `json:"entry,omitempty"`
	DenialTrace  *contracts.DeniedDecisionPayload `json:"denial_trace,omitempty"`
	Interference *contracts.InterferenceResult   `json:"interference,omitempty"`
	// TraceWarning is set when a DENY response stands but its trace or
	// ledger write failed. Never silently dropped, never flipped to ALLOW.
	TraceWarning string `json:"trace_warning,omitempty"`
}

// PolicyResult is the outcome of the external policy authorization step.
type PolicyResult struct {
	Allowed     bool
	Reason      string
	ReasonCodes []contracts.DenialReasonCode
	Effects     []string
	Artifacts   []string
}

// Authorizer is the external policy decision point. The engine does not
// define authorization rules, only how their outcomes are recorded.
type Authorizer interface {
	Authorize(ctx context.Context, req DecisionRequest) (PolicyResult, error)
}

// Engine wires the decision pipeline together.
type Engine struct {
	store      ledger.Store
	recorder   *denial.Recorder
	evaluator  *interference.Evaluator
	canon      *promotion.Registry
	authorizer Authorizer
	validator  *RequestValidator
	auditor    audit.Logger
	logger     *slog.Logger
	tracer     trace.Tracer
	clock      func() time.Time
	ids        func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithIDGenerator overrides record id generation for deterministic testing.
func WithIDGenerator(ids func() string) Option {
	return func(e *Engine) { e.ids = ids }
}

// WithAuditLogger overrides the operational audit sink.
func WithAuditLogger(a audit.Logger) Option {
	return func(e *Engine) { e.auditor = a }
}

// NewEngine creates the authority decision engine.
func NewEngine(
	store ledger.Store,
	recorder *denial.Recorder,
	canon *promotion.Registry,
	authorizer Authorizer,
	logger *slog.Logger,
	opts ...Option,
) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	validator, err := NewRequestValidator()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		store:      store,
		recorder:   recorder,
		evaluator:  interference.New(),
		canon:      canon,
		authorizer: authorizer,
		validator:  validator,
		auditor:    audit.NewLogger(),
		logger:     logger.With("component", "authority"),
		tracer:     otel.Tracer("canongate.authority"),
		clock:      time.Now,
		ids:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Decide runs the full authorization pipeline for one request.
//
// Returned errors are hard failures (validation, or persistence on the
// ALLOW path). A DENY outcome is a normal result, not an error.
func (e *Engine) Decide(ctx context.Context, req DecisionRequest) (*Decision, error) {
	ctx, span := e.tracer.Start(ctx, "authority.decide",
		trace.WithAttributes(
			attribute.String("tenant_id", req.Actor.TenantID),
			attribute.String("action", req.Action),
		))
	defer span.End()

	// 1. Validation: rejected before any ledger interaction, no side effects.
	if err := e.validator.Validate(req); err != nil {
		span.SetAttributes(attribute.String("outcome", "validation_error"))
		return nil, err
	}

	// 2. Non-interference gate. Deterministic, side-effect-free, fails fast.
	result := e.evaluator.Evaluate(e.agentContext(req), req.Others, req.Projected)
	if !result.Allowed {
		span.SetAttributes(attribute.String("outcome", string(contracts.OutcomeDeny)))
		return e.deny(ctx, req, &result, PolicyResult{
			Reason:      result.Reason,
			ReasonCodes: []contracts.DenialReasonCode{contracts.ReasonNonInterferenceViolation},
		}, nil)
	}

	// 3. Canon reference check: constraints naming unpromoted canon deny.
	if missing := e.missingCanon(req.Constraints); len(missing) > 0 {
		span.SetAttributes(attribute.String("outcome", string(contracts.OutcomeDeny)))
		return e.denyMissingCanon(ctx, req, missing)
	}

	// 4. Policy authorization. An authorizer failure is fail-closed: the
	// request is denied, never best-effort allowed.
	policy, err := e.authorizer.Authorize(ctx, req)
	if err != nil {
		e.logger.ErrorContext(ctx, "policy authorization failed closed",
			"action", req.Action, "tenant_id", req.Actor.TenantID, "error", err)
		policy = PolicyResult{
			Allowed:     false,
			Reason:      fmt.Sprintf("policy evaluation failed: %v", err),
			ReasonCodes: []contracts.DenialReasonCode{contracts.ReasonPolicyDenied},
		}
	}
	if !policy.Allowed {
		if len(policy.ReasonCodes) == 0 {
			policy.ReasonCodes = []contracts.DenialReasonCode{contracts.ReasonPolicyDenied}
		}
		span.SetAttributes(attribute.String("outcome", string(contracts.OutcomeDeny)))
		return e.deny(ctx, req, nil, policy, nil)
	}

	// 5. ALLOW: seal the record and append. A persistence failure here is
	// fatal to the request.
	record, err := e.sealRecord(req, contracts.OutcomeAllow, policy.Effects, policy.Artifacts)
	if err != nil {
		return nil, err
	}
	entry, err := e.store.Append(ctx, req.chain(), record)
	if err != nil {
		return nil, fmt.Errorf("authority: ledger append: %w", err)
	}

	span.SetAttributes(attribute.String("outcome", string(contracts.OutcomeAllow)))
	e.recordAudit(ctx, audit.EventDecision, req, record.ID, string(contracts.OutcomeAllow))
	return &Decision{
		Outcome:      contracts.OutcomeAllow,
		Record:       record,
		Entry:        entry,
		Interference: &result,
	}, nil
}

func (e *Engine) agentContext(req DecisionRequest) contracts.AgentContext {
	agent := req.Agent
	if agent.AgentID == "" {
		agent.AgentID = req.Actor.SubjectID
	}
	if agent.TenantID == "" {
		agent.TenantID = req.Actor.TenantID
	}
	if agent.IntentID == "" {
		agent.IntentID = req.Intent
	}
	return agent
}

// missingCanon returns canon refs in constraints that are not promoted.
func (e *Engine) missingCanon(constraints []string) []string {
	if e.canon == nil {
		return nil
	}
	var missing []string
	for _, c := range constraints {
		name, ok := strings.CutPrefix(c, canonRefPrefix)
		if !ok {
			continue
		}
		if _, promoted := e.canon.Get(name); !promoted {
			missing = append(missing, name)
		}
	}
	return missing
}

func (e *Engine) denyMissingCanon(ctx context.Context, req DecisionRequest, missing []string) (*Decision, error) {
	return e.deny(ctx, req, nil, PolicyResult{
		Reason:      fmt.Sprintf("required canon not promoted: %s", strings.Join(missing, ", ")),
		ReasonCodes: []contracts.DenialReasonCode{contracts.ReasonMissingCanon},
	}, missing)
}

// sealRecord builds a DecisionRecord and computes its immutable hash over
// the canonical JSON of every other field.
func (e *Engine) sealRecord(req DecisionRequest, outcome contracts.Outcome, effects, artifacts []string) (*contracts.DecisionRecord, error) {
	record := &contracts.DecisionRecord{
		ID:          e.ids(),
		Timestamp:   e.clock().UTC(),
		Actor:       req.Actor,
		Action:      req.Action,
		Intent:      req.Intent,
		Inputs:      req.Inputs,
		Constraints: req.Constraints,
		Outcome:     outcome,
	}
	if outcome == contracts.OutcomeAllow {
		record.Effects = effects
		record.Artifacts = artifacts
	}
	hash, err := canonical.Hash(record.HashableView())
	if err != nil {
		return nil, fmt.Errorf("authority: hash record: %w", err)
	}
	record.Hash = hash
	return record, nil
}

// deny seals a DENY record, appends it, and persists the denial trace.
// The trace completes (success or logged failure) before this returns; a
// persistence failure is reported as a warning on the decision, never as a
// flipped outcome.
func (e *Engine) deny(ctx context.Context, req DecisionRequest, inter *contracts.InterferenceResult, policy PolicyResult, missingCanon []string) (*Decision, error) {
	record, err := e.sealRecord(req, contracts.OutcomeDeny, nil, nil)
	if err != nil {
		return nil, err
	}

	decision := &Decision{
		Outcome:      contracts.OutcomeDeny,
		Record:       record,
		Interference: inter,
	}

	entry, err := e.store.Append(ctx, req.chain(), record)
	if err != nil {
		e.logger.ErrorContext(ctx, "ledger append failed on deny path",
			"decision_id", record.ID, "error", err)
		decision.TraceWarning = fmt.Sprintf("ledger append failed: %v", err)
	} else {
		decision.Entry = entry
	}

	payload := contracts.DeniedDecisionPayload{
		DecisionID:  record.ID,
		TS:          record.Timestamp,
		ActionID:    req.Action,
		TenantID:    req.Actor.TenantID,
		ReasonCodes: policy.ReasonCodes,
		Message:     policy.Reason,
	}
	if len(missingCanon) > 0 {
		payload.MissingCanonIDs = missingCanon
		payload.RequiredCanonRefs = missingCanon
	}
	if _, err := e.recorder.PersistDeniedDecision(ctx, &payload); err != nil {
		if decision.TraceWarning != "" {
			decision.TraceWarning += "; "
		}
		decision.TraceWarning += fmt.Sprintf("denial trace persistence failed: %v", err)
	}
	decision.DenialTrace = &payload

	e.recordAudit(ctx, audit.EventDenial, req, record.ID, policy.Reason)
	return decision, nil
}

func (e *Engine) recordAudit(ctx context.Context, t audit.EventType, req DecisionRequest, decisionID, detail string) {
	if e.auditor == nil {
		return
	}
	err := e.auditor.Record(ctx, t, req.Actor.TenantID, req.Actor.SubjectID, req.Action, decisionID,
		map[string]any{"detail": detail})
	if err != nil {
		e.logger.WarnContext(ctx, "audit record failed", "error", err)
	}
}

// IsValidation reports whether err is a request validation failure.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
