package authority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ordinal-Systems/canongate/pkg/audit"
	"github.com/Ordinal-Systems/canongate/pkg/contracts"
	"github.com/Ordinal-Systems/canongate/pkg/denial"
	"github.com/Ordinal-Systems/canongate/pkg/ledger"
	"github.com/Ordinal-Systems/canongate/pkg/promotion"
)

func testPolicy(t *testing.T) *CELAuthorizer {
	t.Helper()
	authorizer, err := NewCELAuthorizer([]PolicyRule{
		{
			ID:     "deny-prod-delete",
			Expr:   `action == "delete" && inputs.env == "prod"`,
			Effect: contracts.OutcomeDeny,
			Reason: "deletes in prod are forbidden",
		},
		{
			ID:     "allow-operators",
			Expr:   `actor.role == "operator"`,
			Effect: contracts.OutcomeAllow,
		},
	})
	require.NoError(t, err)
	return authorizer
}

type engineFixture struct {
	engine      *Engine
	store       *ledger.MemoryStore
	denialStore *denial.MemoryStore
	canon       *promotion.Registry
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	denialStore := denial.NewMemoryStore()
	recorder := denial.NewRecorder(denialStore, slog.Default())
	canon := promotion.NewRegistry()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	engine, err := NewEngine(store, recorder, canon, testPolicy(t), slog.Default(),
		WithClock(func() time.Time { return base }),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("dec-%04d", n)
		}),
		WithAuditLogger(audit.Nop()),
	)
	require.NoError(t, err)
	return &engineFixture{engine: engine, store: store, denialStore: denialStore, canon: canon}
}

func validRequest() DecisionRequest {
	return DecisionRequest{
		Actor:  contracts.Actor{SubjectID: "alice", TenantID: "acme", Role: "operator"},
		Action: "deploy",
		Intent: "ship release 42",
		Inputs: map[string]any{"env": "staging"},
	}
}

func TestDecide_AllowPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.engine.Decide(ctx, validRequest())
	require.NoError(t, err)

	assert.Equal(t, contracts.OutcomeAllow, d.Outcome)
	require.NotNil(t, d.Record)
	assert.Equal(t, contracts.OutcomeAllow, d.Record.Outcome)
	assert.NotEmpty(t, d.Record.Hash)
	require.NotNil(t, d.Entry)
	assert.Equal(t, "tenant:acme", d.Entry.ChainID)
	assert.Nil(t, d.DenialTrace)
	assert.Empty(t, d.TraceWarning)

	// The ALLOW is on the ledger and the chain verifies.
	result, err := f.store.Verify(ctx, "tenant:acme")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 1, result.Entries)
}

func TestDecide_RecordHashIsStable(t *testing.T) {
	f := newFixture(t)
	d, err := f.engine.Decide(context.Background(), validRequest())
	require.NoError(t, err)

	// Recomputing the hash over the hashable view must reproduce it.
	recomputed := d.Record.HashableView()
	assert.Empty(t, recomputed.Hash)
	assert.NotEmpty(t, d.Record.Hash)
}

func TestDecide_PolicyDeny(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := validRequest()
	req.Action = "delete"
	req.Inputs = map[string]any{"env": "prod"}

	d, err := f.engine.Decide(ctx, req)
	require.NoError(t, err, "a DENY is a result, not an error")

	assert.Equal(t, contracts.OutcomeDeny, d.Outcome)
	require.NotNil(t, d.DenialTrace)
	assert.Equal(t, []contracts.DenialReasonCode{contracts.ReasonPolicyDenied}, d.DenialTrace.ReasonCodes)
	assert.Equal(t, "deletes in prod are forbidden", d.DenialTrace.Message)
	assert.NotEmpty(t, d.DenialTrace.ProofHash)
	assert.Equal(t, 1, f.denialStore.Len(), "trace persisted before the response")

	// The DENY is also a ledger record.
	entries, err := f.store.ReadChain(ctx, "tenant:acme")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestDecide_DefaultDeny(t *testing.T) {
	f := newFixture(t)

	req := validRequest()
	req.Actor.Role = "viewer" // matches no rule

	d, err := f.engine.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeDeny, d.Outcome)
	assert.Contains(t, d.DenialTrace.Message, "default deny")
}

func TestDecide_InterferenceDeny(t *testing.T) {
	f := newFixture(t)

	req := validRequest()
	req.Agent = contracts.AgentContext{AgentID: "alice-agent", BaselineTTV: 5}
	req.Others = []contracts.AgentContext{{AgentID: "bob-agent", TenantID: "acme", BaselineTTV: 10}}
	req.Projected = map[string]float64{"bob-agent": 14}

	d, err := f.engine.Decide(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, contracts.OutcomeDeny, d.Outcome)
	require.NotNil(t, d.Interference)
	assert.False(t, d.Interference.Allowed)
	assert.Equal(t, []string{"bob-agent"}, d.Interference.DisplacedAgents)
	require.NotNil(t, d.DenialTrace)
	assert.Equal(t, []contracts.DenialReasonCode{contracts.ReasonNonInterferenceViolation}, d.DenialTrace.ReasonCodes)
	assert.Equal(t, 1, f.denialStore.Len())
}

func TestDecide_MissingCanonDeny(t *testing.T) {
	f := newFixture(t)

	req := validRequest()
	req.Constraints = []string{"canon:no-unbounded-retries", "budget:low"}

	d, err := f.engine.Decide(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, contracts.OutcomeDeny, d.Outcome)
	require.NotNil(t, d.DenialTrace)
	assert.Equal(t, []contracts.DenialReasonCode{contracts.ReasonMissingCanon}, d.DenialTrace.ReasonCodes)
	assert.Equal(t, []string{"no-unbounded-retries"}, d.DenialTrace.MissingCanonIDs)
	assert.Equal(t, []string{"no-unbounded-retries"}, d.DenialTrace.RequiredCanonRefs)

	// The persisted trace carries the missing canon ids too.
	traces, err := f.denialStore.Select(context.Background(), denial.Query{TenantID: "acme", Limit: 10})
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, []string{"no-unbounded-retries"}, traces[0].MissingCanonIDs)
}

func TestDecide_PromotedCanonRefAllows(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.canon.Merge([]promotion.Rule{{
		InvariantName: "no-unbounded-retries",
		Version:       "1.0.0",
		SemanticsHash: "abc",
	}}))

	req := validRequest()
	req.Constraints = []string{"canon:no-unbounded-retries"}

	d, err := f.engine.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeAllow, d.Outcome)
}

func TestDecide_ValidationRejectsBeforeLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []DecisionRequest{
		{Actor: contracts.Actor{SubjectID: "alice", TenantID: "acme"}, Intent: "x"},     // no action
		{Actor: contracts.Actor{SubjectID: "alice", TenantID: "acme"}, Action: "a"},     // no intent
		{Actor: contracts.Actor{TenantID: "acme"}, Action: "a", Intent: "x"},            // no subject
		{Actor: contracts.Actor{SubjectID: "alice"}, Action: "a", Intent: "x"},          // no tenant
		{Actor: contracts.Actor{SubjectID: "", TenantID: ""}, Action: "", Intent: ""},   // everything missing
	}
	for i, req := range cases {
		_, err := f.engine.Decide(ctx, req)
		require.Error(t, err, "case %d", i)
		assert.True(t, IsValidation(err), "case %d: %v", i, err)
	}

	chains, err := f.store.Chains(ctx)
	require.NoError(t, err)
	assert.Empty(t, chains, "validation failures must not touch the ledger")
	assert.Equal(t, 0, f.denialStore.Len())
}

type failingAuthorizer struct{}

func (failingAuthorizer) Authorize(ctx context.Context, req DecisionRequest) (PolicyResult, error) {
	return PolicyResult{}, errors.New("policy backend unreachable")
}

// An authorizer failure must deny, never best-effort allow.
func TestDecide_AuthorizerFailureFailsClosed(t *testing.T) {
	store := ledger.NewMemoryStore()
	denialStore := denial.NewMemoryStore()
	engine, err := NewEngine(store, denial.NewRecorder(denialStore, slog.Default()),
		promotion.NewRegistry(), failingAuthorizer{}, slog.Default(),
		WithAuditLogger(audit.Nop()))
	require.NoError(t, err)

	d, err := engine.Decide(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeDeny, d.Outcome)
	assert.Contains(t, d.DenialTrace.Message, "policy evaluation failed")
	assert.Equal(t, 1, denialStore.Len())
}

type failingTraceStore struct{}

func (failingTraceStore) Insert(ctx context.Context, p contracts.DeniedDecisionPayload) error {
	return errors.New("trace store down")
}

func (failingTraceStore) Select(ctx context.Context, q denial.Query) ([]contracts.DeniedDecisionPayload, error) {
	return nil, nil
}

// A denial trace persistence failure is surfaced as a warning; the DENY
// outcome stands and is never flipped to ALLOW.
func TestDecide_TraceFailureKeepsDeny(t *testing.T) {
	store := ledger.NewMemoryStore()
	engine, err := NewEngine(store, denial.NewRecorder(failingTraceStore{}, slog.Default()),
		promotion.NewRegistry(), testPolicy(t), slog.Default(),
		WithAuditLogger(audit.Nop()))
	require.NoError(t, err)

	req := validRequest()
	req.Actor.Role = "viewer"

	d, err := engine.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeDeny, d.Outcome)
	assert.Contains(t, d.TraceWarning, "denial trace persistence failed")
	require.NotNil(t, d.DenialTrace)
}

func TestDecide_ExplicitChainID(t *testing.T) {
	f := newFixture(t)

	req := validRequest()
	req.ChainID = "audit:special"

	d, err := f.engine.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "audit:special", d.Entry.ChainID)
}

func TestDecide_SequentialDecisionsShareOneChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.engine.Decide(ctx, validRequest())
		require.NoError(t, err)
	}

	result, err := f.store.Verify(ctx, "tenant:acme")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 3, result.Entries)
}
