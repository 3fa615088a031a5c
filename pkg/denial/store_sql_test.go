package denial

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ordinal-Systems/canongate/pkg/contracts"

	_ "modernc.org/sqlite"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLStore(context.Background(), db)
	require.NoError(t, err)
	return store
}

func sqlTrace(id string, ts time.Time) contracts.DeniedDecisionPayload {
	return contracts.DeniedDecisionPayload{
		DecisionID:  id,
		TS:          ts,
		ActionID:    "deploy",
		TenantID:    "acme",
		ReasonCodes: []contracts.DenialReasonCode{contracts.ReasonPolicyDenied},
		Message:     "deploys to prod are forbidden",
	}
}

func TestSQLStoreInsertSelectRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := sqlTrace("deny-0001", base)
	p.MissingCanonIDs = []string{"no-unbounded-retries"}
	require.NoError(t, store.Insert(ctx, p))

	got, err := store.Select(ctx, Query{TenantID: "acme", Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "deny-0001", got[0].DecisionID)
	assert.Equal(t, "deploy", got[0].ActionID)
	assert.Equal(t, []string{"no-unbounded-retries"}, got[0].MissingCanonIDs)
	assert.True(t, got[0].TS.Equal(base))
}

func TestSQLStoreSelectFilters(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := sqlTrace("deny-0001", base)
	b := sqlTrace("deny-0002", base.Add(time.Second))
	b.ActionID = "delete"
	c := sqlTrace("deny-0003", base.Add(2*time.Second))
	c.TenantID = "globex"
	for _, p := range []contracts.DeniedDecisionPayload{a, b, c} {
		require.NoError(t, store.Insert(ctx, p))
	}

	byAction, err := store.Select(ctx, Query{ActionID: "delete", Limit: 10})
	require.NoError(t, err)
	require.Len(t, byAction, 1)
	assert.Equal(t, "deny-0002", byAction[0].DecisionID)

	byBoth, err := store.Select(ctx, Query{ActionID: "deploy", TenantID: "acme", Limit: 10})
	require.NoError(t, err)
	require.Len(t, byBoth, 1)
	assert.Equal(t, "deny-0001", byBoth[0].DecisionID)
}

func TestSQLStoreNewestFirstWithinSecond(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Sub-second fractions with different widths: 0.1s serialized as a
	// variable-width fraction would sort after 0.12s.
	older := sqlTrace("deny-older", base.Add(100*time.Millisecond))
	newer := sqlTrace("deny-newer", base.Add(120*time.Millisecond))
	require.NoError(t, store.Insert(ctx, older))
	require.NoError(t, store.Insert(ctx, newer))

	got, err := store.Select(ctx, Query{TenantID: "acme", Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "deny-newer", got[0].DecisionID)
	assert.Equal(t, "deny-older", got[1].DecisionID)
}

func TestSQLStoreSelectLimit(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		p := sqlTrace(string(rune('a'+i)), base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.Insert(ctx, p))
	}

	got, err := store.Select(ctx, Query{TenantID: "acme", Limit: 3})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "e", got[0].DecisionID)
	assert.Equal(t, "c", got[2].DecisionID)
}

func TestSQLStoreRecorderIntegration(t *testing.T) {
	store := newSQLiteStore(t)
	rec := testRecorder(store)
	ctx := context.Background()

	p := sqlTrace("", time.Time{})
	receipt, err := rec.PersistDeniedDecision(ctx, &p)
	require.NoError(t, err)
	assert.True(t, receipt.Success)

	got, err := rec.GetDeniedDecisions(ctx, Query{ActionID: "deploy"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ProofHash)
}
