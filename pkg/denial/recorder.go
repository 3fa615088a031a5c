// Package denial persists structured traces for every DENY outcome.
//
// The recorder is fail-closed in the only direction that matters: a failure
// to persist a trace is logged loudly and surfaced to the caller, but it
// never converts a DENY into an ALLOW. Reads are pure; replaying a denial
// trace triggers nothing.
package denial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Ordinal-Systems/canongate/pkg/canonical"
	"github.com/Ordinal-Systems/canongate/pkg/contracts"
)

// DefaultQueryLimit caps GetDeniedDecisions results when no limit is given.
const DefaultQueryLimit = 100

var (
	// ErrFilterRequired is returned when a query names neither an action id
	// nor a tenant id.
	ErrFilterRequired = errors.New("denial: query requires action_id or tenant_id")
	// ErrPersistence signals the trace store could not durably write.
	ErrPersistence = errors.New("denial: trace not durably persisted")
)

// Query filters denial traces. At least one of ActionID or TenantID must be
// set. Results come back newest-first, capped at Limit.
type Query struct {
	ActionID string
	TenantID string
	Limit    int
}

// Store is the durable interface for denial traces.
type Store interface {
	Insert(ctx context.Context, p contracts.DeniedDecisionPayload) error
	Select(ctx context.Context, q Query) ([]contracts.DeniedDecisionPayload, error)
}

// Receipt reports the outcome of persisting one denial trace.
type Receipt struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
}

// Recorder persists denial traces synchronously on the decision path.
type Recorder struct {
	store  Store
	logger *slog.Logger
	clock  func() time.Time
	ids    func() string
}

// NewRecorder creates a recorder over the given store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  store,
		logger: logger.With("component", "denial"),
		clock:  time.Now,
		ids:    uuid.NewString,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// WithIDGenerator overrides id generation for deterministic testing.
func (r *Recorder) WithIDGenerator(ids func() string) *Recorder {
	r.ids = ids
	return r
}

// PersistDeniedDecision stores a denial trace and must complete (success or
// logged failure) before the DENY response is returned to the caller.
// Missing decision id, timestamp, and proof hash are filled in place so
// callers stay free of entropy sources.
func (r *Recorder) PersistDeniedDecision(ctx context.Context, p *contracts.DeniedDecisionPayload) (Receipt, error) {
	if p.DecisionID == "" {
		p.DecisionID = r.ids()
	}
	if p.TS.IsZero() {
		p.TS = r.clock().UTC()
	}
	if p.ProofHash == "" {
		hash, err := canonical.Hash(p.ProofView())
		if err != nil {
			return Receipt{ID: p.DecisionID}, fmt.Errorf("denial: proof hash: %w", err)
		}
		p.ProofHash = hash
	}

	if err := r.store.Insert(ctx, *p); err != nil {
		// Loud, structured, and fail-closed: the DENY stands either way.
		r.logger.ErrorContext(ctx, "denial trace persistence failed",
			"decision_id", p.DecisionID,
			"action_id", p.ActionID,
			"tenant_id", p.TenantID,
			"error", err,
		)
		return Receipt{ID: p.DecisionID, Success: false}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return Receipt{ID: p.DecisionID, Success: true}, nil
}

// GetDeniedDecisions answers "why was this denied" queries. Pure read.
func (r *Recorder) GetDeniedDecisions(ctx context.Context, q Query) ([]contracts.DeniedDecisionPayload, error) {
	if q.ActionID == "" && q.TenantID == "" {
		return nil, ErrFilterRequired
	}
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	return r.store.Select(ctx, q)
}
