package denial

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Ordinal-Systems/canongate/pkg/contracts"
)

// SQLStore persists denial traces via database/sql, on SQLite or Postgres.
// The full payload is kept as JSON alongside the filterable columns so the
// trace survives schema drift in the optional fields.
type SQLStore struct {
	db *sql.DB
}

// Timestamps are stored as fixed-width UTC text so that lexicographic order
// matches chronological order. RFC3339Nano would trim trailing zeros from the
// fraction and break ORDER BY within a second.
const denialTSFormat = "2006-01-02T15:04:05.000000000Z"

const denialSchema = `
CREATE TABLE IF NOT EXISTS denial_traces (
	decision_id TEXT PRIMARY KEY,
	ts          TEXT NOT NULL,
	action_id   TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	payload     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_denial_action ON denial_traces (action_id, ts);
CREATE INDEX IF NOT EXISTS idx_denial_tenant ON denial_traces (tenant_id, ts);
`

// NewSQLStore wraps an open database handle and ensures the schema exists.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if _, err := db.ExecContext(ctx, denialSchema); err != nil {
		return nil, fmt.Errorf("denial: migrate: %w", err)
	}
	return s, nil
}

// Insert stores one trace. The write is a single atomic statement; the
// trace is not considered persisted unless the statement commits.
func (s *SQLStore) Insert(ctx context.Context, p contracts.DeniedDecisionPayload) error {
	blob, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("denial: marshal trace %s: %w", p.DecisionID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO denial_traces (decision_id, ts, action_id, tenant_id, payload)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.DecisionID, p.TS.UTC().Format(denialTSFormat), p.ActionID, p.TenantID, string(blob))
	if err != nil {
		return fmt.Errorf("denial: insert trace %s: %w", p.DecisionID, err)
	}
	return nil
}

// Select returns matching traces newest-first, capped at q.Limit.
func (s *SQLStore) Select(ctx context.Context, q Query) ([]contracts.DeniedDecisionPayload, error) {
	query := `SELECT payload FROM denial_traces WHERE 1=1`
	args := make([]any, 0, 3)
	n := 0
	if q.ActionID != "" {
		n++
		query += fmt.Sprintf(" AND action_id = $%d", n)
		args = append(args, q.ActionID)
	}
	if q.TenantID != "" {
		n++
		query += fmt.Sprintf(" AND tenant_id = $%d", n)
		args = append(args, q.TenantID)
	}
	n++
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", n)
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("denial: query traces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]contracts.DeniedDecisionPayload, 0, q.Limit)
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("denial: scan trace: %w", err)
		}
		var p contracts.DeniedDecisionPayload
		if err := json.Unmarshal([]byte(blob), &p); err != nil {
			return nil, fmt.Errorf("denial: parse trace: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
