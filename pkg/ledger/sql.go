package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLStore persists chains via database/sql. It runs unchanged on SQLite
// (modernc.org/sqlite) and Postgres (lib/pq); both accept $N placeholders.
//
// Tail serialization uses optimistic concurrency: the appender reads the
// current tail, seals the next entry against it, and inserts under the
// (chain_id, sequence) primary key. Two appenders that read the same tail
// race on the same sequence; the loser's insert violates the key and is
// retried against the fresh tail. A fork in a chain is therefore never
// committed.
type SQLStore struct {
	db      *sql.DB
	clock   Clock
	ids     IDGenerator
	retries int
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	chain_id  TEXT   NOT NULL,
	sequence  BIGINT NOT NULL,
	id        TEXT   NOT NULL,
	ts        TEXT   NOT NULL,
	payload   TEXT   NOT NULL,
	prev_hash TEXT   NOT NULL,
	curr_hash TEXT   NOT NULL,
	PRIMARY KEY (chain_id, sequence)
);
`

// NewSQLStore wraps an open database handle and ensures the schema exists.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db, clock: time.Now, ids: defaultID, retries: 5}
	if _, err := db.ExecContext(ctx, sqlSchema); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLStore) WithClock(clock Clock) *SQLStore {
	s.clock = clock
	return s
}

// WithIDGenerator overrides entry id generation for deterministic testing.
func (s *SQLStore) WithIDGenerator(ids IDGenerator) *SQLStore {
	s.ids = ids
	return s
}

func (s *SQLStore) tail(ctx context.Context, chainID string) (uint64, string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sequence, curr_hash FROM ledger_entries WHERE chain_id = $1 ORDER BY sequence DESC LIMIT 1`,
		chainID)
	var seq uint64
	var hash string
	if err := row.Scan(&seq, &hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, GenesisHash, nil
		}
		return 0, "", fmt.Errorf("ledger: read tail of %s: %w", chainID, err)
	}
	return seq, hash, nil
}

// Append seals and inserts the next entry, retrying on tail races. The
// caller's context bounds the whole operation; cancellation aborts before
// commit and a partially written entry is never visible to readers.
func (s *SQLStore) Append(ctx context.Context, chainID string, payload any) (*Entry, error) {
	var lastErr error
	for attempt := 0; attempt < s.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		seq, prev, err := s.tail(ctx, chainID)
		if err != nil {
			return nil, err
		}

		e, err := newEntry(chainID, seq+1, prev, payload, s.clock, s.ids)
		if err != nil {
			return nil, err
		}

		_, err = s.db.ExecContext(ctx,
			`INSERT INTO ledger_entries (chain_id, sequence, id, ts, payload, prev_hash, curr_hash)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.ChainID, e.Sequence, e.ID, e.Timestamp.Format(time.RFC3339Nano),
			string(e.Payload), e.PreviousHash, e.CurrentHash)
		if err == nil {
			return e, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: insert into %s: %v", ErrPersistence, chainID, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: chain %s after %d attempts: %v", ErrConflict, chainID, s.retries, lastErr)
}

// isUniqueViolation matches primary key conflicts across both drivers.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // modernc.org/sqlite
		strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "duplicate key value") // lib/pq
}

// ReadChain returns all entries of the chain, oldest-first.
func (s *SQLStore) ReadChain(ctx context.Context, chainID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chain_id, sequence, ts, payload, prev_hash, curr_hash
		 FROM ledger_entries WHERE chain_id = $1 ORDER BY sequence ASC`,
		chainID)
	if err != nil {
		return nil, fmt.Errorf("ledger: read chain %s: %w", chainID, err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var ts, payload string
		if err := rows.Scan(&e.ID, &e.ChainID, &e.Sequence, &ts, &payload, &e.PreviousHash, &e.CurrentHash); err != nil {
			return nil, fmt.Errorf("ledger: scan chain %s: %w", chainID, err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("ledger: parse timestamp of %s: %w", e.ID, err)
		}
		e.Timestamp = parsed
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate chain %s: %w", chainID, err)
	}
	return entries, nil
}

// Verify recomputes the chain's links and hashes from storage.
func (s *SQLStore) Verify(ctx context.Context, chainID string) (*Verification, error) {
	entries, err := s.ReadChain(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return VerifyEntries(chainID, entries), nil
}

// Chains lists distinct chain ids, sorted.
func (s *SQLStore) Chains(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT chain_id FROM ledger_entries ORDER BY chain_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
