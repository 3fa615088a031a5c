package ledger

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ledger_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewSQLStore(context.Background(), db)
	require.NoError(t, err)
	return store.WithClock(testClock()).WithIDGenerator(testIDs()), mock
}

const (
	tailQuery   = `SELECT sequence, curr_hash FROM ledger_entries WHERE chain_id = $1 ORDER BY sequence DESC LIMIT 1`
	insertQuery = `INSERT INTO ledger_entries`
)

func TestSQLStore_AppendGenesis(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(tailQuery)).
		WithArgs("chain-a").
		WillReturnRows(emptyTail())

	mock.ExpectExec(insertQuery).
		WithArgs("chain-a", 1, sqlmock.AnyArg(), sqlmock.AnyArg(), `{"n":1}`, GenesisHash, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	e, err := store.Append(context.Background(), "chain-a", map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Sequence)
	assert.Equal(t, GenesisHash, e.PreviousHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_AppendRetriesOnTailRace(t *testing.T) {
	store, mock := newMockStore(t)

	tailRows := func(seq int, hash string) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"sequence", "curr_hash"}).AddRow(seq, hash)
	}

	// First attempt loses the race on sequence 2.
	mock.ExpectQuery(regexp.QuoteMeta(tailQuery)).
		WithArgs("chain-a").
		WillReturnRows(tailRows(1, "aaaa"))
	mock.ExpectExec(insertQuery).
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "ledger_entries_pkey"`))

	// Second attempt sees the fresh tail and wins.
	mock.ExpectQuery(regexp.QuoteMeta(tailQuery)).
		WithArgs("chain-a").
		WillReturnRows(tailRows(2, "bbbb"))
	mock.ExpectExec(insertQuery).
		WithArgs("chain-a", 3, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "bbbb", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	e, err := store.Append(context.Background(), "chain-a", map[string]int{"n": 3})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), e.Sequence)
	assert.Equal(t, "bbbb", e.PreviousHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_AppendExhaustsRetries(t *testing.T) {
	store, mock := newMockStore(t)

	for i := 0; i < store.retries; i++ {
		mock.ExpectQuery(regexp.QuoteMeta(tailQuery)).
			WithArgs("chain-a").
			WillReturnRows(sqlmock.NewRows([]string{"sequence", "curr_hash"}).AddRow(1, "aaaa"))
		mock.ExpectExec(insertQuery).
			WillReturnError(errors.New("UNIQUE constraint failed: ledger_entries.chain_id, ledger_entries.sequence"))
	}

	_, err := store.Append(context.Background(), "chain-a", map[string]int{"n": 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_AppendHardErrorNotRetried(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(tailQuery)).
		WithArgs("chain-a").
		WillReturnRows(emptyTail())
	mock.ExpectExec(insertQuery).
		WillReturnError(errors.New("pq: connection reset"))

	_, err := store.Append(context.Background(), "chain-a", map[string]int{"n": 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ReadChain(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC)

	mock.ExpectQuery("SELECT id, chain_id, sequence, ts, payload, prev_hash, curr_hash").
		WithArgs("chain-a").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "chain_id", "sequence", "ts", "payload", "prev_hash", "curr_hash"}).
			AddRow("entry-0001", "chain-a", 1, ts.Format(time.RFC3339Nano), `{"n":1}`, GenesisHash, "cccc"))

	entries, err := store.ReadChain(context.Background(), "chain-a")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "entry-0001", entries[0].ID)
	assert.Equal(t, ts, entries[0].Timestamp)
	assert.Equal(t, `{"n":1}`, string(entries[0].Payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(errors.New("UNIQUE constraint failed: x")))
	assert.True(t, isUniqueViolation(errors.New(`pq: duplicate key value violates unique constraint "pk"`)))
	assert.False(t, isUniqueViolation(errors.New("pq: connection refused")))
}

// Hash round trip through SQL storage: an entry sealed at append time must
// recompute to the same hash after its timestamp is parsed back from TEXT.
func TestSQLStore_TimestampRoundTripStable(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 1, 123456789, time.UTC)
	e, err := newEntry("chain-a", 1, GenesisHash, map[string]int{"n": 1},
		func() time.Time { return ts }, func() string { return "entry-0001" })
	require.NoError(t, err)

	stored := e.Timestamp.Format(time.RFC3339Nano)
	parsed, err := time.Parse(time.RFC3339Nano, stored)
	require.NoError(t, err)

	round := *e
	round.Timestamp = parsed
	recomputed, err := ComputeEntryHash(round)
	require.NoError(t, err)
	assert.Equal(t, e.CurrentHash, recomputed)
}

func emptyTail() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"sequence", "curr_hash"})
}
