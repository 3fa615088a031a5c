// Package ledger implements the append-only, hash-chained decision ledger.
//
// Entries form a singly linked hash chain per chain id: every entry's
// CurrentHash covers the previous entry's hash plus the canonical form of
// the entry itself, so any mutation of a persisted entry is detectable by
// Verify. Entries are created exactly once, at append time, and are never
// updated or deleted. Multiple independent chains coexist, each with its
// own genesis.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Ordinal-Systems/canongate/pkg/canonical"
)

// GenesisHash is the previous-hash value of the first entry in any chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	// ErrConflict signals a lost append race on a chain tail. Stores retry
	// internally; callers only see it when retries are exhausted.
	ErrConflict = errors.New("ledger: append conflict on chain tail")
	// ErrPersistence signals the store could not durably write an entry.
	ErrPersistence = errors.New("ledger: entry not durably persisted")
)

// Entry is one immutable link in a chain.
type Entry struct {
	ID           string          `json:"id"`
	ChainID      string          `json:"chain_id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	Payload      json.RawMessage `json:"payload"`
	PreviousHash string          `json:"previous_hash"`
	CurrentHash  string          `json:"current_hash"`
}

// Verification reports the outcome of a chain integrity check.
// FirstViolationIndex is -1 when the chain is valid; otherwise it is the
// 0-indexed position of the earliest entry failing either the linkage or
// the recomputed-hash check. Violations are detection-only findings and
// are never auto-repaired.
type Verification struct {
	ChainID             string `json:"chain_id"`
	Valid               bool   `json:"valid"`
	Entries             int    `json:"entries"`
	FirstViolationIndex int    `json:"first_violation_index"`
	Detail              string `json:"detail,omitempty"`
}

// Store is the durable interface for chained appends.
//
// Append must be atomic per chain: two concurrent appends to the same chain
// must never both read the same tail. Appends to different chains proceed
// independently. ReadChain returns entries oldest-first; a chain that does
// not exist yields an empty slice, not an error.
type Store interface {
	Append(ctx context.Context, chainID string, payload any) (*Entry, error)
	ReadChain(ctx context.Context, chainID string) ([]Entry, error)
	Verify(ctx context.Context, chainID string) (*Verification, error)
	Chains(ctx context.Context) ([]string, error)
}

// Clock yields timestamps for new entries. Injectable for replayable tests.
type Clock func() time.Time

// IDGenerator yields entry ids. Injectable for replayable tests.
type IDGenerator func() string

func defaultID() string { return uuid.NewString() }

// ComputeEntryHash returns the hash an entry must carry: SHA-256 over the
// previous hash concatenated with the canonical JSON of the entry with its
// CurrentHash cleared. The field being computed is never part of its own
// input.
func ComputeEntryHash(e Entry) (string, error) {
	e.CurrentHash = ""
	canon, err := canonical.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("ledger: canonicalize entry %s: %w", e.ID, err)
	}
	input := make([]byte, 0, len(e.PreviousHash)+len(canon))
	input = append(input, e.PreviousHash...)
	input = append(input, canon...)
	return canonical.HashBytes(input), nil
}

// newEntry builds and seals the next entry for a chain. payload is stored in
// canonical form so the persisted layout is stable across writers.
func newEntry(chainID string, seq uint64, prevHash string, payload any, clock Clock, ids IDGenerator) (*Entry, error) {
	canonPayload, err := canonical.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ledger: canonicalize payload: %w", err)
	}
	e := Entry{
		ID:           ids(),
		ChainID:      chainID,
		Sequence:     seq,
		Timestamp:    clock().UTC(),
		Payload:      canonPayload,
		PreviousHash: prevHash,
	}
	hash, err := ComputeEntryHash(e)
	if err != nil {
		return nil, err
	}
	e.CurrentHash = hash
	return &e, nil
}
