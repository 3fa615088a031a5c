// Package export serializes ledger chains into verifiable evidence bundles.
//
// A bundle is a read-only artifact: exporting never mutates the chain, and
// the field names and ordering of bundle JSON are part of the format
// contract. Bundles carry a content hash plus an HMAC keyed per chain, so
// a recipient holding the keyring can detect both corruption and forgery.
package export

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Ordinal-Systems/canongate/pkg/canonical"
	"github.com/Ordinal-Systems/canongate/pkg/ledger"
)

var (
	// ErrEmptyChain is returned when exporting a chain with no entries.
	ErrEmptyChain = errors.New("export: chain has no entries")
	// ErrBundleTampered is returned when a bundle fails verification.
	ErrBundleTampered = errors.New("export: bundle integrity check failed")
)

// Bundle is an exported chain with integrity stamps.
type Bundle struct {
	BundleID   string         `json:"bundle_id"`
	ChainID    string         `json:"chain_id"`
	CreatedAt  time.Time      `json:"created_at"`
	EntryCount int            `json:"entry_count"`
	Entries    []ledger.Entry `json:"entries"`
	ChainHead  string         `json:"chain_head"`
	BundleHash string         `json:"bundle_hash"`
	MAC        string         `json:"mac,omitempty"`
}

// Exporter builds bundles from a ledger store.
type Exporter struct {
	store   ledger.Store
	keyring *Keyring
	clock   func() time.Time
}

// NewExporter creates an exporter. keyring may be nil, in which case
// bundles carry a hash but no MAC.
func NewExporter(store ledger.Store, keyring *Keyring) *Exporter {
	return &Exporter{store: store, keyring: keyring, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// ExportChain reads a chain oldest-first and seals it into a bundle.
func (e *Exporter) ExportChain(ctx context.Context, chainID string) (*Bundle, error) {
	entries, err := e.store.ReadChain(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("export: read chain %s: %w", chainID, err)
	}
	if len(entries) == 0 {
		return nil, ErrEmptyChain
	}

	bundle := &Bundle{
		BundleID:   uuid.NewString(),
		ChainID:    chainID,
		CreatedAt:  e.clock().UTC(),
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  entries[len(entries)-1].CurrentHash,
	}

	hash, err := canonical.Hash(bundle.Entries)
	if err != nil {
		return nil, fmt.Errorf("export: hash bundle: %w", err)
	}
	bundle.BundleHash = hash

	if e.keyring != nil {
		sum, err := e.keyring.mac(chainID, []byte(bundle.BundleHash))
		if err != nil {
			return nil, err
		}
		bundle.MAC = hex.EncodeToString(sum)
	}
	return bundle, nil
}

// VerifyBundle checks a bundle's content hash, internal chain linkage, and
// (when a keyring is supplied) its MAC. Detection only; nothing is repaired.
func VerifyBundle(bundle *Bundle, keyring *Keyring) error {
	if bundle == nil || len(bundle.Entries) == 0 {
		return fmt.Errorf("%w: empty bundle", ErrBundleTampered)
	}

	hash, err := canonical.Hash(bundle.Entries)
	if err != nil {
		return fmt.Errorf("export: rehash bundle: %w", err)
	}
	if hash != bundle.BundleHash {
		return fmt.Errorf("%w: bundle hash mismatch", ErrBundleTampered)
	}

	if v := ledger.VerifyEntries(bundle.ChainID, bundle.Entries); !v.Valid {
		return fmt.Errorf("%w: %s", ErrBundleTampered, v.Detail)
	}
	if head := bundle.Entries[len(bundle.Entries)-1].CurrentHash; head != bundle.ChainHead {
		return fmt.Errorf("%w: chain head mismatch", ErrBundleTampered)
	}

	if keyring != nil {
		if bundle.MAC == "" {
			return fmt.Errorf("%w: missing MAC", ErrBundleTampered)
		}
		want, err := keyring.mac(bundle.ChainID, []byte(bundle.BundleHash))
		if err != nil {
			return err
		}
		got, err := hex.DecodeString(bundle.MAC)
		if err != nil || !hmac.Equal(want, got) {
			return fmt.Errorf("%w: MAC mismatch", ErrBundleTampered)
		}
	}
	return nil
}
