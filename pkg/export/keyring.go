package export

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Keyring derives per-chain MAC keys from a single root secret, so an
// exported bundle can be authenticated without storing a key per chain.
type Keyring struct {
	root []byte
}

// NewKeyring creates a keyring over a root secret.
func NewKeyring(root []byte) (*Keyring, error) {
	if len(root) < 16 {
		return nil, fmt.Errorf("export: root secret too short (%d bytes)", len(root))
	}
	k := make([]byte, len(root))
	copy(k, root)
	return &Keyring{root: k}, nil
}

// ChainKey derives the 32-byte MAC key for a chain via HKDF-SHA256 with the
// chain id bound into the info string. Derivation is deterministic: the
// same root and chain always yield the same key.
func (k *Keyring) ChainKey(chainID string) ([]byte, error) {
	r := hkdf.New(sha256.New, k.root, nil, []byte("canongate/export/"+chainID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("export: derive chain key: %w", err)
	}
	return key, nil
}

// mac computes HMAC-SHA256 over data with the chain key.
func (k *Keyring) mac(chainID string, data []byte) ([]byte, error) {
	key, err := k.ChainKey(chainID)
	if err != nil {
		return nil, err
	}
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil), nil
}
