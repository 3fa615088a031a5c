package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps chains in process memory. Suited to tests and to
// single-process deployments where the file or SQL stores are overkill.
//
// Each chain carries its own mutex, so appends to different chains never
// contend while appends to the same chain are fully serialized.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string]*memoryChain
	clock  Clock
	ids    IDGenerator
}

type memoryChain struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains: make(map[string]*memoryChain),
		clock:  time.Now,
		ids:    defaultID,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock Clock) *MemoryStore {
	s.clock = clock
	return s
}

// WithIDGenerator overrides entry id generation for deterministic testing.
func (s *MemoryStore) WithIDGenerator(ids IDGenerator) *MemoryStore {
	s.ids = ids
	return s
}

func (s *MemoryStore) chain(chainID string) *memoryChain {
	s.mu.RLock()
	c := s.chains[chainID]
	s.mu.RUnlock()
	if c != nil {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c = s.chains[chainID]; c == nil {
		c = &memoryChain{}
		s.chains[chainID] = c
	}
	return c
}

// Append seals the next entry of the chain under the chain lock.
func (s *MemoryStore) Append(ctx context.Context, chainID string, payload any) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := s.chain(chainID)
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := GenesisHash
	seq := uint64(1)
	if n := len(c.entries); n > 0 {
		prev = c.entries[n-1].CurrentHash
		seq = c.entries[n-1].Sequence + 1
	}

	e, err := newEntry(chainID, seq, prev, payload, s.clock, s.ids)
	if err != nil {
		return nil, err
	}
	c.entries = append(c.entries, *e)
	return e, nil
}

// ReadChain returns a copy of the chain, oldest-first.
func (s *MemoryStore) ReadChain(ctx context.Context, chainID string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	c := s.chains[chainID]
	s.mu.RUnlock()
	if c == nil {
		return []Entry{}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out, nil
}

// Verify recomputes the chain's links and hashes.
func (s *MemoryStore) Verify(ctx context.Context, chainID string) (*Verification, error) {
	entries, err := s.ReadChain(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return VerifyEntries(chainID, entries), nil
}

// Chains lists known chain ids, sorted.
func (s *MemoryStore) Chains(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.chains))
	for id := range s.chains {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Tamper overwrites a stored entry in place without resealing the chain.
// Test hook: it exists so integrity detection can be exercised; production
// code has no path to it.
func (s *MemoryStore) Tamper(chainID string, index int, mutate func(*Entry)) bool {
	s.mu.RLock()
	c := s.chains[chainID]
	s.mu.RUnlock()
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.entries) {
		return false
	}
	mutate(&c.entries[index])
	return true
}
