package denial

import (
	"context"
	"sync"

	"github.com/Ordinal-Systems/canongate/pkg/contracts"
)

// MemoryStore keeps denial traces in process memory, newest last.
type MemoryStore struct {
	mu     sync.RWMutex
	traces []contracts.DeniedDecisionPayload
}

// NewMemoryStore creates an empty in-memory trace store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{traces: make([]contracts.DeniedDecisionPayload, 0)}
}

// Insert appends one trace.
func (s *MemoryStore) Insert(ctx context.Context, p contracts.DeniedDecisionPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, p)
	return nil
}

// Select returns matching traces newest-first, capped at q.Limit.
func (s *MemoryStore) Select(ctx context.Context, q Query) ([]contracts.DeniedDecisionPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]contracts.DeniedDecisionPayload, 0, q.Limit)
	for i := len(s.traces) - 1; i >= 0 && len(out) < q.Limit; i-- {
		t := s.traces[i]
		if q.ActionID != "" && t.ActionID != q.ActionID {
			continue
		}
		if q.TenantID != "" && t.TenantID != q.TenantID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Len returns the number of stored traces.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.traces)
}
