package promotion

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Ordinal-Systems/canongate/pkg/contracts"
)

var (
	// ErrNotApproved is returned when a commit is attempted with a decision
	// that did not approve promotion to CANON.
	ErrNotApproved = errors.New("canon: decision did not approve promotion to CANON")
	// ErrCanonConflict is returned when an incoming rule's invariant name
	// collides with an existing CANON invariant with different semantics.
	ErrCanonConflict = errors.New("canon: invariant name collision with different semantics")
	// ErrBadVersion is returned when a rule version is not semantic.
	ErrBadVersion = errors.New("canon: rule version is not a semantic version")
)

// Rule is one immutable canon invariant. Once committed it is never mutated
// or removed by any operation in this core; conflicting successors must come
// through Merge, which rejects semantic collisions outright.
type Rule struct {
	InvariantName string    `json:"invariant_name"`
	Version       string    `json:"version"`
	Statement     string    `json:"statement"`
	SemanticsHash string    `json:"semantics_hash"`
	PromotedAt    time.Time `json:"promoted_at"`
}

// Registry holds the promoted canon set.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
	clock func() time.Time
}

// NewRegistry creates an empty canon registry.
func NewRegistry() *Registry {
	return &Registry{
		rules: make(map[string]Rule),
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Commit records a candidate at CANON after an approved promotion decision.
// Committing the same invariant twice is allowed only when the semantics are
// identical (idempotent re-commit); anything else is a conflict.
func (r *Registry) Commit(candidate contracts.PromotionCandidate, decision contracts.PromotionDecision) error {
	if !decision.Approved || decision.To != contracts.LevelCanon {
		return ErrNotApproved
	}
	if _, err := semver.NewVersion(candidate.Version); err != nil {
		return fmt.Errorf("%w: %q", ErrBadVersion, candidate.Version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.rules[candidate.InvariantName]; ok {
		if existing.SemanticsHash != candidate.SemanticsHash {
			return fmt.Errorf("%w: %q", ErrCanonConflict, candidate.InvariantName)
		}
		return nil
	}

	r.rules[candidate.InvariantName] = Rule{
		InvariantName: candidate.InvariantName,
		Version:       candidate.Version,
		Statement:     candidate.Statement,
		SemanticsHash: candidate.SemanticsHash,
		PromotedAt:    r.clock().UTC(),
	}
	return nil
}

// Merge folds an external fork's canon rules into this registry. Any
// incoming rule whose invariant name matches an existing rule with a
// different semantics hash fails the whole merge; nothing is applied.
func (r *Registry) Merge(incoming []Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, in := range incoming {
		if _, err := semver.NewVersion(in.Version); err != nil {
			return fmt.Errorf("%w: %q (%s)", ErrBadVersion, in.Version, in.InvariantName)
		}
		if existing, ok := r.rules[in.InvariantName]; ok && existing.SemanticsHash != in.SemanticsHash {
			return fmt.Errorf("%w: %q", ErrCanonConflict, in.InvariantName)
		}
	}
	for _, in := range incoming {
		if _, ok := r.rules[in.InvariantName]; ok {
			continue // identical semantics; keep the original commit
		}
		r.rules[in.InvariantName] = in
	}
	return nil
}

// Get returns a rule by invariant name.
func (r *Registry) Get(invariantName string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[invariantName]
	return rule, ok
}

// List returns all canon rules sorted by invariant name.
func (r *Registry) List() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvariantName < out[j].InvariantName })
	return out
}
