package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore persists one JSON Lines file per chain under a directory:
// one JSON object per line, append-only, UTF-8, newline-terminated.
// Readers tolerate a missing trailing newline on the last line and skip
// blank lines. Every append is fsynced before it is reported persisted.
type FileStore struct {
	dir   string
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	tails map[string]Entry // last confirmed entry per chain
	clock Clock
	ids   IDGenerator
}

// NewFileStore creates a JSONL-backed store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("ledger: create dir %s: %w", dir, err)
	}
	return &FileStore{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
		tails: make(map[string]Entry),
		clock: time.Now,
		ids:   defaultID,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *FileStore) WithClock(clock Clock) *FileStore {
	s.clock = clock
	return s
}

// WithIDGenerator overrides entry id generation for deterministic testing.
func (s *FileStore) WithIDGenerator(ids IDGenerator) *FileStore {
	s.ids = ids
	return s
}

func (s *FileStore) path(chainID string) string {
	return filepath.Join(s.dir, url.PathEscape(chainID)+".jsonl")
}

func (s *FileStore) chainLock(chainID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.locks[chainID]
	if l == nil {
		l = &sync.Mutex{}
		s.locks[chainID] = l
	}
	return l
}

// Append seals the next entry and fsyncs it to the chain file. The entry is
// not considered persisted unless the sync succeeds; a failed write never
// updates the cached tail, so a later append re-reads the file.
func (s *FileStore) Append(ctx context.Context, chainID string, payload any) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lock := s.chainLock(chainID)
	lock.Lock()
	defer lock.Unlock()

	prev := GenesisHash
	seq := uint64(1)
	s.mu.Lock()
	tail, ok := s.tails[chainID]
	s.mu.Unlock()
	if !ok {
		entries, err := s.readFile(chainID)
		if err != nil {
			return nil, err
		}
		if n := len(entries); n > 0 {
			tail = entries[n-1]
			ok = true
		}
	}
	if ok {
		prev = tail.CurrentHash
		seq = tail.Sequence + 1
	}

	e, err := newEntry(chainID, seq, prev, payload, s.clock, s.ids)
	if err != nil {
		return nil, err
	}

	line, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal entry: %w", err)
	}

	f, err := os.OpenFile(s.path(chainID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrPersistence, chainID, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("%w: write %s: %v", ErrPersistence, chainID, err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("%w: fsync %s: %v", ErrPersistence, chainID, err)
	}

	s.mu.Lock()
	s.tails[chainID] = *e
	s.mu.Unlock()
	return e, nil
}

func (s *FileStore) readFile(chainID string) ([]Entry, error) {
	f, err := os.Open(s.path(chainID))
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("ledger: open chain %s: %w", chainID, err)
	}
	defer func() { _ = f.Close() }()

	entries := make([]Entry, 0)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("ledger: parse chain %s: %w", chainID, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: read chain %s: %w", chainID, err)
	}
	return entries, nil
}

// ReadChain returns all entries of the chain, oldest-first.
func (s *FileStore) ReadChain(ctx context.Context, chainID string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lock := s.chainLock(chainID)
	lock.Lock()
	defer lock.Unlock()
	return s.readFile(chainID)
}

// Verify recomputes the chain's links and hashes from disk.
func (s *FileStore) Verify(ctx context.Context, chainID string) (*Verification, error) {
	entries, err := s.ReadChain(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return VerifyEntries(chainID, entries), nil
}

// Chains lists chain ids derived from the files present, sorted.
func (s *FileStore) Chains(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.jsonl"))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), ".jsonl")
		id, err := url.PathUnescape(name)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
