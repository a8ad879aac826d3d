package learn

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxEntries bounds a MemoryStore.
const DefaultMaxEntries = 512

type memEntry struct {
	c   Correction
	seq uint64
	at  time.Time
}

// MemoryStore keeps corrections in process. It holds at most maxEntries,
// evicting the oldest write first, and drops entries older than ttl when
// ttl is positive.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]memEntry
	seq        uint64
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMaxEntries sets the capacity. Non-positive values keep the default.
func WithMaxEntries(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

// WithTTL expires corrections after d. Zero means never.
func WithTTL(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.ttl = d }
}

// WithStoreClock overrides the clock, for tests.
func WithStoreClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:    make(map[string]memEntry),
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, report string) (Correction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[report]
	if !ok {
		return Correction{}, false, nil
	}
	if s.ttl > 0 && s.now().Sub(e.at) >= s.ttl {
		delete(s.entries, report)
		return Correction{}, false, nil
	}
	return e.c, true, nil
}

func (s *MemoryStore) Put(_ context.Context, c Correction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.entries[c.Report] = memEntry{c: c, seq: s.seq, at: s.now()}
	for len(s.entries) > s.maxEntries {
		s.evictOldest()
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, report string) error {
	s.mu.Lock()
	delete(s.entries, report)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored corrections, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) evictOldest() {
	var (
		oldest string
		minSeq uint64
	)
	for k, e := range s.entries {
		if minSeq == 0 || e.seq < minSeq {
			oldest, minSeq = k, e.seq
		}
	}
	delete(s.entries, oldest)
}
