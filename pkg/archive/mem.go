package archive

import (
	"context"
	"slices"
	"sync"
	"time"
)

var _ Store = (*MemStore)(nil)

// DefaultMemLimit is the number of entries a [MemStore] keeps when no limit is
// given.
const DefaultMemLimit = 10000

// MemStore keeps entries in process memory. The oldest entries are evicted
// once the limit is reached. It is the default when no database is
// configured.
type MemStore struct {
	mu      sync.RWMutex
	entries []Entry
	limit   int
	now     func() time.Time
}

// MemOption configures a [MemStore].
type MemOption func(*MemStore)

// WithLimit caps the number of retained entries. Values ≤ 0 keep the default.
func WithLimit(n int) MemOption {
	return func(s *MemStore) {
		if n > 0 {
			s.limit = n
		}
	}
}

// WithClock overrides the time source used by Recent and for entries without
// a CreatedAt timestamp.
func WithClock(now func() time.Time) MemOption {
	return func(s *MemStore) { s.now = now }
}

// NewMemStore returns an empty in-memory store.
func NewMemStore(opts ...MemOption) *MemStore {
	s := &MemStore{limit: DefaultMemLimit, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Append implements [Store].
func (s *MemStore) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) >= s.limit {
		drop := len(s.entries) - s.limit + 1
		s.entries = slices.Delete(s.entries, 0, drop)
	}
	s.entries = append(s.entries, e)
	return nil
}

// Session implements [Store].
func (s *MemStore) Session(ctx context.Context, sessionID string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := []Entry{}
	for _, e := range s.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b Entry) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return out, nil
}

// Recent implements [Store].
func (s *MemStore) Recent(ctx context.Context, d time.Duration) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-d)

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Entry{}
	for _, e := range s.entries {
		if !e.CreatedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Len returns the number of retained entries.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
