// Package mock provides a test double for [archive.Store].
//
// Store records every method call for assertion in tests and exposes exported
// fields that control what it returns. It is safe for concurrent use.
//
// Typical usage:
//
//	store := &mock.Store{AppendErr: errors.New("db down")}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("Append"); got != 1 {
//	    t.Errorf("expected 1 Append call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/whisperstream/pkg/archive"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [archive.Store] and
// [archive.Pinger]. Successful appends are kept and returned by Session and
// Recent unless a *Result field overrides them.
type Store struct {
	mu sync.Mutex

	calls   []Call
	entries []archive.Entry

	// AppendErr is returned by [Store.Append] when non-nil. Failed appends
	// are not stored.
	AppendErr error

	// SessionResult, when non-nil, is returned by [Store.Session].
	SessionResult []archive.Entry

	// SessionErr is returned by [Store.Session] when non-nil.
	SessionErr error

	// RecentErr is returned by [Store.Recent] when non-nil.
	RecentErr error

	// PingErr is returned by [Store.Ping].
	PingErr error
}

// Append records the call and stores e unless AppendErr is set.
func (m *Store) Append(_ context.Context, e archive.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Append", Args: []any{e}})
	if m.AppendErr != nil {
		return m.AppendErr
	}
	m.entries = append(m.entries, e)
	return nil
}

// Session records the call and returns the stored entries of sessionID.
func (m *Store) Session(_ context.Context, sessionID string) ([]archive.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Session", Args: []any{sessionID}})
	if m.SessionErr != nil {
		return nil, m.SessionErr
	}
	if m.SessionResult != nil {
		return m.SessionResult, nil
	}
	out := []archive.Entry{}
	for _, e := range m.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Recent records the call and returns every stored entry.
func (m *Store) Recent(_ context.Context, d time.Duration) ([]archive.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Recent", Args: []any{d}})
	if m.RecentErr != nil {
		return nil, m.RecentErr
	}
	out := make([]archive.Entry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

// Ping records the call and returns PingErr.
func (m *Store) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Ping"})
	return m.PingErr
}

// Entries returns a copy of the successfully appended entries.
func (m *Store) Entries() []archive.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]archive.Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and stored entries.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.entries = nil
}

var (
	_ archive.Store  = (*Store)(nil)
	_ archive.Pinger = (*Store)(nil)
)
