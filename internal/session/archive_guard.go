package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/whisperstream/internal/observe"
	"github.com/MrWong99/whisperstream/pkg/archive"
)

// ArchiveGuard wraps an [archive.Store] and makes appends non-fatal. If the
// underlying store fails, the error is logged and swallowed so transcript
// delivery continues while the database is unavailable. [ArchiveGuard.IsDegraded]
// reports whether the most recent operation failed.
//
// ArchiveGuard implements [archive.Store]. All methods are safe for
// concurrent use.
type ArchiveGuard struct {
	store    archive.Store
	metrics  *observe.Metrics
	degraded atomic.Bool
	failures atomic.Int64
}

// NewArchiveGuard creates a new [ArchiveGuard] wrapping the given store.
// Append outcomes are counted on metrics when it is non-nil.
func NewArchiveGuard(store archive.Store, metrics *observe.Metrics) *ArchiveGuard {
	return &ArchiveGuard{store: store, metrics: metrics}
}

// Append writes e to the underlying store. On failure the error is logged and
// swallowed; the store is marked as degraded. On success the flag is cleared.
func (g *ArchiveGuard) Append(ctx context.Context, e archive.Entry) error {
	if err := g.store.Append(ctx, e); err != nil {
		g.degraded.Store(true)
		g.failures.Add(1)
		g.record(ctx, "error")
		slog.Warn("archive guard: append failed, swallowing error",
			"session_id", e.SessionID,
			"seq", e.Seq,
			"err", err,
		)
		return nil
	}
	g.degraded.Store(false)
	g.record(ctx, "ok")
	return nil
}

func (g *ArchiveGuard) record(ctx context.Context, status string) {
	if g.metrics != nil {
		g.metrics.RecordArchiveWrite(ctx, status)
	}
}

// Session reads the entries of one session. On failure an empty slice is
// returned and the store is marked as degraded.
func (g *ArchiveGuard) Session(ctx context.Context, sessionID string) ([]archive.Entry, error) {
	entries, err := g.store.Session(ctx, sessionID)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("archive guard: session read failed, returning empty", "session_id", sessionID, "err", err)
		return []archive.Entry{}, nil
	}
	g.degraded.Store(false)
	return entries, nil
}

// Recent reads entries newer than d. On failure an empty slice is returned
// and the store is marked as degraded.
func (g *ArchiveGuard) Recent(ctx context.Context, d time.Duration) ([]archive.Entry, error) {
	entries, err := g.store.Recent(ctx, d)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("archive guard: recent read failed, returning empty", "window", d, "err", err)
		return []archive.Entry{}, nil
	}
	g.degraded.Store(false)
	return entries, nil
}

// Ping checks the underlying store when it supports it. Ping errors are
// returned as-is so readiness probes see them.
func (g *ArchiveGuard) Ping(ctx context.Context) error {
	if p, ok := g.store.(archive.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// IsDegraded reports whether the most recent operation on the underlying
// store failed.
func (g *ArchiveGuard) IsDegraded() bool {
	return g.degraded.Load()
}

// Failures returns the number of swallowed append errors.
func (g *ArchiveGuard) Failures() int64 {
	return g.failures.Load()
}

var (
	_ archive.Store  = (*ArchiveGuard)(nil)
	_ archive.Pinger = (*ArchiveGuard)(nil)
)
