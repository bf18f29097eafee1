package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/whisperstream/pkg/archive"
)

var (
	_ archive.Store  = (*Store)(nil)
	_ archive.Pinger = (*Store)(nil)
)

// Store archives transcripts in a PostgreSQL transcripts table. All methods
// are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection, and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Append implements [archive.Store]. Re-appending the same (session, seq)
// pair overwrites the earlier row.
func (s *Store) Append(ctx context.Context, e archive.Entry) error {
	const q = `
		INSERT INTO transcripts
		    (session_id, seq, text, reason, speech_ns, audio_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
		ON CONFLICT (session_id, seq) DO UPDATE
		    SET text = EXCLUDED.text,
		        reason = EXCLUDED.reason,
		        speech_ns = EXCLUDED.speech_ns,
		        audio_bytes = EXCLUDED.audio_bytes`

	var created *time.Time
	if !e.CreatedAt.IsZero() {
		created = &e.CreatedAt
	}

	_, err := s.pool.Exec(ctx, q,
		e.SessionID,
		e.Seq,
		e.Text,
		e.Reason,
		e.Speech.Nanoseconds(),
		e.AudioBytes,
		created,
	)
	if err != nil {
		return fmt.Errorf("postgres store: append: %w", err)
	}
	return nil
}

// Session implements [archive.Store].
func (s *Store) Session(ctx context.Context, sessionID string) ([]archive.Entry, error) {
	const q = `
		SELECT session_id, seq, text, reason, speech_ns, audio_bytes, created_at
		FROM   transcripts
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: session: %w", err)
	}
	return collectEntries(rows)
}

// Recent implements [archive.Store].
func (s *Store) Recent(ctx context.Context, d time.Duration) ([]archive.Entry, error) {
	const q = `
		SELECT session_id, seq, text, reason, speech_ns, audio_bytes, created_at
		FROM   transcripts
		WHERE  created_at >= now() - ($1::bigint * interval '1 microsecond')
		ORDER  BY created_at, id`

	rows, err := s.pool.Query(ctx, q, d.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}
	return collectEntries(rows)
}

// Ping implements [archive.Pinger].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func collectEntries(rows pgx.Rows) ([]archive.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (archive.Entry, error) {
		var (
			e        archive.Entry
			speechNS int64
		)
		if err := row.Scan(
			&e.SessionID,
			&e.Seq,
			&e.Text,
			&e.Reason,
			&speechNS,
			&e.AudioBytes,
			&e.CreatedAt,
		); err != nil {
			return archive.Entry{}, err
		}
		e.Speech = time.Duration(speechNS)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []archive.Entry{}
	}
	return entries, nil
}
