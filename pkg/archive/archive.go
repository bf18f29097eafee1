// Package archive records finished transcripts so they can be fetched after a
// session ends.
//
// The session path writes entries best-effort: a failing [Store] is logged and
// never delays the text event sent to the client. Every implementation must be
// safe for concurrent use.
package archive

import (
	"context"
	"time"
)

// Entry is one delivered transcript.
type Entry struct {
	// SessionID identifies the WebSocket session that produced the text.
	SessionID string `json:"session_id"`

	// Seq is the 1-based position of the entry within its session.
	Seq int64 `json:"seq"`

	// Text is the post-processed transcript exactly as it was sent.
	Text string `json:"text"`

	// Reason is why the segment ended ("natural", "forced" or "flushed").
	Reason string `json:"reason"`

	// Speech is the voiced duration of the segment.
	Speech time.Duration `json:"speech_ns"`

	// AudioBytes is the size of the PCM segment handed to the transcriber.
	AudioBytes int `json:"audio_bytes"`

	// CreatedAt is when the transcript was delivered.
	CreatedAt time.Time `json:"created_at"`
}

// Store persists transcript entries.
type Store interface {
	// Append records e. Entries of one session arrive in Seq order.
	Append(ctx context.Context, e Entry) error

	// Session returns all entries of sessionID ordered by Seq. An unknown
	// session yields an empty, non-nil slice.
	Session(ctx context.Context, sessionID string) ([]Entry, error)

	// Recent returns entries of all sessions created within the last d,
	// oldest first.
	Recent(ctx context.Context, d time.Duration) ([]Entry, error)
}

// Pinger is implemented by stores backed by an external service. Readiness
// checks call Ping when the configured store supports it.
type Pinger interface {
	Ping(ctx context.Context) error
}
