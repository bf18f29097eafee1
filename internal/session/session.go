// Package session runs one client audio stream: it feeds chunks to a
// [segmenter.Segmenter], transcribes emitted segments, post-processes the text
// and sends it back over the same connection.
//
// A session has exactly one reader goroutine draining the transport into a
// queue and one processing goroutine applying chunks in arrival order. The
// transport therefore keeps accepting audio while a transcription is in
// flight, and segments are transcribed one at a time, in order.
package session

import (
	"context"
	"errors"
)

// MessageType distinguishes audio from control messages.
type MessageType int

const (
	// Binary messages carry one PCM chunk.
	Binary MessageType = iota

	// Text messages carry a control command such as "stop".
	Text
)

// Message is one inbound transport message.
type Message struct {
	Type MessageType
	Data []byte
}

// StopCommand is the text message that ends a session gracefully.
const StopCommand = "stop"

// Event is one outbound transcript. It is sent as JSON {"text": "..."}.
type Event struct {
	Text string `json:"text"`
}

// CloseReason tells the transport why the session ended.
type CloseReason int

const (
	// CloseStopped follows a client "stop" command.
	CloseStopped CloseReason = iota

	// CloseShutdown is used when the server drains sessions before exiting.
	CloseShutdown

	// CloseError is used when the session ended because of a failure.
	CloseError
)

// String implements fmt.Stringer.
func (r CloseReason) String() string {
	switch r {
	case CloseStopped:
		return "stopped"
	case CloseShutdown:
		return "shutdown"
	case CloseError:
		return "error"
	default:
		return "unknown"
	}
}

// Conn is the transport a [Controller] drives. Implementations must allow
// Read to run concurrently with Send and Close.
type Conn interface {
	// Read blocks until the next message arrives. It returns an error once
	// the peer disconnects or the connection is closed.
	Read(ctx context.Context) (Message, error)

	// Send delivers one transcript event.
	Send(ctx context.Context, ev Event) error

	// Close ends the connection. Calling it more than once is allowed.
	Close(reason CloseReason) error
}

// errSessionClosed is returned by Run when the session was torn down before
// it could finish on its own.
var errSessionClosed = errors.New("session: closed")
