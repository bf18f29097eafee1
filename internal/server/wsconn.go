package server

import (
	"context"
	"fmt"
	"io"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/whisperstream/internal/session"
)

// wsConn adapts a [websocket.Conn] to [session.Conn]. coder/websocket allows
// one concurrent reader and one concurrent writer, which matches how the
// controller uses it.
type wsConn struct {
	c *websocket.Conn
}

var _ session.Conn = (*wsConn)(nil)

func newWSConn(c *websocket.Conn) *wsConn { return &wsConn{c: c} }

// Read returns the next message. A normal or going-away close from the peer
// is reported as [io.EOF].
func (w *wsConn) Read(ctx context.Context) (session.Message, error) {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return session.Message{}, io.EOF
		}
		return session.Message{}, err
	}
	if typ == websocket.MessageText {
		return session.Message{Type: session.Text, Data: data}, nil
	}
	return session.Message{Type: session.Binary, Data: data}, nil
}

// Send writes ev as a JSON text message.
func (w *wsConn) Send(ctx context.Context, ev session.Event) error {
	if err := wsjson.Write(ctx, w.c, ev); err != nil {
		return fmt.Errorf("server: write event: %w", err)
	}
	return nil
}

// Close performs the closing handshake with a status matching reason.
func (w *wsConn) Close(reason session.CloseReason) error {
	switch reason {
	case session.CloseStopped:
		return w.c.Close(websocket.StatusNormalClosure, "stopped")
	case session.CloseShutdown:
		return w.c.Close(websocket.StatusGoingAway, "server shutting down")
	default:
		return w.c.Close(websocket.StatusInternalError, "session error")
	}
}
