package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/whisperstream/internal/observe"
	"github.com/MrWong99/whisperstream/internal/transcript"
	"github.com/MrWong99/whisperstream/pkg/archive"
	"github.com/MrWong99/whisperstream/pkg/audio"
	"github.com/MrWong99/whisperstream/pkg/provider/stt"
	"github.com/MrWong99/whisperstream/pkg/segmenter"
)

// DefaultQueueSize is the number of inbound messages buffered while a
// segment is being transcribed. At 100 ms per chunk it covers several
// minutes of audio.
const DefaultQueueSize = 4096

// archiveTimeout bounds a single archive append.
const archiveTimeout = 5 * time.Second

// Postprocessor cleans up raw transcriber output. [transcript.Pipeline]
// implements it.
type Postprocessor interface {
	Process(text string) transcript.Result
}

// Option configures a [Controller].
type Option func(*Controller)

// WithArchive records every delivered transcript in store.
func WithArchive(store archive.Store) Option {
	return func(c *Controller) { c.store = store }
}

// WithPostprocessor replaces the default whitespace-only pipeline.
func WithPostprocessor(p Postprocessor) Option {
	return func(c *Controller) { c.post = p }
}

// WithMetrics sets the instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the base logger. session_id is always added.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithQueueSize overrides [DefaultQueueSize]. Values ≤ 0 keep the default.
func WithQueueSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithProviderName labels transcription failure metrics.
func WithProviderName(name string) Option {
	return func(c *Controller) { c.providerName = name }
}

// Controller binds one [segmenter.Segmenter] to one [Conn]. Create it with
// [New] and call [Controller.Run] exactly once.
type Controller struct {
	id           string
	conn         Conn
	seg          *segmenter.Segmenter
	format       audio.Format
	transcriber  stt.Provider
	post         Postprocessor
	store        archive.Store
	metrics      *observe.Metrics
	log          *slog.Logger
	providerName string
	queueSize    int

	queue      chan Message
	readErr    error // written by readLoop before it closes queue
	readerDone chan struct{}

	drain     chan struct{}
	drainOnce sync.Once
	closeOnce sync.Once

	// seq counts delivered transcripts. Only the processing goroutine
	// touches it.
	seq int64
}

// New validates cfg and returns a Controller that has not started yet.
func New(id string, cfg segmenter.Config, conn Conn, transcriber stt.Provider, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if conn == nil || transcriber == nil {
		return nil, errors.New("session: conn and transcriber are required")
	}

	c := &Controller{
		id:           id,
		conn:         conn,
		seg:          segmenter.New(cfg),
		format:       cfg.Format(),
		transcriber:  transcriber,
		providerName: "stt",
		queueSize:    DefaultQueueSize,
		readerDone:   make(chan struct{}),
		drain:        make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.post == nil {
		c.post = transcript.New()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("session_id", id)
	c.queue = make(chan Message, c.queueSize)
	return c, nil
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.id }

// Drain asks the session to wind down: messages already queued are applied,
// the open phrase is flushed and delivered, and the connection is closed with
// [CloseShutdown]. It returns immediately; Run returns when draining is done.
func (c *Controller) Drain() {
	c.drainOnce.Do(func() { close(c.drain) })
}

// Run drives the session until the client stops, disconnects, the session is
// drained, or ctx is cancelled. Cancelling ctx tears the session down without
// a final flush; a transcription in flight is abandoned and its result
// discarded.
//
// Run returns nil when the session ended on its own terms.
func (c *Controller) Run(ctx context.Context) error {
	// Gauge updates must survive the cancellation that ends the session.
	mctx := context.WithoutCancel(ctx)
	c.metrics.ActiveSessions.Add(mctx, 1)
	defer c.metrics.ActiveSessions.Add(mctx, -1)

	readCtx, cancelRead := context.WithCancel(ctx)
	go c.readLoop(readCtx)
	defer func() {
		cancelRead()
		<-c.readerDone
	}()

	c.log.Info("session started", "format", c.format.String())
	err := c.process(ctx)
	if err != nil {
		c.close(CloseError)
	}
	return err
}

// readLoop drains the transport into the queue. It closes the queue when the
// transport fails, which the processing goroutine treats as a disconnect.
func (c *Controller) readLoop(ctx context.Context) {
	defer close(c.readerDone)
	defer close(c.queue)

	for {
		msg, err := c.conn.Read(ctx)
		if err != nil {
			c.readErr = err
			return
		}
		select {
		case c.queue <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) process(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", errSessionClosed, context.Cause(ctx))
		case <-c.drain:
			return c.drainQueued(ctx)
		case msg, ok := <-c.queue:
			if !ok {
				return c.onDisconnect(ctx)
			}
			done, err := c.handle(ctx, msg)
			if err != nil || done {
				return err
			}
		}
	}
}

// handle applies one message. done reports that the session has finished.
func (c *Controller) handle(ctx context.Context, msg Message) (done bool, err error) {
	switch msg.Type {
	case Binary:
		return false, c.onChunk(ctx, msg.Data)
	case Text:
		if strings.TrimSpace(string(msg.Data)) == StopCommand {
			c.log.Info("stop requested")
			return true, c.finish(ctx, CloseStopped)
		}
		c.log.Debug("ignoring text message", "len", len(msg.Data))
	}
	return false, nil
}

func (c *Controller) onChunk(ctx context.Context, chunk []byte) error {
	res := c.seg.Process(chunk)
	switch res.Action {
	case segmenter.Skip:
		c.metrics.ChunksSkipped.Add(ctx, 1)
		c.log.Debug("skipping chunk", "bytes", len(chunk))
	case segmenter.Start:
		c.log.Debug("speech started", "energy", res.Frame.Energy)
	case segmenter.Discard:
		c.metrics.SegmentsDiscarded.Add(ctx, 1)
		c.log.Debug("phrase too short, discarded")
	case segmenter.Emit:
		if err := c.deliver(ctx, res.Segment, res.Frame.Energy); err != nil {
			return err
		}
	}
	return nil
}

// finish flushes the open phrase, delivers it, and closes the connection.
// Delivery errors are logged; only teardown is reported to the caller.
func (c *Controller) finish(ctx context.Context, reason CloseReason) error {
	if res := c.seg.Flush(); res.Action == segmenter.Emit {
		if err := c.deliver(ctx, res.Segment, 0); err != nil {
			if errors.Is(err, errSessionClosed) {
				return err
			}
			c.log.Warn("final transcript not delivered", "err", err)
		}
	}
	c.close(reason)
	return nil
}

// onDisconnect is called once the transport stopped delivering messages. The
// open phrase is still transcribed and archived; sending it is best-effort.
func (c *Controller) onDisconnect(ctx context.Context) error {
	err := c.readErr
	reason := CloseStopped
	if err == nil || errors.Is(err, io.EOF) {
		c.log.Info("client disconnected")
	} else {
		reason = CloseError
		c.log.Warn("read failed, ending session", "err", err)
	}

	if res := c.seg.Flush(); res.Action == segmenter.Emit {
		if err := c.deliver(ctx, res.Segment, 0); err != nil {
			if errors.Is(err, errSessionClosed) {
				return err
			}
			c.log.Debug("final transcript not delivered after disconnect", "err", err)
		}
	}
	c.close(reason)
	return nil
}

// drainQueued applies messages that were already queued when Drain was
// called and then finishes with [CloseShutdown].
func (c *Controller) drainQueued(ctx context.Context) error {
	for n := len(c.queue); n > 0; n-- {
		msg, ok := <-c.queue
		if !ok {
			break
		}
		done, err := c.handle(ctx, msg)
		if err != nil || done {
			return err
		}
	}
	return c.finish(ctx, CloseShutdown)
}

// deliver transcribes seg, post-processes the text and sends it. Empty text
// produces no event. The archive is written after the send.
func (c *Controller) deliver(ctx context.Context, seg *segmenter.Segment, energy float64) error {
	audioLen := c.format.Duration(len(seg.PCM))
	c.metrics.RecordSegment(ctx, seg.Reason.String(), audioLen)

	level := slog.LevelInfo
	if seg.Reason == segmenter.Forced {
		level = slog.LevelWarn
	}
	c.log.Log(ctx, level, "segment ready",
		"reason", seg.Reason.String(),
		"audio", audioLen,
		"speech", seg.Speech,
		"bytes", len(seg.PCM),
		"energy", energy,
	)

	text, err := c.transcribe(ctx, seg.PCM)
	if err != nil {
		return err
	}

	out := c.post.Process(text)
	for _, corr := range out.Corrections {
		c.log.Debug("vocabulary correction",
			"original", corr.Original,
			"corrected", corr.Corrected,
			"confidence", corr.Confidence,
		)
	}
	if out.Text == "" {
		c.log.Debug("empty transcript, nothing to send")
		return nil
	}

	c.seq++
	sendErr := c.conn.Send(ctx, Event{Text: out.Text})
	c.archive(ctx, seg, out.Text)
	if sendErr != nil {
		return fmt.Errorf("session: send: %w", sendErr)
	}
	return nil
}

// transcribe runs one transcription. Failures, panics included, are logged,
// counted and turned into empty text. An error is returned only when ctx was cancelled, in which
// case the result is discarded.
func (c *Controller) transcribe(ctx context.Context, pcm []byte) (string, error) {
	ctx, span := observe.StartSpan(ctx, "session.transcribe",
		trace.WithAttributes(
			attribute.String("session.id", c.id),
			attribute.Int("audio.bytes", len(pcm)),
		),
	)
	defer span.End()

	start := time.Now()
	var (
		tr  stt.Transcript
		err error
	)
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("session: transcriber panic: %v", rec)
				c.log.Error("transcriber panicked", "panic", rec, "stack", string(debug.Stack()))
			}
		}()
		tr, err = c.transcriber.Transcribe(ctx, pcm, c.format)
	}()
	elapsed := time.Since(start)
	c.metrics.RecordTranscription(ctx, elapsed)

	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "session torn down")
		c.log.Debug("transcription abandoned", "elapsed", elapsed)
		return "", fmt.Errorf("%w: %w", errSessionClosed, context.Cause(ctx))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.RecordTranscriptionFailure(ctx, c.providerName)
		observe.WithTrace(ctx, c.log).Warn("transcription failed, treating as empty", "elapsed", elapsed, "err", err)
		return "", nil
	}

	span.SetAttributes(attribute.Int("transcript.length", len(tr.Text)))
	c.log.Debug("transcribed", "elapsed", elapsed, "language", tr.Language)
	return tr.Text, nil
}

func (c *Controller) archive(ctx context.Context, seg *segmenter.Segment, text string) {
	if c.store == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()

	err := c.store.Append(actx, archive.Entry{
		SessionID:  c.id,
		Seq:        c.seq,
		Text:       text,
		Reason:     seg.Reason.String(),
		Speech:     seg.Speech,
		AudioBytes: len(seg.PCM),
		CreatedAt:  time.Now(),
	})
	if err != nil {
		c.log.Warn("archive append failed", "seq", c.seq, "err", err)
	}
}

func (c *Controller) close(reason CloseReason) {
	c.closeOnce.Do(func() {
		if err := c.conn.Close(reason); err != nil {
			c.log.Debug("close failed", "err", err)
		}
		c.log.Info("session closed", "reason", reason.String(), "transcripts", c.seq)
	})
}
