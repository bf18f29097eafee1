package session

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/whisperstream/internal/observe"
	"github.com/MrWong99/whisperstream/internal/transcript"
	archivemock "github.com/MrWong99/whisperstream/pkg/archive/mock"
	"github.com/MrWong99/whisperstream/pkg/provider/stt"
	sttmock "github.com/MrWong99/whisperstream/pkg/provider/stt/mock"
	"github.com/MrWong99/whisperstream/pkg/segmenter"
)

const chunkSamples = 1600 // 100 ms at 16 kHz

// chunk returns 100 ms of float32 PCM whose RMS energy is amp.
func chunk(amp float32) []byte {
	buf := make([]byte, chunkSamples*4)
	for i := range chunkSamples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(amp))
	}
	return buf
}

var (
	loud  = Message{Type: Binary, Data: chunk(0.05)}
	quiet = Message{Type: Binary, Data: chunk(0.001)}
	stop  = Message{Type: Text, Data: []byte("stop")}
)

// repeat returns n copies of m.
func repeat(m Message, n int) []Message {
	out := make([]Message, n)
	for i := range out {
		out[i] = m
	}
	return out
}

// phrase is 1.2 s of speech followed by enough silence to end it.
func phrase() []Message {
	return append(repeat(loud, 12), repeat(quiet, 5)...)
}

// ─────────────────────────────────────────────────────────────────────────────
// fakeConn
// ─────────────────────────────────────────────────────────────────────────────

type fakeConn struct {
	in     chan Message
	closed chan struct{}

	mu        sync.Mutex
	sent      []Event
	sendErr   error
	reasons   []CloseReason
	reads     int
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan Message), closed: make(chan struct{})}
}

func (f *fakeConn) Read(ctx context.Context) (Message, error) {
	f.mu.Lock()
	f.reads++
	f.mu.Unlock()
	select {
	case m, ok := <-f.in:
		if !ok {
			return Message{}, io.EOF
		}
		return m, nil
	case <-f.closed:
		return Message{}, errors.New("use of closed connection")
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (f *fakeConn) Send(_ context.Context, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeConn) Close(reason CloseReason) error {
	f.mu.Lock()
	f.reasons = append(f.reasons, reason)
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) push(t *testing.T, msgs ...Message) {
	t.Helper()
	for _, m := range msgs {
		select {
		case f.in <- m:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out pushing message")
		}
	}
}

func (f *fakeConn) events() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeConn) closeReasons() []CloseReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]CloseReason, len(f.reasons))
	copy(out, f.reasons)
	return out
}

func (f *fakeConn) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// ─────────────────────────────────────────────────────────────────────────────
// helpers
// ─────────────────────────────────────────────────────────────────────────────

type harness struct {
	conn   *fakeConn
	stt    *sttmock.Provider
	store  *archivemock.Store
	reader *sdkmetric.ManualReader
	ctrl   *Controller
}

func newHarness(t *testing.T, p *sttmock.Provider, opts ...Option) *harness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{conn: newFakeConn(), stt: p, store: &archivemock.Store{}, reader: reader}
	base := []Option{WithMetrics(m), WithArchive(h.store), WithProviderName("mock")}
	h.ctrl, err = New("sess-1", segmenter.DefaultConfig(), h.conn, p, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func (h *harness) start(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func (h *harness) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			if sum, ok := met.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func texts(evs []Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Text
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// tests
// ─────────────────────────────────────────────────────────────────────────────

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := segmenter.DefaultConfig()
	cfg.ContinueThreshold = cfg.StartThreshold * 2
	if _, err := New("s", cfg, newFakeConn(), &sttmock.Provider{}); err == nil {
		t.Fatal("expected error for continue threshold above start threshold")
	}
	if _, err := New("s", segmenter.DefaultConfig(), nil, &sttmock.Provider{}); err == nil {
		t.Fatal("expected error for nil conn")
	}
}

func TestRun_DeliversPhrasesInOrder(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{Results: []stt.Transcript{{Text: "  first   phrase "}, {Text: "second"}}}
	h := newHarness(t, p)
	done := h.start(context.Background())

	h.conn.push(t, phrase()...)
	h.conn.push(t, phrase()...)
	h.conn.push(t, stop)

	if err := wait(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := texts(h.conn.events())
	if len(got) != 2 || got[0] != "first phrase" || got[1] != "second" {
		t.Fatalf("events = %q, want [first phrase second]", got)
	}
	if r := h.conn.closeReasons(); len(r) != 1 || r[0] != CloseStopped {
		t.Errorf("close reasons = %v, want [stopped]", r)
	}

	entries := h.store.Entries()
	if len(entries) != 2 {
		t.Fatalf("archived %d entries, want 2", len(entries))
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) || e.SessionID != "sess-1" || e.Reason != "natural" {
			t.Errorf("entry %d = %+v", i, e)
		}
		if e.Speech != 1200*time.Millisecond {
			t.Errorf("entry %d speech = %v, want 1.2s", i, e.Speech)
		}
	}
	if got := h.counter(t, "whisperstream.segments"); got != 2 {
		t.Errorf("segments counter = %d, want 2", got)
	}
	if got := h.counter(t, "whisperstream.active_sessions"); got != 0 {
		t.Errorf("active sessions = %d after Run, want 0", got)
	}
}

func TestRun_StopFlushesOpenPhrase(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{Default: stt.Transcript{Text: "tail"}}
	h := newHarness(t, p)
	done := h.start(context.Background())

	h.conn.push(t, repeat(loud, 12)...)
	h.conn.push(t, Message{Type: Text, Data: []byte(" stop\n")})

	if err := wait(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := texts(h.conn.events()); len(got) != 1 || got[0] != "tail" {
		t.Fatalf("events = %q, want [tail]", got)
	}
	if calls := p.Snapshot(); len(calls) != 1 || len(calls[0].PCM) != 12*len(loud.Data) {
		t.Errorf("transcribe calls = %d, want one call with the whole phrase", len(calls))
	}
	if e := h.store.Entries(); len(e) != 1 || e[0].Reason != "flushed" {
		t.Errorf("archive = %+v, want one flushed entry", e)
	}
}

func TestRun_StopWithShortPhraseSendsNothing(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{Default: stt.Transcript{Text: "never"}}
	h := newHarness(t, p)
	done := h.start(context.Background())

	h.conn.push(t, repeat(loud, 3)...)
	h.conn.push(t, stop)

	if err := wait(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.CallCount() != 0 {
		t.Errorf("transcriber called %d times, want 0", p.CallCount())
	}
	if len(h.conn.events()) != 0 {
		t.Errorf("events = %v, want none", h.conn.events())
	}
}

func TestRun_DiscardAndSkipAreCounted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &sttmock.Provider{})
	done := h.start(context.Background())

	h.conn.push(t, Message{Type: Binary, Data: []byte{1, 2, 3}})
	h.conn.push(t, repeat(loud, 3)...)
	h.conn.push(t, repeat(quiet, 5)...)
	h.conn.push(t, Message{Type: Text, Data: []byte("hello")})
	h.conn.push(t, stop)

	if err := wait(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.counter(t, "whisperstream.chunks.skipped"); got != 1 {
		t.Errorf("chunks skipped = %d, want 1", got)
	}
	if got := h.counter(t, "whisperstream.segments.discarded"); got != 1 {
		t.Errorf("segments discarded = %d, want 1", got)
	}
}

func TestRun_EmptyTranscriptSendsNothing(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{Default: stt.Transcript{Text: " \n\t "}}
	h := newHarness(t, p)
	done := h.start(context.Background())

	h.conn.push(t, phrase()...)
	h.conn.push(t, stop)

	if err := wait(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.CallCount() != 1 {
		t.Fatalf("transcriber called %d times, want 1", p.CallCount())
	}
	if len(h.conn.events()) != 0 {
		t.Errorf("events = %v, want none", h.conn.events())
	}
	if h.store.CallCount("Append") != 0 {
		t.Errorf("empty transcript was archived")
	}
}

func TestRun_TranscriptionFailureIsNonFatal(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{Err: errors.New("backend down")}
	h := newHarness(t, p)
	done := h.start(context.Background())

	h.conn.push(t, phrase()...)
	h.conn.push(t, phrase()...)
	h.conn.push(t, stop)

	if err := wait(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.CallCount() != 2 {
		t.Errorf("transcriber called %d times, want 2", p.CallCount())
	}
	if len(h.conn.events()) != 0 {
		t.Errorf("events = %v, want none", h.conn.events())
	}
	if got := h.counter(t, "whisperstream.transcription.failures"); got != 2 {
		t.Errorf("failures = %d, want 2", got)
	}
	if r := h.conn.closeReasons(); len(r) != 1 || r[0] != CloseStopped {
		t.Errorf("close reasons = %v, want [stopped]", r)
	}
}

func TestRun_DisconnectFlushesBestEffort(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{Default: stt.Transcript{Text: "last words"}}
	h := newHarness(t, p)
	done := h.start(context.Background())

	h.conn.push(t, repeat(loud, 12)...)
	h.conn.mu.Lock()
	h.conn.sendErr = errors.New("broken pipe")
	h.conn.mu.Unlock()
	close(h.conn.in)

	if err := wait(t, done); err != nil {
		t.Fatalf("Run: %v, want nil after disconnect", err)
	}
	if p.CallCount() != 1 {
		t.Fatalf("transcriber called %d times, want 1", p.CallCount())
	}
	if e := h.store.Entries(); len(e) != 1 || e[0].Text != "last words" {
		t.Errorf("archive = %+v, want the flushed transcript", e)
	}
}

func TestRun_TeardownAbandonsInFlightTranscription(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	p := &sttmock.Provider{Block: true, Started: started}
	h := newHarness(t, p)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := h.start(ctx)

	h.conn.push(t, phrase()...)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("transcription never started")
	}
	cancel()

	err := wait(t, done)
	if !errors.Is(err, errSessionClosed) {
		t.Fatalf("Run error = %v, want errSessionClosed", err)
	}
	if len(h.conn.events()) != 0 {
		t.Errorf("events = %v, want none", h.conn.events())
	}
	if h.store.CallCount("Append") != 0 {
		t.Error("abandoned transcription was archived")
	}
	if r := h.conn.closeReasons(); len(r) != 1 || r[0] != CloseError {
		t.Errorf("close reasons = %v, want [error]", r)
	}
}

func TestRun_ChunksQueueWhileTranscribing(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	p := &sttmock.Provider{
		Results: []stt.Transcript{{Text: "first"}, {Text: "second"}},
		Started: started,
		Release: release,
	}
	h := newHarness(t, p)
	done := h.start(context.Background())

	awaitStart := func() {
		t.Helper()
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("transcription never started")
		}
	}
	unblock := func() {
		t.Helper()
		select {
		case release <- struct{}{}:
		case <-time.After(2 * time.Second):
			t.Fatal("transcriber never waited for release")
		}
	}

	first := phrase()
	h.conn.push(t, first...)
	awaitStart()

	// The transport keeps accepting audio while the first phrase is stuck
	// in transcription; a whole second phrase and the stop get queued.
	second := phrase()
	h.conn.push(t, second...)
	h.conn.push(t, stop)
	if got := h.conn.readCount(); got < len(first)+len(second)+1 {
		t.Fatalf("reads = %d, reader stalled during transcription", got)
	}
	if n := p.CallCount(); n != 1 {
		t.Fatalf("transcriber called %d times while blocked, want 1", n)
	}
	if evs := h.conn.events(); len(evs) != 0 {
		t.Fatalf("events = %v before release", evs)
	}

	unblock()
	awaitStart()
	unblock()

	if err := wait(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := texts(h.conn.events()); len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("events = %q, want [first second]", got)
	}
	calls := p.Snapshot()
	if len(calls) != 2 {
		t.Fatalf("transcribe calls = %d, want 2", len(calls))
	}
	for i, c := range calls {
		if want := len(second) * len(loud.Data); len(c.PCM) != want {
			t.Errorf("call %d got %d bytes, want %d", i, len(c.PCM), want)
		}
	}
	if r := h.conn.closeReasons(); len(r) != 1 || r[0] != CloseStopped {
		t.Errorf("close reasons = %v, want [stopped]", r)
	}
}

func TestRun_TranscriberPanicIsContained(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{Panic: "cgo blew up"}
	h := newHarness(t, p)
	done := h.start(context.Background())

	h.conn.push(t, phrase()...)
	h.conn.push(t, repeat(loud, 12)...)
	h.conn.push(t, stop)

	if err := wait(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.CallCount() != 2 {
		t.Errorf("transcriber called %d times, want 2 (phrase and flush)", p.CallCount())
	}
	if got := h.counter(t, "whisperstream.transcription.failures"); got != 2 {
		t.Errorf("failures = %d, want 2", got)
	}
	if len(h.conn.events()) != 0 {
		t.Errorf("events = %v, want none", h.conn.events())
	}
	if r := h.conn.closeReasons(); len(r) != 1 || r[0] != CloseStopped {
		t.Errorf("close reasons = %v, want [stopped]", r)
	}
}

func TestRun_SendFailureEndsSession(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{Default: stt.Transcript{Text: "lost"}}
	h := newHarness(t, p)
	h.conn.sendErr = errors.New("write: connection reset")
	done := h.start(context.Background())

	h.conn.push(t, phrase()...)

	if err := wait(t, done); err == nil {
		t.Fatal("Run returned nil, want send error")
	}
	if r := h.conn.closeReasons(); len(r) != 1 || r[0] != CloseError {
		t.Errorf("close reasons = %v, want [error]", r)
	}
	if h.store.CallCount("Append") != 1 {
		t.Error("transcript should still be archived when the send fails")
	}
}

func TestDrain_FlushesAndClosesWithShutdown(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{Default: stt.Transcript{Text: "goodbye"}}
	h := newHarness(t, p)
	done := h.start(context.Background())

	msgs := repeat(loud, 12)
	h.conn.push(t, msgs...)
	// The reader calls Read again only after queueing the previous message.
	deadline := time.Now().Add(2 * time.Second)
	for h.conn.readCount() <= len(msgs) {
		if time.Now().After(deadline) {
			t.Fatal("reader did not queue all messages")
		}
		time.Sleep(time.Millisecond)
	}
	h.ctrl.Drain()
	h.ctrl.Drain()

	if err := wait(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := texts(h.conn.events()); len(got) != 1 || got[0] != "goodbye" {
		t.Fatalf("events = %q, want [goodbye]", got)
	}
	if r := h.conn.closeReasons(); len(r) != 1 || r[0] != CloseShutdown {
		t.Errorf("close reasons = %v, want [shutdown]", r)
	}
}

func TestRun_VocabularyCorrection(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{Default: stt.Transcript{Text: "open grafanna now"}}
	pipe := transcript.New(transcript.WithVocabulary([]string{"Grafana"}))
	h := newHarness(t, p, WithPostprocessor(pipe))
	done := h.start(context.Background())

	h.conn.push(t, phrase()...)
	h.conn.push(t, stop)

	if err := wait(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := texts(h.conn.events()); len(got) != 1 || got[0] != "open Grafana now" {
		t.Fatalf("events = %q, want [open Grafana now]", got)
	}
}
