package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/whisperstream/internal/config"
	"github.com/MrWong99/whisperstream/internal/observe"
	"github.com/MrWong99/whisperstream/internal/server"
	"github.com/MrWong99/whisperstream/internal/session"
	"github.com/MrWong99/whisperstream/pkg/archive"
	"github.com/MrWong99/whisperstream/pkg/provider/stt"
	sttmock "github.com/MrWong99/whisperstream/pkg/provider/stt/mock"
)

const testYAML = `
server:
  listen_addr: "127.0.0.1:0"
providers:
  stt:
    name: primary
  stt_fallbacks:
    - name: backup
transcript:
  vocabulary: [Grafana]
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(testYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// testRegistry serves each named provider from providers.
func testRegistry(providers map[string]*sttmock.Provider) *config.Registry {
	reg := config.NewRegistry()
	for name, p := range providers {
		reg.RegisterSTT(name, func(config.ProviderEntry, []string) (stt.Provider, error) {
			return p, nil
		})
	}
	return reg
}

type testApp struct {
	*App
	store  *archive.MemStore
	reader *sdkmetric.ManualReader
	http   *httptest.Server
}

func newTestApp(t *testing.T, cfg *config.Config, reg *config.Registry, opts ...Option) *testApp {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	store := archive.NewMemStore()
	base := []Option{WithMetrics(m), WithArchive(store)}
	a, err := New(context.Background(), cfg, reg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ta := &testApp{App: a, store: store, reader: reader, http: httptest.NewServer(a.Handler())}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
		ta.http.Close()
	})
	return ta
}

func (ta *testApp) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ta.http.URL, "http")+server.AudioPath, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

// speak sends 1.2 s of loud float32 audio followed by "stop".
func speak(t *testing.T, ctx context.Context, c *websocket.Conn) {
	t.Helper()
	chunk := make([]byte, 1600*4)
	for i := 0; i < len(chunk); i += 4 {
		// 0.05 as little-endian float32.
		copy(chunk[i:], []byte{0xcd, 0xcc, 0x4c, 0x3d})
	}
	for range 12 {
		if err := c.Write(ctx, websocket.MessageBinary, chunk); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := c.Write(ctx, websocket.MessageText, []byte(session.StopCommand)); err != nil {
		t.Fatalf("write stop: %v", err)
	}
}

func providerRequests(t *testing.T, reader *sdkmetric.ManualReader, provider, status string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "whisperstream.provider.requests" {
				continue
			}
			sum := met.Data.(metricdata.Sum[int64])
			for _, dp := range sum.DataPoints {
				p, _ := dp.Attributes.Value("provider")
				s, _ := dp.Attributes.Value("status")
				if p.AsString() == provider && s.AsString() == status {
					return dp.Value
				}
			}
		}
	}
	return 0
}

// ---- tests ----

func TestNew_UnknownProvider(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), testConfig(t), config.NewRegistry(), WithArchive(archive.NewMemStore()),
		WithMetrics(observe.DefaultMetrics()))
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("New error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestApp_TranscribesOverWebSocket(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{Default: stt.Transcript{Text: "open grafanna please"}}
	ta := newTestApp(t, testConfig(t), testRegistry(map[string]*sttmock.Provider{
		"primary": primary,
		"backup":  {},
	}))

	c := ta.dial(t)
	defer c.CloseNow()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	speak(t, ctx, c)

	var ev session.Event
	if err := wsjson.Read(ctx, c, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Text != "open Grafana please" {
		t.Errorf("text = %q, want vocabulary-corrected transcript", ev.Text)
	}

	entries, err := ta.store.Recent(ctx, time.Minute)
	if err != nil || len(entries) != 1 {
		t.Fatalf("archive = %v, %v; want one entry", entries, err)
	}
	if got := providerRequests(t, ta.reader, "primary", "ok"); got != 1 {
		t.Errorf("primary ok requests = %d, want 1", got)
	}
}

func TestApp_FallsBackWhenPrimaryFails(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t, testConfig(t), testRegistry(map[string]*sttmock.Provider{
		"primary": {Err: errors.New("503")},
		"backup":  {Default: stt.Transcript{Text: "from backup"}},
	}))

	c := ta.dial(t)
	defer c.CloseNow()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	speak(t, ctx, c)

	var ev session.Event
	if err := wsjson.Read(ctx, c, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Text != "from backup" {
		t.Errorf("text = %q, want %q", ev.Text, "from backup")
	}
	if got := providerRequests(t, ta.reader, "primary", "error"); got != 1 {
		t.Errorf("primary error requests = %d, want 1", got)
	}
}

func TestApp_ReadyzReportsTranscriberAndArchive(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t, testConfig(t), testRegistry(map[string]*sttmock.Provider{"primary": {}, "backup": {}}))

	resp, err := http.Get(ta.http.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status   string            `json:"status"`
		Checks   map[string]string `json:"checks"`
		Sessions *int              `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Checks["transcriber"] != "ok" || body.Checks["archive"] != "ok" {
		t.Errorf("checks = %v", body.Checks)
	}
	if body.Sessions == nil || *body.Sessions != 0 {
		t.Errorf("sessions = %v, want 0", body.Sessions)
	}
}

func TestOnConfigChange(t *testing.T) {
	t.Parallel()
	var level slog.LevelVar
	ta := newTestApp(t, testConfig(t), testRegistry(map[string]*sttmock.Provider{"primary": {}, "backup": {}}),
		WithLogLevel(&level))

	old := testConfig(t)
	updated := testConfig(t)
	updated.Server.LogLevel = config.LogDebug
	minSpeech := 2.0
	updated.VAD.MinSpeechSeconds = &minSpeech
	updated.Transcript.Vocabulary = []string{"Grafana", "Kubernetes"}

	ta.onConfigChange(updated, config.Diff(old, updated))

	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", level.Level())
	}
	if got := ta.vad.Load().MinSpeech; got != 2*time.Second {
		t.Errorf("vad min speech = %v, want 2s", got)
	}
	if got := ta.pipeline.VocabularySize(); got != 2 {
		t.Errorf("vocabulary size = %d, want 2", got)
	}
}

func TestReload_AppliesVocabulary(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	ta := newTestApp(t, testConfig(t), testRegistry(map[string]*sttmock.Provider{"primary": {}, "backup": {}}),
		WithConfigWatch(path, time.Hour))

	updated := strings.Replace(testYAML, "[Grafana]", "[Grafana, Kubernetes, Prometheus]", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ta.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := ta.pipeline.VocabularySize(); got != 3 {
		t.Errorf("vocabulary size = %d, want 3", got)
	}
}

func TestShutdown_DrainsLiveSessions(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t, testConfig(t), testRegistry(map[string]*sttmock.Provider{"primary": {}, "backup": {}}))

	c := ta.dial(t)
	defer c.CloseNow()
	deadline := time.Now().Add(5 * time.Second)
	for ta.server.ActiveSessions() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("session never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ta.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	_, _, err := c.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Errorf("close status = %v (err %v), want going away", got, err)
	}
	// A second call is a no-op.
	if err := ta.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	ta := newTestApp(t, testConfig(t), testRegistry(map[string]*sttmock.Provider{"primary": {}, "backup": {}}),
		WithConfigWatch(path, 10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ta.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
