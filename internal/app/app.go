// Package app wires all whisperstream subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and watches the config file, and Shutdown
// drains sessions and tears everything down in order.
//
// For testing, inject doubles via functional options (WithArchive,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/whisperstream/internal/config"
	"github.com/MrWong99/whisperstream/internal/health"
	"github.com/MrWong99/whisperstream/internal/observe"
	"github.com/MrWong99/whisperstream/internal/resilience"
	"github.com/MrWong99/whisperstream/internal/server"
	"github.com/MrWong99/whisperstream/internal/session"
	"github.com/MrWong99/whisperstream/internal/transcript"
	"github.com/MrWong99/whisperstream/internal/transcript/phonetic"
	"github.com/MrWong99/whisperstream/pkg/archive"
	"github.com/MrWong99/whisperstream/pkg/archive/postgres"
	"github.com/MrWong99/whisperstream/pkg/segmenter"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	registry *config.Registry

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics     *observe.Metrics
	telemetry   *observe.Telemetry
	transcriber *resilience.STTFallback
	pipeline    *transcript.Pipeline
	store       archive.Store
	guard       *session.ArchiveGuard
	health      *health.Handler
	server      *server.Server
	watcher     *config.Watcher

	configPath    string
	watchInterval time.Duration
	logLevel      *slog.LevelVar

	// vad is the segmenter config handed to new sessions. Reloads swap it;
	// running sessions keep the one they started with.
	vad atomic.Pointer[segmenter.Config]

	// closers run in reverse order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithArchive injects an archive store instead of creating one from config.
// The caller keeps ownership; Shutdown does not close it.
func WithArchive(s archive.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects the instruments and skips telemetry provider setup.
// /metrics is not served in that case.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConfigWatch enables hot reload of the file at path. interval ≤ 0 keeps
// the watcher default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// WithLogLevel lets reloads change the level of the handler built on v.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// ---- New ----

// New creates an App by wiring all subsystems together. STT providers are
// built from cfg through reg.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, registry: reg}
	for _, o := range opts {
		o(a)
	}
	seg := cfg.Segmenter()
	a.vad.Store(&seg)

	ok := false
	defer func() {
		if !ok {
			a.runClosers(context.WithoutCancel(ctx))
		}
	}()

	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	if err := a.initTranscriber(); err != nil {
		return nil, fmt.Errorf("app: init transcriber: %w", err)
	}

	a.pipeline = transcript.New(
		transcript.WithPhoneticMatcher(phonetic.New(cfg.Transcript.MatcherOptions()...)),
		transcript.WithVocabulary(cfg.Transcript.Vocabulary),
	)

	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	a.health = health.New(
		health.TranscriberChecker(a.transcriber),
		health.ArchiveChecker(a.guard),
	)

	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.onConfigChange, config.WithInterval(a.watchInterval))
		if err != nil {
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
		a.watcher = w
	}

	ok = true
	return a, nil
}

// ---- Init helpers ----

func (a *App) initTelemetry(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}
	tc := a.cfg.Telemetry
	exp, err := observe.NewTraceExporter(ctx, observe.ExportConfig{
		Endpoint: tc.OTLPEndpoint,
		Insecure: tc.OTLPInsecure,
		Headers:  tc.OTLPHeaders,
		Stdout:   tc.TraceStdout,
	})
	if err != nil {
		return err
	}
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:   tc.ServiceName,
		TraceExporter: exp,
		SampleRatio:   tc.TraceSampleRatio,
	})
	if err != nil {
		if exp != nil {
			_ = exp.Shutdown(ctx)
		}
		return err
	}
	if exp != nil {
		slog.Info("span export enabled", "otlp_endpoint", tc.OTLPEndpoint, "stdout", tc.OTLPEndpoint == "")
	}
	a.telemetry = tel
	a.metrics = tel.Metrics
	a.closers = append(a.closers, tel.Shutdown)
	return nil
}

// initTranscriber builds the primary provider and its fallbacks, each behind
// its own circuit breaker.
func (a *App) initTranscriber() error {
	pc := a.cfg.Providers
	vocab := a.cfg.Transcript.Vocabulary

	primary, err := a.registry.CreateSTT(pc.STT, vocab)
	if err != nil {
		return fmt.Errorf("create %q: %w", pc.STT.Name, err)
	}

	fb := resilience.NewSTTFallback(primary, pc.STT.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  pc.CircuitBreaker.MaxFailures,
			ResetTimeout: pc.CircuitBreaker.ResetTimeout(),
			HalfOpenMax:  pc.CircuitBreaker.HalfOpenMax,
			OnStateChange: func(name string, _, to resilience.State) {
				a.metrics.RecordCircuitTransition(context.Background(), name, to.String())
			},
		},
		Observe: func(provider string, err error, _ time.Duration) {
			status := "ok"
			if err != nil {
				status = "error"
			}
			a.metrics.RecordProviderRequest(context.Background(), provider, status)
		},
	})
	a.transcriber = fb
	a.closers = append(a.closers, func(context.Context) error { return fb.Close() })

	seen := map[string]bool{pc.STT.Name: true}
	for i, entry := range pc.STTFallbacks {
		p, err := a.registry.CreateSTT(entry, vocab)
		if err != nil {
			return fmt.Errorf("create fallback %d (%q): %w", i, entry.Name, err)
		}
		name := entry.Name
		if seen[name] {
			name = fmt.Sprintf("%s-%d", entry.Name, i+1)
		}
		seen[name] = true
		fb.AddFallback(name, p)
	}

	slog.Info("transcription providers ready", "primary", pc.STT.Name, "fallbacks", len(pc.STTFallbacks))
	return nil
}

// initArchive connects PostgreSQL when a DSN is configured and falls back to
// the in-memory store otherwise.
func (a *App) initArchive(ctx context.Context) error {
	if a.store == nil {
		if dsn := a.cfg.Archive.PostgresDSN; dsn != "" {
			st, err := postgres.NewStore(ctx, dsn)
			if err != nil {
				return err
			}
			a.store = st
			a.closers = append(a.closers, func(context.Context) error { return st.Close() })
			slog.Info("archive connected", "backend", "postgres")
		} else {
			a.store = archive.NewMemStore(archive.WithLimit(a.cfg.Archive.MemoryLimit))
			slog.Info("archive ready", "backend", "memory")
		}
	}
	a.guard = session.NewArchiveGuard(a.store, a.metrics)
	return nil
}

func (a *App) initServer() error {
	opts := []server.Option{
		server.WithHealth(a.health),
		server.WithMetrics(a.metrics),
		server.WithArchive(a.store),
	}
	if a.telemetry != nil {
		opts = append(opts, server.WithMetricsHandler(a.cfg.Telemetry.MetricsPath, a.telemetry.Handler()))
	}
	srv, err := server.New(a.cfg.Server, a.newSession, opts...)
	if err != nil {
		return err
	}
	a.server = srv
	a.health.SetSessionCounter(srv.ActiveSessions)
	return nil
}

// newSession is the [server.SessionFactory].
func (a *App) newSession(id string, conn session.Conn, log *slog.Logger) (*session.Controller, error) {
	return session.New(id, *a.vad.Load(), conn, a.transcriber,
		session.WithArchive(a.guard),
		session.WithPostprocessor(a.pipeline),
		session.WithMetrics(a.metrics),
		session.WithLogger(log),
		session.WithQueueSize(a.cfg.Server.QueueSize),
		session.WithProviderName(a.cfg.Providers.STT.Name),
	)
}

// ---- Run ----

// Handler returns the HTTP handler, for tests that serve it themselves.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Run serves HTTP and, when enabled, watches the config file. It blocks until
// ctx is cancelled or a component fails. Live sessions are not stopped; call
// Shutdown afterwards to drain them.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.ListenAndServe(gctx) })
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr, "hot_reload", a.watcher != nil)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Reload re-reads the config file immediately, as on SIGHUP. It is a no-op
// when hot reload is disabled.
func (a *App) Reload() error {
	if a.watcher == nil {
		return nil
	}
	_, err := a.watcher.Reload()
	return err
}

// onConfigChange applies the hot-reloadable parts of a new config.
func (a *App) onConfigChange(new *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VADChanged {
		seg := new.Segmenter()
		a.vad.Store(&seg)
		slog.Info("vad config updated, applies to new sessions",
			"start_threshold", seg.StartThreshold,
			"continue_threshold", seg.ContinueThreshold,
			"min_speech", seg.MinSpeech,
			"max_silence", seg.MaxSilence,
		)
	}
	if d.VocabularyChanged {
		a.pipeline.SetVocabulary(d.NewVocabulary)
		slog.Info("vocabulary updated", "terms", a.pipeline.VocabularySize())
	}
	for _, field := range d.RestartRequired {
		slog.Warn("config change requires restart", "field", field)
	}
}

// ---- Shutdown ----

// Shutdown marks the service as not ready, drains live sessions so each can
// deliver its last phrase, then closes providers, the archive and telemetry.
// Sessions still running when ctx expires are torn down and the context error
// is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.server.ActiveSessions())
		a.health.SetDraining(true)

		if err := a.server.Drain(ctx); err != nil {
			slog.Warn("sessions did not drain in time, tearing down", "err", err)
			shutdownErr = err
		}
		if err := a.server.Close(); err != nil {
			slog.Warn("http server close error", "err", err)
		}

		a.runClosers(context.WithoutCancel(ctx))
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
