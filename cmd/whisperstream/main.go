// Command whisperstream is the HTTP/WebSocket server that turns streamed
// microphone audio into transcript events.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrWong99/whisperstream/internal/app"
	"github.com/MrWong99/whisperstream/internal/config"
	"github.com/MrWong99/whisperstream/pkg/provider/stt"
	"github.com/MrWong99/whisperstream/pkg/provider/stt/deepgram"
	oaistt "github.com/MrWong99/whisperstream/pkg/provider/stt/openai"
	"github.com/MrWong99/whisperstream/pkg/provider/stt/whisper"
)

// defaultWhisperServer is where whisper.cpp's whisper-server listens unless
// told otherwise.
const defaultWhisperServer = "http://127.0.0.1:8080"

func main() {
	os.Exit(run())
}

func run() int {
	// ---- CLI flags ----
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ---- Load configuration ----
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "whisperstream: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "whisperstream: %v\n", err)
		}
		return 1
	}

	// ---- Logger ----
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("whisperstream starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"stt", cfg.Providers.STT.Name,
		"fallbacks", len(cfg.Providers.STTFallbacks),
	)

	// ---- Provider registry ----
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ---- Signal context ----
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []app.Option{app.WithLogLevel(&level)}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath, 0))
	}
	application, err := app.New(ctx, cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		// SIGHUP forces a reload without waiting for the next poll.
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					if err := application.Reload(); err != nil {
						slog.Warn("reload rejected", "err", err)
					}
				}
			}
		}()
	}

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ---- Graceful shutdown ----
	slog.Info("shutdown signal received, draining sessions", "timeout", cfg.Server.ShutdownTimeout())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ---- Provider wiring ----

// registerBuiltinProviders wires all built-in STT factories into reg. Each
// factory receives a config.ProviderEntry plus the configured vocabulary,
// which is forwarded as keyword hints.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterSTT("whisper", func(entry config.ProviderEntry, vocab []string) (stt.Provider, error) {
		url := entry.BaseURL
		if url == "" {
			url = defaultWhisperServer
		}
		opts := []whisper.Option{whisper.WithKeywords(keywords(vocab))}
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(url, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry, vocab []string) (stt.Provider, error) {
		opts := []whisper.NativeOption{whisper.WithNativeKeywords(keywords(vocab))}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(entry.Model, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry, vocab []string) (stt.Provider, error) {
		opts := []oaistt.Option{oaistt.WithKeywords(keywords(vocab))}
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, oaistt.WithLanguage(lang))
		}
		if org := entry.OptionString("organization"); org != "" {
			opts = append(opts, oaistt.WithOrganization(org))
		}
		if secs, ok := entry.OptionFloat("timeout_seconds"); ok && secs > 0 {
			opts = append(opts, oaistt.WithTimeout(config.Seconds(secs)))
		}
		return oaistt.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry, vocab []string) (stt.Provider, error) {
		opts := []deepgram.Option{deepgram.WithKeywords(keywords(vocab))}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	for _, name := range reg.STTNames() {
		slog.Debug("registered provider", "kind", "stt", "name", name)
	}
}

// keywords turns vocabulary terms into provider keyword hints.
func keywords(vocab []string) []stt.KeywordBoost {
	if len(vocab) == 0 {
		return nil
	}
	out := make([]stt.KeywordBoost, 0, len(vocab))
	for _, term := range vocab {
		out = append(out, stt.KeywordBoost{Keyword: term, Boost: 2})
	}
	return out
}
