// Command whisperstream-model downloads a whisper.cpp ggml model so the
// whisper-native provider can load it.
//
// Usage:
//
//	whisperstream-model -model large-v3-turbo -dir models
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"
)

// defaultBaseURL hosts the official ggml conversions of the whisper models.
const defaultBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main"

// knownModels lists the names published at defaultBaseURL.
var knownModels = []string{
	"tiny", "tiny.en",
	"base", "base.en",
	"small", "small.en",
	"medium", "medium.en",
	"large-v1", "large-v2", "large-v3",
	"large-v3-turbo",
}

func main() {
	os.Exit(run())
}

func run() int {
	model := flag.String("model", "large-v3-turbo", "model name, e.g. base.en or large-v3-turbo")
	dir := flag.String("dir", "models", "directory to store the model in")
	baseURL := flag.String("base-url", defaultBaseURL, "download mirror")
	force := flag.Bool("force", false, "download even if the file already exists")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if !slices.Contains(knownModels, *model) {
		slog.Warn("unknown model name, trying anyway", "model", *model, "known", knownModels)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dest := filepath.Join(*dir, modelFile(*model))
	if !*force {
		if _, err := os.Stat(dest); err == nil {
			slog.Info("model already present", "path", dest)
			return 0
		}
	}

	if err := os.MkdirAll(*dir, 0o755); err != nil {
		slog.Error("cannot create model directory", "dir", *dir, "err", err)
		return 1
	}

	url := *baseURL + "/" + modelFile(*model)
	slog.Info("downloading model", "url", url, "path", dest)
	start := time.Now()
	n, err := download(ctx, http.DefaultClient, url, dest)
	if err != nil {
		slog.Error("download failed", "err", err)
		return 1
	}
	slog.Info("model ready", "path", dest, "bytes", n, "elapsed", time.Since(start).Round(time.Millisecond))
	fmt.Println(dest)
	return 0
}

// modelFile returns the ggml file name for a model.
func modelFile(model string) string {
	return "ggml-" + model + ".bin"
}

// download fetches url into dest. The body is written to a temporary file in
// the same directory and renamed on success, so an interrupted download never
// leaves a truncated model behind.
func download(ctx context.Context, client *http.Client, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("get %s: unexpected status %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	pw := &progressWriter{total: resp.ContentLength, step: 64 << 20}
	n, err := io.Copy(io.MultiWriter(tmp, pw), resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write %s: %w", dest, err)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return n, errors.New("download truncated")
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return n, fmt.Errorf("rename: %w", err)
	}
	return n, nil
}

// progressWriter logs every step bytes.
type progressWriter struct {
	total, written, step, next int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.written >= p.next {
		slog.Info("download progress", "bytes", p.written, "total", p.total)
		p.next = p.written + p.step
	}
	return len(b), nil
}
