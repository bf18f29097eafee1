// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MrWong99/whisperstream/pkg/audio"
	"github.com/MrWong99/whisperstream/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider using whisper.cpp Go bindings
// (CGO), eliminating HTTP overhead entirely. The model is loaded once at
// startup and shared across all sessions; each call gets its own context.
type NativeProvider struct {
	// mu keeps Close from freeing the model while inference runs.
	mu       sync.RWMutex
	model    whisperlib.Model
	language string
	prompt   string
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the language code for transcription (e.g., "en",
// "de"). Empty means auto-detect.
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeKeywords sets vocabulary hints passed as the initial prompt.
func WithNativeKeywords(keywords []stt.KeywordBoost) NativeOption {
	return func(p *NativeProvider) { p.prompt = keywordPrompt(keywords) }
}

// NewNative creates a NativeProvider that loads the whisper.cpp model from
// the given file path. The caller must call Close when the provider is no
// longer needed.
//
// English-only models (file names like ggml-base.en.bin) always transcribe
// as English regardless of the configured language.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{model: model}
	for _, o := range opts {
		o(p)
	}
	if englishOnly(modelPath) {
		p.language = "en"
	}
	p.language = NormalizeLanguage(p.language)
	return p, nil
}

// englishOnly reports whether a ggml model file name marks an English-only
// model.
func englishOnly(modelPath string) bool {
	name := strings.TrimSuffix(strings.ToLower(filepath.Base(modelPath)), ".bin")
	return strings.HasSuffix(name, ".en")
}

// Close waits for running inferences and releases the whisper model. Later
// calls to Transcribe fail.
func (p *NativeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Close()
	p.model = nil
	return err
}

// Transcribe runs whisper.cpp inference on pcm with a fresh context and
// returns the concatenated segment text. Inference itself cannot be
// interrupted; ctx is checked before it starts.
func (p *NativeProvider) Transcribe(ctx context.Context, pcm []byte, format audio.Format) (stt.Transcript, error) {
	if err := format.Validate(); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: %w", err)
	}
	if format.SampleRate != SampleRate {
		return stt.Transcript{}, fmt.Errorf("whisper: sample rate %d not supported, want %d", format.SampleRate, SampleRate)
	}
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: %w", err)
	}

	samples := audio.DecodeFloat32(pcm, format)
	if len(samples) == 0 {
		return stt.Transcript{}, nil
	}

	text, err := p.infer(samples)
	if err != nil {
		return stt.Transcript{}, err
	}
	return stt.Transcript{
		Text:     text,
		Language: p.language,
		Duration: format.Duration(len(pcm)),
	}, nil
}

func (p *NativeProvider) infer(samples []float32) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.model == nil {
		return "", errors.New("whisper: provider closed")
	}

	// Each context is NOT thread-safe, but the model can be shared across
	// goroutines.
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if p.language != "" {
		if err := wctx.SetLanguage(p.language); err != nil {
			slog.Warn("whisper: failed to set language, using auto-detect", "language", p.language, "err", err)
		}
	}
	if p.prompt != "" {
		wctx.SetInitialPrompt(p.prompt)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}
