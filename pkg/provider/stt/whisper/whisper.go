// Package whisper provides whisper.cpp-backed STT providers.
//
// Provider talks to a running whisper-server binary, which exposes a REST API
// at POST /inference: each segment is wrapped in a 16-bit WAV container and
// uploaded as multipart/form-data. NativeProvider (native.go) runs the same
// model in-process through the whisper.cpp CGO bindings.
//
// whisper.cpp is a batch engine; both providers expect one complete speech
// segment per call, which is exactly what the upstream segmenter produces.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	)
//	tr, err := p.Transcribe(ctx, pcm, audio.Format{SampleRate: 16000, BytesPerSample: 4})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/whisperstream/pkg/audio"
	"github.com/MrWong99/whisperstream/pkg/provider/stt"
)

// SampleRate is the only rate whisper.cpp models accept.
const SampleRate = 16000

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with, which is the default.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language code sent to the whisper.cpp server (e.g.,
// "en", "de", "ru"). Empty means auto-detect, which is the default.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithKeywords turns vocabulary hints into an initial prompt, which biases
// whisper towards those spellings.
func WithKeywords(keywords []stt.KeywordBoost) Option {
	return func(p *Provider) {
		p.prompt = keywordPrompt(keywords)
	}
}

// WithHTTPClient overrides the HTTP client. Defaults to a client with a 60 s
// timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
// It is stateless between calls and safe for concurrent use.
type Provider struct {
	serverURL  string
	model      string
	language   string
	prompt     string
	httpClient *http.Client
}

// New creates a new Provider that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe uploads pcm as a 16-bit WAV file to the /inference endpoint and
// returns the server's text.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, format audio.Format) (stt.Transcript, error) {
	if err := format.Validate(); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: %w", err)
	}
	if format.SampleRate != SampleRate {
		return stt.Transcript{}, fmt.Errorf("whisper: sample rate %d not supported, want %d", format.SampleRate, SampleRate)
	}
	if len(pcm) == 0 {
		return stt.Transcript{}, nil
	}

	pcm16 := audio.EncodePCM16(pcm, format)
	wav := audio.EncodeWAV(pcm16, audio.Format{SampleRate: format.SampleRate, BytesPerSample: audio.BytesPCM16})

	text, err := p.infer(ctx, wav)
	if err != nil {
		return stt.Transcript{}, err
	}
	return stt.Transcript{
		Text:     text,
		Language: p.language,
		Duration: format.Duration(len(pcm)),
	}, nil
}

// infer POSTs a WAV file to the whisper.cpp /inference endpoint as
// multipart/form-data. It returns the transcribed text or an error.
func (p *Provider) infer(ctx context.Context, wav []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}

	fields := []struct{ name, value string }{
		{"response_format", "json"},
		{"language", p.language},
		{"model", p.model},
		{"prompt", p.prompt},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := mw.WriteField(f.name, f.value); err != nil {
			return "", fmt.Errorf("whisper: write %s field: %w", f.name, err)
		}
	}

	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("whisper: server error: %s", result.Error)
	}

	return result.Text, nil
}

// keywordPrompt renders vocabulary hints as a comma-separated prompt.
func keywordPrompt(keywords []stt.KeywordBoost) string {
	words := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if w := strings.TrimSpace(k.Keyword); w != "" {
			words = append(words, w)
		}
	}
	return strings.Join(words, ", ")
}

// NormalizeLanguage maps a configured language to what whisper expects.
// English-only model names (suffix ".en") select "en"; anything else passes
// through unchanged, and empty means auto-detect.
func NormalizeLanguage(lang string) string {
	if strings.HasSuffix(strings.ToLower(lang), ".en") {
		return "en"
	}
	return lang
}
