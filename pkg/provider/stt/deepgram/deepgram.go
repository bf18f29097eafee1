// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// live WebSocket API. It implements the stt.Provider interface.
//
// Each Transcribe call opens one connection, uploads the segment as 16-bit
// PCM, sends CloseStream, and joins the final results Deepgram returns before
// it closes the socket.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MrWong99/whisperstream/pkg/audio"
	"github.com/MrWong99/whisperstream/pkg/provider/stt"
	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"

	// uploadChunkBytes is 100 ms of 16 kHz 16-bit audio.
	uploadChunkBytes = 3200
)

var closeStreamMsg = []byte(`{"type":"CloseStream"}`)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithKeywords sets vocabulary boosts sent with every request.
func WithKeywords(keywords []stt.KeywordBoost) Option {
	return func(p *Provider) {
		p.keywords = keywords
	}
}

// WithEndpoint overrides the WebSocket endpoint. Used by tests and for
// self-hosted Deepgram deployments.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram live API.
type Provider struct {
	apiKey   string
	endpoint string
	model    string
	language string
	keywords []stt.KeywordBoost
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		endpoint: deepgramEndpoint,
		model:    defaultModel,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe streams one segment to Deepgram and returns the joined final
// transcripts.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, format audio.Format) (stt.Transcript, error) {
	if err := format.Validate(); err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: %w", err)
	}
	if len(pcm) == 0 {
		return stt.Transcript{}, nil
	}

	wsURL, err := p.buildURL(format.SampleRate)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()

	pcm16 := audio.EncodePCM16(pcm, format)

	var (
		parts      []string
		confidence float64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return upload(gctx, conn, pcm16)
	})
	g.Go(func() error {
		for {
			_, msg, err := conn.Read(gctx)
			if err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					return nil
				}
				return fmt.Errorf("deepgram: read: %w", err)
			}
			t, ok := parseDeepgramResponse(msg)
			if !ok {
				if isMetadata(msg) {
					// Metadata is the last message after CloseStream.
					return nil
				}
				continue
			}
			if !t.final || strings.TrimSpace(t.text) == "" {
				continue
			}
			parts = append(parts, strings.TrimSpace(t.text))
			confidence = max(confidence, t.confidence)
		}
	})
	if err := g.Wait(); err != nil {
		return stt.Transcript{}, err
	}

	conn.Close(websocket.StatusNormalClosure, "segment done")
	return stt.Transcript{
		Text:       strings.Join(parts, " "),
		Language:   p.language,
		Confidence: confidence,
		Duration:   format.Duration(len(pcm)),
	}, nil
}

// upload writes pcm in small binary frames and then asks Deepgram to finish.
func upload(ctx context.Context, conn *websocket.Conn, pcm []byte) error {
	for off := 0; off < len(pcm); off += uploadChunkBytes {
		end := min(off+uploadChunkBytes, len(pcm))
		if err := conn.Write(ctx, websocket.MessageBinary, pcm[off:end]); err != nil {
			return fmt.Errorf("deepgram: write audio: %w", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, closeStreamMsg); err != nil {
		return fmt.Errorf("deepgram: close stream: %w", err)
	}
	return nil
}

// buildURL constructs the Deepgram endpoint URL for a 16-bit mono stream.
func (p *Provider) buildURL(sampleRate int) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", p.model)
	if p.language != "" {
		q.Set("language", p.language)
	}
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", "1")

	for _, kw := range p.keywords {
		// Deepgram keyword format: word:boost (e.g., "Eldrinax:5")
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- responses ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type result struct {
	text       string
	final      bool
	confidence float64
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message.
// Returns (result, true) on success, or (zero, false) if the message should be ignored.
func parseDeepgramResponse(data []byte) (result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return result{}, false
	}
	if resp.Type != "Results" {
		return result{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return result{}, false
	}

	alt := resp.Channel.Alternatives[0]
	return result{
		text:       alt.Transcript,
		final:      resp.IsFinal,
		confidence: alt.Confidence,
	}, true
}

func isMetadata(data []byte) bool {
	var v struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(data, &v) == nil && v.Type == "Metadata"
}
