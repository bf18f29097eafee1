package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/whisperstream/pkg/audio"
	"github.com/MrWong99/whisperstream/pkg/provider/stt"
	"github.com/MrWong99/whisperstream/pkg/provider/stt/whisper"
)

var f32 = audio.Format{SampleRate: 16000, BytesPerSample: audio.BytesFloat32}

// ---- helpers ----------------------------------------------------------------

// inferenceRequest captures what the mock server saw.
type inferenceRequest struct {
	fields map[string]string
	wav    []byte
}

// newMockServer creates a test server that responds to POST /inference with a
// JSON body containing responseText and records each request.
func newMockServer(t *testing.T, responseText string, calls *atomic.Int32, last *atomic.Pointer[inferenceRequest]) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req := &inferenceRequest{fields: map[string]string{}}
		for k, v := range r.MultipartForm.Value {
			req.fields[k] = v[0]
		}
		if f, _, err := r.FormFile("file"); err == nil {
			req.wav, _ = io.ReadAll(f)
			f.Close()
		}
		if last != nil {
			last.Store(req)
		}
		if calls != nil {
			calls.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// makeSpeechPCM generates a 440 Hz float32 sine wave of the given sample count.
func makeSpeechPCM(samples int) []byte {
	buf := make([]byte, samples*4)
	for i := range samples {
		v := float32(0.3 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// ---- provider construction --------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	_, err := whisper.New("")
	if err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestNew_WithOptions_DoesNotError(t *testing.T) {
	p, err := whisper.New("http://localhost:8080",
		whisper.WithModel("small"),
		whisper.WithLanguage("de"),
		whisper.WithKeywords([]stt.KeywordBoost{{Keyword: "Kubernetes"}}),
		whisper.WithHTTPClient(&http.Client{Timeout: time.Second}),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil Provider")
	}
}

// ---- transcription ----------------------------------------------------------

func TestTranscribe_ReturnsServerText(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var last atomic.Pointer[inferenceRequest]
	srv := newMockServer(t, " hello world", &calls, &last)

	p, _ := whisper.New(srv.URL+"/",
		whisper.WithLanguage("ru"),
		whisper.WithKeywords([]stt.KeywordBoost{{Keyword: "Grafana"}, {Keyword: " "}, {Keyword: "Kubernetes"}}),
	)
	pcm := makeSpeechPCM(16000)
	tr, err := p.Transcribe(context.Background(), pcm, f32)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != " hello world" {
		t.Errorf("Text = %q", tr.Text)
	}
	if tr.Duration != time.Second {
		t.Errorf("Duration = %v, want 1s", tr.Duration)
	}
	if tr.Language != "ru" {
		t.Errorf("Language = %q, want ru", tr.Language)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}

	req := last.Load()
	if got := req.fields["language"]; got != "ru" {
		t.Errorf("language field = %q", got)
	}
	if got := req.fields["prompt"]; got != "Grafana, Kubernetes" {
		t.Errorf("prompt field = %q", got)
	}
	if _, ok := req.fields["model"]; ok {
		t.Error("empty model should not be sent")
	}
	// 16-bit PCM: 16000 samples × 2 bytes + 44 byte header.
	if len(req.wav) != 44+32000 {
		t.Errorf("wav size = %d, want %d", len(req.wav), 44+32000)
	}
	if tag := binary.LittleEndian.Uint16(req.wav[20:22]); tag != 1 {
		t.Errorf("wav format tag = %d, want 1 (PCM)", tag)
	}
}

func TestTranscribe_EmptySegmentSkipsServer(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := newMockServer(t, "x", &calls, nil)
	p, _ := whisper.New(srv.URL)

	tr, err := p.Transcribe(context.Background(), nil, f32)
	if err != nil || tr.Text != "" {
		t.Errorf("got (%+v, %v), want empty", tr, err)
	}
	if calls.Load() != 0 {
		t.Errorf("server called %d times", calls.Load())
	}
}

func TestTranscribe_RejectsUnsupportedFormat(t *testing.T) {
	t.Parallel()

	p, _ := whisper.New("http://127.0.0.1:1")
	tests := []audio.Format{
		{SampleRate: 48000, BytesPerSample: 4},
		{SampleRate: 16000, BytesPerSample: 3},
	}
	for _, f := range tests {
		if _, err := p.Transcribe(context.Background(), make([]byte, 12), f); err == nil {
			t.Errorf("format %v: expected error", f)
		}
	}
}

func TestTranscribe_ServerErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), makeSpeechPCM(160), f32); err == nil {
		t.Fatal("expected error for HTTP 500")
	}
}

func TestTranscribe_ErrorField(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "failed to read WAV file"})
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), makeSpeechPCM(160), f32); err == nil {
		t.Fatal("expected error for error field")
	}
}

func TestTranscribe_ContextCancelled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	p, _ := whisper.New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Transcribe(ctx, makeSpeechPCM(160), f32); err == nil {
		t.Fatal("expected error after cancellation")
	}
}

func TestNormalizeLanguage(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":         "",
		"ru":       "ru",
		"base.en":  "en",
		"SMALL.EN": "en",
		"large-v3": "large-v3",
	}
	for in, want := range tests {
		if got := whisper.NormalizeLanguage(in); got != want {
			t.Errorf("NormalizeLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}
