package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/whisperstream/internal/config"
	"github.com/MrWong99/whisperstream/pkg/segmenter"
)

func TestApplyDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("providers:\n  stt:\n    name: whisper\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Server.MaxMessageBytes != config.DefaultMaxMessageBytes {
		t.Errorf("max_message_bytes = %d", cfg.Server.MaxMessageBytes)
	}
	if cfg.Server.QueueSize != config.DefaultQueueSize {
		t.Errorf("queue_size = %d", cfg.Server.QueueSize)
	}
	if cfg.Server.ShutdownTimeout() != 15*time.Second {
		t.Errorf("shutdown timeout = %v", cfg.Server.ShutdownTimeout())
	}

	if cfg.Telemetry.TraceSampleRatio != 1 {
		t.Errorf("trace_sample_ratio = %v", cfg.Telemetry.TraceSampleRatio)
	}

	if got, want := cfg.Segmenter(), segmenter.DefaultConfig(); got != want {
		t.Errorf("Segmenter() = %+v, want defaults %+v", got, want)
	}
}

func TestApplyDefaults_ExplicitZeroWindows(t *testing.T) {
	t.Parallel()
	yaml := "vad:\n  pre_speech_seconds: 0\n  min_speech_seconds: 0\nproviders:\n  stt:\n    name: whisper\n"
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seg := cfg.Segmenter()
	if seg.PreSpeech != 0 || seg.MinSpeech != 0 {
		t.Errorf("PreSpeech/MinSpeech = %v/%v, want 0/0", seg.PreSpeech, seg.MinSpeech)
	}
	if seg.PreSpeechBytes() != 0 {
		t.Errorf("PreSpeechBytes = %d, want 0", seg.PreSpeechBytes())
	}
	if seg.MaxSilence != segmenter.DefaultConfig().MaxSilence {
		t.Errorf("MaxSilence = %v, want default", seg.MaxSilence)
	}
}

func TestSeconds(t *testing.T) {
	t.Parallel()
	if got := config.Seconds(0.3); got != 300*time.Millisecond {
		t.Errorf("Seconds(0.3) = %v", got)
	}
	if got := config.Seconds(0.1) * 5; got != 500*time.Millisecond {
		t.Errorf("5 x Seconds(0.1) = %v", got)
	}
	cb := config.CircuitBreakerConfig{ResetTimeoutSeconds: 2.5}
	if got := cb.ResetTimeout(); got != 2500*time.Millisecond {
		t.Errorf("ResetTimeout = %v", got)
	}
}

func TestLoadFromReader_EmptyDocument(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil || !strings.Contains(err.Error(), "providers.stt.name") {
		t.Errorf("err = %v, want missing provider error", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "whisperstream.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.STT.Name != "whisper" {
		t.Errorf("stt = %q", cfg.Providers.STT.Name)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("configs/example.yaml: %v", err)
	}
	if cfg.Providers.STT.Name != "whisper-native" {
		t.Errorf("stt = %q", cfg.Providers.STT.Name)
	}
	if len(cfg.Providers.STTFallbacks) != 1 {
		t.Errorf("fallbacks = %d, want 1", len(cfg.Providers.STTFallbacks))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestTranscriptConfig_MatcherOptions(t *testing.T) {
	t.Parallel()
	if n := len(config.TranscriptConfig{}.MatcherOptions()); n != 0 {
		t.Errorf("zero config produced %d options", n)
	}
	tc := config.TranscriptConfig{PhoneticThreshold: 0.8, FuzzyThreshold: 0.9, MinLength: 4}
	if n := len(tc.MatcherOptions()); n != 3 {
		t.Errorf("got %d options, want 3", n)
	}
}
