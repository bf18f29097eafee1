package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/whisperstream/pkg/segmenter"
)

// ValidProviderNames lists known STT provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"whisper", "whisper-native", "openai", "deepgram"}

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr      = ":8000"
	DefaultMaxMessageBytes = 1 << 20
	DefaultQueueSize       = 4096
	DefaultShutdownSeconds = 15
	DefaultMetricsPath     = "/metrics"
	DefaultServiceName     = "whisperstream"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults, and
// validates the result. Unknown keys are rejected. An empty document is
// treated as an empty config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields. VAD values default to the
// segmenter defaults; max_segment_seconds stays 0 (unlimited) and the
// pre-speech and min-speech windows are only filled when absent.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.MaxMessageBytes == 0 {
		s.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if s.QueueSize == 0 {
		s.QueueSize = DefaultQueueSize
	}
	if s.ShutdownTimeoutSeconds == 0 {
		s.ShutdownTimeoutSeconds = DefaultShutdownSeconds
	}

	def := segmenter.DefaultConfig()
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = def.SampleRate
	}
	if cfg.Audio.BytesPerSample == 0 {
		cfg.Audio.BytesPerSample = def.BytesPerSample
	}

	v := &cfg.VAD
	if v.StartThreshold == 0 {
		v.StartThreshold = def.StartThreshold
	}
	if v.ContinueThreshold == 0 {
		v.ContinueThreshold = def.ContinueThreshold
	}
	if v.PreSpeechSeconds == nil {
		v.PreSpeechSeconds = ptr(def.PreSpeech.Seconds())
	}
	if v.MinSpeechSeconds == nil {
		v.MinSpeechSeconds = ptr(def.MinSpeech.Seconds())
	}
	if v.MaxSilenceSeconds == 0 {
		v.MaxSilenceSeconds = def.MaxSilence.Seconds()
	}

	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = DefaultMetricsPath
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.Telemetry.TraceSampleRatio == 0 {
		cfg.Telemetry.TraceSampleRatio = 1
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_message_bytes %d must not be negative", cfg.Server.MaxMessageBytes))
	}
	if cfg.Server.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("server.queue_size %d must not be negative", cfg.Server.QueueSize))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if dir := cfg.Server.StaticDir; dir != "" {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			errs = append(errs, fmt.Errorf("server.static_dir %q is not a directory", dir))
		}
	}

	// Audio + VAD share the segmenter's own validation.
	if err := cfg.Segmenter().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio/vad: %w", err))
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	entries := append([]ProviderEntry{cfg.Providers.STT}, cfg.Providers.STTFallbacks...)
	for i, e := range entries {
		prefix := "providers.stt"
		if i > 0 {
			prefix = fmt.Sprintf("providers.stt_fallbacks[%d]", i-1)
		}
		if i > 0 && e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		validateProviderName(prefix, e.Name)
		switch e.Name {
		case "whisper-native":
			if e.Model == "" {
				errs = append(errs, fmt.Errorf("%s: whisper-native requires model (path to a ggml file)", prefix))
			}
		case "deepgram", "openai":
			if e.APIKey == "" {
				errs = append(errs, fmt.Errorf("%s: %s requires api_key", prefix, e.Name))
			}
		}
	}
	if cb := cfg.Providers.CircuitBreaker; cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeoutSeconds < 0 {
		errs = append(errs, errors.New("providers.circuit_breaker values must not be negative"))
	}

	// Transcript
	for _, th := range []struct {
		name string
		v    float64
	}{
		{"transcript.phonetic_threshold", cfg.Transcript.PhoneticThreshold},
		{"transcript.fuzzy_threshold", cfg.Transcript.FuzzyThreshold},
	} {
		if th.v < 0 || th.v > 1 {
			errs = append(errs, fmt.Errorf("%s %.2f is out of range [0, 1]", th.name, th.v))
		}
	}

	// Archive
	if cfg.Archive.MemoryLimit < 0 {
		errs = append(errs, fmt.Errorf("archive.memory_limit %d must not be negative", cfg.Archive.MemoryLimit))
	}

	if p := cfg.Telemetry.MetricsPath; p != "" && p[0] != '/' {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", p))
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}

func ptr[T any](v T) *T { return &v }
