package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/MrWong99/whisperstream/pkg/audio"
	"github.com/MrWong99/whisperstream/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// STT backends. Each backend has its own circuit breaker.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe sends the segment to the first healthy provider. If it fails, the
// same segment is retried on each fallback in turn.
func (f *STTFallback) Transcribe(ctx context.Context, pcm []byte, format audio.Format) (stt.Transcript, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p stt.Provider) (stt.Transcript, error) {
		return p.Transcribe(ctx, pcm, format)
	})
}

// Healthy reports whether any backend's circuit is not open.
func (f *STTFallback) Healthy() bool { return f.group.Healthy() }

// States returns the breaker state of each backend.
func (f *STTFallback) States() map[string]State { return f.group.States() }

// Close closes every backend that holds resources (e.g., a loaded native
// model). All backends are closed even if some fail.
func (f *STTFallback) Close() error {
	var errs []error
	f.group.Each(func(name string, p stt.Provider) {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
	})
	return errors.Join(errs...)
}
