package segmenter

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/whisperstream/pkg/audio"
)

// Config holds the detection parameters of one segmenter. It is immutable for
// the lifetime of a [Segmenter].
type Config struct {
	// SampleRate is the stream sample rate in Hz.
	SampleRate int

	// BytesPerSample selects the sample encoding (4 = float32, 2 = int16).
	BytesPerSample int

	// StartThreshold is the RMS energy at or above which an idle stream enters
	// speech.
	StartThreshold float64

	// ContinueThreshold is the RMS energy below which a chunk counts as
	// silence inside a phrase. Must be <= StartThreshold.
	ContinueThreshold float64

	// PreSpeech is the length of the pre-roll window.
	PreSpeech time.Duration

	// MinSpeech is the shortest phrase that is handed to transcription on a
	// natural end or a flush.
	MinSpeech time.Duration

	// MaxSilence is the trailing silence that ends a phrase.
	MaxSilence time.Duration

	// MaxSegment caps the length of a phrase. Zero disables the cap.
	MaxSegment time.Duration
}

// DefaultConfig returns the tuning used for 16 kHz float32 browser audio.
func DefaultConfig() Config {
	return Config{
		SampleRate:        16000,
		BytesPerSample:    audio.BytesFloat32,
		StartThreshold:    0.010,
		ContinueThreshold: 0.006,
		PreSpeech:         300 * time.Millisecond,
		MinSpeech:         time.Second,
		MaxSilence:        500 * time.Millisecond,
		MaxSegment:        0,
	}
}

// Format returns the audio format described by c.
func (c Config) Format() audio.Format {
	return audio.Format{SampleRate: c.SampleRate, BytesPerSample: c.BytesPerSample}
}

// PreSpeechBytes is the pre-roll capacity in bytes.
func (c Config) PreSpeechBytes() int {
	return c.Format().Bytes(c.PreSpeech)
}

// MaxSegmentBytes is the forced-cut capacity in bytes; zero means no cap.
func (c Config) MaxSegmentBytes() int {
	return c.Format().Bytes(c.MaxSegment)
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var errs []error
	if err := c.Format().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.StartThreshold <= 0 || math.IsNaN(c.StartThreshold) {
		errs = append(errs, fmt.Errorf("segmenter: start threshold must be positive, got %v", c.StartThreshold))
	}
	if c.ContinueThreshold < 0 || math.IsNaN(c.ContinueThreshold) {
		errs = append(errs, fmt.Errorf("segmenter: continue threshold must not be negative, got %v", c.ContinueThreshold))
	}
	if c.ContinueThreshold > c.StartThreshold {
		errs = append(errs, fmt.Errorf("segmenter: continue threshold %v must not exceed start threshold %v", c.ContinueThreshold, c.StartThreshold))
	}
	if c.PreSpeech < 0 {
		errs = append(errs, errors.New("segmenter: pre-speech window must not be negative"))
	}
	if c.MinSpeech < 0 {
		errs = append(errs, errors.New("segmenter: min speech must not be negative"))
	}
	if c.MaxSilence <= 0 {
		errs = append(errs, errors.New("segmenter: max silence must be positive"))
	}
	if c.MaxSegment < 0 {
		errs = append(errs, errors.New("segmenter: max segment must not be negative"))
	}
	return errors.Join(errs...)
}
