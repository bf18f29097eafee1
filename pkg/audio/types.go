// Package audio holds the PCM primitives shared by the segmenter and the
// transcription engines: the stream [Format], the per-chunk [Analyze] step,
// sample codecs, and a WAV container writer.
//
// All audio is single-channel linear PCM. Two sample widths are understood:
// 4 bytes per sample is IEEE-754 float32 little-endian (what the browser
// worklet produces) and 2 bytes per sample is signed 16-bit little-endian.
package audio

import (
	"fmt"
	"time"
)

const (
	// BytesFloat32 is the sample width of float32 PCM.
	BytesFloat32 = 4

	// BytesPCM16 is the sample width of signed 16-bit PCM.
	BytesPCM16 = 2
)

// Format describes a mono PCM stream.
type Format struct {
	// SampleRate in Hz (e.g., 16000).
	SampleRate int

	// BytesPerSample selects the sample encoding; see [BytesFloat32] and
	// [BytesPCM16].
	BytesPerSample int
}

// Validate reports whether f describes a stream this package can decode.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate)
	}
	switch f.BytesPerSample {
	case BytesFloat32, BytesPCM16:
		return nil
	default:
		return fmt.Errorf("audio: unsupported bytes per sample %d (want 2 or 4)", f.BytesPerSample)
	}
}

// BytesPerSecond returns the byte rate of the stream.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.BytesPerSample
}

// Duration returns the playback time of n bytes. Partial samples are ignored.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.BytesPerSample <= 0 {
		return 0
	}
	samples := n / f.BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Bytes returns the number of bytes that hold d worth of audio, rounded down
// to a whole number of samples.
func (f Format) Bytes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	samples := int64(f.SampleRate) * int64(d) / int64(time.Second)
	return int(samples) * f.BytesPerSample
}

// String renders the format for logs, e.g. "16000Hz/f32".
func (f Format) String() string {
	enc := "?"
	switch f.BytesPerSample {
	case BytesFloat32:
		enc = "f32"
	case BytesPCM16:
		enc = "s16"
	}
	return fmt.Sprintf("%dHz/%s", f.SampleRate, enc)
}
