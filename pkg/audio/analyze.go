package audio

import (
	"math"
	"time"
)

// Frame is the analysis of one inbound chunk.
type Frame struct {
	// Samples is len(chunk) / BytesPerSample.
	Samples int

	// Duration is Samples / SampleRate.
	Duration time.Duration

	// Energy is the root-mean-square amplitude of the normalised samples.
	// It is linear, not decibels; full-scale is 1.0.
	Energy float64
}

// Analyze measures a chunk. It reports ok=false when the chunk should be
// skipped: it is empty, it does not hold a whole number of samples, or the
// format cannot be decoded. Analyze has no side effects.
func Analyze(chunk []byte, f Format) (Frame, bool) {
	if len(chunk) == 0 || f.SampleRate <= 0 {
		return Frame{}, false
	}
	if f.BytesPerSample != BytesFloat32 && f.BytesPerSample != BytesPCM16 {
		return Frame{}, false
	}
	if len(chunk)%f.BytesPerSample != 0 {
		return Frame{}, false
	}

	n := len(chunk) / f.BytesPerSample
	var sum float64
	switch f.BytesPerSample {
	case BytesFloat32:
		for i := range n {
			v := float64(float32At(chunk, i))
			sum += v * v
		}
	case BytesPCM16:
		for i := range n {
			v := float64(int16At(chunk, i)) / 32768.0
			sum += v * v
		}
	}
	energy := math.Sqrt(sum / float64(n))
	if math.IsNaN(energy) || math.IsInf(energy, 0) {
		// NaN/Inf samples are not decodable audio.
		return Frame{}, false
	}

	return Frame{
		Samples:  n,
		Duration: time.Duration(n) * time.Second / time.Duration(f.SampleRate),
		Energy:   energy,
	}, true
}
