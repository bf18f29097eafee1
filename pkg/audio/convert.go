package audio

import (
	"encoding/binary"
	"math"
)

func float32At(pcm []byte, i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(pcm[i*4 : i*4+4]))
}

func int16At(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
}

// Float32ToPCM16 converts float32 little-endian PCM to signed 16-bit
// little-endian PCM. Samples outside [-1, 1] are clamped. A trailing partial
// sample is ignored.
func Float32ToPCM16(pcm []byte) []byte {
	n := len(pcm) / BytesFloat32
	out := make([]byte, n*BytesPCM16)
	for i := range n {
		v := float64(float32At(pcm, i))
		if math.IsNaN(v) {
			v = 0
		}
		v = math.Max(-1, math.Min(1, v))
		s := int16(math.Round(v * 32767))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PCM16ToFloat32 converts signed 16-bit little-endian PCM to normalised
// float32 samples in [-1.0, 1.0).
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / BytesPCM16
	samples := make([]float32, n)
	for i := range n {
		samples[i] = float32(int16At(pcm, i)) / 32768.0
	}
	return samples
}

// DecodeFloat32 returns the samples of pcm as normalised float32 values,
// whatever the encoding of f.
func DecodeFloat32(pcm []byte, f Format) []float32 {
	if f.BytesPerSample == BytesPCM16 {
		return PCM16ToFloat32(pcm)
	}
	n := len(pcm) / BytesFloat32
	samples := make([]float32, n)
	for i := range n {
		samples[i] = float32At(pcm, i)
	}
	return samples
}

// EncodePCM16 returns pcm as signed 16-bit little-endian PCM. Input that is
// already 16-bit is returned unchanged.
func EncodePCM16(pcm []byte, f Format) []byte {
	if f.BytesPerSample == BytesPCM16 {
		return pcm
	}
	return Float32ToPCM16(pcm)
}
