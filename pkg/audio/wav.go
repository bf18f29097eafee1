package audio

import "encoding/binary"

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// EncodeWAV wraps mono PCM data in a RIFF/WAV container. Float32 streams are
// tagged as IEEE float (format 3), 16-bit streams as integer PCM (format 1).
func EncodeWAV(pcm []byte, f Format) []byte {
	bps := f.BytesPerSample * 8
	byteRate := f.SampleRate * f.BytesPerSample
	blockAlign := f.BytesPerSample
	dataSize := len(pcm)

	tag := uint16(wavFormatPCM)
	if f.BytesPerSample == BytesFloat32 {
		tag = wavFormatFloat
	}

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], tag)
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
