// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (a local whisper.cpp server,
// in-process whisper.cpp, the OpenAI audio API, or Deepgram) and exposes one
// blocking call: hand over one finished speech segment, get its text back.
// Segmentation happens upstream, so providers never see partial phrases.
//
// Implementations must be safe for concurrent use. Many sessions call
// Transcribe at the same time, each with its own segment.
package stt

import (
	"context"

	"github.com/MrWong99/whisperstream/pkg/audio"
)

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts one segment of mono PCM audio in the given format to
	// text. It blocks until the backend answers or ctx is cancelled.
	//
	// An empty Transcript with a nil error means the backend heard nothing
	// worth reporting. Callers treat a non-nil error the same way after
	// recording it; a failed segment never ends the caller's stream.
	Transcribe(ctx context.Context, pcm []byte, format audio.Format) (Transcript, error)
}
