package stt

import "time"

// Transcript is the result of transcribing one segment.
type Transcript struct {
	// Text is the transcribed speech content. Providers return it as the
	// backend produced it; trimming is left to the caller.
	Text string

	// Language is the detected or configured language code, if the backend
	// reports one.
	Language string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Duration is the length of the transcribed audio.
	Duration time.Duration
}

// KeywordBoost is a vocabulary hint that raises the recognition probability of
// an uncommon word such as a product or proper name.
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}
