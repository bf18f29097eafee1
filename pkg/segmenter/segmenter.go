// Package segmenter turns an unbounded stream of PCM chunks into speech
// segments using energy-based voice activity detection.
//
// A [Segmenter] is a two-phase state machine. While idle it keeps a short
// pre-roll window of recent audio. When a chunk's RMS energy reaches the start
// threshold it enters speech, seeding the phrase with the pre-roll so the
// onset is not lost. Inside a phrase, chunks below the (lower) continue
// threshold accumulate trailing silence; once that reaches the silence limit
// the phrase ends and is emitted if it lasted long enough, or discarded
// otherwise. An optional byte cap forces a cut on very long phrases, and
// [Segmenter.Flush] finalises whatever is in progress when the stream ends.
//
// Each call to [Segmenter.Process] performs exactly one transition and yields
// at most one segment. A Segmenter belongs to one stream and is not safe for
// concurrent use.
package segmenter

import (
	"time"

	"github.com/MrWong99/whisperstream/pkg/audio"
)

// Phase is the coarse state of a [Segmenter].
type Phase int

const (
	// Idle means no phrase is being captured.
	Idle Phase = iota

	// Speech means a phrase is being captured.
	Speech
)

// String implements [fmt.Stringer].
func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Speech:
		return "speech"
	default:
		return "unknown"
	}
}

// Action is the transition taken for one chunk.
type Action int

const (
	// Skip means the chunk was empty or undecodable and nothing changed.
	Skip Action = iota

	// Wait means the segmenter stayed idle.
	Wait

	// Start means the chunk opened a new phrase.
	Start

	// Continue means the chunk was added to the open phrase.
	Continue

	// Emit means a phrase was completed and [Result.Segment] holds it.
	Emit

	// Discard means a phrase ended below the minimum duration and was dropped.
	Discard
)

// String implements [fmt.Stringer].
func (a Action) String() string {
	switch a {
	case Skip:
		return "skip"
	case Wait:
		return "wait"
	case Start:
		return "start"
	case Continue:
		return "continue"
	case Emit:
		return "emit"
	case Discard:
		return "discard"
	default:
		return "unknown"
	}
}

// Reason explains why a segment was emitted.
type Reason int

const (
	// Natural means trailing silence ended the phrase.
	Natural Reason = iota

	// Forced means the phrase exceeded the maximum segment length.
	Forced

	// Flushed means the stream ended while the phrase was open.
	Flushed
)

// String implements [fmt.Stringer].
func (r Reason) String() string {
	switch r {
	case Natural:
		return "natural"
	case Forced:
		return "forced"
	case Flushed:
		return "flushed"
	default:
		return "unknown"
	}
}

// Segment is one completed phrase ready for transcription.
type Segment struct {
	// PCM is the captured audio, pre-roll first. The caller owns it.
	PCM []byte

	// Speech is the phrase duration up to its last voiced chunk. Pre-roll
	// and trailing silence are excluded.
	Speech time.Duration

	// Reason says what closed the phrase.
	Reason Reason
}

// Result describes what one call to Process or Flush did.
type Result struct {
	Action Action

	// Frame is the analysis of the chunk. Zero for Skip and for Flush.
	Frame audio.Frame

	// Segment is non-nil only when Action is Emit.
	Segment *Segment
}

// phrase is the state that exists only while in Speech.
type phrase struct {
	pcm     []byte
	elapsed time.Duration
	silence time.Duration
}

// speech is the phrase length up to its last voiced chunk. Trailing silence
// is not speech; pauses inside the phrase are.
func (p *phrase) speech() time.Duration { return p.elapsed - p.silence }

// Segmenter is the per-stream voice activity state machine.
type Segmenter struct {
	cfg      Config
	format   audio.Format
	maxBytes int
	preRoll  *PreRoll

	// cur is nil while Idle.
	cur *phrase
}

// New returns an idle Segmenter. The config is not validated here; callers
// that accept external input should call [Config.Validate] first.
func New(cfg Config) *Segmenter {
	return &Segmenter{
		cfg:      cfg,
		format:   cfg.Format(),
		maxBytes: cfg.MaxSegmentBytes(),
		preRoll:  NewPreRoll(cfg.PreSpeechBytes()),
	}
}

// Config returns the configuration the Segmenter was built with.
func (s *Segmenter) Config() Config { return s.cfg }

// Process applies one chunk.
func (s *Segmenter) Process(chunk []byte) Result {
	frame, ok := audio.Analyze(chunk, s.format)
	if !ok {
		return Result{Action: Skip}
	}

	if s.cur == nil {
		return s.onIdle(chunk, frame)
	}
	return s.onSpeech(chunk, frame)
}

func (s *Segmenter) onIdle(chunk []byte, frame audio.Frame) Result {
	if frame.Energy < s.cfg.StartThreshold {
		s.preRoll.Append(chunk)
		return Result{Action: Wait, Frame: frame}
	}

	onset := s.preRoll.Drain()
	pcm := make([]byte, 0, len(onset)+len(chunk))
	pcm = append(pcm, onset...)
	pcm = append(pcm, chunk...)
	s.cur = &phrase{pcm: pcm, elapsed: frame.Duration}
	return Result{Action: Start, Frame: frame}
}

func (s *Segmenter) onSpeech(chunk []byte, frame audio.Frame) Result {
	p := s.cur
	p.pcm = append(p.pcm, chunk...)
	p.elapsed += frame.Duration

	if s.maxBytes > 0 && len(p.pcm) > s.maxBytes {
		return Result{Action: Emit, Frame: frame, Segment: s.finish(Forced)}
	}

	if frame.Energy < s.cfg.ContinueThreshold {
		p.silence += frame.Duration
	} else {
		p.silence = 0
	}

	if p.silence < s.cfg.MaxSilence {
		return Result{Action: Continue, Frame: frame}
	}
	if p.speech() < s.cfg.MinSpeech {
		s.reset()
		return Result{Action: Discard, Frame: frame}
	}
	return Result{Action: Emit, Frame: frame, Segment: s.finish(Natural)}
}

// Flush finalises the open phrase when the stream ends. It emits only if a
// phrase is open, non-empty, and at least MinSpeech long; otherwise it does
// nothing. Calling Flush again is a no-op.
func (s *Segmenter) Flush() Result {
	p := s.cur
	if p == nil || len(p.pcm) == 0 || p.speech() < s.cfg.MinSpeech {
		return Result{Action: Wait}
	}
	return Result{Action: Emit, Segment: s.finish(Flushed)}
}

func (s *Segmenter) finish(r Reason) *Segment {
	seg := &Segment{PCM: s.cur.pcm, Speech: s.cur.speech(), Reason: r}
	s.reset()
	return seg
}

// reset returns to Idle. The pre-roll is left as is.
func (s *Segmenter) reset() { s.cur = nil }

// Phase returns the current phase.
func (s *Segmenter) Phase() Phase {
	if s.cur == nil {
		return Idle
	}
	return Speech
}

// PreRollLen returns the number of bytes in the pre-roll window.
func (s *Segmenter) PreRollLen() int { return s.preRoll.Len() }

// SegmentLen returns the size of the open phrase, or 0 while idle.
func (s *Segmenter) SegmentLen() int {
	if s.cur == nil {
		return 0
	}
	return len(s.cur.pcm)
}

// SpeechDuration returns the speech accumulated in the open phrase, trailing
// silence excluded, or 0 while idle.
func (s *Segmenter) SpeechDuration() time.Duration {
	if s.cur == nil {
		return 0
	}
	return s.cur.speech()
}

// SilenceDuration returns the trailing silence of the open phrase, or 0
// while idle.
func (s *Segmenter) SilenceDuration() time.Duration {
	if s.cur == nil {
		return 0
	}
	return s.cur.silence
}
