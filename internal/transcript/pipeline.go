// Package transcript post-processes engine output before it is sent to the
// client or archived.
//
// Raw speech-to-text output often carries stray whitespace and misspells
// domain vocabulary (product names, people, places). [Pipeline.Process]
// normalises whitespace and, when a vocabulary is configured, replaces words
// and short phrases that sound like a vocabulary term with that term. Each
// [Correction] records what was replaced so callers can log or audit it.
//
// An empty result means "nothing was said"; callers emit no event for it.
package transcript

import (
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/whisperstream/internal/transcript/phonetic"
)

// Correction captures a single substitution made by the pipeline.
type Correction struct {
	// Original is the text as produced by the STT provider.
	Original string

	// Corrected is the vocabulary term that replaced it.
	Corrected string

	// Confidence is the matcher's similarity score (0.0–1.0).
	Confidence float64
}

// Result is the output of [Pipeline.Process].
type Result struct {
	// Text is the cleaned transcript. Empty when the input held no words.
	Text string

	// Corrections lists every vocabulary substitution in order.
	Corrections []Correction
}

// PhoneticMatcher resolves a word or phrase to a vocabulary term based on
// pronunciation similarity. Implementations must be safe for concurrent use.
type PhoneticMatcher interface {
	// MatchPrepared returns the best term for word. When matched is false,
	// corrected equals word and confidence is 0.
	MatchPrepared(word string, v *phonetic.Vocabulary) (corrected string, confidence float64, matched bool)
}

// Option is a functional option for configuring a [Pipeline].
type Option func(*Pipeline)

// WithPhoneticMatcher sets the matcher used for vocabulary correction.
// Default: [phonetic.New] with default thresholds.
func WithPhoneticMatcher(m PhoneticMatcher) Option {
	return func(p *Pipeline) {
		p.matcher = m
	}
}

// WithVocabulary sets the initial vocabulary.
func WithVocabulary(terms []string) Option {
	return func(p *Pipeline) {
		p.vocab.Store(phonetic.Prepare(terms))
	}
}

// Pipeline cleans transcripts. It is safe for concurrent use; the vocabulary
// can be replaced at runtime with [Pipeline.SetVocabulary].
type Pipeline struct {
	matcher PhoneticMatcher
	vocab   atomic.Pointer[phonetic.Vocabulary]
}

// New constructs a [Pipeline].
func New(opts ...Option) *Pipeline {
	p := &Pipeline{matcher: phonetic.New()}
	p.vocab.Store(phonetic.Prepare(nil))
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetVocabulary swaps the vocabulary. Calls already running keep the old one.
func (p *Pipeline) SetVocabulary(terms []string) {
	p.vocab.Store(phonetic.Prepare(terms))
}

// VocabularySize returns the number of active vocabulary terms.
func (p *Pipeline) VocabularySize() int {
	return p.vocab.Load().Len()
}

// Process trims text, collapses runs of whitespace to single spaces, and
// applies vocabulary correction.
//
// Correction scans the tokens left to right. At each position it tries
// windows from the longest term's word count down to one word and accepts
// the first (longest) match, so multi-word terms take precedence over
// single-word ones. Punctuation around a window is kept; windows never span
// punctuation inside the phrase.
func (p *Pipeline) Process(text string) Result {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return Result{}
	}

	vocab := p.vocab.Load()
	if vocab.Len() == 0 || p.matcher == nil {
		return Result{Text: strings.Join(tokens, " ")}
	}

	split := make([]token, len(tokens))
	for i, t := range tokens {
		split[i] = splitToken(t)
	}

	var (
		out         = make([]string, 0, len(tokens))
		corrections []Correction
	)
	for i := 0; i < len(split); {
		n, repl, conf := p.matchAt(split, i, vocab)
		if n == 0 {
			out = append(out, tokens[i])
			i++
			continue
		}

		window := joinCores(split[i : i+n])
		if repl != window {
			corrections = append(corrections, Correction{Original: window, Corrected: repl, Confidence: conf})
		}
		out = append(out, split[i].lead+repl+split[i+n-1].trail)
		i += n
	}

	return Result{Text: strings.Join(out, " "), Corrections: corrections}
}

// matchAt returns the number of tokens consumed at i and the replacement, or
// n == 0 when nothing matched.
func (p *Pipeline) matchAt(split []token, i int, vocab *phonetic.Vocabulary) (n int, repl string, conf float64) {
	maxN := min(vocab.MaxWords(), len(split)-i)
	for n := maxN; n >= 1; n-- {
		window := split[i : i+n]
		if !joinable(window) {
			continue
		}
		core := joinCores(window)
		if core == "" {
			continue
		}
		if term, c, ok := p.matcher.MatchPrepared(core, vocab); ok {
			return n, term, c
		}
	}
	return 0, "", 0
}

// token is a whitespace-delimited word split into leading punctuation, the
// word itself, and trailing punctuation.
type token struct {
	lead, core, trail string
}

func splitToken(s string) token {
	start := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsPunct(r) })
	if start < 0 {
		return token{lead: s}
	}
	end := strings.LastIndexFunc(s, func(r rune) bool { return !unicode.IsPunct(r) })
	_, size := utf8.DecodeRuneInString(s[end:])
	end += size
	return token{lead: s[:start], core: s[start:end], trail: s[end:]}
}

// joinable reports whether a window has no punctuation between its words.
func joinable(w []token) bool {
	for i := range w {
		if w[i].core == "" {
			return false
		}
		if i > 0 && w[i].lead != "" {
			return false
		}
		if i < len(w)-1 && w[i].trail != "" {
			return false
		}
	}
	return true
}

func joinCores(w []token) string {
	parts := make([]string, len(w))
	for i, t := range w {
		parts[i] = t.core
	}
	return strings.Join(parts, " ")
}
