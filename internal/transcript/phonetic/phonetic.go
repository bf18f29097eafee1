// Package phonetic implements the [transcript.PhoneticMatcher] interface using
// Double Metaphone phonetic encoding combined with Jaro-Winkler string
// similarity for ranked candidate selection.
//
// The algorithm proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each word in the input and for each vocabulary term. If any code from
//     the input overlaps with any code from a term, the term becomes a
//     phonetic candidate.
//
//  2. Jaro-Winkler ranking: Among phonetic candidates, the term with the
//     highest Jaro-Winkler similarity (computed case-insensitively) is
//     selected, provided its score reaches the phonetic threshold. When no
//     phonetic candidate qualifies, a secondary pass accepts pure
//     Jaro-Winkler similarity at a higher fuzzy threshold (default 0.85).
//
// Terms whose length differs from the input by more than a quarter are never
// candidates. Term codes are computed once per vocabulary with [Prepare]; the transcript
// pipeline keeps the prepared form and swaps it on config reload.
package phonetic

import (
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
	defaultMinLength         = 3
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched term to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the matcher falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// WithMinLength sets the shortest input (in runes, spaces excluded) the
// matcher will try to correct. Short function words are too ambiguous to
// rewrite. Default: 3.
func WithMinLength(n int) Option {
	return func(m *Matcher) {
		m.minLength = n
	}
}

// Matcher is a phonetic vocabulary matcher. It implements
// [transcript.PhoneticMatcher]. The Matcher is read-only after construction
// and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	minLength         int
}

// New returns a new [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		minLength:         defaultMinLength,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// term is one vocabulary entry with its precomputed phonetic data.
type term struct {
	text    string
	lower   string
	tokens  []string
	codes   map[string]struct{}
	letters int
}

// Vocabulary is a prepared, immutable list of terms.
type Vocabulary struct {
	terms    []term
	maxWords int
}

// Prepare computes phonetic codes for every non-blank term.
func Prepare(terms []string) *Vocabulary {
	v := &Vocabulary{terms: make([]term, 0, len(terms))}
	for _, t := range terms {
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		v.terms = append(v.terms, term{
			text:   strings.TrimSpace(t),
			lower:  strings.Join(tokens, " "),
			tokens:  tokens,
			codes:   codesForTokens(tokens),
			letters: utf8.RuneCountInString(strings.Join(tokens, "")),
		})
		v.maxWords = max(v.maxWords, len(tokens))
	}
	return v
}

// Len returns the number of terms.
func (v *Vocabulary) Len() int {
	if v == nil {
		return 0
	}
	return len(v.terms)
}

// MaxWords returns the word count of the longest term, or 0 when empty.
func (v *Vocabulary) MaxWords() int {
	if v == nil {
		return 0
	}
	return v.maxWords
}

// Match finds the term most phonetically similar to word. It prepares terms
// on every call; hot paths should use [Matcher.MatchPrepared].
//
// Return values follow the [transcript.PhoneticMatcher] contract: when
// matched is false, corrected equals word unchanged and confidence is 0.
func (m *Matcher) Match(word string, terms []string) (corrected string, confidence float64, matched bool) {
	return m.MatchPrepared(word, Prepare(terms))
}

// MatchPrepared is Match against a prepared vocabulary. word may be a single
// word or a space-separated phrase (n-gram).
func (m *Matcher) MatchPrepared(word string, v *Vocabulary) (corrected string, confidence float64, matched bool) {
	if v.Len() == 0 {
		return word, 0, false
	}
	wordTokens := strings.Fields(strings.ToLower(word))
	wordLower := strings.Join(wordTokens, " ")
	letters := utf8.RuneCountInString(strings.Join(wordTokens, ""))
	if letters < m.minLength {
		return word, 0, false
	}

	inputCodes := codesForTokens(wordTokens)

	var (
		best         *term
		bestScore    float64
		bestPhonetic bool
	)
	for i := range v.terms {
		t := &v.terms[i]
		if t.lower == wordLower {
			return t.text, 1, true
		}
		if !similarLength(letters, t.letters) {
			continue
		}

		score := bestJWScore(wordTokens, t.tokens, wordLower, t.lower)
		if codesOverlap(inputCodes, t.codes) {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = t, score, true
			}
		} else if !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = t, score
		}
	}

	if best != nil {
		return best.text, bestScore, true
	}
	return word, 0, false
}

// similarLength reports whether two letter counts differ by at most a quarter
// of the longer one. Jaro-Winkler alone rates "near grafanna" close to
// "grafana"; the length gate rejects windows that swallowed extra words.
func similarLength(a, b int) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return 4*d <= max(a, b)
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when the word is too short or
// contains no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the input
// and the term using three strategies:
//
//  1. Full-string comparison (e.g., "graph anna" vs "grafana").
//  2. Space-stripped comparison (e.g., "graphanna" vs "grafana").
//  3. Best pairwise word comparison, but only when both sides have the same
//     number of words, so one matching word cannot drag in a longer term.
func bestJWScore(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	score := matchr.JaroWinkler(inputFull, termFull, false)

	if len(inputTokens) > 1 || len(termTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(termTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	if len(inputTokens) == len(termTokens) && len(inputTokens) > 1 {
		var sum float64
		for i := range inputTokens {
			sum += matchr.JaroWinkler(inputTokens[i], termTokens[i], false)
		}
		if s := sum / float64(len(inputTokens)); s > score {
			score = s
		}
	}

	return score
}
