// Package transcript post-processes ASR output for the anti-fraud pipeline.
//
// The [Flagger] scans each user utterance for configured fraud indicator
// phrases ("wire transfer", "gift card", "verification code", ...) using
// Double Metaphone phonetic encoding combined with Jaro-Winkler string
// similarity, so that ASR misspellings of the indicators still match.
//
// Matching slides a window of the keyword's token count over the utterance.
// Each window is scored two ways:
//
//  1. Positional phonetic alignment: the i-th window token must share a
//     Double Metaphone code with the i-th keyword token, for every position.
//     Multi-word indicators therefore only match when each word is a
//     plausible mishearing of its counterpart — "wire transfur" aligns with
//     "wire transfer", but "wire fraud transfer" does not.
//
//  2. Jaro-Winkler ranking: aligned windows must also exceed a similarity
//     threshold on the raw strings (case-insensitive); unaligned windows get
//     one more chance against a stricter fuzzy threshold, catching spelling
//     drift the phonetic codes miss.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.88
)

// Option is a functional option for configuring a [Flagger].
type Option func(*Flagger)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-aligned window to be flagged. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(f *Flagger) { f.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when a
// window does not align phonetically. Default: 0.88.
func WithFuzzyThreshold(threshold float64) Option {
	return func(f *Flagger) { f.fuzzyThreshold = threshold }
}

// Flagger matches utterance text against a fixed fraud keyword list.
// It is read-only after construction and safe for concurrent use.
type Flagger struct {
	keywords          []keyword
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// soundsOf is a token's Double Metaphone code pair, precomputed for keywords
// at construction and for utterance tokens once per Scan.
type soundsOf struct {
	primary   string
	secondary string
}

func soundsOfToken(token string) soundsOf {
	p, s := matchr.DoubleMetaphone(token)
	return soundsOf{primary: p, secondary: s}
}

// sharesCode reports whether two tokens could be mishearings of each other:
// any non-empty code of one equals any code of the other. Tokens that
// produce no codes at all (too short, no consonants) never align.
func (a soundsOf) sharesCode(b soundsOf) bool {
	if a.primary != "" && (a.primary == b.primary || a.primary == b.secondary) {
		return true
	}
	return a.secondary != "" && (a.secondary == b.primary || a.secondary == b.secondary)
}

// keyword is an indicator phrase with per-token phonetic codes, positionally
// aligned with its tokens.
type keyword struct {
	phrase string
	tokens []string
	sounds []soundsOf
}

// NewFlagger builds a [Flagger] over the given indicator phrases. Empty or
// whitespace-only phrases are ignored.
func NewFlagger(phrases []string, opts ...Option) *Flagger {
	f := &Flagger{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(f)
	}
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		tokens := strings.Fields(p)
		kw := keyword{phrase: p, tokens: tokens, sounds: make([]soundsOf, len(tokens))}
		for i, tok := range tokens {
			kw.sounds[i] = soundsOfToken(tok)
		}
		f.keywords = append(f.keywords, kw)
	}
	return f
}

// Scan returns the indicator phrases matched anywhere in text, each at most
// once, in keyword-list order. A nil result means no indicators were heard.
func (f *Flagger) Scan(text string) []string {
	if len(f.keywords) == 0 || strings.TrimSpace(text) == "" {
		return nil
	}

	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return nil
	}
	// One phonetic encoding per utterance token, shared across keywords.
	sounds := make([]soundsOf, len(tokens))
	for i, tok := range tokens {
		sounds[i] = soundsOfToken(tok)
	}

	var flagged []string
	for _, kw := range f.keywords {
		if f.matches(tokens, sounds, kw) {
			flagged = append(flagged, kw.phrase)
		}
	}
	return flagged
}

// matches slides a window of the keyword's token count over the utterance
// and scores each window phonetically and by string similarity.
func (f *Flagger) matches(tokens []string, sounds []soundsOf, kw keyword) bool {
	n := len(kw.tokens)
	if n == 0 || n > len(tokens) {
		return false
	}
	for i := 0; i+n <= len(tokens); i++ {
		gram := tokens[i : i+n]
		score := bestJWScore(gram, kw.tokens, strings.Join(gram, " "), kw.phrase)

		if alignsPhonetically(sounds[i:i+n], kw.sounds) {
			if score >= f.phoneticThreshold {
				return true
			}
			continue
		}
		if score >= f.fuzzyThreshold {
			return true
		}
	}
	return false
}

// alignsPhonetically reports whether every window token shares a code with
// the keyword token in the same position.
func alignsPhonetically(gram, kw []soundsOf) bool {
	for i := range kw {
		if !gram[i].sharesCode(kw[i]) {
			return false
		}
	}
	return true
}

// bestJWScore computes the highest Jaro-Winkler similarity between the n-gram
// and the keyword using three strategies: full strings, space-stripped
// strings, and the minimum over aligned token pairs (every keyword token must
// find its counterpart for a multi-word phrase to count).
func bestJWScore(gramTokens, kwTokens []string, gramFull, kwFull string) float64 {
	score := matchr.JaroWinkler(gramFull, kwFull, false)

	if len(gramTokens) > 1 || len(kwTokens) > 1 {
		concat1 := strings.Join(gramTokens, "")
		concat2 := strings.Join(kwTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	if len(gramTokens) == len(kwTokens) {
		aligned := 1.0
		for i := range gramTokens {
			s := matchr.JaroWinkler(gramTokens[i], kwTokens[i], false)
			if s < aligned {
				aligned = s
			}
		}
		if aligned > score {
			score = aligned
		}
	}

	return score
}
