// Package textnorm provides language-aware text normalization used by the
// diversity gate, anchor validation, and the structural analyzer. All
// comparisons between model output and source text go through
// NormalizeForContainment so that curly quotes, unicode dashes, and
// punctuation differences never cause spurious mismatches.
package textnorm

import (
	"strings"
	"unicode"
)

var quoteReplacer = strings.NewReplacer(
	"‘", "'", // left single quotation mark
	"’", "'", // right single quotation mark
	"‚", "'",
	"‛", "'",
	"“", `"`,
	"”", `"`,
	"„", `"`,
	"′", "'",
	"″", `"`,
)

var dashReplacer = strings.NewReplacer(
	"‐", "-",
	"‑", "-",
	"‒", "-",
	"–", "-", // en dash
	"—", "-", // em dash
	"―", "-",
	"−", "-", // minus sign
)

// NormalizeForContainment lowercases, straightens quotes and dashes, strips
// everything that is not alphanumeric or an apostrophe, and collapses runs of
// whitespace to a single space. Idempotent: normalizing twice yields the same
// string.
func NormalizeForContainment(text string) string {
	s := quoteReplacer.Replace(text)
	s = dashReplacer.Replace(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case r == '\'':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// ContainsNormalized reports whether needle appears as a substring of
// haystack after both are normalized. An empty needle never matches.
func ContainsNormalized(haystack, needle string) bool {
	n := NormalizeForContainment(needle)
	if n == "" {
		return false
	}
	return strings.Contains(NormalizeForContainment(haystack), n)
}

// Tokenize normalizes text and splits it on whitespace, dropping empty
// tokens.
func Tokenize(text string) []string {
	norm := NormalizeForContainment(text)
	if norm == "" {
		return nil
	}
	return strings.Fields(norm)
}

// TokenSet returns the set of normalized tokens in text.
func TokenSet(text string) map[string]struct{} {
	toks := Tokenize(text)
	set := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		set[t] = struct{}{}
	}
	return set
}

// Jaccard computes the Jaccard similarity of the normalized token sets of a
// and b. Two empty sets have similarity 0.
func Jaccard(a, b string) float64 {
	sa := TokenSet(a)
	sb := TokenSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 0
	}
	inter := 0
	for t := range sa {
		if _, ok := sb[t]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// ContentTokens returns the normalized tokens of text with stopwords for the
// given language hint removed.
func ContentTokens(text, langHint string) []string {
	stop := StopwordsFor(langHint)
	var out []string
	for _, t := range Tokenize(text) {
		if _, ok := stop[t]; ok {
			continue
		}
		out = append(out, t)
	}
	return out
}

// IsStopwordOnly reports whether every token of text is a stopword in the
// given language. Empty text is not stopword-only.
func IsStopwordOnly(text, langHint string) bool {
	toks := Tokenize(text)
	if len(toks) == 0 {
		return false
	}
	stop := StopwordsFor(langHint)
	for _, t := range toks {
		if _, ok := stop[t]; !ok {
			return false
		}
	}
	return true
}
