// Package gate implements the diversity gate: the ordered set of checks that
// three candidate variants of a line must pass before the line is accepted.
// A failing check names the worst variant so the targeted regenerator can
// replace exactly one of the three.
package gate

import (
	"fmt"
	"strings"

	"github.com/verselab/triptych/internal/recipe"
	"github.com/verselab/triptych/internal/structural"
	"github.com/verselab/triptych/internal/textnorm"
)

// MaxPairwiseJaccard is the overlap ceiling for any pair of variants.
const MaxPairwiseJaccard = 0.6

// Input carries everything the gate needs for one line.
type Input struct {
	Variants   [3]string
	TargetLang string
	Mode       recipe.Mode
	SourceText string
}

// Result reports the gate outcome. WorstIndex is only meaningful when Pass
// is false; it names the variant the regenerator should replace.
type Result struct {
	Pass       bool
	WorstIndex int
	Reason     string
}

func pass() Result { return Result{Pass: true, WorstIndex: -1} }

func fail(worst int, format string, args ...any) Result {
	return Result{Pass: false, WorstIndex: worst, Reason: fmt.Sprintf(format, args...)}
}

// Check runs the gate checks in order and fails on the first violation.
func Check(in Input) Result {
	if r := checkSubjectOpeners(in); !r.Pass {
		return r
	}
	if r := checkOpeningBigrams(in); !r.Pass {
		return r
	}
	if r := checkComparisonMarkers(in); !r.Pass {
		return r
	}
	if r := checkWalkVerbs(in); !r.Pass {
		return r
	}
	if r := checkJaccard(in); !r.Pass {
		return r
	}
	return pass()
}

// Subject-opener patterns detected across languages. Gerund openers are a
// pattern of their own.
var subjectOpenerPatterns = map[string]string{
	// first person singular
	"i": "i", "je": "i", "j'": "i", "yo": "i", "io": "i", "ich": "i", "eu": "i",
	// first person plural
	"we": "we", "nous": "we", "nosotros": "we", "nosotras": "we", "noi": "we", "wir": "we", "nós": "we",
	// second person
	"you": "you", "tu": "you", "vous": "you", "tú": "you", "voi": "you", "du": "you", "ihr": "you", "você": "you",
	// third person
	"he": "third", "she": "third", "they": "third", "il": "third", "elle": "third",
	"ils": "third", "elles": "third", "él": "third", "ella": "third", "ellos": "third",
	"ellas": "third", "lui": "third", "lei": "third", "loro": "third", "er": "third",
	"sie": "third", "ele": "third", "ela": "third", "eles": "third", "elas": "third",
}

func subjectOpenerPattern(text, lang string) string {
	toks := textnorm.Tokenize(text)
	if len(toks) == 0 {
		return ""
	}
	if p, ok := subjectOpenerPatterns[toks[0]]; ok {
		return p
	}
	if structural.Opener(text, lang) == structural.OpenerGerund {
		return "gerund"
	}
	return ""
}

// checkSubjectOpeners fails balanced/adventurous sets where two variants
// open on the same detected subject pattern.
func checkSubjectOpeners(in Input) Result {
	if in.Mode == recipe.ModeFocused {
		return pass()
	}
	seen := map[string]int{}
	for i, v := range in.Variants {
		p := subjectOpenerPattern(v, in.TargetLang)
		if p == "" {
			continue
		}
		if first, ok := seen[p]; ok {
			return fail(i, "variants %d and %d share the subject opener %q", first, i, p)
		}
		seen[p] = i
	}
	return pass()
}

// checkOpeningBigrams fails when two variants with at least six
// non-punctuation tokens begin with the same two content tokens.
func checkOpeningBigrams(in Input) Result {
	type bigram struct{ a, b string }
	seen := map[bigram]int{}
	for i, v := range in.Variants {
		if len(textnorm.Tokenize(v)) < 6 {
			continue
		}
		content := textnorm.ContentTokens(v, in.TargetLang)
		if len(content) < 2 {
			continue
		}
		bg := bigram{content[0], content[1]}
		if first, ok := seen[bg]; ok {
			return fail(i, "variants %d and %d open on the same content bigram %q %q", first, i, bg.a, bg.b)
		}
		seen[bg] = i
	}
	return pass()
}

// Comparison markers, longest first so "as if" wins over "as".
var comparisonMarkers = []string{"comme si", "como si", "as if", "comme", "como", "come", "like", "as", "像"}

func comparisonMarkerIn(text string) string {
	norm := " " + textnorm.NormalizeForContainment(text) + " "
	for _, m := range comparisonMarkers {
		if m == "像" {
			if strings.Contains(text, m) {
				return m
			}
			continue
		}
		if strings.Contains(norm, " "+m+" ") {
			return m
		}
	}
	return ""
}

// checkComparisonMarkers enforces the simile budget. When the source itself
// contains a marker, balanced/adventurous permit at most one variant to keep
// one; focused only fails when all three do. Two variants sharing the same
// marker always fail.
func checkComparisonMarkers(in Input) Result {
	markers := [3]string{}
	var users []int
	for i, v := range in.Variants {
		markers[i] = comparisonMarkerIn(v)
		if markers[i] != "" {
			users = append(users, i)
		}
	}

	seen := map[string]int{}
	for _, i := range users {
		if first, ok := seen[markers[i]]; ok {
			return fail(i, "variants %d and %d use the same comparison marker %q", first, i, markers[i])
		}
		seen[markers[i]] = i
	}

	if comparisonMarkerIn(in.SourceText) == "" {
		return pass()
	}
	switch in.Mode {
	case recipe.ModeFocused:
		if len(users) == 3 {
			return fail(users[2], "all three variants keep a comparison marker from the source")
		}
	default:
		if len(users) > 1 {
			return fail(users[len(users)-1], "%d variants use comparison markers; at most one may in %s mode", len(users), in.Mode)
		}
	}
	return pass()
}

var walkVerbs = textnorm.TokenSet("walk walks walked walking stroll strolls strolled step steps stepped wander wanders wandered march marches marched marche marcher marchons caminar camino camina caminamos cammino cammina camminare")

// checkWalkVerbs fails balanced/adventurous sets where two variants lean on
// the same generic motion bucket.
func checkWalkVerbs(in Input) Result {
	if in.Mode == recipe.ModeFocused {
		return pass()
	}
	first := -1
	for i, v := range in.Variants {
		if !usesWalkVerb(v) {
			continue
		}
		if first >= 0 {
			return fail(i, "variants %d and %d both use a walk-family verb", first, i)
		}
		first = i
	}
	return pass()
}

func usesWalkVerb(text string) bool {
	for _, tok := range textnorm.Tokenize(text) {
		if _, ok := walkVerbs[tok]; ok {
			return true
		}
	}
	return false
}

// UsesWalkVerb reports whether the text leans on the generic walk-family
// motion bucket. The regenerator uses it as a hard constraint.
func UsesWalkVerb(text string) bool { return usesWalkVerb(text) }

// ComparisonMarkerIn returns the first comparison marker found in the text,
// or the empty string.
func ComparisonMarkerIn(text string) string { return comparisonMarkerIn(text) }

// checkJaccard fails when any pair of variants overlaps beyond the ceiling.
// The worst variant is the one in the most high-overlap pairs, ties broken
// toward the second member of the maximum pair.
func checkJaccard(in Input) Result {
	var (
		maxJ          float64
		maxB          int
		overlapCounts [3]int
	)
	for a := 0; a < 3; a++ {
		for b := a + 1; b < 3; b++ {
			j := textnorm.Jaccard(in.Variants[a], in.Variants[b])
			if j > maxJ {
				maxJ, maxB = j, b
			}
			if j > MaxPairwiseJaccard {
				overlapCounts[a]++
				overlapCounts[b]++
			}
		}
	}
	if maxJ <= MaxPairwiseJaccard {
		return pass()
	}
	// Ties go to the second member of the max pair because worst only moves
	// on a strictly greater count.
	worst := maxB
	for i, c := range overlapCounts {
		if c > overlapCounts[worst] {
			worst = i
		}
	}
	return fail(worst, "pairwise token overlap %.2f exceeds %.2f", maxJ, MaxPairwiseJaccard)
}
