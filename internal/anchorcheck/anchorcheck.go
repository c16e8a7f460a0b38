// Package anchorcheck validates semantic anchors and their realizations:
// every variant of a line must realize every anchor with an in-text
// substring, and the B/C self-report metadata must be present, specific, and
// consistent with the recipe's stance plan.
package anchorcheck

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/rivo/uniseg"

	"github.com/verselab/triptych/internal/job"
	"github.com/verselab/triptych/internal/recipe"
	"github.com/verselab/triptych/internal/textnorm"
)

// Anchor is a named semantic concept from the source line.
type Anchor struct {
	ID           string   `json:"id"`
	ConceptEn    string   `json:"concept_en"`
	SourceTokens []string `json:"source_tokens,omitempty"`
}

// Anchor array bounds. Three to six anchors are preferred; two and up to
// eight are tolerated.
const (
	MinAnchors = 2
	MaxAnchors = 8
)

var anchorIDPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]*(_[A-Z0-9]+)*$`)

// Pronouns and person markers that must not be anchor concepts.
var forbiddenConcepts = map[string]struct{}{
	"i": {}, "you": {}, "we": {}, "he": {}, "she": {}, "they": {}, "it": {},
	"one": {}, "me": {}, "us": {}, "them": {}, "narrator": {}, "speaker": {},
	"myself": {}, "yourself": {}, "ourselves": {},
}

// ValidateAnchors checks anchor-ID format, uniqueness, array bounds, and the
// pronoun denylist on concepts.
func ValidateAnchors(anchors []Anchor) error {
	if len(anchors) < MinAnchors || len(anchors) > MaxAnchors {
		return fmt.Errorf("anchor count %d outside [%d, %d]", len(anchors), MinAnchors, MaxAnchors)
	}
	seen := map[string]struct{}{}
	for _, a := range anchors {
		if !anchorIDPattern.MatchString(a.ID) {
			return fmt.Errorf("anchor id %q is not UPPER_SNAKE", a.ID)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("duplicate anchor id %q", a.ID)
		}
		seen[a.ID] = struct{}{}
		concept := strings.ToLower(strings.TrimSpace(a.ConceptEn))
		if _, bad := forbiddenConcepts[concept]; bad {
			return fmt.Errorf("anchor %s names a pronoun or person marker (%q)", a.ID, a.ConceptEn)
		}
	}
	return nil
}

// ValidateRealizations checks that the variant covers every anchor with a
// usable realization that appears (normalized) in the variant's text.
func ValidateRealizations(v job.VariantResult, anchors []Anchor, targetLang string) error {
	for _, a := range anchors {
		real, ok := v.AnchorRealizations[a.ID]
		if !ok {
			return fmt.Errorf("variant %s missing realization for anchor %s", v.Label, a.ID)
		}
		if err := checkRealization(real, targetLang); err != nil {
			return fmt.Errorf("variant %s anchor %s: %w", v.Label, a.ID, err)
		}
		if !textnorm.ContainsNormalized(v.Text, real) {
			return fmt.Errorf("variant %s anchor %s: realization %q not found in text", v.Label, a.ID, real)
		}
	}
	return nil
}

func checkRealization(real, targetLang string) error {
	trimmed := strings.TrimSpace(real)
	if trimmed == "" {
		return fmt.Errorf("empty realization")
	}
	if !hasAlnum(trimmed) {
		return fmt.Errorf("realization %q has no alphanumeric characters", real)
	}
	if uniseg.GraphemeClusterCount(trimmed) < 2 && !lengthExempt(trimmed) {
		return fmt.Errorf("realization %q too short", real)
	}
	if textnorm.IsStopwordOnly(trimmed, targetLang) {
		return fmt.Errorf("realization %q is stopword-only", real)
	}
	return nil
}

// lengthExempt allows single-grapheme realizations that are digits or
// upper-case acronym letters (and CJK, where one grapheme is a word).
func lengthExempt(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) || unicode.Is(unicode.Han, r) || (unicode.IsUpper(r) && unicode.IsLetter(r)) {
			return true
		}
	}
	return false
}

func hasAlnum(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// Vague phrases that disqualify an image-shift summary.
var vagueSummaries = []string{
	"more poetic", "just different", "different wording", "slightly changed",
	"a bit different", "more artistic", "reworded", "changed some words",
}

// MinImageShiftLen is the minimum length of variant B's image-shift summary.
const MinImageShiftLen = 12

// ValidateImageShift checks variant B's self-report: long enough, not vague,
// and naming at least one anchor id.
func ValidateImageShift(v job.VariantResult, anchors []Anchor) error {
	summary := strings.TrimSpace(v.SelfReport.ImageShiftSummary)
	if len(summary) < MinImageShiftLen {
		return fmt.Errorf("variant B image shift summary too short (%d chars)", len(summary))
	}
	lower := strings.ToLower(summary)
	for _, vague := range vagueSummaries {
		if strings.Contains(lower, vague) {
			return fmt.Errorf("variant B image shift summary is vague (%q)", vague)
		}
	}
	if len(anchors) > 0 {
		found := false
		for _, a := range anchors {
			if strings.Contains(summary, a.ID) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("variant B image shift summary names no anchor id")
		}
	}
	return nil
}

// ValidateWorldShift checks variant C's self-report against the mode and the
// recipe's stance plan. The reported subject form must match the plan; when
// the plan is absent only validity and the mode restriction are enforced.
func ValidateWorldShift(v job.VariantResult, mode recipe.Mode, plan *recipe.StancePlan) error {
	if strings.TrimSpace(v.SelfReport.WorldShiftSummary) == "" {
		return fmt.Errorf("variant C missing world shift summary")
	}
	form := recipe.SubjectForm(strings.ToLower(strings.TrimSpace(v.SelfReport.SubjectFormUsed)))
	if !recipe.ValidSubjectForm(form) {
		return fmt.Errorf("variant C subject form %q is not recognized", v.SelfReport.SubjectFormUsed)
	}
	if !recipe.SubjectFormAllowed(form, mode) {
		return fmt.Errorf("variant C subject form %q is forbidden in %s mode", form, mode)
	}
	if plan != nil && form != plan.SubjectForm {
		return fmt.Errorf("variant C reports subject form %q but stance plan fixes %q", form, plan.SubjectForm)
	}
	return nil
}

var subjectFormLookup = map[string]recipe.SubjectForm{
	"i": recipe.SubjectI, "je": recipe.SubjectI, "j'": recipe.SubjectI,
	"yo": recipe.SubjectI, "io": recipe.SubjectI, "ich": recipe.SubjectI, "eu": recipe.SubjectI,
	"we": recipe.SubjectWe, "nous": recipe.SubjectWe, "nosotros": recipe.SubjectWe,
	"nosotras": recipe.SubjectWe, "noi": recipe.SubjectWe, "wir": recipe.SubjectWe, "nós": recipe.SubjectWe,
	"you": recipe.SubjectYou, "tu": recipe.SubjectYou, "vous": recipe.SubjectYou,
	"tú": recipe.SubjectYou, "voi": recipe.SubjectYou, "du": recipe.SubjectYou, "você": recipe.SubjectYou,
	"he": recipe.SubjectThirdPerson, "she": recipe.SubjectThirdPerson, "they": recipe.SubjectThirdPerson,
	"il": recipe.SubjectThirdPerson, "elle": recipe.SubjectThirdPerson, "ils": recipe.SubjectThirdPerson,
	"elles": recipe.SubjectThirdPerson, "él": recipe.SubjectThirdPerson, "ella": recipe.SubjectThirdPerson,
	"ellos": recipe.SubjectThirdPerson, "lui": recipe.SubjectThirdPerson, "lei": recipe.SubjectThirdPerson,
	"er": recipe.SubjectThirdPerson, "sie": recipe.SubjectThirdPerson,
	"ele": recipe.SubjectThirdPerson, "ela": recipe.SubjectThirdPerson,
}

// ComputeSubjectForm derives the subject form from the text itself. The
// locally computed value is preferred over the model's self-report. Lines
// with no detectable personal subject are impersonal.
func ComputeSubjectForm(text, langHint string) recipe.SubjectForm {
	for _, tok := range textnorm.Tokenize(text) {
		if form, ok := subjectFormLookup[tok]; ok {
			return form
		}
	}
	return recipe.SubjectImpersonal
}
