package anchorcheck

import (
	"strings"
	"testing"

	"github.com/verselab/triptych/internal/job"
	"github.com/verselab/triptych/internal/recipe"
)

func anchors(ids ...string) []Anchor {
	out := make([]Anchor, 0, len(ids))
	for _, id := range ids {
		out = append(out, Anchor{ID: id, ConceptEn: strings.ToLower(id)})
	}
	return out
}

func TestValidateAnchors(t *testing.T) {
	if err := ValidateAnchors(anchors("RIVER", "MORNING_LIGHT")); err != nil {
		t.Fatalf("valid anchors rejected: %v", err)
	}
	if err := ValidateAnchors(anchors("RIVER")); err == nil {
		t.Fatal("expected error for too few anchors")
	}
	if err := ValidateAnchors(anchors("A1", "B2", "C3", "D4", "E5", "F6", "G7", "H8", "I9")); err == nil {
		t.Fatal("expected error for too many anchors")
	}
	if err := ValidateAnchors(anchors("river", "LIGHT")); err == nil {
		t.Fatal("expected error for lowercase id")
	}
	if err := ValidateAnchors(anchors("RIVER", "RIVER")); err == nil {
		t.Fatal("expected error for duplicate id")
	}
	if err := ValidateAnchors([]Anchor{{ID: "BAD_SNAKE_", ConceptEn: "x"}, {ID: "OK", ConceptEn: "y"}}); err == nil {
		t.Fatal("expected error for trailing underscore")
	}
	if err := ValidateAnchors([]Anchor{{ID: "SPEAKER", ConceptEn: "narrator"}, {ID: "RIVER", ConceptEn: "river"}}); err == nil {
		t.Fatal("expected error for person-marker concept")
	}
}

func TestValidateRealizations(t *testing.T) {
	as := anchors("RIVER", "LIGHT")
	v := job.VariantResult{
		Label: "A",
		Text:  "The river holds the morning light",
		AnchorRealizations: map[string]string{
			"RIVER": "river",
			"LIGHT": "morning light",
		},
	}
	if err := ValidateRealizations(v, as, "en"); err != nil {
		t.Fatalf("valid realizations rejected: %v", err)
	}

	missing := v
	missing.AnchorRealizations = map[string]string{"RIVER": "river"}
	if err := ValidateRealizations(missing, as, "en"); err == nil {
		t.Fatal("expected error for missing realization")
	}

	absent := v
	absent.AnchorRealizations = map[string]string{"RIVER": "river", "LIGHT": "lantern"}
	if err := ValidateRealizations(absent, as, "en"); err == nil {
		t.Fatal("expected error for realization not in text")
	}

	stopword := v
	stopword.Text = "The river holds the morning light"
	stopword.AnchorRealizations = map[string]string{"RIVER": "the", "LIGHT": "light"}
	if err := ValidateRealizations(stopword, as, "en"); err == nil {
		t.Fatal("expected error for stopword-only realization")
	}

	empty := v
	empty.AnchorRealizations = map[string]string{"RIVER": "  ", "LIGHT": "light"}
	if err := ValidateRealizations(empty, as, "en"); err == nil {
		t.Fatal("expected error for blank realization")
	}
}

func TestValidateRealizations_NormalizedContainment(t *testing.T) {
	as := anchors("WIND", "FIELD")
	v := job.VariantResult{
		Label: "B",
		Text:  "Wind—swept, the field won’t yield",
		AnchorRealizations: map[string]string{
			"WIND":  "Wind swept",
			"FIELD": "field won't",
		},
	}
	if err := ValidateRealizations(v, as, "en"); err != nil {
		t.Fatalf("normalized containment failed: %v", err)
	}
}

func TestValidateRealizations_ShortExemptions(t *testing.T) {
	as := anchors("YEAR_NUM", "RIVER")
	v := job.VariantResult{
		Label: "A",
		Text:  "In year 7 the river froze",
		AnchorRealizations: map[string]string{
			"YEAR_NUM": "7",
			"RIVER":    "river",
		},
	}
	if err := ValidateRealizations(v, as, "en"); err != nil {
		t.Fatalf("digit realization must be exempt from length rule: %v", err)
	}
}

func TestValidateImageShift(t *testing.T) {
	as := anchors("RIVER", "LIGHT")
	ok := job.VariantResult{
		Label:      "B",
		SelfReport: job.SelfReport{ImageShiftSummary: "RIVER becomes a slow mirror; LIGHT cools to pewter"},
	}
	if err := ValidateImageShift(ok, as); err != nil {
		t.Fatalf("valid summary rejected: %v", err)
	}

	short := job.VariantResult{SelfReport: job.SelfReport{ImageShiftSummary: "RIVER ok"}}
	if err := ValidateImageShift(short, as); err == nil {
		t.Fatal("expected error for short summary")
	}

	vague := job.VariantResult{SelfReport: job.SelfReport{ImageShiftSummary: "Made RIVER feel more poetic overall"}}
	if err := ValidateImageShift(vague, as); err == nil {
		t.Fatal("expected error for vague summary")
	}

	noAnchor := job.VariantResult{SelfReport: job.SelfReport{ImageShiftSummary: "the water becomes a slow mirror at dusk"}}
	if err := ValidateImageShift(noAnchor, as); err == nil {
		t.Fatal("expected error for summary naming no anchor")
	}
}

func TestValidateWorldShift(t *testing.T) {
	plan := &recipe.StancePlan{SubjectForm: recipe.SubjectWe}
	ok := job.VariantResult{
		Label:      "C",
		SelfReport: job.SelfReport{WorldShiftSummary: "spoken from a village chorus", SubjectFormUsed: "we"},
	}
	if err := ValidateWorldShift(ok, recipe.ModeBalanced, plan); err != nil {
		t.Fatalf("valid world shift rejected: %v", err)
	}

	missing := job.VariantResult{SelfReport: job.SelfReport{SubjectFormUsed: "we"}}
	if err := ValidateWorldShift(missing, recipe.ModeBalanced, plan); err == nil {
		t.Fatal("expected error for missing summary")
	}

	forbidden := job.VariantResult{SelfReport: job.SelfReport{WorldShiftSummary: "x y z", SubjectFormUsed: "i"}}
	if err := ValidateWorldShift(forbidden, recipe.ModeBalanced, nil); err == nil {
		t.Fatal("expected error for i in balanced mode")
	}
	if err := ValidateWorldShift(forbidden, recipe.ModeFocused, nil); err != nil {
		t.Fatalf("i must be allowed in focused mode without a plan: %v", err)
	}

	mismatch := job.VariantResult{SelfReport: job.SelfReport{WorldShiftSummary: "x y z", SubjectFormUsed: "you"}}
	if err := ValidateWorldShift(mismatch, recipe.ModeBalanced, plan); err == nil {
		t.Fatal("expected error for plan mismatch")
	}

	unknown := job.VariantResult{SelfReport: job.SelfReport{WorldShiftSummary: "x y z", SubjectFormUsed: "chorus"}}
	if err := ValidateWorldShift(unknown, recipe.ModeBalanced, nil); err == nil {
		t.Fatal("expected error for unrecognized form")
	}
}

func TestComputeSubjectForm(t *testing.T) {
	cases := []struct {
		text string
		want recipe.SubjectForm
	}{
		{"We walk the shore", recipe.SubjectWe},
		{"I remember the rain", recipe.SubjectI},
		{"You carry the lantern", recipe.SubjectYou},
		{"She waits by the door", recipe.SubjectThirdPerson},
		{"The stones keep their own counsel", recipe.SubjectImpersonal},
		{"Nous marchons ensemble", recipe.SubjectWe},
	}
	for _, tc := range cases {
		if got := ComputeSubjectForm(tc.text, "en"); got != tc.want {
			t.Errorf("ComputeSubjectForm(%q) = %s, want %s", tc.text, got, tc.want)
		}
	}
}
