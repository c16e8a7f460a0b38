package gate

import (
	"strings"
	"testing"

	"github.com/verselab/triptych/internal/recipe"
)

func TestCheck_PassesDistinctVariants(t *testing.T) {
	r := Check(Input{
		Variants: [3]string{
			"The river holds the morning light",
			"Under a pale sky, water remembers",
			"We carry the current home with us",
		},
		TargetLang: "en",
		Mode:       recipe.ModeBalanced,
		SourceText: "河流记得早晨",
	})
	if !r.Pass {
		t.Fatalf("expected pass, got reason %q (worst %d)", r.Reason, r.WorstIndex)
	}
	if r.WorstIndex != -1 {
		t.Fatalf("pass result must have WorstIndex -1, got %d", r.WorstIndex)
	}
}

func TestCheck_SubjectOpenerCollision(t *testing.T) {
	in := Input{
		Variants: [3]string{
			"I walk the narrow road",
			"Je marche vers la mer",
			"The road keeps its silence forever tonight",
		},
		TargetLang: "en",
		Mode:       recipe.ModeBalanced,
	}
	r := Check(in)
	if r.Pass {
		t.Fatal("expected subject-opener failure")
	}
	if r.WorstIndex != 1 {
		t.Fatalf("worst = %d, want 1 (the duplicate)", r.WorstIndex)
	}
	if !strings.Contains(r.Reason, "subject opener") {
		t.Fatalf("reason = %q", r.Reason)
	}

	// Focused mode skips the check.
	in.Mode = recipe.ModeFocused
	if r := Check(in); !r.Pass {
		t.Fatalf("focused mode must skip subject-opener check, got %q", r.Reason)
	}
}

func TestCheck_OpeningBigramCollision(t *testing.T) {
	r := Check(Input{
		Variants: [3]string{
			"Silver river carries all the light away",
			"Silver river holds another kind of dawn",
			"Nothing here but wind over a bare hill",
		},
		TargetLang: "en",
		Mode:       recipe.ModeFocused, // bigram check applies to all modes
	})
	if r.Pass {
		t.Fatal("expected opening-bigram failure")
	}
	if !strings.Contains(r.Reason, "content bigram") {
		t.Fatalf("reason = %q", r.Reason)
	}
	if r.WorstIndex != 1 {
		t.Fatalf("worst = %d, want 1", r.WorstIndex)
	}
}

func TestCheck_OpeningBigram_ShortLinesExempt(t *testing.T) {
	r := Check(Input{
		Variants: [3]string{
			"Silver river sings",
			"Silver river waits",
			"A bare hill answers nothing to the wind",
		},
		TargetLang: "en",
		Mode:       recipe.ModeFocused,
	})
	// Under six tokens: the bigram check must not fire. (The short pair is
	// also below the Jaccard ceiling: {silver,river,sings} vs {silver,river,
	// waits} overlaps 2/4.)
	if !r.Pass {
		t.Fatalf("short lines must be exempt, got %q", r.Reason)
	}
}

func TestCheck_ComparisonMarkers_SharedMarker(t *testing.T) {
	r := Check(Input{
		Variants: [3]string{
			"Free like the wind over water tonight",
			"Loose like a kite above the harbor walls",
			"The wind answers to nobody at all here",
		},
		TargetLang: "en",
		Mode:       recipe.ModeAdventurous,
		SourceText: "像风一样",
	})
	if r.Pass {
		t.Fatal("expected shared-marker failure")
	}
	if !strings.Contains(r.Reason, "comparison marker") {
		t.Fatalf("reason = %q", r.Reason)
	}
}

func TestCheck_ComparisonMarkers_BudgetByMode(t *testing.T) {
	variants := [3]string{
		"Free like the wind over the water",
		"Loose as a kite above the harbor",
		"The wind answers to nobody at all",
	}
	// Source has a marker; two distinct markers used; adventurous allows one.
	r := Check(Input{Variants: variants, TargetLang: "en", Mode: recipe.ModeAdventurous, SourceText: "像风一样"})
	if r.Pass {
		t.Fatal("expected marker-budget failure in adventurous mode")
	}
	// Focused tolerates two of three.
	r = Check(Input{Variants: variants, TargetLang: "en", Mode: recipe.ModeFocused, SourceText: "像风一样"})
	if !r.Pass {
		t.Fatalf("focused must allow two markers, got %q", r.Reason)
	}
	// Without a source marker the budget does not apply.
	r = Check(Input{Variants: variants, TargetLang: "en", Mode: recipe.ModeAdventurous, SourceText: "自由自在"})
	if !r.Pass {
		t.Fatalf("no source marker: budget must not apply, got %q", r.Reason)
	}
}

func TestCheck_WalkVerbCollision(t *testing.T) {
	in := Input{
		Variants: [3]string{
			"We walk beneath the ruined arch",
			"You wander past the harbor wall",
			"The arch forgets its every name",
		},
		TargetLang: "en",
		Mode:       recipe.ModeBalanced,
	}
	r := Check(in)
	if r.Pass {
		t.Fatal("expected walk-verb failure")
	}
	if !strings.Contains(r.Reason, "walk-family") {
		t.Fatalf("reason = %q", r.Reason)
	}
	in.Mode = recipe.ModeFocused
	if r := Check(in); !r.Pass {
		t.Fatalf("focused mode must skip walk-verb check, got %q", r.Reason)
	}
}

func TestCheck_JaccardOverlap(t *testing.T) {
	r := Check(Input{
		Variants: [3]string{
			"the river holds the morning light",
			"the morning light holds the river still",
			"nothing here but wind and a bare hill",
		},
		TargetLang: "en",
		Mode:       recipe.ModeFocused,
	})
	if r.Pass {
		t.Fatal("expected jaccard failure")
	}
	if !strings.Contains(r.Reason, "overlap") {
		t.Fatalf("reason = %q", r.Reason)
	}
	if r.WorstIndex != 1 {
		t.Fatalf("worst = %d, want 1 (second of max pair)", r.WorstIndex)
	}
}

func TestCheck_IdenticalVariantsFail(t *testing.T) {
	v := "The river holds the morning light again"
	r := Check(Input{
		Variants:   [3]string{v, v, v},
		TargetLang: "en",
		Mode:       recipe.ModeBalanced,
	})
	if r.Pass {
		t.Fatal("three identical variants must fail")
	}
}
