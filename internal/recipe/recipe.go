// Package recipe defines the artistic identity assigned to each of the three
// translation variants of a poem: archetypes, lenses, stance plans, and the
// per-mode recipe bundles cached for the lifetime of a thread.
package recipe

import (
	"fmt"
	"strings"
	"time"
)

// SchemaVersion participates in the context hash; bump it whenever the
// recipe prompt or shape changes so stale cached bundles are regenerated.
const SchemaVersion = "v3"

// Mode is the translation zone selected by the user.
type Mode string

const (
	ModeFocused     Mode = "focused"
	ModeBalanced    Mode = "balanced"
	ModeAdventurous Mode = "adventurous"
)

// ParseMode normalizes a mode string, defaulting to balanced.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeFocused:
		return ModeFocused
	case ModeAdventurous:
		return ModeAdventurous
	default:
		return ModeBalanced
	}
}

// Label identifies one of the three variants of a line.
type Label string

const (
	LabelA Label = "A"
	LabelB Label = "B"
	LabelC Label = "C"
)

// Labels lists the variant labels in order.
var Labels = []Label{LabelA, LabelB, LabelC}

// Archetype is the fixed artistic identity of a label.
type Archetype string

const (
	ArchetypeEssenceCut             Archetype = "essence_cut"
	ArchetypePrismaticReimagining   Archetype = "prismatic_reimagining"
	ArchetypeWorldVoiceTransposition Archetype = "world_voice_transposition"
)

// ArchetypeForLabel is the fixed label-to-archetype assignment.
func ArchetypeForLabel(l Label) (Archetype, error) {
	switch l {
	case LabelA:
		return ArchetypeEssenceCut, nil
	case LabelB:
		return ArchetypePrismaticReimagining, nil
	case LabelC:
		return ArchetypeWorldVoiceTransposition, nil
	default:
		return "", fmt.Errorf("unknown variant label %q", string(l))
	}
}

// UnusualnessBudget bounds how far a recipe may push imagery and syntax away
// from the literal source.
type UnusualnessBudget string

const (
	UnusualnessLow    UnusualnessBudget = "low"
	UnusualnessMedium UnusualnessBudget = "medium"
	UnusualnessHigh   UnusualnessBudget = "high"
)

// budgetTable is the flat archetype x mode lookup for the allowed budget.
var budgetTable = map[Archetype]map[Mode]UnusualnessBudget{
	ArchetypeEssenceCut: {
		ModeFocused: UnusualnessLow, ModeBalanced: UnusualnessLow, ModeAdventurous: UnusualnessMedium,
	},
	ArchetypePrismaticReimagining: {
		ModeFocused: UnusualnessLow, ModeBalanced: UnusualnessMedium, ModeAdventurous: UnusualnessHigh,
	},
	ArchetypeWorldVoiceTransposition: {
		ModeFocused: UnusualnessMedium, ModeBalanced: UnusualnessMedium, ModeAdventurous: UnusualnessHigh,
	},
}

// BudgetFor returns the unusualness budget allowed for an archetype in a
// mode.
func BudgetFor(a Archetype, m Mode) UnusualnessBudget {
	if row, ok := budgetTable[a]; ok {
		if b, ok := row[m]; ok {
			return b
		}
	}
	return UnusualnessLow
}

// Lens is the five-axis artistic profile of a recipe. Axes are short free
// strings produced by the recipe generator ("spare", "ornate", ...).
type Lens struct {
	Imagery  string `json:"imagery"`
	Register string `json:"register"`
	Syntax   string `json:"syntax"`
	Sound    string `json:"sound"`
	Distance string `json:"distance"`
}

// SubjectForm is the grammatical person variant C speaks in.
type SubjectForm string

const (
	SubjectWe          SubjectForm = "we"
	SubjectYou         SubjectForm = "you"
	SubjectThirdPerson SubjectForm = "third_person"
	SubjectImpersonal  SubjectForm = "impersonal"
	SubjectI           SubjectForm = "i"
)

// ValidSubjectForm reports whether s is one of the five recognized forms.
func ValidSubjectForm(s SubjectForm) bool {
	switch s {
	case SubjectWe, SubjectYou, SubjectThirdPerson, SubjectImpersonal, SubjectI:
		return true
	}
	return false
}

// SubjectFormAllowed reports whether a subject form may be used in a mode.
// First person singular is forbidden outside focused mode.
func SubjectFormAllowed(s SubjectForm, m Mode) bool {
	if !ValidSubjectForm(s) {
		return false
	}
	if s == SubjectI && m != ModeFocused {
		return false
	}
	return true
}

// StancePlan fixes variant C's voice for the whole poem.
type StancePlan struct {
	SubjectForm   SubjectForm `json:"subject_form"`
	WorldFrame    string      `json:"world_frame,omitempty"`
	RegisterShift string      `json:"register_shift,omitempty"`
}

// Recipe guides one variant's artistic identity for a whole poem.
type Recipe struct {
	Label       Label             `json:"label"`
	Archetype   Archetype         `json:"archetype,omitempty"`
	Lens        *Lens             `json:"lens,omitempty"`
	Directive   string            `json:"directive"`
	Unusualness UnusualnessBudget `json:"unusualness_budget"`
	Mode        Mode              `json:"mode"`
	StancePlan  *StancePlan       `json:"stance_plan,omitempty"` // C only
}

// MaxDirectiveLen bounds a recipe directive.
const MaxDirectiveLen = 200

// Bundle is the cached set of three recipes for one thread and mode.
type Bundle struct {
	ThreadID    string    `json:"thread_id"`
	Mode        Mode      `json:"mode"`
	ContextHash string    `json:"context_hash"`
	Recipes     []Recipe  `json:"recipes"` // A, B, C in order
	CreatedAt   time.Time `json:"created_at"`
	ModelUsed   string    `json:"model_used"`
}

// Validate checks bundle shape: three recipes labeled A/B/C in order, the
// fixed archetype per label, directives within bounds, and a stance plan on
// C that the bundle's mode permits.
func (b *Bundle) Validate() error {
	if b == nil {
		return fmt.Errorf("nil recipe bundle")
	}
	if len(b.Recipes) != len(Labels) {
		return fmt.Errorf("recipe bundle has %d recipes, want %d", len(b.Recipes), len(Labels))
	}
	for i, want := range Labels {
		r := b.Recipes[i]
		if r.Label != want {
			return fmt.Errorf("recipe %d labeled %q, want %q", i, r.Label, want)
		}
		arch, err := ArchetypeForLabel(want)
		if err != nil {
			return err
		}
		if r.Archetype != "" && r.Archetype != arch {
			return fmt.Errorf("recipe %s archetype %q, want %q", want, r.Archetype, arch)
		}
		if strings.TrimSpace(r.Directive) == "" {
			return fmt.Errorf("recipe %s has empty directive", want)
		}
		if len(r.Directive) > MaxDirectiveLen {
			return fmt.Errorf("recipe %s directive exceeds %d chars", want, MaxDirectiveLen)
		}
	}
	c := b.Recipes[2]
	if c.StancePlan != nil {
		if !ValidSubjectForm(c.StancePlan.SubjectForm) {
			return fmt.Errorf("recipe C stance plan has invalid subject form %q", c.StancePlan.SubjectForm)
		}
		if !SubjectFormAllowed(c.StancePlan.SubjectForm, b.Mode) {
			return fmt.Errorf("recipe C subject form %q is forbidden in %s mode", c.StancePlan.SubjectForm, b.Mode)
		}
	}
	return nil
}

// RecipeFor returns the recipe for a label from the bundle.
func (b *Bundle) RecipeFor(l Label) (Recipe, bool) {
	if b == nil {
		return Recipe{}, false
	}
	for _, r := range b.Recipes {
		if r.Label == l {
			return r, true
		}
	}
	return Recipe{}, false
}
