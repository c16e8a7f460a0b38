// Package generator produces the three translation variants for one poem
// line through a single strict-JSON model call.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/verselab/triptych/internal/anchorcheck"
	"github.com/verselab/triptych/internal/job"
	"github.com/verselab/triptych/internal/llm"
	"github.com/verselab/triptych/internal/recipe"
)

// LineContext carries everything the prompt needs for one line.
type LineContext struct {
	Line       string
	PrevLine   string
	NextLine   string
	SourceLang string
	TargetLang string
	Poem       string
	Anchors    []anchorcheck.Anchor
	Bundle     *recipe.Bundle
	Mode       recipe.Mode
	Model      string // override; empty uses the generator default
}

// Result is the generated line with its three variants.
type Result struct {
	Variants  []job.VariantResult
	ModelUsed string
	// Degraded marks variants that failed validation and were replaced with
	// a conservative fallback.
	Degraded []recipe.Label
}

const variantsSchema = `{
	"type": "object",
	"required": ["variants"],
	"properties": {
		"variants": {
			"type": "array",
			"minItems": 3,
			"maxItems": 3,
			"items": {
				"type": "object",
				"required": ["label", "text"],
				"properties": {
					"label": {"enum": ["A", "B", "C"]},
					"text": {"type": "string"},
					"anchor_realizations": {"type": "object", "additionalProperties": {"type": "string"}},
					"image_shift_summary": {"type": "string"},
					"world_shift_summary": {"type": "string"},
					"subject_form_used": {"type": "string"}
				}
			}
		}
	}
}`

var compiledVariantsSchema = jsonschema.MustCompileString("line_variants.json", variantsSchema)

type wireVariant struct {
	Label              string            `json:"label"`
	Text               string            `json:"text"`
	AnchorRealizations map[string]string `json:"anchor_realizations,omitempty"`
	ImageShiftSummary  string            `json:"image_shift_summary,omitempty"`
	WorldShiftSummary  string            `json:"world_shift_summary,omitempty"`
	SubjectFormUsed    string            `json:"subject_form_used,omitempty"`
}

type wireLine struct {
	Variants []wireVariant `json:"variants"`
}

func parseVariantsJSON(text string) (*wireLine, error) {
	text = strings.TrimSpace(text)
	var anyDoc any
	if err := json.Unmarshal([]byte(text), &anyDoc); err != nil {
		return nil, err
	}
	if err := compiledVariantsSchema.Validate(anyDoc); err != nil {
		return nil, fmt.Errorf("line variants schema: %w", err)
	}
	var wl wireLine
	if err := json.Unmarshal([]byte(text), &wl); err != nil {
		return nil, err
	}
	return &wl, nil
}

// Generator is the per-line variant generator.
type Generator struct {
	client *llm.Client
	model  string
	logger zerolog.Logger
}

func New(client *llm.Client, model string, logger zerolog.Logger) *Generator {
	return &Generator{client: client, model: model, logger: logger}
}

// Generate runs the single generation call for a line and assembles the
// three variant results. A variant that fails its own field checks is
// replaced with a conservative fallback rather than failing the line.
func (g *Generator) Generate(ctx context.Context, lc LineContext) (Result, error) {
	model := strings.TrimSpace(lc.Model)
	if model == "" {
		model = g.model
	}

	var parsed *wireLine
	_, err := g.client.Call(ctx, llm.CallOptions{
		Model:           model,
		System:          lineSystemPrompt(lc),
		User:            lineUserPrompt(lc),
		ResponseFormat:  "json_object",
		MaxOutputTokens: 1500,
		ParseCallback: func(text string) error {
			wl, perr := parseVariantsJSON(text)
			if perr != nil {
				return perr
			}
			parsed = wl
			return nil
		},
	})
	if err != nil {
		return Result{}, err
	}

	byLabel := map[recipe.Label]wireVariant{}
	for _, wv := range parsed.Variants {
		byLabel[recipe.Label(wv.Label)] = wv
	}

	res := Result{ModelUsed: model}
	for _, l := range recipe.Labels {
		wv, ok := byLabel[l]
		v, bad := g.buildVariant(l, wv, ok, lc)
		if bad {
			res.Degraded = append(res.Degraded, l)
		}
		res.Variants = append(res.Variants, v)
	}
	return res, nil
}

// buildVariant converts one wire variant, substituting the fallback when the
// variant is missing or empty.
func (g *Generator) buildVariant(l recipe.Label, wv wireVariant, present bool, lc LineContext) (job.VariantResult, bool) {
	arch, _ := recipe.ArchetypeForLabel(l)
	if !present || strings.TrimSpace(wv.Text) == "" {
		g.logger.Debug().Str("label", string(l)).Msg("variant missing or empty, using fallback")
		return job.VariantResult{
			Label:     string(l),
			Text:      fallbackText(l, lc),
			Archetype: string(arch),
		}, true
	}
	v := job.VariantResult{
		Label:              string(l),
		Text:               strings.TrimSpace(wv.Text),
		Archetype:          string(arch),
		AnchorRealizations: wv.AnchorRealizations,
	}
	switch l {
	case recipe.LabelB:
		v.SelfReport.ImageShiftSummary = strings.TrimSpace(wv.ImageShiftSummary)
	case recipe.LabelC:
		v.SelfReport.WorldShiftSummary = strings.TrimSpace(wv.WorldShiftSummary)
		v.SelfReport.SubjectFormUsed = strings.TrimSpace(wv.SubjectFormUsed)
	}
	return v, false
}

// fallbackText is the conservative stand-in for a variant the model failed to
// produce. The essence-cut register is the safest for every label.
func fallbackText(l recipe.Label, lc LineContext) string {
	return strings.TrimSpace(lc.Line)
}

func lineSystemPrompt(lc LineContext) string {
	var b strings.Builder
	b.WriteString("You translate one line of a poem into ")
	b.WriteString(lc.TargetLang)
	b.WriteString(", producing three distinct variants labeled A, B, C.\n")
	for _, l := range recipe.Labels {
		if r, ok := lc.Bundle.RecipeFor(l); ok {
			fmt.Fprintf(&b, "%s (%s): %s\n", l, r.Archetype, r.Directive)
			if l == recipe.LabelC && r.StancePlan != nil {
				fmt.Fprintf(&b, "C speaks as %q for the whole poem.\n", r.StancePlan.SubjectForm)
			}
		}
	}
	b.WriteString(`Respond with one JSON object: {"variants":[{"label":"A","text":"..."},{"label":"B","text":"...","image_shift_summary":"..."},{"label":"C","text":"...","world_shift_summary":"...","subject_form_used":"..."}]}.`)
	if len(lc.Anchors) > 0 {
		b.WriteString("\nEach variant must include \"anchor_realizations\" mapping every anchor id to the words realizing it inside that variant's text.")
	}
	return b.String()
}

func lineUserPrompt(lc LineContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source language: %s\nTarget language: %s\n", lc.SourceLang, lc.TargetLang)
	if len(lc.Anchors) > 0 {
		b.WriteString("Semantic anchors:\n")
		for _, a := range lc.Anchors {
			fmt.Fprintf(&b, "- %s: %s\n", a.ID, a.ConceptEn)
		}
	}
	b.WriteString("\nFull poem for context:\n")
	b.WriteString(strings.TrimSpace(lc.Poem))
	b.WriteString("\n\n")
	if strings.TrimSpace(lc.PrevLine) != "" {
		fmt.Fprintf(&b, "Previous line: %s\n", lc.PrevLine)
	}
	fmt.Fprintf(&b, "Line to translate: %s\n", lc.Line)
	if strings.TrimSpace(lc.NextLine) != "" {
		fmt.Fprintf(&b, "Next line: %s\n", lc.NextLine)
	}
	return b.String()
}
