package recipecache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/verselab/triptych/internal/llm"
	"github.com/verselab/triptych/internal/recipe"
	"github.com/verselab/triptych/internal/threadstate"
)

// bundleSchema validates the shape of the model's recipe JSON before any
// field-level enforcement runs.
const bundleSchema = `{
	"type": "object",
	"required": ["recipes"],
	"properties": {
		"recipes": {
			"type": "array",
			"minItems": 3,
			"maxItems": 3,
			"items": {
				"type": "object",
				"required": ["label", "directive"],
				"properties": {
					"label": {"enum": ["A", "B", "C"]},
					"directive": {"type": "string", "minLength": 1, "maxLength": 200},
					"lens": {
						"type": "object",
						"properties": {
							"imagery": {"type": "string"},
							"register": {"type": "string"},
							"syntax": {"type": "string"},
							"sound": {"type": "string"},
							"distance": {"type": "string"}
						}
					},
					"stance_plan": {
						"type": "object",
						"properties": {
							"subject_form": {"type": "string"},
							"world_frame": {"type": "string"},
							"register_shift": {"type": "string"}
						}
					}
				}
			}
		}
	}
}`

var compiledBundleSchema = jsonschema.MustCompileString("recipe_bundle.json", bundleSchema)

// LLMGenerator produces recipe bundles through the configured model.
type LLMGenerator struct {
	client *llm.Client
	model  string
}

func NewLLMGenerator(client *llm.Client, model string) *LLMGenerator {
	return &LLMGenerator{client: client, model: model}
}

type wireRecipe struct {
	Label      string             `json:"label"`
	Directive  string             `json:"directive"`
	Lens       *recipe.Lens       `json:"lens,omitempty"`
	StancePlan *recipe.StancePlan `json:"stance_plan,omitempty"`
}

type wireBundle struct {
	Recipes []wireRecipe `json:"recipes"`
}

func parseBundleJSON(text string) (*wireBundle, error) {
	text = strings.TrimSpace(text)
	var anyDoc any
	if err := json.Unmarshal([]byte(text), &anyDoc); err != nil {
		return nil, err
	}
	if err := compiledBundleSchema.Validate(anyDoc); err != nil {
		return nil, fmt.Errorf("recipe bundle schema: %w", err)
	}
	var wb wireBundle
	if err := json.Unmarshal([]byte(text), &wb); err != nil {
		return nil, err
	}
	return &wb, nil
}

// Generate asks the model for three recipes, then enforces the parts the
// model is not trusted with: archetype per label, the unusualness budget, and
// a mode-legal stance plan on C.
func (g *LLMGenerator) Generate(ctx context.Context, state *threadstate.State, mode recipe.Mode, contextHash string) (*recipe.Bundle, error) {
	var parsed *wireBundle
	_, err := g.client.Call(ctx, llm.CallOptions{
		Model:           g.model,
		System:          recipeSystemPrompt,
		User:            recipeUserPrompt(state, mode),
		ResponseFormat:  "json_object",
		MaxOutputTokens: 1200,
		ParseCallback: func(text string) error {
			wb, perr := parseBundleJSON(text)
			if perr != nil {
				return perr
			}
			parsed = wb
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	byLabel := map[recipe.Label]wireRecipe{}
	for _, wr := range parsed.Recipes {
		byLabel[recipe.Label(wr.Label)] = wr
	}

	recipes := make([]recipe.Recipe, 0, len(recipe.Labels))
	for _, l := range recipe.Labels {
		wr, ok := byLabel[l]
		if !ok {
			return nil, &llm.ValidationError{Message: fmt.Sprintf("recipe bundle missing label %s", l)}
		}
		arch, err := recipe.ArchetypeForLabel(l)
		if err != nil {
			return nil, err
		}
		r := recipe.Recipe{
			Label:       l,
			Archetype:   arch,
			Lens:        wr.Lens,
			Directive:   strings.TrimSpace(wr.Directive),
			Unusualness: recipe.BudgetFor(arch, mode),
			Mode:        mode,
		}
		if l == recipe.LabelC {
			plan := wr.StancePlan
			if plan == nil || !recipe.SubjectFormAllowed(plan.SubjectForm, mode) {
				plan = recipe.DeriveStancePlan(contextHash, mode)
			}
			r.StancePlan = plan
		}
		recipes = append(recipes, r)
	}

	return &recipe.Bundle{
		Mode:        mode,
		ContextHash: contextHash,
		Recipes:     recipes,
		CreatedAt:   timeNow().UTC(),
		ModelUsed:   g.model,
	}, nil
}

const recipeSystemPrompt = `You are a poetry translation director. You design three distinct artistic recipes, one per variant label:
A (essence_cut): distill the line to its essential image, spare and literal.
B (prismatic_reimagining): refract the imagery, keep the emotional core.
C (world_voice_transposition): transpose the poem into a coherent other world and voice.
Respond with a single JSON object: {"recipes":[{"label":"A","directive":"...","lens":{"imagery":"...","register":"...","syntax":"...","sound":"...","distance":"..."}}, ...]}.
Each directive is one actionable sentence under 200 characters. For C, include "stance_plan" with "subject_form" (we, you, third_person, or impersonal), and optionally "world_frame" and "register_shift".`

func recipeUserPrompt(state *threadstate.State, mode recipe.Mode) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Translation zone: %s\n", mode)
	if intent := strings.TrimSpace(state.GuideAnswers.TranslationIntent); intent != "" {
		fmt.Fprintf(&b, "Translator's intent: %s\n", intent)
	}
	if src := strings.TrimSpace(state.PoemAnalysis.Language); src != "" {
		fmt.Fprintf(&b, "Source language: %s\n", src)
	}
	fmt.Fprintf(&b, "Target language: %s", state.GuideAnswers.TargetLanguage.Lang)
	if v := strings.TrimSpace(state.GuideAnswers.TargetLanguage.Variety); v != "" {
		fmt.Fprintf(&b, " (%s)", v)
	}
	b.WriteString("\n\nPoem:\n")
	b.WriteString(strings.TrimSpace(state.RawPoem))
	b.WriteString("\n\nDesign the three recipes for this poem.")
	return b.String()
}
