package recipe

import "time"

// Static directives used when simplified prompts are enabled. One fixed
// directive per label; no LLM call and no generation lock.
var staticDirectives = map[Label]string{
	LabelA: "Cut to the essential image. Keep the line lean: concrete nouns, plain verbs, no ornament the source does not earn.",
	LabelB: "Refract the central image through one adjacent sense. Keep the emotional weight but let the picture shift.",
	LabelC: "Transpose the line into a shared world and voice. Hold the stance plan's subject form for the whole poem.",
}

// StaticBundle returns a fixed recipe bundle for the mode. The stance plan
// for C is derived deterministically from the context hash so repeated calls
// agree.
func StaticBundle(threadID string, m Mode, contextHash string, now time.Time) *Bundle {
	recipes := make([]Recipe, 0, len(Labels))
	for _, l := range Labels {
		arch, _ := ArchetypeForLabel(l)
		r := Recipe{
			Label:       l,
			Archetype:   arch,
			Directive:   staticDirectives[l],
			Unusualness: BudgetFor(arch, m),
			Mode:        m,
		}
		if l == LabelC {
			r.StancePlan = DeriveStancePlan(contextHash, m)
		}
		recipes = append(recipes, r)
	}
	return &Bundle{
		ThreadID:    threadID,
		Mode:        m,
		ContextHash: contextHash,
		Recipes:     recipes,
		CreatedAt:   now.UTC(),
		ModelUsed:   "static",
	}
}
