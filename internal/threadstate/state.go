// Package threadstate stores the per-thread JSON document that holds the
// poem, the user's guide answers, cached recipe bundles, and the translation
// job. Writes go through optimistic concurrency on a version counter.
package threadstate

import (
	"github.com/verselab/triptych/internal/anchorcheck"
	"github.com/verselab/triptych/internal/job"
	"github.com/verselab/triptych/internal/recipe"
)

// Stanza is one parsed stanza of the poem.
type Stanza struct {
	Index int      `json:"index"`
	Lines []string `json:"lines"`
}

// PoemStanzas records how the poem was segmented.
type PoemStanzas struct {
	Stanzas         []Stanza `json:"stanzas"`
	TotalStanzas    int      `json:"totalStanzas"`
	DetectionMethod string   `json:"detectionMethod"` // local|ai|fallback
}

// GuideAnswers are the workshop answers captured before translation starts.
type GuideAnswers struct {
	TranslationIntent    string         `json:"translationIntent,omitempty"`
	TranslationZone      string         `json:"translationZone,omitempty"`
	TranslationRangeMode string         `json:"translationRangeMode,omitempty"`
	TargetLanguage       TargetLanguage `json:"targetLanguage"`
	TranslationModel     string         `json:"translationModel,omitempty"`
	TranslationMethod    string         `json:"translationMethod,omitempty"`
}

// TargetLanguage names the language and optional regional variety.
type TargetLanguage struct {
	Lang    string `json:"lang"`
	Variety string `json:"variety,omitempty"`
}

// PoemAnalysis holds the detected source language and, when the analysis
// step produced them, the poem-level semantic anchors.
type PoemAnalysis struct {
	Language string               `json:"language,omitempty"`
	Anchors  []anchorcheck.Anchor `json:"anchors,omitempty"`
}

// State is the thread document at chat_threads.state.
type State struct {
	RawPoem      string                          `json:"raw_poem,omitempty"`
	PoemStanzas  *PoemStanzas                    `json:"poem_stanzas,omitempty"`
	GuideAnswers GuideAnswers                    `json:"guide_answers"`
	PoemAnalysis PoemAnalysis                    `json:"poem_analysis"`
	RecipesV3    map[recipe.Mode]*recipe.Bundle  `json:"variant_recipes_v3,omitempty"`
	RecipesV2    *recipe.Bundle                  `json:"variant_recipes_v2,omitempty"` // legacy, migrated on read
	Job          *job.Job                        `json:"translation_job,omitempty"`
}

// ContextInputs assembles the recipe cache-key inputs from the document.
func (s *State) ContextInputs() recipe.ContextInputs {
	return recipe.ContextInputs{
		TranslationIntent: s.GuideAnswers.TranslationIntent,
		TranslationZone:   s.GuideAnswers.TranslationZone,
		SourceLanguage:    s.PoemAnalysis.Language,
		TargetLanguage:    s.GuideAnswers.TargetLanguage.Lang,
		PoemText:          s.RawPoem,
	}
}

// Mode returns the translation zone as a recipe mode.
func (s *State) Mode() recipe.Mode {
	return recipe.ParseMode(s.GuideAnswers.TranslationZone)
}
