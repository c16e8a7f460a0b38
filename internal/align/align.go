// Package align produces per-variant word alignments for translated lines.
// One model call covers all three variants of a line; when the call or its
// parse fails the line falls back to positional word pairing so display never
// blocks on alignment.
package align

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/verselab/triptych/internal/job"
	"github.com/verselab/triptych/internal/llm"
	"github.com/verselab/triptych/internal/queue"
	"github.com/verselab/triptych/internal/threadstate"
)

const alignmentSchema = `{
	"type": "object",
	"required": ["alignments"],
	"properties": {
		"alignments": {
			"type": "array",
			"minItems": 3,
			"maxItems": 3,
			"items": {
				"type": "object",
				"required": ["label", "words"],
				"properties": {
					"label": {"enum": ["A", "B", "C"]},
					"words": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["word"],
							"properties": {
								"word": {"type": "string", "minLength": 1},
								"source_indices": {"type": "array", "items": {"type": "integer", "minimum": 0}}
							}
						}
					}
				}
			}
		}
	}
}`

var compiledAlignmentSchema = jsonschema.MustCompileString("line_alignments.json", alignmentSchema)

type wireAlignment struct {
	Label string `json:"label"`
	Words []struct {
		Word          string `json:"word"`
		SourceIndices []int  `json:"source_indices"`
	} `json:"words"`
}

type wireAlignments struct {
	Alignments []wireAlignment `json:"alignments"`
}

func parseAlignmentsJSON(text string) (*wireAlignments, error) {
	text = strings.TrimSpace(text)
	var anyDoc any
	if err := json.Unmarshal([]byte(text), &anyDoc); err != nil {
		return nil, err
	}
	if err := compiledAlignmentSchema.Validate(anyDoc); err != nil {
		return nil, fmt.Errorf("line alignments schema: %w", err)
	}
	var wa wireAlignments
	if err := json.Unmarshal([]byte(text), &wa); err != nil {
		return nil, err
	}
	return &wa, nil
}

// Aligner runs alignment jobs against the thread store.
type Aligner struct {
	client *llm.Client
	states threadstate.Store
	model  string
	logger zerolog.Logger
}

func New(client *llm.Client, states threadstate.Store, model string, logger zerolog.Logger) *Aligner {
	return &Aligner{client: client, states: states, model: model, logger: logger}
}

// Process aligns one line. Lines that are not translated yet, or are already
// aligned, are skipped without error; a failed model call degrades to
// positional pairing instead of failing the job.
func (a *Aligner) Process(ctx context.Context, aj *queue.AlignmentJob) error {
	state, _, err := a.states.Load(ctx, aj.ThreadID)
	if err != nil {
		return err
	}
	chunk := state.Job.Chunks[aj.ChunkIndex]
	if chunk == nil {
		return fmt.Errorf("thread %s: chunk %d missing", aj.ThreadID, aj.ChunkIndex)
	}
	li := aj.LineIndex - chunk.LineOffset
	if li < 0 || li >= len(chunk.Lines) {
		a.logger.Debug().Str("thread", aj.ThreadID).Int("line", aj.LineIndex).Msg("alignment job for unstored line, skipping")
		return nil
	}
	line := chunk.Lines[li]
	if line.TranslationStatus != job.LineTranslated || line.AlignmentStatus != job.AlignPending {
		return nil
	}

	model := strings.TrimSpace(state.Job.GuidePreferences.TranslationModel)
	if model == "" {
		model = a.model
	}

	words, aerr := a.alignWithModel(ctx, model, line)
	if aerr != nil {
		a.logger.Warn().Str("thread", aj.ThreadID).Int("line", aj.LineIndex).Err(aerr).Msg("model alignment failed, using positional fallback")
		words = positionalAlignments(line)
	}

	_, err = threadstate.UpdateWithRetry(ctx, a.states, aj.ThreadID, func(st *threadstate.State) error {
		c := st.Job.Chunks[aj.ChunkIndex]
		if c == nil || li >= len(c.Lines) {
			return nil
		}
		l := &c.Lines[li]
		if l.AlignmentStatus != job.AlignPending {
			return nil
		}
		for vi := range l.Translations {
			if w, ok := words[l.Translations[vi].Label]; ok {
				l.Translations[vi].Words = w
			}
		}
		l.AlignmentStatus = job.AlignAligned
		return nil
	})
	return err
}

// alignWithModel makes the single batched call covering all three variants.
func (a *Aligner) alignWithModel(ctx context.Context, model string, line job.LineState) (map[string][]job.WordAlignment, error) {
	var parsed *wireAlignments
	_, err := a.client.Call(ctx, llm.CallOptions{
		Model:           model,
		System:          alignSystemPrompt(),
		User:            alignUserPrompt(line),
		ResponseFormat:  "json_object",
		MaxOutputTokens: 1200,
		ParseCallback: func(text string) error {
			wa, perr := parseAlignmentsJSON(text)
			if perr != nil {
				return perr
			}
			parsed = wa
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string][]job.WordAlignment, 3)
	for _, wa := range parsed.Alignments {
		words := make([]job.WordAlignment, 0, len(wa.Words))
		for _, w := range wa.Words {
			words = append(words, job.WordAlignment{Word: w.Word, SourceIndices: w.SourceIndices})
		}
		out[wa.Label] = words
	}
	for _, v := range line.Translations {
		if _, ok := out[v.Label]; !ok {
			return nil, fmt.Errorf("alignment response missing variant %s", v.Label)
		}
	}
	return out, nil
}

// positionalAlignments pairs target word i with source word i, clamping to
// the last source word when the variant runs longer than the source.
func positionalAlignments(line job.LineState) map[string][]job.WordAlignment {
	src := strings.Fields(line.OriginalText)
	out := make(map[string][]job.WordAlignment, len(line.Translations))
	for _, v := range line.Translations {
		tgt := strings.Fields(v.Text)
		words := make([]job.WordAlignment, 0, len(tgt))
		for i, w := range tgt {
			wa := job.WordAlignment{Word: w}
			if len(src) > 0 {
				idx := i
				if idx >= len(src) {
					idx = len(src) - 1
				}
				wa.SourceIndices = []int{idx}
			}
			words = append(words, wa)
		}
		out[v.Label] = words
	}
	return out
}

func alignSystemPrompt() string {
	return `You align words between a source poem line and its three translations labeled A, B, C.
For each translation list every word in order with the zero-based indices of the source words it renders.
A word with no source counterpart gets an empty index list.
Respond with one JSON object: {"alignments":[{"label":"A","words":[{"word":"...","source_indices":[0]}]},...]}.`
}

func alignUserPrompt(line job.LineState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source line: %s\n", line.OriginalText)
	b.WriteString("Source words:")
	for i, w := range strings.Fields(line.OriginalText) {
		fmt.Fprintf(&b, " %d:%s", i, w)
	}
	b.WriteString("\n\n")
	for _, v := range line.Translations {
		fmt.Fprintf(&b, "Variant %s: %s\n", v.Label, v.Text)
	}
	return b.String()
}
