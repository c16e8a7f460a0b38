// Package regen replaces the worst variant of a line after a diversity gate
// failure. It fans out K candidate generations, filters them against hard
// constraints derived from the gate reason, and keeps the candidate least
// similar to the two fixed variants.
package regen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"github.com/verselab/triptych/internal/anchorcheck"
	"github.com/verselab/triptych/internal/gate"
	"github.com/verselab/triptych/internal/job"
	"github.com/verselab/triptych/internal/llm"
	"github.com/verselab/triptych/internal/recipe"
	"github.com/verselab/triptych/internal/structural"
	"github.com/verselab/triptych/internal/textnorm"
)

// for testing purposes
var timeNow = time.Now

// Input is the full regeneration context for one line.
type Input struct {
	Variants   []job.VariantResult // the three gate-checked variants
	WorstIndex int                 // index of the variant to replace

	Line       string
	PrevLine   string
	NextLine   string
	SourceLang string
	TargetLang string
	Mode       recipe.Mode
	Bundle     *recipe.Bundle
	Anchors    []anchorcheck.Anchor
	GateReason string

	Model           string
	K               int
	Concurrency     int
	MaxOutputTokens int
	// UseN collapses the fan-out into one n=K call for models that support
	// multi-candidate sampling.
	UseN bool
	// Deadline is the tick budget. Zero means unbounded. It gates starting
	// another batch; calls already in flight always run to completion.
	Deadline time.Time
}

// Output is the replacement variant and how it was obtained.
type Output struct {
	Variant    job.VariantResult
	Degraded   bool
	Candidates int
}

const candidateSchema = `{
	"type": "object",
	"required": ["text"],
	"properties": {
		"text": {"type": "string", "minLength": 1},
		"anchor_realizations": {"type": "object", "additionalProperties": {"type": "string"}},
		"image_shift_summary": {"type": "string"},
		"world_shift_summary": {"type": "string"},
		"subject_form_used": {"type": "string"}
	}
}`

var compiledCandidateSchema = jsonschema.MustCompileString("regen_candidate.json", candidateSchema)

type wireCandidate struct {
	Text               string            `json:"text"`
	AnchorRealizations map[string]string `json:"anchor_realizations,omitempty"`
	ImageShiftSummary  string            `json:"image_shift_summary,omitempty"`
	WorldShiftSummary  string            `json:"world_shift_summary,omitempty"`
	SubjectFormUsed    string            `json:"subject_form_used,omitempty"`
}

func parseCandidateJSON(text string) (*wireCandidate, error) {
	text = strings.TrimSpace(text)
	var anyDoc any
	if err := json.Unmarshal([]byte(text), &anyDoc); err != nil {
		return nil, err
	}
	if err := compiledCandidateSchema.Validate(anyDoc); err != nil {
		return nil, fmt.Errorf("regen candidate schema: %w", err)
	}
	var wc wireCandidate
	if err := json.Unmarshal([]byte(text), &wc); err != nil {
		return nil, err
	}
	return &wc, nil
}

// Regenerator drives candidate fan-out for failed lines.
type Regenerator struct {
	client *llm.Client
	logger zerolog.Logger
}

func New(client *llm.Client, logger zerolog.Logger) *Regenerator {
	return &Regenerator{client: client, logger: logger}
}

// Regenerate produces the replacement for the worst variant. Between
// candidate batches the tick deadline is checked and a partial candidate set
// is used when time runs out; no timeout is imposed on individual calls.
func (r *Regenerator) Regenerate(ctx context.Context, in Input) (Output, error) {
	if in.WorstIndex < 0 || in.WorstIndex >= len(in.Variants) {
		return Output{}, fmt.Errorf("regen worst index %d out of range", in.WorstIndex)
	}
	if in.K < 1 {
		in.K = 1
	}
	if in.Concurrency < 1 {
		in.Concurrency = 1
	}
	if in.Concurrency > in.K {
		in.Concurrency = in.K
	}

	fixed := fixedVariants(in)
	plan := buildPlan(in, fixed)

	candidates, interrupted, err := r.generateCandidates(ctx, in, plan)
	if err != nil {
		return Output{}, err
	}
	if len(candidates) == 0 {
		if interrupted {
			// Nothing generated before the deadline; keep the original and
			// let the next tick retry.
			return Output{Variant: in.Variants[in.WorstIndex], Degraded: true}, nil
		}
		return Output{}, &llm.ValidationError{Message: "regeneration produced no parseable candidates"}
	}

	chosen, degraded := selectCandidate(candidates, fixed, plan, in)
	chosen = finalizeVariant(chosen, in)
	return Output{
		Variant:    chosen,
		Degraded:   degraded || interrupted,
		Candidates: len(candidates),
	}, nil
}

func fixedVariants(in Input) []job.VariantResult {
	fixed := make([]job.VariantResult, 0, 2)
	for i, v := range in.Variants {
		if i != in.WorstIndex {
			fixed = append(fixed, v)
		}
	}
	return fixed
}

// plan is the per-regeneration constraint set derived from the gate reason
// and the fixed variants.
type plan struct {
	desiredOpener   structural.OpenerType
	fixedOpeners    map[structural.OpenerType]struct{}
	fixedSignatures map[string]struct{}
	bannedOpenings  map[string]struct{}
	avoidWalkVerbs  bool
	avoidMarkers    bool
	varyOpening     bool
	varyVocabulary  bool
}

var openerPriority = []structural.OpenerType{
	structural.OpenerPrep,
	structural.OpenerNounPhrase,
	structural.OpenerOther,
	structural.OpenerPron,
}

func buildPlan(in Input, fixed []job.VariantResult) plan {
	p := plan{
		fixedOpeners:    map[structural.OpenerType]struct{}{},
		fixedSignatures: map[string]struct{}{},
		bannedOpenings:  map[string]struct{}{},
	}
	for _, v := range fixed {
		p.fixedOpeners[structural.Opener(v.Text, in.TargetLang)] = struct{}{}
		p.fixedSignatures[structural.Signature(v.Text, in.TargetLang)] = struct{}{}
		tokens := textnorm.ContentTokens(v.Text, in.TargetLang)
		for i := 0; i < len(tokens) && i < 3; i++ {
			p.bannedOpenings[tokens[i]] = struct{}{}
		}
	}
	for _, o := range openerPriority {
		if _, used := p.fixedOpeners[o]; !used {
			p.desiredOpener = o
			break
		}
	}

	reason := strings.ToLower(in.GateReason)
	p.avoidWalkVerbs = strings.Contains(reason, "walk")
	p.avoidMarkers = strings.Contains(reason, "marker") || strings.Contains(reason, "comparison")
	p.varyOpening = strings.Contains(reason, "opener") || strings.Contains(reason, "subject") || strings.Contains(reason, "bigram")
	p.varyVocabulary = strings.Contains(reason, "overlap") || strings.Contains(reason, "jaccard") || strings.Contains(reason, "similar")
	return p
}

// generateCandidates runs the fan-out. With UseN a single call carries n=K;
// otherwise calls run in batches bounded by the concurrency limit, checking
// the deadline between batches.
func (r *Regenerator) generateCandidates(ctx context.Context, in Input, p plan) ([]wireCandidate, bool, error) {
	opts := llm.CallOptions{
		Model:           in.Model,
		System:          regenSystemPrompt(in, p),
		User:            regenUserPrompt(in, p),
		ResponseFormat:  "json_object",
		MaxOutputTokens: in.MaxOutputTokens,
	}

	if in.UseN {
		var candidates []wireCandidate
		opts.N = in.K
		resp, err := r.client.Call(ctx, opts)
		if err != nil {
			return nil, false, err
		}
		texts := resp.Candidates
		if len(texts) == 0 {
			texts = []string{resp.Text}
		}
		for _, t := range texts {
			if wc, perr := parseCandidateJSON(t); perr == nil {
				candidates = append(candidates, *wc)
			}
		}
		if len(candidates) == 0 {
			return nil, false, &llm.ValidationError{Message: "no parseable candidates in n-sampled response"}
		}
		return candidates, false, nil
	}

	var candidates []wireCandidate
	remaining := in.K
	interrupted := false
	for remaining > 0 {
		if deadlineExceeded(ctx, in.Deadline) {
			interrupted = true
			break
		}
		batch := in.Concurrency
		if batch > remaining {
			batch = remaining
		}
		results := make([]*wireCandidate, batch)
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < batch; i++ {
			g.Go(func() error {
				resp, err := r.client.Call(gctx, opts)
				if err != nil {
					return err
				}
				wc, perr := parseCandidateJSON(resp.Text)
				if perr != nil {
					// A single unparseable candidate is dropped, not fatal.
					r.logger.Debug().Err(perr).Msg("dropping unparseable regen candidate")
					return nil
				}
				results[i] = wc
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if len(candidates) > 0 {
				interrupted = true
				break
			}
			return nil, false, err
		}
		for _, wc := range results {
			if wc != nil {
				candidates = append(candidates, *wc)
			}
		}
		remaining -= batch
	}
	return candidates, interrupted, nil
}

// deadlineExceeded reports whether the tick budget is spent, so no further
// batch should start.
func deadlineExceeded(ctx context.Context, deadline time.Time) bool {
	if ctx.Err() != nil {
		return true
	}
	return !deadline.IsZero() && timeNow().After(deadline)
}

// violations counts hard-constraint failures for a candidate.
func violations(wc wireCandidate, p plan, in Input, fixed []job.VariantResult) int {
	n := 0
	text := wc.Text
	tokens := textnorm.ContentTokens(text, in.TargetLang)
	if len(tokens) > 0 {
		if _, banned := p.bannedOpenings[tokens[0]]; banned {
			n++
		}
	}
	if p.avoidWalkVerbs && gate.UsesWalkVerb(text) {
		n++
	}
	if p.avoidMarkers {
		if m := gate.ComparisonMarkerIn(text); m != "" {
			for _, fv := range fixed {
				if gate.ComparisonMarkerIn(fv.Text) == m {
					n++
					break
				}
			}
		}
	}
	opener := structural.Opener(text, in.TargetLang)
	if _, clash := p.fixedOpeners[opener]; clash && p.varyOpening {
		n++
	}
	if in.Mode == recipe.ModeAdventurous {
		if _, dup := p.fixedSignatures[structural.Signature(text, in.TargetLang)]; dup {
			n++
		}
	}
	if len(in.Anchors) > 0 {
		v := job.VariantResult{Text: text, AnchorRealizations: wc.AnchorRealizations}
		if err := anchorcheck.ValidateRealizations(v, in.Anchors, in.TargetLang); err != nil {
			n++
		}
	}
	return n
}

// score is the similarity-plus-fluency ranking for passing candidates.
// Lower is better.
func score(text string, fixed []job.VariantResult, p plan, in Input) float64 {
	s := 0.0
	for _, fv := range fixed {
		if j := textnorm.Jaccard(text, fv.Text); j > s {
			s = j
		}
	}
	if _, dup := p.fixedSignatures[structural.Signature(text, in.TargetLang)]; dup {
		s += 0.15
	}
	s += fluencyPenalty(text, fixed)
	return s
}

func fluencyPenalty(text string, fixed []job.VariantResult) float64 {
	p := 0.0
	if hasRepeatedPunctuation(text) {
		p += 1.0
	}
	longest := 0
	for _, fv := range fixed {
		if l := len([]rune(fv.Text)); l > longest {
			longest = l
		}
	}
	if longest > 0 && float64(len([]rune(text))) > 1.6*float64(longest) {
		p += 0.5
	}
	if alnumRatio(text) < 0.9 {
		p += 0.3
	}
	return p
}

func hasRepeatedPunctuation(text string) bool {
	var prev rune
	for _, r := range text {
		if r == prev && (unicode.IsPunct(r) || unicode.IsSymbol(r)) {
			return true
		}
		prev = r
	}
	return false
}

// alnumRatio is the share of non-space runes that are letters or digits.
func alnumRatio(text string) float64 {
	total, alnum := 0, 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			alnum++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(alnum) / float64(total)
}

// selectCandidate picks the best candidate: lowest score among those with no
// hard violations, else fewest violations with the result marked degraded.
func selectCandidate(candidates []wireCandidate, fixed []job.VariantResult, p plan, in Input) (job.VariantResult, bool) {
	bestIdx, bestScore := -1, 0.0
	for i, wc := range candidates {
		if violations(wc, p, in, fixed) > 0 {
			continue
		}
		s := score(wc.Text, fixed, p, in)
		if bestIdx < 0 || s < bestScore {
			bestIdx, bestScore = i, s
		}
	}
	if bestIdx >= 0 {
		return toVariant(candidates[bestIdx], in), false
	}

	// Nothing clean; fall back to the least-violating candidate.
	fewest, fewestIdx := -1, 0
	for i, wc := range candidates {
		v := violations(wc, p, in, fixed)
		if fewest < 0 || v < fewest {
			fewest, fewestIdx = v, i
		}
	}
	return toVariant(candidates[fewestIdx], in), true
}

func toVariant(wc wireCandidate, in Input) job.VariantResult {
	label := recipe.Labels[in.WorstIndex]
	arch, _ := recipe.ArchetypeForLabel(label)
	v := job.VariantResult{
		Label:              string(label),
		Text:               strings.TrimSpace(wc.Text),
		Archetype:          string(arch),
		AnchorRealizations: wc.AnchorRealizations,
	}
	switch label {
	case recipe.LabelB:
		v.SelfReport.ImageShiftSummary = strings.TrimSpace(wc.ImageShiftSummary)
	case recipe.LabelC:
		v.SelfReport.WorldShiftSummary = strings.TrimSpace(wc.WorldShiftSummary)
		v.SelfReport.SubjectFormUsed = strings.TrimSpace(wc.SubjectFormUsed)
	}
	return v
}

// finalizeVariant recomputes C's subject form locally; the model's own
// report is never trusted for the stored value.
func finalizeVariant(v job.VariantResult, in Input) job.VariantResult {
	if v.Label == string(recipe.LabelC) {
		v.SelfReport.SubjectFormUsed = string(anchorcheck.ComputeSubjectForm(v.Text, in.TargetLang))
	}
	return v
}

func regenSystemPrompt(in Input, p plan) string {
	label := recipe.Labels[in.WorstIndex]
	arch, _ := recipe.ArchetypeForLabel(label)
	var b strings.Builder
	fmt.Fprintf(&b, "You are rewriting variant %s (%s) of a poem line translated into %s. The other two variants stay fixed; yours must read clearly differently from both.\n", label, arch, in.TargetLang)
	if r, ok := in.Bundle.RecipeFor(label); ok {
		fmt.Fprintf(&b, "Recipe for %s: %s\n", label, r.Directive)
		if label == recipe.LabelC && r.StancePlan != nil {
			fmt.Fprintf(&b, "Speak as %q.\n", r.StancePlan.SubjectForm)
		}
	}
	b.WriteString(`Respond with one JSON object: {"text":"..."}`)
	switch label {
	case recipe.LabelB:
		b.WriteString(` plus "image_shift_summary"`)
	case recipe.LabelC:
		b.WriteString(` plus "world_shift_summary" and "subject_form_used"`)
	}
	if len(in.Anchors) > 0 {
		b.WriteString(` and "anchor_realizations" mapping every anchor id to its words in your text`)
	}
	b.WriteString(".")
	return b.String()
}

func regenUserPrompt(in Input, p plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source line: %s\n", in.Line)
	if strings.TrimSpace(in.PrevLine) != "" {
		fmt.Fprintf(&b, "Previous line: %s\n", in.PrevLine)
	}
	if strings.TrimSpace(in.NextLine) != "" {
		fmt.Fprintf(&b, "Next line: %s\n", in.NextLine)
	}
	b.WriteString("\nFixed variants to differ from:\n")
	for _, v := range fixedVariants(in) {
		fmt.Fprintf(&b, "%s: %s (opener %s)\n", v.Label, v.Text, structural.Opener(v.Text, in.TargetLang))
	}
	if strings.TrimSpace(in.GateReason) != "" {
		fmt.Fprintf(&b, "\nRejected because: %s\n", in.GateReason)
	}
	b.WriteString("\nConstraints:\n")
	if p.desiredOpener != "" {
		fmt.Fprintf(&b, "- Open with a %s construction.\n", describeOpener(p.desiredOpener))
	}
	if len(p.bannedOpenings) > 0 {
		banned := make([]string, 0, len(p.bannedOpenings))
		for t := range p.bannedOpenings {
			banned = append(banned, t)
		}
		fmt.Fprintf(&b, "- Do not open with any of: %s.\n", strings.Join(banned, ", "))
	}
	if p.avoidWalkVerbs {
		b.WriteString("- Avoid walk-family verbs; use a different motion framing.\n")
	}
	if p.avoidMarkers {
		b.WriteString("- Avoid the comparison markers the fixed variants use.\n")
	}
	if p.varyVocabulary {
		b.WriteString("- Use substantially different vocabulary from the fixed variants.\n")
	}
	if len(in.Anchors) > 0 {
		b.WriteString("Semantic anchors:\n")
		for _, a := range in.Anchors {
			fmt.Fprintf(&b, "- %s: %s\n", a.ID, a.ConceptEn)
		}
	}
	return b.String()
}

func describeOpener(o structural.OpenerType) string {
	switch o {
	case structural.OpenerPrep:
		return "prepositional phrase"
	case structural.OpenerNounPhrase:
		return "noun phrase"
	case structural.OpenerPron:
		return "pronoun"
	default:
		return "non-pronoun, non-prepositional"
	}
}
