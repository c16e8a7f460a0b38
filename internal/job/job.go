// Package job defines the translation job document: the per-thread unit of
// persistent scheduler state, its chunks, lines, and variant results, plus
// the pure functions that keep the queue/active bookkeeping consistent.
package job

import (
	"fmt"
	"sort"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ChunkStatus is the lifecycle state of one chunk.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkQueued     ChunkStatus = "queued"
	ChunkProcessing ChunkStatus = "processing"
	ChunkCompleted  ChunkStatus = "completed"
	ChunkFailed     ChunkStatus = "failed"
)

// TranslationStatus is the per-line translation state.
type TranslationStatus string

const (
	LinePending    TranslationStatus = "pending"
	LineTranslated TranslationStatus = "translated"
	LineFailed     TranslationStatus = "failed"
)

// AlignmentStatus is the per-line word-alignment state.
type AlignmentStatus string

const (
	AlignPending AlignmentStatus = "pending"
	AlignAligned AlignmentStatus = "aligned"
	AlignFailed  AlignmentStatus = "failed"
)

// DefaultMaxRetries bounds chunk-level retries for retryable errors.
const DefaultMaxRetries = 3

// WordAlignment maps one target word back to source positions.
type WordAlignment struct {
	Word          string `json:"word"`
	SourceIndices []int  `json:"source_indices,omitempty"`
}

// SelfReport is the model-supplied metadata attached to variants B and C.
type SelfReport struct {
	ImageShiftSummary string `json:"image_shift_summary,omitempty"` // B
	WorldShiftSummary string `json:"world_shift_summary,omitempty"` // C
	SubjectFormUsed   string `json:"subject_form_used,omitempty"`   // C
}

// VariantResult is one of the three translations of a line.
type VariantResult struct {
	Label              string            `json:"label"` // A, B, C
	Text               string            `json:"text"`
	Archetype          string            `json:"archetype,omitempty"`
	AnchorRealizations map[string]string `json:"anchor_realizations,omitempty"`
	SelfReport         SelfReport        `json:"self_report,omitempty"`
	Words              []WordAlignment   `json:"words,omitempty"`
}

// QualityMetadata records gate/regen outcomes for a line.
type QualityMetadata struct {
	GateChecked bool   `json:"gate_checked,omitempty"`
	GatePassed  bool   `json:"gate_passed,omitempty"`
	Degraded    bool   `json:"degraded,omitempty"`
	Reason      string `json:"reason,omitempty"`
	RegenRounds int    `json:"regen_rounds,omitempty"`
}

// LineState is the per-line record inside a chunk.
type LineState struct {
	LineNumber        int               `json:"line_number"` // absolute in poem
	OriginalText      string            `json:"original_text"`
	Translations      []VariantResult   `json:"translations,omitempty"`
	ModelUsed         string            `json:"model_used,omitempty"`
	TranslationStatus TranslationStatus `json:"translation_status"`
	AlignmentStatus   AlignmentStatus   `json:"alignment_status"`
	RetryCount        int               `json:"retry_count"`
	UpdatedAt         time.Time         `json:"updated_at"`
	Quality           QualityMetadata   `json:"quality_metadata,omitempty"`
	ErrorCode         string            `json:"error_code,omitempty"`
}

// ChunkState is one schedulable run of poem lines (a stanza, historically).
type ChunkState struct {
	ChunkIndex     int         `json:"chunk_index"`
	Status         ChunkStatus `json:"status"`
	LinesProcessed int         `json:"lines_processed"`
	TotalLines     int         `json:"total_lines"`
	Retries        int         `json:"retries"`
	MaxRetries     int         `json:"max_retries"`
	NextRetryAt    *time.Time  `json:"next_retry_at,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	Lines          []LineState `json:"lines"`
	Error          string      `json:"error,omitempty"`
	LineOffset     int         `json:"line_offset"` // absolute line number of the chunk's first line
	SourceLines    []string    `json:"source_lines"`
}

// GuidePreferences are the user's workshop answers that shape generation.
type GuidePreferences struct {
	TranslationIntent    string `json:"translation_intent,omitempty"`
	TranslationZone      string `json:"translation_zone,omitempty"`
	TranslationRangeMode string `json:"translation_range_mode,omitempty"`
	TargetLanguage       string `json:"target_language,omitempty"`
	TargetVariety        string `json:"target_variety,omitempty"`
	TranslationModel     string `json:"translation_model,omitempty"`
	TranslationMethod    string `json:"translation_method,omitempty"`
}

// Job is the per-thread translation job document.
type Job struct {
	ID               string             `json:"id"`
	Status           Status             `json:"status"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
	MaxConcurrent    int                `json:"max_concurrent"`
	MaxChunksPerTick int                `json:"max_chunks_per_tick"`
	Queue            []int              `json:"queue"`
	Active           []int              `json:"active"`
	Chunks           map[int]*ChunkState `json:"chunks"`
	RawPoem          string             `json:"raw_poem"`
	GuidePreferences GuidePreferences   `json:"guide_preferences"`
	TotalChunks      int                `json:"total_chunks"`
	LastError        string             `json:"last_error,omitempty"`
}

// incomplete reports whether a chunk still has schedulable work.
func (c *ChunkState) incomplete() bool {
	if c == nil {
		return false
	}
	if c.Status == ChunkCompleted || c.Status == ChunkFailed {
		return false
	}
	return c.LinesProcessed < c.TotalLines || c.TotalLines == 0
}

// Incomplete is the exported form of the chunk scheduling predicate.
func (c *ChunkState) Incomplete() bool { return c.incomplete() }

// Reconcile repairs the job's derived bookkeeping so the scheduling
// invariants hold: every line slice exists, linesProcessed matches stored
// lines, and every incomplete chunk appears exactly once in queue or active.
// If both lists are empty but incomplete chunks remain, the queue is
// reseeded with all incomplete indices in order.
func (j *Job) Reconcile() {
	for _, c := range j.Chunks {
		if c.Lines == nil {
			c.Lines = []LineState{}
		}
		c.LinesProcessed = len(c.Lines)
		if c.LinesProcessed > c.TotalLines {
			c.LinesProcessed = c.TotalLines
			c.Lines = c.Lines[:c.TotalLines]
		}
		if c.MaxRetries == 0 {
			c.MaxRetries = DefaultMaxRetries
		}
	}

	inQueue := indexSet(j.Queue)
	inActive := indexSet(j.Active)

	var queue, active []int
	for _, idx := range j.Queue {
		c := j.Chunks[idx]
		if c == nil || !c.incomplete() {
			continue
		}
		if _, dup := inActive[idx]; dup {
			continue // active claim wins
		}
		queue = appendUnique(queue, idx)
	}
	for _, idx := range j.Active {
		c := j.Chunks[idx]
		if c == nil || !c.incomplete() {
			continue
		}
		active = appendUnique(active, idx)
	}

	// Incomplete chunks missing from both lists go back on the queue.
	missing := []int{}
	for idx, c := range j.Chunks {
		if !c.incomplete() {
			continue
		}
		_, q := inQueue[idx]
		_, a := inActive[idx]
		if !q && !a {
			missing = append(missing, idx)
		}
	}
	sort.Ints(missing)
	for _, idx := range missing {
		queue = appendUnique(queue, idx)
	}

	if len(queue) == 0 && len(active) == 0 {
		var incompletes []int
		for idx, c := range j.Chunks {
			if c.incomplete() {
				incompletes = append(incompletes, idx)
			}
		}
		sort.Ints(incompletes)
		queue = incompletes
	}

	if queue == nil {
		queue = []int{}
	}
	if active == nil {
		active = []int{}
	}
	j.Queue = queue
	j.Active = active
}

// CheckInvariants returns a description of every violated scheduling
// invariant, empty when the job is consistent.
func (j *Job) CheckInvariants() []string {
	var problems []string
	for idx, c := range j.Chunks {
		if c.LinesProcessed != len(c.Lines) {
			problems = append(problems, fmt.Sprintf("chunk %d: linesProcessed=%d but %d lines stored", idx, c.LinesProcessed, len(c.Lines)))
		}
		if c.LinesProcessed > c.TotalLines {
			problems = append(problems, fmt.Sprintf("chunk %d: linesProcessed=%d exceeds totalLines=%d", idx, c.LinesProcessed, c.TotalLines))
		}
	}
	seen := map[int]string{}
	for _, idx := range j.Queue {
		if where, dup := seen[idx]; dup {
			problems = append(problems, fmt.Sprintf("chunk %d appears in queue and %s", idx, where))
		}
		seen[idx] = "queue"
		if _, ok := j.Chunks[idx]; !ok {
			problems = append(problems, fmt.Sprintf("queue references unknown chunk %d", idx))
		}
	}
	for _, idx := range j.Active {
		if where, dup := seen[idx]; dup {
			problems = append(problems, fmt.Sprintf("chunk %d appears in active and %s", idx, where))
		}
		seen[idx] = "active"
		if _, ok := j.Chunks[idx]; !ok {
			problems = append(problems, fmt.Sprintf("active references unknown chunk %d", idx))
		}
	}
	for idx, c := range j.Chunks {
		if c.incomplete() {
			if _, ok := seen[idx]; !ok {
				problems = append(problems, fmt.Sprintf("incomplete chunk %d missing from queue and active", idx))
			}
		} else if where, ok := seen[idx]; ok {
			problems = append(problems, fmt.Sprintf("terminal chunk %d present in %s", idx, where))
		}
	}
	return problems
}

// IsComplete reports whether every chunk is terminal, every stored line is
// terminal, and no chunk remains claimed or queued.
func (j *Job) IsComplete() bool {
	if len(j.Queue) != 0 || len(j.Active) != 0 {
		return false
	}
	for _, c := range j.Chunks {
		if c.Status != ChunkCompleted && c.Status != ChunkFailed {
			return false
		}
		for _, l := range c.Lines {
			if l.TranslationStatus != LineTranslated && l.TranslationStatus != LineFailed {
				return false
			}
		}
	}
	return true
}

// ChunkIndices returns the chunk indices in ascending order.
func (j *Job) ChunkIndices() []int {
	out := make([]int, 0, len(j.Chunks))
	for idx := range j.Chunks {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

func indexSet(list []int) map[int]struct{} {
	m := make(map[int]struct{}, len(list))
	for _, v := range list {
		m[v] = struct{}{}
	}
	return m
}

func appendUnique(list []int, v int) []int {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
