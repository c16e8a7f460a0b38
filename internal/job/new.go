package job

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Default scheduler knobs for newly created jobs.
const (
	DefaultMaxConcurrent    = 1
	DefaultMaxChunksPerTick = 1
)

// SplitChunks splits a raw poem into chunks on blank lines (stanzas). Each
// chunk keeps its source lines verbatim, including interior blank-free
// spacing; trailing carriage returns are stripped.
func SplitChunks(rawPoem string) [][]string {
	lines := strings.Split(strings.ReplaceAll(rawPoem, "\r\n", "\n"), "\n")
	var chunks [][]string
	var cur []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if len(cur) > 0 {
				chunks = append(chunks, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

// New enumerates chunks from the poem and seeds a pending job: the queue
// holds every chunk index, the first chunk is queued, the rest pending.
func New(rawPoem string, prefs GuidePreferences, now time.Time) *Job {
	chunkLines := SplitChunks(rawPoem)

	j := &Job{
		ID:               ulid.Make().String(),
		Status:           StatusPending,
		CreatedAt:        now.UTC(),
		UpdatedAt:        now.UTC(),
		MaxConcurrent:    DefaultMaxConcurrent,
		MaxChunksPerTick: DefaultMaxChunksPerTick,
		Queue:            []int{},
		Active:           []int{},
		Chunks:           map[int]*ChunkState{},
		RawPoem:          rawPoem,
		GuidePreferences: prefs,
		TotalChunks:      len(chunkLines),
	}

	offset := 0
	for i, lines := range chunkLines {
		status := ChunkPending
		if i == 0 {
			status = ChunkQueued
		}
		j.Chunks[i] = &ChunkState{
			ChunkIndex:  i,
			Status:      status,
			TotalLines:  len(lines),
			MaxRetries:  DefaultMaxRetries,
			Lines:       []LineState{},
			LineOffset:  offset,
			SourceLines: lines,
		}
		j.Queue = append(j.Queue, i)
		offset += len(lines)
	}
	return j
}
