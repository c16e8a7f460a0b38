// Package queue implements the two work queues the engine runs on: the
// translation queue of thread IDs and the alignment queue of per-line jobs.
// Both are backed by kv lists with companion active flags that deduplicate
// enqueues, so a thread or line is never in flight twice.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/verselab/triptych/internal/kv"
)

// for testing purposes
var timeNow = time.Now

const (
	translationQueueKey = "translation:queue"
	alignmentQueueKey   = "alignment:queue"

	// Active flags expire on their own so a crashed worker cannot wedge a
	// thread out of the queue forever.
	activeFlagTTL = time.Hour
)

func translationActiveKey(threadID string) string {
	return "translation:active:" + threadID
}

func alignmentActiveKey(threadID string, lineIndex int) string {
	return fmt.Sprintf("alignment:active:%s:%d", threadID, lineIndex)
}

// TranslationQueue hands thread IDs to the tick worker.
type TranslationQueue struct {
	store kv.Store
}

func NewTranslationQueue(store kv.Store) *TranslationQueue {
	return &TranslationQueue{store: store}
}

// Enqueue adds a thread to the queue unless it is already pending or in
// flight. Returns true when the thread was actually added.
func (q *TranslationQueue) Enqueue(ctx context.Context, threadID string) (bool, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return false, fmt.Errorf("enqueue translation: empty thread id")
	}
	ok, err := q.store.SetIfAbsent(ctx, translationActiveKey(threadID), "1", activeFlagTTL)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := q.store.LPush(ctx, translationQueueKey, threadID); err != nil {
		// Roll the flag back so the thread can be enqueued again.
		_ = q.store.Del(ctx, translationActiveKey(threadID))
		return false, err
	}
	return true, nil
}

// Dequeue pops the next thread. The active flag stays set while the thread
// is in flight; it is cleared only by Deactivate when the job finishes, so
// duplicate enqueues are absorbed for the whole lifetime of the job.
func (q *TranslationQueue) Dequeue(ctx context.Context) (string, bool, error) {
	return q.store.RPop(ctx, translationQueueKey)
}

// Requeue puts an in-flight thread back on the queue, bypassing the dedup
// flag the thread still holds. The flag is refreshed in case its TTL lapsed
// mid-flight.
func (q *TranslationQueue) Requeue(ctx context.Context, threadID string) error {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return fmt.Errorf("requeue translation: empty thread id")
	}
	if _, err := q.store.SetIfAbsent(ctx, translationActiveKey(threadID), "1", activeFlagTTL); err != nil {
		return err
	}
	return q.store.LPush(ctx, translationQueueKey, threadID)
}

// Deactivate clears the thread's active flag once its job is done, making a
// fresh Enqueue possible.
func (q *TranslationQueue) Deactivate(ctx context.Context, threadID string) error {
	return q.store.Del(ctx, translationActiveKey(threadID))
}

// AlignmentJob is one line awaiting word alignment.
type AlignmentJob struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	ChunkIndex int       `json:"chunk_index"`
	LineIndex  int       `json:"line_index"` // absolute line number
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// AlignmentQueue hands line alignment jobs to the alignment worker.
type AlignmentQueue struct {
	store kv.Store
}

func NewAlignmentQueue(store kv.Store) *AlignmentQueue {
	return &AlignmentQueue{store: store}
}

// Enqueue adds one line unless an alignment for it is already pending or in
// flight. Returns the job when it was added.
func (q *AlignmentQueue) Enqueue(ctx context.Context, threadID string, chunkIndex, lineIndex int) (*AlignmentJob, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, fmt.Errorf("enqueue alignment: empty thread id")
	}
	ok, err := q.store.SetIfAbsent(ctx, alignmentActiveKey(threadID, lineIndex), "1", activeFlagTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	j := &AlignmentJob{
		ID:         uuid.NewString(),
		ThreadID:   threadID,
		ChunkIndex: chunkIndex,
		LineIndex:  lineIndex,
		EnqueuedAt: timeNow().UTC(),
	}
	b, err := json.Marshal(j)
	if err != nil {
		_ = q.store.Del(ctx, alignmentActiveKey(threadID, lineIndex))
		return nil, fmt.Errorf("encode alignment job: %w", err)
	}
	if err := q.store.LPush(ctx, alignmentQueueKey, string(b)); err != nil {
		_ = q.store.Del(ctx, alignmentActiveKey(threadID, lineIndex))
		return nil, err
	}
	return j, nil
}

// Dequeue pops the next alignment job. The active flag stays set until the
// caller finishes with Deactivate; a malformed payload is dropped with an
// error rather than requeued.
func (q *AlignmentQueue) Dequeue(ctx context.Context) (*AlignmentJob, bool, error) {
	raw, ok, err := q.store.RPop(ctx, alignmentQueueKey)
	if err != nil || !ok {
		return nil, false, err
	}
	var j AlignmentJob
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, false, fmt.Errorf("decode alignment job: %w", err)
	}
	return &j, true, nil
}

// Deactivate clears the line's active flag. Callers run it after processing
// regardless of outcome so failed lines can be re-enqueued.
func (q *AlignmentQueue) Deactivate(ctx context.Context, threadID string, lineIndex int) error {
	return q.store.Del(ctx, alignmentActiveKey(threadID, lineIndex))
}
