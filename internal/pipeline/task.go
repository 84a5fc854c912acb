package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/kgraph/internal/delta"
	"github.com/MrWong99/kgraph/internal/kg"
)

// Status is a task's lifecycle state. Tasks advance monotonically; once in
// a terminal state (Completed, Failed, MergeFailed, Cancelled) a task never
// changes state again.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusMerging     Status = "merging"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusMergeFailed Status = "merge_failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether s is one of the states a task never leaves.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusMergeFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// StageResult records one pipeline stage's input, output, and the raw
// completion-service reply that produced it (when the stage called out to
// one), kept on the task for audit and debugging.
type StageResult struct {
	Input       string
	Output      string
	RawResponse string
}

// Task is one submission's full lifecycle record: the input text, its
// isolated System snapshot, the lifecycle state, and every stage's result.
// All mutable fields are guarded by mu; callers always go through the
// exported accessor/mutator methods.
type Task struct {
	ID        string
	InputText string
	CreatedAt time.Time

	mu           sync.RWMutex
	status       Status
	systemSnap   *kg.System
	resultDelta  *delta.GraphDelta
	startedAt    time.Time
	completedAt  time.Time
	progress     int
	stageResults map[string]StageResult
	failureErr   error

	cancelRequested atomic.Bool
}

// newTask creates a pending task with its own deep-copied System snapshot.
func newTask(id, inputText string, snapshot *kg.System, createdAt time.Time) *Task {
	return &Task{
		ID:           id,
		InputText:    inputText,
		CreatedAt:    createdAt,
		status:       StatusPending,
		systemSnap:   snapshot,
		stageResults: make(map[string]StageResult),
	}
}

// SystemSnapshot returns the task's isolated System, used exclusively
// during this task's extract phase.
func (t *Task) SystemSnapshot() *kg.System { return t.systemSnap }

// Status returns the task's current lifecycle state.
func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Progress returns the task's last-reported completion percentage in [0,100].
func (t *Task) Progress() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress
}

// ResultDelta returns the task's extracted delta once extraction has
// completed, replaced by the optimized delta after the merge stage has run,
// or nil before extraction completes.
func (t *Task) ResultDelta() *delta.GraphDelta {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.resultDelta
}

// Err returns the error that caused a Failed/MergeFailed task to stop, or
// nil for any other status.
func (t *Task) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.failureErr
}

// StageResult returns the recorded result for the named stage, if any.
func (t *Task) StageResult(stage string) (StageResult, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.stageResults[stage]
	return r, ok
}

// RequestCancel flags the task for cancellation. Extract workers observe
// this flag at stage boundaries; once the task has reached the merge stage,
// the flag is not consulted — merges are atomic from the task's perspective.
func (t *Task) RequestCancel() { t.cancelRequested.Store(true) }

// CancelRequested reports whether RequestCancel has been called.
func (t *Task) CancelRequested() bool { return t.cancelRequested.Load() }

func (t *Task) setStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
	switch s {
	case StatusRunning:
		if t.startedAt.IsZero() {
			t.startedAt = time.Now()
		}
	}
	if s.Terminal() {
		t.completedAt = time.Now()
	}
}

func (t *Task) setProgress(pct int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress = pct
}

func (t *Task) setStageResult(stage string, r StageResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stageResults[stage] = r
}

func (t *Task) setFailure(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failureErr = err
}

func (t *Task) setResultDelta(d delta.GraphDelta) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resultDelta = &d
}
