package pipeline

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/kgraph/internal/completion"
	"github.com/MrWong99/kgraph/internal/config"
	"github.com/MrWong99/kgraph/internal/delta"
	"github.com/MrWong99/kgraph/internal/extractor"
	"github.com/MrWong99/kgraph/internal/kg"
	"github.com/MrWong99/kgraph/internal/systemupdater"
	"github.com/MrWong99/kgraph/pkg/provider/llm"
	"github.com/MrWong99/kgraph/pkg/provider/llm/mock"
)

// extractionReply is a minimal four-step reply: no new properties, one
// entity, no classes, no relationships.
const extractionReply = `NO_NEW_PROPERTIES
SECTION_DELIMITER
("entity"|Alice|a person who appears in the text)
SECTION_DELIMITER
SECTION_DELIMITER
DONE`

func newTestPipeline(t *testing.T, onProgress ProgressCallback) (*Pipeline, *mock.Provider) {
	t.Helper()
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: extractionReply}}
	svc := completion.New(p)

	system := kg.NewSystem()
	graph := kg.NewGraph(system)

	opts := Options{
		Pipeline: config.PipelineConfig{MaxConcurrentTasks: 2, EnableSmartMerge: false, AutoSaveEnabled: false},
		Extractor: config.ExtractorConfig{
			TupleDelimiter:      "|",
			RecordDelimiter:     "\n",
			CompletionDelimiter: "DONE",
			Language:            "English",
		},
		OnProgress: onProgress,
	}
	pipe := New(graph, svc, opts)
	return pipe, p
}

func TestSubmit_EventsArriveInOrder(t *testing.T) {
	var mu sync.Mutex
	var steps []string
	done := make(chan struct{})

	pipe, _ := newTestPipeline(t, func(ev ProgressEvent) {
		mu.Lock()
		steps = append(steps, ev.Step)
		complete := ev.Step == StepCompleted
		mu.Unlock()
		if complete {
			close(done)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipe.Start(ctx, config.PipelineConfig{MaxConcurrentTasks: 2})

	pipe.Submit("Alice walked into the room.")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task completion")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		StepTaskSubmitted, StepStarted, StepSystemUpdate,
		StepExtraction, StepExtractionComplete, StepMerging, StepCompleted,
	}
	if len(steps) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(steps), steps)
	}
	for i, step := range want {
		if steps[i] != step {
			t.Errorf("event %d: want %q, got %q (full sequence: %v)", i, step, steps[i], steps)
		}
	}
}

func TestSubmit_EntityAppearsInGraphAfterCompletion(t *testing.T) {
	done := make(chan struct{})
	pipe, _ := newTestPipeline(t, func(ev ProgressEvent) {
		if ev.Step == StepCompleted {
			close(done)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipe.Start(ctx, config.PipelineConfig{MaxConcurrentTasks: 2})

	id := pipe.Submit("Alice walked into the room.")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task completion")
	}

	task, ok := pipe.GetTask(id)
	if !ok {
		t.Fatal("expected task to be registered")
	}
	if task.Status() != StatusCompleted {
		t.Fatalf("expected task to be completed, got %q", task.Status())
	}
}

func TestSubmit_ConcurrentExtractSingleSerialMerge(t *testing.T) {
	var mu sync.Mutex
	completions := 0
	done := make(chan struct{})

	pipe, _ := newTestPipeline(t, func(ev ProgressEvent) {
		if ev.Step != StepCompleted {
			return
		}
		mu.Lock()
		completions++
		n := completions
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipe.Start(ctx, config.PipelineConfig{MaxConcurrentTasks: 2})

	pipe.Submit("first observation")
	pipe.Submit("second observation")
	pipe.Submit("third observation")

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for all three tasks to complete")
	}

	if got := pipe.graph.Stats().Entities; got == 0 {
		t.Error("expected at least one entity to have been merged into the canonical graph")
	}
}

func TestCancel_StopsTaskBeforeExtraction(t *testing.T) {
	var mu sync.Mutex
	var lastStep string
	terminal := make(chan struct{})

	pipe, _ := newTestPipeline(t, func(ev ProgressEvent) {
		mu.Lock()
		lastStep = ev.Step
		mu.Unlock()
		if ev.Step == StepCancelled || ev.Step == StepCompleted {
			close(terminal)
		}
	})

	// No workers started: the task sits on the extract queue so Cancel can
	// race to flag it before a worker ever dequeues it.
	id := pipe.Submit("an observation that will be cancelled")
	if err := pipe.Cancel(id); err != nil {
		t.Fatalf("unexpected error cancelling: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipe.Start(ctx, config.PipelineConfig{MaxConcurrentTasks: 1})

	select {
	case <-terminal:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a terminal event")
	}

	mu.Lock()
	defer mu.Unlock()
	if lastStep != StepCancelled {
		t.Fatalf("expected cancellation to take effect before completion, last step was %q", lastStep)
	}

	task, _ := pipe.GetTask(id)
	if task.Status() != StatusCancelled {
		t.Errorf("expected task status cancelled, got %q", task.Status())
	}
}

func TestCancel_UnknownTaskReturnsNotFound(t *testing.T) {
	pipe, _ := newTestPipeline(t, nil)
	if err := pipe.Cancel("does-not-exist"); err == nil {
		t.Fatal("expected an error cancelling an unknown task")
	}
}

func TestRunAutoSave_SkipsWhenTaskNotCompleted(t *testing.T) {
	pipe, _ := newTestPipeline(t, nil)
	task := newTask("t1", "text", kg.NewSystem(), time.Now())
	task.setStatus(StatusFailed)

	path := t.TempDir() + "/should-not-be-created.gob"
	pipe.autoSavePath = path

	pipe.runAutoSave(task)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected no snapshot to be written for a non-completed task, stat returned: %v", err)
	}
}

func TestRunAutoSave_SavesCompletedTaskGraph(t *testing.T) {
	pipe, _ := newTestPipeline(t, nil)
	task := newTask("t1", "text", kg.NewSystem(), time.Now())
	task.setStatus(StatusCompleted)

	path := t.TempDir() + "/snapshot.gob"
	pipe.autoSavePath = path

	pipe.runAutoSave(task)

	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected a snapshot to be written for a completed task, stat returned: %v", err)
	}
}

func TestSubmit_AutoSaveWritesSnapshotAfterCompletion(t *testing.T) {
	done := make(chan struct{})
	pipe, _ := newTestPipeline(t, func(ev ProgressEvent) {
		if ev.Step == StepCompleted {
			close(done)
		}
	})
	path := t.TempDir() + "/autosave.gob"
	pipe.autoSaveEnabled = true
	pipe.autoSavePath = path

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipe.Start(ctx, config.PipelineConfig{MaxConcurrentTasks: 2})

	pipe.Submit("Alice walked into the room.")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task completion")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected the auto-save worker to have written a snapshot")
}

func TestBuildDelta_TracksAddedAndEnhancedClasses(t *testing.T) {
	system := kg.NewSystem()
	system.AddClassDefinition("Person", "a human being", []kg.PropertyDefinition{
		{Name: "role", Description: "their role"},
	})
	system.AddClassDefinition("Place", "a location", nil)

	updateResult := systemupdater.Result{
		Needed:          true,
		AddedClasses:    []string{"Place"},
		EnhancedClasses: []string{"Person"},
	}

	d := buildDelta("t1", updateResult, system, extractor.Result{})

	if len(d.Classes) != 2 {
		t.Fatalf("expected 2 class deltas, got %d: %+v", len(d.Classes), d.Classes)
	}
	byName := map[string]delta.ClassDelta{}
	for _, cd := range d.Classes {
		byName[cd.Name] = cd
	}
	if byName["Place"].Operation != delta.ClassAdd {
		t.Errorf("expected Place to be an add, got %q", byName["Place"].Operation)
	}
	if byName["Person"].Operation != delta.ClassUpdate {
		t.Errorf("expected Person to be an update, got %q", byName["Person"].Operation)
	}
}
