// Package pipeline is the task coordinator: the two-phase, parallel-extract
// / serial-merge pipeline that drives every observation through system
// update, extraction, smart merge, and combination into the canonical
// Graph. It is the heart of kgraph.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/kgraph/internal/combiner"
	"github.com/MrWong99/kgraph/internal/completion"
	"github.com/MrWong99/kgraph/internal/config"
	"github.com/MrWong99/kgraph/internal/delta"
	"github.com/MrWong99/kgraph/internal/extractor"
	"github.com/MrWong99/kgraph/internal/kg"
	"github.com/MrWong99/kgraph/internal/kgerr"
	"github.com/MrWong99/kgraph/internal/merger"
	"github.com/MrWong99/kgraph/internal/observe"
	"github.com/MrWong99/kgraph/internal/systemupdater"
)

// Progress steps observed by a [ProgressCallback], in order per task:
// task_submitted -> started -> system_update -> extraction ->
// extraction_completed -> merging -> completed. A cancelled or failed step
// can end the sequence after any earlier step, and merge_failed takes the
// place of completed.
const (
	StepTaskSubmitted      = "task_submitted"
	StepStarted            = "started"
	StepSystemUpdate       = "system_update"
	StepExtraction         = "extraction"
	StepExtractionComplete = "extraction_completed"
	StepMerging            = "merging"
	StepCompleted          = "completed"
	StepCancelled          = "cancelled"
	StepFailed             = "failed"
	StepMergeFailed        = "merge_failed"
	StepAutoSaveError      = "auto_save_error"
)

// ProgressEvent is one observation emitted synchronously from within the
// pipeline as a task advances.
type ProgressEvent struct {
	TaskID     string
	Step       string
	Percentage int
	Data       any
}

// ProgressCallback receives every [ProgressEvent] the pipeline emits. It is
// invoked synchronously from the worker goroutine driving the task; it must
// not block or perform slow I/O.
type ProgressCallback func(ProgressEvent)

// Pipeline owns the extract/merge queues and worker pool operating over a
// single canonical System/Graph pair.
type Pipeline struct {
	graph *kg.Graph

	updater *completion.Service
	extract *extractor.Extractor
	merge   *merger.Merger
	combine *combiner.Combiner

	extractQueue chan *Task
	mergeQueue   chan *Task
	saveQueue    chan *Task

	autoSaveEnabled bool
	autoSavePath    string

	onProgress ProgressCallback
	metrics    *observe.Metrics
	log        *slog.Logger

	tasksMu sync.RWMutex
	tasks   map[string]*Task

	eg     *errgroup.Group
	cancel context.CancelFunc
}

// Options configures a new [Pipeline].
type Options struct {
	Pipeline   config.PipelineConfig
	Extractor  config.ExtractorConfig
	Database   config.DatabaseConfig
	OnProgress ProgressCallback
	Metrics    *observe.Metrics
	Log        *slog.Logger
}

// New constructs a Pipeline operating over graph, but does not start its
// workers; call [Pipeline.Start] to begin processing.
func New(graph *kg.Graph, svc *completion.Service, opts Options) *Pipeline {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	met := opts.Metrics
	if met == nil {
		met = observe.DefaultMetrics()
	}

	queueSize := opts.Pipeline.MaxConcurrentTasks * 4
	if queueSize <= 0 {
		queueSize = 16
	}

	return &Pipeline{
		graph:           graph,
		updater:         svc,
		extract:         extractor.New(svc, opts.Extractor, log),
		merge:           merger.New(svc, opts.Pipeline.EnableSmartMerge, log),
		combine:         combiner.New(log),
		extractQueue:    make(chan *Task, queueSize),
		mergeQueue:      make(chan *Task, queueSize),
		saveQueue:       make(chan *Task, queueSize),
		autoSaveEnabled: opts.Pipeline.AutoSaveEnabled,
		autoSavePath:    opts.Database.DefaultPath,
		onProgress:      opts.OnProgress,
		metrics:         met,
		log:             log,
		tasks:           make(map[string]*Task),
	}
}

// workerCount returns the number of extract workers to run, defaulting to 3
// per the component's default concurrency.
func workerCount(cfg config.PipelineConfig) int {
	if cfg.MaxConcurrentTasks > 0 {
		return cfg.MaxConcurrentTasks
	}
	return 3
}

// Start launches N extract workers, the single merge worker, and — when
// auto-save is enabled — the dedicated save worker. Workers run until ctx is
// cancelled or [Pipeline.Shutdown] is called.
func (p *Pipeline) Start(ctx context.Context, cfg config.PipelineConfig) {
	runCtx, cancel := context.WithCancel(ctx)
	eg, runCtx := errgroup.WithContext(runCtx)
	p.cancel = cancel
	p.eg = eg

	n := workerCount(cfg)
	for i := 0; i < n; i++ {
		eg.Go(func() error {
			p.extractWorkerLoop(runCtx)
			return nil
		})
	}
	eg.Go(func() error {
		p.mergeWorkerLoop(runCtx)
		return nil
	})

	if p.autoSaveEnabled {
		eg.Go(func() error {
			p.saveWorkerLoop(runCtx)
			return nil
		})
	}
}

// Shutdown signals all workers to stop after draining their current task
// and waits for them to exit.
func (p *Pipeline) Shutdown() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	_ = p.eg.Wait()
}

// Submit enqueues text for extraction against a deep copy of the current
// canonical System, and returns the new task's id.
func (p *Pipeline) Submit(inputText string) string {
	id := uuid.NewString()
	snapshot := p.graph.System().Clone()
	task := newTask(id, inputText, snapshot, time.Now())

	p.tasksMu.Lock()
	p.tasks[id] = task
	p.tasksMu.Unlock()

	p.emit(task, StepTaskSubmitted, 0, nil)

	select {
	case p.extractQueue <- task:
	default:
		// Queue is saturated; block rather than drop the submission, since
		// losing an observation silently would violate the pipeline's
		// at-least-once intake contract.
		p.extractQueue <- task
	}
	return id
}

// GetTask returns the task by id.
func (p *Pipeline) GetTask(id string) (*Task, bool) {
	p.tasksMu.RLock()
	defer p.tasksMu.RUnlock()
	t, ok := p.tasks[id]
	return t, ok
}

// Tasks returns every known task, in no particular order.
func (p *Pipeline) Tasks() []*Task {
	p.tasksMu.RLock()
	defer p.tasksMu.RUnlock()
	out := make([]*Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		out = append(out, t)
	}
	return out
}

// Cancel flags a task for cancellation. Only tasks that have not yet
// reached the merge stage are actually stopped; a task already merging (or
// past it) finishes normally.
func (p *Pipeline) Cancel(id string) error {
	t, ok := p.GetTask(id)
	if !ok {
		return kgerr.NotFoundf("pipeline.Cancel", "task %q not found", id)
	}
	t.RequestCancel()
	return nil
}

func (p *Pipeline) emit(t *Task, step string, pct int, data any) {
	t.setProgress(pct)
	if p.onProgress != nil {
		p.onProgress(ProgressEvent{TaskID: t.ID, Step: step, Percentage: pct, Data: data})
	}
}

// extractWorkerLoop pulls tasks from the extract queue until shutdown.
func (p *Pipeline) extractWorkerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.extractQueue:
			p.metrics.ActiveExtractWorkers.Add(ctx, 1)
			p.runExtract(ctx, task)
			p.metrics.ActiveExtractWorkers.Add(ctx, -1)
		}
	}
}

func (p *Pipeline) runExtract(ctx context.Context, task *Task) {
	start := time.Now()
	defer func() {
		p.metrics.ExtractDuration.Record(ctx, time.Since(start).Seconds())
	}()

	task.setStatus(StatusRunning)
	p.emit(task, StepStarted, 5, nil)

	if task.CancelRequested() {
		task.setStatus(StatusCancelled)
		p.emit(task, StepCancelled, task.Progress(), nil)
		p.metrics.RecordTaskTerminalState(ctx, string(StatusCancelled))
		return
	}

	system := task.SystemSnapshot()
	updateResult := systemupdater.Update(ctx, p.updater, system, task.InputText)
	task.setStageResult(StepSystemUpdate, StageResult{Input: task.InputText, RawResponse: updateResult.RawResponse})
	p.emit(task, StepSystemUpdate, 30, updateResult)

	if task.CancelRequested() {
		task.setStatus(StatusCancelled)
		p.emit(task, StepCancelled, task.Progress(), nil)
		p.metrics.RecordTaskTerminalState(ctx, string(StatusCancelled))
		return
	}

	extractResult, err := p.extract.Extract(ctx, system, task.InputText)
	if err != nil {
		task.setFailure(err)
		task.setStatus(StatusFailed)
		p.emit(task, StepFailed, task.Progress(), err.Error())
		p.metrics.RecordTaskTerminalState(ctx, string(StatusFailed))
		return
	}
	task.setStageResult(StepExtraction, StageResult{
		Input:       task.InputText,
		RawResponse: extractResult.RawResponse,
	})
	p.emit(task, StepExtraction, 60, extractResult)

	if task.CancelRequested() {
		task.setStatus(StatusCancelled)
		p.emit(task, StepCancelled, task.Progress(), nil)
		p.metrics.RecordTaskTerminalState(ctx, string(StatusCancelled))
		return
	}

	d := buildDelta(task.ID, updateResult, system, extractResult)
	task.setResultDelta(d)
	p.emit(task, StepExtractionComplete, 90, d.Summary())

	select {
	case p.mergeQueue <- task:
	default:
		p.mergeQueue <- task
	}
}

// mergeWorkerLoop is the single serial merge worker. Because there is
// exactly one of these, the canonical Graph is mutated only here and no
// mutual exclusion is needed between merges.
func (p *Pipeline) mergeWorkerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.mergeQueue:
			p.runMerge(ctx, task)
		}
	}
}

func (p *Pipeline) runMerge(ctx context.Context, task *Task) {
	start := time.Now()
	defer func() {
		p.metrics.MergeDuration.Record(ctx, time.Since(start).Seconds())
	}()

	task.setStatus(StatusMerging)
	p.emit(task, StepMerging, 95, nil)

	proposed := task.ResultDelta()
	if proposed == nil {
		task.setFailure(kgerr.Internalf("pipeline.runMerge", errors.New("no delta produced by extraction")))
		task.setStatus(StatusFailed)
		p.emit(task, StepMergeFailed, task.Progress(), "no delta produced by extraction")
		p.metrics.RecordTaskTerminalState(ctx, string(StatusMergeFailed))
		return
	}

	result := p.merge.Merge(ctx, p.graph.System(), p.graph, *proposed)
	stats := p.combine.Apply(p.graph.System(), p.graph, result.OptimizedDelta)
	p.metrics.RelationshipIncrementMisses.Add(ctx, int64(stats.Relationships.NotFound))

	task.setResultDelta(result.OptimizedDelta)
	task.setStatus(StatusCompleted)
	p.emit(task, StepCompleted, 100, stats)
	p.metrics.RecordTaskTerminalState(ctx, string(StatusCompleted))

	if p.autoSaveEnabled {
		select {
		case p.saveQueue <- task:
		default:
			p.saveQueue <- task
		}
	}
}

// saveWorkerLoop is the dedicated auto-save worker. It consumes the third
// queue so that a completed event's auto-save never runs inline with the
// merge worker that emitted it — enqueueing onto saveQueue, rather than
// yielding and re-checking, makes the ordering between "task completed" and
// "graph persisted" explicit instead of relying on scheduler behavior.
func (p *Pipeline) saveWorkerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.saveQueue:
			p.runAutoSave(task)
		}
	}
}

// runAutoSave re-verifies the task actually reached Completed before
// snapshotting the Graph, since by the time it is dequeued a later event
// could in principle have altered its bookkeeping.
func (p *Pipeline) runAutoSave(task *Task) {
	if task.Status() != StatusCompleted {
		return
	}
	if err := p.graph.Save(p.autoSavePath); err != nil {
		p.log.Warn("pipeline: auto-save failed", "task", task.ID, "err", err)
		p.metrics.AutoSaveFailures.Add(context.Background(), 1)
		p.emit(task, StepAutoSaveError, task.Progress(), err.Error())
	}
}

// buildDelta assembles a [delta.GraphDelta] from the system-class changes
// the updater applied to the task's snapshot, plus the extractor's parsed
// entities and relationships.
func buildDelta(taskID string, updateResult systemupdater.Result, system *kg.System, extractResult extractor.Result) delta.GraphDelta {
	var classes []delta.ClassDelta
	for _, name := range append(append([]string{}, updateResult.AddedClasses...), updateResult.EnhancedClasses...) {
		def, ok := system.ClassDefinition(name)
		if !ok {
			continue
		}
		op := delta.ClassUpdate
		for _, added := range updateResult.AddedClasses {
			if added == name {
				op = delta.ClassAdd
			}
		}
		props := make([]delta.PropertyDelta, len(def.Properties))
		for i, pd := range def.Properties {
			req, valReq := pd.Required, pd.ValueRequired
			props[i] = delta.PropertyDelta{Name: pd.Name, Description: pd.Description, Required: &req, ValueRequired: &valReq, Operation: delta.PropertyAdd}
		}
		classes = append(classes, delta.ClassDelta{Name: def.Name, Description: def.Description, Properties: props, Operation: op})
	}

	entities := make([]delta.EntityDelta, 0, len(extractResult.Entities))
	for _, e := range extractResult.Entities {
		ed := delta.EntityDelta{Name: e.Name, Description: e.Description, Operation: delta.EntityAdd}
		for _, ci := range e.Classes {
			ed.Classes = append(ed.Classes, ci.ClassName)
			if len(ci.Properties) == 0 {
				continue
			}
			if ed.Properties == nil {
				ed.Properties = make(map[string]map[string]string)
			}
			ed.Properties[ci.ClassName] = ci.Properties
		}
		entities = append(entities, ed)
	}

	relationships := make([]delta.RelationshipDelta, 0, len(extractResult.Relationships))
	for _, r := range extractResult.Relationships {
		relationships = append(relationships, delta.RelationshipDelta{
			Source:        r.Source,
			Target:        r.Target,
			Description:   r.Description,
			Count:         r.Count,
			Refer:         r.Refer,
			SemanticTimes: r.SemanticTimes,
			Operation:     delta.RelationshipAdd,
		})
	}

	return delta.GraphDelta{
		TaskID:        taskID,
		Classes:       classes,
		Entities:      entities,
		Relationships: relationships,
		CreatedAt:     time.Now().Unix(),
	}
}
