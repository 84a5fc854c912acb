// Package request implements the thin front-end surface over a
// [pipeline.Pipeline]: task submission and inspection, class/property and
// entity CRUD, graph/stats/search reads, and database file management. It
// is deliberately small — the pipeline itself is the hard part.
package request

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/MrWong99/kgraph/internal/kg"
	"github.com/MrWong99/kgraph/internal/kgerr"
	"github.com/MrWong99/kgraph/internal/pipeline"
	"github.com/MrWong99/kgraph/internal/search"
)

// TaskView is the JSON-friendly projection of a [pipeline.Task] returned by
// [Service.GetTask] and [Service.ListTasks].
type TaskView struct {
	TaskID    string    `json:"task_id"`
	InputText string    `json:"input_text"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	CreatedAt time.Time `json:"created_at"`
	Error     string    `json:"error,omitempty"`
}

// Service wraps a running [pipeline.Pipeline] and its canonical [kg.Graph]
// with the request-surface operations spec.md §6 names.
type Service struct {
	pipe  *pipeline.Pipeline
	graph *kg.Graph
	dbDir string
}

// New returns a Service over pipe/graph. dbDir is the directory holding
// named database snapshot files for save/load/list/create/delete/rename.
func New(pipe *pipeline.Pipeline, graph *kg.Graph, dbDir string) *Service {
	return &Service{pipe: pipe, graph: graph, dbDir: dbDir}
}

// --- Tasks ---

// SubmitTask enqueues inputText for extraction and returns the new task id.
func (s *Service) SubmitTask(inputText string) string {
	return s.pipe.Submit(inputText)
}

func toTaskView(t *pipeline.Task) TaskView {
	v := TaskView{
		TaskID:    t.ID,
		InputText: t.InputText,
		Status:    string(t.Status()),
		Progress:  t.Progress(),
		CreatedAt: t.CreatedAt,
	}
	if err := t.Err(); err != nil {
		v.Error = err.Error()
	}
	return v
}

// ListTasks returns every known task, most recently created first.
func (s *Service) ListTasks() []TaskView {
	tasks := s.pipe.Tasks()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	views := make([]TaskView, len(tasks))
	for i, t := range tasks {
		views[i] = toTaskView(t)
	}
	return views
}

// GetTask returns the task's current status view.
func (s *Service) GetTask(taskID string) (TaskView, error) {
	t, ok := s.pipe.GetTask(taskID)
	if !ok {
		return TaskView{}, kgerr.NotFoundf("request.GetTask", "task %q not found", taskID)
	}
	return toTaskView(t), nil
}

// GetTaskDelta returns the task's result delta once extraction has produced
// one.
func (s *Service) GetTaskDelta(taskID string) (any, error) {
	t, ok := s.pipe.GetTask(taskID)
	if !ok {
		return nil, kgerr.NotFoundf("request.GetTaskDelta", "task %q not found", taskID)
	}
	d := t.ResultDelta()
	if d == nil {
		return nil, nil
	}
	return *d, nil
}

// GetTaskStages returns the recorded input/output/raw-response detail for
// every stage the task has reached.
func (s *Service) GetTaskStages(taskID string) (map[string]pipeline.StageResult, error) {
	t, ok := s.pipe.GetTask(taskID)
	if !ok {
		return nil, kgerr.NotFoundf("request.GetTaskStages", "task %q not found", taskID)
	}
	out := make(map[string]pipeline.StageResult)
	for _, stage := range []string{pipeline.StepSystemUpdate, pipeline.StepExtraction} {
		if r, ok := t.StageResult(stage); ok {
			out[stage] = r
		}
	}
	return out, nil
}

// CancelTask flags a task for cancellation; see [pipeline.Pipeline.Cancel].
func (s *Service) CancelTask(taskID string) error {
	return s.pipe.Cancel(taskID)
}

// --- Classes & properties ---

// ListClasses returns every class definition in the canonical catalog.
func (s *Service) ListClasses() []kg.ClassDefinition {
	return s.graph.System().ClassDefinitions()
}

// GetClass returns one class definition.
func (s *Service) GetClass(name string) (kg.ClassDefinition, error) {
	def, ok := s.graph.System().ClassDefinition(name)
	if !ok {
		return kg.ClassDefinition{}, kgerr.NotFoundf("request.GetClass", "class %q not found", name)
	}
	return def, nil
}

// CreateClass adds a new class definition to the catalog.
func (s *Service) CreateClass(name, description string, props []kg.PropertyDefinition) error {
	if s.graph.System().HasClass(name) {
		return kgerr.Conflictf("request.CreateClass", "class %q already exists", name)
	}
	s.graph.AddClassDefinition(name, description, props)
	return nil
}

// AddProperty adds a new property to an existing class definition.
func (s *Service) AddProperty(className string, prop kg.PropertyDefinition) error {
	if !s.graph.System().HasClass(className) {
		return kgerr.NotFoundf("request.AddProperty", "class %q not found", className)
	}
	s.graph.System().AddProperty(className, prop)
	return nil
}

// --- Entities ---

// ListEntities returns every entity in the graph.
func (s *Service) ListEntities() []kg.Entity {
	return s.graph.Entities()
}

// GetEntity returns one entity's full detail.
func (s *Service) GetEntity(name string) (kg.Entity, error) {
	e, ok := s.graph.GetEntity(name)
	if !ok {
		return kg.Entity{}, kgerr.NotFoundf("request.GetEntity", "entity %q not found", name)
	}
	return e, nil
}

// UpdateEntityProperty sets a single property value on one of an entity's
// class instances, applied through [kg.Graph.AddEntity]'s merge semantics
// so timestamps and append-only identity rules stay consistent.
func (s *Service) UpdateEntityProperty(entityName, className, propName, value string) error {
	e, ok := s.graph.GetEntity(entityName)
	if !ok {
		return kgerr.NotFoundf("request.UpdateEntityProperty", "entity %q not found", entityName)
	}
	if _, ok := e.ClassInstanceByName(className); !ok {
		return kgerr.NotFoundf("request.UpdateEntityProperty", "entity %q has no class %q", entityName, className)
	}
	patch := kg.Entity{
		Name:    entityName,
		Classes: []kg.ClassInstance{{ClassName: className, Properties: map[string]string{propName: value}}},
	}
	return s.graph.AddEntity(patch, false)
}

// AddClassToEntity attaches className (with optional initial property
// values) to an existing or new entity.
func (s *Service) AddClassToEntity(entityName, className string, properties map[string]string) error {
	return s.graph.AddEntity(kg.Entity{
		Name:    entityName,
		Classes: []kg.ClassInstance{{ClassName: className, Properties: properties}},
	}, false)
}

// --- Graph & stats ---

// GraphView is the JSON-friendly projection of the full canonical graph.
type GraphView struct {
	Entities      []kg.Entity          `json:"entities"`
	Relationships []kg.Relationship    `json:"relationships"`
	Classes       []kg.ClassDefinition `json:"classes"`
}

// GetGraph returns the full canonical graph contents.
func (s *Service) GetGraph() GraphView {
	return GraphView{
		Entities:      s.graph.Entities(),
		Relationships: s.graph.GetRelationships(""),
		Classes:       s.graph.System().ClassDefinitions(),
	}
}

// GetStats returns entity/relationship/class counts.
func (s *Service) GetStats() kg.Stats {
	return s.graph.Stats()
}

// --- Search ---

// SearchKeyword runs a keyword search over the graph.
func (s *Service) SearchKeyword(keyword string, fuzzy bool, limit int) []search.Result {
	return search.New(s.graph).SearchKeyword(keyword, fuzzy, limit)
}

// GetNodeDetail returns relationship/neighbor detail for any node id.
func (s *Service) GetNodeDetail(nodeID string) search.NodeDetail {
	return search.New(s.graph).GetNodeDetail(nodeID)
}

// GetEntityNodeGroup returns the entity node and its class-instance children.
func (s *Service) GetEntityNodeGroup(name string) search.NodeDetail {
	return search.New(s.graph).GetEntityNodeGroup(name)
}

// GetClassNodeGroup returns a class-master node and its instances.
func (s *Service) GetClassNodeGroup(name string) search.NodeDetail {
	return search.New(s.graph).GetClassNodeGroup(name)
}

// --- Database file management ---

// dbPath resolves a bare file name to a path inside dbDir, rejecting any
// path-traversal attempt.
func (s *Service) dbPath(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", kgerr.InvalidArgumentf("request.dbPath", "invalid database file name %q", name)
	}
	return filepath.Join(s.dbDir, name), nil
}

// SaveDatabase snapshots the canonical graph to the named file (or to
// default.gob in the database directory if name is empty).
func (s *Service) SaveDatabase(name string) (string, error) {
	path := filepath.Join(s.dbDir, "default.gob")
	if name != "" {
		p, err := s.dbPath(name)
		if err != nil {
			return "", err
		}
		path = p
	}
	if err := s.graph.Save(path); err != nil {
		return "", err
	}
	return path, nil
}

// LoadDatabase merges the snapshot at the named file into the live graph
// (the graph itself is never swapped out from under callers holding a
// reference to it). Classes, entities and relationships already in the
// graph are kept; nothing is removed.
func (s *Service) LoadDatabase(name string) error {
	path, err := s.dbPath(name)
	if err != nil {
		return err
	}
	loaded, err := kg.Load(path)
	if err != nil {
		return err
	}
	return s.graph.Merge(loaded)
}

// DatabaseFile describes one snapshot file available for load/delete/rename.
type DatabaseFile struct {
	Name    string    `json:"name"`
	ModTime time.Time `json:"mod_time"`
	Size    int64     `json:"size"`
}

// ListDatabaseFiles lists every snapshot file in the database directory.
func (s *Service) ListDatabaseFiles() ([]DatabaseFile, error) {
	entries, err := os.ReadDir(s.dbDir)
	if err != nil {
		return nil, kgerr.IOf("request.ListDatabaseFiles", err)
	}
	var files []DatabaseFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, DatabaseFile{Name: e.Name(), ModTime: info.ModTime(), Size: info.Size()})
	}
	return files, nil
}

// CreateDatabase creates a brand new, empty snapshot file with the given
// name, failing if one already exists.
func (s *Service) CreateDatabase(name string) (string, error) {
	path, err := s.dbPath(name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return "", kgerr.Conflictf("request.CreateDatabase", "database %q already exists", name)
	}
	empty := kg.NewGraph(kg.NewSystem())
	if err := empty.Save(path); err != nil {
		return "", err
	}
	return path, nil
}

// DeleteDatabase removes a named snapshot file. Deleting default.gob in the
// database directory is rejected; the file at the configured
// database.default_path is not checked and is deleted like any other file
// when its name differs.
func (s *Service) DeleteDatabase(name string) error {
	path, err := s.dbPath(name)
	if err != nil {
		return err
	}
	if filepath.Clean(path) == filepath.Join(s.dbDir, "default.gob") {
		return kgerr.Conflictf("request.DeleteDatabase", "cannot delete the default database")
	}
	if err := os.Remove(path); err != nil {
		return kgerr.IOf("request.DeleteDatabase", err)
	}
	return nil
}

// RenameDatabase renames a snapshot file, failing if the target name is
// already in use.
func (s *Service) RenameDatabase(oldName, newName string) error {
	oldPath, err := s.dbPath(oldName)
	if err != nil {
		return err
	}
	newPath, err := s.dbPath(newName)
	if err != nil {
		return err
	}
	if _, err := os.Stat(newPath); err == nil {
		return kgerr.Conflictf("request.RenameDatabase", "database %q already exists", newName)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return kgerr.IOf("request.RenameDatabase", err)
	}
	return nil
}

// SetAutoSave is a placeholder surface for toggling auto-save at runtime;
// the pipeline currently reads this flag only at construction time from
// [config.PipelineConfig], so a live toggle requires restarting the
// pipeline with the new setting.
func (s *Service) SetAutoSave(enabled bool) error {
	return fmt.Errorf("request: live auto-save toggling is not supported, restart with auto_save_enabled=%v in configuration", enabled)
}
