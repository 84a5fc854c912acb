package request

import (
	"path/filepath"
	"testing"

	"github.com/MrWong99/kgraph/internal/completion"
	"github.com/MrWong99/kgraph/internal/config"
	"github.com/MrWong99/kgraph/internal/kg"
	"github.com/MrWong99/kgraph/internal/pipeline"
	"github.com/MrWong99/kgraph/pkg/provider/llm"
	"github.com/MrWong99/kgraph/pkg/provider/llm/mock"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	system := kg.NewSystem()
	system.AddClassDefinition("Person", "a human being", []kg.PropertyDefinition{
		{Name: "role", Description: "their role"},
	})
	graph := kg.NewGraph(system)
	_ = graph.AddEntity(kg.Entity{Name: "Alice", Classes: []kg.ClassInstance{
		{ClassName: "Person", Properties: map[string]string{"role": "hero"}},
	}}, false)

	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "SUFFICIENT"}}
	pipe := pipeline.New(graph, completion.New(p), pipeline.Options{
		Pipeline: config.PipelineConfig{MaxConcurrentTasks: 1},
	})

	return New(pipe, graph, t.TempDir())
}

func TestListAndGetClasses(t *testing.T) {
	s := newTestService(t)
	classes := s.ListClasses()
	if len(classes) != 1 || classes[0].Name != "Person" {
		t.Fatalf("unexpected classes: %+v", classes)
	}
	if _, err := s.GetClass("nonexistent"); err == nil {
		t.Error("expected an error for an unknown class")
	}
}

func TestCreateClass_RejectsDuplicate(t *testing.T) {
	s := newTestService(t)
	if err := s.CreateClass("Person", "dup", nil); err == nil {
		t.Fatal("expected an error creating a duplicate class")
	}
	if err := s.CreateClass("Place", "a location", nil); err != nil {
		t.Fatalf("unexpected error creating a new class: %v", err)
	}
}

func TestAddProperty_UnknownClassErrors(t *testing.T) {
	s := newTestService(t)
	if err := s.AddProperty("Ghost", kg.PropertyDefinition{Name: "x"}); err == nil {
		t.Fatal("expected an error adding a property to an unknown class")
	}
}

func TestGetEntity(t *testing.T) {
	s := newTestService(t)
	e, err := s.GetEntity("alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Name != "Alice" {
		t.Errorf("expected case-insensitive lookup to find Alice, got %+v", e)
	}
	if _, err := s.GetEntity("nobody"); err == nil {
		t.Error("expected an error for an unknown entity")
	}
}

func TestUpdateEntityProperty(t *testing.T) {
	s := newTestService(t)
	if err := s.UpdateEntityProperty("Alice", "Person", "role", "villain"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e, _ := s.GetEntity("Alice")
	ci, _ := e.ClassInstanceByName("Person")
	if ci.Properties["role"] != "villain" {
		t.Errorf("expected role to be updated to villain, got %+v", ci.Properties)
	}
}

func TestUpdateEntityProperty_UnknownClassErrors(t *testing.T) {
	s := newTestService(t)
	if err := s.UpdateEntityProperty("Alice", "Ghost", "role", "x"); err == nil {
		t.Fatal("expected an error updating a property on a class the entity does not have")
	}
}

func TestGetGraphAndStats(t *testing.T) {
	s := newTestService(t)
	g := s.GetGraph()
	if len(g.Entities) != 1 || len(g.Classes) != 1 {
		t.Fatalf("unexpected graph view: %+v", g)
	}
	stats := s.GetStats()
	if stats.Entities != 1 || stats.Classes != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestSearchKeyword(t *testing.T) {
	s := newTestService(t)
	results := s.SearchKeyword("Alice", false, 10)
	if len(results) == 0 {
		t.Error("expected at least one search hit for Alice")
	}
}

func TestDatabaseLifecycle(t *testing.T) {
	s := newTestService(t)

	path, err := s.CreateDatabase("scratch.gob")
	if err != nil {
		t.Fatalf("unexpected error creating database: %v", err)
	}
	if filepath.Base(path) != "scratch.gob" {
		t.Errorf("unexpected path: %q", path)
	}

	if _, err := s.CreateDatabase("scratch.gob"); err == nil {
		t.Error("expected an error creating a database that already exists")
	}

	files, err := s.ListDatabaseFiles()
	if err != nil {
		t.Fatalf("unexpected error listing databases: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 database file, got %d: %+v", len(files), files)
	}

	if err := s.RenameDatabase("scratch.gob", "renamed.gob"); err != nil {
		t.Fatalf("unexpected error renaming: %v", err)
	}
	if err := s.RenameDatabase("does-not-exist.gob", "x.gob"); err == nil {
		t.Error("expected an error renaming a nonexistent file")
	}

	if err := s.DeleteDatabase("renamed.gob"); err != nil {
		t.Fatalf("unexpected error deleting: %v", err)
	}
	if err := s.DeleteDatabase("default.gob"); err == nil {
		t.Error("expected deleting the default database to be rejected")
	}
}

func TestDbPath_RejectsTraversal(t *testing.T) {
	s := newTestService(t)
	if _, err := s.dbPath("../escape.gob"); err == nil {
		t.Error("expected path traversal to be rejected")
	}
	if _, err := s.dbPath(""); err == nil {
		t.Error("expected an empty name to be rejected")
	}
}

func TestSubmitAndGetTask(t *testing.T) {
	s := newTestService(t)
	id := s.SubmitTask("hello world")
	view, err := s.GetTask(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.TaskID != id || view.InputText != "hello world" {
		t.Errorf("unexpected task view: %+v", view)
	}
	if _, err := s.GetTask("missing"); err == nil {
		t.Error("expected an error for an unknown task id")
	}
}

func TestCancelTask_UnknownReturnsError(t *testing.T) {
	s := newTestService(t)
	if err := s.CancelTask("missing"); err == nil {
		t.Error("expected an error cancelling an unknown task")
	}
}
