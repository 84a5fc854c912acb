package merger

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/kgraph/internal/completion"
	"github.com/MrWong99/kgraph/internal/delta"
	"github.com/MrWong99/kgraph/internal/kg"
	"github.com/MrWong99/kgraph/pkg/provider/llm"
	"github.com/MrWong99/kgraph/pkg/provider/llm/mock"
)

func newTestGraph() *kg.Graph {
	system := kg.NewSystem()
	system.AddClassDefinition("Person", "a human being", nil)
	g := kg.NewGraph(system)
	_ = g.AddEntity(kg.Entity{Name: "Alice"}, false)
	return g
}

func TestMerge_DisabledTakesSimplePath(t *testing.T) {
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "should not matter"}}
	m := New(completion.New(p), false, nil)

	d := delta.GraphDelta{TaskID: "t1", Entities: []delta.EntityDelta{{Name: "Bob", Operation: delta.EntityAdd}}}
	res := m.Merge(context.Background(), newTestGraph().System(), newTestGraph(), d)

	if len(p.CompleteCalls) != 0 {
		t.Error("completion service should not have been called")
	}
	if len(res.OptimizedDelta.Entities) != 1 || res.OptimizedDelta.Entities[0].Name != "Bob" {
		t.Errorf("expected delta applied verbatim, got %+v", res.OptimizedDelta)
	}
	if res.DuplicatesFound != 0 || res.ConflictsResolved != 0 {
		t.Error("expected zero counters for simple merge")
	}
}

func TestMerge_ParsesOptimizedReply(t *testing.T) {
	reply := `{
  "optimized_classes": [],
  "optimized_entities": [{"name": "Bob", "description": "a friend", "classes": [], "properties": {}, "operation": "add", "merge_target": ""}],
  "optimized_relationships": [],
  "merge_summary": {"duplicates_found": 1, "conflicts_resolved": 2, "names_aligned": 3, "descriptions_optimized": 4, "notes": "cleaned up"}
}`
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: reply}}
	m := New(completion.New(p), true, nil)

	g := newTestGraph()
	d := delta.GraphDelta{TaskID: "t1", Entities: []delta.EntityDelta{{Name: "Bob", Operation: delta.EntityAdd}}}
	res := m.Merge(context.Background(), g.System(), g, d)

	if len(p.CompleteCalls) != 1 {
		t.Fatalf("expected 1 completion call, got %d", len(p.CompleteCalls))
	}
	if res.DuplicatesFound != 1 || res.ConflictsResolved != 2 || res.NamesAligned != 3 || res.DescriptionsOptimized != 4 {
		t.Errorf("unexpected counters: %+v", res)
	}
	if res.Notes != "cleaned up" {
		t.Errorf("expected notes to survive, got %q", res.Notes)
	}
	if len(res.OptimizedDelta.Entities) != 1 || res.OptimizedDelta.Entities[0].Description != "a friend" {
		t.Errorf("unexpected optimized entities: %+v", res.OptimizedDelta.Entities)
	}
}

func TestMerge_MergeOperationUsesMergeTargetAsName(t *testing.T) {
	reply := `{
  "optimized_entities": [{"name": "Bob", "operation": "merge", "merge_target": "Robert"}],
  "merge_summary": {}
}`
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: reply}}
	m := New(completion.New(p), true, nil)

	g := newTestGraph()
	d := delta.GraphDelta{TaskID: "t1", Entities: []delta.EntityDelta{{Name: "Bob", Operation: delta.EntityMerge, MergeTarget: "Robert"}}}
	res := m.Merge(context.Background(), g.System(), g, d)

	if len(res.OptimizedDelta.Entities) != 1 || res.OptimizedDelta.Entities[0].Name != "Robert" {
		t.Fatalf("expected merge_target to become the canonical name, got %+v", res.OptimizedDelta.Entities)
	}
}

func TestMerge_IncrementCountWithZeroAmountIsDowngraded(t *testing.T) {
	reply := `{
  "optimized_relationships": [{"source": "Alice", "target": "Bob", "description": "knows", "operation": "increment_count", "increment_amount": 0}],
  "merge_summary": {}
}`
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: reply}}
	m := New(completion.New(p), true, nil)

	g := newTestGraph()
	d := delta.GraphDelta{TaskID: "t1"}
	res := m.Merge(context.Background(), g.System(), g, d)

	if len(res.OptimizedDelta.Relationships) != 1 {
		t.Fatalf("expected 1 relationship, got %d", len(res.OptimizedDelta.Relationships))
	}
	rel := res.OptimizedDelta.Relationships[0]
	if rel.Operation != delta.RelationshipAdd {
		t.Errorf("expected downgrade to add, got %q", rel.Operation)
	}
}

func TestMerge_UnparseableReplyFallsBackToSimpleMerge(t *testing.T) {
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "not json at all"}}
	m := New(completion.New(p), true, nil)

	g := newTestGraph()
	d := delta.GraphDelta{TaskID: "t1", Entities: []delta.EntityDelta{{Name: "Bob", Operation: delta.EntityAdd}}}
	res := m.Merge(context.Background(), g.System(), g, d)

	if len(res.OptimizedDelta.Entities) != 1 || res.OptimizedDelta.Entities[0].Name != "Bob" {
		t.Errorf("expected fallback to the original delta, got %+v", res.OptimizedDelta)
	}
	if res.LLMResponse == "" {
		t.Error("expected the raw response to be retained even on parse failure")
	}
}

func TestMerge_CompletionErrorFallsBackToSimpleMerge(t *testing.T) {
	p := &mock.Provider{CompleteErr: errors.New("upstream down")}
	m := New(completion.New(p), true, nil)

	g := newTestGraph()
	d := delta.GraphDelta{TaskID: "t1", Entities: []delta.EntityDelta{{Name: "Bob", Operation: delta.EntityAdd}}}
	res := m.Merge(context.Background(), g.System(), g, d)

	if len(res.OptimizedDelta.Entities) != 1 {
		t.Error("expected fallback to the original delta on completion error")
	}
}
