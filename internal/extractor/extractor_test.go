package extractor

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/kgraph/internal/completion"
	"github.com/MrWong99/kgraph/internal/config"
	"github.com/MrWong99/kgraph/internal/kg"
	"github.com/MrWong99/kgraph/pkg/provider/llm"
	"github.com/MrWong99/kgraph/pkg/provider/llm/mock"
)

var errTest = errors.New("upstream failure")

func newTestSystem() *kg.System {
	s := kg.NewSystem()
	s.AddClassDefinition("Person", "a human being", []kg.PropertyDefinition{
		{Name: "role", Description: "their role"},
	})
	return s
}

func newExtractor(reply string) (*Extractor, *mock.Provider) {
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: reply}}
	svc := completion.New(p)
	x := New(svc, config.ExtractorConfig{}, nil)
	return x, p
}

func TestExtract_FourStepReplyProducesEntitiesAndRelationships(t *testing.T) {
	reply := `NO_NEW_PROPERTIES
SECTION_DELIMITER
("entity"|user|a person who uses wechat)
("entity"|wechat|a messaging app)
SECTION_DELIMITER
("class_property"|user|Person|role|customer)
SECTION_DELIMITER
("relationship"|user|wechat|opens|1|NONE|NONE)`

	x, _ := newExtractor(reply)
	res, err := x.Extract(context.Background(), newTestSystem(), "some text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Entities) != 2 {
		t.Fatalf("expected 2 entities, got %d: %+v", len(res.Entities), res.Entities)
	}
	if len(res.Relationships) != 1 {
		t.Fatalf("expected 1 relationship, got %d", len(res.Relationships))
	}
	rel := res.Relationships[0]
	if rel.Source != "user" || rel.Target != "wechat" || rel.Count != 1 {
		t.Errorf("unexpected relationship: %+v", rel)
	}

	var user kg.Entity
	for _, e := range res.Entities {
		if e.Name == "user" {
			user = e
		}
	}
	ci, ok := user.ClassInstanceByName("Person")
	if !ok {
		t.Fatal("expected user to be bound to Person")
	}
	if ci.Properties["role"] != "customer" {
		t.Errorf("expected role=customer, got %q", ci.Properties["role"])
	}
}

func TestExtract_LegacyThreeSectionReplyInsertsEmptyStep0(t *testing.T) {
	reply := `("entity"|user|a person)
SECTION_DELIMITER
("class_property"|user|Person|NONE|NONE)
SECTION_DELIMITER
("relationship"|user|wechat|opens|1|NONE|NONE)`

	x, _ := newExtractor(reply)
	res, err := x.Extract(context.Background(), newTestSystem(), "text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Entities) != 1 {
		t.Fatalf("expected 1 entity, got %d", len(res.Entities))
	}
}

func TestExtract_NewPropertySuggestionIsAppliedToSystem(t *testing.T) {
	reply := `("new_property"|Person|age|how old they are|useful for disambiguation)
SECTION_DELIMITER
("entity"|user|a person)
SECTION_DELIMITER
("class_property"|user|Person|age|30)
SECTION_DELIMITER
NONE`

	system := newTestSystem()
	x, _ := newExtractor(reply)
	_, err := x.Extract(context.Background(), system, "text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	def, _ := system.ClassDefinition("Person")
	if _, found := def.PropertyByName("age"); !found {
		t.Error("expected age property to have been added to the System")
	}
}

func TestExtract_UndefinedClassBindingIsDroppedLeniently(t *testing.T) {
	reply := `NO_NEW_PROPERTIES
SECTION_DELIMITER
("entity"|ghost|an entity)
SECTION_DELIMITER
("class_property"|ghost|Nonexistent|NONE|NONE)
SECTION_DELIMITER
NONE`

	x, _ := newExtractor(reply)
	res, err := x.Extract(context.Background(), newTestSystem(), "text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The entity itself still exists (just without the undefined class),
	// since only the unknown class binding is dropped, not the entity.
	if len(res.Entities) != 1 {
		t.Fatalf("expected 1 entity to survive lenient validation, got %d", len(res.Entities))
	}
	if len(res.Entities[0].Classes) != 0 {
		t.Errorf("expected the undefined class to have been dropped, got %+v", res.Entities[0].Classes)
	}
}

func TestExtract_ReferListToleratesChineseComma(t *testing.T) {
	reply := `NO_NEW_PROPERTIES
SECTION_DELIMITER
("entity"|user|a person)
("entity"|wechat|an app)
SECTION_DELIMITER
NONE
SECTION_DELIMITER
("relationship"|user|wechat|opens|2|phone，tablet|NONE)`

	x, _ := newExtractor(reply)
	res, err := x.Extract(context.Background(), newTestSystem(), "text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Relationships) != 1 {
		t.Fatalf("expected 1 relationship, got %d", len(res.Relationships))
	}
	refer := res.Relationships[0].Refer
	if len(refer) != 2 || refer[0] != "phone" || refer[1] != "tablet" {
		t.Errorf("expected refer=[phone tablet], got %v", refer)
	}
}

func TestExtract_EnableCheckRunsSecondPass(t *testing.T) {
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "NO_NEW_PROPERTIES\nSECTION_DELIMITER\nNONE\nSECTION_DELIMITER\nNONE\nSECTION_DELIMITER\nNONE"}}
	svc := completion.New(p)
	x := New(svc, config.ExtractorConfig{EnableCheck: true}, nil)

	_, err := x.Extract(context.Background(), newTestSystem(), "text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.CompleteCalls) != 2 {
		t.Fatalf("expected 2 completion calls (extract + check), got %d", len(p.CompleteCalls))
	}
}

func TestExtract_CompletionErrorIsWrappedAsUpstream(t *testing.T) {
	p := &mock.Provider{CompleteErr: errTest}
	svc := completion.New(p)
	x := New(svc, config.ExtractorConfig{}, nil)

	_, err := x.Extract(context.Background(), newTestSystem(), "text")
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestSplitRecords_ToleratesCommentsAndTitlesAndMixedLines(t *testing.T) {
	x, _ := newExtractor("")
	section := `STEP 1:
# a comment line
Entities:
("entity"|user|a person)
("entity"|wechat
|a messaging app)`
	recs := x.splitRecords(section)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records after filtering, got %d: %v", len(recs), recs)
	}
}
