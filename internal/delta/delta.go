// Package delta holds the structured proposal of changes — classes,
// properties, entities, relationships — that flows from the extract phase to
// the merge phase of the pipeline. Each record carries an operation tag
// selecting among variants with different required fields, modeled as a
// tagged sum type with per-variant required fields.
package delta

import "fmt"

// PropertyOp is the operation tag on a [PropertyDelta].
type PropertyOp string

const (
	PropertyAdd    PropertyOp = "add"
	PropertyUpdate PropertyOp = "update"
	PropertyRemove PropertyOp = "remove"
)

// PropertyDelta proposes adding, updating, or removing a property
// definition on a class.
type PropertyDelta struct {
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	Required       *bool      `json:"required,omitempty"`
	ValueRequired  *bool      `json:"value_required,omitempty"`
	Operation      PropertyOp `json:"operation"`
}

// ClassOp is the operation tag on a [ClassDelta].
type ClassOp string

const (
	ClassAdd    ClassOp = "add"
	ClassUpdate ClassOp = "update"
)

// ClassDelta proposes adding a new class or enhancing an existing one.
// The catalog is append-only: ClassUpdate may only add properties and
// rewrite the description, never remove or rename anything.
type ClassDelta struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Properties  []PropertyDelta `json:"properties,omitempty"`
	Operation   ClassOp         `json:"operation"`
}

// EntityOp is the operation tag on an [EntityDelta].
type EntityOp string

const (
	EntityAdd    EntityOp = "add"
	EntityUpdate EntityOp = "update"
	EntityMerge  EntityOp = "merge"
)

// EntityDelta proposes adding, updating, or merging an entity.
//
// Properties maps class name to a map of property name → value. When
// Operation is [EntityMerge], MergeTarget names the canonical entity that
// Name is to be absorbed into; Name and MergeTarget are kept as distinct
// fields so the combiner never has to guess which one is canonical.
type EntityDelta struct {
	Name        string                       `json:"name"`
	Description string                       `json:"description,omitempty"`
	Classes     []string                     `json:"classes,omitempty"`
	Properties  map[string]map[string]string `json:"properties,omitempty"`
	Operation   EntityOp                     `json:"operation"`
	MergeTarget string                       `json:"merge_target,omitempty"`
}

// RelationshipOp is the operation tag on a [RelationshipDelta].
type RelationshipOp string

const (
	RelationshipAdd            RelationshipOp = "add"
	RelationshipUpdate         RelationshipOp = "update"
	RelationshipMerge          RelationshipOp = "merge"
	RelationshipIncrementCount RelationshipOp = "increment_count"
)

// RelationshipDelta proposes adding, updating, merging, or incrementing the
// count of a relationship between two nodes.
//
// IncrementAmount is only meaningful when Operation is
// [RelationshipIncrementCount]; it must be strictly positive, otherwise the
// combiner downgrades the record to [RelationshipAdd].
type RelationshipDelta struct {
	Source          string         `json:"source"`
	Target          string         `json:"target"`
	Description     string         `json:"description"`
	Count           int            `json:"count"`
	Refer           []string       `json:"refer,omitempty"`
	SemanticTimes   []string       `json:"semantic_times,omitempty"`
	Operation       RelationshipOp `json:"operation"`
	IncrementAmount int            `json:"increment_amount,omitempty"`
}

// Normalize downgrades an increment_count record with a non-positive
// IncrementAmount to a plain add, and raises a non-positive Count to 1 on
// any record.
func (r RelationshipDelta) Normalize() RelationshipDelta {
	if r.Operation == RelationshipIncrementCount && r.IncrementAmount <= 0 {
		r.Operation = RelationshipAdd
		if r.Count <= 0 {
			r.Count = 1
		}
	}
	if r.Count <= 0 {
		r.Count = 1
	}
	return r
}

// GraphDelta is the complete proposal produced by one task's extract phase
// and consumed by the merge phase.
type GraphDelta struct {
	TaskID        string              `json:"task_id"`
	Classes       []ClassDelta        `json:"classes,omitempty"`
	Entities      []EntityDelta       `json:"entities,omitempty"`
	Relationships []RelationshipDelta `json:"relationships,omitempty"`
	Metadata      map[string]any      `json:"metadata,omitempty"`
	CreatedAt     int64               `json:"created_at"`
}

// IsEmpty reports whether the delta carries no changes at all.
func (d GraphDelta) IsEmpty() bool {
	return len(d.Classes) == 0 && len(d.Entities) == 0 && len(d.Relationships) == 0
}

// Summary returns a one-line human-readable description of the delta, used
// as the data of the extraction_completed progress event and in the smart
// merger's input.
func (d GraphDelta) Summary() string {
	return fmt.Sprintf("GraphDelta(task_id=%s, %d classes, %d entities, %d relationships)",
		d.TaskID, len(d.Classes), len(d.Entities), len(d.Relationships))
}
