package kg

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/kgraph/internal/kgerr"
)

// Graph is the in-memory typed multigraph: entities (keyed by uppercased
// name), materialized class-instance nodes (keyed by uppercased
// "entity:class" id), and relationships, backed by an adjacency map over
// uppercased node ids. The class-master layer is never cached — the bound
// System is the single source of truth for class definitions and is read on
// every class-master query.
//
// The canonical System and Graph are mutated only from the pipeline's merge
// worker; readers observe them without locks held across I/O, matching the
// lock-snapshot-then-unlock-before-IO discipline used throughout this
// codebase's concurrent components.
type Graph struct {
	mu            sync.RWMutex
	system        *System
	entities      map[string]Entity
	classNodes    map[string]ClassNode
	relationships []Relationship
	adjacency     map[string]map[string]struct{}
	log           *slog.Logger
}

// NewGraph creates a Graph bound to system, instantiating predefined
// entities immediately and recording them on the System for persistence.
func NewGraph(system *System, predefined ...Entity) *Graph {
	g := &Graph{
		system:     system,
		entities:   make(map[string]Entity),
		classNodes: make(map[string]ClassNode),
		adjacency:  make(map[string]map[string]struct{}),
		log:        slog.Default(),
	}
	if len(predefined) > 0 {
		system.SetPredefinedEntities(predefined)
		for _, e := range predefined {
			if err := g.AddEntity(e, false); err != nil {
				g.log.Warn("predefined entity rejected", "name", e.Name, "err", err)
			}
		}
	}
	return g
}

// SetLogger overrides the logger used for lenient-mode warnings.
func (g *Graph) SetLogger(l *slog.Logger) { g.log = l }

// System returns the System bound to this graph.
func (g *Graph) System() *System { return g.system }

// nodeKindLocked classifies id against the current graph state. Caller must
// hold g.mu (read or write).
func (g *Graph) nodeKindLocked(id string) NodeKind {
	up := strings.ToUpper(id)
	if _, ok := g.entities[up]; ok {
		return NodeEntity
	}
	if _, ok := g.classNodes[up]; ok {
		return NodeClassInstance
	}
	if g.system.HasClass(id) {
		return NodeClassMaster
	}
	return NodeUnknown
}

// NodeKind classifies id. Safe for concurrent use.
func (g *Graph) NodeKind(id string) NodeKind {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodeKindLocked(id)
}

// validateEntity checks e's classes/properties against the bound System.
func (g *Graph) validateEntity(e Entity, strict bool) (Entity, error) {
	return ValidateEntity(g.system, e, strict, g.log)
}

// ValidateEntity checks e's classes/properties against system. In strict
// mode, any violation is collected and returned as an aggregate error with
// the entity unmodified. In lenient mode, invalid classes or properties are
// dropped from a copy of e and warnings are logged to log (or [slog.Default]
// if log is nil); the returned entity is always valid in that case.
//
// Exported so that callers outside the graph — notably the extractor, which
// must re-validate entities against a task's System snapshot before
// returning them — can reuse the same rule the graph applies at merge time.
func ValidateEntity(system *System, e Entity, strict bool, log *slog.Logger) (Entity, error) {
	if log == nil {
		log = slog.Default()
	}
	var errs []error
	kept := make([]ClassInstance, 0, len(e.Classes))

	for _, ci := range e.Classes {
		def, ok := system.ClassDefinition(ci.ClassName)
		if !ok {
			errs = append(errs, fmt.Errorf("entity %q: class %q is not defined", e.Name, ci.ClassName))
			if !strict {
				log.Warn("entity: dropping undefined class", "entity", e.Name, "class", ci.ClassName)
				continue
			}
			kept = append(kept, ci)
			continue
		}

		keptProps := make(map[string]string, len(ci.Properties))
		for name, val := range ci.Properties {
			propDef, found := def.PropertyByName(name)
			if !found {
				errs = append(errs, fmt.Errorf("entity %q: class %q has no property %q", e.Name, ci.ClassName, name))
				if !strict {
					log.Warn("entity: dropping undeclared property", "entity", e.Name, "class", ci.ClassName, "property", name)
					continue
				}
				keptProps[name] = val
				continue
			}
			if propDef.ValueRequired && val == "" {
				errs = append(errs, fmt.Errorf("entity %q: class %q property %q requires a value", e.Name, ci.ClassName, name))
				if !strict {
					log.Warn("entity: dropping empty required property", "entity", e.Name, "class", ci.ClassName, "property", name)
					continue
				}
			}
			keptProps[name] = val
		}
		kept = append(kept, ClassInstance{ClassName: ci.ClassName, Properties: keptProps})
	}

	e.Classes = kept
	if strict && len(errs) > 0 {
		return e, errors.Join(errs...)
	}
	return e, nil
}

// AddEntity validates e against the bound System and absorbs it into the
// graph. If an entity with the same uppercased name already exists,
// descriptions are merged (a non-empty incoming description overwrites only
// an empty existing one), class memberships are unioned, and per-class
// properties are unioned (an incoming value overwrites only an empty
// existing value). Creating or updating an entity materializes the
// corresponding class-instance nodes.
//
// In strict mode, validation failures return an [kgerr.InvalidArgument]
// error and the entity is not applied. In lenient mode (the default),
// offending classes/properties are dropped and a warning is logged.
func (g *Graph) AddEntity(e Entity, strict bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	valid, err := g.validateEntity(e, strict)
	if err != nil {
		return kgerr.InvalidArgumentf("graph.AddEntity", "%w", err)
	}

	now := time.Now()
	key := valid.IdentityKey()
	existing, ok := g.entities[key]
	if !ok {
		if valid.CreatedAt.IsZero() {
			valid.CreatedAt = now
		}
		valid.UpdatedAt = now
		g.entities[key] = valid
		g.materializeClassNodesLocked(valid)
		return nil
	}

	merged := mergeEntities(existing, valid)
	merged.UpdatedAt = now
	g.entities[key] = merged
	g.materializeClassNodesLocked(merged)
	return nil
}

// mergeEntities unions incoming into existing following the "later writes
// overwrite empty earlier values" rule for both the description and every
// per-class property value.
func mergeEntities(existing, incoming Entity) Entity {
	out := existing
	if out.Description == "" && incoming.Description != "" {
		out.Description = incoming.Description
	}

	for _, inCI := range incoming.Classes {
		idx := -1
		for i, ci := range out.Classes {
			if strings.EqualFold(ci.ClassName, inCI.ClassName) {
				idx = i
				break
			}
		}
		if idx < 0 {
			out.Classes = append(out.Classes, inCI)
			continue
		}
		existingCI := out.Classes[idx]
		if existingCI.Properties == nil {
			existingCI.Properties = make(map[string]string)
		}
		for name, val := range inCI.Properties {
			if cur, has := existingCI.Properties[name]; !has || cur == "" {
				existingCI.Properties[name] = val
			}
		}
		out.Classes[idx] = existingCI
	}
	return out
}

// materializeClassNodesLocked ensures a ClassNode exists for every class the
// entity carries. Caller must hold g.mu for writing.
func (g *Graph) materializeClassNodesLocked(e Entity) {
	for _, ci := range e.Classes {
		id := ClassInstanceNodeID(e.Name, ci.ClassName)
		key := strings.ToUpper(id)
		if _, ok := g.classNodes[key]; ok {
			continue
		}
		desc := ""
		if def, ok := g.system.ClassDefinition(ci.ClassName); ok {
			desc = def.Description
		}
		g.classNodes[key] = ClassNode{
			ID:          id,
			EntityName:  e.Name,
			ClassName:   ci.ClassName,
			Description: desc,
		}
	}
}

// AddRelationship validates that both endpoints resolve to some node kind
// (entity, class-instance node, or a defined class in the System), then
// either accumulates into a matching existing relationship or inserts a new
// one. Two relationships are identical iff
// (source↑, target↑, description, set(refer↑)) match; in that case the
// incoming Count is added to the existing one and any SemanticTimes are
// appended.
func (g *Graph) AddRelationship(r Relationship) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.nodeKindLocked(r.Source) == NodeUnknown {
		return kgerr.NotFoundf("graph.AddRelationship", "source node %q does not exist", r.Source)
	}
	if g.nodeKindLocked(r.Target) == NodeUnknown {
		return kgerr.NotFoundf("graph.AddRelationship", "target node %q does not exist", r.Target)
	}

	if r.Count <= 0 {
		r.Count = 1
	}

	now := time.Now()
	key := r.IdentityKey()
	for i, existing := range g.relationships {
		if existing.IdentityKey() != key {
			continue
		}
		existing.Count += r.Count
		existing.SemanticTimes = append(existing.SemanticTimes, r.SemanticTimes...)
		existing.UpdatedAt = now
		g.relationships[i] = existing
		g.linkAdjacencyLocked(existing.Source, existing.Target)
		return nil
	}

	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	g.relationships = append(g.relationships, r)
	g.linkAdjacencyLocked(r.Source, r.Target)
	return nil
}

// IncrementRelationship implements the increment_count operation's full
// contract (spec.md §4.6): scan existing relationships for one whose
// identity matches r; if found, add amount to its count, append r's
// SemanticTimes, and report matched=true. If none matches, insert a brand
// new relationship with Count=amount and report matched=false.
//
// Unlike [Graph.AddRelationship], this does not require r's endpoints to
// already exist as some node kind — spec.md's add_relationship
// endpoint-existence contract (§4.1) is scoped to the add/update/merge
// operations, not to the increment_count no-match fallback, which must
// still create a relationship against a graph containing neither endpoint
// (spec.md §8 S3).
func (g *Graph) IncrementRelationship(r Relationship, amount int) (matched bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := r.IdentityKey()
	now := time.Now()
	for i, existing := range g.relationships {
		if existing.IdentityKey() != key {
			continue
		}
		existing.Count += amount
		existing.SemanticTimes = append(existing.SemanticTimes, r.SemanticTimes...)
		existing.UpdatedAt = now
		g.relationships[i] = existing
		g.linkAdjacencyLocked(existing.Source, existing.Target)
		return true
	}

	r.Count = amount
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	g.relationships = append(g.relationships, r)
	g.linkAdjacencyLocked(r.Source, r.Target)
	return false
}

func (g *Graph) linkAdjacencyLocked(source, target string) {
	s, t := strings.ToUpper(source), strings.ToUpper(target)
	if g.adjacency[s] == nil {
		g.adjacency[s] = make(map[string]struct{})
	}
	g.adjacency[s][t] = struct{}{}
	if g.adjacency[t] == nil {
		g.adjacency[t] = make(map[string]struct{})
	}
	g.adjacency[t][s] = struct{}{}
}

// AddClassDefinition delegates to the bound System; see [System.AddClassDefinition].
func (g *Graph) AddClassDefinition(name, description string, props []PropertyDefinition) bool {
	return g.system.AddClassDefinition(name, description, props)
}

// GetEntity returns the entity named name (case-insensitive).
func (g *Graph) GetEntity(name string) (Entity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entities[strings.ToUpper(name)]
	return e, ok
}

// Entities returns every entity in the graph.
func (g *Graph) Entities() []Entity {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Entity, 0, len(g.entities))
	for _, e := range g.entities {
		out = append(out, e)
	}
	return out
}

// GetRelationships returns every relationship touching nodeID. If nodeID is
// empty, every relationship in the graph is returned.
func (g *Graph) GetRelationships(nodeID string) []Relationship {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if nodeID == "" {
		return append([]Relationship{}, g.relationships...)
	}
	var out []Relationship
	for _, r := range g.relationships {
		if r.TouchesNode(nodeID) {
			out = append(out, r)
		}
	}
	return out
}

// GetClassNodes returns the class-instance nodes for entityName
// (case-insensitive). If entityName is empty, every class-instance node is
// returned.
func (g *Graph) GetClassNodes(entityName string) []ClassNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []ClassNode
	for _, cn := range g.classNodes {
		if entityName == "" || strings.EqualFold(cn.EntityName, entityName) {
			out = append(out, cn)
		}
	}
	return out
}

// GetClassMasterNode synthesizes the class-master view for name on demand
// from the bound System. It is never cached.
func (g *Graph) GetClassMasterNode(name string) (ClassMasterNode, bool) {
	def, ok := g.system.ClassDefinition(name)
	if !ok {
		return ClassMasterNode{}, false
	}
	return ClassMasterNode{Name: def.Name, Description: def.Description, Properties: def.Properties}, true
}

// Neighbors returns the uppercased ids of every node adjacent to nodeID.
func (g *Graph) Neighbors(nodeID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	set := g.adjacency[strings.ToUpper(nodeID)]
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	return out
}

// Merge absorbs another graph's classes, entities, and relationships into g.
func (g *Graph) Merge(other *Graph) error {
	for _, c := range other.system.ClassDefinitions() {
		g.AddClassDefinition(c.Name, c.Description, c.Properties)
	}
	other.mu.RLock()
	entities := make([]Entity, 0, len(other.entities))
	for _, e := range other.entities {
		entities = append(entities, e)
	}
	rels := append([]Relationship{}, other.relationships...)
	other.mu.RUnlock()

	var errs []error
	for _, e := range entities {
		if err := g.AddEntity(e, false); err != nil {
			errs = append(errs, err)
		}
	}
	for _, r := range rels {
		if err := g.AddRelationship(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats summarizes the graph's size.
type Stats struct {
	Classes       int
	Entities      int
	ClassNodes    int
	Relationships int
}

// Stats returns a point-in-time size summary of the graph.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Stats{
		Classes:       len(g.system.ClassDefinitions()),
		Entities:      len(g.entities),
		ClassNodes:    len(g.classNodes),
		Relationships: len(g.relationships),
	}
}
