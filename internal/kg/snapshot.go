package kg

import (
	"encoding/gob"
	"log/slog"
	"os"
	"time"

	"github.com/MrWong99/kgraph/internal/kgerr"
)

// snapshotProperty mirrors PropertyDefinition for encoding.
type snapshotProperty struct {
	Name          string
	Description   string
	Required      bool
	ValueRequired bool
}

// snapshotClass mirrors ClassDefinition for encoding.
type snapshotClass struct {
	Name        string
	Description string
	Properties  []snapshotProperty
}

// snapshotClassInstance mirrors ClassInstance for encoding.
type snapshotClassInstance struct {
	ClassName  string
	Properties map[string]string
}

// snapshotEntity mirrors Entity for encoding.
type snapshotEntity struct {
	Name        string
	Description string
	Classes     []snapshotClassInstance
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// snapshotRelationship mirrors Relationship for encoding. Strength is the
// legacy counterpart of Count: snapshots written by an older format carry
// Strength instead of Count, and omit Refer/SemanticTimes entirely.
type snapshotRelationship struct {
	Source        string
	Target        string
	Description   string
	Count         int
	Strength      int
	Refer         []string
	SemanticTimes []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// snapshotEnvelope is the single persisted unit written by [Graph.Save] and
// read by [Graph.Load]. System is the current-format field; ClassDefinitions
// is populated only by snapshots from a format that predates the System
// section and is used to reconstruct one on load.
type snapshotEnvelope struct {
	Version         int
	System          []snapshotClass
	ClassDefinitions map[string]snapshotClass // legacy fallback
	Predefined      []snapshotEntity
	Entities        []snapshotEntity
	Relationships   []snapshotRelationship
}

const snapshotVersion = 1

func toSnapshotClass(c ClassDefinition) snapshotClass {
	props := make([]snapshotProperty, len(c.Properties))
	for i, p := range c.Properties {
		props[i] = snapshotProperty{Name: p.Name, Description: p.Description, Required: p.Required, ValueRequired: p.ValueRequired}
	}
	return snapshotClass{Name: c.Name, Description: c.Description, Properties: props}
}

func fromSnapshotClass(c snapshotClass) ClassDefinition {
	props := make([]PropertyDefinition, len(c.Properties))
	for i, p := range c.Properties {
		props[i] = PropertyDefinition{Name: p.Name, Description: p.Description, Required: p.Required, ValueRequired: p.ValueRequired}
	}
	return ClassDefinition{Name: c.Name, Description: c.Description, Properties: props}
}

func toSnapshotEntity(e Entity) snapshotEntity {
	classes := make([]snapshotClassInstance, len(e.Classes))
	for i, ci := range e.Classes {
		classes[i] = snapshotClassInstance{ClassName: ci.ClassName, Properties: ci.Properties}
	}
	return snapshotEntity{Name: e.Name, Description: e.Description, Classes: classes, CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt}
}

func fromSnapshotEntity(e snapshotEntity) Entity {
	classes := make([]ClassInstance, len(e.Classes))
	for i, ci := range e.Classes {
		classes[i] = ClassInstance{ClassName: ci.ClassName, Properties: ci.Properties}
	}
	return Entity{Name: e.Name, Description: e.Description, Classes: classes, CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt}
}

// Save writes a binary snapshot of the graph to path, containing the full
// System catalog and predefined entities, all entities, all class-instance
// nodes (implicitly, by re-materializing them from entities on load), and
// all relationships.
func (g *Graph) Save(path string) error {
	g.mu.RLock()
	classes := make([]snapshotClass, 0)
	for _, c := range g.system.ClassDefinitions() {
		classes = append(classes, toSnapshotClass(c))
	}
	predefined := make([]snapshotEntity, 0, len(g.system.PredefinedEntities()))
	for _, e := range g.system.PredefinedEntities() {
		predefined = append(predefined, toSnapshotEntity(e))
	}
	entities := make([]snapshotEntity, 0, len(g.entities))
	for _, e := range g.entities {
		entities = append(entities, toSnapshotEntity(e))
	}
	rels := make([]snapshotRelationship, 0, len(g.relationships))
	for _, r := range g.relationships {
		rels = append(rels, snapshotRelationship{
			Source: r.Source, Target: r.Target, Description: r.Description,
			Count: r.Count, Refer: r.Refer, SemanticTimes: r.SemanticTimes,
			CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
		})
	}
	g.mu.RUnlock()

	env := snapshotEnvelope{
		Version:       snapshotVersion,
		System:        classes,
		Predefined:    predefined,
		Entities:      entities,
		Relationships: rels,
	}

	f, err := os.Create(path)
	if err != nil {
		return kgerr.IOf("graph.Save", err)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(env); err != nil {
		return kgerr.IOf("graph.Save", err)
	}
	return nil
}

// Load reconstructs a Graph from the binary snapshot at path. It tolerates
// older snapshots that carry ClassDefinitions instead of System, and
// relationships that carry Strength instead of Count or omit Refer /
// SemanticTimes (defaulted to nil).
func Load(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kgerr.IOf("graph.Load", err)
	}
	defer f.Close()

	var env snapshotEnvelope
	if err := gob.NewDecoder(f).Decode(&env); err != nil {
		return nil, kgerr.IOf("graph.Load", err)
	}

	system := NewSystem()
	if len(env.System) > 0 {
		for _, c := range env.System {
			def := fromSnapshotClass(c)
			system.AddClassDefinition(def.Name, def.Description, def.Properties)
		}
	} else if len(env.ClassDefinitions) > 0 {
		for _, c := range env.ClassDefinitions {
			def := fromSnapshotClass(c)
			system.AddClassDefinition(def.Name, def.Description, def.Properties)
		}
	}

	predefined := make([]Entity, len(env.Predefined))
	for i, e := range env.Predefined {
		predefined[i] = fromSnapshotEntity(e)
	}
	system.SetPredefinedEntities(predefined)

	g := &Graph{
		system:     system,
		entities:   make(map[string]Entity),
		classNodes: make(map[string]ClassNode),
		adjacency:  make(map[string]map[string]struct{}),
	}
	g.log = slog.Default()

	for _, e := range predefined {
		_ = g.AddEntity(e, false)
	}
	for _, se := range env.Entities {
		_ = g.AddEntity(fromSnapshotEntity(se), false)
	}
	for _, sr := range env.Relationships {
		count := sr.Count
		if count == 0 && sr.Strength != 0 {
			count = sr.Strength
		}
		if count <= 0 {
			count = 1
		}
		r := Relationship{
			Source: sr.Source, Target: sr.Target, Description: sr.Description,
			Count: count, Refer: sr.Refer, SemanticTimes: sr.SemanticTimes,
			CreatedAt: sr.CreatedAt, UpdatedAt: sr.UpdatedAt,
		}
		if err := g.AddRelationship(r); err != nil {
			g.log.Warn("graph.Load: dropping relationship with missing endpoint", "source", r.Source, "target", r.Target, "err", err)
		}
	}

	return g, nil
}
