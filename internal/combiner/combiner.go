// Package combiner applies an optimized [delta.GraphDelta] to the
// canonical System and Graph: the last step of a merge, run exclusively by
// the pipeline's single merge worker.
package combiner

import (
	"log/slog"

	"github.com/MrWong99/kgraph/internal/delta"
	"github.com/MrWong99/kgraph/internal/kg"
)

// EntityStats counts how many entity deltas were newly added versus merged
// into an existing entity.
type EntityStats struct {
	Added   int
	Updated int
}

// RelationshipStats counts add/update/merge relationship deltas, and
// increment_count deltas that matched an existing relationship versus those
// that created a new one.
type RelationshipStats struct {
	Added       int
	Updated     int
	Incremented int
	NotFound    int
}

// Stats aggregates what one [Apply] call did to the graph.
type Stats struct {
	Entities      EntityStats
	Relationships RelationshipStats
}

// Combiner applies optimized deltas to a System/Graph pair.
type Combiner struct {
	log *slog.Logger
}

// New returns a Combiner that logs through log (or [slog.Default] if nil).
func New(log *slog.Logger) *Combiner {
	if log == nil {
		log = slog.Default()
	}
	return &Combiner{log: log}
}

// Apply applies d's classes, entities, and relationships to system/graph in
// that order, since entity and relationship records may depend on classes
// the same delta introduces.
func (c *Combiner) Apply(system *kg.System, graph *kg.Graph, d delta.GraphDelta) Stats {
	c.applyClasses(system, d.Classes)

	var stats Stats
	stats.Entities = c.applyEntities(graph, d.Entities)
	stats.Relationships = c.applyRelationships(graph, d.Relationships)
	return stats
}

func (c *Combiner) applyClasses(system *kg.System, classes []delta.ClassDelta) {
	for _, cd := range classes {
		props := make([]kg.PropertyDefinition, 0, len(cd.Properties))
		for _, pd := range cd.Properties {
			if pd.Operation == delta.PropertyRemove {
				c.log.Warn("combiner: property removal is not supported, the catalog is append-only", "class", cd.Name, "property", pd.Name)
				continue
			}
			props = append(props, kg.PropertyDefinition{
				Name:          pd.Name,
				Description:   pd.Description,
				Required:      boolValue(pd.Required),
				ValueRequired: boolValue(pd.ValueRequired),
			})
		}
		system.AddClassDefinition(cd.Name, cd.Description, props)
	}
}

func boolValue(b *bool) bool {
	return b != nil && *b
}

func (c *Combiner) applyEntities(graph *kg.Graph, entities []delta.EntityDelta) EntityStats {
	var stats EntityStats
	for _, ed := range entities {
		_, existed := graph.GetEntity(ed.Name)

		e := kg.Entity{Name: ed.Name, Description: ed.Description}
		for _, className := range ed.Classes {
			ci := kg.ClassInstance{ClassName: className, Properties: map[string]string{}}
			if props, ok := ed.Properties[className]; ok {
				for k, v := range props {
					ci.Properties[k] = v
				}
			}
			e.Classes = append(e.Classes, ci)
		}
		// A class carrying properties but absent from Classes still needs to
		// be attached, since the reply may list property values without
		// repeating the class name in the Classes slice.
		for className, props := range ed.Properties {
			if entityHasClass(e, className) {
				continue
			}
			ci := kg.ClassInstance{ClassName: className, Properties: map[string]string{}}
			for k, v := range props {
				ci.Properties[k] = v
			}
			e.Classes = append(e.Classes, ci)
		}

		if err := graph.AddEntity(e, false); err != nil {
			c.log.Warn("combiner: failed to add entity, skipping", "entity", ed.Name, "err", err)
			continue
		}
		if existed {
			stats.Updated++
		} else {
			stats.Added++
		}
	}
	return stats
}

func entityHasClass(e kg.Entity, className string) bool {
	_, ok := e.ClassInstanceByName(className)
	return ok
}

func (c *Combiner) applyRelationships(graph *kg.Graph, relationships []delta.RelationshipDelta) RelationshipStats {
	var stats RelationshipStats
	for _, rd := range relationships {
		rd = rd.Normalize()
		r := kg.Relationship{
			Source:        rd.Source,
			Target:        rd.Target,
			Description:   rd.Description,
			Count:         rd.Count,
			Refer:         rd.Refer,
			SemanticTimes: rd.SemanticTimes,
		}

		switch rd.Operation {
		case delta.RelationshipIncrementCount:
			// IncrementRelationship creates the relationship itself when no
			// match is found (Count=rd.IncrementAmount), bypassing the
			// endpoint-existence check add/update/merge relationships go
			// through — this fallback must succeed even against a graph
			// holding neither endpoint (spec.md §4.6/§8 S3).
			if matched := graph.IncrementRelationship(r, rd.IncrementAmount); matched {
				stats.Incremented++
				continue
			}
			c.log.Info("combiner: increment_count found no existing relationship, creating one", "source", rd.Source, "target", rd.Target)
			stats.NotFound++
			stats.Added++

		default: // add, update, merge
			_, existed := relationshipExists(graph, r)
			if err := graph.AddRelationship(r); err != nil {
				c.log.Warn("combiner: failed to add relationship, skipping", "source", rd.Source, "target", rd.Target, "err", err)
				continue
			}
			if existed {
				stats.Updated++
			} else {
				stats.Added++
			}
		}
	}
	return stats
}

func relationshipExists(graph *kg.Graph, r kg.Relationship) (kg.Relationship, bool) {
	key := r.IdentityKey()
	for _, existing := range graph.GetRelationships(r.Source) {
		if existing.IdentityKey() == key {
			return existing, true
		}
	}
	return kg.Relationship{}, false
}
