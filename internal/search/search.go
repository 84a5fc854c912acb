// Package search implements keyword search over the graph: names,
// descriptions, property values, relationships, and class/property
// definitions, followed by a hierarchical de-duplication pass so that a hit
// on a more specific node (an entity name, a class-instance id, a
// class-master name, a relationship description) suppresses redundant hits
// on things that merely belong to it.
package search

import (
	"math"
	"sort"
	"strings"

	"github.com/MrWong99/kgraph/internal/kg"
	"github.com/antzucaro/matchr"
)

// ResultType classifies what matched.
type ResultType string

const (
	EntityName               ResultType = "entity_name"
	EntityDescription        ResultType = "entity_description"
	PropertyValue            ResultType = "property_value"
	ClassInstanceID          ResultType = "class_instance_id"
	ClassInstanceDescription ResultType = "class_instance_description"
	ClassMasterName          ResultType = "class_master_name"
	ClassDescription         ResultType = "class_description"
	PropertyDefinitionHit    ResultType = "property_definition"
	RelationshipDescription  ResultType = "relationship_description"
	RelationshipRefer        ResultType = "relationship_refer"
)

// Result is one typed hit produced by [Index.SearchKeyword].
type Result struct {
	ResultType  ResultType
	MatchedText string
	MatchedItem string // the node id, class name, or relationship identity key this hit belongs to
	Context     string
	Score       float64
}

// Index answers keyword queries over a [kg.Graph].
type Index struct {
	graph *kg.Graph
}

// New returns a search Index over graph.
func New(graph *kg.Graph) *Index {
	return &Index{graph: graph}
}

// match reports whether text matches keyword under the requested mode:
// fuzzy is a case-insensitive substring test, otherwise case-insensitive
// equality.
func match(keyword, text string, fuzzy bool) bool {
	if text == "" {
		return false
	}
	if fuzzy {
		return strings.Contains(strings.ToUpper(text), strings.ToUpper(keyword))
	}
	return strings.EqualFold(keyword, text)
}

// score computes the match score: exact = 1.0, prefix = 0.9, otherwise
// min(len(keyword)/len(text) * 2, 0.8).
func score(keyword, text string) float64 {
	ku, tu := strings.ToUpper(keyword), strings.ToUpper(text)
	if ku == tu {
		return 1.0
	}
	if strings.HasPrefix(tu, ku) {
		return 0.9
	}
	ratio := float64(len(ku)) / float64(len(tu)) * 2
	return math.Min(ratio, 0.8)
}

// aliasSimilarityThreshold is the Jaro-Winkler score above which two entity
// names are considered alias candidates.
const aliasSimilarityThreshold = 0.88

// phoneticallyClose reports whether a and b are close enough (by
// Jaro-Winkler similarity, case-insensitive) to be alias candidates.
func phoneticallyClose(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return matchr.JaroWinkler(strings.ToUpper(a), strings.ToUpper(b), false) >= aliasSimilarityThreshold
}

// PhoneticallyClose exports phoneticallyClose for use outside this package.
// Nothing in this module calls it; the smart merger does not use it.
func PhoneticallyClose(a, b string) bool { return phoneticallyClose(a, b) }

// SearchKeyword searches every entity, class-instance node, class-master
// view, relationship, and property definition for keyword, applies
// hierarchical de-duplication, sorts by score descending, and truncates to
// limit (0 means unlimited).
func (ix *Index) SearchKeyword(keyword string, fuzzy bool, limit int) []Result {
	var results []Result

	for _, e := range ix.graph.Entities() {
		if match(keyword, e.Name, fuzzy) {
			results = append(results, Result{EntityName, e.Name, strings.ToUpper(e.Name), "entity name", score(keyword, e.Name)})
		}
		if match(keyword, e.Description, fuzzy) {
			results = append(results, Result{EntityDescription, e.Description, strings.ToUpper(e.Name), "entity description of " + e.Name, score(keyword, e.Description)})
		}
		for _, ci := range e.Classes {
			for prop, val := range ci.Properties {
				if match(keyword, val, fuzzy) {
					results = append(results, Result{PropertyValue, val, strings.ToUpper(e.Name),
						"property " + prop + " of " + ci.ClassName + " on " + e.Name, score(keyword, val)})
				}
			}
		}
	}

	for _, cn := range ix.graph.GetClassNodes("") {
		idKey := strings.ToUpper(cn.ID)
		if match(keyword, cn.ID, fuzzy) {
			results = append(results, Result{ClassInstanceID, cn.ID, idKey, "class-instance node", score(keyword, cn.ID)})
		}
		if match(keyword, cn.Description, fuzzy) {
			results = append(results, Result{ClassInstanceDescription, cn.Description, idKey, "class-instance description for " + cn.ID, score(keyword, cn.Description)})
		}
	}

	for _, def := range ix.graph.System().ClassDefinitions() {
		nameKey := strings.ToUpper(def.Name)
		if match(keyword, def.Name, fuzzy) {
			results = append(results, Result{ClassMasterName, def.Name, nameKey, "class master", score(keyword, def.Name)})
		}
		if match(keyword, def.Description, fuzzy) {
			results = append(results, Result{ClassDescription, def.Description, nameKey, "class description of " + def.Name, score(keyword, def.Description)})
		}
		for _, p := range def.Properties {
			if match(keyword, p.Name, fuzzy) {
				results = append(results, Result{PropertyDefinitionHit, p.Name, nameKey, "property definition on " + def.Name, score(keyword, p.Name)})
			}
			if match(keyword, p.Description, fuzzy) {
				results = append(results, Result{PropertyDefinitionHit, p.Description, nameKey, "property definition on " + def.Name, score(keyword, p.Description)})
			}
		}
	}

	for _, r := range ix.graph.GetRelationships("") {
		relKey := r.IdentityKey()
		if match(keyword, r.Description, fuzzy) {
			results = append(results, Result{RelationshipDescription, r.Description, relKey, "relationship " + r.Source + "->" + r.Target, score(keyword, r.Description)})
		}
		for _, ref := range r.Refer {
			if match(keyword, ref, fuzzy) {
				results = append(results, Result{RelationshipRefer, ref, relKey, "refer entry on relationship " + r.Source + "->" + r.Target, score(keyword, ref)})
			}
		}
	}

	results = deduplicate(results)

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// deduplicate drops hits made redundant by a more specific hit on the same
// item, per spec: an entity-name hit suppresses that entity's description
// and property-value hits; a class-instance-id hit suppresses that node's
// description hit; a class-master-name hit suppresses that class's
// description hit; a relationship-description hit suppresses that
// relationship's refer-list hits.
func deduplicate(results []Result) []Result {
	namedEntities := make(map[string]struct{})
	idNodes := make(map[string]struct{})
	namedClasses := make(map[string]struct{})
	describedRels := make(map[string]struct{})

	for _, r := range results {
		switch r.ResultType {
		case EntityName:
			namedEntities[r.MatchedItem] = struct{}{}
		case ClassInstanceID:
			idNodes[r.MatchedItem] = struct{}{}
		case ClassMasterName:
			namedClasses[r.MatchedItem] = struct{}{}
		case RelationshipDescription:
			describedRels[r.MatchedItem] = struct{}{}
		}
	}

	out := results[:0]
	for _, r := range results {
		switch r.ResultType {
		case EntityDescription, PropertyValue:
			if _, suppressed := namedEntities[r.MatchedItem]; suppressed {
				continue
			}
		case ClassInstanceDescription:
			if _, suppressed := idNodes[r.MatchedItem]; suppressed {
				continue
			}
		case ClassDescription:
			if _, suppressed := namedClasses[r.MatchedItem]; suppressed {
				continue
			}
		case RelationshipRefer:
			if _, suppressed := describedRels[r.MatchedItem]; suppressed {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// NodeDetail bundles a node's identity with every one-hop relationship that
// touches it and the set of neighbor node ids.
type NodeDetail struct {
	NodeID        string
	Kind          kg.NodeKind
	Relationships []kg.Relationship
	Neighbors     []string
}

// GetNodeDetail returns the detail view for nodeID.
func (ix *Index) GetNodeDetail(nodeID string) NodeDetail {
	return NodeDetail{
		NodeID:        nodeID,
		Kind:          ix.graph.NodeKind(nodeID),
		Relationships: ix.graph.GetRelationships(nodeID),
		Neighbors:     ix.graph.Neighbors(nodeID),
	}
}

// GetEntityNodeGroup returns the detail view for the entity node named name.
func (ix *Index) GetEntityNodeGroup(name string) NodeDetail {
	return ix.GetNodeDetail(name)
}

// GetClassNodeGroup returns the detail view for the class-master node named
// name.
func (ix *Index) GetClassNodeGroup(name string) NodeDetail {
	return ix.GetNodeDetail(name)
}
