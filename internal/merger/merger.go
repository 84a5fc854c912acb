// Package merger implements the smart merge step: given a proposed
// [delta.GraphDelta], it either applies it verbatim (simple merge) or asks
// the completion service to deduplicate, align, and optimize it against the
// canonical System and Graph before the combiner applies it.
package merger

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"

	"github.com/MrWong99/kgraph/internal/completion"
	"github.com/MrWong99/kgraph/internal/delta"
	"github.com/MrWong99/kgraph/internal/kg"
	"github.com/MrWong99/kgraph/internal/search"
)

const promptName = "smart_merge"

const defaultPromptTemplate = `You reconcile a proposed update against an existing knowledge graph,
deduplicating entities/relationships, aligning names, and resolving
conflicts.

Current classes (JSON): {{.CurrentSystem}}
Existing entity count: {{.EntityCount}}
Existing relationship count: {{.RelationshipCount}}
Existing entities (JSON): {{.ExistingEntitiesFull}}
Related existing data for the proposed entities (JSON): {{.DeltaRelatedData}}

Proposed update (JSON): {{.Delta}}

Reply with a single JSON object:
{
  "optimized_classes": [{"name": "...", "description": "...", "properties": [...], "operation": "add"}],
  "optimized_entities": [{"name": "...", "description": "...", "classes": [...], "properties": {...}, "operation": "add", "merge_target": ""}],
  "optimized_relationships": [{"source": "...", "target": "...", "description": "...", "count": 1, "refer": [...], "semantic_times": [...], "operation": "add", "increment_amount": 0}],
  "merge_summary": {"duplicates_found": 0, "conflicts_resolved": 0, "names_aligned": 0, "descriptions_optimized": 0, "notes": ""}
}`

// Result is the outcome of a merge pass, per the component's contract.
type Result struct {
	OptimizedDelta        delta.GraphDelta
	DuplicatesFound        int
	ConflictsResolved      int
	NamesAligned           int
	DescriptionsOptimized  int
	Notes                  string
	LLMInput               map[string]any
	LLMResponse            string
}

// Merger reconciles a proposed delta against the canonical graph.
type Merger struct {
	svc              *completion.Service
	enableSmartMerge bool
	log              *slog.Logger
}

// New returns a Merger. When enableSmartMerge is false, [Merger.Merge]
// always takes the simple-merge path without calling svc.
func New(svc *completion.Service, enableSmartMerge bool, log *slog.Logger) *Merger {
	if log == nil {
		log = slog.Default()
	}
	return &Merger{svc: svc, enableSmartMerge: enableSmartMerge, log: log}
}

// Merge reconciles d against system/graph. When smart merge is disabled (or
// the merger has no completion service), it returns a simple merge: the
// delta applied verbatim, all counters zero.
func (m *Merger) Merge(ctx context.Context, system *kg.System, graph *kg.Graph, d delta.GraphDelta) Result {
	if !m.enableSmartMerge || m.svc == nil {
		return m.simpleMerge(d, "smart merge disabled, applying delta verbatim")
	}

	llmInput := map[string]any{
		"current_system_classes": classNames(system),
		"entity_count":            graph.Stats().Entities,
		"relationship_count":      graph.Stats().Relationships,
		"delta_summary":           d.Summary(),
	}

	existingJSON, err := json.Marshal(existingEntitiesDetail(graph))
	if err != nil {
		m.log.Warn("merger: failed to serialize existing entities, falling back to simple merge", "err", err)
		return m.simpleMerge(d, "serialization failure, applied delta verbatim")
	}
	relatedJSON, err := json.Marshal(relatedDataForDelta(graph, d))
	if err != nil {
		m.log.Warn("merger: failed to serialize related search data, falling back to simple merge", "err", err)
		return m.simpleMerge(d, "serialization failure, applied delta verbatim")
	}
	classesJSON, err := json.Marshal(classCatalog(system))
	if err != nil {
		m.log.Warn("merger: failed to serialize class catalog, falling back to simple merge", "err", err)
		return m.simpleMerge(d, "serialization failure, applied delta verbatim")
	}
	deltaJSON, err := json.Marshal(d)
	if err != nil {
		m.log.Warn("merger: failed to serialize delta, falling back to simple merge", "err", err)
		return m.simpleMerge(d, "serialization failure, applied delta verbatim")
	}

	reply, err := m.svc.Complete(ctx, promptName, defaultPromptTemplate, struct {
		CurrentSystem        string
		EntityCount          int
		RelationshipCount    int
		ExistingEntitiesFull string
		DeltaRelatedData     string
		Delta                string
	}{
		CurrentSystem:        string(classesJSON),
		EntityCount:          graph.Stats().Entities,
		RelationshipCount:    graph.Stats().Relationships,
		ExistingEntitiesFull: string(existingJSON),
		DeltaRelatedData:     string(relatedJSON),
		Delta:                string(deltaJSON),
	}, 0.3)
	if err != nil {
		m.log.Warn("merger: completion service call failed, falling back to simple merge", "err", err)
		return m.simpleMerge(d, "completion service error, applied delta verbatim")
	}

	optimized, err := parseReply(d.TaskID, reply)
	if err != nil {
		m.log.Warn("merger: failed to parse smart-merge reply, falling back to simple merge", "err", err)
		res := m.simpleMerge(d, "unparseable reply, applied delta verbatim")
		res.LLMInput = llmInput
		res.LLMResponse = reply
		return res
	}

	return Result{
		OptimizedDelta:        optimized.delta,
		DuplicatesFound:       optimized.summary.DuplicatesFound,
		ConflictsResolved:     optimized.summary.ConflictsResolved,
		NamesAligned:          optimized.summary.NamesAligned,
		DescriptionsOptimized: optimized.summary.DescriptionsOptimized,
		Notes:                 optimized.summary.Notes,
		LLMInput:              llmInput,
		LLMResponse:           reply,
	}
}

func (m *Merger) simpleMerge(d delta.GraphDelta, notes string) Result {
	return Result{OptimizedDelta: d, Notes: notes}
}

func classNames(system *kg.System) []string {
	defs := system.ClassDefinitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

type classPayload struct {
	Description string                    `json:"description"`
	Properties  []kg.PropertyDefinition    `json:"properties"`
}

func classCatalog(system *kg.System) map[string]classPayload {
	out := make(map[string]classPayload)
	for _, def := range system.ClassDefinitions() {
		out[def.Name] = classPayload{Description: def.Description, Properties: def.Properties}
	}
	return out
}

type entityDetail struct {
	Name        string                       `json:"name"`
	Description string                       `json:"description"`
	Classes     []string                     `json:"classes"`
	Properties  map[string]map[string]string `json:"properties,omitempty"`
}

func existingEntitiesDetail(graph *kg.Graph) []entityDetail {
	entities := graph.Entities()
	out := make([]entityDetail, 0, len(entities))
	for _, e := range entities {
		info := entityDetail{Name: e.Name, Description: e.Description, Classes: make([]string, 0, len(e.Classes))}
		for _, ci := range e.Classes {
			info.Classes = append(info.Classes, ci.ClassName)
			if len(ci.Properties) == 0 {
				continue
			}
			if info.Properties == nil {
				info.Properties = make(map[string]map[string]string)
			}
			info.Properties[ci.ClassName] = ci.Properties
		}
		out = append(out, info)
	}
	return out
}

// relatedDataForDelta runs a fuzzy keyword search for every entity in d,
// then deduplicates the union of results by (ResultType, MatchedItem),
// keeping the higher-scoring hit, and sorts by score descending.
func relatedDataForDelta(graph *kg.Graph, d delta.GraphDelta) []search.Result {
	ix := search.New(graph)

	dedup := make(map[string]search.Result)
	for _, ed := range d.Entities {
		for _, r := range ix.SearchKeyword(ed.Name, true, 20) {
			key := string(r.ResultType) + "\x00" + r.MatchedItem
			if existing, ok := dedup[key]; !ok || r.Score > existing.Score {
				dedup[key] = r
			}
		}
	}

	out := make([]search.Result, 0, len(dedup))
	for _, r := range dedup {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

type mergeSummary struct {
	DuplicatesFound       int    `json:"duplicates_found"`
	ConflictsResolved     int    `json:"conflicts_resolved"`
	NamesAligned          int    `json:"names_aligned"`
	DescriptionsOptimized int    `json:"descriptions_optimized"`
	Notes                 string `json:"notes"`
}

type optimizedReply struct {
	OptimizedClasses       []delta.ClassDelta        `json:"optimized_classes"`
	OptimizedEntities       []rawEntityDelta           `json:"optimized_entities"`
	OptimizedRelationships  []delta.RelationshipDelta  `json:"optimized_relationships"`
	MergeSummary            mergeSummary               `json:"merge_summary"`
}

// rawEntityDelta mirrors [delta.EntityDelta] but keeps Name and MergeTarget
// separate on the wire exactly as the reply sends them; the merge-target
// substitution happens when building the final [delta.EntityDelta].
type rawEntityDelta struct {
	Name        string                       `json:"name"`
	Description string                       `json:"description"`
	Classes     []string                     `json:"classes"`
	Properties  map[string]map[string]string `json:"properties"`
	Operation   delta.EntityOp               `json:"operation"`
	MergeTarget string                       `json:"merge_target"`
}

type optimized struct {
	delta   delta.GraphDelta
	summary mergeSummary
}

func parseReply(taskID, reply string) (optimized, error) {
	reply = strings.TrimSpace(reply)
	reply = strings.TrimPrefix(reply, "```json")
	reply = strings.TrimPrefix(reply, "```")
	reply = strings.TrimSuffix(reply, "```")
	reply = strings.TrimSpace(reply)

	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return optimized{}, errParseNoObject
	}
	reply = reply[start : end+1]

	var parsed optimizedReply
	if err := json.Unmarshal([]byte(reply), &parsed); err != nil {
		return optimized{}, err
	}

	entities := make([]delta.EntityDelta, len(parsed.OptimizedEntities))
	for i, e := range parsed.OptimizedEntities {
		name := e.Name
		if e.Operation == delta.EntityMerge && e.MergeTarget != "" {
			name = e.MergeTarget
		}
		entities[i] = delta.EntityDelta{
			Name:        name,
			Description: e.Description,
			Classes:     e.Classes,
			Properties:  e.Properties,
			Operation:   e.Operation,
			MergeTarget: e.MergeTarget,
		}
	}

	relationships := make([]delta.RelationshipDelta, len(parsed.OptimizedRelationships))
	for i, r := range parsed.OptimizedRelationships {
		relationships[i] = r.Normalize()
	}

	return optimized{
		delta: delta.GraphDelta{
			TaskID:        taskID,
			Classes:       parsed.OptimizedClasses,
			Entities:      entities,
			Relationships: relationships,
			Metadata: map[string]any{
				"duplicates_found":       parsed.MergeSummary.DuplicatesFound,
				"conflicts_resolved":     parsed.MergeSummary.ConflictsResolved,
				"names_aligned":          parsed.MergeSummary.NamesAligned,
				"descriptions_optimized": parsed.MergeSummary.DescriptionsOptimized,
			},
		},
		summary: parsed.MergeSummary,
	}, nil
}

var errParseNoObject = jsonObjectNotFoundError{}

type jsonObjectNotFoundError struct{}

func (jsonObjectNotFoundError) Error() string { return "merger: no JSON object found in reply" }
