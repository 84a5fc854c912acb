// Package systemupdater consults the completion service to decide whether a
// task's working System snapshot needs new or enhanced classes before
// extraction runs, and applies any such additive changes.
package systemupdater

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/MrWong99/kgraph/internal/completion"
	"github.com/MrWong99/kgraph/internal/kg"
)

// sufficientSentinel appears anywhere in the reply when the current catalog
// needs no changes.
const sufficientSentinel = "SUFFICIENT"

const promptName = "system_update"

// defaultPromptTemplate renders the current catalog and the input text for
// the completion service. This default is used when the caller supplies
// none.
const defaultPromptTemplate = `You maintain a class/property catalog for a knowledge graph.
Current classes (JSON): {{.ExistingClasses}}

Text to analyze:
{{.Text}}

If the current catalog is sufficient to represent the text, reply with the
single word SUFFICIENT. Otherwise reply with a JSON object:
{"classes": {"ClassName": {"description": "...", "properties": [{"name": "...", "description": "...", "required": false, "value_required": false}]}}}`

// propertyPayload mirrors [kg.PropertyDefinition] for JSON decoding.
type propertyPayload struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	Required      bool   `json:"required"`
	ValueRequired bool   `json:"value_required"`
}

type classPayload struct {
	Description string            `json:"description"`
	Properties  []propertyPayload `json:"properties"`
}

type incrementalConfig struct {
	Classes map[string]classPayload `json:"classes"`
}

// Result reports what [Update] did to the System.
type Result struct {
	Needed          bool
	AddedClasses    []string
	EnhancedClasses []string
	RawResponse     string
}

// Update asks svc whether system's catalog suffices for text. If the reply
// proposes new or enhanced classes, they are applied additively via
// [kg.System.AddClassDefinition]; the catalog is never reduced. Parse
// failures and non-sufficiency-non-JSON replies are treated as "no change"
// and logged, never returned as an error — per the component's contract,
// this step never fails a task.
func Update(ctx context.Context, svc *completion.Service, system *kg.System, text string) Result {
	existing, err := json.Marshal(classCatalog(system))
	if err != nil {
		slog.Warn("systemupdater: failed to serialize existing catalog", "err", err)
		existing = []byte("{}")
	}

	reply, err := svc.Complete(ctx, promptName, defaultPromptTemplate, struct {
		ExistingClasses string
		Text            string
	}{ExistingClasses: string(existing), Text: text}, 0.3)
	if err != nil {
		slog.Warn("systemupdater: completion service call failed, treating as no change", "err", err)
		return Result{Needed: false, RawResponse: reply}
	}

	if strings.Contains(strings.ToUpper(reply), sufficientSentinel) {
		return Result{Needed: false, RawResponse: reply}
	}

	var cfg incrementalConfig
	if err := json.Unmarshal([]byte(extractJSONObject(reply)), &cfg); err != nil || len(cfg.Classes) == 0 {
		if err != nil {
			slog.Warn("systemupdater: reply neither SUFFICIENT nor parseable configuration, treating as no change", "err", err)
		}
		return Result{Needed: false, RawResponse: reply}
	}

	var added, enhanced []string
	for name, payload := range cfg.Classes {
		props := make([]kg.PropertyDefinition, len(payload.Properties))
		for i, p := range payload.Properties {
			props[i] = kg.PropertyDefinition{
				Name:          p.Name,
				Description:   p.Description,
				Required:      p.Required,
				ValueRequired: p.ValueRequired,
			}
		}
		if system.AddClassDefinition(name, payload.Description, props) {
			added = append(added, name)
		} else {
			enhanced = append(enhanced, name)
		}
	}

	return Result{Needed: true, AddedClasses: added, EnhancedClasses: enhanced, RawResponse: reply}
}

// classCatalog serializes the System's class definitions into a plain map
// suitable for embedding in a prompt.
func classCatalog(system *kg.System) map[string]classPayload {
	out := make(map[string]classPayload)
	for _, def := range system.ClassDefinitions() {
		props := make([]propertyPayload, len(def.Properties))
		for i, p := range def.Properties {
			props[i] = propertyPayload{Name: p.Name, Description: p.Description, Required: p.Required, ValueRequired: p.ValueRequired}
		}
		out[def.Name] = classPayload{Description: def.Description, Properties: props}
	}
	return out
}

// extractJSONObject trims a reply down to its outermost JSON object,
// tolerating prose or code-fence wrapping around the payload.
func extractJSONObject(reply string) string {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return reply
	}
	return reply[start : end+1]
}
