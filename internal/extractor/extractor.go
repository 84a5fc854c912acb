// Package extractor runs the four-step prompted extraction pass over a
// chunk of text: suggested class properties, entities, class bindings, and
// relationships, all parsed out of a single completion-service reply.
package extractor

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/MrWong99/kgraph/internal/completion"
	"github.com/MrWong99/kgraph/internal/config"
	"github.com/MrWong99/kgraph/internal/kg"
	"github.com/MrWong99/kgraph/internal/kgerr"
)

// sectionDelimiter splits a reply into its four steps. A reply with exactly
// three sections is treated as legacy output predating Step 0 and gets an
// empty section inserted at the front.
const sectionDelimiter = "SECTION_DELIMITER"

const noNewProperties = "NO_NEW_PROPERTIES"
const noneSentinel = "NONE"

const promptName = "extract"

const defaultPromptTemplate = `Extract typed knowledge from the text below, in {{.Language}}.

Known classes and properties (JSON): {{.Classes}}

Text:
{{.Text}}

Reply in four sections separated by the literal token ` + sectionDelimiter + ` on its own line.

STEP 0: one record per line for any new property a known class should gain,
or the single line ` + noNewProperties + ` if none:
("new_property"{{.TupleDelimiter}}class{{.TupleDelimiter}}property{{.TupleDelimiter}}description{{.TupleDelimiter}}reason)

STEP 1: one record per line per entity found, without classes:
("entity"{{.TupleDelimiter}}name{{.TupleDelimiter}}description)

STEP 2: one record per line binding an entity to a class and optionally a
property value (use ` + noneSentinel + ` for property/value to attach the
class without setting a property):
("class_property"{{.TupleDelimiter}}entity{{.TupleDelimiter}}class{{.TupleDelimiter}}property{{.TupleDelimiter}}value)

STEP 3: one record per line per relationship found:
("relationship"{{.TupleDelimiter}}source{{.TupleDelimiter}}target{{.TupleDelimiter}}description{{.TupleDelimiter}}count{{.TupleDelimiter}}refer_list{{.TupleDelimiter}}semantic_time)

Separate records with {{.RecordDelimiter}} and end the whole reply with {{.CompletionDelimiter}}.`

const checkPromptName = "extract_check"

const defaultCheckPromptTemplate = `Review the following extraction reply for the text below and return an
improved version in the same four-section format, fixing any missed
entities, relationships, or class bindings. If no changes are needed,
return the reply unchanged.

Text:
{{.Text}}

Previous reply:
{{.PreviousReply}}`

// Result is the outcome of one extraction pass, per the component's output
// contract: parsed entities, parsed relationships, and the raw reply used
// to produce them (kept for audit/debugging on the task record).
type Result struct {
	Entities      []kg.Entity
	Relationships []kg.Relationship
	RawResponse   string
}

// Extractor runs the four-step extraction pass via a completion service.
type Extractor struct {
	svc *completion.Service
	cfg config.ExtractorConfig
	log *slog.Logger
}

// New returns an Extractor backed by svc, configured per cfg.
func New(svc *completion.Service, cfg config.ExtractorConfig, log *slog.Logger) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.TupleDelimiter == "" {
		cfg.TupleDelimiter = "|"
	}
	if cfg.RecordDelimiter == "" {
		cfg.RecordDelimiter = "\n"
	}
	if cfg.CompletionDelimiter == "" {
		cfg.CompletionDelimiter = "DONE"
	}
	if cfg.Language == "" {
		cfg.Language = "English"
	}
	return &Extractor{svc: svc, cfg: cfg, log: log}
}

// Extract runs the prompted extraction pass over text against system
// (a task's working System snapshot), optionally followed by a
// check/optimize pass, then parses the reply and re-validates every parsed
// entity against system in lenient mode.
func (x *Extractor) Extract(ctx context.Context, system *kg.System, text string) (Result, error) {
	classes, err := classCatalogJSON(system)
	if err != nil {
		return Result{}, kgerr.Internalf("extractor.Extract", err)
	}

	reply, err := x.svc.Complete(ctx, promptName, defaultPromptTemplate, struct {
		Language            string
		Classes             string
		Text                string
		TupleDelimiter      string
		RecordDelimiter     string
		CompletionDelimiter string
	}{
		Language:            x.cfg.Language,
		Classes:             classes,
		Text:                text,
		TupleDelimiter:      x.cfg.TupleDelimiter,
		RecordDelimiter:     x.cfg.RecordDelimiter,
		CompletionDelimiter: x.cfg.CompletionDelimiter,
	}, 0.2)
	if err != nil {
		return Result{}, kgerr.Upstreamf("extractor.Extract", err)
	}

	if x.cfg.EnableCheck {
		checked, err := x.svc.Complete(ctx, checkPromptName, defaultCheckPromptTemplate, struct {
			Text          string
			PreviousReply string
		}{Text: text, PreviousReply: reply}, 0.2)
		if err != nil {
			x.log.Warn("extractor: check pass failed, keeping first-pass reply", "err", err)
		} else {
			reply = checked
		}
	}

	entities, relationships := x.parseResponse(system, reply)

	validated := make([]kg.Entity, 0, len(entities))
	for _, e := range entities {
		v, err := kg.ValidateEntity(system, e, false, x.log)
		if err != nil {
			x.log.Warn("extractor: entity failed lenient validation, skipping", "entity", e.Name, "err", err)
			continue
		}
		validated = append(validated, v)
	}

	return Result{Entities: validated, Relationships: relationships, RawResponse: reply}, nil
}

// stripDelimiterNoise removes completion-delimiter and "**" emphasis
// markers the model sometimes wraps around record delimiters, before
// section/record splitting runs.
func (x *Extractor) stripDelimiterNoise(reply string) string {
	reply = strings.ReplaceAll(reply, x.cfg.CompletionDelimiter, "")
	reply = strings.ReplaceAll(reply, "**", "")
	return reply
}

// parseResponse implements the four-step section parse, with the
// legacy-three-section and fully-legacy fallbacks.
func (x *Extractor) parseResponse(system *kg.System, reply string) ([]kg.Entity, []kg.Relationship) {
	clean := x.stripDelimiterNoise(reply)
	sections := splitSections(clean, sectionDelimiter)

	if len(sections) == 3 {
		sections = append([]string{noNewProperties}, sections...)
	}
	if len(sections) != 4 {
		return x.parseLegacy(clean)
	}

	x.applyPropertySuggestions(system, sections[0])

	entitiesByName := x.parseEntities(sections[1])
	x.applyClassBindings(entitiesByName, sections[2])
	relationships := x.parseRelationships(sections[3])

	entities := make([]kg.Entity, 0, len(entitiesByName))
	for _, e := range entitiesByName {
		entities = append(entities, e)
	}
	return entities, relationships
}

// splitSections splits text on delim, trimming surrounding whitespace and
// dropping empty sections produced by a trailing delimiter.
func splitSections(text, delim string) []string {
	raw := strings.Split(text, delim)
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

// recordPrefixes are the known record-type leaders used both to filter
// non-record lines (titles, commentary) and to re-scan mixed multi-line
// blocks for records that got glued together.
var recordPrefixes = []string{
	`("new_property"`,
	`("entity"`,
	`("class_property"`,
	`("relationship"`,
}

// splitRecords breaks a section into individual records. It tolerates
// comment lines ("#..."), title lines ("STEP N:", "Entities:", etc.), and
// multi-line blocks where several records were emitted without a delimiter
// between them by re-scanning line by line for a known record prefix.
func (x *Extractor) splitRecords(section string) []string {
	raw := strings.Split(section, x.cfg.RecordDelimiter)

	var lines []string
	for _, r := range raw {
		lines = append(lines, strings.Split(r, "\n")...)
	}

	var records []string
	var current strings.Builder
	flush := func() {
		if current.Len() == 0 {
			return
		}
		s := strings.TrimSpace(current.String())
		if s != "" {
			records = append(records, s)
		}
		current.Reset()
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		if isTitleLine(trimmed) {
			continue
		}
		if startsWithKnownPrefix(trimmed) {
			flush()
			current.WriteString(trimmed)
			continue
		}
		if current.Len() > 0 {
			current.WriteString(" ")
			current.WriteString(trimmed)
		}
	}
	flush()
	return records
}

func startsWithKnownPrefix(line string) bool {
	for _, p := range recordPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func isTitleLine(line string) bool {
	upper := strings.ToUpper(line)
	if strings.HasPrefix(upper, "STEP ") {
		return true
	}
	switch strings.TrimSuffix(upper, ":") {
	case "ENTITIES", "CLASSES AND PROPERTIES", "RELATIONSHIPS", "PROPERTY SUGGESTIONS":
		return true
	}
	return false
}

// recordFields splits a record of the form ("type"|f1|f2|...) into its
// fields, trimming the surrounding parens/quotes.
func recordFields(record, tupleDelimiter string) []string {
	record = strings.TrimSpace(record)
	record = strings.TrimPrefix(record, "(")
	record = strings.TrimSuffix(record, ")")
	parts := strings.Split(record, tupleDelimiter)
	for i, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, `"`)
		parts[i] = p
	}
	return parts
}

func (x *Extractor) applyPropertySuggestions(system *kg.System, section string) {
	if strings.Contains(strings.ToUpper(section), noNewProperties) {
		return
	}
	for _, rec := range x.splitRecords(section) {
		fields := recordFields(rec, x.cfg.TupleDelimiter)
		if len(fields) < 4 || !strings.EqualFold(fields[0], "new_property") {
			continue
		}
		className, propName, description := fields[1], fields[2], fields[3]
		def, ok := system.ClassDefinition(className)
		if !ok {
			x.log.Warn("extractor: property suggestion for unknown class, skipping", "class", className)
			continue
		}
		if _, exists := def.PropertyByName(propName); exists {
			continue
		}
		system.AddProperty(className, kg.PropertyDefinition{Name: propName, Description: description})
	}
}

func (x *Extractor) parseEntities(section string) map[string]kg.Entity {
	out := make(map[string]kg.Entity)
	for _, rec := range x.splitRecords(section) {
		fields := recordFields(rec, x.cfg.TupleDelimiter)
		if len(fields) < 3 || !strings.EqualFold(fields[0], "entity") {
			continue
		}
		name, description := fields[1], fields[2]
		if name == "" {
			continue
		}
		key := strings.ToUpper(name)
		if existing, ok := out[key]; ok {
			if existing.Description == "" {
				existing.Description = description
				out[key] = existing
			}
			continue
		}
		out[key] = kg.Entity{Name: name, Description: description}
	}
	return out
}

func (x *Extractor) applyClassBindings(entities map[string]kg.Entity, section string) {
	for _, rec := range x.splitRecords(section) {
		fields := recordFields(rec, x.cfg.TupleDelimiter)
		if len(fields) < 5 || !strings.EqualFold(fields[0], "class_property") {
			continue
		}
		entityName, className, propName, value := fields[1], fields[2], fields[3], fields[4]
		key := strings.ToUpper(entityName)
		e, ok := entities[key]
		if !ok {
			x.log.Warn("extractor: class binding for unseen entity, skipping", "entity", entityName)
			continue
		}

		idx := -1
		for i, ci := range e.Classes {
			if strings.EqualFold(ci.ClassName, className) {
				idx = i
				break
			}
		}
		if idx < 0 {
			e.Classes = append(e.Classes, kg.ClassInstance{ClassName: className, Properties: map[string]string{}})
			idx = len(e.Classes) - 1
		}

		if !strings.EqualFold(propName, noneSentinel) && !strings.EqualFold(value, noneSentinel) && propName != "" {
			if e.Classes[idx].Properties == nil {
				e.Classes[idx].Properties = map[string]string{}
			}
			e.Classes[idx].Properties[propName] = value
		}
		entities[key] = e
	}
}

func (x *Extractor) parseRelationships(section string) []kg.Relationship {
	var out []kg.Relationship
	for _, rec := range x.splitRecords(section) {
		fields := recordFields(rec, x.cfg.TupleDelimiter)
		if len(fields) < 7 || !strings.EqualFold(fields[0], "relationship") {
			continue
		}
		source, target, description := fields[1], fields[2], fields[3]
		count := 1
		if n, err := strconv.Atoi(strings.TrimSpace(fields[4])); err == nil && n > 0 {
			count = n
		}

		var refer []string
		if !strings.EqualFold(strings.TrimSpace(fields[5]), noneSentinel) && fields[5] != "" {
			refer = splitReferList(fields[5])
		}

		var semanticTimes []string
		if !strings.EqualFold(strings.TrimSpace(fields[6]), noneSentinel) && fields[6] != "" {
			semanticTimes = append(semanticTimes, strings.TrimSpace(fields[6]))
		}

		if source == "" || target == "" {
			continue
		}
		out = append(out, kg.Relationship{
			Source:        source,
			Target:        target,
			Description:   description,
			Count:         count,
			Refer:         refer,
			SemanticTimes: semanticTimes,
		})
	}
	return out
}

// splitReferList splits a comma-separated refer list, tolerating the
// full-width Chinese comma alongside the ASCII one.
func splitReferList(raw string) []string {
	normalized := strings.ReplaceAll(raw, "，", ",")
	parts := strings.Split(normalized, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseLegacy handles replies that never adopted the SECTION_DELIMITER
// four-step format: it scans every line for a known entity or relationship
// record prefix, ignoring class bindings and property suggestions entirely.
func (x *Extractor) parseLegacy(reply string) ([]kg.Entity, []kg.Relationship) {
	entities := make(map[string]kg.Entity)
	var relationships []kg.Relationship

	for _, line := range strings.Split(reply, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, `("entity"`):
			fields := recordFields(trimmed, x.cfg.TupleDelimiter)
			if len(fields) >= 3 && fields[1] != "" {
				entities[strings.ToUpper(fields[1])] = kg.Entity{Name: fields[1], Description: fields[2]}
			}
		case strings.HasPrefix(trimmed, `("relationship"`):
			fields := recordFields(trimmed, x.cfg.TupleDelimiter)
			if len(fields) >= 4 && fields[1] != "" && fields[2] != "" {
				relationships = append(relationships, kg.Relationship{Source: fields[1], Target: fields[2], Description: fields[3], Count: 1})
			}
		}
	}

	out := make([]kg.Entity, 0, len(entities))
	for _, e := range entities {
		out = append(out, e)
	}
	return out, relationships
}

// classCatalogEntry mirrors [kg.ClassDefinition] for prompt embedding.
type classCatalogEntry struct {
	Description string   `json:"description"`
	Properties  []string `json:"properties"`
}

func classCatalogJSON(system *kg.System) (string, error) {
	catalog := make(map[string]classCatalogEntry)
	for _, def := range system.ClassDefinitions() {
		props := make([]string, len(def.Properties))
		for i, p := range def.Properties {
			props[i] = p.Name
		}
		catalog[def.Name] = classCatalogEntry{Description: def.Description, Properties: props}
	}
	b, err := json.Marshal(catalog)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
