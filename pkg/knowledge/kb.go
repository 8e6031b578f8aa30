// Package knowledge models the declared OMOP CDM schema alongside facts
// learned at runtime: columns discovered from the live database, columns
// proven missing by execution errors, and per-template success statistics.
// The query agent renders this state into prompt context.
package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/omopmed/medquery/internal/metrics"
	"github.com/omopmed/medquery/pkg/mcp"
	"github.com/rs/zerolog"
)

// Registry is the slice of the tool registry the knowledge base needs for
// schema discovery.
type Registry interface {
	Call(ctx context.Context, qualifiedID string, args map[string]interface{}) (mcp.ToolResult, error)
}

// Config configures a KnowledgeBase.
type Config struct {
	Logger  zerolog.Logger
	Store   *Store           // optional persistence for learned facts
	Metrics *metrics.Metrics // optional
}

// KnowledgeBase owns schema state for one query agent. All mutating and
// reading methods are safe for concurrent callers, though in normal
// operation a single agent goroutine drives them.
type KnowledgeBase struct {
	logger  zerolog.Logger
	store   *Store
	metrics *metrics.Metrics

	mu        sync.RWMutex
	tables    map[string]*TableDescriptor
	templates []*QueryTemplate
}

// New creates a knowledge base seeded with the declared OMOP schema and the
// default query templates. Facts persisted by a previous process are loaded
// from the store when one is configured.
func New(cfg Config) *KnowledgeBase {
	kb := &KnowledgeBase{
		logger:    cfg.Logger,
		store:     cfg.Store,
		metrics:   cfg.Metrics,
		tables:    defaultSchema(),
		templates: defaultTemplates(),
	}

	if kb.store != nil {
		missing, err := kb.store.LoadMissingColumns()
		if err != nil {
			kb.logger.Warn().Err(err).Msg("Could not load persisted missing columns")
		} else {
			for table, columns := range missing {
				if desc, ok := kb.tables[table]; ok {
					for _, col := range columns {
						desc.MissingColumns[col] = true
					}
				}
			}
		}

		stats, err := kb.store.LoadTemplateStats()
		if err != nil {
			kb.logger.Warn().Err(err).Msg("Could not load persisted template stats")
		} else {
			for _, tmpl := range kb.templates {
				if s, ok := stats[tmpl.Name]; ok {
					tmpl.Uses = s.Uses
					tmpl.Successes = s.Successes
				}
			}
		}
	}

	return kb
}

// discoveryQueryTool is the qualified tool id used for schema discovery.
const discoveryQueryTool = "omop:query_omop_database"

func discoveryQuery() string {
	names := CoreTableNames()
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = "'" + n + "'"
	}
	return "SELECT table_name, column_name, data_type FROM information_schema.columns " +
		"WHERE table_name IN (" + strings.Join(quoted, ", ") + ") " +
		"ORDER BY table_name, ordinal_position"
}

// Discover queries information_schema through the registry and replaces each
// table's discovered-column map wholesale. It fails soft: on any error the
// prior knowledge stays intact, and a table's map is never partially
// overwritten.
func (kb *KnowledgeBase) Discover(ctx context.Context, registry Registry) {
	result, err := registry.Call(ctx, discoveryQueryTool, map[string]interface{}{
		"sql_query": discoveryQuery(),
	})
	if err != nil {
		kb.logger.Warn().Err(err).Msg("Schema discovery failed, keeping prior knowledge")
		return
	}

	discovered := parseColumnsResult(result.String())
	if len(discovered) == 0 {
		kb.logger.Warn().Msg("Schema discovery returned no parseable rows")
		return
	}
	if kb.metrics != nil {
		kb.metrics.SchemaDiscoveries.Inc()
	}

	kb.mu.Lock()
	defer kb.mu.Unlock()
	for table, columns := range discovered {
		desc, ok := kb.tables[table]
		if !ok {
			continue
		}
		desc.Discovered = columns
	}
	kb.logger.Info().Int("tables", len(discovered)).Msg("Schema discovery complete")
}

// parseColumnsResult parses the tabular text a query tool returns for the
// information-schema query. Both pipe-separated and whitespace-separated
// layouts are accepted; unparseable lines are skipped.
func parseColumnsResult(text string) map[string]map[string]string {
	out := make(map[string]map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "table_name") || strings.HasPrefix(line, "---") {
			continue
		}

		var fields []string
		if strings.Contains(line, "|") {
			for _, f := range strings.Split(line, "|") {
				fields = append(fields, strings.TrimSpace(f))
			}
		} else {
			fields = strings.Fields(line)
		}
		if len(fields) < 3 || fields[0] == "" || fields[1] == "" {
			continue
		}

		table := strings.ToLower(fields[0])
		if out[table] == nil {
			out[table] = make(map[string]string)
		}
		out[table][strings.ToLower(fields[1])] = fields[2]
	}
	return out
}

// domainKeywords maps question vocabulary to OMOP domains.
var domainKeywords = map[string][]string{
	DomainCondition:   {"condition", "diagnos", "disease", "hypertension", "diabetes", "asthma", "cancer", "disorder", "syndrome"},
	DomainDrug:        {"drug", "medication", "prescri", "exposure", "treatment", "statin", "metformin", "aspirin"},
	DomainMeasurement: {"measurement", "lab", "blood pressure", "cholesterol", "glucose", "bmi", "value"},
	DomainObservation: {"observation", "smoking", "social", "history"},
	DomainVisit:       {"visit", "admission", "inpatient", "outpatient", "emergency", "encounter"},
	DomainPerson:      {"patient", "person", "male", "female", "gender", "age", "year", "race", "ethnic", "demograph"},
}

// DomainsFor extracts the OMOP domains a question touches by keyword match.
// The person domain is always included since every cohort question joins
// back to person. Output order is stable.
func (kb *KnowledgeBase) DomainsFor(question string) []string {
	lower := strings.ToLower(question)
	matched := map[string]bool{DomainPerson: true}
	for domain, words := range domainKeywords {
		for _, w := range words {
			if strings.Contains(lower, w) {
				matched[domain] = true
				break
			}
		}
	}

	ordered := []string{DomainPerson, DomainCondition, DomainDrug, DomainMeasurement, DomainObservation, DomainVisit, DomainVocabulary}
	var out []string
	for _, d := range ordered {
		if matched[d] {
			out = append(out, d)
		}
	}
	return out
}

// ContextFor assembles the prompt context for a question: declared and
// discovered schema for the relevant domains, matching query templates, and
// lessons distilled from prior failures. The output is deterministic for
// identical inputs so that retries are reproducible.
func (kb *KnowledgeBase) ContextFor(question string, domains []string, failures []Failure) string {
	if len(domains) == 0 {
		domains = kb.DomainsFor(question)
	}
	wantDomain := make(map[string]bool, len(domains))
	for _, d := range domains {
		wantDomain[d] = true
	}
	// Concept lookups are needed whenever a clinical domain is in play.
	if wantDomain[DomainCondition] || wantDomain[DomainDrug] || wantDomain[DomainMeasurement] {
		wantDomain[DomainVocabulary] = true
	}

	kb.mu.RLock()
	defer kb.mu.RUnlock()

	var b strings.Builder
	b.WriteString("## Available schema (prefix every table with base.)\n")
	for _, name := range CoreTableNames() {
		desc := kb.tables[name]
		if desc == nil || !wantDomain[desc.Domain] {
			continue
		}
		writeTableContext(&b, desc)
	}

	if templates := kb.matchingTemplates(wantDomain); len(templates) > 0 {
		b.WriteString("\n## Proven query patterns\n")
		for _, tmpl := range templates {
			fmt.Fprintf(&b, "- %s (%d/%d successful): %s\n", tmpl.Name, tmpl.Successes, tmpl.Uses, tmpl.SQL)
		}
	}

	if lessons := lessonsFrom(failures); len(lessons) > 0 {
		b.WriteString("\n## Lessons from failed attempts\n")
		for _, lesson := range lessons {
			b.WriteString("- " + lesson + "\n")
		}
	}

	return b.String()
}

func writeTableContext(b *strings.Builder, desc *TableDescriptor) {
	fmt.Fprintf(b, "\n### base.%s (%s)\n", desc.Name, desc.Domain)
	for _, col := range desc.Columns {
		line := "- " + col.Name + " " + col.Type
		if col.Name == desc.PrimaryKey {
			line += " (primary key)"
		}
		if col.ForeignKey != "" {
			line += " -> " + col.ForeignKey
		}
		b.WriteString(line + "\n")
	}

	if len(desc.Discovered) > 0 {
		names := make([]string, 0, len(desc.Discovered))
		for name := range desc.Discovered {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(b, "Verified columns in the live database: %s\n", strings.Join(names, ", "))
	}

	if len(desc.MissingColumns) > 0 {
		names := make([]string, 0, len(desc.MissingColumns))
		for name := range desc.MissingColumns {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(b, "Columns confirmed NOT to exist (never reference): %s\n", strings.Join(names, ", "))
	}

	for _, rule := range desc.BusinessRules {
		b.WriteString("Rule: " + rule + "\n")
	}
}

func (kb *KnowledgeBase) matchingTemplates(wantDomain map[string]bool) []*QueryTemplate {
	var out []*QueryTemplate
	for _, tmpl := range kb.templates {
		for _, d := range tmpl.Domains {
			if wantDomain[d] {
				out = append(out, tmpl)
				break
			}
		}
	}
	return out
}

// RecordOutcome feeds one execution result back into the knowledge base.
// Successes bump matching template counters; failures whose error text has
// the missing-column shape grow the owning table's confirmed-missing set.
// That negative knowledge is never cleared for the life of the process.
func (kb *KnowledgeBase) RecordOutcome(sql string, success bool, errText string) {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if success {
		for _, tmpl := range kb.templates {
			if tmpl.matches(sql) {
				tmpl.record(sql, true)
				if kb.store != nil {
					if err := kb.store.SaveTemplateStats(tmpl.Name, tmpl.Uses, tmpl.Successes); err != nil {
						kb.logger.Warn().Err(err).Str("template", tmpl.Name).Msg("Could not persist template stats")
					}
				}
			}
		}
		return
	}

	table, column, ok := missingColumn(sql, errText)
	if !ok {
		return
	}
	desc, known := kb.tables[table]
	if !known {
		return
	}
	if !desc.MissingColumns[column] {
		desc.MissingColumns[column] = true
		kb.logger.Info().Str("table", table).Str("column", column).Msg("Learned confirmed-missing column")
		if kb.metrics != nil {
			kb.metrics.MissingColumnsTotal.Inc()
		}
		if kb.store != nil {
			if err := kb.store.SaveMissingColumn(table, column); err != nil {
				kb.logger.Warn().Err(err).Msg("Could not persist missing column")
			}
		}
	}
}

// MissingColumns returns the confirmed-missing set for one table, sorted.
func (kb *KnowledgeBase) MissingColumns(table string) []string {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	desc, ok := kb.tables[table]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(desc.MissingColumns))
	for name := range desc.MissingColumns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Templates returns a snapshot of the current template statistics.
func (kb *KnowledgeBase) Templates() []QueryTemplate {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	out := make([]QueryTemplate, 0, len(kb.templates))
	for _, tmpl := range kb.templates {
		out = append(out, *tmpl)
	}
	return out
}
