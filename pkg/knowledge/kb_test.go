package knowledge

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omopmed/medquery/internal/metrics"
	"github.com/omopmed/medquery/pkg/mcp"
)

type fakeRegistry struct {
	text    string
	err     error
	calls   int
	lastSQL string
}

func (f *fakeRegistry) Call(_ context.Context, _ string, args map[string]interface{}) (mcp.ToolResult, error) {
	f.calls++
	if sql, ok := args["sql_query"].(string); ok {
		f.lastSQL = sql
	}
	if f.err != nil {
		return mcp.ToolResult{}, f.err
	}
	return mcp.ToolResult{Kind: mcp.ResultText, Text: f.text}, nil
}

func newTestKB(t *testing.T) *KnowledgeBase {
	t.Helper()
	return New(Config{Logger: zerolog.Nop()})
}

func TestDomainsFor(t *testing.T) {
	kb := newTestKB(t)

	tests := []struct {
		question string
		want     []string
	}{
		{"How many patients have hypertension?", []string{DomainPerson, DomainCondition, DomainVocabulary}},
		{"How many female patients are on metformin?", []string{DomainPerson, DomainDrug, DomainVocabulary}},
		{"Average glucose measurement by visit", []string{DomainPerson, DomainMeasurement, DomainVisit, DomainVocabulary}},
		{"Count everything", []string{DomainPerson}},
	}

	for _, tc := range tests {
		t.Run(tc.question, func(t *testing.T) {
			got := kb.DomainsFor(tc.question)
			// Vocabulary is pulled in by ContextFor, not DomainsFor, unless
			// the question mentions concepts directly.
			var filtered []string
			for _, d := range got {
				if d != DomainVocabulary {
					filtered = append(filtered, d)
				}
			}
			var want []string
			for _, d := range tc.want {
				if d != DomainVocabulary {
					want = append(want, d)
				}
			}
			assert.Equal(t, want, filtered)
		})
	}
}

func TestContextForIsDeterministic(t *testing.T) {
	kb := newTestKB(t)
	question := "How many patients have diabetes?"
	failures := []Failure{
		{SQL: "SELECT race FROM base.person", Error: `Binder Error: Table "person" does not have a column named "race"`},
	}

	first := kb.ContextFor(question, nil, failures)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, kb.ContextFor(question, nil, failures))
	}
}

func TestContextForSelectsDomains(t *testing.T) {
	kb := newTestKB(t)

	ctx := kb.ContextFor("How many patients have hypertension?", nil, nil)
	assert.Contains(t, ctx, "base.person")
	assert.Contains(t, ctx, "base.condition_occurrence")
	assert.Contains(t, ctx, "base.concept")
	assert.NotContains(t, ctx, "base.drug_exposure")
	assert.NotContains(t, ctx, "base.visit_occurrence")

	// Business rules ride along with their table.
	assert.Contains(t, ctx, "standard_concept = 'S'")
}

func TestRecordOutcomeLearnsMissingColumn(t *testing.T) {
	kb := newTestKB(t)

	sql := "SELECT race FROM base.person"
	errText := `Binder Error: Table "person" does not have a column named "race"`
	kb.RecordOutcome(sql, false, errText)

	assert.Equal(t, []string{"race"}, kb.MissingColumns("person"))

	// The learned fact shows up in subsequent prompt context even without
	// the failure in the attempt history.
	ctx := kb.ContextFor("How many patients are there?", nil, nil)
	assert.Contains(t, ctx, "confirmed NOT to exist")
	assert.Contains(t, ctx, "race")
}

func TestRecordOutcomeMissingColumnSurvivesSuccess(t *testing.T) {
	kb := newTestKB(t)

	kb.RecordOutcome("SELECT race FROM base.person",
		false, `Binder Error: Table "person" does not have a column named "race"`)
	kb.RecordOutcome("SELECT COUNT(DISTINCT person_id) FROM base.person GROUP BY gender_concept_id", true, "")

	assert.Equal(t, []string{"race"}, kb.MissingColumns("person"))
}

func TestRecordOutcomeBumpsTemplateStats(t *testing.T) {
	kb := newTestKB(t)

	sql := "SELECT gender_concept_id, COUNT(DISTINCT person_id) FROM base.person GROUP BY gender_concept_id"
	kb.RecordOutcome(sql, true, "")

	var found bool
	for _, tmpl := range kb.Templates() {
		if tmpl.Name == "count_patients_by_gender" {
			found = true
			assert.Equal(t, 1, tmpl.Uses)
			assert.Equal(t, 1, tmpl.Successes)
		}
	}
	require.True(t, found)

	ctx := kb.ContextFor("How many male patients are there?", nil, nil)
	assert.Contains(t, ctx, "count_patients_by_gender (1/1 successful)")
}

func TestRecordOutcomeIgnoresUnattributableFailure(t *testing.T) {
	kb := newTestKB(t)

	kb.RecordOutcome("SELECT 1", false, "some network hiccup")
	for _, name := range CoreTableNames() {
		assert.Empty(t, kb.MissingColumns(name))
	}
}

func TestDiscoverReplacesColumns(t *testing.T) {
	kb := newTestKB(t)
	reg := &fakeRegistry{text: strings.Join([]string{
		"table_name | column_name | data_type",
		"person | person_id | BIGINT",
		"person | gender_concept_id | INTEGER",
		"concept | concept_id | INTEGER",
	}, "\n")}

	kb.Discover(context.Background(), reg)

	require.Equal(t, 1, reg.calls)
	assert.Contains(t, reg.lastSQL, "information_schema.columns")

	ctx := kb.ContextFor("How many patients are there?", nil, nil)
	assert.Contains(t, ctx, "Verified columns in the live database: gender_concept_id, person_id")
}

func TestDiscoverFailsSoft(t *testing.T) {
	kb := newTestKB(t)

	// Seed prior discovery, then fail the next pass.
	reg := &fakeRegistry{text: "person | person_id | BIGINT"}
	kb.Discover(context.Background(), reg)

	broken := &fakeRegistry{err: errors.New("server down")}
	kb.Discover(context.Background(), broken)

	ctx := kb.ContextFor("patients", nil, nil)
	assert.Contains(t, ctx, "Verified columns in the live database: person_id")
}

func TestParseColumnsResultWhitespaceLayout(t *testing.T) {
	parsed := parseColumnsResult("table_name column_name data_type\nperson person_id BIGINT\n\ngarbage\n")
	require.Contains(t, parsed, "person")
	assert.Equal(t, "BIGINT", parsed["person"]["person_id"])
	assert.Len(t, parsed, 1)
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.db")

	store, err := OpenStore(path)
	require.NoError(t, err)

	kb := New(Config{Logger: zerolog.Nop(), Store: store})
	kb.RecordOutcome("SELECT race FROM base.person",
		false, `Binder Error: Table "person" does not have a column named "race"`)
	kb.RecordOutcome("SELECT gender_concept_id, COUNT(DISTINCT person_id) FROM base.person GROUP BY gender_concept_id", true, "")
	require.NoError(t, store.Close())

	// A fresh process sees the learned facts.
	store2, err := OpenStore(path)
	require.NoError(t, err)
	defer store2.Close()

	kb2 := New(Config{Logger: zerolog.Nop(), Store: store2})
	assert.Equal(t, []string{"race"}, kb2.MissingColumns("person"))

	var found bool
	for _, tmpl := range kb2.Templates() {
		if tmpl.Name == "count_patients_by_gender" {
			found = true
			assert.Equal(t, 1, tmpl.Uses)
			assert.Equal(t, 1, tmpl.Successes)
		}
	}
	assert.True(t, found)
}

func TestStoreDuplicateMissingColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.db")
	store, err := OpenStore(path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SaveMissingColumn("person", "race"))
	require.NoError(t, store.SaveMissingColumn("person", "race"))

	missing, err := store.LoadMissingColumns()
	require.NoError(t, err)
	assert.Equal(t, []string{"race"}, missing["person"])
}

func TestLearnedFactsUpdateMetrics(t *testing.T) {
	m := metrics.NewMetrics()
	kb := New(Config{Logger: zerolog.Nop(), Metrics: m})

	errText := `Binder Error: Table "person" does not have a column named "race"`
	kb.RecordOutcome("SELECT race FROM base.person", false, errText)
	kb.RecordOutcome("SELECT race FROM base.person", false, errText)

	// The repeated failure teaches nothing new and is counted once.
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MissingColumnsTotal))

	reg := &fakeRegistry{text: "person | person_id | BIGINT"}
	kb.Discover(context.Background(), reg)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchemaDiscoveries))

	// A failed pass is not a discovery.
	broken := &fakeRegistry{err: errors.New("server down")}
	kb.Discover(context.Background(), broken)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchemaDiscoveries))
}
