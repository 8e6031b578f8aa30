package queryagent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omopmed/medquery/internal/metrics"
	"github.com/omopmed/medquery/internal/prompts"
	"github.com/omopmed/medquery/pkg/knowledge"
	"github.com/omopmed/medquery/pkg/mcp"
)

type scriptedGenerator struct {
	outputs []string
	errs    []error
	calls   int
	prompts []string
}

func (g *scriptedGenerator) Generate(_ context.Context, prompt, _ string) (string, error) {
	i := g.calls
	g.calls++
	g.prompts = append(g.prompts, prompt)
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	if i < len(g.outputs) {
		return g.outputs[i], nil
	}
	return "", fmt.Errorf("generator script exhausted at call %d", i+1)
}

type scriptedRegistry struct {
	results []mcp.ToolResult
	errs    []error
	calls   int
	sqls    []string
}

func (r *scriptedRegistry) Call(_ context.Context, _ string, args map[string]interface{}) (mcp.ToolResult, error) {
	i := r.calls
	r.calls++
	if sql, ok := args["sql_query"].(string); ok {
		r.sqls = append(r.sqls, sql)
	}
	if i < len(r.errs) && r.errs[i] != nil {
		return mcp.ToolResult{}, r.errs[i]
	}
	if i < len(r.results) {
		return r.results[i], nil
	}
	return mcp.ToolResult{}, fmt.Errorf("registry script exhausted at call %d", i+1)
}

func textResult(text string) mcp.ToolResult {
	return mcp.ToolResult{Kind: mcp.ResultText, Text: text}
}

func sqlOutput(sql string) string {
	return "```sql\n" + sql + "\n```"
}

func newTestAgent(t *testing.T, gen Generator, reg Registry, maxAttempts int) *Agent {
	t.Helper()
	agent, err := New(Config{
		Generator:   gen,
		Registry:    reg,
		Knowledge:   knowledge.New(knowledge.Config{Logger: zerolog.Nop()}),
		Prompts:     prompts.Default(),
		Logger:      zerolog.Nop(),
		MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
	return agent
}

func TestAnswerSucceedsFirstAttempt(t *testing.T) {
	gen := &scriptedGenerator{outputs: []string{
		sqlOutput("SELECT COUNT(DISTINCT person_id) FROM base.person"),
	}}
	reg := &scriptedRegistry{results: []mcp.ToolResult{textResult("count\n42")}}
	agent := newTestAgent(t, gen, reg, 0)

	result, err := agent.Answer(context.Background(), "How many patients are there?")
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(DISTINCT person_id) FROM base.person", result.SQL)
	assert.Equal(t, "count\n42", result.Rows)
	assert.Empty(t, agent.Attempts())
	assert.Equal(t, 1, reg.calls)
}

func TestAnswerExhaustsAttempts(t *testing.T) {
	const maxAttempts = 3

	gen := &scriptedGenerator{outputs: []string{
		sqlOutput("SELECT a FROM base.person"),
		sqlOutput("SELECT b FROM base.person"),
		sqlOutput("SELECT c FROM base.person"),
	}}
	reg := &scriptedRegistry{errs: []error{
		errors.New("failure one"),
		errors.New("failure two"),
		errors.New("failure three"),
	}}
	agent := newTestAgent(t, gen, reg, maxAttempts)

	_, err := agent.Answer(context.Background(), "How many patients are there?")
	require.Error(t, err)

	var exhausted *MaxAttemptsExceededError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, maxAttempts, exhausted.Attempts)
	assert.Equal(t, "failure three", exhausted.LastError)

	// Never more than maxAttempts execution calls.
	assert.Equal(t, maxAttempts, reg.calls)

	history := agent.Attempts()
	require.Len(t, history, maxAttempts)
	for i, record := range history {
		assert.Equal(t, i+1, record.Ordinal)
	}
	assert.Equal(t, "SELECT c FROM base.person", history[2].SQL)
	assert.Equal(t, "failure three", history[2].Error)
}

func TestAnswerClearsCarriedOverHistory(t *testing.T) {
	gen := &scriptedGenerator{outputs: []string{
		sqlOutput("SELECT a FROM base.person"),
		sqlOutput("SELECT COUNT(DISTINCT person_id) FROM base.person"),
	}}
	reg := &scriptedRegistry{
		errs:    []error{errors.New("boom")},
		results: []mcp.ToolResult{{}, textResult("count\n1")},
	}
	agent := newTestAgent(t, gen, reg, 1)

	_, err := agent.Answer(context.Background(), "first question")
	require.Error(t, err)
	require.Len(t, agent.Attempts(), 1)

	// A new unrelated question starts with a clean history.
	result, err := agent.Answer(context.Background(), "second question")
	require.NoError(t, err)
	assert.Equal(t, "count\n1", result.Rows)
	assert.Empty(t, agent.Attempts())
}

func TestRefinementPromptCarriesMissingColumnLesson(t *testing.T) {
	gen := &scriptedGenerator{outputs: []string{
		sqlOutput("SELECT race FROM base.person"),
		sqlOutput("SELECT COUNT(DISTINCT person_id) FROM base.person"),
	}}
	reg := &scriptedRegistry{
		results: []mcp.ToolResult{
			textResult(`Binder Error: Table "person" does not have a column named "race"`),
			textResult("count\n42"),
		},
	}
	agent := newTestAgent(t, gen, reg, 5)

	result, err := agent.Answer(context.Background(), "How many patients are there?")
	require.NoError(t, err)
	assert.Equal(t, "count\n42", result.Rows)

	require.Len(t, gen.prompts, 2)
	assert.Contains(t, gen.prompts[1], `"race"`)
	assert.Contains(t, gen.prompts[1], "SELECT race FROM base.person")

	// Success clears the history even after intermediate failures.
	assert.Empty(t, agent.Attempts())
	assert.Equal(t, []string{"race"}, agent.kb.MissingColumns("person"))
}

func TestValidationGateConsumesAttemptWithoutExecuting(t *testing.T) {
	gen := &scriptedGenerator{outputs: []string{
		sqlOutput("DROP TABLE base.person"),
		sqlOutput("SELECT COUNT(DISTINCT person_id) FROM base.person"),
	}}
	reg := &scriptedRegistry{results: []mcp.ToolResult{textResult("count\n42")}}
	agent := newTestAgent(t, gen, reg, 5)

	result, err := agent.Answer(context.Background(), "How many patients are there?")
	require.NoError(t, err)
	assert.Equal(t, "count\n42", result.Rows)

	// The rejected statement never reached the registry.
	assert.Equal(t, 1, reg.calls)
	assert.Equal(t, 2, gen.calls)
}

func TestGenerationErrorConsumesAttempt(t *testing.T) {
	gen := &scriptedGenerator{
		errs:    []error{errors.New("provider unavailable")},
		outputs: []string{"", sqlOutput("SELECT COUNT(DISTINCT person_id) FROM base.person")},
	}
	reg := &scriptedRegistry{results: []mcp.ToolResult{textResult("count\n42")}}
	agent := newTestAgent(t, gen, reg, 5)

	result, err := agent.Answer(context.Background(), "How many patients are there?")
	require.NoError(t, err)
	assert.Equal(t, "count\n42", result.Rows)
	assert.Equal(t, 2, gen.calls)
	assert.Equal(t, 1, reg.calls)
}

func TestEmbeddedDatabaseErrorTreatedAsFailure(t *testing.T) {
	gen := &scriptedGenerator{outputs: []string{
		sqlOutput("SELECT x FROM base.person"),
	}}
	reg := &scriptedRegistry{results: []mcp.ToolResult{
		textResult("Catalog Error: Table with name x does not exist"),
	}}
	agent := newTestAgent(t, gen, reg, 1)

	_, err := agent.Answer(context.Background(), "anything")
	var exhausted *MaxAttemptsExceededError
	require.ErrorAs(t, err, &exhausted)
	assert.Contains(t, exhausted.LastError, "Catalog Error")
}

func TestToolCallMetricsRecorded(t *testing.T) {
	gen := &scriptedGenerator{outputs: []string{
		sqlOutput("SELECT a FROM base.person"),
		sqlOutput("SELECT COUNT(DISTINCT person_id) FROM base.person"),
	}}
	reg := &scriptedRegistry{
		errs:    []error{errors.New("server went away")},
		results: []mcp.ToolResult{{}, textResult("count\n7")},
	}

	m := metrics.NewMetrics()
	agent, err := New(Config{
		Generator: gen,
		Registry:  reg,
		Knowledge: knowledge.New(knowledge.Config{Logger: zerolog.Nop()}),
		Prompts:   prompts.Default(),
		Logger:    zerolog.Nop(),
		Metrics:   m,
	})
	require.NoError(t, err)

	_, err = agent.Answer(context.Background(), "How many patients are there?")
	require.NoError(t, err)

	// One failed and one successful call against the query tool, both timed.
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues(DefaultQueryTool, "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues(DefaultQueryTool, "success")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ToolCallDuration, "tool_call_duration_seconds"))
}
