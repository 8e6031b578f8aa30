// Package queryagent turns one natural-language question into executed SQL
// through a bounded generate-execute-refine loop. Each failed attempt feeds
// its error back into the knowledge base and the refinement prompt, so later
// attempts avoid the mistakes of earlier ones.
package queryagent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/omopmed/medquery/internal/metrics"
	"github.com/omopmed/medquery/internal/prompts"
	"github.com/omopmed/medquery/internal/tracing"
	"github.com/omopmed/medquery/pkg/knowledge"
	"github.com/omopmed/medquery/pkg/mcp"
)

// Generator produces text from a prompt pair. Retry semantics live above
// this boundary; implementations should make one call per invocation.
type Generator interface {
	Generate(ctx context.Context, prompt, systemPrompt string) (string, error)
}

// Registry dispatches a tool call by qualified id.
type Registry interface {
	Call(ctx context.Context, qualifiedID string, args map[string]interface{}) (mcp.ToolResult, error)
}

// AttemptRecord is one failed attempt within the current question.
type AttemptRecord struct {
	SQL     string
	Error   string
	Ordinal int
}

// MaxAttemptsExceededError reports that the refinement loop hit its ceiling.
// LastError carries the final attempt's error for diagnostics.
type MaxAttemptsExceededError struct {
	Attempts  int
	LastError string
}

func (e *MaxAttemptsExceededError) Error() string {
	return fmt.Sprintf("no working query after %d attempts, last error: %s", e.Attempts, e.LastError)
}

const (
	// DefaultMaxAttempts bounds the generate-execute-refine loop.
	DefaultMaxAttempts = 5
	// DefaultQueryTool is the qualified id of the SQL execution tool.
	DefaultQueryTool = "omop:query_omop_database"
)

// Config holds agent configuration.
type Config struct {
	Generator Generator
	Registry  Registry
	Knowledge *knowledge.KnowledgeBase
	Prompts   prompts.Set
	Logger    zerolog.Logger

	// QueryTool defaults to DefaultQueryTool.
	QueryTool string
	// MaxAttempts defaults to DefaultMaxAttempts.
	MaxAttempts int
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Result is one successfully answered question.
type Result struct {
	SQL  string
	Rows string
}

// Agent is the query-generation state machine. It is not safe for concurrent
// use; run one Agent per in-flight question.
type Agent struct {
	gen         Generator
	registry    Registry
	kb          *knowledge.KnowledgeBase
	prompts     prompts.Set
	queryTool   string
	maxAttempts int
	logger      zerolog.Logger
	metrics     *metrics.Metrics

	attempts []AttemptRecord
}

// New creates a query agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Knowledge == nil {
		return nil, fmt.Errorf("knowledge base is required")
	}

	queryTool := cfg.QueryTool
	if queryTool == "" {
		queryTool = DefaultQueryTool
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	return &Agent{
		gen:         cfg.Generator,
		registry:    cfg.Registry,
		kb:          cfg.Knowledge,
		prompts:     cfg.Prompts,
		queryTool:   queryTool,
		maxAttempts: maxAttempts,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}, nil
}

// Attempts returns a copy of the failed-attempt history for the question
// currently or most recently processed.
func (a *Agent) Attempts() []AttemptRecord {
	out := make([]AttemptRecord, len(a.attempts))
	copy(out, a.attempts)
	return out
}

// Answer resolves one question. Any attempt history carried over from a
// previous question is cleared on entry. On success the history is empty;
// on exhaustion the returned error is a *MaxAttemptsExceededError whose
// LastError equals the final attempt's error.
func (a *Agent) Answer(ctx context.Context, question string) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "medquery.queryagent", "queryagent.answer",
		attribute.Int("max_attempts", a.maxAttempts),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, a.logger)

	a.attempts = a.attempts[:0]

	var lastErr string
	for ordinal := 1; ordinal <= a.maxAttempts; ordinal++ {
		sql, rows, attemptErr := a.attempt(ctx, logger, question, ordinal)
		if attemptErr == "" {
			a.attempts = a.attempts[:0]
			a.kb.RecordOutcome(sql, true, "")
			if a.metrics != nil {
				a.metrics.SQLAttemptsTotal.WithLabelValues("success").Inc()
				a.metrics.AttemptsPerQuery.Observe(float64(ordinal))
			}
			logger.Info().Int("attempt", ordinal).Msg("Question answered")
			return Result{SQL: sql, Rows: rows}, nil
		}

		lastErr = attemptErr
		a.attempts = append(a.attempts, AttemptRecord{SQL: sql, Error: attemptErr, Ordinal: ordinal})
		a.kb.RecordOutcome(sql, false, attemptErr)
		if a.metrics != nil {
			a.metrics.SQLAttemptsTotal.WithLabelValues("failure").Inc()
		}
		logger.Warn().Int("attempt", ordinal).Str("error", attemptErr).Msg("Attempt failed, refining")
	}

	err := &MaxAttemptsExceededError{Attempts: a.maxAttempts, LastError: lastErr}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return Result{}, err
}

// attempt runs one generate-validate-execute cycle. A non-empty returned
// error string means the attempt is consumed, whether the failure happened
// at generation, validation or execution.
func (a *Agent) attempt(ctx context.Context, logger zerolog.Logger, question string, ordinal int) (sql, rows, attemptErr string) {
	prompt, system, purpose := a.buildPrompt(question, ordinal)

	start := time.Now()
	output, err := a.gen.Generate(ctx, prompt, system)
	if a.metrics != nil {
		a.metrics.GenerationDuration.WithLabelValues(purpose).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return "", "", fmt.Sprintf("generation failed: %v", err)
	}

	sql, err = ExtractSQL(output)
	if err != nil {
		return "", "", err.Error()
	}
	if err := ValidateReadOnly(sql); err != nil {
		// Hard input-validation gate: rejected before execution but still
		// consumes the attempt.
		return sql, "", err.Error()
	}

	logger.Debug().Int("attempt", ordinal).Str("sql", sql).Msg("Executing generated SQL")
	callStart := time.Now()
	result, err := a.registry.Call(ctx, a.queryTool, map[string]interface{}{
		"sql_query": sql,
	})
	if a.metrics != nil {
		a.metrics.ToolCallDuration.WithLabelValues(a.queryTool).Observe(time.Since(callStart).Seconds())
		status := "success"
		if err != nil {
			status = "failure"
		}
		a.metrics.ToolCallsTotal.WithLabelValues(a.queryTool, status).Inc()
	}
	if err != nil {
		return sql, "", err.Error()
	}

	text := result.String()
	if embedded, ok := embeddedError(text); ok {
		return sql, "", embedded
	}
	return sql, text, ""
}

func (a *Agent) buildPrompt(question string, ordinal int) (prompt, system, purpose string) {
	failures := make([]knowledge.Failure, len(a.attempts))
	for i, at := range a.attempts {
		failures[i] = knowledge.Failure{SQL: at.SQL, Error: at.Error}
	}
	contextText := a.kb.ContextFor(question, nil, failures)

	if ordinal == 1 {
		return prompts.Render(a.prompts.SQLGenerator, map[string]string{
			"context":  contextText,
			"question": question,
		}), a.prompts.SQLGeneratorSystem, "sql"
	}

	return prompts.Render(a.prompts.SQLRefiner, map[string]string{
		"context":  contextText,
		"question": question,
		"history":  renderHistory(a.attempts),
	}), a.prompts.SQLGeneratorSystem, "refine"
}

func renderHistory(attempts []AttemptRecord) string {
	var b strings.Builder
	for _, at := range attempts {
		fmt.Fprintf(&b, "Attempt %d:\n%s\nError: %s\n\n", at.Ordinal, at.SQL, at.Error)
	}
	return b.String()
}
