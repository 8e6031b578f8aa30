// Package orchestrator answers a top-level question by decomposing it into
// an ordered plan of atomic sub-questions, executing each through an
// Answerer, and synthesizing a final answer from the accumulated results.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/omopmed/medquery/internal/metrics"
	"github.com/omopmed/medquery/internal/prompts"
	"github.com/omopmed/medquery/internal/tracing"
	"github.com/omopmed/medquery/pkg/queryagent"
)

// Generator produces text from a prompt pair.
type Generator interface {
	Generate(ctx context.Context, prompt, systemPrompt string) (string, error)
}

// Answerer resolves one atomic sub-question. The in-process query agent and
// the gateway client both satisfy it; the orchestrator must not care which
// one it holds.
type Answerer interface {
	Answer(ctx context.Context, question string) (queryagent.Result, error)
}

// Answer is the question/answer surface returned to callers. A failed
// question is reported as a value with Success false, never as a panic.
type Answer struct {
	Success      bool   `json:"success"`
	Answer       string `json:"answer"`
	GeneratedSQL string `json:"generated_sql,omitempty"`
	Error        string `json:"error,omitempty"`
}

// DefaultMaxLoops bounds plan execution to guarantee termination even when
// the planner produces a degenerate plan.
const DefaultMaxLoops = 10

// Config holds orchestrator configuration.
type Config struct {
	Generator Generator
	Answerer  Answerer
	Prompts   prompts.Set
	Logger    zerolog.Logger

	// MaxLoops defaults to DefaultMaxLoops.
	MaxLoops int
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Orchestrator is the planning state machine.
type Orchestrator struct {
	gen      Generator
	answerer Answerer
	prompts  prompts.Set
	maxLoops int
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if cfg.Answerer == nil {
		return nil, fmt.Errorf("answerer is required")
	}

	maxLoops := cfg.MaxLoops
	if maxLoops <= 0 {
		maxLoops = DefaultMaxLoops
	}

	return &Orchestrator{
		gen:      cfg.Generator,
		answerer: cfg.Answerer,
		prompts:  cfg.Prompts,
		maxLoops: maxLoops,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}, nil
}

// Ask answers one top-level question. It always returns an Answer value: any
// failure, including a panic below this frame, becomes Success false with an
// error message.
func (o *Orchestrator) Ask(ctx context.Context, question string) (answer Answer) {
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx, span := tracing.StartSpan(ctx, "medquery.orchestrator", "orchestrator.ask")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, o.logger)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Question processing panicked")
			answer = Answer{Success: false, Error: fmt.Sprintf("internal error: %v", r)}
		}
		status := "failure"
		if answer.Success {
			status = "success"
		}
		if o.metrics != nil {
			o.metrics.QuestionsTotal.WithLabelValues(status).Inc()
			o.metrics.QuestionDuration.Observe(time.Since(start).Seconds())
		}
		if !answer.Success {
			span.SetStatus(codes.Error, answer.Error)
		}
	}()

	logger.Info().Str("question", question).Msg("Processing question")
	return o.process(ctx, logger, question)
}

func (o *Orchestrator) process(ctx context.Context, logger zerolog.Logger, question string) Answer {
	plan, err := o.plan(ctx, question)
	if err != nil {
		if o.metrics != nil {
			o.metrics.PlanParseFailures.Inc()
		}
		return Answer{Success: false, Error: err.Error()}
	}
	logger.Info().Str("plan_id", plan.ID).Int("steps", len(plan.Steps)).Msg("Plan created")
	if o.metrics != nil {
		o.metrics.PlanStepsPerPlan.Observe(float64(len(plan.Steps)))
	}

	var lastSQL string
	executed := 0
	for loops := 0; executed < len(plan.Steps); loops++ {
		if loops >= o.maxLoops {
			return Answer{
				Success: false,
				Error:   fmt.Sprintf("plan execution stopped after %d iterations with %d steps pending", o.maxLoops, len(plan.Steps)-executed),
			}
		}

		step := &plan.Steps[executed]
		logger.Info().Int("step", executed+1).Str("sub_question", step.Question).Msg("Executing plan step")

		result, err := o.answerer.Answer(ctx, step.Question)
		if err != nil {
			// Step failures are never skipped: synthesis assumes every
			// planned step has a result.
			return Answer{
				Success: false,
				Error:   fmt.Sprintf("sub-question %q failed: %v", step.Question, err),
			}
		}

		step.Result = result.Rows
		step.SQL = result.SQL
		lastSQL = result.SQL
		executed++
	}

	final, err := o.synthesize(ctx, question, plan.Steps)
	if err != nil {
		return Answer{Success: false, Error: fmt.Sprintf("synthesis failed: %v", err), GeneratedSQL: lastSQL}
	}

	return Answer{Success: true, Answer: final, GeneratedSQL: lastSQL}
}

func (o *Orchestrator) plan(ctx context.Context, question string) (Plan, error) {
	ctx, span := tracing.StartSpan(ctx, "medquery.orchestrator", "orchestrator.plan")
	defer span.End()

	prompt := prompts.Render(o.prompts.Planner, map[string]string{"question": question})

	start := time.Now()
	output, err := o.gen.Generate(ctx, prompt, o.prompts.PlannerSystem)
	if o.metrics != nil {
		o.metrics.GenerationDuration.WithLabelValues("plan").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return Plan{}, fmt.Errorf("planning failed: %w", err)
	}

	plan, err := parsePlan(output)
	if err != nil {
		span.RecordError(err)
		return Plan{}, err
	}
	span.SetAttributes(attribute.Int("plan.steps", len(plan.Steps)))
	return plan, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, question string, steps []PlanStep) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "medquery.orchestrator", "orchestrator.synthesize")
	defer span.End()

	prompt := prompts.Render(o.prompts.Synthesizer, map[string]string{
		"question": question,
		"results":  renderResults(steps),
	})

	start := time.Now()
	output, err := o.gen.Generate(ctx, prompt, o.prompts.SynthesizerSystem)
	if o.metrics != nil {
		o.metrics.GenerationDuration.WithLabelValues("synthesize").Observe(time.Since(start).Seconds())
	}
	return output, err
}
