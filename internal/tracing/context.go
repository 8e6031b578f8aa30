package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for the trace ID
	TraceIDKey ContextKey = "trace_id"
	// QuestionIDKey is the context key for the question ID, shared by every
	// sub-question spawned while answering one top-level question
	QuestionIDKey ContextKey = "question_id"
)

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewQuestionID generates a new question ID
func NewQuestionID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithQuestionID adds a question ID to the context
func WithQuestionID(ctx context.Context, questionID string) context.Context {
	return context.WithValue(ctx, QuestionIDKey, questionID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetQuestionID retrieves the question ID from the context
func GetQuestionID(ctx context.Context) string {
	if questionID, ok := ctx.Value(QuestionIDKey).(string); ok {
		return questionID
	}
	return ""
}

// NewRequestContext creates a context for one top-level question with fresh
// trace and question IDs.
func NewRequestContext(ctx context.Context) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	return WithQuestionID(ctx, NewQuestionID())
}

// LoggerFromContext returns the base logger enriched with any tracing fields
// present in the context.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	if traceID := GetTraceID(ctx); traceID != "" {
		baseLogger = baseLogger.With().Str("trace_id", traceID).Logger()
	}
	if questionID := GetQuestionID(ctx); questionID != "" {
		baseLogger = baseLogger.With().Str("question_id", questionID).Logger()
	}
	return baseLogger
}
