package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// Question metrics
	QuestionsTotal    *prometheus.CounterVec
	QuestionDuration  prometheus.Histogram
	PlanStepsPerPlan  prometheus.Histogram
	PlanParseFailures prometheus.Counter

	// SQL generation metrics
	SQLAttemptsTotal   *prometheus.CounterVec
	AttemptsPerQuery   prometheus.Histogram
	GenerationDuration *prometheus.HistogramVec

	// Tool protocol metrics
	ToolCallsTotal      *prometheus.CounterVec
	ToolCallDuration    *prometheus.HistogramVec
	ServersConnected    prometheus.Gauge
	SchemaDiscoveries   prometheus.Counter
	MissingColumnsTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		QuestionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "questions_total",
				Help: "Total number of top-level questions processed",
			},
			[]string{"status"},
		),
		QuestionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "question_duration_seconds",
				Help:    "End-to-end duration of question processing in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
		),
		PlanStepsPerPlan: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "plan_steps",
				Help:    "Number of sub-questions per plan",
				Buckets: prometheus.LinearBuckets(1, 1, 10),
			},
		),
		PlanParseFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plan_parse_failures_total",
				Help: "Total number of planner responses with no parseable plan",
			},
		),

		SQLAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sql_attempts_total",
				Help: "Total number of SQL execution attempts",
			},
			[]string{"status"},
		),
		AttemptsPerQuery: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "attempts_per_query",
				Help:    "Number of attempts consumed per answered sub-question",
				Buckets: prometheus.LinearBuckets(1, 1, 5),
			},
		),
		GenerationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "generation_duration_seconds",
				Help:    "Duration of LLM generation calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"purpose"},
		),

		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_calls_total",
				Help: "Total number of tool calls by qualified tool id",
			},
			[]string{"tool", "status"},
		),
		ToolCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tool_call_duration_seconds",
				Help:    "Duration of tool calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		ServersConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tool_servers_connected",
				Help: "Number of currently connected tool servers",
			},
		),
		SchemaDiscoveries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "schema_discoveries_total",
				Help: "Total number of schema discovery passes",
			},
		),
		MissingColumnsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "missing_columns_learned_total",
				Help: "Total number of confirmed-missing columns learned",
			},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.QuestionsTotal)
	m.registry.MustRegister(m.QuestionDuration)
	m.registry.MustRegister(m.PlanStepsPerPlan)
	m.registry.MustRegister(m.PlanParseFailures)

	m.registry.MustRegister(m.SQLAttemptsTotal)
	m.registry.MustRegister(m.AttemptsPerQuery)
	m.registry.MustRegister(m.GenerationDuration)

	m.registry.MustRegister(m.ToolCallsTotal)
	m.registry.MustRegister(m.ToolCallDuration)
	m.registry.MustRegister(m.ServersConnected)
	m.registry.MustRegister(m.SchemaDiscoveries)
	m.registry.MustRegister(m.MissingColumnsTotal)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
