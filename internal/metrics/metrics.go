package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Research run metrics
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_runs_started_total",
			Help: "Total number of research runs started",
		},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_runs_completed_total",
			Help: "Total number of research runs completed",
		},
		[]string{"status"}, // success, error, timeout
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_run_duration_seconds",
			Help:    "Research run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	ReflectionLoops = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_reflection_loops",
			Help:    "Number of reflection loops per run",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 10},
		},
	)

	// Search metrics
	SearchesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_searches_executed_total",
			Help: "Total number of web searches executed",
		},
		[]string{"status"}, // ok, error
	)

	SearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_search_duration_seconds",
			Help:    "Individual search call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionsClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_sessions_closed_total",
			Help: "Total number of sessions closed explicitly",
		},
	)

	SessionsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_sessions_swept_total",
			Help: "Total number of sessions reclaimed by the TTL sweeper",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fathom_active_sessions",
			Help: "Number of sessions currently held by the store",
		},
	)

	// Progress notifier metrics
	ProgressMessagesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_progress_messages_created_total",
			Help: "Total number of progress messages created",
		},
	)

	ProgressMessagesEdited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_progress_messages_edited_total",
			Help: "Total number of progress message in-place edits",
		},
	)

	ProgressEditFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_progress_edit_failures_total",
			Help: "Total number of edits that fell through to message creation",
		},
	)

	// Policy metrics
	PolicyDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_policy_denials_total",
			Help: "Total number of research topics rejected by the admission policy",
		},
		[]string{"mode"}, // dry-run, enforce
	)

	// LLM metrics
	CompletionCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_completion_calls_total",
			Help: "Total number of structured completion calls",
		},
		[]string{"operation", "status"},
	)

	CompletionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fathom_completion_duration_seconds",
			Help:    "Structured completion call duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"operation"},
	)

	// Circuit breaker metrics
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fathom_breaker_state",
			Help: "Current circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_breaker_rejections_total",
			Help: "Total number of calls rejected by an open circuit breaker",
		},
		[]string{"name"},
	)

	// Journal metrics
	JournalEventsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_journal_events_written_total",
			Help: "Total number of run events mirrored to the Redis journal",
		},
	)

	JournalWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_journal_write_failures_total",
			Help: "Total number of journal writes that failed",
		},
	)
)
