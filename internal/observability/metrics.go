package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CapturesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attend",
		Name:      "captures_received_total",
		Help:      "Total number of captures received",
	}, []string{"source"})

	MatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attend",
		Name:      "match_outcomes_total",
		Help:      "Matcher decisions by modality and outcome",
	}, []string{"modality", "outcome"})

	MatchScore = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "attend",
		Name:      "match_score",
		Help:      "Best similarity score per match attempt",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	}, []string{"modality"})

	AmbiguousMatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attend",
		Name:      "ambiguous_matches_total",
		Help:      "Matches resolved by tie-break and flagged for audit",
	})

	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attend",
		Name:      "session_transitions_total",
		Help:      "Session state transitions (login, logout, auto_absent)",
	}, []string{"action"})

	SessionNoops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attend",
		Name:      "session_noop_events_total",
		Help:      "Recorded events that changed no session (duplicate, day_completed, already_finalized)",
	}, []string{"action"})

	SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attend",
		Name:      "sweep_runs_total",
		Help:      "Number of auto-absence sweeps executed",
	})

	OpenSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "attend",
		Name:      "open_sessions",
		Help:      "Open sessions observed by the last sweep",
	})

	EnrolledIdentities = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "attend",
		Name:      "enrolled_identities",
		Help:      "Identities eligible for matching per modality",
	}, []string{"modality"})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "attend",
		Name:      "inference_duration_seconds",
		Help:      "Duration of embedding extraction stages",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"stage"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "attend",
		Name:      "queue_depth",
		Help:      "Number of pending capture tasks in queue",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "attend",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "attend",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
