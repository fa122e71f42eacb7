package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for the Stackplane control plane.
type Metrics struct {
	config MetricsConfig

	// Transition metrics
	transitionsTotal   *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	transitionsDenied  *prometheus.CounterVec

	// State store metrics
	storeCommits     *prometheus.CounterVec
	storeCommitBytes prometheus.Histogram
	backupsCreated   *prometheus.CounterVec
	recoveries       *prometheus.CounterVec

	// Lock metrics
	lockAcquisitions *prometheus.CounterVec
	lockWaitDuration *prometheus.HistogramVec
	staleLocksReaped prometheus.Counter

	// Recovery metrics
	errorsByCategory *prometheus.CounterVec
	recoveryAttempts *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec

	// Health metrics
	healthScore      *prometheus.GaugeVec
	alertsFired      *prometheus.CounterVec
	alertsSuppressed *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of phase transitions committed",
			},
			[]string{"from", "to"},
		),
		transitionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transition_duration_seconds",
				Help:      "Duration of phase transition commits in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"to"},
		),
		transitionsDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_denied_total",
				Help:      "Total number of transitions rejected by validation or policy",
			},
			[]string{"from", "to", "reason"},
		),

		storeCommits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_commits_total",
				Help:      "Total number of state document commits",
			},
			[]string{"scope_root"},
		),
		storeCommitBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_commit_bytes",
				Help:      "Size of committed state documents in bytes",
				Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
			},
		),
		backupsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backups_created_total",
				Help:      "Total number of state backups created",
			},
			[]string{"compressed"},
		),
		recoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_recoveries_total",
				Help:      "Total number of state recoveries from backup",
			},
			[]string{"status"},
		),

		lockAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_acquisitions_total",
				Help:      "Total number of lock acquisition attempts",
			},
			[]string{"scope", "status"},
		),
		lockWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_wait_duration_seconds",
				Help:      "Time spent waiting for lock acquisition in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"scope"},
		),
		staleLocksReaped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_locks_reaped_total",
				Help:      "Total number of stale locks forcibly removed",
			},
		),

		errorsByCategory: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_category_total",
				Help:      "Total number of classified errors by category",
			},
			[]string{"category"},
		),
		recoveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_attempts_total",
				Help:      "Total number of recovery attempts by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per dependency (0=closed, 1=half-open, 2=open)",
			},
			[]string{"dependency"},
		),

		healthScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "deployment_health_score",
				Help:      "Current health score per deployment (0-100)",
			},
			[]string{"deployment_id"},
		),
		alertsFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_fired_total",
				Help:      "Total number of alerts delivered",
			},
			[]string{"severity"},
		),
		alertsSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_suppressed_total",
				Help:      "Total number of alerts suppressed by deduplication",
			},
			[]string{"severity"},
		),
	}

	registry.MustRegister(
		m.transitionsTotal,
		m.transitionDuration,
		m.transitionsDenied,
		m.storeCommits,
		m.storeCommitBytes,
		m.backupsCreated,
		m.recoveries,
		m.lockAcquisitions,
		m.lockWaitDuration,
		m.staleLocksReaped,
		m.errorsByCategory,
		m.recoveryAttempts,
		m.breakerState,
		m.healthScore,
		m.alertsFired,
		m.alertsSuppressed,
	)

	return m, nil
}

// RecordTransition records a committed phase transition.
func (m *Metrics) RecordTransition(from, to string, duration time.Duration) {
	if m.transitionsTotal == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
	m.transitionDuration.WithLabelValues(to).Observe(duration.Seconds())
}

// RecordTransitionDenied records a transition rejected by validation or policy.
func (m *Metrics) RecordTransitionDenied(from, to, reason string) {
	if m.transitionsDenied == nil {
		return
	}
	m.transitionsDenied.WithLabelValues(from, to, reason).Inc()
}

// RecordStoreCommit records a committed state document write.
func (m *Metrics) RecordStoreCommit(scopeRoot string, bytes int) {
	if m.storeCommits == nil {
		return
	}
	m.storeCommits.WithLabelValues(scopeRoot).Inc()
	m.storeCommitBytes.Observe(float64(bytes))
}

// RecordBackup records a created backup.
func (m *Metrics) RecordBackup(compressed bool) {
	if m.backupsCreated == nil {
		return
	}
	label := "false"
	if compressed {
		label = "true"
	}
	m.backupsCreated.WithLabelValues(label).Inc()
}

// RecordRecovery records a backup recovery attempt.
func (m *Metrics) RecordRecovery(status string) {
	if m.recoveries == nil {
		return
	}
	m.recoveries.WithLabelValues(status).Inc()
}

// RecordLockAcquisition records the outcome of a lock acquisition attempt.
func (m *Metrics) RecordLockAcquisition(scope, status string, wait time.Duration) {
	if m.lockAcquisitions == nil {
		return
	}
	m.lockAcquisitions.WithLabelValues(scope, status).Inc()
	m.lockWaitDuration.WithLabelValues(scope).Observe(wait.Seconds())
}

// RecordStaleLockReaped records a forcibly removed stale lock.
func (m *Metrics) RecordStaleLockReaped() {
	if m.staleLocksReaped == nil {
		return
	}
	m.staleLocksReaped.Inc()
}

// RecordError records a classified error.
func (m *Metrics) RecordError(category string) {
	if m.errorsByCategory == nil {
		return
	}
	m.errorsByCategory.WithLabelValues(category).Inc()
}

// RecordRecoveryAttempt records a recovery attempt with its strategy and outcome.
func (m *Metrics) RecordRecoveryAttempt(strategy, outcome string) {
	if m.recoveryAttempts == nil {
		return
	}
	m.recoveryAttempts.WithLabelValues(strategy, outcome).Inc()
}

// SetBreakerState sets the circuit breaker state gauge for a dependency.
func (m *Metrics) SetBreakerState(dependency string, state int) {
	if m.breakerState == nil {
		return
	}
	m.breakerState.WithLabelValues(dependency).Set(float64(state))
}

// SetHealthScore sets the health score gauge for a deployment.
func (m *Metrics) SetHealthScore(deploymentID string, score int) {
	if m.healthScore == nil {
		return
	}
	m.healthScore.WithLabelValues(deploymentID).Set(float64(score))
}

// RecordAlert records a delivered alert.
func (m *Metrics) RecordAlert(severity string) {
	if m.alertsFired == nil {
		return
	}
	m.alertsFired.WithLabelValues(severity).Inc()
}

// RecordAlertSuppressed records an alert dropped by deduplication.
func (m *Metrics) RecordAlertSuppressed(severity string) {
	if m.alertsSuppressed == nil {
		return
	}
	m.alertsSuppressed.WithLabelValues(severity).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	return nil
}
