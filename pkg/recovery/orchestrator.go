package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/stackplane/stackplane/pkg/journal"
	"github.com/stackplane/stackplane/pkg/telemetry"
)

// Operation is the unit of work the orchestrator retries.
type Operation func(ctx context.Context) error

// FallbackFunc substitutes operation parameters (alternate instance class,
// zone, or region) before the next attempt. A fallback that itself fails is
// treated as exhausted, not nested-retried.
type FallbackFunc func(record *ErrorRecord, attempt int) error

// Notifier receives escalations that require operator action.
type Notifier interface {
	Alert(deploymentID, severity, message string) error
}

// Config controls the recovery orchestrator.
type Config struct {
	Retry    RetryPolicy   `yaml:"retry"`
	Breaker  BreakerConfig `yaml:"breaker"`
	RingSize int           `yaml:"ring_size"`

	// SleepFunc overrides the backoff delay wait; nil means a timer wait
	// that unblocks on context cancellation.
	SleepFunc func(time.Duration) `yaml:"-"`
}

// DefaultConfig returns the standard recovery configuration.
func DefaultConfig() Config {
	return Config{
		Retry:    DefaultRetryPolicy(),
		Breaker:  DefaultBreakerConfig(),
		RingSize: 64,
	}
}

// Orchestrator dispatches classified errors to their recovery strategy and
// owns the per-dependency circuit breakers.
type Orchestrator struct {
	cfg      Config
	log      *telemetry.Logger
	metrics  *telemetry.Metrics
	bus      *journal.Bus
	recent   *Ring
	fallback FallbackFunc
	notifier Notifier
	sleep    func(time.Duration)

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewOrchestrator creates a recovery orchestrator. The bus and notifier are
// optional; without them escalations are only logged.
func NewOrchestrator(cfg Config, logger *telemetry.Logger, metrics *telemetry.Metrics, bus *journal.Bus) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		log:      logger,
		metrics:  metrics,
		bus:      bus,
		recent:   NewRing(cfg.RingSize),
		sleep:    cfg.SleepFunc,
		breakers: make(map[string]*Breaker),
	}
}

// SetFallback installs the parameter-substitution hook used by the Fallback
// strategy.
func (o *Orchestrator) SetFallback(fn FallbackFunc) {
	o.fallback = fn
}

// SetNotifier installs the escalation notifier.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.notifier = n
}

// Recent returns the buffered error records for diagnostics, oldest first.
func (o *Orchestrator) Recent() []ErrorRecord {
	return o.recent.Recent()
}

// Breaker returns the circuit breaker for the named dependency, creating it
// on first use.
func (o *Orchestrator) Breaker(dependency string) *Breaker {
	o.mu.Lock()
	defer o.mu.Unlock()

	b, ok := o.breakers[dependency]
	if !ok {
		b = NewBreaker(dependency, o.cfg.Breaker, o.metrics)
		o.breakers[dependency] = b
	}
	return b
}

// Recover dispatches a classified error to its recovery strategy. It returns
// handled=true when recovery succeeded (the operation eventually completed,
// or the error was safe to continue past) and the original error otherwise.
func (o *Orchestrator) Recover(ctx context.Context, record *ErrorRecord, op Operation) (bool, error) {
	if record == nil {
		return true, nil
	}

	o.recent.Add(*record)
	if o.metrics != nil {
		o.metrics.RecordError(string(record.Category))
	}

	switch record.Strategy {
	case StrategyRetry:
		return o.retryLoop(ctx, record, op, nil)
	case StrategyFallback:
		return o.retryLoop(ctx, record, op, o.fallback)
	case StrategyContinue:
		if o.log != nil {
			o.log.WithDeploymentID(record.DeploymentID).
				WithField("code", int(record.Code)).
				Info("continuing past recoverable error")
		}
		o.recordAttempt(record.Strategy, "continued")
		return true, nil
	case StrategyEscalate:
		o.escalate(record)
		return false, record
	default:
		o.recordAttempt(record.Strategy, "aborted")
		return false, record
	}
}

// retryLoop re-invokes op with exponential backoff. Fallback substitutions
// run before each attempt and draw from the same attempt budget. Exhausting
// the budget escalates.
func (o *Orchestrator) retryLoop(ctx context.Context, record *ErrorRecord, op Operation, fallback FallbackFunc) (bool, error) {
	for attempt := 1; attempt <= o.cfg.Retry.MaxAttempts; attempt++ {
		delay := o.cfg.Retry.DelayWithJitter(attempt)

		if o.log != nil {
			o.log.WithDeploymentID(record.DeploymentID).
				WithField("attempt", attempt).
				WithField("delay", delay.String()).
				WithField("code", int(record.Code)).
				Debug("scheduling recovery attempt")
		}
		o.recordAttempt(record.Strategy, "attempt")
		o.publish(record, journal.EventTypeRecoveryAttempt, map[string]interface{}{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"code":     int(record.Code),
			"strategy": string(record.Strategy),
		})

		if err := o.wait(ctx, delay); err != nil {
			return false, NewError(CodeTimeout, "recovery cancelled", err).
				WithDeploymentID(record.DeploymentID)
		}

		if fallback != nil {
			if err := fallback(record, attempt); err != nil {
				// A failing substitution exhausts recovery immediately.
				o.escalate(record)
				return false, record
			}
		}

		err := op(ctx)
		if err == nil {
			o.recordAttempt(record.Strategy, "recovered")
			return true, nil
		}
		if IsStructural(err) {
			o.recordAttempt(record.Strategy, "aborted")
			return false, Classify(err).WithDeploymentID(record.DeploymentID)
		}
	}

	o.escalate(record)
	return false, record
}

// wait blocks for the backoff delay, returning early with the context error
// when the context is cancelled mid-delay. A configured SleepFunc replaces
// the timer but cancellation is still observed once it returns.
func (o *Orchestrator) wait(ctx context.Context, delay time.Duration) error {
	if o.sleep != nil {
		o.sleep(delay)
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// escalate notifies an operator and halts automatic recovery.
func (o *Orchestrator) escalate(record *ErrorRecord) {
	if o.log != nil {
		o.log.WithDeploymentID(record.DeploymentID).
			WithField("code", int(record.Code)).
			WithField("category", string(record.Category)).
			Error("recovery exhausted, escalating")
	}
	o.recordAttempt(record.Strategy, "escalated")
	o.publish(record, journal.EventTypeEscalation, map[string]interface{}{
		"code":     int(record.Code),
		"category": string(record.Category),
		"message":  record.Message,
	})

	if o.notifier != nil {
		if err := o.notifier.Alert(record.DeploymentID, "critical", record.Message); err != nil && o.log != nil {
			o.log.WithError(err).Warn("escalation notification failed")
		}
	}
}

func (o *Orchestrator) recordAttempt(strategy Strategy, outcome string) {
	if o.metrics != nil {
		o.metrics.RecordRecoveryAttempt(string(strategy), outcome)
	}
}

func (o *Orchestrator) publish(record *ErrorRecord, eventType string, payload map[string]interface{}) {
	if o.bus != nil {
		o.bus.Publish(record.DeploymentID, eventType, payload)
	}
}
