package recovery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stackplane/stackplane/pkg/telemetry"
)

// ErrBreakerOpen is returned when a call is short-circuited because the
// breaker is open.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerState is the circuit breaker lifecycle state.
type BreakerState int

const (
	// StateClosed passes calls through and counts consecutive failures.
	StateClosed BreakerState = iota

	// StateOpen short-circuits every call until the cooldown elapses.
	StateOpen

	// StateHalfOpen admits exactly one trial call.
	StateHalfOpen
)

// String returns the state name.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// BreakerConfig controls one circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold int `yaml:"failure_threshold"`

	// Cooldown is how long the breaker stays open before admitting a
	// trial call.
	Cooldown time.Duration `yaml:"cooldown"`
}

// DefaultBreakerConfig returns the standard thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Breaker isolates a single external dependency. It starts closed; after
// FailureThreshold consecutive failures it opens, short-circuiting calls for
// the cooldown; it then admits exactly one trial call whose success closes
// the circuit and whose failure reopens it.
type Breaker struct {
	name    string
	cfg     BreakerConfig
	metrics *telemetry.Metrics

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	trialing bool

	// now is swappable for tests.
	now func() time.Time
}

// NewBreaker creates a closed breaker for the named dependency.
func NewBreaker(name string, cfg BreakerConfig, metrics *telemetry.Metrics) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &Breaker{
		name:    name,
		cfg:     cfg,
		metrics: metrics,
		now:     time.Now,
	}
}

// State returns the breaker's current state, applying the open-to-half-open
// transition if the cooldown has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

// Execute runs op through the breaker. While open, op is not invoked and
// ErrBreakerOpen is returned immediately.
func (b *Breaker) Execute(op func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := op()
	b.record(err)
	return err
}

// allow admits or rejects a call, claiming the single trial slot when the
// breaker is half open.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentStateLocked() {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.trialing {
			return fmt.Errorf("%w: trial call in flight for %s", ErrBreakerOpen, b.name)
		}
		b.trialing = true
		return nil
	default:
		return fmt.Errorf("%w: %s cooling down", ErrBreakerOpen, b.name)
	}
}

// record updates breaker state after a call completes.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentStateLocked()
	if err == nil {
		b.failures = 0
		b.trialing = false
		b.setStateLocked(StateClosed)
		return
	}

	if state == StateHalfOpen {
		// Failed trial call reopens the circuit.
		b.trialing = false
		b.openedAt = b.now()
		b.setStateLocked(StateOpen)
		return
	}

	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.openedAt = b.now()
		b.setStateLocked(StateOpen)
	}
}

// currentStateLocked resolves the effective state, moving Open to HalfOpen
// once the cooldown has elapsed. Callers must hold b.mu.
func (b *Breaker) currentStateLocked() BreakerState {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.setStateLocked(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setStateLocked(state BreakerState) {
	if b.state == state {
		return
	}
	b.state = state
	if b.metrics != nil {
		b.metrics.SetBreakerState(b.name, int(state))
	}
}
