package journal

import (
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stackplane/stackplane/pkg/telemetry"
)

// Event is a control-plane event delivered to bus subscribers.
type Event struct {
	ID           string                 `json:"id"`
	DeploymentID string                 `json:"deployment_id"`
	Type         string                 `json:"type"`
	Timestamp    time.Time              `json:"timestamp"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// Well-known event types.
const (
	EventTypePhaseChanged     = "phase_changed"
	EventTypeDeploymentFailed = "deployment_failed"
	EventTypeStateRecovered   = "state_recovered"
	EventTypeAlertFired       = "alert_fired"
	EventTypeRecoveryAttempt  = "recovery_attempt"
	EventTypeEscalation       = "escalation"
)

// Handler handles a delivered event. A handler error is logged but does not
// abort delivery to remaining subscribers.
type Handler func(Event) error

type subscription struct {
	id            string
	deployPattern string
	typePattern   string
	handler       Handler
}

// Bus is a synchronous, in-process event bus with wildcard subscription
// matching on deployment id and event type.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription
	log  *telemetry.Logger
}

// NewBus creates an event bus.
func NewBus(logger *telemetry.Logger) *Bus {
	return &Bus{log: logger}
}

// Subscribe registers a handler for events whose deployment id and type
// match the given patterns ("*" matches everything; patterns support glob
// wildcards). It returns the subscription id.
func (b *Bus) Subscribe(deploymentPattern, eventTypePattern string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	b.subs = append(b.subs, subscription{
		id:            id,
		deployPattern: deploymentPattern,
		typePattern:   eventTypePattern,
		handler:       handler,
	})
	return id
}

// Unsubscribe removes a subscription by id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the event synchronously to every matching subscriber in
// registration order. A panicking or failing handler is isolated so the
// remaining subscribers still receive the event.
func (b *Bus) Publish(deploymentID, eventType string, payload map[string]interface{}) {
	event := Event{
		ID:           uuid.New().String(),
		DeploymentID: deploymentID,
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		Payload:      payload,
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !matchPattern(sub.deployPattern, deploymentID) || !matchPattern(sub.typePattern, eventType) {
			continue
		}
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil && b.log != nil {
			b.log.WithField("subscription", sub.id).
				WithField("panic", r).
				Error("event handler panicked")
		}
	}()

	if err := sub.handler(event); err != nil && b.log != nil {
		b.log.WithError(err).
			WithField("subscription", sub.id).
			WithField("event_type", event.Type).
			Warn("event handler failed")
	}
}

// matchPattern matches s against a glob pattern. An empty pattern or "*"
// matches everything; an invalid pattern is treated as a literal.
func matchPattern(pattern, s string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, s)
	if err != nil {
		return pattern == s
	}
	return ok
}
