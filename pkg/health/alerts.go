package health

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/stackplane/stackplane/pkg/journal"
	"github.com/stackplane/stackplane/pkg/telemetry"
)

// AlertConfig controls deduplication and webhook delivery.
type AlertConfig struct {
	// SuppressionWindow drops repeat alerts with the same dedup key.
	SuppressionWindow time.Duration `yaml:"suppression_window"`

	// WebhookURL receives fired alerts as JSON POSTs. Empty disables
	// delivery.
	WebhookURL string `yaml:"webhook_url"`

	// WebhookTimeout bounds each delivery attempt.
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

// DefaultAlertConfig returns the standard alerting configuration.
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		SuppressionWindow: 5 * time.Minute,
		WebhookTimeout:    10 * time.Second,
	}
}

// AlertRecord is one fired (or suppressed) alert.
type AlertRecord struct {
	DeploymentID string    `json:"deployment_id"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	Count        int       `json:"count"`
	FirstFired   time.Time `json:"first_fired"`
	LastSeen     time.Time `json:"last_seen"`
	HealthScore  int       `json:"health_score,omitempty"`
}

// Alerter deduplicates and delivers alerts. It satisfies the recovery
// package's Notifier interface so escalations flow through the same path.
type Alerter struct {
	cfg     AlertConfig
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	bus     *journal.Bus
	monitor *Monitor
	client  *http.Client

	mu    sync.Mutex
	seen  map[string]*AlertRecord
	fired []AlertRecord

	// now is swappable for tests.
	now func() time.Time
}

// NewAlerter creates an alert deduplicator. The bus and monitor are
// optional.
func NewAlerter(cfg AlertConfig, logger *telemetry.Logger, metrics *telemetry.Metrics, bus *journal.Bus, monitor *Monitor) *Alerter {
	if cfg.SuppressionWindow <= 0 {
		cfg.SuppressionWindow = DefaultAlertConfig().SuppressionWindow
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = DefaultAlertConfig().WebhookTimeout
	}
	return &Alerter{
		cfg:     cfg,
		log:     logger,
		metrics: metrics,
		bus:     bus,
		monitor: monitor,
		client:  &http.Client{Timeout: cfg.WebhookTimeout},
		seen:    make(map[string]*AlertRecord),
		now:     time.Now,
	}
}

// Alert records an alert unless an identical one fired within the
// suppression window, in which case only its count is incremented. Fired
// alerts are logged, published on the bus, and delivered to the webhook
// when one is configured. A critical alert raises the deployment's
// monitoring frequency; a warning does the same at a lower frequency.
func (a *Alerter) Alert(deploymentID, severity, message string) error {
	key := dedupKey(deploymentID, severity, message)
	now := a.now().UTC()

	a.mu.Lock()
	if existing, ok := a.seen[key]; ok && now.Sub(existing.LastSeen) < a.cfg.SuppressionWindow {
		existing.Count++
		existing.LastSeen = now
		a.mu.Unlock()

		if a.metrics != nil {
			a.metrics.RecordAlertSuppressed(severity)
		}
		if a.log != nil {
			a.log.WithDeploymentID(deploymentID).
				WithField("severity", severity).
				WithField("count", existing.Count).
				Debug("duplicate alert suppressed")
		}
		return nil
	}

	record := &AlertRecord{
		DeploymentID: deploymentID,
		Severity:     severity,
		Message:      message,
		Count:        1,
		FirstFired:   now,
		LastSeen:     now,
	}
	if a.monitor != nil {
		if score, _, err := a.monitor.Score(deploymentID); err == nil {
			record.HealthScore = score
		}
	}
	a.seen[key] = record
	a.fired = append(a.fired, *record)
	a.mu.Unlock()

	if a.log != nil {
		a.log.WithDeploymentID(deploymentID).
			WithField("severity", severity).
			Warn(message)
	}
	if a.metrics != nil {
		a.metrics.RecordAlert(severity)
	}
	if a.bus != nil {
		a.bus.Publish(deploymentID, journal.EventTypeAlertFired, map[string]interface{}{
			"severity": severity,
			"message":  message,
		})
	}
	if a.monitor != nil {
		a.monitor.Escalate(deploymentID, severity)
	}

	if a.cfg.WebhookURL != "" {
		if err := a.deliver(*record); err != nil {
			if a.log != nil {
				a.log.WithError(err).WithDeploymentID(deploymentID).Warn("webhook delivery failed")
			}
			return fmt.Errorf("failed to deliver alert webhook: %w", err)
		}
	}
	return nil
}

// History returns the fired alerts in order.
func (a *Alerter) History() []AlertRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]AlertRecord, len(a.fired))
	copy(out, a.fired)
	return out
}

// deliver POSTs the alert to the configured webhook.
func (a *Alerter) deliver(record AlertRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	resp, err := a.client.Post(a.cfg.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// dedupKey derives the suppression key from deployment, severity, and a
// digest of the message.
func dedupKey(deploymentID, severity, message string) string {
	digest := sha256.Sum256([]byte(message))
	return deploymentID + "|" + severity + "|" + hex.EncodeToString(digest[:8])
}
