// Package health provides the deployment health monitor and the alert
// deduplicator. The monitor derives a 0-100 score from deployment state;
// the alerter suppresses repeated identical alerts and delivers the rest
// to an optional webhook.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/stackplane/stackplane/pkg/statestore"
	"github.com/stackplane/stackplane/pkg/telemetry"
)

// Thresholds are the weighted penalty inputs for scoring.
type Thresholds struct {
	// StackWarning and StackCritical bound total deployment duration.
	StackWarning  time.Duration `yaml:"stack_warning"`
	StackCritical time.Duration `yaml:"stack_critical"`

	// StallAfter marks a deployment stalled when no state change has
	// occurred for this long while in a non-terminal phase.
	StallAfter time.Duration `yaml:"stall_after"`

	// CPUWarning and MemoryWarning are resource-usage percentages.
	CPUWarning    float64 `yaml:"cpu_warning"`
	MemoryWarning float64 `yaml:"memory_warning"`
}

// MonitorConfig controls the health monitor.
type MonitorConfig struct {
	// CheckInterval is the baseline periodic check frequency.
	CheckInterval time.Duration `yaml:"check_interval"`

	// CriticalInterval and WarningInterval replace the baseline after an
	// escalating alert, critical being the fastest.
	CriticalInterval time.Duration `yaml:"critical_interval"`
	WarningInterval  time.Duration `yaml:"warning_interval"`

	Thresholds Thresholds `yaml:"thresholds"`
}

// DefaultMonitorConfig returns the standard monitoring thresholds.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		CheckInterval:    time.Minute,
		CriticalInterval: 10 * time.Second,
		WarningInterval:  30 * time.Second,
		Thresholds: Thresholds{
			StackWarning:  30 * time.Minute,
			StackCritical: time.Hour,
			StallAfter:    5 * time.Minute,
			CPUWarning:    90,
			MemoryWarning: 90,
		},
	}
}

// Monitor scores deployment health from the persisted state.
type Monitor struct {
	cfg     MonitorConfig
	store   *statestore.Store
	log     *telemetry.Logger
	metrics *telemetry.Metrics

	mu     sync.Mutex
	boosts map[string]time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NewMonitor creates a health monitor backed by the state store.
func NewMonitor(cfg MonitorConfig, store *statestore.Store, logger *telemetry.Logger, metrics *telemetry.Metrics) *Monitor {
	return &Monitor{
		cfg:     cfg,
		store:   store,
		log:     logger,
		metrics: metrics,
		boosts:  make(map[string]time.Duration),
		now:     time.Now,
	}
}

// Score computes the deployment's health score with the reasons for every
// applied penalty. The score starts at 100; a failed or terminated
// deployment scores 0.
func (m *Monitor) Score(deploymentID string) (int, []string, error) {
	rec, found, err := m.findDeployment(deploymentID)
	if err != nil {
		return 0, nil, err
	}
	if !found {
		return 0, nil, fmt.Errorf("deployment %q not found", deploymentID)
	}

	score := 100
	var reasons []string
	now := m.now().UTC()

	switch rec.Phase {
	case "failed":
		score = 0
		reasons = append(reasons, "deployment is in failed phase")
	case "terminated":
		score = 0
		reasons = append(reasons, "deployment is terminated")
	default:
		t := m.cfg.Thresholds

		if age := now.Sub(rec.CreatedAt); t.StackCritical > 0 && age > t.StackCritical {
			score -= 40
			reasons = append(reasons, fmt.Sprintf("deployment running for %s, over critical threshold %s", age.Round(time.Second), t.StackCritical))
		} else if t.StackWarning > 0 && age > t.StackWarning {
			score -= 20
			reasons = append(reasons, fmt.Sprintf("deployment running for %s, over warning threshold %s", age.Round(time.Second), t.StackWarning))
		}

		if idle := now.Sub(rec.UpdatedAt); t.StallAfter > 0 && idle > t.StallAfter && rec.Phase != "ready" {
			score -= 30
			reasons = append(reasons, fmt.Sprintf("no progress for %s in phase %s", idle.Round(time.Second), rec.Phase))
		}

		if cpu, ok := usagePercent(rec.State, "cpu_percent"); ok && cpu > t.CPUWarning {
			score -= 10
			reasons = append(reasons, fmt.Sprintf("cpu usage %.0f%% over threshold", cpu))
		}
		if mem, ok := usagePercent(rec.State, "memory_percent"); ok && mem > t.MemoryWarning {
			score -= 10
			reasons = append(reasons, fmt.Sprintf("memory usage %.0f%% over threshold", mem))
		}
	}

	if score < 0 {
		score = 0
	}
	if m.metrics != nil {
		m.metrics.SetHealthScore(deploymentID, score)
	}
	return score, reasons, nil
}

// CheckInterval returns the effective monitoring frequency for a
// deployment, honoring any escalation boost.
func (m *Monitor) CheckInterval(deploymentID string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if boost, ok := m.boosts[deploymentID]; ok {
		return boost
	}
	return m.cfg.CheckInterval
}

// Escalate raises the monitoring frequency for a deployment. A critical
// severity applies the fastest interval; a warning applies the intermediate
// one. Escalation only ever tightens the interval.
func (m *Monitor) Escalate(deploymentID, severity string) {
	var interval time.Duration
	switch severity {
	case "critical":
		interval = m.cfg.CriticalInterval
	case "warning":
		interval = m.cfg.WarningInterval
	default:
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.boosts[deploymentID]; ok && current <= interval {
		return
	}
	m.boosts[deploymentID] = interval
	if m.log != nil {
		m.log.WithDeploymentID(deploymentID).
			WithField("interval", interval.String()).
			Info("monitoring frequency raised")
	}
}

// ClearEscalation restores the baseline check interval for a deployment.
func (m *Monitor) ClearEscalation(deploymentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.boosts, deploymentID)
}

// findDeployment scans the known scope roots for the deployment record.
func (m *Monitor) findDeployment(deploymentID string) (statestore.DeploymentRecord, bool, error) {
	roots, err := m.store.Roots()
	if err != nil {
		return statestore.DeploymentRecord{}, false, err
	}

	var rec statestore.DeploymentRecord
	var found bool
	for _, root := range roots {
		err := m.store.View(root, func(doc *statestore.StateDocument) error {
			if r, ok := doc.Deployments[deploymentID]; ok {
				rec = *r
				found = true
			}
			return nil
		})
		if err != nil {
			return statestore.DeploymentRecord{}, false, err
		}
		if found {
			break
		}
	}
	return rec, found, nil
}

// usagePercent extracts a numeric usage value from a deployment's state map.
func usagePercent(state map[string]interface{}, key string) (float64, bool) {
	if state == nil {
		return 0, false
	}
	switch v := state[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
