package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stackplane/stackplane/pkg/locks"
	"github.com/stackplane/stackplane/pkg/statestore"
)

func newTestStore(t *testing.T) *statestore.Store {
	t.Helper()

	lockMgr, err := locks.NewManager(locks.Config{
		Backend:      locks.BackendMemory,
		PollInterval: 10 * time.Millisecond,
	}, nil, nil)
	if err != nil {
		t.Fatalf("failed to create lock manager: %v", err)
	}

	store, err := statestore.New(statestore.DefaultConfig(t.TempDir()), lockMgr, nil, nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// plantDeployment writes a deployment record with controlled timestamps.
func plantDeployment(t *testing.T, store *statestore.Store, stack string, rec statestore.DeploymentRecord) {
	t.Helper()

	err := store.Update(stack, func(doc *statestore.StateDocument) error {
		copied := rec
		doc.Deployments[rec.DeploymentID] = &copied
		return nil
	})
	if err != nil {
		t.Fatalf("failed to plant deployment: %v", err)
	}
}

func TestScoreHealthyDeployment(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	plantDeployment(t, store, "web", statestore.DeploymentRecord{
		DeploymentID: "dep-1",
		StackName:    "web",
		Phase:        "deploying",
		CreatedAt:    now.Add(-time.Minute),
		UpdatedAt:    now,
	})

	m := NewMonitor(DefaultMonitorConfig(), store, nil, nil)
	score, reasons, err := m.Score("dep-1")
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if score != 100 {
		t.Errorf("expected perfect score, got %d (%v)", score, reasons)
	}
}

func TestScoreFailedDeploymentIsZero(t *testing.T) {
	store := newTestStore(t)
	plantDeployment(t, store, "web", statestore.DeploymentRecord{
		DeploymentID: "dep-1",
		StackName:    "web",
		Phase:        "failed",
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	})

	m := NewMonitor(DefaultMonitorConfig(), store, nil, nil)
	score, reasons, err := m.Score("dep-1")
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if score != 0 {
		t.Errorf("expected score 0 for failed deployment, got %d", score)
	}
	if len(reasons) == 0 {
		t.Error("expected a reason for the zero score")
	}
}

func TestScorePenalizesStallAndDuration(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	plantDeployment(t, store, "web", statestore.DeploymentRecord{
		DeploymentID: "dep-1",
		StackName:    "web",
		Phase:        "provisioning",
		CreatedAt:    now.Add(-2 * time.Hour),
		UpdatedAt:    now.Add(-10 * time.Minute),
	})

	m := NewMonitor(DefaultMonitorConfig(), store, nil, nil)
	score, reasons, err := m.Score("dep-1")
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	// Over the critical duration threshold (-40) and stalled (-30).
	if score != 30 {
		t.Errorf("expected score 30, got %d (%v)", score, reasons)
	}
	if len(reasons) != 2 {
		t.Errorf("expected 2 penalty reasons, got %v", reasons)
	}
}

func TestScorePenalizesResourceUsage(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	plantDeployment(t, store, "web", statestore.DeploymentRecord{
		DeploymentID: "dep-1",
		StackName:    "web",
		Phase:        "ready",
		CreatedAt:    now,
		UpdatedAt:    now,
		State: map[string]interface{}{
			"cpu_percent":    float64(95),
			"memory_percent": float64(97),
		},
	})

	m := NewMonitor(DefaultMonitorConfig(), store, nil, nil)
	score, _, err := m.Score("dep-1")
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if score != 80 {
		t.Errorf("expected score 80 with both usage penalties, got %d", score)
	}
}

func TestScoreUnknownDeployment(t *testing.T) {
	store := newTestStore(t)
	m := NewMonitor(DefaultMonitorConfig(), store, nil, nil)

	if _, _, err := m.Score("dep-missing"); err == nil {
		t.Error("expected an error for an unknown deployment")
	}
}

func TestEscalateRaisesCheckFrequency(t *testing.T) {
	store := newTestStore(t)
	m := NewMonitor(DefaultMonitorConfig(), store, nil, nil)

	base := m.CheckInterval("dep-1")
	m.Escalate("dep-1", "warning")
	warning := m.CheckInterval("dep-1")
	if warning >= base {
		t.Errorf("warning escalation must tighten the interval: %v >= %v", warning, base)
	}

	m.Escalate("dep-1", "critical")
	critical := m.CheckInterval("dep-1")
	if critical >= warning {
		t.Errorf("critical escalation must tighten further: %v >= %v", critical, warning)
	}

	// A later warning must not loosen a critical escalation.
	m.Escalate("dep-1", "warning")
	if got := m.CheckInterval("dep-1"); got != critical {
		t.Errorf("warning must not override critical: got %v", got)
	}

	m.ClearEscalation("dep-1")
	if got := m.CheckInterval("dep-1"); got != base {
		t.Errorf("expected baseline after clear, got %v", got)
	}
}

func TestAlertDeduplication(t *testing.T) {
	a := NewAlerter(DefaultAlertConfig(), nil, nil, nil, nil)

	for i := 0; i < 3; i++ {
		if err := a.Alert("dep-1", "warning", "disk filling up"); err != nil {
			t.Fatalf("Alert failed: %v", err)
		}
	}

	history := a.History()
	if len(history) != 1 {
		t.Fatalf("expected 1 fired alert, got %d", len(history))
	}

	a.mu.Lock()
	record := a.seen[dedupKey("dep-1", "warning", "disk filling up")]
	a.mu.Unlock()
	if record.Count != 3 {
		t.Errorf("expected suppressed duplicates to increment count to 3, got %d", record.Count)
	}
}

func TestAlertRefiresAfterSuppressionWindow(t *testing.T) {
	cfg := DefaultAlertConfig()
	cfg.SuppressionWindow = time.Minute
	a := NewAlerter(cfg, nil, nil, nil, nil)

	now := time.Now()
	a.now = func() time.Time { return now }

	if err := a.Alert("dep-1", "critical", "deployment failed"); err != nil {
		t.Fatalf("Alert failed: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := a.Alert("dep-1", "critical", "deployment failed"); err != nil {
		t.Fatalf("Alert failed: %v", err)
	}

	if got := len(a.History()); got != 2 {
		t.Errorf("expected refire after window, got %d fired alerts", got)
	}
}

func TestAlertKeyDiscriminates(t *testing.T) {
	a := NewAlerter(DefaultAlertConfig(), nil, nil, nil, nil)

	_ = a.Alert("dep-1", "warning", "disk filling up")
	_ = a.Alert("dep-1", "critical", "disk filling up")
	_ = a.Alert("dep-2", "warning", "disk filling up")
	_ = a.Alert("dep-1", "warning", "memory pressure")

	if got := len(a.History()); got != 4 {
		t.Errorf("expected 4 distinct alerts, got %d", got)
	}
}

func TestAlertWebhookDelivery(t *testing.T) {
	var received AlertRecord
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode webhook payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := DefaultAlertConfig()
	cfg.WebhookURL = server.URL
	a := NewAlerter(cfg, nil, nil, nil, nil)

	if err := a.Alert("dep-1", "critical", "deployment failed"); err != nil {
		t.Fatalf("Alert failed: %v", err)
	}
	if received.DeploymentID != "dep-1" || received.Severity != "critical" {
		t.Errorf("unexpected webhook payload: %+v", received)
	}
}

func TestAlertWebhookFailureSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := DefaultAlertConfig()
	cfg.WebhookURL = server.URL
	a := NewAlerter(cfg, nil, nil, nil, nil)

	if err := a.Alert("dep-1", "critical", "deployment failed"); err == nil {
		t.Error("expected webhook failure to surface")
	}
}

func TestCriticalAlertEscalatesMonitoring(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	plantDeployment(t, store, "web", statestore.DeploymentRecord{
		DeploymentID: "dep-1",
		StackName:    "web",
		Phase:        "deploying",
		CreatedAt:    now,
		UpdatedAt:    now,
	})

	m := NewMonitor(DefaultMonitorConfig(), store, nil, nil)
	a := NewAlerter(DefaultAlertConfig(), nil, nil, nil, m)

	base := m.CheckInterval("dep-1")
	if err := a.Alert("dep-1", "critical", "deployment failed"); err != nil {
		t.Fatalf("Alert failed: %v", err)
	}
	if got := m.CheckInterval("dep-1"); got >= base {
		t.Errorf("critical alert must raise check frequency: %v >= %v", got, base)
	}
}
