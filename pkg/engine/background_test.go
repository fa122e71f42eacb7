package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stackplane/stackplane/pkg/health"
)

func TestRunnerBackupsAndHealthAlerts(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	id, err := e.CreateDeployment(ctx, "web")
	if err != nil {
		t.Fatalf("CreateDeployment failed: %v", err)
	}
	if err := e.Transition(ctx, id, PhaseFailed, "provider exploded", nil); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	monitorCfg := health.DefaultMonitorConfig()
	monitorCfg.CheckInterval = time.Millisecond
	monitor := health.NewMonitor(monitorCfg, e.store, nil, nil)
	alerter := health.NewAlerter(health.DefaultAlertConfig(), nil, nil, nil, monitor)

	cfg := RunnerConfig{
		BackupInterval: 20 * time.Millisecond,
		HealthTick:     10 * time.Millisecond,
		UnhealthyBelow: 60,
	}
	runner := NewRunner(cfg, e.store, nil, monitor, alerter, nil)
	runner.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(alerter.History()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	runner.Stop()

	history := alerter.History()
	if len(history) == 0 {
		t.Fatal("expected the health task to fire an alert for the failed deployment")
	}
	if history[0].Severity != "critical" {
		t.Errorf("expected a critical alert for a zero score, got %s", history[0].Severity)
	}

	backups, err := e.store.ListBackups("web")
	if err != nil {
		t.Fatalf("ListBackups failed: %v", err)
	}
	if len(backups) == 0 {
		t.Error("expected at least one periodic backup")
	}
}

func TestRunnerStopIsIdempotentWithoutStart(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	runner := NewRunner(DefaultRunnerConfig(), e.store, nil, nil, nil, nil)
	runner.Stop()
}

func TestRunnerSkipsTerminatedDeployments(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	id, err := e.CreateDeployment(ctx, "web")
	if err != nil {
		t.Fatalf("CreateDeployment failed: %v", err)
	}
	if err := e.Transition(ctx, id, PhaseTerminated, "cleanup", nil); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	monitorCfg := health.DefaultMonitorConfig()
	monitorCfg.CheckInterval = time.Millisecond
	monitor := health.NewMonitor(monitorCfg, e.store, nil, nil)
	alerter := health.NewAlerter(health.DefaultAlertConfig(), nil, nil, nil, monitor)

	runner := NewRunner(RunnerConfig{HealthTick: 5 * time.Millisecond, UnhealthyBelow: 60}, e.store, nil, monitor, alerter, nil)
	runner.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	runner.Stop()

	if got := len(alerter.History()); got != 0 {
		t.Errorf("terminated deployments must not be health-checked, got %d alerts", got)
	}
}
