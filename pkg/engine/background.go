package engine

import (
	"context"
	"sync"
	"time"

	"github.com/stackplane/stackplane/pkg/health"
	"github.com/stackplane/stackplane/pkg/journal"
	"github.com/stackplane/stackplane/pkg/statestore"
	"github.com/stackplane/stackplane/pkg/telemetry"
)

// RunnerConfig controls the background maintenance tasks.
type RunnerConfig struct {
	// BackupInterval is how often every scope root is snapshotted. Zero
	// disables periodic backups.
	BackupInterval time.Duration `yaml:"backup_interval"`

	// SweepInterval is how often expired journal partitions are removed.
	// Zero disables sweeping.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// HealthTick is the scheduler resolution for health checks. Each
	// deployment is checked at its own effective interval, which the
	// monitor tightens after escalations.
	HealthTick time.Duration `yaml:"health_tick"`

	// UnhealthyBelow fires a warning alert when a score drops under it; a
	// zero score always fires critical.
	UnhealthyBelow int `yaml:"unhealthy_below"`
}

// DefaultRunnerConfig returns the standard background schedule.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		BackupInterval: time.Hour,
		SweepInterval:  6 * time.Hour,
		HealthTick:     5 * time.Second,
		UnhealthyBelow: 60,
	}
}

// Runner owns the long-lived background tasks: periodic backups, journal
// sweeping, and health checks. Tasks acquire the same locks as foreground
// callers and tolerate contention identically. Stopping is cooperative; a
// task finishes its current critical section before exiting.
type Runner struct {
	cfg     RunnerConfig
	store   *statestore.Store
	journal *journal.Journal
	monitor *health.Monitor
	alerter *health.Alerter
	log     *telemetry.Logger

	mu        sync.Mutex
	lastCheck map[string]time.Time
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

// NewRunner creates the background task runner. The journal, monitor, and
// alerter are optional; their tasks are skipped when absent.
func NewRunner(cfg RunnerConfig, store *statestore.Store, jnl *journal.Journal, monitor *health.Monitor, alerter *health.Alerter, logger *telemetry.Logger) *Runner {
	return &Runner{
		cfg:       cfg,
		store:     store,
		journal:   jnl,
		monitor:   monitor,
		alerter:   alerter,
		log:       logger,
		lastCheck: make(map[string]time.Time),
	}
}

// Start launches the background tasks. They run until Stop is called or the
// parent context is cancelled.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	if r.cfg.BackupInterval > 0 {
		r.spawn(ctx, r.cfg.BackupInterval, r.backupAll)
	}
	if r.cfg.SweepInterval > 0 && r.journal != nil {
		r.spawn(ctx, r.cfg.SweepInterval, r.sweepJournal)
	}
	if r.cfg.HealthTick > 0 && r.monitor != nil {
		r.spawn(ctx, r.cfg.HealthTick, r.checkHealth)
	}

	if r.log != nil {
		r.log.Info("background tasks started")
	}
}

// Stop signals every task to terminate and waits for them to finish their
// current iteration.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	if r.log != nil {
		r.log.Info("background tasks stopped")
	}
}

// spawn runs fn on a ticker until the context is cancelled.
func (r *Runner) spawn(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// backupAll snapshots every scope root.
func (r *Runner) backupAll(_ context.Context) {
	roots, err := r.store.Roots()
	if err != nil {
		if r.log != nil {
			r.log.WithError(err).Warn("periodic backup failed to list roots")
		}
		return
	}
	for _, root := range roots {
		if _, err := r.store.CreateBackup(root); err != nil && r.log != nil {
			r.log.WithError(err).WithField("root", root).Warn("periodic backup failed")
		}
	}
}

// sweepJournal removes journal partitions past retention.
func (r *Runner) sweepJournal(_ context.Context) {
	if err := r.journal.Sweep(); err != nil && r.log != nil {
		r.log.WithError(err).Warn("journal sweep failed")
	}
}

// checkHealth scores every deployment that is due at its effective check
// interval and alerts on unhealthy scores.
func (r *Runner) checkHealth(_ context.Context) {
	roots, err := r.store.Roots()
	if err != nil {
		return
	}

	now := time.Now()
	for _, root := range roots {
		var deployments []string
		err := r.store.View(root, func(doc *statestore.StateDocument) error {
			for id, rec := range doc.Deployments {
				if rec.Phase != string(PhaseTerminated) {
					deployments = append(deployments, id)
				}
			}
			return nil
		})
		if err != nil {
			continue
		}

		for _, id := range deployments {
			if !r.due(id, now) {
				continue
			}
			score, reasons, err := r.monitor.Score(id)
			if err != nil {
				continue
			}
			if r.alerter == nil {
				continue
			}
			switch {
			case score == 0:
				r.alertQuietly(id, "critical", firstReason(reasons, "deployment unhealthy"))
			case score < r.cfg.UnhealthyBelow:
				r.alertQuietly(id, "warning", firstReason(reasons, "deployment degraded"))
			}
		}
	}
}

// due checks and records whether a deployment's health check is due.
func (r *Runner) due(deploymentID string, now time.Time) bool {
	interval := r.monitor.CheckInterval(deploymentID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.lastCheck[deploymentID]; ok && now.Sub(last) < interval {
		return false
	}
	r.lastCheck[deploymentID] = now
	return true
}

func (r *Runner) alertQuietly(deploymentID, severity, message string) {
	if err := r.alerter.Alert(deploymentID, severity, message); err != nil && r.log != nil {
		r.log.WithError(err).WithDeploymentID(deploymentID).Warn("health alert delivery failed")
	}
}

func firstReason(reasons []string, fallback string) string {
	if len(reasons) > 0 {
		return reasons[0]
	}
	return fallback
}
