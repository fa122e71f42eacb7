package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackplane/stackplane/pkg/engine"
	"github.com/stackplane/stackplane/pkg/health"
	"github.com/stackplane/stackplane/pkg/recovery"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane in the foreground",
		Long: `Run the control plane as a long-lived process.

This starts the background maintenance tasks (periodic backups, journal
sweeping, health checks), the alert pipeline, and the Prometheus metrics
endpoint when enabled. The process runs until interrupted.`,
		Example: `  # Run with the default config
  stackplane serve

  # Run with metrics exposed
  STACKPLANE_METRICS_ADDR=:9464 stackplane serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if len(rt.cfg.PolicyPaths) > 0 {
				if err := rt.gate.WatchPolicies(ctx, rt.cfg.PolicyPaths); err != nil {
					return fmt.Errorf("failed to watch policy paths: %w", err)
				}
				defer rt.gate.StopWatching()
				log.Info().
					Strs("paths", rt.cfg.PolicyPaths).
					Msg("Policy hot-reload enabled")
			}

			monitor := health.NewMonitor(rt.cfg.Monitor, rt.store, rt.log, rt.metrics)
			alerter := health.NewAlerter(rt.cfg.Alerts, rt.log, rt.metrics, rt.bus, monitor)

			orch := recovery.NewOrchestrator(rt.cfg.Recovery, rt.log, rt.metrics, rt.bus)
			orch.SetNotifier(alerter)

			runner := engine.NewRunner(rt.cfg.Runner, rt.store, rt.journal, monitor, alerter, rt.log)
			runner.Start(ctx)
			defer runner.Stop()

			if rt.cfg.Telemetry.Metrics.Enabled {
				if err := rt.metrics.StartMetricsServer(); err != nil {
					return fmt.Errorf("failed to start metrics server: %w", err)
				}
				log.Info().
					Str("addr", rt.cfg.Telemetry.Metrics.ListenAddress).
					Msg("Metrics endpoint listening")
			}

			log.Info().
				Str("workspace", rt.cfg.Workspace).
				Msg("Control plane running, press Ctrl+C to stop")

			<-ctx.Done()
			log.Info().Msg("Shutting down")
			return nil
		},
	}

	return cmd
}
