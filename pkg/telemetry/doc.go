// Package telemetry provides observability instrumentation for StackPlane.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), and metrics (Prometheus) behind a small set of wrappers
// the rest of the control plane depends on.
//
// # Architecture
//
// The telemetry system is built on three pillars:
//
//  1. Structured Logging - context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry spans around transitions and commits
//  3. Metrics Collection - Prometheus counters, histograms, and gauges
//
// Every constructor accepts its own config section; a nil Logger or Metrics
// is safe everywhere, instrumentation simply becomes a no-op.
//
// # Usage Example
//
//	logger, err := telemetry.NewLogger(cfg.Logging)
//	if err != nil {
//	    return err
//	}
//	metrics, err := telemetry.NewMetrics(cfg.Metrics)
//	if err != nil {
//	    return err
//	}
//	logger.WithDeploymentID(id).Info("transition committed")
//	metrics.RecordTransition("deploying", "verifying", elapsed)
package telemetry
