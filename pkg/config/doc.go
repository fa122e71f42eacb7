// Package config provides layered configuration for the StackPlane control
// plane.
//
// # Overview
//
// Configuration resolves in three layers, each overriding the previous one:
//
//  1. Built-in defaults (Default)
//  2. An optional YAML config file
//  3. STACKPLANE_* environment variables
//
// The resulting Config carries the typed configuration of every subsystem:
// the state store, lock manager, journal, recovery orchestrator, health
// monitor, alerting, background runner, and telemetry. Directories left
// unset resolve to subdirectories of the workspace root.
//
// # Usage Example
//
//	cfg, err := config.Load("stackplane.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store, err := statestore.New(cfg.Store, lockMgr, logger, metrics)
package config
