package commands

import (
	"context"
	"fmt"
	"sort"

	"github.com/stackplane/stackplane/pkg/config"
	"github.com/stackplane/stackplane/pkg/engine"
	"github.com/stackplane/stackplane/pkg/journal"
	"github.com/stackplane/stackplane/pkg/locks"
	"github.com/stackplane/stackplane/pkg/policy"
	"github.com/stackplane/stackplane/pkg/statestore"
	"github.com/stackplane/stackplane/pkg/telemetry"
)

// runtime bundles the wired subsystems every command works against.
type runtime struct {
	cfg     *config.Config
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	store   *statestore.Store
	index   *journal.Index
	journal *journal.Journal
	bus     *journal.Bus
	gate    *policy.Gate
	engine  *engine.Engine
}

// newRuntime loads the configuration and wires the store, journal, policy
// gate, and engine.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	var tracer *telemetry.Tracer
	if cfg.Telemetry.Tracing.Enabled {
		tracer, err = telemetry.NewTracer(cfg.Telemetry.Tracing,
			cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
		if err != nil {
			return nil, fmt.Errorf("failed to create tracer: %w", err)
		}
	}

	lockMgr, err := locks.NewManager(cfg.Locks, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock manager: %w", err)
	}
	store, err := statestore.New(cfg.Store, lockMgr, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	var index *journal.Index
	if cfg.Journal.IndexPath != "" {
		index, err = journal.NewIndex(cfg.Journal.IndexPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create journal index: %w", err)
		}
		if err := index.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to open journal index: %w", err)
		}
		if err := index.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate journal index: %w", err)
		}
	}

	jnl, err := journal.NewJournal(cfg.Journal.Dir, cfg.Journal.Retention, logger, index)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	gate, err := policy.NewGate(*logger.Zerolog())
	if err != nil {
		return nil, fmt.Errorf("failed to create policy gate: %w", err)
	}
	if len(cfg.PolicyPaths) > 0 {
		if err := gate.LoadPolicies(ctx, cfg.PolicyPaths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}

	bus := journal.NewBus(logger)
	eng := engine.New(store, jnl, bus, gate, logger, metrics, tracer)

	return &runtime{
		cfg:     cfg,
		log:     logger,
		metrics: metrics,
		tracer:  tracer,
		store:   store,
		index:   index,
		journal: jnl,
		bus:     bus,
		gate:    gate,
		engine:  eng,
	}, nil
}

// stackDeployments lists the deployment ids recorded in a stack document.
func stackDeployments(rt *runtime, stackName string) ([]string, error) {
	var ids []string
	err := rt.store.View(stackName, func(doc *statestore.StateDocument) error {
		for id := range doc.Deployments {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Close releases the store and index. Errors are logged, not returned; the
// command's own result matters more.
func (rt *runtime) Close() {
	if rt.index != nil {
		if err := rt.index.Close(); err != nil {
			rt.log.WithError(err).Warn("failed to close journal index")
		}
	}
	if err := rt.store.Close(); err != nil {
		rt.log.WithError(err).Warn("failed to close state store")
	}
	if rt.tracer != nil {
		if err := rt.tracer.Shutdown(context.Background()); err != nil {
			rt.log.WithError(err).Warn("failed to shut down tracer")
		}
	}
}
