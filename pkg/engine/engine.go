package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/stackplane/stackplane/pkg/journal"
	"github.com/stackplane/stackplane/pkg/policy"
	"github.com/stackplane/stackplane/pkg/statestore"
	"github.com/stackplane/stackplane/pkg/telemetry"
)

// Engine orchestrates deployment phase transitions. Every mutation runs
// under the stack-scoped lock through the state store; the journal, event
// bus, and metrics observe committed transitions.
type Engine struct {
	store   *statestore.Store
	journal *journal.Journal
	bus     *journal.Bus
	gate    *policy.Gate
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// New creates a deployment engine. The journal, bus, gate, and telemetry
// components are optional; a nil gate disables policy checks.
func New(store *statestore.Store, jnl *journal.Journal, bus *journal.Bus, gate *policy.Gate,
	logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Engine {
	return &Engine{
		store:   store,
		journal: jnl,
		bus:     bus,
		gate:    gate,
		log:     logger,
		metrics: metrics,
		tracer:  tracer,
	}
}

// CanTransition reports whether the phase edge is declared.
func (e *Engine) CanTransition(from, to Phase) bool {
	return CanTransition(from, to)
}

// CreateDeployment registers a new deployment in the Initialized phase and
// returns its id. The id is derived from the process and creation time.
func (e *Engine) CreateDeployment(ctx context.Context, stackName string) (string, error) {
	if stackName == "" {
		return "", fmt.Errorf("stack name is required")
	}

	deploymentID := fmt.Sprintf("dep-%d-%d", os.Getpid(), time.Now().UnixNano())
	now := time.Now().UTC()

	err := e.store.Update(stackName, func(doc *statestore.StateDocument) error {
		if _, exists := doc.Deployments[deploymentID]; exists {
			return fmt.Errorf("deployment %s already exists", deploymentID)
		}
		doc.Deployments[deploymentID] = &statestore.DeploymentRecord{
			DeploymentID: deploymentID,
			StackName:    stackName,
			Phase:        string(PhaseInitialized),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if _, ok := doc.Stacks[stackName]; !ok {
			doc.Stacks[stackName] = make(map[string]interface{})
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if e.log != nil {
		e.log.WithDeploymentID(deploymentID).WithStack(stackName).Info("deployment created")
	}
	e.appendJournal(deploymentID, "deployment_created", map[string]interface{}{
		"stack": stackName,
	})
	if e.bus != nil {
		e.bus.Publish(deploymentID, "deployment_created", map[string]interface{}{
			"stack": stackName,
		})
	}
	return deploymentID, nil
}

// Transition moves a deployment to a new phase. Undeclared edges and policy
// denials return a ValidationFailed error without mutating state. A
// committed transition appends an immutable TransitionRecord, increments
// the per-deployment transition counter, and publishes phase_changed.
func (e *Engine) Transition(ctx context.Context, deploymentID string, to Phase, reason string, metadata map[string]interface{}) error {
	root, err := e.findRoot(deploymentID)
	if err != nil {
		return err
	}

	start := time.Now()
	var from Phase

	err = e.store.Update(root, func(doc *statestore.StateDocument) error {
		rec, ok := doc.Deployments[deploymentID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrDeploymentNotFound, deploymentID)
		}
		from = Phase(rec.Phase)

		if !CanTransition(from, to) {
			if e.metrics != nil {
				e.metrics.RecordTransitionDenied(string(from), string(to), "undeclared_edge")
			}
			return undeclaredEdgeError(from, to)
		}

		if e.gate != nil {
			result, gateErr := e.gate.EvaluateTransition(ctx, e.gateInput(doc, rec, from, to, reason, metadata))
			if gateErr != nil {
				return fmt.Errorf("policy evaluation failed: %w", gateErr)
			}
			if !result.Allowed {
				if e.metrics != nil {
					e.metrics.RecordTransitionDenied(string(from), string(to), "policy")
				}
				messages := make([]string, 0, len(result.Violations))
				for _, v := range result.Violations {
					messages = append(messages, v.Message)
				}
				return policyDeniedError(from, to, messages)
			}
		}

		ts := time.Now().UTC()
		history := doc.Transitions[deploymentID]
		// Transition records are totally ordered by timestamp within a
		// deployment.
		if n := len(history); n > 0 && !ts.After(history[n-1].Timestamp) {
			ts = history[n-1].Timestamp.Add(time.Nanosecond)
		}

		rec.Phase = string(to)
		rec.UpdatedAt = ts
		rec.TransitionCount++
		doc.Transitions[deploymentID] = append(history, statestore.TransitionRecord{
			DeploymentID: deploymentID,
			From:         string(from),
			To:           string(to),
			Timestamp:    ts,
			Reason:       reason,
			Metadata:     metadata,
		})
		doc.Metrics["transitions_total"]++
		return nil
	})
	if err != nil {
		return err
	}

	if e.tracer != nil {
		_, s := e.tracer.StartTransitionSpan(ctx, deploymentID, string(from), string(to))
		telemetry.RecordSuccess(s)
		s.End()
	}
	if e.log != nil {
		e.log.WithDeploymentID(deploymentID).
			WithPhase(string(to)).
			WithField("from", string(from)).
			Info("phase transition committed")
	}
	if e.metrics != nil {
		e.metrics.RecordTransition(string(from), string(to), time.Since(start))
	}

	e.appendJournal(deploymentID, journal.EventTypePhaseChanged, map[string]interface{}{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
	e.indexTransition(deploymentID, from, to, reason, metadata)

	if e.bus != nil {
		e.bus.Publish(deploymentID, journal.EventTypePhaseChanged, map[string]interface{}{
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
		})
		if to == PhaseFailed {
			e.bus.Publish(deploymentID, journal.EventTypeDeploymentFailed, map[string]interface{}{
				"from":   string(from),
				"reason": reason,
			})
		}
	}
	return nil
}

// GetPhase returns a deployment's current phase.
func (e *Engine) GetPhase(deploymentID string) (Phase, error) {
	root, err := e.findRoot(deploymentID)
	if err != nil {
		return "", err
	}

	var phase Phase
	err = e.store.View(root, func(doc *statestore.StateDocument) error {
		rec, ok := doc.Deployments[deploymentID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrDeploymentNotFound, deploymentID)
		}
		phase = Phase(rec.Phase)
		return nil
	})
	return phase, err
}

// History returns a deployment's transition records in commit order.
func (e *Engine) History(deploymentID string) ([]statestore.TransitionRecord, error) {
	root, err := e.findRoot(deploymentID)
	if err != nil {
		return nil, err
	}

	var records []statestore.TransitionRecord
	err = e.store.View(root, func(doc *statestore.StateDocument) error {
		records = append(records, doc.Transitions[deploymentID]...)
		return nil
	})
	return records, err
}

// IncrementRetryCount bumps the deployment's retry counter. The recovery
// orchestrator calls this once per consumed retry so the policy gate can
// observe the budget.
func (e *Engine) IncrementRetryCount(deploymentID string) error {
	root, err := e.findRoot(deploymentID)
	if err != nil {
		return err
	}

	return e.store.Update(root, func(doc *statestore.StateDocument) error {
		rec, ok := doc.Deployments[deploymentID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrDeploymentNotFound, deploymentID)
		}
		rec.RetryCount++
		rec.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// findRoot locates the scope root holding the deployment's record.
func (e *Engine) findRoot(deploymentID string) (string, error) {
	roots, err := e.store.Roots()
	if err != nil {
		return "", err
	}

	for _, root := range roots {
		var found bool
		err := e.store.View(root, func(doc *statestore.StateDocument) error {
			_, found = doc.Deployments[deploymentID]
			return nil
		})
		if err != nil {
			return "", err
		}
		if found {
			return root, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrDeploymentNotFound, deploymentID)
}

// gateInput builds the policy input for a transition request.
func (e *Engine) gateInput(doc *statestore.StateDocument, rec *statestore.DeploymentRecord, from, to Phase, reason string, metadata map[string]interface{}) *policy.TransitionInput {
	input := &policy.TransitionInput{
		DeploymentID: rec.DeploymentID,
		Stack:        rec.StackName,
		From:         string(from),
		To:           string(to),
		Reason:       reason,
		RetryCount:   rec.RetryCount,
		Timestamp:    time.Now().UTC(),
		Metadata:     metadata,
	}
	if stack, ok := doc.Stacks[rec.StackName]; ok {
		if env, ok := stack["environment"].(string); ok {
			input.Environment = env
		}
	}
	if force, ok := metadata["force"].(bool); ok {
		input.Force = force
	}
	return input
}

func (e *Engine) appendJournal(deploymentID, eventType string, details map[string]interface{}) {
	if e.journal == nil {
		return
	}
	if _, err := e.journal.Append(deploymentID, eventType, details); err != nil && e.log != nil {
		e.log.WithError(err).WithDeploymentID(deploymentID).Warn("failed to journal event")
	}
}

func (e *Engine) indexTransition(deploymentID string, from, to Phase, reason string, metadata map[string]interface{}) {
	if e.journal == nil || e.journal.Index() == nil {
		return
	}
	err := e.journal.Index().InsertTransition(context.Background(), statestore.TransitionRecord{
		DeploymentID: deploymentID,
		From:         string(from),
		To:           string(to),
		Timestamp:    time.Now().UTC(),
		Reason:       reason,
		Metadata:     metadata,
	})
	if err != nil && e.log != nil {
		e.log.WithError(err).WithDeploymentID(deploymentID).Warn("failed to index transition")
	}
}
