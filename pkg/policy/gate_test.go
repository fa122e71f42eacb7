package policy

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()

	gate, err := NewGate(zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create gate: %v", err)
	}
	return gate
}

func transitionInput(from, to string) *TransitionInput {
	return &TransitionInput{
		DeploymentID: "dep-100-1",
		Stack:        "web",
		From:         from,
		To:           to,
		Timestamp:    time.Now().UTC(),
	}
}

func TestBuiltinPoliciesLoad(t *testing.T) {
	gate := newTestGate(t)

	policies := gate.ListPolicies()
	if len(policies) != 3 {
		t.Errorf("expected 3 built-in policies, got %d", len(policies))
	}
	if _, err := gate.GetPolicy("destructive-reason"); err != nil {
		t.Errorf("expected destructive-reason policy to be loaded: %v", err)
	}
}

func TestOrdinaryTransitionAllowed(t *testing.T) {
	gate := newTestGate(t)

	result, err := gate.EvaluateTransition(context.Background(), transitionInput("validating", "preparing"))
	if err != nil {
		t.Fatalf("EvaluateTransition failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected ordinary transition to be allowed: %+v", result.Violations)
	}
}

func TestDestructiveTransitionRequiresReason(t *testing.T) {
	gate := newTestGate(t)

	input := transitionInput("ready", "terminated")
	result, err := gate.EvaluateTransition(context.Background(), input)
	if err != nil {
		t.Fatalf("EvaluateTransition failed: %v", err)
	}
	if result.Allowed {
		t.Error("expected termination without reason to be denied")
	}

	input.Reason = "decommissioned after migration"
	result, err = gate.EvaluateTransition(context.Background(), input)
	if err != nil {
		t.Fatalf("EvaluateTransition failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected termination with reason to be allowed: %+v", result.Violations)
	}
}

func TestProductionGuardRequiresForce(t *testing.T) {
	gate := newTestGate(t)

	input := transitionInput("ready", "terminated")
	input.Reason = "cost cleanup"
	input.Environment = "production"

	result, err := gate.EvaluateTransition(context.Background(), input)
	if err != nil {
		t.Fatalf("EvaluateTransition failed: %v", err)
	}
	if result.Allowed {
		t.Error("expected unforced production termination to be denied")
	}

	var critical bool
	for _, v := range result.Violations {
		if v.Policy == "production-guard" && v.Severity == SeverityCritical {
			critical = true
		}
	}
	if !critical {
		t.Errorf("expected a critical production-guard violation, got %+v", result.Violations)
	}

	input.Force = true
	result, err = gate.EvaluateTransition(context.Background(), input)
	if err != nil {
		t.Fatalf("EvaluateTransition failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected forced production termination to be allowed: %+v", result.Violations)
	}
}

func TestRetryBudgetWarnsWithoutBlocking(t *testing.T) {
	gate := newTestGate(t)

	input := transitionInput("configuring", "deploying")
	input.RetryCount = 6

	result, err := gate.EvaluateTransition(context.Background(), input)
	if err != nil {
		t.Fatalf("EvaluateTransition failed: %v", err)
	}
	if !result.Allowed {
		t.Error("warning-severity violations must not deny the transition")
	}

	var warned bool
	for _, v := range result.Violations {
		if v.Policy == "retry-budget" && v.Severity == SeverityWarning {
			warned = true
		}
	}
	if !warned {
		t.Errorf("expected a retry-budget warning, got %+v", result.Violations)
	}
}

func TestDisabledPolicyIsSkipped(t *testing.T) {
	gate := newTestGate(t)

	if err := gate.DisablePolicy("destructive-reason"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}

	result, err := gate.EvaluateTransition(context.Background(), transitionInput("ready", "terminated"))
	if err != nil {
		t.Fatalf("EvaluateTransition failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected disabled policy to be skipped: %+v", result.Violations)
	}

	if err := gate.EnablePolicy("destructive-reason"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	result, err = gate.EvaluateTransition(context.Background(), transitionInput("ready", "terminated"))
	if err != nil {
		t.Fatalf("EvaluateTransition failed: %v", err)
	}
	if result.Allowed {
		t.Error("expected re-enabled policy to deny again")
	}
}

func TestReloadRestoresBuiltins(t *testing.T) {
	gate := newTestGate(t)

	if err := gate.DisablePolicy("production-guard"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	if err := gate.ReloadPolicies(); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}

	p, err := gate.GetPolicy("production-guard")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if !p.Enabled {
		t.Error("expected reload to restore built-in policy state")
	}
}
