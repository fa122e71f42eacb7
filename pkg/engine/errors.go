package engine

import (
	"errors"
	"fmt"
)

// ErrValidationFailed marks a transition request that was rejected before
// any state was mutated, either because the edge is undeclared or because a
// policy denied it.
var ErrValidationFailed = errors.New("transition validation failed")

// ErrDeploymentNotFound marks an operation against an unknown deployment.
var ErrDeploymentNotFound = errors.New("deployment not found")

// undeclaredEdgeError reports a transition outside the adjacency table.
func undeclaredEdgeError(from, to Phase) error {
	return fmt.Errorf("%w: no edge %s -> %s", ErrValidationFailed, from, to)
}

// policyDeniedError reports a transition blocked by the policy gate.
func policyDeniedError(from, to Phase, violations []string) error {
	return fmt.Errorf("%w: %s -> %s denied by policy: %v", ErrValidationFailed, from, to, violations)
}
