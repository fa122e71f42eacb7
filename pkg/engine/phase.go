// Package engine provides the core deployment lifecycle for StackPlane: the
// phase state machine, the transition orchestrator, and the background
// maintenance tasks. A deployment moves through the pipeline
// Initialized -> Validating -> Preparing -> Provisioning -> Configuring ->
// Deploying -> Verifying -> Ready, with Failed and Terminated reachable from
// every phase as escape hatches.
package engine

import "fmt"

// Phase is a named stage in a deployment's lifecycle. Phases are persisted
// as their lowercase string form.
type Phase string

const (
	PhaseInitialized  Phase = "initialized"
	PhaseValidating   Phase = "validating"
	PhasePreparing    Phase = "preparing"
	PhaseProvisioning Phase = "provisioning"
	PhaseConfiguring  Phase = "configuring"
	PhaseDeploying    Phase = "deploying"
	PhaseVerifying    Phase = "verifying"
	PhaseReady        Phase = "ready"
	PhaseFailed       Phase = "failed"
	PhaseRollingBack  Phase = "rolling_back"
	PhaseTerminated   Phase = "terminated"
)

// AllPhases lists every phase in pipeline order, terminal phases last.
func AllPhases() []Phase {
	return []Phase{
		PhaseInitialized,
		PhaseValidating,
		PhasePreparing,
		PhaseProvisioning,
		PhaseConfiguring,
		PhaseDeploying,
		PhaseVerifying,
		PhaseReady,
		PhaseFailed,
		PhaseRollingBack,
		PhaseTerminated,
	}
}

// transitionTable is the authoritative adjacency table. Failed and
// Terminated are additionally reachable from every phase and are handled in
// CanTransition rather than listed per row.
var transitionTable = map[Phase][]Phase{
	PhaseInitialized:  {PhaseValidating},
	PhaseValidating:   {PhasePreparing, PhaseFailed},
	PhasePreparing:    {PhaseProvisioning, PhaseFailed},
	PhaseProvisioning: {PhaseConfiguring, PhaseFailed},
	PhaseConfiguring:  {PhaseDeploying, PhaseFailed},
	PhaseDeploying:    {PhaseVerifying, PhaseFailed},
	PhaseVerifying:    {PhaseReady, PhaseFailed},
	PhaseReady:        {PhaseConfiguring, PhaseTerminated},
	PhaseFailed:       {PhaseRollingBack, PhaseTerminated},
	PhaseRollingBack:  {PhaseTerminated, PhaseFailed},
	PhaseTerminated:   {},
}

// CanTransition reports whether the edge from one phase to another is
// declared. Failed and Terminated are always reachable.
func CanTransition(from, to Phase) bool {
	if to == PhaseFailed || to == PhaseTerminated {
		return true
	}
	for _, next := range transitionTable[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Successors returns the declared successor phases of a phase.
func Successors(from Phase) []Phase {
	next := transitionTable[from]
	out := make([]Phase, len(next))
	copy(out, next)
	return out
}

// IsTerminal reports whether a phase ends the pipeline. A terminated
// deployment can never leave that phase through a declared edge.
func IsTerminal(p Phase) bool {
	return p == PhaseTerminated
}

// ParsePhase converts a stored string into a Phase.
func ParsePhase(s string) (Phase, error) {
	for _, p := range AllPhases() {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

// String returns the persisted form of the phase.
func (p Phase) String() string {
	return string(p)
}
