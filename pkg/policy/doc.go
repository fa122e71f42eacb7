// Package policy provides Open Policy Agent (OPA) integration for
// StackPlane.
//
// This package gates deployment phase transitions with Rego policies. The
// phase machine declares which edges exist; the gate decides whether a
// declared edge may be taken right now, based on governance rules such as
// requiring a justification for destructive transitions or protecting
// production stacks.
//
// # Architecture
//
// The policy system consists of four main components:
//
//  1. Gate - Compiles policies and evaluates transition requests
//  2. Loader - Loads policies from files and directories, with watching
//  3. Types - Data structures for policies, violations, and results
//  4. Built-in Policies - Pre-defined governance rules
//
// # Usage
//
// Creating a gate and evaluating a transition:
//
//	logger := zerolog.New(os.Stdout)
//	gate, err := policy.NewGate(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := gate.EvaluateTransition(ctx, &policy.TransitionInput{
//	    DeploymentID: "dep-1234-1",
//	    Stack:        "payments",
//	    From:         "ready",
//	    To:           "terminated",
//	    Reason:       "decommissioned",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if !result.Allowed {
//	    for _, violation := range result.Violations {
//	        fmt.Printf("policy %s: %s\n", violation.Policy, violation.Message)
//	    }
//	}
//
// Loading custom policies from disk:
//
//	err = gate.LoadPolicies(ctx, []string{"/etc/stackplane/policies"})
//
// # Policy Format
//
// Policies are Rego modules whose deny rules produce either a message
// string or an object with message and severity fields. Error and critical
// violations deny the transition; warning and info violations are recorded
// but do not block.
package policy
