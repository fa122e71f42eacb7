package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in transition policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		destructiveReasonPolicy(),
		productionGuardPolicy(),
		retryBudgetPolicy(),
	}
}

// destructiveReasonPolicy requires a justification for destructive edges.
func destructiveReasonPolicy() Policy {
	return Policy{
		Name:        "destructive-reason",
		Description: "Requires a non-empty reason when terminating or rolling back a deployment",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"audit", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stackplane.policies.destructive

import rego.v1

destructive := {"terminated", "rolling_back"}

deny contains violation if {
	input.to in destructive
	not input.reason
	violation := {
		"message": sprintf("transition to %s requires a reason", [input.to]),
		"severity": "error",
	}
}

deny contains violation if {
	input.to in destructive
	trim_space(input.reason) == ""
	violation := {
		"message": sprintf("transition to %s requires a reason", [input.to]),
		"severity": "error",
	}
}`,
	}
}

// productionGuardPolicy blocks unforced termination of production stacks.
func productionGuardPolicy() Policy {
	return Policy{
		Name:        "production-guard",
		Description: "Blocks terminating production deployments unless the request is forced",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "production"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stackplane.policies.production

import rego.v1

deny contains violation if {
	input.environment == "production"
	input.to == "terminated"
	not input.force
	violation := {
		"message": sprintf("terminating production deployment %s requires force", [input.deployment_id]),
		"severity": "critical",
	}
}`,
	}
}

// retryBudgetPolicy flags deployments that keep re-entering the pipeline.
func retryBudgetPolicy() Policy {
	return Policy{
		Name:        "retry-budget",
		Description: "Warns when a deployment re-enters deployment phases after heavy retrying",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"recovery"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stackplane.policies.retries

import rego.v1

pipeline := {"provisioning", "configuring", "deploying"}

deny contains violation if {
	input.to in pipeline
	input.retry_count >= 5
	violation := {
		"message": sprintf("deployment %s has consumed %d retries", [input.deployment_id, input.retry_count]),
		"severity": "warning",
	}
}`,
	}
}
