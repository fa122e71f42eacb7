package policy

import "time"

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block the transition.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// DeploymentID is the deployment the violation applies to.
	DeploymentID string `json:"deployment_id,omitempty"`
}

// Result represents the outcome of gating one transition.
type Result struct {
	// Allowed indicates if the transition may proceed. Error and critical
	// violations deny; warnings and info do not.
	Allowed bool `json:"allowed"`

	// Violations lists all policy violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists evaluation problems that did not block the decision.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedAt is when the gate was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// TransitionInput is the Rego input document for one transition request.
type TransitionInput struct {
	// DeploymentID identifies the deployment being transitioned.
	DeploymentID string `json:"deployment_id"`

	// Stack is the stack the deployment belongs to.
	Stack string `json:"stack"`

	// From and To are the requested phase edge.
	From string `json:"from"`
	To   string `json:"to"`

	// Reason is the caller-supplied justification.
	Reason string `json:"reason,omitempty"`

	// RetryCount is how many recovery retries the deployment has consumed.
	RetryCount int `json:"retry_count"`

	// Environment tags the stack (e.g. "production", "staging").
	Environment string `json:"environment,omitempty"`

	// Force bypasses guard policies that honor it.
	Force bool `json:"force"`

	// Timestamp is when the transition was requested.
	Timestamp time.Time `json:"timestamp"`

	// Metadata carries additional request context.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
