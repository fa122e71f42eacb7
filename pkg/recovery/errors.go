// Package recovery provides the error taxonomy, classification, and the
// recovery orchestrator: exponential-backoff retries, parameter-substitution
// fallbacks, per-dependency circuit breakers, and escalation.
package recovery

import (
	"errors"
	"fmt"
	"time"
)

// Category groups error codes by origin.
type Category string

const (
	// CategoryGeneral covers unknown, argument, permission, timeout,
	// network, and not-found failures.
	CategoryGeneral Category = "general"

	// CategoryCloudAPI covers provider-side failures such as throttling,
	// service errors, capacity, and quota exhaustion.
	CategoryCloudAPI Category = "cloud_api"

	// CategoryValidation covers structural input failures. Never retried.
	CategoryValidation Category = "validation"

	// CategoryResource covers resource lifecycle failures.
	CategoryResource Category = "resource"

	// CategoryConfiguration covers configuration failures. Never retried.
	CategoryConfiguration Category = "configuration"
)

// Code is a stable numeric error code. The hundreds digit encodes the
// category: 1xx general, 2xx cloud API, 3xx validation, 4xx resource,
// 5xx configuration.
type Code int

const (
	CodeUnknown           Code = 100
	CodeInvalidArgument   Code = 101
	CodeMissingDependency Code = 102
	CodePermission        Code = 103
	CodeTimeout           Code = 104
	CodeNetwork           Code = 105
	CodeNotFound          Code = 106

	CodeThrottled            Code = 200
	CodeServiceError         Code = 201
	CodeInsufficientCapacity Code = 202
	CodeQuotaLimit           Code = 203

	CodeValidationFormat Code = 300
	CodeValidationRange  Code = 301
	CodeMissingRequired  Code = 302
	CodeTypeMismatch     Code = 303

	CodeResourceNotFound Code = 400
	CodeResourceExists   Code = 401
	CodeResourceLimit    Code = 402
	CodeResourceConflict Code = 403
	CodeResourceBusy     Code = 404

	CodeConfigInvalid       Code = 500
	CodeConfigMissing       Code = 501
	CodeConfigUnsetVariable Code = 502
)

// CategoryOf returns the category encoded in a code's hundreds digit.
func CategoryOf(code Code) Category {
	switch code / 100 {
	case 2:
		return CategoryCloudAPI
	case 3:
		return CategoryValidation
	case 4:
		return CategoryResource
	case 5:
		return CategoryConfiguration
	default:
		return CategoryGeneral
	}
}

// Strategy is the default recovery action for a classified error.
type Strategy string

const (
	// StrategyRetry re-invokes the operation with exponential backoff.
	StrategyRetry Strategy = "retry"

	// StrategyFallback substitutes parameters (instance class, zone,
	// region) and retries the operation against the shared attempt budget.
	StrategyFallback Strategy = "fallback"

	// StrategyContinue logs, clears attempt state, and proceeds.
	StrategyContinue Strategy = "continue"

	// StrategyEscalate notifies an operator and halts automatic recovery.
	StrategyEscalate Strategy = "escalate"

	// StrategyAbort propagates the error unchanged.
	StrategyAbort Strategy = "abort"
)

// ErrorRecord is a classified error with deployment context.
type ErrorRecord struct {
	// Category is the taxonomy bucket, derived from Code.
	Category Category `json:"category"`

	// Code is the stable numeric code for programmatic handling.
	Code Code `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Strategy is the default recovery action.
	Strategy Strategy `json:"strategy"`

	// Recoverable is true when the strategy attempts automatic recovery.
	Recoverable bool `json:"recoverable"`

	// Source names the subsystem or dependency that produced the error.
	Source string `json:"source,omitempty"`

	// Phase is the deployment phase active when the error occurred.
	Phase string `json:"phase,omitempty"`

	// DeploymentID ties the error to a deployment, if applicable.
	DeploymentID string `json:"deployment_id,omitempty"`

	// Timestamp is when the error was classified.
	Timestamp time.Time `json:"timestamp"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details carries additional context-specific fields.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (r *ErrorRecord) Error() string {
	if r.DeploymentID != "" && r.Phase != "" {
		return fmt.Sprintf("[%d %s] %s (deployment=%s, phase=%s): %s",
			r.Code, r.Category, r.Message, r.DeploymentID, r.Phase, r.unwrapMessage())
	}
	if r.DeploymentID != "" {
		return fmt.Sprintf("[%d %s] %s (deployment=%s): %s",
			r.Code, r.Category, r.Message, r.DeploymentID, r.unwrapMessage())
	}
	return fmt.Sprintf("[%d %s] %s: %s", r.Code, r.Category, r.Message, r.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (r *ErrorRecord) Unwrap() error {
	return r.Err
}

func (r *ErrorRecord) unwrapMessage() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (r *ErrorRecord) Is(target error) bool {
	t, ok := target.(*ErrorRecord)
	if !ok {
		return false
	}
	return r.Code == t.Code
}

// NewError creates a classified error with the default strategy for code.
func NewError(code Code, message string, err error) *ErrorRecord {
	strategy := DefaultStrategy(code)
	return &ErrorRecord{
		Category:    CategoryOf(code),
		Code:        code,
		Message:     message,
		Strategy:    strategy,
		Recoverable: strategy == StrategyRetry || strategy == StrategyFallback || strategy == StrategyContinue,
		Timestamp:   time.Now().UTC(),
		Err:         err,
	}
}

// WithSource adds the originating subsystem or dependency name.
func (r *ErrorRecord) WithSource(source string) *ErrorRecord {
	r.Source = source
	return r
}

// WithPhase adds the active deployment phase.
func (r *ErrorRecord) WithPhase(phase string) *ErrorRecord {
	r.Phase = phase
	return r
}

// WithDeploymentID ties the error to a deployment.
func (r *ErrorRecord) WithDeploymentID(deploymentID string) *ErrorRecord {
	r.DeploymentID = deploymentID
	return r
}

// WithDetail adds a detail field to the error context.
func (r *ErrorRecord) WithDetail(key string, value interface{}) *ErrorRecord {
	if r.Details == nil {
		r.Details = make(map[string]interface{})
	}
	r.Details[key] = value
	return r
}

// DefaultStrategy maps a code to its default recovery strategy. Validation
// and configuration errors are structural and never auto-retried.
func DefaultStrategy(code Code) Strategy {
	switch code {
	case CodeThrottled, CodeTimeout, CodeNetwork, CodeServiceError,
		CodeResourceBusy, CodeResourceConflict:
		return StrategyRetry
	case CodeInsufficientCapacity:
		return StrategyFallback
	case CodeResourceExists:
		return StrategyContinue
	case CodeQuotaLimit, CodeResourceLimit, CodeMissingDependency,
		CodeNotFound, CodeResourceNotFound, CodeUnknown:
		return StrategyEscalate
	default:
		return StrategyAbort
	}
}

// IsRetryable returns true if the error's strategy re-invokes the operation.
func IsRetryable(err error) bool {
	var r *ErrorRecord
	if errors.As(err, &r) {
		return r.Strategy == StrategyRetry || r.Strategy == StrategyFallback
	}
	return false
}

// IsThrottled returns true if the error is a cloud API throttling failure.
func IsThrottled(err error) bool {
	var r *ErrorRecord
	if errors.As(err, &r) {
		return r.Code == CodeThrottled
	}
	return false
}

// IsStructural returns true for validation and configuration errors, which
// propagate immediately without automatic recovery.
func IsStructural(err error) bool {
	var r *ErrorRecord
	if errors.As(err, &r) {
		return r.Category == CategoryValidation || r.Category == CategoryConfiguration
	}
	return false
}
