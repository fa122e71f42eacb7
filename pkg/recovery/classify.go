package recovery

import (
	"context"
	"errors"
	"os"
	"strings"
)

// classifier rules are checked in order; the first match wins. More specific
// provider phrases come before the generic ones.
var classifierRules = []struct {
	code    Code
	message string
	needles []string
}{
	{CodeThrottled, "request throttled by provider", []string{
		"throttl", "rate limit", "rate exceeded", "too many requests", "slow down",
	}},
	{CodeInsufficientCapacity, "provider capacity exhausted", []string{
		"insufficientinstancecapacity", "insufficient capacity", "capacity not available",
		"price too low", "spot request",
	}},
	{CodeQuotaLimit, "provider quota exceeded", []string{
		"quota", "limit exceeded", "limitexceeded",
	}},
	{CodePermission, "permission denied", []string{
		"unauthorized", "access denied", "forbidden", "permission denied",
		"invalid credentials", "expired token", "authfailure",
	}},
	{CodeValidationFormat, "input failed validation", []string{
		"validation", "invalid parameter", "malformed", "invalid format",
	}},
	{CodeConfigUnsetVariable, "configuration variable unset", []string{
		"unset variable", "undefined variable", "environment variable not set",
	}},
	{CodeConfigMissing, "configuration missing", []string{
		"missing configuration", "config not found", "no configuration",
	}},
	{CodeResourceExists, "resource already exists", []string{
		"already exists", "duplicate", "alreadyexists",
	}},
	{CodeResourceBusy, "resource busy", []string{
		"resource busy", "in use", "dependencyviolation",
	}},
	{CodeResourceConflict, "resource state conflict", []string{
		"conflict", "concurrent modification", "incorrectstate",
	}},
	{CodeTimeout, "operation timed out", []string{
		"timeout", "timed out", "deadline exceeded", "context deadline",
	}},
	{CodeNetwork, "network failure", []string{
		"connection refused", "connection reset", "no such host", "network",
		"unreachable", "broken pipe", "eof",
	}},
	{CodeServiceError, "provider service error", []string{
		"internal server error", "service unavailable", "bad gateway",
		"internalerror", "serviceunavailable", "500", "503",
	}},
	{CodeNotFound, "not found", []string{
		"not found", "notfound", "does not exist", "no such",
	}},
}

// Classify maps an arbitrary error onto the taxonomy and assigns its default
// recovery strategy. An error that is already an ErrorRecord passes through
// unchanged so classification is idempotent.
func Classify(err error) *ErrorRecord {
	if err == nil {
		return nil
	}

	var record *ErrorRecord
	if errors.As(err, &record) {
		return record
	}

	// Well-known sentinel errors carry more signal than their text.
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(CodeTimeout, "operation timed out", err)
	case errors.Is(err, os.ErrNotExist):
		return NewError(CodeNotFound, "not found", err)
	case errors.Is(err, os.ErrPermission):
		return NewError(CodePermission, "permission denied", err)
	}

	text := strings.ToLower(err.Error())
	for _, rule := range classifierRules {
		for _, needle := range rule.needles {
			if strings.Contains(text, needle) {
				return NewError(rule.code, rule.message, err)
			}
		}
	}

	return NewError(CodeUnknown, "unclassified error", err)
}
