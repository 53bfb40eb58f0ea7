package plan

import (
	"errors"
	"fmt"
)

// GovernanceCode classifies governance failures. Governance failures never
// reach the interpreter as ordinary values; they terminate the run through a
// distinct channel so they cannot be confused with application errors.
type GovernanceCode string

const (
	CodeUnsafeIntent          GovernanceCode = "UnsafeIntent"
	CodeConstitutionViolation GovernanceCode = "ConstitutionViolation"
	CodeQuotaExceeded         GovernanceCode = "QuotaExceeded"
	CodeApprovalRejected      GovernanceCode = "ApprovalRejected"
)

// GovernanceError is a fatal, pre-recorded governance failure. Every
// GovernanceError carries its full rationale; nothing fails silently.
type GovernanceError struct {
	Code   GovernanceCode
	Reason string
	RuleID string
}

func (e *GovernanceError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("%s: %s (rule %s)", e.Code, e.Reason, e.RuleID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Governance builds a GovernanceError.
func Governance(code GovernanceCode, format string, args ...any) *GovernanceError {
	return &GovernanceError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// IsGovernance reports whether err is (or wraps) a GovernanceError, and
// returns it if so.
func IsGovernance(err error) (*GovernanceError, bool) {
	var ge *GovernanceError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// CallErrorCode classifies per-call failures. Unlike governance errors,
// these surface to the interpreter as ordinary error results so plans can
// implement fallback logic.
type CallErrorCode string

const (
	CallDenied     CallErrorCode = "CapabilityDenied"
	CallBlocked    CallErrorCode = "CapabilityBlocked"
	CallInvocation CallErrorCode = "CapabilityInvocationError"
)

// CallError is a recoverable capability-level failure.
type CallError struct {
	Code       CallErrorCode
	Capability string
	Reason     string
	Retryable  bool
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Capability, e.Reason)
}

// NewCallError builds a CallError. Invocation errors are retryable; denials
// and blocks are not.
func NewCallError(code CallErrorCode, capability, format string, args ...any) *CallError {
	return &CallError{
		Code:       code,
		Capability: capability,
		Reason:     fmt.Sprintf(format, args...),
		Retryable:  code == CallInvocation,
	}
}

// IsCallError reports whether err is (or wraps) a CallError.
func IsCallError(err error) (*CallError, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
