package domain

import "fmt"

// Kind classifies an OrchestratorError so callers (retry policies, HTTP
// status mapping, alerting) can branch on failure category without string
// matching.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindCapability   Kind = "capability_mismatch"
	KindTimeout      Kind = "timeout"
	KindCancelled    Kind = "cancelled"
	KindBudget       Kind = "budget_exhausted"
	KindUnavailable  Kind = "unavailable"
	KindInternal     Kind = "internal"
)

// OrchestratorError is the error type returned across package boundaries
// (router, agent, engine, messaging). It wraps an underlying cause while
// attaching a stable Kind for programmatic handling.
type OrchestratorError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *OrchestratorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *OrchestratorError) Unwrap() error {
	return e.Cause
}

// NewError constructs an OrchestratorError without a wrapped cause.
func NewError(kind Kind, message string) *OrchestratorError {
	return &OrchestratorError{Kind: kind, Message: message}
}

// Wrap constructs an OrchestratorError carrying cause.
func Wrap(kind Kind, message string, cause error) *OrchestratorError {
	return &OrchestratorError{Kind: kind, Message: message, Cause: cause}
}

// IsKind reports whether err is an *OrchestratorError of the given kind.
func IsKind(err error, kind Kind) bool {
	oe, ok := err.(*OrchestratorError)
	if !ok {
		return false
	}
	return oe.Kind == kind
}
