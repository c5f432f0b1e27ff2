// Package orcherr defines the error taxonomy surfaced at the
// orchestration façade: NotFound, InvalidInput, QuotaExceeded,
// ExternalDependencyError, and the non-error ConflictIdempotent
// marker used by idempotent no-ops.
package orcherr

import "fmt"

// Kind discriminates the five taxonomy members.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindInvalidInput       Kind = "invalid_input"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindExternalDependency Kind = "external_dependency"
	KindConflictIdempotent Kind = "conflict_idempotent"
)

// NotFoundError covers a missing subject and ownership mismatches;
// the latter are deliberately indistinguishable from the former so a
// caller can never infer existence of a resource it doesn't own.
type NotFoundError struct {
	Entity string
	ID     interface{}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Entity, e.ID)
}

func (e *NotFoundError) Kind() Kind { return KindNotFound }

// InvalidInputError covers malformed commands and invalid state transitions.
type InvalidInputError struct {
	Field   string
	Message string
}

func (e *InvalidInputError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Message
	}
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Message)
}

func (e *InvalidInputError) Kind() Kind { return KindInvalidInput }

// QuotaExceededError is a structured payload naming the offending
// tier, limit, and current usage.
type QuotaExceededError struct {
	Tier         string
	LimitName    string
	LimitValue   int
	CurrentValue int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for tier %s: %s limit is %d, current usage is %d",
		e.Tier, e.LimitName, e.LimitValue, e.CurrentValue)
}

func (e *QuotaExceededError) Kind() Kind { return KindQuotaExceeded }

// ExternalDependencyError wraps a failure from the queue, store, or
// auth/profile service.
type ExternalDependencyError struct {
	Dependency string
	Err        error
}

func (e *ExternalDependencyError) Error() string {
	return fmt.Sprintf("external dependency %s failed: %v", e.Dependency, e.Err)
}

func (e *ExternalDependencyError) Unwrap() error { return e.Err }

func (e *ExternalDependencyError) Kind() Kind { return KindExternalDependency }

// ConflictIdempotent is not an error in the usual sense. It is the
// documented zero-value return an idempotent operation gives when it
// is a no-op, such as starting an already-running job or cancelling
// one that already finished. Callers that want to distinguish "did
// nothing because already done" from "did the thing" can type-assert
// for it; callers that don't care can treat it as success.
type ConflictIdempotent struct {
	Operation string
	Reason    string
}

func (e *ConflictIdempotent) Error() string {
	return fmt.Sprintf("%s: no-op: %s", e.Operation, e.Reason)
}

func (e *ConflictIdempotent) Kind() Kind { return KindConflictIdempotent }

// TypedError is implemented by every member of the taxonomy.
type TypedError interface {
	error
	Kind() Kind
}

// KindOf extracts the Kind of err if it implements TypedError, and the
// zero Kind otherwise.
func KindOf(err error) (Kind, bool) {
	te, ok := err.(TypedError)
	if !ok {
		return "", false
	}
	return te.Kind(), true
}
