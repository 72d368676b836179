package snapshot

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels returned by Repository and DefinitionProvider implementations.
var (
	// ErrNotFound reports a missing key, id or definition.
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a unique-key violation or a failed conditional
	// write. The store retries on it; callers never see it directly.
	ErrConflict = errors.New("conflicting concurrent write")
)

// FieldError names one failed constraint on one input field.
type FieldError struct {
	Field      string `json:"field"`
	Constraint string `json:"constraint"`
	Message    string `json:"message"`
}

func (f FieldError) String() string {
	return fmt.Sprintf("%s: %s", f.Field, f.Message)
}

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.String())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// NotFoundError reports that a snapshot or definition does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// Is lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// StoreUnavailableError reports a transient persistence failure: timeout,
// unreachable backend, or conflict retries exhausted. Callers may reschedule.
type StoreUnavailableError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *StoreUnavailableError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("snapshot store unavailable during %s after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("snapshot store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// Temporary reports that the failure is transient.
func (e *StoreUnavailableError) Temporary() bool { return true }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransient reports whether err is a StoreUnavailableError.
func IsTransient(err error) bool {
	var ue *StoreUnavailableError
	return errors.As(err, &ue)
}

// errorKind is the metrics label for err.
func errorKind(err error) string {
	switch {
	case IsValidation(err):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case IsTransient(err):
		return "unavailable"
	default:
		return "internal"
	}
}
