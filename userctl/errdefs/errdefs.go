package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrDuplicateAccount   = errors.New("account already exists")
	ErrNotFound           = errors.New("not found")
	ErrPolicyViolation    = errors.New("policy violation")
	ErrExecutionFailure   = errors.New("execution failure")
	ErrExecutionTimeout   = errors.New("execution timed out")
	ErrCollision          = errors.New("report already exists")
	ErrNoReportsAvailable = errors.New("no reports available")
	ErrPermissionDenied   = errors.New("permission denied")
)

// FieldError describes one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (f FieldError) String() string {
	if f.Field == "" {
		return f.Message
	}
	return f.Field + ": " + f.Message
}

// ValidationError carries every field error found in a request. It matches
// ErrValidation with errors.Is.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.String())
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Add records a field error.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// OrNil returns nil when no field error was recorded, so callers can return
// the collector directly.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Invalid builds a single-field validation error.
func Invalid(field, format string, args ...any) error {
	v := &ValidationError{}
	v.Add(field, format, args...)
	return v
}

// ExecutionError wraps a failed OS primitive. Output holds the primitive's
// combined output verbatim for diagnostics.
type ExecutionError struct {
	Command  string
	ExitCode int
	Output   string
	Kind     error
	Err      error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Command)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionError) Is(target error) bool {
	kind := e.Kind
	if kind == nil {
		kind = ErrExecutionFailure
	}
	return target == kind
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Kind returns a stable name for err suitable for front ends. Unknown errors
// are reported as "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrDuplicateAccount):
		return "duplicate_account"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPolicyViolation):
		return "policy_violation"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrExecutionTimeout):
		return "execution_timeout"
	case errors.Is(err, ErrCollision):
		return "collision"
	case errors.Is(err, ErrNoReportsAvailable):
		return "no_reports_available"
	case errors.Is(err, ErrExecutionFailure):
		return "execution_failure"
	default:
		return "internal"
	}
}
