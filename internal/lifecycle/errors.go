package lifecycle

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers match with errors.Is.
var (
	// ErrValidation covers missing proof, phases outside the active set and
	// review attempts on phases that are not pending.
	ErrValidation = errors.New("validation error")
	// ErrConflict means the conditional update matched no row: the record
	// changed after the snapshot was read. The caller decides whether to
	// re-fetch and retry.
	ErrConflict = errors.New("conflict")
	// ErrStorage wraps artifact write/read failures.
	ErrStorage = errors.New("storage error")
	// ErrNotFound covers unknown tasks and unknown phase keys.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the caller is not the assignee (submit)
	// or the reviewer (review, delete).
	ErrForbidden = errors.New("forbidden")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFoundError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func forbiddenError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// ErrorKind names the taxonomy bucket of err for logs, metrics and transport
// status mapping.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	default:
		return "internal"
	}
}
