package store

import (
	"errors"
	"fmt"
)

// Kind classifies store failures. Every error surfaced by a Store
// implementation carries exactly one Kind so callers can branch on a stable
// taxonomy instead of backend-specific error values.
type Kind uint8

const (
	// KindUnknown is the zero Kind; treated as Internal by classifiers.
	KindUnknown Kind = iota
	// KindNotFound indicates the addressed entity does not exist.
	KindNotFound
	// KindConflict indicates a concurrent operation or unique-key collision.
	KindConflict
	// KindPreconditionFailed indicates the operation would violate an
	// invariant (closed window, full capacity, wrong roster, expired deadline).
	KindPreconditionFailed
	// KindAborted indicates a retry-safe transient failure.
	KindAborted
	// KindUnavailable indicates a transient failure that should be retried
	// with backoff.
	KindUnavailable
	// KindPermissionDenied is surfaced verbatim from the backend.
	KindPermissionDenied
	// KindInternal indicates an unexpected failure.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindAborted:
		return "aborted"
	case KindUnavailable:
		return "unavailable"
	case KindPermissionDenied:
		return "permission_denied"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the kinded error type shared by the store and every component
// built on it. Message text is informational only; callers branch on Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
	msg  string
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.msg != "" {
		s += ": " + e.msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with the given kind and operation name.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind of err, or KindUnknown when err carries none.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether err is classified NotFound.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err is classified Conflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsPreconditionFailed reports whether err is classified PreconditionFailed.
func IsPreconditionFailed(err error) bool { return KindOf(err) == KindPreconditionFailed }

// IsAborted reports whether err is classified Aborted.
func IsAborted(err error) bool { return KindOf(err) == KindAborted }

// IsUnavailable reports whether err is classified Unavailable.
func IsUnavailable(err error) bool { return KindOf(err) == KindUnavailable }

// IsPermissionDenied reports whether err is classified PermissionDenied.
func IsPermissionDenied(err error) bool { return KindOf(err) == KindPermissionDenied }

// Retryable reports whether err belongs to a retryable class.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindAborted || k == KindUnavailable
}
