// Package fault provides the structured error taxonomy shared by the engine,
// the store backends, the template resolver, and the executor registry. Every
// failure the engine classifies carries a Kind; callers branch on kinds with
// errors.Is against the exported sentinels rather than on concrete types, so
// wrapped chains built with fmt.Errorf("...: %w", err) keep their class.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Kinds drive retry decisions and the
// user-visible failure shape; they are stored as short strings.
type Kind string

const (
	// KindValidation marks malformed definitions or inputs that fail their
	// declared schema. Surfaced at submission, never retried.
	KindValidation Kind = "validation"
	// KindConflict marks illegal state transitions and lost leases.
	KindConflict Kind = "conflict"
	// KindNotFound marks unknown instances, definitions, or executor names.
	KindNotFound Kind = "not_found"
	// KindExecutor marks failures raised by task executors. The Retryable
	// flag on the error drives the retry ladder.
	KindExecutor Kind = "executor"
	// KindTimeout marks per-task timeout expiry. Always retryable up to the
	// node's retry ladder.
	KindTimeout Kind = "timeout"
	// KindTemplate marks syntactically invalid template expressions. Fatal
	// for the node; missing data is not a template error.
	KindTemplate Kind = "template"
	// KindStorage marks infrastructural persistence failures. Retried with
	// bounded backoff; terminal persistence failure makes the engine yield
	// its lease.
	KindStorage Kind = "storage"
)

// Sentinels for errors.Is matching by kind. Comparing an *Error against a
// sentinel succeeds when the kinds match, regardless of message or cause.
var (
	ErrValidation = &Error{kind: KindValidation}
	ErrConflict   = &Error{kind: KindConflict}
	ErrNotFound   = &Error{kind: KindNotFound}
	ErrExecutor   = &Error{kind: KindExecutor}
	ErrTimeout    = &Error{kind: KindTimeout}
	ErrTemplate   = &Error{kind: KindTemplate}
	ErrStorage    = &Error{kind: KindStorage}
)

// Error is a classified failure. It preserves the causal chain through
// Unwrap so errors.Is/As keep working across wrapping boundaries.
type Error struct {
	kind      Kind
	message   string
	retryable bool
	cause     error
}

// Validation constructs a validation error.
func Validation(format string, args ...any) *Error {
	return &Error{kind: KindValidation, message: fmt.Sprintf(format, args...)}
}

// Conflict constructs a conflict error.
func Conflict(format string, args ...any) *Error {
	return &Error{kind: KindConflict, message: fmt.Sprintf(format, args...)}
}

// NotFound constructs a not-found error.
func NotFound(format string, args ...any) *Error {
	return &Error{kind: KindNotFound, message: fmt.Sprintf(format, args...)}
}

// Executor constructs an executor error with an explicit retryable hint.
func Executor(retryable bool, format string, args ...any) *Error {
	return &Error{kind: KindExecutor, message: fmt.Sprintf(format, args...), retryable: retryable}
}

// ExecutorCause wraps an error raised by a task executor. When err is already
// a classified *Error its kind and retryable hint are preserved; otherwise the
// failure is classified as a retryable executor error, matching the
// at-least-once contract (unknown failures are worth one more attempt when
// the node's ladder allows it).
func ExecutorCause(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{kind: KindExecutor, message: err.Error(), retryable: true, cause: err}
}

// Timeout constructs a timeout error. Timeouts are always retryable.
func Timeout(format string, args ...any) *Error {
	return &Error{kind: KindTimeout, message: fmt.Sprintf(format, args...), retryable: true}
}

// Template constructs a template syntax error.
func Template(format string, args ...any) *Error {
	return &Error{kind: KindTemplate, message: fmt.Sprintf(format, args...)}
}

// Storage wraps an infrastructural persistence failure. Storage errors are
// retryable at the engine's bounded storage-retry layer.
func Storage(cause error, format string, args ...any) *Error {
	return &Error{kind: KindStorage, message: fmt.Sprintf(format, args...), retryable: true, cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.message == "" {
		return string(e.kind)
	}
	return e.message
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches against the kind sentinels.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return e != nil && e.kind == te.kind
}

// Kind returns the error's classification.
func (e *Error) Kind() Kind {
	if e == nil {
		return ""
	}
	return e.kind
}

// Retryable reports whether the failure is worth another attempt under the
// node's retry ladder.
func (e *Error) Retryable() bool {
	return e != nil && e.retryable
}

// KindOf extracts the Kind from an arbitrary error chain. Unclassified errors
// report KindExecutor (the scheduler treats them as task-raised).
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind()
	}
	return KindExecutor
}

// IsRetryable reports the retryable hint carried by the error chain.
// Unclassified errors are considered retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return true
}
