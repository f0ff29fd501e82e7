// Package errs defines the error kinds shared across the orchestration core.
// Every component maps its failures onto one of these kinds so callers can make
// retry and surfacing decisions without inspecting component-specific types.
// Errors preserve their cause chain and support errors.Is/As.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure into one of the stable categories used by retry
// policies and the instance state machine.
type Kind string

const (
	// KindInvalidInput indicates a malformed DSL document or missing required
	// input variables. Never retried.
	KindInvalidInput Kind = "invalid_input"
	// KindNotActive indicates an operation that requires an active workflow
	// version when none exists.
	KindNotActive Kind = "not_active"
	// KindVersionNotFound indicates a referenced workflow or ruleset version
	// does not exist.
	KindVersionNotFound Kind = "version_not_found"
	// KindCompileError indicates a rule script that is not executable.
	KindCompileError Kind = "compile_error"
	// KindTransient indicates retryable I/O failures: upstream 5xx, socket
	// loss, temporary resource exhaustion.
	KindTransient Kind = "transient"
	// KindTimeout indicates a node- or instance-level deadline was exceeded.
	KindTimeout Kind = "timeout"
	// KindBreakerOpen indicates a provider circuit breaker denied the call.
	KindBreakerOpen Kind = "breaker_open"
	// KindSchemaMismatch indicates tool input or output disagrees with the
	// advertised schema. Never retried.
	KindSchemaMismatch Kind = "schema_mismatch"
	// KindAuthError indicates a credential failure. Never retried.
	KindAuthError Kind = "auth_error"
	// KindLLMUnavailable indicates the LLM provider could not be reached for a
	// fusion policy that depends on it.
	KindLLMUnavailable Kind = "llm_unavailable"
	// KindLLMUnparsable indicates the LLM response failed structured parsing
	// after the bounded repair retry.
	KindLLMUnparsable Kind = "llm_unparsable"
	// KindNotResumable indicates resume was requested on a terminal or
	// non-suspended instance.
	KindNotResumable Kind = "not_resumable"
	// KindNotFound indicates a referenced entity (workflow, instance, ruleset,
	// provider, template) does not exist.
	KindNotFound Kind = "not_found"
	// KindConflict indicates a lifecycle precondition was violated, for
	// example two operations racing to advance the same instance.
	KindConflict Kind = "conflict"
	// KindInternal is the fallback for unclassified failures.
	KindInternal Kind = "internal"
)

// Error carries a kind, a human-readable message and an optional cause. It is
// the uniform error currency of the core: dispatchers wrap component failures
// into an Error so the engine can classify them without type switches.
type Error struct {
	// Kind is the stable failure category.
	Kind Kind
	// Message summarizes the failure for logs and user-visible last_error.
	Message string
	// Cause links to the underlying error, if any.
	Cause error
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind that wraps cause. A nil cause
// yields a plain Error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

// Unwrap returns the cause to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// KindOf returns the kind of err. Errors that do not carry a kind anywhere in
// their chain classify as KindInternal; nil classifies as the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the kind may be attempted again. Only Transient
// and Timeout qualify; everything else surfaces immediately.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindTimeout
}

// Retryable reports whether err belongs to a kind that retry policies may
// attempt again.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}

// Fatal reports whether err must never be retried regardless of policy.
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindAuthError, KindSchemaMismatch, KindInvalidInput, KindCompileError:
		return true
	default:
		return false
	}
}
