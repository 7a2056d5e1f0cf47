// Package apperrors provides the standardized error taxonomy used across the
// stream-event integration core.
//
// Unlike an HTTP API, this core has no status codes to map onto — the
// closest caller is usually an owning supervisor deciding whether to
// reconnect, retry, or give up. Errors are instead tagged with one of the
// five kinds from the error-handling design: transient transport errors
// recovered by backoff, protocol framing errors that are logged and
// dropped, protocol-fatal errors that end a session, auth errors, and
// application errors reported back to a caller.
package apperrors

import "fmt"

// Kind classifies an error for propagation-policy decisions.
type Kind string

const (
	// KindTransient covers connection refused, DNS failure, TLS handshake
	// failure, read timeout, and 5xx responses. Recovered locally by the
	// component that owns the resource (backoff + retry).
	KindTransient Kind = "transient"

	// KindProtocolFraming covers malformed JSON, unknown opcodes, and
	// missing required fields. Logged with the offending frame truncated;
	// the session continues.
	KindProtocolFraming Kind = "protocol_framing"

	// KindProtocolFatal covers OBS close codes 4002/4003/4008 and repeated
	// keepalive timeouts after exhausting reconnect attempts. Surfaced to
	// the owner; the session is not auto-reconnected.
	KindProtocolFatal Kind = "protocol_fatal"

	// KindAuth covers a missing OBS password when required, an OAuth
	// token that will not refresh, and missing required Twitch scopes.
	KindAuth Kind = "auth"

	// KindApplication covers duplicate subscriptions, cost-exceeded,
	// request timeouts, and inbound event validation failures. Reported
	// to the caller or dropped with a structured warning; never crashes
	// the process.
	KindApplication Kind = "application"
)

// Error is a typed application error carrying a Kind, a machine-readable
// Code, a human message, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

func new(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Transient-kind constructors.

func Transient(code, message string) *Error { return new(KindTransient, code, message) }

func WrapTransient(code, message string, cause error) *Error {
	return wrap(KindTransient, code, message, cause)
}

// Protocol-framing constructors.

func Framing(code, message string) *Error { return new(KindProtocolFraming, code, message) }

// Protocol-fatal constructors.

func Fatal(code, message string) *Error { return new(KindProtocolFatal, code, message) }

// Auth constructors.

func Auth(code, message string) *Error { return new(KindAuth, code, message) }

// Application-kind constructors, with the common codes spec.md names.

func Application(code, message string) *Error { return new(KindApplication, code, message) }

func WrapApplication(code, message string, cause error) *Error {
	return wrap(KindApplication, code, message, cause)
}

const (
	CodeNotConnected               = "NOT_CONNECTED"
	CodeCircuitOpen                = "CIRCUIT_OPEN"
	CodeRequestExpired             = "REQUEST_EXPIRED"
	CodeRequestTimeout             = "REQUEST_TIMEOUT"
	CodeDuplicateSubscription      = "DUPLICATE_SUBSCRIPTION"
	CodeCostExceeded               = "COST_EXCEEDED"
	CodeMissingScopes              = "MISSING_SCOPES"
	CodeValidationFailed           = "VALIDATION_FAILED"
	CodeAuthRequiredNoPass         = "AUTH_REQUIRED_NO_PASSWORD"
	CodeInsufficientSignal         = "INSUFFICIENT_SIGNAL_DATA"
	CodeSubscriptionCreationFailed = "SUBSCRIPTION_CREATION_FAILED"
)

// NotConnected is returned by transport Send when the socket is not open.
func NotConnected() *Error {
	return Transient(CodeNotConnected, "not connected")
}

// CircuitOpen describes an open circuit breaker. The transport does not
// return it: Open has no return value, and while the breaker is open the
// run loop waits out the cooldown before dialing again.
func CircuitOpen() *Error {
	return Transient(CodeCircuitOpen, "circuit breaker open")
}

// RequestExpired is returned to callers whose request was still queued when
// the owning session re-established after a disconnect (spec.md §4.2).
func RequestExpired() *Error {
	return Application(CodeRequestExpired, "request expired before dispatch")
}

// RequestTimeout is returned when a tracked request's deadline elapses.
func RequestTimeout() *Error {
	return Application(CodeRequestTimeout, "request timed out")
}

// DuplicateSubscription is returned when a subscription key already exists
// in the session-local map (spec.md §4.9).
func DuplicateSubscription() *Error {
	return Application(CodeDuplicateSubscription, "subscription already exists for this session")
}

// CostExceeded is returned when creating a subscription would exceed
// max_total_cost.
func CostExceeded() *Error {
	return Application(CodeCostExceeded, "subscription would exceed max total cost")
}

// MissingScopes is returned when a subscription's required scopes are not a
// subset of the token's current scopes.
func MissingScopes(missing []string) *Error {
	return &Error{
		Kind:    KindAuth,
		Code:    CodeMissingScopes,
		Message: fmt.Sprintf("missing required scopes: %v", missing),
	}
}

// SubscriptionCreationFailed is surfaced to a session's owner after default
// subscription creation exhausts its retry budget (spec.md §4.8). It is
// KindApplication, not KindProtocolFatal: the session itself stays up, only
// the default subscriptions failed to attach.
func SubscriptionCreationFailed(cause error) *Error {
	return wrap(KindApplication, CodeSubscriptionCreationFailed, "default subscription creation exhausted retries", cause)
}
