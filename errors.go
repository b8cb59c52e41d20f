package pocketauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies failures once, at the backend boundary, so callers can decide
// on retries and session teardown without re-parsing messages.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindNetwork covers transport failures and transient backend errors (5xx, 429).
	KindNetwork
	// KindTimeout is a call that did not finish before its deadline.
	KindTimeout
	// KindCredential is a rejected credential or a missing/invalid session. Never retried.
	KindCredential
	// KindValidation is malformed input. Never retried.
	KindValidation
	// KindCorruption is persisted token data that can no longer be parsed.
	KindCorruption
	// KindProfile is a failed profile row lookup. The session stays valid.
	KindProfile
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindCredential:
		return "credential"
	case KindValidation:
		return "validation"
	case KindCorruption:
		return "corruption"
	case KindProfile:
		return "profile"
	default:
		return "unknown"
	}
}

// Error is the uniform error type returned by the backend client and the APIs above it.
type Error struct {
	Kind    ErrorKind
	Op      string // e.g. "sign_in", "get_user"
	Code    string // provider error code, e.g. "invalid_grant"
	Status  int    // HTTP status when the error came from a response
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "auth error"
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = e.Code
	}
	if msg == "" {
		msg = e.Kind.String() + " error"
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Metadata returns the non-empty fields for structured logging.
func (e *Error) Metadata() map[string]any {
	if e == nil {
		return nil
	}
	meta := map[string]any{"kind": e.Kind.String()}
	if e.Op != "" {
		meta["operation"] = e.Op
	}
	if e.Code != "" {
		meta["code"] = e.Code
	}
	if e.Status != 0 {
		meta["status"] = e.Status
	}
	return meta
}

var (
	// ErrNoSession is returned when an operation needs a session and none is persisted.
	ErrNoSession = &Error{Kind: KindCredential, Code: "session_missing", Message: "no active session"}

	// ErrNotAuthenticated is returned by actions that require a signed-in user.
	ErrNotAuthenticated = &Error{Kind: KindCredential, Code: "not_authenticated", Message: "not authenticated"}
)

// NewError builds an *Error of the given kind.
func NewError(kind ErrorKind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// WrapError attaches a kind and operation to err. A nil err yields nil.
func WrapError(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// NewTimeoutError reports that op did not finish within d.
func NewTimeoutError(op string, d time.Duration) *Error {
	return &Error{
		Kind:    KindTimeout,
		Op:      op,
		Code:    "timeout",
		Message: fmt.Sprintf("timed out after %s", d),
		Err:     context.DeadlineExceeded,
	}
}

// KindOf returns the kind of err. Untyped deadline and net errors are still recognised
// so that callers wrapping stdlib errors get sensible retry behaviour.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindUnknown
}

// IsRetryable reports whether err is transient. Only network and timeout errors are.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout:
		return true
	}
	return false
}

// IsCredentialError reports whether err means the credentials or session were rejected.
func IsCredentialError(err error) bool {
	return KindOf(err) == KindCredential
}

// IsCorruptionError reports whether err came from unparseable persisted token data.
func IsCorruptionError(err error) bool {
	return KindOf(err) == KindCorruption
}

// Message returns the user-facing message for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		if e.Err != nil {
			return e.Err.Error()
		}
	}
	return err.Error()
}
