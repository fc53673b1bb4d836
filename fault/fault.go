// Package fault classifies the errors produced by the catalog cache so that
// retry, re-authentication and degradation decisions are made on structured
// kinds rather than on error message text.
package fault

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/cockroachdb/errors"
)

// Kind is the coarse class of a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNetwork is a connection level failure (refused, reset, DNS).
	KindNetwork
	// KindTimeout is a request or operation that ran out of time.
	KindTimeout
	// KindHTTP is an upstream response with a non-success status.
	KindHTTP
	// KindAuth is an authentication failure reported by the upstream.
	KindAuth
	// KindInvalidCredentials means the upstream rejected the credentials outright.
	KindInvalidCredentials
	// KindValidation is malformed input supplied by the caller.
	KindValidation
	// KindDecode is a payload that could not be deserialized.
	KindDecode
	// KindStorage is a persistent store failure.
	KindStorage
	// KindLock is a failure to acquire a shared resource.
	KindLock
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindHTTP:
		return "http"
	case KindAuth:
		return "auth"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindValidation:
		return "validation"
	case KindDecode:
		return "decode"
	case KindStorage:
		return "storage"
	case KindLock:
		return "lock"
	default:
		return "unknown"
	}
}

// Error is a classified failure carrying enough context to be actionable in logs.
type Error struct {
	Kind     Kind
	Op       string
	Resource string
	// Status is the upstream HTTP status when Kind is KindHTTP or KindAuth.
	Status int
	// NetworkCause is set when an authentication attempt failed because the
	// upstream could not be reached, as opposed to a rejection.
	NetworkCause bool
	Err          error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.String() + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Resource != "" {
		msg += " (" + e.Resource + ")"
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" status %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op, resource string, err error) *Error {
	return &Error{Kind: kind, Op: op, Resource: resource, Err: err}
}

// Network wraps a connection level failure.
func Network(op, resource string, err error) *Error {
	return newError(KindNetwork, op, resource, err)
}

// Timeout wraps a deadline or request timeout.
func Timeout(op, resource string, err error) *Error {
	return newError(KindTimeout, op, resource, err)
}

// HTTP builds an upstream status failure. 401 and 403 are classified as auth.
func HTTP(op, resource string, status int, err error) *Error {
	kind := KindHTTP
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		kind = KindAuth
	}
	e := newError(kind, op, resource, err)
	e.Status = status
	return e
}

// Auth builds an explicit authentication failure. networkCause marks failures
// where the upstream was never reached.
func Auth(op, resource string, networkCause bool, err error) *Error {
	e := newError(KindAuth, op, resource, err)
	e.NetworkCause = networkCause
	return e
}

func InvalidCredentials(op, resource string, err error) *Error {
	return newError(KindInvalidCredentials, op, resource, err)
}

func Validation(op, resource string, err error) *Error {
	return newError(KindValidation, op, resource, err)
}

func Decode(op, resource string, err error) *Error {
	return newError(KindDecode, op, resource, err)
}

func Storage(op, resource string, err error) *Error {
	return newError(KindStorage, op, resource, err)
}

func Lock(op, resource string, err error) *Error {
	return newError(KindLock, op, resource, err)
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf reports the kind of err. Unclassified context and net errors are
// mapped to timeout or network kinds.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindUnknown
}

// IsAuth reports whether err should trigger a re-authentication: an explicit
// auth failure, rejected credentials, or an upstream 401/403.
func IsAuth(err error) bool {
	fe, ok := As(err)
	if !ok {
		return false
	}
	switch fe.Kind {
	case KindAuth, KindInvalidCredentials:
		return true
	case KindHTTP:
		return fe.Status == http.StatusUnauthorized || fe.Status == http.StatusForbidden
	}
	return false
}
