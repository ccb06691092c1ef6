// Package amqperr defines the closed set of error kinds amqplink surfaces to
// callers (spec.md 7), generalizing the teacher's single ErrShutdown
// sentinel into a small classified family.
package amqperr

import "github.com/pkg/errors"

// Kind classifies a failure the way spec.md 7 names it. Kind values are
// compared with Is, not with ==, since an *Error can wrap a cause.
type Kind int

const (
	// KindUnknown is never constructed directly; it is the zero value.
	KindUnknown Kind = iota
	// KindCanceled: a user-supplied cancellation fired before completion.
	KindCanceled
	// KindDisposed: the target supervisor has already been disposed.
	KindDisposed
	// KindNotConnected: operation requested while the connection isn't Open.
	KindNotConnected
	// KindTransportFailure: a recoverable wire/broker fault; never surfaced
	// to a caller directly, only used internally by supervisors.
	KindTransportFailure
	// KindBrokerReject: a declare/bind/consume RPC was refused by the broker.
	KindBrokerReject
	// KindNacked: the broker negatively confirmed a published message.
	KindNacked
	// KindReturned: a mandatory published message was unroutable.
	KindReturned
	// KindPublishTimeout: PublishConfirmTimeout elapsed before a confirm.
	KindPublishTimeout
	// KindConfigurationError: bad configuration at build time.
	KindConfigurationError
)

func (k Kind) String() string {
	switch k {
	case KindCanceled:
		return "canceled"
	case KindDisposed:
		return "disposed"
	case KindNotConnected:
		return "not_connected"
	case KindTransportFailure:
		return "transport_failure"
	case KindBrokerReject:
		return "broker_reject"
	case KindNacked:
		return "nacked"
	case KindReturned:
		return "returned"
	case KindPublishTimeout:
		return "publish_timeout"
	case KindConfigurationError:
		return "configuration_error"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carrying a Kind alongside a message and
// an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error around cause, annotating it with message, the way
// rabbit.go uses errors.Wrap throughout.
func Wrap(kind Kind, cause error, message string) error {
	if cause == nil {
		return New(kind, message)
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is (or wraps) an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
