package realtime

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotReady is returned by operations that require a ready session.
var ErrNotReady = errors.New("session is not ready")

// ErrSuperseded is returned when a connection attempt was replaced by a newer
// attempt or an explicit disconnect before it completed.
var ErrSuperseded = errors.New("connection attempt superseded")

// AuthFailureError indicates the credential was rejected or the credential
// response was malformed.
type AuthFailureError struct {
	Cause error
}

func (e *AuthFailureError) Error() string {
	if e.Cause != nil {
		return "authentication failed: " + e.Cause.Error()
	}
	return "authentication failed"
}

func (e *AuthFailureError) Unwrap() error { return e.Cause }

// QuotaExceededError indicates a rate limit or exhausted credit balance. It
// is the only failure that produces a persistent user-facing notice.
type QuotaExceededError struct {
	Reason string
}

func (e *QuotaExceededError) Error() string {
	if e.Reason == "" {
		return "quota exceeded"
	}
	return "quota exceeded: " + e.Reason
}

// TransportError indicates a non-success HTTP response during session
// negotiation.
type TransportError struct {
	Status int
	Body   string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("negotiation endpoint returned %d: %s", e.Status, e.Body)
}

// NegotiationError indicates the offer/answer exchange could not complete at
// the protocol level.
type NegotiationError struct {
	Cause error
}

func (e *NegotiationError) Error() string {
	if e.Cause != nil {
		return "session negotiation failed: " + e.Cause.Error()
	}
	return "session negotiation failed"
}

func (e *NegotiationError) Unwrap() error { return e.Cause }

// MediaAccessDeniedError indicates the microphone could not be acquired.
// It never tears down an existing session.
type MediaAccessDeniedError struct {
	Cause error
}

func (e *MediaAccessDeniedError) Error() string {
	if e.Cause != nil {
		return "microphone access denied: " + e.Cause.Error()
	}
	return "microphone access denied"
}

func (e *MediaAccessDeniedError) Unwrap() error { return e.Cause }

// IsQuotaExceeded reports whether err is a quota/credit exhaustion failure.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}

// IsAuthFailure reports whether err is a credential rejection.
func IsAuthFailure(err error) bool {
	var ae *AuthFailureError
	return errors.As(err, &ae)
}
