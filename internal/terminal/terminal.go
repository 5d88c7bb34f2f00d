// Package terminal implements the JSON/HTTP command-and-event protocol
// spoken by the payment terminal. It covers the session lifecycle
// (openpos/closepos), the one-shot command dispatch (executeposcmd), the
// event long-poll correlator, and the orchestrated business flows built on
// top of them.
//
// The terminal offers no request/response correlation ID for asynchronous
// outcomes. Correlation is by event name and emission order only, so the
// package serializes business flows: one outstanding wait per session.
package terminal

import (
	"errors"
	"fmt"
	"time"
)

// AuthError means the POS session could not be opened (bad credentials,
// bad license, or a malformed openpos response).
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pos session open failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("pos session open failed: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError is an HTTP-level failure: a non-success status or a
// failed connection. Status is zero when no response was received.
type TransportError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: transport failure: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: terminal returned HTTP %d: %s", e.Op, e.Status, e.Body)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PollError wraps a transport failure that occurred while polling the
// event queue. It is never retried silently; the caller decides whether
// to retry the whole wait.
type PollError struct {
	Err error
}

func (e *PollError) Error() string { return fmt.Sprintf("event poll failed: %v", e.Err) }

func (e *PollError) Unwrap() error { return e.Err }

// ParseError means the body of a matched event could not be decoded into
// its typed structure. It is fatal to the wait: an undecodable matched
// event indicates protocol drift, not noise.
type ParseError struct {
	EventName string
	Err       error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s event: %v", e.EventName, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PollTimeoutError means a deadline-bounded wait elapsed without the
// target event. Retryable at the caller's discretion.
type PollTimeoutError struct {
	Target string
	Waited time.Duration
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("no %s event within %s", e.Target, e.Waited)
}

// DocCloseError means CLOSEDOC exhausted its retry budget without an
// acknowledgment from the terminal. The document may need manual
// reconciliation.
type DocCloseError struct {
	DocumentNr string
	Attempts   int
	LastErr    error
}

func (e *DocCloseError) Error() string {
	return fmt.Sprintf("CLOSEDOC for document %s not acknowledged after %d attempts", e.DocumentNr, e.Attempts)
}

func (e *DocCloseError) Unwrap() error { return e.LastErr }

// IsRetryable reports whether err is a condition the caller may reasonably
// retry as a whole (timeouts and transport-level poll failures).
func IsRetryable(err error) bool {
	var pt *PollTimeoutError
	var pe *PollError
	return errors.As(err, &pt) || errors.As(err, &pe)
}
