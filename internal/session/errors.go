package session

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/botfleet-console/internal/botlog"
)

var (
	// ErrIllegalTransition is returned when an operation is not allowed in the
	// session's current state.
	ErrIllegalTransition = errors.New("illegal session state transition")
	// ErrConnectCanceled is returned by a Connect that lost the race against Disconnect.
	ErrConnectCanceled = errors.New("connect canceled by disconnect")
)

// ConnectError reports a failed handshake or negotiation.
type ConnectError struct {
	Reason string
	Err    error
}

func (e *ConnectError) Error() string {
	return "connect failed: " + e.Reason
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// SubscriptionError reports a rejected SubscribeToBot call.
type SubscriptionError struct {
	Scope botlog.Scope
	Err   error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe to %s failed: %v", e.Scope, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// TransportClosedError reports a connection closed by the hub or the network
// rather than by Disconnect.
type TransportClosedError struct {
	Reason string
	Err    error
}

func (e *TransportClosedError) Error() string {
	if e.Reason == "" {
		return "connection closed"
	}
	return "connection closed: " + e.Reason
}

func (e *TransportClosedError) Unwrap() error {
	return e.Err
}

// ReconnectingNotice is not a failure: it travels through the error channel so
// consumers can show that the transport is retrying.
type ReconnectingNotice struct {
	Cause error
}

func (e *ReconnectingNotice) Error() string {
	return "reconnecting..."
}

func (e *ReconnectingNotice) Unwrap() error {
	return e.Cause
}

func illegal(op string, from State) error {
	return fmt.Errorf("%s while %s: %w", op, from, ErrIllegalTransition)
}
