package hubclient

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Invoke outside the connected state.
	ErrNotConnected = errors.New("hub connection is not connected")
	// ErrConnectionLost fails invocations still pending when a connection drops.
	ErrConnectionLost = errors.New("hub connection lost")
	// ErrServerTimeout reports a connection that stayed silent past the server timeout.
	ErrServerTimeout = errors.New("hub server timeout elapsed without receiving a message")
	// ErrNoTransport is returned when no configured transport could connect.
	ErrNoTransport = errors.New("no hub transport could connect")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("hub connection already started")
	// ErrStopped is returned when Stop interrupts Start.
	ErrStopped = errors.New("hub connection stopped")
)

// InvocationError carries the error text of a failed completion.
type InvocationError struct {
	Target  string
	Message string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("hub method %s failed: %s", e.Target, e.Message)
}

// ServerCloseError reports a Close message sent by the hub.
type ServerCloseError struct {
	Message string
}

func (e *ServerCloseError) Error() string {
	if e.Message == "" {
		return "hub closed the connection"
	}
	return "hub closed the connection: " + e.Message
}
