package session

import (
	"errors"
	"time"
)

// Status is a point-in-time view of a Session.
type Status struct {
	State State
	// Err carries the last failure or a ReconnectingNotice. It survives until
	// the next successful connection or an explicit Disconnect.
	Err          error
	Since        time.Time
	ConnectionID string
}

// Connected reports whether records are flowing.
func (s Status) Connected() bool {
	return s.State == StateConnected
}

// Connecting reports an in-flight Connect.
func (s Status) Connecting() bool {
	return s.State == StateConnecting
}

// Reconnecting reports that the transport is retrying a dropped connection.
func (s Status) Reconnecting() bool {
	return s.State == StateReconnecting
}

// ErrorMessage returns Err as text, or "".
func (s Status) ErrorMessage() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}

// IsNotice reports whether Err is only a reconnecting notice.
func (s Status) IsNotice() bool {
	var notice *ReconnectingNotice
	return errors.As(s.Err, &notice)
}
