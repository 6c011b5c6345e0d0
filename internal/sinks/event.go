package sinks

import (
	"errors"
	"time"

	"github.com/JakeFAU/botfleet-console/internal/botlog"
)

// Kind tells which record an Event carries.
type Kind string

// Event kinds.
const (
	KindLog      Kind = "log"
	KindProgress Kind = "progress"
)

// Event is one record as seen by the batch sinks.
type Event struct {
	Kind     Kind
	Log      botlog.LogRecord
	Progress botlog.ProgressRecord
	// Received is the local time the record reached the hub.
	Received time.Time
}

// LogEvent wraps a log record.
func LogEvent(rec botlog.LogRecord, at time.Time) Event {
	return Event{Kind: KindLog, Log: rec, Received: at}
}

// ProgressEvent wraps a progress record.
func ProgressEvent(rec botlog.ProgressRecord, at time.Time) Event {
	return Event{Kind: KindProgress, Progress: rec, Received: at}
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	switch e.Kind {
	case KindLog, KindProgress:
	default:
		return errors.New("unknown event kind")
	}
	if e.Received.IsZero() {
		return errors.New("received time is required")
	}
	return nil
}
