package sinks

import (
	"context"

	"github.com/JakeFAU/botfleet-console/internal/botlog"
	"github.com/JakeFAU/botfleet-console/internal/session"
)

// BatchSink consumes batches of events. Implementations must honor ctx
// deadlines and tolerate repeated Consume calls.
type BatchSink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Fanout forwards every record to each sink in order. Nil sinks are skipped.
type Fanout []session.EventSink

// NewFanout builds a Fanout, dropping nil entries.
func NewFanout(sinks ...session.EventSink) Fanout {
	out := make(Fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// OnLogEvent implements session.EventSink.
func (f Fanout) OnLogEvent(rec botlog.LogRecord) {
	for _, s := range f {
		s.OnLogEvent(rec)
	}
}

// OnProgressEvent implements session.EventSink.
func (f Fanout) OnProgressEvent(rec botlog.ProgressRecord) {
	for _, s := range f {
		s.OnProgressEvent(rec)
	}
}
