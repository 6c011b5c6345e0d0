package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/JakeFAU/botfleet-console/internal/botlog"
)

// Hub method names used by the bot-log hub.
const (
	MethodSubscribe       = "SubscribeToBot"
	MethodReceiveLog      = "ReceiveLogMessage"
	MethodReceiveProgress = "ReceiveProgress"
)

// HubConn is one client connection to the streaming hub. Implementations
// deliver inbound invocations in arrival order and must not invoke the
// lifecycle callbacks from inside an inbound handler.
type HubConn interface {
	On(target string, handler func(args []json.RawMessage))
	Off(target string)
	OnReconnecting(fn func(err error))
	OnReconnected(fn func(connectionID string))
	OnClose(fn func(err error))
	Start(ctx context.Context) error
	Invoke(ctx context.Context, target string, args ...any) (json.RawMessage, error)
	Stop(ctx context.Context) error
	ConnectionID() string
}

// Dialer builds a fresh, unstarted HubConn for every Connect.
type Dialer interface {
	Dial() HubConn
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func() HubConn

// Dial implements Dialer.
func (f DialerFunc) Dial() HubConn {
	return f()
}

// EventSink receives the decoded records. Calls are serialized.
type EventSink interface {
	OnLogEvent(rec botlog.LogRecord)
	OnProgressEvent(rec botlog.ProgressRecord)
}

// Clock abstracts time for status timestamps.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
