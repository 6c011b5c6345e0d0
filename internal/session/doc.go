// Package session owns the lifecycle of one subscription to the bot-log hub.
//
// A Session is bound to a single botlog.Scope for its whole life. It opens one
// hub connection, subscribes to its scope, forwards decoded records to an
// EventSink, re-subscribes after every automatic reconnect and tears the
// connection down exactly once. Lifecycle is an explicit state machine:
//
//	Disconnected -> Connecting -> Connected <-> Reconnecting
//	      ^             |             |              |
//	      +-------------+------ Disconnecting <------+
//
// Records that arrive before the initial SubscribeToBot call completes are
// queued and handed to the sink, in order, once it does. Records that arrive
// between an automatic reconnect and the completion of the re-subscribe are
// delivered as they come; they reflect whatever the hub still has subscribed.
package session
