// Package hubclient is a client for the bot-log streaming hub. It speaks the
// JSON hub protocol (records terminated by 0x1E) over the best transport the
// hub offers, in the order WebSockets, ServerSentEvents, LongPolling, and
// reconnects automatically once an established connection drops.
//
// Inbound invocations are dispatched to handlers on a single goroutine per
// connection, in the order the hub sent them. Lifecycle callbacks
// (reconnecting, reconnected, close) run on the reconnect goroutine, never on
// the dispatch goroutine, so they may call Invoke.
package hubclient
