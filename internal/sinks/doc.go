// Package sinks holds the observers that sit beside the aggregator on the
// session's delivery path. Hub buffers records off that path and flushes them
// in batches to BatchSinks such as structured logging or Prometheus; Fanout
// forwards records synchronously to several session sinks in order.
package sinks
