// Package aggregator keeps the consumer-facing view of a log stream: a bounded,
// arrival-ordered buffer of log records, the latest progress record, and
// summary counts derived from the buffer.
package aggregator

import (
	"sync"

	"github.com/JakeFAU/botfleet-console/internal/botlog"
)

const (
	// DefaultCapacity is the buffer size used when none is configured.
	DefaultCapacity = 200
	// MaxCapacity caps the buffer; the ring is allocated up front.
	MaxCapacity = 100_000
)

// Stats summarises the buffered records.
type Stats struct {
	Total     int `json:"total"`
	Errors    int `json:"errors"`
	Warnings  int `json:"warnings"`
	Successes int `json:"successes"`
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithCapacity overrides the buffer size. Non-positive values keep the
// default and values above MaxCapacity are clamped to it.
func WithCapacity(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.capacity = min(n, MaxCapacity)
		}
	}
}

// Aggregator filters inbound records against its scope and stores the
// accepted ones. Writers are expected to be serialized by the session; the
// mutex exists for readers on other goroutines.
type Aggregator struct {
	scope    botlog.Scope
	capacity int

	mu       sync.RWMutex
	ring     []botlog.LogRecord
	head     int // index of the oldest record
	size     int
	progress *botlog.ProgressRecord
	dropped  uint64
}

// New builds an Aggregator bound to scope.
func New(scope botlog.Scope, opts ...Option) *Aggregator {
	a := &Aggregator{
		scope:    scope,
		capacity: DefaultCapacity,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.ring = make([]botlog.LogRecord, a.capacity)
	return a
}

// Scope returns the scope the aggregator filters against.
func (a *Aggregator) Scope() botlog.Scope {
	return a.scope
}

// Capacity returns the maximum number of buffered records.
func (a *Aggregator) Capacity() int {
	return a.capacity
}

// OnLogEvent appends rec unless the scope rejects it. Once the buffer is full
// the oldest record is evicted.
func (a *Aggregator) OnLogEvent(rec botlog.LogRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !botlog.AcceptsLog(a.scope, rec) {
		a.dropped++
		return
	}
	if a.size < a.capacity {
		a.ring[(a.head+a.size)%a.capacity] = rec
		a.size++
		return
	}
	a.ring[a.head] = rec
	a.head = (a.head + 1) % a.capacity
}

// OnProgressEvent replaces the progress slot unless the scope rejects rec.
func (a *Aggregator) OnProgressEvent(rec botlog.ProgressRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !botlog.AcceptsProgress(a.scope, rec) {
		a.dropped++
		return
	}
	a.progress = &rec
}

// Clear empties the buffer and the progress slot.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	a.head = 0
	a.size = 0
	a.progress = nil
}

// ClearProgress empties only the progress slot.
func (a *Aggregator) ClearProgress() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.progress = nil
}

// Logs returns the buffered records, oldest first.
func (a *Aggregator) Logs() []botlog.LogRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]botlog.LogRecord, 0, a.size)
	for i := 0; i < a.size; i++ {
		out = append(out, a.ring[(a.head+i)%a.capacity])
	}
	return out
}

// Len returns the number of buffered records.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.size
}

// Progress returns the latest accepted progress record.
func (a *Aggregator) Progress() (botlog.ProgressRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.progress == nil {
		return botlog.ProgressRecord{}, false
	}
	return *a.progress, true
}

// Dropped counts records rejected by the scope filter.
func (a *Aggregator) Dropped() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dropped
}

// Stats counts the buffered records by level. It walks the buffer on every
// call instead of keeping running totals, so eviction and Clear can never make
// the counts drift.
func (a *Aggregator) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st := Stats{Total: a.size}
	for i := 0; i < a.size; i++ {
		switch a.ring[(a.head+i)%a.capacity].Level {
		case botlog.LevelError:
			st.Errors++
		case botlog.LevelWarning:
			st.Warnings++
		case botlog.LevelSuccess:
			st.Successes++
		}
	}
	return st
}
