// Package console ties one subscription session to one log aggregator. A
// Console lives for exactly one scope; the Manager replaces it wholesale when
// the operator picks another bot.
package console

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/botfleet-console/internal/aggregator"
	"github.com/JakeFAU/botfleet-console/internal/botlog"
	"github.com/JakeFAU/botfleet-console/internal/session"
	"github.com/JakeFAU/botfleet-console/internal/sinks"
	"github.com/JakeFAU/botfleet-console/internal/telemetry"
)

// IDGenerator issues console identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Config holds the settings shared by every console.
type Config struct {
	// Capacity bounds the log buffer; non-positive uses the aggregator default.
	Capacity int
	// AutoConnect makes the Manager connect every console it builds.
	AutoConnect      bool
	SubscribeTimeout time.Duration
	StopTimeout      time.Duration
	IDs              IDGenerator
	Clock            session.Clock
	Observers        []session.Observer
}

// Snapshot is the view a UI renders.
type Snapshot struct {
	ID           string                 `json:"id"`
	Scope        string                 `json:"scope"`
	BotID        *int64                 `json:"bot_id"`
	State        string                 `json:"state"`
	Connected    bool                   `json:"connected"`
	Connecting   bool                   `json:"connecting"`
	Reconnecting bool                   `json:"reconnecting"`
	Error        string                 `json:"error,omitempty"`
	ConnectionID string                 `json:"connection_id,omitempty"`
	Since        time.Time              `json:"since"`
	Logs         []botlog.LogRecord     `json:"logs"`
	Progress     *botlog.ProgressRecord `json:"progress"`
	Stats        aggregator.Stats       `json:"stats"`
	Capacity     int                    `json:"capacity"`
	Dropped      uint64                 `json:"dropped"`
}

// Console owns exactly one Session and one Aggregator for a single scope.
type Console struct {
	id      string
	scope   botlog.Scope
	agg     *aggregator.Aggregator
	session *session.Session
	logger  *zap.Logger
}

// New builds a disconnected console. Records reach the aggregator first,
// then any extra sinks in order.
func New(cfg Config, scope botlog.Scope, dialer session.Dialer, logger *zap.Logger, extra ...session.EventSink) (*Console, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	id, err := newID(cfg.IDs)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("console_id", id))

	agg := aggregator.New(scope, aggregator.WithCapacity(cfg.Capacity))
	sink := sinks.NewFanout(append([]session.EventSink{agg}, extra...)...)

	opts := []session.Option{
		session.WithLogger(logger.Named("session")),
		session.WithClock(cfg.Clock),
		session.WithSubscribeTimeout(cfg.SubscribeTimeout),
		session.WithStopTimeout(cfg.StopTimeout),
	}
	for _, obs := range cfg.Observers {
		opts = append(opts, session.WithObserver(obs))
	}

	return &Console{
		id:      id,
		scope:   scope,
		agg:     agg,
		session: session.New(scope, dialer, sink, opts...),
		logger:  logger,
	}, nil
}

func newID(gen IDGenerator) (string, error) {
	if gen == nil {
		return "", errors.New("console: id generator is required")
	}
	id, err := gen.NewID()
	if err != nil {
		return "", fmt.Errorf("console id: %w", err)
	}
	return id, nil
}

// ID identifies this console instance; a scope change yields a new ID.
func (c *Console) ID() string {
	return c.id
}

// Scope returns the console's scope.
func (c *Console) Scope() botlog.Scope {
	return c.scope
}

// Status returns the session status.
func (c *Console) Status() session.Status {
	return c.session.Status()
}

// Connect opens the session. The error is also kept in Status.
func (c *Console) Connect(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "console.connect",
		attribute.String("console.id", c.id),
		attribute.String("console.scope", c.scope.String()))
	err := c.session.Connect(ctx)
	telemetry.EndSpan(span, err)
	return err
}

// Disconnect closes the session and clears the progress slot. Buffered logs
// stay visible.
func (c *Console) Disconnect(ctx context.Context) error {
	err := c.session.Disconnect(ctx)
	c.agg.ClearProgress()
	return err
}

// ClearLogs empties the log buffer.
func (c *Console) ClearLogs() {
	c.agg.Clear()
}

// Logs returns the buffered records, oldest first.
func (c *Console) Logs() []botlog.LogRecord {
	return c.agg.Logs()
}

// Stats returns the counts derived from the buffer.
func (c *Console) Stats() aggregator.Stats {
	return c.agg.Stats()
}

// Progress returns the latest progress record.
func (c *Console) Progress() (botlog.ProgressRecord, bool) {
	return c.agg.Progress()
}

// Snapshot assembles the UI view.
func (c *Console) Snapshot() Snapshot {
	st := c.session.Status()
	snap := Snapshot{
		ID:           c.id,
		Scope:        c.scope.String(),
		BotID:        c.scope.SubscribeArg(),
		State:        st.State.String(),
		Connected:    st.Connected(),
		Connecting:   st.Connecting(),
		Reconnecting: st.Reconnecting(),
		Error:        st.ErrorMessage(),
		ConnectionID: st.ConnectionID,
		Since:        st.Since,
		Logs:         c.agg.Logs(),
		Stats:        c.agg.Stats(),
		Capacity:     c.agg.Capacity(),
		Dropped:      c.agg.Dropped(),
	}
	if p, ok := c.agg.Progress(); ok {
		snap.Progress = &p
	}
	return snap
}
