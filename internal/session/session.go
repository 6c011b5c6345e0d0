package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/botfleet-console/internal/botlog"
)

const (
	defaultSubscribeTimeout = 10 * time.Second
	defaultStopTimeout      = 5 * time.Second
)

// Observer is notified after every state change.
type Observer func(from, to State)

// Option customises a Session.
type Option func(*Session)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the clock used for Status.Since.
func WithClock(clock Clock) Option {
	return func(s *Session) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithSubscribeTimeout bounds every SubscribeToBot call: the one made by
// Connect and the re-subscribe issued after a reconnect.
func WithSubscribeTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.subscribeTimeout = d
		}
	}
}

// WithStopTimeout bounds transport shutdown during Disconnect.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// WithObserver registers a state-change observer (metrics, logging).
func WithObserver(obs Observer) Option {
	return func(s *Session) {
		if obs != nil {
			s.observers = append(s.observers, obs)
		}
	}
}

type queued struct {
	log      *botlog.LogRecord
	progress *botlog.ProgressRecord
}

// Session manages exactly one hub connection for one scope.
type Session struct {
	scope            botlog.Scope
	dialer           Dialer
	sink             EventSink
	logger           *zap.Logger
	clock            Clock
	subscribeTimeout time.Duration
	stopTimeout      time.Duration
	observers        []Observer

	// deliverMu serializes sink calls so queued records drain ahead of live ones.
	deliverMu sync.Mutex

	mu            sync.Mutex
	state         State
	err           error
	since         time.Time
	conn          HubConn
	connID        string
	gen           uint64 // bumped per Connect and per Disconnect; stale callbacks compare against it
	live          bool
	pending       []queued
	cancelConnect context.CancelFunc
	connectDone   chan struct{}
	teardown      chan struct{}
}

// New builds a disconnected Session for scope.
func New(scope botlog.Scope, dialer Dialer, sink EventSink, opts ...Option) *Session {
	s := &Session{
		scope:            scope,
		dialer:           dialer,
		sink:             sink,
		logger:           zap.NewNop(),
		clock:            wallClock{},
		subscribeTimeout: defaultSubscribeTimeout,
		stopTimeout:      defaultStopTimeout,
		state:            StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.Stringer("scope", scope))
	s.since = s.clock.Now()
	return s
}

// Scope returns the scope the session subscribes to.
func (s *Session) Scope() botlog.Scope {
	return s.scope
}

// Status returns the current state and error annotation.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{State: s.state, Err: s.err, Since: s.since, ConnectionID: s.connID}
}

// Connect opens the hub connection and subscribes to the session's scope. On
// an already connected session it only re-issues the subscription. Failures
// are recorded in Status and returned; Connect never retries.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		conn := s.conn
		gen := s.gen
		s.mu.Unlock()
		s.logger.Debug("already connected, resubscribing")
		subCtx, subCancel := context.WithTimeout(ctx, s.subscribeTimeout)
		defer subCancel()
		if err := s.subscribe(subCtx, conn); err != nil {
			subErr := &SubscriptionError{Scope: s.scope, Err: err}
			s.annotate(gen, subErr)
			return subErr
		}
		return nil
	case StateDisconnected:
	default:
		from := s.state
		s.mu.Unlock()
		return illegal("connect", from)
	}

	s.transitionLocked(StateConnecting)
	s.err = nil
	s.gen++
	gen := s.gen
	connectCtx, cancel := context.WithCancel(ctx)
	s.cancelConnect = cancel
	done := make(chan struct{})
	s.connectDone = done
	s.live = false
	s.pending = nil
	conn := s.dialer.Dial()
	s.conn = conn
	s.mu.Unlock()

	defer func() {
		cancel()
		close(done)
	}()

	// Handlers go on before Start so nothing pushed during the handshake is lost.
	s.attach(conn, gen)

	if err := conn.Start(connectCtx); err != nil {
		return s.failConnect(gen, conn, &ConnectError{Reason: err.Error(), Err: err})
	}

	s.mu.Lock()
	if s.gen != gen || s.state != StateConnecting {
		s.mu.Unlock()
		return ErrConnectCanceled
	}
	s.connID = conn.ConnectionID()
	s.transitionLocked(StateConnected)
	s.mu.Unlock()
	s.logger.Info("hub connected", zap.String("connection_id", conn.ConnectionID()))

	subCtx, subCancel := context.WithTimeout(connectCtx, s.subscribeTimeout)
	err := s.subscribe(subCtx, conn)
	subCancel()
	if err != nil {
		return s.failConnect(gen, conn, &SubscriptionError{Scope: s.scope, Err: err})
	}
	s.goLive(gen)
	return nil
}

// Disconnect detaches the record handlers, stops the transport and returns
// the session to Disconnected. Concurrent and repeated calls share a single
// teardown. A Connect still in flight is canceled. The returned error is only
// ever ctx's: the teardown itself finishes in the background.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateDisconnected:
		s.mu.Unlock()
		return nil
	case StateDisconnecting:
		done := s.teardown
		s.mu.Unlock()
		return waitDone(ctx, done)
	}

	var connectDone chan struct{}
	if s.state == StateConnecting {
		connectDone = s.connectDone
		if s.cancelConnect != nil {
			s.cancelConnect()
		}
	}
	s.transitionLocked(StateDisconnecting)
	s.gen++
	s.live = false
	s.pending = nil
	conn := s.conn
	done := make(chan struct{})
	s.teardown = done
	s.mu.Unlock()

	if conn != nil {
		conn.Off(MethodReceiveLog)
		conn.Off(MethodReceiveProgress)
	}
	go s.finishTeardown(conn, connectDone, done)
	return waitDone(ctx, done)
}

func (s *Session) finishTeardown(conn HubConn, connectDone, done chan struct{}) {
	if connectDone != nil {
		<-connectDone
	}
	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
		if err := conn.Stop(ctx); err != nil {
			s.logger.Warn("hub stop failed", zap.Error(err))
		}
		cancel()
	}
	s.mu.Lock()
	s.conn = nil
	s.connID = ""
	s.err = nil
	s.teardown = nil
	s.transitionLocked(StateDisconnected)
	s.mu.Unlock()
	close(done)
	s.logger.Info("hub disconnected")
}

func (s *Session) attach(conn HubConn, gen uint64) {
	conn.On(MethodReceiveLog, func(args []json.RawMessage) {
		var rec botlog.LogRecord
		if !s.decode(args, &rec) {
			return
		}
		s.deliver(gen, queued{log: &rec})
	})
	conn.On(MethodReceiveProgress, func(args []json.RawMessage) {
		var rec botlog.ProgressRecord
		if !s.decode(args, &rec) {
			return
		}
		s.deliver(gen, queued{progress: &rec})
	})
	conn.OnReconnecting(func(err error) { s.handleReconnecting(gen, err) })
	conn.OnReconnected(func(id string) { s.handleReconnected(gen, conn, id) })
	conn.OnClose(func(err error) { s.handleClose(gen, err) })
}

func (s *Session) decode(args []json.RawMessage, dst any) bool {
	if len(args) == 0 {
		s.logger.Debug("discarding record without payload")
		return false
	}
	if err := json.Unmarshal(args[0], dst); err != nil {
		s.logger.Debug("discarding malformed record", zap.Error(err))
		return false
	}
	return true
}

func (s *Session) deliver(gen uint64, evt queued) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if !s.live {
		s.pending = append(s.pending, evt)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.emit(evt)
}

func (s *Session) goLive(gen uint64) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	backlog := s.pending
	s.pending = nil
	s.live = true
	s.mu.Unlock()
	for _, evt := range backlog {
		s.emit(evt)
	}
}

func (s *Session) emit(evt queued) {
	if s.sink == nil {
		return
	}
	switch {
	case evt.log != nil:
		s.sink.OnLogEvent(*evt.log)
	case evt.progress != nil:
		s.sink.OnProgressEvent(*evt.progress)
	}
}

func (s *Session) subscribe(ctx context.Context, conn HubConn) error {
	if conn == nil {
		return errors.New("no hub connection")
	}
	s.logger.Info("subscribing", zap.Bool("global", s.scope.IsAll()))
	if _, err := conn.Invoke(ctx, MethodSubscribe, s.scope.SubscribeArg()); err != nil {
		return fmt.Errorf("invoke %s: %w", MethodSubscribe, err)
	}
	return nil
}

func (s *Session) failConnect(gen uint64, conn HubConn, cause error) error {
	s.mu.Lock()
	if s.state == StateDisconnecting {
		s.mu.Unlock()
		return ErrConnectCanceled
	}
	if s.gen != gen {
		// The transport closed on its own; handleClose already reset the session.
		s.mu.Unlock()
		s.logger.Warn("hub connect failed", zap.Error(cause))
		return cause
	}
	s.conn = nil
	s.connID = ""
	s.live = false
	s.pending = nil
	s.err = cause
	s.gen++
	s.transitionLocked(StateDisconnected)
	s.mu.Unlock()

	conn.Off(MethodReceiveLog)
	conn.Off(MethodReceiveProgress)
	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()
	if err := conn.Stop(ctx); err != nil {
		s.logger.Debug("stop after failed connect", zap.Error(err))
	}
	s.logger.Warn("hub connect failed", zap.Error(cause))
	return cause
}

func (s *Session) handleReconnecting(gen uint64, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	switch s.state {
	case StateConnected:
		s.transitionLocked(StateReconnecting)
		s.err = &ReconnectingNotice{Cause: cause}
		s.logger.Warn("hub connection lost, reconnecting", zap.Error(cause))
	case StateReconnecting:
		s.err = &ReconnectingNotice{Cause: cause}
		s.logger.Warn("reconnect attempt failed", zap.Error(cause))
	default:
		s.logger.Debug("ignoring reconnecting notice", zap.Stringer("state", s.state))
	}
}

func (s *Session) handleReconnected(gen uint64, conn HubConn, id string) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.transitionLocked(StateConnected)
	s.err = nil
	s.connID = id
	s.mu.Unlock()
	s.logger.Info("hub reconnected", zap.String("connection_id", id))

	// The hub does not keep subscriptions across connections.
	ctx, cancel := context.WithTimeout(context.Background(), s.subscribeTimeout)
	defer cancel()
	if err := s.subscribe(ctx, conn); err != nil {
		s.logger.Error("resubscribe after reconnect failed", zap.Error(err))
		s.annotate(gen, &SubscriptionError{Scope: s.scope, Err: err})
	}
}

func (s *Session) handleClose(gen uint64, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	if s.state != StateConnected && s.state != StateReconnecting {
		return
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	s.conn = nil
	s.connID = ""
	s.live = false
	s.err = &TransportClosedError{Reason: reason, Err: cause}
	s.gen++
	s.transitionLocked(StateDisconnected)
	s.logger.Warn("hub connection closed", zap.String("reason", reason))
}

func (s *Session) annotate(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen && s.state == StateConnected {
		s.err = err
	}
}

// transitionLocked moves the machine to next. Illegal moves are refused and
// logged; the caller must hold s.mu.
func (s *Session) transitionLocked(next State) bool {
	from := s.state
	if !CanTransition(from, next) {
		s.logger.Error("refusing state transition",
			zap.Stringer("from", from),
			zap.Stringer("to", next),
			zap.Error(ErrIllegalTransition))
		return false
	}
	s.state = next
	s.since = s.clock.Now()
	for _, obs := range s.observers {
		obs(from, next)
	}
	return true
}

func waitDone(ctx context.Context, done <-chan struct{}) error {
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for disconnect: %w", ctx.Err())
	}
}
