package hubclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHandshakeTimeout  = 15 * time.Second
	defaultKeepAliveInterval = 15 * time.Second
	defaultServerTimeout     = 30 * time.Second
	defaultCloseTimeout      = 5 * time.Second
	frameBuffer              = 64
)

// Options configures a Conn. Zero values select the defaults.
type Options struct {
	// Transports in preference order. Defaults to AllTransports.
	Transports []TransportType
	// HTTPClient carries negotiation and the HTTP transports. It must not set
	// a Timeout, which would cut the event stream.
	HTTPClient *http.Client
	// Header is added to every request.
	Header http.Header
	// HandshakeTimeout bounds negotiation, transport connect and handshake.
	HandshakeTimeout time.Duration
	// KeepAliveInterval is the ping period.
	KeepAliveInterval time.Duration
	// ServerTimeout drops a connection that received nothing for this long.
	ServerTimeout time.Duration
	// Reconnect plans reconnect attempts. Defaults to DefaultRetryPolicy.
	Reconnect RetryPolicy
	// SkipNegotiation connects straight over WebSockets.
	SkipNegotiation bool
	Logger          *zap.Logger
}

func (o Options) withDefaults() Options {
	if len(o.Transports) == 0 {
		o.Transports = AllTransports()
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = defaultKeepAliveInterval
	}
	if o.ServerTimeout <= 0 {
		o.ServerTimeout = defaultServerTimeout
	}
	if o.Reconnect == nil {
		o.Reconnect = DefaultRetryPolicy()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateConnected
	stateReconnecting
	stateStopped
)

type completion struct {
	result json.RawMessage
	err    error
}

// Conn is a single-use hub connection. Register handlers and callbacks, then
// Start it; once stopped or closed it cannot be restarted.
type Conn struct {
	url    string
	opts   Options
	logger *zap.Logger

	// cbMu serializes lifecycle callbacks across connection incarnations.
	cbMu sync.Mutex

	mu             sync.Mutex
	state          connState
	handlers       map[string]func([]json.RawMessage)
	onReconnecting []func(error)
	onReconnected  []func(string)
	onClose        []func(error)
	link           *link
	connID         string
	transport      TransportType
	pending        map[string]chan completion
	nextID         uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneOnce sync.Once
	done     chan struct{}
}

// New builds an unstarted connection to the hub at hubURL.
func New(hubURL string, opts Options) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		url:      hubURL,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("hub_url", hubURL)),
		handlers: make(map[string]func([]json.RawMessage)),
		pending:  make(map[string]chan completion),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// On registers the handler for invocations of target, replacing any previous one.
func (c *Conn) On(target string, handler func(args []json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[target] = handler
}

// Off removes the handler for target. Invocations already dispatched still run.
func (c *Conn) Off(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, target)
}

// OnReconnecting registers a callback fired when an established connection
// drops and again, with the latest cause, after every failed reconnect attempt.
func (c *Conn) OnReconnecting(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnecting = append(c.onReconnecting, fn)
}

// OnReconnected registers a callback fired after a successful reconnect.
func (c *Conn) OnReconnected(fn func(connectionID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnected = append(c.onReconnected, fn)
}

// OnClose registers a callback fired once the connection is closed for good.
// The error is nil after Stop.
func (c *Conn) OnClose(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// ConnectionID returns the id assigned at negotiation, empty when not connected.
func (c *Conn) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Transport returns the transport of the current connection.
func (c *Conn) Transport() TransportType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// Done is closed once the connection has stopped for good.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Start negotiates, connects the first transport that works and completes
// the protocol handshake. Stop interrupts it.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateIdle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = stateConnecting
	c.mu.Unlock()

	ctx, cancel := c.stopAware(ctx)
	defer cancel()

	l, id, err := c.open(ctx)
	c.mu.Lock()
	if err == nil && c.stopping() {
		l.close() //nolint:errcheck,gosec // abandoning the link
		err = ErrStopped
	}
	if err != nil {
		if c.stopping() {
			err = errors.Join(ErrStopped, err)
		}
		c.state = stateStopped
		c.mu.Unlock()
		c.closeDone()
		return err
	}
	c.state = stateConnected
	c.link = l
	c.connID = id
	c.transport = l.tr.kind()
	c.mu.Unlock()

	c.logger.Info("hub connection started",
		zap.String("connection_id", id),
		zap.String("transport", string(l.tr.kind())))
	go c.run(l)
	return nil
}

// Stop closes the connection and waits until the receive loop has exited or
// ctx expires. Repeated calls are safe.
func (c *Conn) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })

	c.mu.Lock()
	switch c.state {
	case stateIdle:
		c.state = stateStopped
		c.mu.Unlock()
		c.closeDone()
		return nil
	case stateConnected:
		if c.link != nil {
			if err := c.link.close(); err != nil {
				c.logger.Debug("transport close", zap.Error(err))
			}
		}
	}
	c.mu.Unlock()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop hub connection: %w", ctx.Err())
	}
}

// Invoke calls a hub method and waits for its completion.
func (c *Conn) Invoke(ctx context.Context, target string, args ...any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	c.mu.Lock()
	if c.state != stateConnected || c.link == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	ch := make(chan completion, 1)
	c.pending[id] = ch
	l := c.link
	c.mu.Unlock()

	record, err := encodeRecord(invocationMessage{
		Type:         typeInvocation,
		InvocationID: id,
		Target:       target,
		Arguments:    args,
	})
	if err != nil {
		c.dropPending(id)
		return nil, err
	}
	if err := l.tr.send(ctx, record); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("send invocation %s: %w", target, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			var invErr *InvocationError
			if errors.As(res.err, &invErr) {
				invErr.Target = target
			}
			return nil, res.err
		}
		return res.result, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, fmt.Errorf("invoke %s: %w", target, ctx.Err())
	}
}

func (c *Conn) dropPending(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Conn) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan completion)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- completion{err: err}
	}
}

func (c *Conn) complete(m message) {
	c.mu.Lock()
	ch, ok := c.pending[m.InvocationID]
	delete(c.pending, m.InvocationID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("completion for unknown invocation", zap.String("invocation_id", m.InvocationID))
		return
	}
	if m.Error != "" {
		ch <- completion{err: &InvocationError{Message: m.Error}}
		return
	}
	ch <- completion{result: m.Result}
}

// stopping reports whether Stop has been called.
func (c *Conn) stopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// stopAware derives a context that is also canceled by Stop.
func (c *Conn) stopAware(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (c *Conn) closeDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// open negotiates and walks the transports in preference order until one
// connects and completes the handshake.
func (c *Conn) open(ctx context.Context) (*link, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	var (
		neg     negotiateResponse
		connURL = c.url
	)
	if !c.opts.SkipNegotiation {
		var err error
		neg, err = negotiate(ctx, c.opts.HTTPClient, c.opts.Header, c.url)
		if err != nil {
			return nil, "", err
		}
		connURL, err = connectionURL(c.url, neg.token())
		if err != nil {
			return nil, "", err
		}
	}

	var errs []error
	for _, tt := range c.opts.Transports {
		if c.opts.SkipNegotiation && tt != TransportWebSockets {
			continue
		}
		if !c.opts.SkipNegotiation && !neg.offers(tt) {
			continue
		}
		tr, err := c.buildTransport(tt, connURL)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := tr.connect(ctx); err != nil {
			c.logger.Debug("transport failed", zap.String("transport", string(tt)), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", tt, err))
			continue
		}
		l := newLink(tr)
		l.start()
		if err := l.handshake(ctx); err != nil {
			l.close() //nolint:errcheck,gosec // handshake already failed
			c.logger.Debug("handshake failed", zap.String("transport", string(tt)), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s handshake: %w", tt, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return l, neg.ConnectionID, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		errs = append(errs, ctxErr)
	}
	return nil, "", errors.Join(append([]error{ErrNoTransport}, errs...)...)
}

func (c *Conn) buildTransport(tt TransportType, connURL string) (transport, error) {
	switch tt {
	case TransportWebSockets:
		return newWSTransport(connURL, c.opts.Header)
	case TransportServerSentEvents:
		return newSSETransport(connURL, c.opts.HTTPClient, c.opts.Header), nil
	case TransportLongPolling:
		return newLongPollTransport(connURL, c.opts.HTTPClient, c.opts.Header), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", tt)
	}
}

// run serves one connection incarnation and, when it drops, drives the
// reconnect loop. A successful reconnect hands over to a new run goroutine.
func (c *Conn) run(l *link) {
	retry, cause := c.serve(l)
	c.failPending(ErrConnectionLost)

	c.mu.Lock()
	c.link = nil
	c.connID = ""
	if c.stopping() {
		c.mu.Unlock()
		c.finish(nil)
		return
	}
	if !retry {
		c.mu.Unlock()
		c.finish(cause)
		return
	}
	c.state = stateReconnecting
	c.mu.Unlock()

	c.logger.Warn("hub connection lost", zap.Error(cause))
	c.notifyReconnecting(cause)

	started := time.Now()
	for attempt := 0; ; attempt++ {
		delay, ok := c.opts.Reconnect.NextDelay(RetryContext{
			Attempt: attempt,
			Elapsed: time.Since(started),
			Cause:   cause,
		})
		if !ok {
			c.logger.Warn("giving up reconnecting", zap.Int("attempts", attempt), zap.Error(cause))
			c.finish(cause)
			return
		}
		if !c.sleep(delay) {
			c.finish(nil)
			return
		}

		ctx, cancel := c.stopAware(context.Background())
		next, id, err := c.open(ctx)
		cancel()
		if err != nil {
			if c.stopping() {
				c.finish(nil)
				return
			}
			c.logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			cause = err
			c.notifyReconnecting(cause)
			continue
		}

		c.mu.Lock()
		if c.stopping() {
			c.mu.Unlock()
			next.close() //nolint:errcheck,gosec // abandoning the link
			c.finish(nil)
			return
		}
		c.state = stateConnected
		c.link = next
		c.connID = id
		c.transport = next.tr.kind()
		reconnected := append([]func(string){}, c.onReconnected...)
		c.mu.Unlock()

		c.logger.Info("hub reconnected",
			zap.String("connection_id", id),
			zap.String("transport", string(next.tr.kind())),
			zap.Int("attempt", attempt))
		go c.run(next)
		c.cbMu.Lock()
		for _, fn := range reconnected {
			fn(id)
		}
		c.cbMu.Unlock()
		return
	}
}

func (c *Conn) notifyReconnecting(cause error) {
	c.mu.Lock()
	callbacks := append([]func(error){}, c.onReconnecting...)
	c.mu.Unlock()
	c.cbMu.Lock()
	for _, fn := range callbacks {
		fn(cause)
	}
	c.cbMu.Unlock()
}

// sleep waits d unless Stop comes first.
func (c *Conn) sleep(d time.Duration) bool {
	if d <= 0 {
		return !c.stopping()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return !c.stopping()
	case <-c.stopCh:
		return false
	}
}

// finish marks the connection stopped and fires the close callbacks.
func (c *Conn) finish(cause error) {
	c.mu.Lock()
	c.state = stateStopped
	c.link = nil
	c.connID = ""
	callbacks := append([]func(error){}, c.onClose...)
	c.mu.Unlock()
	c.closeDone()

	if cause != nil {
		c.logger.Warn("hub connection closed", zap.Error(cause))
	} else {
		c.logger.Info("hub connection closed")
	}
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	for _, fn := range callbacks {
		fn(cause)
	}
}

// serve dispatches inbound records until the link ends. It reports why the
// link ended and whether a reconnect is allowed.
func (c *Conn) serve(l *link) (bool, error) {
	kaDone := make(chan struct{})
	defer close(kaDone)
	go c.keepAlive(l, kaDone)

	for _, rec := range l.leftover {
		if c.dispatch(l, rec) {
			break
		}
	}
	l.leftover = nil

	for frame := range l.frames {
		if l.serverClose != nil {
			continue
		}
		for _, rec := range l.reader.feed(frame) {
			if c.dispatch(l, rec) {
				break
			}
		}
	}
	recvErr := <-l.errc

	switch {
	case l.serverClose != nil:
		return l.allowReconnect, l.serverClose
	case l.timedOut.Load():
		return true, ErrServerTimeout
	case recvErr != nil:
		return true, fmt.Errorf("%w: %w", ErrConnectionLost, recvErr)
	default:
		return true, ErrConnectionLost
	}
}

// dispatch handles one record and reports whether the hub closed the link.
func (c *Conn) dispatch(l *link, rec []byte) bool {
	var m message
	if err := json.Unmarshal(rec, &m); err != nil {
		c.logger.Debug("discarding malformed hub record", zap.Error(err))
		return false
	}
	switch m.Type {
	case typeInvocation:
		c.mu.Lock()
		handler := c.handlers[m.Target]
		c.mu.Unlock()
		if handler == nil {
			c.logger.Debug("no handler for hub method", zap.String("target", m.Target))
			return false
		}
		handler(m.Arguments)
	case typeCompletion:
		c.complete(m)
	case typePing:
	case typeClose:
		l.serverClose = &ServerCloseError{Message: m.Error}
		l.allowReconnect = m.AllowReconnect
		l.close() //nolint:errcheck,gosec // link is finished either way
		return true
	default:
		c.logger.Debug("ignoring hub message", zap.Int("type", m.Type))
	}
	return false
}

// keepAlive pings the hub and drops the link once the server timeout passes
// without any inbound frame.
func (c *Conn) keepAlive(l *link, done <-chan struct{}) {
	interval := c.opts.KeepAliveInterval
	if half := c.opts.ServerTimeout / 2; half < interval {
		interval = half
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ping, err := encodeRecord(pingMessage{Type: typePing})
	if err != nil {
		return
	}
	for {
		select {
		case <-done:
			return
		case <-l.closed:
			return
		case <-ticker.C:
		}
		if time.Since(l.lastReceived()) > c.opts.ServerTimeout {
			l.timedOut.Store(true)
			l.close() //nolint:errcheck,gosec // link is finished either way
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		if err := l.tr.send(ctx, ping); err != nil {
			c.logger.Debug("ping failed", zap.Error(err))
		}
		cancel()
	}
}

// link is one transport incarnation together with its receive pump.
type link struct {
	tr     transport
	frames chan []byte
	errc   chan error
	closed chan struct{}

	closeOnce sync.Once
	closeErr  error
	lastRecv  atomic.Int64
	timedOut  atomic.Bool

	// Owned by the goroutine running handshake, then serve.
	reader         recordReader
	leftover       [][]byte
	serverClose    error
	allowReconnect bool
}

func newLink(tr transport) *link {
	l := &link{
		tr:     tr,
		frames: make(chan []byte, frameBuffer),
		errc:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	l.lastRecv.Store(time.Now().UnixNano())
	return l
}

func (l *link) start() {
	go func() {
		err := l.tr.receive(func(frame []byte) {
			l.lastRecv.Store(time.Now().UnixNano())
			select {
			case l.frames <- frame:
			case <-l.closed:
			}
		})
		select {
		case <-l.closed:
			// Errors after a local close are the close itself.
			err = nil
		default:
		}
		l.errc <- err
		close(l.frames)
	}()
}

func (l *link) lastReceived() time.Time {
	return time.Unix(0, l.lastRecv.Load())
}

func (l *link) close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.closeErr = l.tr.close()
	})
	return l.closeErr
}

// handshake sends the protocol selection and waits for the hub's answer.
// Records that arrive in the same frame after the answer are kept for serve.
func (l *link) handshake(ctx context.Context) error {
	req, err := encodeRecord(handshakeRequest{Protocol: "json", Version: 1})
	if err != nil {
		return err
	}
	if err := l.tr.send(ctx, req); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-l.frames:
			if !ok {
				if err := <-l.errc; err != nil {
					return fmt.Errorf("connection closed during handshake: %w", err)
				}
				return errors.New("connection closed during handshake")
			}
			records := l.reader.feed(frame)
			if len(records) == 0 {
				continue
			}
			var resp handshakeResponse
			if err := json.Unmarshal(records[0], &resp); err != nil {
				return fmt.Errorf("decode handshake response: %w", err)
			}
			if resp.Error != "" {
				return fmt.Errorf("hub rejected handshake: %s", resp.Error)
			}
			l.leftover = records[1:]
			return nil
		}
	}
}
