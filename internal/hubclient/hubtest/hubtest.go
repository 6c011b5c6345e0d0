// Package hubtest runs an in-process bot-log hub for tests. It speaks the
// same negotiation and JSON hub protocol as the real hub over WebSockets,
// ServerSentEvents and LongPolling.
package hubtest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/JakeFAU/botfleet-console/internal/hubclient"
)

// HubPath is the path the hub is mounted on.
const HubPath = "/hubs/botlogs"

const (
	recordSeparator    = 0x1E
	outboundBuffer     = 256
	defaultPollTimeout = 2 * time.Second
)

// Invocation is one hub method call received from a client.
type Invocation struct {
	ConnectionID string
	Target       string
	Args         []json.RawMessage
}

// Option customises a Server.
type Option func(*Server)

// WithTransports restricts the transports the hub offers and accepts.
func WithTransports(tt ...hubclient.TransportType) Option {
	return func(s *Server) {
		s.transports = append([]hubclient.TransportType(nil), tt...)
	}
}

// WithPollTimeout sets how long a long poll is held open without data.
func WithPollTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pollTimeout = d
		}
	}
}

// WithNegotiateError makes negotiation answer with an error payload.
func WithNegotiateError(msg string) Option {
	return func(s *Server) {
		s.negotiateErr = msg
	}
}

// Server is the in-process hub.
type Server struct {
	ts           *httptest.Server
	upgrader     websocket.Upgrader
	transports   []hubclient.TransportType
	pollTimeout  time.Duration
	negotiateErr string

	mu           sync.Mutex
	conns        map[string]*conn
	invocations  []Invocation
	methodErrors map[string]string
	negotiations int
	rejectAll    bool
}

// New starts a hub and stops it when the test ends.
func New(tb testing.TB, opts ...Option) *Server {
	tb.Helper()
	s := &Server{
		transports:   hubclient.AllTransports(),
		pollTimeout:  defaultPollTimeout,
		conns:        make(map[string]*conn),
		methodErrors: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(HubPath+"/negotiate", s.handleNegotiate)
	mux.HandleFunc(HubPath, s.handleConnection)
	s.ts = httptest.NewServer(mux)
	tb.Cleanup(s.Close)
	return s
}

// URL returns the hub url clients connect to.
func (s *Server) URL() string {
	return s.ts.URL + HubPath
}

// Close drops every connection and shuts the server down.
func (s *Server) Close() {
	s.DropAll()
	s.ts.Close()
}

// FailMethod makes every invocation of target complete with msg as its
// error. An empty msg restores success.
func (s *Server) FailMethod(target, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg == "" {
		delete(s.methodErrors, target)
		return
	}
	s.methodErrors[target] = msg
}

// RejectConnections makes negotiation fail with 503 while on is true.
func (s *Server) RejectConnections(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAll = on
}

// Negotiations counts negotiate requests served.
func (s *Server) Negotiations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiations
}

// Connections counts live connections that completed the handshake.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conns {
		if c.isReady() {
			n++
		}
	}
	return n
}

// Invocations returns every invocation received so far.
func (s *Server) Invocations() []Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Invocation(nil), s.invocations...)
}

// InvocationsOf returns the invocations of target.
func (s *Server) InvocationsOf(target string) []Invocation {
	var out []Invocation
	for _, inv := range s.Invocations() {
		if inv.Target == target {
			out = append(out, inv)
		}
	}
	return out
}

// Push invokes target on every ready connection and returns how many
// connections it reached.
func (s *Server) Push(target string, args ...any) (int, error) {
	if args == nil {
		args = []any{}
	}
	record, err := encode(map[string]any{"type": 1, "target": target, "arguments": args})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range s.snapshot() {
		if c.sendIfReady(record) {
			n++
		}
	}
	return n, nil
}

// DropAll severs every connection without a Close message.
func (s *Server) DropAll() {
	for _, c := range s.snapshot() {
		s.remove(c)
		c.close()
	}
}

// CloseAll sends a Close message to every connection, then ends it.
func (s *Server) CloseAll(msg string, allowReconnect bool) {
	payload := map[string]any{"type": 7, "allowReconnect": allowReconnect}
	if msg != "" {
		payload["error"] = msg
	}
	record, err := encode(payload)
	if err != nil {
		return
	}
	for _, c := range s.snapshot() {
		c.sendIfReady(record)
		s.remove(c)
		c.close()
	}
}

func (s *Server) snapshot() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) remove(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.token)
}

func (s *Server) offers(tt hubclient.TransportType) bool {
	for _, t := range s.transports {
		if t == tt {
			return true
		}
	}
	return false
}

func (s *Server) newConn() *conn {
	c := &conn{
		id:    uuid.NewString(),
		token: uuid.NewString(),
		out:   make(chan []byte, outboundBuffer),
		done:  make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[c.token] = c
	s.mu.Unlock()
	return c
}

func (s *Server) lookup(token string) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[token]
}

func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	s.negotiations++
	reject := s.rejectAll
	s.mu.Unlock()
	if reject {
		http.Error(w, "hub unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if s.negotiateErr != "" {
		_ = json.NewEncoder(w).Encode(map[string]string{"error": s.negotiateErr})
		return
	}
	c := s.newConn()
	type available struct {
		Transport       hubclient.TransportType `json:"transport"`
		TransferFormats []string                `json:"transferFormats"`
	}
	resp := struct {
		ConnectionID        string      `json:"connectionId"`
		ConnectionToken     string      `json:"connectionToken"`
		NegotiateVersion    int         `json:"negotiateVersion"`
		AvailableTransports []available `json:"availableTransports"`
	}{ConnectionID: c.id, ConnectionToken: c.token, NegotiateVersion: 1}
	for _, tt := range s.transports {
		resp.AvailableTransports = append(resp.AvailableTransports, available{
			Transport:       tt,
			TransferFormats: []string{"Text"},
		})
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("id")
	var c *conn
	if token == "" && websocket.IsWebSocketUpgrade(r) && s.offers(hubclient.TransportWebSockets) {
		// Clients that skip negotiation connect without a token.
		c = s.newConn()
	} else {
		c = s.lookup(token)
	}
	if c == nil {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.handleInbound(c, body)
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		s.remove(c)
		c.close()
		w.WriteHeader(http.StatusAccepted)
	case http.MethodGet:
		switch {
		case websocket.IsWebSocketUpgrade(r):
			s.serveWebSocket(w, r, c)
		case r.Header.Get("Accept") == "text/event-stream":
			s.serveEventStream(w, r, c)
		default:
			s.servePoll(w, r, c)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request, c *conn) {
	if !s.offers(hubclient.TransportWebSockets) {
		http.Error(w, "websockets disabled", http.StatusNotFound)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	go func() {
		defer func() {
			s.remove(c)
			c.close()
		}()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			s.handleInbound(c, data)
		}
	}()
	go func() {
		defer ws.Close() //nolint:errcheck // test server
		for {
			select {
			case data := <-c.out:
				if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			case <-c.done:
				for _, data := range c.drain() {
					_ = ws.WriteMessage(websocket.TextMessage, data)
				}
				return
			}
		}
	}()
}

func (s *Server) serveEventStream(w http.ResponseWriter, r *http.Request, c *conn) {
	if !s.offers(hubclient.TransportServerSentEvents) {
		http.Error(w, "server-sent events disabled", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	write := func(data []byte) bool {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	for {
		select {
		case data := <-c.out:
			if !write(data) {
				return
			}
		case <-c.done:
			for _, data := range c.drain() {
				write(data)
			}
			return
		case <-r.Context().Done():
			s.remove(c)
			c.close()
			return
		}
	}
}

func (s *Server) servePoll(w http.ResponseWriter, r *http.Request, c *conn) {
	if !s.offers(hubclient.TransportLongPolling) {
		http.Error(w, "long polling disabled", http.StatusNotFound)
		return
	}
	if c.firstPoll() {
		w.WriteHeader(http.StatusOK)
		return
	}
	timer := time.NewTimer(s.pollTimeout)
	defer timer.Stop()
	select {
	case data := <-c.out:
		var buf bytes.Buffer
		buf.Write(data)
		for _, more := range c.drain() {
			buf.Write(more)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
	case <-c.done:
		if pending := c.drain(); len(pending) > 0 {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(bytes.Join(pending, nil))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case <-timer.C:
		w.WriteHeader(http.StatusOK)
	case <-r.Context().Done():
	}
}

func (s *Server) handleInbound(c *conn, data []byte) {
	for _, rec := range bytes.Split(data, []byte{recordSeparator}) {
		if len(rec) == 0 {
			continue
		}
		if !c.isReady() {
			s.handshake(c, rec)
			continue
		}
		var msg struct {
			Type         int               `json:"type"`
			InvocationID string            `json:"invocationId"`
			Target       string            `json:"target"`
			Arguments    []json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(rec, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case 1:
			s.mu.Lock()
			s.invocations = append(s.invocations, Invocation{
				ConnectionID: c.id,
				Target:       msg.Target,
				Args:         msg.Arguments,
			})
			failure := s.methodErrors[msg.Target]
			s.mu.Unlock()
			if msg.InvocationID == "" {
				continue
			}
			completion := map[string]any{"type": 3, "invocationId": msg.InvocationID}
			if failure != "" {
				completion["error"] = failure
			} else {
				completion["result"] = nil
			}
			if record, err := encode(completion); err == nil {
				c.send(record)
			}
		case 7:
			s.remove(c)
			c.close()
		}
	}
}

func (s *Server) handshake(c *conn, rec []byte) {
	var req struct {
		Protocol string `json:"protocol"`
		Version  int    `json:"version"`
	}
	resp := map[string]string{}
	if err := json.Unmarshal(rec, &req); err != nil {
		resp["error"] = "malformed handshake"
	} else if req.Protocol != "json" || req.Version != 1 {
		resp["error"] = fmt.Sprintf("unsupported protocol %s/%d", req.Protocol, req.Version)
	}
	record, err := encode(resp)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueueLocked(record)
	if resp["error"] == "" {
		c.ready = true
	}
}

type conn struct {
	id    string
	token string
	out   chan []byte

	mu       sync.Mutex
	ready    bool
	polled   bool
	closed   bool
	done     chan struct{}
	doneOnce sync.Once
}

func (c *conn) isReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && !c.closed
}

func (c *conn) firstPoll() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	first := !c.polled
	c.polled = true
	return first
}

func (c *conn) send(record []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueueLocked(record)
}

// sendIfReady queues record behind the handshake answer.
func (c *conn) sendIfReady(record []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready || c.closed {
		return false
	}
	c.enqueueLocked(record)
	return true
}

func (c *conn) enqueueLocked(record []byte) {
	if c.closed {
		return
	}
	select {
	case c.out <- record:
	default:
	}
}

func (c *conn) drain() [][]byte {
	var out [][]byte
	for {
		select {
		case data := <-c.out:
			out = append(out, data)
		default:
			return out
		}
	}
}

func (c *conn) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}

func encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode hub record: %w", err)
	}
	return append(raw, recordSeparator), nil
}
