package hubclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// transport moves opaque frames between the client and the hub.
type transport interface {
	connect(ctx context.Context) error
	send(ctx context.Context, data []byte) error
	// receive blocks, handing every inbound frame to fn, until the stream
	// ends. It returns nil when the stream was closed cleanly.
	receive(fn func([]byte)) error
	close() error
	kind() TransportType
}

type wsTransport struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	writeMu sync.Mutex
	conn    *websocket.Conn
}

func newWSTransport(connURL string, header http.Header) (*wsTransport, error) {
	wsURL, err := websocketURL(connURL)
	if err != nil {
		return nil, err
	}
	return &wsTransport{
		url:    wsURL,
		header: header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
	}, nil
}

func (t *wsTransport) kind() TransportType { return TransportWebSockets }

func (t *wsTransport) connect(ctx context.Context) error {
	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}
	t.conn = conn
	return nil
}

func (t *wsTransport) send(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("websocket write deadline: %w", err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (t *wsTransport) receive(fn func([]byte)) error {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		fn(data)
	}
}

func (t *wsTransport) close() error {
	if t.conn == nil {
		return nil
	}
	t.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	werr := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	t.writeMu.Unlock()
	cerr := t.conn.Close()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return errors.Join(fmt.Errorf("websocket close frame: %w", werr), cerr)
	}
	if cerr != nil {
		return fmt.Errorf("websocket close: %w", cerr)
	}
	return nil
}
