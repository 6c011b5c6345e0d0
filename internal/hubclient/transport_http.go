package hubclient

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// postFrame sends one outbound frame for the HTTP-based transports.
func postFrame(ctx context.Context, client *http.Client, header http.Header, target string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	copyHeader(req.Header, header)
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // drained below
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("send: unexpected status %d", resp.StatusCode)
	}
	return nil
}

type sseTransport struct {
	url    string
	client *http.Client
	header http.Header

	mu     sync.Mutex
	body   io.ReadCloser
	cancel context.CancelFunc
}

func newSSETransport(connURL string, client *http.Client, header http.Header) *sseTransport {
	return &sseTransport{url: connURL, client: client, header: header}
}

func (t *sseTransport) kind() TransportType { return TransportServerSentEvents }

func (t *sseTransport) connect(ctx context.Context) error {
	// The stream outlives the connect context, so it gets its own.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.url, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("build event stream request: %w", err)
	}
	copyHeader(req.Header, t.header)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close() //nolint:errcheck,gosec // status already failed
		cancel()
		return fmt.Errorf("open event stream: unexpected status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close() //nolint:errcheck,gosec // content type already failed
		cancel()
		return fmt.Errorf("open event stream: unexpected content type %q", ct)
	}
	t.mu.Lock()
	t.body = resp.Body
	t.cancel = cancel
	t.mu.Unlock()
	return nil
}

func (t *sseTransport) send(ctx context.Context, data []byte) error {
	return postFrame(ctx, t.client, t.header, t.url, data)
}

// receive parses the event stream. Every event's data lines, joined by
// newlines, form one frame.
func (t *sseTransport) receive(fn func([]byte)) error {
	t.mu.Lock()
	body := t.body
	t.mu.Unlock()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				fn([]byte(strings.Join(data, "\n")))
				data = data[:0]
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}

func (t *sseTransport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
	if t.body != nil {
		return t.body.Close()
	}
	return nil
}

type longPollTransport struct {
	url    string
	client *http.Client
	header http.Header

	ctx    context.Context
	cancel context.CancelFunc
}

func newLongPollTransport(connURL string, client *http.Client, header http.Header) *longPollTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &longPollTransport{url: connURL, client: client, header: header, ctx: ctx, cancel: cancel}
}

func (t *longPollTransport) kind() TransportType { return TransportLongPolling }

// connect issues the first poll, which the hub answers immediately.
func (t *longPollTransport) connect(ctx context.Context) error {
	stop := context.AfterFunc(ctx, t.cancel)
	defer stop()
	_, closed, err := t.poll()
	if err != nil {
		return err
	}
	if closed {
		return errors.New("long polling: hub closed the connection during connect")
	}
	return nil
}

func (t *longPollTransport) poll() ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build poll request: %w", err)
	}
	copyHeader(req.Header, t.header)
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("poll: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, true, nil
	case http.StatusOK:
	default:
		return nil, false, fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("read poll response: %w", err)
	}
	return body, false, nil
}

func (t *longPollTransport) send(ctx context.Context, data []byte) error {
	return postFrame(ctx, t.client, t.header, t.url, data)
}

func (t *longPollTransport) receive(fn func([]byte)) error {
	for {
		body, closed, err := t.poll()
		if err != nil {
			if t.ctx.Err() != nil {
				return nil
			}
			return err
		}
		if closed {
			return nil
		}
		// Empty polls still prove the hub is alive.
		fn(body)
	}
}

// close cancels the outstanding poll and tells the hub the connection is gone.
func (t *longPollTransport) close() error {
	t.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), defaultCloseTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	copyHeader(req.Header, t.header)
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	resp.Body.Close() //nolint:errcheck,gosec // nothing to read
	return nil
}
