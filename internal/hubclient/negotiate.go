package hubclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// TransportType names a hub transport as advertised during negotiation.
type TransportType string

// Supported transports, in preference order.
const (
	TransportWebSockets       TransportType = "WebSockets"
	TransportServerSentEvents TransportType = "ServerSentEvents"
	TransportLongPolling      TransportType = "LongPolling"
)

// AllTransports lists every transport in preference order.
func AllTransports() []TransportType {
	return []TransportType{TransportWebSockets, TransportServerSentEvents, TransportLongPolling}
}

// ParseTransport maps a configuration string onto a TransportType.
func ParseTransport(s string) (TransportType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "websockets", "websocket", "ws":
		return TransportWebSockets, nil
	case "serversentevents", "sse":
		return TransportServerSentEvents, nil
	case "longpolling", "long-polling", "longpoll":
		return TransportLongPolling, nil
	default:
		return "", fmt.Errorf("unknown hub transport %q", s)
	}
}

type availableTransport struct {
	Transport       TransportType `json:"transport"`
	TransferFormats []string      `json:"transferFormats"`
}

type negotiateResponse struct {
	ConnectionID        string               `json:"connectionId"`
	ConnectionToken     string               `json:"connectionToken"`
	NegotiateVersion    int                  `json:"negotiateVersion"`
	AvailableTransports []availableTransport `json:"availableTransports"`
	Error               string               `json:"error"`
}

// token returns the value sent as the id query parameter.
func (n negotiateResponse) token() string {
	if n.NegotiateVersion >= 1 && n.ConnectionToken != "" {
		return n.ConnectionToken
	}
	return n.ConnectionID
}

func (n negotiateResponse) offers(tt TransportType) bool {
	for _, at := range n.AvailableTransports {
		if at.Transport != tt {
			continue
		}
		for _, f := range at.TransferFormats {
			if f == "Text" {
				return true
			}
		}
	}
	return false
}

func negotiate(ctx context.Context, client *http.Client, header http.Header, hubURL string) (negotiateResponse, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return negotiateResponse{}, fmt.Errorf("parse hub url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/negotiate"
	q := u.Query()
	q.Set("negotiateVersion", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(nil))
	if err != nil {
		return negotiateResponse{}, fmt.Errorf("build negotiate request: %w", err)
	}
	copyHeader(req.Header, header)
	resp, err := client.Do(req)
	if err != nil {
		return negotiateResponse{}, fmt.Errorf("negotiate: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return negotiateResponse{}, fmt.Errorf("read negotiate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return negotiateResponse{}, fmt.Errorf("negotiate: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var neg negotiateResponse
	if err := json.Unmarshal(body, &neg); err != nil {
		return negotiateResponse{}, fmt.Errorf("decode negotiate response: %w", err)
	}
	if neg.Error != "" {
		return negotiateResponse{}, fmt.Errorf("negotiate: %s", neg.Error)
	}
	return neg, nil
}

// connectionURL appends the connection token to the hub url.
func connectionURL(hubURL, token string) (string, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("id", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func websocketURL(httpURL string) (string, error) {
	u, err := url.Parse(httpURL)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func copyHeader(dst, src http.Header) {
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}
