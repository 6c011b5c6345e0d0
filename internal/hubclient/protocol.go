package hubclient

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const recordSeparator = 0x1E

// Hub protocol message types.
const (
	typeInvocation       = 1
	typeStreamItem       = 2
	typeCompletion       = 3
	typeStreamInvocation = 4
	typeCancelInvocation = 5
	typePing             = 6
	typeClose            = 7
)

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// message is the decoded form of every inbound record.
type message struct {
	Type           int               `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

type invocationMessage struct {
	Type         int    `json:"type"`
	InvocationID string `json:"invocationId,omitempty"`
	Target       string `json:"target"`
	Arguments    []any  `json:"arguments"`
}

type pingMessage struct {
	Type int `json:"type"`
}

// encodeRecord marshals v and appends the record separator.
func encodeRecord(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode hub record: %w", err)
	}
	return append(raw, recordSeparator), nil
}

// recordReader splits a byte stream into records. A record cut across two
// frames is held until the rest arrives.
type recordReader struct {
	partial []byte
}

func (r *recordReader) feed(data []byte) [][]byte {
	if len(r.partial) > 0 {
		data = append(r.partial, data...)
		r.partial = nil
	}
	var out [][]byte
	for {
		idx := bytes.IndexByte(data, recordSeparator)
		if idx < 0 {
			break
		}
		if idx > 0 {
			out = append(out, data[:idx])
		}
		data = data[idx+1:]
	}
	if len(data) > 0 {
		r.partial = append([]byte(nil), data...)
	}
	return out
}
