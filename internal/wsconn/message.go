package wsconn

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/anstrom/subsonic/internal/errors"
)

// DefaultPath is the endpoint path the scan server serves WebSocket upgrades on.
const DefaultPath = "/ws"

// Message is the envelope carried in every frame, in both directions.
// RequestID correlates traffic with the start_scan command that caused it;
// servers that do not echo it leave it empty.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"request_id,omitempty"`
}

// NewMessage encodes payload into an envelope of the given type.
func NewMessage(msgType string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		e := errors.WrapConnectionError(errors.CodeEncodeFailed, "failed to encode payload", err)
		e.MessageType = msgType
		return nil, e
	}
	return &Message{Type: msgType, Payload: raw}, nil
}

// Decode unmarshals the payload into v. A missing or null payload is an error.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("decode %s payload: empty payload", m.Type)
	}
	if bytes.Equal(bytes.TrimSpace(m.Payload), []byte("null")) {
		return fmt.Errorf("decode %s payload: null payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// parseFrame decodes a raw frame into an envelope.
func parseFrame(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.ErrMalformedFrame(err)
	}
	return &msg, nil
}

// Handler receives every inbound message of the type it was registered for.
// It runs on the connection's read goroutine; the next frame is not read until
// it returns.
type Handler func(msg *Message)

// Endpoint derives the WebSocket URL from the server's base URL. The scheme
// follows the base URL's security: https and wss map to wss, http and ws to
// ws. An empty path means DefaultPath.
func Endpoint(baseURL, path string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", errors.ErrConfigInvalid("server.url", baseURL)
	}

	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", errors.ErrConfigInvalid("server.url", baseURL)
	}
	if u.Host == "" {
		return "", errors.ErrConfigInvalid("server.url", baseURL)
	}

	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path = path
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""

	return u.String(), nil
}
