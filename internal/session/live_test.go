package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/subsonic/internal/logging"
	"github.com/anstrom/subsonic/internal/wsconn"
)

// scanServer answers every start_scan with one result batch and a final
// status, echoing the request id.
func scanServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var msg wsconn.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type != TypeStartScan {
				continue
			}
			var req struct {
				Domain string `json:"domain"`
			}
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				return
			}

			replies := []wsconn.Message{
				{Type: TypeScanStatus, RequestID: msg.RequestID, Payload: json.RawMessage(`{"status":"scanning","message":"probing","progress":0.5,"phase":"main_scan"}`)},
				{Type: TypeScanResults, RequestID: msg.RequestID, Payload: json.RawMessage(`[{"Subdomain":"www.` + req.Domain + `","IPAddress":"192.0.2.1"}]`)},
				{Type: TypeScanStatus, RequestID: msg.RequestID, Payload: json.RawMessage(`{"status":"done","message":"finished","progress":1,"summary":"1 found"}`)},
			}
			for _, reply := range replies {
				if err := conn.WriteJSON(reply); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestController_OverLiveConnection(t *testing.T) {
	srv := scanServer(t)
	endpoint, err := wsconn.Endpoint(srv.URL, wsconn.DefaultPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(endpoint, "ws://"))

	manager := wsconn.New(wsconn.Options{
		Endpoint:       endpoint,
		ReconnectDelay: 20 * time.Millisecond,
		Logger:         logging.Discard(),
	})
	t.Cleanup(func() { _ = manager.Close() })

	c := New(manager, WithLogger(logging.Discard()))
	done := make(chan Session, 1)
	c.Subscribe(func(s Session) {
		if s.Status == StatusDone {
			select {
			case done <- s:
			default:
			}
		}
	})

	manager.Connect()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, manager.WaitConnected(ctx))

	id := c.StartScan("example.com", WordlistKey("common_speak"), nil, ScanOptions{Concurrency: 10})

	select {
	case s := <-done:
		assert.Equal(t, id, s.RequestID)
		assert.Equal(t, PhaseDone, s.Phase)
		assert.Equal(t, "1 found", s.Summary)
		assert.Equal(t, []Result{{Subdomain: "www.example.com", IPAddress: "192.0.2.1"}}, s.Results)
	case <-time.After(2 * time.Second):
		t.Fatal("scan did not finish")
	}
}
