// Package wsconn maintains the single real-time connection to the scan server.
// It reconnects on a fixed interval whenever the connection drops and routes
// inbound messages to the handler registered for their type.
package wsconn

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/subsonic/internal/errors"
	"github.com/anstrom/subsonic/internal/metrics"
)

const (
	// DefaultReconnectDelay is the fixed wait between a close and the next attempt.
	DefaultReconnectDelay = 3 * time.Second

	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	closeGracePeriod        = time.Second
	maxMessageSize          = 1 << 20 // Result batches are small; cap what a peer can make us buffer
)

// State is the connection state visible to callers.
type State string

const (
	Disconnected State = "disconnected"
	Connected    State = "connected"
)

// Options configures a Manager.
type Options struct {
	// Endpoint is the ws:// or wss:// URL to dial. See Endpoint.
	Endpoint string

	// ReconnectDelay defaults to DefaultReconnectDelay.
	ReconnectDelay time.Duration

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// Header is sent with every handshake.
	Header http.Header

	// Dialer overrides the default dialer. HandshakeTimeout is applied to it
	// when it has none.
	Dialer *websocket.Dialer

	Logger  *slog.Logger
	Metrics metrics.MetricsRegistry
}

// Manager owns the connection, the reconnection loop and the handler registry.
// Construct one per process and share it by reference.
type Manager struct {
	endpoint       string
	header         http.Header
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	writeTimeout   time.Duration
	logger         *slog.Logger
	metrics        metrics.MetricsRegistry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// transMu serializes state transitions together with their listener calls,
	// so listeners observe transitions in the order they happened.
	transMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	dialing     bool
	closed      bool
	timer       *time.Timer
	connectedCh chan struct{}
	listeners   []func(State)

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	writeMu sync.Mutex
}

// New creates a Manager. Nothing is dialed until Connect is called.
func New(opts Options) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	var dialer websocket.Dialer
	if opts.Dialer != nil {
		dialer = *opts.Dialer
	} else {
		dialer = websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = opts.HandshakeTimeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		endpoint:       opts.Endpoint,
		header:         opts.Header,
		dialer:         &dialer,
		reconnectDelay: opts.ReconnectDelay,
		writeTimeout:   opts.WriteTimeout,
		logger:         logger.With("component", "wsconn"),
		metrics:        metrics.OrNop(opts.Metrics),
		ctx:            ctx,
		cancel:         cancel,
		state:          Disconnected,
		connectedCh:    make(chan struct{}),
		handlers:       make(map[string]Handler),
	}
}

// Endpoint returns the URL the manager dials.
func (m *Manager) Endpoint() string {
	return m.endpoint
}

// Connect opens the connection in the background and returns immediately.
// It is a no-op while connected, while an attempt is already in flight, and
// after Close.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.dialing || m.state == Connected {
		return
	}
	m.dialing = true
	m.wg.Add(1)
	go m.dial()
}

func (m *Manager) dial() {
	defer m.wg.Done()

	start := time.Now()
	conn, _, err := m.dialer.DialContext(m.ctx, m.endpoint, m.header)
	m.metrics.Histogram(metrics.MetricDialDuration, time.Since(start).Seconds(), nil)

	if err != nil {
		m.mu.Lock()
		m.dialing = false
		closed := m.closed
		m.scheduleReconnectLocked()
		m.mu.Unlock()

		if !closed {
			m.logger.Error("WebSocket connection failed. Attempting to reconnect...",
				"error", errors.ErrDialFailed(m.endpoint, err),
				"retry_in", m.reconnectDelay)
		}
		return
	}
	conn.SetReadLimit(maxMessageSize)

	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.Lock()
	m.dialing = false
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.wg.Add(1)
	go m.readLoop(conn)
	listeners, changed := m.setStateLocked(Connected)
	m.mu.Unlock()

	m.logger.Info("WebSocket connected", "endpoint", m.endpoint)
	if changed {
		notify(listeners, Connected)
	}
}

// readLoop delivers frames one at a time: a handler finishes before the next
// frame is read.
func (m *Manager) readLoop(conn *websocket.Conn) {
	defer m.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(conn, err)
			return
		}
		m.dispatch(data)
	}
}

func (m *Manager) handleClose(conn *websocket.Conn, cause error) {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	_ = conn.Close()
	closed := m.closed
	listeners, changed := m.setStateLocked(Disconnected)
	m.scheduleReconnectLocked()
	m.mu.Unlock()

	switch {
	case closed:
		m.logger.Debug("WebSocket closed")
	case websocket.IsUnexpectedCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		m.logger.Error("WebSocket error", "error", errors.WrapConnectionError(errors.CodeTransport, "connection lost", cause))
		m.logger.Info("WebSocket disconnected. Attempting to reconnect...", "retry_in", m.reconnectDelay)
	default:
		m.logger.Info("WebSocket disconnected. Attempting to reconnect...", "reason", cause, "retry_in", m.reconnectDelay)
	}

	if changed {
		notify(listeners, Disconnected)
	}
}

// scheduleReconnectLocked arms the reconnect timer. The interval never grows
// and there is no attempt limit.
func (m *Manager) scheduleReconnectLocked() {
	if m.closed {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.metrics.Counter(metrics.MetricReconnects, nil)
	m.timer = time.AfterFunc(m.reconnectDelay, m.Connect)
}

func (m *Manager) setStateLocked(s State) ([]func(State), bool) {
	if m.state == s {
		return nil, false
	}
	m.state = s

	if s == Connected {
		close(m.connectedCh)
		m.metrics.Gauge(metrics.MetricConnected, 1, nil)
	} else {
		m.connectedCh = make(chan struct{})
		m.metrics.Gauge(metrics.MetricConnected, 0, nil)
	}

	listeners := make([]func(State), len(m.listeners))
	copy(listeners, m.listeners)
	return listeners, true
}

func notify(listeners []func(State), s State) {
	for _, fn := range listeners {
		fn(s)
	}
}

func (m *Manager) dispatch(data []byte) {
	msg, err := parseFrame(data)
	if err != nil {
		m.logger.Error("Error parsing WebSocket message", "error", err, "size", len(data))
		m.metrics.Counter(metrics.MetricFramesDropped, metrics.Labels{"reason": "malformed"})
		return
	}

	m.handlersMu.RLock()
	handler, ok := m.handlers[msg.Type]
	m.handlersMu.RUnlock()

	if !ok || handler == nil {
		m.logger.Debug("No handler for message type", "type", msg.Type)
		m.metrics.Counter(metrics.MetricFramesDropped, metrics.Labels{"reason": "unhandled"})
		return
	}

	m.metrics.Counter(metrics.MetricFramesReceived, metrics.Labels{"type": msg.Type})
	m.invoke(handler, msg)
}

func (m *Manager) invoke(handler Handler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Message handler panicked", "type", msg.Type, "panic", r)
			m.metrics.Counter(metrics.MetricFramesDropped, metrics.Labels{"reason": "handler_panic"})
		}
	}()
	handler(msg)
}

// On registers handler for msgType. A later registration for the same type
// replaces the earlier one: at most one handler per type is ever active.
// Registrations last for the lifetime of the Manager.
func (m *Manager) On(msgType string, handler Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[msgType] = handler
}

// Send encodes payload and writes it as one frame. See SendMessage.
func (m *Manager) Send(msgType string, payload any) error {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		m.logger.Error("Failed to encode message", "type", msgType, "error", err)
		m.metrics.Counter(metrics.MetricSendFailures, metrics.Labels{"reason": "encode"})
		return err
	}
	return m.SendMessage(msg)
}

// SendMessage writes msg as one frame. Without an open connection the message
// is logged and dropped: nothing is queued and the connection state is left
// alone. A failed write force-closes the connection, which starts the
// reconnect loop.
func (m *Manager) SendMessage(msg *Message) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == Connected
	m.mu.Unlock()

	if !connected || conn == nil {
		err := errors.ErrNotConnected(msg.Type)
		m.logger.Error("WebSocket is not connected.", "type", msg.Type, "error", err)
		m.metrics.Counter(metrics.MetricSendFailures, metrics.Labels{"reason": "not_connected"})
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		e := errors.WrapConnectionError(errors.CodeEncodeFailed, "failed to encode message", err)
		e.MessageType = msg.Type
		m.logger.Error("Failed to encode message", "type", msg.Type, "error", e)
		m.metrics.Counter(metrics.MetricSendFailures, metrics.Labels{"reason": "encode"})
		return e
	}

	m.logger.Debug("Sending message", "type", msg.Type, "message", string(data))

	m.writeMu.Lock()
	err = conn.SetWriteDeadline(time.Now().Add(m.writeTimeout))
	if err == nil {
		err = conn.WriteMessage(websocket.TextMessage, data)
	}
	m.writeMu.Unlock()

	if err != nil {
		e := errors.WrapConnectionError(errors.CodeTransport, "failed to write message", err)
		e.MessageType = msg.Type
		m.logger.Error("WebSocket error", "type", msg.Type, "error", e)
		m.metrics.Counter(metrics.MetricSendFailures, metrics.Labels{"reason": "write"})
		_ = conn.Close()
		return e
	}

	m.metrics.Counter(metrics.MetricMessagesSent, metrics.Labels{"type": msg.Type})
	return nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the connection is open.
func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

// OnStateChange registers fn to be called after every transition. Listeners
// run on the goroutine that made the transition and must not call Close.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// WaitConnected blocks until the connection is open or ctx is done.
func (m *Manager) WaitConnected(ctx context.Context) error {
	m.mu.Lock()
	ch := m.connectedCh
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		code := errors.CodeCanceled
		if ctx.Err() == context.DeadlineExceeded {
			code = errors.CodeTimeout
		}
		e := errors.WrapConnectionError(code, "waiting for connection", ctx.Err())
		e.Endpoint = m.endpoint
		return e
	}
}

// Close shuts the manager down for good: the reconnect loop stops, the
// connection is closed and Close waits for the background goroutines.
// It is meant for process shutdown.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
	}
	conn := m.conn
	m.mu.Unlock()

	m.cancel()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		_ = conn.Close()
	}

	m.wg.Wait()
	return nil
}
