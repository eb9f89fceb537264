// Package session tracks the state of the subdomain scan driven over the
// connection: it turns scan_results and scan_status messages into a Session
// and sends start_scan commands.
package session

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/anstrom/subsonic/internal/metrics"
	"github.com/anstrom/subsonic/internal/wsconn"
)

// Message types exchanged with the scan server.
const (
	TypeStartScan   = "start_scan"
	TypeScanResults = "scan_results"
	TypeScanStatus  = "scan_status"
)

// DefaultStartingMessage is shown from StartScan until the first status update.
const DefaultStartingMessage = "Starting scan..."

//go:generate mockgen -destination=mocks/mock_conn.go -package=mocks . Conn

// Conn is the part of the connection manager the controller needs.
type Conn interface {
	On(msgType string, handler wsconn.Handler)
	SendMessage(msg *wsconn.Message) error
}

var _ Conn = (*wsconn.Manager)(nil)

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.MetricsRegistry) Option {
	return func(c *Controller) { c.metrics = metrics.OrNop(r) }
}

// WithStartingMessage replaces DefaultStartingMessage.
func WithStartingMessage(msg string) Option {
	return func(c *Controller) {
		if msg != "" {
			c.startingMessage = msg
		}
	}
}

// WithRequestIDFunc replaces the uuid generator used for request ids.
func WithRequestIDFunc(fn func() string) Option {
	return func(c *Controller) {
		if fn != nil {
			c.newRequestID = fn
		}
	}
}

// Controller owns the Session. It is safe for concurrent use.
type Controller struct {
	conn            Conn
	logger          *slog.Logger
	metrics         metrics.MetricsRegistry
	startingMessage string
	newRequestID    func() string

	// notifyMu serializes mutations together with subscriber calls so every
	// subscriber sees snapshots in mutation order.
	notifyMu sync.Mutex

	mu          sync.Mutex
	session     Session
	subscribers map[int]func(Session)
	nextSubID   int
}

// New creates a controller and registers its scan_results and scan_status
// handlers on conn. Handlers registered by an earlier controller on the same
// conn are replaced.
func New(conn Conn, opts ...Option) *Controller {
	c := &Controller{
		conn:            conn,
		logger:          slog.Default(),
		metrics:         metrics.Nop{},
		startingMessage: DefaultStartingMessage,
		newRequestID:    uuid.NewString,
		session:         newIdleSession(),
		subscribers:     make(map[int]func(Session)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "session")

	conn.On(TypeScanResults, c.handleResults)
	conn.On(TypeScanStatus, c.handleStatus)
	return c
}

// StartScan resets the session and asks the server to scan domain. It returns
// the request id carried by the command.
//
// A scan already running on the server is not cancelled. Its late updates are
// told apart by request id when the server echoes it. A failed send is logged
// and the session stays in the scanning state.
func (c *Controller) StartScan(domain string, wordlist Wordlist, dnsServers []string, opts ScanOptions) string {
	requestID := c.newRequestID()

	c.mutate(func(s *Session) bool {
		*s = Session{
			RequestID: requestID,
			Results:   []Result{},
			Status:    StatusScanning,
			Phase:     PhaseMainScan,
			Message:   c.startingMessage,
		}
		return true
	})
	c.metrics.Counter(metrics.MetricScansStarted, nil)
	c.metrics.Gauge(metrics.MetricProgress, 0, nil)

	logger := c.logger.With("domain", domain, "request_id", requestID)

	msg, err := wsconn.NewMessage(TypeStartScan, NewScanRequest(domain, wordlist, dnsServers, opts))
	if err != nil {
		logger.Error("Failed to encode scan request", "error", err)
		return requestID
	}
	msg.RequestID = requestID

	if err := c.conn.SendMessage(msg); err != nil {
		logger.Error("Failed to send scan request", "error", err)
		return requestID
	}

	logger.Info("Scan requested",
		"inline_wordlist", wordlist.IsInline(),
		"wordlist_key", wordlist.Key(),
		"dns_servers", len(dnsServers))
	return requestID
}

// ClearResults empties the results and leaves every other field alone.
func (c *Controller) ClearResults() {
	c.mutate(func(s *Session) bool {
		s.Results = []Result{}
		return true
	})
}

// Snapshot returns a copy of the current session.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.clone()
}

// Subscribe registers fn to receive a snapshot after every change. fn runs
// synchronously on the goroutine that made the change and must not call
// StartScan or ClearResults. The returned function removes the subscription.
func (c *Controller) Subscribe(fn func(Session)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, id)
			c.mu.Unlock()
		})
	}
}

func (c *Controller) handleResults(msg *wsconn.Message) {
	var results []Result
	if err := msg.Decode(&results); err != nil {
		c.logger.Error("Ignoring malformed scan results", "error", err)
		return
	}

	c.mutate(func(s *Session) bool {
		if c.isStaleLocked(msg) {
			return false
		}
		s.Results = append(s.Results, results...)
		for range results {
			c.metrics.Counter(metrics.MetricResults, nil)
		}
		return true
	})
}

func (c *Controller) handleStatus(msg *wsconn.Message) {
	var update StatusUpdate
	if err := msg.Decode(&update); err != nil {
		c.logger.Error("Ignoring malformed scan status", "error", err)
		return
	}

	var accepted, finished bool
	c.mutate(func(s *Session) bool {
		if c.isStaleLocked(msg) {
			return false
		}
		accepted = true
		finished = s.Status != StatusDone && update.Status == StatusDone
		s.apply(update)
		return true
	})
	if !accepted {
		return
	}

	c.metrics.Gauge(metrics.MetricProgress, update.Progress, nil)
	if finished {
		c.metrics.Counter(metrics.MetricScansFinished, nil)
		c.logger.Info("Scan finished", "summary", update.Summary, "duration_seconds", update.Duration)
	}
}

// isStaleLocked reports whether msg belongs to a scan other than the one
// started last. Messages without a request id are never stale.
func (c *Controller) isStaleLocked(msg *wsconn.Message) bool {
	if msg.RequestID == "" || msg.RequestID == c.session.RequestID {
		return false
	}
	c.logger.Debug("Dropping update from a previous scan",
		"type", msg.Type,
		"request_id", msg.RequestID,
		"active_request_id", c.session.RequestID)
	c.metrics.Counter(metrics.MetricStaleUpdates, metrics.Labels{"type": msg.Type})
	return true
}

// mutate applies fn under the lock and, when fn reports a change, hands the
// new snapshot to every subscriber. No snapshot is taken without subscribers.
func (c *Controller) mutate(fn func(s *Session) bool) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if !fn(&c.session) {
		c.mu.Unlock()
		return
	}
	if c.session.Results == nil {
		c.session.Results = []Result{}
	}
	if len(c.subscribers) == 0 {
		c.mu.Unlock()
		return
	}
	snapshot := c.session.clone()
	subscribers := make([]func(Session), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subscribers = append(subscribers, fn)
	}
	c.mu.Unlock()

	for _, notify := range subscribers {
		notify(snapshot)
	}
}
