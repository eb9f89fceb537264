package cli

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/anstrom/subsonic/internal/config"
	"github.com/anstrom/subsonic/internal/logging"
	"github.com/anstrom/subsonic/internal/metrics"
	"github.com/anstrom/subsonic/internal/session"
	"github.com/anstrom/subsonic/internal/wsconn"
)

// client is the composition root: it owns the single connection manager and
// the session controller bound to it.
type client struct {
	cfg      *config.Config
	logger   *logging.Logger
	manager  *wsconn.Manager
	session  *session.Controller
	recorder metrics.MetricsRegistry
	prom     *metrics.Prometheus
}

func newClient(cfg *config.Config, logger *logging.Logger) (*client, error) {
	endpoint, err := wsconn.Endpoint(cfg.Server.URL, cfg.Server.Path)
	if err != nil {
		return nil, err
	}

	c := &client{cfg: cfg, logger: logger, recorder: metrics.Nop{}}
	if cfg.Metrics.Enabled {
		c.prom = metrics.NewPrometheus()
		c.recorder = c.prom
	}

	c.manager = wsconn.New(wsconn.Options{
		Endpoint:         endpoint,
		ReconnectDelay:   cfg.Server.ReconnectDelay,
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		WriteTimeout:     cfg.Server.WriteTimeout,
		Metrics:          c.recorder,
		Logger:           logger.Logger,
	})
	c.session = session.New(c.manager,
		session.WithLogger(logger.Logger),
		session.WithMetrics(c.recorder),
		session.WithStartingMessage(cfg.Scan.StartingMessage))

	return c, nil
}

// scanOptions returns the configured scan tuning.
func (c *client) scanOptions() session.ScanOptions {
	return session.ScanOptions{
		Concurrency: c.cfg.Scan.Concurrency,
		Adaptive:    c.cfg.Scan.Adaptive,
		MaxQPS:      c.cfg.Scan.MaxQPS,
		EnableRetry: c.cfg.Scan.EnableRetry,
	}
}

// run connects, then runs fn alongside the metrics exporter when it is
// enabled. The connection is closed once fn returns.
func (c *client) run(ctx context.Context, fn func(ctx context.Context) error) error {
	defer func() {
		if err := c.manager.Close(); err != nil {
			c.logger.ErrorConnection("Failed to close connection", c.manager.Endpoint(), err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if c.prom != nil {
		server := metrics.NewServer(c.cfg.Metrics.ListenAddr, c.prom, c.manager.IsConnected, c.logger.Logger)
		g.Go(func() error {
			if err := server.Run(gctx); err != nil {
				c.logger.WithError(err).Error("Metrics server stopped", "addr", c.cfg.Metrics.ListenAddr)
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		defer cancel()
		c.manager.Connect()
		return fn(gctx)
	})

	return g.Wait()
}
