package lattice

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"

	"github.com/lattice-mesh/lattice/pkg/wire"
)

type config struct {
	nodeName     string
	bindAddr     string
	bindPort     int
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	heartbeatInterval time.Duration
	dialTimeout       time.Duration
	handshakeTimeout  time.Duration
	trackingMode      wire.Mode

	clk clock.Clock
}

// Option to pass to `Create`
type Option func(*config) error

// WithNodeName specifies the human-readable name this process advertises in
// its hello handshake. Peers keep it as the Link description.
func WithNodeName(name string) Option {
	return func(c *config) error {
		if name != "" {
			c.nodeName = name
		}
		return nil
	}
}

// WithListenOn makes the mesh accept inbound TCP links on the given
// interface. Without it, the mesh only establishes outbound links.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.bindAddr = addr
		c.bindPort = port
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the mesh.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the mesh.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithHeartbeatInterval controls how often pings are sent to live peers.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval == 0 {
			interval = defaultHeartbeatInterval
		}
		c.heartbeatInterval = interval
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a remote
// peer to accept a TCP connection.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = defaultDialTimeout
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithTrackingMode controls in which role the tracking handler is advertised:
// CLIENT if this process initiates tracked requests, SERVER if it only
// answers them, BOTH for both.
func WithTrackingMode(mode wire.Mode) Option {
	return func(c *config) error {
		c.trackingMode = mode
		return nil
	}
}

// WithClock substitutes the wall clock driving heartbeats and tracking
// expiries. Used by tests with a mock clock.
func WithClock(clk clock.Clock) Option {
	return func(c *config) error {
		if clk != nil {
			c.clk = clk
		}
		return nil
	}
}
