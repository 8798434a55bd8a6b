package lattice

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"

	"github.com/lattice-mesh/lattice/pkg/wire"
)

const defaultHeartbeatInterval = 5 * time.Second

// envelopeSender is the slice of the mesh the heartbeat needs: fire-and-forget
// envelope delivery to a single link.
type envelopeSender interface {
	Send(link Link, env *wire.Envelope) error
}

// heartbeat tracks the set of currently-live peers and pings each of them on
// a fixed interval. Pings carry a millisecond timestamp; the peer echoes it
// back in a pong and the elapsed time is the observed round-trip latency,
// surfaced as a log line and a metrics sample only.
//
// Heartbeats are fire-and-forget: a send failing because the peer is already
// gone is not escalated. Disconnection detection belongs to the transport.
type heartbeat struct {
	lk      sync.Mutex
	peers   map[uuid.UUID]Link
	stopped bool
	timer   *clock.Timer

	interval     time.Duration
	clk          clock.Clock
	sender       envelopeSender
	logger       *slog.Logger
	msink        metrics.MetricSink
	metricLabels []metrics.Label
}

func newHeartbeat(
	sender envelopeSender,
	interval time.Duration,
	clk clock.Clock,
	logger *slog.Logger,
	msink metrics.MetricSink,
	labels []metrics.Label,
) *heartbeat {
	hb := &heartbeat{
		peers:        make(map[uuid.UUID]Link),
		interval:     interval,
		clk:          clk,
		sender:       sender,
		logger:       logger,
		msink:        msink,
		metricLabels: labels,
	}
	hb.timer = clk.AfterFunc(interval, hb.tick)
	return hb
}

// tick fans a ping out to every live peer, then rearms the timer. A fire
// after shutdown is a no-op and does not rearm.
func (hb *heartbeat) tick() {
	hb.lk.Lock()
	if hb.stopped {
		hb.lk.Unlock()
		return
	}
	targets := make([]Link, 0, len(hb.peers))
	for _, link := range hb.peers {
		targets = append(targets, link)
	}
	hb.timer.Reset(hb.interval)
	hb.lk.Unlock()

	now := hb.now()
	for _, link := range targets {
		if err := hb.sender.Send(link, wire.NewPing(now)); err != nil {
			hb.logger.Debug("ping skipped", "link", link, LabelError.L(err))
			continue
		}
		hb.msink.IncrCounterWithLabels(MetricHeartbeatPingOutCount, 1.0, hb.metricLabels)
	}
}

func (hb *heartbeat) now() uint64 {
	return uint64(hb.clk.Now().UnixMilli())
}

func (hb *heartbeat) HandleMessage(link Link, env *wire.Envelope) {
	switch env.Kind {
	case wire.KindPing:
		ts, err := wire.Timestamp(env)
		if err != nil {
			hb.logger.Warn("malformed ping payload", "link", link, LabelError.L(err))
			return
		}
		if err := hb.sender.Send(link, wire.NewPong(ts)); err != nil {
			hb.logger.Debug("pong skipped", "link", link, LabelError.L(err))
		}
	case wire.KindPong:
		ts, err := wire.Timestamp(env)
		if err != nil {
			hb.logger.Warn("malformed pong payload", "link", link, LabelError.L(err))
			return
		}
		rtt := time.Duration(hb.now()-ts) * time.Millisecond
		hb.logger.Debug("peer round-trip measured", "link", link, LabelDuration.L(rtt))
		hb.msink.AddSampleWithLabels(
			MetricHeartbeatRTTMs,
			float32(rtt.Milliseconds()),
			append(hb.metricLabels, LabelPeerName.M(link.Description)),
		)
	default:
		hb.logger.Warn(
			"unhandled core envelope",
			"link", link,
			LabelKind.L(env.Kind.String()),
		)
	}
}

func (hb *heartbeat) HandleLinkEvent(link Link, event LinkEvent) {
	hb.lk.Lock()
	defer hb.lk.Unlock()

	if event == LinkUp {
		hb.peers[link.ID] = link
	} else {
		delete(hb.peers, link.ID)
	}
}

// shutdown cancels the timer; no further ping rounds are issued once an
// in-flight fire has observed the stopped state.
func (hb *heartbeat) shutdown() {
	hb.lk.Lock()
	defer hb.lk.Unlock()
	hb.stopped = true
	hb.timer.Stop()
}
