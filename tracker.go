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

// TrackingCallback receives the outcome of a tracked request: the matching
// response envelope, or a nil envelope with ErrRequestTimeout, ErrLinkGone
// or ErrMeshClosed. It fires exactly once per tracked request.
type TrackingCallback func(env *wire.Envelope, err error)

type pendingRequest struct {
	id       uuid.UUID
	link     Link
	callback TrackingCallback
	timer    *clock.Timer
}

// tracker correlates outbound request ids with pending callbacks and
// deadlines. Resolution races (response vs. expiry vs. link down) are
// settled by map removal: whoever removes the entry invokes the callback,
// everyone else observes not-found and does nothing.
type tracker struct {
	lk      sync.Mutex
	pending map[uuid.UUID]*pendingRequest

	clk          clock.Clock
	logger       *slog.Logger
	msink        metrics.MetricSink
	metricLabels []metrics.Label
}

func newTracker(clk clock.Clock, logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label) *tracker {
	return &tracker{
		pending:      make(map[uuid.UUID]*pendingRequest),
		clk:          clk,
		logger:       logger,
		msink:        msink,
		metricLabels: labels,
	}
}

// track records a pending request and arms its expiry timer. The id must not
// already be pending; callers are expected to generate ids that cannot
// collide within the timeout window (uuid.New is fine).
func (t *tracker) track(link Link, id uuid.UUID, callback TrackingCallback, timeout time.Duration) error {
	if id == uuid.Nil {
		return ErrNilCorrelation
	}

	t.lk.Lock()
	defer t.lk.Unlock()
	if _, dup := t.pending[id]; dup {
		return ErrDuplicateCorrelation
	}

	p := &pendingRequest{id: id, link: link, callback: callback}
	t.pending[id] = p
	p.timer = t.clk.AfterFunc(timeout, func() {
		t.expire(id)
	})
	return nil
}

// take removes and returns the pending entry, or nil if someone else already
// resolved it. This is the first-remover-wins point.
func (t *tracker) take(id uuid.UUID) *pendingRequest {
	t.lk.Lock()
	defer t.lk.Unlock()
	p, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	return p
}

func (t *tracker) expire(id uuid.UUID) {
	p := t.take(id)
	if p == nil {
		// A response won the race, nothing to do.
		return
	}

	t.logger.Debug("tracked request expired", "link", p.link, "correlation_id", id)
	t.msink.IncrCounterWithLabels(MetricTrackedTimeoutCount, 1.0, t.metricLabels)
	p.callback(nil, ErrRequestTimeout)
}

// fail resolves a pending entry early with the given error, if it is still
// pending. Used when a send on a known-dead link should not wait for the
// expiry timer.
func (t *tracker) fail(id uuid.UUID, err error) {
	p := t.take(id)
	if p == nil {
		return
	}
	p.timer.Stop()
	t.msink.IncrCounterWithLabels(MetricTrackedLinkGoneCount, 1.0, t.metricLabels)
	p.callback(nil, err)
}

// HandleMessage resolves the pending request matching the response's
// correlation id. Unmatched responses are late or duplicated and dropped
// silently; that is not an error.
func (t *tracker) HandleMessage(link Link, env *wire.Envelope) {
	if !env.Tracked() {
		t.logger.Debug("tracking envelope without correlation id, dropping", "link", link)
		return
	}

	p := t.take(env.CorrelationID)
	if p == nil {
		t.logger.Debug(
			"late or duplicate tracked response, dropping",
			"link", link,
			"correlation_id", env.CorrelationID,
		)
		t.msink.IncrCounterWithLabels(MetricTrackedLateCount, 1.0, t.metricLabels)
		return
	}

	p.timer.Stop()
	t.msink.IncrCounterWithLabels(MetricTrackedResolvedCount, 1.0, t.metricLabels)
	p.callback(env, nil)
}

// HandleLinkEvent resolves every pending request targeting a downed link
// with ErrLinkGone immediately; stale requests against a dead peer must not
// linger until their deadline.
func (t *tracker) HandleLinkEvent(link Link, event LinkEvent) {
	if event != LinkDown {
		return
	}

	t.lk.Lock()
	var gone []*pendingRequest
	for id, p := range t.pending {
		if p.link.Equal(link) {
			delete(t.pending, id)
			gone = append(gone, p)
		}
	}
	t.lk.Unlock()

	for _, p := range gone {
		p.timer.Stop()
		t.msink.IncrCounterWithLabels(MetricTrackedLinkGoneCount, 1.0, t.metricLabels)
		p.callback(nil, ErrLinkGone)
	}
}

// shutdown force-resolves everything still pending with ErrMeshClosed.
func (t *tracker) shutdown() {
	t.lk.Lock()
	remaining := make([]*pendingRequest, 0, len(t.pending))
	for id, p := range t.pending {
		delete(t.pending, id)
		remaining = append(remaining, p)
	}
	t.lk.Unlock()

	for _, p := range remaining {
		p.timer.Stop()
		p.callback(nil, ErrMeshClosed)
	}
}
