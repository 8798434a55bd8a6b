package lattice

import (
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"

	"github.com/lattice-mesh/lattice/pkg/wire"
)

// Handler owns one service type: it receives every envelope routed to that
// service and every link state transition on the mesh.
//
// Both methods are invoked from the goroutine of the link they concern;
// implementations that share state across links must synchronise it and must
// not block for long, they sit on the read path.
type Handler interface {
	HandleMessage(link Link, env *wire.Envelope)
	HandleLinkEvent(link Link, event LinkEvent)
}

type registration struct {
	handler Handler
	mode    wire.Mode
}

// dispatcher is the single source of truth for which handler owns which
// service type. Messages go to exactly one handler; link events are
// broadcast to all of them.
type dispatcher struct {
	lk       sync.RWMutex
	handlers map[wire.ServiceType]registration

	logger       *slog.Logger
	msink        metrics.MetricSink
	metricLabels []metrics.Label
}

func newDispatcher(logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label) *dispatcher {
	return &dispatcher{
		handlers:     make(map[wire.ServiceType]registration),
		logger:       logger,
		msink:        msink,
		metricLabels: labels,
	}
}

func (d *dispatcher) register(service wire.ServiceType, handler Handler, mode wire.Mode) error {
	d.lk.Lock()
	defer d.lk.Unlock()
	if _, has := d.handlers[service]; has {
		return ErrServiceRegistered
	}
	d.handlers[service] = registration{handler: handler, mode: mode}
	return nil
}

// dispatchMessage routes an inbound envelope to the handler owning its
// service tag. Unknown service types are logged and dropped, never fatal.
func (d *dispatcher) dispatchMessage(link Link, env *wire.Envelope) {
	d.lk.RLock()
	reg, ok := d.handlers[env.Service]
	d.lk.RUnlock()

	if !ok {
		d.logger.Debug(
			"peer sent an envelope for an unknown service, dropping",
			"link", link,
			LabelService.L(env.Service.String()),
			LabelKind.L(env.Kind.String()),
		)
		d.msink.IncrCounterWithLabels(
			MetricEnvelopeUnroutableCount,
			1.0,
			append(d.metricLabels, LabelService.M(env.Service.String())),
		)
		return
	}

	reg.handler.HandleMessage(link, env)
}

// dispatchEvent broadcasts a link transition to every registered handler:
// registry bookkeeping, heartbeat peer tracking and tracking-service cleanup
// all react independently to a peer disappearing.
func (d *dispatcher) dispatchEvent(link Link, event LinkEvent) {
	d.lk.RLock()
	handlers := make([]Handler, 0, len(d.handlers))
	for _, reg := range d.handlers {
		handlers = append(handlers, reg.handler)
	}
	d.lk.RUnlock()

	for _, h := range handlers {
		h.HandleLinkEvent(link, event)
	}
}

// advertisement lists the (service, mode) pairs this process announces in
// its hello handshake.
func (d *dispatcher) advertisement() []wire.ServiceOffer {
	d.lk.RLock()
	defer d.lk.RUnlock()

	offers := make([]wire.ServiceOffer, 0, len(d.handlers))
	for service, reg := range d.handlers {
		offers = append(offers, wire.ServiceOffer{Service: service, Mode: reg.mode})
	}
	return offers
}
