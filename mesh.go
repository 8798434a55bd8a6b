package lattice

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"

	"github.com/lattice-mesh/lattice/pkg/wire"
)

const defaultDialTimeout = 10 * time.Second

// Mesh is one process's connection to the service mesh: it owns the service
// registry, the dispatcher, the tracking and heartbeat services and every
// live session, and exposes connect/send/broadcast/send-tracked/shutdown to
// the rest of the process.
type Mesh struct {
	cfg          config
	logger       *slog.Logger
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	clk          clock.Clock

	local      Link
	registry   *registry
	dispatcher *dispatcher
	tracker    *tracker
	heartbeat  *heartbeat

	ln net.Listener

	lk       sync.Mutex
	sessions map[*session]struct{}
	shutdown bool

	wg sync.WaitGroup
}

// Create builds a mesh node, registers the built-in heartbeat and tracking
// handlers and, when `WithListenOn` was given, starts accepting inbound
// links.
func Create(opts ...Option) (*Mesh, error) {
	m := &Mesh{
		sessions: make(map[*session]struct{}),
	}

	m.cfg = config{
		heartbeatInterval: defaultHeartbeatInterval,
		dialTimeout:       defaultDialTimeout,
		handshakeTimeout:  defaultHandshakeTimeout,
		trackingMode:      wire.ModeClient,
		clk:               clock.New(),
	}
	if hostname, err := os.Hostname(); err == nil {
		m.cfg.nodeName = hostname
	}

	for _, opt := range opts {
		if err := opt(&m.cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if m.cfg.logHandler != nil {
		m.logger = slog.New(m.cfg.logHandler)
	} else {
		m.logger = slog.Default()
	}

	if m.cfg.msink == nil {
		m.msink = metrics.Default()
	} else {
		m.msink = m.cfg.msink
	}
	m.metricLabels = m.cfg.metricLabels
	m.clk = m.cfg.clk

	m.local = Link{ID: uuid.New(), Description: m.cfg.nodeName}
	m.registry = newRegistry()
	m.dispatcher = newDispatcher(m.logger, m.msink, m.metricLabels)
	m.tracker = newTracker(m.clk, m.logger, m.msink, m.metricLabels)
	m.heartbeat = newHeartbeat(m, m.cfg.heartbeatInterval, m.clk, m.logger, m.msink, m.metricLabels)

	// Built-in handlers own the reserved service types.
	if err := m.dispatcher.register(wire.ServiceCore, m.heartbeat, wire.ModeBoth); err != nil {
		return nil, err
	}
	if err := m.dispatcher.register(wire.ServiceTracking, m.tracker, m.cfg.trackingMode); err != nil {
		return nil, err
	}

	if m.cfg.bindAddr != "" {
		addr := net.JoinHostPort(m.cfg.bindAddr, strconv.Itoa(m.cfg.bindPort))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			m.heartbeat.shutdown()
			return nil, fmt.Errorf("mesh: failed to bind %s: %w", addr, err)
		}
		m.ln = ln
		m.wg.Add(1)
		go m.acceptLoop()
		m.logger.Info("mesh listening", LabelPeerAddr.L(ln.Addr().String()))
	}

	return m, nil
}

// LocalLink returns this process's own link identity. Its transport handle
// never resolves; it exists to be advertised to peers.
func (m *Mesh) LocalLink() Link {
	return m.local
}

// Addr returns the bound listener address, or nil when the mesh does not
// accept inbound links.
func (m *Mesh) Addr() net.Addr {
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// RegisterHandler binds an application handler to a service type. The mode
// states in which role this process offers the service and is announced in
// every subsequent hello handshake.
func (m *Mesh) RegisterHandler(service wire.ServiceType, handler Handler, mode wire.Mode) error {
	if service < wire.ServiceUserBase {
		return ErrServiceReserved
	}
	return m.dispatcher.register(service, handler, mode)
}

// PeersOf snapshots the links currently advertising the service under the
// given role filter.
func (m *Mesh) PeersOf(service wire.ServiceType, filter wire.Mode) []Link {
	return m.registry.peersOf(service, filter)
}

// Connect schedules the establishment of an outbound link without blocking
// the caller. On success the new link surfaces as an UP event through the
// registered handlers; on failure nothing is registered and the error is
// only logged.
func (m *Mesh) Connect(host string, port int) error {
	if m.isClosed() {
		return ErrMeshClosed
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		conn, err := net.DialTimeout("tcp", addr, m.cfg.dialTimeout)
		if err != nil {
			m.logger.Warn(
				"unable to establish connection",
				LabelPeerAddr.L(addr),
				LabelError.L(err),
			)
			m.msink.IncrCounterWithLabels(
				MetricConnErrorCount,
				1.0,
				append(m.metricLabels, LabelError.M("dial")),
			)
			return
		}

		m.logger.Debug("established connection", LabelPeerAddr.L(addr))
		if err := m.Accept(conn); err != nil {
			m.logger.Debug("connection discarded", LabelPeerAddr.L(addr), LabelError.L(err))
		}
	}()
	return nil
}

// Accept promotes an established conn (inbound or outbound) into a session.
// The symmetric twin of Connect for callers that own their own acceptor.
func (m *Mesh) Accept(conn net.Conn) error {
	m.lk.Lock()
	if m.shutdown {
		m.lk.Unlock()
		conn.Close()
		return ErrMeshClosed
	}
	s := newSession(m, conn)
	m.sessions[s] = struct{}{}
	m.wg.Add(1)
	m.lk.Unlock()

	go func() {
		defer m.wg.Done()
		s.run()
	}()
	return nil
}

// adoptSession is the handshake's shutdown barrier: a session completing its
// hello after Shutdown started must not fire an UP event.
func (m *Mesh) adoptSession(s *session) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.shutdown {
		return ErrMeshClosed
	}
	return nil
}

func (m *Mesh) dropSession(s *session) {
	m.lk.Lock()
	delete(m.sessions, s)
	m.lk.Unlock()
}

// Send resolves the link's transport and queues the envelope on it. Returns
// ErrLinkGone once the transport has been torn down; it never blocks waiting
// for the write to complete on the wire.
func (m *Mesh) Send(link Link, env *wire.Envelope) error {
	sess, ok := link.resolve()
	if !ok {
		return ErrLinkGone
	}
	return sess.write(env)
}

// SendTracked registers the correlation id with the tracking service, stamps
// it on the envelope and sends it. The callback fires exactly once: with the
// matching response, on deadline expiry, on link loss or on shutdown. A send
// on an already-dead link resolves the callback with ErrLinkGone immediately
// instead of waiting out the timer.
func (m *Mesh) SendTracked(
	link Link,
	id uuid.UUID,
	env *wire.Envelope,
	callback TrackingCallback,
	timeout time.Duration,
) error {
	if m.isClosed() {
		return ErrMeshClosed
	}

	if err := m.tracker.track(link, id, callback, timeout); err != nil {
		return err
	}

	env.CorrelationID = id
	if err := m.Send(link, env); err != nil {
		m.tracker.fail(id, ErrLinkGone)
		return err
	}
	return nil
}

// Broadcast snapshots the links advertising the service under the role
// filter and queues the envelope on each of them. Entries whose transport is
// already gone are silently skipped: registry removal and transport teardown
// are not one atomic step, so this race is expected.
func (m *Mesh) Broadcast(service wire.ServiceType, filter wire.Mode, env *wire.Envelope) error {
	if m.isClosed() {
		return ErrMeshClosed
	}

	for _, link := range m.registry.peersOf(service, filter) {
		sess, ok := link.resolve()
		if !ok {
			continue
		}
		if err := sess.write(env); err != nil {
			m.logger.Debug("broadcast target skipped", "link", link, LabelError.L(err))
		}
	}
	return nil
}

func (m *Mesh) isClosed() bool {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.shutdown
}

// Shutdown stops the heartbeat, force-resolves every pending tracked
// request, tears every session down and rejects any further Connect, Accept
// or SendTracked. It is idempotent.
func (m *Mesh) Shutdown() error {
	m.lk.Lock()
	if m.shutdown {
		m.lk.Unlock()
		return nil
	}
	m.shutdown = true
	sessions := make([]*session, 0, len(m.sessions))
	for s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.lk.Unlock()

	start := time.Now()
	m.logger.Info("mesh shutting down...")

	if m.ln != nil {
		m.ln.Close()
	}

	m.heartbeat.shutdown()
	m.tracker.shutdown()

	for _, s := range sessions {
		s.close()
	}

	m.wg.Wait()
	m.logger.Info("mesh shutdown completed", LabelDuration.L(time.Since(start)))
	return nil
}

func (m *Mesh) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			if !m.isClosed() {
				m.logger.Warn("unexpected listener closure", LabelError.L(err))
			}
			return
		}
		if err := m.Accept(conn); err != nil {
			m.logger.Debug("inbound connection rejected", LabelError.L(err))
		}
	}
}
