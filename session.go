package lattice

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-mesh/lattice/pkg/wire"
)

const (
	sessionWriteTimeout     = 3 * time.Second
	sessionWriteQueueDepth  = 512
	defaultHandshakeTimeout = 10 * time.Second
)

// session owns one TCP connection: a writer goroutine draining a queue and a
// read loop decoding frames into the dispatcher. The session, not the Link,
// owns the conn's lifetime; Links only hold a weak handle resolved on use.
type session struct {
	mesh *Mesh
	conn net.Conn

	// set once the peer hello has been received.
	link        Link
	established bool

	writeCh chan *wire.Envelope
	doneCh  chan struct{}
	closed  atomic.Bool
	once    sync.Once
}

func newSession(m *Mesh, conn net.Conn) *session {
	return &session{
		mesh:    m,
		conn:    conn,
		writeCh: make(chan *wire.Envelope, sessionWriteQueueDepth),
		doneCh:  make(chan struct{}),
	}
}

func (s *session) isClosed() bool {
	return s.closed.Load()
}

// write queues an envelope for transmission. It never waits for the wire;
// completion or failure of the actual transmission is the writer's concern.
func (s *session) write(env *wire.Envelope) error {
	if s.isClosed() {
		return ErrLinkGone
	}
	select {
	case s.writeCh <- env:
		return nil
	case <-s.doneCh:
		return ErrLinkGone
	}
}

// run drives the whole session lifetime: hello exchange, then the read loop.
// It is the only place the DOWN event can originate, which keeps DOWN
// ordered after the last dispatched message.
func (s *session) run() {
	defer s.teardown()

	go s.writer()

	if err := s.handshake(); err != nil {
		s.mesh.logger.Warn(
			"link handshake failed",
			LabelPeerAddr.L(s.conn.RemoteAddr().String()),
			LabelError.L(err),
		)
		s.mesh.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			append(s.mesh.metricLabels, LabelError.M("handshake")),
		)
		return
	}

	s.mesh.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, s.mesh.metricLabels)
	s.mesh.logger.Info("peer link established", "link", s.link)

	for {
		env, err := wire.ReadFrame(s.conn)
		if err != nil {
			if !s.isClosed() && !errors.Is(err, io.EOF) {
				s.mesh.logger.Debug("link read failed", "link", s.link, LabelError.L(err))
			}
			return
		}

		s.mesh.msink.IncrCounterWithLabels(MetricEnvelopeInCount, 1.0, s.mesh.metricLabels)
		s.mesh.dispatcher.dispatchMessage(s.link, env)
	}
}

// handshake sends our hello and waits for the peer's. The first envelope on a
// link must be a hello; anything else is a protocol violation. Only once the
// hello lands is the session promoted to a Link and the UP event dispatched,
// so UP always precedes any message dispatched on the link's behalf.
func (s *session) handshake() error {
	hello, err := wire.NewHello(s.mesh.cfg.nodeName, s.mesh.dispatcher.advertisement())
	if err != nil {
		return err
	}
	if err := s.write(hello); err != nil {
		return err
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(s.mesh.cfg.handshakeTimeout)); err != nil {
		return err
	}
	env, err := wire.ReadFrame(s.conn)
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return ErrHandshakeTimeout
		}
		return err
	}
	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	if env.Service != wire.ServiceCore || env.Kind != wire.KindHello {
		return fmt.Errorf("%w: first envelope was %s/%s",
			ErrProtocolViolation, env.Service, env.Kind)
	}

	var peer wire.Hello
	if err := wire.Unmarshal(env.Payload, &peer); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}

	s.link = Link{
		ID:          uuid.New(),
		Description: peer.Node,
		sess:        s,
	}

	if err := s.mesh.adoptSession(s); err != nil {
		return err
	}

	for _, offer := range peer.Services {
		s.mesh.registry.advertise(s.link, offer.Service, offer.Mode)
	}
	s.established = true
	s.mesh.dispatcher.dispatchEvent(s.link, LinkUp)
	return nil
}

func (s *session) writer() {
	for {
		select {
		case env := <-s.writeCh:
			if err := s.conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout)); err != nil {
				s.close()
				return
			}
			if err := wire.WriteFrame(s.conn, env); err != nil {
				if !s.isClosed() {
					s.mesh.logger.Debug("link write failed", "link", s.link, LabelError.L(err))
				}
				// Closing the conn breaks the read loop, which owns teardown.
				s.close()
				return
			}
			s.mesh.msink.IncrCounterWithLabels(MetricEnvelopeOutCount, 1.0, s.mesh.metricLabels)
		case <-s.doneCh:
			return
		}
	}
}

// close marks the session dead and breaks both loops. Safe to call multiple
// times and from any goroutine.
func (s *session) close() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.doneCh)
		s.conn.Close()
	})
}

// teardown runs exactly once, from the session goroutine, after the read
// loop has dispatched its last message. The registry entries are removed
// before the DOWN broadcast so no handler can observe the link as a
// broadcast target after its DOWN.
func (s *session) teardown() {
	s.close()

	if s.established {
		s.mesh.registry.withdraw(s.link)
		s.mesh.dispatcher.dispatchEvent(s.link, LinkDown)
		s.mesh.logger.Info("peer link down", "link", s.link)
	}
	s.mesh.dropSession(s)
}
