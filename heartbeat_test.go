package lattice

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"

	"github.com/lattice-mesh/lattice/pkg/wire"
)

type sendRecorder struct {
	lk   sync.Mutex
	sent []struct {
		link Link
		env  *wire.Envelope
	}
}

func (r *sendRecorder) Send(link Link, env *wire.Envelope) error {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.sent = append(r.sent, struct {
		link Link
		env  *wire.Envelope
	}{link, env})
	return nil
}

func (r *sendRecorder) count() int {
	r.lk.Lock()
	defer r.lk.Unlock()
	return len(r.sent)
}

func (r *sendRecorder) countKind(kind wire.Kind) int {
	r.lk.Lock()
	defer r.lk.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.env.Kind == kind {
			n++
		}
	}
	return n
}

func newTestHeartbeat(rec *sendRecorder, mock *clock.Mock) *heartbeat {
	return newHeartbeat(rec, time.Second, mock, slog.Default(), &metrics.BlackholeSink{}, nil)
}

func TestHeartbeat_PingsEveryLivePeer(t *testing.T) {
	mock := clock.NewMock()
	rec := &sendRecorder{}
	hb := newTestHeartbeat(rec, mock)

	peerA := testLink("peer-a")
	peerB := testLink("peer-b")
	hb.HandleLinkEvent(peerA, LinkUp)
	hb.HandleLinkEvent(peerB, LinkUp)

	mock.Add(time.Second)
	require.Eventually(t, func() bool {
		return rec.countKind(wire.KindPing) == 2
	}, time.Second, 10*time.Millisecond)

	// A downed peer stops being pinged, the timer keeps running for the rest.
	hb.HandleLinkEvent(peerB, LinkDown)
	mock.Add(time.Second)
	require.Eventually(t, func() bool {
		return rec.countKind(wire.KindPing) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestHeartbeat_PingAnsweredWithEchoedPong(t *testing.T) {
	mock := clock.NewMock()
	rec := &sendRecorder{}
	hb := newTestHeartbeat(rec, mock)
	peer := testLink("peer")

	hb.HandleMessage(peer, wire.NewPing(77777))

	require.Equal(t, 1, rec.countKind(wire.KindPong))
	ts, err := wire.Timestamp(rec.sent[0].env)
	require.NoError(t, err)
	require.Equal(t, uint64(77777), ts, "pong must echo the ping timestamp unchanged")
	require.True(t, rec.sent[0].link.Equal(peer))
}

func TestHeartbeat_PongMeasuresRoundTrip(t *testing.T) {
	mock := clock.NewMock()
	rec := &sendRecorder{}
	hb := newTestHeartbeat(rec, mock)

	sentAt := hb.now()
	mock.Add(250 * time.Millisecond)

	// No reply, no retained state; just must not blow up.
	hb.HandleMessage(testLink("peer"), wire.NewPong(sentAt))
	require.Zero(t, rec.count())
}

func TestHeartbeat_UnknownKindIsDropped(t *testing.T) {
	mock := clock.NewMock()
	rec := &sendRecorder{}
	hb := newTestHeartbeat(rec, mock)

	hb.HandleMessage(testLink("peer"), &wire.Envelope{
		Service: wire.ServiceCore,
		Kind:    wire.KindRequest,
	})
	require.Zero(t, rec.count())
}

func TestHeartbeat_ShutdownStopsPinging(t *testing.T) {
	mock := clock.NewMock()
	rec := &sendRecorder{}
	hb := newTestHeartbeat(rec, mock)

	hb.HandleLinkEvent(testLink("peer"), LinkUp)
	mock.Add(time.Second)
	require.Eventually(t, func() bool {
		return rec.countKind(wire.KindPing) == 1
	}, time.Second, 10*time.Millisecond)

	hb.shutdown()
	mock.Add(10 * time.Second)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, rec.countKind(wire.KindPing), "no ping rounds after shutdown")
}

type failingSender struct{}

func (failingSender) Send(Link, *wire.Envelope) error { return ErrLinkGone }

func TestHeartbeat_SendFailureIsNotEscalated(t *testing.T) {
	mock := clock.NewMock()
	hb := newHeartbeat(failingSender{}, time.Second, mock, slog.Default(), &metrics.BlackholeSink{}, nil)

	hb.HandleLinkEvent(testLink("peer"), LinkUp)
	mock.Add(3 * time.Second)
	// Fire-and-forget: dead transports are skipped, nothing panics and the
	// timer keeps rearming.
}
