package lattice

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"

	"github.com/lattice-mesh/lattice/pkg/wire"
)

type trackingResult struct {
	env *wire.Envelope
	err error
}

type callbackRecorder struct {
	lk      sync.Mutex
	results []trackingResult
}

func (r *callbackRecorder) callback(env *wire.Envelope, err error) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.results = append(r.results, trackingResult{env: env, err: err})
}

func (r *callbackRecorder) count() int {
	r.lk.Lock()
	defer r.lk.Unlock()
	return len(r.results)
}

func (r *callbackRecorder) last() trackingResult {
	r.lk.Lock()
	defer r.lk.Unlock()
	return r.results[len(r.results)-1]
}

func newTestTracker(clk clock.Clock) *tracker {
	return newTracker(clk, slog.Default(), &metrics.BlackholeSink{}, nil)
}

func TestTracker_ResponseResolvesPending(t *testing.T) {
	mock := clock.NewMock()
	tr := newTestTracker(mock)
	rec := &callbackRecorder{}
	link := testLink("peer")
	id := uuid.New()

	require.NoError(t, tr.track(link, id, rec.callback, 5*time.Second))

	tr.HandleMessage(link, &wire.Envelope{
		Service:       wire.ServiceTracking,
		Kind:          wire.KindReply,
		CorrelationID: id,
		Payload:       []byte("result"),
	})

	require.Equal(t, 1, rec.count())
	require.NoError(t, rec.last().err)
	require.Equal(t, []byte("result"), rec.last().env.Payload)

	// A fired-late expiry must observe not-found and do nothing.
	mock.Add(time.Minute)
	require.Equal(t, 1, rec.count(), "callback must fire exactly once")
}

func TestTracker_TimeoutResolvesPending(t *testing.T) {
	mock := clock.NewMock()
	tr := newTestTracker(mock)
	rec := &callbackRecorder{}
	link := testLink("peer")
	id := uuid.New()

	require.NoError(t, tr.track(link, id, rec.callback, 5*time.Second))

	mock.Add(4 * time.Second)
	require.Zero(t, rec.count(), "deadline has not elapsed yet")

	mock.Add(time.Second)
	require.Eventually(t, func() bool {
		return rec.count() == 1
	}, time.Second, 10*time.Millisecond)
	require.ErrorIs(t, rec.last().err, ErrRequestTimeout)

	// A late response bearing the expired id is dropped with no effect.
	tr.HandleMessage(link, &wire.Envelope{
		Service:       wire.ServiceTracking,
		CorrelationID: id,
	})
	require.Equal(t, 1, rec.count())
}

func TestTracker_DuplicateCorrelationRejected(t *testing.T) {
	tr := newTestTracker(clock.NewMock())
	rec := &callbackRecorder{}
	link := testLink("peer")
	id := uuid.New()

	require.NoError(t, tr.track(link, id, rec.callback, 30*time.Second))
	require.ErrorIs(t, tr.track(link, id, rec.callback, 30*time.Second), ErrDuplicateCorrelation)
	require.ErrorIs(t, tr.track(link, uuid.Nil, rec.callback, 30*time.Second), ErrNilCorrelation)
	require.Zero(t, rec.count())
}

func TestTracker_LinkDownResolvesEarly(t *testing.T) {
	mock := clock.NewMock()
	tr := newTestTracker(mock)
	rec := &callbackRecorder{}
	otherRec := &callbackRecorder{}
	doomed := testLink("doomed")
	healthy := testLink("healthy")

	require.NoError(t, tr.track(doomed, uuid.New(), rec.callback, 30*time.Second))
	require.NoError(t, tr.track(doomed, uuid.New(), rec.callback, 30*time.Second))
	require.NoError(t, tr.track(healthy, uuid.New(), otherRec.callback, 30*time.Second))

	tr.HandleLinkEvent(doomed, LinkDown)

	require.Equal(t, 2, rec.count(), "all requests against the dead peer resolve well before the deadline")
	require.ErrorIs(t, rec.last().err, ErrLinkGone)
	require.Zero(t, otherRec.count(), "requests against other peers are untouched")
}

func TestTracker_UpEventIsIgnored(t *testing.T) {
	tr := newTestTracker(clock.NewMock())
	rec := &callbackRecorder{}
	link := testLink("peer")

	require.NoError(t, tr.track(link, uuid.New(), rec.callback, 30*time.Second))
	tr.HandleLinkEvent(link, LinkUp)
	require.Zero(t, rec.count())
}

func TestTracker_UnmatchedResponseDroppedSilently(t *testing.T) {
	tr := newTestTracker(clock.NewMock())

	// Must not panic, must not affect anything.
	tr.HandleMessage(testLink("peer"), &wire.Envelope{
		Service:       wire.ServiceTracking,
		CorrelationID: uuid.New(),
	})
	tr.HandleMessage(testLink("peer"), &wire.Envelope{
		Service: wire.ServiceTracking,
	})
}

func TestTracker_ShutdownResolvesEverything(t *testing.T) {
	tr := newTestTracker(clock.NewMock())
	rec := &callbackRecorder{}

	require.NoError(t, tr.track(testLink("a"), uuid.New(), rec.callback, 30*time.Second))
	require.NoError(t, tr.track(testLink("b"), uuid.New(), rec.callback, 30*time.Second))

	tr.shutdown()

	require.Equal(t, 2, rec.count())
	require.ErrorIs(t, rec.last().err, ErrMeshClosed)

	tr.shutdown()
	require.Equal(t, 2, rec.count(), "shutdown is idempotent")
}

func TestTracker_ResponseRaceFiresOnce(t *testing.T) {
	mock := clock.NewMock()
	tr := newTestTracker(mock)
	rec := &callbackRecorder{}
	link := testLink("peer")
	id := uuid.New()

	require.NoError(t, tr.track(link, id, rec.callback, time.Second))

	// Fire the expiry and deliver the response back to back; whichever
	// removes the entry first wins and the loser is a no-op.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		mock.Add(time.Second)
	}()
	go func() {
		defer wg.Done()
		tr.HandleMessage(link, &wire.Envelope{
			Service:       wire.ServiceTracking,
			CorrelationID: id,
		})
	}()
	wg.Wait()

	require.Eventually(t, func() bool {
		return rec.count() >= 1
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, rec.count(), "exactly one of response and timeout may fire")
}
