package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"gtfs-livemap/internal/feed"
	"gtfs-livemap/internal/gtfs"
	mmetrics "gtfs-livemap/internal/metrics"
	"gtfs-livemap/internal/store"
	"gtfs-livemap/internal/stream"
)

type result struct {
	batch []gtfs.VehiclePosition
	err   error
	panic bool
}

// scriptSource replays results in order and then keeps returning the last one.
type scriptSource struct {
	mu      sync.Mutex
	results []result
	calls   int
	opened  int
	closed  int
	// set while a Fetch is in progress
	inFetch atomic.Bool
	block   chan struct{}
}

func (s *scriptSource) Open() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
}

func (s *scriptSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFetch.Load() {
		panic("source closed during fetch")
	}
	s.closed++
}

func (s *scriptSource) Fetch(ctx context.Context) ([]gtfs.VehiclePosition, error) {
	s.inFetch.Store(true)
	defer s.inFetch.Store(false)

	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	r := s.results[i]
	s.mu.Unlock()

	if r.panic {
		panic("boom")
	}
	return r.batch, r.err
}

func (s *scriptSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingTransport struct {
	mu     sync.Mutex
	sent   []any
	closed bool
	err    error
	hang   bool
}

func (r *recordingTransport) Send(ctx context.Context, msg any) error {
	if r.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingTransport) updates() []stream.VehicleUpdatesMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []stream.VehicleUpdatesMessage
	for _, m := range r.sent {
		if u, ok := m.(stream.VehicleUpdatesMessage); ok {
			out = append(out, u)
		}
	}
	return out
}

type recordingMirror struct {
	mu      sync.Mutex
	batches [][]gtfs.VehiclePosition
}

func (m *recordingMirror) PublishBatch(batch []gtfs.VehiclePosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, batch)
	return errors.New("mirror down")
}

func pos(trip string, lat, lon float64) gtfs.VehiclePosition {
	return gtfs.VehiclePosition{TripID: trip, RouteID: "R" + trip, VehicleID: "V" + trip, Timestamp: 1700000000, Latitude: lat, Longitude: lon}
}

var dublin = gtfs.MapBounds{North: 53.40, South: 53.30, East: -6.20, West: -6.30}

func newTestPoller(src Source, opts Options) (*Poller, *store.Positions, *stream.Registry) {
	positions := store.NewPositions()
	clients := stream.NewRegistry()
	p := New(src, positions, clients, opts)
	p.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return p, positions, clients
}

func TestPollStoresBatchAndCounts(t *testing.T) {
	src := &scriptSource{results: []result{{batch: []gtfs.VehiclePosition{pos("A", 53.35, -6.26), pos("B", 51.90, -8.47)}}}}
	p, positions, _ := newTestPoller(src, Options{})

	p.pollOnce(context.Background())

	st := p.Status()
	assert.Equal(t, int64(1), st.PollCount)
	assert.Equal(t, 2, st.VehicleCount)
	require.NotNil(t, st.LastPoll)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), *st.LastPoll)
	assert.Equal(t, 2, positions.Len())
}

func TestFailedOrEmptyPollLeavesStateUntouched(t *testing.T) {
	src := &scriptSource{results: []result{
		{batch: []gtfs.VehiclePosition{pos("A", 53.35, -6.26)}},
		{err: feed.ErrRateLimited},
		{err: fmt.Errorf("%w: 502 Bad Gateway", feed.ErrUpstreamStatus)},
		{err: fmt.Errorf("%w: garbage", feed.ErrDecode)},
		{batch: nil},
	}}
	mcol := mmetrics.NewCollector(time.Second)
	p, positions, _ := newTestPoller(src, Options{Metrics: mcol})

	for i := 0; i < 5; i++ {
		p.pollOnce(context.Background())
	}

	st := p.Status()
	assert.Equal(t, int64(1), st.PollCount)
	assert.Equal(t, 1, st.VehicleCount)
	_, ok := positions.Get("A")
	assert.True(t, ok)

	assert.Equal(t, 1.0, testutil.ToFloat64(mcol.FetchErrors.WithLabelValues("rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mcol.FetchErrors.WithLabelValues("upstream")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mcol.FetchErrors.WithLabelValues("decode")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mcol.Polls))
}

func TestBroadcastFiltersByViewport(t *testing.T) {
	src := &scriptSource{results: []result{{batch: []gtfs.VehiclePosition{pos("A", 53.35, -6.26), pos("B", 51.90, -8.47)}}}}
	mirror := &recordingMirror{}
	p, _, clients := newTestPoller(src, Options{Mirror: mirror})

	inView := &recordingTransport{}
	outOfView := &recordingTransport{}
	unsubscribed := &recordingTransport{}
	c1 := clients.Register(inView)
	c2 := clients.Register(outOfView)
	clients.Register(unsubscribed)
	clients.UpdateBounds(c1, dublin)
	clients.UpdateBounds(c2, gtfs.MapBounds{North: 10, South: 0, East: 10, West: 0})

	p.pollOnce(context.Background())

	got := inView.updates()
	require.Len(t, got, 1)
	assert.Equal(t, stream.TypeVehicleUpdates, got[0].Type)
	assert.Equal(t, "2024-05-01T12:00:00Z", got[0].TS)
	require.Len(t, got[0].Vehicles, 1)
	assert.Equal(t, "A", got[0].Vehicles[0].TripID)

	assert.Empty(t, outOfView.updates(), "an empty filtered set is not sent")
	assert.Empty(t, unsubscribed.updates())
	assert.Equal(t, 3, clients.Len())

	require.Len(t, mirror.batches, 1, "mirror errors do not stop the cycle")
	assert.Len(t, mirror.batches[0], 2)
}

func TestBroadcastRemovesFailedClients(t *testing.T) {
	src := &scriptSource{results: []result{{batch: []gtfs.VehiclePosition{pos("A", 53.35, -6.26)}}}}
	p, _, clients := newTestPoller(src, Options{SendTimeout: 50 * time.Millisecond})

	healthy := &recordingTransport{}
	broken := &recordingTransport{err: errors.New("connection reset")}
	stuck := &recordingTransport{hang: true}
	for _, tr := range []*recordingTransport{healthy, broken, stuck} {
		clients.UpdateBounds(clients.Register(tr), dublin)
	}

	start := time.Now()
	p.pollOnce(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second, "a stuck client only costs one send timeout")

	assert.Len(t, healthy.updates(), 1)
	assert.Equal(t, 1, clients.Len())
	assert.True(t, broken.closed)
	assert.True(t, stuck.closed)
	assert.False(t, healthy.closed)

	p.pollOnce(context.Background())
	assert.Len(t, healthy.updates(), 2)
}

func TestStartStopLifecycle(t *testing.T) {
	src := &scriptSource{results: []result{{batch: []gtfs.VehiclePosition{pos("A", 53.35, -6.26)}}}}
	p, _, _ := newTestPoller(src, Options{Interval: 10 * time.Millisecond})

	p.Start(context.Background())
	p.Start(context.Background())
	assert.True(t, p.Status().Running)

	require.Eventually(t, func() bool { return p.Status().PollCount >= 2 }, 2*time.Second, 5*time.Millisecond)

	p.Stop()
	assert.False(t, p.Status().Running)
	assert.Equal(t, 1, src.opened, "a second Start is a no-op")
	assert.Equal(t, 1, src.closed)

	count := p.Status().PollCount
	p.Stop()
	assert.Equal(t, 1, src.closed, "Stop when stopped is a no-op")

	p.Start(context.Background())
	require.Eventually(t, func() bool { return p.Status().PollCount > count }, 2*time.Second, 5*time.Millisecond)
	p.Stop()
	assert.Equal(t, 2, src.opened)
	assert.Equal(t, 2, src.closed)
}

func TestStopWaitsForInFlightFetch(t *testing.T) {
	src := &scriptSource{
		results: []result{{batch: []gtfs.VehiclePosition{pos("A", 53.35, -6.26)}}},
		block:   make(chan struct{}),
	}
	p, _, _ := newTestPoller(src, Options{Interval: time.Hour})

	p.Start(context.Background())
	require.Eventually(t, src.inFetch.Load, time.Second, time.Millisecond)

	// Close panics if it runs while Fetch is still in progress.
	assert.NotPanics(t, p.Stop)
	assert.Equal(t, 1, src.closed)
	assert.Equal(t, int64(0), p.Status().PollCount)
}

func TestPanicInCycleDoesNotStopLoop(t *testing.T) {
	src := &scriptSource{results: []result{
		{panic: true},
		{batch: []gtfs.VehiclePosition{pos("A", 53.35, -6.26)}},
	}}
	p, _, _ := newTestPoller(src, Options{Interval: 5 * time.Millisecond})

	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool { return p.Status().PollCount >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, src.Calls(), 2)
}

func TestStatusReportsClients(t *testing.T) {
	src := &scriptSource{results: []result{{}}}
	mcol := mmetrics.NewCollector(time.Second)
	p, _, clients := newTestPoller(src, Options{Metrics: mcol})

	st := p.Status()
	assert.False(t, st.Running)
	assert.Nil(t, st.LastPoll)
	assert.Zero(t, st.PollCount)

	c := clients.Register(&recordingTransport{})
	clients.Register(&recordingTransport{})
	assert.Equal(t, 2, p.Status().ClientCount)
	assert.Equal(t, 2.0, testutil.ToFloat64(mcol.StreamClients))

	clients.Unregister(c)
	assert.Equal(t, 1, p.Status().ClientCount)
	assert.Equal(t, 1.0, testutil.ToFloat64(mcol.StreamClients))
}

func TestParentCancelDoesNotStopLoop(t *testing.T) {
	src := &scriptSource{results: []result{{batch: []gtfs.VehiclePosition{pos("A", 53.35, -6.26)}}}}
	p, _, _ := newTestPoller(src, Options{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	defer p.Stop()
	cancel()

	count := p.Status().PollCount
	require.Eventually(t, func() bool { return p.Status().PollCount > count+2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, p.Status().Running)
}

// jsonTransport encodes like a websocket does, so unencodable values fail the send.
type jsonTransport struct {
	recordingTransport
}

func (j *jsonTransport) Send(ctx context.Context, msg any) error {
	if _, err := json.Marshal(msg); err != nil {
		return err
	}
	return j.recordingTransport.Send(ctx, msg)
}

func TestNonFiniteFeedValuesKeepClientsConnected(t *testing.T) {
	nan := float32(math.NaN())
	msg := &gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
		Entity: []*gtfsrt.FeedEntity{
			{
				Id: proto.String("1"),
				Vehicle: &gtfsrt.VehiclePosition{
					Trip:     &gtfsrt.TripDescriptor{TripId: proto.String("A")},
					Vehicle:  &gtfsrt.VehicleDescriptor{Id: proto.String("V1")},
					Position: &gtfsrt.Position{Latitude: proto.Float32(53.35), Longitude: proto.Float32(-6.26), Bearing: proto.Float32(nan)},
				},
			},
			{
				Id: proto.String("2"),
				Vehicle: &gtfsrt.VehiclePosition{
					Trip:     &gtfsrt.TripDescriptor{TripId: proto.String("B")},
					Vehicle:  &gtfsrt.VehicleDescriptor{Id: proto.String("V2")},
					Position: &gtfsrt.Position{Latitude: proto.Float32(nan), Longitude: proto.Float32(-6.26)},
				},
			},
		},
	}
	data, err := proto.Marshal(msg)
	require.NoError(t, err)
	batch, err := feed.Decode(data, time.Unix(1700000000, 0))
	require.NoError(t, err)

	src := &scriptSource{results: []result{{batch: batch}}}
	p, _, clients := newTestPoller(src, Options{})
	tr := &jsonTransport{}
	clients.UpdateBounds(clients.Register(tr), dublin)

	p.pollOnce(context.Background())

	assert.Equal(t, 1, clients.Len())
	assert.False(t, tr.closed)
	got := tr.updates()
	require.Len(t, got, 1)
	require.Len(t, got[0].Vehicles, 1)
	assert.Equal(t, "A", got[0].Vehicles[0].TripID)
	assert.Nil(t, got[0].Vehicles[0].Bearing)
}
