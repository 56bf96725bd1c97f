package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfs-livemap/internal/gtfs"
	"gtfs-livemap/internal/store"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []any
	closed bool
}

func (f *fakeTransport) Send(_ context.Context, msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	var sizes []int
	r.OnSizeChange(func(n int) { sizes = append(sizes, n) })

	a := r.Register(&fakeTransport{})
	b := r.Register(&fakeTransport{})
	assert.Equal(t, 2, r.Len())
	assert.NotEqual(t, a.ID, b.ID)
	assert.Empty(t, r.Subscribed(), "no client is subscribed before its first viewport")

	bounds := gtfs.MapBounds{North: 1, South: 0, East: 1, West: 0}
	r.UpdateBounds(a, bounds)
	got, ok := a.Bounds()
	assert.True(t, ok)
	assert.Equal(t, bounds, got)
	assert.Equal(t, []*Client{a}, r.Subscribed())

	r.Unregister(a)
	assert.Equal(t, 1, r.Len())
	r.Unregister(a)
	assert.Equal(t, 1, r.Len(), "double unregister is a no-op")
	assert.Empty(t, r.Subscribed())

	assert.Equal(t, []int{1, 2, 1}, sizes)
}

func TestParseBounds(t *testing.T) {
	b, ok := parseBounds(json.RawMessage(`{"north":1,"south":-1,"east":2,"west":-2}`))
	require.True(t, ok)
	assert.Equal(t, gtfs.MapBounds{North: 1, South: -1, East: 2, West: -2}, b)

	for _, raw := range []string{``, `null`, `{"north":1,"south":-1,"east":2}`, `[1,2,3,4]`, `{"north":"x","south":-1,"east":2,"west":1}`} {
		_, ok := parseBounds(json.RawMessage(raw))
		assert.False(t, ok, raw)
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m map[string]any
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func newStreamServer(t *testing.T) (*httptest.Server, *Registry) {
	t.Helper()
	positions := store.NewPositions()
	positions.UpsertBatch([]gtfs.VehiclePosition{
		{TripID: "A", VehicleID: "1", Timestamp: 1700000000, Latitude: 53.35, Longitude: -6.26},
		{TripID: "B", VehicleID: "2", Timestamp: 1700000000, Latitude: 53.40, Longitude: -6.10},
	})
	reg := NewRegistry()
	srv := httptest.NewServer(NewHandler(reg, positions, time.Second))
	t.Cleanup(srv.Close)
	return srv, reg
}

func TestHandlerSubscribe(t *testing.T) {
	srv, reg := newStreamServer(t)
	conn := dial(t, srv)

	hello := readJSON(t, conn)
	assert.Equal(t, TypeConnected, hello["type"])
	assert.Equal(t, float64(2), hello["vehicle_count"])
	assert.Equal(t, 1, reg.Len())

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":   "subscribe_bounds",
		"bounds": map[string]float64{"north": 53.36, "south": 53.30, "east": -6.20, "west": -6.30},
	}))

	set := readJSON(t, conn)
	assert.Equal(t, TypeBoundsSet, set["type"])
	assert.Equal(t, float64(1), set["vehicle_count"])
	assert.Equal(t, 53.36, set["bounds"].(map[string]any)["north"])

	upd := readJSON(t, conn)
	assert.Equal(t, TypeVehicleUpdates, upd["type"])
	_, err := time.Parse(time.RFC3339Nano, upd["ts"].(string))
	assert.NoError(t, err)
	vehicles := upd["vehicles"].([]any)
	require.Len(t, vehicles, 1)
	v := vehicles[0].(map[string]any)
	assert.Equal(t, "A", v["trip_id"])
	assert.NotContains(t, v, "bearing")
	assert.NotContains(t, v, "speed")

	assert.Len(t, reg.Subscribed(), 1)
}

func TestHandlerEmptySubscribeSendsNoUpdates(t *testing.T) {
	srv, _ := newStreamServer(t)
	conn := dial(t, srv)
	readJSON(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":   "subscribe_bounds",
		"bounds": map[string]float64{"north": 1, "south": 0, "east": 1, "west": 0},
	}))
	set := readJSON(t, conn)
	assert.Equal(t, float64(0), set["vehicle_count"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, TypePong, readJSON(t, conn)["type"], "no snapshot precedes the pong")
}

func TestHandlerIgnoresMalformedMessages(t *testing.T) {
	srv, reg := newStreamServer(t)
	conn := dial(t, srv)
	readJSON(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":   "subscribe_bounds",
		"bounds": map[string]float64{"north": 53.36, "south": 53.30, "east": -6.20},
	}))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "unknown"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	assert.Equal(t, TypePong, readJSON(t, conn)["type"])
	assert.Empty(t, reg.Subscribed())
	assert.Equal(t, 1, reg.Len())
}

func TestHandlerUnregistersOnDisconnect(t *testing.T) {
	srv, reg := newStreamServer(t)
	conn := dial(t, srv)
	readJSON(t, conn)
	require.Equal(t, 1, reg.Len())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClosingTransportEndsConnection(t *testing.T) {
	srv, reg := newStreamServer(t)
	conn := dial(t, srv)
	readJSON(t, conn)

	for _, c := range allClients(reg) {
		reg.Unregister(c)
		require.NoError(t, c.Close())
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func allClients(r *Registry) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		out = append(out, c)
	}
	return out
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry()
	a, b := &fakeTransport{}, &fakeTransport{}
	r.Register(a)
	r.Register(b)

	r.CloseAll()
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Equal(t, 2, r.Len(), "membership is left to each connection's read loop")
}

func TestSocketSendHonoursContextWhileQueued(t *testing.T) {
	// the connection is never touched: the send gives up while waiting for the lock
	s := newSocket(nil, time.Second)
	s.writeLock <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Send(ctx, PongMessage{Type: TypePong})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
