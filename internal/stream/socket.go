package stream

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gtfs-livemap/internal/gtfs"
)

const (
	// Default time allowed to write a message to the client.
	DefaultSendTimeout = 5 * time.Second

	// Time allowed to read the next message or pong from the client.
	pongWait = 60 * time.Second

	// Send pings to client with this period. Must be less than pongWait.
	pingPeriod = 25 * time.Second

	// Maximum message size allowed from client.
	maxMessageSize = 4096

	connectedText = "Send subscribe_bounds to start receiving updates"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Snapshot is the read side of the position store used on subscribe.
type Snapshot interface {
	Len() int
	InBounds(b gtfs.MapBounds) []gtfs.VehiclePosition
}

// socket is a Transport over a websocket connection. Writes are serialised
// because the connection handler and the broadcast pass both send. The write
// lock is a one-slot channel so a queued Send still honours its context.
type socket struct {
	conn      *websocket.Conn
	writeWait time.Duration

	writeLock chan struct{}
	closeOnce sync.Once
}

func newSocket(conn *websocket.Conn, writeWait time.Duration) *socket {
	return &socket{conn: conn, writeWait: writeWait, writeLock: make(chan struct{}, 1)}
}

func (s *socket) Send(ctx context.Context, msg any) error {
	select {
	case s.writeLock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.writeLock }()
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(s.writeWait)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}

func (s *socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

func (s *socket) keepalive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeWait)); err != nil {
				return
			}
		}
	}
}

// Handler serves the vehicle streaming protocol over websockets.
type Handler struct {
	registry    *Registry
	store       Snapshot
	sendTimeout time.Duration
}

func NewHandler(registry *Registry, store Snapshot, sendTimeout time.Duration) *Handler {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Handler{registry: registry, store: store, sendTimeout: sendTimeout}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade: %v", err)
		return
	}

	sock := newSocket(conn, h.sendTimeout)
	client := h.registry.Register(sock)
	defer func() {
		h.registry.Unregister(client)
		_ = sock.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sock.keepalive(ctx)

	err = h.send(ctx, client, ConnectedMessage{
		Type:         TypeConnected,
		Message:      connectedText,
		VehicleCount: h.store.Len(),
	})
	if err != nil {
		return
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("stream client %s read: %v", client.ID, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := h.handle(ctx, client, data); err != nil {
			log.Printf("stream client %s send: %v", client.ID, err)
			return
		}
	}
}

// handle processes one inbound frame. Only send failures are returned;
// malformed or unknown messages are ignored.
func (h *Handler) handle(ctx context.Context, c *Client, data []byte) error {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("stream client %s: invalid JSON received", c.ID)
		return nil
	}

	switch msg.Type {
	case TypeSubscribeBounds:
		b, ok := parseBounds(msg.Bounds)
		if !ok {
			return nil
		}
		h.registry.UpdateBounds(c, b)

		vehicles := h.store.InBounds(b)
		if err := h.send(ctx, c, BoundsSetMessage{Type: TypeBoundsSet, Bounds: b, VehicleCount: len(vehicles)}); err != nil {
			return err
		}
		if len(vehicles) > 0 {
			return h.send(ctx, c, VehicleUpdates(time.Now(), vehicles))
		}
		return nil
	case TypePing:
		return h.send(ctx, c, PongMessage{Type: TypePong})
	}
	return nil
}

func (h *Handler) send(ctx context.Context, c *Client, msg any) error {
	ctx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()
	return c.Send(ctx, msg)
}
