package stream

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"gtfs-livemap/internal/gtfs"
)

// Transport delivers one JSON message to a connected client. Send must honour
// the context deadline and be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, msg any) error
	Close() error
}

// Client is one connected streaming client. It receives periodic updates only
// after its first viewport has been set.
type Client struct {
	ID string

	transport Transport

	mu         sync.RWMutex
	bounds     gtfs.MapBounds
	subscribed bool
}

// Bounds returns the client's viewport and whether one has been set.
func (c *Client) Bounds() (gtfs.MapBounds, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bounds, c.subscribed
}

func (c *Client) Send(ctx context.Context, msg any) error {
	return c.transport.Send(ctx, msg)
}

func (c *Client) Close() error {
	return c.transport.Close()
}

// Registry tracks connected clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	onSize  func(n int)
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[*Client]struct{})}
}

// OnSizeChange installs a callback invoked with the client count after every
// membership change.
func (r *Registry) OnSizeChange(fn func(n int)) {
	r.mu.Lock()
	r.onSize = fn
	r.mu.Unlock()
}

func (r *Registry) Register(t Transport) *Client {
	c := &Client{ID: uuid.New().String(), transport: t}
	r.mu.Lock()
	r.clients[c] = struct{}{}
	n := len(r.clients)
	fn := r.onSize
	r.mu.Unlock()

	if fn != nil {
		fn(n)
	}
	log.Printf("stream client %s registered, total: %d", c.ID, n)
	return c
}

// Unregister removes c. Removing an unknown or already removed client is a no-op.
func (r *Registry) Unregister(c *Client) {
	r.mu.Lock()
	if _, ok := r.clients[c]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, c)
	n := len(r.clients)
	fn := r.onSize
	r.mu.Unlock()

	if fn != nil {
		fn(n)
	}
	log.Printf("stream client %s unregistered, total: %d", c.ID, n)
}

// UpdateBounds sets the client's viewport and marks it subscribed.
func (r *Registry) UpdateBounds(c *Client, b gtfs.MapBounds) {
	c.mu.Lock()
	c.bounds = b
	c.subscribed = true
	c.mu.Unlock()
}

// Subscribed returns a snapshot of the clients that have set a viewport.
func (r *Registry) Subscribed() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		if _, ok := c.Bounds(); ok {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll closes every registered client's transport. Each connection's read
// loop then unregisters its client.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		_ = c.Close()
	}
}
