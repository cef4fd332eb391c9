package realtime

import (
	"sync"

	"murmur/internal/observability"

	"github.com/gofiber/websocket/v2"
)

// Registry tracks at most one live socket per user on this instance. A new
// connection for a user displaces the previous one with a normal close.
type Registry struct {
	mu      sync.RWMutex
	clients map[uint]*Client
	owners  map[*Client]uint
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[uint]*Client),
		owners:  make(map[*Client]uint),
	}
}

// Register installs the client as the user's socket and returns the
// displaced previous client, if any. The caller receives the displaced
// client already closed with a normal-closure code.
func (r *Registry) Register(client *Client) *Client {
	r.mu.Lock()
	prev := r.clients[client.UserID]
	if prev != nil {
		delete(r.owners, prev)
	}
	r.clients[client.UserID] = client
	r.owners[client] = client.UserID
	r.mu.Unlock()

	if prev != nil {
		prev.Close(websocket.CloseNormalClosure, "connected elsewhere")
	}
	observability.ActiveConnections.Set(float64(r.Count()))
	return prev
}

// Unregister removes the client if it is still the user's current socket.
// Idempotent; returns whether anything was removed. A displaced client
// unregistering late does not evict its successor.
func (r *Registry) Unregister(client *Client) bool {
	r.mu.Lock()
	_, present := r.owners[client]
	if present {
		delete(r.owners, client)
		if r.clients[client.UserID] == client {
			delete(r.clients, client.UserID)
		}
	}
	r.mu.Unlock()

	if present {
		observability.ActiveConnections.Set(float64(r.Count()))
	}
	return present
}

// Get returns the user's current socket on this instance.
func (r *Registry) Get(userID uint) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[userID]
	return c, ok
}

// Count returns the number of registered sockets.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll closes every socket with a normal-closure code. Used on shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[uint]*Client)
	r.owners = make(map[*Client]uint)
	r.mu.Unlock()

	for _, c := range clients {
		c.Close(websocket.CloseNormalClosure, reason)
	}
	observability.ActiveConnections.Set(0)
}
