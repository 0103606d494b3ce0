package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Kind selects a room's collaboration protocol.
type Kind string

const (
	KindView        Kind = "view"
	KindNote        Kind = "note"
	KindWhiteboard  Kind = "whiteboard"
	KindSpreadsheet Kind = "spreadsheet"
)

// User is the identity carried in presence payloads.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// protocol is the per-kind strategy a Room delegates to. All calls on one
// room are serialized by the room's handle lock, so implementations need no
// locking of their own.
type protocol interface {
	// bootstrap streams the current document state to a newly joined client.
	bootstrap(ctx context.Context, r *Room, c *Client)
	// handle processes one inbound frame. Read-only policy is enforced here,
	// per kind: some kinds drop everything, others answer lock probes.
	handle(ctx context.Context, r *Room, sender *Client, data []byte)
	// joined/left run after a client is added/removed from the set.
	joined(r *Room, c *Client)
	left(r *Room, c *Client)
}

// noPresence is embedded by protocols without join/leave signaling.
type noPresence struct{}

func (noPresence) joined(*Room, *Client) {}
func (noPresence) left(*Room, *Client)   {}

// Room is the per-document actor: it owns the set of connected clients and
// serializes all protocol handling for its document id.
type Room struct {
	ID   string
	Kind Kind

	ctx   context.Context
	proto protocol

	// handleMu serializes bootstrap and message handling so cache writes and
	// broadcasts for one document never interleave.
	handleMu sync.Mutex

	mu      sync.RWMutex
	clients map[*Client]struct{}
	stopped bool
}

func newRoom(ctx context.Context, id string, kind Kind, proto protocol) *Room {
	return &Room{
		ID:      id,
		Kind:    kind,
		ctx:     ctx,
		proto:   proto,
		clients: make(map[*Client]struct{}),
	}
}

// Register adds a client and streams it the document's current state.
func (r *Room) Register(c *Client) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		c.Close()
		return
	}
	r.clients[c] = struct{}{}
	total := len(r.clients)
	r.mu.Unlock()

	slog.Info("client joined room", "user_id", c.UserID, "user_name", c.UserName, "room_id", r.ID, "kind", r.Kind, "total", total)

	r.handleMu.Lock()
	defer r.handleMu.Unlock()
	r.proto.bootstrap(r.ctx, r, c)
	r.proto.joined(r, c)
}

// Unregister removes a client if present. Safe to call more than once; the
// presence hook fires only on the call that actually removed it.
func (r *Room) Unregister(c *Client) {
	r.mu.Lock()
	_, present := r.clients[c]
	if present {
		delete(r.clients, c)
	}
	remaining := len(r.clients)
	r.mu.Unlock()

	if !present {
		return
	}
	slog.Info("client left room", "user_id", c.UserID, "user_name", c.UserName, "room_id", r.ID, "kind", r.Kind, "remaining", remaining)
	r.proto.left(r, c)
}

// HandleMessage dispatches one inbound frame to the room protocol. Frames
// from a single sender arrive here in connection order, and the handle lock
// keeps each append+broadcast atomic with respect to other senders.
func (r *Room) HandleMessage(sender *Client, data []byte) {
	r.handleMu.Lock()
	defer r.handleMu.Unlock()
	r.proto.handle(r.ctx, r, sender, data)
}

// Broadcast sends data to every client except the one given (nil means
// everyone, which spreadsheet op echo relies on).
func (r *Room) Broadcast(data []byte, except *Client) {
	for _, c := range r.snapshot() {
		if c != except {
			c.Send(data)
		}
	}
}

// BroadcastJSON marshals once and broadcasts, same exclusion rule.
func (r *Room) BroadcastJSON(v any, except *Client) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshaling broadcast failed", "room_id", r.ID, "error", err)
		return
	}
	r.Broadcast(data, except)
}

// ActiveUsers lists the identities currently in the room.
func (r *Room) ActiveUsers() []User {
	clients := r.snapshot()
	users := make([]User, 0, len(clients))
	for _, c := range clients {
		users = append(users, User{ID: c.UserID, Name: c.UserName})
	}
	return users
}

// ClientCount returns the number of registered clients.
func (r *Room) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Stop forcibly closes every client and empties the room. Used by the hub
// sweep and at shutdown.
func (r *Room) Stop() {
	r.mu.Lock()
	r.stopped = true
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[*Client]struct{})
	r.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	slog.Info("room stopped", "room_id", r.ID, "kind", r.Kind)
}

func (r *Room) snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}
