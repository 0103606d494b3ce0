// Package ws implements the synchronization core: per-connection clients,
// per-document rooms with kind-specific protocols, and the hub that owns
// the room registry.
package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// pingInterval must stay strictly shorter than the client side's
	// liveness timeout (two intervals of silence get the peer terminated).
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
)

// Client wraps one live websocket connection. It owns the heartbeat,
// delivers inbound frames to its room and tears itself down exactly once on
// close or error.
type Client struct {
	// ID identifies this connection in logs and presence payloads carry
	// UserID/UserName; several connections may share one user.
	ID       string
	UserID   string
	UserName string
	RoomID   string

	room        *Room
	conn        *websocket.Conn
	messageType int // websocket.TextMessage or websocket.BinaryMessage
	readOnly    bool

	// heartbeatInterval defaults to pingInterval; tests shorten it.
	heartbeatInterval time.Duration

	alive     atomic.Bool
	writeMu   sync.Mutex
	closed    bool // guarded by writeMu
	closeOnce sync.Once
	done      chan struct{}
}

// NewClient builds a client for an already-upgraded connection. messageType
// selects the outbound framing: binary for raw CRDT rooms, text for the
// JSON-envelope rooms.
func NewClient(id string, conn *websocket.Conn, userID, userName, roomID string, room *Room, messageType int, readOnly bool) *Client {
	c := &Client{
		ID:                id,
		UserID:            userID,
		UserName:          userName,
		RoomID:            roomID,
		room:              room,
		conn:              conn,
		messageType:       messageType,
		readOnly:          readOnly,
		heartbeatInterval: pingInterval,
		done:              make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// ReadOnly reports whether this connection may mutate room state.
func (c *Client) ReadOnly() bool {
	return c.readOnly
}

// Start attaches the pong handler and launches the heartbeat and read
// goroutines. It returns immediately; teardown happens from the read
// goroutine when the connection dies.
func (c *Client) Start() {
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	go c.heartbeat()
	go c.readPump()
}

// heartbeat pings on a fixed interval. A peer that produced no pong since
// the previous tick is treated as dead and terminated, not closed
// gracefully.
func (c *Client) heartbeat() {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if !c.alive.Swap(false) {
				slog.Info("terminating unresponsive client", "user_id", c.UserID, "room_id", c.RoomID)
				c.conn.Close()
				return
			}
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				slog.Warn("ping failed", "user_id", c.UserID, "error", err)
			}
		}
	}
}

// readPump delivers inbound frames to the room until the connection dies,
// then unregisters from the room exactly once.
func (c *Client) readPump() {
	defer func() {
		c.Close()
		c.room.Unregister(c)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("websocket read error", "user_id", c.UserID, "room_id", c.RoomID, "error", err)
			}
			return
		}
		c.room.HandleMessage(c, data)
	}
}

// Send delivers one frame if the connection is still open. Failures are
// logged and swallowed so one broken peer never disturbs a broadcast.
func (c *Client) Send(data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(c.messageType, data); err != nil {
		slog.Warn("send to client failed", "user_id", c.UserID, "room_id", c.RoomID, "error", err)
	}
}

// SendJSON marshals v and sends it as one frame.
func (c *Client) SendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshaling outbound message failed", "user_id", c.UserID, "error", err)
		return
	}
	c.Send(data)
}

// Close is idempotent. The heartbeat is cancelled before the transport
// closes so no timer can fire on a half-closed socket.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.closed = true
		c.writeMu.Unlock()
		c.conn.Close()
	})
}
