package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/collabreef/collabreef/internal/cache"
)

// sweepInterval bounds how long an empty room can linger before the hub
// tears it down.
const sweepInterval = 5 * time.Minute

// Caches bundles the four cache facades the hub hands to new rooms.
type Caches struct {
	View        *cache.ViewCache
	Note        *cache.NoteCache
	Whiteboard  *cache.WhiteboardCache
	Spreadsheet *cache.SpreadsheetCache
}

// Stats is the aggregate snapshot served on the stats endpoint.
type Stats struct {
	TotalRooms   int            `json:"total_rooms"`
	TotalClients int            `json:"total_clients"`
	Rooms        map[string]int `json:"rooms"`
}

// Hub is the process-wide room registry: it lazily creates rooms, sweeps
// empty ones on an interval and reports aggregate stats. One document id
// maps to exactly one room at a time; the acceptor routes all connections
// for an id to a consistent kind.
type Hub struct {
	caches Caches

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	started bool
	rooms   map[string]*Room
}

func NewHub(caches Caches) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		caches: caches,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		rooms:  make(map[string]*Room),
	}
}

// Start launches the periodic empty-room sweep.
func (h *Hub) Start() {
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-h.ctx.Done():
				return
			case <-ticker.C:
				h.cleanupEmptyRooms()
			}
		}
	}()
}

// GetOrCreateRoom returns the room for id, creating one of the requested
// kind when none exists. An existing room wins whatever its kind.
func (h *Hub) GetOrCreateRoom(id string, kind Kind) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[id]; ok {
		return room
	}

	var room *Room
	switch kind {
	case KindNote:
		room = NewNoteRoom(h.ctx, id, h.caches.Note)
	case KindWhiteboard:
		room = NewWhiteboardRoom(h.ctx, id, h.caches.Whiteboard)
	case KindSpreadsheet:
		room = NewSpreadsheetRoom(h.ctx, id, h.caches.Spreadsheet)
	default:
		room = NewViewRoom(h.ctx, id, h.caches.View)
	}
	h.rooms[id] = room
	slog.Info("created room", "room_id", id, "kind", room.Kind)
	return room
}

// cleanupEmptyRooms removes and stops every room with no clients at sweep
// time. A room that empties and refills between sweeps is left alone.
func (h *Hub) cleanupEmptyRooms() {
	h.mu.Lock()
	var empty []*Room
	for id, room := range h.rooms {
		if room.ClientCount() == 0 {
			empty = append(empty, room)
			delete(h.rooms, id)
		}
	}
	h.mu.Unlock()

	for _, room := range empty {
		room.Stop()
		slog.Info("cleaned up empty room", "room_id", room.ID, "kind", room.Kind)
	}
}

// Stats returns room and connection counts. Note rooms keep a "note:" key
// prefix so ids from the two namespaces cannot collide in the payload.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := Stats{Rooms: make(map[string]int, len(h.rooms))}
	for id, room := range h.rooms {
		count := room.ClientCount()
		key := id
		if room.Kind == KindNote {
			key = "note:" + id
		}
		stats.Rooms[key] = count
		stats.TotalClients += count
	}
	stats.TotalRooms = len(h.rooms)
	return stats
}

// Stop halts the sweep and stops every room, forcibly closing their
// connections. Only used at process shutdown.
func (h *Hub) Stop() {
	h.cancel()
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		<-h.done
		h.mu.Lock()
	}
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.rooms = make(map[string]*Room)
	h.mu.Unlock()

	for _, room := range rooms {
		room.Stop()
	}
}
