// Package server is the thin edge of the collab service: it maps upgrade
// requests to a document id and kind, reads the identity headers the
// reverse proxy injects, and hands new clients to the hub. All hard logic
// lives behind it.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/collabreef/collabreef/internal/ws"
)

// Trusted headers set by the upstream reverse proxy. The core does not
// re-validate them.
const (
	headerUserID   = "X-User-Id"
	headerUserName = "X-User-Name"
	headerViewType = "X-View-Type"
	headerReadOnly = "X-Read-Only"
)

type Server struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
}

func New(hub *ws.Hub) *Server {
	return &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The reverse proxy in front of this service is the origin
			// boundary.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router returns the full route table: the two operational endpoints plus
// the three websocket paths.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/ws/views/{viewId:.+}", s.handleView(false))
	r.HandleFunc("/ws/public/views/{viewId:.+}", s.handleView(true))
	r.HandleFunc("/ws/notes/{noteId:.+}", s.handleNote)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.hub.Stats())
}

// handleView serves /ws/views/{id}; the X-View-Type header picks the
// whiteboard or spreadsheet variant, everything else is a raw CRDT view.
// The public path forces read-only.
func (s *Server) handleView(public bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		viewID := cleanDocID(mux.Vars(r)["viewId"])
		if viewID == "" {
			http.Error(w, "view id is required", http.StatusBadRequest)
			return
		}

		userID, userName := identity(r)
		readOnly := public || r.Header.Get(headerReadOnly) == "true"

		kind := ws.KindView
		messageType := websocket.BinaryMessage
		switch r.Header.Get(headerViewType) {
		case "whiteboard":
			kind = ws.KindWhiteboard
			messageType = websocket.TextMessage
		case "spreadsheet":
			kind = ws.KindSpreadsheet
			messageType = websocket.TextMessage
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "view_id", viewID, "error", err)
			return
		}

		room := s.hub.GetOrCreateRoom(viewID, kind)
		client := ws.NewClient(uuid.NewString(), conn, userID, userName, viewID, room, messageType, readOnly)
		room.Register(client)
		client.Start()
		slog.Info("view websocket connected", "user_id", userID, "view_id", viewID, "kind", kind, "read_only", readOnly)
	}
}

func (s *Server) handleNote(w http.ResponseWriter, r *http.Request) {
	noteID := cleanDocID(mux.Vars(r)["noteId"])
	if noteID == "" {
		http.Error(w, "note id is required", http.StatusBadRequest)
		return
	}

	userID, userName := identity(r)
	readOnly := r.Header.Get(headerReadOnly) == "true"

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "note_id", noteID, "error", err)
		return
	}

	room := s.hub.GetOrCreateRoom(noteID, ws.KindNote)
	client := ws.NewClient(uuid.NewString(), conn, userID, userName, noteID, room, websocket.TextMessage, readOnly)
	room.Register(client)
	client.Start()
	slog.Info("note websocket connected", "user_id", userID, "note_id", noteID, "read_only", readOnly)
}

// cleanDocID undoes the y-websocket quirk of appending the room name to the
// URL ("id/id"): the document id is the first path segment.
func cleanDocID(raw string) string {
	id, _, _ := strings.Cut(raw, "/")
	return id
}

// identity reads the proxy-supplied identity, falling back to a generated
// anonymous id so two anonymous connections stay distinguishable in
// presence payloads.
func identity(r *http.Request) (userID, userName string) {
	userID = r.Header.Get(headerUserID)
	userName = r.Header.Get(headerUserName)
	if userID == "" {
		userID = "anonymous-" + uuid.NewString()[:8]
	}
	if userName == "" {
		userName = "Anonymous"
	}
	return userID, userName
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writing response failed", "error", err)
	}
}
