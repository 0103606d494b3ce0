package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/collabreef/collabreef/internal/cache"
)

type whiteboardMessage struct {
	Type          string                            `json:"type"`
	CanvasObjects map[string]cache.WhiteboardObject `json:"canvas_objects,omitempty"`
	ViewObjects   map[string]cache.WhiteboardObject `json:"view_objects,omitempty"`
	Object        *cache.WhiteboardObject           `json:"object,omitempty"`
	ID            string                            `json:"id,omitempty"`
	YjsState      []byte                            `json:"yjs_state,omitempty"`
}

type whiteboardInitMessage struct {
	Type          string                            `json:"type"`
	CanvasObjects map[string]cache.WhiteboardObject `json:"canvas_objects"`
	ViewObjects   map[string]cache.WhiteboardObject `json:"view_objects"`
	Initialized   bool                              `json:"initialized"`
	// Always present; clients key on yjs_state being null rather than
	// absent.
	YjsState []byte `json:"yjs_state"`
}

// whiteboardProtocol mutates two per-object collections (canvas layer,
// overlay layer) with last-writer-wins per object id. Unlike spreadsheets,
// the init lock can be taken regardless of current state: re-initialization
// is idempotent thanks to the mark-initialized sentinel.
type whiteboardProtocol struct {
	noPresence
	cache *cache.WhiteboardCache
}

// NewWhiteboardRoom builds a room for a whiteboard document.
func NewWhiteboardRoom(ctx context.Context, viewID string, wc *cache.WhiteboardCache) *Room {
	return newRoom(ctx, viewID, KindWhiteboard, &whiteboardProtocol{cache: wc})
}

func (p *whiteboardProtocol) bootstrap(ctx context.Context, r *Room, c *Client) {
	initialized, err := p.cache.IsInitialized(ctx, r.ID)
	if err != nil {
		slog.Error("checking whiteboard init failed", "view_id", r.ID, "error", err)
	}

	canvasObjects := map[string]cache.WhiteboardObject{}
	viewObjects := map[string]cache.WhiteboardObject{}
	var state []byte

	if initialized {
		if canvasObjects, err = p.cache.GetCanvasObjects(ctx, r.ID); err != nil {
			slog.Error("loading canvas objects failed", "view_id", r.ID, "error", err)
			canvasObjects = map[string]cache.WhiteboardObject{}
		}
		if viewObjects, err = p.cache.GetViewObjects(ctx, r.ID); err != nil {
			slog.Error("loading view objects failed", "view_id", r.ID, "error", err)
			viewObjects = map[string]cache.WhiteboardObject{}
		}
		if state, err = p.cache.GetState(ctx, r.ID); err != nil {
			slog.Error("loading whiteboard state failed", "view_id", r.ID, "error", err)
		}
	}

	c.SendJSON(whiteboardInitMessage{
		Type:          "init",
		CanvasObjects: canvasObjects,
		ViewObjects:   viewObjects,
		Initialized:   initialized,
		YjsState:      state,
	})
}

func (p *whiteboardProtocol) handle(ctx context.Context, r *Room, sender *Client, data []byte) {
	var msg whiteboardMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("dropping non-JSON whiteboard message", "view_id", r.ID, "size", len(data))
		return
	}

	if sender.ReadOnly() && msg.Type != "acquire_lock" {
		return
	}

	broadcast := true

	switch msg.Type {
	case "acquire_lock":
		acquired := false
		if !sender.ReadOnly() {
			var err error
			acquired, err = p.cache.AcquireInitLock(ctx, r.ID)
			if err != nil {
				slog.Error("acquiring init lock failed", "view_id", r.ID, "error", err)
				acquired = false
			}
		}
		sender.SendJSON(lockResponse{Type: "lock_acquired", LockAcquired: acquired})
		return

	case "initialize_data":
		for id, obj := range msg.CanvasObjects {
			obj.ID = id
			if err := p.cache.SetCanvasObject(ctx, r.ID, obj); err != nil {
				slog.Error("storing canvas object failed", "view_id", r.ID, "object_id", id, "error", err)
			}
		}
		for id, obj := range msg.ViewObjects {
			obj.ID = id
			if err := p.cache.SetViewObject(ctx, r.ID, obj); err != nil {
				slog.Error("storing view object failed", "view_id", r.ID, "object_id", id, "error", err)
			}
		}
		if len(msg.YjsState) > 0 {
			if err := p.cache.SetState(ctx, r.ID, msg.YjsState); err != nil {
				slog.Error("storing whiteboard state failed", "view_id", r.ID, "error", err)
			}
		}
		if err := p.cache.MarkInitialized(ctx, r.ID); err != nil {
			slog.Error("marking whiteboard initialized failed", "view_id", r.ID, "error", err)
		}
		if err := p.cache.ReleaseInitLock(ctx, r.ID); err != nil {
			slog.Error("releasing init lock failed", "view_id", r.ID, "error", err)
		}
		slog.Info("whiteboard initialized", "view_id", r.ID, "user_id", sender.UserID)

	case "add_canvas_object", "update_canvas_object":
		if msg.Object != nil {
			if err := p.cache.SetCanvasObject(ctx, r.ID, *msg.Object); err != nil {
				slog.Error("storing canvas object failed", "view_id", r.ID, "error", err)
			}
		}

	case "delete_canvas_object":
		if msg.ID != "" {
			if err := p.cache.DeleteCanvasObject(ctx, r.ID, msg.ID); err != nil {
				slog.Error("deleting canvas object failed", "view_id", r.ID, "object_id", msg.ID, "error", err)
			}
		}

	case "add_view_object", "update_view_object":
		if msg.Object != nil {
			if err := p.cache.SetViewObject(ctx, r.ID, *msg.Object); err != nil {
				slog.Error("storing view object failed", "view_id", r.ID, "error", err)
			}
		}

	case "delete_view_object":
		if msg.ID != "" {
			if err := p.cache.DeleteViewObject(ctx, r.ID, msg.ID); err != nil {
				slog.Error("deleting view object failed", "view_id", r.ID, "object_id", msg.ID, "error", err)
			}
		}

	case "clear_all":
		// Empty both collections but keep the document initialized, so a
		// fresh bootstrap sees "initialized, empty".
		if err := p.cache.ClearCanvasObjects(ctx, r.ID); err != nil {
			slog.Error("clearing canvas failed", "view_id", r.ID, "error", err)
		}
		if err := p.cache.ClearViewObjects(ctx, r.ID); err != nil {
			slog.Error("clearing view objects failed", "view_id", r.ID, "error", err)
		}
		if err := p.cache.MarkInitialized(ctx, r.ID); err != nil {
			slog.Error("re-marking initialized failed", "view_id", r.ID, "error", err)
		}
		slog.Info("whiteboard cleared", "view_id", r.ID, "user_id", sender.UserID)

	default:
		slog.Debug("ignoring unknown whiteboard message", "view_id", r.ID, "type", msg.Type)
		broadcast = false
	}

	if broadcast {
		r.Broadcast(data, sender)
	}

	if err := p.cache.RefreshTTL(ctx, r.ID); err != nil {
		slog.Error("refreshing whiteboard TTL failed", "view_id", r.ID, "error", err)
	}
}
