package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/collabreef/collabreef/internal/cache"
)

// noteMessage covers every structured frame the note protocol knows. Unknown
// types unmarshal into just Type and are still relayed.
type noteMessage struct {
	Type      string `json:"type"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content,omitempty"`
	Snapshot  []byte `json:"snapshot,omitempty"`
	YjsUpdate []byte `json:"yjs_update,omitempty"`
}

type noteInitMessage struct {
	Type           string `json:"type"`
	ID             string `json:"id"`
	Title          string `json:"title"`
	Content        string `json:"content"`
	Visibility     string `json:"visibility"`
	CreatedAt      string `json:"created_at"`
	CreatedBy      string `json:"created_by"`
	UpdatedAt      string `json:"updated_at"`
	UpdatedBy      string `json:"updated_by"`
	Users          []User `json:"users"`
	NeedInitialize bool   `json:"need_initialize"`
}

type notePresenceMessage struct {
	Type string `json:"type"`
	User User   `json:"user"`
}

// noteProtocol layers structured messages over text frames: plain-field
// mutations, CRDT snapshot/update storage, and join/leave presence.
type noteProtocol struct {
	cache *cache.NoteCache
}

// NewNoteRoom builds a room for a note document.
func NewNoteRoom(ctx context.Context, noteID string, nc *cache.NoteCache) *Room {
	return newRoom(ctx, noteID, KindNote, &noteProtocol{cache: nc})
}

// bootstrap sends init with the plain fields and the need_initialize flag;
// when a snapshot exists it then streams snapshot, pending updates and a
// terminal snapshot_ready marker so the client can tell replay from
// caught-up.
func (p *noteProtocol) bootstrap(ctx context.Context, r *Room, c *Client) {
	data, err := p.cache.GetData(ctx, r.ID)
	if err != nil {
		slog.Error("loading note data failed", "note_id", r.ID, "error", err)
	}
	if data == nil {
		data = &cache.NoteData{}
	}

	hasSnapshot, err := p.cache.HasSnapshot(ctx, r.ID)
	if err != nil {
		slog.Error("checking note snapshot failed", "note_id", r.ID, "error", err)
	}

	c.SendJSON(noteInitMessage{
		Type:           "init",
		ID:             r.ID,
		Title:          data.Title,
		Content:        data.Content,
		Visibility:     data.Visibility,
		CreatedAt:      data.CreatedAt,
		CreatedBy:      data.CreatedBy,
		UpdatedAt:      data.UpdatedAt,
		UpdatedBy:      data.UpdatedBy,
		Users:          r.ActiveUsers(),
		NeedInitialize: !hasSnapshot,
	})

	updates, err := p.cache.GetUpdates(ctx, r.ID)
	if err != nil {
		slog.Error("loading note updates failed", "note_id", r.ID, "error", err)
	}
	if !hasSnapshot && len(updates) == 0 {
		return
	}

	if hasSnapshot {
		snapshot, err := p.cache.GetSnapshot(ctx, r.ID)
		if err != nil {
			slog.Error("loading note snapshot failed", "note_id", r.ID, "error", err)
		} else if len(snapshot) > 0 {
			c.SendJSON(noteMessage{Type: "snapshot", Snapshot: snapshot})
		}
	}

	for _, update := range updates {
		c.SendJSON(noteMessage{Type: "yjs_update", YjsUpdate: update})
	}

	// Terminal marker: the client can now tell replay from caught-up.
	c.SendJSON(noteMessage{Type: "snapshot_ready"})
}

func (p *noteProtocol) handle(ctx context.Context, r *Room, sender *Client, data []byte) {
	if sender.ReadOnly() {
		return
	}

	var msg noteMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("dropping non-JSON note message", "note_id", r.ID, "size", len(data))
		return
	}

	switch msg.Type {
	case "update_title":
		if err := p.cache.UpdateTitle(ctx, r.ID, msg.Title, sender.UserID); err != nil {
			slog.Error("updating note title failed", "note_id", r.ID, "error", err)
		}

	case "update_content":
		if err := p.cache.UpdateContent(ctx, r.ID, msg.Content, sender.UserID); err != nil {
			slog.Error("updating note content failed", "note_id", r.ID, "error", err)
		}

	case "snapshot":
		// Stored, never relayed: every peer derives the snapshot itself.
		if len(msg.Snapshot) > 0 {
			if err := p.cache.SetSnapshot(ctx, r.ID, msg.Snapshot); err != nil {
				slog.Error("storing note snapshot failed", "note_id", r.ID, "error", err)
			}
		}
		return

	case "yjs_update":
		if len(msg.YjsUpdate) > 0 {
			if err := p.cache.AppendUpdate(ctx, r.ID, msg.YjsUpdate); err != nil {
				slog.Error("appending note update failed", "note_id", r.ID, "error", err)
			}
			// Denormalized text rides along on some updates; keep the plain
			// mirror current when it does.
			if msg.Content != "" {
				if err := p.cache.UpdateContent(ctx, r.ID, msg.Content, sender.UserID); err != nil {
					slog.Error("updating note content failed", "note_id", r.ID, "error", err)
				}
			}
		}

	default:
		// Unknown types are relayed untouched; the room does not need to
		// understand a frame to pass it on.
		slog.Debug("relaying unknown note message", "note_id", r.ID, "type", msg.Type)
	}

	r.Broadcast(data, sender)

	if err := p.cache.RefreshTTL(ctx, r.ID); err != nil {
		slog.Error("refreshing note TTL failed", "note_id", r.ID, "error", err)
	}
}

func (p *noteProtocol) joined(r *Room, c *Client) {
	r.BroadcastJSON(notePresenceMessage{
		Type: "user_join",
		User: User{ID: c.UserID, Name: c.UserName},
	}, c)
}

func (p *noteProtocol) left(r *Room, c *Client) {
	r.BroadcastJSON(notePresenceMessage{
		Type: "user_leave",
		User: User{ID: c.UserID, Name: c.UserName},
	}, nil)
}
