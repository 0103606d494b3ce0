package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/collabreef/collabreef/internal/cache"
)

type spreadsheetMessage struct {
	Type      string          `json:"type"`
	Sheets    json.RawMessage `json:"sheets,omitempty"`
	Ops       json.RawMessage `json:"ops,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

type spreadsheetInitMessage struct {
	Type        string          `json:"type"`
	Sheets      json.RawMessage `json:"sheets"`
	Initialized bool            `json:"initialized"`
}

type lockResponse struct {
	Type         string `json:"type"`
	LockAcquired bool   `json:"lock_acquired"`
}

// spreadsheetProtocol has no merge: the full sheet serialization carried on
// every op overwrites the stored one, last writer wins, and the op batches
// land in an audit log. Ops echo back to their sender too; clients
// de-duplicate by session_id.
type spreadsheetProtocol struct {
	noPresence
	cache *cache.SpreadsheetCache
}

// NewSpreadsheetRoom builds a room for a spreadsheet document.
func NewSpreadsheetRoom(ctx context.Context, viewID string, sc *cache.SpreadsheetCache) *Room {
	return newRoom(ctx, viewID, KindSpreadsheet, &spreadsheetProtocol{cache: sc})
}

func (p *spreadsheetProtocol) bootstrap(ctx context.Context, r *Room, c *Client) {
	initialized, err := p.cache.IsInitialized(ctx, r.ID)
	if err != nil {
		slog.Error("checking spreadsheet init failed", "view_id", r.ID, "error", err)
	}

	var sheets json.RawMessage
	if initialized {
		data, err := p.cache.GetSheets(ctx, r.ID)
		if err != nil {
			slog.Error("loading sheets failed", "view_id", r.ID, "error", err)
		} else if data != "" {
			sheets = json.RawMessage(data)
		}
	}

	c.SendJSON(spreadsheetInitMessage{Type: "init", Sheets: sheets, Initialized: initialized})
}

func (p *spreadsheetProtocol) handle(ctx context.Context, r *Room, sender *Client, data []byte) {
	var msg spreadsheetMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("dropping non-JSON spreadsheet message", "view_id", r.ID, "size", len(data))
		return
	}

	// Read-only clients may still probe the lock (the negative reply tells
	// them the document is not theirs to initialize); everything else from
	// them is dropped.
	if sender.ReadOnly() && msg.Type != "acquire_lock" {
		return
	}

	switch msg.Type {
	case "acquire_lock":
		acquired := false
		if !sender.ReadOnly() {
			initialized, err := p.cache.IsInitialized(ctx, r.ID)
			if err != nil {
				slog.Error("checking spreadsheet init failed", "view_id", r.ID, "error", err)
			} else if !initialized {
				acquired, err = p.cache.AcquireInitLock(ctx, r.ID)
				if err != nil {
					slog.Error("acquiring init lock failed", "view_id", r.ID, "error", err)
					acquired = false
				}
			}
		}
		sender.SendJSON(lockResponse{Type: "lock_acquired", LockAcquired: acquired})
		return

	case "initialize_data":
		if len(msg.Sheets) > 0 {
			if err := p.cache.SetSheets(ctx, r.ID, string(msg.Sheets)); err != nil {
				slog.Error("storing initial sheets failed", "view_id", r.ID, "error", err)
			}
		}
		if err := p.cache.ReleaseInitLock(ctx, r.ID); err != nil {
			slog.Error("releasing init lock failed", "view_id", r.ID, "error", err)
		}
		slog.Info("spreadsheet initialized", "view_id", r.ID, "user_id", sender.UserID)
		r.Broadcast(data, sender)

	case "op":
		if len(msg.Ops) > 0 {
			if err := p.cache.AppendOps(ctx, r.ID, string(msg.Ops)); err != nil {
				slog.Error("appending ops failed", "view_id", r.ID, "error", err)
			}
		}
		if len(msg.Sheets) > 0 {
			if err := p.cache.SetSheets(ctx, r.ID, string(msg.Sheets)); err != nil {
				slog.Error("storing sheets failed", "view_id", r.ID, "error", err)
			}
		}
		// Echo to everyone, the sender included; clients drop their own ops
		// by session_id.
		r.BroadcastJSON(spreadsheetMessage{
			Type:      "op",
			Ops:       msg.Ops,
			Sheets:    msg.Sheets,
			SessionID: msg.SessionID,
		}, nil)

	default:
		slog.Debug("ignoring unknown spreadsheet message", "view_id", r.ID, "type", msg.Type)
	}

	if err := p.cache.RefreshTTL(ctx, r.ID); err != nil {
		slog.Error("refreshing spreadsheet TTL failed", "view_id", r.ID, "error", err)
	}
}
