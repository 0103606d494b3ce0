package ws

import (
	"context"
	"log/slog"

	"github.com/collabreef/collabreef/internal/cache"
)

// viewProtocol relays raw binary CRDT frames. The room never decodes them:
// it appends each frame to the update log and fans it out, and the client
// CRDT runtimes do all merging. A cache failure skips the write but never
// blocks the broadcast.
type viewProtocol struct {
	noPresence
	cache *cache.ViewCache
}

// NewViewRoom builds a room for a freeform CRDT view document.
func NewViewRoom(ctx context.Context, viewID string, vc *cache.ViewCache) *Room {
	return newRoom(ctx, viewID, KindView, &viewProtocol{cache: vc})
}

// bootstrap replays snapshot then pending updates, one frame each, so the
// joining peer's runtime converges to current state.
func (p *viewProtocol) bootstrap(ctx context.Context, r *Room, c *Client) {
	state, err := p.cache.GetState(ctx, r.ID)
	if err != nil {
		slog.Error("loading view state failed", "view_id", r.ID, "error", err)
	} else if len(state) > 0 {
		c.Send(state)
	}

	updates, err := p.cache.GetUpdates(ctx, r.ID)
	if err != nil {
		slog.Error("loading view updates failed", "view_id", r.ID, "error", err)
		return
	}
	for _, update := range updates {
		c.Send(update)
	}
}

func (p *viewProtocol) handle(ctx context.Context, r *Room, sender *Client, data []byte) {
	if sender.ReadOnly() {
		return
	}

	if err := p.cache.AppendUpdate(ctx, r.ID, data); err != nil {
		slog.Error("storing view update failed", "view_id", r.ID, "error", err)
	}

	r.Broadcast(data, sender)

	if err := p.cache.RefreshTTL(ctx, r.ID); err != nil {
		slog.Error("refreshing view TTL failed", "view_id", r.ID, "error", err)
	}
}
