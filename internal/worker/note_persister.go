package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/collabreef/collabreef/internal/cache"
	"github.com/collabreef/collabreef/internal/crdt"
	"github.com/collabreef/collabreef/internal/store"
)

const noteInterval = 30 * time.Second

// NotePersister folds cached note state into the notes table. When CRDT
// state exists it replays snapshot+log, renders the authoritative text from
// the merged document, and compacts the log down to a single snapshot.
type NotePersister struct {
	runner
	cache  *cache.NoteCache
	store  NoteStore
	merger crdt.Merger
}

func NewNotePersister(nc *cache.NoteCache, st NoteStore, merger crdt.Merger) *NotePersister {
	p := &NotePersister{cache: nc, store: st, merger: merger}
	p.runner = runner{name: "note", interval: noteInterval, persist: p.persistAll}
	return p
}

// ForcePersist runs one full cycle immediately; used during shutdown drain.
func (p *NotePersister) ForcePersist(ctx context.Context) error {
	return p.persistAll(ctx)
}

func (p *NotePersister) persistAll(ctx context.Context) error {
	ids, err := p.cache.ActiveIDs(ctx)
	if err != nil {
		return err
	}
	return persistEach(ctx, "note", ids, p.persistNote)
}

func (p *NotePersister) persistNote(ctx context.Context, noteID string) error {
	data, err := p.cache.GetData(ctx, noteID)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}

	content := data.Content // plain mirror, overridden by CRDT replay below

	snapshot, err := p.cache.GetSnapshot(ctx, noteID)
	if err != nil {
		return err
	}
	updates, err := p.cache.GetUpdates(ctx, noteID)
	if err != nil {
		return err
	}

	if len(snapshot) > 0 || len(updates) > 0 {
		merged, err := p.merger.Merge(snapshot, updates)
		if err != nil {
			// Fall back to the plain mirror rather than losing the write;
			// the broken state stays in cache for inspection.
			slog.Error("CRDT replay failed, persisting plain content", "note_id", noteID, "error", err)
		} else {
			if text, err := p.merger.Text(merged, "content"); err != nil {
				slog.Error("rendering note text failed", "note_id", noteID, "error", err)
			} else {
				content = text
			}
			if err := p.cache.SetSnapshot(ctx, noteID, merged); err != nil {
				return err
			}
			// Only the replayed prefix is cleared; updates racing in during
			// this cycle stay queued for the next one.
			if err := p.cache.ClearUpdatesPrefix(ctx, noteID, len(updates)); err != nil {
				return err
			}
		}
	}

	if _, err := p.store.FindNote(ctx, noteID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Debug("note not in database, skipping", "note_id", noteID)
			return nil
		}
		return err
	}

	return p.store.UpdateNote(ctx, noteID, data.Title, content, parseStamp(data.UpdatedAt), data.UpdatedBy)
}

// parseStamp converts the cache's RFC 3339 stamp, falling back to now for
// records that never carried one.
func parseStamp(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Now().UTC()
}
