package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/collabreef/collabreef/internal/cache"
	"github.com/collabreef/collabreef/internal/store"
)

const whiteboardInterval = 30 * time.Second

// WhiteboardPersister writes the canvas collection into the view's data
// column and reconciles the view_objects table against the overlay
// collection: the cache decides presence, durable rows are a projection.
type WhiteboardPersister struct {
	runner
	cache *cache.WhiteboardCache
	store ViewObjectStore
}

func NewWhiteboardPersister(wc *cache.WhiteboardCache, st ViewObjectStore) *WhiteboardPersister {
	p := &WhiteboardPersister{cache: wc, store: st}
	p.runner = runner{name: "whiteboard", interval: whiteboardInterval, persist: p.persistAll}
	return p
}

func (p *WhiteboardPersister) ForcePersist(ctx context.Context) error {
	return p.persistAll(ctx)
}

func (p *WhiteboardPersister) persistAll(ctx context.Context) error {
	ids, err := p.cache.ActiveIDs(ctx)
	if err != nil {
		return err
	}
	return persistEach(ctx, "whiteboard", ids, p.persistWhiteboard)
}

func (p *WhiteboardPersister) persistWhiteboard(ctx context.Context, viewID string) error {
	canvasObjects, err := p.cache.GetCanvasObjects(ctx, viewID)
	if err != nil {
		return err
	}
	viewObjects, err := p.cache.GetViewObjects(ctx, viewID)
	if err != nil {
		return err
	}

	view, err := p.store.FindView(ctx, viewID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if view.Type != "whiteboard" {
		return nil
	}

	now := time.Now().UTC()

	canvasData, err := json.Marshal(canvasObjects)
	if err != nil {
		return fmt.Errorf("encoding canvas objects: %w", err)
	}
	if err := p.store.UpdateViewData(ctx, viewID, string(canvasData), now); err != nil {
		return err
	}

	return p.syncViewObjects(ctx, view, viewObjects, now)
}

// syncViewObjects makes the view_objects rows mirror the overlay
// collection: rows missing from the cache are deleted, cache entries are
// inserted or updated in place. Row-level failures are logged and skipped
// so one bad object cannot wedge the projection.
func (p *WhiteboardPersister) syncViewObjects(ctx context.Context, view store.View, objects map[string]cache.WhiteboardObject, now time.Time) error {
	rows, err := p.store.ListViewObjects(ctx, view.ID)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if _, live := objects[row.ID]; live {
			continue
		}
		if err := p.store.DeleteViewObject(ctx, row.ID); err != nil {
			slog.Warn("deleting stale view object failed", "view_id", view.ID, "object_id", row.ID, "error", err)
		}
	}

	for id, obj := range objects {
		data := string(obj.Data)

		_, err := p.store.FindViewObject(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			err = p.store.CreateViewObject(ctx, store.ViewObject{
				ID:        id,
				ViewID:    view.ID,
				Name:      obj.Name,
				Type:      obj.Type,
				Data:      data,
				CreatedBy: view.CreatedBy,
				UpdatedBy: view.UpdatedBy,
				CreatedAt: now,
				UpdatedAt: now,
			})
			if err != nil {
				slog.Warn("creating view object failed", "view_id", view.ID, "object_id", id, "error", err)
			}
		case err != nil:
			slog.Warn("looking up view object failed", "view_id", view.ID, "object_id", id, "error", err)
		default:
			if err := p.store.UpdateViewObject(ctx, id, obj.Name, obj.Type, data, view.UpdatedBy, now); err != nil {
				slog.Warn("updating view object failed", "view_id", view.ID, "object_id", id, "error", err)
			}
		}
	}
	return nil
}
