// Package worker holds the background persisters that fold cache-resident
// live state into durable storage. Each persister runs independently on its
// own interval; a failure on one document is counted and logged but never
// aborts the cycle for the rest.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/collabreef/collabreef/internal/store"
)

// Store surfaces consumed by the persisters, satisfied by *store.Store.
// Kept narrow so tests can fake them.

type NoteStore interface {
	FindNote(ctx context.Context, id string) (store.Note, error)
	UpdateNote(ctx context.Context, id, title, content string, updatedAt time.Time, updatedBy string) error
}

type ViewStore interface {
	FindView(ctx context.Context, id string) (store.View, error)
	UpdateViewData(ctx context.Context, id, data string, updatedAt time.Time) error
}

type ViewObjectStore interface {
	ViewStore
	ListViewObjects(ctx context.Context, viewID string) ([]store.ViewObject, error)
	FindViewObject(ctx context.Context, id string) (store.ViewObject, error)
	CreateViewObject(ctx context.Context, o store.ViewObject) error
	UpdateViewObject(ctx context.Context, id, name, objType, data, updatedBy string, updatedAt time.Time) error
	DeleteViewObject(ctx context.Context, id string) error
}

// runner drives one persister on a fixed interval.
type runner struct {
	name     string
	interval time.Duration
	persist  func(ctx context.Context) error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start launches the interval loop. ctx cancellation or Stop ends it.
func (r *runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.persist(ctx); err != nil {
					slog.Error("persistence cycle failed", "persister", r.name, "error", err)
				}
			}
		}
	}()
	slog.Info("persister started", "persister", r.name, "interval", r.interval)
}

// Stop halts the loop and waits for an in-flight cycle to return.
func (r *runner) Stop() {
	r.once.Do(func() {
		if r.cancel != nil {
			r.cancel()
			<-r.done
		}
		slog.Info("persister stopped", "persister", r.name)
	})
}

// persistEach runs one reconcile function per document id, isolating
// failures per id.
func persistEach(ctx context.Context, name string, ids []string, persist func(ctx context.Context, id string) error) error {
	if len(ids) == 0 {
		return nil
	}

	var failed int
	for _, id := range ids {
		if err := persist(ctx, id); err != nil {
			slog.Error("persisting document failed", "persister", name, "id", id, "error", err)
			failed++
		}
	}

	slog.Info("persistence cycle complete", "persister", name, "total", len(ids), "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(ids))
	}
	return nil
}
