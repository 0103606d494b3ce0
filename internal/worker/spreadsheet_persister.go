package worker

import (
	"context"
	"errors"
	"time"

	"github.com/collabreef/collabreef/internal/cache"
	"github.com/collabreef/collabreef/internal/store"
)

const spreadsheetInterval = 30 * time.Second

// SpreadsheetPersister overwrites the view's data column with the cached
// sheet serialization. No merge: the cache value is already the
// last-writer-wins truth.
type SpreadsheetPersister struct {
	runner
	cache *cache.SpreadsheetCache
	store ViewStore
}

func NewSpreadsheetPersister(sc *cache.SpreadsheetCache, st ViewStore) *SpreadsheetPersister {
	p := &SpreadsheetPersister{cache: sc, store: st}
	p.runner = runner{name: "spreadsheet", interval: spreadsheetInterval, persist: p.persistAll}
	return p
}

func (p *SpreadsheetPersister) ForcePersist(ctx context.Context) error {
	return p.persistAll(ctx)
}

func (p *SpreadsheetPersister) persistAll(ctx context.Context) error {
	ids, err := p.cache.ActiveIDs(ctx)
	if err != nil {
		return err
	}
	return persistEach(ctx, "spreadsheet", ids, p.persistSpreadsheet)
}

func (p *SpreadsheetPersister) persistSpreadsheet(ctx context.Context, viewID string) error {
	sheets, err := p.cache.GetSheets(ctx, viewID)
	if err != nil {
		return err
	}
	if sheets == "" {
		return nil
	}

	view, err := p.store.FindView(ctx, viewID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if view.Type != "spreadsheet" {
		return nil
	}

	return p.store.UpdateViewData(ctx, viewID, sheets, time.Now().UTC())
}
