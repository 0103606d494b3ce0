package worker

import (
	"context"
	"time"

	"github.com/collabreef/collabreef/internal/cache"
	"github.com/collabreef/collabreef/internal/crdt"
)

const viewInterval = 5 * time.Minute

// ViewPersister compacts the CRDT log of every active view: replay snapshot
// plus pending updates, write the merged state back as the new snapshot,
// clear the replayed prefix. It touches no durable storage; bounding log
// growth in the cache is its whole job.
type ViewPersister struct {
	runner
	cache  *cache.ViewCache
	merger crdt.Merger
}

func NewViewPersister(vc *cache.ViewCache, merger crdt.Merger) *ViewPersister {
	p := &ViewPersister{cache: vc, merger: merger}
	p.runner = runner{name: "view", interval: viewInterval, persist: p.persistAll}
	return p
}

func (p *ViewPersister) ForcePersist(ctx context.Context) error {
	return p.persistAll(ctx)
}

func (p *ViewPersister) persistAll(ctx context.Context) error {
	ids, err := p.cache.ActiveIDs(ctx)
	if err != nil {
		return err
	}
	return persistEach(ctx, "view", ids, p.compactView)
}

func (p *ViewPersister) compactView(ctx context.Context, viewID string) error {
	state, err := p.cache.GetState(ctx, viewID)
	if err != nil {
		return err
	}
	updates, err := p.cache.GetUpdates(ctx, viewID)
	if err != nil {
		return err
	}
	if len(state) == 0 && len(updates) == 0 {
		return nil
	}

	merged, err := p.merger.Merge(state, updates)
	if err != nil {
		return err
	}

	if err := p.cache.SetState(ctx, viewID, merged); err != nil {
		return err
	}
	return p.cache.ClearUpdatesPrefix(ctx, viewID, len(updates))
}
