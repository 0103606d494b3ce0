package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	viewStateKey   = "view:%s:yjs:state"
	viewUpdatesKey = "view:%s:yjs:updates"

	// maxViewUpdates caps the pending update log; oldest entries are trimmed
	// first. The compacting worker normally clears the log long before the
	// cap matters.
	maxViewUpdates = 1000
)

// ViewCache holds the CRDT state for freeform view documents: a compacted
// snapshot plus the append-only log of updates applied since.
type ViewCache struct {
	client *Client
}

func NewViewCache(client *Client) *ViewCache {
	return &ViewCache{client: client}
}

// GetState returns the compacted snapshot, or nil if none exists.
func (vc *ViewCache) GetState(ctx context.Context, viewID string) ([]byte, error) {
	data, err := vc.client.rdb.Get(ctx, fmt.Sprintf(viewStateKey, viewID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}

func (vc *ViewCache) SetState(ctx context.Context, viewID string, state []byte) error {
	return vc.client.rdb.Set(ctx, fmt.Sprintf(viewStateKey, viewID), state, cacheTTL).Err()
}

// AppendUpdate appends one update to the log, trims it to the cap and
// refreshes the key TTL in a single pipeline.
func (vc *ViewCache) AppendUpdate(ctx context.Context, viewID string, update []byte) error {
	key := fmt.Sprintf(viewUpdatesKey, viewID)
	pipe := vc.client.rdb.Pipeline()
	pipe.RPush(ctx, key, update)
	pipe.LTrim(ctx, key, -maxViewUpdates, -1)
	pipe.Expire(ctx, key, cacheTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetUpdates returns the pending update log in append order.
func (vc *ViewCache) GetUpdates(ctx context.Context, viewID string) ([][]byte, error) {
	updates, err := vc.client.rdb.LRange(ctx, fmt.Sprintf(viewUpdatesKey, viewID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	result := make([][]byte, len(updates))
	for i, update := range updates {
		result[i] = []byte(update)
	}
	return result, nil
}

// ClearUpdatesPrefix drops the first n log entries. Updates appended after
// the caller read the log sit beyond the prefix and survive, which is what
// makes compaction safe to run alongside live edits.
func (vc *ViewCache) ClearUpdatesPrefix(ctx context.Context, viewID string, n int) error {
	if n <= 0 {
		return nil
	}
	return vc.client.rdb.LTrim(ctx, fmt.Sprintf(viewUpdatesKey, viewID), int64(n), -1).Err()
}

// ActiveIDs returns the ids of all views that currently have cached state.
func (vc *ViewCache) ActiveIDs(ctx context.Context) ([]string, error) {
	return scanIDs(ctx, vc.client.rdb, "view:*:yjs:*", "view:")
}

// RefreshTTL extends the lifetime of all keys for a view.
func (vc *ViewCache) RefreshTTL(ctx context.Context, viewID string) error {
	pipe := vc.client.rdb.Pipeline()
	pipe.Expire(ctx, fmt.Sprintf(viewStateKey, viewID), cacheTTL)
	pipe.Expire(ctx, fmt.Sprintf(viewUpdatesKey, viewID), cacheTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// scanIDs walks keys matching pattern and extracts the document id, assumed
// to be the second colon-separated segment after prefix.
func scanIDs(ctx context.Context, rdb *redis.Client, pattern, prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string

	iter := rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		rest := strings.TrimPrefix(iter.Val(), prefix)
		id, _, ok := strings.Cut(rest, ":")
		if !ok || id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
