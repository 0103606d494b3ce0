package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	sheetDataKey = "spreadsheet:%s:sheets"
	sheetOpsKey  = "spreadsheet:%s:ops"
	sheetLockKey = "spreadsheet:%s:init:lock"
)

// SpreadsheetCache holds spreadsheet documents: the serialized sheet set as
// current source of truth (last-writer-wins) plus an append-only operation
// log kept for audit and replay, not for merging.
type SpreadsheetCache struct {
	client *Client
}

func NewSpreadsheetCache(client *Client) *SpreadsheetCache {
	return &SpreadsheetCache{client: client}
}

// GetSheets returns the serialized sheet set, or "" if none is stored.
func (sc *SpreadsheetCache) GetSheets(ctx context.Context, viewID string) (string, error) {
	data, err := sc.client.rdb.Get(ctx, fmt.Sprintf(sheetDataKey, viewID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return data, err
}

func (sc *SpreadsheetCache) SetSheets(ctx context.Context, viewID, sheets string) error {
	return sc.client.rdb.Set(ctx, fmt.Sprintf(sheetDataKey, viewID), sheets, cacheTTL).Err()
}

// AppendOps appends one batch of operations to the audit log.
func (sc *SpreadsheetCache) AppendOps(ctx context.Context, viewID, ops string) error {
	key := fmt.Sprintf(sheetOpsKey, viewID)
	pipe := sc.client.rdb.Pipeline()
	pipe.RPush(ctx, key, ops)
	pipe.Expire(ctx, key, cacheTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetOps returns the audit log in append order.
func (sc *SpreadsheetCache) GetOps(ctx context.Context, viewID string) ([]string, error) {
	return sc.client.rdb.LRange(ctx, fmt.Sprintf(sheetOpsKey, viewID), 0, -1).Result()
}

// AcquireInitLock takes the short-lived initialization lock for a document.
// SETNX against the shared store, so instances behind a load balancer race
// correctly. Returns false when another holder has it.
func (sc *SpreadsheetCache) AcquireInitLock(ctx context.Context, viewID string) (bool, error) {
	return sc.client.rdb.SetNX(ctx, fmt.Sprintf(sheetLockKey, viewID), "1", initLockTTL).Result()
}

func (sc *SpreadsheetCache) ReleaseInitLock(ctx context.Context, viewID string) error {
	return sc.client.rdb.Del(ctx, fmt.Sprintf(sheetLockKey, viewID)).Err()
}

// IsInitialized reports whether the document has a stored sheet set.
func (sc *SpreadsheetCache) IsInitialized(ctx context.Context, viewID string) (bool, error) {
	count, err := sc.client.rdb.Exists(ctx, fmt.Sprintf(sheetDataKey, viewID)).Result()
	return count > 0, err
}

// ActiveIDs returns the ids of all spreadsheets that currently have cached
// sheet data.
func (sc *SpreadsheetCache) ActiveIDs(ctx context.Context) ([]string, error) {
	return scanIDs(ctx, sc.client.rdb, "spreadsheet:*:sheets", "spreadsheet:")
}

func (sc *SpreadsheetCache) RefreshTTL(ctx context.Context, viewID string) error {
	pipe := sc.client.rdb.Pipeline()
	pipe.Expire(ctx, fmt.Sprintf(sheetDataKey, viewID), cacheTTL)
	pipe.Expire(ctx, fmt.Sprintf(sheetOpsKey, viewID), cacheTTL)
	_, err := pipe.Exec(ctx)
	return err
}
