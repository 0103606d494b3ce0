package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	noteDataKey     = "note:%s:data"
	noteSnapshotKey = "note:%s:yjs:snapshot"
	noteUpdatesKey  = "note:%s:yjs:updates"
)

// NoteData is the plain-field mirror of a note, kept alongside the CRDT
// state so non-collaborative readers never need the CRDT runtime.
type NoteData struct {
	Title      string
	Content    string
	Visibility string
	CreatedAt  string
	CreatedBy  string
	UpdatedAt  string
	UpdatedBy  string
}

// NoteCache holds note documents: a hash of plain fields plus the CRDT
// snapshot and pending update log.
type NoteCache struct {
	client *Client
}

func NewNoteCache(client *Client) *NoteCache {
	return &NoteCache{client: client}
}

// GetData returns the plain fields for a note, or nil if the note has no
// cached state.
func (nc *NoteCache) GetData(ctx context.Context, noteID string) (*NoteData, error) {
	result, err := nc.client.rdb.HGetAll(ctx, fmt.Sprintf(noteDataKey, noteID)).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}
	return &NoteData{
		Title:      result["title"],
		Content:    result["content"],
		Visibility: result["visibility"],
		CreatedAt:  result["created_at"],
		CreatedBy:  result["created_by"],
		UpdatedAt:  result["updated_at"],
		UpdatedBy:  result["updated_by"],
	}, nil
}

// UpdateTitle writes the title and bumps the updated-at/by stamps.
func (nc *NoteCache) UpdateTitle(ctx context.Context, noteID, title, updatedBy string) error {
	return nc.updateFields(ctx, noteID, map[string]any{"title": title}, updatedBy)
}

// UpdateContent writes the plain-text content mirror and bumps the stamps.
func (nc *NoteCache) UpdateContent(ctx context.Context, noteID, content, updatedBy string) error {
	return nc.updateFields(ctx, noteID, map[string]any{"content": content}, updatedBy)
}

func (nc *NoteCache) updateFields(ctx context.Context, noteID string, fields map[string]any, updatedBy string) error {
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339)
	fields["updated_by"] = updatedBy

	key := fmt.Sprintf(noteDataKey, noteID)
	pipe := nc.client.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, cacheTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// HasSnapshot reports whether a compacted CRDT snapshot exists. A missing
// snapshot tells a joining client it must seed the CRDT state from the
// plain-text mirror.
func (nc *NoteCache) HasSnapshot(ctx context.Context, noteID string) (bool, error) {
	count, err := nc.client.rdb.Exists(ctx, fmt.Sprintf(noteSnapshotKey, noteID)).Result()
	return count > 0, err
}

func (nc *NoteCache) GetSnapshot(ctx context.Context, noteID string) ([]byte, error) {
	data, err := nc.client.rdb.Get(ctx, fmt.Sprintf(noteSnapshotKey, noteID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}

func (nc *NoteCache) SetSnapshot(ctx context.Context, noteID string, snapshot []byte) error {
	return nc.client.rdb.Set(ctx, fmt.Sprintf(noteSnapshotKey, noteID), snapshot, cacheTTL).Err()
}

func (nc *NoteCache) AppendUpdate(ctx context.Context, noteID string, update []byte) error {
	key := fmt.Sprintf(noteUpdatesKey, noteID)
	pipe := nc.client.rdb.Pipeline()
	pipe.RPush(ctx, key, update)
	pipe.Expire(ctx, key, cacheTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (nc *NoteCache) GetUpdates(ctx context.Context, noteID string) ([][]byte, error) {
	updates, err := nc.client.rdb.LRange(ctx, fmt.Sprintf(noteUpdatesKey, noteID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	result := make([][]byte, len(updates))
	for i, update := range updates {
		result[i] = []byte(update)
	}
	return result, nil
}

// ClearUpdatesPrefix drops the first n log entries after compaction, leaving
// any updates appended since the log was read.
func (nc *NoteCache) ClearUpdatesPrefix(ctx context.Context, noteID string, n int) error {
	if n <= 0 {
		return nil
	}
	return nc.client.rdb.LTrim(ctx, fmt.Sprintf(noteUpdatesKey, noteID), int64(n), -1).Err()
}

// ActiveIDs returns the ids of all notes that currently have cached data.
func (nc *NoteCache) ActiveIDs(ctx context.Context) ([]string, error) {
	return scanIDs(ctx, nc.client.rdb, "note:*:data", "note:")
}

func (nc *NoteCache) RefreshTTL(ctx context.Context, noteID string) error {
	pipe := nc.client.rdb.Pipeline()
	pipe.Expire(ctx, fmt.Sprintf(noteDataKey, noteID), cacheTTL)
	pipe.Expire(ctx, fmt.Sprintf(noteSnapshotKey, noteID), cacheTTL)
	pipe.Expire(ctx, fmt.Sprintf(noteUpdatesKey, noteID), cacheTTL)
	_, err := pipe.Exec(ctx)
	return err
}
