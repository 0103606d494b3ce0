package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	wbCanvasKey      = "whiteboard:%s:canvas"
	wbViewObjectsKey = "whiteboard:%s:viewobjects"
	wbStateKey       = "whiteboard:%s:yjsstate"
	wbLockKey        = "whiteboard:%s:init:lock"

	// initializedField marks a collection as initialized even when it holds
	// no real objects, so an empty whiteboard is distinguishable from an
	// untouched one.
	initializedField = "_initialized"
)

// WhiteboardObject is one entry in a whiteboard collection: a canvas-layer
// stroke/shape or an overlay-layer text/note/view reference.
type WhiteboardObject struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// WhiteboardCache holds whiteboard documents: two independently keyed object
// collections plus an optional CRDT state blob used by the view layer.
type WhiteboardCache struct {
	client *Client
}

func NewWhiteboardCache(client *Client) *WhiteboardCache {
	return &WhiteboardCache{client: client}
}

func (wc *WhiteboardCache) GetCanvasObjects(ctx context.Context, viewID string) (map[string]WhiteboardObject, error) {
	return wc.getObjects(ctx, fmt.Sprintf(wbCanvasKey, viewID))
}

func (wc *WhiteboardCache) SetCanvasObject(ctx context.Context, viewID string, obj WhiteboardObject) error {
	return wc.setObject(ctx, fmt.Sprintf(wbCanvasKey, viewID), obj)
}

func (wc *WhiteboardCache) DeleteCanvasObject(ctx context.Context, viewID, objectID string) error {
	return wc.client.rdb.HDel(ctx, fmt.Sprintf(wbCanvasKey, viewID), objectID).Err()
}

func (wc *WhiteboardCache) ClearCanvasObjects(ctx context.Context, viewID string) error {
	return wc.clearObjects(ctx, fmt.Sprintf(wbCanvasKey, viewID))
}

func (wc *WhiteboardCache) GetViewObjects(ctx context.Context, viewID string) (map[string]WhiteboardObject, error) {
	return wc.getObjects(ctx, fmt.Sprintf(wbViewObjectsKey, viewID))
}

func (wc *WhiteboardCache) SetViewObject(ctx context.Context, viewID string, obj WhiteboardObject) error {
	return wc.setObject(ctx, fmt.Sprintf(wbViewObjectsKey, viewID), obj)
}

func (wc *WhiteboardCache) DeleteViewObject(ctx context.Context, viewID, objectID string) error {
	return wc.client.rdb.HDel(ctx, fmt.Sprintf(wbViewObjectsKey, viewID), objectID).Err()
}

func (wc *WhiteboardCache) ClearViewObjects(ctx context.Context, viewID string) error {
	return wc.clearObjects(ctx, fmt.Sprintf(wbViewObjectsKey, viewID))
}

func (wc *WhiteboardCache) getObjects(ctx context.Context, key string) (map[string]WhiteboardObject, error) {
	result, err := wc.client.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	objects := make(map[string]WhiteboardObject, len(result))
	for id, data := range result {
		if id == initializedField {
			continue
		}
		var obj WhiteboardObject
		if err := json.Unmarshal([]byte(data), &obj); err != nil {
			// skip invalid entries
			continue
		}
		objects[id] = obj
	}
	return objects, nil
}

func (wc *WhiteboardCache) setObject(ctx context.Context, key string, obj WhiteboardObject) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	pipe := wc.client.rdb.Pipeline()
	pipe.HSet(ctx, key, obj.ID, data)
	pipe.Expire(ctx, key, cacheTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (wc *WhiteboardCache) clearObjects(ctx context.Context, key string) error {
	fields, err := wc.client.rdb.HKeys(ctx, key).Result()
	if err != nil || len(fields) == 0 {
		return err
	}
	return wc.client.rdb.HDel(ctx, key, fields...).Err()
}

// GetState returns the CRDT overlay-state blob, or nil if none is stored.
func (wc *WhiteboardCache) GetState(ctx context.Context, viewID string) ([]byte, error) {
	data, err := wc.client.rdb.Get(ctx, fmt.Sprintf(wbStateKey, viewID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}

func (wc *WhiteboardCache) SetState(ctx context.Context, viewID string, state []byte) error {
	return wc.client.rdb.Set(ctx, fmt.Sprintf(wbStateKey, viewID), state, cacheTTL).Err()
}

// AcquireInitLock takes the short-lived initialization lock for a document.
func (wc *WhiteboardCache) AcquireInitLock(ctx context.Context, viewID string) (bool, error) {
	return wc.client.rdb.SetNX(ctx, fmt.Sprintf(wbLockKey, viewID), "1", initLockTTL).Result()
}

func (wc *WhiteboardCache) ReleaseInitLock(ctx context.Context, viewID string) error {
	return wc.client.rdb.Del(ctx, fmt.Sprintf(wbLockKey, viewID)).Err()
}

// IsInitialized reports whether either collection exists, sentinel included.
func (wc *WhiteboardCache) IsInitialized(ctx context.Context, viewID string) (bool, error) {
	count, err := wc.client.rdb.Exists(ctx,
		fmt.Sprintf(wbCanvasKey, viewID),
		fmt.Sprintf(wbViewObjectsKey, viewID),
	).Result()
	return count > 0, err
}

// MarkInitialized plants the sentinel field in both collections so a later
// bootstrap sees "initialized, possibly empty" rather than "untouched".
func (wc *WhiteboardCache) MarkInitialized(ctx context.Context, viewID string) error {
	canvasKey := fmt.Sprintf(wbCanvasKey, viewID)
	viewObjKey := fmt.Sprintf(wbViewObjectsKey, viewID)
	pipe := wc.client.rdb.Pipeline()
	pipe.HSetNX(ctx, canvasKey, initializedField, "1")
	pipe.Expire(ctx, canvasKey, cacheTTL)
	pipe.HSetNX(ctx, viewObjKey, initializedField, "1")
	pipe.Expire(ctx, viewObjKey, cacheTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// ActiveIDs returns the ids of all whiteboards that currently have a canvas
// collection.
func (wc *WhiteboardCache) ActiveIDs(ctx context.Context) ([]string, error) {
	return scanIDs(ctx, wc.client.rdb, "whiteboard:*:canvas", "whiteboard:")
}

func (wc *WhiteboardCache) RefreshTTL(ctx context.Context, viewID string) error {
	pipe := wc.client.rdb.Pipeline()
	pipe.Expire(ctx, fmt.Sprintf(wbCanvasKey, viewID), cacheTTL)
	pipe.Expire(ctx, fmt.Sprintf(wbViewObjectsKey, viewID), cacheTTL)
	pipe.Expire(ctx, fmt.Sprintf(wbStateKey, viewID), cacheTTL)
	_, err := pipe.Exec(ctx)
	return err
}
