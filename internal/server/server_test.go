package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabreef/collabreef/internal/cache"
	"github.com/collabreef/collabreef/internal/ws"
)

type testEnv struct {
	srv   *httptest.Server
	view  *cache.ViewCache
	note  *cache.NoteCache
	board *cache.WhiteboardCache
	sheet *cache.SpreadsheetCache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := cache.NewClientFromRedis(rdb)

	env := &testEnv{
		view:  cache.NewViewCache(client),
		note:  cache.NewNoteCache(client),
		board: cache.NewWhiteboardCache(client),
		sheet: cache.NewSpreadsheetCache(client),
	}
	hub := ws.NewHub(ws.Caches{
		View:        env.view,
		Note:        env.note,
		Whiteboard:  env.board,
		Spreadsheet: env.sheet,
	})
	t.Cleanup(hub.Stop)
	env.srv = httptest.NewServer(New(hub).Router())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) dial(t *testing.T, path string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

func readFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

// frame is a superset of every JSON shape the room protocols emit; tests
// pick the fields the scenario cares about.
type frame struct {
	Type           string                            `json:"type"`
	Title          string                            `json:"title"`
	Content        string                            `json:"content"`
	Snapshot       []byte                            `json:"snapshot"`
	YjsUpdate      []byte                            `json:"yjs_update"`
	YjsState       []byte                            `json:"yjs_state"`
	NeedInitialize bool                              `json:"need_initialize"`
	Initialized    bool                              `json:"initialized"`
	Users          []ws.User                         `json:"users"`
	User           ws.User                           `json:"user"`
	LockAcquired   bool                              `json:"lock_acquired"`
	Sheets         json.RawMessage                   `json:"sheets"`
	Ops            json.RawMessage                   `json:"ops"`
	SessionID      string                            `json:"session_id"`
	CanvasObjects  map[string]cache.WhiteboardObject `json:"canvas_objects"`
	ViewObjects    map[string]cache.WhiteboardObject `json:"view_objects"`
	ID             string                            `json:"id"`
	Object         *cache.WhiteboardObject           `json:"object"`
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatsCountsRooms(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dial(t, "/ws/notes/n1", nil)
	var init frame
	readFrame(t, conn, &init)
	require.Equal(t, "init", init.Type)

	resp, err := http.Get(env.srv.URL + "/ws/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats ws.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.TotalRooms)
	assert.Equal(t, 1, stats.TotalClients)
	assert.Equal(t, 1, stats.Rooms["note:n1"])
}

func TestViewRelayAndReplay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	state := []byte{0x01}
	require.NoError(t, env.view.SetState(ctx, "v1", state))

	a := env.dial(t, "/ws/views/v1", nil)
	assert.Equal(t, state, readBinary(t, a))

	b := env.dial(t, "/ws/views/v1", nil)
	assert.Equal(t, state, readBinary(t, b))

	u1 := []byte{0x02}
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, u1))
	assert.Equal(t, u1, readBinary(t, b))

	// If u1 had echoed back, a's next frame would be u1 rather than u2.
	u2 := []byte{0x03}
	require.NoError(t, b.WriteMessage(websocket.BinaryMessage, u2))
	assert.Equal(t, u2, readBinary(t, a))

	// A late joiner replays the snapshot and the whole pending log.
	c := env.dial(t, "/ws/views/v1", nil)
	assert.Equal(t, state, readBinary(t, c))
	assert.Equal(t, u1, readBinary(t, c))
	assert.Equal(t, u2, readBinary(t, c))

	updates, err := env.view.GetUpdates(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{u1, u2}, updates)
}

func TestPublicViewIsReadOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	state := []byte{0x01}
	require.NoError(t, env.view.SetState(ctx, "v1", state))

	viewer := env.dial(t, "/ws/public/views/v1", nil)
	assert.Equal(t, state, readBinary(t, viewer))

	writer := env.dial(t, "/ws/views/v1", nil)
	assert.Equal(t, state, readBinary(t, writer))

	// The viewer's frame is dropped before it can touch cache or peers, so
	// the writer's first incoming frame is the next legitimate update.
	require.NoError(t, viewer.WriteMessage(websocket.BinaryMessage, []byte{0xbb}))
	u1 := []byte{0x02}
	require.NoError(t, writer.WriteMessage(websocket.BinaryMessage, u1))
	assert.Equal(t, u1, readBinary(t, viewer))

	updates, err := env.view.GetUpdates(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{u1}, updates)
}

func TestNoteJoinUpdatePresence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	alice := env.dial(t, "/ws/notes/n1", http.Header{
		"X-User-Id":   {"alice"},
		"X-User-Name": {"Alice"},
	})
	var init frame
	readFrame(t, alice, &init)
	require.Equal(t, "init", init.Type)
	assert.True(t, init.NeedInitialize)
	// The roster includes the joiner itself.
	assert.ElementsMatch(t, []ws.User{{ID: "alice", Name: "Alice"}}, init.Users)

	u1 := []byte("u1")
	require.NoError(t, alice.WriteJSON(map[string]any{
		"type":       "yjs_update",
		"yjs_update": u1,
		"content":    "hello world",
	}))
	// The content mirror is written after the log append, so seeing it means
	// the whole frame landed.
	require.Eventually(t, func() bool {
		data, err := env.note.GetData(ctx, "n1")
		return err == nil && data != nil && data.Content == "hello world"
	}, 2*time.Second, 10*time.Millisecond)

	bob := env.dial(t, "/ws/notes/n1", http.Header{
		"X-User-Id":   {"bob"},
		"X-User-Name": {"Bob"},
	})
	readFrame(t, bob, &init)
	require.Equal(t, "init", init.Type)
	assert.True(t, init.NeedInitialize, "pending updates alone do not make a snapshot")
	assert.Equal(t, "hello world", init.Content)
	assert.ElementsMatch(t, []ws.User{
		{ID: "alice", Name: "Alice"},
		{ID: "bob", Name: "Bob"},
	}, init.Users)

	// The pending log replays even without a snapshot, closed by the marker.
	var replay frame
	readFrame(t, bob, &replay)
	require.Equal(t, "yjs_update", replay.Type)
	assert.Equal(t, u1, replay.YjsUpdate)
	readFrame(t, bob, &replay)
	assert.Equal(t, "snapshot_ready", replay.Type)

	var join frame
	readFrame(t, alice, &join)
	require.Equal(t, "user_join", join.Type)
	assert.Equal(t, ws.User{ID: "bob", Name: "Bob"}, join.User)

	require.NoError(t, alice.WriteJSON(map[string]any{"type": "update_title", "title": "Plans"}))
	var relayed frame
	readFrame(t, bob, &relayed)
	require.Equal(t, "update_title", relayed.Type)
	assert.Equal(t, "Plans", relayed.Title)

	data, err := env.note.GetData(ctx, "n1")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, "Plans", data.Title)
	assert.Equal(t, "alice", data.UpdatedBy)

	require.NoError(t, bob.Close())
	var leave frame
	readFrame(t, alice, &leave)
	require.Equal(t, "user_leave", leave.Type)
	assert.Equal(t, ws.User{ID: "bob", Name: "Bob"}, leave.User)
}

func TestNoteSnapshotStoredNotRelayed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	alice := env.dial(t, "/ws/notes/n2", http.Header{"X-User-Id": {"alice"}})
	var init frame
	readFrame(t, alice, &init)
	require.Equal(t, "init", init.Type)

	bob := env.dial(t, "/ws/notes/n2", http.Header{"X-User-Id": {"bob"}})
	readFrame(t, bob, &init)
	var join frame
	readFrame(t, alice, &join)
	require.Equal(t, "user_join", join.Type)

	snap := []byte("snap")
	require.NoError(t, alice.WriteJSON(map[string]any{"type": "snapshot", "snapshot": snap}))
	require.NoError(t, alice.WriteJSON(map[string]any{"type": "update_title", "title": "T"}))

	// Bob sees the title update first: the snapshot was stored, not relayed.
	var next frame
	readFrame(t, bob, &next)
	assert.Equal(t, "update_title", next.Type)

	has, err := env.note.HasSnapshot(ctx, "n2")
	require.NoError(t, err)
	assert.True(t, has)

	// A late joiner bootstraps from the stored snapshot.
	carol := env.dial(t, "/ws/notes/n2", http.Header{"X-User-Id": {"carol"}})
	readFrame(t, carol, &init)
	require.Equal(t, "init", init.Type)
	assert.False(t, init.NeedInitialize)
	readFrame(t, carol, &next)
	require.Equal(t, "snapshot", next.Type)
	assert.Equal(t, snap, next.Snapshot)
	readFrame(t, carol, &next)
	assert.Equal(t, "snapshot_ready", next.Type)
}

func TestSpreadsheetInitLockFlow(t *testing.T) {
	env := newTestEnv(t)

	head := http.Header{"X-View-Type": {"spreadsheet"}}

	alice := env.dial(t, "/ws/views/s1", head)
	var init frame
	readFrame(t, alice, &init)
	require.Equal(t, "init", init.Type)
	assert.False(t, init.Initialized)

	require.NoError(t, alice.WriteJSON(map[string]any{"type": "acquire_lock"}))
	var lock frame
	readFrame(t, alice, &lock)
	require.Equal(t, "lock_acquired", lock.Type)
	assert.True(t, lock.LockAcquired)

	bob := env.dial(t, "/ws/views/s1", head)
	readFrame(t, bob, &init)
	require.NoError(t, bob.WriteJSON(map[string]any{"type": "acquire_lock"}))
	readFrame(t, bob, &lock)
	assert.False(t, lock.LockAcquired, "lock is held by the first caller")

	sheets := json.RawMessage(`[{"name":"Sheet1"}]`)
	require.NoError(t, alice.WriteJSON(map[string]any{"type": "initialize_data", "sheets": sheets}))

	var seeded frame
	readFrame(t, bob, &seeded)
	require.Equal(t, "initialize_data", seeded.Type)
	assert.JSONEq(t, string(sheets), string(seeded.Sheets))

	carol := env.dial(t, "/ws/views/s1", head)
	readFrame(t, carol, &init)
	assert.True(t, init.Initialized)
	assert.JSONEq(t, string(sheets), string(init.Sheets))

	// Once initialized the lock is refused outright, held or not.
	require.NoError(t, bob.WriteJSON(map[string]any{"type": "acquire_lock"}))
	readFrame(t, bob, &lock)
	assert.False(t, lock.LockAcquired)
}

func TestSpreadsheetOpEchoesToEveryone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	head := http.Header{"X-View-Type": {"spreadsheet"}}
	alice := env.dial(t, "/ws/views/s2", head)
	bob := env.dial(t, "/ws/views/s2", head)
	var init frame
	readFrame(t, alice, &init)
	readFrame(t, bob, &init)

	require.NoError(t, alice.WriteJSON(map[string]any{
		"type":       "op",
		"ops":        json.RawMessage(`[{"cell":"A1","v":1}]`),
		"sheets":     json.RawMessage(`[{"name":"Sheet1"}]`),
		"session_id": "sess-alice",
	}))

	for _, conn := range []*websocket.Conn{alice, bob} {
		var op frame
		readFrame(t, conn, &op)
		require.Equal(t, "op", op.Type)
		assert.Equal(t, "sess-alice", op.SessionID)
		assert.JSONEq(t, `[{"cell":"A1","v":1}]`, string(op.Ops))
	}

	sheets, err := env.sheet.GetSheets(ctx, "s2")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"Sheet1"}]`, sheets)

	ops, err := env.sheet.GetOps(ctx, "s2")
	require.NoError(t, err)
	require.Len(t, ops, 1)
}

func TestWhiteboardLifecycle(t *testing.T) {
	env := newTestEnv(t)

	head := http.Header{"X-View-Type": {"whiteboard"}}

	alice := env.dial(t, "/ws/views/w1", head)
	raw := readBinary(t, alice)
	var init frame
	require.NoError(t, json.Unmarshal(raw, &init))
	require.Equal(t, "init", init.Type)
	assert.False(t, init.Initialized)
	assert.Empty(t, init.CanvasObjects)
	// yjs_state is carried as an explicit null before initialization, never
	// omitted.
	assert.Contains(t, string(raw), `"yjs_state":null`)

	require.NoError(t, alice.WriteJSON(map[string]any{"type": "acquire_lock"}))
	var lock frame
	readFrame(t, alice, &lock)
	require.True(t, lock.LockAcquired)

	state := []byte{0x0a}
	require.NoError(t, alice.WriteJSON(map[string]any{
		"type": "initialize_data",
		"canvas_objects": map[string]any{
			"o1": map[string]any{"type": "rect", "name": "box", "data": map[string]any{"x": 1}},
		},
		"yjs_state": state,
	}))
	// The lock reply arrives after initialize_data on the same connection,
	// so receiving it means the seed landed.
	require.NoError(t, alice.WriteJSON(map[string]any{"type": "acquire_lock"}))
	readFrame(t, alice, &lock)
	require.Equal(t, "lock_acquired", lock.Type)

	bob := env.dial(t, "/ws/views/w1", head)
	readFrame(t, bob, &init)
	require.Equal(t, "init", init.Type)
	assert.True(t, init.Initialized)
	assert.Equal(t, state, init.YjsState)
	require.Contains(t, init.CanvasObjects, "o1")
	assert.Equal(t, "rect", init.CanvasObjects["o1"].Type)
	assert.Equal(t, "o1", init.CanvasObjects["o1"].ID)

	require.NoError(t, alice.WriteJSON(map[string]any{
		"type":   "add_canvas_object",
		"object": map[string]any{"id": "o2", "type": "line"},
	}))
	var added frame
	readFrame(t, bob, &added)
	require.Equal(t, "add_canvas_object", added.Type)
	require.NotNil(t, added.Object)
	assert.Equal(t, "o2", added.Object.ID)

	require.NoError(t, alice.WriteJSON(map[string]any{"type": "delete_canvas_object", "id": "o2"}))
	var deleted frame
	readFrame(t, bob, &deleted)
	require.Equal(t, "delete_canvas_object", deleted.Type)
	assert.Equal(t, "o2", deleted.ID)

	require.NoError(t, alice.WriteJSON(map[string]any{"type": "clear_all"}))
	var cleared frame
	readFrame(t, bob, &cleared)
	require.Equal(t, "clear_all", cleared.Type)

	// Cleared but still initialized: late joiners see an empty board and do
	// not try to reseed it.
	carol := env.dial(t, "/ws/views/w1", head)
	init = frame{}
	readFrame(t, carol, &init)
	assert.True(t, init.Initialized)
	assert.Empty(t, init.CanvasObjects)
}

func TestNoteReadOnlyIsInert(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	alice := env.dial(t, "/ws/notes/n1", http.Header{"X-User-Id": {"alice"}})
	var init frame
	readFrame(t, alice, &init)
	require.Equal(t, "init", init.Type)

	viewer := env.dial(t, "/ws/notes/n1", http.Header{
		"X-User-Id":   {"eve"},
		"X-Read-Only": {"true"},
	})
	readFrame(t, viewer, &init)
	var join frame
	readFrame(t, alice, &join)
	require.Equal(t, "user_join", join.Type)

	// Every frame from a read-only sender is dropped before the cache or
	// any peer sees it; the next frame the viewer reads is the writer's.
	require.NoError(t, viewer.WriteJSON(map[string]any{"type": "update_title", "title": "hijacked"}))
	require.NoError(t, viewer.WriteJSON(map[string]any{"type": "yjs_update", "yjs_update": []byte("u1")}))
	require.NoError(t, alice.WriteJSON(map[string]any{"type": "update_title", "title": "Plans"}))

	var relayed frame
	readFrame(t, viewer, &relayed)
	require.Equal(t, "update_title", relayed.Type)
	assert.Equal(t, "Plans", relayed.Title)

	data, err := env.note.GetData(ctx, "n1")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, "Plans", data.Title)
	assert.Equal(t, "alice", data.UpdatedBy)

	updates, err := env.note.GetUpdates(ctx, "n1")
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func TestSpreadsheetReadOnlyLockProbe(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	head := http.Header{"X-View-Type": {"spreadsheet"}}
	writer := env.dial(t, "/ws/views/s3", head)
	var init frame
	readFrame(t, writer, &init)

	viewer := env.dial(t, "/ws/views/s3", http.Header{
		"X-View-Type": {"spreadsheet"},
		"X-Read-Only": {"true"},
	})
	readFrame(t, viewer, &init)

	// The op is dropped; the lock probe that follows it on the same
	// connection is answered, proving the drop happened.
	require.NoError(t, viewer.WriteJSON(map[string]any{
		"type":   "op",
		"ops":    json.RawMessage(`[{"cell":"A1"}]`),
		"sheets": json.RawMessage(`[{"name":"Sheet1"}]`),
	}))
	require.NoError(t, viewer.WriteJSON(map[string]any{"type": "acquire_lock"}))

	var lock frame
	readFrame(t, viewer, &lock)
	require.Equal(t, "lock_acquired", lock.Type)
	assert.False(t, lock.LockAcquired)

	sheets, err := env.sheet.GetSheets(ctx, "s3")
	require.NoError(t, err)
	assert.Empty(t, sheets, "a read-only op never reaches the cache")

	// The refused probe left the lock itself untouched: a writer can still
	// take it.
	require.NoError(t, writer.WriteJSON(map[string]any{"type": "acquire_lock"}))
	readFrame(t, writer, &lock)
	require.Equal(t, "lock_acquired", lock.Type)
	assert.True(t, lock.LockAcquired)
}

func TestWhiteboardReadOnlyCannotMutate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	viewer := env.dial(t, "/ws/views/w2", http.Header{
		"X-View-Type": {"whiteboard"},
		"X-Read-Only": {"true"},
	})
	var init frame
	readFrame(t, viewer, &init)
	require.Equal(t, "init", init.Type)

	require.NoError(t, viewer.WriteJSON(map[string]any{
		"type":   "add_canvas_object",
		"object": map[string]any{"id": "o1", "type": "rect"},
	}))
	require.NoError(t, viewer.WriteJSON(map[string]any{"type": "acquire_lock"}))

	// The lock reply arrives after the dropped mutation, proving it was
	// processed and discarded.
	var lock frame
	readFrame(t, viewer, &lock)
	require.Equal(t, "lock_acquired", lock.Type)
	assert.False(t, lock.LockAcquired)

	objects, err := env.board.GetCanvasObjects(ctx, "w2")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestDocumentIDDropsDuplicatedSegment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	state := []byte{0x01}
	require.NoError(t, env.view.SetState(ctx, "v9", state))

	// y-websocket clients append the room name to the path; both spellings
	// land in the same room.
	conn := env.dial(t, "/ws/views/v9/v9", nil)
	assert.Equal(t, state, readBinary(t, conn))
}
