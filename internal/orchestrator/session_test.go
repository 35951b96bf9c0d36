package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yapit-tts/yapit-sub004/internal/cache"
	"github.com/yapit-tts/yapit-sub004/internal/notify"
	"github.com/yapit-tts/yapit-sub004/internal/queue"
	"github.com/yapit-tts/yapit-sub004/internal/wire"
)

type fakeDocumentStore struct {
	blocks map[int]Block
}

func (f *fakeDocumentStore) GetBlock(documentID string, blockIdx int) (Block, error) {
	b, ok := f.blocks[blockIdx]
	if !ok {
		return Block{}, ErrBlockNotFound
	}
	return b, nil
}

type fakeUsageGate struct {
	deny   bool
	reason string
}

func (g *fakeUsageGate) Allow(ctx context.Context, userID, documentID string, blockIdx int, usageMultiplier float64) (bool, string, error) {
	if g.deny {
		return false, g.reason, nil
	}
	return true, "", nil
}

func newTestHub(t *testing.T, docs DocumentStore, usage UsageGate) (*Hub, *queue.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := cache.Open(filepath.Join(t.TempDir(), "variants.db"), 1<<30, time.Hour, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client := queue.Wrap(rdb)
	bus := notify.NewBus(rdb)

	hub := NewHub(client, store, bus, docs, usage, time.Minute, 2, 10)
	return hub, client
}

func dialSession(t *testing.T, hub *Hub, userID string) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeHTTP(w, r, userID)
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestSynthesizeRepliesCachedOnHit(t *testing.T) {
	docs := &fakeDocumentStore{blocks: map[int]Block{0: {Text: "hello"}}}
	hub, _ := newTestHub(t, docs, nil)

	variantHash := wire.VariantHash("hello", "kokoro", "af_heart", nil)
	require.NoError(t, hub.Cache.Put(variantHash, []byte("audio"), "opus", 100))

	conn, closeFn := dialSession(t, hub, "user-1")
	defer closeFn()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "synthesize", "document_id": "doc-1", "block_indices": []int{0},
		"cursor": 0, "model": "kokoro", "voice": "af_heart", "synthesis_mode": "server",
	}))

	var status wire.StatusMessage
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, wire.StatusCached, status.Status)
	assert.Equal(t, variantHash, status.VariantHash)
	assert.NotEmpty(t, status.AudioURL)
}

func TestSynthesizeRepliesErrorWhenUsageGateDenies(t *testing.T) {
	docs := &fakeDocumentStore{blocks: map[int]Block{0: {Text: "hello"}}}
	usage := &fakeUsageGate{deny: true, reason: "quota exceeded"}
	hub, _ := newTestHub(t, docs, usage)

	conn, closeFn := dialSession(t, hub, "user-1")
	defer closeFn()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "synthesize", "document_id": "doc-1", "block_indices": []int{0},
		"cursor": 0, "model": "kokoro", "voice": "af_heart", "synthesis_mode": "server",
	}))

	var status wire.StatusMessage
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, wire.StatusError, status.Status)
	assert.Equal(t, "quota exceeded", status.Error)
}

func TestSynthesizeQueuesNewJobAndForwardsResult(t *testing.T) {
	docs := &fakeDocumentStore{blocks: map[int]Block{0: {Text: "hello"}}}
	hub, client := newTestHub(t, docs, nil)

	conn, closeFn := dialSession(t, hub, "user-1")
	defer closeFn()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "synthesize", "document_id": "doc-1", "block_indices": []int{0},
		"cursor": 0, "model": "kokoro", "voice": "af_heart", "synthesis_mode": "server",
	}))

	var queued wire.StatusMessage
	require.NoError(t, conn.ReadJSON(&queued))
	assert.Equal(t, wire.StatusQueued, queued.Status)

	ctx := context.Background()
	job, err := client.Claim(ctx, "kokoro", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	result := wire.Result{
		JobID: job.JobID, UserID: job.UserID, DocumentID: job.DocumentID,
		BlockIdx: job.BlockIdx, VariantHash: job.VariantHash,
		AudioB64: "YXVkaW8=", Codec: "opus", DurationMs: 42,
	}
	gated, err := client.FinalizeResult(ctx, result.VariantHash, result.JobID, result.UserID, result.DocumentID, result.BlockIdx)
	require.NoError(t, err)
	require.True(t, gated)

	event := notify.NewCloudEvent(notify.EventBlockReady, "test", result.DocumentID, map[string]interface{}{
		"status": wire.StatusCached, "block_idx": float64(result.BlockIdx),
		"variant_hash": result.VariantHash, "model_slug": "kokoro", "voice_slug": "af_heart",
	})
	require.NoError(t, hub.Bus.PublishDone(ctx, "user-1", "doc-1", event))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var forwarded wire.StatusMessage
	require.NoError(t, conn.ReadJSON(&forwarded))
	assert.Equal(t, wire.StatusCached, forwarded.Status)
	assert.Equal(t, result.VariantHash, forwarded.VariantHash)
}

func TestCursorMovedEvictsOutOfWindowBlocks(t *testing.T) {
	docs := &fakeDocumentStore{blocks: map[int]Block{
		0: {Text: "a"}, 20: {Text: "b"},
	}}
	hub, client := newTestHub(t, docs, nil)
	ctx := context.Background()

	job := wire.Job{
		JobID: "job-far", UserID: "user-1", DocumentID: "doc-1", BlockIdx: 20,
		Text: "b", Model: "kokoro", Voice: "af_heart",
		VariantHash: wire.VariantHash("b", "kokoro", "af_heart", nil),
	}
	won, err := client.EnqueueIfNew(ctx, job, time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	conn, closeFn := dialSession(t, hub, "user-1")
	defer closeFn()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "cursor_moved", "document_id": "doc-1", "cursor": 0,
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evicted wire.EvictedMessage
	require.NoError(t, conn.ReadJSON(&evicted))
	assert.Equal(t, wire.ServerMsgEvicted, evicted.Type)
	assert.Contains(t, evicted.BlockIndices, 20)

	depth, err := client.QueueDepth(ctx, "kokoro")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

// TestCursorMovedEvictsLargeBatchOutsideArithmeticWindow covers spec §8
// scenario 3: blocks 0..19 enqueued up front, then cursor_moved(18) with
// retention 2-behind/10-ahead (so [16,28] retained) must evict every
// indexed block below 16, including ones far enough from the cursor that
// a fixed-size scan window around [lo,hi] would miss them entirely.
func TestCursorMovedEvictsLargeBatchOutsideArithmeticWindow(t *testing.T) {
	blocks := make(map[int]Block, 20)
	for i := 0; i < 20; i++ {
		blocks[i] = Block{Text: "b"}
	}
	docs := &fakeDocumentStore{blocks: blocks}
	hub, client := newTestHub(t, docs, nil)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		job := wire.Job{
			JobID: uuidForTest(i), UserID: "user-1", DocumentID: "doc-1", BlockIdx: i,
			Text: "b", Model: "kokoro", Voice: "af_heart",
			VariantHash: wire.VariantHash("b", "kokoro", "af_heart", map[string]string{"i": string(rune('a' + i))}),
		}
		won, err := client.EnqueueIfNew(ctx, job, time.Minute)
		require.NoError(t, err)
		require.True(t, won)
	}

	conn, closeFn := dialSession(t, hub, "user-1")
	defer closeFn()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "cursor_moved", "document_id": "doc-1", "cursor": 18,
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evicted wire.EvictedMessage
	require.NoError(t, conn.ReadJSON(&evicted))
	assert.Equal(t, wire.ServerMsgEvicted, evicted.Type)
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, evicted.BlockIndices)

	depth, err := client.QueueDepth(ctx, "kokoro")
	require.NoError(t, err)
	assert.Equal(t, int64(4), depth) // 16, 17, 18, 19 retained
}

func uuidForTest(i int) string {
	return "job-" + string(rune('a'+i))
}
