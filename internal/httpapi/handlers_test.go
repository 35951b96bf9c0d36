package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yapit-tts/yapit-sub004/internal/cache"
	"github.com/yapit-tts/yapit-sub004/internal/queue"
	"github.com/yapit-tts/yapit-sub004/internal/wire"
)

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	store, err := cache.Open(filepath.Join(t.TempDir(), "variants.db"), 1<<30, time.Hour, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestQueueClient(t *testing.T) *queue.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return queue.Wrap(rdb)
}

func TestGetAudioReturns404ForMissingVariant(t *testing.T) {
	store := newTestStore(t)
	router := mux.NewRouter()
	router.HandleFunc("/audio/{variant_hash}", GetAudio(store))

	req := httptest.NewRequest(http.MethodGet, "/audio/does-not-exist", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAudioServesCachedBytes(t *testing.T) {
	store := newTestStore(t)
	variantHash := wire.VariantHash("hello", "kokoro", "af_heart", nil)
	require.NoError(t, store.Put(variantHash, []byte("audio-bytes"), "opus", 100))

	router := mux.NewRouter()
	router.HandleFunc("/audio/{variant_hash}", GetAudio(store))

	req := httptest.NewRequest(http.MethodGet, "/audio/"+variantHash, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio-bytes", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "opus")
}

func TestPostAudioCachesAndPushesBillingEvent(t *testing.T) {
	store := newTestStore(t)
	client := newTestQueueClient(t)

	router := mux.NewRouter()
	router.HandleFunc("/audio", PostAudio(store, client)).Methods(http.MethodPost)

	body := map[string]interface{}{
		"user_id": "user-1", "document_id": "doc-1", "block_idx": 0,
		"text": "hello", "model": "kokoro", "voice": "af_heart",
		"audio_b64": "YXVkaW8=", "codec": "opus", "duration_ms": 50,
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/audio", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	variantHash := wire.VariantHash("hello", "kokoro", "af_heart", nil)
	assert.Equal(t, variantHash, resp["variant_hash"])

	entry, err := store.Get(variantHash)
	require.NoError(t, err)
	assert.Equal(t, "audio", string(entry.Audio))

	event, err := client.BlockingPopBillingEvent(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, variantHash, event.VariantHash)
}

func TestPostAudioRejectsMissingRequiredFields(t *testing.T) {
	store := newTestStore(t)
	client := newTestQueueClient(t)

	router := mux.NewRouter()
	router.HandleFunc("/audio", PostAudio(store, client)).Methods(http.MethodPost)

	req := httptest.NewRequest(http.MethodPost, "/audio", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
