package warmer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yapit-tts/yapit-sub004/internal/adapter"
	"github.com/yapit-tts/yapit-sub004/internal/cache"
	"github.com/yapit-tts/yapit-sub004/internal/wire"
)

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	store, err := cache.Open(filepath.Join(t.TempDir(), "variants.db"), 1<<30, time.Hour, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestWarmerSynthesizesAndPinsUncachedEntries(t *testing.T) {
	store := newTestStore(t)
	calls := 0
	fn := adapter.SynthesizeFunc(func(ctx context.Context, text, voice string, params map[string]string) (adapter.Output, error) {
		calls++
		return adapter.Output{Audio: []byte("audio"), Codec: "opus", DurationMs: 10}, nil
	})

	w := &Warmer{Cache: store, Adapters: map[string]adapter.Adapter{"kokoro": fn}}
	manifest := Manifest{Entries: []Entry{
		{Text: "hello", Model: "kokoro", Voice: "af_heart"},
		{Text: "world", Model: "kokoro", Voice: "af_heart"},
	}}

	res := w.Run(context.Background(), manifest)
	assert.Equal(t, 2, res.Warmed)
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 2, calls)

	hash := wire.VariantHash("hello", "kokoro", "af_heart", nil)
	entry, err := store.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, "audio", string(entry.Audio))
}

func TestWarmerSkipsAlreadyCachedEntries(t *testing.T) {
	store := newTestStore(t)
	hash := wire.VariantHash("hello", "kokoro", "af_heart", nil)
	require.NoError(t, store.Put(hash, []byte("audio"), "opus", 10))

	calls := 0
	fn := adapter.SynthesizeFunc(func(ctx context.Context, text, voice string, params map[string]string) (adapter.Output, error) {
		calls++
		return adapter.Output{}, nil
	})

	w := &Warmer{Cache: store, Adapters: map[string]adapter.Adapter{"kokoro": fn}}
	manifest := Manifest{Entries: []Entry{{Text: "hello", Model: "kokoro", Voice: "af_heart"}}}

	res := w.Run(context.Background(), manifest)
	assert.Equal(t, 0, res.Warmed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, calls, "adapter must not be called for a cache hit")
}

func TestWarmerFailsEntriesWithNoConfiguredAdapter(t *testing.T) {
	store := newTestStore(t)
	w := &Warmer{Cache: store, Adapters: map[string]adapter.Adapter{}}
	manifest := Manifest{Entries: []Entry{{Text: "hello", Model: "unknown-model", Voice: "af_heart"}}}

	res := w.Run(context.Background(), manifest)
	assert.Equal(t, 0, res.Warmed)
	assert.Equal(t, 1, res.Failed)
}
