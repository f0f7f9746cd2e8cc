package apiclient

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeCacheValue(t *testing.T) {
	t.Parallel()

	value := encodeCacheValue("application/json", []byte(`{"id":1}`))
	contentType, body, ok := decodeCacheValue(value)
	require.True(t, ok)
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, []byte(`{"id":1}`), body)

	// Bodies holding newlines round-trip: only the first newline splits.
	value = encodeCacheValue("text/plain", []byte("line1\nline2"))
	contentType, body, ok = decodeCacheValue(value)
	require.True(t, ok)
	assert.Equal(t, "text/plain", contentType)
	assert.Equal(t, []byte("line1\nline2"), body)

	_, _, ok = decodeCacheValue([]byte("no separator"))
	assert.False(t, ok)
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(0)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", []byte("v1"), time.Minute))
	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), value)

	// The store owns its copy; mutating the returned slice does not leak
	// back in.
	value[0] = 'X'
	again, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), again)
}

func TestMemoryStore_TTLExpiresLazily(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	store := NewMemoryStore(0)
	store.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(61 * time.Second)
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// The expired entry is dropped on read.
	assert.Zero(t, store.size())
}

func TestMemoryStore_ZeroTTLNeverExpires(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	store := NewMemoryStore(0)
	store.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "k", []byte("v"), 0))

	now = now.Add(1000 * time.Hour)
	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_EvictsOldestAtCapacity(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	store := NewMemoryStore(2)
	store.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "a", []byte("1"), 0))
	now = now.Add(time.Second)
	require.NoError(t, store.Set(ctx, "b", []byte("2"), 0))
	now = now.Add(time.Second)
	require.NoError(t, store.Set(ctx, "c", []byte("3"), 0))

	assert.Equal(t, 2, store.size())
	_, ok, _ := store.Get(ctx, "a")
	assert.False(t, ok)
	_, ok, _ = store.Get(ctx, "b")
	assert.True(t, ok)
	_, ok, _ = store.Get(ctx, "c")
	assert.True(t, ok)

	// Overwriting an existing key at capacity evicts nothing.
	require.NoError(t, store.Set(ctx, "b", []byte("2b"), 0))
	assert.Equal(t, 2, store.size())
}

func TestMemoryStore_InvalidatePrefix(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(0)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "harvest:a:1", []byte("x"), 0))
	require.NoError(t, store.Set(ctx, "harvest:a:2", []byte("y"), 0))
	require.NoError(t, store.Set(ctx, "harvest:b:1", []byte("z"), 0))

	n, err := store.Invalidate(ctx, "harvest:a:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, store.size())

	_, ok, _ := store.Get(ctx, "harvest:b:1")
	assert.True(t, ok)
}

func newTestRequestCache(store CacheStore) *requestCache {
	return newRequestCache(newTestConfig(), store, "", zerolog.Nop(), nil)
}

func TestRequestCache_KeyDeterministic(t *testing.T) {
	t.Parallel()

	cache := newTestRequestCache(NewMemoryStore(0))

	k1 := cache.key("/widgets", Params{"a": "1", "b": "2"})
	k2 := cache.key("/widgets", Params{"b": "2", "a": "1"})
	assert.Equal(t, k1, k2)
	assert.True(t, len(k1) > len("harvest:testsource:"))
	assert.Contains(t, k1, "harvest:testsource:")

	assert.NotEqual(t, k1, cache.key("/widgets", Params{"a": "1"}))
	assert.NotEqual(t, k1, cache.key("/gadgets", Params{"a": "1", "b": "2"}))
}

func TestRequestCache_ReleaseRenamespacesKeys(t *testing.T) {
	t.Parallel()

	cache := newTestRequestCache(NewMemoryStore(0))

	before := cache.key("/widgets", nil)
	cache.setRelease("2024-07")
	assert.NotEqual(t, before, cache.key("/widgets", nil))

	// Moving back addresses the original entries again.
	cache.setRelease("")
	assert.Equal(t, before, cache.key("/widgets", nil))
}

func TestRequestCache_ClearSaltsFutureKeys(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(0)
	cache := newTestRequestCache(store)
	ctx := context.Background()

	fill := func() (attemptResult, error) {
		return attemptResult{contentType: "application/json", body: []byte(`{}`)}, nil
	}
	_, _, err := cache.fetch(ctx, "/widgets", nil, fill)
	require.NoError(t, err)

	before := cache.key("/widgets", nil)
	n, err := cache.clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, store.size())
	assert.NotEqual(t, before, cache.key("/widgets", nil))
}

func TestRequestCache_FetchMissThenHit(t *testing.T) {
	t.Parallel()

	cache := newTestRequestCache(NewMemoryStore(0))
	ctx := context.Background()

	var fills atomic.Int32
	fill := func() (attemptResult, error) {
		fills.Add(1)
		return attemptResult{contentType: "application/json", body: []byte(`{"n":1}`)}, nil
	}

	res, hit, err := cache.fetch(ctx, "/widgets", Params{"q": "x"}, fill)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []byte(`{"n":1}`), res.body)

	res, hit, err = cache.fetch(ctx, "/widgets", Params{"q": "x"}, fill)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "application/json", res.contentType)
	assert.Equal(t, int32(1), fills.Load())
}

func TestRequestCache_FetchFillErrorNotCached(t *testing.T) {
	t.Parallel()

	cache := newTestRequestCache(NewMemoryStore(0))
	ctx := context.Background()
	boom := errors.New("upstream down")

	_, _, err := cache.fetch(ctx, "/widgets", nil, func() (attemptResult, error) {
		return attemptResult{}, boom
	})
	require.ErrorIs(t, err, boom)

	// The failed fill left nothing behind; the next fetch runs again.
	res, hit, err := cache.fetch(ctx, "/widgets", nil, func() (attemptResult, error) {
		return attemptResult{contentType: "application/json", body: []byte(`{}`)}, nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []byte(`{}`), res.body)
}

func TestRequestCache_ConcurrentMissesCoalesce(t *testing.T) {
	t.Parallel()

	cache := newTestRequestCache(NewMemoryStore(0))
	ctx := context.Background()

	var fills atomic.Int32
	release := make(chan struct{})
	fill := func() (attemptResult, error) {
		fills.Add(1)
		<-release
		return attemptResult{contentType: "application/json", body: []byte(`{"n":1}`)}, nil
	}

	const callers = 10
	var wg sync.WaitGroup
	results := make([][]byte, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, _, err := cache.fetch(ctx, "/widgets", nil, fill)
			results[i], errs[i] = res.body, err
		}(i)
	}

	// Let the stragglers queue behind the in-flight fill, then release it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), fills.Load())
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte(`{"n":1}`), results[i])
	}
}

func TestRequestCache_RefreshOverwrites(t *testing.T) {
	t.Parallel()

	cache := newTestRequestCache(NewMemoryStore(0))
	ctx := context.Background()

	_, _, err := cache.fetch(ctx, "/widgets", nil, func() (attemptResult, error) {
		return attemptResult{contentType: "application/json", body: []byte(`{"v":"stale"}`)}, nil
	})
	require.NoError(t, err)

	res, err := cache.refresh(ctx, "/widgets", nil, func() (attemptResult, error) {
		return attemptResult{contentType: "application/json", body: []byte(`{"v":"fresh"}`)}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":"fresh"}`), res.body)

	// The overwrite is what later readers see.
	res, hit, err := cache.fetch(ctx, "/widgets", nil, func() (attemptResult, error) {
		t.Fatal("fill should not run on a hit")
		return attemptResult{}, nil
	})
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []byte(`{"v":"fresh"}`), res.body)
}

// failingStore errors on every operation, standing in for a dead Redis.
type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("store down")
}

func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("store down")
}

func (failingStore) Invalidate(context.Context, string) (int, error) {
	return 0, errors.New("store down")
}

func TestRequestCache_StoreFailureDegradesToNetwork(t *testing.T) {
	t.Parallel()

	cache := newTestRequestCache(failingStore{})
	ctx := context.Background()

	res, hit, err := cache.fetch(ctx, "/widgets", nil, func() (attemptResult, error) {
		return attemptResult{contentType: "application/json", body: []byte(`{"ok":true}`)}, nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []byte(`{"ok":true}`), res.body)

	_, err = cache.clear(ctx)
	assert.Error(t, err)
}

func TestClient_CacheServesRepeatGets(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.StubSequencePath("/widgets", NewStubSequence().
		Respond(http.StatusOK, `{"v":"a"}`).
		Respond(http.StatusOK, `{"v":"b"}`))

	cfg := newTestConfig()
	cfg.CacheEnabled = true
	client := newTestClient(t, cfg, mock)

	first, err := client.Get(context.Background(), "/widgets", nil)
	require.NoError(t, err)
	second, err := client.Get(context.Background(), "/widgets", nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"v": "a"}, first)
	assert.Equal(t, map[string]any{"v": "a"}, second)
	assert.Equal(t, 1, mock.RequestCount())

	stats := client.Stats()
	assert.Equal(t, uint64(1), stats.CacheMisses)
	assert.Equal(t, uint64(1), stats.CacheHits)
}

func TestClient_CacheKeyedByParams(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	stubQuery(mock, "q", "a", `{"v":"a"}`)
	stubQuery(mock, "q", "b", `{"v":"b"}`)

	cfg := newTestConfig()
	cfg.CacheEnabled = true
	client := newTestClient(t, cfg, mock)

	_, err := client.Get(context.Background(), "/widgets", Params{"q": "a"})
	require.NoError(t, err)
	_, err = client.Get(context.Background(), "/widgets", Params{"q": "b"})
	require.NoError(t, err)

	assert.Equal(t, 2, mock.RequestCount())
}

func TestClient_NoCacheBypassesRead(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.StubPath("/widgets", http.StatusOK, `{"v":"a"}`)

	cfg := newTestConfig()
	cfg.CacheEnabled = true
	client := newTestClient(t, cfg, mock)

	for i := 0; i < 3; i++ {
		_, err := client.Request(context.Background(), http.MethodGet, "/widgets", &RequestOptions{NoCache: true})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, mock.RequestCount())
	assert.Zero(t, client.Stats().CacheHits)
}

func TestClient_PostNeverCached(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.StubPath("/widgets", http.StatusOK, `{"v":"a"}`)

	cfg := newTestConfig()
	cfg.CacheEnabled = true
	client := newTestClient(t, cfg, mock)

	for i := 0; i < 2; i++ {
		_, err := client.Post(context.Background(), "/widgets", nil, map[string]any{"n": i})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, mock.RequestCount())
}

func TestClient_SetReleaseForcesRefetch(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.StubSequencePath("/widgets", NewStubSequence().
		Respond(http.StatusOK, `{"v":"old"}`).
		Respond(http.StatusOK, `{"v":"new"}`))

	cfg := newTestConfig()
	cfg.CacheEnabled = true
	client := newTestClient(t, cfg, mock)

	first, err := client.Get(context.Background(), "/widgets", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": "old"}, first)

	client.SetRelease("2024-08")

	second, err := client.Get(context.Background(), "/widgets", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": "new"}, second)
	assert.Equal(t, 2, mock.RequestCount())
}

func TestClient_ForceRefreshRepairsEntry(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.StubSequencePath("/widgets", NewStubSequence().
		Respond(http.StatusOK, `{"v":"stale"}`).
		Respond(http.StatusOK, `{"v":"fresh"}`))

	cfg := newTestConfig()
	cfg.CacheEnabled = true
	client := newTestClient(t, cfg, mock)

	_, err := client.Get(context.Background(), "/widgets", nil)
	require.NoError(t, err)

	refreshed, err := client.Request(context.Background(), http.MethodGet, "/widgets", &RequestOptions{ForceRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": "fresh"}, refreshed)

	// The refreshed body replaced the stale entry; no further network.
	cached, err := client.Get(context.Background(), "/widgets", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": "fresh"}, cached)
	assert.Equal(t, 2, mock.RequestCount())
}

func TestClient_ClearCacheDropsEntries(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.StubSequencePath("/widgets", NewStubSequence().
		Respond(http.StatusOK, `{"v":"one"}`).
		Respond(http.StatusOK, `{"v":"two"}`))

	cfg := newTestConfig()
	cfg.CacheEnabled = true
	client := newTestClient(t, cfg, mock)

	_, err := client.Get(context.Background(), "/widgets", nil)
	require.NoError(t, err)

	n, err := client.ClearCache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	second, err := client.Get(context.Background(), "/widgets", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": "two"}, second)
	assert.Equal(t, 2, mock.RequestCount())
}

func TestClient_ClearCacheWithoutCache(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, newTestConfig(), NewMockTransport())

	n, err := client.ClearCache(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
