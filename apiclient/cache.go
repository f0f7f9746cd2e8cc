package apiclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// CacheStore is the pluggable backing store for response caching. The
// client ships an in-memory store and Redis and SQL implementations; any
// store satisfying this interface can be injected with WithCacheStore.
//
// Stores hold opaque byte values. TTL expiry may be enforced lazily on
// read. Invalidate removes every key beginning with prefix, which the
// client uses for wholesale namespace clears.
type CacheStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, prefix string) (int, error)
}

// encodeCacheValue packs a response into the single wire format every
// store shares: the content type, a newline, then the raw body bytes.
// Content types cannot contain a newline, so the split is unambiguous and
// the body round-trips byte for byte.
func encodeCacheValue(contentType string, body []byte) []byte {
	buf := make([]byte, 0, len(contentType)+1+len(body))
	buf = append(buf, contentType...)
	buf = append(buf, '\n')
	return append(buf, body...)
}

func decodeCacheValue(value []byte) (contentType string, body []byte, ok bool) {
	i := bytes.IndexByte(value, '\n')
	if i < 0 {
		return "", nil, false
	}
	return string(value[:i]), value[i+1:], true
}

// requestCache gives one source release-scoped response caching. Keys are
// a readable per-source prefix followed by a SHA-256 of the endpoint, the
// sorted params, the release marker, and the clear salt; changing the
// release re-namespaces every key without touching the store, and Clear
// both drops the stored namespace and salts future keys with a fresh run
// identifier.
//
// Concurrent misses for one key coalesce through singleflight so exactly
// one network call fills the entry.
type requestCache struct {
	store   CacheStore
	ttl     time.Duration
	prefix  string
	log     zerolog.Logger
	metrics *metrics
	source  string

	mu      sync.Mutex
	release string
	salt    string

	flight singleflight.Group
}

func newRequestCache(cfg SourceConfig, store CacheStore, release string, log zerolog.Logger, m *metrics) *requestCache {
	return &requestCache{
		store:   store,
		ttl:     cfg.CacheTTL,
		prefix:  "harvest:" + cfg.Name + ":",
		log:     log,
		metrics: m,
		source:  cfg.Name,
		release: release,
	}
}

// key derives the store key for one logical request. Params sort by name
// so equivalent requests hash identically regardless of insertion order.
func (c *requestCache) key(endpoint string, params Params) string {
	c.mu.Lock()
	release, salt := c.release, c.salt
	c.mu.Unlock()

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	io.WriteString(h, endpoint)
	for _, name := range names {
		io.WriteString(h, "|")
		io.WriteString(h, name)
		io.WriteString(h, "=")
		io.WriteString(h, params[name])
	}
	io.WriteString(h, "|release=")
	io.WriteString(h, release)
	if salt != "" {
		io.WriteString(h, "|salt=")
		io.WriteString(h, salt)
	}

	return c.prefix + hex.EncodeToString(h.Sum(nil))
}

// fetch returns the cached response for the request when present,
// otherwise runs fill exactly once per key across concurrent callers and
// stores its result. Store failures degrade to the network path rather
// than failing the request.
func (c *requestCache) fetch(ctx context.Context, endpoint string, params Params, fill func() (attemptResult, error)) (attemptResult, bool, error) {
	key := c.key(endpoint, params)

	if res, ok := c.lookup(ctx, key); ok {
		c.metrics.recordCacheHit(ctx, c.source)
		c.log.Debug().
			Str("source", c.source).
			Str("endpoint", endpoint).
			Msg("cache hit")
		return res, true, nil
	}
	c.metrics.recordCacheMiss(ctx, c.source)

	v, err, _ := c.flight.Do(key, func() (any, error) {
		// Another flight member may have filled the entry while this
		// caller queued behind the first miss.
		if res, ok := c.lookup(ctx, key); ok {
			return res, nil
		}

		res, err := fill()
		if err != nil {
			return attemptResult{}, err
		}

		if err := c.store.Set(ctx, key, encodeCacheValue(res.contentType, res.body), c.ttl); err != nil {
			c.log.Warn().
				Str("source", c.source).
				Str("endpoint", endpoint).
				Err(err).
				Msg("cache store failed")
		}
		return res, nil
	})
	if err != nil {
		return attemptResult{}, false, err
	}
	return v.(attemptResult), false, nil
}

// refresh fills the entry unconditionally, replacing whatever the store
// held for this request.
func (c *requestCache) refresh(ctx context.Context, endpoint string, params Params, fill func() (attemptResult, error)) (attemptResult, error) {
	res, err := fill()
	if err != nil {
		return attemptResult{}, err
	}

	key := c.key(endpoint, params)
	if err := c.store.Set(ctx, key, encodeCacheValue(res.contentType, res.body), c.ttl); err != nil {
		c.log.Warn().
			Str("source", c.source).
			Str("endpoint", endpoint).
			Err(err).
			Msg("cache store failed")
	}
	return res, nil
}

func (c *requestCache) lookup(ctx context.Context, key string) (attemptResult, bool) {
	value, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn().
			Str("source", c.source).
			Err(err).
			Msg("cache read failed")
		return attemptResult{}, false
	}
	if !ok {
		return attemptResult{}, false
	}

	contentType, body, ok := decodeCacheValue(value)
	if !ok {
		return attemptResult{}, false
	}
	return attemptResult{contentType: contentType, body: body}, true
}

// setRelease moves the cache to a new release namespace. Prior entries
// stay in the store until their TTL but can no longer be addressed.
func (c *requestCache) setRelease(release string) {
	c.mu.Lock()
	c.release = release
	c.mu.Unlock()
}

// clear drops the source's stored namespace and salts future keys with a
// fresh run identifier, so entries a slow store failed to delete are
// unreachable too.
func (c *requestCache) clear(ctx context.Context) (int, error) {
	c.mu.Lock()
	c.salt = uuid.NewString()
	c.mu.Unlock()

	n, err := c.store.Invalidate(ctx, c.prefix)
	if err != nil {
		return 0, err
	}
	c.log.Info().
		Str("source", c.source).
		Int("entries", n).
		Msg("cache cleared")
	return n, nil
}

// MemoryStore is the default CacheStore: a mutex-guarded map with lazy TTL
// expiry and oldest-entry eviction once maxSize is reached.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	maxSize int

	now func() time.Time
}

type memoryEntry struct {
	value     []byte
	storedAt  time.Time
	expiresAt time.Time
}

// NewMemoryStore returns an in-memory store holding at most maxSize
// entries. maxSize <= 0 means unbounded.
func NewMemoryStore(maxSize int) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		maxSize: maxSize,
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}

	// Callers own the returned slice.
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists && s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	entry := memoryEntry{value: stored, storedAt: s.now()}
	if ttl > 0 {
		entry.expiresAt = entry.storedAt.Add(ttl)
	}
	s.entries[key] = entry
	return nil
}

func (s *MemoryStore) Invalidate(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
			n++
		}
	}
	return n, nil
}

// evictOldest drops the least recently stored entry. Linear scan; the map
// is bounded by maxSize and eviction happens at most once per Set.
func (s *MemoryStore) evictOldest() {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for key, entry := range s.entries {
		if oldestKey == "" || entry.storedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.storedAt
		}
	}
	if oldestKey != "" {
		delete(s.entries, oldestKey)
	}
}

func (s *MemoryStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
