// Package respcache is the host-side response cache: it stores buffered
// BackendResults under the TTL/grace/keep policy a guest sets via
// SET_CACHEABLE (§6, domain.CachePolicy) and tells a caller how fresh a
// stored entry still is, mirroring the ttl/grace/keep object lifecycle
// the hosting HTTP cache/proxy itself uses (spec.md explicitly keeps
// that proxy out of the core engine's scope, so this is the ambient
// storage layer standing in for it).
package respcache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/tinyhost/kvmengine/internal/cache"
	"github.com/tinyhost/kvmengine/internal/domain"
	"github.com/tinyhost/kvmengine/internal/logging"
)

// Freshness classifies a stored Entry against the policy it was stored
// with, relative to now.
type Freshness int

const (
	// Miss means no entry was stored, or it was stored non-cacheable.
	Miss Freshness = iota
	// Fresh means now is within [stored, stored+ttl): serve directly.
	Fresh
	// Stale means now is within [stored+ttl, stored+ttl+grace): serve
	// the stored body while a revalidation happens in the background.
	Stale
	// Keep means now is within [stored+ttl+grace, stored+ttl+grace+keep):
	// the entry is retained for conditional revalidation (e.g. an
	// If-None-Match backend refresh) but must not be served as-is.
	Keep
	// Expired means the entry has aged out of ttl+grace+keep entirely
	// and must be treated as a Miss.
	Expired
)

// Entry is the serialized form of a cacheable BackendResult.
type Entry struct {
	Status        int                     `json:"status"`
	ContentType   string                  `json:"content_type"`
	Body          []byte                  `json:"body"`
	ExtraHeaders  []domain.ResponseHeader `json:"extra_headers,omitempty"`
	Policy        domain.CachePolicy      `json:"policy"`
	StoredAtMilli int64                   `json:"stored_at_ms"`
}

// ErrNotCacheable is returned by Store when the result's policy says
// Cacheable=false; callers should treat this as "nothing to do", not a
// failure.
var ErrNotCacheable = errors.New("respcache: result is not cacheable")

// ErrStreamed is returned by Store for a streamed BackendResult: the
// cache only ever stores buffered bodies, since a stream producer
// cannot be replayed from storage.
var ErrStreamed = errors.New("respcache: streamed results cannot be cached")

// Store persists tenant+key to the backing cache.Cache, keyed under
// ttl+grace+keep so a single read round-trip can recover staleness
// without a second lookup. now is passed in rather than read from
// time.Now so callers (and tests) control the clock.
type Store struct {
	backend     cache.Cache
	now         func() time.Time
	invalidator *cache.CacheInvalidator

	keysMu sync.Mutex
	keys   map[string]map[string]struct{} // tenant -> cache keys stored for it
}

// New wraps a cache.Cache (typically a cache.TieredCache: in-memory L1
// over a Redis L2) as a response cache.
func New(backend cache.Cache) *Store {
	return &Store{backend: backend, now: time.Now, keys: make(map[string]map[string]struct{})}
}

// SetInvalidator attaches a cross-instance cache invalidator (§9's live
// update needs every instance's L1 cache, not just the one that served
// the update request, to drop a tenant's stale entries). Nil disables
// cross-instance fan-out; Invalidate/InvalidateTenant still clear the
// local backend.
func (s *Store) SetInvalidator(inv *cache.CacheInvalidator) {
	s.invalidator = inv
}

func cacheKey(tenant, key string) string {
	return "resp:" + tenant + ":" + key
}

// Store saves result under tenant+key if its policy marks it cacheable.
// Streamed results are rejected with ErrStreamed; a non-cacheable
// policy is rejected with ErrNotCacheable so the caller can skip the
// call entirely next time it sees the same policy.
func (s *Store) Store(ctx context.Context, tenant, key string, result *domain.BackendResult) error {
	if !result.Cache.Cacheable {
		return ErrNotCacheable
	}
	if result.Kind == domain.ResultStreamed {
		return ErrStreamed
	}
	entry := Entry{
		Status:        result.Status,
		ContentType:   result.ContentType,
		Body:          result.Body,
		ExtraHeaders:  result.ExtraHeaders,
		Policy:        result.Cache,
		StoredAtMilli: s.now().UnixMilli(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	total := time.Duration(entry.Policy.TTL+entry.Policy.Grace+entry.Policy.Keep) * time.Millisecond
	if err := s.backend.Set(ctx, cacheKey(tenant, key), raw, total); err != nil {
		logging.Op().Warn("respcache: store failed", "tenant", tenant, "key", key, "error", err)
		return err
	}
	s.trackKey(tenant, key)
	return nil
}

// trackKey remembers that tenant has a cached entry under key, so
// InvalidateTenant can find it later without a cache.Cache scan
// operation (the Cache interface has none).
func (s *Store) trackKey(tenant, key string) {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	set, ok := s.keys[tenant]
	if !ok {
		set = make(map[string]struct{})
		s.keys[tenant] = set
	}
	set[key] = struct{}{}
}

// Fetch loads the entry for tenant+key and classifies its Freshness
// against the wall clock. A storage miss or a decode failure comes back
// as (nil, Miss, nil); an entry aged past ttl+grace+keep comes back with
// Expired. Callers treat Miss and Expired alike as "go to the backend".
func (s *Store) Fetch(ctx context.Context, tenant, key string) (*Entry, Freshness, error) {
	raw, err := s.backend.Get(ctx, cacheKey(tenant, key))
	if errors.Is(err, cache.ErrNotFound) {
		return nil, Miss, nil
	}
	if err != nil {
		return nil, Miss, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		logging.Op().Warn("respcache: corrupt entry, treating as miss", "tenant", tenant, "key", key, "error", err)
		return nil, Miss, nil
	}
	return &entry, entry.freshness(s.now()), nil
}

// Invalidate removes tenant+key unconditionally, e.g. after a live
// update replaces the tenant's program. If a cross-instance invalidator
// is attached, it also publishes the eviction so every other instance's
// L1 cache drops the key rather than waiting out its TTL.
func (s *Store) Invalidate(ctx context.Context, tenant, key string) error {
	full := cacheKey(tenant, key)
	if err := s.backend.Delete(ctx, full); err != nil {
		return err
	}
	s.keysMu.Lock()
	delete(s.keys[tenant], key)
	s.keysMu.Unlock()
	if s.invalidator != nil {
		if err := s.invalidator.PublishInvalidation(ctx, full); err != nil {
			logging.Op().Warn("respcache: publish invalidation failed", "tenant", tenant, "key", key, "error", err)
		}
	}
	return nil
}

// InvalidateTenant removes every cache entry this instance has stored
// for tenant. It is the cross-instance counterpart to a live update
// (§4.6/§9): the tenant's program behavior just changed, so every
// cached response for it — on every instance, not just the one that
// served the update — is now potentially stale.
func (s *Store) InvalidateTenant(ctx context.Context, tenant string) error {
	s.keysMu.Lock()
	set := s.keys[tenant]
	delete(s.keys, tenant)
	s.keysMu.Unlock()

	var firstErr error
	for key := range set {
		if err := s.Invalidate(ctx, tenant, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Entry) freshness(now time.Time) Freshness {
	ageMilli := now.UnixMilli() - e.StoredAtMilli
	if ageMilli < 0 {
		ageMilli = 0
	}
	age := time.Duration(ageMilli) * time.Millisecond
	ttl := time.Duration(e.Policy.TTL) * time.Millisecond
	grace := time.Duration(e.Policy.Grace) * time.Millisecond
	keep := time.Duration(e.Policy.Keep) * time.Millisecond
	switch {
	case age < ttl:
		return Fresh
	case age < ttl+grace:
		return Stale
	case age < ttl+grace+keep:
		return Keep
	default:
		return Expired
	}
}

// ToBackendResult rebuilds a buffered domain.BackendResult from a
// stored Entry, for a Fresh or Stale serve.
func (e *Entry) ToBackendResult() *domain.BackendResult {
	return &domain.BackendResult{
		Kind:          domain.ResultBuffered,
		Status:        e.Status,
		ContentType:   e.ContentType,
		ContentLength: int64(len(e.Body)),
		Body:          e.Body,
		ExtraHeaders:  e.ExtraHeaders,
		Cache:         e.Policy,
	}
}
