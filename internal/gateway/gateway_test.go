package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tinyhost/kvmengine/internal/cache"
	"github.com/tinyhost/kvmengine/internal/dispatch"
	"github.com/tinyhost/kvmengine/internal/domain"
	"github.com/tinyhost/kvmengine/internal/program"
	"github.com/tinyhost/kvmengine/internal/respcache"
)

type fakeTenants struct {
	cfgs map[string]*domain.TenantConfig
}

func (f *fakeTenants) LookupByName(name string) (*domain.TenantConfig, bool) {
	cfg, ok := f.cfgs[name]
	return cfg, ok
}

// erroringResolver always fails, used to assert the cache short-circuits
// before the dispatcher (and its resolver) is ever consulted.
type erroringResolver struct{ called bool }

func (r *erroringResolver) Resolve(ctx context.Context, tenantName string) (*program.Instance, error) {
	r.called = true
	return nil, domain.NewError(domain.KindQueueTimeout, "test", tenantName, "", domain.ErrQueueTimeout)
}

func newTestGateway(resolver *erroringResolver, withCache bool) *Gateway {
	gw := &Gateway{
		Dispatcher: dispatch.New(resolver),
		Tenants:    &fakeTenants{cfgs: map[string]*domain.TenantConfig{"acme.test": {Name: "acme.test"}}},
	}
	if withCache {
		gw.Cache = respcache.New(cache.NewInMemoryCache())
	}
	return gw
}

func TestServeHTTPUnknownTenantReturns404(t *testing.T) {
	gw := newTestGateway(&erroringResolver{}, false)
	req := httptest.NewRequest(http.MethodGet, "http://nope.test/", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown tenant, got %d", rec.Code)
	}
}

func TestServeHTTPDispatchErrorMapsStatus(t *testing.T) {
	resolver := &erroringResolver{}
	gw := newTestGateway(resolver, false)
	req := httptest.NewRequest(http.MethodGet, "http://acme.test/", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from a queue-timeout error, got %d", rec.Code)
	}
	if !resolver.called {
		t.Fatal("expected the dispatcher's resolver to be consulted")
	}
}

func TestServeHTTPCacheHitServesWithoutDispatch(t *testing.T) {
	resolver := &erroringResolver{}
	gw := newTestGateway(resolver, true)

	req := httptest.NewRequest(http.MethodGet, "http://acme.test/widgets", nil)
	cacheKey := req.Method + " " + req.URL.RequestURI()
	err := gw.Cache.Store(context.Background(), "acme.test", cacheKey, &domain.BackendResult{
		Kind:        domain.ResultBuffered,
		Status:      200,
		ContentType: "text/plain",
		Body:        []byte("cached"),
		Cache:       domain.CachePolicy{Cacheable: true, TTL: 60_000},
	})
	if err != nil {
		t.Fatalf("seeding cache: %v", err)
	}

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	if resolver.called {
		t.Fatal("expected a fresh cache hit to bypass the dispatcher entirely")
	}
	if rec.Code != 200 || rec.Body.String() != "cached" {
		t.Fatalf("expected cached body, got %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Cache"); got != "HIT" {
		t.Fatalf("expected X-Cache: HIT, got %q", got)
	}
}

func TestServeHTTPCORSPreflight(t *testing.T) {
	gw := newTestGateway(&erroringResolver{}, false)
	gw.CORS = &CORSPolicy{AllowOrigins: []string{"https://example.com"}}

	req := httptest.NewRequest(http.MethodOptions, "http://acme.test/", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for CORS preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Fatalf("expected origin echoed back, got %q", got)
	}
}
