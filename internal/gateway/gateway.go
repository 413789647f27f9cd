// Package gateway is a minimal stand-in for "the hosting HTTP cache/proxy"
// that spec.md explicitly keeps out of the core engine's scope (§1): it
// translates inbound HTTP into Request Dispatcher calls, applies the
// response cache, and enforces per-tenant self-request admission. A real
// deployment replaces this with VCL/director glue in front of the engine.
package gateway

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tinyhost/kvmengine/internal/dispatch"
	"github.com/tinyhost/kvmengine/internal/domain"
	"github.com/tinyhost/kvmengine/internal/logging"
	"github.com/tinyhost/kvmengine/internal/metrics"
	"github.com/tinyhost/kvmengine/internal/ratelimit"
	"github.com/tinyhost/kvmengine/internal/respcache"
)

// TenantResolver looks a tenant's config up by name, for deciding
// admission and CORS before dispatch.Dispatcher resolves its Program
// Instance. The tenant registry implements this.
type TenantResolver interface {
	LookupByName(name string) (cfg *domain.TenantConfig, ok bool)
}

// CORSPolicy is the single global CORS policy applied to every tenant;
// the engine has no per-tenant route table to carry a per-route policy
// in, unlike the gateway this package is adapted from.
type CORSPolicy struct {
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAgeSeconds    int
}

// Gateway is the HTTP front end: resolve a tenant name from the
// request, apply CORS and self-request admission, consult the response
// cache, and fall through to the dispatcher.
type Gateway struct {
	Dispatcher *dispatch.Dispatcher
	Tenants    TenantResolver
	Cache      *respcache.Store // nil disables response caching entirely
	Limiter    *ratelimit.Limiter
	CORS       *CORSPolicy

	// TenantFromRequest extracts a tenant name from an inbound request.
	// Defaults to extractHost (the request's Host header, port and case
	// stripped) when nil.
	TenantFromRequest func(*http.Request) string
}

func (g *Gateway) tenantName(r *http.Request) string {
	if g.TenantFromRequest != nil {
		return g.TenantFromRequest(r)
	}
	return extractHost(r)
}

// ServeHTTP resolves a tenant from the request, enforces admission,
// serves a fresh/stale cache hit directly, and otherwise dispatches.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantName := g.tenantName(r)
	if tenantName == "" {
		http.Error(w, `{"error":"not_found","message":"no tenant for this host"}`, http.StatusNotFound)
		return
	}

	cfg, ok := g.Tenants.LookupByName(tenantName)
	if !ok {
		http.Error(w, `{"error":"tenant_not_found"}`, http.StatusNotFound)
		return
	}

	if g.CORS != nil {
		if r.Method == http.MethodOptions {
			g.handlePreflight(w, r)
			return
		}
		g.setCORSHeaders(w, r)
	}

	if g.Limiter != nil && cfg.Group.SelfRequestMaxConcurrency > 0 {
		result, err := g.Limiter.Allow(r.Context(), ratelimit.KeyForAPIKey(tenantName), tenantName)
		if err == nil {
			metrics.Global().RecordRateLimitDecision(tenantName, result.Allowed)
			if !result.Allowed {
				retryAfter := int(time.Until(result.ResetAt).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				http.Error(w, `{"error":"rate_limit_exceeded"}`, http.StatusTooManyRequests)
				return
			}
		}
	}

	cacheKey := r.Method + " " + r.URL.RequestURI()
	if g.Cache != nil && r.Method == http.MethodGet {
		if entry, freshness, err := g.Cache.Fetch(r.Context(), tenantName, cacheKey); err == nil {
			switch freshness {
			case respcache.Fresh:
				metrics.Global().RecordCacheHit(tenantName, "fresh")
				writeEntry(w, entry)
				return
			case respcache.Stale:
				metrics.Global().RecordCacheHit(tenantName, "stale")
				writeEntry(w, entry)
				go g.revalidate(tenantName, cacheKey, r)
				return
			default:
				metrics.Global().RecordCacheMiss(tenantName)
			}
		}
	}

	result, err := g.Dispatcher.Handle(r.Context(), tenantName, r)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	if g.Cache != nil && r.Method == http.MethodGet {
		if err := g.Cache.Store(r.Context(), tenantName, cacheKey, result); err != nil &&
			err != respcache.ErrNotCacheable && err != respcache.ErrStreamed {
			logging.Op().Warn("gateway: cache store failed", "tenant", tenantName, "error", err)
		}
	}
	writeResult(w, result)
}

// revalidate re-runs a stale GET in the background and refreshes the
// cache entry, implementing the grace-period "serve stale, refresh
// behind it" contract SET_CACHEABLE's grace_ms asks for.
func (g *Gateway) revalidate(tenantName, cacheKey string, orig *http.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	req := orig.Clone(ctx)
	result, err := g.Dispatcher.Handle(ctx, tenantName, req)
	if err != nil {
		logging.Op().Warn("gateway: background revalidation failed", "tenant", tenantName, "error", err)
		return
	}
	if err := g.Cache.Store(ctx, tenantName, cacheKey, result); err != nil &&
		err != respcache.ErrNotCacheable && err != respcache.ErrStreamed {
		logging.Op().Warn("gateway: cache refresh failed", "tenant", tenantName, "error", err)
	}
}

func writeEntry(w http.ResponseWriter, entry *respcache.Entry) {
	h := w.Header()
	if entry.ContentType != "" {
		h.Set("Content-Type", entry.ContentType)
	}
	for _, eh := range entry.ExtraHeaders {
		h.Add(eh.Name, eh.Value)
	}
	h.Set("X-Cache", "HIT")
	w.WriteHeader(entry.Status)
	w.Write(entry.Body)
}

func writeResult(w http.ResponseWriter, result *domain.BackendResult) {
	h := w.Header()
	if result.ContentType != "" {
		h.Set("Content-Type", result.ContentType)
	}
	for _, eh := range result.ExtraHeaders {
		h.Add(eh.Name, eh.Value)
	}
	h.Set("X-Cache", "MISS")
	w.WriteHeader(result.Status)
	w.Write(result.Body)
}

func writeDispatchError(w http.ResponseWriter, err error) {
	var derr *domain.Error
	status := http.StatusInternalServerError
	if e, ok := err.(*domain.Error); ok {
		derr = e
		status = derr.Kind.HTTPStatus()
	}
	http.Error(w, err.Error(), status)
}

func extractHost(r *http.Request) string {
	host := r.Host
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		if !strings.Contains(host, "]") || idx > strings.Index(host, "]") {
			host = host[:idx]
		}
	}
	return strings.ToLower(host)
}

func (g *Gateway) handlePreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !originAllowed(g.CORS.AllowOrigins, origin) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	methods := g.CORS.AllowMethods
	if len(methods) == 0 {
		methods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	}
	w.Header().Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
	if len(g.CORS.AllowHeaders) > 0 {
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(g.CORS.AllowHeaders, ", "))
	} else if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
	}
	if g.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	if g.CORS.MaxAgeSeconds > 0 {
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(g.CORS.MaxAgeSeconds))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !originAllowed(g.CORS.AllowOrigins, origin) {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	if g.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	if len(g.CORS.ExposeHeaders) > 0 {
		w.Header().Set("Access-Control-Expose-Headers", strings.Join(g.CORS.ExposeHeaders, ", "))
	}
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
