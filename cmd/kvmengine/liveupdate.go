package main

import (
	"encoding/json"
	"net/http"

	"github.com/tinyhost/kvmengine/internal/auth"
	"github.com/tinyhost/kvmengine/internal/curlfetch"
	"github.com/tinyhost/kvmengine/internal/devguest"
	"github.com/tinyhost/kvmengine/internal/domain"
	"github.com/tinyhost/kvmengine/internal/loader"
	"github.com/tinyhost/kvmengine/internal/logging"
	"github.com/tinyhost/kvmengine/internal/logsink"
	"github.com/tinyhost/kvmengine/internal/program"
	"github.com/tinyhost/kvmengine/internal/respcache"
	"github.com/tinyhost/kvmengine/internal/store"
	"github.com/tinyhost/kvmengine/internal/tenant"
)

// liveUpdater builds and installs a fresh Program Instance for a named
// tenant without restarting the daemon (§4.6/§9). It duplicates the
// registry's own build step rather than exposing it, since a rebuild
// here must run outside the registry's init path: the tenant keeps
// serving its old instance throughout.
type liveUpdater struct {
	registry *tenant.Registry
	deps     tenant.Deps
	stats    store.Store
	cache    *respcache.Store // nil when response caching is disabled
}

type liveUpdateRequest struct {
	Tenant string `json:"tenant"`
}

type liveUpdateResponse struct {
	Tenant           string `json:"tenant"`
	BytesTransferred int64  `json:"bytes_transferred"`
}

func newLiveUpdater(registry *tenant.Registry, loaderInst *loader.Loader, curl *curlfetch.Fetcher, sink *logsink.MultiSink, numaNodes int, stats store.Store, cache *respcache.Store) *liveUpdater {
	return &liveUpdater{
		registry: registry,
		deps: tenant.Deps{
			Loader:       loaderInst,
			GuestBuilder: devguest.NewBuilder(),
			Curl:         curl,
			LogSink:      logsink.WriteFunc(sink),
			NumaNodes:    numaNodes,
		},
		stats: stats,
		cache: cache,
	}
}

func (lu *liveUpdater) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var req liveUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tenant == "" {
		http.Error(w, `{"error":"bad_request","message":"tenant is required"}`, http.StatusBadRequest)
		return
	}

	cfg, ok := lu.registry.LookupByName(req.Tenant)
	if !ok {
		http.Error(w, `{"error":"tenant_not_found"}`, http.StatusNotFound)
		return
	}

	ctx := r.Context()
	request, storageBin, err := lu.deps.Loader.Load(ctx, cfg)
	if err != nil {
		writeLiveUpdateError(w, err)
		return
	}
	mainGuest, storageGuest, err := lu.deps.GuestBuilder.Build(ctx, cfg, request, storageBin)
	if err != nil {
		writeLiveUpdateError(w, err)
		return
	}
	newInst := program.New(program.Config{
		Tenant:        cfg,
		RequestBinary: request,
		StorageBinary: storageBin,
		MainGuest:     mainGuest,
		StorageGuest:  storageGuest,
		Curl:          lu.deps.Curl,
		LogSink:       lu.deps.LogSink,
		NumaNodes:     lu.deps.NumaNodes,
	})
	if err := newInst.Wait(ctx); err != nil {
		newInst.Close()
		writeLiveUpdateError(w, err)
		return
	}

	presented := auth.PresentedKey(r)
	n, err := lu.registry.LiveUpdate(ctx, req.Tenant, presented, newInst)
	if err != nil {
		newInst.Close()
		writeLiveUpdateError(w, err)
		return
	}
	if lu.stats != nil {
		if _, serr := lu.stats.RecordLiveUpdate(ctx, req.Tenant, n); serr != nil {
			logging.Op().Warn("liveupdate: store record failed", "tenant", req.Tenant, "error", serr)
		}
	}
	if lu.cache != nil {
		if cerr := lu.cache.InvalidateTenant(ctx, req.Tenant); cerr != nil {
			logging.Op().Warn("liveupdate: cache invalidation failed", "tenant", req.Tenant, "error", cerr)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(liveUpdateResponse{Tenant: req.Tenant, BytesTransferred: n})
}

func writeLiveUpdateError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if derr, ok := err.(*domain.Error); ok {
		status = derr.Kind.HTTPStatus()
	}
	http.Error(w, err.Error(), status)
}
