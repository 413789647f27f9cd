// Package tenant implements the Tenant Registry (spec §4.7): parses a
// manifest of groups and tenants, holds one Program Instance handle per
// tenant keyed by CRC32C name hash, and resolves a tenant name to its
// (possibly lazily-initialized) Program Instance for the dispatcher.
package tenant

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyhost/kvmengine/internal/dispatch"
	"github.com/tinyhost/kvmengine/internal/domain"
	"github.com/tinyhost/kvmengine/internal/loader"
	"github.com/tinyhost/kvmengine/internal/logging"
	"github.com/tinyhost/kvmengine/internal/machine"
	"github.com/tinyhost/kvmengine/internal/program"
	"golang.org/x/sync/errgroup"
)

// GuestBuilder turns a tenant's loaded binaries into runnable guest
// factories. The registry never interprets program bytes itself —
// real KVM/ELF execution is out of scope (spec §1) — so this is the
// seam an embedder plugs a concrete guest runtime into.
type GuestBuilder interface {
	Build(ctx context.Context, tenant *domain.TenantConfig, request, storage domain.BinaryStorage) (main, storageFactory program.GuestFactory, err error)
}

// InitMode selects §4.7's eager or lazy Program Instance construction.
type InitMode int

const (
	// InitLazy constructs a tenant's Program Instance on its first
	// resolved request, under a dedicated per-tenant mutex.
	InitLazy InitMode = iota
	// InitEager starts every tenant's Program Instance in parallel at
	// Load time and waits for all to settle before returning.
	InitEager
)

// Deps bundles the collaborators a Registry needs to bring a tenant's
// Program Instance up.
type Deps struct {
	Loader       *loader.Loader
	GuestBuilder GuestBuilder
	Curl         machine.CurlFetcher
	LogSink      func(tenant, vmType, line string)
	NumaNodes    int
}

// TenantInstance is one registry entry: the immutable config plus the
// atomically-swappable Program handle (§4.7: "its `program` handle
// becomes `None`" on a failed eager init; §9: live updates swap it).
type TenantInstance struct {
	Config *domain.TenantConfig

	prog  atomic.Pointer[program.Instance]
	debug atomic.Pointer[program.Instance]

	initMu sync.Mutex
}

// Program returns the currently-installed Program Instance, or nil if
// none has initialized successfully yet.
func (t *TenantInstance) Program() *program.Instance { return t.prog.Load() }

// DebugProgram returns the tenant's separately-loaded debug program
// handle (§4.7 Open Question: debug builds run alongside the live
// program rather than replacing it), or nil if none is set.
func (t *TenantInstance) DebugProgram() *program.Instance { return t.debug.Load() }

// ensure implements the "dedicated mutex prevents duplicate inits"
// requirement: the fast path reads the atomic pointer without locking;
// only a miss (or a previous failure) takes initMu, and double-checks
// before doing the actual work so concurrent first requests collapse
// onto one build.
func (t *TenantInstance) ensure(ctx context.Context, build func(context.Context) (*program.Instance, error)) (*program.Instance, error) {
	if p := t.prog.Load(); p != nil {
		return p, nil
	}
	t.initMu.Lock()
	defer t.initMu.Unlock()
	if p := t.prog.Load(); p != nil {
		return p, nil
	}
	p, err := build(ctx)
	if err != nil {
		return nil, err
	}
	t.prog.Store(p)
	return p, nil
}

// Registry holds every tenant parsed from a manifest.
type Registry struct {
	deps Deps
	mode InitMode

	order  []string
	byHash map[uint32]*TenantInstance
	byName map[string]*TenantInstance

	unknownKeys []string
}

var _ dispatch.ProgramResolver = (*Registry)(nil)

// Load parses the manifest and builds a Registry; under InitEager it
// blocks until every tenant's Program Instance has settled (success or
// failure — a failed tenant just stays unresolvable, per §4.7).
func Load(ctx context.Context, manifest []byte, deps Deps, mode InitMode) (*Registry, error) {
	doc, err := ParseManifest(manifest)
	if err != nil {
		return nil, err
	}
	for _, key := range doc.UnknownKeys {
		logging.Op().Warn("tenant: unknown manifest key", "entry", key)
	}

	r := &Registry{
		deps:        deps,
		mode:        mode,
		byHash:      make(map[uint32]*TenantInstance, len(doc.Tenants)),
		byName:      make(map[string]*TenantInstance, len(doc.Tenants)),
		unknownKeys: doc.UnknownKeys,
	}
	for _, cfg := range doc.Tenants {
		inst := &TenantInstance{Config: cfg}
		r.order = append(r.order, cfg.Name)
		r.byName[cfg.Name] = inst
		r.byHash[cfg.NameHash] = inst
	}

	if mode == InitEager {
		r.initAllEager(ctx)
	}
	return r, nil
}

// initAllEager starts every tenant's build concurrently and joins them.
// It deliberately uses a plain errgroup.Group (no WithContext) so one
// tenant's failure never cancels its siblings — each worker swallows
// its own error after logging it, matching §4.7's "reported in logs;
// program handle becomes None" rather than aborting the whole registry.
func (r *Registry) initAllEager(ctx context.Context) {
	var g errgroup.Group
	for _, name := range r.order {
		inst := r.byName[name]
		g.Go(func() error {
			p, err := r.build(ctx, inst.Config)
			if err != nil {
				logging.Op().Error("tenant: eager init failed", "tenant", inst.Config.Name, "error", err)
				return nil
			}
			inst.prog.Store(p)
			return nil
		})
	}
	g.Wait()
}

// build loads a tenant's program bytes, resolves its guest factories,
// constructs the Program Instance, and waits for it to settle.
func (r *Registry) build(ctx context.Context, cfg *domain.TenantConfig) (*program.Instance, error) {
	request, storage, err := r.deps.Loader.Load(ctx, cfg)
	if err != nil {
		return nil, err
	}
	mainGuest, storageGuest, err := r.deps.GuestBuilder.Build(ctx, cfg, request, storage)
	if err != nil {
		return nil, err
	}
	p := program.New(program.Config{
		Tenant:        cfg,
		RequestBinary: request,
		StorageBinary: storage,
		MainGuest:     mainGuest,
		StorageGuest:  storageGuest,
		Curl:          r.deps.Curl,
		LogSink:       r.deps.LogSink,
		NumaNodes:     r.deps.NumaNodes,
	})
	if err := p.Wait(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Resolve implements dispatch.ProgramResolver: look the tenant up by
// name, returning its Program Instance. Under InitLazy a cache miss
// triggers (and collapses concurrent callers onto) a single build;
// under InitEager a miss means the eager pass already failed for this
// tenant, so Resolve reports 503 rather than retrying behind the
// dispatcher's back.
func (r *Registry) Resolve(ctx context.Context, tenantName string) (*program.Instance, error) {
	inst, ok := r.byName[tenantName]
	if !ok {
		return nil, domain.NewError(domain.KindTenantNotFound, "tenant.Resolve", tenantName, "", domain.ErrTenantNotFound)
	}
	if p := inst.prog.Load(); p != nil {
		return p, nil
	}
	if r.mode == InitEager {
		return nil, domain.NewError(domain.KindLoadError, "tenant.Resolve", tenantName, "", domain.ErrNoReachableProgram)
	}
	return inst.ensure(ctx, func(ctx context.Context) (*program.Instance, error) {
		return r.build(ctx, inst.Config)
	})
}

// Lookup finds a tenant by its CRC32C name hash (§4.7's fast lookup
// path; front ends that already have the hash skip the name map).
func (r *Registry) Lookup(hash uint32) (*TenantInstance, bool) {
	inst, ok := r.byHash[hash]
	return inst, ok
}

// LookupByName finds a tenant's config by name, implementing
// gateway.TenantResolver without that package needing to know about
// TenantInstance.
func (r *Registry) LookupByName(name string) (*domain.TenantConfig, bool) {
	inst, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return inst.Config, true
}

// Tenants returns every registered tenant sorted by name, the order
// ParseManifest produces (deterministic for statistics pages, per §4.7).
func (r *Registry) Tenants() []*TenantInstance {
	out := make([]*TenantInstance, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// UnknownKeys returns the manifest keys that were logged but ignored.
func (r *Registry) UnknownKeys() []string { return append([]string(nil), r.unknownKeys...) }

// LiveUpdate replaces a tenant's Program Instance with newInst after
// running §4.6's storage-state transfer, then closes the old instance.
// It returns the number of bytes transferred. presentedKey is checked
// against the tenant's configured access key (§3) before anything else.
func (r *Registry) LiveUpdate(ctx context.Context, tenantName, presentedKey string, newInst *program.Instance) (int64, error) {
	inst, ok := r.byName[tenantName]
	if !ok {
		return 0, domain.NewError(domain.KindTenantNotFound, "tenant.LiveUpdate", tenantName, "", domain.ErrTenantNotFound)
	}
	if err := AuthorizeLiveUpdate(inst.Config, presentedKey); err != nil {
		return 0, domain.NewError(domain.KindAccessDenied, "tenant.LiveUpdate", tenantName, "", err)
	}
	inst.initMu.Lock()
	defer inst.initMu.Unlock()

	old := inst.prog.Load()
	n, err := newInst.LiveUpdateFrom(ctx, old)
	if err != nil {
		return 0, fmt.Errorf("tenant: live update %q: %w", tenantName, err)
	}
	inst.prog.Store(newInst)
	if old != nil {
		go old.Close()
	}
	return n, nil
}

// Close tears down every tenant's Program Instance.
func (r *Registry) Close() {
	for _, name := range r.order {
		if p := r.byName[name].prog.Load(); p != nil {
			p.Close()
		}
		if p := r.byName[name].debug.Load(); p != nil {
			p.Close()
		}
	}
}
