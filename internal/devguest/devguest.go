// Package devguest is a reference GuestProgram for running the daemon
// without a real ELF/KVM guest runtime wired in. Real guest-code
// interpretation is out of scope for this engine (internal/sandbox's
// package doc explains why); something still has to answer requests
// when the daemon boots a tenant, so this package plays that role: it
// registers BACKEND_GET/BACKEND_POST/BACKEND_METHOD/BACKEND_ERROR and echoes the
// request it was given back as JSON, plus a trivial counter-backed
// storage guest exercising STORAGE_CALLV and the live-update transfer.
// A deployment with a genuine guest compiler/interpreter replaces this
// package entirely; it is not a shortcut for one.
package devguest

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/tinyhost/kvmengine/internal/domain"
	"github.com/tinyhost/kvmengine/internal/program"
	"github.com/tinyhost/kvmengine/internal/sandbox"
)

// echoResponse is what RequestGuest.Call reports back to the caller.
type echoResponse struct {
	Method    string              `json:"method"`
	URL       string              `json:"url"`
	Argument  string              `json:"argument,omitempty"`
	Headers   map[string][]string `json:"headers,omitempty"`
	BodyBytes int                 `json:"body_bytes"`
	Entry     string              `json:"entry"`
}

// RequestGuest is the demo main-VM guest: it answers every request
// with a JSON echo of what it received, without touching any real
// guest binary.
type RequestGuest struct{}

// NewRequestGuest returns a fresh RequestGuest; every VM gets its own
// value since the type carries no mutable state to race over.
func NewRequestGuest() *RequestGuest { return &RequestGuest{} }

func (g *RequestGuest) Boot(ctx context.Context, api sandbox.SyscallAPI) error {
	for _, e := range []domain.ProgramEntry{domain.EntryBackendGet, domain.EntryBackendPost, domain.EntryBackendMethod, domain.EntryBackendError} {
		if err := api.RegisterFunc(e, uint64(0x401000+e)); err != nil {
			return fmt.Errorf("devguest: register %s: %w", e, err)
		}
	}
	return api.WaitForRequests()
}

func (g *RequestGuest) Call(ctx context.Context, api sandbox.SyscallAPI, entry domain.ProgramEntry, in *domain.BackendInputs) error {
	resp := echoResponse{Entry: entry.String()}
	if in != nil {
		resp.Method = in.Method
		resp.URL = in.URL
		resp.Argument = in.Argument
		resp.BodyBytes = len(in.Body)
		if len(in.Headers) > 0 {
			resp.Headers = make(map[string][]string, len(in.Headers))
			for _, h := range in.Headers {
				resp.Headers[h.Name] = append(resp.Headers[h.Name], h.Value)
			}
		}
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("devguest: marshal echo: %w", err)
	}
	if entry == domain.EntryBackendError {
		api.SetCacheable(domain.CachePolicy{Cacheable: false})
	}
	return api.BackendResponse(200, "application/json", body, nil)
}

// Clone satisfies sandbox.Cloner: RequestGuest is stateless, but
// implementing it explicitly keeps the reference guest self-documenting
// about the interface rather than relying on the "assumed stateless"
// fallback.
func (g *RequestGuest) Clone() sandbox.GuestProgram { return &RequestGuest{} }

// StorageGuest is the demo storage-VM guest: a single atomic counter,
// incremented by STORAGE_CALLV and carried across live updates via
// Serialize/Deserialize (§4.6).
type StorageGuest struct {
	counter atomic.Int64
}

// NewStorageGuest returns a fresh StorageGuest with its counter at zero.
func NewStorageGuest() *StorageGuest { return &StorageGuest{} }

func (g *StorageGuest) Boot(ctx context.Context, api sandbox.SyscallAPI) error {
	return api.WaitForRequests()
}

func (g *StorageGuest) Call(ctx context.Context, api sandbox.SyscallAPI, entry domain.ProgramEntry, in *domain.BackendInputs) error {
	return nil
}

// HandleStorageCall increments the counter by the sum of every buffer's
// length and returns the new total, satisfying sandbox.StorageCallable.
func (g *StorageGuest) HandleStorageCall(ctx context.Context, api sandbox.SyscallAPI, funcAddr uint64, buffers [][]byte, dstCap int) error {
	var n int64
	for _, b := range buffers {
		n += int64(len(b))
	}
	total := g.counter.Add(n)
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(total))
	if dstCap > 0 && len(out) > dstCap {
		out = out[:dstCap]
	}
	return api.StorageReturn(out)
}

// Serialize implements sandbox.LiveUpdatable: the counter is the whole
// of this guest's state.
func (g *StorageGuest) Serialize(ctx context.Context, api sandbox.SyscallAPI) ([]byte, error) {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(g.counter.Load()))
	return out, nil
}

// Deserialize implements sandbox.LiveUpdatable, restoring the counter
// from a prior Serialize call's bytes. Anything shorter than 8 bytes
// (e.g. a first-ever live update with no prior state) leaves the
// counter at zero.
func (g *StorageGuest) Deserialize(ctx context.Context, api sandbox.SyscallAPI, data []byte) error {
	if len(data) < 8 {
		return nil
	}
	g.counter.Store(int64(binary.BigEndian.Uint64(data)))
	return nil
}

// Clone gives every forked storage VM an independent counter, per
// sandbox.Cloner's contract for stateful guests.
func (g *StorageGuest) Clone() sandbox.GuestProgram { return &StorageGuest{} }

// Builder is a tenant.GuestBuilder that ignores the tenant's loaded
// binaries entirely and always hands back the reference guests above.
// It never fails, unlike a real builder that would reject malformed
// ELF/archive bytes.
type Builder struct{}

// NewBuilder returns a Builder.
func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) Build(ctx context.Context, tenant *domain.TenantConfig, request, storage domain.BinaryStorage) (main, storageFactory program.GuestFactory, err error) {
	main = func() sandbox.GuestProgram { return NewRequestGuest() }
	if tenant.StorageEnabled {
		storageFactory = func() sandbox.GuestProgram { return NewStorageGuest() }
	}
	return main, storageFactory, nil
}
