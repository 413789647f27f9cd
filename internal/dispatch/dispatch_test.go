package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tinyhost/kvmengine/internal/domain"
	"github.com/tinyhost/kvmengine/internal/program"
	"github.com/tinyhost/kvmengine/internal/sandbox"
)

// echoGuest registers BACKEND_GET and BACKEND_POST and replies with the
// buffered request body, or with the request URL when there is no body.
type echoGuest struct{}

func (g *echoGuest) Boot(ctx context.Context, api sandbox.SyscallAPI) error {
	if err := api.RegisterFunc(domain.EntryBackendGet, 0x401000); err != nil {
		return err
	}
	if err := api.RegisterFunc(domain.EntryBackendPost, 0x401010); err != nil {
		return err
	}
	return api.WaitForRequests()
}

func (g *echoGuest) Call(ctx context.Context, api sandbox.SyscallAPI, entry domain.ProgramEntry, in *domain.BackendInputs) error {
	body := in.Body
	if body == nil {
		body = []byte(in.URL)
	}
	return api.BackendResponse(200, "text/plain", body, nil)
}

func (g *echoGuest) Clone() sandbox.GuestProgram { return &echoGuest{} }

// streamGuest accumulates BACKEND_STREAM chunks; the dispatcher's
// follow-up Enter reaches its BACKEND_METHOD entry, which answers with
// the accumulated bytes.
type streamGuest struct {
	received []byte
}

func (g *streamGuest) Boot(ctx context.Context, api sandbox.SyscallAPI) error {
	if err := api.RegisterFunc(domain.EntryBackendStream, 0x402000); err != nil {
		return err
	}
	// BACKEND_METHOD so the post-streaming harvest call dispatches
	// regardless of the inbound HTTP method (§4.4 step 6's top priority).
	if err := api.RegisterFunc(domain.EntryBackendMethod, 0x402010); err != nil {
		return err
	}
	return api.WaitForRequests()
}

func (g *streamGuest) Call(ctx context.Context, api sandbox.SyscallAPI, entry domain.ProgramEntry, in *domain.BackendInputs) error {
	if entry == domain.EntryBackendStream {
		g.received = append(g.received, in.Body...)
		return nil
	}
	return api.BackendResponse(200, "text/plain", g.received, nil)
}

func (g *streamGuest) Clone() sandbox.GuestProgram { return &streamGuest{received: nil} }

// failGuest always crashes the call (never responds), exercising the
// BACKEND_ERROR substitution path.
type failGuest struct{ respondOnError bool }

func (g *failGuest) Boot(ctx context.Context, api sandbox.SyscallAPI) error {
	if err := api.RegisterFunc(domain.EntryBackendGet, 0x403000); err != nil {
		return err
	}
	if g.respondOnError {
		if err := api.RegisterFunc(domain.EntryBackendError, 0x403010); err != nil {
			return err
		}
	}
	return api.WaitForRequests()
}

func (g *failGuest) Call(ctx context.Context, api sandbox.SyscallAPI, entry domain.ProgramEntry, in *domain.BackendInputs) error {
	if entry == domain.EntryBackendError {
		return api.BackendResponse(502, "text/plain", []byte("substituted: "+in.Argument), nil)
	}
	return nil // never calls BackendResponse: harvest fails with KindResponseNotSet
}

func (g *failGuest) Clone() sandbox.GuestProgram { return &failGuest{respondOnError: g.respondOnError} }

func testTenant() *domain.TenantConfig {
	group := domain.DefaultGroup()
	group.MaxConcurrency = 2
	return &domain.TenantConfig{Name: "acme", Group: group, Filename: "/tmp/acme"}
}

// singleProgramResolver always hands back the same pre-built Instance,
// standing in for the tenant registry this package doesn't depend on.
type singleProgramResolver struct {
	inst *program.Instance
	err  error
}

func (r *singleProgramResolver) Resolve(ctx context.Context, tenantName string) (*program.Instance, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.inst, nil
}

func newInstance(t *testing.T, guest program.GuestFactory) *program.Instance {
	t.Helper()
	inst := program.New(program.Config{Tenant: testTenant(), MainGuest: guest})
	if err := inst.Wait(t.Context()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	t.Cleanup(func() { inst.Close() })
	return inst
}

func TestDispatchGET(t *testing.T) {
	inst := newInstance(t, func() sandbox.GuestProgram { return &echoGuest{} })
	d := New(&singleProgramResolver{inst: inst})

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	result, err := d.Handle(t.Context(), "acme", req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Status != 200 || string(result.Body) != "/hello" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if inst.Stats().RequestsServed != 1 {
		t.Fatalf("expected RequestsServed 1, got %d", inst.Stats().RequestsServed)
	}
}

func TestDispatchBufferedPOST(t *testing.T) {
	inst := newInstance(t, func() sandbox.GuestProgram { return &echoGuest{} })
	d := New(&singleProgramResolver{inst: inst})

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("payload body"))
	result, err := d.Handle(t.Context(), "acme", req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if string(result.Body) != "payload body" {
		t.Fatalf("expected echoed body, got %q", result.Body)
	}
}

func TestDispatchStreamingPOST(t *testing.T) {
	inst := newInstance(t, func() sandbox.GuestProgram { return &streamGuest{} })
	d := New(&singleProgramResolver{inst: inst})

	body := strings.Repeat("x", 3*streamChunkSize+17)
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(body))
	result, err := d.Handle(t.Context(), "acme", req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if string(result.Body) != body {
		t.Fatalf("expected all chunks accumulated, got %d bytes want %d", len(result.Body), len(body))
	}
}

func TestDispatchRunsBackendErrorOnCrash(t *testing.T) {
	inst := newInstance(t, func() sandbox.GuestProgram { return &failGuest{respondOnError: true} })
	d := New(&singleProgramResolver{inst: inst})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set(argumentHeader, "ctx")
	result, err := d.Handle(t.Context(), "acme", req)
	if err != nil {
		t.Fatalf("expected BACKEND_ERROR to substitute a response, got error: %v", err)
	}
	if result.Status != 502 || !strings.Contains(string(result.Body), "ctx") {
		t.Fatalf("unexpected substituted result: %+v", result)
	}
}

func TestDispatchFailsWhenNoErrorHandlerRegistered(t *testing.T) {
	inst := newInstance(t, func() sandbox.GuestProgram { return &failGuest{respondOnError: false} })
	d := New(&singleProgramResolver{inst: inst})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	_, err := d.Handle(t.Context(), "acme", req)
	if err == nil {
		t.Fatal("expected an error with no BACKEND_ERROR registered")
	}
}

func TestServeHTTPWritesErrorStatus(t *testing.T) {
	d := New(&singleProgramResolver{err: domain.ErrNoReachableProgram})
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req, "acme")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestServeHTTPWritesBufferedResult(t *testing.T) {
	inst := newInstance(t, func() sandbox.GuestProgram { return &echoGuest{} })
	d := New(&singleProgramResolver{inst: inst})

	req := httptest.NewRequest(http.MethodGet, "/hi", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req, "acme")
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got, _ := io.ReadAll(rec.Body)
	if string(got) != "/hi" {
		t.Fatalf("unexpected body: %q", got)
	}
}
