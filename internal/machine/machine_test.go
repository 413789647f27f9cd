package machine

import (
	"context"
	"testing"
	"time"

	"github.com/tinyhost/kvmengine/internal/domain"
	"github.com/tinyhost/kvmengine/internal/sandbox"
)

// echoGuest is a minimal GuestProgram: registers BACKEND_GET, and on
// call replies with the request URL as the body.
type echoGuest struct {
	calls int
}

func (g *echoGuest) Boot(ctx context.Context, api sandbox.SyscallAPI) error {
	if err := api.RegisterFunc(domain.EntryBackendGet, 0x401000); err != nil {
		return err
	}
	return api.WaitForRequests()
}

func (g *echoGuest) Call(ctx context.Context, api sandbox.SyscallAPI, entry domain.ProgramEntry, in *domain.BackendInputs) error {
	g.calls++
	return api.BackendResponse(200, "text/plain; charset=utf-8", []byte(in.URL), nil)
}

func newBootedMachine(t *testing.T, guest sandbox.GuestProgram) *Machine {
	t.Helper()
	tenant := &domain.TenantConfig{Name: "t1", Group: domain.DefaultGroup()}
	m := New(guest, Options{Tenant: tenant, MaxRegex: 8, EphemeralDefault: false}, &domain.ProgramStats{})
	if err := m.Boot(context.Background(), time.Second); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	return m
}

func TestMachineBootAndEnter(t *testing.T) {
	m := newBootedMachine(t, &echoGuest{})
	res, err := m.Enter(context.Background(), time.Second, &domain.BackendInputs{Method: "GET", URL: "/hello"})
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if res.Status != 200 || string(res.Body) != "/hello" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestMachineForkSharesEntryTable(t *testing.T) {
	main := newBootedMachine(t, &echoGuest{})
	child := main.Fork(Options{Tenant: main.opts.Tenant, MaxRegex: 8, EphemeralDefault: true})
	res, err := child.Enter(context.Background(), time.Second, &domain.BackendInputs{Method: "GET", URL: "/child"})
	if err != nil {
		t.Fatalf("Enter on fork: %v", err)
	}
	if res.Status != 200 || string(res.Body) != "/child" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestMachineResetClearsResponseAndRegexLoans(t *testing.T) {
	main := newBootedMachine(t, &echoGuest{})
	child := main.Fork(Options{Tenant: main.opts.Tenant, MaxRegex: 8, EphemeralDefault: true})
	if _, err := child.Enter(context.Background(), time.Second, &domain.BackendInputs{Method: "GET", URL: "/x"}); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if _, err := child.regex.compile(`^/x$`); err != nil {
		t.Fatalf("compile: %v", err)
	}
	child.MarkResetNeeded()
	if !child.NeedsReset() {
		t.Fatal("expected NeedsReset true after MarkResetNeeded")
	}
	if err := child.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if child.resetNeeded.Load() {
		t.Fatal("expected reset_needed cleared after Reset")
	}
	if child.response != nil || child.responseSet != 0 {
		t.Fatal("expected response cleared after reset")
	}
	if len(child.regex.entries) != len(main.snap.regex) {
		t.Fatalf("expected regex cache re-seeded with the %d loaned entries, got %d", len(main.snap.regex), len(child.regex.entries))
	}
}

func TestRegexCacheCompileMatchFree(t *testing.T) {
	c := newRegexCache(2)
	h, err := c.compile(`^/api/(\d+)$`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	ok, groups, err := c.match(h, "/api/42")
	if err != nil || !ok || groups[1] != "42" {
		t.Fatalf("match: ok=%v groups=%v err=%v", ok, groups, err)
	}
	h2, err := c.compile(`^/api/(\d+)$`)
	if err != nil || h2 != h {
		t.Fatalf("expected cache hit on identical pattern, got h2=%v err=%v", h2, err)
	}
	if err := c.free(h); err != nil {
		t.Fatalf("free: %v", err)
	}
	if _, _, err := c.match(h, "/api/1"); err == nil {
		t.Fatal("expected error matching a freed handle")
	}
}

func TestRegexCacheOverflow(t *testing.T) {
	c := newRegexCache(1)
	if _, err := c.compile("a"); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := c.compile("b"); err != domain.ErrRegexCacheFull {
		t.Fatalf("expected ErrRegexCacheFull, got %v", err)
	}
}
