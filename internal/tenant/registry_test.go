package tenant

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyhost/kvmengine/internal/domain"
	"github.com/tinyhost/kvmengine/internal/loader"
	"github.com/tinyhost/kvmengine/internal/program"
	"github.com/tinyhost/kvmengine/internal/sandbox"
)

// echoGuest is the minimal request-VM guest used across this package's
// tests: registers BACKEND_GET and echoes the request URL.
type echoGuest struct{}

func (g *echoGuest) Boot(ctx context.Context, api sandbox.SyscallAPI) error {
	if err := api.RegisterFunc(domain.EntryBackendGet, 0x401000); err != nil {
		return err
	}
	return api.WaitForRequests()
}

func (g *echoGuest) Call(ctx context.Context, api sandbox.SyscallAPI, entry domain.ProgramEntry, in *domain.BackendInputs) error {
	return api.BackendResponse(200, "text/plain", []byte(in.URL), nil)
}

func (g *echoGuest) Clone() sandbox.GuestProgram { return &echoGuest{} }

// echoGuestBuilder is a stand-in for whatever turns loaded program
// bytes into an executable guest; it ignores the bytes entirely and
// always hands back echoGuest, optionally failing for named tenants.
type echoGuestBuilder struct {
	failFor map[string]bool
}

func (b *echoGuestBuilder) Build(ctx context.Context, tenant *domain.TenantConfig, request, storage domain.BinaryStorage) (program.GuestFactory, program.GuestFactory, error) {
	if b.failFor[tenant.Name] {
		return nil, nil, domain.NewError(domain.KindLoadError, "echoGuestBuilder.Build", tenant.Name, "", domain.ErrInvalidELF)
	}
	factory := func() sandbox.GuestProgram { return &echoGuest{} }
	return factory, nil, nil
}

func fakeELF(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := append([]byte{0x7f, 'E', 'L', 'F'}, make([]byte, 12)...)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fake ELF: %v", err)
	}
	return path
}

func writeManifest(t *testing.T, dir string, tenants map[string]string) []byte {
	t.Helper()
	obj := "{"
	first := true
	for name, filename := range tenants {
		if !first {
			obj += ","
		}
		first = false
		obj += `"` + name + `": {"filename": "` + filename + `"}`
	}
	obj += "}"
	return []byte(obj)
}

func TestRegistryLazyResolveBuildsOnFirstRequest(t *testing.T) {
	dir := t.TempDir()
	path := fakeELF(t, dir, "acme")
	manifest := writeManifest(t, dir, map[string]string{"acme.com": path})

	reg, err := Load(t.Context(), manifest, Deps{
		Loader:       loader.New(nil, nil),
		GuestBuilder: &echoGuestBuilder{},
	}, InitLazy)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer reg.Close()

	if inst, ok := reg.byName["acme.com"]; !ok || inst.Program() != nil {
		t.Fatalf("lazy tenant must not be built before first Resolve")
	}

	p, err := reg.Resolve(t.Context(), "acme.com")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p == nil {
		t.Fatal("expected a non-nil Program Instance")
	}

	p2, err := reg.Resolve(t.Context(), "acme.com")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if p2 != p {
		t.Fatal("second Resolve should return the cached instance, not rebuild")
	}
}

func TestRegistryResolveUnknownTenant(t *testing.T) {
	reg, err := Load(t.Context(), []byte(`{}`), Deps{
		Loader:       loader.New(nil, nil),
		GuestBuilder: &echoGuestBuilder{},
	}, InitLazy)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer reg.Close()

	_, err = reg.Resolve(t.Context(), "nope.com")
	if err == nil {
		t.Fatal("expected an error for an unregistered tenant")
	}
	if domain.KindOf(err) != domain.KindTenantNotFound {
		t.Fatalf("expected KindTenantNotFound, got %v", domain.KindOf(err))
	}
}

func TestRegistryEagerInitOneFailureDoesNotBlockSiblings(t *testing.T) {
	dir := t.TempDir()
	goodPath := fakeELF(t, dir, "good")
	manifest := writeManifest(t, dir, map[string]string{
		"good.com": goodPath,
		"bad.com":  goodPath,
	})

	reg, err := Load(t.Context(), manifest, Deps{
		Loader:       loader.New(nil, nil),
		GuestBuilder: &echoGuestBuilder{failFor: map[string]bool{"bad.com": true}},
	}, InitEager)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer reg.Close()

	if p, err := reg.Resolve(t.Context(), "good.com"); err != nil || p == nil {
		t.Fatalf("good.com should have initialized, got p=%v err=%v", p, err)
	}
	if _, err := reg.Resolve(t.Context(), "bad.com"); err == nil {
		t.Fatal("bad.com's failed eager init should make it permanently unresolvable")
	}
}

func TestRegistryTenantsOrderIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	path := fakeELF(t, dir, "x")
	manifest := writeManifest(t, dir, map[string]string{
		"zeta.com":  path,
		"alpha.com": path,
		"mu.com":    path,
	})
	reg, err := Load(t.Context(), manifest, Deps{
		Loader:       loader.New(nil, nil),
		GuestBuilder: &echoGuestBuilder{},
	}, InitLazy)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer reg.Close()

	var names []string
	for _, inst := range reg.Tenants() {
		names = append(names, inst.Config.Name)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("expected sorted tenant order, got %v", names)
		}
	}
}
