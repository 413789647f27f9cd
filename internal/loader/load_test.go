package loader

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyhost/kvmengine/internal/domain"
)

func tenantFor(filename, uri string) *domain.TenantConfig {
	return &domain.TenantConfig{
		Name:     "acme",
		Group:    domain.DefaultGroup(),
		Filename: filename,
		URI:      uri,
	}
}

func TestLoadFromLocalFileBareELF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "handler")
	elf := fakeELF(1)
	if err := os.WriteFile(path, elf, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	l := New(nil, nil)
	req, storage, err := l.Load(t.Context(), tenantFor(path, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(req.Data()) != string(elf) {
		t.Fatalf("request binary mismatch")
	}
	if storage.IsSet() {
		t.Fatalf("expected no storage binary for a non-storage tenant")
	}
}

func TestLoadNoReachableProgram(t *testing.T) {
	l := New(nil, nil)
	_, _, err := l.Load(t.Context(), tenantFor("", ""))
	if !errors.Is(err, domain.ErrNoReachableProgram) {
		t.Fatalf("expected ErrNoReachableProgram, got %v", err)
	}
}

func TestLoadFetchesFromURIAndWritesBack(t *testing.T) {
	elf := fakeELF(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(elf)
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "handler")

	l := New(srv.Client(), nil)
	req, _, err := l.Load(t.Context(), tenantFor(path, srv.URL))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(req.Data()) != string(elf) {
		t.Fatalf("request binary mismatch")
	}

	cached, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected disk cache write-back: %v", err)
	}
	if string(cached) != string(elf) {
		t.Fatalf("disk cache mismatch")
	}
}

func TestLoadFallsBackToLocalOnNotModified(t *testing.T) {
	elf := fakeELF(1)
	dir := t.TempDir()
	path := filepath.Join(dir, "handler")
	if err := os.WriteFile(path, elf, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	l := New(srv.Client(), nil)
	req, _, err := l.Load(t.Context(), tenantFor(path, srv.URL))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(req.Data()) != string(elf) {
		t.Fatalf("expected the local copy to be served on a 304")
	}
}

func TestLoadRejectsHashMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "handler")
	elf := fakeELF(1)
	if err := os.WriteFile(path, elf, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	tenant := tenantFor(path, "")
	tenant.IntegrityHashAlgo = domain.HashSHA256
	tenant.IntegrityHashHex = "0000000000000000000000000000000000000000000000000000000000000000"

	l := New(nil, nil)
	_, _, err := l.Load(t.Context(), tenant)
	if !errors.Is(err, domain.ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
}

func TestLoadAcceptsMatchingHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "handler")
	elf := fakeELF(1)
	if err := os.WriteFile(path, elf, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	sum := sha256.Sum256(elf)

	tenant := tenantFor(path, "")
	tenant.IntegrityHashAlgo = domain.HashSHA256
	tenant.IntegrityHashHex = hex.EncodeToString(sum[:])

	l := New(nil, nil)
	if _, _, err := l.Load(t.Context(), tenant); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestLoadStorageFallsBackToRequestBinary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "handler")
	elf := fakeELF(1)
	if err := os.WriteFile(path, elf, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	tenant := tenantFor(path, "")
	tenant.StorageEnabled = true

	l := New(nil, nil)
	req, storage, err := l.Load(t.Context(), tenant)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(storage.Data()) != string(req.Data()) {
		t.Fatalf("expected storage binary to fall back to the request binary")
	}
}
