package tenant

import (
	"testing"
	"time"

	"github.com/tinyhost/kvmengine/internal/domain"
)

func TestParseManifestDefaultTestGroup(t *testing.T) {
	doc, err := ParseManifest([]byte(`{
		"example.com": {"filename": "/tmp/example"}
	}`))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(doc.Tenants) != 1 {
		t.Fatalf("expected 1 tenant, got %d", len(doc.Tenants))
	}
	got := doc.Tenants[0]
	want := domain.DefaultGroup()
	if got.Group.MaxConcurrency != want.MaxConcurrency || got.Group.MaxBootTime != want.MaxBootTime {
		t.Fatalf("tenant did not inherit test group defaults: %+v", got.Group)
	}
	if got.NameHash != nameHash("example.com") {
		t.Fatalf("unexpected name hash")
	}
}

func TestParseManifestGroupInheritanceAndOverride(t *testing.T) {
	doc, err := ParseManifest([]byte(`{
		"heavy": {"max_concurrency": 16, "max_boot_time": 5000000000},
		"a.com": {"group": "heavy", "filename": "/tmp/a"},
		"b.com": {"group": "heavy", "filename": "/tmp/b", "max_concurrency": 32}
	}`))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	byName := map[string]*domain.TenantConfig{}
	for _, cfg := range doc.Tenants {
		byName[cfg.Name] = cfg
	}
	a, b := byName["a.com"], byName["b.com"]
	if a.Group.MaxConcurrency != 16 {
		t.Fatalf("a.com should inherit group's max_concurrency 16, got %d", a.Group.MaxConcurrency)
	}
	if a.Group.MaxBootTime != 5*time.Second {
		t.Fatalf("a.com should inherit group's max_boot_time, got %v", a.Group.MaxBootTime)
	}
	if b.Group.MaxConcurrency != 32 {
		t.Fatalf("b.com should override max_concurrency to 32, got %d", b.Group.MaxConcurrency)
	}
	if b.Group.MaxBootTime != 5*time.Second {
		t.Fatalf("b.com should still inherit max_boot_time, got %v", b.Group.MaxBootTime)
	}
}

func TestParseManifestUnknownKeysAreLoggedNotFatal(t *testing.T) {
	doc, err := ParseManifest([]byte(`{
		"example.com": {"filename": "/tmp/example", "frobnicate": true}
	}`))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(doc.UnknownKeys) != 1 || doc.UnknownKeys[0] != "example.com: frobnicate" {
		t.Fatalf("expected one unknown key recorded, got %v", doc.UnknownKeys)
	}
}

func TestParseManifestUnreachableTenantFails(t *testing.T) {
	_, err := ParseManifest([]byte(`{
		"example.com": {"group": "test"}
	}`))
	if err == nil {
		t.Fatal("expected an error for a tenant with neither filename nor uri")
	}
}

func TestParseManifestUnknownGroupFails(t *testing.T) {
	_, err := ParseManifest([]byte(`{
		"example.com": {"group": "nonexistent", "filename": "/tmp/example"}
	}`))
	if err == nil {
		t.Fatal("expected an error for a reference to an undeclared group")
	}
}

func TestParseManifestWarmupAndIntegrity(t *testing.T) {
	doc, err := ParseManifest([]byte(`{
		"example.com": {
			"filename": "/tmp/example",
			"warmup": {"method": "GET", "url": "/", "num_requests": 3},
			"integrity_hash_algo": "sha256",
			"integrity_hash_hex": "deadbeef"
		}
	}`))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	cfg := doc.Tenants[0]
	if cfg.Warmup == nil || cfg.Warmup.NumRequests != 3 || cfg.Warmup.URL != "/" {
		t.Fatalf("warmup not parsed: %+v", cfg.Warmup)
	}
	if cfg.IntegrityHashAlgo != domain.HashSHA256 || cfg.IntegrityHashHex != "deadbeef" {
		t.Fatalf("integrity fields not parsed: %+v", cfg)
	}
}
