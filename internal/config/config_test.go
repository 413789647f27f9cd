package config

import "testing"

func TestDefaultConfigEagerInitOffByDefault(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Engine.EagerInit {
		t.Fatal("expected lazy init by default")
	}
	if cfg.Engine.NumaNodes != 1 {
		t.Fatalf("expected single-node default, got %d", cfg.Engine.NumaNodes)
	}
}

func TestLoadFromEnvOverridesManifestPath(t *testing.T) {
	t.Setenv("KVMENGINE_MANIFEST_PATH", "/etc/kvmengine/tenants.json")
	t.Setenv("KVMENGINE_EAGER_INIT", "true")
	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	if cfg.Engine.ManifestPath != "/etc/kvmengine/tenants.json" {
		t.Fatalf("manifest path override did not apply, got %q", cfg.Engine.ManifestPath)
	}
	if !cfg.Engine.EagerInit {
		t.Fatal("expected eager init override to apply")
	}
}
