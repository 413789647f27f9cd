package auth

import (
	"net/http/httptest"
	"testing"
)

func TestPresentedKeyFromDedicatedHeader(t *testing.T) {
	r := httptest.NewRequest("POST", "/live-update", nil)
	r.Header.Set(AccessKeyHeader, "s3cr3t")
	if got := PresentedKey(r); got != "s3cr3t" {
		t.Fatalf("got %q", got)
	}
}

func TestPresentedKeyFromBearer(t *testing.T) {
	r := httptest.NewRequest("POST", "/live-update", nil)
	r.Header.Set("Authorization", "Bearer s3cr3t")
	if got := PresentedKey(r); got != "s3cr3t" {
		t.Fatalf("got %q", got)
	}
}

func TestPresentedKeyMissing(t *testing.T) {
	r := httptest.NewRequest("POST", "/live-update", nil)
	if got := PresentedKey(r); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}
