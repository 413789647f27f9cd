package curlfetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tinyhost/kvmengine/internal/domain"
)

func TestFetchReturnsStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New(2*time.Second, func(string) int { return 4 })
	ctx := domain.WithTenant(context.Background(), "acme.test")
	status, body, err := f.Fetch(ctx, srv.URL, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if status != http.StatusCreated || string(body) != "ok" {
		t.Fatalf("got status=%d body=%q", status, body)
	}
}

func TestFetchRespectsConcurrencyBound(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(5*time.Second, func(string) int { return 1 })
	ctx := domain.WithTenant(context.Background(), "acme.test")

	done := make(chan struct{})
	go func() {
		f.Fetch(ctx, srv.URL, nil)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond) // let the first fetch acquire the slot

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, _, err := f.Fetch(shortCtx, srv.URL, nil); err == nil {
		t.Fatal("expected second concurrent fetch to be bounded out")
	}

	close(release)
	<-done
}
