// Package curlfetch implements machine.CurlFetcher: the host-side HTTP
// client a guest's CURL_FETCH syscall (§4.5 "Self-fetch") runs against,
// bounded by the tenant's self_request_max_concurrency.
package curlfetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tinyhost/kvmengine/internal/domain"
	"github.com/tinyhost/kvmengine/internal/ratelimit"
)

// maxResponseBody caps what CURL_FETCH hands back to the guest; a guest
// has no streaming read side for this syscall, only a buffered result.
const maxResponseBody = 4 << 20

// Fetcher is a machine.CurlFetcher backed by net/http, gated per tenant
// by a ratelimit.ConcurrencyLimiter.
type Fetcher struct {
	Client   *http.Client
	Limiter  *ratelimit.ConcurrencyLimiter
	MaxLimit func(tenant string) int // resolves a tenant's self_request_max_concurrency
}

// New returns a Fetcher with a client timeout of timeout per request.
func New(timeout time.Duration, maxLimit func(tenant string) int) *Fetcher {
	return &Fetcher{
		Client:   &http.Client{Timeout: timeout},
		Limiter:  ratelimit.NewConcurrencyLimiter(),
		MaxLimit: maxLimit,
	}
}

// Fetch implements machine.CurlFetcher. opts recognizes "method" (default
// GET) and "body" (raw request body for non-GET methods); any other key
// is sent as a request header. The tenant bounding self_request_max_concurrency
// is read off ctx (domain.WithTenant), since machine.CurlFetcher's
// signature carries no tenant parameter of its own.
func (f *Fetcher) Fetch(ctx context.Context, url string, opts map[string]string) (int, []byte, error) {
	tenant := domain.TenantFromContext(ctx)
	max := 0
	if f.MaxLimit != nil {
		max = f.MaxLimit(tenant)
	}
	release, err := f.Limiter.Acquire(ctx, tenant, max)
	if err != nil {
		return 0, nil, domain.NewError(domain.KindMachineException, "CURL_FETCH", tenant, "", err)
	}
	defer release()

	method := http.MethodGet
	var body io.Reader
	for k, v := range opts {
		switch strings.ToLower(k) {
		case "method":
			method = strings.ToUpper(v)
		case "body":
			body = bytes.NewReader([]byte(v))
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, fmt.Errorf("curlfetch: build request: %w", err)
	}
	for k, v := range opts {
		lk := strings.ToLower(k)
		if lk == "method" || lk == "body" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return 0, nil, domain.NewError(domain.KindMachineException, "CURL_FETCH", tenant, "", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, nil, fmt.Errorf("curlfetch: read body: %w", err)
	}
	return resp.StatusCode, data, nil
}
