package domain

import "context"

type tenantCtxKey struct{}

// WithTenant attaches a tenant name to ctx, so host-side callbacks that
// only receive a context (e.g. machine.CurlFetcher.Fetch) can still
// scope their behavior per tenant without a signature change.
func WithTenant(ctx context.Context, tenantName string) context.Context {
	return context.WithValue(ctx, tenantCtxKey{}, tenantName)
}

// TenantFromContext returns the tenant name WithTenant attached, or ""
// if none was set.
func TenantFromContext(ctx context.Context) string {
	name, _ := ctx.Value(tenantCtxKey{}).(string)
	return name
}
