// Package auth is the HTTP-layer half of §3's access-key gate: it pulls
// the presented key off an inbound live-update request and hands it to
// the tenant registry's own constant-time comparison
// (tenant.AuthorizeLiveUpdate) rather than re-implementing the compare
// here.
package auth

import "net/http"

// AccessKeyHeader carries the presented key for a live-update request.
const AccessKeyHeader = "X-Access-Key"

// PresentedKey extracts the access key from a request, checking the
// dedicated header first and falling back to a bearer token so a
// client that already speaks "Authorization: Bearer <key>" works too.
func PresentedKey(r *http.Request) string {
	if k := r.Header.Get(AccessKeyHeader); k != "" {
		return k
	}
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
