package tenant

import (
	"crypto/subtle"
	"errors"

	"github.com/tinyhost/kvmengine/internal/domain"
)

// ErrAccessDenied is returned when a live-update request's presented
// key does not match the tenant's configured access key.
var ErrAccessDenied = errors.New("tenant: access denied")

// AuthorizeLiveUpdate enforces §3's "access key (optional, required for
// live-update endpoints)": live update is disabled by default, not
// open-by-default, so a tenant with no configured key rejects every
// live-update request rather than accepting any key.
func AuthorizeLiveUpdate(cfg *domain.TenantConfig, presentedKey string) error {
	if cfg.AccessKey == "" || presentedKey == "" {
		return ErrAccessDenied
	}
	if subtle.ConstantTimeCompare([]byte(cfg.AccessKey), []byte(presentedKey)) != 1 {
		return ErrAccessDenied
	}
	return nil
}
