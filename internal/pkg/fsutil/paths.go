package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tinyhost/kvmengine/internal/domain"
)

// ModTime returns a file's modification time and whether it exists.
func ModTime(path string) (time.Time, bool) {
	st, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return st.ModTime(), true
}

// WriteAtomic writes data to path via a temp file + rename so a reader
// never observes a partially-written disk cache entry (§4.1's "write
// the binaries back to filename").
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ResolveAllowedPath maps a guest-visible virtual path to its host real
// path per the tenant's allow-list (§3's AllowedPath), returning
// writable=false for an unmatched path along with ok=false. The
// special "state" virtual path always resolves to stateFilename
// regardless of the declared allow-list, matching TenantConfig.StatePath.
func ResolveAllowedPath(virtual string, allowed []domain.AllowedPath, stateFilename string) (real string, writable bool, ok bool) {
	if virtual == "state" && stateFilename != "" {
		return stateFilename, true, true
	}
	clean := filepath.Clean(virtual)
	for _, p := range allowed {
		if filepath.Clean(p.VirtualPath) == clean || strings.HasPrefix(clean, filepath.Clean(p.VirtualPath)+string(filepath.Separator)) {
			rel, err := filepath.Rel(p.VirtualPath, clean)
			if err != nil {
				continue
			}
			return filepath.Join(p.RealPath, rel), p.Writable, true
		}
	}
	return "", false, false
}
