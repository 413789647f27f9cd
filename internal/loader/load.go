package loader

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tinyhost/kvmengine/internal/domain"
	"github.com/tinyhost/kvmengine/internal/pkg/crypto"
	"github.com/tinyhost/kvmengine/internal/pkg/fsutil"
)

// Loader resolves a tenant's configured source into request/storage
// binaries (§4.1).
type Loader struct {
	HTTPClient *http.Client
	S3Client   *s3.Client
}

// New returns a Loader sharing the given clients across tenants; either
// may be nil (S3Client only needed for tenants using an s3:// uri).
func New(httpClient *http.Client, s3Client *s3.Client) *Loader {
	return &Loader{HTTPClient: httpClient, S3Client: s3Client}
}

// Load resolves tenant's program bytes per §4.1:
//  1. a configured URI is fetched, conditionally on the local file's
//     mtime when a local copy already exists;
//  2. otherwise the local filename is read directly;
//  3. the bytes are classified as a bare ELF or a tar/tar.xz archive
//     carrying a request binary and an optional storage binary;
//  4. an integrity hash, if configured, is verified against the
//     request binary;
//  5. a fresh URI fetch that passed that check is written back to disk
//     for next boot.
func (l *Loader) Load(ctx context.Context, tenant *domain.TenantConfig) (request, storage domain.BinaryStorage, err error) {
	if !tenant.Reachable() {
		return domain.BinaryStorage{}, domain.BinaryStorage{}, domain.NewError(domain.KindLoadError, "loader.Load", tenant.Name, "", domain.ErrNoReachableProgram)
	}

	raw, fresh, err := l.resolveBytes(ctx, tenant)
	if err != nil {
		return domain.BinaryStorage{}, domain.BinaryStorage{}, err
	}

	p, err := inspect(raw)
	if err != nil {
		return domain.BinaryStorage{}, domain.BinaryStorage{}, domain.NewError(domain.KindLoadError, "loader.Load", tenant.Name, "", err)
	}

	if err := l.verifyIntegrity(tenant, p.request); err != nil {
		return domain.BinaryStorage{}, domain.BinaryStorage{}, err
	}

	if fresh && tenant.Filename != "" {
		l.writeBack(tenant, p)
	}

	request = domain.NewOwnedBinary(p.request)
	if p.storage != nil {
		storage = domain.NewOwnedBinary(p.storage)
	} else if tenant.StorageEnabled {
		// No dedicated storage entry: storage guest runs the same image
		// as the request guest (§3's fallback).
		storage = domain.NewOwnedBinary(p.request)
	}
	return request, storage, nil
}

// resolveBytes implements the source-selection order: URI (with a
// freshness check against the local copy's mtime) first, falling back
// to the local file when there's no URI or the fetch says unchanged.
func (l *Loader) resolveBytes(ctx context.Context, tenant *domain.TenantConfig) (raw []byte, fresh bool, err error) {
	localMod, haveLocal := time.Time{}, false
	if tenant.Filename != "" {
		localMod, haveLocal = fsutil.ModTime(tenant.Filename)
	}

	if tenant.URI != "" {
		fetcher, err := NewFetcher(tenant.URI, l.S3Client, l.HTTPClient)
		if err != nil {
			return nil, false, domain.NewError(domain.KindLoadError, "loader.Load", tenant.Name, "", err)
		}
		res, err := fetcher.Fetch(ctx, tenant.URI, localMod, haveLocal)
		if err != nil {
			if haveLocal {
				// Network failure with a local fallback available: degrade
				// instead of failing the whole load.
				data, rerr := readLocal(tenant.Filename)
				if rerr == nil {
					return data, false, nil
				}
			}
			return nil, false, domain.NewError(domain.KindLoadError, "loader.Load", tenant.Name, "", err)
		}
		if res.fresh {
			return res.data, true, nil
		}
		// Remote confirmed no change: fall through to the local copy.
	}

	if !haveLocal {
		return nil, false, domain.NewError(domain.KindLoadError, "loader.Load", tenant.Name, "", domain.ErrNoReachableProgram)
	}
	data, err := readLocal(tenant.Filename)
	if err != nil {
		return nil, false, domain.NewError(domain.KindLoadError, "loader.Load", tenant.Name, "", fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err))
	}
	return data, false, nil
}

func (l *Loader) verifyIntegrity(tenant *domain.TenantConfig, request []byte) error {
	if tenant.IntegrityHashHex == "" {
		return nil
	}
	ok, err := crypto.VerifyIntegrity(bytesReader(request), tenant.IntegrityHashAlgo, tenant.IntegrityHashHex)
	if err != nil {
		return domain.NewError(domain.KindLoadError, "loader.Load", tenant.Name, "", err)
	}
	if !ok {
		return domain.NewError(domain.KindLoadError, "loader.Load", tenant.Name, "", domain.ErrHashMismatch)
	}
	return nil
}

func readLocal(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func bytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}

// writeBack persists a freshly-fetched payload to disk so the next boot
// can start from the local copy; failures are non-fatal (§4.1 treats
// the cache as best-effort, not load-bearing).
func (l *Loader) writeBack(tenant *domain.TenantConfig, p payload) {
	_ = fsutil.WriteAtomic(tenant.Filename, p.request, 0o644)
	if p.storage != nil {
		_ = fsutil.WriteAtomic(tenant.Filename+"_storage", p.storage, 0o644)
	}
}
