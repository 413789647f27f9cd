// Package loader implements the Program Loader (spec §4.1): resolve a
// tenant's configured source (local file, HTTP URI, or s3:// URI) into
// request/storage ELF images, with conditional re-fetch, container
// inspection, disk caching, and integrity verification.
package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tinyhost/kvmengine/internal/domain"
)

// fetchResult is what a Fetcher returns: fresh bytes, or fresh=false
// when the remote confirms the caller's local copy is still current.
type fetchResult struct {
	data  []byte
	fresh bool
}

// Fetcher retrieves a tenant's program bytes from one URI scheme.
type Fetcher interface {
	Fetch(ctx context.Context, uri string, ifModifiedSince time.Time, haveLocal bool) (fetchResult, error)
}

// NewFetcher picks the Fetcher matching uri's scheme: s3:// bucket/key
// via the teacher's aws-sdk-go-v2 S3 client, everything else via
// net/http (§4.1 names only HTTP explicitly; s3:// is this engine's own
// addition, grounded on the teacher's otherwise-unused AWS SDK import).
func NewFetcher(uri string, s3Client *s3.Client, httpClient *http.Client) (Fetcher, error) {
	if strings.HasPrefix(uri, "s3://") {
		if s3Client == nil {
			return nil, fmt.Errorf("loader: %s requires an S3 client", uri)
		}
		return &s3Fetcher{client: s3Client}, nil
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &httpFetcher{client: httpClient}, nil
}

type httpFetcher struct {
	client *http.Client
}

func (f *httpFetcher) Fetch(ctx context.Context, uri string, ifModifiedSince time.Time, haveLocal bool) (fetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fetchResult{}, fmt.Errorf("%w: %v", domain.ErrNetworkFailed, err)
	}
	if haveLocal && !ifModifiedSince.IsZero() {
		req.Header.Set("If-Modified-Since", ifModifiedSince.UTC().Format(http.TimeFormat))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fetchResult{}, fmt.Errorf("%w: %v", domain.ErrNetworkFailed, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return fetchResult{fresh: false}, nil
	case http.StatusOK:
		data, err := io.ReadAll(io.LimitReader(resp.Body, domain.MaxBufferedBody))
		if err != nil {
			return fetchResult{}, fmt.Errorf("%w: %v", domain.ErrNetworkFailed, err)
		}
		return fetchResult{data: data, fresh: true}, nil
	default:
		return fetchResult{}, fmt.Errorf("%w: unexpected status %d", domain.ErrNetworkFailed, resp.StatusCode)
	}
}

// s3Fetcher resolves s3://bucket/key. S3 has no header analogous to
// If-Modified-Since, and the Fetcher contract here only carries a
// timestamp, not a remembered ETag, so every call re-fetches; the
// disk-cache layer above still skips the write-back when the bytes are
// unchanged.
type s3Fetcher struct {
	client *s3.Client
}

func (f *s3Fetcher) Fetch(ctx context.Context, uri string, ifModifiedSince time.Time, haveLocal bool) (fetchResult, error) {
	bucket, key, err := splitS3URI(uri)
	if err != nil {
		return fetchResult{}, err
	}
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fetchResult{}, fmt.Errorf("%w: s3 get %s: %v", domain.ErrNetworkFailed, uri, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(io.LimitReader(out.Body, domain.MaxBufferedBody))
	if err != nil {
		return fetchResult{}, fmt.Errorf("%w: %v", domain.ErrNetworkFailed, err)
	}
	return fetchResult{data: data, fresh: true}, nil
}

func splitS3URI(uri string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(uri, "s3://")
	i := strings.IndexByte(rest, '/')
	if i < 0 || i == 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("loader: malformed s3 uri %q", uri)
	}
	return rest[:i], rest[i+1:], nil
}
