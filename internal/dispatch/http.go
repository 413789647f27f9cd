package dispatch

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/tinyhost/kvmengine/internal/domain"
)

// ServeHTTP drives one inbound request end to end: Handle, then write
// the BackendResult (or error status) to w. tenantName is resolved by
// the caller (path segment, Host header, whatever the front end uses)
// and passed in rather than parsed here.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request, tenantName string) {
	result, err := d.Handle(r.Context(), tenantName, r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, result)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var derr *domain.Error
	if errors.As(err, &derr) {
		status = derr.Kind.HTTPStatus()
	}
	http.Error(w, err.Error(), status)
}

func writeResult(w http.ResponseWriter, result *domain.BackendResult) {
	h := w.Header()
	if result.ContentType != "" {
		h.Set("Content-Type", result.ContentType)
	}
	for _, eh := range result.ExtraHeaders {
		h.Add(eh.Name, eh.Value)
	}
	applyCachePolicy(h, result.Cache)

	switch result.Kind {
	case domain.ResultStreamed:
		writeStreamed(w, result)
	default:
		if result.ContentLength > 0 {
			h.Set("Content-Length", strconv.FormatInt(result.ContentLength, 10))
		}
		w.WriteHeader(result.Status)
		w.Write(result.Body)
	}
}

func writeStreamed(w http.ResponseWriter, result *domain.BackendResult) {
	w.WriteHeader(result.Status)
	flusher, canFlush := w.(http.Flusher)

	const maxChunk = 64 << 10
	for {
		chunk, done, err := result.Stream(maxChunk)
		if len(chunk) > 0 {
			w.Write(chunk)
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil || done {
			return
		}
	}
}

func applyCachePolicy(h http.Header, cache domain.CachePolicy) {
	if !cache.Cacheable {
		return
	}
	directive := "public, max-age=" + strconv.FormatInt(cache.TTL/1000, 10)
	if cache.Grace > 0 {
		directive += ", stale-while-revalidate=" + strconv.FormatInt(cache.Grace/1000, 10)
	}
	h.Set("Cache-Control", directive)
}
