// Package dispatch implements the Request Dispatcher (spec §4.4): given
// a tenant name and an inbound HTTP request, resolve its Program
// Instance, reserve a request VM, drive the call, and harvest the
// response — or fail with a typed domain.Error the front end maps to a
// status code.
package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tinyhost/kvmengine/internal/domain"
	"github.com/tinyhost/kvmengine/internal/logging"
	"github.com/tinyhost/kvmengine/internal/metrics"
	"github.com/tinyhost/kvmengine/internal/observability"
	"github.com/tinyhost/kvmengine/internal/program"
)

// streamChunkSize bounds one BACKEND_STREAM invocation's input (§4.4
// step 4's "streaming POST" path).
const streamChunkSize = 64 << 10

// argumentHeader is this engine's source for the "argument" field
// BackendInputs carries (§4.4 step 5): spec.md leaves its origin to the
// front-end cache layer, so it is read from a single well-known header
// rather than derived from the URL.
const argumentHeader = "X-Argument"

// ProgramResolver locates (and, on a cold tenant, lazily initializes) a
// tenant's Program Instance. The tenant registry implements this;
// dispatch depends only on the interface to avoid importing it.
type ProgramResolver interface {
	Resolve(ctx context.Context, tenantName string) (*program.Instance, error)
}

// StatsSink records reservation-timeout occurrences off the hot path;
// internal/store implements this. Left nil, a Dispatcher just skips
// the bookkeeping rather than failing the request.
type StatsSink interface {
	IncrReservationTimeout(ctx context.Context, tenantName string) error
}

// Dispatcher is the Request Dispatcher (§4.4).
type Dispatcher struct {
	Resolver ProgramResolver
	Stats    StatsSink
}

// New returns a Dispatcher backed by resolver.
func New(resolver ProgramResolver) *Dispatcher {
	return &Dispatcher{Resolver: resolver}
}

// Handle implements §4.4 steps 1-10: resolve, wait, reserve, assemble
// inputs, dispatch, harvest, release. Any VM-side failure runs the
// optional BACKEND_ERROR substitution before surfacing an error.
func (d *Dispatcher) Handle(ctx context.Context, tenantName string, r *http.Request) (*domain.BackendResult, error) {
	start := time.Now()
	requestID := uuid.NewString()
	metrics.IncActiveRequests(tenantName)
	defer metrics.DecActiveRequests(tenantName)

	ctx, span := observability.StartServerSpan(ctx, "dispatch.Handle",
		observability.AttrTenant.String(tenantName),
		observability.AttrRequestMethod.String(r.Method),
	)
	defer span.End()

	stats := &requestStats{}
	result, err := d.handle(ctx, tenantName, r, stats)
	if err != nil {
		observability.SetSpanError(span, err)
	} else {
		observability.SetSpanOK(span)
		stats.outputSize = int(result.ContentLength)
	}
	durationMs := time.Since(start).Milliseconds()
	metrics.Global().RecordRequest(tenantName, durationMs, err == nil)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	logging.Default().Log(&logging.RequestLog{
		RequestID:         requestID,
		TraceID:           span.SpanContext().TraceID().String(),
		SpanID:            span.SpanContext().SpanID().String(),
		Tenant:            tenantName,
		Method:            r.Method,
		DurationMs:        durationMs,
		ReservationWaitMs: stats.reservationWaitMs,
		Success:           err == nil,
		Error:             errMsg,
		InputSize:         stats.inputSize,
		OutputSize:        stats.outputSize,
	})
	return result, err
}

// requestStats carries per-request figures out of handle for the audit
// log, without changing handle's own return shape.
type requestStats struct {
	reservationWaitMs int64
	inputSize         int
	outputSize        int
}

func (d *Dispatcher) handle(ctx context.Context, tenantName string, r *http.Request, stats *requestStats) (*domain.BackendResult, error) {
	ctx = domain.WithTenant(ctx, tenantName)
	prog, err := d.Resolver.Resolve(ctx, tenantName)
	if err != nil {
		return nil, domain.NewError(domain.KindLoadError, "dispatch.Handle", tenantName, "", err)
	}
	if err := prog.Wait(ctx); err != nil {
		return nil, domain.NewError(domain.KindLoadError, "dispatch.Handle", tenantName, "", err)
	}

	reserveStart := time.Now()
	reservation, err := prog.Reserve(ctx)
	if err != nil {
		stats.reservationWaitMs = time.Since(reserveStart).Milliseconds()
		metrics.Global().RecordReservationWait(tenantName, stats.reservationWaitMs, true)
		if d.Stats != nil {
			go d.Stats.IncrReservationTimeout(context.Background(), tenantName)
		}
		return nil, domain.NewError(domain.KindQueueTimeout, "dispatch.Handle", tenantName, "", err)
	}
	stats.reservationWaitMs = time.Since(reserveStart).Milliseconds()
	metrics.Global().RecordReservationWait(tenantName, stats.reservationWaitMs, false)
	defer reservation.Release()
	item := reservation.Item

	in, err := d.assembleInputs(ctx, item, r)
	if err != nil {
		item.MarkResetNeeded()
		return d.runErrorEntry(ctx, item, tenantName, in, err)
	}
	if in != nil {
		stats.inputSize = len(in.Argument) + len(in.Body)
	}

	result, err := item.Enter(ctx, in)
	if err != nil {
		return d.runErrorEntry(ctx, item, tenantName, in, err)
	}
	if !result.Valid() {
		item.MarkResetNeeded()
		invalid := domain.NewError(domain.KindResponseNotSet, "dispatch.Handle", tenantName, "", nil)
		return d.runErrorEntry(ctx, item, tenantName, in, invalid)
	}

	if !in.Warmup {
		prog.RecordServed()
	}
	return result, nil
}

// runErrorEntry implements §4.4's "on any exception" paragraph: the VM
// is already marked reset_needed by the caller (or is marked here);
// BACKEND_ERROR gets one short-deadline shot at substituting a valid
// response before the original cause is surfaced to the front end.
func (d *Dispatcher) runErrorEntry(ctx context.Context, item *program.VMPoolItem, tenantName string, in *domain.BackendInputs, cause error) (*domain.BackendResult, error) {
	item.MarkResetNeeded()

	url, argument := "", ""
	if in != nil {
		url, argument = in.URL, in.Argument
	}
	substituted, rerr := item.RunError(ctx, url, argument, cause.Error())
	if rerr == nil && substituted != nil && substituted.Valid() {
		return substituted, nil
	}
	return nil, domain.NewError(domain.KindOf(cause), "dispatch.Handle", tenantName, "", cause)
}

// assembleInputs builds the guest-visible BackendInputs (§4.4 step 5)
// and drives the POST body into the guest per step 4: streaming via
// BACKEND_STREAM when the guest registered it, else a single buffered
// copy capped at domain.MaxBufferedBody.
func (d *Dispatcher) assembleInputs(ctx context.Context, item *program.VMPoolItem, r *http.Request) (*domain.BackendInputs, error) {
	in := &domain.BackendInputs{
		Method:      r.Method,
		URL:         r.URL.String(),
		Argument:    strings.TrimSpace(r.Header.Get(argumentHeader)),
		ContentType: r.Header.Get("Content-Type"),
	}
	for name, values := range r.Header {
		for _, v := range values {
			if len(in.Headers) >= domain.HTTPFieldLimit {
				break
			}
			in.Headers = append(in.Headers, domain.HeaderField{Name: name, Value: v})
		}
	}

	if r.Body == nil || r.ContentLength == 0 {
		return in, nil
	}

	if item.StreamCapable() {
		if err := d.streamBody(ctx, item, r.Body); err != nil {
			return in, domain.NewError(domain.KindMachineException, "dispatch.streamBody", "", "", err)
		}
		return in, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, domain.MaxBufferedBody))
	if err != nil {
		return in, domain.NewError(domain.KindLoadError, "dispatch.assembleInputs", "", "", err)
	}
	in.Body = body
	return in, nil
}

// streamBody copies r in fixed-size chunks through BACKEND_STREAM,
// aborting the fetch the moment the guest reports a problem with a
// chunk (§4.4 step 4's "abort the fetch on mismatch").
func (d *Dispatcher) streamBody(ctx context.Context, item *program.VMPoolItem, r io.Reader) error {
	buf := make([]byte, streamChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if serr := item.EnterStreamChunk(ctx, chunk, errors.Is(err, io.EOF)); serr != nil {
				return serr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
