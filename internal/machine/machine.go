// Package machine implements the Machine Instance (spec §3/§4.2): one
// VM, wrapping a sandbox.Sandbox, binding host capabilities (regex
// cache, HTTP header bookkeeping, storage dispatch, self-fetch) and
// encoding the reset/fork semantics every request VM needs.
package machine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyhost/kvmengine/internal/domain"
	"github.com/tinyhost/kvmengine/internal/sandbox"
)

// StorageDispatcher is how a request VM's SyscallAPI reaches the
// program-wide storage serializer without internal/machine importing
// internal/program (dependency inversion avoids the cycle).
type StorageDispatcher interface {
	StorageCall(ctx context.Context, funcAddr uint64, buffers [][]byte, dstCap int) ([]byte, error)
	StorageTask(funcAddr uint64, arg []byte, startMs, periodMs int64) (uint64, error)
	StopStorageTask(id uint64) error
}

// CurlFetcher bounds and performs a guest's CURL_FETCH self-request.
type CurlFetcher interface {
	Fetch(ctx context.Context, url string, opts map[string]string) (status int, body []byte, err error)
}

// Options configures a Machine at construction time; all fields are
// read-only snapshots off the owning TenantConfig/Group.
type Options struct {
	Tenant           *domain.TenantConfig
	IsStorage        bool
	IsDebug          bool
	EphemeralDefault bool
	ControlEphemeral bool
	MaxRegex         int
	Storage          StorageDispatcher
	Curl             CurlFetcher
	LogSink          func(tenant, vmType, line string)
}

// Machine is one VM: the Sandbox plus everything §4.2/§3 says a Machine
// Instance binds around it.
type Machine struct {
	opts    Options
	sb      *sandbox.ReferenceSandbox
	regex   *regexCache
	snap    snapshot
	booted  bool

	resetNeeded atomic.Bool
	ephemeral   atomic.Bool

	mu           sync.Mutex
	headers      map[sandbox.HTTPSection][]domain.HeaderField
	response     *domain.BackendResult
	responseSet  int // 0 none, 1 buffered, 10 streaming, 2 storage-return, 3 storage-noreturn
	storageAllow map[uint64]bool
	smpActive    bool

	stats *domain.ProgramStats
}

// New constructs an unbooted Machine around guest.
func New(guest sandbox.GuestProgram, opts Options, stats *domain.ProgramStats) *Machine {
	m := &Machine{
		opts:    opts,
		sb:      sandbox.NewReferenceSandbox(guest),
		regex:   newRegexCache(opts.MaxRegex),
		headers: make(map[sandbox.HTTPSection][]domain.HeaderField),
		stats:   stats,
	}
	m.ephemeral.Store(opts.EphemeralDefault)
	return m
}

// Boot drives construction policy steps 1-10 of §4.2 for a main VM:
// steps 1-5 (memory layout, argv/envp) are the reference Sandbox's
// concern inside GuestProgram.Boot; steps 6-10 (deadline, warmup,
// CoW-forkable marking, stack adjustment) are encoded here.
func (m *Machine) Boot(ctx context.Context, deadline time.Duration) error {
	api := &syscallAPI{m: m}
	if err := m.sb.Boot(ctx, deadline, api); err != nil {
		return domain.NewError(domain.KindTimeout, "machine.Boot", m.tenantName(), "", err)
	}
	if m.opts.Tenant != nil && m.opts.Tenant.Warmup != nil {
		if err := m.runWarmup(ctx); err != nil {
			return err
		}
	}
	sbSnap, err := m.sb.Snapshot()
	if err != nil {
		return domain.NewError(domain.KindMachineException, "machine.Boot", m.tenantName(), "", err)
	}
	m.snap = snapshot{sb: sbSnap, regex: m.regex.snapshot()}
	m.booted = true
	return nil
}

// snapshot is the Machine-level analogue of the main VM's post-boot CoW
// snapshot: the opaque Sandbox snapshot plus the regex cache contents
// every fork loans from.
type snapshot struct {
	sb    sandbox.Snapshot
	regex []regexEntry
}

func (m *Machine) runWarmup(ctx context.Context) error {
	w := m.opts.Tenant.Warmup
	if w == nil || w.NumRequests <= 0 {
		return nil
	}
	in := &domain.BackendInputs{Method: w.Method, URL: w.URL, Warmup: true}
	for k, v := range w.Headers {
		in.Headers = append(in.Headers, domain.HeaderField{Name: k, Value: v})
	}
	for i := 0; i < w.NumRequests; i++ {
		if err := m.enterBestEntry(ctx, m.opts.Tenant.Group.MaxReqTime, in); err != nil {
			return fmt.Errorf("machine: warmup request %d/%d: %w", i+1, w.NumRequests, err)
		}
		if m.stats != nil {
			m.stats.WarmupRequestsServed.Add(1)
		}
		m.clearResponse()
	}
	return nil
}

func (m *Machine) enterBestEntry(ctx context.Context, deadline time.Duration, in *domain.BackendInputs) error {
	tbl := m.sb.EntryTable()
	switch {
	case tbl.Registered(domain.EntryBackendMethod):
		return m.sb.EnterEntry(ctx, deadline, &syscallAPI{m: m}, domain.EntryBackendMethod, in)
	case in.Method == "POST" && tbl.Registered(domain.EntryBackendPost):
		return m.sb.EnterEntry(ctx, deadline, &syscallAPI{m: m}, domain.EntryBackendPost, in)
	case tbl.Registered(domain.EntryBackendGet):
		return m.sb.EnterEntry(ctx, deadline, &syscallAPI{m: m}, domain.EntryBackendGet, in)
	default:
		if err := m.sb.Resume(ctx, deadline, &syscallAPI{m: m}, in); err != nil {
			return err
		}
		return nil
	}
}

func (m *Machine) tenantName() string {
	if m.opts.Tenant == nil {
		return ""
	}
	return m.opts.Tenant.Name
}

// Fork produces a new request-VM Machine sharing this Machine's
// post-boot snapshot: inherited CoW entry table and loaned regex cache.
func (m *Machine) Fork(opts Options) *Machine {
	child := &Machine{
		opts:    opts,
		sb:      sandbox.Fork(m.snap.sb),
		regex:   newRegexCache(opts.MaxRegex),
		headers: make(map[sandbox.HTTPSection][]domain.HeaderField),
		stats:   m.stats,
		snap:    m.snap,
		booted:  true,
	}
	child.regex.restore(m.snap.regex)
	child.ephemeral.Store(opts.EphemeralDefault)
	return child
}

// NeedsReset reports whether the next reservation must hard-reset this
// Machine before use (§4.2: "a request VM is reset iff ephemeral ||
// reset_needed").
func (m *Machine) NeedsReset() bool {
	return m.ephemeral.Load() || m.resetNeeded.Load()
}

// MarkResetNeeded is called on any dispatcher error exit (§7: "any error
// marks the VM's reset_needed flag").
func (m *Machine) MarkResetNeeded() { m.resetNeeded.Store(true) }

// Reset restores CoW page state and clears per-request scratch: post
// area, inputs area, regex loans re-seeded from the parent snapshot.
func (m *Machine) Reset() error {
	if err := m.sb.Reset(m.snap.sb); err != nil {
		return err
	}
	m.regex.restore(m.snap.regex)
	m.clearResponse()
	m.resetNeeded.Store(false)
	if m.stats != nil {
		m.stats.ResetCount.Add(1)
	}
	return nil
}

func (m *Machine) clearResponse() {
	m.mu.Lock()
	m.response = nil
	m.responseSet = 0
	m.headers = make(map[sandbox.HTTPSection][]domain.HeaderField)
	m.smpActive = false
	m.mu.Unlock()
}

// EnterStorageCall implements the storage side of §4.6 storage_call: the
// caller has already copied buffers onto the storage VM's stack
// conceptually (here: passed directly); HandleStorageCall must respond
// via STORAGE_RETURN/STORAGE_NORETURN before returning.
func (m *Machine) EnterStorageCall(ctx context.Context, deadline time.Duration, funcAddr uint64, buffers [][]byte, dstCap int) ([]byte, error) {
	if !m.opts.IsStorage {
		return nil, domain.NewError(domain.KindMachineException, "storage_call", m.tenantName(), "", nil)
	}
	sc, ok := m.sb.Guest().(sandbox.StorageCallable)
	if !ok {
		return nil, domain.ErrStorageNoResponse
	}
	m.clearResponse()
	api := &syscallAPI{m: m}
	if err := m.sb.EnterFunc(ctx, deadline, func(c context.Context) error {
		return sc.HandleStorageCall(c, api, funcAddr, buffers, dstCap)
	}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.responseSet {
	case 2: // STORAGE_RETURN
		return m.response.Body, nil
	case 3: // STORAGE_NORETURN
		return nil, nil
	default:
		return nil, domain.ErrStorageNoResponse
	}
}

// EnterSerialize runs the storage guest's LIVEUPD_SERIALIZE hook
// (§4.6 live_update_call step 1).
func (m *Machine) EnterSerialize(ctx context.Context, deadline time.Duration) ([]byte, error) {
	lu, ok := m.sb.Guest().(sandbox.LiveUpdatable)
	if !ok {
		return nil, domain.ErrEntryNotRegistered
	}
	var data []byte
	api := &syscallAPI{m: m}
	err := m.sb.EnterFunc(ctx, deadline, func(c context.Context) error {
		d, serr := lu.Serialize(c, api)
		data = d
		return serr
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// EnterDeserialize runs the storage guest's LIVEUPD_DESERIALIZE hook
// (§4.6 live_update_call step 2).
func (m *Machine) EnterDeserialize(ctx context.Context, deadline time.Duration, data []byte) error {
	lu, ok := m.sb.Guest().(sandbox.LiveUpdatable)
	if !ok {
		return domain.ErrEntryNotRegistered
	}
	api := &syscallAPI{m: m}
	return m.sb.EnterFunc(ctx, deadline, func(c context.Context) error {
		return lu.Deserialize(c, api, data)
	})
}

// StorageAllowed reports whether funcAddr may be invoked via
// STORAGE_CALLV: an empty allow-list means "allow all" (§3).
func (m *Machine) StorageAllowed(funcAddr uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.storageAllow) == 0 {
		return true
	}
	return m.storageAllow[funcAddr]
}

// Enter dispatches one request per §4.4 step 6's capability priority:
// BACKEND_METHOD, else BACKEND_POST for POST, else BACKEND_GET for GET,
// else resume a suspended non-ephemeral VM, else fail.
func (m *Machine) Enter(ctx context.Context, deadline time.Duration, in *domain.BackendInputs) (*domain.BackendResult, error) {
	m.clearResponse()
	api := &syscallAPI{m: m}
	tbl := m.sb.EntryTable()

	var err error
	switch {
	case tbl.Registered(domain.EntryBackendMethod):
		err = m.sb.EnterEntry(ctx, deadline, api, domain.EntryBackendMethod, in)
	case in.Method == "POST" && tbl.Registered(domain.EntryBackendPost):
		err = m.sb.EnterEntry(ctx, deadline, api, domain.EntryBackendPost, in)
	case in.Method == "GET" && tbl.Registered(domain.EntryBackendGet):
		err = m.sb.EnterEntry(ctx, deadline, api, domain.EntryBackendGet, in)
	case !m.ephemeral.Load():
		err = m.sb.Resume(ctx, deadline, api, in)
	default:
		return nil, domain.ErrEntryNotRegistered
	}
	if err != nil {
		return nil, err
	}
	return m.harvest()
}

// EntryRegistered reports whether the guest registered the given entry.
func (m *Machine) EntryRegistered(e domain.ProgramEntry) bool {
	return m.sb.EntryTable().Registered(e)
}

// EnterStreamChunk drives one iteration of "streaming POST" (§4.4 step
// 4): invoke BACKEND_STREAM with this chunk as the inputs body. Unlike
// the register-level source, where the guest reports a consumed byte
// count the host compares against the offered length, the reference
// guest runs in-process and reports a short read directly as an error —
// so a non-nil return here is already the "abort the fetch" signal.
func (m *Machine) EnterStreamChunk(ctx context.Context, deadline time.Duration, chunk []byte, last bool) error {
	tbl := m.sb.EntryTable()
	if !tbl.Registered(domain.EntryBackendStream) {
		return domain.ErrEntryNotRegistered
	}
	in := &domain.BackendInputs{Body: chunk, Warmup: false}
	return m.sb.EnterEntry(ctx, deadline, &syscallAPI{m: m}, domain.EntryBackendStream, in)
}

// RunError invokes the guest's BACKEND_ERROR entry, if registered, under
// its own short deadline (§4.4 "on any exception").
func (m *Machine) RunError(ctx context.Context, deadline time.Duration, url, argument, message string) (*domain.BackendResult, error) {
	tbl := m.sb.EntryTable()
	if !tbl.Registered(domain.EntryBackendError) {
		return nil, domain.ErrEntryNotRegistered
	}
	m.clearResponse()
	in := &domain.BackendInputs{URL: url, Argument: argument, Body: []byte(message)}
	if err := m.sb.EnterEntry(ctx, deadline, &syscallAPI{m: m}, domain.EntryBackendError, in); err != nil {
		return nil, err
	}
	return m.harvest()
}

// harvest implements §4.4 step 9: response_called must be 1 or 10,
// status in [200,600), else the program "crashed".
func (m *Machine) harvest() (*domain.BackendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.responseSet != 1 && m.responseSet != 10 {
		return nil, domain.NewError(domain.KindResponseNotSet, "machine.harvest", m.tenantName(), "", nil)
	}
	if m.response == nil || m.response.Status < 200 || m.response.Status >= 600 {
		return nil, domain.NewError(domain.KindBadStatusCode, "machine.harvest", m.tenantName(), "", nil)
	}
	return m.response, nil
}

func (m *Machine) Close() error {
	return m.sb.Close()
}
