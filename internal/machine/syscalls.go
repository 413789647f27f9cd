package machine

import (
	"context"
	"strings"

	"github.com/tinyhost/kvmengine/internal/domain"
	"github.com/tinyhost/kvmengine/internal/sandbox"
)

// syscallAPI is the concrete SyscallAPI a Machine hands to its guest;
// it is the host side of every §4.5 syscall.
type syscallAPI struct {
	m *Machine
}

var _ sandbox.SyscallAPI = (*syscallAPI)(nil)

func (a *syscallAPI) RegisterFunc(entry domain.ProgramEntry, addr uint64) error {
	if a.m.booted {
		return domain.NewError(domain.KindMachineException, "REGISTER_FUNC", a.m.tenantName(), "", nil)
	}
	if !a.m.sb.Register(entry, addr) {
		return domain.NewError(domain.KindMachineException, "REGISTER_FUNC", a.m.tenantName(), "", nil)
	}
	return nil
}

func (a *syscallAPI) WaitForRequests() error {
	return nil
}

func (a *syscallAPI) BackendResponse(status int, contentType string, body []byte, extra *domain.BackendResult) error {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	res := &domain.BackendResult{
		Kind:          domain.ResultBuffered,
		Status:        status,
		ContentType:   contentType,
		ContentLength: int64(len(body)),
		Body:          body,
		Buffers:       []domain.Buffer{{Len: uint32(len(body))}},
	}
	if extra != nil {
		res.ExtraHeaders = extra.ExtraHeaders
		res.Cache = extra.Cache
	}
	a.m.response = res
	a.m.responseSet = 1
	return nil
}

func (a *syscallAPI) BackendStreamingResponse(status int, contentType string, contentLength int64, produce domain.StreamProducer) error {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	a.m.response = &domain.BackendResult{
		Kind:          domain.ResultStreamed,
		Status:        status,
		ContentType:   contentType,
		ContentLength: contentLength,
		Stream:        produce,
	}
	a.m.responseSet = 10
	return nil
}

func (a *syscallAPI) SetCacheable(policy domain.CachePolicy) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	if a.m.response != nil {
		a.m.response.Cache = policy
	}
}

func (a *syscallAPI) HTTPAppend(where sandbox.HTTPSection, raw string) error {
	name, value, ok := splitHeader(raw)
	if !ok {
		return domain.NewError(domain.KindMachineException, "HTTP_APPEND", a.m.tenantName(), "", nil)
	}
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	if len(a.m.headers[where]) >= domain.HTTPFieldLimit {
		return domain.NewError(domain.KindOutOfWorkspace, "HTTP_APPEND", a.m.tenantName(), "", nil)
	}
	a.m.headers[where] = append(a.m.headers[where], domain.HeaderField{Name: name, Value: value})
	return nil
}

func (a *syscallAPI) HTTPSet(where sandbox.HTTPSection, raw string) error {
	name, value, ok := splitHeader(raw)
	if !ok {
		return domain.NewError(domain.KindMachineException, "HTTP_SET", a.m.tenantName(), "", nil)
	}
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	fields := a.m.headers[where]
	for i, f := range fields {
		if strings.EqualFold(f.Name, name) {
			fields[i].Value = value
			return nil
		}
	}
	if len(fields) >= domain.HTTPFieldLimit {
		return domain.NewError(domain.KindOutOfWorkspace, "HTTP_SET", a.m.tenantName(), "", nil)
	}
	a.m.headers[where] = append(fields, domain.HeaderField{Name: name, Value: value})
	return nil
}

func (a *syscallAPI) HTTPFind(where sandbox.HTTPSection, name string) (string, bool) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	for _, f := range a.m.headers[where] {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

func (a *syscallAPI) HTTPMethod() string {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	for _, f := range a.m.headers[sandbox.SectionReq] {
		if strings.EqualFold(f.Name, ":method") {
			return f.Value
		}
	}
	return ""
}

func splitHeader(raw string) (name, value string, ok bool) {
	i := strings.IndexByte(raw, ':')
	if i < 0 {
		return "", "", false
	}
	return strings.TrimSpace(raw[:i]), strings.TrimSpace(raw[i+1:]), true
}

func (a *syscallAPI) Compile(pattern string) (sandbox.RegexHandle, error) {
	return a.m.regex.compile(pattern)
}

func (a *syscallAPI) Match(h sandbox.RegexHandle, subject string) (bool, []string, error) {
	return a.m.regex.match(h, subject)
}

func (a *syscallAPI) Subst(h sandbox.RegexHandle, subject, replacement string, all bool) (string, int, error) {
	return a.m.regex.subst(h, subject, replacement, all)
}

func (a *syscallAPI) FreeRegex(h sandbox.RegexHandle) error {
	return a.m.regex.free(h)
}

func (a *syscallAPI) IsStorage() bool {
	return a.m.opts.IsStorage
}

func (a *syscallAPI) StorageAllow(funcAddr uint64) error {
	if !a.m.opts.IsStorage || a.m.booted {
		return domain.NewError(domain.KindMachineException, "STORAGE_ALLOW", a.m.tenantName(), "", nil)
	}
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	if a.m.storageAllow == nil {
		a.m.storageAllow = make(map[uint64]bool)
	}
	a.m.storageAllow[funcAddr] = true
	return nil
}

func (a *syscallAPI) StorageCallV(funcAddr uint64, buffers [][]byte, dstCap int) ([]byte, error) {
	if a.m.opts.IsStorage {
		// §9 Open Question decision: a storage call from the storage
		// VM's own executor is rejected synchronously.
		return nil, domain.ErrStorageReentrant
	}
	if a.m.opts.Storage == nil {
		return nil, domain.ErrProgramNotLoaded
	}
	return a.m.opts.Storage.StorageCall(context.Background(), funcAddr, buffers, dstCap)
}

func (a *syscallAPI) StorageTask(funcAddr uint64, arg []byte, startMs, periodMs int64) (uint64, error) {
	if a.m.opts.Storage == nil {
		return 0, domain.ErrProgramNotLoaded
	}
	return a.m.opts.Storage.StorageTask(funcAddr, arg, startMs, periodMs)
}

func (a *syscallAPI) StopStorageTask(taskID uint64) error {
	if a.m.opts.Storage == nil {
		return domain.ErrProgramNotLoaded
	}
	return a.m.opts.Storage.StopStorageTask(taskID)
}

func (a *syscallAPI) StorageReturn(data []byte) error {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	a.m.response = &domain.BackendResult{Kind: domain.ResultBuffered, Body: data, ContentLength: int64(len(data))}
	a.m.responseSet = 2
	return nil
}

func (a *syscallAPI) StorageNoReturn() error {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	a.m.responseSet = 3
	return nil
}

func (a *syscallAPI) SharedMemoryArea() (uint64, uint64) {
	if a.m.opts.Tenant == nil {
		return 0, 0
	}
	size := uint64(a.m.opts.Tenant.Group.SharedMemory)
	base := uint64(a.m.opts.Tenant.Group.MaxAddressSpace) - size
	return base, base + size
}

func (a *syscallAPI) MakeEphemeral(on bool) error {
	if a.m.booted || !a.m.opts.ControlEphemeral {
		return domain.NewError(domain.KindMachineException, "MAKE_EPHEMERAL", a.m.tenantName(), "", nil)
	}
	a.m.ephemeral.Store(on)
	return nil
}

func (a *syscallAPI) Multiprocess(n int, entry uint64, args [4]uint64) error {
	return a.beginSMP(n)
}

func (a *syscallAPI) MultiprocessArray(n int, entry uint64, array []byte, elemSize int) error {
	return a.beginSMP(n)
}

func (a *syscallAPI) MultiprocessClone(n int, stackBase, stackSize uint64) error {
	return a.beginSMP(n)
}

func (a *syscallAPI) beginSMP(n int) error {
	maxSMP := 0
	if a.m.opts.Tenant != nil {
		maxSMP = a.m.opts.Tenant.Group.MaxSMP
	}
	if n < 2 || n > maxSMP {
		return domain.ErrSMPRangeInvalid
	}
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	if a.m.smpActive {
		return domain.ErrSMPAlreadyActive
	}
	a.m.smpActive = true
	return nil
}

func (a *syscallAPI) MultiprocessWait() error {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	a.m.smpActive = false
	return nil
}

func (a *syscallAPI) Log(msg string) {
	if a.m.opts.LogSink != nil {
		vmType := "request"
		if a.m.opts.IsStorage {
			vmType = "storage"
		}
		a.m.opts.LogSink(a.m.tenantName(), vmType, msg)
	}
}

func (a *syscallAPI) Breakpoint() {
	// Ignored unless debug is enabled; the reference sandbox has no
	// GDB-RSP glue (out of scope per §1), so an enabled breakpoint is
	// only ever logged.
	if a.m.opts.IsDebug && a.m.opts.LogSink != nil {
		a.m.opts.LogSink(a.m.tenantName(), "debug", "breakpoint hit")
	}
}

func (a *syscallAPI) IsDebug() bool {
	return a.m.opts.IsDebug
}

func (a *syscallAPI) CurlFetch(ctx context.Context, url string, opts map[string]string) (int, []byte, error) {
	if a.m.opts.Curl == nil {
		return 0, nil, domain.NewError(domain.KindMachineException, "CURL_FETCH", a.m.tenantName(), "", nil)
	}
	return a.m.opts.Curl.Fetch(ctx, url, opts)
}
