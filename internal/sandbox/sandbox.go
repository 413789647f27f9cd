// Package sandbox defines the Sandbox capability the core consumes
// (spec §6) and ships a reference implementation where the "guest" is
// an in-process Go value rather than an ELF binary trapped by real KVM.
// A production binding swaps ReferenceSandbox for one that traps actual
// vmexits and dispatches the same SyscallAPI methods; the interface
// boundary here is exactly what that binding would need to satisfy.
package sandbox

import (
	"context"
	"errors"

	"github.com/tinyhost/kvmengine/internal/domain"
)

// RegexHandle indexes one compiled pattern in a Machine's regex cache.
type RegexHandle int

// HTTPSection names which message a header operation targets, per §4.5.
type HTTPSection int

const (
	SectionReq HTTPSection = iota
	SectionReqTop
	SectionResp
	SectionBereq
	SectionBeresp
)

// SyscallAPI is the ABI surface the host exposes to a running guest. A
// GuestProgram receives exactly this handle and nothing else — it has
// no other way to affect the host.
type SyscallAPI interface {
	// Response production
	RegisterFunc(entry domain.ProgramEntry, addr uint64) error
	WaitForRequests() error
	BackendResponse(status int, contentType string, body []byte, extra *domain.BackendResult) error
	BackendStreamingResponse(status int, contentType string, contentLength int64, produce domain.StreamProducer) error
	SetCacheable(policy domain.CachePolicy)

	// HTTP headers
	HTTPAppend(where HTTPSection, raw string) error
	HTTPSet(where HTTPSection, raw string) error
	HTTPFind(where HTTPSection, name string) (string, bool)
	HTTPMethod() string

	// Regex
	Compile(pattern string) (RegexHandle, error)
	Match(h RegexHandle, subject string) (bool, []string, error)
	Subst(h RegexHandle, subject, replacement string, all bool) (string, int, error)
	FreeRegex(h RegexHandle) error

	// Storage
	IsStorage() bool
	StorageAllow(funcAddr uint64) error
	StorageCallV(funcAddr uint64, buffers [][]byte, dstCap int) ([]byte, error)
	StorageTask(funcAddr uint64, arg []byte, startMs, periodMs int64) (taskID uint64, err error)
	StopStorageTask(taskID uint64) error
	StorageReturn(data []byte) error
	StorageNoReturn() error

	// Shared memory
	SharedMemoryArea() (base, end uint64)

	// Lifetime
	MakeEphemeral(on bool) error

	// SMP
	Multiprocess(n int, entry uint64, args [4]uint64) error
	MultiprocessArray(n int, entry uint64, array []byte, elemSize int) error
	MultiprocessClone(n int, stackBase, stackSize uint64) error
	MultiprocessWait() error

	// Observability
	Log(msg string)
	Breakpoint()
	IsDebug() bool

	// Self-fetch
	CurlFetch(ctx context.Context, url string, opts map[string]string) (status int, body []byte, err error)
}

// Resumable is implemented by a GuestProgram that supports the §4.4
// step 6 "resume" dispatch path: the guest is suspended at its halt
// instruction and the host hands it a fresh BackendInputs directly,
// without going through a registered entry point.
type Resumable interface {
	Resume(ctx context.Context, api SyscallAPI, in *domain.BackendInputs) error
}

// GuestProgram stands in for the guest ELF: Boot runs at VM construction
// time and is expected to call RegisterFunc then WaitForRequests; Call
// runs a registered entry point for one request.
type GuestProgram interface {
	Boot(ctx context.Context, api SyscallAPI) error
	Call(ctx context.Context, api SyscallAPI, entry domain.ProgramEntry, in *domain.BackendInputs) error
}

// StorageCallable is implemented by a storage guest to handle
// STORAGE_CALLV dispatch: the host copies buffers in, invokes the raw
// function pointer the request VM named, and the guest must call
// api.StorageReturn or api.StorageNoReturn before returning.
type StorageCallable interface {
	HandleStorageCall(ctx context.Context, api SyscallAPI, funcAddr uint64, buffers [][]byte, dstCap int) error
}

// LiveUpdatable is implemented by a storage guest to support §4.6's
// live_update_call: Serialize runs on the old Program's storage VM and
// returns the state bytes, Deserialize runs on the new Program's
// storage VM to import them.
type LiveUpdatable interface {
	Serialize(ctx context.Context, api SyscallAPI) ([]byte, error)
	Deserialize(ctx context.Context, api SyscallAPI, data []byte) error
}

// Cloner is implemented by guests whose per-VM state must be
// independent across forks (e.g. the storage guest's counter). A
// GuestProgram that does not implement Cloner is assumed stateless and
// safe to share across every forked Sandbox.
type Cloner interface {
	Clone() GuestProgram
}

var (
	ErrNotBooted       = errors.New("sandbox: not booted")
	ErrAlreadyBooted   = errors.New("sandbox: already booted")
	ErrDeadlineExceeded = errors.New("sandbox: deadline exceeded")
	ErrGuestFault      = errors.New("sandbox: guest raised an exception")
	ErrNotSuspended    = errors.New("sandbox: guest is not suspended at its halt instruction")
)

// State mirrors the Machine Instance's view of where the underlying
// Sandbox currently sits (§4.4's state machine figure).
type State int

const (
	StateCold State = iota
	StateReady  // suspended at WAIT_FOR_REQUESTS / its halt instruction
	StateInCall
	StateFaulted
)
