// Package program implements the Program Instance (spec §3/§4.1): one
// loaded tenant program — its main VM, optional storage VM, request-VM
// pool, and storage serializer — with a one-shot async init future and
// the ref-counting discipline that keeps it alive for every in-flight
// request.
package program

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyhost/kvmengine/internal/domain"
	"github.com/tinyhost/kvmengine/internal/machine"
	"github.com/tinyhost/kvmengine/internal/reservation"
	"github.com/tinyhost/kvmengine/internal/sandbox"
	"github.com/tinyhost/kvmengine/internal/storagerpc"
)

// GuestFactory produces a fresh GuestProgram for a main or storage VM.
// In the reference engine a "loaded ELF" is this Go value rather than
// bytes the Sandbox parses; the loader supplies one per tenant.
type GuestFactory func() sandbox.GuestProgram

// Config bundles everything an Instance needs to initialize.
type Config struct {
	Tenant *domain.TenantConfig

	// RequestBinary/StorageBinary are the raw loaded bytes kept for
	// integrity/disk-cache bookkeeping (§4.1); the reference engine
	// executes guests produced by MainGuest/StorageGuest instead of
	// interpreting these bytes itself.
	RequestBinary domain.BinaryStorage
	StorageBinary domain.BinaryStorage

	MainGuest    GuestFactory
	StorageGuest GuestFactory // nil: falls back to MainGuest per §3

	Curl    machine.CurlFetcher
	LogSink func(tenant, vmType, line string)

	NumaNodes int
}

type initState int32

const (
	initInflight initState = iota
	initOK
	initFailed
)

// VMPoolItem is one request-VM slot: a forked Machine plus a back-
// reference to its owning Instance. The item holds this reference for
// its whole life, in the pool and out of it; the Reservation that hands
// the item out carries no Instance handle of its own.
type VMPoolItem struct {
	mi   *machine.Machine
	prog *Instance
}

// Enter dispatches one request through this pool item's Machine.
func (v *VMPoolItem) Enter(ctx context.Context, in *domain.BackendInputs) (*domain.BackendResult, error) {
	return v.mi.Enter(ctx, v.prog.cfg.Tenant.Group.MaxReqTime, in)
}

// RunError invokes BACKEND_ERROR on this pool item's Machine under the
// short ERROR_HANDLING_TIMEOUT deadline (§4.4: "on any exception").
func (v *VMPoolItem) RunError(ctx context.Context, url, argument, message string) (*domain.BackendResult, error) {
	return v.mi.RunError(ctx, v.prog.deadlines.ErrorHandler, url, argument, message)
}

// EnterStreamChunk feeds one inbound body chunk through BACKEND_STREAM.
func (v *VMPoolItem) EnterStreamChunk(ctx context.Context, chunk []byte, last bool) error {
	return v.mi.EnterStreamChunk(ctx, v.prog.cfg.Tenant.Group.MaxReqTime, chunk, last)
}

// StreamCapable reports whether this item's guest registered BACKEND_STREAM.
func (v *VMPoolItem) StreamCapable() bool {
	return v.mi.EntryRegistered(domain.EntryBackendStream)
}

// MarkResetNeeded flags this item's Machine for a hard reset before its
// next reservation (§7: "any error marks the VM's reset_needed flag").
func (v *VMPoolItem) MarkResetNeeded() { v.mi.MarkResetNeeded() }

// Instance is one loaded program: main VM, optional storage VM, the
// per-NUMA-node reservation pool, and the storage serializer.
type Instance struct {
	cfg Config

	requestBinary domain.BinaryStorage
	storageBinary domain.BinaryStorage

	mainVM    *machine.Machine
	storageVM *machine.Machine

	pool       *reservation.NodeSet[*VMPoolItem]
	serializer *storagerpc.Serializer

	stats     *domain.ProgramStats
	deadlines domain.Deadlines

	state   atomic.Int32
	ready   chan struct{}
	initErr error

	closeOnce sync.Once
}

var _ machine.StorageDispatcher = (*Instance)(nil)

// New starts an Instance's asynchronous initialization (§4.7's
// "one-shot future") and returns immediately; callers must Wait before
// reserving a VM against it.
func New(cfg Config) *Instance {
	p := &Instance{
		cfg:           cfg,
		requestBinary: cfg.RequestBinary,
		storageBinary: cfg.StorageBinary,
		stats:         &domain.ProgramStats{},
		deadlines:     domain.DefaultDeadlines(),
		ready:         make(chan struct{}),
	}
	p.state.Store(int32(initInflight))
	go p.initAsync()
	return p
}

func (p *Instance) initAsync() {
	err := p.initSync()
	if err != nil {
		p.initErr = err
		p.state.Store(int32(initFailed))
	} else {
		p.state.Store(int32(initOK))
	}
	close(p.ready)
}

func (p *Instance) initSync() error {
	tenant := p.cfg.Tenant
	if tenant == nil || p.cfg.MainGuest == nil {
		return domain.NewError(domain.KindLoadError, "program.init", "", "", nil)
	}
	ctx := context.Background()

	mainGuest := p.cfg.MainGuest()
	p.mainVM = machine.New(mainGuest, machine.Options{
		Tenant:           tenant,
		IsDebug:          tenant.AllowDebug,
		EphemeralDefault: tenant.EphemeralDefault,
		ControlEphemeral: tenant.ControlEphemeral,
		MaxRegex:         tenant.Group.MaxRegex,
		Storage:          p,
		Curl:             p.cfg.Curl,
		LogSink:          p.cfg.LogSink,
	}, p.stats)
	if err := p.mainVM.Boot(ctx, tenant.Group.MaxBootTime); err != nil {
		return fmt.Errorf("program: main VM boot: %w", err)
	}

	if tenant.StorageEnabled {
		storageFactory := p.cfg.StorageGuest
		if storageFactory == nil {
			storageFactory = p.cfg.MainGuest
		}
		p.storageVM = machine.New(storageFactory(), machine.Options{
			Tenant:    tenant,
			IsStorage: true,
			IsDebug:   tenant.AllowDebug,
			MaxRegex:  tenant.Group.MaxRegex,
			LogSink:   p.cfg.LogSink,
		}, p.stats)
		if err := p.storageVM.Boot(ctx, tenant.Group.MaxBootTime); err != nil {
			return fmt.Errorf("program: storage VM boot: %w", err)
		}
		p.serializer = storagerpc.NewSerializer(tenant.Name, p.storageVM, p.deadlines, p.stats, p.ready)
	}

	numNodes := p.cfg.NumaNodes
	if numNodes <= 0 {
		numNodes = 1
	}
	concurrency := tenant.Group.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	p.pool = reservation.NewNodeSet[*VMPoolItem](numNodes, concurrency)
	for i := 0; i < concurrency; i++ {
		child := p.mainVM.Fork(machine.Options{
			Tenant:           tenant,
			IsDebug:          tenant.AllowDebug,
			EphemeralDefault: tenant.EphemeralDefault,
			ControlEphemeral: tenant.ControlEphemeral,
			MaxRegex:         tenant.Group.MaxRegex,
			Storage:          p,
			Curl:             p.cfg.Curl,
			LogSink:          p.cfg.LogSink,
		})
		p.pool.Put(&VMPoolItem{mi: child, prog: p})
	}
	return nil
}

// Wait blocks until initialization settles, returning the load error if
// it failed (§4.4 step 2).
func (p *Instance) Wait(ctx context.Context) error {
	select {
	case <-p.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if initState(p.state.Load()) == initFailed {
		return p.initErr
	}
	return nil
}

// Ready reports whether initialization has settled successfully,
// without blocking.
func (p *Instance) Ready() bool {
	select {
	case <-p.ready:
		return initState(p.state.Load()) == initOK
	default:
		return false
	}
}

// Reserve dequeues a VMPoolItem via §4.3, recording a queue-timeout stat
// on expiry. The returned Reservation's Release returns the item to the
// pool, resetting it first if NeedsReset.
func (p *Instance) Reserve(ctx context.Context) (*reservation.Reservation[*VMPoolItem], error) {
	item, err := p.pool.Get(ctx, p.cfg.Tenant.Group.MaxQueueTime)
	if err != nil {
		if err == domain.ErrQueueTimeout {
			p.stats.ReservationTimeouts.Add(1)
		}
		return nil, err
	}
	return reservation.NewReservation(item, p.release), nil
}

func (p *Instance) release(item *VMPoolItem) {
	if item.mi.NeedsReset() {
		if err := item.mi.Reset(); err != nil {
			// Reset itself faulted: leave reset_needed set so the VM is
			// retried rather than handed out in an inconsistent state.
			item.mi.MarkResetNeeded()
		}
	}
	p.pool.Put(item)
}

// Stats returns a point-in-time snapshot for status pages.
func (p *Instance) Stats() domain.StatsSnapshot { return p.stats.Snapshot() }

// RecordServed increments RequestsServed for one successfully-dispatched
// live request; warmup traffic must not call this (§4.7 Open Question:
// warmup is tracked separately in WarmupRequestsServed).
func (p *Instance) RecordServed() { p.stats.RequestsServed.Add(1) }

// Tenant returns the owning tenant's configuration.
func (p *Instance) Tenant() *domain.TenantConfig { return p.cfg.Tenant }

// StorageCall implements machine.StorageDispatcher by forwarding to this
// Instance's storage serializer.
func (p *Instance) StorageCall(ctx context.Context, funcAddr uint64, buffers [][]byte, dstCap int) ([]byte, error) {
	if p.serializer == nil {
		return nil, domain.ErrProgramNotLoaded
	}
	return p.serializer.StorageCall(ctx, funcAddr, buffers, dstCap)
}

func (p *Instance) StorageTask(funcAddr uint64, arg []byte, startMs, periodMs int64) (uint64, error) {
	if p.serializer == nil {
		return 0, domain.ErrProgramNotLoaded
	}
	return p.serializer.StorageTask(funcAddr, arg, startMs, periodMs)
}

func (p *Instance) StopStorageTask(id uint64) error {
	if p.serializer == nil {
		return domain.ErrProgramNotLoaded
	}
	return p.serializer.StopStorageTask(id)
}

// LiveUpdateFrom runs §4.6's live_update_call: serialize old's storage
// state and deserialize it into this (the new) Instance's storage VM.
// A no-op if either side has no storage VM.
func (p *Instance) LiveUpdateFrom(ctx context.Context, old *Instance) (int64, error) {
	if old == nil || old.serializer == nil || p.storageVM == nil {
		return 0, nil
	}
	return old.serializer.LiveUpdate(ctx, old.storageVM, p.storageVM, p.stats)
}

// Close tears down every VM and the storage serializer exactly once;
// this is the single point (§9 redesign note (c)) that joins VM
// executors, replacing the cyclic Program<->VMPoolItem ownership the
// source papered over with raw pointers.
func (p *Instance) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.serializer != nil {
			p.serializer.Close()
		}
		if p.pool != nil {
			p.pool.Close()
		}
		if p.mainVM != nil {
			err = p.mainVM.Close()
		}
		if p.storageVM != nil {
			if e := p.storageVM.Close(); e != nil && err == nil {
				err = e
			}
		}
		p.requestBinary.Close()
		p.storageBinary.Close()
	})
	return err
}
