// Package storagerpc implements the Storage Serializer (spec §4.6): a
// single-writer executor against a Program Instance's storage VM,
// serializing strict-FIFO storage_call RPCs, a 1-deep "coalescing"
// storage_task queue, a bounded timer wheel for scheduled tasks, and
// live-update state transfer.
package storagerpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyhost/kvmengine/internal/domain"
	"github.com/tinyhost/kvmengine/internal/machine"
	"github.com/tinyhost/kvmengine/internal/metrics"
	"github.com/tinyhost/kvmengine/internal/observability"
)

type jobKind int

const (
	jobCall jobKind = iota
	jobTask
)

type job struct {
	kind jobKind
	call *callJob
}

type callJob struct {
	funcAddr uint64
	buffers  [][]byte
	dstCap   int
	result   chan callResult
}

type callResult struct {
	data []byte
	err  error
}

type pendingTask struct {
	funcAddr uint64
	arg      []byte
}

// Serializer is the single-writer executor bound to one Program
// Instance's storage VM. All storage access — synchronous calls, async
// tasks, and live-update transfer — is funneled through its jobs loop.
type Serializer struct {
	tenant    string
	storage   *machine.Machine
	deadlines domain.Deadlines
	stats     *domain.ProgramStats
	initDone  <-chan struct{}

	jobs chan job

	mu          sync.Mutex
	pending     *pendingTask
	taskPending atomic.Bool

	wheel    *timerWheel
	nextID   atomic.Uint64
	closed   atomic.Bool
	closeCh  chan struct{}
	closeOne sync.Once
}

// NewSerializer starts the serializer's single dispatch goroutine. A
// nil storage Machine means the tenant has no storage VM — callers then
// always receive domain.ErrProgramNotLoaded.
func NewSerializer(tenant string, storage *machine.Machine, deadlines domain.Deadlines, stats *domain.ProgramStats, initDone <-chan struct{}) *Serializer {
	s := &Serializer{
		tenant:    tenant,
		storage:   storage,
		deadlines: deadlines,
		stats:     stats,
		initDone:  initDone,
		jobs:      make(chan job, 256),
		wheel:     newTimerWheel(),
		closeCh:   make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Serializer) loop() {
	for {
		select {
		case j, ok := <-s.jobs:
			if !ok {
				return
			}
			s.handle(j)
		case <-s.closeCh:
			return
		}
	}
}

func (s *Serializer) handle(j job) {
	switch j.kind {
	case jobCall:
		data, err := s.runCall(j.call)
		j.call.result <- callResult{data: data, err: err}
	case jobTask:
		task := s.takePending()
		if task == nil {
			return
		}
		s.runTask(task)
	}
}

func (s *Serializer) runCall(c *callJob) ([]byte, error) {
	if s.storage == nil {
		return nil, domain.ErrProgramNotLoaded
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.deadlines.Storage)
	defer cancel()
	data, err := s.storage.EnterStorageCall(ctx, s.deadlines.Storage, c.funcAddr, c.buffers, c.dstCap)
	if err != nil {
		return nil, err
	}
	if len(data) > c.dstCap {
		data = data[:c.dstCap]
	}
	return data, nil
}

func (s *Serializer) runTask(t *pendingTask) {
	if s.storage == nil {
		return
	}
	if s.initDone != nil {
		select {
		case <-s.initDone:
		case <-time.After(5 * time.Second):
			return
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.deadlines.AsyncStorage)
	defer cancel()
	_, _ = s.storage.EnterStorageCall(ctx, s.deadlines.AsyncStorage, t.funcAddr, [][]byte{t.arg}, 0)
}

func (s *Serializer) takePending() *pendingTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.pending
	s.pending = nil
	s.taskPending.Store(false)
	return t
}

// StorageCall implements machine.StorageDispatcher: rejects functions
// outside a non-empty allow-list, then serializes through the jobs loop
// (§4.6 steps 1-4; step 5's post-return resume is folded into
// Machine.EnterStorageCall itself).
func (s *Serializer) StorageCall(ctx context.Context, funcAddr uint64, buffers [][]byte, dstCap int) ([]byte, error) {
	if s.storage != nil && !s.storage.StorageAllowed(funcAddr) {
		return nil, domain.ErrStorageDisallowed
	}
	if s.closed.Load() {
		return nil, domain.ErrProgramNotLoaded
	}
	ctx, span := observability.StartSpan(ctx, "storagerpc.StorageCall",
		observability.AttrTenant.String(s.tenant),
		observability.AttrStorageFuncAddr.Int64(int64(funcAddr)),
	)
	defer span.End()

	start := time.Now()
	data, err := s.doStorageCall(ctx, funcAddr, buffers, dstCap)
	metrics.Global().RecordStorageCall(s.tenant, time.Since(start).Milliseconds(), err)
	if err != nil {
		observability.SetSpanError(span, err)
	} else {
		observability.SetSpanOK(span)
	}
	return data, err
}

func (s *Serializer) doStorageCall(ctx context.Context, funcAddr uint64, buffers [][]byte, dstCap int) ([]byte, error) {
	c := &callJob{funcAddr: funcAddr, buffers: buffers, dstCap: dstCap, result: make(chan callResult, 1)}
	select {
	case s.jobs <- job{kind: jobCall, call: c}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-c.result:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StorageTask enqueues a fire-and-forget async task. Unscheduled tasks
// coalesce to a single pending slot ("drop oldest", last-write-wins);
// scheduled tasks register with the timer wheel bounded at
// domain.StorageTaskMaxTimers.
func (s *Serializer) StorageTask(funcAddr uint64, arg []byte, startMs, periodMs int64) (uint64, error) {
	if startMs == 0 && periodMs == 0 {
		s.mu.Lock()
		s.pending = &pendingTask{funcAddr: funcAddr, arg: append([]byte(nil), arg...)}
		alreadyQueued := s.taskPending.Swap(true)
		s.mu.Unlock()
		if !alreadyQueued {
			select {
			case s.jobs <- job{kind: jobTask}:
			default:
			}
		}
		return 0, nil
	}
	id := s.nextID.Add(1)
	if err := s.wheel.schedule(id, startMs, periodMs, func() {
		select {
		case s.jobs <- job{kind: jobTask, call: nil}:
			s.mu.Lock()
			s.pending = &pendingTask{funcAddr: funcAddr, arg: append([]byte(nil), arg...)}
			s.taskPending.Store(true)
			s.mu.Unlock()
		case <-s.closeCh:
		}
	}); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Serializer) StopStorageTask(id uint64) error {
	return s.wheel.stop(id)
}

// LiveUpdate implements §4.6's live_update_call: serialize on the old
// storage VM, deserialize on the new one, and record the transferred
// byte count in the new Program's stats.
func (s *Serializer) LiveUpdate(ctx context.Context, oldStorage *machine.Machine, newStorage *machine.Machine, newStats *domain.ProgramStats) (int64, error) {
	if oldStorage == nil || newStorage == nil {
		return 0, domain.ErrProgramNotLoaded
	}
	serCtx, cancel := context.WithTimeout(ctx, s.deadlines.Storage)
	defer cancel()
	data, err := oldStorage.EnterSerialize(serCtx, s.deadlines.Storage)
	if err != nil {
		return 0, fmt.Errorf("storagerpc: serialize: %w", err)
	}

	deserCtx, cancel2 := context.WithTimeout(ctx, s.deadlines.StorageDeserialize)
	defer cancel2()
	if err := newStorage.EnterDeserialize(deserCtx, s.deadlines.StorageDeserialize, data); err != nil {
		return 0, fmt.Errorf("storagerpc: deserialize: %w", err)
	}

	if newStats != nil {
		newStats.LiveUpdateCount.Add(1)
		newStats.LiveUpdateBytes.Add(int64(len(data)))
	}
	metrics.Global().RecordLiveUpdate(s.tenant, int64(len(data)))
	return int64(len(data)), nil
}

func (s *Serializer) Close() {
	s.closed.Store(true)
	s.closeOne.Do(func() {
		close(s.closeCh)
		s.wheel.stopAll()
	})
}

// timerWheel holds one time.AfterFunc timer per scheduled storage task,
// bounded by domain.StorageTaskMaxTimers.
type timerWheel struct {
	mu     sync.Mutex
	timers map[uint64]*time.Timer
}

func newTimerWheel() *timerWheel {
	return &timerWheel{timers: make(map[uint64]*time.Timer)}
}

func (w *timerWheel) schedule(id uint64, startMs, periodMs int64, fire func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.timers) >= domain.StorageTaskMaxTimers {
		return domain.NewError(domain.KindOutOfWorkspace, "STORAGE_TASK", "", "", nil)
	}
	var run func()
	run = func() {
		fire()
		if periodMs > 0 {
			w.mu.Lock()
			if _, ok := w.timers[id]; ok {
				w.timers[id] = time.AfterFunc(time.Duration(periodMs)*time.Millisecond, run)
			}
			w.mu.Unlock()
		}
	}
	w.timers[id] = time.AfterFunc(time.Duration(startMs)*time.Millisecond, run)
	return nil
}

func (w *timerWheel) stop(id uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.timers[id]
	if !ok {
		return domain.NewError(domain.KindMachineException, "STOP_STORAGE_TASK", "", "", nil)
	}
	t.Stop()
	delete(w.timers, id)
	return nil
}

func (w *timerWheel) stopAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
}
