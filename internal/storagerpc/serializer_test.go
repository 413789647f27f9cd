package storagerpc

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/tinyhost/kvmengine/internal/domain"
	"github.com/tinyhost/kvmengine/internal/machine"
	"github.com/tinyhost/kvmengine/internal/sandbox"
)

const funcIncr = uint64(1)

// counterGuest is a storage guest holding a 32-bit counter, callable via
// STORAGE_CALLV(incr) and live-updatable.
type counterGuest struct {
	mu      sync.Mutex
	counter uint32
	scale   uint32
}

func (g *counterGuest) Boot(ctx context.Context, api sandbox.SyscallAPI) error {
	if err := api.StorageAllow(funcIncr); err != nil {
		return err
	}
	return api.WaitForRequests()
}

func (g *counterGuest) Call(ctx context.Context, api sandbox.SyscallAPI, entry domain.ProgramEntry, in *domain.BackendInputs) error {
	return nil
}

func (g *counterGuest) HandleStorageCall(ctx context.Context, api sandbox.SyscallAPI, funcAddr uint64, buffers [][]byte, dstCap int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if funcAddr != funcIncr {
		return api.StorageNoReturn()
	}
	g.counter++
	val := g.counter
	if g.scale > 0 {
		val *= g.scale
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, val)
	return api.StorageReturn(buf)
}

func (g *counterGuest) Serialize(ctx context.Context, api sandbox.SyscallAPI) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, g.counter)
	return buf, nil
}

func (g *counterGuest) Deserialize(ctx context.Context, api sandbox.SyscallAPI, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(data) >= 4 {
		g.counter = binary.LittleEndian.Uint32(data)
	}
	g.scale = 10
	return nil
}

func bootStorageMachine(t *testing.T, guest sandbox.GuestProgram) *machine.Machine {
	t.Helper()
	tenant := &domain.TenantConfig{Name: "t1", Group: domain.DefaultGroup()}
	m := machine.New(guest, machine.Options{Tenant: tenant, IsStorage: true, MaxRegex: 4}, &domain.ProgramStats{})
	if err := m.Boot(context.Background(), time.Second); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	return m
}

// TestStorageSerializationOrder is P5: N storage calls observed in
// enqueue order.
func TestStorageSerializationOrder(t *testing.T) {
	storageVM := bootStorageMachine(t, &counterGuest{})
	deadlines := domain.DefaultDeadlines()
	ser := NewSerializer("t1", storageVM, deadlines, &domain.ProgramStats{}, nil)
	defer ser.Close()

	for i, want := range []uint32{1, 2, 3} {
		data, err := ser.StorageCall(context.Background(), funcIncr, nil, 4)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		got := binary.LittleEndian.Uint32(data)
		if got != want {
			t.Fatalf("call %d: got %d, want %d", i, got, want)
		}
	}
}

func TestStorageDisallowedFunction(t *testing.T) {
	storageVM := bootStorageMachine(t, &counterGuest{})
	ser := NewSerializer("t1", storageVM, domain.DefaultDeadlines(), &domain.ProgramStats{}, nil)
	defer ser.Close()

	_, err := ser.StorageCall(context.Background(), 0xdead, nil, 4)
	if err != domain.ErrStorageDisallowed {
		t.Fatalf("expected ErrStorageDisallowed, got %v", err)
	}
}

// TestLiveUpdateTransfersState is S4's live-update half: after transfer,
// the new storage VM's guest returns counter*10.
func TestLiveUpdateTransfersState(t *testing.T) {
	oldGuest := &counterGuest{}
	oldVM := bootStorageMachine(t, oldGuest)
	oldSer := NewSerializer("t1", oldVM, domain.DefaultDeadlines(), &domain.ProgramStats{}, nil)
	defer oldSer.Close()

	for i := 0; i < 3; i++ {
		if _, err := oldSer.StorageCall(context.Background(), funcIncr, nil, 4); err != nil {
			t.Fatalf("warm up call %d: %v", i, err)
		}
	}

	newGuest := &counterGuest{}
	newVM := bootStorageMachine(t, newGuest)
	newStats := &domain.ProgramStats{}
	newSer := NewSerializer("t1", newVM, domain.DefaultDeadlines(), newStats, nil)
	defer newSer.Close()

	n, err := oldSer.LiveUpdate(context.Background(), oldVM, newVM, newStats)
	if err != nil {
		t.Fatalf("LiveUpdate: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 transferred bytes, got %d", n)
	}
	if newStats.LiveUpdateCount.Load() != 1 {
		t.Fatalf("expected live update count 1, got %d", newStats.LiveUpdateCount.Load())
	}

	data, err := newSer.StorageCall(context.Background(), funcIncr, nil, 4)
	if err != nil {
		t.Fatalf("post-update call: %v", err)
	}
	got := binary.LittleEndian.Uint32(data)
	if got != 40 {
		t.Fatalf("expected post-update value 40 (counter 4 * scale 10), got %d", got)
	}
}
