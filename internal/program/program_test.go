package program

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/tinyhost/kvmengine/internal/domain"
	"github.com/tinyhost/kvmengine/internal/sandbox"
)

// echoGuest is a minimal request-VM guest: registers BACKEND_GET and
// replies with the request URL.
type echoGuest struct{}

func (g *echoGuest) Boot(ctx context.Context, api sandbox.SyscallAPI) error {
	if err := api.RegisterFunc(domain.EntryBackendGet, 0x401000); err != nil {
		return err
	}
	return api.WaitForRequests()
}

func (g *echoGuest) Call(ctx context.Context, api sandbox.SyscallAPI, entry domain.ProgramEntry, in *domain.BackendInputs) error {
	return api.BackendResponse(200, "text/plain", []byte(in.URL), nil)
}

func (g *echoGuest) Clone() sandbox.GuestProgram { return &echoGuest{} }

// counterStorageGuest is a storage-VM guest exposing an incrementing
// counter via STORAGE_CALLV and live-update serialize/deserialize.
type counterStorageGuest struct {
	mu      sync.Mutex
	counter uint32
}

const funcIncr = uint64(1)

func (g *counterStorageGuest) Boot(ctx context.Context, api sandbox.SyscallAPI) error {
	if err := api.StorageAllow(funcIncr); err != nil {
		return err
	}
	return api.WaitForRequests()
}

func (g *counterStorageGuest) Call(ctx context.Context, api sandbox.SyscallAPI, entry domain.ProgramEntry, in *domain.BackendInputs) error {
	return nil
}

func (g *counterStorageGuest) HandleStorageCall(ctx context.Context, api sandbox.SyscallAPI, funcAddr uint64, buffers [][]byte, dstCap int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if funcAddr != funcIncr {
		return api.StorageNoReturn()
	}
	g.counter++
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, g.counter)
	return api.StorageReturn(buf)
}

func (g *counterStorageGuest) Serialize(ctx context.Context, api sandbox.SyscallAPI) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, g.counter)
	return buf, nil
}

func (g *counterStorageGuest) Deserialize(ctx context.Context, api sandbox.SyscallAPI, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(data) >= 4 {
		g.counter = binary.LittleEndian.Uint32(data)
	}
	return nil
}

func testTenant(storage bool) *domain.TenantConfig {
	group := domain.DefaultGroup()
	group.MaxConcurrency = 2
	return &domain.TenantConfig{
		Name:           "t1",
		Group:          group,
		Filename:       "/tmp/t1",
		StorageEnabled: storage,
	}
}

func TestInstanceInitAndReserve(t *testing.T) {
	cfg := Config{
		Tenant:    testTenant(false),
		MainGuest: func() sandbox.GuestProgram { return &echoGuest{} },
	}
	inst := New(cfg)
	defer inst.Close()

	if err := inst.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !inst.Ready() {
		t.Fatal("expected Ready true after successful Wait")
	}

	res, err := inst.Reserve(context.Background())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer res.Release()

	out, err := res.Item.Enter(context.Background(), &domain.BackendInputs{Method: "GET", URL: "/hi"})
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if out.Status != 200 || string(out.Body) != "/hi" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

// TestInstanceReserveExhaustion is P1: reserving beyond the pool size
// blocks until a release wakes a waiter.
func TestInstanceReserveExhaustion(t *testing.T) {
	cfg := Config{
		Tenant:    testTenant(false),
		MainGuest: func() sandbox.GuestProgram { return &echoGuest{} },
	}
	inst := New(cfg)
	defer inst.Close()
	if err := inst.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	r1, err := inst.Reserve(context.Background())
	if err != nil {
		t.Fatalf("Reserve 1: %v", err)
	}
	r2, err := inst.Reserve(context.Background())
	if err != nil {
		t.Fatalf("Reserve 2: %v", err)
	}

	done := make(chan struct{})
	go func() {
		r3, err := inst.Reserve(context.Background())
		if err != nil {
			t.Errorf("Reserve 3: %v", err)
			return
		}
		r3.Release()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("third reservation completed before any release")
	case <-time.After(50 * time.Millisecond):
	}

	r1.Release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("third reservation never completed after release")
	}
	r2.Release()
}

func TestInstanceStorageCallAndLiveUpdate(t *testing.T) {
	oldCfg := Config{
		Tenant:       testTenant(true),
		MainGuest:    func() sandbox.GuestProgram { return &echoGuest{} },
		StorageGuest: func() sandbox.GuestProgram { return &counterStorageGuest{} },
	}
	oldInst := New(oldCfg)
	defer oldInst.Close()
	if err := oldInst.Wait(context.Background()); err != nil {
		t.Fatalf("Wait old: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := oldInst.StorageCall(context.Background(), funcIncr, nil, 4); err != nil {
			t.Fatalf("StorageCall %d: %v", i, err)
		}
	}

	newCfg := oldCfg
	newInst := New(newCfg)
	defer newInst.Close()
	if err := newInst.Wait(context.Background()); err != nil {
		t.Fatalf("Wait new: %v", err)
	}

	n, err := newInst.LiveUpdateFrom(context.Background(), oldInst)
	if err != nil {
		t.Fatalf("LiveUpdateFrom: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 transferred bytes, got %d", n)
	}
	if newInst.Stats().LiveUpdateCount != 1 {
		t.Fatalf("expected live update count 1, got %d", newInst.Stats().LiveUpdateCount)
	}

	data, err := newInst.StorageCall(context.Background(), funcIncr, nil, 4)
	if err != nil {
		t.Fatalf("post-update StorageCall: %v", err)
	}
	if got := binary.LittleEndian.Uint32(data); got != 4 {
		t.Fatalf("expected counter to resume at 4, got %d", got)
	}
}

func TestInstanceFailedInitSurfacesOnWait(t *testing.T) {
	cfg := Config{
		Tenant: nil, // missing tenant forces initSync to fail fast
	}
	inst := New(cfg)
	defer inst.Close()
	if err := inst.Wait(context.Background()); err == nil {
		t.Fatal("expected Wait to surface init error")
	}
	if inst.Ready() {
		t.Fatal("expected Ready false after failed init")
	}
}
