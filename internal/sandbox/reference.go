package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tinyhost/kvmengine/internal/domain"
)

// ReferenceSandbox is the in-process Sandbox implementation: the guest
// is a Go value (GuestProgram) run on a dedicated executor goroutine
// instead of real guest code trapped under KVM. It satisfies every
// capability §6 lists — load, run-under-deadline, enter/resume,
// snapshot/fork/reset — without issuing a single ioctl.
type ReferenceSandbox struct {
	guest      GuestProgram
	entryTable domain.EntryTable
	state      State
	exec       *executor
}

// NewReferenceSandbox constructs an unbooted Sandbox around guest.
func NewReferenceSandbox(guest GuestProgram) *ReferenceSandbox {
	return &ReferenceSandbox{guest: guest, exec: newExecutor(), state: StateCold}
}

func (s *ReferenceSandbox) State() State { return s.state }

func (s *ReferenceSandbox) EntryTable() *domain.EntryTable { return &s.entryTable }

// Register records addr for entry in this Sandbox's entry table; the
// Machine's SyscallAPI calls it from RegisterFunc during Boot.
func (s *ReferenceSandbox) Register(entry domain.ProgramEntry, addr uint64) bool {
	return s.entryTable.Register(entry, addr)
}

// Boot runs the guest's Boot hook under deadline on the executor
// goroutine. Expected terminal state: the guest registered its entry
// points and called WAIT_FOR_REQUESTS (construction policy step 6-7).
func (s *ReferenceSandbox) Boot(parent context.Context, deadline time.Duration, api SyscallAPI) error {
	if s.state != StateCold {
		return ErrAlreadyBooted
	}
	ctx, cancel := context.WithTimeout(parent, deadline)
	defer cancel()

	err := s.runGuarded(ctx, func() error {
		return s.guest.Boot(ctx, api)
	})
	if err != nil {
		s.state = StateFaulted
		return err
	}
	s.state = StateReady
	return nil
}

// EnterEntry dispatches one request to a registered entry point
// (§4.4 step 6, cases BACKEND_METHOD/BACKEND_POST/BACKEND_GET).
func (s *ReferenceSandbox) EnterEntry(parent context.Context, deadline time.Duration, api SyscallAPI, entry domain.ProgramEntry, in *domain.BackendInputs) error {
	return s.EnterFunc(parent, deadline, func(ctx context.Context) error {
		return s.guest.Call(ctx, api, entry, in)
	})
}

// EnterFunc runs an arbitrary guest-side closure under the same
// state-machine and deadline discipline as EnterEntry/Resume; it backs
// both of those and the storage-call entry path, which invokes a raw
// guest function pointer rather than a registered table entry.
func (s *ReferenceSandbox) EnterFunc(parent context.Context, deadline time.Duration, fn func(context.Context) error) error {
	if s.state != StateReady {
		return ErrNotSuspended
	}
	ctx, cancel := context.WithTimeout(parent, deadline)
	defer cancel()

	s.state = StateInCall
	err := s.runGuarded(ctx, func() error { return fn(ctx) })
	if err != nil {
		s.state = StateFaulted
		return err
	}
	s.state = StateReady
	return nil
}

// Guest exposes the underlying GuestProgram so a Machine can type-assert
// it against capability interfaces like StorageCallable.
func (s *ReferenceSandbox) Guest() GuestProgram { return s.guest }

// Resume implements the §4.4 step 6 fallback path: a non-ephemeral VM
// with no matching registered entry is handed the input struct directly
// at its suspended halt point.
func (s *ReferenceSandbox) Resume(parent context.Context, deadline time.Duration, api SyscallAPI, in *domain.BackendInputs) error {
	if s.state != StateReady {
		return ErrNotSuspended
	}
	resumable, ok := s.guest.(Resumable)
	if !ok {
		return domain.ErrEntryNotRegistered
	}
	ctx, cancel := context.WithTimeout(parent, deadline)
	defer cancel()

	s.state = StateInCall
	err := s.runGuarded(ctx, func() error {
		return resumable.Resume(ctx, api, in)
	})
	if err != nil {
		s.state = StateFaulted
		return err
	}
	s.state = StateReady
	return nil
}

// runGuarded recovers a guest panic into ErrGuestFault so a crashing
// guest callback looks exactly like a real MachineException trap.
func (s *ReferenceSandbox) runGuarded(ctx context.Context, fn func() error) (err error) {
	return s.exec.submit(ctx, func() (ferr error) {
		defer func() {
			if r := recover(); r != nil {
				ferr = fmt.Errorf("%w: %v", ErrGuestFault, r)
			}
		}()
		return fn()
	})
}

// Snapshot captures everything a Fork needs: the registered entry table
// and a guest clone, mirroring the main VM's post-boot CoW snapshot.
type Snapshot struct {
	entryTable domain.EntryTable
	guest      GuestProgram
}

func (s *ReferenceSandbox) Snapshot() (Snapshot, error) {
	if s.state != StateReady {
		return Snapshot{}, ErrNotBooted
	}
	return Snapshot{entryTable: s.entryTable, guest: s.guest}, nil
}

// Fork produces a new Sandbox sharing the snapshot's entry table; if the
// guest implements Cloner it gets an independent copy of its mutable
// state (the CoW-page analogue), otherwise the same stateless value is
// reused across every fork.
func Fork(snap Snapshot) *ReferenceSandbox {
	guest := snap.guest
	if c, ok := guest.(Cloner); ok {
		guest = c.Clone()
	}
	fork := NewReferenceSandbox(guest)
	fork.entryTable = snap.entryTable
	fork.state = StateReady
	return fork
}

// Reset restores a forked Sandbox to its post-boot snapshot state: the
// entry table is reinstalled, and a guest that implements Cloner is
// replaced by a fresh clone of the snapshot's guest, discarding any
// per-request mutation; a guest without Cloner is stateless and kept.
func (s *ReferenceSandbox) Reset(snap Snapshot) error {
	if s.state == StateCold {
		return ErrNotBooted
	}
	s.entryTable = snap.entryTable
	if c, ok := snap.guest.(Cloner); ok {
		s.guest = c.Clone()
	}
	s.state = StateReady
	return nil
}

func (s *ReferenceSandbox) Close() error {
	s.exec.close()
	return nil
}

// IsTransientErr reports whether err originated from the caller's own
// context (deadline/cancel) as opposed to the guest itself.
func IsTransientErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
