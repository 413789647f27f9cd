package sandbox

import "context"

// executor is the single-worker-thread discipline §5 and §9 require:
// every operation against a given Sandbox's guest runs on one goroutine,
// submitted as a command and awaited via a future. This mirrors the
// teacher's pool.PooledVM single-VM-per-goroutine pattern, generalized
// into an explicit reusable type per the design note in §9 ("every VM
// owns a private executor").
type executor struct {
	commands chan func()
	done     chan struct{}
}

func newExecutor() *executor {
	e := &executor{
		commands: make(chan func(), 1),
		done:     make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *executor) run() {
	defer close(e.done)
	for cmd := range e.commands {
		cmd()
	}
}

// submit runs fn on the executor goroutine and blocks until it
// completes or ctx is done. If ctx fires first, fn may still run later
// (the goroutine cannot be preempted without the guest's cooperation —
// the same limitation a real vCPU thread has until its deadline trap
// fires); the caller must treat the Sandbox as faulted afterward.
func (e *executor) submit(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	select {
	case e.commands <- func() { result <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *executor) close() {
	close(e.commands)
	<-e.done
}
