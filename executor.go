package capture

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"go.viam.com/utils"
)

const defaultTaskQueueSize = 64

// A Token proves the holder is running on a particular executor's goroutine.
// It is only ever handed to queued tasks, so any method that requires one can
// only be reached from that goroutine. This is how thread affinity (GL calls,
// camera device calls) is enforced at the API boundary instead of by
// convention.
type Token struct {
	owner *SerialExecutor
}

// OnExecutor reports whether the token belongs to the given executor.
func (t Token) OnExecutor(e *SerialExecutor) bool {
	return t.owner == e
}

// A SerialExecutor owns exactly one goroutine that drains a task queue in
// submission order. It backs both the camera-ops thread, on which the OS
// camera API requires all device calls to originate, and the GL thread, which
// owns all GL object lifetimes.
type SerialExecutor struct {
	name   string
	logger golog.Logger

	mu     sync.Mutex
	closed bool
	tasks  chan func(Token)

	activeBackgroundWorkers sync.WaitGroup
}

// NewSerialExecutor starts the executor's goroutine.
func NewSerialExecutor(name string, logger golog.Logger) *SerialExecutor {
	e := &SerialExecutor{
		name:   name,
		logger: logger,
		tasks:  make(chan func(Token), defaultTaskQueueSize),
	}
	e.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(e.run, e.activeBackgroundWorkers.Done)
	return e
}

// Name returns the executor's name, used in logs.
func (e *SerialExecutor) Name() string {
	return e.name
}

func (e *SerialExecutor) run() {
	tok := Token{owner: e}
	for task := range e.tasks {
		task(tok)
	}
}

// Queue submits a task to run on the executor's goroutine. Tasks run in
// submission order. Returns ErrExecutorClosed after Close.
func (e *SerialExecutor) Queue(task func(Token)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExecutorClosed
	}
	e.tasks <- task
	return nil
}

// QueueSync submits a task and waits for it to finish running or for ctx to
// end. The task still runs even if ctx ends first.
func (e *SerialExecutor) QueueSync(ctx context.Context, task func(Token)) error {
	done := make(chan struct{})
	if err := e.Queue(func(tok Token) {
		defer close(done)
		task(tok)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains all queued tasks and stops the goroutine. Queue calls made
// after Close return ErrExecutorClosed. Idempotent.
func (e *SerialExecutor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.tasks)
	e.mu.Unlock()
	e.activeBackgroundWorkers.Wait()
}
