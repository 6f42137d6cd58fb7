package capture

import (
	"sync"
	"sync/atomic"

	"github.com/edaniels/golog"
)

// An AnalyzeFunc processes one decoded frame, e.g. by feeding it to an
// inference graph. It is never invoked concurrently and frames arrive in
// presentation-timestamp order; the analyzer releases each frame after the
// func returns.
type AnalyzeFunc func(*FrameBuffer)

// An Analyzer consumes hardware frames without ever blocking the delivery
// path. It holds at most two buffers: one claimed for processing and one
// cached most-recent frame that is overwritten, releasing its predecessor,
// whenever a newer frame arrives while processing is still busy. Under load
// frames are dropped, never queued unboundedly.
type Analyzer struct {
	logger  golog.Logger
	exec    *SerialExecutor
	analyze AnalyzeFunc

	mu      sync.Mutex
	busy    bool
	waiting *FrameBuffer
	cached  *FrameBuffer
	closed  bool

	dropped   atomic.Int64
	processed atomic.Int64
}

// NewAnalyzer schedules analysis work onto exec; the executor is borrowed,
// not owned, and survives Close.
func NewAnalyzer(exec *SerialExecutor, analyze AnalyzeFunc, logger golog.Logger) *Analyzer {
	return &Analyzer{
		logger:  logger,
		exec:    exec,
		analyze: analyze,
	}
}

// OnFrame accepts the newest hardware frame. Never blocks: if the analyzer is
// idle the frame is claimed and a processing task scheduled; if it is busy
// the frame replaces the cached slot and the previous cached frame is
// released.
func (a *Analyzer) OnFrame(fb *FrameBuffer) {
	if fb == nil {
		return
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		fb.Release()
		return
	}
	if a.busy {
		if a.cached != nil {
			a.cached.Release()
			a.dropped.Add(1)
		}
		a.cached = fb
		a.mu.Unlock()
		return
	}
	a.busy = true
	a.waiting = fb
	a.mu.Unlock()

	if err := a.exec.Queue(a.process); err != nil {
		a.mu.Lock()
		a.busy = false
		a.waiting = nil
		a.mu.Unlock()
		fb.Release()
		a.logger.Debugw("dropping frame; analyzer executor closed", "error", err)
	}
}

// process drains the waiting slot, then keeps draining the cached slot until
// both are empty. At most one process task is in flight per analyzer.
func (a *Analyzer) process(_ Token) {
	for {
		a.mu.Lock()
		fb := a.waiting
		a.waiting = nil
		if fb == nil {
			fb = a.cached
			a.cached = nil
		}
		if fb == nil {
			a.busy = false
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()

		a.analyze(fb)
		fb.Release()
		a.processed.Add(1)
	}
}

// Close releases any held buffers and rejects further frames. The in-flight
// processing task, if any, finishes its current frame and exits.
func (a *Analyzer) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	if a.waiting != nil {
		a.waiting.Release()
		a.waiting = nil
	}
	if a.cached != nil {
		a.cached.Release()
		a.cached = nil
	}
}

// Dropped returns how many frames were overwritten before processing. Drops
// are expected backpressure, not errors.
func (a *Analyzer) Dropped() int64 {
	return a.dropped.Load()
}

// Processed returns how many frames the analyze func has consumed.
func (a *Analyzer) Processed() int64 {
	return a.processed.Load()
}
