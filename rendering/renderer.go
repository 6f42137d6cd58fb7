package rendering

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	capture "github.com/viamrobotics/gocapture"
)

// RenderMode selects how draw frames are scheduled.
type RenderMode int

// Render modes.
const (
	// RenderContinuous draws at the configured target frame rate.
	RenderContinuous RenderMode = iota
	// RenderOnDemand draws only when RequestRender is called.
	RenderOnDemand
)

const defaultTargetFrameRate = 30

// A RenderFlowData describes one hop through the filter chain. Records are
// pooled and pass hop-to-hop on the GL thread; they are never shared
// concurrently.
type RenderFlowData struct {
	Texture      TextureID
	TexWidth     int
	TexHeight    int
	WindowWidth  int
	WindowHeight int
	Extra        map[string]interface{}
}

var flowPool = sync.Pool{
	New: func() interface{} {
		return &RenderFlowData{Extra: map[string]interface{}{}}
	},
}

func newRenderFlowData() *RenderFlowData {
	//nolint:forcetypeassert
	return flowPool.Get().(*RenderFlowData)
}

func (d *RenderFlowData) recycle() {
	for k := range d.Extra {
		delete(d.Extra, k)
	}
	*d = RenderFlowData{Extra: d.Extra}
	flowPool.Put(d)
}

// A SnapshotCallback receives one rendered frame as CPU-readable RGBA bytes.
type SnapshotCallback func(pix []byte, width, height int)

// Config configures a Renderer.
type Config struct {
	Mode            RenderMode
	TargetFrameRate int
	Logger          golog.Logger
}

// A Renderer owns the GL thread. All GL object lifetimes belong to its
// executor; other goroutines submit work through QueueTask. Each draw drains
// queued tasks (implicitly, since draws are themselves queued tasks and the
// queue is drained in order), pulls the newest camera texture from the
// source, runs the crop and transform filters, optionally diverts the
// intermediate texture into the snapshot filter, and presents the result.
type Renderer struct {
	logger golog.Logger
	exec   *capture.SerialExecutor
	mode   RenderMode

	frameInterval time.Duration

	// mu is the resource-recycle lock. destroySurface clears
	// receivedFirstFrame under it, which blocks any further source updates
	// from the moment the teardown task executes.
	mu                 sync.Mutex
	source             Source
	crop               Filter
	transform          Filter
	snapshot           SnapshotFilter
	display            Display
	matcher            func(int64) *capture.CaptureResultRecord
	currentResult      *capture.CaptureResultRecord
	pendingSnapshot    SnapshotCallback
	receivedFirstFrame bool
	destroyed          bool

	cancelCtx               context.Context
	cancel                  func()
	started                 bool
	activeBackgroundWorkers sync.WaitGroup

	framesRendered atomic.Int64
	framesSkipped  atomic.Int64
}

// NewRenderer starts the GL executor; the continuous draw loop, if
// configured, starts with Start.
func NewRenderer(cfg Config) *Renderer {
	logger := cfg.Logger
	if logger == nil {
		logger = golog.Global()
	}
	rate := cfg.TargetFrameRate
	if rate <= 0 {
		rate = defaultTargetFrameRate
	}
	cancelCtx, cancel := context.WithCancel(context.Background())
	return &Renderer{
		logger:        logger,
		exec:          capture.NewSerialExecutor("gl", logger),
		mode:          cfg.Mode,
		frameInterval: time.Second / time.Duration(rate),
		cancelCtx:     cancelCtx,
		cancel:        cancel,
	}
}

// Executor exposes the GL executor so collaborators can prove thread
// affinity with its tokens.
func (r *Renderer) Executor() *capture.SerialExecutor {
	return r.exec
}

// QueueTask submits arbitrary GL-thread work: resource creation,
// configuration changes. Tasks run in order, interleaved with draws.
func (r *Renderer) QueueTask(task func(capture.Token)) error {
	return r.exec.Queue(task)
}

// SetPipeline installs the render source, filter chain, display, and result
// matcher on the GL thread. The matcher resolves a frame timestamp to its
// capture metadata; the previous frame's record is recycled before each newly
// matched one is installed.
func (r *Renderer) SetPipeline(
	source Source,
	crop, transform Filter,
	snapshot SnapshotFilter,
	display Display,
	matcher func(int64) *capture.CaptureResultRecord,
) error {
	return r.exec.Queue(func(capture.Token) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.source = source
		r.crop = crop
		r.transform = transform
		r.snapshot = snapshot
		r.display = display
		r.matcher = matcher
	})
}

// Start begins the continuous draw loop. A no-op in on-demand mode and on
// repeat calls.
func (r *Renderer) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.mode != RenderContinuous {
		return
	}
	r.started = true
	r.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(r.renderLoop, r.activeBackgroundWorkers.Done)
}

func (r *Renderer) renderLoop() {
	for {
		if !utils.SelectContextOrWait(r.cancelCtx, r.frameInterval) {
			return
		}
		if err := r.exec.Queue(r.drawFrame); err != nil {
			return
		}
	}
}

// RequestRender schedules a single draw. Used in on-demand mode.
func (r *Renderer) RequestRender() error {
	return r.exec.Queue(r.drawFrame)
}

func (r *Renderer) drawFrame(tok capture.Token) {
	var snapCB func()
	r.mu.Lock()
	snapCB = r.drawFrameLocked(tok)
	r.mu.Unlock()
	if snapCB != nil {
		snapCB()
	}
}

func (r *Renderer) drawFrameLocked(tok capture.Token) func() {
	if r.destroyed || r.source == nil || r.display == nil {
		r.framesSkipped.Add(1)
		return nil
	}
	if !r.source.NeedRender() && !r.receivedFirstFrame {
		r.framesSkipped.Add(1)
		return nil
	}

	tex, w, h, pts, err := r.source.Update(tok)
	if err != nil {
		if !errors.Is(err, ErrNoFrame) {
			r.logger.Debugw("source update failed; skipping frame", "error", err)
		}
		r.framesSkipped.Add(1)
		return nil
	}
	r.receivedFirstFrame = true

	// Recycle the previous frame's metadata before installing the new match.
	if r.matcher != nil {
		rec := r.matcher(pts)
		if r.currentResult != nil {
			r.currentResult.Release()
		}
		r.currentResult = rec
	}

	winW, winH := r.display.Size()
	flow := newRenderFlowData()
	flow.Texture = tex
	flow.TexWidth, flow.TexHeight = w, h
	flow.WindowWidth, flow.WindowHeight = winW, winH
	defer flow.recycle()

	if r.crop != nil {
		if err := applyFilter(tok, r.crop, flow, winW, winH); err != nil {
			r.logger.Errorw("crop filter failed", "error", err)
			return nil
		}
	}
	if r.transform != nil {
		if err := applyFilter(tok, r.transform, flow, flow.TexWidth, flow.TexHeight); err != nil {
			r.logger.Errorw("transform filter failed", "error", err)
			return nil
		}
	}

	var snapCB func()
	if r.pendingSnapshot != nil && r.snapshot != nil {
		cb := r.pendingSnapshot
		r.pendingSnapshot = nil
		if err := applyFilter(tok, r.snapshot, flow, flow.TexWidth, flow.TexHeight); err != nil {
			r.logger.Errorw("snapshot filter failed", "error", err)
		} else if pix, pw, ph, err := r.snapshot.Pixels(tok); err != nil {
			r.logger.Errorw("snapshot readback failed", "error", err)
		} else {
			snapCB = func() { cb(pix, pw, ph) }
		}
	}

	if err := r.display.Present(tok, flow.Texture, flow.TexWidth, flow.TexHeight); err != nil {
		r.logger.Errorw("present failed", "error", err)
		return snapCB
	}
	r.framesRendered.Add(1)
	return snapCB
}

// applyFilter runs one hop of the chain, advancing the flow record to the
// filter's output.
func applyFilter(tok capture.Token, f Filter, flow *RenderFlowData, outW, outH int) error {
	f.SetInputTexture(flow.Texture)
	f.SetInputSize(flow.TexWidth, flow.TexHeight)
	f.SetOutputSize(outW, outH)
	if err := f.Prepare(tok); err != nil {
		return err
	}
	out, err := f.Draw(tok)
	if err != nil {
		return err
	}
	flow.Texture = out
	flow.TexWidth, flow.TexHeight = outW, outH
	return nil
}

// TakeSnapshot requests that the next drawn frame also be exported as
// CPU-readable pixels. In on-demand mode a draw is scheduled immediately.
func (r *Renderer) TakeSnapshot(cb SnapshotCallback) error {
	if cb == nil {
		return errors.New("snapshot requires a callback")
	}
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return errors.New("renderer surface destroyed")
	}
	r.pendingSnapshot = cb
	r.mu.Unlock()
	if r.mode == RenderOnDemand {
		return r.RequestRender()
	}
	return nil
}

// DestroySurface schedules surface teardown on the GL thread. From the moment
// the task runs, further source updates are blocked: the received-first-frame
// flag is cleared under the recycle lock and draws refuse to touch the
// source. Safe to call repeatedly and from the session-closing transition;
// completion is asynchronous but ordered ahead of later queued GL work.
func (r *Renderer) DestroySurface() error {
	err := r.exec.Queue(r.destroySurface)
	if errors.Is(err, capture.ErrExecutorClosed) {
		// Close already tore the surface down.
		return nil
	}
	return err
}

func (r *Renderer) destroySurface(tok capture.Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return
	}
	r.destroyed = true
	r.receivedFirstFrame = false
	r.pendingSnapshot = nil
	if r.source != nil {
		r.source.Detach(tok)
	}
	if r.currentResult != nil {
		r.currentResult.Release()
		r.currentResult = nil
	}
	r.logger.Debug("render surface destroyed")
}

// FramesRendered returns how many frames have been presented.
func (r *Renderer) FramesRendered() int64 {
	return r.framesRendered.Load()
}

// Close stops the draw loop, tears down the surface and filters on the GL
// thread, and shuts the executor down after the teardown has run.
func (r *Renderer) Close(ctx context.Context) error {
	r.cancel()
	r.activeBackgroundWorkers.Wait()

	err := r.exec.QueueSync(ctx, func(tok capture.Token) {
		r.destroySurface(tok)
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, f := range []Filter{r.crop, r.transform, r.snapshot} {
			if f != nil {
				f.Release(tok)
			}
		}
		r.crop, r.transform, r.snapshot = nil, nil, nil
	})
	if errors.Is(err, capture.ErrExecutorClosed) {
		return nil
	}
	r.exec.Close()
	return err
}
