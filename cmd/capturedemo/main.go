// Package main runs the capture pipeline end to end against a fake camera:
// synthetic frames flow through the ring buffer and analyzer while the
// renderer presents them to an in-memory display.
package main

import (
	"context"
	"flag"
	"time"

	"github.com/edaniels/golog"
	"github.com/pion/mediadevices/pkg/prop"
	"go.viam.com/utils"

	capture "github.com/viamrobotics/gocapture"
	"github.com/viamrobotics/gocapture/fake"
	"github.com/viamrobotics/gocapture/rendering"
	"github.com/viamrobotics/gocapture/ringbuffer"
)

var logger = golog.NewDevelopmentLogger("capturedemo")

func main() {
	var (
		duration  = flag.Duration("duration", 3*time.Second, "how long to stream")
		frameRate = flag.Int("fps", 60, "synthetic camera frame rate")
		width     = flag.Int("width", 640, "frame width")
		height    = flag.Int("height", 480, "frame height")
	)
	flag.Parse()

	if err := runDemo(context.Background(), *duration, *frameRate, *width, *height); err != nil {
		logger.Fatalw("demo failed", "error", err)
	}
}

func runDemo(ctx context.Context, duration time.Duration, frameRate, width, height int) error {
	device := fake.NewDevice("cam0")
	repo := fake.NewRepository(device)
	provider := fake.NewSurfaceProvider(width, height)

	manager, err := capture.NewCameraLifecycleManager(repo, capture.ManagerOptions{Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if err := manager.Close(ctx); err != nil {
			logger.Errorw("failed to close manager", "error", err)
		}
	}()

	gl := fake.NewGL()
	display := fake.NewDisplay(width, height)
	renderer := rendering.NewRenderer(rendering.Config{
		Mode:            rendering.RenderContinuous,
		TargetFrameRate: 30,
		Logger:          logger,
	})
	defer func() {
		if err := renderer.Close(ctx); err != nil {
			logger.Errorw("failed to close renderer", "error", err)
		}
	}()
	source := rendering.NewBufferSource(gl, logger)

	user, err := manager.RequestCameraSession(capture.SessionConfig{
		CameraID:        "cam0",
		Preview:         prop.Video{Width: width, Height: height, FrameRate: float32(frameRate)},
		Provider:        provider,
		SurfaceTeardown: func() { utils.UncheckedError(renderer.DestroySurface()) },
	})
	if err != nil {
		return err
	}
	token := user.StateObservable().AddListener(func(st capture.CameraState) {
		logger.Infow("camera state", "state", st.String())
	})
	defer user.StateObservable().RemoveListener(token)

	user.Active()
	// Wait for the open to run on the camera-ops executor, then configure the
	// session as the fake OS.
	for device.CreateCount() == 0 {
		if !utils.SelectContextOrWait(ctx, time.Millisecond) {
			return ctx.Err()
		}
	}
	handle := fake.NewHandle()
	device.DeliverEvent(capture.Configured{Handle: handle})

	sess := user.Session()
	if err := renderer.SetPipeline(
		source,
		rendering.NewCropFilter(gl),
		rendering.NewTransformFilter(gl, 0, false),
		rendering.NewPixelReader(gl),
		display,
		sess.Results().Match,
	); err != nil {
		return err
	}
	renderer.Start()

	// Ring buffer stands in for a native-boundary hand-off; the analyzer
	// feeds an opaque inference engine.
	ring, err := ringbuffer.New(8)
	if err != nil {
		return err
	}
	inferExec := capture.NewSerialExecutor("inference", logger)
	defer inferExec.Close()
	analyzer := capture.NewAnalyzer(inferExec, func(fb *capture.FrameBuffer) {
		// Simulate inference latency slower than the camera.
		time.Sleep(25 * time.Millisecond)
		ring.Push(fb.Data[:16])
	}, logger)
	defer analyzer.Close()

	ticker := time.NewTicker(time.Second / time.Duration(frameRate))
	defer ticker.Stop()
	deadline := time.After(duration)
	var pts int64
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-deadline:
			done = true
		case now := <-ticker.C:
			pts = now.UnixNano()
			handle.DeliverRepeating(capture.CaptureCompleted{
				Record: capture.NewCaptureResultRecord(pts, nil),
			})
			analyzer.OnFrame(fake.NewFrame(width, height, pts, nil))
			source.OnFrame(fake.NewFrame(width, height, pts, nil))
			for {
				if _, ok := ring.Pop(); !ok {
					break
				}
			}
		}
	}

	snapped := make(chan struct{})
	if err := renderer.TakeSnapshot(func(pix []byte, w, h int) {
		logger.Infow("snapshot ready", "bytes", len(pix), "width", w, "height", h)
		close(snapped)
	}); err != nil {
		return err
	}
	select {
	case <-snapped:
	case <-time.After(time.Second):
		logger.Warn("snapshot did not complete in time")
	}

	user.Inactive()
	device.DeliverEvent(capture.Ready{})
	device.DeliverEvent(capture.Closed{})

	logger.Infow("demo finished",
		"frames_rendered", renderer.FramesRendered(),
		"frames_analyzed", analyzer.Processed(),
		"frames_dropped_by_analyzer", analyzer.Dropped(),
		"frames_dropped_by_source", source.Dropped(),
		"ring_dropped", ring.Dropped(),
	)
	return nil
}
