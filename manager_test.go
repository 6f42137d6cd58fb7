package capture_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	capture "github.com/viamrobotics/gocapture"
	"github.com/viamrobotics/gocapture/fake"
)

type cameraStateRecorder struct {
	mu     sync.Mutex
	states []capture.CameraState
}

func (r *cameraStateRecorder) record(st capture.CameraState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
}

func (r *cameraStateRecorder) all() []capture.CameraState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]capture.CameraState, len(r.states))
	copy(out, r.states)
	return out
}

func managerConfig(provider *fake.SurfaceProvider) capture.SessionConfig {
	return capture.SessionConfig{
		CameraID: "cam0",
		Preview:  prop.Video{Width: 640, Height: 480, FrameRate: 30},
		Provider: provider,
	}
}

func TestManagerLifecycle(t *testing.T) {
	logger := golog.NewTestLogger(t)
	device := fake.NewDevice("cam0")
	provider := fake.NewSurfaceProvider(640, 480)
	manager, err := capture.NewCameraLifecycleManager(fake.NewRepository(device), capture.ManagerOptions{Logger: logger})
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, manager.Close(context.Background()), test.ShouldBeNil)
	}()
	test.That(t, manager.ExecutorRunning(), test.ShouldBeFalse)

	user, err := manager.RequestCameraSession(managerConfig(provider))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, manager.ExecutorRunning(), test.ShouldBeTrue)

	rec := &cameraStateRecorder{}
	token := user.StateObservable().AddListener(rec.record)
	test.That(t, rec.all(), test.ShouldResemble, []capture.CameraState{capture.CameraClosed})

	user.Active()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, device.CreateCount(), test.ShouldEqual, 1)
	})
	handle := fake.NewHandle()
	device.DeliverEvent(capture.Configured{Handle: handle})

	sess := user.Session()
	test.That(t, sess, test.ShouldNotBeNil)
	test.That(t, sess.State(), test.ShouldEqual, capture.StateOpened)
	test.That(t, user.StateObservable().State(), test.ShouldEqual, capture.CameraOpen)
	test.That(t, handle.RepeatingRequests(), test.ShouldHaveLength, 1)

	user.Inactive()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, sess.State(), test.ShouldEqual, capture.StateReleasing)
	})
	device.DeliverEvent(capture.Ready{})
	device.DeliverEvent(capture.Closed{})
	test.That(t, sess.State(), test.ShouldEqual, capture.StateReleased)
	test.That(t, user.StateObservable().State(), test.ShouldEqual, capture.CameraClosed)
	test.That(t, provider.ReleaseCount(), test.ShouldEqual, 1)

	test.That(t, rec.all(), test.ShouldResemble, []capture.CameraState{
		capture.CameraClosed,
		capture.CameraOpening,
		capture.CameraOpen,
		capture.CameraClosing,
		capture.CameraClosed,
	})
	user.StateObservable().RemoveListener(token)

	// Sessions are single-use; reactivating builds a fresh one.
	user.Active()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, device.CreateCount(), test.ShouldEqual, 2)
	})
	sess2 := user.Session()
	test.That(t, sess2, test.ShouldNotBeNil)
	test.That(t, sess2, test.ShouldNotEqual, sess)
	test.That(t, rec.all(), test.ShouldHaveLength, 5)

	test.That(t, user.Close(context.Background()), test.ShouldBeNil)
	test.That(t, manager.ExecutorRunning(), test.ShouldBeFalse)
}

func TestManagerExecutorKeepAlive(t *testing.T) {
	logger := golog.NewTestLogger(t)
	device := fake.NewDevice("cam0")
	provider := fake.NewSurfaceProvider(640, 480)
	mock := clock.NewMock()
	manager, err := capture.NewCameraLifecycleManager(fake.NewRepository(device), capture.ManagerOptions{
		Logger:            logger,
		ExecutorKeepAlive: 5 * time.Second,
		Clock:             mock,
	})
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, manager.Close(context.Background()), test.ShouldBeNil)
	}()

	user1, err := manager.RequestCameraSession(managerConfig(provider))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, manager.ExecutorRunning(), test.ShouldBeTrue)

	// The executor lingers after the last user detaches.
	test.That(t, user1.Close(context.Background()), test.ShouldBeNil)
	test.That(t, manager.ExecutorRunning(), test.ShouldBeTrue)

	// A user arriving within the keep-alive window retains it.
	user2, err := manager.RequestCameraSession(managerConfig(provider))
	test.That(t, err, test.ShouldBeNil)
	mock.Add(6 * time.Second)
	test.That(t, manager.ExecutorRunning(), test.ShouldBeTrue)

	test.That(t, user2.Close(context.Background()), test.ShouldBeNil)
	test.That(t, manager.ExecutorRunning(), test.ShouldBeTrue)
	mock.Add(6 * time.Second)
	test.That(t, manager.ExecutorRunning(), test.ShouldBeFalse)
}

func TestManagerOnWindowActive(t *testing.T) {
	logger := golog.NewTestLogger(t)
	device := fake.NewDevice("cam0")
	provider := fake.NewSurfaceProvider(640, 480)
	manager, err := capture.NewCameraLifecycleManager(fake.NewRepository(device), capture.ManagerOptions{Logger: logger})
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, manager.Close(context.Background()), test.ShouldBeNil)
	}()

	user, err := manager.RequestCameraSession(managerConfig(provider))
	test.That(t, err, test.ShouldBeNil)

	manager.OnWindowActive(true)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, device.CreateCount(), test.ShouldEqual, 1)
	})
	device.DeliverEvent(capture.Configured{Handle: fake.NewHandle()})
	sess := user.Session()
	test.That(t, sess.State(), test.ShouldEqual, capture.StateOpened)

	manager.OnWindowActive(false)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, sess.State(), test.ShouldEqual, capture.StateReleasing)
	})
	device.DeliverEvent(capture.Ready{})
	device.DeliverEvent(capture.Closed{})
	test.That(t, sess.State(), test.ShouldEqual, capture.StateReleased)
}

func TestManagerErrors(t *testing.T) {
	logger := golog.NewTestLogger(t)
	device := fake.NewDevice("cam0")
	provider := fake.NewSurfaceProvider(640, 480)
	manager, err := capture.NewCameraLifecycleManager(fake.NewRepository(device), capture.ManagerOptions{Logger: logger})
	test.That(t, err, test.ShouldBeNil)

	_, err = manager.RequestCameraSession(capture.SessionConfig{CameraID: "cam0"})
	test.That(t, err, test.ShouldNotBeNil)

	cfg := managerConfig(provider)
	cfg.CameraID = "nope"
	_, err = manager.RequestCameraSession(cfg)
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, manager.Close(context.Background()), test.ShouldBeNil)
	_, err = manager.RequestCameraSession(managerConfig(provider))
	test.That(t, errors.Is(err, capture.ErrManagerClosed), test.ShouldBeTrue)

	_, err = capture.NewCameraLifecycleManager(nil, capture.ManagerOptions{})
	test.That(t, err, test.ShouldNotBeNil)
}
