package capture

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// CameraState is the coarse observable state of a camera, suitable for UI
// binding.
type CameraState int

// Observable camera states.
const (
	CameraClosed CameraState = iota
	CameraOpening
	CameraOpen
	CameraClosing
)

func (s CameraState) String() string {
	switch s {
	case CameraClosed:
		return "closed"
	case CameraOpening:
		return "opening"
	case CameraOpen:
		return "open"
	case CameraClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// A CameraRepository resolves camera IDs to devices.
type CameraRepository interface {
	Device(id string) (CameraDevice, error)
}

// A SubscriptionToken identifies one camera-state listener so it can be
// removed explicitly, instead of relying on weak references being collected.
type SubscriptionToken string

// A CameraStateObservable fans camera-state changes out to listeners.
type CameraStateObservable struct {
	mu        sync.Mutex
	state     CameraState
	listeners map[SubscriptionToken]func(CameraState)
}

// NewCameraStateObservable starts in the closed state.
func NewCameraStateObservable() *CameraStateObservable {
	return &CameraStateObservable{
		state:     CameraClosed,
		listeners: map[SubscriptionToken]func(CameraState){},
	}
}

// State returns the last published state.
func (o *CameraStateObservable) State() CameraState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// AddListener registers fn, immediately invokes it with the current state,
// and returns a token for removal.
func (o *CameraStateObservable) AddListener(fn func(CameraState)) SubscriptionToken {
	o.mu.Lock()
	token := SubscriptionToken(uuid.NewString())
	o.listeners[token] = fn
	state := o.state
	o.mu.Unlock()
	fn(state)
	return token
}

// RemoveListener unregisters the listener for token. Unknown tokens are
// ignored.
func (o *CameraStateObservable) RemoveListener(token SubscriptionToken) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.listeners, token)
}

func (o *CameraStateObservable) publish(state CameraState) {
	o.mu.Lock()
	if o.state == state {
		o.mu.Unlock()
		return
	}
	o.state = state
	fns := make([]func(CameraState), 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

// ManagerOptions configures a CameraLifecycleManager.
type ManagerOptions struct {
	// ResultCacheSize is passed through to each session.
	ResultCacheSize int

	// InvariantPanics is passed through to each session.
	InvariantPanics bool

	// ExecutorKeepAlive keeps the camera-ops executor alive for this long
	// after the last user detaches, so switching cameras does not churn the
	// ops thread. Zero tears it down immediately.
	ExecutorKeepAlive time.Duration

	// Clock drives the keep-alive timer; nil uses the wall clock.
	Clock clock.Clock

	Logger golog.Logger
}

// A CameraLifecycleManager coordinates every camera user in the process. It
// owns the single camera-ops executor all device calls run on, creating it
// lazily for the first user session and tearing it down when the last one
// detaches, and serializes open/close/switch requests through it. It is an
// explicitly constructed value with an explicit Close; there is no process
// global.
type CameraLifecycleManager struct {
	logger golog.Logger
	repo   CameraRepository
	clock  clock.Clock
	opts   ManagerOptions

	mu       sync.Mutex
	closed   bool
	exec     *SerialExecutor
	execRefs int
	sessions map[string]*UserCameraSession
}

// NewCameraLifecycleManager returns a manager backed by repo.
func NewCameraLifecycleManager(repo CameraRepository, opts ManagerOptions) (*CameraLifecycleManager, error) {
	if repo == nil {
		return nil, errors.New("camera lifecycle manager requires a repository")
	}
	logger := opts.Logger
	if logger == nil {
		logger = golog.Global()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &CameraLifecycleManager{
		logger:   logger,
		repo:     repo,
		clock:    clk,
		opts:     opts,
		sessions: map[string]*UserCameraSession{},
	}, nil
}

// RequestCameraSession composes the manager, the repository's device, and the
// given config into a user session. The returned session starts inactive;
// Active opens the camera, Inactive releases it, mirroring the host UI's
// window lifecycle.
func (m *CameraLifecycleManager) RequestCameraSession(cfg SessionConfig) (*UserCameraSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid session config")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	device, err := m.repo.Device(cfg.CameraID)
	if err != nil {
		return nil, errors.Wrapf(err, "no device for camera %q", cfg.CameraID)
	}

	exec := m.retainExecutorLocked()
	u := &UserCameraSession{
		id:      uuid.NewString(),
		logger:  m.logger.With("camera", cfg.CameraID),
		manager: m,
		device:  device,
		config:  cfg,
		exec:    exec,
		state:   NewCameraStateObservable(),
	}
	m.sessions[u.id] = u
	return u, nil
}

// OnWindowActive mirrors a host UI window becoming active or inactive by
// driving every user session accordingly.
func (m *CameraLifecycleManager) OnWindowActive(active bool) {
	m.mu.Lock()
	sessions := make([]*UserCameraSession, 0, len(m.sessions))
	for _, u := range m.sessions {
		sessions = append(sessions, u)
	}
	m.mu.Unlock()
	for _, u := range sessions {
		if active {
			u.Active()
		} else {
			u.Inactive()
		}
	}
}

// Close detaches every remaining user session and waits for the camera-ops
// executor to drain.
func (m *CameraLifecycleManager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*UserCameraSession, 0, len(m.sessions))
	for _, u := range m.sessions {
		sessions = append(sessions, u)
	}
	m.mu.Unlock()

	var err error
	for _, u := range sessions {
		err = multierr.Combine(err, u.Close(ctx))
	}
	m.reapExecutor()
	return err
}

// retainExecutorLocked lazily creates the shared camera-ops executor. The OS
// camera API requires all hardware calls to originate from one consistent
// thread, so every session shares it.
func (m *CameraLifecycleManager) retainExecutorLocked() *SerialExecutor {
	if m.exec == nil {
		m.logger.Debug("starting camera-ops executor")
		m.exec = NewSerialExecutor("camera-ops", m.logger)
	}
	m.execRefs++
	return m.exec
}

func (m *CameraLifecycleManager) releaseExecutor() {
	m.mu.Lock()
	m.execRefs--
	if m.execRefs > 0 {
		m.mu.Unlock()
		return
	}
	if m.opts.ExecutorKeepAlive > 0 {
		m.clock.AfterFunc(m.opts.ExecutorKeepAlive, m.reapExecutor)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.reapExecutor()
}

// reapExecutor stops the camera-ops executor if no user reattached in the
// meantime.
func (m *CameraLifecycleManager) reapExecutor() {
	m.mu.Lock()
	if m.execRefs > 0 || m.exec == nil {
		m.mu.Unlock()
		return
	}
	m.logger.Debug("stopping camera-ops executor; last camera user detached")
	exec := m.exec
	m.exec = nil
	m.mu.Unlock()
	exec.Close()
}

// ExecutorRunning reports whether the camera-ops executor is currently alive.
func (m *CameraLifecycleManager) ExecutorRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exec != nil
}

func (m *CameraLifecycleManager) forget(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// A UserCameraSession is one caller's handle on a camera: manager, device,
// and config composed together. Active and Inactive drive open and release on
// the underlying capture-session state machine; because sessions are
// single-use, each activation builds a fresh one.
type UserCameraSession struct {
	id      string
	logger  golog.Logger
	manager *CameraLifecycleManager
	device  CameraDevice
	config  SessionConfig
	exec    *SerialExecutor
	state   *CameraStateObservable

	mu      sync.Mutex
	active  bool
	closed  bool
	session *CaptureSession
}

// ID returns the user session's identifier.
func (u *UserCameraSession) ID() string {
	return u.id
}

// StateObservable exposes the camera state for UI binding.
func (u *UserCameraSession) StateObservable() *CameraStateObservable {
	return u.state
}

// Session returns the current underlying capture session, or nil when the
// camera has never been activated.
func (u *UserCameraSession) Session() *CaptureSession {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.session
}

// Active opens the camera if it is not already open. The open itself runs on
// the camera-ops executor.
func (u *UserCameraSession) Active() {
	u.mu.Lock()
	if u.closed || u.active {
		u.mu.Unlock()
		return
	}
	u.active = true

	sess, err := NewCaptureSession(SessionOptions{
		Executor:        u.exec,
		CameraOpen:      u.isActive,
		ResultCacheSize: u.manager.opts.ResultCacheSize,
		InvariantPanics: u.manager.opts.InvariantPanics,
		OnStateChange:   u.onSessionState,
		Logger:          u.logger,
	})
	if err != nil {
		u.active = false
		u.mu.Unlock()
		u.logger.Errorw("failed to build capture session", "error", err)
		return
	}
	u.session = sess
	device, config := u.device, u.config
	u.mu.Unlock()

	if err := u.exec.Queue(func(Token) {
		if err := sess.Open(device, config); err != nil {
			u.logger.Errorw("failed to open capture session", "error", err)
		}
	}); err != nil {
		u.logger.Errorw("camera-ops executor rejected open", "error", err)
	}
}

// Inactive releases the camera if it is open. The release runs on the
// camera-ops executor; a pending configure race resolves through the
// session's short-circuit path.
func (u *UserCameraSession) Inactive() {
	u.mu.Lock()
	if !u.active {
		u.mu.Unlock()
		return
	}
	u.active = false
	sess := u.session
	u.mu.Unlock()

	if sess == nil {
		return
	}
	if err := u.exec.Queue(func(Token) {
		sess.Release()
	}); err != nil {
		// Executor already gone; force teardown inline.
		sess.ForceRelease()
	}
}

// Close releases the camera and detaches from the manager. The last detach
// tears down the shared camera-ops executor.
func (u *UserCameraSession) Close(ctx context.Context) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()

	u.Inactive()

	// Let the queued release run before the executor is torn down.
	u.mu.Lock()
	sess := u.session
	u.mu.Unlock()
	if sess != nil {
		if err := u.exec.QueueSync(ctx, func(Token) {}); err != nil && !errors.Is(err, ErrExecutorClosed) {
			u.manager.forget(u.id)
			u.manager.releaseExecutor()
			return err
		}
	}

	u.manager.forget(u.id)
	u.manager.releaseExecutor()
	return nil
}

func (u *UserCameraSession) isActive() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active
}

// onSessionState maps session lifecycle states onto the coarse observable
// camera state.
func (u *UserCameraSession) onSessionState(st SessionState) {
	switch st {
	case StateOpening:
		u.state.publish(CameraOpening)
	case StateOpened:
		u.state.publish(CameraOpen)
	case StateReleasing:
		u.state.publish(CameraClosing)
	case StateReleased:
		u.state.publish(CameraClosed)
	case StateInitialized:
	}
}
