package capture

import (
	"sync"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// SessionState is the lifecycle state of one hardware capture session.
type SessionState int

// Session lifecycle states. Released is terminal; a session is single-use and
// a new one must be constructed to reopen the camera.
const (
	StateInitialized SessionState = iota
	StateOpening
	StateOpened
	StateReleasing
	StateReleased
)

func (s SessionState) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateOpening:
		return "opening"
	case StateOpened:
		return "opened"
	case StateReleasing:
		return "releasing"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// A CameraStateFn reports whether the owning camera is still meant to be
// open. The configured transition consults it so that a session whose camera
// began closing while the device was still configuring short-circuits
// straight to released without ever issuing a preview request. Passing the
// outer camera state in as a dependency keeps the two state machines
// explicitly coupled instead of reaching into shared globals.
type CameraStateFn func() bool

// SessionOptions configures a CaptureSession.
type SessionOptions struct {
	// Executor is the camera-ops executor all device calls are serialized on.
	// Required.
	Executor *SerialExecutor

	// CameraOpen is the outer camera state input; nil means always open.
	CameraOpen CameraStateFn

	// ResultCacheSize bounds the pending per-frame metadata records.
	ResultCacheSize int

	// OnStateChange observes every state transition, after the transition has
	// been applied and outside the session lock.
	OnStateChange func(SessionState)

	// InvariantPanics makes invariant violations panic instead of only
	// logging. Meant for debug builds and tests.
	InvariantPanics bool

	Logger golog.Logger
}

// A CaptureSession tracks the open/close lifecycle of one hardware capture
// session and mediates repeating preview requests and one-shot captures.
//
// All state reads and writes are guarded by one per-session lock; transitions
// and their device-facing side effects (issuing requests, closing the OS
// handle) happen while holding it, which serializes OS-callback-driven
// mutations against caller-driven ones. Caller-facing callbacks always run
// outside the lock.
type CaptureSession struct {
	id     string
	logger golog.Logger

	exec            *SerialExecutor
	cameraOpen      CameraStateFn
	onStateChange   func(SessionState)
	invariantPanics bool

	results *ResultCache

	mu               sync.Mutex
	state            SessionState
	device           CameraDevice
	config           *SessionConfig
	handle           SessionHandle
	provider         SurfaceProvider
	surfaceTeardown  func()
	resultListener   func(*CaptureResultRecord)
	notifiedProvider bool
}

// NewCaptureSession returns a session in the initialized state.
func NewCaptureSession(opts SessionOptions) (*CaptureSession, error) {
	if opts.Executor == nil {
		return nil, errors.New("capture session requires an executor")
	}
	logger := opts.Logger
	if logger == nil {
		logger = golog.Global()
	}
	return &CaptureSession{
		id:              uuid.NewString(),
		logger:          logger,
		exec:            opts.Executor,
		cameraOpen:      opts.CameraOpen,
		onStateChange:   opts.OnStateChange,
		invariantPanics: opts.InvariantPanics,
		results:         NewResultCache(opts.ResultCacheSize, logger),
		state:           StateInitialized,
	}, nil
}

// ID returns the session's unique identifier.
func (s *CaptureSession) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *CaptureSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Results exposes the session's capture-result cache for frame matching by
// the render pipeline.
func (s *CaptureSession) Results() *ResultCache {
	return s.results
}

// Open stores the config and asks the device to create a session, moving to
// the opening state. Only legal from initialized.
func (s *CaptureSession) Open(device CameraDevice, cfg SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid session config")
	}

	s.mu.Lock()
	if s.state != StateInitialized {
		st := s.state
		s.mu.Unlock()
		return errors.Errorf("open is only legal from %q; session is %q", StateInitialized, st)
	}
	s.device = device
	c := cfg
	s.config = &c
	s.provider = cfg.Provider
	s.surfaceTeardown = cfg.SurfaceTeardown
	s.resultListener = cfg.ResultListener

	var after []func()
	after = appendFn(after, s.setStateLocked(StateOpening))
	err := device.CreateSession(c.surfaces(), s.Handle)
	if err != nil {
		// Not left half-open: the device rejected the session synchronously,
		// so there is no handle to wait on.
		s.logger.Errorw("failed to create capture session", "session", s.id, "error", err)
		after = append(after, s.releaseResourcesLocked()...)
	}
	s.mu.Unlock()
	runAll(after)
	if err != nil {
		return errors.Wrap(err, "failed to create capture session")
	}
	return nil
}

// Handle is the session's transition function. The OS camera service's
// callbacks are delivered here as tagged events, possibly from arbitrary
// callback goroutines.
func (s *CaptureSession) Handle(ev SessionEvent) {
	var after []func()
	s.mu.Lock()
	switch e := ev.(type) {
	case Configured:
		after = s.handleConfiguredLocked(e)
	case ConfigureFailed:
		after = s.handleConfigureFailedLocked(e)
	case Ready:
		if s.state == StateReleasing && s.handle != nil {
			if err := s.handle.Close(); err != nil {
				s.logger.Errorw("failed to close session handle", "session", s.id, "error", err)
			}
		}
	case Closed:
		// Idempotent: a second closed notification for a released session is
		// a no-op, never a double release.
		if s.state != StateReleased {
			after = s.releaseResourcesLocked()
		}
	case CaptureCompleted:
		s.results.Put(e.Record)
		if s.resultListener != nil && e.Record != nil {
			listener, rec := s.resultListener, e.Record
			after = append(after, func() { listener(rec) })
		}
	case CaptureFailed:
		s.logger.Errorw("capture failed", "session", s.id, "error", e.Err)
	case CaptureStarted:
	default:
		s.invariantLocked(eventName(ev))
	}
	s.mu.Unlock()
	runAll(after)
}

func (s *CaptureSession) handleConfiguredLocked(e Configured) []func() {
	switch s.state {
	case StateOpening:
		if s.cameraOpen != nil && !s.cameraOpen() {
			// The camera went away while the device was configuring. Close
			// the fresh handle and short-circuit to released without ever
			// issuing a request.
			s.logger.Debugw("camera closed during configure; short-circuiting release", "session", s.id)
			if e.Handle != nil {
				if err := e.Handle.Close(); err != nil {
					s.logger.Errorw("failed to close session handle", "session", s.id, "error", err)
				}
			}
			return s.releaseResourcesLocked()
		}
		s.handle = e.Handle
		after := appendFn(nil, s.setStateLocked(StateOpened))

		req, err := s.buildRepeatingLocked(nil)
		if err == nil {
			err = s.handle.SetRepeatingRequest(req, s.Handle)
		}
		if err != nil {
			s.logger.Errorw("failed to issue repeating request", "session", s.id, "error", err)
			after = append(after, s.beginReleaseLocked()...)
		}
		return after
	case StateReleasing:
		// Release arrived while still opening; finish closing the handle that
		// just materialized.
		s.handle = e.Handle
		if e.Handle != nil {
			if err := e.Handle.Close(); err != nil {
				s.logger.Errorw("failed to close session handle", "session", s.id, "error", err)
			}
		}
		return nil
	default:
		s.invariantLocked("configured")
		return nil
	}
}

func (s *CaptureSession) handleConfigureFailedLocked(e ConfigureFailed) []func() {
	switch s.state {
	case StateOpening, StateReleasing:
		s.logger.Errorw("capture session configuration failed", "session", s.id, "error", e.Err)
		after := appendFn(nil, s.setStateLocked(StateReleasing))
		if e.Handle != nil {
			s.handle = e.Handle
			if err := e.Handle.Close(); err != nil {
				s.logger.Errorw("failed to close session handle", "session", s.id, "error", err)
			}
			return after
		}
		// No handle ever materialized; nothing more will call back.
		return append(after, s.releaseResourcesLocked()...)
	default:
		s.invariantLocked("configure_failed")
		return nil
	}
}

// Capture submits a one-shot still capture built from the device's current
// characteristics merged with the caller's parameters (e.g. JPEG rotation and
// quality). Outcomes, including illegal-state failures, are reported through
// cb rather than returned or thrown.
func (s *CaptureSession) Capture(params map[RequestKey]interface{}, cb CaptureCallback) {
	if cb == nil {
		cb = func(error) {}
	}
	s.mu.Lock()
	if s.state != StateOpened {
		st := s.state
		s.mu.Unlock()
		cb(errors.Wrapf(ErrSessionNotOpen, "state is %q", st))
		return
	}
	builder, err := s.device.CreateRequestBuilder(TemplateStillCapture)
	if err != nil {
		s.mu.Unlock()
		cb(errors.Wrap(err, "failed to create still-capture builder"))
		return
	}
	targets := s.config.Readers
	if len(targets) == 0 {
		targets = []Surface{s.provider.Surface()}
	}
	for _, t := range targets {
		builder.AddTarget(t)
	}
	for k, v := range params {
		builder.Set(k, v)
	}
	req := builder.Build()

	deliver := func(ev SessionEvent) {
		switch e := ev.(type) {
		case CaptureCompleted:
			s.results.Put(e.Record)
			cb(nil)
		case CaptureFailed:
			cb(e.Err)
		}
	}
	err = s.handle.Capture(req, deliver)
	s.mu.Unlock()
	if err != nil {
		s.logger.Errorw("failed to submit still capture", "session", s.id, "error", err)
		cb(err)
	}
}

// DoRepeatingCaptureAction enqueues, on the session's executor, a reissue of
// the repeating preview request merged with extra parameters such as flash
// mode or AF/AE regions. If the session is not opened when the task runs, cb
// receives a capture-failure signal.
func (s *CaptureSession) DoRepeatingCaptureAction(extra map[RequestKey]interface{}, cb CaptureCallback) {
	if cb == nil {
		cb = func(error) {}
	}
	err := s.exec.Queue(func(Token) {
		s.mu.Lock()
		if s.state != StateOpened {
			st := s.state
			s.mu.Unlock()
			cb(errors.Wrapf(ErrSessionNotOpen, "state is %q", st))
			return
		}
		req, err := s.buildRepeatingLocked(extra)
		if err == nil {
			err = s.handle.SetRepeatingRequest(req, s.Handle)
		}
		s.mu.Unlock()
		cb(err)
	})
	if err != nil {
		cb(err)
	}
}

// Release begins an orderly close: opened sessions stop their repeating
// request and wait for the device's ready/closed callbacks; opening sessions
// mark themselves releasing so the pending configured callback
// short-circuits. Idempotent.
func (s *CaptureSession) Release() {
	var after []func()
	s.mu.Lock()
	switch s.state {
	case StateInitialized:
		after = s.releaseResourcesLocked()
	case StateOpening, StateOpened:
		after = s.beginReleaseLocked()
	case StateReleasing, StateReleased:
	}
	s.mu.Unlock()
	runAll(after)
}

// beginReleaseLocked moves to releasing and, when a handle exists, stops the
// repeating stream so the device will deliver ready and closed callbacks.
func (s *CaptureSession) beginReleaseLocked() []func() {
	after := appendFn(nil, s.setStateLocked(StateReleasing))
	if s.handle != nil {
		if err := s.handle.StopRepeating(); err != nil {
			s.logger.Errorw("failed to stop repeating request", "session", s.id, "error", err)
		}
	}
	return after
}

// ForceRelease tears the session down without waiting for device callbacks:
// the handle is closed and image-reader resources are released synchronously.
// Used for abnormal teardown.
func (s *CaptureSession) ForceRelease() {
	var after []func()
	s.mu.Lock()
	if s.state != StateReleased {
		if s.handle != nil {
			if err := s.handle.StopRepeating(); err != nil {
				s.logger.Debugw("failed to stop repeating request", "session", s.id, "error", err)
			}
			if err := s.handle.Close(); err != nil {
				s.logger.Errorw("failed to close session handle", "session", s.id, "error", err)
			}
		}
		if s.config != nil {
			for _, r := range s.config.Readers {
				if err := closeIfCloser(r); err != nil {
					s.logger.Errorw("failed to release image reader", "session", s.id, "error", err)
				}
			}
		}
		after = s.releaseResourcesLocked()
	}
	s.mu.Unlock()
	runAll(after)
}

// releaseResourcesLocked finalizes the terminal transition. The GL-side
// surface teardown is queued before the state flips to released so that
// callers observing the terminal state can rely on teardown being ordered
// ahead of any GL work they submit afterward; completion remains
// asynchronous.
func (s *CaptureSession) releaseResourcesLocked() []func() {
	if s.state == StateReleased {
		return nil
	}
	if s.surfaceTeardown != nil {
		s.surfaceTeardown()
		s.surfaceTeardown = nil
	}
	after := appendFn(nil, s.setStateLocked(StateReleased))
	s.handle = nil
	s.config = nil
	s.results.Clear()
	if s.provider != nil && !s.notifiedProvider {
		s.notifiedProvider = true
		provider := s.provider
		after = append(after, provider.SurfaceNoLongerInUse)
	}
	return after
}

// buildRepeatingLocked assembles the repeating preview request: all session
// surfaces plus the config's extra parameters, overridden by extra.
func (s *CaptureSession) buildRepeatingLocked(extra map[RequestKey]interface{}) (CaptureRequest, error) {
	builder, err := s.device.CreateRequestBuilder(TemplatePreview)
	if err != nil {
		return CaptureRequest{}, errors.Wrap(err, "failed to create preview builder")
	}
	for _, t := range s.config.surfaces() {
		builder.AddTarget(t)
	}
	for k, v := range s.config.Extra {
		builder.Set(k, v)
	}
	for k, v := range extra {
		builder.Set(k, v)
	}
	return builder.Build(), nil
}

func (s *CaptureSession) setStateLocked(next SessionState) func() {
	prev := s.state
	s.state = next
	s.logger.Debugw("capture session state transition",
		"session", s.id, "from", prev.String(), "to", next.String())
	if s.onStateChange == nil {
		return nil
	}
	cb := s.onStateChange
	return func() { cb(next) }
}

func (s *CaptureSession) invariantLocked(event string) {
	err := &InvariantError{State: s.state, Event: event}
	s.logger.Errorw("capture session invariant violated", "session", s.id, "error", err)
	if s.invariantPanics {
		panic(err)
	}
}

func appendFn(fns []func(), fn func()) []func() {
	if fn == nil {
		return fns
	}
	return append(fns, fn)
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
