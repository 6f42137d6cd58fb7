package capture

// A SessionEvent is one asynchronous notification from the OS camera service.
// The set is closed; the state machine's transition function switches over it
// instead of implementing per-platform callback interfaces.
type SessionEvent interface {
	sessionEvent()
}

// Configured reports that the device finished configuring a session and
// carries the live handle.
type Configured struct {
	Handle SessionHandle
}

// ConfigureFailed reports that session configuration failed. The handle, if
// any, must still be closed.
type ConfigureFailed struct {
	Handle SessionHandle
	Err    error
}

// Ready reports that the session has gone idle (no in-flight requests).
type Ready struct{}

// Closed reports that the session has fully closed on the device side.
type Closed struct{}

// CaptureStarted reports the start of exposure for a submitted request.
type CaptureStarted struct {
	Timestamp int64
}

// CaptureCompleted carries the per-frame metadata for a completed capture,
// repeating or one-shot.
type CaptureCompleted struct {
	Record *CaptureResultRecord
}

// CaptureFailed reports a failed capture submission or exposure.
type CaptureFailed struct {
	Err error
}

func (Configured) sessionEvent()       {}
func (ConfigureFailed) sessionEvent()  {}
func (Ready) sessionEvent()            {}
func (Closed) sessionEvent()           {}
func (CaptureStarted) sessionEvent()   {}
func (CaptureCompleted) sessionEvent() {}
func (CaptureFailed) sessionEvent()    {}

func eventName(ev SessionEvent) string {
	switch ev.(type) {
	case Configured:
		return "configured"
	case ConfigureFailed:
		return "configure_failed"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	case CaptureStarted:
		return "capture_started"
	case CaptureCompleted:
		return "capture_completed"
	case CaptureFailed:
		return "capture_failed"
	default:
		return "unknown"
	}
}
