// Package capture coordinates hardware camera capture-session lifecycles and
// the hand-off of decoded frames to downstream consumers.
//
// The package is organized around three serialized execution domains: the
// camera-ops executor on which all calls into the camera device must run, the
// OS callback path that delivers SessionEvents, and the GL executor owned by
// the rendering package. Frame ownership follows a release-func discipline:
// whoever holds a FrameBuffer last must release it exactly once.
package capture

import "io"

// RequestTemplate selects the base characteristics of a capture request.
type RequestTemplate int

// The templates supported by capture sessions.
const (
	TemplatePreview RequestTemplate = iota + 1
	TemplateStillCapture
)

func (t RequestTemplate) String() string {
	switch t {
	case TemplatePreview:
		return "preview"
	case TemplateStillCapture:
		return "still_capture"
	default:
		return "unknown"
	}
}

// RequestKey names a single tunable parameter on a capture request.
type RequestKey string

// Request parameters understood by the builders this package drives. Devices
// may support additional keys of their own.
const (
	KeyJPEGRotation RequestKey = "jpeg_rotation"
	KeyJPEGQuality  RequestKey = "jpeg_quality"
	KeyFlashMode    RequestKey = "flash_mode"
	KeyAFRegions    RequestKey = "af_regions"
	KeyAERegions    RequestKey = "ae_regions"
)

// A Surface is a destination the camera device streams image buffers into.
type Surface interface {
	// Size returns the buffer dimensions in pixels.
	Size() (width, height int)
}

// A SurfaceProvider owns the preview surface handed to a session and is told
// when the session has fully closed and the surface may be reused or torn
// down.
type SurfaceProvider interface {
	Surface() Surface

	// SurfaceNoLongerInUse is called at most once per session, after the
	// session has reached its terminal state.
	SurfaceNoLongerInUse()
}

// A CaptureRequest describes one submission to the camera device, either
// repeating (preview) or one-shot (still capture).
type CaptureRequest struct {
	Template RequestTemplate
	Targets  []Surface
	Params   map[RequestKey]interface{}
}

// A RequestBuilder assembles a CaptureRequest from a device's current
// characteristics. Builders are single-use and not safe for concurrent use.
type RequestBuilder interface {
	AddTarget(s Surface)
	Set(key RequestKey, value interface{})
	Build() CaptureRequest
}

// A CameraDevice is the subset of an OS camera service bound to one physical
// camera. All methods must be called from the camera-ops executor.
type CameraDevice interface {
	ID() string

	// CreateSession asks the device to configure a capture session streaming
	// into the given surfaces. The result arrives asynchronously: a Configured
	// event carrying the live SessionHandle, or a ConfigureFailed event. The
	// deliver func may be invoked from an arbitrary OS callback goroutine.
	CreateSession(surfaces []Surface, deliver func(SessionEvent)) error

	// CreateRequestBuilder returns a fresh builder seeded from the device's
	// characteristics for the given template.
	CreateRequestBuilder(template RequestTemplate) (RequestBuilder, error)
}

// A SessionHandle is a live, configured OS capture session.
type SessionHandle interface {
	// SetRepeatingRequest installs req as the continuously reissued preview
	// request. Per-frame metadata arrives through deliver as CaptureCompleted
	// events.
	SetRepeatingRequest(req CaptureRequest, deliver func(SessionEvent)) error

	// Capture submits a one-shot request. Its outcome arrives through deliver
	// as a CaptureCompleted or CaptureFailed event.
	Capture(req CaptureRequest, deliver func(SessionEvent)) error

	StopRepeating() error

	// Close begins an asynchronous close. A Closed event follows once the
	// device has quiesced.
	Close() error
}

// A CaptureCallback reports the outcome of a one-shot capture or a repeating
// capture action. A nil error means the request was accepted and completed.
type CaptureCallback func(err error)

// closeIfCloser closes surfaces that own releasable resources, e.g.
// side-channel image readers backed by native buffers.
func closeIfCloser(s Surface) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
