package capture

import (
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pkg/errors"
)

// A SessionConfig describes everything a capture session should stream to.
// It is supplied by the caller and read-only to the state machine; replacing
// the configuration of a camera means releasing its session and opening a new
// one.
type SessionConfig struct {
	// CameraID selects the device within the repository.
	CameraID string

	// Preview describes the requested preview geometry and frame rate.
	Preview prop.Video

	// Provider owns the preview surface and is notified once the session has
	// fully closed.
	Provider SurfaceProvider

	// Readers are side-channel image-reader surfaces (e.g. the analyzer's
	// input or a still-capture JPEG reader) attached alongside the preview.
	Readers []Surface

	// Extra parameters merged into every repeating request issued for this
	// session.
	Extra map[RequestKey]interface{}

	// ResultListener, if set, observes every per-frame metadata record as it
	// arrives. The record stays owned by the session's result cache.
	ResultListener func(*CaptureResultRecord)

	// SurfaceTeardown, if set, is queued before the session reports released.
	// It is the hook by which the owning render pipeline schedules
	// destruction of GL resources onto the GL executor; completion is
	// asynchronous but ordered before any later GL work.
	SurfaceTeardown func()
}

// Validate checks the parts of the config the state machine depends on.
func (c *SessionConfig) Validate() error {
	if c.CameraID == "" {
		return errors.New("session config requires a camera ID")
	}
	if c.Provider == nil {
		return errors.New("session config requires a surface provider")
	}
	if c.Preview.Width < 0 || c.Preview.Height < 0 {
		return errors.Errorf("got illegal negative preview dimensions (%d, %d)",
			c.Preview.Width, c.Preview.Height)
	}
	if c.Preview.FrameRate < 0 {
		return errors.Errorf("got illegal negative preview frame rate (%.2f)", c.Preview.FrameRate)
	}
	return nil
}

// surfaces returns the full target set for session creation: the preview
// surface first, then the side-channel readers.
func (c *SessionConfig) surfaces() []Surface {
	out := make([]Surface, 0, len(c.Readers)+1)
	out = append(out, c.Provider.Surface())
	out = append(out, c.Readers...)
	return out
}
