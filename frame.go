package capture

import (
	"sync"

	"github.com/pion/mediadevices/pkg/frame"
)

// A FrameBuffer is one decoded camera frame. The holder that consumes it must
// call Release exactly once; Release is idempotent so hand-off races cannot
// double-free the underlying buffer.
type FrameBuffer struct {
	Data   []byte
	Format frame.Format

	Width  int
	Height int

	// PTS is the presentation timestamp in nanoseconds, as stamped by the
	// hardware source. It keys this frame to its CaptureResultRecord.
	PTS int64

	releaseOnce sync.Once
	release     func()
}

// NewFrameBuffer wraps raw pixel data with its geometry and release func.
// release may be nil for buffers that need no recycling.
func NewFrameBuffer(data []byte, format frame.Format, width, height int, pts int64, release func()) *FrameBuffer {
	return &FrameBuffer{
		Data:    data,
		Format:  format,
		Width:   width,
		Height:  height,
		PTS:     pts,
		release: release,
	}
}

// Release returns the buffer to its producer. Safe to call more than once;
// only the first call has effect.
func (fb *FrameBuffer) Release() {
	fb.releaseOnce.Do(func() {
		if fb.release != nil {
			fb.release()
		}
	})
}

// A CaptureResultRecord is the per-frame metadata delivered by the device for
// one exposure, keyed by presentation timestamp. Records hold references to
// heavyweight native metadata, so they are released eagerly when matched or
// evicted instead of waiting for garbage collection.
type CaptureResultRecord struct {
	Timestamp int64

	FocusState FocusState
	Rotation   int
	Extra      map[string]interface{}

	releaseOnce sync.Once
	release     func()
}

// FocusState summarizes the auto-focus condition for one frame.
type FocusState int

// Focus states reported in capture results.
const (
	FocusInactive FocusState = iota
	FocusScanning
	FocusLocked
	FocusFailed
)

func (f FocusState) String() string {
	switch f {
	case FocusInactive:
		return "inactive"
	case FocusScanning:
		return "scanning"
	case FocusLocked:
		return "locked"
	case FocusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// NewCaptureResultRecord builds a record for the given timestamp. release may
// be nil.
func NewCaptureResultRecord(timestamp int64, release func()) *CaptureResultRecord {
	return &CaptureResultRecord{Timestamp: timestamp, release: release}
}

// Release frees the native metadata behind this record. Idempotent.
func (r *CaptureResultRecord) Release() {
	r.releaseOnce.Do(func() {
		if r.release != nil {
			r.release()
		}
	})
}
