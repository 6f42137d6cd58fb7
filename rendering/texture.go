// Package rendering runs the GL side of the capture pipeline: a single
// GL-thread task queue that pulls the latest camera texture, runs it through
// a fixed filter chain, and presents it to a display or diverts it into a
// snapshot. All GL calls require a capture.Token from the renderer's
// executor, so thread affinity is enforced by the API instead of convention.
package rendering

import (
	"sync"
	"sync/atomic"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	capture "github.com/viamrobotics/gocapture"
)

// A TextureID is an opaque GPU texture handle.
type TextureID uint32

// GL abstracts the subset of the GL driver the pipeline needs. Every method
// must run on the renderer's executor, which the token requirement enforces.
type GL interface {
	// CreateExternalTexture allocates a texture that hardware buffers can be
	// attached to.
	CreateExternalTexture(tok capture.Token) (TextureID, error)

	// CreateTexture allocates an ordinary render-target texture.
	CreateTexture(tok capture.Token, width, height int) (TextureID, error)

	DeleteTexture(tok capture.Token, tex TextureID)

	// AttachBuffer binds a hardware frame to an external texture. The texture
	// must be detached from any previous buffer first.
	AttachBuffer(tok capture.Token, tex TextureID, fb *capture.FrameBuffer) error

	DetachTexture(tok capture.Token, tex TextureID)

	// Blit draws src into dst, scaling between the given dimensions.
	Blit(tok capture.Token, src, dst TextureID, srcWidth, srcHeight, dstWidth, dstHeight int) error

	// ReadPixels copies a texture back into CPU-readable RGBA bytes.
	ReadPixels(tok capture.Token, tex TextureID, width, height int) ([]byte, error)
}

// ErrNoFrame is returned by a source's Update when no frame has arrived yet.
var ErrNoFrame = errors.New("no frame available to render")

// A Source produces camera textures for the renderer.
type Source interface {
	// NeedRender reports whether a new frame is waiting.
	NeedRender() bool

	// Update binds the most recent hardware buffer to an external texture via
	// the attach/detach handshake and returns the texture, its dimensions,
	// and the frame's presentation timestamp.
	Update(tok capture.Token) (TextureID, int, int, int64, error)

	// Detach releases the external texture and any held buffers.
	Detach(tok capture.Token)
}

// A BufferSource adapts decoded FrameBuffers into a renderable external
// texture. Frames may arrive from any goroutine; only the newest unrendered
// frame is kept, so a slow GL thread drops frames instead of queueing them.
type BufferSource struct {
	gl     GL
	logger golog.Logger

	mu       sync.Mutex
	tex      TextureID
	created  bool
	detached bool
	latest   *capture.FrameBuffer
	attached *capture.FrameBuffer

	dropped atomic.Int64
}

// NewBufferSource returns a source rendering through gl.
func NewBufferSource(gl GL, logger golog.Logger) *BufferSource {
	return &BufferSource{gl: gl, logger: logger}
}

// OnFrame accepts the newest decoded frame, releasing any frame that was
// still waiting to be rendered.
func (b *BufferSource) OnFrame(fb *FrameBuffer) {
	if fb == nil {
		return
	}
	b.mu.Lock()
	if b.detached {
		b.mu.Unlock()
		fb.Release()
		return
	}
	if b.latest != nil {
		b.latest.Release()
		b.dropped.Add(1)
	}
	b.latest = fb
	b.mu.Unlock()
}

// NeedRender reports whether an unrendered frame is waiting.
func (b *BufferSource) NeedRender() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest != nil
}

// Update implements Source. The previously attached buffer is detached and
// released before the new one is bound; a hardware buffer must only ever be
// attached to one consumer at a time.
func (b *BufferSource) Update(tok capture.Token) (TextureID, int, int, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	fb := b.latest
	b.latest = nil
	if fb == nil {
		if b.attached != nil {
			// Nothing new; re-render the currently attached frame.
			return b.tex, b.attached.Width, b.attached.Height, b.attached.PTS, nil
		}
		return 0, 0, 0, 0, ErrNoFrame
	}

	if !b.created {
		tex, err := b.gl.CreateExternalTexture(tok)
		if err != nil {
			fb.Release()
			return 0, 0, 0, 0, errors.Wrap(err, "failed to create external texture")
		}
		b.tex = tex
		b.created = true
	}
	if b.attached != nil {
		b.gl.DetachTexture(tok, b.tex)
		b.attached.Release()
		b.attached = nil
	}
	if err := b.gl.AttachBuffer(tok, b.tex, fb); err != nil {
		fb.Release()
		return 0, 0, 0, 0, errors.Wrap(err, "failed to attach frame to external texture")
	}
	b.attached = fb
	return b.tex, fb.Width, fb.Height, fb.PTS, nil
}

// Detach implements Source, releasing the texture and every held buffer.
// Idempotent.
func (b *BufferSource) Detach(tok capture.Token) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.detached = true
	if b.created {
		b.gl.DetachTexture(tok, b.tex)
		b.gl.DeleteTexture(tok, b.tex)
		b.created = false
	}
	if b.attached != nil {
		b.attached.Release()
		b.attached = nil
	}
	if b.latest != nil {
		b.latest.Release()
		b.latest = nil
	}
}

// Dropped returns how many frames were overwritten before the GL thread
// rendered them.
func (b *BufferSource) Dropped() int64 {
	return b.dropped.Load()
}

// FrameBuffer aliases the capture package's frame type for convenience.
type FrameBuffer = capture.FrameBuffer
