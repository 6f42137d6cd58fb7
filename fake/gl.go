package fake

import (
	"sync"

	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pkg/errors"

	capture "github.com/viamrobotics/gocapture"
	"github.com/viamrobotics/gocapture/rendering"
)

// GL is an in-memory GL driver that tracks texture lifetimes and records the
// pixel contents attached to external textures, so tests can assert on
// attach/detach ordering and snapshot readback without a real GPU.
type GL struct {
	mu       sync.Mutex
	nextID   rendering.TextureID
	textures map[rendering.TextureID]*texture

	blits   int
	attachs int
	detachs int
}

type texture struct {
	external bool
	attached *capture.FrameBuffer
	w, h     int
	pix      []byte
}

// NewGL returns an empty driver.
func NewGL() *GL {
	return &GL{textures: map[rendering.TextureID]*texture{}}
}

// CreateExternalTexture implements rendering.GL.
func (g *GL) CreateExternalTexture(capture.Token) (rendering.TextureID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	g.textures[g.nextID] = &texture{external: true}
	return g.nextID, nil
}

// CreateTexture implements rendering.GL.
func (g *GL) CreateTexture(_ capture.Token, w, h int) (rendering.TextureID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	g.textures[g.nextID] = &texture{w: w, h: h, pix: make([]byte, w*h*4)}
	return g.nextID, nil
}

// DeleteTexture implements rendering.GL.
func (g *GL) DeleteTexture(_ capture.Token, tex rendering.TextureID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.textures, tex)
}

// AttachBuffer implements rendering.GL.
func (g *GL) AttachBuffer(_ capture.Token, tex rendering.TextureID, fb *capture.FrameBuffer) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.textures[tex]
	if !ok || !t.external {
		return errors.Errorf("texture %d is not an external texture", tex)
	}
	if t.attached != nil {
		return errors.Errorf("texture %d already has a buffer attached", tex)
	}
	t.attached = fb
	t.w, t.h = fb.Width, fb.Height
	t.pix = fb.Data
	g.attachs++
	return nil
}

// DetachTexture implements rendering.GL.
func (g *GL) DetachTexture(_ capture.Token, tex rendering.TextureID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.textures[tex]; ok {
		t.attached = nil
	}
	g.detachs++
}

// Blit implements rendering.GL by copying source pixels when the sizes match
// and otherwise just marking the destination written.
func (g *GL) Blit(_ capture.Token, src, dst rendering.TextureID, srcW, srcH, dstW, dstH int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.textures[src]
	if !ok {
		return errors.Errorf("blit source texture %d does not exist", src)
	}
	d, ok := g.textures[dst]
	if !ok {
		return errors.Errorf("blit destination texture %d does not exist", dst)
	}
	if srcW == dstW && srcH == dstH && len(s.pix) == len(d.pix) {
		copy(d.pix, s.pix)
	}
	g.blits++
	return nil
}

// ReadPixels implements rendering.GL.
func (g *GL) ReadPixels(_ capture.Token, tex rendering.TextureID, w, h int) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.textures[tex]
	if !ok {
		return nil, errors.Errorf("texture %d does not exist", tex)
	}
	out := make([]byte, w*h*4)
	copy(out, t.pix)
	return out, nil
}

// LiveTextures returns how many textures are currently allocated.
func (g *GL) LiveTextures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.textures)
}

// AttachCount returns how many buffers were attached.
func (g *GL) AttachCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attachs
}

// DetachCount returns how many detaches were issued.
func (g *GL) DetachCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.detachs
}

// A Display records presented frames.
type Display struct {
	W, H int

	mu        sync.Mutex
	presented int
	lastTex   rendering.TextureID
}

// NewDisplay returns a display of the given size.
func NewDisplay(w, h int) *Display {
	return &Display{W: w, H: h}
}

// Size implements rendering.Display.
func (d *Display) Size() (int, int) {
	return d.W, d.H
}

// Present implements rendering.Display.
func (d *Display) Present(_ capture.Token, tex rendering.TextureID, _, _ int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.presented++
	d.lastTex = tex
	return nil
}

// Presented returns how many frames were presented.
func (d *Display) Presented() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.presented
}

// NewFrame returns a gray RGBA frame with the given geometry and timestamp.
// release may be nil.
func NewFrame(w, h int, pts int64, release func()) *capture.FrameBuffer {
	data := make([]byte, w*h*4)
	for i := range data {
		data[i] = 0x80
	}
	return capture.NewFrameBuffer(data, frame.FormatRGBA, w, h, pts, release)
}
