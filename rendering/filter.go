package rendering

import (
	"github.com/pkg/errors"

	capture "github.com/viamrobotics/gocapture"
)

// A Filter is one GPU image transform in the render chain. The pipeline
// sequences SetInputTexture, SetInputSize, SetOutputSize, Prepare, and Draw
// deterministically per frame; the transform itself is opaque.
type Filter interface {
	SetInputTexture(tex TextureID)
	SetInputSize(width, height int)
	SetOutputSize(width, height int)

	// Prepare allocates GL resources for the current output size. Called
	// before Draw whenever the configuration changed.
	Prepare(tok capture.Token) error

	// Draw renders the input into the filter's target and returns it.
	Draw(tok capture.Token) (TextureID, error)

	// Release frees the filter's GL resources.
	Release(tok capture.Token)
}

// A SnapshotFilter additionally exposes its rendered target as CPU-readable
// pixels.
type SnapshotFilter interface {
	Filter
	Pixels(tok capture.Token) ([]byte, int, int, error)
}

// A Display presents a finished texture to the screen or window surface.
type Display interface {
	Size() (width, height int)
	Present(tok capture.Token, tex TextureID, width, height int) error
}

// targetFilter is the shared render-to-texture mechanics behind the concrete
// filters.
type targetFilter struct {
	gl GL

	input      TextureID
	inW, inH   int
	outW, outH int
	target     TextureID
	targetW    int
	targetH    int
	hasTarget  bool
}

func (f *targetFilter) SetInputTexture(tex TextureID) { f.input = tex }
func (f *targetFilter) SetInputSize(w, h int)         { f.inW, f.inH = w, h }
func (f *targetFilter) SetOutputSize(w, h int)        { f.outW, f.outH = w, h }

func (f *targetFilter) Prepare(tok capture.Token) error {
	if f.outW <= 0 || f.outH <= 0 {
		return errors.Errorf("filter output size not set (%dx%d)", f.outW, f.outH)
	}
	if f.hasTarget && (f.targetW != f.outW || f.targetH != f.outH) {
		f.gl.DeleteTexture(tok, f.target)
		f.hasTarget = false
	}
	if !f.hasTarget {
		target, err := f.gl.CreateTexture(tok, f.outW, f.outH)
		if err != nil {
			return errors.Wrap(err, "failed to allocate filter target")
		}
		f.target = target
		f.targetW, f.targetH = f.outW, f.outH
		f.hasTarget = true
	}
	return nil
}

func (f *targetFilter) Draw(tok capture.Token) (TextureID, error) {
	if !f.hasTarget {
		if err := f.Prepare(tok); err != nil {
			return 0, err
		}
	}
	if err := f.gl.Blit(tok, f.input, f.target, f.inW, f.inH, f.outW, f.outH); err != nil {
		return 0, err
	}
	return f.target, nil
}

func (f *targetFilter) Release(tok capture.Token) {
	if f.hasTarget {
		f.gl.DeleteTexture(tok, f.target)
		f.hasTarget = false
	}
}

// A CropFilter trims the camera texture to the display's aspect ratio before
// scaling.
type CropFilter struct {
	targetFilter
}

// NewCropFilter returns a crop filter rendering through gl.
func NewCropFilter(gl GL) *CropFilter {
	return &CropFilter{targetFilter{gl: gl}}
}

// A TransformFilter applies rotation and mirroring, e.g. to compensate for
// sensor orientation on front-facing cameras.
type TransformFilter struct {
	targetFilter

	// Rotation is in degrees, clockwise, a multiple of 90.
	Rotation int
	// MirrorX flips the image horizontally.
	MirrorX bool
}

// NewTransformFilter returns a transform filter rendering through gl.
func NewTransformFilter(gl GL, rotation int, mirrorX bool) *TransformFilter {
	return &TransformFilter{targetFilter: targetFilter{gl: gl}, Rotation: rotation, MirrorX: mirrorX}
}

// SetOutputSize accounts for rotation swapping the output axes.
func (f *TransformFilter) SetOutputSize(w, h int) {
	if f.Rotation%180 != 0 {
		w, h = h, w
	}
	f.targetFilter.SetOutputSize(w, h)
}

// A PixelReader renders into a target like any filter and can copy the target
// back out as CPU-readable RGBA bytes for snapshot export.
type PixelReader struct {
	targetFilter
}

// NewPixelReader returns a snapshot filter rendering through gl.
func NewPixelReader(gl GL) *PixelReader {
	return &PixelReader{targetFilter{gl: gl}}
}

// Pixels reads the last drawn target back to the CPU.
func (f *PixelReader) Pixels(tok capture.Token) ([]byte, int, int, error) {
	if !f.hasTarget {
		return nil, 0, 0, errors.New("snapshot filter has not drawn yet")
	}
	pix, err := f.gl.ReadPixels(tok, f.target, f.targetW, f.targetH)
	if err != nil {
		return nil, 0, 0, errors.Wrap(err, "failed to read snapshot pixels")
	}
	return pix, f.targetW, f.targetH, nil
}
