// Package fake provides in-memory camera devices, surfaces, and a GL driver
// for tests and demos. Event delivery is explicit: tests trigger the OS
// callbacks themselves, from whatever goroutine they choose.
package fake

import (
	"sync"

	"github.com/pkg/errors"

	capture "github.com/viamrobotics/gocapture"
)

// A Surface is a fixed-size stream target.
type Surface struct {
	W, H int

	mu     sync.Mutex
	closed int
}

// NewSurface returns a surface of the given size.
func NewSurface(w, h int) *Surface {
	return &Surface{W: w, H: h}
}

// Size implements capture.Surface.
func (s *Surface) Size() (int, int) {
	return s.W, s.H
}

// Close counts teardown calls, standing in for releasing a native image
// reader.
func (s *Surface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// CloseCount returns how many times Close was called.
func (s *Surface) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// A SurfaceProvider hands out one surface and records release notifications.
type SurfaceProvider struct {
	S *Surface

	mu        sync.Mutex
	notNeeded int
}

// NewSurfaceProvider wraps a surface of the given size.
func NewSurfaceProvider(w, h int) *SurfaceProvider {
	return &SurfaceProvider{S: NewSurface(w, h)}
}

// Surface implements capture.SurfaceProvider.
func (p *SurfaceProvider) Surface() capture.Surface {
	return p.S
}

// SurfaceNoLongerInUse implements capture.SurfaceProvider.
func (p *SurfaceProvider) SurfaceNoLongerInUse() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notNeeded++
}

// ReleaseCount returns how many times the surface was reported unused.
func (p *SurfaceProvider) ReleaseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notNeeded
}

// A RequestBuilder assembles capture requests without consulting real camera
// characteristics.
type RequestBuilder struct {
	template capture.RequestTemplate
	targets  []capture.Surface
	params   map[capture.RequestKey]interface{}
}

// AddTarget implements capture.RequestBuilder.
func (b *RequestBuilder) AddTarget(s capture.Surface) {
	b.targets = append(b.targets, s)
}

// Set implements capture.RequestBuilder.
func (b *RequestBuilder) Set(key capture.RequestKey, value interface{}) {
	b.params[key] = value
}

// Build implements capture.RequestBuilder.
func (b *RequestBuilder) Build() capture.CaptureRequest {
	return capture.CaptureRequest{
		Template: b.template,
		Targets:  b.targets,
		Params:   b.params,
	}
}

// A Device is a scriptable camera device. CreateSession stores the deliver
// func; the test (or demo driver) fires events through DeliverEvent as the OS
// camera service would.
type Device struct {
	Name string

	// FailCreate, if set, makes CreateSession fail synchronously.
	FailCreate error

	mu           sync.Mutex
	deliver      func(capture.SessionEvent)
	createdWith  [][]capture.Surface
	builderCount int
}

// NewDevice returns a device with the given ID.
func NewDevice(name string) *Device {
	return &Device{Name: name}
}

// ID implements capture.CameraDevice.
func (d *Device) ID() string {
	return d.Name
}

// CreateSession implements capture.CameraDevice.
func (d *Device) CreateSession(surfaces []capture.Surface, deliver func(capture.SessionEvent)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailCreate != nil {
		return d.FailCreate
	}
	d.deliver = deliver
	d.createdWith = append(d.createdWith, surfaces)
	return nil
}

// CreateRequestBuilder implements capture.CameraDevice.
func (d *Device) CreateRequestBuilder(template capture.RequestTemplate) (capture.RequestBuilder, error) {
	d.mu.Lock()
	d.builderCount++
	d.mu.Unlock()
	return &RequestBuilder{
		template: template,
		params:   map[capture.RequestKey]interface{}{},
	}, nil
}

// DeliverEvent fires a session-state event as the OS camera service would.
// No-op if no session was ever created.
func (d *Device) DeliverEvent(ev capture.SessionEvent) {
	d.mu.Lock()
	deliver := d.deliver
	d.mu.Unlock()
	if deliver != nil {
		deliver(ev)
	}
}

// CreateCount returns how many sessions were requested.
func (d *Device) CreateCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.createdWith)
}

// LastSurfaces returns the surfaces of the most recent session request.
func (d *Device) LastSurfaces() []capture.Surface {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.createdWith) == 0 {
		return nil
	}
	return d.createdWith[len(d.createdWith)-1]
}

// A Handle records everything submitted to a live session.
type Handle struct {
	// FailRepeating and FailCapture make the respective submissions fail.
	FailRepeating error
	FailCapture   error

	mu          sync.Mutex
	repeating   []capture.CaptureRequest
	repeatingFn func(capture.SessionEvent)
	oneShots    []capture.CaptureRequest
	oneShotFns  []func(capture.SessionEvent)
	stopCalls   int
	closeCalls  int
}

// NewHandle returns an empty handle.
func NewHandle() *Handle {
	return &Handle{}
}

// SetRepeatingRequest implements capture.SessionHandle.
func (h *Handle) SetRepeatingRequest(req capture.CaptureRequest, deliver func(capture.SessionEvent)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailRepeating != nil {
		return h.FailRepeating
	}
	h.repeating = append(h.repeating, req)
	h.repeatingFn = deliver
	return nil
}

// Capture implements capture.SessionHandle.
func (h *Handle) Capture(req capture.CaptureRequest, deliver func(capture.SessionEvent)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailCapture != nil {
		return h.FailCapture
	}
	h.oneShots = append(h.oneShots, req)
	h.oneShotFns = append(h.oneShotFns, deliver)
	return nil
}

// StopRepeating implements capture.SessionHandle.
func (h *Handle) StopRepeating() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopCalls++
	return nil
}

// Close implements capture.SessionHandle.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeCalls++
	return nil
}

// DeliverRepeating fires an event on the repeating stream's deliver func,
// e.g. per-frame CaptureCompleted metadata.
func (h *Handle) DeliverRepeating(ev capture.SessionEvent) {
	h.mu.Lock()
	fn := h.repeatingFn
	h.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// DeliverOneShot fires an event for the i-th one-shot capture.
func (h *Handle) DeliverOneShot(i int, ev capture.SessionEvent) error {
	h.mu.Lock()
	if i < 0 || i >= len(h.oneShotFns) {
		h.mu.Unlock()
		return errors.Errorf("no one-shot capture at index %d", i)
	}
	fn := h.oneShotFns[i]
	h.mu.Unlock()
	fn(ev)
	return nil
}

// RepeatingRequests returns every repeating request installed so far.
func (h *Handle) RepeatingRequests() []capture.CaptureRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]capture.CaptureRequest, len(h.repeating))
	copy(out, h.repeating)
	return out
}

// OneShotRequests returns every one-shot request submitted so far.
func (h *Handle) OneShotRequests() []capture.CaptureRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]capture.CaptureRequest, len(h.oneShots))
	copy(out, h.oneShots)
	return out
}

// StopCount returns how many times StopRepeating was called.
func (h *Handle) StopCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopCalls
}

// CloseCount returns how many times Close was called.
func (h *Handle) CloseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeCalls
}

// A Repository serves a fixed set of devices.
type Repository struct {
	mu      sync.Mutex
	devices map[string]capture.CameraDevice
}

// NewRepository returns a repository over the given devices.
func NewRepository(devices ...*Device) *Repository {
	r := &Repository{devices: map[string]capture.CameraDevice{}}
	for _, d := range devices {
		r.devices[d.Name] = d
	}
	return r
}

// Device implements capture.CameraRepository.
func (r *Repository) Device(id string) (capture.CameraDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, errors.Errorf("no camera %q", id)
	}
	return d, nil
}
