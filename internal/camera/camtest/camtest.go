// Package camtest provides an in-memory camera provider that records every
// command per binding and enforces the single-binding rule the way real
// hardware does.
package camtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tiroq/shutter/internal/camera"
)

// JPEGBytes is a minimal JPEG header, enough for content sniffing.
var JPEGBytes = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01, 0x01, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0xFF, 0xD9}

// MP4Bytes is a minimal ISO-BMFF ftyp box.
var MP4Bytes = []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'm', 'p', '4', '2', 0x00, 0x00, 0x00, 0x00, 'm', 'p', '4', '2', 'i', 's', 'o', 'm'}

// Provider is a fake camera.Provider.
type Provider struct {
	mu         sync.Mutex
	ready      chan struct{}
	bindErr    error
	bindHook   func(camera.BindRequest)
	live       *Binding
	bindings   []*Binding
	unbinds    int
	violations int
}

// NewProvider returns a provider that is ready immediately.
func NewProvider() *Provider {
	return &Provider{}
}

// HoldReady makes Ready block until ReleaseReady is called.
func (p *Provider) HoldReady() {
	p.mu.Lock()
	p.ready = make(chan struct{})
	p.mu.Unlock()
}

// ReleaseReady unblocks pending and future Ready calls.
func (p *Provider) ReleaseReady() {
	p.mu.Lock()
	if p.ready != nil {
		close(p.ready)
		p.ready = nil
	}
	p.mu.Unlock()
}

// FailBinds makes every subsequent Bind return err (nil clears it).
func (p *Provider) FailBinds(err error) {
	p.mu.Lock()
	p.bindErr = err
	p.mu.Unlock()
}

// OnBind installs a hook invoked at the start of Bind.
func (p *Provider) OnBind(fn func(camera.BindRequest)) {
	p.mu.Lock()
	p.bindHook = fn
	p.mu.Unlock()
}

func (p *Provider) Ready(ctx context.Context) error {
	p.mu.Lock()
	ready := p.ready
	p.mu.Unlock()
	if ready == nil {
		return ctx.Err()
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) Bind(ctx context.Context, req camera.BindRequest) (camera.Handle, error) {
	p.mu.Lock()
	hook := p.bindHook
	p.mu.Unlock()
	if hook != nil {
		hook(req)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return camera.Handle{}, err
	}
	if p.bindErr != nil {
		return camera.Handle{}, p.bindErr
	}
	if p.live != nil {
		p.violations++
		return camera.Handle{}, camera.ErrBusy
	}

	b := &Binding{ID: len(p.bindings) + 1, Request: req}
	b.Control = &Control{binding: b}
	h := camera.Handle{
		Preview: camera.Preview{ID: fmt.Sprintf("preview-%d", b.ID), Selector: req.Selector},
		Control: b.Control,
	}
	switch req.UseCase {
	case camera.UseVideo:
		b.Video = &VideoCapture{binding: b}
		h.Video = b.Video
	default:
		b.Image = &ImageCapture{binding: b}
		h.Image = b.Image
	}
	p.live = b
	p.bindings = append(p.bindings, b)
	return h, nil
}

func (p *Provider) UnbindAll(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unbinds++
	if p.live != nil {
		p.live.setUnbound()
		p.live = nil
	}
	return nil
}

// Bindings returns every binding ever created, oldest first.
func (p *Provider) Bindings() []*Binding {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Binding(nil), p.bindings...)
}

// Last returns the most recent binding or nil.
func (p *Provider) Last() *Binding {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.bindings) == 0 {
		return nil
	}
	return p.bindings[len(p.bindings)-1]
}

// Live returns the binding currently holding the hardware.
func (p *Provider) Live() *Binding {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Unbinds counts UnbindAll calls.
func (p *Provider) Unbinds() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unbinds
}

// Violations counts binds attempted while another binding was live.
func (p *Provider) Violations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.violations
}

// Binding is one successful Bind.
type Binding struct {
	ID      int
	Request camera.BindRequest
	Control *Control
	Image   *ImageCapture
	Video   *VideoCapture

	mu      sync.Mutex
	unbound bool
}

func (b *Binding) setUnbound() {
	b.mu.Lock()
	b.unbound = true
	b.mu.Unlock()
}

// Unbound reports whether the provider released this binding.
func (b *Binding) Unbound() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unbound
}

// Control records focus and zoom commands.
type Control struct {
	binding *Binding

	mu        sync.Mutex
	focus     []camera.MeteringPoint
	focusDone []func(bool)
	zoom      []float64
	stale     int
}

func (c *Control) StartFocusAndMetering(p camera.MeteringPoint, done func(bool)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.binding.Unbound() {
		c.stale++
		return camera.ErrReleased
	}
	c.focus = append(c.focus, p)
	c.focusDone = append(c.focusDone, done)
	return nil
}

func (c *Control) SetLinearZoom(z float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.binding.Unbound() {
		c.stale++
		return camera.ErrReleased
	}
	c.zoom = append(c.zoom, z)
	return nil
}

// CompleteFocus fires the done callback of the latest focus command.
func (c *Control) CompleteFocus(success bool) {
	c.mu.Lock()
	var done func(bool)
	if n := len(c.focusDone); n > 0 {
		done = c.focusDone[n-1]
	}
	c.mu.Unlock()
	if done != nil {
		done(success)
	}
}

// FocusPoints returns issued metering points.
func (c *Control) FocusPoints() []camera.MeteringPoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]camera.MeteringPoint(nil), c.focus...)
}

// Zooms returns issued zoom values.
func (c *Control) Zooms() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.zoom...)
}

// StaleCommands counts commands that reached this control after unbind.
func (c *Control) StaleCommands() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

// ImageCapture writes JPEGBytes into the sink.
type ImageCapture struct {
	binding *Binding

	mu    sync.Mutex
	shots int
	fail  error
}

// FailWith makes subsequent pictures fail with err.
func (i *ImageCapture) FailWith(err error) {
	i.mu.Lock()
	i.fail = err
	i.mu.Unlock()
}

func (i *ImageCapture) TakePicture(sink camera.Sink, done func(error)) {
	i.mu.Lock()
	i.shots++
	fail := i.fail
	i.mu.Unlock()

	if fail != nil {
		_ = sink.Abort()
		done(fail)
		return
	}
	if _, err := sink.Write(JPEGBytes); err != nil {
		_ = sink.Abort()
		done(err)
		return
	}
	done(sink.Commit(0))
}

// Shots counts TakePicture calls.
func (i *ImageCapture) Shots() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.shots
}

// VideoCapture hands out Recordings driven by the test.
type VideoCapture struct {
	binding *Binding

	mu         sync.Mutex
	recordings []*Recording
	startErr   error
}

// FailStart makes the next StartRecording calls fail with err.
func (v *VideoCapture) FailStart(err error) {
	v.mu.Lock()
	v.startErr = err
	v.mu.Unlock()
}

func (v *VideoCapture) StartRecording(sink camera.Sink, withAudio bool, onEvent func(camera.RecordEvent)) (camera.Recording, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.startErr != nil {
		return nil, v.startErr
	}
	r := &Recording{sink: sink, onEvent: onEvent, WithAudio: withAudio}
	v.recordings = append(v.recordings, r)
	return r, nil
}

// Recordings returns every recording started on this output.
func (v *VideoCapture) Recordings() []*Recording {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]*Recording(nil), v.recordings...)
}

// Last returns the latest recording or nil.
func (v *VideoCapture) Last() *Recording {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.recordings) == 0 {
		return nil
	}
	return v.recordings[len(v.recordings)-1]
}

// Recording is a fake camera.Recording; the test emits its events.
type Recording struct {
	WithAudio bool

	sink    camera.Sink
	onEvent func(camera.RecordEvent)

	mu      sync.Mutex
	stopped int
	closed  int
}

func (r *Recording) Stop() error {
	r.mu.Lock()
	r.stopped++
	r.mu.Unlock()
	return nil
}

func (r *Recording) Close() error {
	r.mu.Lock()
	r.closed++
	r.mu.Unlock()
	return nil
}

// Stopped reports whether Stop was called.
func (r *Recording) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped > 0
}

// Closed reports whether Close was called.
func (r *Recording) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed > 0
}

// Emit delivers ev to the registered callback.
func (r *Recording) Emit(ev camera.RecordEvent) {
	r.onEvent(ev)
}

// Started emits a Start event.
func (r *Recording) Started() { r.Emit(camera.RecordEvent{Kind: camera.EventStart}) }

// Status emits a Status event with the elapsed duration.
func (r *Recording) Status(d time.Duration) {
	r.Emit(camera.RecordEvent{Kind: camera.EventStatus, RecordedDuration: d})
}

// Finalize writes MP4Bytes, commits or aborts the sink and emits Finalize.
func (r *Recording) Finalize(d time.Duration, err error) {
	if err == nil {
		_, _ = r.sink.Write(MP4Bytes)
		_ = r.sink.Commit(d)
	} else {
		_ = r.sink.Abort()
	}
	r.Emit(camera.RecordEvent{Kind: camera.EventFinalize, RecordedDuration: d, Err: err})
}

// MemorySink is a camera.Sink kept in memory.
type MemorySink struct {
	mu        sync.Mutex
	Dest      camera.Destination
	data      []byte
	committed bool
	aborted   bool
	duration  time.Duration
}

func (s *MemorySink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, p...)
	return len(p), nil
}

func (s *MemorySink) Commit(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = true
	s.duration = d
	return nil
}

func (s *MemorySink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	return nil
}

// Committed reports whether Commit was called.
func (s *MemorySink) Committed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// Aborted reports whether Abort was called.
func (s *MemorySink) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Resolver hands out MemorySinks and remembers them.
type Resolver struct {
	mu    sync.Mutex
	sinks []*MemorySink
	err   error
}

// FailWith makes Resolve return err.
func (r *Resolver) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *Resolver) Resolve(dest camera.Destination) (camera.Sink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	s := &MemorySink{Dest: dest}
	r.sinks = append(r.sinks, s)
	return s, nil
}

// Sinks returns every resolved sink.
func (r *Resolver) Sinks() []*MemorySink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*MemorySink(nil), r.sinks...)
}

// Bytes returns a copy of the written data.
func (s *MemorySink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

// Duration returns the duration passed to Commit.
func (s *MemorySink) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}
