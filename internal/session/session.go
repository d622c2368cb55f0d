// Package session is the per-screen camera controller. Every caller
// operation and every hardware callback is funneled through one inbox and
// applied by a single goroutine (Run), so controller state has exactly one
// writer.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/tiroq/shutter/internal/binder"
	"github.com/tiroq/shutter/internal/camera"
	"github.com/tiroq/shutter/internal/diaglog"
	"github.com/tiroq/shutter/internal/focus"
	"github.com/tiroq/shutter/internal/permission"
	"github.com/tiroq/shutter/internal/photo"
	"github.com/tiroq/shutter/internal/recording"
)

const (
	DefaultFocusTTL      = 1000 * time.Millisecond
	DefaultFlashDuration = 50 * time.Millisecond
)

// Config holds the controller's startup values.
type Config struct {
	Selector      camera.Selector
	Mode          camera.Mode
	Folder        string // app folder under Pictures/ and Movies/
	FocusTTL      time.Duration
	FlashDuration time.Duration
}

// Deps are the external collaborators.
type Deps struct {
	Provider camera.Provider
	Resolver camera.Resolver
	Gate     permission.Gate
	Clock    clock.WithDelayedExecution
	Logger   *diaglog.Logger
}

// FocusResult is the outcome of a focus run as reported by the hardware.
type FocusResult int

const (
	FocusPending FocusResult = iota
	FocusSucceeded
	FocusFailed
)

func (r FocusResult) String() string {
	switch r {
	case FocusSucceeded:
		return "succeeded"
	case FocusFailed:
		return "failed"
	}
	return "pending"
}

// FocusRequest is the indicator shown at a tap location.
type FocusRequest struct {
	ID       uuid.UUID
	X        float64
	Y        float64
	IssuedAt time.Time
	Result   FocusResult
}

// Snapshot is the observable controller state.
type Snapshot struct {
	Visible           bool
	PermissionGranted bool
	Selector          camera.Selector
	Mode              camera.Mode
	Bound             bool
	PreviewID         string
	Zoom              float64
	HasFocus          bool
	Focus             FocusRequest
	Flash             bool
	Recording         recording.State
	RecordingActive   bool
	RecordedDuration  time.Duration
}

type bindKey struct {
	visible  bool
	granted  bool
	selector camera.Selector
	mode     camera.Mode
}

type published struct {
	snap        Snapshot
	focusExpiry time.Time
	flashExpiry time.Time
}

// Controller orchestrates binding, gestures and capture for one screen.
type Controller struct {
	cfg    Config
	gate   permission.Gate
	clock  clock.WithDelayedExecution
	logger *diaglog.Logger

	binder *binder.Binder
	focus  *focus.Adapter
	photo  *photo.Session
	rec    *recording.StateMachine

	box     *mailbox
	stopped chan struct{}

	// Owned by the Run goroutine.
	runCtx      context.Context
	visible     bool
	granted     bool
	selector    camera.Selector
	mode        camera.Mode
	key         bindKey
	lease       *binder.Lease
	bindGen     uint64
	scopeCancel context.CancelFunc
	focusReq    *FocusRequest
	focusExpiry time.Time
	focusTimer  clock.Timer
	flashExpiry time.Time
	flashTimer  clock.Timer

	pubMu    sync.RWMutex
	pub      published
	onChange func(Snapshot)
}

// New wires a controller. Call Run to start processing.
func New(deps Deps, cfg Config) *Controller {
	if cfg.FocusTTL <= 0 {
		cfg.FocusTTL = DefaultFocusTTL
	}
	if cfg.FlashDuration <= 0 {
		cfg.FlashDuration = DefaultFlashDuration
	}
	if !cfg.Mode.Valid() {
		cfg.Mode = camera.ModePhoto
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}

	c := &Controller{
		cfg:      cfg,
		gate:     deps.Gate,
		clock:    deps.Clock,
		logger:   deps.Logger,
		binder:   binder.New(deps.Provider, deps.Logger),
		focus:    focus.NewAdapter(deps.Logger),
		photo:    photo.New(deps.Resolver, deps.Clock, cfg.Folder, deps.Logger),
		box:      newMailbox(),
		stopped:  make(chan struct{}),
		selector: cfg.Selector,
		mode:     cfg.Mode,
		granted:  deps.Gate.IsGranted(permission.Camera),
	}
	c.rec = recording.NewStateMachine(deps.Resolver, deps.Gate, deps.Clock, cfg.Folder, func(seq uint64, ev camera.RecordEvent) {
		c.box.push(func() { c.rec.HandleEvent(seq, ev) })
	}, deps.Logger)
	c.pub.snap = c.snapshotLocked()
	return c
}

// OnChange registers fn to receive every new snapshot. fn runs on the
// controller goroutine and must not call back into the controller.
func (c *Controller) OnChange(fn func(Snapshot)) {
	c.pubMu.Lock()
	c.onChange = fn
	c.pubMu.Unlock()
}

// Run processes the inbox until ctx ends, then tears the binding down.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.stopped)
	c.runCtx = ctx
	c.reconcile()
	c.publish()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			c.publish()
			return nil
		case <-c.box.notify:
			for _, fn := range c.box.drain() {
				fn()
			}
			c.publish()
		}
	}
}

// do runs fn on the controller goroutine and waits for it. It reports false
// if the controller has stopped.
func (c *Controller) do(fn func()) bool {
	done := make(chan struct{})
	c.box.push(func() {
		fn()
		c.publish()
		close(done)
	})
	select {
	case <-done:
		return true
	case <-c.stopped:
		return false
	}
}

// SetVisible reports whether the screen is in the foreground.
func (c *Controller) SetVisible(v bool) {
	c.do(func() {
		c.visible = v
		c.reconcile()
	})
}

// SetPermissionGranted reports the camera permission state.
func (c *Controller) SetPermissionGranted(granted bool) {
	c.do(func() {
		c.granted = granted
		c.reconcile()
	})
}

// SyncPermission re-reads the camera permission from the gate.
func (c *Controller) SyncPermission() {
	c.do(func() {
		c.granted = c.gate.IsGranted(permission.Camera)
		c.reconcile()
	})
}

// RequestPermission asks the gate for the permissions the current mode
// needs, then re-reads the camera permission.
func (c *Controller) RequestPermission(ctx context.Context) error {
	perms := permission.PhotoSet()
	if c.Snapshot().Mode == camera.ModeVideo {
		perms = permission.VideoSet()
	}
	err := c.gate.RequestGrant(ctx, perms...)
	c.SyncPermission()
	return err
}

// SetMode switches between photo and video. An active recording is stopped.
func (c *Controller) SetMode(m camera.Mode) {
	if !m.Valid() {
		return
	}
	c.do(func() {
		c.mode = m
		c.reconcile()
	})
}

// SetViewport records the measured preview size used for tap normalization.
func (c *Controller) SetViewport(v camera.Viewport) {
	c.do(func() { c.focus.SetViewport(v) })
}

// OnTap focuses at view coordinates (x, y) and shows a focus indicator there.
func (c *Controller) OnTap(x, y float64) {
	c.do(func() {
		id := uuid.New()
		c.focus.SetFocus(x, y, func(ok bool) {
			c.box.push(func() { c.focusCompleted(id, ok) })
		})
		now := c.clock.Now()
		c.focusReq = &FocusRequest{ID: id, X: x, Y: y, IssuedAt: now}
		c.focusExpiry = now.Add(c.cfg.FocusTTL)
		if c.focusTimer != nil {
			c.focusTimer.Stop()
		}
		c.focusTimer = c.clock.AfterFunc(c.cfg.FocusTTL, func() {
			c.box.push(func() { c.expireFocus(id) })
		})
	})
}

// OnPinch scales the zoom relative to its current value.
func (c *Controller) OnPinch(factor float64) {
	c.do(func() {
		c.focus.SetZoom(focus.Clamp(c.focus.Zoom() - (1 - factor)))
	})
}

// OnCapture takes a photo or toggles recording depending on the mode.
func (c *Controller) OnCapture() {
	c.do(func() {
		if c.mode == camera.ModeVideo {
			c.rec.Toggle(c.target())
			return
		}
		c.photo.TakePhoto(c.target())
		c.showFlash()
	})
}

// target is the current lease, or an untyped nil when unbound.
func (c *Controller) target() interface {
	WithHandle(fn func(h camera.Handle) error) error
} {
	if c.lease == nil {
		return nil
	}
	return c.lease
}

// OnSwitchCamera toggles between back and front. Ignored while recording.
func (c *Controller) OnSwitchCamera() {
	c.do(func() {
		if c.rec.Active() {
			c.logger.Log(diaglog.LogEntry{
				Component: diaglog.ComponentSession,
				Event:     diaglog.EventSwitchRejected,
				Reason:    "recording_active",
			})
			return
		}
		c.selector = c.selector.Toggle()
		c.reconcile()
	})
}

// Rebind drops the current binding and binds again with the same inputs.
// Used after the camera backend lost its session.
func (c *Controller) Rebind() {
	c.do(func() {
		c.key = bindKey{}
		c.reconcile()
	})
}

// Snapshot returns the current state. Focus and flash visibility are
// evaluated against the clock at the time of the call.
func (c *Controller) Snapshot() Snapshot {
	c.pubMu.RLock()
	p := c.pub
	c.pubMu.RUnlock()

	now := c.clock.Now()
	if p.snap.HasFocus && !now.Before(p.focusExpiry) {
		p.snap.HasFocus = false
		p.snap.Focus = FocusRequest{}
	}
	if p.snap.Flash && !now.Before(p.flashExpiry) {
		p.snap.Flash = false
	}
	return p.snap
}

// reconcile rebinds when any binding input changed.
func (c *Controller) reconcile() {
	key := bindKey{visible: c.visible, granted: c.granted, selector: c.selector, mode: c.mode}
	if key == c.key {
		return
	}
	c.key = key
	c.teardown()
	if !key.visible || !key.granted || c.runCtx == nil {
		return
	}

	c.bindGen++
	gen := c.bindGen
	ctx, cancel := context.WithCancel(c.runCtx)
	c.scopeCancel = cancel
	req := c.binder.Begin(ctx, key.selector, key.mode)
	go func() {
		lease, err := req.Wait()
		c.box.push(func() { c.bound(gen, lease, err) })
	}()
}

func (c *Controller) bound(gen uint64, lease *binder.Lease, err error) {
	if gen != c.bindGen {
		if lease != nil {
			lease.Release()
		}
		return
	}
	if err != nil {
		// Absorbed: the screen simply shows no preview.
		c.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentSession,
			Event:     diaglog.EventBindFailed,
			Payload:   map[string]interface{}{"error": err.Error()},
		})
		return
	}
	c.lease = lease
	c.focus.Attach(lease)
}

// teardown ends the current screen scope. Safe to repeat.
func (c *Controller) teardown() {
	if c.rec.Active() {
		c.rec.Stop()
	}
	c.focus.Attach(nil)
	c.bindGen++
	if c.scopeCancel != nil {
		c.scopeCancel()
		c.scopeCancel = nil
	}
	if c.lease != nil {
		c.lease.Release()
		c.lease = nil
	}
}

func (c *Controller) shutdown() {
	c.teardown()
	c.binder.Close()
	if c.focusTimer != nil {
		c.focusTimer.Stop()
	}
	if c.flashTimer != nil {
		c.flashTimer.Stop()
	}
	c.focusReq = nil
	c.flashExpiry = time.Time{}
}

func (c *Controller) focusCompleted(id uuid.UUID, ok bool) {
	c.logger.Emit(diaglog.ComponentFocus, diaglog.EventFocusComplete, map[string]interface{}{
		"id":      id.String(),
		"success": ok,
	})
	if c.focusReq == nil || c.focusReq.ID != id {
		return
	}
	if ok {
		c.focusReq.Result = FocusSucceeded
	} else {
		c.focusReq.Result = FocusFailed
	}
}

func (c *Controller) expireFocus(id uuid.UUID) {
	if c.focusReq != nil && c.focusReq.ID == id {
		c.focusReq = nil
	}
}

func (c *Controller) showFlash() {
	c.flashExpiry = c.clock.Now().Add(c.cfg.FlashDuration)
	if c.flashTimer != nil {
		c.flashTimer.Stop()
	}
	c.flashTimer = c.clock.AfterFunc(c.cfg.FlashDuration, func() {
		c.box.push(func() {})
	})
}

// snapshotLocked builds a snapshot from loop-owned state.
func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		Visible:           c.visible,
		PermissionGranted: c.granted,
		Selector:          c.selector,
		Mode:              c.mode,
		Zoom:              c.focus.Zoom(),
		Flash:             !c.flashExpiry.IsZero(),
		Recording:         c.rec.State(),
		RecordingActive:   c.rec.Active(),
		RecordedDuration:  c.rec.Duration(),
	}
	if c.lease != nil && c.lease.Valid() {
		s.Bound = true
		s.PreviewID = c.lease.Preview().ID
	}
	if c.focusReq != nil {
		s.HasFocus = true
		s.Focus = *c.focusReq
	}
	return s
}

func (c *Controller) publish() {
	now := c.clock.Now()
	if !c.flashExpiry.IsZero() && !now.Before(c.flashExpiry) {
		c.flashExpiry = time.Time{}
	}
	if c.focusReq != nil && !now.Before(c.focusExpiry) {
		c.focusReq = nil
	}
	p := published{snap: c.snapshotLocked(), focusExpiry: c.focusExpiry, flashExpiry: c.flashExpiry}

	c.pubMu.Lock()
	changed := p.snap != c.pub.snap
	c.pub = p
	fn := c.onChange
	c.pubMu.Unlock()

	if changed && fn != nil {
		fn(c.Snapshot())
	}
}
