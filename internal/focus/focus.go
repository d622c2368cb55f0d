// Package focus translates gesture input into focus-and-meter and zoom
// commands on the currently attached binding.
package focus

import (
	"errors"
	"sync"

	"github.com/tiroq/shutter/internal/camera"
	"github.com/tiroq/shutter/internal/diaglog"
)

// Target is the part of a binder lease the adapter drives.
type Target interface {
	WithHandle(fn func(h camera.Handle) error) error
}

// Adapter is safe for concurrent use. Without an attached target or a
// measured viewport every command is dropped silently.
type Adapter struct {
	logger *diaglog.Logger

	mu           sync.Mutex
	target       Target
	viewport     camera.Viewport
	zoom         float64
	meteringSize float64
}

// NewAdapter returns an adapter with zoom 0 and the default metering size.
func NewAdapter(logger *diaglog.Logger) *Adapter {
	return &Adapter{logger: logger, meteringSize: camera.DefaultMeteringSize}
}

// Attach points the adapter at t. Pass nil to detach.
func (a *Adapter) Attach(t Target) {
	a.mu.Lock()
	a.target = t
	a.mu.Unlock()
}

// SetViewport records the measured preview size.
func (a *Adapter) SetViewport(v camera.Viewport) {
	a.mu.Lock()
	a.viewport = v
	a.mu.Unlock()
}

// Viewport returns the last measured preview size.
func (a *Adapter) Viewport() camera.Viewport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.viewport
}

// Zoom returns the stored zoom level, always within [0,1].
func (a *Adapter) Zoom() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.zoom
}

// MeteringPoint normalizes view coordinates against v.
func MeteringPoint(v camera.Viewport, x, y, size float64) (camera.MeteringPoint, bool) {
	if !v.Measured() {
		return camera.MeteringPoint{}, false
	}
	return camera.MeteringPoint{
		X:    Clamp(x / v.Width),
		Y:    Clamp(y / v.Height),
		Size: size,
	}, true
}

// SetFocus issues focus-and-meter at view coordinates (x, y). It reports
// whether the command reached the hardware. done, if non-nil, is handed to
// the hardware and runs on its executor.
func (a *Adapter) SetFocus(x, y float64, done func(success bool)) bool {
	a.mu.Lock()
	target := a.target
	p, ok := MeteringPoint(a.viewport, x, y, a.meteringSize)
	a.mu.Unlock()

	if target == nil {
		a.skip("no_binding")
		return false
	}
	if !ok {
		a.skip("viewport_unmeasured")
		return false
	}
	if done == nil {
		done = func(bool) {}
	}

	err := target.WithHandle(func(h camera.Handle) error {
		if h.Control == nil {
			return camera.ErrReleased
		}
		return h.Control.StartFocusAndMetering(p, done)
	})
	if err != nil {
		a.failed("focus", err)
		return false
	}
	a.logger.Emit(diaglog.ComponentFocus, diaglog.EventFocusCommand, map[string]interface{}{
		"x": p.X,
		"y": p.Y,
	})
	return true
}

// SetZoom clamps ratio into [0,1], stores it and forwards it to the attached
// binding. It returns the stored value.
func (a *Adapter) SetZoom(ratio float64) float64 {
	z := Clamp(ratio)
	a.mu.Lock()
	a.zoom = z
	target := a.target
	a.mu.Unlock()

	if target == nil {
		return z
	}
	err := target.WithHandle(func(h camera.Handle) error {
		if h.Control == nil {
			return camera.ErrReleased
		}
		return h.Control.SetLinearZoom(z)
	})
	if err != nil {
		a.failed("zoom", err)
		return z
	}
	a.logger.Emit(diaglog.ComponentFocus, diaglog.EventZoomCommand, map[string]interface{}{"zoom": z})
	return z
}

// Clamp bounds v to [0,1]. NaN maps to 0.
func Clamp(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func (a *Adapter) skip(reason string) {
	a.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentFocus,
		Event:     diaglog.EventFocusSkipped,
		Reason:    reason,
	})
}

func (a *Adapter) failed(op string, err error) {
	event := diaglog.EventCommandFailed
	if errors.Is(err, camera.ErrReleased) {
		event = diaglog.EventFocusSkipped
	}
	a.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentFocus,
		Event:     event,
		Reason:    op,
		Payload:   map[string]interface{}{"error": err.Error()},
	})
}
