// Package camera defines the types shared by the capture pipeline and the
// contracts of the external collaborators it drives: the camera provider, the
// image and video outputs, and the storage sinks captures are written into.
package camera

import (
	"context"
	"io"
	"time"
)

// Selector picks the physical camera.
type Selector int

const (
	Back Selector = iota
	Front
)

// Toggle returns the other camera.
func (s Selector) Toggle() Selector {
	if s == Back {
		return Front
	}
	return Back
}

func (s Selector) String() string {
	if s == Front {
		return "front"
	}
	return "back"
}

// ParseSelector accepts "back" or "front".
func ParseSelector(v string) (Selector, bool) {
	switch v {
	case "back":
		return Back, true
	case "front":
		return Front, true
	}
	return Back, false
}

// Mode is the capture mode of the active screen.
type Mode string

const (
	ModePhoto Mode = "photo"
	ModeVideo Mode = "video"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModePhoto || m == ModeVideo
}

// Viewport is the measured size of the preview surface in pixels.
type Viewport struct {
	Width  float64
	Height float64
}

// Measured reports whether the preview has been laid out yet.
func (v Viewport) Measured() bool {
	return v.Width > 0 && v.Height > 0
}

// MeteringPoint is a focus/exposure target normalized to [0,1] on both axes.
type MeteringPoint struct {
	X    float64
	Y    float64
	Size float64 // normalized side of the metering region
}

// DefaultMeteringSize matches the usual hardware default (15% of the frame).
const DefaultMeteringSize = 0.15

// Control issues hardware commands against one bound camera.
type Control interface {
	// StartFocusAndMetering starts an asynchronous focus/metering run.
	// done is invoked from the provider's executor once the run completes.
	StartFocusAndMetering(p MeteringPoint, done func(success bool)) error
	// SetLinearZoom maps a [0,1] value onto the camera's zoom range.
	SetLinearZoom(zoom float64) error
}

// Destination describes where a capture should be stored.
type Destination struct {
	DisplayName string
	MIMEType    string
	Category    string // relative storage path, e.g. "Pictures/shutter"
}

// Sink is a writable target produced by a storage resolver. Exactly one of
// Commit or Abort must be called.
type Sink interface {
	io.Writer
	// Commit finalizes the written bytes. duration is zero for stills.
	Commit(duration time.Duration) error
	Abort() error
}

// Resolver turns a destination descriptor into a writable sink.
type Resolver interface {
	Resolve(dest Destination) (Sink, error)
}

// ImageCapture takes still pictures on a bound camera.
type ImageCapture interface {
	// TakePicture writes one image into sink asynchronously; done receives
	// nil or the write error and is called exactly once.
	TakePicture(sink Sink, done func(error))
}

// RecordEventKind enumerates the asynchronous recorder events.
type RecordEventKind int

const (
	EventStart RecordEventKind = iota
	EventStatus
	EventFinalize
)

func (k RecordEventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventStatus:
		return "status"
	case EventFinalize:
		return "finalize"
	}
	return "unknown"
}

// RecordEvent is delivered by the recorder while a recording is alive.
type RecordEvent struct {
	Kind             RecordEventKind
	RecordedDuration time.Duration // Status and Finalize
	Err              error         // Finalize only
}

// Recording is the handle of an in-progress video capture.
type Recording interface {
	// Stop requests the recorder to finish; completion arrives as a Finalize event.
	Stop() error
	// Close releases the handle without waiting for a finalize.
	Close() error
}

// VideoCapture starts recordings on a bound camera.
type VideoCapture interface {
	StartRecording(sink Sink, withAudio bool, onEvent func(RecordEvent)) (Recording, error)
}

// Preview identifies the preview stream of a binding.
type Preview struct {
	ID       string
	Selector Selector
}

// UseCase selects which capture output is bound next to the preview.
type UseCase int

const (
	UseImage UseCase = iota
	UseVideo
)

// UseCaseFor maps a screen mode onto its capture output.
func UseCaseFor(m Mode) UseCase {
	if m == ModeVideo {
		return UseVideo
	}
	return UseImage
}

// BindRequest is passed to Provider.Bind.
type BindRequest struct {
	Selector Selector
	UseCase  UseCase
}

// Handle is what a successful bind yields. Image or Video is nil depending on
// the requested use case.
type Handle struct {
	Preview Preview
	Control Control
	Image   ImageCapture
	Video   VideoCapture
}

// Provider is the process-wide camera hardware. Only one binding may be live
// at a time; implementations reject a Bind while another binding is held.
type Provider interface {
	// Ready blocks until the provider can accept binds.
	Ready(ctx context.Context) error
	Bind(ctx context.Context, req BindRequest) (Handle, error)
	// UnbindAll releases whatever binding is currently held.
	UnbindAll(ctx context.Context) error
}
