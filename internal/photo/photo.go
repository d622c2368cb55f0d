// Package photo issues one-shot still captures against the bound image output.
package photo

import (
	"errors"
	"fmt"
	"path"

	"k8s.io/utils/clock"

	"github.com/tiroq/shutter/internal/camera"
	"github.com/tiroq/shutter/internal/diaglog"
)

// MIMEType of every still written by this package.
const MIMEType = "image/jpeg"

// Target is the part of a binder lease a capture runs against.
type Target interface {
	WithHandle(fn func(h camera.Handle) error) error
}

var errNoImageOutput = errors.New("no image output bound")

// Session builds destinations and starts captures. Results are only logged.
type Session struct {
	resolver camera.Resolver
	clock    clock.PassiveClock
	folder   string
	logger   *diaglog.Logger
}

// New creates a photo session writing under Pictures/<folder>.
func New(resolver camera.Resolver, clk clock.PassiveClock, folder string, logger *diaglog.Logger) *Session {
	return &Session{resolver: resolver, clock: clk, folder: folder, logger: logger}
}

// Destination names a still captured at unix-millisecond ms.
func Destination(ms int64, folder string) camera.Destination {
	return camera.Destination{
		DisplayName: fmt.Sprintf("JPEG_%d.jpg", ms),
		MIMEType:    MIMEType,
		Category:    path.Join("Pictures", folder),
	}
}

// TakePhoto asks the bound image output to write one picture. It reports
// whether a capture was started; with no image output bound it does nothing.
func (s *Session) TakePhoto(t Target) bool {
	if t == nil {
		s.skip("no_binding")
		return false
	}
	dest := Destination(s.clock.Now().UnixMilli(), s.folder)

	err := t.WithHandle(func(h camera.Handle) error {
		if h.Image == nil {
			return errNoImageOutput
		}
		sink, err := s.resolver.Resolve(dest)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", dest.DisplayName, err)
		}
		s.logger.Emit(diaglog.ComponentPhoto, diaglog.EventPhotoRequested, map[string]interface{}{
			"display_name": dest.DisplayName,
		})
		h.Image.TakePicture(sink, func(err error) { s.done(dest, err) })
		return nil
	})
	switch {
	case err == nil:
		return true
	case errors.Is(err, errNoImageOutput), errors.Is(err, camera.ErrReleased):
		s.skip(err.Error())
	default:
		s.done(dest, err)
	}
	return false
}

func (s *Session) done(dest camera.Destination, err error) {
	if err == nil {
		s.logger.Emit(diaglog.ComponentPhoto, diaglog.EventPhotoSaved, map[string]interface{}{
			"display_name": dest.DisplayName,
		})
		return
	}
	s.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentPhoto,
		Event:     diaglog.EventPhotoFailed,
		Payload: map[string]interface{}{
			"display_name": dest.DisplayName,
			"error":        fmt.Errorf("%w: %w", camera.ErrCapture, err).Error(),
		},
	})
}

func (s *Session) skip(reason string) {
	s.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentPhoto,
		Event:     diaglog.EventPhotoSkipped,
		Reason:    reason,
	})
}
