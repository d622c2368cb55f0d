package camera

import "errors"

var (
	// ErrBinding is returned when the provider is unavailable or a bind lost a race.
	ErrBinding = errors.New("camera binding failed")
	// ErrSuperseded marks a bind that was overtaken by a newer request.
	ErrSuperseded = &wrapped{msg: "bind superseded by a newer request", base: ErrBinding}
	// ErrBusy is returned by providers while another client holds the hardware.
	ErrBusy = &wrapped{msg: "camera hardware already bound", base: ErrBinding}
	// ErrPermissionDenied means a required permission was not granted.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrCapture is an image write failure.
	ErrCapture = errors.New("image capture failed")
	// ErrRecordingFinalize is a recorder-reported finalize failure.
	ErrRecordingFinalize = errors.New("recording finalize failed")
	// ErrReleased is returned by operations on an invalidated lease.
	ErrReleased = errors.New("binding released")
)

type wrapped struct {
	msg  string
	base error
}

func (w *wrapped) Error() string { return w.msg }
func (w *wrapped) Unwrap() error { return w.base }
