// Package recorder implements video capture on top of the camera daemon.
// Recordings are started and stopped over camws; the chunks the daemon
// streams back are written into the storage sink handed to StartRecording.
package recorder

import (
	"context"
	"time"

	"github.com/tiroq/shutter/internal/camws"
)

// RecorderState summarises the recorder for status reporting.
type RecorderState struct {
	Connected   bool
	BackendName string // "camd"
	Active      int    // recordings not yet finalized
}

// Backend is the slice of the camera daemon client the recorder drives.
type Backend interface {
	StartRecording(ctx context.Context, bindingID, recordingID string, withAudio bool) error
	StopRecording(ctx context.Context, recordingID string) error
	CloseRecording(ctx context.Context, recordingID string) error
	OnEvent(handler func(camws.Event))
	OnDisconnected(handler func())
	IsConnected() bool
}

// DefaultRequestTimeout bounds each recording request.
const DefaultRequestTimeout = 5 * time.Second

var _ Backend = (*camws.Client)(nil)
