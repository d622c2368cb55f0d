// Package recording drives start/stop of video recordings and folds the
// recorder's asynchronous events into an Idle/Recording state.
package recording

import (
	"errors"
	"fmt"
	"path"
	"time"

	"k8s.io/utils/clock"

	"github.com/tiroq/shutter/internal/camera"
	"github.com/tiroq/shutter/internal/diaglog"
	"github.com/tiroq/shutter/internal/permission"
)

// MIMEType of every recording written by this package.
const MIMEType = "video/mp4"

// State is the caller-visible recording state.
type State int

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	if s == Recording {
		return "recording"
	}
	return "idle"
}

// Target is the part of a binder lease a recording starts against.
type Target interface {
	WithHandle(fn func(h camera.Handle) error) error
}

// Notify hands a recorder event back to the owner of the state machine,
// tagged with the recording it belongs to. It is called from the recorder's
// executor and must not block.
type Notify func(seq uint64, ev camera.RecordEvent)

var errNoVideoOutput = errors.New("no video output bound")

// StateMachine is not safe for concurrent use; the session controller owns it
// and feeds recorder events back in through HandleEvent.
type StateMachine struct {
	resolver camera.Resolver
	gate     permission.Gate
	clock    clock.PassiveClock
	folder   string
	notify   Notify
	logger   *diaglog.Logger

	state    State
	handle   camera.Recording
	seq      uint64 // sequence of the active handle, 0 when none
	lastSeq  uint64
	duration time.Duration
	dest     camera.Destination
}

// NewStateMachine creates an idle state machine writing under Movies/<folder>.
func NewStateMachine(resolver camera.Resolver, gate permission.Gate, clk clock.PassiveClock, folder string, notify Notify, logger *diaglog.Logger) *StateMachine {
	if notify == nil {
		notify = func(uint64, camera.RecordEvent) {}
	}
	return &StateMachine{
		resolver: resolver,
		gate:     gate,
		clock:    clk,
		folder:   folder,
		notify:   notify,
		logger:   logger,
		state:    Idle,
	}
}

// Destination names a recording started at unix-millisecond ms.
func Destination(ms int64, folder string) camera.Destination {
	return camera.Destination{
		DisplayName: fmt.Sprintf("Video_%d", ms),
		MIMEType:    MIMEType,
		Category:    path.Join("Movies", folder),
	}
}

// Toggle starts a recording when none is active and stops it otherwise.
func (sm *StateMachine) Toggle(t Target) {
	if sm.handle == nil {
		sm.Start(t)
		return
	}
	sm.Stop()
}

// Start begins recording on t's video output. It is a no-op when audio
// recording is not granted right now or no video output is bound. It reports
// whether the recorder accepted the request.
func (sm *StateMachine) Start(t Target) bool {
	if sm.handle != nil {
		return false
	}
	if !sm.gate.IsGranted(permission.RecordAudio) {
		sm.reject(camera.ErrPermissionDenied)
		return false
	}
	if t == nil {
		sm.reject(camera.ErrReleased)
		return false
	}

	sm.lastSeq++
	seq := sm.lastSeq
	dest := Destination(sm.clock.Now().UnixMilli(), sm.folder)

	var rec camera.Recording
	err := t.WithHandle(func(h camera.Handle) error {
		if h.Video == nil {
			return errNoVideoOutput
		}
		sink, err := sm.resolver.Resolve(dest)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", dest.DisplayName, err)
		}
		r, err := h.Video.StartRecording(sink, true, func(ev camera.RecordEvent) {
			sm.notify(seq, ev)
		})
		if err != nil {
			_ = sink.Abort()
			return fmt.Errorf("start recording: %w", err)
		}
		rec = r
		return nil
	})
	if err != nil {
		sm.reject(err)
		return false
	}

	sm.handle = rec
	sm.seq = seq
	sm.dest = dest
	sm.emit(diaglog.EventRecordingStart, map[string]interface{}{
		"display_name": dest.DisplayName,
	})
	return true
}

// Stop asks the recorder to finish and returns to Idle at once, without
// waiting for the finalize event.
func (sm *StateMachine) Stop() {
	if sm.handle == nil {
		return
	}
	if err := sm.handle.Stop(); err != nil {
		sm.emit(diaglog.EventCommandFailed, map[string]interface{}{"op": "stop", "error": err.Error()})
	}
	sm.emit(diaglog.EventRecordingStop, map[string]interface{}{"duration_ms": sm.duration.Milliseconds()})
	sm.handle = nil
	sm.seq = 0
	sm.state = Idle
	sm.duration = 0
}

// HandleEvent applies a recorder event. Events for a recording other than the
// active one are ignored.
func (sm *StateMachine) HandleEvent(seq uint64, ev camera.RecordEvent) {
	if sm.handle == nil || seq != sm.seq {
		return
	}
	sm.emit(diaglog.EventRecordingEvent, map[string]interface{}{
		"kind":        ev.Kind.String(),
		"duration_ms": ev.RecordedDuration.Milliseconds(),
	})

	switch ev.Kind {
	case camera.EventStart:
		sm.state = Recording
	case camera.EventStatus:
		if sm.state == Recording && ev.RecordedDuration > sm.duration {
			sm.duration = ev.RecordedDuration
		}
	case camera.EventFinalize:
		if ev.Err != nil {
			sm.emit(diaglog.EventRecordingFinalizeError, map[string]interface{}{
				"error": fmt.Errorf("%w: %w", camera.ErrRecordingFinalize, ev.Err).Error(),
			})
			if err := sm.handle.Close(); err != nil {
				sm.emit(diaglog.EventCommandFailed, map[string]interface{}{"op": "close", "error": err.Error()})
			}
		}
		sm.handle = nil
		sm.seq = 0
		sm.state = Idle
		sm.duration = 0
	}
}

// State returns the caller-visible state.
func (sm *StateMachine) State() State {
	return sm.state
}

// IsRecording reports whether the recorder confirmed the active recording.
func (sm *StateMachine) IsRecording() bool {
	return sm.state == Recording
}

// Active reports whether a recording handle is held, confirmed or not.
func (sm *StateMachine) Active() bool {
	return sm.handle != nil
}

// Duration is the elapsed time reported by the recorder; zero when Idle.
func (sm *StateMachine) Duration() time.Duration {
	return sm.duration
}

// Destination returns where the active recording is written.
func (sm *StateMachine) Destination() (camera.Destination, bool) {
	return sm.dest, sm.handle != nil
}

func (sm *StateMachine) reject(err error) {
	sm.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentRecording,
		Event:     diaglog.EventRecordingStartRejected,
		Reason:    err.Error(),
	})
}

func (sm *StateMachine) emit(event string, payload map[string]interface{}) {
	sm.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentRecording,
		Event:     event,
		SessionID: fmt.Sprintf("rec-%d", sm.lastSeq),
		Payload:   payload,
	})
}
