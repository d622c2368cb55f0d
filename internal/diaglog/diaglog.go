// Package diaglog provides structured NDJSON diagnostic logging for the camera
// session. Activated by SHUTTER_DEBUG_RECORDING=true. When the variable is
// absent every Log call is a no-op and no file is created.
package diaglog

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// EnvDebug is the variable that switches diagnostic logging on.
const EnvDebug = "SHUTTER_DEBUG_RECORDING"

// ── Component labels ─────────────────────────────────────────────────────────

const (
	ComponentCamWS     = "camws-client"
	ComponentReconnect = "reconnect-handler"
	ComponentBinder    = "binder"
	ComponentFocus     = "focus-zoom"
	ComponentPhoto     = "photo"
	ComponentRecording = "recording"
	ComponentSession   = "session"
	ComponentMedia     = "media"
	ComponentDiagExp   = "diag-export"
	ComponentDaemon    = "shutterd"
)

// ── Event names ──────────────────────────────────────────────────────────────

const (
	EventWSSend             = "ws_send"
	EventWSRecv             = "ws_recv"
	EventWSConnect          = "ws_connect"
	EventWSDisconnect       = "ws_disconnect"
	EventWSReconnectAttempt = "ws_reconnect_attempt"
	EventWSReconnectSuccess = "ws_reconnect_success"
	EventWSReconnectFailed  = "ws_reconnect_failed"

	EventBindRequested  = "bind_requested"
	EventBindReady      = "bind_ready"
	EventBindSuperseded = "bind_superseded"
	EventBindFailed     = "bind_failed"
	EventLeaseReleased  = "lease_released"

	EventFocusCommand  = "focus_command"
	EventFocusSkipped  = "focus_skipped"
	EventFocusComplete = "focus_complete"
	EventZoomCommand   = "zoom_command"
	EventCommandFailed = "command_failed"

	EventPhotoRequested = "photo_requested"
	EventPhotoSkipped   = "photo_skipped"
	EventPhotoSaved     = "photo_saved"
	EventPhotoFailed    = "photo_failed"

	EventRecordingStart         = "recording_start"
	EventRecordingStartRejected = "recording_start_rejected"
	EventRecordingStop          = "recording_stop"
	EventRecordingEvent         = "recording_event"
	EventRecordingFinalizeError = "recording_finalize_error"

	EventSwitchRejected = "switch_rejected"
	EventMediaCommitted = "media_committed"
	EventMediaDeleted   = "media_deleted"
)

// ── LogEntry ─────────────────────────────────────────────────────────────────

// LogEntry is one structured event record written as a single JSON line.
type LogEntry struct {
	Timestamp string      `json:"ts"`                   // RFC3339Nano
	Component string      `json:"component"`            // see Component* constants
	Event     string      `json:"event"`                // see Event* constants
	SessionID string      `json:"session_id,omitempty"` // binding or recording correlation id
	Reason    string      `json:"reason,omitempty"`
	Payload   interface{} `json:"payload,omitempty"` // redacted before write
}

// ── Logger ───────────────────────────────────────────────────────────────────

// Logger writes LogEntry values to a rolling NDJSON file. When debug mode is
// disabled every Log call is a no-op. A nil *Logger is also a no-op.
type Logger struct {
	rw      *rollingWriter
	mu      sync.Mutex
	enabled bool
}

// DefaultMaxSize caps the live log file before it is rotated.
const DefaultMaxSize = 10 * 1024 * 1024

// New opens (or creates) the NDJSON log file at path. If debug mode is
// disabled, path is ignored and a no-op logger is returned.
func New(path string) (*Logger, error) {
	if !IsDebugEnabled() {
		return &Logger{enabled: false}, nil
	}
	rw, err := newRollingWriter(path, DefaultMaxSize)
	if err != nil {
		return nil, err
	}
	return &Logger{rw: rw, enabled: true}, nil
}

// Log serialises entry to JSON and appends it to the rolling file.
// Sensitive payload fields are redacted before serialisation.
func (l *Logger) Log(entry LogEntry) {
	if l == nil || !l.enabled {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Payload != nil {
		entry.Payload = Redact(entry.Payload)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.rw.Write(data)
}

// Emit is shorthand for Log with a component, an event and a flat payload.
func (l *Logger) Emit(component, event string, payload map[string]interface{}) {
	l.Log(LogEntry{Component: component, Event: event, Payload: payload})
}

// Enabled reports whether entries are actually written.
func (l *Logger) Enabled() bool {
	return l != nil && l.enabled
}

// Close flushes and closes the underlying file. Safe on nil/disabled logger.
func (l *Logger) Close() error {
	if l == nil || !l.enabled || l.rw == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rw.close()
}

// IsDebugEnabled reports whether SHUTTER_DEBUG_RECORDING is set to "true".
func IsDebugEnabled() bool {
	return os.Getenv(EnvDebug) == "true"
}

// NewNoOp returns a logger where every Log call is a no-op. Use as a safe
// fallback when New fails (e.g., disk full, permissions error).
func NewNoOp() *Logger {
	return &Logger{enabled: false}
}
