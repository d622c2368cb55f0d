package ipc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// FocusStatus is the pending or last focus request.
type FocusStatus struct {
	ID       string    `json:"id"`
	X        float64   `json:"x"`
	Y        float64   `json:"y"`
	Result   string    `json:"result"` // "pending", "succeeded", "failed"
	IssuedAt time.Time `json:"issued_at"`
}

// StatusSnapshot is the daemon state published after every change
type StatusSnapshot struct {
	Visible            bool         `json:"visible"`
	PermissionGranted  bool         `json:"permission_granted"`
	Permissions        []string     `json:"permissions,omitempty"`
	Selector           string       `json:"selector"` // "back" or "front"
	Mode               string       `json:"mode"`     // "photo" or "video"
	Bound              bool         `json:"bound"`
	PreviewID          string       `json:"preview_id,omitempty"`
	Zoom               float64      `json:"zoom"`
	Focus              *FocusStatus `json:"focus,omitempty"`
	Flash              bool         `json:"flash"`
	Recording          bool         `json:"recording"`
	RecordingActive    bool         `json:"recording_active"`
	RecordedDurationMs int64        `json:"recorded_duration_ms"`
	DaemonConnected    bool         `json:"daemon_connected"`
	DaemonVersion      string       `json:"daemon_version,omitempty"`
	LastAction         string       `json:"last_action"`
	LastError          string       `json:"last_error"`
	Timestamp          time.Time    `json:"timestamp"`
}

// StatusPath is the snapshot file inside dir.
func StatusPath(dir string) string {
	return filepath.Join(dir, "status.json")
}

// WriteStatus persists status into dir using an atomic write
func WriteStatus(dir string, status *StatusSnapshot) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return atomicWriteJSON(StatusPath(dir), status)
}

// ReadStatus loads the snapshot from dir
func ReadStatus(dir string) (*StatusSnapshot, error) {
	data, err := os.ReadFile(StatusPath(dir))
	if err != nil {
		return nil, err
	}

	var status StatusSnapshot
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// atomicWriteJSON writes data to a file atomically using temp file + rename
func atomicWriteJSON(path string, data interface{}) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "status-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return err
	}

	if err := tmpFile.Sync(); err != nil {
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	tmpFile = nil

	return os.Rename(tmpPath, path)
}
