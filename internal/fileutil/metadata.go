// Package fileutil provides capture file utilities: safe names, unique
// destinations and the sidecar metadata written next to each video.
package fileutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CaptureMetadata is the sidecar metadata written alongside each video.
type CaptureMetadata struct {
	Version     string    `json:"version"`
	DisplayName string    `json:"display_name"`
	MIMEType    string    `json:"mime_type"`
	CapturedAt  time.Time `json:"captured_at"`
	Duration    string    `json:"duration"`
	DurationMs  int64     `json:"duration_ms"`
	SizeBytes   int64     `json:"size_bytes"`
	Backend     string    `json:"backend,omitempty"`
	OutputFile  string    `json:"output_file"`
}

// NewCaptureMetadata fills the duration fields from d.
func NewCaptureMetadata(displayName, mimeType string, capturedAt time.Time, d time.Duration) *CaptureMetadata {
	return &CaptureMetadata{
		Version:     "1",
		DisplayName: displayName,
		MIMEType:    mimeType,
		CapturedAt:  capturedAt,
		Duration:    d.String(),
		DurationMs:  d.Milliseconds(),
	}
}

// WriteMetadata writes a <basepath>.meta.json sidecar file alongside the
// capture using temp + rename.
func WriteMetadata(capturePath string, meta *CaptureMetadata) error {
	metaPath := MetadataPath(capturePath)
	dir := filepath.Dir(metaPath)

	tmpFile, err := os.CreateTemp(dir, "meta-*.tmp")
	if err != nil {
		return fmt.Errorf("create metadata temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(meta); err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync metadata: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close metadata temp: %w", err)
	}
	success = true

	if err := os.Rename(tmpPath, metaPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

// ReadMetadata loads the sidecar of capturePath.
func ReadMetadata(capturePath string) (*CaptureMetadata, error) {
	data, err := os.ReadFile(MetadataPath(capturePath))
	if err != nil {
		return nil, err
	}
	var meta CaptureMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &meta, nil
}

// RemoveMetadata deletes the sidecar of capturePath if present.
func RemoveMetadata(capturePath string) error {
	err := os.Remove(MetadataPath(capturePath))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MetadataPath returns <basepath>.meta.json for a capture file path.
func MetadataPath(capturePath string) string {
	ext := filepath.Ext(capturePath)
	base := capturePath[:len(capturePath)-len(ext)]
	return base + ".meta.json"
}
