package fileutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteMetadata_Basic(t *testing.T) {
	dir := t.TempDir()
	capPath := filepath.Join(dir, "Video_1710000000000.mp4")
	if err := os.WriteFile(capPath, []byte("fake"), 0644); err != nil {
		t.Fatal(err)
	}

	meta := NewCaptureMetadata("Video_1710000000000", "video/mp4",
		time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC), 90*time.Second)
	meta.SizeBytes = 4
	meta.OutputFile = capPath

	if err := WriteMetadata(capPath, meta); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "Video_1710000000000.meta.json"))
	if err != nil {
		t.Fatalf("read meta file: %v", err)
	}

	var got CaptureMetadata
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.DisplayName != "Video_1710000000000" {
		t.Errorf("display_name = %q", got.DisplayName)
	}
	if got.DurationMs != 90000 {
		t.Errorf("duration_ms = %d, want %d", got.DurationMs, 90000)
	}
	if got.Duration != "1m30s" {
		t.Errorf("duration = %q, want %q", got.Duration, "1m30s")
	}
	if got.SizeBytes != 4 {
		t.Errorf("size_bytes = %d, want 4", got.SizeBytes)
	}
}

func TestReadMetadata_RoundTripAndRemove(t *testing.T) {
	dir := t.TempDir()
	capPath := filepath.Join(dir, "clip.mp4")

	meta := NewCaptureMetadata("clip", "video/mp4", time.Unix(0, 0).UTC(), 3*time.Second)
	if err := WriteMetadata(capPath, meta); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}

	got, err := ReadMetadata(capPath)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if got.DurationMs != 3000 {
		t.Errorf("duration_ms = %d, want 3000", got.DurationMs)
	}

	if err := RemoveMetadata(capPath); err != nil {
		t.Fatalf("RemoveMetadata: %v", err)
	}
	if err := RemoveMetadata(capPath); err != nil {
		t.Errorf("second RemoveMetadata: %v", err)
	}
	if _, err := ReadMetadata(capPath); !os.IsNotExist(err) {
		t.Errorf("expected not-exist after remove, got %v", err)
	}
}

func TestWriteMetadata_BackendOmittedWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	capPath := filepath.Join(dir, "clip.mp4")

	if err := WriteMetadata(capPath, &CaptureMetadata{Version: "1", OutputFile: capPath}); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "clip.meta.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["backend"]; ok {
		t.Error("expected no 'backend' field in JSON when empty")
	}
}

func TestMetadataPath(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"clip.mp4", "clip.meta.json"},
		{"/path/to/file.webm", "/path/to/file.meta.json"},
		{"no-ext", "no-ext.meta.json"},
	}
	for _, tt := range tests {
		got := MetadataPath(tt.input)
		if got != tt.want {
			t.Errorf("MetadataPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestWriteMetadata_AtomicNoPartialFile(t *testing.T) {
	badPath := filepath.Join(t.TempDir(), "nonexistent", "sub", "clip.mp4")
	err := WriteMetadata(badPath, &CaptureMetadata{Version: "1"})
	if err == nil {
		t.Fatal("expected error for non-existent directory")
	}
}
