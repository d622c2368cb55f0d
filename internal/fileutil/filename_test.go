package fileutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizeForFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"JPEG_1710000000000.jpg", "JPEG_1710000000000.jpg"},
		{"Video_1710000000000", "Video_1710000000000"},
		{"a/b\\c:d", "a_b_c_d"},
		{"  my   clip  ", "my-clip"},
		{"../../etc/passwd", "_.._etc_passwd"},
		{"", "capture"},
		{"...", "capture"},
	}
	for _, tt := range tests {
		if got := SanitizeForFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeForFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := strings.Repeat("x", 200)
	if got := SanitizeForFilename(long); len(got) != 80 {
		t.Errorf("long name truncated to %d chars, want 80", len(got))
	}
}

func TestFileName(t *testing.T) {
	tests := []struct {
		display, mime, want string
	}{
		{"JPEG_1.jpg", "image/jpeg", "JPEG_1.jpg"},
		{"Video_1", "video/mp4", "Video_1.mp4"},
		{"raw", "application/octet-stream", "raw"},
	}
	for _, tt := range tests {
		if got := FileName(tt.display, tt.mime); got != tt.want {
			t.Errorf("FileName(%q, %q) = %q, want %q", tt.display, tt.mime, got, tt.want)
		}
	}
}

func TestUniquePathAndMoveInto(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "Pictures", "shutter")

	for i, want := range []string{"JPEG_1.jpg", "JPEG_1_2.jpg", "JPEG_1_3.jpg"} {
		src := filepath.Join(dir, "tmp")
		if err := os.WriteFile(src, []byte{byte(i)}, 0644); err != nil {
			t.Fatal(err)
		}
		got, err := MoveInto(src, dst, "JPEG_1.jpg")
		if err != nil {
			t.Fatalf("MoveInto #%d: %v", i, err)
		}
		if filepath.Base(got) != want {
			t.Errorf("MoveInto #%d = %q, want %q", i, filepath.Base(got), want)
		}
	}
}
