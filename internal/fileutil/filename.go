package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	illegalChars = regexp.MustCompile(`[\/\\:*?"<>|]`)
	whitespace   = regexp.MustCompile(`[\s]+`)
)

// SanitizeForFilename makes a display name safe to use as a file basename.
func SanitizeForFilename(input string) string {
	// Illegal chars: / \ : * ? " < > |
	sanitized := illegalChars.ReplaceAllString(input, "_")
	sanitized = whitespace.ReplaceAllString(sanitized, "-")
	sanitized = strings.Trim(sanitized, "-.")

	// Limit length to 80 characters for reasonable filenames
	if len(sanitized) > 80 {
		sanitized = strings.TrimRight(sanitized[:80], "-")
	}
	if sanitized == "" {
		return "capture"
	}
	return sanitized
}

// ExtensionFor returns the file extension for a capture MIME type.
func ExtensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	}
	return ""
}

// FileName builds the basename for a display name, adding the extension for
// mimeType unless the name already carries it.
func FileName(displayName, mimeType string) string {
	name := SanitizeForFilename(displayName)
	ext := ExtensionFor(mimeType)
	if ext != "" && !strings.EqualFold(filepath.Ext(name), ext) {
		name += ext
	}
	return name
}

// UniquePath returns dir/name, or dir/base_N.ext for the first N >= 2 that
// does not exist yet.
func UniquePath(dir, name string) (string, error) {
	p := filepath.Join(dir, name)
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return p, nil
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 2; i < 1000; i++ {
		try := filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, i, ext))
		if _, err := os.Stat(try); os.IsNotExist(err) {
			return try, nil
		}
	}
	return "", fmt.Errorf("no free file name for %s in %s", name, dir)
}

// MoveInto renames src to a unique path for name inside dir and returns it.
func MoveInto(src, dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	dst, err := UniquePath(dir, name)
	if err != nil {
		return "", err
	}
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("move capture: %w", err)
	}
	return dst, nil
}
