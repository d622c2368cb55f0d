package diaglog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Version is injected at link time from the main package; defaults to "dev".
var Version = "dev"

// DiagBundle is the first line written to the export file (valid NDJSON).
type DiagBundle struct {
	ExportedAt     string   `json:"exported_at"`
	ShutterVersion string   `json:"shutter_version"`
	GoVersion      string   `json:"go_version"`
	OS             string   `json:"os"`
	Arch           string   `json:"arch"`
	LogFiles       []string `json:"log_files"`
	EntryCount     int      `json:"entry_count"`
}

// Export concatenates the rotated backup (if any) and the live log at
// logPath, prepends a DiagBundle header, and writes the result to
// dest/shutter-diag-<ts>.ndjson. Returns the written path and the number of
// log lines included.
func Export(logPath, dest string) (path string, lines int, err error) {
	if _, err := os.Stat(logPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", 0, fmt.Errorf("log file not found at %s: %w", logPath, os.ErrNotExist)
		}
		return "", 0, fmt.Errorf("log file unreadable: %w", err)
	}

	var sources []string
	if _, err := os.Stat(logPath + ".1"); err == nil {
		sources = append(sources, logPath+".1")
	}
	sources = append(sources, logPath)

	var rawLines [][]byte
	for _, src := range sources {
		got, err := readLines(src)
		if err != nil {
			return "", 0, err
		}
		rawLines = append(rawLines, got...)
	}

	tstamp := time.Now().UTC().Format("20060102T150405")
	outPath := filepath.Join(dest, "shutter-diag-"+tstamp+".ndjson")

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("output file could not be created: %w", err)
	}
	defer func() { _ = out.Close() }()

	bundle := DiagBundle{
		ExportedAt:     time.Now().UTC().Format(time.RFC3339),
		ShutterVersion: Version,
		GoVersion:      runtime.Version(),
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		LogFiles:       sources,
		EntryCount:     len(rawLines),
	}
	header, merr := json.Marshal(bundle)
	if merr != nil {
		return "", 0, merr
	}

	w := bufio.NewWriter(out)
	if _, err := w.Write(append(header, '\n')); err != nil {
		return "", 0, err
	}
	for _, line := range rawLines {
		if _, err := w.Write(append(line, '\n')); err != nil {
			return "", 0, err
		}
	}
	if err := w.Flush(); err != nil {
		return "", 0, err
	}

	return outPath, len(rawLines), nil
}

func readLines(path string) ([][]byte, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("log file unreadable: %w", err)
	}
	defer func() { _ = src.Close() }()

	var out [][]byte
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 1024*1024), DefaultMaxSize)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("log file unreadable: %w", err)
	}
	return out, nil
}
