package diaglog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
)

func seedLogFile(t *testing.T, path string, n int, prefix string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create seed: %v", err)
	}
	defer func() { _ = f.Close() }()
	for i := 0; i < n; i++ {
		_, _ = fmt.Fprintf(f, "{\"ts\":\"2026-01-01T00:00:00Z\",\"component\":\"test\",\"event\":\"%s%d\"}\n", prefix, i)
	}
}

func scanLines(t *testing.T, p string) []string {
	t.Helper()
	f, err := os.Open(p)
	if err != nil {
		t.Fatalf("open %s: %v", p, err)
	}
	defer f.Close()
	var ls []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		ls = append(ls, s.Text())
	}
	return ls
}

func TestExportWritesBundleHeader(t *testing.T) {
	src := t.TempDir() + "/seed.ndjson"
	seedLogFile(t, src, 10, "e")

	path, lines, err := Export(src, t.TempDir())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if lines != 10 {
		t.Errorf("lines: want 10, got %d", lines)
	}

	out := scanLines(t, path)
	var bundle DiagBundle
	if err := json.Unmarshal([]byte(out[0]), &bundle); err != nil {
		t.Fatalf("unmarshal bundle header: %v", err)
	}
	if bundle.EntryCount != 10 {
		t.Errorf("entry_count: want 10, got %d", bundle.EntryCount)
	}
	if bundle.GoVersion == "" || bundle.OS == "" {
		t.Errorf("runtime fields missing: %+v", bundle)
	}
	if len(bundle.LogFiles) != 1 {
		t.Errorf("log_files: want 1, got %v", bundle.LogFiles)
	}
}

func TestExportIncludesRotatedBackupFirst(t *testing.T) {
	src := t.TempDir() + "/live.ndjson"
	seedLogFile(t, src+".1", 3, "old")
	seedLogFile(t, src, 2, "new")

	path, lines, err := Export(src, t.TempDir())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if lines != 5 {
		t.Fatalf("lines: want 5, got %d", lines)
	}
	out := scanLines(t, path)[1:]
	want := append(scanLines(t, src+".1"), scanLines(t, src)...)
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("line %d: got %s want %s", i, out[i], want[i])
		}
	}
}

func TestExportMissingFile(t *testing.T) {
	_, _, err := Export("/nonexistent/path/shutter-debug.log", t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("want os.ErrNotExist, got %v", err)
	}
}
