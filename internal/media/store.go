package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"k8s.io/utils/clock"

	"github.com/tiroq/shutter/internal/camera"
	"github.com/tiroq/shutter/internal/diaglog"
	"github.com/tiroq/shutter/internal/fileutil"
)

// Store resolves capture destinations to files under root and records every
// committed capture in the index.
type Store struct {
	root   string
	index  *Index
	clock  clock.PassiveClock
	logger *diaglog.Logger
}

// NewStore creates a store rooted at root.
func NewStore(root string, index *Index, clk clock.PassiveClock, logger *diaglog.Logger) *Store {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Store{root: root, index: index, clock: clk, logger: logger}
}

// Root is the directory captures are stored under.
func (s *Store) Root() string { return s.root }

// TypeOf classifies a MIME type.
func TypeOf(mimeType string) MediaType {
	if strings.HasPrefix(mimeType, "video/") {
		return Video
	}
	return Image
}

// Resolve creates a pending file in dest's category directory.
func (s *Store) Resolve(dest camera.Destination) (camera.Sink, error) {
	dir := filepath.Join(s.root, filepath.FromSlash(dest.Category))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dest.Category, err)
	}
	f, err := os.CreateTemp(dir, ".pending-*")
	if err != nil {
		return nil, fmt.Errorf("create pending capture: %w", err)
	}
	return &fileSink{store: s, dest: dest, dir: dir, file: f}, nil
}

// Query lists catalog entries; see Index.Query.
func (s *Store) Query(ctx context.Context, mediaType MediaType, pathFilter string) ([]Entry, error) {
	return s.index.Query(ctx, mediaType, pathFilter)
}

// Delete removes the file, its sidecar and the catalog row. It reports
// whether the entry existed.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	e, ok, err := s.index.Get(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("remove %s: %w", e.DisplayName, err)
	}
	_ = fileutil.RemoveMetadata(e.Path)

	deleted, err := s.index.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	s.logger.Emit(diaglog.ComponentMedia, diaglog.EventMediaDeleted, map[string]interface{}{
		"id":           id,
		"display_name": e.DisplayName,
	})
	return deleted, nil
}

func (s *Store) commit(sink *fileSink, size int64, d time.Duration) error {
	tmp := sink.file.Name()
	mimeType := sink.dest.MIMEType
	if detected, err := mimetype.DetectFile(tmp); err == nil && !detected.Is("application/octet-stream") && !detected.Is(mimeType) {
		s.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentMedia,
			Event:     diaglog.EventMediaCommitted,
			Reason:    "mime_mismatch",
			Payload:   map[string]interface{}{"declared": mimeType, "detected": detected.String()},
		})
		mimeType = detected.String()
	}

	path, err := fileutil.MoveInto(tmp, sink.dir, fileutil.FileName(sink.dest.DisplayName, sink.dest.MIMEType))
	if err != nil {
		os.Remove(tmp)
		return err
	}

	now := s.clock.Now()
	e := Entry{
		DisplayName:  sink.dest.DisplayName,
		MediaType:    TypeOf(sink.dest.MIMEType),
		MIMEType:     mimeType,
		RelativePath: sink.dest.Category,
		Path:         path,
		DateAdded:    now.Unix(),
		SizeBytes:    size,
		DurationMs:   d.Milliseconds(),
	}
	id, err := s.index.Insert(context.Background(), e)
	if err != nil {
		// A file the catalog does not know about could never be listed or deleted.
		os.Remove(path)
		_ = fileutil.RemoveMetadata(path)
		return fmt.Errorf("catalog %s: %w", e.DisplayName, err)
	}

	if e.MediaType == Video {
		meta := fileutil.NewCaptureMetadata(e.DisplayName, mimeType, now.Add(-d), d)
		meta.SizeBytes = size
		meta.OutputFile = path
		if err := fileutil.WriteMetadata(path, meta); err != nil {
			s.logger.Log(diaglog.LogEntry{
				Component: diaglog.ComponentMedia,
				Event:     diaglog.EventCommandFailed,
				Reason:    "sidecar",
				Payload:   map[string]interface{}{"error": err.Error()},
			})
		}
	}

	s.logger.Emit(diaglog.ComponentMedia, diaglog.EventMediaCommitted, map[string]interface{}{
		"id":           id,
		"display_name": e.DisplayName,
		"size_bytes":   size,
	})
	return nil
}

// fileSink is a pending capture file. Exactly one of Commit or Abort takes
// effect; later calls fail.
type fileSink struct {
	store *Store
	dest  camera.Destination
	dir   string

	mu   sync.Mutex
	file *os.File
	size int64
	done bool
}

func (f *fileSink) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return 0, os.ErrClosed
	}
	n, err := f.file.Write(p)
	f.size += int64(n)
	return n, err
}

func (f *fileSink) Commit(d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return os.ErrClosed
	}
	f.done = true
	if err := f.file.Close(); err != nil {
		os.Remove(f.file.Name())
		return fmt.Errorf("close capture: %w", err)
	}
	return f.store.commit(f, f.size, d)
}

func (f *fileSink) Abort() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return nil
	}
	f.done = true
	f.file.Close()
	return os.Remove(f.file.Name())
}
