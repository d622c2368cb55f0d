// Package gallery is the browse/delete model over the media catalog.
package gallery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tiroq/shutter/internal/diaglog"
	"github.com/tiroq/shutter/internal/media"
)

// DateLayout renders DateAdded as dd.MM.yyyy HH:mm.
const DateLayout = "02.01.2006 15:04"

// Item is one gallery tile.
type Item struct {
	media.Entry
	Date     string // DateLayout in the model's location
	Size     string // humanized
	Duration string // mm:ss, videos only
}

// IsVideo reports whether the item is a video.
func (it Item) IsVideo() bool { return it.MediaType == media.Video }

// Model holds the loaded items and the fullscreen selection. Safe for
// concurrent use.
type Model struct {
	catalog media.Catalog
	filter  string
	loc     *time.Location
	logger  *diaglog.Logger

	mu       sync.Mutex
	items    []Item
	selected *Item
	loading  bool
}

// New creates a model listing catalog entries whose path contains filter.
func New(catalog media.Catalog, filter string, loc *time.Location, logger *diaglog.Logger) *Model {
	if loc == nil {
		loc = time.Local
	}
	return &Model{catalog: catalog, filter: filter, loc: loc, logger: logger}
}

// Load replaces the items with images and videos from the catalog, newest
// first; on equal timestamps videos come before images.
func (m *Model) Load(ctx context.Context) error {
	m.mu.Lock()
	m.loading = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.loading = false
		m.mu.Unlock()
	}()

	images, err := m.catalog.Query(ctx, media.Image, m.filter)
	if err != nil {
		return fmt.Errorf("load images: %w", err)
	}
	videos, err := m.catalog.Query(ctx, media.Video, m.filter)
	if err != nil {
		return fmt.Errorf("load videos: %w", err)
	}

	items := make([]Item, 0, len(images)+len(videos))
	for _, e := range images {
		items = append(items, m.item(e))
	}
	for _, e := range videos {
		items = append(items, m.item(e))
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].DateAdded != items[j].DateAdded {
			return items[i].DateAdded > items[j].DateAdded
		}
		return items[i].IsVideo() && !items[j].IsVideo()
	})

	m.mu.Lock()
	m.items = items
	m.mu.Unlock()
	return nil
}

// Loading reports whether a Load is in progress.
func (m *Model) Loading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loading
}

// Items returns a copy of the loaded items.
func (m *Model) Items() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Item(nil), m.items...)
}

// Remove deletes id from the catalog. The item leaves the model only if the
// catalog confirmed the delete; failures are logged and reported as false.
func (m *Model) Remove(ctx context.Context, id int64) bool {
	ok, err := m.catalog.Delete(ctx, id)
	if err != nil {
		m.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentMedia,
			Event:     diaglog.EventCommandFailed,
			Reason:    "delete",
			Payload:   map[string]interface{}{"id": id, "error": err.Error()},
		})
		return false
	}
	if !ok {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.items[:0]
	for _, it := range m.items {
		if it.ID != id {
			kept = append(kept, it)
		}
	}
	m.items = kept
	if m.selected != nil && m.selected.ID == id {
		m.selected = nil
	}
	return true
}

// Open shows id fullscreen. It reports false for an unknown id.
func (m *Model) Open(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID == id {
			it := m.items[i]
			m.selected = &it
			return true
		}
	}
	return false
}

// Close leaves fullscreen.
func (m *Model) Close() {
	m.mu.Lock()
	m.selected = nil
	m.mu.Unlock()
}

// Selected returns the fullscreen item.
func (m *Model) Selected() (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selected == nil {
		return Item{}, false
	}
	return *m.selected, true
}

// RemoveSelected deletes the fullscreen item, if any.
func (m *Model) RemoveSelected(ctx context.Context) bool {
	it, ok := m.Selected()
	if !ok {
		return false
	}
	return m.Remove(ctx, it.ID)
}

func (m *Model) item(e media.Entry) Item {
	it := Item{
		Entry: e,
		Date:  DateLabel(e.DateAdded, m.loc),
		Size:  SizeLabel(e.SizeBytes),
	}
	if e.MediaType == media.Video {
		it.Duration = DurationLabel(e.DurationMs)
	}
	return it
}

// DateLabel formats epoch seconds with DateLayout.
func DateLabel(epochSeconds int64, loc *time.Location) string {
	return time.Unix(epochSeconds, 0).In(loc).Format(DateLayout)
}

// SizeLabel renders a byte count for display.
func SizeLabel(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// DurationLabel renders milliseconds as mm:ss. Minutes are not wrapped.
func DurationLabel(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	sec := ms / 1000
	return fmt.Sprintf("%02d:%02d", sec/60, sec%60)
}
