// Package media is the device-wide catalog of captured photos and videos: a
// sqlite index plus a filesystem store that hands out capture sinks.
package media

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// MediaType separates stills from videos in the catalog.
type MediaType string

const (
	Image MediaType = "image"
	Video MediaType = "video"
)

// Entry is one catalog row.
type Entry struct {
	ID           int64
	DisplayName  string
	MediaType    MediaType
	MIMEType     string
	RelativePath string // storage category, e.g. "Movies/shutter"
	Path         string // absolute file path
	DateAdded    int64  // epoch seconds
	SizeBytes    int64
	DurationMs   int64 // videos only
}

// Catalog is the query/delete surface the gallery consumes.
type Catalog interface {
	Query(ctx context.Context, mediaType MediaType, pathFilter string) ([]Entry, error)
	Delete(ctx context.Context, id int64) (bool, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS media (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    display_name TEXT NOT NULL,
    media_type TEXT NOT NULL CHECK (media_type IN ('image', 'video')),
    mime_type TEXT NOT NULL,
    relative_path TEXT NOT NULL,
    path TEXT NOT NULL UNIQUE,
    date_added INTEGER NOT NULL,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_media_type_date ON media(media_type, date_added DESC);
`

// Index is the sqlite-backed catalog.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (or creates) the catalog at path. ":memory:" gives a
// private in-memory catalog.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open media index: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Insert adds e and returns its new id.
func (ix *Index) Insert(ctx context.Context, e Entry) (int64, error) {
	res, err := ix.db.ExecContext(ctx, `
		INSERT INTO media (display_name, media_type, mime_type, relative_path, path, date_added, size_bytes, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.DisplayName, string(e.MediaType), e.MIMEType, e.RelativePath, e.Path, e.DateAdded, e.SizeBytes, e.DurationMs)
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", e.DisplayName, err)
	}
	return res.LastInsertId()
}

// Query lists entries of mediaType whose relative path contains pathFilter,
// newest first. An empty filter matches everything.
func (ix *Index) Query(ctx context.Context, mediaType MediaType, pathFilter string) ([]Entry, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT id, display_name, media_type, mime_type, relative_path, path, date_added, size_bytes, duration_ms
		FROM media
		WHERE media_type = ? AND (? = '' OR instr(relative_path, ?) > 0)
		ORDER BY date_added DESC, id DESC`,
		string(mediaType), pathFilter, pathFilter)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", mediaType, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns the entry with id.
func (ix *Index) Get(ctx context.Context, id int64) (Entry, bool, error) {
	row := ix.db.QueryRowContext(ctx, `
		SELECT id, display_name, media_type, mime_type, relative_path, path, date_added, size_bytes, duration_ms
		FROM media WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Delete removes the row with id and reports whether it existed.
func (ix *Index) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := ix.db.ExecContext(ctx, `DELETE FROM media WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	var mt string
	err := s.Scan(&e.ID, &e.DisplayName, &mt, &e.MIMEType, &e.RelativePath, &e.Path, &e.DateAdded, &e.SizeBytes, &e.DurationMs)
	if err != nil {
		return Entry{}, err
	}
	e.MediaType = MediaType(mt)
	return e, nil
}
