// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package store persists moments in memory, in a JSON file, in SQLite or in
// PostgreSQL.
package store

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.itsfan.me/site/internal/moments"
)

// ErrNotFound is returned when a moment does not exist.
var ErrNotFound = errors.New("moment not found")

// Store keeps moments.
type Store interface {
	// List returns the page of moments selected by q, newest first, and the
	// number of moments matching q.Tag.
	List(ctx context.Context, q moments.Query) ([]moments.Moment, int, error)
	// Get returns the moment with the given ID or ErrNotFound.
	Get(ctx context.Context, id string) (moments.Moment, error)
	// Create saves a new moment.
	Create(ctx context.Context, m moments.Moment) error
	// Update applies in to the moment with the given ID and returns the
	// result, or ErrNotFound.
	Update(ctx context.Context, id string, in moments.UpdateInput) (moments.Moment, error)
	// Delete removes the moment with the given ID or returns ErrNotFound.
	Delete(ctx context.Context, id string) error
	// Close releases resources held by the store.
	Close() error
}

var timeNow = time.Now

// Open opens the store described by dsn:
//
//	mem:                    in-memory
//	file:/path/moments.json JSON file (json: is an alias)
//	sqlite:/path/site.db    SQLite database
//	postgres://...          PostgreSQL database (postgresql:// also works)
func Open(ctx context.Context, dsn string) (Store, error) {
	scheme, rest, ok := strings.Cut(dsn, ":")
	if !ok {
		return nil, fmt.Errorf("store: invalid DSN %q", dsn)
	}
	switch scheme {
	case "mem", "memory":
		return NewMem(), nil
	case "file", "json":
		return NewJSONFile(strings.TrimPrefix(rest, "//"))
	case "sqlite":
		return NewSQLite(ctx, strings.TrimPrefix(rest, "//"))
	case "postgres", "postgresql":
		return NewPostgres(ctx, dsn)
	}
	return nil, fmt.Errorf("store: unsupported DSN scheme %q", scheme)
}

// newestFirst orders moments by creation time, newest first, breaking ties
// by ID.
func newestFirst(a, b moments.Moment) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(b.ID, a.ID)
}

// detach returns a copy of m that shares no slices with it.
func detach(m moments.Moment) moments.Moment {
	m.Images = slices.Clone(m.Images)
	m.Tags = slices.Clone(m.Tags)
	return m
}

// page filters all by q.Tag, sorts it and slices out the requested page.
func page(all []moments.Moment, q moments.Query) ([]moments.Moment, int) {
	matched := make([]moments.Moment, 0, len(all))
	for _, m := range all {
		if q.Tag == "" || m.HasTag(q.Tag) {
			matched = append(matched, detach(m))
		}
	}
	slices.SortFunc(matched, newestFirst)
	total := len(matched)
	start := min(q.Offset, total)
	end := min(start+q.Limit, total)
	return matched[start:end:end], total
}

// encodeColumns encodes the list columns shared by the SQL backends.
func encodeColumns(m moments.Moment) (images, tags *string, err error) {
	if images, err = encodeList(m.Images); err != nil {
		return nil, nil, err
	}
	if tags, err = encodeList(m.Tags); err != nil {
		return nil, nil, err
	}
	return images, tags, nil
}

// encodeList returns the JSON encoding of s, or nil if s is empty so the
// column is stored as NULL.
func encodeList[T any](s []T) (*string, error) {
	if len(s) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	str := string(b)
	return &str, nil
}

// decodeList parses a JSON array column. NULL and empty values decode to nil.
func decodeList[T any](b []byte) ([]T, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var s []T
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	if len(s) == 0 {
		return nil, nil
	}
	return s, nil
}

// row is implemented by *sql.Row, *sql.Rows and pgx.Row.
type row interface {
	Scan(dest ...any) error
}
