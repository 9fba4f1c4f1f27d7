// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"slices"

	"crawshaw.dev/jsonfile"

	"go.itsfan.me/site/internal/filelock"
	"go.itsfan.me/site/internal/moments"
)

// JSONFile is a file-backed implementation of the [Store] interface. Every
// change rewrites the whole file, so it suits small collections.
type JSONFile struct {
	f    *jsonfile.JSONFile[jsonStore]
	lock *filelock.Lock
}

type jsonStore struct {
	Moments map[string]moments.Moment `json:"moments"`
}

// NewJSONFile opens the file at path, creating it if it does not exist. The
// file stays locked against other processes until Close.
func NewJSONFile(path string) (*JSONFile, error) {
	lock, err := filelock.Acquire(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("store: locking %q: %w", path, err)
	}
	f, err := jsonfile.Load[jsonStore](path)
	if errors.Is(err, fs.ErrNotExist) {
		f, err = jsonfile.New[jsonStore](path)
		if err == nil {
			err = f.Write(func(js *jsonStore) error {
				js.Moments = make(map[string]moments.Moment)
				return nil
			})
		}
	}
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("store: opening %q: %w", path, err)
	}
	return &JSONFile{f: f, lock: lock}, nil
}

// List returns the page of moments selected by q.
func (s *JSONFile) List(_ context.Context, q moments.Query) (ms []moments.Moment, total int, err error) {
	s.f.Read(func(js *jsonStore) {
		ms, total = page(slices.Collect(maps.Values(js.Moments)), q)
	})
	return ms, total, nil
}

// Get returns the moment with the given ID.
func (s *JSONFile) Get(_ context.Context, id string) (m moments.Moment, err error) {
	s.f.Read(func(js *jsonStore) {
		var ok bool
		if m, ok = js.Moments[id]; !ok {
			err = ErrNotFound
		}
		m = detach(m)
	})
	return m, err
}

// Create saves a new moment.
func (s *JSONFile) Create(_ context.Context, m moments.Moment) error {
	return s.f.Write(func(js *jsonStore) error {
		if js.Moments == nil {
			js.Moments = make(map[string]moments.Moment)
		}
		if _, exists := js.Moments[m.ID]; exists {
			return fmt.Errorf("moment %q already exists", m.ID)
		}
		js.Moments[m.ID] = detach(m)
		return nil
	})
}

// Update applies in to the moment with the given ID.
func (s *JSONFile) Update(_ context.Context, id string, in moments.UpdateInput) (m moments.Moment, err error) {
	err = s.f.Write(func(js *jsonStore) error {
		var ok bool
		if m, ok = js.Moments[id]; !ok {
			return ErrNotFound
		}
		moments.Apply(&m, in, timeNow())
		js.Moments[id] = m
		return nil
	})
	return detach(m), err
}

// Delete removes the moment with the given ID.
func (s *JSONFile) Delete(_ context.Context, id string) error {
	return s.f.Write(func(js *jsonStore) error {
		if _, ok := js.Moments[id]; !ok {
			return ErrNotFound
		}
		delete(js.Moments, id)
		return nil
	})
}

// Close releases the file lock.
func (s *JSONFile) Close() error { return s.lock.Release() }
