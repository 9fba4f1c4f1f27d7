// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"go.itsfan.me/site/internal/moments"
	"go.itsfan.me/site/internal/syncx"
)

// MemStore is an in-memory implementation of the [Store] interface.
type MemStore struct {
	data *syncx.Protected[map[string]moments.Moment]
}

// NewMem returns an empty [MemStore].
func NewMem() *MemStore {
	return &MemStore{data: syncx.Protect(make(map[string]moments.Moment))}
}

// List returns the page of moments selected by q.
func (s *MemStore) List(_ context.Context, q moments.Query) (ms []moments.Moment, total int, err error) {
	s.data.RAccess(func(data map[string]moments.Moment) {
		ms, total = page(slices.Collect(maps.Values(data)), q)
	})
	return ms, total, nil
}

// Get returns the moment with the given ID.
func (s *MemStore) Get(_ context.Context, id string) (m moments.Moment, err error) {
	s.data.RAccess(func(data map[string]moments.Moment) {
		var ok bool
		if m, ok = data[id]; !ok {
			err = ErrNotFound
		}
		m = detach(m)
	})
	return m, err
}

// Create saves a new moment.
func (s *MemStore) Create(_ context.Context, m moments.Moment) (err error) {
	s.data.Access(func(data *map[string]moments.Moment) {
		if _, exists := (*data)[m.ID]; exists {
			err = fmt.Errorf("moment %q already exists", m.ID)
			return
		}
		(*data)[m.ID] = detach(m)
	})
	return err
}

// Update applies in to the moment with the given ID.
func (s *MemStore) Update(_ context.Context, id string, in moments.UpdateInput) (m moments.Moment, err error) {
	s.data.Access(func(data *map[string]moments.Moment) {
		var ok bool
		if m, ok = (*data)[id]; !ok {
			err = ErrNotFound
			return
		}
		moments.Apply(&m, in, timeNow())
		(*data)[id] = m
		m = detach(m)
	})
	return m, err
}

// Delete removes the moment with the given ID.
func (s *MemStore) Delete(_ context.Context, id string) (err error) {
	s.data.Access(func(data *map[string]moments.Moment) {
		if _, ok := (*data)[id]; !ok {
			err = ErrNotFound
			return
		}
		delete(*data, id)
	})
	return err
}

// Close is a no-op for MemStore.
func (s *MemStore) Close() error { return nil }
