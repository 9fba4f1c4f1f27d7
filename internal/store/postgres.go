// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"go.itsfan.me/site/internal/moments"
)

// PostgresStore is a PostgreSQL implementation of the [Store] interface.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at databaseURL and creates the
// moments table if needed.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS moments (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			images JSONB,
			tags JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS moments_created_at ON moments (created_at DESC, id DESC);
	`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: creating schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

const (
	postgresColumns = `id, content, images, tags, created_at, updated_at`
	// postgresTagFilter matches every row when $1 is empty.
	postgresTagFilter = `($1 = '' OR tags @> jsonb_build_array($1::text))`
)

// List returns the page of moments selected by q. The count and the page are
// queried concurrently.
func (s *PostgresStore) List(ctx context.Context, q moments.Query) ([]moments.Moment, int, error) {
	var (
		ms    []moments.Moment
		total int
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.pool.QueryRow(ctx, `
			SELECT count(*) FROM moments WHERE `+postgresTagFilter+`;
		`, q.Tag).Scan(&total)
	})
	g.Go(func() error {
		rows, err := s.pool.Query(ctx, `
			SELECT `+postgresColumns+` FROM moments
			WHERE `+postgresTagFilter+`
			ORDER BY created_at DESC, id DESC
			LIMIT $2 OFFSET $3;
		`, q.Tag, q.Limit, q.Offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanPostgres(rows)
			if err != nil {
				return err
			}
			ms = append(ms, m)
		}
		return rows.Err()
	})
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return ms, total, nil
}

// Get returns the moment with the given ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (moments.Moment, error) {
	return scanPostgres(s.pool.QueryRow(ctx, `
		SELECT `+postgresColumns+` FROM moments WHERE id = $1;
	`, id))
}

// Create saves a new moment.
func (s *PostgresStore) Create(ctx context.Context, m moments.Moment) error {
	images, tags, err := encodeColumns(m)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO moments (`+postgresColumns+`)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, $5, $6);
	`, m.ID, m.Content, images, tags, m.CreatedAt, m.UpdatedAt)
	return err
}

// Update applies in to the moment with the given ID.
func (s *PostgresStore) Update(ctx context.Context, id string, in moments.UpdateInput) (moments.Moment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return moments.Moment{}, err
	}
	defer tx.Rollback(ctx)

	m, err := scanPostgres(tx.QueryRow(ctx, `
		SELECT `+postgresColumns+` FROM moments WHERE id = $1 FOR UPDATE;
	`, id))
	if err != nil {
		return moments.Moment{}, err
	}
	moments.Apply(&m, in, timeNow())

	images, tags, err := encodeColumns(m)
	if err != nil {
		return moments.Moment{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE moments SET content = $2, images = $3::jsonb, tags = $4::jsonb, updated_at = $5
		WHERE id = $1;
	`, id, m.Content, images, tags, m.UpdatedAt); err != nil {
		return moments.Moment{}, err
	}
	return m, tx.Commit(ctx)
}

// Delete removes the moment with the given ID.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM moments WHERE id = $1;`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgres(r row) (moments.Moment, error) {
	var (
		m            moments.Moment
		images, tags []byte
	)
	if err := r.Scan(&m.ID, &m.Content, &images, &tags, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return moments.Moment{}, ErrNotFound
		}
		return moments.Moment{}, err
	}
	var err error
	if m.Images, err = decodeList[moments.ImageMeta](images); err != nil {
		return moments.Moment{}, fmt.Errorf("moment %q: decoding images: %w", m.ID, err)
	}
	if m.Tags, err = decodeList[string](tags); err != nil {
		return moments.Moment{}, fmt.Errorf("moment %q: decoding tags: %w", m.ID, err)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}
