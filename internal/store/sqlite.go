// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/tailscale/sqlite"

	"go.itsfan.me/site/internal/moments"
)

// SQLiteStore is a SQLite implementation of the [Store] interface.
type SQLiteStore struct {
	db *sql.DB
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS moments (
		id         TEXT PRIMARY KEY,
		content    TEXT NOT NULL,
		images     TEXT,
		tags       TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	) STRICT;`,
	`CREATE INDEX IF NOT EXISTS moments_created_at ON moments (created_at DESC, id DESC);`,
}

// NewSQLite opens the SQLite database at path and creates the moments table
// if needed.
func NewSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	stmts := append([]string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}, sqliteSchema...)
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: initializing %q: %w", path, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

const sqliteColumns = `id, content, images, tags, created_at, updated_at`

// sqliteTagFilter matches every row when the argument is empty.
const sqliteTagFilter = `(? = '' OR EXISTS (SELECT 1 FROM json_each(moments.tags) WHERE json_each.value = ?))`

// List returns the page of moments selected by q.
func (s *SQLiteStore) List(ctx context.Context, q moments.Query) ([]moments.Moment, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, `
		SELECT count(*) FROM moments WHERE `+sqliteTagFilter+`;
	`, q.Tag, q.Tag).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+sqliteColumns+` FROM moments
		WHERE `+sqliteTagFilter+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?;
	`, q.Tag, q.Tag, q.Limit, q.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var ms []moments.Moment
	for rows.Next() {
		m, err := scanSQLite(rows)
		if err != nil {
			return nil, 0, err
		}
		ms = append(ms, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return ms, total, nil
}

// Get returns the moment with the given ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (moments.Moment, error) {
	return scanSQLite(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteColumns+` FROM moments WHERE id = ?;
	`, id))
}

// Create saves a new moment.
func (s *SQLiteStore) Create(ctx context.Context, m moments.Moment) error {
	images, tags, err := encodeColumns(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO moments (`+sqliteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?);
	`, m.ID, m.Content, images, tags, m.CreatedAt.UnixMicro(), m.UpdatedAt.UnixMicro())
	return err
}

// Update applies in to the moment with the given ID.
func (s *SQLiteStore) Update(ctx context.Context, id string, in moments.UpdateInput) (moments.Moment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return moments.Moment{}, err
	}
	defer tx.Rollback()

	m, err := scanSQLite(tx.QueryRowContext(ctx, `
		SELECT `+sqliteColumns+` FROM moments WHERE id = ?;
	`, id))
	if err != nil {
		return moments.Moment{}, err
	}
	moments.Apply(&m, in, timeNow())

	images, tags, err := encodeColumns(m)
	if err != nil {
		return moments.Moment{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE moments SET content = ?, images = ?, tags = ?, updated_at = ?
		WHERE id = ?;
	`, m.Content, images, tags, m.UpdatedAt.UnixMicro(), id); err != nil {
		return moments.Moment{}, err
	}
	return m, tx.Commit()
}

// Delete removes the moment with the given ID.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM moments WHERE id = ?;`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanSQLite(r row) (moments.Moment, error) {
	var (
		m                    moments.Moment
		images, tags         sql.NullString
		createdAt, updatedAt int64
	)
	if err := r.Scan(&m.ID, &m.Content, &images, &tags, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return moments.Moment{}, ErrNotFound
		}
		return moments.Moment{}, err
	}
	var err error
	if m.Images, err = decodeList[moments.ImageMeta]([]byte(images.String)); err != nil {
		return moments.Moment{}, fmt.Errorf("moment %q: decoding images: %w", m.ID, err)
	}
	if m.Tags, err = decodeList[string]([]byte(tags.String)); err != nil {
		return moments.Moment{}, fmt.Errorf("moment %q: decoding tags: %w", m.ID, err)
	}
	m.CreatedAt = time.UnixMicro(createdAt).UTC()
	m.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return m, nil
}
