// Package objstore is a SQLite-backed object store with an append-only change
// log. It backs object triggers in local and single-node deployments.
package objstore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/triggerhost/internal/blobpath"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*Store)

// WithClock overrides the time source used for modification times.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func normalize(container, name string) (string, string, error) {
	container = strings.ToLower(strings.TrimSpace(container))
	if container == "" || strings.Contains(container, "/") {
		return "", "", fmt.Errorf("invalid container %q", container)
	}
	if name == "" {
		return "", "", fmt.Errorf("object name is empty")
	}
	return container, name, nil
}

// Put writes an object and records the write in the change log.
func (s *Store) Put(ctx context.Context, container, name string, data []byte, contentType string) (Object, error) {
	container, name, err := normalize(container, name)
	if err != nil {
		return Object{}, err
	}
	if data == nil {
		data = []byte{}
	}

	sum := blake3.Sum256(data)
	obj := Object{
		Container:   container,
		Name:        name,
		ETag:        hex.EncodeToString(sum[:16]),
		ContentType: contentType,
		Size:        int64(len(data)),
		ModifiedAt:  s.now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Object{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO objects(container, name, data, etag, content_type, modified_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(container, name) DO UPDATE SET
  data = excluded.data,
  etag = excluded.etag,
  content_type = excluded.content_type,
  modified_at = excluded.modified_at;
`, container, name, data, obj.ETag, contentType, obj.ModifiedAt.UnixNano())
	if err != nil {
		return Object{}, fmt.Errorf("put object %s: %w", obj.Path(), err)
	}
	if err := appendChange(ctx, tx, container, name, OpPut, obj.ModifiedAt); err != nil {
		return Object{}, err
	}
	if err := tx.Commit(); err != nil {
		return Object{}, fmt.Errorf("commit tx: %w", err)
	}
	return obj, nil
}

// Delete removes an object. Deleting a missing object returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, container, name string) error {
	container, name, err := normalize(container, name)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE container = ? AND name = ?;`, container, name)
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := appendChange(ctx, tx, container, name, OpDelete, s.now().UTC()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func appendChange(ctx context.Context, tx *sql.Tx, container, name string, op Op, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO object_changes(container, name, op, modified_at)
VALUES(?, ?, ?, ?);
`, container, name, op, at.UnixNano())
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return nil
}

// Get returns an object including its data.
func (s *Store) Get(ctx context.Context, container, name string) (Object, error) {
	container, name, err := normalize(container, name)
	if err != nil {
		return Object{}, err
	}

	var (
		obj         = Object{Container: container, Name: name}
		contentType sql.NullString
		modified    int64
	)
	err = s.db.QueryRowContext(ctx, `
SELECT data, etag, content_type, modified_at
FROM objects
WHERE container = ? AND name = ?;
`, container, name).Scan(&obj.Data, &obj.ETag, &contentType, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return Object{}, ErrNotFound
	}
	if err != nil {
		return Object{}, fmt.Errorf("get object %s: %w", obj.Path(), err)
	}
	obj.ContentType = contentType.String
	obj.Size = int64(len(obj.Data))
	obj.ModifiedAt = time.Unix(0, modified).UTC()
	return obj, nil
}

// LastModified implements trigger.TimeLookup for "container/name" paths.
func (s *Store) LastModified(ctx context.Context, path string) (time.Time, error) {
	container, name, err := blobpath.Split(path)
	if err != nil {
		return time.Time{}, err
	}
	container, name, err = normalize(container, name)
	if err != nil {
		return time.Time{}, err
	}

	var modified int64
	err = s.db.QueryRowContext(ctx, `
SELECT modified_at FROM objects WHERE container = ? AND name = ?;
`, container, name).Scan(&modified)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("lookup modified time of %s: %w", path, err)
	}
	return time.Unix(0, modified).UTC(), nil
}

// List enumerates object metadata in a container ordered by name.
func (s *Store) List(ctx context.Context, container string) ([]Object, error) {
	container = strings.ToLower(strings.TrimSpace(container))

	rows, err := s.db.QueryContext(ctx, `
SELECT name, etag, content_type, length(data), modified_at
FROM objects
WHERE container = ?
ORDER BY name ASC;
`, container)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", container, err)
	}
	defer rows.Close()

	var out []Object
	for rows.Next() {
		var (
			obj         = Object{Container: container}
			contentType sql.NullString
			modified    int64
		)
		if err := rows.Scan(&obj.Name, &obj.ETag, &contentType, &obj.Size, &modified); err != nil {
			return nil, fmt.Errorf("scan object: %w", err)
		}
		obj.ContentType = contentType.String
		obj.ModifiedAt = time.Unix(0, modified).UTC()
		out = append(out, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", container, err)
	}
	return out, nil
}

// Containers returns the distinct container names that hold objects.
func (s *Store) Containers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT container FROM objects ORDER BY container;`)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan container: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ChangesSince returns up to limit change-log entries with Seq > after, in
// sequence order.
func (s *Store) ChangesSince(ctx context.Context, after int64, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT seq, container, name, op, modified_at
FROM object_changes
WHERE seq > ?
ORDER BY seq ASC
LIMIT ?;
`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("read change log: %w", err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var (
			c        Change
			op       string
			modified int64
		)
		if err := rows.Scan(&c.Seq, &c.Container, &c.Name, &op, &modified); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		c.Op = Op(op)
		c.ModifiedAt = time.Unix(0, modified).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read change log: %w", err)
	}
	return out, nil
}
