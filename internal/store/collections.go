package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"codeberg.org/snonux/hanzirecall/internal/domain"
)

const collectionColumns = `id, owner, name, status, processed, total, failed,
	current_operation, stop_requested, created_at, updated_at`

// CreateCollection inserts a new collection. Timestamps are set here.
func (s *Store) CreateCollection(ctx context.Context, c *domain.Collection) error {
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	if c.Status == "" {
		c.Status = domain.CollectionPending
	}
	_, err := s.execWithRetry(ctx, `
		INSERT INTO collections (`+collectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Owner, c.Name, string(c.Status), c.Processed, c.Total, c.Failed,
		c.CurrentOperation, boolInt(c.StopRequested), millis(now), millis(now))
	if err != nil {
		return fmt.Errorf("insert collection %s: %w", c.ID, err)
	}
	return nil
}

// GetCollection loads one collection.
func (s *Store) GetCollection(ctx context.Context, id string) (*domain.Collection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+collectionColumns+` FROM collections WHERE id = ?`, id)
	c, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("collection %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get collection %s: %w", id, err)
	}
	return c, nil
}

// ListCollections returns every collection, newest first.
func (s *Store) ListCollections(ctx context.Context) ([]*domain.Collection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+collectionColumns+` FROM collections ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var out []*domain.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetCollectionStatus sets status and the current-operation text.
func (s *Store) SetCollectionStatus(ctx context.Context, id string, status domain.CollectionStatus, operation string) error {
	res, err := s.execWithRetry(ctx, `
		UPDATE collections SET status = ?, current_operation = ?, updated_at = ?
		WHERE id = ?`,
		string(status), operation, millis(s.now()), id)
	if err != nil {
		return fmt.Errorf("set collection %s status: %w", id, err)
	}
	return expectRow(res, "collection", id)
}

// SaveCollectionProgress writes the aggregate counters and derived status.
func (s *Store) SaveCollectionProgress(ctx context.Context, id string, p domain.CollectionProgress, status domain.CollectionStatus, operation string) error {
	res, err := s.execWithRetry(ctx, `
		UPDATE collections
		SET status = ?, processed = ?, total = ?, failed = ?, current_operation = ?, updated_at = ?
		WHERE id = ?`,
		string(status), p.Processed, p.Total, p.Failed, operation, millis(s.now()), id)
	if err != nil {
		return fmt.Errorf("save collection %s progress: %w", id, err)
	}
	return expectRow(res, "collection", id)
}

// SetStopRequested toggles the flag that stops further card enqueues.
func (s *Store) SetStopRequested(ctx context.Context, id string, stop bool) error {
	res, err := s.execWithRetry(ctx, `
		UPDATE collections SET stop_requested = ?, updated_at = ? WHERE id = ?`,
		boolInt(stop), millis(s.now()), id)
	if err != nil {
		return fmt.Errorf("set collection %s stop flag: %w", id, err)
	}
	return expectRow(res, "collection", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollection(r rowScanner) (*domain.Collection, error) {
	var (
		c                domain.Collection
		status           string
		stop             int
		created, updated int64
	)
	if err := r.Scan(&c.ID, &c.Owner, &c.Name, &status, &c.Processed, &c.Total, &c.Failed,
		&c.CurrentOperation, &stop, &created, &updated); err != nil {
		return nil, err
	}
	c.Status = domain.CollectionStatus(status)
	c.StopRequested = stop != 0
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
	}
	return nil
}
