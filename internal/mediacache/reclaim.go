package mediacache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"codeberg.org/snonux/hanzirecall/internal/domain"
	"codeberg.org/snonux/hanzirecall/internal/store"
)

// ReclaimReport summarizes an administrative reclaim.
type ReclaimReport struct {
	Scanned int      `json:"scanned"`
	Deleted []string `json:"deleted"`
}

// References counts the cards that point at a media key.
type References interface {
	MediaReferences(ctx context.Context, key string) (int, error)
}

// Reclaim deletes present artifacts that no card references. Artifacts
// used within grace are kept. Each candidate is claimed before its
// references are counted, so a concurrent Resolve either touched it first
// or waits for the reclaim and generates it again.
func (c *Cache) Reclaim(ctx context.Context, refs References, grace time.Duration) (*ReclaimReport, error) {
	cutoff := c.now().Add(-grace).UnixMilli()
	rows, err := c.db.QueryContext(ctx, `
		SELECT key FROM media_artifacts WHERE state = ? AND updated_at <= ?`, statePresent, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report := &ReclaimReport{Scanned: len(keys)}
	for _, key := range keys {
		deleted, err := c.reclaimKey(ctx, key, cutoff, refs)
		if err != nil {
			return report, err
		}
		if deleted {
			report.Deleted = append(report.Deleted, key)
		}
	}
	c.log.Info("media reclaimed", "scanned", report.Scanned, "deleted", len(report.Deleted))
	return report, nil
}

func (c *Cache) reclaimKey(ctx context.Context, key string, cutoff int64, refs References) (bool, error) {
	owner := uuid.NewString()
	won, err := c.claimIdle(ctx, key, owner, cutoff)
	if err != nil {
		return false, &domain.StorageError{Op: "reclaim claim", Key: key, Err: err}
	}
	if !won {
		return false, nil
	}
	defer c.notify(key)

	n, err := refs.MediaReferences(ctx, key)
	if err != nil || n > 0 {
		c.restore(ctx, key, owner)
		return false, err
	}

	if err := c.objects.Delete(ctx, key); err != nil {
		c.restore(ctx, key, owner)
		return false, fmt.Errorf("delete object %s: %w", key, err)
	}
	err = store.RetryOnBusy(ctx, func() error {
		_, err := c.db.ExecContext(ctx,
			`DELETE FROM media_artifacts WHERE key = ? AND owner = ?`, key, owner)
		return err
	})
	if err != nil {
		return false, &domain.StorageError{Op: "reclaim delete", Key: key, Err: err}
	}
	return true, nil
}

// claimIdle claims a present artifact that was not used since cutoff.
func (c *Cache) claimIdle(ctx context.Context, key, owner string, cutoff int64) (bool, error) {
	var n int64
	err := store.RetryOnBusy(ctx, func() error {
		res, err := c.db.ExecContext(ctx, `
			UPDATE media_artifacts
			SET state = 'claimed', prev_state = 'present', owner = ?, expires_at = ?
			WHERE key = ? AND state = 'present' AND updated_at <= ?`,
			owner, c.now().Add(c.opts.ClaimTTL).UnixMilli(), key, cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n == 1, err
}

// restore hands a reclaim claim back without counting it as a use.
func (c *Cache) restore(ctx context.Context, key, owner string) {
	ctx = context.WithoutCancel(ctx)
	err := store.RetryOnBusy(ctx, func() error {
		_, err := c.db.ExecContext(ctx, `
			UPDATE media_artifacts
			SET state = 'present', prev_state = '', owner = '', expires_at = 0
			WHERE key = ? AND owner = ?`, key, owner)
		return err
	})
	if err != nil {
		c.log.Error("failed to restore artifact after reclaim", "key", key, "error", err)
	}
}

// touch marks a present artifact as used. It reports false when the
// artifact is no longer present, for example because a reclaim claimed it.
func (c *Cache) touch(ctx context.Context, key string) (bool, error) {
	var n int64
	err := store.RetryOnBusy(ctx, func() error {
		res, err := c.db.ExecContext(ctx,
			`UPDATE media_artifacts SET updated_at = ? WHERE key = ? AND state = 'present'`,
			c.now().UnixMilli(), key)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n == 1, err
}

// ReleaseOverride deletes a per-card override artifact once its card no
// longer points at it. Canonical keys are shared and left alone.
func (c *Cache) ReleaseOverride(ctx context.Context, key string) error {
	if key == "" || !IsOverrideKey(key) {
		return nil
	}
	return c.remove(ctx, key)
}

func (c *Cache) remove(ctx context.Context, key string) error {
	if err := c.objects.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return store.RetryOnBusy(ctx, func() error {
		_, err := c.db.ExecContext(ctx,
			`DELETE FROM media_artifacts WHERE key = ? AND state != 'claimed'`, key)
		return err
	})
}
