// Package mediacache is the content-addressed store that makes media
// generation happen at most once per (symbol, pronunciation).
//
// Every artifact row moves through a claim state machine:
//
//	(absent) -> claimed{owner, expires_at} -> present | skipped
//
// Claims are taken with a single compare-and-set statement. A worker that
// loses the race waits for the winner instead of generating again, and a
// claim whose owner died is stolen once it expires.
package mediacache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"codeberg.org/snonux/hanzirecall/internal/domain"
	"codeberg.org/snonux/hanzirecall/internal/storage"
	"codeberg.org/snonux/hanzirecall/internal/store"
)

const (
	stateClaimed = "claimed"
	statePresent = "present"
	stateSkipped = "skipped"
)

// Options configures claim expiry and how often waiters re-check a claim.
type Options struct {
	ClaimTTL     time.Duration
	WaitInterval time.Duration
	Logger       *slog.Logger
}

func (o *Options) defaults() {
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = 2 * time.Minute
	}
	if o.WaitInterval <= 0 {
		o.WaitInterval = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Cache resolves media references through the claim state machine.
type Cache struct {
	db      *sql.DB
	objects storage.ObjectStore
	opts    Options
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// Request describes the artifact a card needs.
type Request struct {
	Symbol        string
	Pronunciation string
	Kind          domain.MediaKind
	// Force regenerates the canonical artifact in place.
	Force bool
	// Override generates under a fresh per-card key and leaves the
	// canonical artifact untouched.
	Override bool
}

// GenerateFunc produces the artifact on a cache miss. Returning
// domain.ErrSkipped records the key as skipped.
type GenerateFunc func(ctx context.Context) (*domain.Artifact, error)

// Artifact is a row of the artifact table.
type Artifact struct {
	Key         string
	Kind        domain.MediaKind
	State       string
	Owner       string
	ExpiresAt   time.Time
	ContentType string
	Size        int
	UpdatedAt   time.Time
}

// New creates a cache on db storing bytes in objects.
func New(db *sql.DB, objects storage.ObjectStore, opts Options) *Cache {
	opts.defaults()
	return &Cache{
		db:      db,
		objects: objects,
		opts:    opts,
		log:     opts.Logger.With("component", "mediacache"),
		now:     time.Now,
		waiters: make(map[string]chan struct{}),
	}
}

// EnsureSchema creates the artifact table if it does not exist.
func (c *Cache) EnsureSchema(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS media_artifacts (
			key          TEXT PRIMARY KEY,
			kind         TEXT NOT NULL,
			state        TEXT NOT NULL,
			prev_state   TEXT NOT NULL DEFAULT '',
			owner        TEXT NOT NULL DEFAULT '',
			expires_at   INTEGER NOT NULL DEFAULT 0,
			content_type TEXT NOT NULL DEFAULT '',
			size         INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_media_artifacts_state ON media_artifacts (state, updated_at);
	`)
	return err
}

// Resolve returns a reference to the artifact for req, generating it only
// when no artifact exists and no other worker is already generating it.
func (c *Cache) Resolve(ctx context.Context, req Request, generate GenerateFunc) (domain.MediaRef, error) {
	if req.Override {
		return c.resolveOverride(ctx, req, generate)
	}

	key := Key(req.Symbol, req.Pronunciation, req.Kind)
	ref := domain.MediaRef{Key: key, Kind: req.Kind}
	force := req.Force

	for {
		if !force {
			a, err := c.lookup(ctx, key)
			if err != nil {
				return ref, &domain.StorageError{Op: "lookup", Key: key, Err: err}
			}
			if a != nil {
				switch a.State {
				case statePresent:
					live, err := c.touch(ctx, key)
					if err != nil {
						return ref, &domain.StorageError{Op: "touch", Key: key, Err: err}
					}
					if !live {
						continue
					}
					ok, err := c.objects.Exists(ctx, key)
					if err != nil {
						return ref, &domain.StorageError{Op: "exists", Key: key, Err: err}
					}
					if ok {
						ref.Cached = true
						return ref, nil
					}
					c.log.Warn("artifact recorded but object missing, regenerating", "key", key)
					force = true
				case stateSkipped:
					return domain.MediaRef{Kind: req.Kind, Skipped: true, Cached: true}, nil
				}
			}
		}

		owner := uuid.NewString()
		won, err := c.claim(ctx, key, req.Kind, owner, force)
		if err != nil {
			return ref, &domain.StorageError{Op: "claim", Key: key, Err: err}
		}
		if won {
			return c.fill(ctx, key, owner, req.Kind, generate)
		}

		race := &domain.CacheRaceError{Key: key}
		c.log.Debug("waiting for in-flight generation", "key", key, "reason", race.Error())
		if err := c.wait(ctx, key); err != nil {
			return ref, err
		}
		// A generation that finished while we waited satisfies a forced
		// refresh too.
		force = false
	}
}

// claim takes the key with one compare-and-set. Without force it only
// succeeds on an absent key or an expired claim; with force it also takes
// present and skipped keys.
func (c *Cache) claim(ctx context.Context, key string, kind domain.MediaKind, owner string, force bool) (bool, error) {
	now := c.now()
	expires := now.Add(c.opts.ClaimTTL)

	cond := `media_artifacts.state = 'claimed' AND media_artifacts.expires_at < ?`
	if force {
		cond = `media_artifacts.state != 'claimed' OR media_artifacts.expires_at < ?`
	}

	var got string
	err := store.RetryOnBusy(ctx, func() error {
		return c.db.QueryRowContext(ctx, `
			INSERT INTO media_artifacts (key, kind, state, owner, expires_at, created_at, updated_at)
			VALUES (?, ?, 'claimed', ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				prev_state = CASE WHEN media_artifacts.state = 'claimed'
					THEN media_artifacts.prev_state ELSE media_artifacts.state END,
				state = 'claimed',
				owner = excluded.owner,
				expires_at = excluded.expires_at,
				updated_at = excluded.updated_at
			WHERE `+cond+`
			RETURNING owner`,
			key, string(kind), owner, expires.UnixMilli(), now.UnixMilli(), now.UnixMilli(),
			now.UnixMilli()).Scan(&got)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return got == owner, nil
}

func (c *Cache) fill(ctx context.Context, key, owner string, kind domain.MediaKind, generate GenerateFunc) (domain.MediaRef, error) {
	ref := domain.MediaRef{Key: key, Kind: kind}
	defer c.notify(key)

	art, err := generate(ctx)
	if errors.Is(err, domain.ErrSkipped) {
		if err := c.finish(context.WithoutCancel(ctx), key, owner, stateSkipped, "", 0); err != nil {
			return ref, &domain.StorageError{Op: "finish", Key: key, Err: err}
		}
		return domain.MediaRef{Kind: kind, Skipped: true}, nil
	}
	if err != nil {
		c.release(ctx, key, owner)
		return ref, err
	}
	if art == nil || len(art.Data) == 0 {
		c.release(ctx, key, owner)
		return ref, fmt.Errorf("generator returned no data for %s", key)
	}

	if err := c.objects.Put(ctx, key, art.Data); err != nil {
		c.release(ctx, key, owner)
		return ref, &domain.StorageError{Op: "put", Key: key, Err: err}
	}
	if err := c.finish(context.WithoutCancel(ctx), key, owner, statePresent, art.ContentType, len(art.Data)); err != nil {
		return ref, &domain.StorageError{Op: "finish", Key: key, Err: err}
	}
	c.log.Info("artifact generated", "key", key, "size", len(art.Data), "content_type", art.ContentType)
	return ref, nil
}

func (c *Cache) finish(ctx context.Context, key, owner, state, contentType string, size int) error {
	var res sql.Result
	err := store.RetryOnBusy(ctx, func() error {
		var err error
		res, err = c.db.ExecContext(ctx, `
			UPDATE media_artifacts
			SET state = ?, prev_state = '', owner = '', expires_at = 0,
				content_type = ?, size = ?, updated_at = ?
			WHERE key = ? AND owner = ?`,
			state, contentType, size, c.now().UnixMilli(), key, owner)
		return err
	})
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		c.log.Warn("claim expired before generation finished", "key", key, "owner", owner)
	}
	return nil
}

// release gives the claim back: a key that was present or skipped before
// a forced refresh returns to that state, a fresh key is removed.
func (c *Cache) release(ctx context.Context, key, owner string) {
	ctx = context.WithoutCancel(ctx)
	err := store.RetryOnBusy(ctx, func() error {
		if _, err := c.db.ExecContext(ctx, `
			UPDATE media_artifacts
			SET state = prev_state, prev_state = '', owner = '', expires_at = 0, updated_at = ?
			WHERE key = ? AND owner = ? AND prev_state IN ('present', 'skipped')`,
			c.now().UnixMilli(), key, owner); err != nil {
			return err
		}
		_, err := c.db.ExecContext(ctx,
			`DELETE FROM media_artifacts WHERE key = ? AND owner = ? AND state = 'claimed'`, key, owner)
		return err
	})
	if err != nil {
		c.log.Error("failed to release claim", "key", key, "error", err)
	}
}

// wait blocks until the claim on key is no longer live.
func (c *Cache) wait(ctx context.Context, key string) error {
	ticker := time.NewTicker(c.opts.WaitInterval)
	defer ticker.Stop()

	for {
		ch := c.waiter(key)
		a, err := c.lookup(ctx, key)
		if err != nil {
			return &domain.StorageError{Op: "lookup", Key: key, Err: err}
		}
		if a == nil || a.State != stateClaimed || a.ExpiresAt.Before(c.now()) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		case <-ticker.C:
		}
	}
}

func (c *Cache) waiter(key string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.waiters[key]
	if !ok {
		ch = make(chan struct{})
		c.waiters[key] = ch
	}
	return ch
}

func (c *Cache) notify(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.waiters[key]; ok {
		close(ch)
		delete(c.waiters, key)
	}
}

func (c *Cache) resolveOverride(ctx context.Context, req Request, generate GenerateFunc) (domain.MediaRef, error) {
	key := OverrideKey(req.Symbol, req.Pronunciation, req.Kind)
	ref := domain.MediaRef{Key: key, Kind: req.Kind}

	art, err := generate(ctx)
	if errors.Is(err, domain.ErrSkipped) {
		return domain.MediaRef{Kind: req.Kind, Skipped: true}, nil
	}
	if err != nil {
		return ref, err
	}
	if art == nil || len(art.Data) == 0 {
		return ref, fmt.Errorf("generator returned no data for %s", key)
	}
	if err := c.objects.Put(ctx, key, art.Data); err != nil {
		return ref, &domain.StorageError{Op: "put", Key: key, Err: err}
	}

	now := c.now().UnixMilli()
	err = store.RetryOnBusy(ctx, func() error {
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO media_artifacts (key, kind, state, content_type, size, created_at, updated_at)
			VALUES (?, ?, 'present', ?, ?, ?, ?)`,
			key, string(req.Kind), art.ContentType, len(art.Data), now, now)
		return err
	})
	if err != nil {
		_ = c.objects.Delete(context.WithoutCancel(ctx), key)
		return ref, &domain.StorageError{Op: "record", Key: key, Err: err}
	}
	c.log.Info("override artifact generated", "key", key, "size", len(art.Data))
	return ref, nil
}

// Lookup returns the artifact row for key, or nil.
func (c *Cache) Lookup(ctx context.Context, key string) (*Artifact, error) {
	return c.lookup(ctx, key)
}

func (c *Cache) lookup(ctx context.Context, key string) (*Artifact, error) {
	var (
		a                  Artifact
		kind               string
		expires, updatedAt int64
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT key, kind, state, owner, expires_at, content_type, size, updated_at
		FROM media_artifacts WHERE key = ?`, key).
		Scan(&a.Key, &kind, &a.State, &a.Owner, &expires, &a.ContentType, &a.Size, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Kind = domain.MediaKind(kind)
	a.ExpiresAt = time.UnixMilli(expires)
	a.UpdatedAt = time.UnixMilli(updatedAt)
	return &a, nil
}

// Open returns the bytes and content type of a present artifact.
func (c *Cache) Open(ctx context.Context, key string) ([]byte, string, error) {
	a, err := c.lookup(ctx, key)
	if err != nil {
		return nil, "", &domain.StorageError{Op: "lookup", Key: key, Err: err}
	}
	if a == nil || a.State != statePresent {
		return nil, "", fmt.Errorf("artifact %s: %w", key, domain.ErrNotFound)
	}
	data, err := c.objects.Get(ctx, key)
	if errors.Is(err, storage.ErrNotExist) {
		return nil, "", fmt.Errorf("artifact %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, "", &domain.StorageError{Op: "get", Key: key, Err: err}
	}
	return data, a.ContentType, nil
}
