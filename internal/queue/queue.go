// Package queue is a SQLite job queue with visibility timeouts.
//
// A claimed job is invisible to other workers until its lease expires. A
// worker that dies mid-job therefore loses the job to the next claimer
// instead of wedging it. Failed attempts are rescheduled with exponential
// backoff, and a job waiting on outside input is parked until woken.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"codeberg.org/snonux/hanzirecall/internal/domain"
	"codeberg.org/snonux/hanzirecall/internal/store"
)

// Options configures leases and the retry schedule.
type Options struct {
	// Visibility is how long a claimed job stays invisible. Default: 5m.
	Visibility time.Duration
	// MaxAttempts caps deliveries of a job. Default: 5.
	MaxAttempts int
	// InitialInterval, MaxInterval and Multiplier shape the retry delay.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Logger          *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 2 * time.Second
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 2 * time.Minute
	}
	if o.Multiplier < 1 {
		o.Multiplier = 2
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Queue is the queue handle. Several logical queues share one table.
type Queue struct {
	db   *sql.DB
	opts Options
	log  *slog.Logger
	now  func() time.Time

	mu      sync.Mutex
	signals map[domain.QueueName]chan struct{}
}

// New creates a queue handle. Call EnsureSchema once at startup.
func New(db *sql.DB, opts Options) *Queue {
	opts.defaults()
	return &Queue{
		db:      db,
		opts:    opts,
		log:     opts.Logger.With("component", "queue"),
		now:     time.Now,
		signals: make(map[domain.QueueName]chan struct{}),
	}
}

// EnsureSchema creates the jobs table and its indexes.
func (q *Queue) EnsureSchema(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id           TEXT PRIMARY KEY,
			queue        TEXT NOT NULL,
			type         TEXT NOT NULL,
			payload      TEXT NOT NULL,
			state        TEXT NOT NULL,
			attempts     INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			visible_at   INTEGER NOT NULL,
			progress     TEXT NOT NULL DEFAULT '',
			result       TEXT NOT NULL DEFAULT '',
			error        TEXT NOT NULL DEFAULT '',
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL,
			finished_at  INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs (queue, state, visible_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs (state, finished_at);
	`)
	return err
}

// EnqueueOptions tunes a single enqueue.
type EnqueueOptions struct {
	MaxAttempts int
	Delay       time.Duration
}

// Handle refers to an enqueued job.
type Handle struct {
	ID string
	q  *Queue
}

// State returns the current queue state of the job.
func (h *Handle) State(ctx context.Context) (domain.JobState, error) {
	job, err := h.q.Get(ctx, h.ID)
	if err != nil {
		return "", err
	}
	return job.State, nil
}

// Progress returns the last progress document the handler reported.
func (h *Handle) Progress(ctx context.Context) (json.RawMessage, error) {
	job, err := h.q.Get(ctx, h.ID)
	if err != nil {
		return nil, err
	}
	return job.Progress, nil
}

// Result returns the result of a completed job, or its error once failed.
func (h *Handle) Result(ctx context.Context) (json.RawMessage, error) {
	job, err := h.q.Get(ctx, h.ID)
	if err != nil {
		return nil, err
	}
	if job.State == domain.JobFailed {
		return nil, errors.New(job.Error)
	}
	return job.Result, nil
}

// Enqueue inserts a job that becomes visible after opts.Delay.
func (q *Queue) Enqueue(ctx context.Context, name domain.QueueName, typ domain.JobType, payload domain.JobPayload, opts EnqueueOptions) (*Handle, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.opts.MaxAttempts
	}

	id := uuid.NewString()
	now := q.now()
	err = store.RetryOnBusy(ctx, func() error {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO jobs (id, queue, type, payload, state, max_attempts, visible_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, string(name), string(typ), string(body), string(domain.JobWaiting), maxAttempts,
			now.Add(opts.Delay).UnixMilli(), now.UnixMilli(), now.UnixMilli())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s job: %w", typ, err)
	}
	q.log.Debug("job enqueued", "job_id", id, "queue", name, "type", typ)
	q.signal(name)
	return &Handle{ID: id, q: q}, nil
}

// Claim atomically picks the oldest visible job of the queue, leases it
// and returns it. Active jobs whose lease ran out are claimable again.
// Returns nil, nil if no job is available.
func (q *Queue) Claim(ctx context.Context, name domain.QueueName) (*domain.Job, error) {
	now := q.now()
	leaseUntil := now.Add(q.opts.Visibility).UnixMilli()

	var job *domain.Job
	err := store.RetryOnBusy(ctx, func() error {
		row := q.db.QueryRowContext(ctx, `
			UPDATE jobs
			SET state = 'active', attempts = attempts + 1, visible_at = ?, updated_at = ?
			WHERE id = (
				SELECT id FROM jobs
				WHERE queue = ? AND state IN ('waiting', 'active') AND visible_at <= ?
				ORDER BY visible_at ASC, created_at ASC
				LIMIT 1
			)
			RETURNING `+jobColumns,
			leaseUntil, now.UnixMilli(), string(name), now.UnixMilli())
		var err error
		job, err = scanJob(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim from %s: %w", name, err)
	}
	return job, nil
}

// Complete marks an active job completed with result.
func (q *Queue) Complete(ctx context.Context, id string, result any) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	now := q.now().UnixMilli()
	return q.update(ctx, id, `
		UPDATE jobs SET state = 'completed', result = ?, error = '', updated_at = ?, finished_at = ?
		WHERE id = ? AND state = 'active'`,
		string(body), now, now, id)
}

// Fail marks a job failed without further retries.
func (q *Queue) Fail(ctx context.Context, id string, cause error) error {
	now := q.now().UnixMilli()
	return q.update(ctx, id, `
		UPDATE jobs SET state = 'failed', error = ?, updated_at = ?, finished_at = ?
		WHERE id = ? AND state IN ('active', 'waiting', 'parked')`,
		domain.Reason(cause), now, now, id)
}

// Retry reschedules an active job after a backoff delay derived from its
// attempt count. It returns false when the attempts are used up; the job
// is then failed.
func (q *Queue) Retry(ctx context.Context, job *domain.Job, cause error) (bool, error) {
	if job.Attempts >= job.MaxAttempts {
		return false, q.Fail(ctx, job.ID, cause)
	}
	delay := q.RetryDelay(job.Attempts)
	now := q.now()
	err := q.update(ctx, job.ID, `
		UPDATE jobs SET state = 'waiting', visible_at = ?, error = ?, updated_at = ?
		WHERE id = ? AND state = 'active'`,
		now.Add(delay).UnixMilli(), domain.Reason(cause), now.UnixMilli(), job.ID)
	if err != nil {
		return false, err
	}
	q.log.Info("job scheduled for retry",
		"job_id", job.ID, "queue", job.Queue, "attempt", job.Attempts, "delay", delay, "error", cause)
	return true, nil
}

// RetryDelay is the backoff before the next delivery after attempt
// failed deliveries.
func (q *Queue) RetryDelay(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     q.opts.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          q.opts.Multiplier,
		MaxInterval:         q.opts.MaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Park suspends an active job until Wake is called. The attempt spent on
// discovering the wait is given back.
func (q *Queue) Park(ctx context.Context, id string) error {
	return q.update(ctx, id, `
		UPDATE jobs SET state = 'parked', attempts = MAX(attempts - 1, 0), visible_at = 0, updated_at = ?
		WHERE id = ? AND state = 'active'`,
		q.now().UnixMilli(), id)
}

// Wake makes a parked job visible again with a replacement payload.
func (q *Queue) Wake(ctx context.Context, id string, payload domain.JobPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	now := q.now().UnixMilli()
	if err := q.update(ctx, id, `
		UPDATE jobs SET state = 'waiting', payload = ?, visible_at = ?, updated_at = ?
		WHERE id = ? AND state = 'parked'`,
		string(body), now, now, id); err != nil {
		return err
	}
	q.signal(job.Queue)
	return nil
}

// Supersede fails a parked job that a newer job for the same work replaced.
func (q *Queue) Supersede(ctx context.Context, id, by string) error {
	now := q.now().UnixMilli()
	return q.update(ctx, id, `
		UPDATE jobs SET state = 'failed', error = ?, updated_at = ?, finished_at = ?
		WHERE id = ? AND state = 'parked'`,
		"superseded by job "+by, now, now, id)
}

// Extend pushes the lease of an active job forward.
func (q *Queue) Extend(ctx context.Context, id string) error {
	now := q.now()
	return q.update(ctx, id, `
		UPDATE jobs SET visible_at = ?, updated_at = ? WHERE id = ? AND state = 'active'`,
		now.Add(q.opts.Visibility).UnixMilli(), now.UnixMilli(), id)
}

// SetProgress stores a progress document for the job.
func (q *Queue) SetProgress(ctx context.Context, id string, progress any) error {
	body, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	return q.update(ctx, id, `UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ?`,
		string(body), q.now().UnixMilli(), id)
}

// Get loads one job.
func (q *Queue) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// Cleanup removes terminal jobs older than the retention windows.
func (q *Queue) Cleanup(ctx context.Context, completed, failed time.Duration) (int64, error) {
	now := q.now()
	var removed int64
	err := store.RetryOnBusy(ctx, func() error {
		res, err := q.db.ExecContext(ctx, `
			DELETE FROM jobs
			WHERE (state = 'completed' AND finished_at <= ?)
			   OR (state = 'failed' AND finished_at <= ?)`,
			now.Add(-completed).UnixMilli(), now.Add(-failed).UnixMilli())
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
	}
	if removed > 0 {
		q.log.Info("terminal jobs removed", "count", removed)
	}
	return removed, nil
}

// Counts returns the number of jobs per state in a queue.
func (q *Queue) Counts(ctx context.Context, name domain.QueueName) (map[domain.JobState]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs WHERE queue = ? GROUP BY state`, string(name))
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.JobState]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[domain.JobState(state)] = n
	}
	return counts, rows.Err()
}

// Signal returns a channel closed the next time a job becomes visible in
// the queue through this handle. Workers select on it next to their poll
// ticker.
func (q *Queue) Signal(name domain.QueueName) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.signals[name]
	if !ok {
		ch = make(chan struct{})
		q.signals[name] = ch
	}
	return ch
}

func (q *Queue) signal(name domain.QueueName) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ch, ok := q.signals[name]; ok {
		close(ch)
		delete(q.signals, name)
	}
}

func (q *Queue) update(ctx context.Context, id, query string, args ...any) error {
	var res sql.Result
	err := store.RetryOnBusy(ctx, func() error {
		var err error
		res, err = q.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s not in expected state: %w", id, domain.ErrConflict)
	}
	return nil
}

const jobColumns = `id, queue, type, payload, state, attempts, max_attempts, visible_at,
	progress, result, error, created_at, updated_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*domain.Job, error) {
	var (
		j                                       domain.Job
		queue, typ, payload, state              string
		progress, result                        string
		visibleAt, createdAt, updated, finished int64
	)
	if err := r.Scan(&j.ID, &queue, &typ, &payload, &state, &j.Attempts, &j.MaxAttempts, &visibleAt,
		&progress, &result, &j.Error, &createdAt, &updated, &finished); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of job %s: %w", j.ID, err)
	}
	j.Queue = domain.QueueName(queue)
	j.Type = domain.JobType(typ)
	j.State = domain.JobState(state)
	if progress != "" {
		j.Progress = json.RawMessage(progress)
	}
	if result != "" {
		j.Result = json.RawMessage(result)
	}
	j.VisibleAt = time.UnixMilli(visibleAt)
	j.CreatedAt = time.UnixMilli(createdAt)
	j.UpdatedAt = time.UnixMilli(updated)
	if finished > 0 {
		j.FinishedAt = time.UnixMilli(finished)
	}
	return &j, nil
}
