package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"codeberg.org/snonux/hanzirecall/internal/batch"
	"codeberg.org/snonux/hanzirecall/internal/disambiguation"
	"codeberg.org/snonux/hanzirecall/internal/domain"
	"codeberg.org/snonux/hanzirecall/internal/intake"
	"codeberg.org/snonux/hanzirecall/internal/media"
	"codeberg.org/snonux/hanzirecall/internal/mediacache"
	"codeberg.org/snonux/hanzirecall/internal/progress"
	"codeberg.org/snonux/hanzirecall/internal/queue"
	"codeberg.org/snonux/hanzirecall/internal/store"
)

// errSettled is returned by a handler that already moved its job out of
// the active state, usually by parking it.
var errSettled = errors.New("job settled by handler")

// Options tunes the worker pools and housekeeping.
type Options struct {
	// Workers sizes the pool of each queue. Unlisted queues get one worker.
	Workers      map[domain.QueueName]int
	PollInterval time.Duration
	// Visibility must match the queue lease; jobs are extended at a third
	// of it.
	Visibility time.Duration
	Batch      batch.Runner
	Intake     intake.Options
	// KeepCompleted and KeepFailed are the job retention periods, applied
	// every CleanupInterval.
	KeepCompleted   time.Duration
	KeepFailed      time.Duration
	CleanupInterval time.Duration
	EventBuffer     int
	Logger          *slog.Logger
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.Batch.Size < 1 {
		o.Batch.Size = 5
	}
	if o.EventBuffer < 1 {
		o.EventBuffer = 256
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Processor runs the enrichment pipeline.
type Processor struct {
	store    *store.Store
	queue    *queue.Queue
	cache    *mediacache.Cache
	resolver *disambiguation.Service
	media    media.Generator
	opts     Options
	log      *slog.Logger
	events   chan progress.Event

	// refreshMu serializes collection aggregation so a stale count never
	// overwrites a newer one.
	refreshMu sync.Mutex

	stopClaims context.CancelFunc
	abort      context.CancelFunc
	done       chan struct{}
}

// New wires a processor. Call Start to launch the workers.
func New(st *store.Store, q *queue.Queue, cache *mediacache.Cache, resolver *disambiguation.Service, gen media.Generator, opts Options) *Processor {
	opts.defaults()
	return &Processor{
		store:    st,
		queue:    q,
		cache:    cache,
		resolver: resolver,
		media:    gen,
		opts:     opts,
		log:      opts.Logger.With("component", "processor"),
		events:   make(chan progress.Event, opts.EventBuffer),
	}
}

// Events is the output channel of progress events. It is never closed.
func (p *Processor) Events() <-chan progress.Event {
	return p.events
}

// Start launches a worker pool per queue and the retention loop. Workers
// stop claiming when ctx is cancelled or Shutdown is called.
func (p *Processor) Start(ctx context.Context) error {
	if p.done != nil {
		return errors.New("processor already started")
	}

	claimCtx, stop := context.WithCancel(ctx)
	runCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	p.stopClaims, p.abort = stop, abort
	p.done = make(chan struct{})

	g, gctx := errgroup.WithContext(claimCtx)
	for _, name := range domain.Queues {
		n := p.opts.Workers[name]
		if n < 1 {
			n = 1
		}
		for range n {
			g.Go(func() error {
				p.work(gctx, runCtx, name)
				return nil
			})
		}
	}
	g.Go(func() error {
		p.housekeep(gctx)
		return nil
	})

	go func() {
		_ = g.Wait()
		close(p.done)
	}()
	p.log.Info("processor started", "workers", p.opts.Workers)
	return nil
}

// Shutdown stops claiming new jobs and waits for in-flight jobs. When ctx
// expires first the running handlers are cancelled; their leases expire and
// the jobs are delivered again after a restart.
func (p *Processor) Shutdown(ctx context.Context) error {
	if p.done == nil {
		return nil
	}
	p.stopClaims()
	select {
	case <-p.done:
		p.abort()
		p.log.Info("processor stopped")
		return nil
	case <-ctx.Done():
		p.abort()
		<-p.done
		p.log.Warn("processor stopped before in-flight jobs drained")
		return ctx.Err()
	}
}

func (p *Processor) work(claimCtx, runCtx context.Context, name domain.QueueName) {
	log := p.log.With("queue", name)
	for {
		wake := p.queue.Signal(name)
		job, err := p.queue.Claim(claimCtx, name)
		if err != nil && claimCtx.Err() == nil {
			log.Error("claim failed", "error", err)
		}
		if job != nil {
			p.run(runCtx, job)
			continue
		}

		select {
		case <-claimCtx.Done():
			return
		case <-wake:
		case <-time.After(p.opts.PollInterval):
		}
	}
}

type handler func(ctx context.Context, job *domain.Job) (any, error)

func (p *Processor) handler(typ domain.JobType) handler {
	switch typ {
	case domain.JobImport:
		return p.handleImport
	case domain.JobEnrichCollection:
		return p.handleCollection
	case domain.JobEnrichCard, domain.JobReenrichCard:
		return p.handleCard
	}
	return nil
}

func (p *Processor) run(ctx context.Context, job *domain.Job) {
	log := p.jobLogger(job)
	h := p.handler(job.Type)
	if h == nil {
		log.Error("no handler for job type")
		if err := p.queue.Fail(ctx, job.ID, fmt.Errorf("unknown job type %q", job.Type)); err != nil {
			log.Error("fail job", "error", err)
		}
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, job.ID)
	start := time.Now()
	result, err := h(ctx, job)
	stopHeartbeat()

	switch {
	case errors.Is(err, errSettled):
		log.Info("job left active state", "duration", time.Since(start))
	case err == nil:
		if err := p.queue.Complete(ctx, job.ID, result); err != nil {
			log.Error("complete job", "error", err)
			return
		}
		log.Info("job completed", "duration", time.Since(start))
	default:
		p.fail(ctx, job, err, log)
	}
}

// fail retries a transient failure while attempts remain. A job that will
// not run again hands its card or collection to onFailed.
func (p *Processor) fail(ctx context.Context, job *domain.Job, cause error, log *slog.Logger) {
	if domain.IsTransient(cause) {
		retried, err := p.queue.Retry(ctx, job, cause)
		if err != nil {
			log.Error("reschedule job", "error", err)
			return
		}
		if retried {
			return
		}
	} else if err := p.queue.Fail(ctx, job.ID, cause); err != nil {
		log.Error("fail job", "error", err)
		return
	}
	log.Warn("job failed", "attempts", job.Attempts, "error", cause)
	p.onFailed(ctx, job, cause)
}

func (p *Processor) onFailed(ctx context.Context, job *domain.Job, cause error) {
	switch job.Type {
	case domain.JobEnrichCard, domain.JobReenrichCard:
		p.failCard(ctx, job, cause)
	case domain.JobImport, domain.JobEnrichCollection:
		p.failCollection(ctx, job.Payload.CollectionID, cause)
	}
}

func (p *Processor) heartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(p.opts.Visibility / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Extend(ctx, jobID); err != nil && ctx.Err() == nil {
				p.log.Warn("extend job lease", "job_id", jobID, "error", err)
			}
		}
	}
}

func (p *Processor) housekeep(ctx context.Context) {
	if p.opts.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.CleanupJobs(ctx); err != nil && ctx.Err() == nil {
				p.log.Error("job retention cleanup", "error", err)
			}
		}
	}
}

// emit hands ev to the progress pump without blocking the worker.
func (p *Processor) emit(ev progress.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case p.events <- ev:
	default:
		p.log.Debug("progress channel full, event dropped", "collection_id", ev.CollectionID, "type", ev.Type)
	}
}

func (p *Processor) jobLogger(job *domain.Job) *slog.Logger {
	return p.log.With(
		"job_id", job.ID,
		"queue", job.Queue,
		"type", job.Type,
		"attempt", job.Attempts,
		"card_id", job.Payload.CardID,
		"collection_id", job.Payload.CollectionID,
	)
}

func (p *Processor) enqueue(ctx context.Context, name domain.QueueName, typ domain.JobType, payload domain.JobPayload) (*queue.Handle, error) {
	h, err := p.queue.Enqueue(ctx, name, typ, payload, queue.EnqueueOptions{})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s job: %w", typ, err)
	}
	return h, nil
}
