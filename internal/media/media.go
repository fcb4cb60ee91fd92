// Package media puts the image and speech providers behind one quota
// protected generator.
//
// Every provider call passes a process-wide token bucket and a weighted
// semaphore shared by all workers, then a per-provider circuit breaker.
// Symbols on the skip lists never reach a provider.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"codeberg.org/snonux/hanzirecall/internal/audio"
	"codeberg.org/snonux/hanzirecall/internal/domain"
	"codeberg.org/snonux/hanzirecall/internal/image"
	"codeberg.org/snonux/hanzirecall/internal/mediacache"
)

// ErrSkip marks a symbol that gets no artifact of a kind.
var ErrSkip = domain.ErrSkipped

// Request is what a card knows once its reading is resolved.
type Request struct {
	Symbol        string
	Meaning       string
	Pronunciation string
}

// Generator produces the media of a card.
type Generator interface {
	Image(ctx context.Context, req Request) (*domain.Artifact, error)
	Audio(ctx context.Context, req Request) (*domain.Artifact, error)
}

// Options configures quota protection and skip lists.
type Options struct {
	RequestsPerSecond float64
	Burst             int
	MaxConcurrent     int64
	BreakerFailures   uint32
	BreakerTimeout    time.Duration
	// SkipImage and SkipAudio replace the built-in lists when non-nil.
	SkipImage []string
	SkipAudio []string
	Logger    *slog.Logger
}

// Service implements Generator on top of the configured providers. A nil
// provider skips its kind entirely.
type Service struct {
	images image.Generator
	speech audio.Provider

	limiter      *rate.Limiter
	sem          *semaphore.Weighted
	imageBreaker *gobreaker.CircuitBreaker
	audioBreaker *gobreaker.CircuitBreaker

	skipImage map[string]struct{}
	skipAudio map[string]struct{}
	log       *slog.Logger
}

// New creates the generator service.
func New(images image.Generator, speech audio.Provider, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 1
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.SkipImage == nil {
		opts.SkipImage = DefaultImageSkipList
	}
	if opts.SkipAudio == nil {
		opts.SkipAudio = DefaultAudioSkipList
	}

	log := opts.Logger.With("component", "media")
	s := &Service{
		images:    images,
		speech:    speech,
		limiter:   rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		sem:       semaphore.NewWeighted(opts.MaxConcurrent),
		skipImage: symbolSet(opts.SkipImage),
		skipAudio: symbolSet(opts.SkipAudio),
		log:       log,
	}
	s.imageBreaker = newBreaker("image", opts, log)
	s.audioBreaker = newBreaker("audio", opts, log)
	return s
}

func newBreaker(name string, opts Options, log *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		// Rejected prompts say nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || !domain.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("provider circuit breaker changed state", "provider", name, "from", from.String(), "to", to.String())
		},
	})
}

// Image generates the illustration of a symbol.
func (s *Service) Image(ctx context.Context, req Request) (*domain.Artifact, error) {
	if s.images == nil || s.skipped(s.skipImage, req.Symbol) {
		return nil, ErrSkip
	}
	return s.call(ctx, s.imageBreaker, "image", func(ctx context.Context) (*domain.Artifact, error) {
		return s.images.Generate(ctx, image.Request{
			Symbol:        req.Symbol,
			Meaning:       req.Meaning,
			Pronunciation: req.Pronunciation,
		})
	})
}

// Audio generates the pronunciation audio of a symbol.
func (s *Service) Audio(ctx context.Context, req Request) (*domain.Artifact, error) {
	if s.speech == nil || s.skipped(s.skipAudio, req.Symbol) {
		return nil, ErrSkip
	}
	return s.call(ctx, s.audioBreaker, "audio", func(ctx context.Context) (*domain.Artifact, error) {
		return s.speech.Generate(ctx, audio.Request{Text: req.Symbol, Pronunciation: req.Pronunciation})
	})
}

func (s *Service) call(ctx context.Context, cb *gobreaker.CircuitBreaker, kind string, fn func(context.Context) (*domain.Artifact, error)) (*domain.Artifact, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for %s quota: %w", kind, err)
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for %s slot: %w", kind, err)
	}
	defer s.sem.Release(1)

	start := time.Now()
	out, err := cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &domain.ProviderError{Provider: cb.Name(), Op: kind, Err: err}
	}
	if err != nil {
		return nil, err
	}
	s.log.Debug("media generated", "kind", kind, "duration", time.Since(start))
	return out.(*domain.Artifact), nil
}

func (s *Service) skipped(list map[string]struct{}, symbol string) bool {
	_, ok := list[mediacache.NormalizeSymbol(symbol)]
	return ok
}

func symbolSet(symbols []string) map[string]struct{} {
	set := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		set[mediacache.NormalizeSymbol(sym)] = struct{}{}
	}
	return set
}
