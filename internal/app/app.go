// Package app wires configuration into a running pipeline.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"codeberg.org/snonux/hanzirecall/internal/audio"
	"codeberg.org/snonux/hanzirecall/internal/batch"
	"codeberg.org/snonux/hanzirecall/internal/config"
	"codeberg.org/snonux/hanzirecall/internal/dictionary"
	"codeberg.org/snonux/hanzirecall/internal/disambiguation"
	"codeberg.org/snonux/hanzirecall/internal/domain"
	"codeberg.org/snonux/hanzirecall/internal/image"
	"codeberg.org/snonux/hanzirecall/internal/intake"
	"codeberg.org/snonux/hanzirecall/internal/media"
	"codeberg.org/snonux/hanzirecall/internal/mediacache"
	"codeberg.org/snonux/hanzirecall/internal/processor"
	"codeberg.org/snonux/hanzirecall/internal/progress"
	"codeberg.org/snonux/hanzirecall/internal/queue"
	"codeberg.org/snonux/hanzirecall/internal/storage"
	"codeberg.org/snonux/hanzirecall/internal/store"
)

// Options selects what Open builds.
type Options struct {
	// Providers builds the image and audio generators. Without them the
	// processor can enqueue and report but every media kind is skipped,
	// so only commands that never start workers should leave it off.
	Providers bool
	Logger    *slog.Logger
}

// App holds the wired components.
type App struct {
	Config    *config.Config
	Log       *slog.Logger
	Store     *store.Store
	Queue     *queue.Queue
	Cache     *mediacache.Cache
	Resolver  *disambiguation.Service
	Processor *processor.Processor
	Hub       *progress.Hub
}

// Open opens the database and builds every component from cfg.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	st, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Log: log, Store: st}
	if err := a.build(ctx, opts); err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.Config

	a.Queue = queue.New(a.Store.DB(), queue.Options{
		Visibility:      cfg.Workers.Visibility,
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		Multiplier:      cfg.Retry.Multiplier,
		Logger:          a.Log,
	})
	if err := a.Queue.EnsureSchema(ctx); err != nil {
		return err
	}

	objects, err := storage.NewFileStore(cfg.Media.Dir)
	if err != nil {
		return err
	}
	a.Cache = mediacache.New(a.Store.DB(), objects, mediacache.Options{
		ClaimTTL:     cfg.Media.ClaimTTL,
		WaitInterval: cfg.Media.WaitInterval,
		Logger:       a.Log,
	})
	if err := a.Cache.EnsureSchema(ctx); err != nil {
		return err
	}

	dict, err := a.dictionary(ctx, opts.Providers)
	if err != nil {
		return err
	}
	ranking, err := Ranking(cfg.Disambiguation)
	if err != nil {
		return err
	}
	a.Resolver = disambiguation.NewService(dict, a.Store, ranking)

	var gen media.Generator = media.New(nil, nil, a.mediaOptions())
	if opts.Providers {
		images, speech, err := Providers(ctx, cfg, a.Log)
		if err != nil {
			return err
		}
		gen = media.New(images, speech, a.mediaOptions())
	}

	a.Processor = processor.New(a.Store, a.Queue, a.Cache, a.Resolver, gen, processor.Options{
		Workers: map[domain.QueueName]int{
			domain.QueueIntake:     cfg.Workers.Intake,
			domain.QueueCollection: cfg.Workers.Collection,
			domain.QueueCard:       cfg.Workers.Card,
			domain.QueueAdmin:      cfg.Workers.Admin,
		},
		PollInterval:    cfg.Workers.PollInterval,
		Visibility:      cfg.Workers.Visibility,
		Batch:           batch.Runner{Size: cfg.Limits.BatchSize, Delay: cfg.Limits.BatchDelay},
		Intake:          intake.Options{Scripts: cfg.Intake.Scripts, MaxSymbolRunes: cfg.Intake.MaxSymbolRunes},
		KeepCompleted:   cfg.Retention.Completed,
		KeepFailed:      cfg.Retention.Failed,
		CleanupInterval: cfg.Retention.Interval,
		Logger:          a.Log,
	})
	a.Hub = progress.NewHub(0, a.Log)
	return nil
}

func (a *App) mediaOptions() media.Options {
	cfg := a.Config
	return media.Options{
		RequestsPerSecond: cfg.Limits.RequestsPerSecond,
		Burst:             cfg.Limits.Burst,
		MaxConcurrent:     cfg.Limits.MaxConcurrent,
		BreakerFailures:   cfg.Limits.BreakerFailures,
		BreakerTimeout:    cfg.Limits.BreakerTimeout,
		SkipImage:         nonEmpty(cfg.SkipList.Image),
		SkipAudio:         nonEmpty(cfg.SkipList.Audio),
		Logger:            a.Log,
	}
}

// dictionary builds the configured lookup and loads the seed file. A
// missing OpenAI key only matters when providers are requested.
func (a *App) dictionary(ctx context.Context, providers bool) (dictionary.Lookup, error) {
	cfg := a.Config.Dictionary
	if cfg.SeedFile != "" {
		n, err := dictionary.LoadSeed(ctx, a.Store, cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		a.Log.Info("dictionary seeded", "file", cfg.SeedFile, "entries", n)
	}

	local := dictionary.NewStoreLookup(a.Store)
	if cfg.Provider != "openai" {
		return local, nil
	}
	remote, err := dictionary.NewOpenAILookup(&dictionary.OpenAIConfig{APIKey: cfg.OpenAIKey, Model: cfg.OpenAIModel})
	if err != nil {
		if providers {
			return nil, fmt.Errorf("dictionary: %w", err)
		}
		a.Log.Warn("dictionary falls back to the local table", "error", err)
		return local, nil
	}
	return dictionary.NewWriteThrough(a.Store, remote, a.Log), nil
}

// Providers builds the configured image and audio providers. Provider
// "none" yields nil, which skips that kind.
func Providers(ctx context.Context, cfg *config.Config, logger *slog.Logger) (image.Generator, audio.Provider, error) {
	var images image.Generator
	if cfg.Image.Provider != "none" {
		g, err := image.NewGenerator(ctx, &image.Config{
			Provider:      cfg.Image.Provider,
			OpenAIKey:     cfg.Image.OpenAIKey,
			OpenAIModel:   cfg.Image.OpenAIModel,
			OpenAISize:    cfg.Image.OpenAISize,
			OpenAIQuality: cfg.Image.OpenAIQuality,
			OpenAIStyle:   cfg.Image.OpenAIStyle,
			GeminiKey:     cfg.Image.GeminiKey,
			ImagenModel:   cfg.Image.ImagenModel,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("image provider: %w", err)
		}
		images = g
	}

	var speech audio.Provider
	if cfg.Audio.Provider != "none" {
		p, err := audio.NewProvider(&audio.Config{
			Provider:          cfg.Audio.Provider,
			Fallback:          cfg.Audio.Fallback,
			OpenAIKey:         cfg.Audio.OpenAIKey,
			OpenAIModel:       cfg.Audio.OpenAIModel,
			OpenAIVoice:       cfg.Audio.OpenAIVoice,
			OpenAISpeed:       cfg.Audio.OpenAISpeed,
			OpenAIInstruction: cfg.Audio.OpenAIInstruction,
			ESpeakVoice:       cfg.Audio.ESpeakVoice,
			ESpeakSpeed:       cfg.Audio.ESpeakSpeed,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("audio provider: %w", err)
		}
		speech = p
	}
	return images, speech, nil
}

// Ranking builds the disambiguation ranking from the built-in table and
// the configured overrides.
func Ranking(cfg config.DisambiguationConfig) (*disambiguation.FrequencyTable, error) {
	overrides := make([]disambiguation.Override, 0, len(cfg.Frequencies))
	for _, f := range cfg.Frequencies {
		hint := domain.FrequencyHint(f.Hint)
		if !hint.IsValid() {
			return nil, fmt.Errorf("disambiguation: invalid frequency hint %q for %s/%s", f.Hint, f.Symbol, f.Pronunciation)
		}
		overrides = append(overrides, disambiguation.Override{
			Symbol:        f.Symbol,
			Pronunciation: f.Pronunciation,
			Hint:          hint,
		})
	}
	return disambiguation.DefaultFrequencyTable().With(overrides...), nil
}

// Start starts the workers and pumps processor events into the hub.
func (a *App) Start(ctx context.Context) error {
	go a.Hub.Run(ctx, a.Processor.Events())
	return a.Processor.Start(ctx)
}

// Close drains the workers within timeout and closes the database.
func (a *App) Close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return errors.Join(a.Processor.Shutdown(ctx), a.Store.Close())
}

func nonEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}
