// Package config loads the hanzirecall configuration from viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete runtime configuration.
type Config struct {
	Database       DatabaseConfig       `mapstructure:"database"`
	Media          MediaConfig          `mapstructure:"media"`
	Server         ServerConfig         `mapstructure:"server"`
	Log            LogConfig            `mapstructure:"log"`
	Workers        WorkersConfig        `mapstructure:"workers"`
	Retry          RetryConfig          `mapstructure:"retry"`
	Limits         LimitsConfig         `mapstructure:"limits"`
	Retention      RetentionConfig      `mapstructure:"retention"`
	Intake         IntakeConfig         `mapstructure:"intake"`
	Dictionary     DictionaryConfig     `mapstructure:"dictionary"`
	Image          ImageConfig          `mapstructure:"image"`
	Audio          AudioConfig          `mapstructure:"audio"`
	Disambiguation DisambiguationConfig `mapstructure:"disambiguation"`
	SkipList       SkipListConfig       `mapstructure:"skip_list"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// MediaConfig controls the shared media cache.
type MediaConfig struct {
	Dir          string        `mapstructure:"dir"`
	ClaimTTL     time.Duration `mapstructure:"claim_ttl"`
	WaitInterval time.Duration `mapstructure:"wait_interval"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig selects the slog handler. Format is "text" or "json".
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// WorkersConfig sizes the worker pool of each queue.
type WorkersConfig struct {
	Intake       int           `mapstructure:"intake"`
	Collection   int           `mapstructure:"collection"`
	Card         int           `mapstructure:"card"`
	Admin        int           `mapstructure:"admin"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Visibility   time.Duration `mapstructure:"visibility"`
}

// RetryConfig is the exponential backoff schedule for transient failures.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

// LimitsConfig protects provider quotas. BatchSize and BatchDelay pace the
// collection fan-out; the token bucket and concurrency cap are shared by
// every worker.
type LimitsConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	BatchDelay        time.Duration `mapstructure:"batch_delay"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxConcurrent     int64         `mapstructure:"max_concurrent"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout    time.Duration `mapstructure:"breaker_timeout"`
}

// RetentionConfig controls how long terminal jobs are kept.
type RetentionConfig struct {
	Completed time.Duration `mapstructure:"completed"`
	Failed    time.Duration `mapstructure:"failed"`
	Interval  time.Duration `mapstructure:"interval"`
}

// IntakeConfig controls symbol validation. Scripts are unicode range table
// names such as "Han".
type IntakeConfig struct {
	Scripts        []string `mapstructure:"scripts"`
	MaxSymbolRunes int      `mapstructure:"max_symbol_runes"`
}

// DictionaryConfig selects where readings come from. Provider "store" uses
// only the local table, "openai" falls back to a chat lookup and writes the
// answer through to the table.
type DictionaryConfig struct {
	Provider    string `mapstructure:"provider"`
	OpenAIKey   string `mapstructure:"openai_key"`
	OpenAIModel string `mapstructure:"openai_model"`
	SeedFile    string `mapstructure:"seed_file"`
}

type ImageConfig struct {
	Provider      string `mapstructure:"provider"`
	OpenAIKey     string `mapstructure:"openai_key"`
	OpenAIModel   string `mapstructure:"openai_model"`
	OpenAISize    string `mapstructure:"openai_size"`
	OpenAIQuality string `mapstructure:"openai_quality"`
	OpenAIStyle   string `mapstructure:"openai_style"`
	GeminiKey     string `mapstructure:"gemini_key"`
	ImagenModel   string `mapstructure:"imagen_model"`
}

type AudioConfig struct {
	Provider          string  `mapstructure:"provider"`
	Fallback          bool    `mapstructure:"fallback"`
	OpenAIKey         string  `mapstructure:"openai_key"`
	OpenAIModel       string  `mapstructure:"openai_model"`
	OpenAIVoice       string  `mapstructure:"openai_voice"`
	OpenAISpeed       float64 `mapstructure:"openai_speed"`
	OpenAIInstruction string  `mapstructure:"openai_instruction"`
	ESpeakVoice       string  `mapstructure:"espeak_voice"`
	ESpeakSpeed       int     `mapstructure:"espeak_speed"`
}

// FrequencyOverride labels one reading in the disambiguation ranking.
type FrequencyOverride struct {
	Symbol        string `mapstructure:"symbol"`
	Pronunciation string `mapstructure:"pronunciation"`
	Hint          string `mapstructure:"hint"`
}

type DisambiguationConfig struct {
	Frequencies []FrequencyOverride `mapstructure:"frequencies"`
}

// SkipListConfig replaces the built-in closed-class lists when non-empty.
type SkipListConfig struct {
	Image []string `mapstructure:"image"`
	Audio []string `mapstructure:"audio"`
}

// StateDir is the default directory for the database and media.
func StateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "state", "hanzirecall")
}

const speechInstruction = "You are a Mandarin Chinese teacher. Speak standard Putonghua slowly and clearly for language learners."

// Default returns the configuration used when nothing is set.
func Default() *Config {
	state := StateDir()
	return &Config{
		Database: DatabaseConfig{Path: filepath.Join(state, "hanzirecall.db")},
		Media: MediaConfig{
			Dir:          filepath.Join(state, "media"),
			ClaimTTL:     2 * time.Minute,
			WaitInterval: 500 * time.Millisecond,
		},
		Server: ServerConfig{Addr: "127.0.0.1:8080", ShutdownTimeout: 30 * time.Second},
		Log:    LogConfig{Level: "info", Format: "text"},
		Workers: WorkersConfig{
			Intake:       1,
			Collection:   1,
			Card:         4,
			Admin:        1,
			PollInterval: time.Second,
			Visibility:   5 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:     5,
			InitialInterval: 2 * time.Second,
			MaxInterval:     2 * time.Minute,
			Multiplier:      2,
		},
		Limits: LimitsConfig{
			BatchSize:         5,
			BatchDelay:        2 * time.Second,
			RequestsPerSecond: 1,
			Burst:             2,
			MaxConcurrent:     2,
			BreakerFailures:   5,
			BreakerTimeout:    time.Minute,
		},
		Retention: RetentionConfig{
			Completed: 24 * time.Hour,
			Failed:    7 * 24 * time.Hour,
			Interval:  time.Hour,
		},
		Intake:     IntakeConfig{Scripts: []string{"Han"}, MaxSymbolRunes: 8},
		Dictionary: DictionaryConfig{Provider: "openai", OpenAIModel: "gpt-4o-mini"},
		Image: ImageConfig{
			Provider:      "openai",
			OpenAIModel:   "dall-e-3",
			OpenAISize:    "1024x1024",
			OpenAIQuality: "standard",
			OpenAIStyle:   "natural",
			ImagenModel:   "imagen-3.0-generate-002",
		},
		Audio: AudioConfig{
			Provider:          "openai",
			Fallback:          true,
			OpenAIModel:       "gpt-4o-mini-tts",
			OpenAIVoice:       "alloy",
			OpenAISpeed:       0.9,
			OpenAIInstruction: speechInstruction,
			ESpeakVoice:       "cmn",
			ESpeakSpeed:       130,
		},
	}
}

// Load reads the configuration from v on top of the defaults and applies
// API keys from the environment.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyEnvKeys()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvKeys() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if c.Image.OpenAIKey == "" {
			c.Image.OpenAIKey = key
		}
		if c.Audio.OpenAIKey == "" {
			c.Audio.OpenAIKey = key
		}
		if c.Dictionary.OpenAIKey == "" {
			c.Dictionary.OpenAIKey = key
		}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && c.Image.GeminiKey == "" {
		c.Image.GeminiKey = key
	}
}

// Validate checks the values a running pipeline depends on.
func (c *Config) Validate() error {
	var problems []string
	if c.Database.Path == "" {
		problems = append(problems, "database.path is empty")
	}
	if c.Media.Dir == "" {
		problems = append(problems, "media.dir is empty")
	}
	if c.Media.ClaimTTL <= 0 {
		problems = append(problems, "media.claim_ttl must be positive")
	}
	for name, n := range map[string]int{
		"workers.intake":     c.Workers.Intake,
		"workers.collection": c.Workers.Collection,
		"workers.card":       c.Workers.Card,
		"workers.admin":      c.Workers.Admin,
	} {
		if n < 1 {
			problems = append(problems, name+" must be at least 1")
		}
	}
	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be at least 1")
	}
	if c.Limits.BatchSize < 1 {
		problems = append(problems, "limits.batch_size must be at least 1")
	}
	if c.Limits.RequestsPerSecond <= 0 {
		problems = append(problems, "limits.requests_per_second must be positive")
	}
	if c.Limits.MaxConcurrent < 1 {
		problems = append(problems, "limits.max_concurrent must be at least 1")
	}
	if c.Intake.MaxSymbolRunes < 1 {
		problems = append(problems, "intake.max_symbol_runes must be at least 1")
	}
	switch c.Dictionary.Provider {
	case "store", "openai":
	default:
		problems = append(problems, fmt.Sprintf("unknown dictionary provider %q", c.Dictionary.Provider))
	}
	switch c.Image.Provider {
	case "openai", "imagen", "none":
	default:
		problems = append(problems, fmt.Sprintf("unknown image provider %q", c.Image.Provider))
	}
	switch c.Audio.Provider {
	case "openai", "espeak", "none":
	default:
		problems = append(problems, fmt.Sprintf("unknown audio provider %q", c.Audio.Provider))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
