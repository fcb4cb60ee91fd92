package audio

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"codeberg.org/snonux/hanzirecall/internal/domain"
)

// ESpeakConfig holds configuration for espeak-ng audio generation
type ESpeakConfig struct {
	Voice     string // Voice variant, "cmn" for Mandarin
	Speed     int    // Speech speed in words per minute (default: 130)
	Pitch     int    // Pitch adjustment, 0 to 99 (default: 50)
	Amplitude int    // Volume/amplitude, 0 to 200 (default: 100)
}

// DefaultConfig returns the default configuration for the Mandarin voice
func DefaultConfig() *ESpeakConfig {
	return &ESpeakConfig{
		Voice:     "cmn",
		Speed:     130,
		Pitch:     50,
		Amplitude: 100,
	}
}

// ESpeakProvider speaks text with the local espeak-ng binary. Output is
// converted to MP3 when ffmpeg is installed and kept as WAV otherwise.
type ESpeakProvider struct {
	config *ESpeakConfig
	binary string
}

// NewESpeakProvider creates a new espeak-ng provider. Zero fields of config
// take their defaults.
func NewESpeakProvider(config *ESpeakConfig) *ESpeakProvider {
	merged := DefaultConfig()
	if config != nil {
		if config.Voice != "" {
			merged.Voice = config.Voice
		}
		if config.Speed > 0 {
			merged.Speed = clamp(config.Speed, 80, 450)
		}
		if config.Pitch > 0 {
			merged.Pitch = clamp(config.Pitch, 0, 99)
		}
		if config.Amplitude > 0 {
			merged.Amplitude = clamp(config.Amplitude, 0, 200)
		}
	}
	return &ESpeakProvider{config: merged, binary: "espeak-ng"}
}

// Generate renders the text to a temporary WAV file and returns its bytes.
func (p *ESpeakProvider) Generate(ctx context.Context, req Request) (*domain.Artifact, error) {
	if err := ValidateText(req.Text); err != nil {
		return nil, &domain.ProviderError{Provider: p.Name(), Op: "speech", Err: err, Permanent: true}
	}

	dir, err := os.MkdirTemp("", "hanzirecall-espeak-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	wav := filepath.Join(dir, "speech.wav")
	args := []string{
		"-v", p.config.Voice,
		"-s", fmt.Sprintf("%d", p.config.Speed),
		"-p", fmt.Sprintf("%d", p.config.Pitch),
		"-a", fmt.Sprintf("%d", p.config.Amplitude),
		"-w", wav,
		preprocessText(req.Text),
	}
	if output, err := exec.CommandContext(ctx, p.binary, args...).CombinedOutput(); err != nil {
		return nil, &domain.ProviderError{
			Provider: p.Name(),
			Op:       "speech",
			Err:      fmt.Errorf("espeak-ng failed: %w: %s", err, output),
		}
	}

	mp3 := filepath.Join(dir, "speech.mp3")
	if err := convertWAVToMP3(ctx, wav, mp3); err == nil {
		return readArtifact(mp3, "audio/mpeg")
	}
	return readArtifact(wav, "audio/wav")
}

// Name returns the provider name
func (p *ESpeakProvider) Name() string {
	return "espeak-ng"
}

// IsAvailable checks if espeak-ng is installed
func (p *ESpeakProvider) IsAvailable() error {
	if _, err := exec.LookPath(p.binary); err != nil {
		return fmt.Errorf("espeak-ng is not installed or not in PATH: %w", err)
	}
	return nil
}

// ListVoices returns the espeak-ng voice variants usable for Mandarin
func ListVoices() []string {
	return []string{
		"cmn",
		"cmn+m1",
		"cmn+m3",
		"cmn+f2",
		"cmn+f4",
		"yue", // Cantonese
	}
}

func convertWAVToMP3(ctx context.Context, wavFile, mp3File string) error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg is not installed or not in PATH: %w", err)
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", "-loglevel", "error", "-i", wavFile, "-acodec", "libmp3lame", "-y", mp3File)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg conversion failed: %w: %s", err, output)
	}
	return nil
}

func readArtifact(path, contentType string) (*domain.Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return nil, &domain.ProviderError{Provider: "espeak-ng", Op: "speech", Err: fmt.Errorf("empty output")}
	}
	return &domain.Artifact{Data: data, ContentType: contentType}, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
