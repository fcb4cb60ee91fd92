// Package anki exports enriched collections as Anki import files: a CSV
// with one note per card and a collection.media folder holding the audio
// and image files it references.
package anki

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"codeberg.org/snonux/hanzirecall/internal/domain"
)

// Card represents a single Anki flashcard
type Card struct {
	Symbol        string
	Pronunciation string
	Meaning       string
	AudioKey      string // media key of the pronunciation
	ImageKey      string // media key of the illustration
	Notes         string
}

// MediaSource returns stored artifact bytes by key.
type MediaSource interface {
	Open(ctx context.Context, key string) ([]byte, string, error)
}

// GeneratorOptions configures the Anki export
type GeneratorOptions struct {
	OutputDir      string // receives import.csv and collection.media/
	IncludeHeaders bool
}

// DefaultGeneratorOptions returns sensible defaults
func DefaultGeneratorOptions() *GeneratorOptions {
	return &GeneratorOptions{
		OutputDir:      "anki",
		IncludeHeaders: true,
	}
}

// Generator creates Anki-compatible import files
type Generator struct {
	options *GeneratorOptions
	cards   []Card
}

// NewGenerator creates a new Anki generator
func NewGenerator(options *GeneratorOptions) *Generator {
	if options == nil {
		options = DefaultGeneratorOptions()
	}
	return &Generator{options: options}
}

// AddCard adds a card to the export
func (g *Generator) AddCard(card Card) {
	g.cards = append(g.cards, card)
}

// Cards returns the cards added so far.
func (g *Generator) Cards() []Card {
	return g.cards
}

// AddCollection adds the enriched and partially enriched cards of a
// collection in position order. It returns how many were left out.
func (g *Generator) AddCollection(cards []*domain.Card) (skipped int) {
	for _, c := range cards {
		if !c.Status().HasMedia() {
			skipped++
			continue
		}
		meaning, pronunciation := c.Reading()
		image, audio := c.Media()
		g.AddCard(Card{
			Symbol:        c.Symbol,
			Pronunciation: pronunciation,
			Meaning:       meaning,
			AudioKey:      audio.Key,
			ImageKey:      image.Key,
			Notes:         c.FailureReason(),
		})
	}
	return skipped
}

// Export writes import.csv and copies every referenced artifact from src
// into collection.media. It returns the CSV path.
func (g *Generator) Export(ctx context.Context, src MediaSource) (string, error) {
	mediaDir := filepath.Join(g.options.OutputDir, "collection.media")
	if err := os.MkdirAll(mediaDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create media directory: %w", err)
	}

	copied := make(map[string]struct{})
	for _, card := range g.cards {
		for _, key := range []string{card.AudioKey, card.ImageKey} {
			if key == "" {
				continue
			}
			if _, ok := copied[key]; ok {
				continue
			}
			if err := copyMedia(ctx, src, key, mediaDir); err != nil {
				return "", err
			}
			copied[key] = struct{}{}
		}
	}

	path := filepath.Join(g.options.OutputDir, "import.csv")
	if err := g.writeCSV(path); err != nil {
		return "", err
	}
	return path, nil
}

func (g *Generator) writeCSV(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if g.options.IncludeHeaders {
		headers := []string{"Symbol", "Pinyin", "Meaning", "Audio", "Image", "Notes"}
		if err := writer.Write(headers); err != nil {
			return fmt.Errorf("failed to write headers: %w", err)
		}
	}
	for _, card := range g.cards {
		record := []string{
			card.Symbol,
			card.Pronunciation,
			card.Meaning,
			formatAudioField(card.AudioKey),
			formatImageField(card.ImageKey),
			card.Notes,
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write card: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}
	return file.Close()
}

// MediaFilename flattens a media key into a single file name, which is
// what Anki expects inside collection.media.
func MediaFilename(key string) string {
	return strings.ReplaceAll(key, "/", "_")
}

// Anki audio format: [sound:filename.mp3]
func formatAudioField(key string) string {
	if key == "" {
		return ""
	}
	return fmt.Sprintf("[sound:%s]", MediaFilename(key))
}

func formatImageField(key string) string {
	if key == "" {
		return ""
	}
	return fmt.Sprintf(`<img src="%s">`, MediaFilename(key))
}

func copyMedia(ctx context.Context, src MediaSource, key, dir string) error {
	data, _, err := src.Open(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read media %s: %w", key, err)
	}
	if err := os.WriteFile(filepath.Join(dir, MediaFilename(key)), data, 0644); err != nil {
		return fmt.Errorf("failed to write media %s: %w", key, err)
	}
	return nil
}

// Stats returns statistics about the exported cards
func (g *Generator) Stats() (totalCards, withAudio, withImages int) {
	totalCards = len(g.cards)
	for _, card := range g.cards {
		if card.AudioKey != "" {
			withAudio++
		}
		if card.ImageKey != "" {
			withImages++
		}
	}
	return
}
