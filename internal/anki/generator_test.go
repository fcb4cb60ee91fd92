package anki

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"codeberg.org/snonux/hanzirecall/internal/domain"
	"codeberg.org/snonux/hanzirecall/internal/testutil"
)

type fakeMedia map[string][]byte

func (m fakeMedia) Open(_ context.Context, key string) ([]byte, string, error) {
	data, ok := m[key]
	if !ok {
		return nil, "", fmt.Errorf("artifact %s: %w", key, domain.ErrNotFound)
	}
	return data, "application/octet-stream", nil
}

func testCards() []*domain.Card {
	return []*domain.Card{
		{ID: "1", Symbol: "猫", State: domain.Enriched{
			Meaning: "cat", Pronunciation: "māo",
			Image: domain.MediaRef{Kind: domain.MediaImage, Key: "image/ab/cat.png"},
			Audio: domain.MediaRef{Kind: domain.MediaAudio, Key: "audio/cd/mao.mp3"},
		}},
		{ID: "2", Symbol: "的", State: domain.PartiallyEnriched{
			Meaning: "possessive particle", Pronunciation: "de",
			Image:  domain.MediaRef{Kind: domain.MediaImage, Skipped: true},
			Audio:  domain.MediaRef{Kind: domain.MediaAudio, Key: "audio/ef/de.mp3"},
			Reason: "image: skipped",
		}},
		{ID: "3", Symbol: "狗", State: domain.Failed{Reason: "no dictionary entry"}},
		{ID: "4", Symbol: "书", State: domain.Unenriched{}},
	}
}

func TestAddCollection(t *testing.T) {
	gen := NewGenerator(nil)
	if skipped := gen.AddCollection(testCards()); skipped != 2 {
		t.Errorf("skipped = %d, want 2", skipped)
	}
	cards := gen.Cards()
	if len(cards) != 2 {
		t.Fatalf("got %d cards, want 2", len(cards))
	}
	if cards[0].Symbol != "猫" || cards[0].Pronunciation != "māo" || cards[0].ImageKey != "image/ab/cat.png" {
		t.Errorf("first card = %+v", cards[0])
	}
	if cards[1].ImageKey != "" || cards[1].Notes != "image: skipped" {
		t.Errorf("partial card = %+v", cards[1])
	}

	total, withAudio, withImages := gen.Stats()
	if total != 2 || withAudio != 2 || withImages != 1 {
		t.Errorf("Stats() = %d, %d, %d, want 2, 2, 1", total, withAudio, withImages)
	}
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	gen := NewGenerator(&GeneratorOptions{OutputDir: dir, IncludeHeaders: true})
	gen.AddCollection(testCards())

	media := fakeMedia{
		"image/ab/cat.png": testutil.GenerateImageData("猫", "māo"),
		"audio/cd/mao.mp3": testutil.GenerateAudioData("猫", "māo"),
		"audio/ef/de.mp3":  testutil.GenerateAudioData("的", "de"),
	}
	path, err := gen.Export(context.Background(), media)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	testutil.AssertFileContains(t, path, "Symbol,Pinyin,Meaning")
	testutil.AssertFileContains(t, path, "[sound:audio_ef_de.mp3]")

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want header plus 2", len(records))
	}
	want := []string{"猫", "māo", "cat", "[sound:audio_cd_mao.mp3]", `<img src="image_ab_cat.png">`, ""}
	for i, field := range want {
		if records[1][i] != field {
			t.Errorf("record[1][%d] = %q, want %q", i, records[1][i], field)
		}
	}
	if records[2][4] != "" {
		t.Errorf("skipped image field = %q, want empty", records[2][4])
	}

	for key, data := range media {
		file := filepath.Join(dir, "collection.media", MediaFilename(key))
		testutil.AssertFileExists(t, file)
		got, err := os.ReadFile(file)
		if err != nil {
			t.Errorf("media %s not copied: %v", key, err)
			continue
		}
		if string(got) != string(data) {
			t.Errorf("media %s = %q, want %q", key, got, data)
		}
	}
}

func TestExportMissingMedia(t *testing.T) {
	gen := NewGenerator(&GeneratorOptions{OutputDir: t.TempDir()})
	gen.AddCollection(testCards())
	if _, err := gen.Export(context.Background(), fakeMedia{}); err == nil {
		t.Error("Export with missing media succeeded")
	}
}

func TestMediaFilename(t *testing.T) {
	tests := map[string]string{
		"audio/ab/cdef.mp3":          "audio_ab_cdef.mp3",
		"override/image/12/3456.png": "override_image_12_3456.png",
		"plain.png":                  "plain.png",
	}
	for key, want := range tests {
		if got := MediaFilename(key); got != want {
			t.Errorf("MediaFilename(%q) = %q, want %q", key, got, want)
		}
	}
}
