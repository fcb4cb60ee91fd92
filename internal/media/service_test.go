package media_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"codeberg.org/snonux/hanzirecall/internal/domain"
	"codeberg.org/snonux/hanzirecall/internal/media"
	"codeberg.org/snonux/hanzirecall/internal/testutil"
)

func TestServiceCallsProviders(t *testing.T) {
	images := &testutil.MockImageGenerator{}
	speech := &testutil.MockSpeechProvider{}
	s := media.New(images, speech, media.Options{
		RequestsPerSecond: 1000,
		Burst:             100,
		MaxConcurrent:     2,
		BreakerFailures:   3,
		BreakerTimeout:    time.Hour,
	})
	ctx := context.Background()
	req := media.Request{Symbol: "猫", Meaning: "cat", Pronunciation: "māo"}

	img, err := s.Image(ctx, req)
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if !bytes.Equal(img.Data, testutil.GenerateImageData("猫", "māo")) || img.ContentType != "image/png" {
		t.Errorf("image artifact = %q %s", img.Data, img.ContentType)
	}
	aud, err := s.Audio(ctx, req)
	if err != nil {
		t.Fatalf("Audio: %v", err)
	}
	if !bytes.Equal(aud.Data, testutil.GenerateAudioData("猫", "māo")) {
		t.Errorf("audio artifact = %q", aud.Data)
	}

	if len(images.Calls) != 1 || images.Calls[0] != "Image: 猫 (cat)" {
		t.Errorf("image calls = %v", images.Calls)
	}
	if len(speech.Calls) != 1 || speech.Calls[0] != "TTS: 猫 (māo)" {
		t.Errorf("speech calls = %v", speech.Calls)
	}
}

func TestServicePassesProviderErrorsThrough(t *testing.T) {
	rejected := &domain.ProviderError{Provider: "mock-speech", Op: "audio", Err: errors.New("voice rejected"), Permanent: true}
	images := &testutil.MockImageGenerator{Err: errors.New("connection reset")}
	speech := &testutil.MockSpeechProvider{Err: rejected}
	s := media.New(images, speech, media.Options{
		RequestsPerSecond: 1000,
		Burst:             100,
		MaxConcurrent:     2,
		BreakerFailures:   3,
		BreakerTimeout:    time.Hour,
	})
	ctx := context.Background()
	req := media.Request{Symbol: "狗", Meaning: "dog", Pronunciation: "gǒu"}

	if _, err := s.Audio(ctx, req); !errors.Is(err, rejected) || domain.IsTransient(err) {
		t.Errorf("audio error = %v, want the permanent provider error", err)
	}
	if _, err := s.Image(ctx, req); err == nil || !domain.IsTransient(err) {
		t.Errorf("image error = %v, want a transient error", err)
	}
}
