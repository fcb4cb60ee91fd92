package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeberg.org/snonux/hanzirecall/internal/audio"
	"codeberg.org/snonux/hanzirecall/internal/domain"
	"codeberg.org/snonux/hanzirecall/internal/image"
	"codeberg.org/snonux/hanzirecall/internal/media"
)

// MockMedia implements media.Generator and records every call as
// "image <symbol>/<pronunciation>" or "audio <symbol>/<pronunciation>".
type MockMedia struct {
	mu sync.Mutex
	// Errors maps a call string to the error it returns.
	Errors map[string]error
	// FailTimes makes a call fail with a transient error that many times
	// before it succeeds.
	FailTimes map[string]int
	// Delay is slept before answering, which widens race windows.
	Delay time.Duration
	Calls []string
}

// NewMockMedia creates an empty mock.
func NewMockMedia() *MockMedia {
	return &MockMedia{Errors: map[string]error{}, FailTimes: map[string]int{}}
}

// Image implements media.Generator.
func (m *MockMedia) Image(ctx context.Context, req media.Request) (*domain.Artifact, error) {
	return m.generate("image", req, GenerateImageData(req.Symbol, req.Pronunciation), "image/png")
}

// Audio implements media.Generator.
func (m *MockMedia) Audio(ctx context.Context, req media.Request) (*domain.Artifact, error) {
	return m.generate("audio", req, GenerateAudioData(req.Symbol, req.Pronunciation), "audio/mpeg")
}

func (m *MockMedia) generate(kind string, req media.Request, data []byte, contentType string) (*domain.Artifact, error) {
	call := fmt.Sprintf("%s %s/%s", kind, req.Symbol, req.Pronunciation)

	m.mu.Lock()
	m.Calls = append(m.Calls, call)
	err := m.Errors[call]
	if err == nil && m.FailTimes[call] > 0 {
		m.FailTimes[call]--
		err = &domain.ProviderError{Provider: "mock", Op: kind, Err: fmt.Errorf("%s temporarily unavailable", kind)}
	}
	delay := m.Delay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return &domain.Artifact{Data: data, ContentType: contentType}, nil
}

// Count returns how often a call string was recorded.
func (m *MockMedia) Count(call string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c == call {
			n++
		}
	}
	return n
}

// Total returns the number of recorded calls.
func (m *MockMedia) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// SetError makes call fail with err, or succeed again when err is nil.
func (m *MockMedia) SetError(call string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.Errors, call)
		return
	}
	m.Errors[call] = err
}

// MockImageGenerator implements image.Generator.
type MockImageGenerator struct {
	mu    sync.Mutex
	Err   error
	Calls []string
}

func (m *MockImageGenerator) Generate(ctx context.Context, req image.Request) (*domain.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, fmt.Sprintf("Image: %s (%s)", req.Symbol, req.Meaning))
	if m.Err != nil {
		return nil, m.Err
	}
	return &domain.Artifact{Data: GenerateImageData(req.Symbol, req.Pronunciation), ContentType: "image/png"}, nil
}

func (m *MockImageGenerator) Name() string { return "mock-image" }

// MockSpeechProvider implements audio.Provider.
type MockSpeechProvider struct {
	mu    sync.Mutex
	Err   error
	Calls []string
}

func (m *MockSpeechProvider) Generate(ctx context.Context, req audio.Request) (*domain.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, fmt.Sprintf("TTS: %s (%s)", req.Text, req.Pronunciation))
	if m.Err != nil {
		return nil, m.Err
	}
	return &domain.Artifact{Data: GenerateAudioData(req.Text, req.Pronunciation), ContentType: "audio/mpeg"}, nil
}

func (m *MockSpeechProvider) Name() string { return "mock-speech" }

func (m *MockSpeechProvider) IsAvailable() error { return nil }

// MockDictionary implements dictionary.Lookup from a fixed table.
type MockDictionary struct {
	mu      sync.Mutex
	Entries map[string][]domain.DictionaryEntry
	Errors  map[string]error
	Calls   []string
}

// NewMockDictionary builds a dictionary from entries, keeping their order.
func NewMockDictionary(entries ...domain.DictionaryEntry) *MockDictionary {
	d := &MockDictionary{Entries: map[string][]domain.DictionaryEntry{}, Errors: map[string]error{}}
	for _, e := range entries {
		d.Entries[e.Symbol] = append(d.Entries[e.Symbol], e)
	}
	return d
}

func (d *MockDictionary) Lookup(ctx context.Context, symbol string) ([]domain.DictionaryEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, "Lookup: "+symbol)
	if err, ok := d.Errors[symbol]; ok {
		return nil, err
	}
	return append([]domain.DictionaryEntry(nil), d.Entries[symbol]...), nil
}

// Entry is shorthand for a single-meaning dictionary entry.
func Entry(symbol, pronunciation, meaning string) domain.DictionaryEntry {
	return domain.DictionaryEntry{Symbol: symbol, Pronunciation: pronunciation, Meanings: []string{meaning}}
}

// GenerateImageData returns fake PNG bytes unique to a reading.
func GenerateImageData(symbol, pronunciation string) []byte {
	return append([]byte("\x89PNG\r\n\x1a\n"), []byte(symbol+"/"+pronunciation)...)
}

// GenerateAudioData returns fake MP3 bytes unique to a reading.
func GenerateAudioData(symbol, pronunciation string) []byte {
	return append([]byte{0xFF, 0xFB, 0x90, 0x00}, []byte(symbol+"/"+pronunciation)...)
}
