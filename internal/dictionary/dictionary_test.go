package dictionary

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"codeberg.org/snonux/hanzirecall/internal/domain"
	"codeberg.org/snonux/hanzirecall/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "dict.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeRemote struct {
	entries []domain.DictionaryEntry
	err     error
	calls   int
}

func (f *fakeRemote) Lookup(ctx context.Context, symbol string) ([]domain.DictionaryEntry, error) {
	f.calls++
	return f.entries, f.err
}

var xing = []domain.DictionaryEntry{
	{Symbol: "行", Pronunciation: "xíng", Meanings: []string{"to walk"}, Frequency: domain.FrequencyVeryCommon},
	{Symbol: "行", Pronunciation: "háng", Meanings: []string{"row", "profession"}, Frequency: domain.FrequencyCommon},
}

func TestWriteThrough(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	remote := &fakeRemote{entries: xing}
	lookup := NewWriteThrough(s, remote, nil)

	for i := 0; i < 2; i++ {
		got, err := lookup.Lookup(ctx, "行")
		if err != nil {
			t.Fatalf("Lookup #%d: %v", i+1, err)
		}
		if !reflect.DeepEqual(got, xing) {
			t.Errorf("Lookup #%d = %+v", i+1, got)
		}
	}
	if remote.calls != 1 {
		t.Errorf("remote called %d times, want 1", remote.calls)
	}

	local, err := NewStoreLookup(s).Lookup(ctx, "行")
	if err != nil || len(local) != 2 {
		t.Errorf("entries not persisted: %v, %v", local, err)
	}
}

func TestWriteThroughMissAndError(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	got, err := NewWriteThrough(s, &fakeRemote{}, nil).Lookup(ctx, "龘")
	if err != nil || len(got) != 0 {
		t.Errorf("unknown symbol: %v, %v", got, err)
	}

	boom := &domain.ProviderError{Provider: "openai", Op: "dictionary", Err: errors.New("timeout")}
	if _, err := NewWriteThrough(s, &fakeRemote{err: boom}, nil).Lookup(ctx, "龘"); !errors.Is(err, boom) {
		t.Errorf("remote error not returned: %v", err)
	}
}

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []domain.DictionaryEntry
		wantErr bool
	}{
		{
			name:    "two readings",
			content: `{"readings":[{"pinyin":"xíng","meanings":["to walk"],"frequency":"very-common"},{"pinyin":"háng","meanings":["row"," "],"frequency":"rare"}]}`,
			want: []domain.DictionaryEntry{
				{Symbol: "行", Pronunciation: "xíng", Meanings: []string{"to walk"}, Frequency: domain.FrequencyVeryCommon},
				{Symbol: "行", Pronunciation: "háng", Meanings: []string{"row"}, Frequency: domain.FrequencyCommon},
			},
		},
		{
			name:    "fenced and duplicated",
			content: "```json\n{\"readings\":[{\"pinyin\":\"hǎo\",\"meanings\":[\"good\"]},{\"pinyin\":\"Hǎo\",\"meanings\":[\"fine\"]},{\"pinyin\":\"\",\"meanings\":[\"x\"]}]}\n```",
			want: []domain.DictionaryEntry{
				{Symbol: "行", Pronunciation: "hǎo", Meanings: []string{"good"}, Frequency: domain.FrequencyCommon},
			},
		},
		{name: "empty", content: `{"readings":[]}`},
		{name: "garbage", content: "I don't know", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAnswer("行", tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseAnswer() error = %v", err)
			}
			if tt.wantErr {
				if !domain.IsTransient(err) {
					t.Errorf("malformed answers should be retried")
				}
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseAnswer() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestOpenAILookup(t *testing.T) {
	var request map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&request)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]string{
					"role":    "assistant",
					"content": `{"readings":[{"pinyin":"māo","meanings":["cat"],"frequency":"very-common"}]}`,
				},
			}},
		})
	}))
	defer srv.Close()

	lookup, err := NewOpenAILookup(&OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("NewOpenAILookup: %v", err)
	}
	got, err := lookup.Lookup(context.Background(), "猫")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(got) != 1 || got[0].Pronunciation != "māo" || got[0].Meaning() != "cat" {
		t.Errorf("Lookup = %+v", got)
	}
	if request["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v", request["model"])
	}

	if _, err := NewOpenAILookup(&OpenAIConfig{}); err == nil {
		t.Errorf("expected missing key error")
	}
}

func TestLoadSeed(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	data, _ := json.Marshal(append(append([]domain.DictionaryEntry{}, xing...),
		domain.DictionaryEntry{Symbol: "猫", Pronunciation: "māo", Meanings: []string{"cat"}}))
	path := filepath.Join(t.TempDir(), "seed.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := LoadSeed(ctx, s, path)
	if err != nil || n != 3 {
		t.Fatalf("LoadSeed() = %d, %v", n, err)
	}
	got, _ := s.DictionaryEntries(ctx, "行")
	if len(got) != 2 || got[0].Pronunciation != "xíng" || got[1].Pronunciation != "háng" {
		t.Errorf("seeded order lost: %+v", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		entries []domain.DictionaryEntry
		wantErr bool
	}{
		{"valid", xing, false},
		{"no meanings", []domain.DictionaryEntry{{Symbol: "行", Pronunciation: "xíng"}}, true},
		{"no pronunciation", []domain.DictionaryEntry{{Symbol: "行", Meanings: []string{"go"}}}, true},
		{"bad frequency", []domain.DictionaryEntry{{Symbol: "行", Pronunciation: "xíng", Meanings: []string{"go"}, Frequency: "rare"}}, true},
		{"duplicate", append(append([]domain.DictionaryEntry{}, xing...), xing[0]), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.entries); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
