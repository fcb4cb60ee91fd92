package models

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[
			{"id":"tts-1","object":"model"},
			{"id":"gpt-4o-mini-tts","object":"model"},
			{"id":"dall-e-3","object":"model"},
			{"id":"gpt-image-1","object":"model"},
			{"id":"gpt-4o-mini","object":"model"},
			{"id":"whisper-1","object":"model"}
		]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCatalog(t *testing.T) {
	srv := fakeAPI(t)
	c, err := NewLister("test-key", srv.URL).Catalog(context.Background())
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	want := &Catalog{
		Speech:     []string{"gpt-4o-mini-tts", "tts-1"},
		Image:      []string{"dall-e-3", "gpt-image-1"},
		Dictionary: []string{"gpt-4o-mini"},
	}
	if !reflect.DeepEqual(c, want) {
		t.Errorf("Catalog = %+v, want %+v", c, want)
	}
}

func TestListAvailableModels(t *testing.T) {
	srv := fakeAPI(t)
	var buf bytes.Buffer
	if err := NewLister("test-key", srv.URL).ListAvailableModels(context.Background(), &buf); err != nil {
		t.Fatalf("ListAvailableModels: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Text-to-Speech", "  tts-1\n", "  dall-e-3\n", "  gpt-4o-mini\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "whisper-1") {
		t.Errorf("output lists an unused model:\n%s", out)
	}
}

func TestListAvailableModelsNoAPIKey(t *testing.T) {
	err := NewLister("", "").ListAvailableModels(context.Background(), &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "API key not found") {
		t.Errorf("error = %v, want missing key", err)
	}
}
