package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"codeberg.org/snonux/hanzirecall/internal/batch"
	"codeberg.org/snonux/hanzirecall/internal/disambiguation"
	"codeberg.org/snonux/hanzirecall/internal/domain"
	"codeberg.org/snonux/hanzirecall/internal/mediacache"
	"codeberg.org/snonux/hanzirecall/internal/processor"
	"codeberg.org/snonux/hanzirecall/internal/progress"
	"codeberg.org/snonux/hanzirecall/internal/queue"
	"codeberg.org/snonux/hanzirecall/internal/testutil"
)

type fixture struct {
	t    *testing.T
	proc *processor.Processor
	hub  *progress.Hub
	srv  *httptest.Server
}

func newFixture(t *testing.T, start bool) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := testutil.OpenTestStore(t)
	q := queue.New(st.DB(), queue.Options{
		Visibility:      time.Minute,
		MaxAttempts:     3,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		Multiplier:      2,
		Logger:          logger,
	})
	if err := q.EnsureSchema(ctx); err != nil {
		t.Fatalf("queue schema: %v", err)
	}
	cache := mediacache.New(st.DB(), testutil.NewTestObjectStore(t), mediacache.Options{
		ClaimTTL:     time.Minute,
		WaitInterval: 10 * time.Millisecond,
		Logger:       logger,
	})
	if err := cache.EnsureSchema(ctx); err != nil {
		t.Fatalf("cache schema: %v", err)
	}
	dict := testutil.NewMockDictionary(
		testutil.Entry("猫", "māo", "cat"),
		testutil.Entry("狗", "gǒu", "dog"),
		testutil.Entry("行", "háng", "row; line"),
		testutil.Entry("行", "xíng", "to walk"),
	)
	proc := processor.New(st, q, cache, disambiguation.NewService(dict, st, nil), testutil.NewMockMedia(), processor.Options{
		Workers:      map[domain.QueueName]int{domain.QueueCard: 2},
		PollInterval: 10 * time.Millisecond,
		Visibility:   time.Minute,
		Batch:        batch.Runner{Size: 2},
		Logger:       logger,
	})
	hub := progress.NewHub(64, logger)

	if start {
		runCtx, cancel := context.WithCancel(ctx)
		go hub.Run(runCtx, proc.Events())
		if err := proc.Start(runCtx); err != nil {
			t.Fatalf("Start: %v", err)
		}
		t.Cleanup(func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := proc.Shutdown(shutdownCtx); err != nil {
				t.Errorf("Shutdown: %v", err)
			}
			cancel()
		})
	}

	s := New(proc, hub, cache, Options{KeepAlive: time.Second, Logger: logger})
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return &fixture{t: t, proc: proc, hub: hub, srv: srv}
}

func (f *fixture) do(method, path string, body any) (*http.Response, []byte) {
	f.t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			f.t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	if err != nil {
		f.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		f.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		f.t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func (f *fixture) createCollection(name string) string {
	f.t.Helper()
	resp, body := f.do(http.MethodPost, "/api/collections", map[string]string{"owner": "tester", "name": name})
	if resp.StatusCode != http.StatusCreated {
		f.t.Fatalf("create collection: status %d: %s", resp.StatusCode, body)
	}
	var col collectionDTO
	if err := json.Unmarshal(body, &col); err != nil {
		f.t.Fatalf("decode collection: %v", err)
	}
	return col.ID
}

func (f *fixture) getCollection(id string) collectionViewDTO {
	f.t.Helper()
	resp, body := f.do(http.MethodGet, "/api/collections/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		f.t.Fatalf("get collection: status %d: %s", resp.StatusCode, body)
	}
	var view collectionViewDTO
	if err := json.Unmarshal(body, &view); err != nil {
		f.t.Fatalf("decode view: %v", err)
	}
	return view
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, false)
	resp, body := f.do(http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"ok"`) {
		t.Errorf("body = %s", body)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, false)
	colID := f.createCollection("errors")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"empty name", http.MethodPost, "/api/collections", map[string]string{"name": " "}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/collections", map[string]string{"title": "x"}, http.StatusBadRequest},
		{"missing collection", http.MethodGet, "/api/collections/missing", nil, http.StatusNotFound},
		{"import into missing collection", http.MethodPost, "/api/collections/missing/import", map[string]any{"symbols": []string{"猫"}}, http.StatusNotFound},
		{"nothing to import", http.MethodPost, "/api/collections/" + colID + "/import", map[string]any{"symbols": []string{"", "abc"}}, http.StatusBadRequest},
		{"missing job", http.MethodGet, "/api/jobs/missing", nil, http.StatusNotFound},
		{"card enrich without collection", http.MethodPost, "/api/cards/x/enrich", map[string]any{}, http.StatusBadRequest},
		{"missing card", http.MethodDelete, "/api/cards/missing", nil, http.StatusNotFound},
		{"unknown reading", http.MethodPost, "/api/disambiguation", domain.Selection{Symbol: "行", Pronunciation: "hang4"}, http.StatusBadRequest},
		{"bad grace", http.MethodPost, "/api/admin/media/reclaim", map[string]string{"grace": "soon"}, http.StatusBadRequest},
		{"missing media", http.MethodGet, "/media/image/none.png", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d: %s", resp.StatusCode, tt.want, body)
			}
			var e errorResponse
			if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
				t.Errorf("error body = %s", body)
			}
		})
	}
}

func TestImportReportsRejectedEntries(t *testing.T) {
	f := newFixture(t, false)
	colID := f.createCollection("report")

	resp, body := f.do(http.MethodPost, "/api/collections/"+colID+"/import", map[string]any{
		"symbols": []string{"猫", "猫", "abc"},
		"entries": []domain.ImportEntry{{Symbol: "行", Pronunciation: "xíng"}},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var out jobResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.JobID == "" || out.Report == nil {
		t.Fatalf("response = %s", body)
	}
	if out.Report.Accepted != 2 || out.Report.Duplicates != 1 || len(out.Report.Rejected) != 1 {
		t.Errorf("report = %+v", out.Report)
	}

	view := f.getCollection(colID)
	if view.Status != domain.CollectionImporting {
		t.Errorf("status = %s, want importing", view.Status)
	}

	resp, body = f.do(http.MethodGet, "/api/jobs/"+out.JobID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("job status: %d: %s", resp.StatusCode, body)
	}
	var job domain.JobStatus
	if err := json.Unmarshal(body, &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.State != domain.JobWaiting {
		t.Errorf("job state = %s, want waiting", job.State)
	}
}

func TestCheckDisambiguation(t *testing.T) {
	f := newFixture(t, false)
	resp, body := f.do(http.MethodPost, "/api/disambiguation/check", map[string]any{"symbols": []string{"猫", "行"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Ambiguities []domain.Ambiguity `json:"ambiguities"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Ambiguities) != 1 || out.Ambiguities[0].Symbol != "行" || len(out.Ambiguities[0].Candidates) != 2 {
		t.Errorf("ambiguities = %+v", out.Ambiguities)
	}

	resp, body = f.do(http.MethodPost, "/api/disambiguation/check", map[string]any{"symbols": []string{"猫"}})
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"ambiguities":[]`) {
		t.Errorf("unambiguous check = %d %s", resp.StatusCode, body)
	}
}

func TestEnrichmentOverHTTP(t *testing.T) {
	f := newFixture(t, true)
	colID := f.createCollection("end to end")

	resp, body := f.do(http.MethodPost, "/api/collections/"+colID+"/import", map[string]any{"symbols": []string{"猫", "行"}})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("import: %d: %s", resp.StatusCode, body)
	}

	var view collectionViewDTO
	waitFor(t, "awaiting card", func() bool {
		view = f.getCollection(colID)
		for _, c := range view.Cards {
			if c.Status == domain.CardAwaitingDisambiguation {
				return true
			}
		}
		return false
	})

	resp, body = f.do(http.MethodPost, "/api/disambiguation", domain.Selection{CollectionID: colID, Symbol: "行", Pronunciation: "xíng"})
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"resumed":1`) {
		t.Fatalf("submit: %d: %s", resp.StatusCode, body)
	}

	waitFor(t, "collection ready", func() bool {
		view = f.getCollection(colID)
		return view.Status == domain.CollectionReady
	})
	if view.Processed != 2 || view.Total != 2 {
		t.Errorf("progress = %d/%d", view.Processed, view.Total)
	}
	for _, c := range view.Cards {
		if c.Status != domain.CardEnriched {
			t.Errorf("card %s status = %s", c.Symbol, c.Status)
		}
		if c.Symbol == "行" && c.Pronunciation != "xíng" {
			t.Errorf("行 pronunciation = %q, want xíng", c.Pronunciation)
		}
		if c.Image == nil || c.Image.URL == "" {
			t.Fatalf("card %s has no image url", c.Symbol)
		}
		resp, data := f.do(http.MethodGet, c.Image.URL, nil)
		if resp.StatusCode != http.StatusOK || len(data) == 0 {
			t.Errorf("GET %s = %d", c.Image.URL, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
			t.Errorf("GET %s Content-Type = %q", c.Image.URL, ct)
		}
	}

	// Enriched cards are left alone without force.
	resp, body = f.do(http.MethodPost, "/api/cards/"+view.Cards[0].ID+"/enrich", map[string]any{"collectionId": colID})
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("card enrich: %d: %s", resp.StatusCode, body)
	}
	resp, body = f.do(http.MethodPost, "/api/cards/"+view.Cards[0].ID+"/enrich", map[string]any{"collectionId": "other"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("card enrich in foreign collection: %d: %s", resp.StatusCode, body)
	}

	resp, _ = f.do(http.MethodDelete, "/api/cards/"+view.Cards[0].ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete card = %d, want 204", resp.StatusCode)
	}
	if got := len(f.getCollection(colID).Cards); got != 1 {
		t.Errorf("cards after delete = %d, want 1", got)
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, true)
	colID := f.createCollection("stream")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/collections/"+colID+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	events := make(chan progress.Event, 64)
	go func() {
		defer close(events)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev progress.Event
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev) == nil {
				events <- ev
			}
		}
	}()

	first := <-events
	if first.Type != progress.EventConnected {
		t.Fatalf("first event = %s, want connected", first.Type)
	}

	waitFor(t, "subscription", func() bool { return f.hub.Subscribers(colID) == 1 })
	resp2, body := f.do(http.MethodPost, "/api/collections/"+colID+"/import", map[string]any{"symbols": []string{"猫", "狗"}})
	if resp2.StatusCode != http.StatusAccepted {
		t.Fatalf("import: %d: %s", resp2.StatusCode, body)
	}

	var last progress.Event
	for ev := range events {
		last = ev
	}
	if !last.Terminal() || last.Status != string(domain.CollectionReady) {
		t.Errorf("last event = %+v, want ready collection event", last)
	}
	if last.Progress == nil || last.Progress.Enriched != 2 {
		t.Errorf("last progress = %+v", last.Progress)
	}
}

func TestEventStreamOfFinishedCollection(t *testing.T) {
	f := newFixture(t, true)
	colID := f.createCollection("done")
	f.do(http.MethodPost, "/api/collections/"+colID+"/import", map[string]any{"symbols": []string{"猫"}})
	waitFor(t, "collection ready", func() bool {
		return f.getCollection(colID).Status == domain.CollectionReady
	})

	resp, body := f.do(http.MethodGet, "/api/collections/"+colID+"/events", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	text := string(body)
	if !strings.HasPrefix(text, "event: connected\n") {
		t.Errorf("stream does not start with connected: %q", text)
	}
	if !strings.Contains(text, `"status":"ready"`) {
		t.Errorf("stream lacks the ready snapshot: %q", text)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type mapMedia map[string][]byte

func (m mapMedia) Open(ctx context.Context, key string) ([]byte, string, error) {
	data, ok := m[key]
	if !ok {
		return nil, "", domain.ErrNotFound
	}
	return data, "image/png", nil
}

func TestServeMediaRevalidatesCanonicalKeys(t *testing.T) {
	canonical := mediacache.Key("猫", "māo", domain.MediaImage)
	override := mediacache.OverrideKey("猫", "māo", domain.MediaImage)
	media := mapMedia{
		canonical: testutil.GenerateImageData("猫", "māo"),
		override:  testutil.GenerateImageData("猫", "māo-override"),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(New(nil, nil, media, Options{Logger: logger}).Routes())
	defer srv.Close()

	get := func(key, etag string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/media/"+key, nil)
		if etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("GET %s: %v", key, err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return resp
	}

	first := get(canonical, "")
	etag := first.Header.Get("ETag")
	if first.StatusCode != http.StatusOK || etag == "" {
		t.Fatalf("GET canonical = %d, etag %q", first.StatusCode, etag)
	}
	if cc := first.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("canonical Cache-Control = %q, want no-cache", cc)
	}
	if resp := get(canonical, etag); resp.StatusCode != http.StatusNotModified {
		t.Errorf("unchanged artifact = %d, want 304", resp.StatusCode)
	}

	// A forced refresh rewrites the canonical key in place.
	media[canonical] = testutil.GenerateImageData("猫", "māo-refreshed")
	refreshed := get(canonical, etag)
	if refreshed.StatusCode != http.StatusOK || refreshed.Header.Get("ETag") == etag {
		t.Errorf("refreshed artifact = %d, etag %q", refreshed.StatusCode, refreshed.Header.Get("ETag"))
	}

	if cc := get(override, "").Header.Get("Cache-Control"); !strings.Contains(cc, "immutable") {
		t.Errorf("override Cache-Control = %q", cc)
	}
}
