package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"codeberg.org/snonux/hanzirecall/internal/domain"
	"codeberg.org/snonux/hanzirecall/internal/mediacache"
)

func TestEnrichedCardIsNotRegenerated(t *testing.T) {
	h := newHarness(t)
	h.start()
	ctx := context.Background()
	colID := h.collection("words")
	h.importSymbols(colID, "猫")
	card := h.waitCard(colID, "猫", domain.CardEnriched)
	calls := h.media.Total()

	jobID, err := h.proc.EnqueueCardEnrichment(ctx, card.ID, colID, false, nil)
	if err != nil {
		t.Fatalf("EnqueueCardEnrichment: %v", err)
	}
	status := h.waitJob(jobID, domain.JobCompleted)

	if h.media.Total() != calls {
		t.Errorf("generator called %d more times", h.media.Total()-calls)
	}
	var res CardResult
	if err := json.Unmarshal(status.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	img, aud := card.Media()
	if res.Status != domain.CardEnriched || res.Image.Key != img.Key || res.Audio.Key != aud.Key {
		t.Errorf("result = %+v", res)
	}
}

func TestSharedMediaAcrossCollections(t *testing.T) {
	h := newHarness(t)
	h.start()
	first := h.collection("first")
	second := h.collection("second")
	h.importSymbols(first, "猫", "狗")
	h.waitCollection(first, domain.CollectionReady)
	h.importSymbols(second, "猫")
	h.waitCollection(second, domain.CollectionReady)

	a := h.card(first, "猫")
	b := h.card(second, "猫")
	if a.ID == b.ID {
		t.Fatal("collections share a card")
	}
	imgA, audA := a.Media()
	imgB, audB := b.Media()
	if imgA.Key != imgB.Key || audA.Key != audB.Key {
		t.Errorf("keys differ: %s/%s vs %s/%s", imgA.Key, audA.Key, imgB.Key, audB.Key)
	}
	if !imgB.Cached || !audB.Cached {
		t.Errorf("second collection media not flagged cached: %+v %+v", imgB, audB)
	}
	if n := h.media.Count("image 猫/māo"); n != 1 {
		t.Errorf("image generated %d times, want 1", n)
	}
	if n := h.media.Count("audio 猫/māo"); n != 1 {
		t.Errorf("audio generated %d times, want 1", n)
	}
}

func TestConcurrentJobsGenerateOnce(t *testing.T) {
	h := newHarness(t)
	h.media.Delay = 100 * time.Millisecond
	h.start()
	ctx := context.Background()

	first := h.collection("first")
	second := h.collection("second")
	a, err := h.store.AddCards(ctx, first, []string{"狗"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.store.AddCards(ctx, second, []string{"狗"})
	if err != nil {
		t.Fatal(err)
	}
	for _, card := range []*domain.Card{a[0], b[0]} {
		if _, err := h.proc.EnqueueCardEnrichment(ctx, card.ID, "", false, nil); err != nil {
			t.Fatal(err)
		}
	}

	h.waitCard(first, "狗", domain.CardEnriched)
	h.waitCard(second, "狗", domain.CardEnriched)
	if n := h.media.Count("image 狗/gǒu"); n != 1 {
		t.Errorf("image generated %d times, want 1", n)
	}
	if n := h.media.Count("audio 狗/gǒu"); n != 1 {
		t.Errorf("audio generated %d times, want 1", n)
	}
}

func TestAmbiguousSymbolWaitsForSelection(t *testing.T) {
	h := newHarness(t)
	h.start()
	ctx := context.Background()
	colID := h.collection("words")
	h.importSymbols(colID, "行")

	card := h.waitCard(colID, "行", domain.CardAwaitingDisambiguation)
	awaiting := card.State.(domain.AwaitingDisambiguation)
	if awaiting.Candidates != 2 {
		t.Errorf("candidates = %d", awaiting.Candidates)
	}
	h.waitJob(awaiting.JobID, domain.JobParked)
	if h.media.Total() != 0 {
		t.Fatalf("generator called before a selection: %v", h.media.Calls)
	}
	col, err := h.store.GetCollection(ctx, colID)
	if err != nil {
		t.Fatal(err)
	}
	if col.Status != domain.CollectionEnriching {
		t.Errorf("collection status = %s, want enriching", col.Status)
	}

	// Accepting the default picks the reading ranked most common.
	resumed, err := h.proc.SubmitDisambiguation(ctx, domain.Selection{CollectionID: colID, Symbol: "行", AcceptDefault: true})
	if err != nil || resumed != 1 {
		t.Fatalf("SubmitDisambiguation = %d, %v", resumed, err)
	}
	h.waitJob(awaiting.JobID, domain.JobCompleted)
	card = h.waitCard(colID, "行", domain.CardEnriched)
	if _, pron := card.Reading(); pron != "xíng" {
		t.Errorf("pronunciation = %q, want xíng", pron)
	}
	if !card.Disambiguated {
		t.Error("card not flagged disambiguated")
	}
	h.waitCollection(colID, domain.CollectionReady)
}

func TestSelectionForUnknownReading(t *testing.T) {
	h := newHarness(t)
	_, err := h.proc.SubmitDisambiguation(context.Background(), domain.Selection{Symbol: "行", Pronunciation: "hàng"})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestTwoCompleteOneFailedIsReady(t *testing.T) {
	h := newHarness(t)
	h.media.Errors["image 书/shū"] = permanent("image")
	h.media.Errors["audio 书/shū"] = permanent("audio")
	h.start()
	colID := h.collection("words")
	h.importSymbols(colID, "猫", "狗", "书")

	view := h.waitCollection(colID, domain.CollectionReady)
	if view.Collection.Processed != 3 || view.Collection.Total != 3 || view.Collection.Failed != 1 {
		t.Errorf("counters = %d/%d failed %d", view.Collection.Processed, view.Collection.Total, view.Collection.Failed)
	}
	if view.Progress.Enriched != 2 || view.Progress.Failed != 1 {
		t.Errorf("progress = %+v", view.Progress)
	}
	if h.card(colID, "书").Status() != domain.CardFailed {
		t.Error("书 should have failed")
	}
}

func TestOverrideIsolatesOneCard(t *testing.T) {
	h := newHarness(t)
	h.start()
	ctx := context.Background()
	first := h.collection("first")
	second := h.collection("second")
	h.importSymbols(first, "猫")
	h.importSymbols(second, "猫")
	h.waitCollection(first, domain.CollectionReady)
	h.waitCollection(second, domain.CollectionReady)

	canonical := mediacache.Key("猫", "māo", domain.MediaImage)
	before, _, err := h.cache.Open(ctx, canonical)
	if err != nil {
		t.Fatalf("open canonical: %v", err)
	}

	target := h.card(first, "猫")
	jobID, err := h.proc.EnqueueAdminReenrichment(ctx, target.ID, true)
	if err != nil {
		t.Fatalf("EnqueueAdminReenrichment: %v", err)
	}
	h.waitJob(jobID, domain.JobCompleted)

	overridden := h.card(first, "猫")
	untouched := h.card(second, "猫")
	img, _ := overridden.Media()
	other, _ := untouched.Media()
	if img.Key == canonical || !mediacache.IsOverrideKey(img.Key) {
		t.Errorf("override card key = %q", img.Key)
	}
	if other.Key != canonical {
		t.Errorf("other card key = %q, want %q", other.Key, canonical)
	}
	after, _, err := h.cache.Open(ctx, canonical)
	if err != nil || !bytes.Equal(before, after) {
		t.Errorf("canonical artifact changed: %v", err)
	}
	if n := h.media.Count("image 猫/māo"); n != 2 {
		t.Errorf("image generated %d times, want 2", n)
	}

	// Deleting the card releases its private artifact only.
	if err := h.proc.DeleteCard(ctx, overridden.ID); err != nil {
		t.Fatalf("DeleteCard: %v", err)
	}
	if _, _, err := h.cache.Open(ctx, img.Key); err == nil {
		t.Error("override artifact survived card deletion")
	}
	if _, _, err := h.cache.Open(ctx, canonical); err != nil {
		t.Errorf("canonical artifact removed: %v", err)
	}
}

func TestReclaimMedia(t *testing.T) {
	h := newHarness(t)
	h.start()
	ctx := context.Background()
	colID := h.collection("words")
	h.importSymbols(colID, "猫", "狗")
	h.waitCollection(colID, domain.CollectionReady)

	if err := h.proc.DeleteCard(ctx, h.card(colID, "狗").ID); err != nil {
		t.Fatalf("DeleteCard: %v", err)
	}
	report, err := h.proc.ReclaimMedia(ctx, 0)
	if err != nil {
		t.Fatalf("ReclaimMedia: %v", err)
	}
	if len(report.Deleted) != 2 {
		t.Errorf("deleted = %v, want the two 狗 artifacts", report.Deleted)
	}
	if _, _, err := h.cache.Open(ctx, mediacache.Key("猫", "māo", domain.MediaAudio)); err != nil {
		t.Errorf("referenced artifact reclaimed: %v", err)
	}
	view := h.waitCollection(colID, domain.CollectionReady)
	if view.Collection.Total != 1 {
		t.Errorf("total = %d after delete", view.Collection.Total)
	}
}

// TestTwoReadingScenario walks one ambiguous symbol through two
// collections that choose different readings.
func TestTwoReadingScenario(t *testing.T) {
	h := newHarness(t)
	h.start()
	ctx := context.Background()

	ambiguities, err := h.proc.CheckDisambiguation(ctx, []string{"行", "猫", " 行 "})
	if err != nil {
		t.Fatalf("CheckDisambiguation: %v", err)
	}
	if len(ambiguities) != 1 || ambiguities[0].Symbol != "行" || len(ambiguities[0].Candidates) != 2 {
		t.Fatalf("ambiguities = %+v", ambiguities)
	}

	first := h.collection("first")
	h.importSymbols(first, "行", "猫")
	h.waitCard(first, "猫", domain.CardEnriched)
	h.waitCard(first, "行", domain.CardAwaitingDisambiguation)

	if _, err := h.proc.SubmitDisambiguation(ctx, domain.Selection{CollectionID: first, Symbol: "行", Pronunciation: "háng"}); err != nil {
		t.Fatalf("SubmitDisambiguation: %v", err)
	}
	h.waitCollection(first, domain.CollectionReady)
	hang := h.card(first, "行")
	if meaning, pron := hang.Reading(); pron != "háng" || meaning != "row; line" {
		t.Errorf("reading = %q %q", meaning, pron)
	}

	// The selection is scoped to the first collection.
	second := h.collection("second")
	h.importSymbols(second, "行")
	h.waitCard(second, "行", domain.CardAwaitingDisambiguation)
	if _, err := h.proc.SubmitDisambiguation(ctx, domain.Selection{CollectionID: second, Symbol: "行", Pronunciation: "xíng"}); err != nil {
		t.Fatalf("SubmitDisambiguation: %v", err)
	}
	h.waitCollection(second, domain.CollectionReady)
	xing := h.card(second, "行")

	imgHang, _ := hang.Media()
	imgXing, _ := xing.Media()
	if imgHang.Key != mediacache.Key("行", "háng", domain.MediaImage) ||
		imgXing.Key != mediacache.Key("行", "xíng", domain.MediaImage) ||
		imgHang.Key == imgXing.Key {
		t.Errorf("keys = %q, %q", imgHang.Key, imgXing.Key)
	}

	// A pronunciation given at import skips the prompt and reuses media.
	third := h.collection("third")
	if _, _, err := h.proc.ImportSymbols(ctx, third, []domain.ImportEntry{{Symbol: "行", Pronunciation: "háng"}}, "tester"); err != nil {
		t.Fatalf("ImportSymbols: %v", err)
	}
	h.waitCollection(third, domain.CollectionReady)
	img, _ := h.card(third, "行").Media()
	if img.Key != imgHang.Key || !img.Cached {
		t.Errorf("third collection image = %+v", img)
	}

	for call, want := range map[string]int{
		"image 行/háng": 1,
		"audio 行/háng": 1,
		"image 行/xíng": 1,
		"audio 行/xíng": 1,
		"image 猫/māo":  1,
	} {
		if got := h.media.Count(call); got != want {
			t.Errorf("%s called %d times, want %d", call, got, want)
		}
	}
}

func TestEnqueueCardWithSelectionResumesParkedJob(t *testing.T) {
	h := newHarness(t)
	h.start()
	ctx := context.Background()
	colID := h.collection("words")
	h.importSymbols(colID, "行")
	card := h.waitCard(colID, "行", domain.CardAwaitingDisambiguation)
	parked := card.State.(domain.AwaitingDisambiguation).JobID
	h.waitJob(parked, domain.JobParked)

	jobID, err := h.proc.EnqueueCardEnrichment(ctx, card.ID, colID, false, &domain.Selection{Pronunciation: "háng"})
	if err != nil {
		t.Fatalf("EnqueueCardEnrichment: %v", err)
	}
	if jobID != parked {
		t.Errorf("job = %s, want the parked job %s", jobID, parked)
	}
	card = h.waitCard(colID, "行", domain.CardEnriched)
	if _, pron := card.Reading(); pron != "háng" {
		t.Errorf("pronunciation = %q", pron)
	}
}

func TestReparkSupersedesEarlierParkedJob(t *testing.T) {
	h := newHarness(t)
	h.start()
	ctx := context.Background()
	colID := h.collection("words")
	h.importSymbols(colID, "行")
	card := h.waitCard(colID, "行", domain.CardAwaitingDisambiguation)
	first := card.State.(domain.AwaitingDisambiguation).JobID
	h.waitJob(first, domain.JobParked)

	if _, err := h.proc.EnqueueCollectionEnrichment(ctx, colID, true); err != nil {
		t.Fatalf("EnqueueCollectionEnrichment: %v", err)
	}
	var second string
	h.waitFor("card parked by a newer job", func() bool {
		c := h.card(colID, "行")
		awaiting, ok := c.State.(domain.AwaitingDisambiguation)
		second = awaiting.JobID
		return ok && second != first
	})
	h.waitJob(second, domain.JobParked)
	old := h.waitJob(first, domain.JobFailed)
	if !strings.Contains(old.Error, second) {
		t.Errorf("earlier job error = %q, want it to name %s", old.Error, second)
	}

	if _, err := h.proc.SubmitDisambiguation(ctx, domain.Selection{CollectionID: colID, Symbol: "行", Pronunciation: "xíng"}); err != nil {
		t.Fatalf("SubmitDisambiguation: %v", err)
	}
	h.waitJob(second, domain.JobCompleted)
	h.waitCard(colID, "行", domain.CardEnriched)
}
