package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"codeberg.org/snonux/hanzirecall/internal/domain"
	"codeberg.org/snonux/hanzirecall/internal/intake"
	"codeberg.org/snonux/hanzirecall/internal/mediacache"
	"codeberg.org/snonux/hanzirecall/internal/progress"
)

// CollectionView is a collection with its cards and aggregate progress.
type CollectionView struct {
	Collection *domain.Collection
	Progress   domain.CollectionProgress
	Cards      []*domain.Card
}

// CreateCollection creates an empty collection.
func (p *Processor) CreateCollection(ctx context.Context, owner, name string) (*domain.Collection, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.NewValidationError("name", "is required")
	}
	col := &domain.Collection{
		ID:     uuid.NewString(),
		Owner:  owner,
		Name:   name,
		Status: domain.CollectionPending,
	}
	if err := p.store.CreateCollection(ctx, col); err != nil {
		return nil, err
	}
	p.log.Info("collection created", "collection_id", col.ID, "name", name)
	return col, nil
}

// GetCollection returns the canonical state of a collection. Clients that
// missed progress events poll this.
func (p *Processor) GetCollection(ctx context.Context, id string) (*CollectionView, error) {
	col, err := p.store.GetCollection(ctx, id)
	if err != nil {
		return nil, err
	}
	cards, err := p.store.ListCards(ctx, id)
	if err != nil {
		return nil, err
	}
	statuses := make([]domain.CardStatus, len(cards))
	for i, card := range cards {
		statuses[i] = card.Status()
	}
	return &CollectionView{Collection: col, Progress: domain.Aggregate(statuses), Cards: cards}, nil
}

// ImportSymbols validates entries and enqueues their import into the
// collection. Invalid entries are dropped and reported; when none is left
// the import fails with a *domain.ValidationError.
func (p *Processor) ImportSymbols(ctx context.Context, collectionID string, entries []domain.ImportEntry, requester string) (string, *intake.Report, error) {
	if _, err := p.store.GetCollection(ctx, collectionID); err != nil {
		return "", nil, err
	}
	res, err := intake.Normalize(entries, p.opts.Intake)
	if err != nil {
		if res != nil {
			return "", &res.Report, err
		}
		return "", nil, err
	}

	if err := p.store.SetCollectionStatus(ctx, collectionID, domain.CollectionImporting,
		fmt.Sprintf("importing %d symbols", len(res.Entries))); err != nil {
		return "", nil, err
	}
	h, err := p.enqueue(ctx, domain.QueueIntake, domain.JobImport, domain.JobPayload{
		CollectionID: collectionID,
		Requester:    requester,
		Entries:      res.Entries,
	})
	if err != nil {
		return "", nil, err
	}
	p.emit(progress.Event{
		Type:         progress.EventStage,
		CollectionID: collectionID,
		Stage:        "importing",
		Message:      fmt.Sprintf("%d accepted, %d rejected, %d duplicates", res.Report.Accepted, len(res.Report.Rejected), res.Report.Duplicates),
	})
	return h.ID, &res.Report, nil
}

// EnqueueCardEnrichment enqueues the enrichment of one card. A selection,
// when given, is stored for the card's collection first. An empty
// collectionID skips the membership check.
func (p *Processor) EnqueueCardEnrichment(ctx context.Context, cardID, collectionID string, force bool, sel *domain.Selection) (string, error) {
	card, err := p.store.GetCard(ctx, cardID)
	if err != nil {
		return "", err
	}
	if collectionID != "" && card.CollectionID != collectionID {
		return "", fmt.Errorf("card %s in collection %s: %w", cardID, collectionID, domain.ErrNotFound)
	}

	payload := domain.JobPayload{CardID: card.ID, CollectionID: card.CollectionID, Force: force}
	if sel != nil {
		want := *sel
		want.Symbol = card.Symbol
		if want.CollectionID == "" {
			want.CollectionID = card.CollectionID
		}
		stored, err := p.resolver.Submit(ctx, want)
		if err != nil {
			return "", err
		}
		payload.Selection = &stored
	}

	if awaiting, ok := card.State.(domain.AwaitingDisambiguation); ok && awaiting.JobID != "" {
		if payload.Selection == nil && !force {
			return awaiting.JobID, nil
		}
		err := p.queue.Wake(ctx, awaiting.JobID, payload)
		if err == nil {
			return awaiting.JobID, nil
		}
		if !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrNotFound) {
			return "", err
		}
	}

	h, err := p.enqueue(ctx, domain.QueueCard, domain.JobEnrichCard, payload)
	if err != nil {
		return "", err
	}
	return h.ID, nil
}

// EnqueueCollectionEnrichment enqueues the fan-out over a collection's
// cards and clears an earlier stop request.
func (p *Processor) EnqueueCollectionEnrichment(ctx context.Context, collectionID string, force bool) (string, error) {
	if _, err := p.store.GetCollection(ctx, collectionID); err != nil {
		return "", err
	}
	if err := p.store.SetStopRequested(ctx, collectionID, false); err != nil {
		return "", err
	}
	h, err := p.enqueue(ctx, domain.QueueCollection, domain.JobEnrichCollection, domain.JobPayload{
		CollectionID: collectionID,
		Force:        force,
	})
	if err != nil {
		return "", err
	}
	return h.ID, nil
}

// EnqueueAdminReenrichment regenerates a card's media. With override the
// card gets fresh artifacts under its own keys and the shared ones stay as
// they are; without it the shared artifacts are regenerated in place.
func (p *Processor) EnqueueAdminReenrichment(ctx context.Context, cardID string, override bool) (string, error) {
	card, err := p.store.GetCard(ctx, cardID)
	if err != nil {
		return "", err
	}
	h, err := p.enqueue(ctx, domain.QueueAdmin, domain.JobReenrichCard, domain.JobPayload{
		CardID:       card.ID,
		CollectionID: card.CollectionID,
		Requester:    "admin",
		Force:        true,
		Override:     override,
	})
	if err != nil {
		return "", err
	}
	return h.ID, nil
}

// GetJobStatus returns the state, progress and result or error of a job.
func (p *Processor) GetJobStatus(ctx context.Context, jobID string) (domain.JobStatus, error) {
	job, err := p.queue.Get(ctx, jobID)
	if err != nil {
		return domain.JobStatus{}, err
	}
	return job.Status(), nil
}

// CheckDisambiguation lists the symbols that have several readings.
func (p *Processor) CheckDisambiguation(ctx context.Context, symbols []string) ([]domain.Ambiguity, error) {
	normalized := make([]string, 0, len(symbols))
	for _, s := range symbols {
		normalized = append(normalized, intake.NormalizeText(s))
	}
	return p.resolver.Check(ctx, normalized)
}

// SubmitDisambiguation stores a selection and resumes every card waiting on
// it. It returns the number of resumed cards.
func (p *Processor) SubmitDisambiguation(ctx context.Context, sel domain.Selection) (int, error) {
	sel.Symbol = intake.NormalizeText(sel.Symbol)
	stored, err := p.resolver.Submit(ctx, sel)
	if err != nil {
		return 0, err
	}
	cards, err := p.store.ListAwaitingCards(ctx, stored.Symbol, stored.CollectionID)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, card := range cards {
		// A global selection yields to a selection scoped to the card's
		// collection, which Resolve looks up on its own.
		var forCard *domain.Selection
		if stored.CollectionID == card.CollectionID {
			forCard = &stored
		}
		if err := p.resume(ctx, card, forCard); err != nil {
			return resumed, err
		}
		resumed++
	}
	p.log.Info("selection stored", "symbol", stored.Symbol, "pronunciation", stored.Pronunciation,
		"accept_default", stored.AcceptDefault, "collection_id", stored.CollectionID, "resumed", resumed)
	return resumed, nil
}

// resume wakes the parked job of an awaiting card, or enqueues a new one
// when the parked job is gone.
func (p *Processor) resume(ctx context.Context, card *domain.Card, sel *domain.Selection) error {
	if awaiting, ok := card.State.(domain.AwaitingDisambiguation); ok && awaiting.JobID != "" {
		job, err := p.queue.Get(ctx, awaiting.JobID)
		if err == nil && job.State == domain.JobParked {
			payload := job.Payload
			payload.Selection = sel
			err = p.queue.Wake(ctx, job.ID, payload)
			if err == nil {
				return nil
			}
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrConflict) {
			return err
		}
	}
	_, err := p.enqueue(ctx, domain.QueueCard, domain.JobEnrichCard, domain.JobPayload{
		CardID:       card.ID,
		CollectionID: card.CollectionID,
		Selection:    sel,
	})
	return err
}

// StopCollection prevents further card enqueues for the collection. Jobs
// already enqueued run to completion.
func (p *Processor) StopCollection(ctx context.Context, collectionID string) error {
	if err := p.store.SetStopRequested(ctx, collectionID, true); err != nil {
		return err
	}
	p.emit(progress.Event{Type: progress.EventStage, CollectionID: collectionID, Stage: "stop_requested"})
	p.log.Info("collection stop requested", "collection_id", collectionID)
	return nil
}

// RetryFailedCards enqueues a fan-out over the failed cards of a
// collection only. It returns "" and 0 when nothing failed.
func (p *Processor) RetryFailedCards(ctx context.Context, collectionID string) (string, int, error) {
	failed, err := p.store.ListCardsByStatus(ctx, collectionID, domain.CardFailed)
	if err != nil {
		return "", 0, err
	}
	if len(failed) == 0 {
		if _, err := p.store.GetCollection(ctx, collectionID); err != nil {
			return "", 0, err
		}
		return "", 0, nil
	}

	ids := make([]string, len(failed))
	for i, card := range failed {
		ids[i] = card.ID
	}
	if err := p.store.SetStopRequested(ctx, collectionID, false); err != nil {
		return "", 0, err
	}
	h, err := p.enqueue(ctx, domain.QueueCollection, domain.JobEnrichCollection, domain.JobPayload{
		CollectionID: collectionID,
		CardIDs:      ids,
	})
	if err != nil {
		return "", 0, err
	}
	return h.ID, len(ids), nil
}

// DeleteCard removes a card. Its per-card override artifacts are deleted
// when no other card points at them; shared artifacts are left for
// ReclaimMedia.
func (p *Processor) DeleteCard(ctx context.Context, cardID string) error {
	card, err := p.store.DeleteCard(ctx, cardID)
	if err != nil {
		return err
	}
	if awaiting, ok := card.State.(domain.AwaitingDisambiguation); ok && awaiting.JobID != "" {
		if err := p.queue.Fail(ctx, awaiting.JobID, errors.New("card deleted")); err != nil && !errors.Is(err, domain.ErrConflict) {
			p.log.Warn("fail parked job of deleted card", "job_id", awaiting.JobID, "error", err)
		}
	}

	img, aud := card.Media()
	for _, ref := range []domain.MediaRef{img, aud} {
		if ref.Key == "" || !mediacache.IsOverrideKey(ref.Key) {
			continue
		}
		n, err := p.store.MediaReferences(ctx, ref.Key)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if err := p.cache.ReleaseOverride(ctx, ref.Key); err != nil {
			return err
		}
	}

	p.log.Info("card deleted", "card_id", card.ID, "collection_id", card.CollectionID, "symbol", card.Symbol)
	p.refreshCollection(ctx, card.CollectionID)
	return nil
}

// ReclaimMedia deletes stored artifacts that no card references. Artifacts
// used within grace are kept.
func (p *Processor) ReclaimMedia(ctx context.Context, grace time.Duration) (*mediacache.ReclaimReport, error) {
	return p.cache.Reclaim(ctx, p.store, grace)
}

// CleanupJobs removes terminal jobs older than the retention periods.
func (p *Processor) CleanupJobs(ctx context.Context) (int64, error) {
	return p.queue.Cleanup(ctx, p.opts.KeepCompleted, p.opts.KeepFailed)
}

// QueueCounts returns the number of jobs per state for every queue.
func (p *Processor) QueueCounts(ctx context.Context) (map[domain.QueueName]map[domain.JobState]int, error) {
	out := make(map[domain.QueueName]map[domain.JobState]int, len(domain.Queues))
	for _, name := range domain.Queues {
		counts, err := p.queue.Counts(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = counts
	}
	return out, nil
}

// Idle reports whether no job is waiting or running. Parked jobs wait for
// a selection and do not count.
func (p *Processor) Idle(ctx context.Context) (bool, error) {
	counts, err := p.QueueCounts(ctx)
	if err != nil {
		return false, err
	}
	for _, c := range counts {
		if c[domain.JobWaiting] > 0 || c[domain.JobActive] > 0 {
			return false, nil
		}
	}
	return true, nil
}
