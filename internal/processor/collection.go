package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"codeberg.org/snonux/hanzirecall/internal/batch"
	"codeberg.org/snonux/hanzirecall/internal/domain"
	"codeberg.org/snonux/hanzirecall/internal/progress"
)

// ImportResult is the result document of an import job.
type ImportResult struct {
	CollectionID string `json:"collectionId"`
	Cards        int    `json:"cards"`
	EnrichJobID  string `json:"enrichJobId"`
}

// CollectionResult is the result document of a collection job.
type CollectionResult struct {
	CollectionID string `json:"collectionId"`
	Selected     int    `json:"selected"`
	Enqueued     int    `json:"enqueued"`
	Stopped      bool   `json:"stopped,omitempty"`
}

type importProgress struct {
	CardIDs []string `json:"cardIds"`
}

type fanOutProgress struct {
	CardIDs  []string `json:"cardIds"`
	Enqueued int      `json:"enqueued"`
}

func (p *Processor) handleImport(ctx context.Context, job *domain.Job) (any, error) {
	pl := job.Payload
	log := p.jobLogger(job)
	col, err := p.store.GetCollection(ctx, pl.CollectionID)
	if err != nil {
		return nil, err
	}

	var prog importProgress
	if len(job.Progress) > 0 {
		_ = json.Unmarshal(job.Progress, &prog)
	}

	// A retry after the cards were created must not create them twice.
	if prog.CardIDs == nil {
		for _, entry := range pl.Entries {
			if entry.Pronunciation == "" {
				continue
			}
			_, err := p.resolver.Submit(ctx, domain.Selection{
				CollectionID:  col.ID,
				Symbol:        entry.Symbol,
				Pronunciation: entry.Pronunciation,
			})
			if err != nil {
				if domain.IsTransient(err) {
					return nil, err
				}
				log.Warn("ignoring preselected pronunciation", "symbol", entry.Symbol, "pronunciation", entry.Pronunciation, "error", err)
			}
		}

		symbols := make([]string, len(pl.Entries))
		for i, entry := range pl.Entries {
			symbols[i] = entry.Symbol
		}
		cards, err := p.store.AddCards(ctx, col.ID, symbols)
		if err != nil {
			return nil, err
		}
		prog.CardIDs = make([]string, len(cards))
		for i, card := range cards {
			prog.CardIDs[i] = card.ID
		}
		if err := p.queue.SetProgress(ctx, job.ID, prog); err != nil {
			return nil, err
		}
		log.Info("cards created", "count", len(cards))
	}

	p.emit(progress.Event{
		Type:         progress.EventStage,
		CollectionID: col.ID,
		Stage:        "imported",
		Message:      fmt.Sprintf("%d cards created", len(prog.CardIDs)),
	})
	p.refreshCollection(ctx, col.ID)

	h, err := p.enqueue(ctx, domain.QueueCollection, domain.JobEnrichCollection, domain.JobPayload{
		CollectionID: col.ID,
		Requester:    pl.Requester,
	})
	if err != nil {
		return nil, err
	}
	return ImportResult{CollectionID: col.ID, Cards: len(prog.CardIDs), EnrichJobID: h.ID}, nil
}

// handleCollection fans card jobs out in fixed batches with a pause in
// between. A stop request ends the fan-out at the next batch boundary.
func (p *Processor) handleCollection(ctx context.Context, job *domain.Job) (any, error) {
	pl := job.Payload
	col, err := p.store.GetCollection(ctx, pl.CollectionID)
	if err != nil {
		return nil, err
	}

	var prog fanOutProgress
	if len(job.Progress) > 0 {
		_ = json.Unmarshal(job.Progress, &prog)
	}
	if prog.CardIDs == nil {
		cards, err := p.selectCards(ctx, col.ID, pl)
		if err != nil {
			return nil, err
		}
		prog.CardIDs = make([]string, 0, len(cards))
		for _, card := range cards {
			prog.CardIDs = append(prog.CardIDs, card.ID)
		}
		if err := p.queue.SetProgress(ctx, job.ID, prog); err != nil {
			return nil, err
		}
	}

	total := len(prog.CardIDs)
	if err := p.store.SetCollectionStatus(ctx, col.ID, domain.CollectionEnriching,
		fmt.Sprintf("enqueueing %d cards", total)); err != nil {
		return nil, err
	}
	p.emit(progress.Event{Type: progress.EventStage, CollectionID: col.ID, Stage: "enriching"})

	stopped := false
	todo := prog.CardIDs[min(prog.Enqueued, total):]
	_, err = batch.Run(ctx, p.opts.Batch, todo, func(ctx context.Context, ids []string) (bool, error) {
		current, err := p.store.GetCollection(ctx, col.ID)
		if err != nil {
			return false, err
		}
		if current.StopRequested {
			stopped = true
			return false, nil
		}
		for _, id := range ids {
			if _, err := p.enqueue(ctx, domain.QueueCard, domain.JobEnrichCard, domain.JobPayload{
				CardID:       id,
				CollectionID: col.ID,
				Requester:    pl.Requester,
				Force:        pl.Force,
			}); err != nil {
				return false, err
			}
			prog.Enqueued++
		}
		if err := p.queue.SetProgress(ctx, job.ID, prog); err != nil {
			return false, err
		}
		p.emit(progress.Event{
			Type:         progress.EventStage,
			CollectionID: col.ID,
			Stage:        "enqueued",
			Message:      fmt.Sprintf("%d/%d cards enqueued", prog.Enqueued, total),
		})
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	note := ""
	if stopped {
		note = fmt.Sprintf("stopped after %d of %d cards", prog.Enqueued, total)
		p.jobLogger(job).Info("collection stopped", "enqueued", prog.Enqueued, "total", total)
	}
	p.refresh(ctx, col.ID, note)
	return CollectionResult{CollectionID: col.ID, Selected: total, Enqueued: prog.Enqueued, Stopped: stopped}, nil
}

// selectCards picks the cards a collection job enqueues. Without force,
// enriched and partially enriched cards are left alone, as are cards
// whose parked job waits for a selection.
func (p *Processor) selectCards(ctx context.Context, collectionID string, pl domain.JobPayload) ([]*domain.Card, error) {
	all, err := p.store.ListCards(ctx, collectionID)
	if err != nil {
		return nil, err
	}

	var wanted map[string]struct{}
	if len(pl.CardIDs) > 0 {
		wanted = make(map[string]struct{}, len(pl.CardIDs))
		for _, id := range pl.CardIDs {
			wanted[id] = struct{}{}
		}
	}

	var out []*domain.Card
	for _, card := range all {
		if wanted != nil {
			if _, ok := wanted[card.ID]; !ok {
				continue
			}
		}
		if !pl.Force {
			switch card.Status() {
			case domain.CardUnenriched, domain.CardPending, domain.CardFailed:
			default:
				continue
			}
		}
		out = append(out, card)
	}
	return out, nil
}

// refreshCollection recomputes the collection's counters and status from
// its cards and publishes them.
func (p *Processor) refreshCollection(ctx context.Context, collectionID string) {
	p.refresh(ctx, collectionID, "")
}

// refresh replaces the operation text with note while the collection is
// not terminal. It returns "" when the refresh failed.
func (p *Processor) refresh(ctx context.Context, collectionID, note string) domain.CollectionStatus {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	statuses, err := p.store.CardStatuses(ctx, collectionID)
	if err != nil {
		p.log.Error("load card statuses", "collection_id", collectionID, "error", err)
		return ""
	}
	agg := domain.Aggregate(statuses)
	status := agg.Status()
	op := operation(agg, status)
	if note != "" && !status.IsTerminal() {
		op = note
	}
	if err := p.store.SaveCollectionProgress(ctx, collectionID, agg, status, op); err != nil {
		p.log.Error("save collection progress", "collection_id", collectionID, "error", err)
		return ""
	}

	p.emit(progress.Event{
		Type:         progress.EventCollection,
		CollectionID: collectionID,
		Status:       string(status),
		Message:      op,
		Progress:     &agg,
	})
	if status.IsTerminal() {
		p.log.Info("collection finished", "collection_id", collectionID, "status", status,
			"total", agg.Total, "failed", agg.Failed)
	}
	return status
}

func operation(agg domain.CollectionProgress, status domain.CollectionStatus) string {
	switch status {
	case domain.CollectionReady:
		if agg.Failed > 0 {
			return fmt.Sprintf("ready, %d of %d cards failed", agg.Failed, agg.Total)
		}
		return "ready"
	case domain.CollectionFailed:
		return "all cards failed"
	}
	if agg.Awaiting > 0 {
		return fmt.Sprintf("%d/%d cards processed, %d awaiting disambiguation", agg.Processed, agg.Total, agg.Awaiting)
	}
	return fmt.Sprintf("%d/%d cards processed", agg.Processed, agg.Total)
}

func (p *Processor) failCollection(ctx context.Context, collectionID string, cause error) {
	op := "pipeline failure: " + domain.Reason(cause)
	if err := p.store.SetCollectionStatus(ctx, collectionID, domain.CollectionFailed, op); err != nil {
		p.log.Error("mark collection failed", "collection_id", collectionID, "error", err)
		return
	}
	p.emit(progress.Event{
		Type:         progress.EventCollection,
		CollectionID: collectionID,
		Status:       string(domain.CollectionFailed),
		Message:      op,
	})
}
