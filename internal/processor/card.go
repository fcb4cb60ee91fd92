package processor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"codeberg.org/snonux/hanzirecall/internal/domain"
	"codeberg.org/snonux/hanzirecall/internal/media"
	"codeberg.org/snonux/hanzirecall/internal/mediacache"
	"codeberg.org/snonux/hanzirecall/internal/progress"
)

// CardResult is the result document of a card job.
type CardResult struct {
	CardID        string            `json:"cardId"`
	Status        domain.CardStatus `json:"status"`
	Pronunciation string            `json:"pronunciation,omitempty"`
	Meaning       string            `json:"meaning,omitempty"`
	Image         domain.MediaRef   `json:"image"`
	Audio         domain.MediaRef   `json:"audio"`
	Reason        string            `json:"reason,omitempty"`
	// Superseded is set when a newer job already wrote the card.
	Superseded bool `json:"superseded,omitempty"`
}

func cardResult(card *domain.Card) CardResult {
	meaning, pron := card.Reading()
	img, aud := card.Media()
	return CardResult{
		CardID:        card.ID,
		Status:        card.Status(),
		Pronunciation: pron,
		Meaning:       meaning,
		Image:         img,
		Audio:         aud,
		Reason:        card.FailureReason(),
	}
}

// cardProgress survives retries so a kind that already resolved is not
// generated again.
type cardProgress struct {
	Stage     string                      `json:"stage"`
	Image     *domain.MediaRef            `json:"image,omitempty"`
	Audio     *domain.MediaRef            `json:"audio,omitempty"`
	Permanent map[domain.MediaKind]string `json:"permanent,omitempty"`
}

func loadCardProgress(job *domain.Job) cardProgress {
	var prog cardProgress
	if len(job.Progress) > 0 {
		_ = json.Unmarshal(job.Progress, &prog)
	}
	return prog
}

func (c *cardProgress) ref(kind domain.MediaKind) *domain.MediaRef {
	if kind == domain.MediaAudio {
		return c.Audio
	}
	return c.Image
}

func (c *cardProgress) set(kind domain.MediaKind, ref domain.MediaRef) {
	if kind == domain.MediaAudio {
		c.Audio = &ref
	} else {
		c.Image = &ref
	}
}

func (p *Processor) handleCard(ctx context.Context, job *domain.Job) (any, error) {
	pl := job.Payload
	card, err := p.store.GetCard(ctx, pl.CardID)
	if err != nil {
		return nil, err
	}
	if !pl.Force && card.Status() == domain.CardEnriched {
		return cardResult(card), nil
	}

	prog := loadCardProgress(job)
	p.stage(ctx, job, card, &prog, "resolving")

	res, err := p.resolver.Resolve(ctx, card.CollectionID, card.Symbol, pl.Selection)
	var required *domain.DisambiguationRequiredError
	if errors.As(err, &required) {
		return p.awaitSelection(ctx, job, card, required.Ambiguity)
	}
	if err != nil {
		return nil, err
	}

	prevImage, prevAudio := previousMedia(card, res.Pronunciation)
	if err := card.Transition(domain.Pending{
		Meaning:       res.Meaning,
		Pronunciation: res.Pronunciation,
		JobID:         job.ID,
		Image:         prevImage,
		Audio:         prevAudio,
	}); err != nil {
		return nil, err
	}
	card.Disambiguated = card.Disambiguated || res.Disambiguated
	card.ForceRefresh = pl.Force
	if stale, err := p.saveCard(ctx, job, card); stale || err != nil {
		return supersededResult(card), err
	}

	req := media.Request{Symbol: card.Symbol, Meaning: res.Meaning, Pronunciation: res.Pronunciation}
	p.stage(ctx, job, card, &prog, "generating")
	imageRef, imageErr := p.resolveMedia(ctx, job, &prog, req, domain.MediaImage)
	audioRef, audioErr := p.resolveMedia(ctx, job, &prog, req, domain.MediaAudio)

	failure := errors.Join(imageErr, audioErr)
	lastAttempt := job.Attempts >= job.MaxAttempts
	if failure != nil && domain.IsTransient(failure) && !lastAttempt {
		return nil, failure
	}

	// A kind that could not be refreshed keeps its previous reference.
	refreshFailure := failure
	if imageErr != nil && prevImage.Resolved() {
		imageRef, imageErr = prevImage, nil
	}
	if audioErr != nil && prevAudio.Resolved() {
		audioRef, audioErr = prevAudio, nil
	}
	failure = errors.Join(imageErr, audioErr)
	if imageErr != nil && audioErr != nil {
		return nil, failure
	}

	var next domain.CardState = domain.Enriched{
		Meaning:       res.Meaning,
		Pronunciation: res.Pronunciation,
		Image:         imageRef,
		Audio:         audioRef,
		EnrichedAt:    time.Now(),
	}
	if failure != nil {
		next = domain.PartiallyEnriched{
			Meaning:       res.Meaning,
			Pronunciation: res.Pronunciation,
			Image:         imageRef,
			Audio:         audioRef,
			Reason:        domain.Reason(failure),
			EnrichedAt:    time.Now(),
		}
	}
	if err := card.Transition(next); err != nil {
		return nil, err
	}
	if stale, err := p.saveCard(ctx, job, card); stale || err != nil {
		return supersededResult(card), err
	}
	if failure == nil && refreshFailure != nil {
		p.jobLogger(job).Warn("media refresh failed, previous media kept", "error", refreshFailure)
		return nil, refreshFailure
	}
	return cardResult(card), nil
}

// previousMedia returns the references the card already holds for the
// reading pronunciation. References of another reading are dropped.
func previousMedia(card *domain.Card, pronunciation string) (image, audio domain.MediaRef) {
	_, prev := card.Reading()
	if prev == "" || mediacache.NormalizePronunciation(prev) != mediacache.NormalizePronunciation(pronunciation) {
		return domain.MediaRef{Kind: domain.MediaImage}, domain.MediaRef{Kind: domain.MediaAudio}
	}
	return card.Media()
}

// resolveMedia fetches one kind through the cache, generating on a miss.
// Outcomes are recorded in the job progress.
func (p *Processor) resolveMedia(ctx context.Context, job *domain.Job, prog *cardProgress, req media.Request, kind domain.MediaKind) (domain.MediaRef, error) {
	if ref := prog.ref(kind); ref != nil {
		return *ref, nil
	}
	if reason, ok := prog.Permanent[kind]; ok {
		return domain.MediaRef{Kind: kind}, &domain.ProviderError{Provider: string(kind), Op: "generate", Err: errors.New(reason), Permanent: true}
	}

	generate := func(ctx context.Context) (*domain.Artifact, error) {
		if kind == domain.MediaAudio {
			return p.media.Audio(ctx, req)
		}
		return p.media.Image(ctx, req)
	}
	override := job.Payload.Override
	ref, err := p.cache.Resolve(ctx, mediacache.Request{
		Symbol:        req.Symbol,
		Pronunciation: req.Pronunciation,
		Kind:          kind,
		Force:         job.Payload.Force && !override,
		Override:      override,
	}, generate)
	if err != nil {
		if !domain.IsTransient(err) {
			if prog.Permanent == nil {
				prog.Permanent = make(map[domain.MediaKind]string)
			}
			prog.Permanent[kind] = domain.Reason(err)
			p.saveProgress(ctx, job, prog)
		}
		return domain.MediaRef{Kind: kind}, err
	}

	prog.set(kind, ref)
	p.saveProgress(ctx, job, prog)
	p.jobLogger(job).Debug("media resolved", "kind", kind, "key", ref.Key, "cached", ref.Cached, "skipped", ref.Skipped)
	return ref, nil
}

// awaitSelection parks the job until a selection arrives. The job is parked
// before the card is marked so SubmitDisambiguation always finds a parked
// job behind an awaiting card; a selection stored in between wakes the job
// right away.
func (p *Processor) awaitSelection(ctx context.Context, job *domain.Job, card *domain.Card, amb domain.Ambiguity) (any, error) {
	var previous string
	if awaiting, ok := card.State.(domain.AwaitingDisambiguation); ok && awaiting.JobID != job.ID {
		previous = awaiting.JobID
	}
	if err := card.Transition(domain.AwaitingDisambiguation{Candidates: len(amb.Candidates), JobID: job.ID}); err != nil {
		return nil, err
	}
	if err := p.queue.Park(ctx, job.ID); err != nil {
		return nil, err
	}
	if stale, err := p.saveCard(ctx, job, card); err != nil {
		return nil, err
	} else if stale {
		if err := p.queue.Fail(ctx, job.ID, domain.ErrStaleWrite); err != nil {
			return nil, err
		}
		return nil, errSettled
	}
	if previous != "" {
		// Only the job the card points at is woken by a selection.
		if err := p.queue.Supersede(ctx, previous, job.ID); err != nil && !errors.Is(err, domain.ErrConflict) {
			p.jobLogger(job).Warn("supersede earlier parked job", "previous_job_id", previous, "error", err)
		}
	}
	p.emit(progress.Event{
		Type:         progress.EventStage,
		CollectionID: card.CollectionID,
		CardID:       card.ID,
		Symbol:       card.Symbol,
		Stage:        "awaiting_disambiguation",
	})

	sel, err := p.store.GetSelection(ctx, card.CollectionID, card.Symbol)
	if err != nil {
		return nil, errSettled
	}
	if sel != nil {
		pl := job.Payload
		pl.Selection = sel
		if err := p.queue.Wake(ctx, job.ID, pl); err != nil {
			p.jobLogger(job).Warn("wake job after late selection", "error", err)
		}
	}
	return nil, errSettled
}

// saveCard persists card stamped with the job's enqueue time. stale is
// true when a newer job already wrote the card.
func (p *Processor) saveCard(ctx context.Context, job *domain.Job, card *domain.Card) (stale bool, err error) {
	err = p.store.SaveCard(ctx, card, job.CreatedAt)
	if errors.Is(err, domain.ErrStaleWrite) {
		p.jobLogger(job).Info("card written by a newer job, result dropped")
		return true, nil
	}
	if err != nil {
		return false, err
	}
	p.emit(progress.Event{
		Type:         progress.EventCard,
		CollectionID: card.CollectionID,
		CardID:       card.ID,
		Symbol:       card.Symbol,
		Status:       string(card.Status()),
		Message:      card.FailureReason(),
	})
	p.refreshCollection(ctx, card.CollectionID)
	return false, nil
}

func supersededResult(card *domain.Card) CardResult {
	return CardResult{CardID: card.ID, Status: card.Status(), Superseded: true}
}

// failCard records the terminal failure of a card job on the card. A card
// whose state cannot move to failed, such as an enriched card whose forced
// refresh never started, keeps its state. A pending card that still holds
// earlier media becomes partially enriched with that media.
func (p *Processor) failCard(ctx context.Context, job *domain.Job, cause error) {
	log := p.jobLogger(job)
	card, err := p.store.GetCard(ctx, job.Payload.CardID)
	if err != nil {
		log.Warn("load failed card", "error", err)
		return
	}
	var next domain.CardState = domain.Failed{Reason: domain.Reason(cause)}
	if pending, ok := card.State.(domain.Pending); ok && (pending.Image.Resolved() || pending.Audio.Resolved()) {
		next = domain.PartiallyEnriched{
			Meaning:       pending.Meaning,
			Pronunciation: pending.Pronunciation,
			Image:         pending.Image,
			Audio:         pending.Audio,
			Reason:        domain.Reason(cause),
			EnrichedAt:    time.Now(),
		}
	}
	if err := card.Transition(next); err != nil {
		log.Warn("card keeps its state", "status", card.Status(), "error", err)
		return
	}
	if _, err := p.saveCard(ctx, job, card); err != nil {
		log.Error("save failed card", "error", err)
	}
}

func (p *Processor) stage(ctx context.Context, job *domain.Job, card *domain.Card, prog *cardProgress, stage string) {
	prog.Stage = stage
	p.saveProgress(ctx, job, prog)
	p.emit(progress.Event{
		Type:         progress.EventStage,
		CollectionID: card.CollectionID,
		CardID:       card.ID,
		Symbol:       card.Symbol,
		Stage:        stage,
	})
}

func (p *Processor) saveProgress(ctx context.Context, job *domain.Job, prog any) {
	if err := p.queue.SetProgress(ctx, job.ID, prog); err != nil {
		p.jobLogger(job).Warn("save job progress", "error", err)
	}
}
