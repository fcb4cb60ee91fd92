package server

import (
	"time"

	"codeberg.org/snonux/hanzirecall/internal/domain"
	"codeberg.org/snonux/hanzirecall/internal/processor"
)

type collectionDTO struct {
	ID               string                  `json:"id"`
	Owner            string                  `json:"owner,omitempty"`
	Name             string                  `json:"name"`
	Status           domain.CollectionStatus `json:"status"`
	Processed        int                     `json:"processed"`
	Total            int                     `json:"total"`
	Failed           int                     `json:"failed"`
	CurrentOperation string                  `json:"currentOperation,omitempty"`
	StopRequested    bool                    `json:"stopRequested,omitempty"`
	CreatedAt        time.Time               `json:"createdAt"`
	UpdatedAt        time.Time               `json:"updatedAt"`
}

type mediaDTO struct {
	Key     string `json:"key,omitempty"`
	URL     string `json:"url,omitempty"`
	Cached  bool   `json:"cached,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
}

type cardDTO struct {
	ID            string            `json:"id"`
	CollectionID  string            `json:"collectionId"`
	Position      int               `json:"position"`
	Symbol        string            `json:"symbol"`
	Status        domain.CardStatus `json:"status"`
	Pronunciation string            `json:"pronunciation,omitempty"`
	Meaning       string            `json:"meaning,omitempty"`
	Disambiguated bool              `json:"disambiguated,omitempty"`
	Image         *mediaDTO         `json:"image,omitempty"`
	Audio         *mediaDTO         `json:"audio,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Candidates    int               `json:"candidates,omitempty"`
	JobID         string            `json:"jobId,omitempty"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

type collectionViewDTO struct {
	collectionDTO
	Progress domain.CollectionProgress `json:"progress"`
	Cards    []cardDTO                 `json:"cards"`
}

func newCollectionDTO(c *domain.Collection) collectionDTO {
	return collectionDTO{
		ID:               c.ID,
		Owner:            c.Owner,
		Name:             c.Name,
		Status:           c.Status,
		Processed:        c.Processed,
		Total:            c.Total,
		Failed:           c.Failed,
		CurrentOperation: c.CurrentOperation,
		StopRequested:    c.StopRequested,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

func newCollectionViewDTO(v *processor.CollectionView) collectionViewDTO {
	out := collectionViewDTO{
		collectionDTO: newCollectionDTO(v.Collection),
		Progress:      v.Progress,
		Cards:         make([]cardDTO, 0, len(v.Cards)),
	}
	for _, card := range v.Cards {
		out.Cards = append(out.Cards, newCardDTO(card))
	}
	return out
}

func newCardDTO(c *domain.Card) cardDTO {
	meaning, pronunciation := c.Reading()
	out := cardDTO{
		ID:            c.ID,
		CollectionID:  c.CollectionID,
		Position:      c.Position,
		Symbol:        c.Symbol,
		Status:        c.Status(),
		Pronunciation: pronunciation,
		Meaning:       meaning,
		Disambiguated: c.Disambiguated,
		Reason:        c.FailureReason(),
		UpdatedAt:     c.UpdatedAt,
	}
	switch s := c.State.(type) {
	case domain.AwaitingDisambiguation:
		out.Candidates, out.JobID = s.Candidates, s.JobID
	case domain.Pending:
		out.JobID = s.JobID
	}
	if image, audio := c.Media(); image.Resolved() || audio.Resolved() {
		out.Image, out.Audio = newMediaDTO(image), newMediaDTO(audio)
	}
	return out
}

func newMediaDTO(ref domain.MediaRef) *mediaDTO {
	m := &mediaDTO{Key: ref.Key, Cached: ref.Cached, Skipped: ref.Skipped}
	if ref.Key != "" {
		m.URL = "/media/" + ref.Key
	}
	return m
}
