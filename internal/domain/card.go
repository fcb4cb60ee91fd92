package domain

import (
	"fmt"
	"time"
)

// CardStatus is the persisted name of a card lifecycle state.
type CardStatus string

const (
	CardUnenriched             CardStatus = "unenriched"
	CardAwaitingDisambiguation CardStatus = "awaiting_disambiguation"
	CardPending                CardStatus = "pending"
	CardEnriched               CardStatus = "enriched"
	CardPartiallyEnriched      CardStatus = "partially_enriched"
	CardFailed                 CardStatus = "failed"
)

func (s CardStatus) IsValid() bool {
	switch s {
	case CardUnenriched, CardAwaitingDisambiguation, CardPending,
		CardEnriched, CardPartiallyEnriched, CardFailed:
		return true
	}
	return false
}

// IsTerminal reports whether a card in this status counts as processed.
func (s CardStatus) IsTerminal() bool {
	return s == CardEnriched || s == CardPartiallyEnriched || s == CardFailed
}

// HasMedia reports whether the status carries resolved media references.
func (s CardStatus) HasMedia() bool {
	return s == CardEnriched || s == CardPartiallyEnriched
}

var cardTransitions = map[CardStatus][]CardStatus{
	CardUnenriched:             {CardAwaitingDisambiguation, CardPending, CardFailed},
	CardAwaitingDisambiguation: {CardAwaitingDisambiguation, CardPending, CardFailed},
	CardPending:                {CardPending, CardAwaitingDisambiguation, CardEnriched, CardPartiallyEnriched, CardFailed},
	CardEnriched:               {CardPending, CardAwaitingDisambiguation},
	CardPartiallyEnriched:      {CardPending, CardAwaitingDisambiguation},
	CardFailed:                 {CardPending, CardAwaitingDisambiguation, CardFailed},
}

// CanTransition reports whether a card may move from one status to another.
func CanTransition(from, to CardStatus) bool {
	for _, next := range cardTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CardState is the tagged lifecycle state of a card. Only the concrete
// types in this file implement it.
type CardState interface {
	Status() CardStatus
	isCardState()
}

// Unenriched is the state of a freshly imported card.
type Unenriched struct{}

// AwaitingDisambiguation blocks enrichment until a pronunciation is chosen.
type AwaitingDisambiguation struct {
	Candidates int
	JobID      string
}

// Pending means a worker resolved the reading and is generating media.
// Image and Audio keep the references of an earlier enrichment of the same
// reading until new ones are written.
type Pending struct {
	Meaning       string
	Pronunciation string
	JobID         string
	Image         MediaRef
	Audio         MediaRef
}

// Enriched carries both media references.
type Enriched struct {
	Meaning       string
	Pronunciation string
	Image         MediaRef
	Audio         MediaRef
	EnrichedAt    time.Time
}

// PartiallyEnriched carries the references that could be resolved and the
// reason the other one could not.
type PartiallyEnriched struct {
	Meaning       string
	Pronunciation string
	Image         MediaRef
	Audio         MediaRef
	Reason        string
	EnrichedAt    time.Time
}

// Failed records why enrichment gave up.
type Failed struct {
	Reason string
}

func (Unenriched) Status() CardStatus             { return CardUnenriched }
func (AwaitingDisambiguation) Status() CardStatus { return CardAwaitingDisambiguation }
func (Pending) Status() CardStatus                { return CardPending }
func (Enriched) Status() CardStatus               { return CardEnriched }
func (PartiallyEnriched) Status() CardStatus      { return CardPartiallyEnriched }
func (Failed) Status() CardStatus                 { return CardFailed }

func (Unenriched) isCardState()             {}
func (AwaitingDisambiguation) isCardState() {}
func (Pending) isCardState()                {}
func (Enriched) isCardState()               {}
func (PartiallyEnriched) isCardState()      {}
func (Failed) isCardState()                 {}

// Card is the study unit for one symbol within one collection.
type Card struct {
	ID            string
	CollectionID  string
	Position      int
	Symbol        string
	Disambiguated bool
	ForceRefresh  bool
	State         CardState
	// AppliedAt is the enqueue time of the job whose result was last
	// written. Writes stamped with an older time are rejected.
	AppliedAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Status returns the status of the card's current state.
func (c *Card) Status() CardStatus {
	if c.State == nil {
		return CardUnenriched
	}
	return c.State.Status()
}

// Transition replaces the card state after checking the move is legal.
func (c *Card) Transition(next CardState) error {
	from, to := c.Status(), next.Status()
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: card %s from %s to %s", ErrInvalidTransition, c.ID, from, to)
	}
	c.State = next
	return nil
}

// Reading returns the resolved meaning and pronunciation, if any.
func (c *Card) Reading() (meaning, pronunciation string) {
	switch s := c.State.(type) {
	case Pending:
		return s.Meaning, s.Pronunciation
	case Enriched:
		return s.Meaning, s.Pronunciation
	case PartiallyEnriched:
		return s.Meaning, s.Pronunciation
	}
	return "", ""
}

// Media returns the image and audio references, if the state has any.
func (c *Card) Media() (image, audio MediaRef) {
	switch s := c.State.(type) {
	case Pending:
		return s.Image, s.Audio
	case Enriched:
		return s.Image, s.Audio
	case PartiallyEnriched:
		return s.Image, s.Audio
	}
	return MediaRef{}, MediaRef{}
}

// FailureReason returns the recorded reason for failed or partial cards.
func (c *Card) FailureReason() string {
	switch s := c.State.(type) {
	case Failed:
		return s.Reason
	case PartiallyEnriched:
		return s.Reason
	}
	return ""
}
