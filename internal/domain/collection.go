package domain

import "time"

// CollectionStatus is the aggregate lifecycle state of a collection.
type CollectionStatus string

const (
	CollectionPending   CollectionStatus = "pending"
	CollectionImporting CollectionStatus = "importing"
	CollectionEnriching CollectionStatus = "enriching"
	CollectionReady     CollectionStatus = "ready"
	CollectionFailed    CollectionStatus = "failed"
)

func (s CollectionStatus) IsValid() bool {
	switch s {
	case CollectionPending, CollectionImporting, CollectionEnriching, CollectionReady, CollectionFailed:
		return true
	}
	return false
}

func (s CollectionStatus) IsTerminal() bool {
	return s == CollectionReady || s == CollectionFailed
}

// Collection is a named, owned, ordered set of cards.
type Collection struct {
	ID               string
	Owner            string
	Name             string
	Status           CollectionStatus
	Processed        int
	Total            int
	Failed           int
	CurrentOperation string
	StopRequested    bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CollectionProgress is the aggregate of member card states.
type CollectionProgress struct {
	Total             int `json:"total"`
	Processed         int `json:"processed"`
	Enriched          int `json:"enriched"`
	PartiallyEnriched int `json:"partiallyEnriched"`
	Failed            int `json:"failed"`
	Awaiting          int `json:"awaitingDisambiguation"`
	Pending           int `json:"pending"`
	Unenriched        int `json:"unenriched"`
}

// Aggregate folds member card statuses into progress counters. It depends
// only on the multiset of statuses.
func Aggregate(statuses []CardStatus) CollectionProgress {
	p := CollectionProgress{Total: len(statuses)}
	for _, s := range statuses {
		switch s {
		case CardEnriched:
			p.Enriched++
		case CardPartiallyEnriched:
			p.PartiallyEnriched++
		case CardFailed:
			p.Failed++
		case CardAwaitingDisambiguation:
			p.Awaiting++
		case CardPending:
			p.Pending++
		default:
			p.Unenriched++
		}
		if s.IsTerminal() {
			p.Processed++
		}
	}
	return p
}

// Done reports whether every card reached a terminal state.
func (p CollectionProgress) Done() bool {
	return p.Processed == p.Total
}

// Status derives the collection status for an enrichment run. Individual
// card failures never fail the collection unless every card failed.
func (p CollectionProgress) Status() CollectionStatus {
	if !p.Done() {
		return CollectionEnriching
	}
	if p.Total > 0 && p.Failed == p.Total {
		return CollectionFailed
	}
	return CollectionReady
}
