// Package disambiguation picks the reading a card is enriched with.
//
// A symbol with a single dictionary entry resolves on its own. A symbol
// with several entries blocks until a selection is stored, either an
// explicit pronunciation or the acceptance of the ranked default.
package disambiguation

import (
	"context"
	"fmt"

	"codeberg.org/snonux/hanzirecall/internal/dictionary"
	"codeberg.org/snonux/hanzirecall/internal/domain"
	"codeberg.org/snonux/hanzirecall/internal/mediacache"
)

// SelectionStore persists disambiguation choices.
type SelectionStore interface {
	SaveSelection(ctx context.Context, sel domain.Selection) error
	GetSelection(ctx context.Context, collectionID, symbol string) (*domain.Selection, error)
}

// Service resolves readings.
type Service struct {
	dict       dictionary.Lookup
	selections SelectionStore
	policy     RankingPolicy
}

// NewService creates a resolver. A nil policy ranks with DefaultFrequencyTable.
func NewService(dict dictionary.Lookup, selections SelectionStore, policy RankingPolicy) *Service {
	if policy == nil {
		policy = DefaultFrequencyTable()
	}
	return &Service{dict: dict, selections: selections, policy: policy}
}

// Check returns the ambiguous symbols among symbols, in input order and
// without repeats.
func (s *Service) Check(ctx context.Context, symbols []string) ([]domain.Ambiguity, error) {
	seen := make(map[string]struct{}, len(symbols))
	var out []domain.Ambiguity
	for _, raw := range symbols {
		symbol := mediacache.NormalizeSymbol(raw)
		if symbol == "" {
			continue
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}

		entries, err := s.dict.Lookup(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("look up %q: %w", symbol, err)
		}
		if len(entries) > 1 {
			out = append(out, s.ambiguity(symbol, entries))
		}
	}
	return out, nil
}

// Resolve returns the reading of symbol for a card of collectionID. sel,
// when given, takes precedence over any stored selection. It fails with
// *domain.DisambiguationRequiredError while an ambiguous symbol has no
// selection.
func (s *Service) Resolve(ctx context.Context, collectionID, symbol string, sel *domain.Selection) (domain.Resolution, error) {
	entries, err := s.dict.Lookup(ctx, symbol)
	if err != nil {
		return domain.Resolution{}, fmt.Errorf("look up %q: %w", symbol, err)
	}
	switch len(entries) {
	case 0:
		return domain.Resolution{}, fmt.Errorf("no dictionary entry for %q: %w", symbol, domain.ErrNotFound)
	case 1:
		return resolution(entries[0], false), nil
	}

	if sel == nil {
		sel, err = s.selections.GetSelection(ctx, collectionID, symbol)
		if err != nil {
			return domain.Resolution{}, err
		}
	}
	if sel == nil {
		return domain.Resolution{}, &domain.DisambiguationRequiredError{Ambiguity: s.ambiguity(symbol, entries)}
	}

	if sel.AcceptDefault {
		return resolution(s.Default(entries), true), nil
	}
	entry, ok := find(entries, sel.Pronunciation)
	if !ok {
		return domain.Resolution{}, unknownReading(symbol, sel.Pronunciation)
	}
	return resolution(entry, true), nil
}

// Submit validates and stores a selection. The pronunciation is rewritten
// to the dictionary's spelling of the reading.
func (s *Service) Submit(ctx context.Context, sel domain.Selection) (domain.Selection, error) {
	sel.Symbol = mediacache.NormalizeSymbol(sel.Symbol)
	if sel.Symbol == "" {
		return sel, domain.NewValidationError("symbol", "is required")
	}
	if sel.Pronunciation == "" && !sel.AcceptDefault {
		return sel, domain.NewValidationError("pronunciation", "is required unless the default is accepted")
	}

	entries, err := s.dict.Lookup(ctx, sel.Symbol)
	if err != nil {
		return sel, fmt.Errorf("look up %q: %w", sel.Symbol, err)
	}
	if len(entries) == 0 {
		return sel, fmt.Errorf("no dictionary entry for %q: %w", sel.Symbol, domain.ErrNotFound)
	}

	if sel.AcceptDefault {
		sel.Pronunciation = ""
	} else {
		entry, ok := find(entries, sel.Pronunciation)
		if !ok {
			return sel, unknownReading(sel.Symbol, sel.Pronunciation)
		}
		sel.Pronunciation = entry.Pronunciation
	}

	if err := s.selections.SaveSelection(ctx, sel); err != nil {
		return sel, err
	}
	return sel, nil
}

// Default returns the highest ranked entry. Ties keep dictionary order.
func (s *Service) Default(entries []domain.DictionaryEntry) domain.DictionaryEntry {
	best := entries[0]
	bestRank := s.policy.Rank(best).Rank()
	for _, e := range entries[1:] {
		if r := s.policy.Rank(e).Rank(); r > bestRank {
			best, bestRank = e, r
		}
	}
	return best
}

func (s *Service) ambiguity(symbol string, entries []domain.DictionaryEntry) domain.Ambiguity {
	a := domain.Ambiguity{Symbol: symbol, Candidates: make([]domain.Candidate, 0, len(entries))}
	for _, e := range entries {
		a.Candidates = append(a.Candidates, domain.Candidate{
			Pronunciation: e.Pronunciation,
			Meaning:       e.Meaning(),
			FrequencyHint: s.policy.Rank(e),
		})
	}
	return a
}

func find(entries []domain.DictionaryEntry, pronunciation string) (domain.DictionaryEntry, bool) {
	want := mediacache.NormalizePronunciation(pronunciation)
	for _, e := range entries {
		if mediacache.NormalizePronunciation(e.Pronunciation) == want {
			return e, true
		}
	}
	return domain.DictionaryEntry{}, false
}

func resolution(e domain.DictionaryEntry, disambiguated bool) domain.Resolution {
	return domain.Resolution{
		Symbol:        e.Symbol,
		Pronunciation: e.Pronunciation,
		Meaning:       e.Meaning(),
		Disambiguated: disambiguated,
	}
}

func unknownReading(symbol, pronunciation string) error {
	return domain.NewValidationError("pronunciation",
		fmt.Sprintf("%q is not a known reading of %q", pronunciation, symbol))
}
