// Package dictionary looks up the readings of a symbol.
//
// The local SQLite table is authoritative. When it has no entry for a
// symbol, a remote lookup is asked once and its answer is written through
// to the table, so every later lookup for the symbol is local and stable.
package dictionary

import (
	"context"
	"fmt"
	"log/slog"

	"codeberg.org/snonux/hanzirecall/internal/domain"
)

// Lookup returns all readings of a symbol in dictionary order. A symbol
// without readings yields an empty slice and no error.
type Lookup interface {
	Lookup(ctx context.Context, symbol string) ([]domain.DictionaryEntry, error)
}

// EntryStore persists dictionary entries.
type EntryStore interface {
	DictionaryEntries(ctx context.Context, symbol string) ([]domain.DictionaryEntry, error)
	PutDictionaryEntries(ctx context.Context, entries []domain.DictionaryEntry) error
}

// StoreLookup answers from the local table only.
type StoreLookup struct {
	store EntryStore
}

func NewStoreLookup(store EntryStore) *StoreLookup {
	return &StoreLookup{store: store}
}

func (l *StoreLookup) Lookup(ctx context.Context, symbol string) ([]domain.DictionaryEntry, error) {
	return l.store.DictionaryEntries(ctx, symbol)
}

// WriteThrough consults the local table first and falls back to remote on
// a miss, persisting whatever remote returns.
type WriteThrough struct {
	store  EntryStore
	remote Lookup
	log    *slog.Logger
}

func NewWriteThrough(store EntryStore, remote Lookup, logger *slog.Logger) *WriteThrough {
	if logger == nil {
		logger = slog.Default()
	}
	return &WriteThrough{store: store, remote: remote, log: logger.With("component", "dictionary")}
}

func (w *WriteThrough) Lookup(ctx context.Context, symbol string) ([]domain.DictionaryEntry, error) {
	entries, err := w.store.DictionaryEntries(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		return entries, nil
	}

	entries, err = w.remote.Lookup(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	if err := w.store.PutDictionaryEntries(ctx, entries); err != nil {
		return nil, &domain.StorageError{Op: "dictionary write-through", Key: symbol, Err: err}
	}
	w.log.Info("dictionary entries fetched", "symbol", symbol, "readings", len(entries))
	return entries, nil
}

// Validate checks that entries are usable: a symbol, a pronunciation and
// at least one meaning each, without duplicate pronunciations.
func Validate(entries []domain.DictionaryEntry) error {
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		switch {
		case e.Symbol == "":
			return fmt.Errorf("entry %d: empty symbol", i)
		case e.Pronunciation == "":
			return fmt.Errorf("entry %d (%s): empty pronunciation", i, e.Symbol)
		case len(e.Meanings) == 0:
			return fmt.Errorf("entry %d (%s): no meanings", i, e.Symbol)
		case e.Frequency != "" && !e.Frequency.IsValid():
			return fmt.Errorf("entry %d (%s): unknown frequency %q", i, e.Symbol, e.Frequency)
		}
		key := e.Symbol + "\x1f" + e.Pronunciation
		if _, dup := seen[key]; dup {
			return fmt.Errorf("entry %d: duplicate reading %s/%s", i, e.Symbol, e.Pronunciation)
		}
		seen[key] = struct{}{}
	}
	return nil
}
