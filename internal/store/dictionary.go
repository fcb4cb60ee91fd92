package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"codeberg.org/snonux/hanzirecall/internal/domain"
)

// DictionaryEntries returns the stored readings of symbol in insertion order.
func (s *Store) DictionaryEntries(ctx context.Context, symbol string) ([]domain.DictionaryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, pronunciation, meanings, frequency
		FROM dictionary_entries WHERE symbol = ? ORDER BY position, pronunciation`, symbol)
	if err != nil {
		return nil, fmt.Errorf("dictionary lookup %q: %w", symbol, err)
	}
	defer rows.Close()

	var out []domain.DictionaryEntry
	for rows.Next() {
		var (
			e        domain.DictionaryEntry
			meanings string
			freq     string
		)
		if err := rows.Scan(&e.Symbol, &e.Pronunciation, &meanings, &freq); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meanings), &e.Meanings); err != nil {
			return nil, fmt.Errorf("decode meanings of %q: %w", symbol, err)
		}
		e.Frequency = domain.FrequencyHint(freq)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PutDictionaryEntries upserts readings. Entries keep the order given.
func (s *Store) PutDictionaryEntries(ctx context.Context, entries []domain.DictionaryEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i, e := range entries {
			meanings, err := json.Marshal(e.Meanings)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO dictionary_entries (symbol, pronunciation, meanings, frequency, position)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(symbol, pronunciation) DO UPDATE SET
					meanings = excluded.meanings, frequency = excluded.frequency`,
				e.Symbol, e.Pronunciation, string(meanings), string(e.Frequency), i); err != nil {
				return fmt.Errorf("upsert dictionary entry %s/%s: %w", e.Symbol, e.Pronunciation, err)
			}
		}
		return nil
	})
}

// SaveSelection stores a disambiguation choice, replacing any earlier one
// in the same scope.
func (s *Store) SaveSelection(ctx context.Context, sel domain.Selection) error {
	_, err := s.execWithRetry(ctx, `
		INSERT INTO disambiguation_selections (scope, symbol, pronunciation, accept_default, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope, symbol) DO UPDATE SET
			pronunciation = excluded.pronunciation,
			accept_default = excluded.accept_default,
			created_at = excluded.created_at`,
		sel.CollectionID, sel.Symbol, sel.Pronunciation, boolInt(sel.AcceptDefault), millis(s.now()))
	if err != nil {
		return fmt.Errorf("save selection for %q: %w", sel.Symbol, err)
	}
	return nil
}

// GetSelection returns the selection for symbol, preferring one scoped to
// collectionID over a global one. It returns nil when none is stored.
func (s *Store) GetSelection(ctx context.Context, collectionID, symbol string) (*domain.Selection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT scope, symbol, pronunciation, accept_default
		FROM disambiguation_selections
		WHERE symbol = ? AND scope IN (?, '')
		ORDER BY CASE WHEN scope = '' THEN 1 ELSE 0 END
		LIMIT 1`, symbol, collectionID)

	var (
		sel    domain.Selection
		accept int
	)
	err := row.Scan(&sel.CollectionID, &sel.Symbol, &sel.Pronunciation, &accept)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get selection for %q: %w", symbol, err)
	}
	sel.AcceptDefault = accept != 0
	return &sel, nil
}
