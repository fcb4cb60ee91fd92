package dictionary

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"codeberg.org/snonux/hanzirecall/internal/domain"
)

// LoadSeed imports a JSON array of dictionary entries into store and
// returns how many were written. Entries of one symbol keep file order.
func LoadSeed(ctx context.Context, store EntryStore, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read dictionary seed: %w", err)
	}

	var entries []domain.DictionaryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("decode dictionary seed %s: %w", path, err)
	}
	if err := Validate(entries); err != nil {
		return 0, fmt.Errorf("dictionary seed %s: %w", path, err)
	}

	// Positions are per call, so group by symbol to keep each symbol's
	// readings in file order.
	var order []string
	bySymbol := make(map[string][]domain.DictionaryEntry)
	for _, e := range entries {
		if _, ok := bySymbol[e.Symbol]; !ok {
			order = append(order, e.Symbol)
		}
		bySymbol[e.Symbol] = append(bySymbol[e.Symbol], e)
	}
	for _, symbol := range order {
		if err := store.PutDictionaryEntries(ctx, bySymbol[symbol]); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}
