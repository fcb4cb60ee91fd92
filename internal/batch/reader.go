// Package batch reads import files and paces work in fixed-size batches.
package batch

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"codeberg.org/snonux/hanzirecall/internal/domain"
)

// ReadBatchFile reads import entries from a file.
// Supports formats:
//   - symbol only: "行" (reading resolved by disambiguation)
//   - with reading: "行 = háng" (pre-selects the pronunciation)
//   - "# comment" lines and trailing "# comments" are ignored
func ReadBatchFile(filename string) ([]domain.ImportEntry, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}
	defer f.Close()

	var entries []domain.ImportEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		entry, ok := parseLine(scanner.Text())
		if ok {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}
	return entries, nil
}

func parseLine(line string) (domain.ImportEntry, bool) {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return domain.ImportEntry{}, false
	}

	symbol, pronunciation, found := strings.Cut(line, "=")
	if !found {
		return domain.ImportEntry{Symbol: line}, true
	}
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		// "= háng" names no symbol
		return domain.ImportEntry{}, false
	}
	return domain.ImportEntry{Symbol: symbol, Pronunciation: strings.TrimSpace(pronunciation)}, true
}
