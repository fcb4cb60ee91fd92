// Package intake normalizes raw import lists into symbols the pipeline
// accepts.
package intake

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"

	"codeberg.org/snonux/hanzirecall/internal/domain"
)

// Options configures validation. Scripts are unicode script names as in
// unicode.Scripts, "Han" when empty.
type Options struct {
	Scripts        []string
	MaxSymbolRunes int
}

// allowedPunctuation may appear inside a symbol next to script characters.
const allowedPunctuation = "·・-"

// Report describes what an import kept and dropped.
type Report struct {
	Accepted   int                `json:"accepted"`
	Duplicates int                `json:"duplicates"`
	Rejected   []domain.Rejection `json:"rejected,omitempty"`
}

// Result is the normalized import.
type Result struct {
	Entries []domain.ImportEntry
	Report  Report
}

// Symbols wraps plain symbols as import entries.
func Symbols(raw []string) []domain.ImportEntry {
	out := make([]domain.ImportEntry, len(raw))
	for i, s := range raw {
		out[i] = domain.ImportEntry{Symbol: s}
	}
	return out
}

// Normalize trims, width-folds and NFC-normalizes every entry, rejects
// entries of the wrong script or length, and drops exact repeats. Symbols
// are only deduplicated within raw; a symbol present in other collections
// is kept. Zero accepted entries fail with a *domain.ValidationError that
// carries the rejections.
func Normalize(raw []domain.ImportEntry, opts Options) (*Result, error) {
	scripts, err := ScriptTables(opts.Scripts)
	if err != nil {
		return nil, err
	}
	maxRunes := opts.MaxSymbolRunes
	if maxRunes <= 0 {
		maxRunes = 8
	}

	res := &Result{}
	seen := make(map[string]struct{}, len(raw))
	for i, entry := range raw {
		symbol := NormalizeText(entry.Symbol)
		if reason := check(symbol, scripts, maxRunes); reason != "" {
			res.Report.Rejected = append(res.Report.Rejected, domain.Rejection{Index: i, Input: entry.Symbol, Reason: reason})
			continue
		}

		pron := NormalizeText(entry.Pronunciation)
		key := symbol + "\x1f" + strings.ToLower(pron)
		if _, dup := seen[key]; dup {
			res.Report.Duplicates++
			continue
		}
		seen[key] = struct{}{}
		res.Entries = append(res.Entries, domain.ImportEntry{Symbol: symbol, Pronunciation: pron})
	}
	res.Report.Accepted = len(res.Entries)

	if len(res.Entries) == 0 {
		verr := &domain.ValidationError{Rejected: res.Report.Rejected}
		if len(verr.Rejected) == 0 {
			verr.Errors = []domain.FieldError{{Field: "symbols", Message: "no symbols given"}}
		}
		return res, verr
	}
	return res, nil
}

// NormalizeText folds full-width forms, applies NFC and trims space.
func NormalizeText(s string) string {
	return strings.TrimSpace(norm.NFC.String(width.Fold.String(s)))
}

func check(symbol string, scripts []*unicode.RangeTable, maxRunes int) string {
	if symbol == "" {
		return "empty"
	}
	if n := utf8.RuneCountInString(symbol); n > maxRunes {
		return fmt.Sprintf("too long: %d characters, at most %d", n, maxRunes)
	}
	hasScript := false
	for _, r := range symbol {
		switch {
		case unicode.IsOneOf(scripts, r):
			hasScript = true
		case strings.ContainsRune(allowedPunctuation, r):
		default:
			return fmt.Sprintf("unsupported character %q", r)
		}
	}
	if !hasScript {
		return "no character of the accepted scripts"
	}
	return ""
}

// ScriptTables resolves unicode script names.
func ScriptTables(names []string) ([]*unicode.RangeTable, error) {
	if len(names) == 0 {
		return []*unicode.RangeTable{unicode.Han}, nil
	}
	tables := make([]*unicode.RangeTable, 0, len(names))
	for _, name := range names {
		table, ok := unicode.Scripts[name]
		if !ok {
			return nil, fmt.Errorf("unknown unicode script %q", name)
		}
		tables = append(tables, table)
	}
	return tables, nil
}
