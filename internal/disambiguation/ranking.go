package disambiguation

import (
	"codeberg.org/snonux/hanzirecall/internal/domain"
	"codeberg.org/snonux/hanzirecall/internal/mediacache"
)

// RankingPolicy labels how frequent a reading is. The default reading of
// an ambiguous symbol is the first of the highest labelled ones.
type RankingPolicy interface {
	Rank(entry domain.DictionaryEntry) domain.FrequencyHint
}

// FrequencyTable is a static override table keyed by (symbol, reading).
// Readings it does not list keep the hint of their dictionary entry, and
// "common" when the entry has none.
type FrequencyTable struct {
	hints map[string]domain.FrequencyHint
}

// Override labels one reading.
type Override struct {
	Symbol        string
	Pronunciation string
	Hint          domain.FrequencyHint
}

// NewFrequencyTable builds a table from overrides. Later overrides win.
func NewFrequencyTable(overrides ...Override) *FrequencyTable {
	t := &FrequencyTable{hints: make(map[string]domain.FrequencyHint, len(overrides))}
	for _, o := range overrides {
		t.hints[tableKey(o.Symbol, o.Pronunciation)] = o.Hint
	}
	return t
}

// DefaultFrequencyTable labels the common polyphonic characters.
func DefaultFrequencyTable() *FrequencyTable {
	return NewFrequencyTable(
		Override{"行", "xíng", domain.FrequencyVeryCommon},
		Override{"行", "háng", domain.FrequencyCommon},
		Override{"长", "cháng", domain.FrequencyVeryCommon},
		Override{"长", "zhǎng", domain.FrequencyCommon},
		Override{"好", "hǎo", domain.FrequencyVeryCommon},
		Override{"好", "hào", domain.FrequencyLessCommon},
		Override{"了", "le", domain.FrequencyVeryCommon},
		Override{"了", "liǎo", domain.FrequencyLessCommon},
		Override{"得", "de", domain.FrequencyVeryCommon},
		Override{"得", "dé", domain.FrequencyCommon},
		Override{"得", "děi", domain.FrequencyLessCommon},
		Override{"还", "hái", domain.FrequencyVeryCommon},
		Override{"还", "huán", domain.FrequencyCommon},
		Override{"都", "dōu", domain.FrequencyVeryCommon},
		Override{"都", "dū", domain.FrequencyLessCommon},
		Override{"乐", "lè", domain.FrequencyVeryCommon},
		Override{"乐", "yuè", domain.FrequencyCommon},
		Override{"重", "zhòng", domain.FrequencyVeryCommon},
		Override{"重", "chóng", domain.FrequencyCommon},
		Override{"觉", "jué", domain.FrequencyVeryCommon},
		Override{"觉", "jiào", domain.FrequencyCommon},
		Override{"只", "zhǐ", domain.FrequencyVeryCommon},
		Override{"只", "zhī", domain.FrequencyCommon},
	)
}

// With returns a copy of t extended by overrides.
func (t *FrequencyTable) With(overrides ...Override) *FrequencyTable {
	out := &FrequencyTable{hints: make(map[string]domain.FrequencyHint, len(t.hints)+len(overrides))}
	for k, v := range t.hints {
		out.hints[k] = v
	}
	for _, o := range overrides {
		out.hints[tableKey(o.Symbol, o.Pronunciation)] = o.Hint
	}
	return out
}

// Rank implements RankingPolicy.
func (t *FrequencyTable) Rank(entry domain.DictionaryEntry) domain.FrequencyHint {
	if h, ok := t.hints[tableKey(entry.Symbol, entry.Pronunciation)]; ok {
		return h
	}
	if entry.Frequency.IsValid() {
		return entry.Frequency
	}
	return domain.FrequencyCommon
}

func tableKey(symbol, pronunciation string) string {
	return mediacache.NormalizeSymbol(symbol) + "\x1f" + mediacache.NormalizePronunciation(pronunciation)
}
