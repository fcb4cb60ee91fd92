package domain

import "strings"

// FrequencyHint labels how common a reading is.
type FrequencyHint string

const (
	FrequencyVeryCommon FrequencyHint = "very-common"
	FrequencyCommon     FrequencyHint = "common"
	FrequencyLessCommon FrequencyHint = "less-common"
)

func (h FrequencyHint) IsValid() bool {
	return h == FrequencyVeryCommon || h == FrequencyCommon || h == FrequencyLessCommon
}

// Rank orders hints, higher is more frequent.
func (h FrequencyHint) Rank() int {
	switch h {
	case FrequencyVeryCommon:
		return 3
	case FrequencyLessCommon:
		return 1
	default:
		return 2
	}
}

// DictionaryEntry is one reading of a symbol. A symbol may have several.
type DictionaryEntry struct {
	Symbol        string        `json:"symbol"`
	Pronunciation string        `json:"pronunciation"`
	Meanings      []string      `json:"meanings"`
	Frequency     FrequencyHint `json:"frequency,omitempty"`
}

// Meaning joins the candidate meanings for display and prompting.
func (e DictionaryEntry) Meaning() string {
	return strings.Join(e.Meanings, "; ")
}

// Candidate is one choice offered when a symbol is ambiguous.
type Candidate struct {
	Pronunciation string        `json:"pronunciation"`
	Meaning       string        `json:"meaning"`
	FrequencyHint FrequencyHint `json:"frequencyHint"`
}

// Ambiguity lists the readings of a symbol that needs a selection.
type Ambiguity struct {
	Symbol     string      `json:"symbol"`
	Candidates []Candidate `json:"candidates"`
}

// Selection is a stored disambiguation choice. An empty CollectionID
// applies to every collection.
type Selection struct {
	CollectionID  string `json:"collectionId,omitempty"`
	Symbol        string `json:"symbol"`
	Pronunciation string `json:"pronunciation,omitempty"`
	AcceptDefault bool   `json:"acceptDefault,omitempty"`
}

// Resolution is the reading a card is enriched with.
type Resolution struct {
	Symbol        string
	Pronunciation string
	Meaning       string
	// Disambiguated is set when the symbol had several readings and one
	// was chosen by selection or default acceptance.
	Disambiguated bool
}
