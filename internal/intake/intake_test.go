package intake

import (
	"errors"
	"reflect"
	"testing"

	"codeberg.org/snonux/hanzirecall/internal/domain"
)

func TestNormalize(t *testing.T) {
	raw := []domain.ImportEntry{
		{Symbol: "  猫 "},
		{Symbol: "hello"},
		{Symbol: "猫"},
		{Symbol: "行", Pronunciation: " háng "},
		{Symbol: "行", Pronunciation: "HÁNG"},
		{Symbol: "行", Pronunciation: "xíng"},
		{Symbol: ""},
		{Symbol: "中华人民共和国万岁"},
		{Symbol: "猫1"},
		{Symbol: "　中国　"},
		{Symbol: "阿·凡"},
	}

	res, err := Normalize(raw, Options{Scripts: []string{"Han"}, MaxSymbolRunes: 8})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	wantEntries := []domain.ImportEntry{
		{Symbol: "猫"},
		{Symbol: "行", Pronunciation: "háng"},
		{Symbol: "行", Pronunciation: "xíng"},
		{Symbol: "中国"},
		{Symbol: "阿·凡"},
	}
	if !reflect.DeepEqual(res.Entries, wantEntries) {
		t.Errorf("Entries = %+v, want %+v", res.Entries, wantEntries)
	}
	if res.Report.Accepted != 5 || res.Report.Duplicates != 2 {
		t.Errorf("report = %+v", res.Report)
	}

	wantRejected := []int{1, 6, 7, 8}
	var got []int
	for _, r := range res.Report.Rejected {
		got = append(got, r.Index)
		if r.Reason == "" {
			t.Errorf("rejection %d has no reason", r.Index)
		}
	}
	if !reflect.DeepEqual(got, wantRejected) {
		t.Errorf("rejected indexes = %v, want %v", got, wantRejected)
	}
}

func TestNormalizeFoldsFullWidth(t *testing.T) {
	// A full-width hyphen-minus folds to the allowed ASCII form.
	res, err := Normalize(Symbols([]string{"一－二"}), Options{})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if res.Entries[0].Symbol != "一-二" {
		t.Errorf("symbol = %q", res.Entries[0].Symbol)
	}
}

func TestNormalizeNothingAccepted(t *testing.T) {
	tests := []struct {
		name         string
		raw          []domain.ImportEntry
		wantRejected int
	}{
		{"all invalid", Symbols([]string{"abc", "123"}), 2},
		{"empty list", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.raw, Options{})
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if len(verr.Rejected) != tt.wantRejected {
				t.Errorf("rejected = %d, want %d", len(verr.Rejected), tt.wantRejected)
			}
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("not classified as validation error")
			}
		})
	}
}

func TestOtherScripts(t *testing.T) {
	res, err := Normalize(Symbols([]string{"ねこ", "猫"}), Options{Scripts: []string{"Hiragana"}})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(res.Entries) != 1 || res.Entries[0].Symbol != "ねこ" {
		t.Errorf("entries = %+v", res.Entries)
	}

	if _, err := Normalize(Symbols([]string{"猫"}), Options{Scripts: []string{"Klingon"}}); err == nil {
		t.Errorf("expected unknown script error")
	}
}
