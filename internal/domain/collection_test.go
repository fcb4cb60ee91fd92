package domain

import "testing"

func TestAggregate(t *testing.T) {
	tests := []struct {
		name       string
		statuses   []CardStatus
		wantStatus CollectionStatus
		processed  int
		failed     int
	}{
		{
			name:       "two enriched one failed is ready",
			statuses:   []CardStatus{CardEnriched, CardEnriched, CardFailed},
			wantStatus: CollectionReady,
			processed:  3,
			failed:     1,
		},
		{
			name:       "all failed fails the collection",
			statuses:   []CardStatus{CardFailed, CardFailed},
			wantStatus: CollectionFailed,
			processed:  2,
			failed:     2,
		},
		{
			name:       "partial counts as processed",
			statuses:   []CardStatus{CardPartiallyEnriched, CardEnriched},
			wantStatus: CollectionReady,
			processed:  2,
		},
		{
			name:       "awaiting keeps enriching",
			statuses:   []CardStatus{CardEnriched, CardAwaitingDisambiguation},
			wantStatus: CollectionEnriching,
			processed:  1,
		},
		{
			name:       "pending keeps enriching",
			statuses:   []CardStatus{CardPending, CardUnenriched},
			wantStatus: CollectionEnriching,
		},
		{
			name:       "empty collection is ready",
			statuses:   nil,
			wantStatus: CollectionReady,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Aggregate(tt.statuses)
			if got := p.Status(); got != tt.wantStatus {
				t.Errorf("Status() = %s, want %s", got, tt.wantStatus)
			}
			if p.Processed != tt.processed {
				t.Errorf("Processed = %d, want %d", p.Processed, tt.processed)
			}
			if p.Failed != tt.failed {
				t.Errorf("Failed = %d, want %d", p.Failed, tt.failed)
			}
			if p.Total != len(tt.statuses) {
				t.Errorf("Total = %d, want %d", p.Total, len(tt.statuses))
			}
		})
	}
}

func TestAggregateOrderIndependent(t *testing.T) {
	a := Aggregate([]CardStatus{CardFailed, CardEnriched, CardPending})
	b := Aggregate([]CardStatus{CardPending, CardFailed, CardEnriched})
	if a != b {
		t.Errorf("Aggregate depends on order: %+v vs %+v", a, b)
	}
}
