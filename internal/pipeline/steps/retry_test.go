package steps

import (
	"testing"

	"github.com/google/uuid"
	"github.com/yungbote/guideforge-backend/internal/clients/writer"
	types "github.com/yungbote/guideforge-backend/internal/domain"
)

func TestTierForAttemptDegrades(t *testing.T) {
	cases := []struct {
		attempt int
		want    writer.Tier
	}{
		{1, writer.TierFull},
		{2, writer.TierReduced},
		{3, writer.TierSkeleton},
		{7, writer.TierSkeleton},
	}
	for _, c := range cases {
		if got := TierForAttempt(c.attempt); got != c.want {
			t.Fatalf("attempt %d: got %s, want %s", c.attempt, got, c.want)
		}
	}
}

func TestEvidenceForAttempt(t *testing.T) {
	snippets := []types.SearchSnippet{
		{SourceFileID: uuid.New(), Score: 0.9},
		{SourceFileID: uuid.New(), Score: 0.8},
		{SourceFileID: uuid.New(), Score: 0.7},
	}

	if got := EvidenceForAttempt(1, snippets); len(got) != 3 {
		t.Fatalf("attempt 1 should keep all evidence, got %d", len(got))
	}
	got := EvidenceForAttempt(2, snippets)
	if len(got) != 2 {
		t.Fatalf("attempt 2 should reduce evidence, got %d", len(got))
	}
	// Reduction keeps the strongest snippets in rank order.
	if got[0].SourceFileID != snippets[0].SourceFileID || got[1].SourceFileID != snippets[1].SourceFileID {
		t.Fatalf("reduced evidence should be the top of the ranking")
	}
	if got := EvidenceForAttempt(3, snippets); got != nil {
		t.Fatalf("attempt 3 should carry no evidence, got %d", len(got))
	}
}

func TestBudgetExhausted(t *testing.T) {
	for attempt, want := range map[int]bool{1: false, 2: false, 3: true, 4: true} {
		if got := BudgetExhausted(attempt); got != want {
			t.Fatalf("attempt %d: got %v, want %v", attempt, got, want)
		}
	}
}
