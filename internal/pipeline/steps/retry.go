package steps

import (
	"github.com/yungbote/guideforge-backend/internal/clients/writer"
	types "github.com/yungbote/guideforge-backend/internal/domain"
)

// Output quality degrades as lease acquisitions accumulate: a full draft on
// the first attempt, a reduced draft from the strongest evidence on the
// second, and on the third the guide skips generation entirely and lands in
// needs_attention with a skeleton.

const reducedEvidenceLimit = 2

// TierForAttempt maps a (1-based) attempt number to a generation tier.
func TierForAttempt(attempt int) writer.Tier {
	switch {
	case attempt <= 1:
		return writer.TierFull
	case attempt == 2:
		return writer.TierReduced
	default:
		return writer.TierSkeleton
	}
}

// EvidenceForAttempt selects the snippet subset offered to the writer. The
// reduced tier uses a strict subset of the ranked results; the skeleton tier
// uses none.
func EvidenceForAttempt(attempt int, snippets []types.SearchSnippet) []types.SearchSnippet {
	switch {
	case attempt <= 1:
		return snippets
	case attempt == 2:
		if len(snippets) > reducedEvidenceLimit {
			return snippets[:reducedEvidenceLimit]
		}
		return snippets
	default:
		return nil
	}
}

// BudgetExhausted reports whether the attempt (a lease-acquisition count)
// has reached the budget where automatic processing gives up.
func BudgetExhausted(attempt int) bool {
	return attempt >= types.MaxGuideAttempts
}
