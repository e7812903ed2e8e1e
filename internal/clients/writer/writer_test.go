package writer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	types "github.com/yungbote/guideforge-backend/internal/domain"
	"github.com/yungbote/guideforge-backend/internal/pkg/logger"
)

func testClient(tb testing.TB, failureRate float64) Client {
	tb.Helper()
	log, err := logger.New("test")
	if err != nil {
		tb.Fatalf("logger: %v", err)
	}
	return NewSimulated(Config{
		MinLatency:  time.Millisecond,
		MaxLatency:  2 * time.Millisecond,
		FailureRate: failureRate,
		Seed:        7,
	}, log)
}

func TestGenerateFullDraft(t *testing.T) {
	ctx := context.Background()
	c := testClient(t, 0)

	out, err := c.Generate(ctx, Request{
		GuideName:   "Deploy basics",
		Description: "how releases ship",
		Tier:        TierFull,
		Snippets: []types.SearchSnippet{
			{SourceFileID: uuid.New(), Filename: "runbook.md", Snippet: "step one"},
			{SourceFileID: uuid.New(), Filename: "faq.md", Snippet: "step two"},
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(out, "# Deploy basics") {
		t.Fatalf("missing title: %q", out)
	}
	if !strings.Contains(out, "runbook.md") || !strings.Contains(out, "faq.md") {
		t.Fatal("evidence sources not cited")
	}
}

func TestSkeletonTierNeverFails(t *testing.T) {
	ctx := context.Background()
	// Even a backend that always fails must not affect the skeleton tier.
	c := testClient(t, 1.0)

	for i := 0; i < 20; i++ {
		out, err := c.Generate(ctx, Request{GuideName: "Stuck guide", Tier: TierSkeleton})
		if err != nil {
			t.Fatalf("skeleton generation failed: %v", err)
		}
		if !strings.Contains(out, "outline only") {
			t.Fatalf("skeleton not labeled: %q", out)
		}
	}
}

func TestSkeletonCarriesScope(t *testing.T) {
	out := Skeleton("Security review", "annual checklist")
	if !strings.Contains(out, "Security review") {
		t.Fatalf("missing name: %q", out)
	}
	if !strings.Contains(out, "annual checklist") {
		t.Fatalf("missing scope: %q", out)
	}
	if Skeleton("Bare", "") == out {
		t.Fatal("skeleton ignores its inputs")
	}
}
