package search

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/guideforge-backend/internal/pkg/logger"
)

func testClient(tb testing.TB) Client {
	tb.Helper()
	log, err := logger.New("test")
	if err != nil {
		tb.Fatalf("logger: %v", err)
	}
	return NewSimulated(Config{
		MinLatency: time.Millisecond,
		MaxLatency: 2 * time.Millisecond,
		Seed:       42,
	}, log)
}

func TestScoreIsDeterministic(t *testing.T) {
	fileID := uuid.New()

	a := Score(42, "onboarding", fileID)
	b := Score(42, "onboarding", fileID)
	if a != b {
		t.Fatalf("same inputs scored differently: %v vs %v", a, b)
	}
	if a < 0 || a >= 1 {
		t.Fatalf("score out of range: %v", a)
	}

	if Score(43, "onboarding", fileID) == a && Score(42, "offboarding", fileID) == a {
		t.Fatal("score ignores its inputs")
	}
}

func TestSearchRanksAndLimits(t *testing.T) {
	ctx := context.Background()
	c := testClient(t)

	corpus := make([]Doc, 8)
	for i := range corpus {
		corpus[i] = Doc{FileID: uuid.New(), Filename: "doc.pdf", Content: "some converted text"}
	}

	out, err := c.Search(ctx, "query", corpus, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(out) != 5 {
		t.Fatalf("got %d results, want the limit of 5", len(out))
	}
	for i := 1; i < len(out); i++ {
		if out[i].Score > out[i-1].Score {
			t.Fatalf("results not ranked: %v before %v", out[i-1].Score, out[i].Score)
		}
	}

	again, err := c.Search(ctx, "query", corpus, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for i := range out {
		if again[i].SourceFileID != out[i].SourceFileID {
			t.Fatal("ranking changed between identical searches")
		}
	}
}

func TestSearchSkipsEmptyDocs(t *testing.T) {
	ctx := context.Background()
	c := testClient(t)

	corpus := []Doc{
		{FileID: uuid.New(), Filename: "empty.pdf", Content: ""},
		{FileID: uuid.New(), Filename: "full.pdf", Content: "text"},
	}
	out, err := c.Search(ctx, "query", corpus, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(out) != 1 || out[0].Filename != "full.pdf" {
		t.Fatalf("unexpected results: %+v", out)
	}
}
