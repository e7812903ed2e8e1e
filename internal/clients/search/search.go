// Package search is the content-search boundary: given a query and the
// converted corpus of a run, it returns a ranked list of snippets. Ranking is
// a deterministic seeded score so test behavior is reproducible; the real
// replacement would be a semantic index with the same call shape.
package search

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/guideforge-backend/internal/clients/simulate"
	types "github.com/yungbote/guideforge-backend/internal/domain"
	"github.com/yungbote/guideforge-backend/internal/pkg/logger"
	"github.com/yungbote/guideforge-backend/internal/utils"
)

// Doc is one converted file offered to the ranking function.
type Doc struct {
	FileID   uuid.UUID
	Filename string
	Content  string
}

type Client interface {
	Search(ctx context.Context, query string, corpus []Doc, limit int) ([]types.SearchSnippet, error)
}

type Config struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64
	Seed        int64
}

func ConfigFromEnv(log *logger.Logger) Config {
	return Config{
		MinLatency:  utils.GetEnvAsDuration("SEARCH_MIN_LATENCY", 100*time.Millisecond, log),
		MaxLatency:  utils.GetEnvAsDuration("SEARCH_MAX_LATENCY", 1*time.Second, log),
		FailureRate: utils.GetEnvAsFloat("SEARCH_FAILURE_RATE", 0.05, log),
		Seed:        int64(utils.GetEnvAsInt("SEARCH_SEED", 1, log)),
	}
}

type simulated struct {
	cfg Config
	log *logger.Logger
	rng *simulate.Rand
}

func NewSimulated(cfg Config, baseLog *logger.Logger) Client {
	return &simulated{
		cfg: cfg,
		log: baseLog.With("client", "Search"),
		rng: simulate.NewRand(cfg.Seed),
	}
}

func (c *simulated) Search(ctx context.Context, query string, corpus []Doc, limit int) ([]types.SearchSnippet, error) {
	if err := simulate.Sleep(ctx, c.rng, c.cfg.MinLatency, c.cfg.MaxLatency); err != nil {
		return nil, err
	}
	if simulate.Fails(c.rng, c.cfg.FailureRate) {
		return nil, fmt.Errorf("search %q: index backend unavailable", query)
	}
	if limit <= 0 {
		limit = 5
	}

	snippets := make([]types.SearchSnippet, 0, len(corpus))
	for _, d := range corpus {
		if d.Content == "" {
			continue
		}
		snippets = append(snippets, types.SearchSnippet{
			SourceFileID: d.FileID,
			Filename:     d.Filename,
			Snippet:      excerpt(d.Content, 240),
			Score:        Score(c.cfg.Seed, query, d.FileID),
		})
	}
	sort.SliceStable(snippets, func(i, j int) bool {
		return snippets[i].Score > snippets[j].Score
	})
	if len(snippets) > limit {
		snippets = snippets[:limit]
	}
	return snippets, nil
}

// Score is the deterministic ranking function: the same (seed, query, file)
// triple always produces the same relevance in [0, 1).
func Score(seed int64, query string, fileID uuid.UUID) float64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s|%s", seed, query, fileID)
	return float64(h.Sum64()%1_000_000) / 1_000_000
}

func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
