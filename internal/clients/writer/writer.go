// Package writer is the guide-generation boundary. Quality degrades by tier:
// a full draft from all evidence, a reduced draft from a subset, or a clearly
// labeled skeleton when generation is skipped entirely.
package writer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/guideforge-backend/internal/clients/simulate"
	types "github.com/yungbote/guideforge-backend/internal/domain"
	"github.com/yungbote/guideforge-backend/internal/pkg/logger"
	"github.com/yungbote/guideforge-backend/internal/utils"
)

type Tier string

const (
	TierFull     Tier = "full"
	TierReduced  Tier = "reduced"
	TierSkeleton Tier = "skeleton"
)

type Request struct {
	GuideName   string
	Description string
	Snippets    []types.SearchSnippet
	Tier        Tier
}

type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

type Config struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64
	Seed        int64
}

func ConfigFromEnv(log *logger.Logger) Config {
	return Config{
		MinLatency:  utils.GetEnvAsDuration("WRITER_MIN_LATENCY", 500*time.Millisecond, log),
		MaxLatency:  utils.GetEnvAsDuration("WRITER_MAX_LATENCY", 4*time.Second, log),
		FailureRate: utils.GetEnvAsFloat("WRITER_FAILURE_RATE", 0.05, log),
		Seed:        int64(utils.GetEnvAsInt("WRITER_SEED", 2, log)),
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
		log: baseLog.With("client", "Writer"),
		rng: simulate.NewRand(cfg.Seed),
	}
}

func (c *simulated) Generate(ctx context.Context, req Request) (string, error) {
	// The skeleton tier is a local fallback write, not a backend call; it
	// must not be able to fail or block.
	if req.Tier == TierSkeleton {
		return Skeleton(req.GuideName, req.Description), nil
	}

	if err := simulate.Sleep(ctx, c.rng, c.cfg.MinLatency, c.cfg.MaxLatency); err != nil {
		return "", err
	}
	if simulate.Fails(c.rng, c.cfg.FailureRate) {
		return "", fmt.Errorf("generate %q: generation backend unavailable", req.GuideName)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n\n", req.GuideName, req.Description)
	if req.Tier == TierReduced {
		b.WriteString("_Condensed edition drawn from the strongest sources._\n\n")
	}
	for i, s := range req.Snippets {
		fmt.Fprintf(&b, "## Part %d — from %s\n\n%s\n\n", i+1, s.Filename, s.Snippet)
	}
	return b.String(), nil
}

// Skeleton renders the placeholder emitted once the attempt budget is spent.
func Skeleton(name, description string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s (outline only)\n\n", name)
	b.WriteString("This guide could not be generated automatically and needs review.\n\n")
	if description != "" {
		fmt.Fprintf(&b, "Intended scope: %s\n", description)
	}
	return b.String()
}
