// Package converter is the document-conversion backend boundary. The
// simulated client mimics a slow, fallible extraction service; the real
// replacement has the same async shape.
package converter

import (
	"context"
	"fmt"
	"time"

	"github.com/yungbote/guideforge-backend/internal/clients/simulate"
	"github.com/yungbote/guideforge-backend/internal/pkg/logger"
	"github.com/yungbote/guideforge-backend/internal/utils"
)

type Result struct {
	Content string
}

type Client interface {
	Convert(ctx context.Context, filename string, contentHash string) (Result, error)
}

type Config struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64
	Seed        int64
}

func ConfigFromEnv(log *logger.Logger) Config {
	return Config{
		MinLatency:  utils.GetEnvAsDuration("CONVERTER_MIN_LATENCY", 200*time.Millisecond, log),
		MaxLatency:  utils.GetEnvAsDuration("CONVERTER_MAX_LATENCY", 2*time.Second, log),
		FailureRate: utils.GetEnvAsFloat("CONVERTER_FAILURE_RATE", 0.05, log),
		Seed:        int64(utils.GetEnvAsInt("CONVERTER_SEED", 0, log)),
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
		log: baseLog.With("client", "Converter"),
		rng: simulate.NewRand(cfg.Seed),
	}
}

func (c *simulated) Convert(ctx context.Context, filename string, contentHash string) (Result, error) {
	if err := simulate.Sleep(ctx, c.rng, c.cfg.MinLatency, c.cfg.MaxLatency); err != nil {
		return Result{}, err
	}
	if simulate.Fails(c.rng, c.cfg.FailureRate) {
		return Result{}, fmt.Errorf("convert %q: extraction backend unavailable", filename)
	}
	content := fmt.Sprintf(
		"Extracted text of %s (hash %s). Section 1: overview. Section 2: procedures. Section 3: reference tables.",
		filename, contentHash,
	)
	return Result{Content: content}, nil
}
