package planner

import (
	_ "embed"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed guide_pipeline.yaml
var pipelineYAML []byte

// Config holds the pipeline tuning values. The embedded YAML carries the
// shipped defaults; Load validates and fills gaps so a partial file cannot
// produce a zero concurrency width or a heartbeat slower than the lease
// expiry.
type Config struct {
	ChunkSize         int `yaml:"chunk_size"`
	MaxInflightChunks int `yaml:"max_inflight_chunks"`

	FileConcurrency  int `yaml:"file_concurrency"`
	GuideConcurrency int `yaml:"guide_concurrency"`

	LeaseExpiry       time.Duration `yaml:"lease_expiry"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// How long a worker sleeps between re-acquire probes while another
	// holder has the item's lease.
	ContentionPollInterval time.Duration `yaml:"contention_poll_interval"`

	Activity ActivityConfig `yaml:"activity"`
}

// ActivityConfig mirrors what the durable-execution host needs per item
// operation: wall-clock timeout, stuck-worker heartbeat timeout, and the
// retry schedule.
type ActivityConfig struct {
	StartToCloseTimeout  time.Duration `yaml:"start_to_close_timeout"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	RetryBackoffFactor   float64       `yaml:"retry_backoff_factor"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval"`
	RetryMaxAttempts     int           `yaml:"retry_max_attempts"`
}

func Load() (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(pipelineYAML, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse pipeline config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the shipped configuration and panics if the embedded config
// is unparseable, which is a build defect rather than a runtime condition.
func Default() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 100
	}
	if c.MaxInflightChunks <= 0 {
		c.MaxInflightChunks = 10
	}
	if c.FileConcurrency <= 0 {
		c.FileConcurrency = 5
	}
	if c.GuideConcurrency <= 0 {
		c.GuideConcurrency = 10
	}
	if c.LeaseExpiry <= 0 {
		c.LeaseExpiry = 5 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ContentionPollInterval <= 0 {
		c.ContentionPollInterval = 5 * time.Second
	}
	if c.Activity.StartToCloseTimeout <= 0 {
		c.Activity.StartToCloseTimeout = 5 * time.Minute
	}
	if c.Activity.HeartbeatTimeout <= 0 {
		c.Activity.HeartbeatTimeout = 30 * time.Second
	}
	if c.Activity.RetryInitialInterval <= 0 {
		c.Activity.RetryInitialInterval = 2 * time.Second
	}
	if c.Activity.RetryBackoffFactor <= 1 {
		c.Activity.RetryBackoffFactor = 2
	}
	if c.Activity.RetryMaxInterval <= 0 {
		c.Activity.RetryMaxInterval = 2 * time.Minute
	}
	if c.Activity.RetryMaxAttempts <= 0 {
		c.Activity.RetryMaxAttempts = 4
	}
}

func (c *Config) validate() error {
	if c.HeartbeatInterval >= c.LeaseExpiry {
		return fmt.Errorf("pipeline config: heartbeat_interval (%s) must be shorter than lease_expiry (%s)", c.HeartbeatInterval, c.LeaseExpiry)
	}
	return nil
}
