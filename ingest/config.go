// CLAUDE:SUMMARY Engine configuration (root, strategies, HTTP, Postgres, Telegram, schedule, job) and YAML loader.
package ingest

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/sigfetch/ingest/internal/aggregate"
	"github.com/hazyhaar/sigfetch/ingest/internal/pgexport"
	"github.com/hazyhaar/sigfetch/ingest/internal/strategy"
)

// Config holds everything an Engine needs besides the per-run Request.
type Config struct {
	Root       string              `yaml:"root"` // artifact root; default "data"
	Listing    strategy.Listing    `yaml:"listing"`
	Enrichment strategy.Enrichment `yaml:"enrichment"` // optional
	HTTP       HTTPConfig          `yaml:"http"`
	Dedup      string              `yaml:"dedup"` // default policy; "first"

	DisableRunLog bool            `yaml:"disable_run_log"`
	Postgres      pgexport.Config `yaml:"postgres"` // export disabled when DSN is empty
	Telegram      TelegramConfig  `yaml:"telegram"`
	Schedule      ScheduleConfig  `yaml:"schedule"`

	// Job is the request run by "serve" on POST /api/runs and on every
	// cron tick, and by "fetch" before flag overrides.
	Job Request `yaml:"job"`
}

// HTTPConfig tunes the shared upstream caller.
type HTTPConfig struct {
	Timeout          time.Duration `yaml:"timeout"`           // per attempt; default 30s
	MaxBackoff       time.Duration `yaml:"max_backoff"`       // default 1m
	MaxBytes         int64         `yaml:"max_bytes"`         // default 10MB
	UserAgent        string        `yaml:"user_agent"`        // default "sigfetch/1.0"
	BreakerThreshold int           `yaml:"breaker_threshold"` // default 8; negative disables
	BreakerReset     time.Duration `yaml:"breaker_reset"`     // default 30s
}

// TelegramConfig enables run summaries to a chat.
type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

// ScheduleConfig drives recurring runs of Job in "serve".
type ScheduleConfig struct {
	Cron     string `yaml:"cron"`     // 5-field spec; empty disables
	Timezone string `yaml:"timezone"` // default UTC
}

func (c *Config) defaults() {
	if c.Root == "" {
		c.Root = "data"
	}
	if c.Dedup == "" {
		c.Dedup = string(aggregate.KeepFirst)
	}
	if c.HTTP.BreakerThreshold == 0 {
		c.HTTP.BreakerThreshold = 8
	}
	if c.HTTP.BreakerThreshold < 0 {
		c.HTTP.BreakerThreshold = 0
	}
}

// LoadConfigFile reads a YAML job file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, configErr("config file", err)
	}
	return cfg, nil
}
