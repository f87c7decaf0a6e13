package ingest

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hazyhaar/sigfetch/ingest/internal/aggregate"
	"github.com/hazyhaar/sigfetch/ingest/internal/credential"
	"github.com/hazyhaar/sigfetch/ingest/internal/plan"
	"github.com/hazyhaar/sigfetch/ingest/internal/progress"
)

// Entity is a named subject of ingestion.
type Entity = plan.Entity

// Request is one fetch. It is a plain value; nothing in it is shared
// between runs.
type Request struct {
	Entities        []Entity `yaml:"entities"`
	DefaultVariants []string `yaml:"variants"` // for entities without their own
	From            string   `yaml:"from"`     // YYYY-MM-DD
	To              string   `yaml:"to"`
	SegmentDays     int      `yaml:"segment_days"` // default 7

	Listing    PoolSpec `yaml:"listing_pool"`
	Enrichment PoolSpec `yaml:"enrichment_pool"`

	MaxWorkers int `yaml:"max_workers"` // default 4, capped at 8
	// InterCallDelay is the pause between two calls of a worker.
	// Default 250ms; negative disables it.
	InterCallDelay time.Duration `yaml:"inter_call_delay"`
	Retry          RetrySpec     `yaml:"retry"`
	Dedup          string        `yaml:"dedup"` // "first" (default) or "latest"
	Resume         bool          `yaml:"resume"`
	// ArtifactRoot must be empty or the engine's root.
	ArtifactRoot string `yaml:"artifact_root"`
}

// PoolSpec describes one credential pool.
type PoolSpec struct {
	Credentials []string `yaml:"credentials"`
	// CredentialsFile holds one credential per line; blank lines and
	// lines starting with '#' are skipped.
	CredentialsFile string `yaml:"credentials_file"`
	// EntitiesPerCredential is the rotation quota; 0 means unlimited.
	EntitiesPerCredential int `yaml:"entities_per_credential"`
}

// Resolve returns the inline credentials followed by those of
// CredentialsFile.
func (s PoolSpec) Resolve() ([]string, error) {
	var out []string
	for _, c := range s.Credentials {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	if s.CredentialsFile == "" {
		return out, nil
	}
	data, err := os.ReadFile(s.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}

// RetrySpec configures the listing call retry loop.
type RetrySpec struct {
	MaxAttempts int           `yaml:"max_attempts"` // default 4
	BaseBackoff time.Duration `yaml:"base_backoff"` // default 1s
	Timeout     time.Duration `yaml:"timeout"`      // one logical call, retries included; default 2m
}

func (r Request) withDefaults(dedup string) Request {
	if r.SegmentDays <= 0 {
		r.SegmentDays = 7
	}
	if strings.TrimSpace(r.Dedup) == "" {
		r.Dedup = dedup
	}
	return r
}

// Report is the structured result of a fetch.
type Report struct {
	RunID      string         `json:"run_id"`
	Outcome    Outcome        `json:"outcome"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Estimate   plan.Estimate  `json:"estimate"`
	Workers    int            `json:"workers"`
	Entities   []EntityReport `json:"entities"`
	Failures   []ItemFailure  `json:"failures,omitempty"`

	ItemsOK        int `json:"items_ok"`
	ItemsFailed    int `json:"items_failed"`
	ItemsRetried   int `json:"items_retried"`
	ItemsCancelled int `json:"items_cancelled"`
	Requests       int `json:"requests"`
	Records        int `json:"records"` // merged, deduplicated
	Duplicates     int `json:"duplicates"`
	Exported       int `json:"exported,omitempty"`
}

// Count returns how many entities ended in state s.
func (r *Report) Count(s progress.EntityState) int {
	n := 0
	for _, e := range r.Entities {
		if e.State == s {
			n++
		}
	}
	return n
}

// EntityReport is the terminal state of one entity.
type EntityReport struct {
	EntityID       string               `json:"entity_id"`
	State          progress.EntityState `json:"state"`
	ItemsOK        int                  `json:"items_ok"`
	ItemsFailed    int                  `json:"items_failed"`
	ItemsCancelled int                  `json:"items_cancelled"`
	Fetched        int                  `json:"fetched"` // records across raw artifacts
	Records        int                  `json:"records"` // merged
	Duplicates     int                  `json:"duplicates"`
	EnrichFailed   int                  `json:"enrich_failed,omitempty"`
	Credential     string               `json:"credential,omitempty"`
	Reason         string               `json:"reason,omitempty"`
}

// ItemFailure describes one plan item that was dropped.
type ItemFailure struct {
	EntityID     string    `json:"entity_id"`
	Variant      string    `json:"variant"`
	VariantIndex int       `json:"variant_index"`
	Segment      string    `json:"segment"`
	Kind         ErrorKind `json:"kind,omitempty"`
	Diagnostic   string    `json:"diagnostic"`
}

// MergeReport is the result of re-aggregating raw artifacts.
type MergeReport struct {
	Entities   []aggregate.Report `json:"entities"`
	Records    int                `json:"records"`
	Duplicates int                `json:"duplicates"`
}

// PoolStatus is a snapshot of one persistent credential pool.
type PoolStatus struct {
	Pool        string             `json:"pool"`
	Limit       int                `json:"entities_per_credential"`
	Credentials []CredentialStatus `json:"credentials"`
}

// CredentialStatus is one credential's counters plus its circuit state
// ("closed", "open" or "half_open").
type CredentialStatus struct {
	credential.Usage
	Breaker string `json:"breaker"`
}
