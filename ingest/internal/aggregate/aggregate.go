// CLAUDE:SUMMARY Merges raw per-item artifacts per entity: dedup by record id, provenance, merged JSON and flattened CSV.
// Package aggregate turns the raw artifacts of an entity into its merged
// JSON and CSV.
//
// Records are read in scan order (variant, then segment) and deduplicated
// by record id. Records without an id cannot be deduplicated and are
// skipped and counted as unknown.
package aggregate

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/hazyhaar/sigfetch/ingest/internal/artifact"
)

// Policy decides which version of a duplicated record is kept.
type Policy string

const (
	// KeepFirst keeps the first record seen in scan order.
	KeepFirst Policy = "first"
	// KeepLatest keeps the most recently fetched version, at the position
	// where the id was first seen.
	KeepLatest Policy = "latest"
)

// ErrPolicy is returned for an unknown dedup policy.
var ErrPolicy = errors.New("aggregate: unknown dedup policy")

// ParsePolicy validates s. Empty means KeepFirst.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", KeepFirst:
		return KeepFirst, nil
	case KeepLatest:
		return KeepLatest, nil
	}
	return "", fmt.Errorf("%w: %q", ErrPolicy, s)
}

// Config configures an Aggregator.
type Config struct {
	Policy  Policy
	IDField string // listing id field, tried before the built-in aliases; default "id"
}

func (c *Config) defaults() {
	if c.Policy == "" {
		c.Policy = KeepFirst
	}
	if c.IDField == "" {
		c.IDField = "id"
	}
}

// Report summarises the aggregation of one entity.
type Report struct {
	EntityID   string `json:"entity_id"`
	Files      int    `json:"files"`
	Missing    int    `json:"missing"`
	Records    int    `json:"records"`
	Duplicates int    `json:"duplicates"`
	Unknown    int    `json:"unknown"`
}

// Merged is the merged JSON document of one entity.
type Merged struct {
	EntityID string           `json:"entity_id"`
	Count    int              `json:"record_count"`
	Unknown  int              `json:"unknown"`
	Records  []map[string]any `json:"records"`
}

// Aggregator writes merged and CSV artifacts.
type Aggregator struct {
	store  *artifact.Store
	config Config
	logger *slog.Logger
}

// New creates an Aggregator.
func New(store *artifact.Store, cfg Config, logger *slog.Logger) *Aggregator {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: store, config: cfg, logger: logger}
}

// Entity aggregates the raw artifacts at keys, in the given order. Missing
// artifacts count as zero records.
func (a *Aggregator) Entity(entityID string, keys []artifact.Key) (Report, error) {
	rep := Report{EntityID: entityID}
	raws := make([]Raw, 0, len(keys))
	for _, k := range keys {
		data, err := a.store.ReadRaw(k)
		if errors.Is(err, os.ErrNotExist) {
			rep.Missing++
			continue
		}
		if err != nil {
			return rep, fmt.Errorf("aggregate: read %s: %w", k.Filename(), err)
		}
		raw, err := DecodeRaw(data)
		if err != nil {
			a.logger.Warn("aggregate: unreadable raw artifact", "file", k.Filename(), "error", err)
			rep.Missing++
			continue
		}
		if raw.EntityID == "" {
			raw.EntityID = entityID
		}
		raws = append(raws, raw)
	}
	return a.write(entityID, raws, rep)
}

// MergeFromRaw re-aggregates every entity present in raw/ without any
// network call. Files are grouped by the entity id they embed.
func (a *Aggregator) MergeFromRaw() ([]Report, error) {
	names, err := a.store.ListRaw()
	if err != nil {
		return nil, err
	}

	groups := map[string][]Raw{}
	var order []string
	for _, rn := range names {
		data, err := os.ReadFile(rn.Path)
		if err != nil {
			return nil, fmt.Errorf("aggregate: read %s: %w", rn.Path, err)
		}
		raw, err := DecodeRaw(data)
		if err != nil {
			a.logger.Warn("aggregate: unreadable raw artifact", "file", rn.Path, "error", err)
			continue
		}
		if raw.EntityID == "" {
			raw.EntityID = rn.EntitySlug
		}
		if _, ok := groups[raw.EntityID]; !ok {
			order = append(order, raw.EntityID)
		}
		groups[raw.EntityID] = append(groups[raw.EntityID], raw)
	}

	sort.Strings(order)
	reports := make([]Report, 0, len(order))
	for _, id := range order {
		rep, err := a.write(id, groups[id], Report{EntityID: id})
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

func (a *Aggregator) write(entityID string, raws []Raw, rep Report) (Report, error) {
	rep.Files = len(raws)
	records, dups, unknown := a.merge(raws)
	rep.Records, rep.Duplicates, rep.Unknown = len(records), dups, unknown

	doc := Merged{EntityID: entityID, Count: len(records), Unknown: unknown, Records: records}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return rep, fmt.Errorf("aggregate: encode merged: %w", err)
	}
	if err := a.store.WriteMerged(entityID, append(data, '\n')); err != nil {
		return rep, err
	}

	header, rows := Flatten(records, a.config.IDField)
	if err := a.store.WriteCSV(entityID, header, rows); err != nil {
		return rep, err
	}

	a.logger.Info("aggregate: entity merged",
		"entity", entityID, "files", rep.Files, "records", rep.Records,
		"duplicates", dups, "unknown", unknown)
	return rep, nil
}

// merge concatenates raws in order and deduplicates by record id.
func (a *Aggregator) merge(raws []Raw) (records []map[string]any, dups, unknown int) {
	type kept struct {
		pos     int
		fetched Raw
	}
	seen := map[string]*kept{}
	records = []map[string]any{}

	for _, raw := range raws {
		prov := raw.provenance()
		for _, rec := range raw.Results {
			id := recordID(rec, a.config.IDField)
			if id == "" {
				unknown++
				continue
			}
			out := withProvenance(rec, prov)
			if k, ok := seen[id]; ok {
				dups++
				if a.config.Policy == KeepLatest && !raw.FetchedAt.Before(k.fetched.FetchedAt) {
					records[k.pos] = out
					k.fetched = raw
				}
				continue
			}
			seen[id] = &kept{pos: len(records), fetched: raw}
			records = append(records, out)
		}
	}
	return records, dups, unknown
}

func withProvenance(rec map[string]any, p Provenance) map[string]any {
	out := make(map[string]any, len(rec)+1)
	for k, v := range rec {
		out[k] = v
	}
	out["provenance"] = p
	return out
}
