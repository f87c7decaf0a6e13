// CLAUDE:SUMMARY Expands entities × variants × day segments into an ordered plan and reports the record estimate.
// Package plan expands a fetch request into PlanItems.
//
// Items are emitted entity-major, variant-minor, segment-innermost. The outer
// window is split into day segments of at most SegmentDays days that cover
// it exactly.
package plan

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/sigfetch/ingest/internal/artifact"
)

// DayLayout is the on-disk date format used in segment IDs.
const DayLayout = "20060102"

// ErrInvalid is wrapped by every planning error.
var ErrInvalid = errors.New("plan: invalid input")

// Entity is a named subject of ingestion.
type Entity struct {
	ID          string   `yaml:"id" json:"id"`
	DisplayName string   `yaml:"display_name" json:"display_name,omitempty"`
	Variants    []string `yaml:"variants" json:"variants,omitempty"`
}

// Base returns the query string of variant 0.
func (e Entity) Base() string {
	if s := strings.TrimSpace(e.DisplayName); s != "" {
		return s
	}
	return e.ID
}

// Window is a closed day interval [From, To].
type Window struct {
	From time.Time
	To   time.Time
}

// Days returns the number of days covered by the window.
func (w Window) Days() int {
	return int(w.To.Sub(w.From).Hours()/24) + 1
}

// Segment is one day-bounded sub-interval of the outer window.
type Segment struct {
	Index int
	From  time.Time
	To    time.Time
}

// ID returns "YYYYMMDD-YYYYMMDD".
func (s Segment) ID() string {
	return s.From.Format(DayLayout) + "-" + s.To.Format(DayLayout)
}

// Item is the dispatch unit: one (entity, variant, segment) triple.
type Item struct {
	EntityIndex  int
	EntityID     string
	VariantIndex int
	Variant      string
	Segment      Segment
}

// Plan is the full ordered expansion of a request.
type Plan struct {
	Entities []Entity
	Variants [][]string // resolved per entity; [i][0] is the base
	Segments []Segment
	Items    []Item
	Estimate Estimate
}

// Estimate is the planner's size report.
type Estimate struct {
	Items int `json:"items"`
	// UpperBoundRecordsPerEntity = perRequestLimit × segments × variants of the
	// widest entity. Zero when the limit is unknown.
	UpperBoundRecordsPerEntity int `json:"upper_bound_records_per_entity"`
}

// Input describes what to plan.
type Input struct {
	Entities        []Entity
	Window          Window
	SegmentDays     int
	DefaultVariants []string // used for entities that carry no variants
	PerRequestLimit int
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses "2006-01-02" or "20060102" into a UTC day.
func ParseDay(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", DayLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return Day(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: bad day %q (want YYYY-MM-DD)", ErrInvalid, s)
}

// Split splits w into segments of at most size days. Each segment is
// [start, min(start+size-1, to)], advancing by size days.
func Split(w Window, size int) ([]Segment, error) {
	from, to := Day(w.From), Day(w.To)
	if size < 1 {
		return nil, fmt.Errorf("%w: segment size %d < 1", ErrInvalid, size)
	}
	if from.After(to) {
		return nil, fmt.Errorf("%w: window from %s after to %s", ErrInvalid,
			from.Format("2006-01-02"), to.Format("2006-01-02"))
	}

	var segs []Segment
	for start := from; !start.After(to); start = start.AddDate(0, 0, size) {
		end := start.AddDate(0, 0, size-1)
		if end.After(to) {
			end = to
		}
		segs = append(segs, Segment{Index: len(segs), From: start, To: end})
	}
	return segs, nil
}

// ResolveVariants returns the ordered query strings for e. Position 0 is the
// base. An expansion starting with "+" is appended to the base
// ("+Stock" -> "AAPL Stock"); anything else is used verbatim.
func ResolveVariants(e Entity, defaults []string) []string {
	base := e.Base()
	exp := e.Variants
	if len(exp) == 0 {
		exp = defaults
	}
	out := []string{base}
	seen := map[string]bool{base: true}
	for _, v := range exp {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		q := v
		if strings.HasPrefix(v, "+") {
			q = base + " " + strings.TrimSpace(v[1:])
		}
		if seen[q] {
			continue
		}
		seen[q] = true
		out = append(out, q)
	}
	return out
}

// Build expands in into a Plan.
func Build(in Input) (*Plan, error) {
	segs, err := Split(in.Window, in.SegmentDays)
	if err != nil {
		return nil, err
	}

	p := &Plan{Segments: segs}
	ids := make(map[string]bool, len(in.Entities))
	slugs := make(map[string]string, len(in.Entities))
	maxVariants := 0
	for i, e := range in.Entities {
		e.ID = strings.TrimSpace(e.ID)
		if e.ID == "" {
			return nil, fmt.Errorf("%w: entity %d has an empty id", ErrInvalid, i)
		}
		if ids[e.ID] {
			return nil, fmt.Errorf("%w: duplicate entity %q", ErrInvalid, e.ID)
		}
		ids[e.ID] = true
		// Entities sharing a slug would share every artifact file.
		slug := artifact.Slug(e.ID)
		if other, ok := slugs[slug]; ok {
			return nil, fmt.Errorf("%w: entities %q and %q share artifact name %q", ErrInvalid, other, e.ID, slug)
		}
		slugs[slug] = e.ID

		variants := ResolveVariants(e, in.DefaultVariants)
		if len(variants) > maxVariants {
			maxVariants = len(variants)
		}
		p.Entities = append(p.Entities, e)
		p.Variants = append(p.Variants, variants)

		for vi, v := range variants {
			for _, s := range segs {
				p.Items = append(p.Items, Item{
					EntityIndex:  i,
					EntityID:     e.ID,
					VariantIndex: vi,
					Variant:      v,
					Segment:      s,
				})
			}
		}
	}

	p.Estimate = Estimate{
		Items:                      len(p.Items),
		UpperBoundRecordsPerEntity: in.PerRequestLimit * len(segs) * maxVariants,
	}
	return p, nil
}

// ItemsFor returns the items of entity i in scan order.
func (p *Plan) ItemsFor(entityIndex int) []Item {
	per := len(p.Variants[entityIndex]) * len(p.Segments)
	start := 0
	for i := 0; i < entityIndex; i++ {
		start += len(p.Variants[i]) * len(p.Segments)
	}
	return p.Items[start : start+per]
}
