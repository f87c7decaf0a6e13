// CLAUDE:SUMMARY Bounded worker pool over entity shards: credential-bound workers, raw writes, coordinator-driven progress, ledger and cancellation rollback.
// Package dispatch runs a plan against the listing (and optional
// enrichment) upstream.
//
// Entities are sharded round-robin over workers and never split. Each
// worker owns a disjoint slice of every credential pool and processes its
// shard sequentially: items in scan order, one call at a time, with a pause
// between calls. Workers push events to a single coordinator goroutine that
// owns the progress reporter, the failure ledger and the entity hook.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/sigfetch/ingest/internal/artifact"
	"github.com/hazyhaar/sigfetch/ingest/internal/credential"
	"github.com/hazyhaar/sigfetch/ingest/internal/httpcall"
	"github.com/hazyhaar/sigfetch/ingest/internal/ledger"
	"github.com/hazyhaar/sigfetch/ingest/internal/plan"
	"github.com/hazyhaar/sigfetch/ingest/internal/progress"
	"github.com/hazyhaar/sigfetch/ingest/internal/strategy"
	"github.com/hazyhaar/sigfetch/kit"
)

const (
	DefaultWorkers = 4
	MaxWorkers     = 8
)

// Pool names, also used as circuit breaker key prefixes.
const (
	PoolListing    = "listing"
	PoolEnrichment = "enrichment"
)

// ItemState is the terminal state of one plan item.
type ItemState string

const (
	ItemSucceeded ItemState = "succeeded"
	ItemRetried   ItemState = "retried" // succeeded after at least one retry
	ItemFailed    ItemState = "failed"
	ItemCancelled ItemState = "cancelled"
)

// OK reports whether the item produced a raw artifact.
func (s ItemState) OK() bool { return s == ItemSucceeded || s == ItemRetried }

// Config configures a Dispatcher.
type Config struct {
	MaxWorkers int // default 4, capped at 8
	// InterCallDelay pauses a worker between two upstream calls.
	// Default 250ms; negative disables the pause.
	InterCallDelay time.Duration
	MaxAttempts    int           // per listing call; default 4
	BaseBackoff    time.Duration // default 1s
	// CallTimeout bounds one logical call, retries included, once the run
	// is cancelled. Default 2 minutes.
	CallTimeout time.Duration
	// Resume skips items whose raw artifact already exists.
	Resume bool
	// TickInterval is the coordinator's progress flush period. Default 100ms.
	TickInterval time.Duration

	Listing    strategy.Listing
	Enrichment strategy.Enrichment
}

func (c *Config) defaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultWorkers
	}
	if c.MaxWorkers > MaxWorkers {
		c.MaxWorkers = MaxWorkers
	}
	if c.InterCallDelay == 0 {
		c.InterCallDelay = 250 * time.Millisecond
	}
	if c.InterCallDelay < 0 {
		c.InterCallDelay = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 2 * time.Minute
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	c.Listing = c.Listing.WithDefaults()
	if c.Enrichment.Enabled() {
		c.Enrichment = c.Enrichment.WithDefaults()
	}
}

// Pools are the credential pools of one run.
type Pools struct {
	Listing    *credential.Pool
	Enrichment *credential.Pool // required when enrichment is configured
}

// ItemResult is the outcome of one plan item.
type ItemResult struct {
	Item       plan.Item     `json:"-"`
	State      ItemState     `json:"state"`
	Attempts   int           `json:"attempts"`
	Records    int           `json:"records"`
	Resumed    bool          `json:"resumed,omitempty"`
	Kind       httpcall.Kind `json:"kind,omitempty"`
	Diagnostic string        `json:"diagnostic,omitempty"`
}

// EntityResult is the outcome of one entity.
type EntityResult struct {
	EntityID       string               `json:"entity_id"`
	Index          int                  `json:"-"`
	Worker         int                  `json:"worker"`
	State          progress.EntityState `json:"state"`
	ItemsOK        int                  `json:"items_ok"`
	ItemsFailed    int                  `json:"items_failed"`
	ItemsCancelled int                  `json:"items_cancelled"`
	Records        int                  `json:"records"`
	EnrichFailed   int                  `json:"enrich_failed,omitempty"`
	Credential     string               `json:"credential,omitempty"`
	Reason         string               `json:"reason,omitempty"`
	Items          []ItemResult         `json:"-"`

	rolledBack int // items reported ok, then undone by cancellation
}

// Result is the outcome of a run.
type Result struct {
	Workers        int            `json:"workers"`
	Entities       []EntityResult `json:"entities"`
	ItemsOK        int            `json:"items_ok"`
	ItemsFailed    int            `json:"items_failed"`
	ItemsRetried   int            `json:"items_retried"`
	ItemsCancelled int            `json:"items_cancelled"`
	Requests       int            `json:"requests"`
}

// Count returns how many entities ended in state s.
func (r *Result) Count(s progress.EntityState) int {
	n := 0
	for _, e := range r.Entities {
		if e.State == s {
			n++
		}
	}
	return n
}

// Dispatcher runs plans. One Run at a time.
type Dispatcher struct {
	config     Config
	caller     *httpcall.Caller
	store      *artifact.Store
	ledger     *ledger.Ledger
	reporter   *progress.Reporter
	normalizer *strategy.Normalizer
	onEntity   func(EntityResult)
	logger     *slog.Logger
	sleep      func(context.Context, time.Duration) error
	now        func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLedger records failed entities and clears recovered ones.
func WithLedger(l *ledger.Ledger) Option { return func(d *Dispatcher) { d.ledger = l } }

// WithReporter pushes progress to r.
func WithReporter(r *progress.Reporter) Option { return func(d *Dispatcher) { d.reporter = r } }

// WithEntityHook is called from the coordinator for every terminal entity.
func WithEntityHook(fn func(EntityResult)) Option { return func(d *Dispatcher) { d.onEntity = fn } }

// WithClock replaces time.Now for fetched_at stamps.
func WithClock(fn func() time.Time) Option { return func(d *Dispatcher) { d.now = fn } }

// WithSleep replaces the inter-call pause (tests).
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = fn }
}

// New creates a Dispatcher.
func New(cfg Config, caller *httpcall.Caller, store *artifact.Store, logger *slog.Logger, opts ...Option) *Dispatcher {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		config: cfg,
		caller: caller,
		store:  store,
		logger: logger,
		sleep:  sleepCtx,
		now:    time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	if d.reporter == nil {
		d.reporter = progress.New(logger)
	}
	if cfg.Enrichment.Enabled() {
		d.normalizer = strategy.NewNormalizer()
	}
	return d
}

// WorkerCount returns min(maxWorkers, listing, enrichment when enabled,
// entities), at least 1 when there is any entity.
func WorkerCount(maxWorkers, listing, enrichment int, enrich bool, entities int) int {
	n := min(maxWorkers, listing, entities)
	if enrich {
		n = min(n, enrichment)
	}
	if entities > 0 && n < 1 {
		n = 1
	}
	return max(n, 0)
}

// Shards assigns entity indexes round-robin to n workers.
func Shards(entities, n int) [][]int {
	if n <= 0 {
		return nil
	}
	shards := make([][]int, n)
	for i := 0; i < entities; i++ {
		shards[i%n] = append(shards[i%n], i)
	}
	return shards
}

// Run executes p. It returns an error only for configuration problems
// (empty credential pool); upstream failures are reported in Result.
// Cancelling ctx stops issuing new calls; the run still returns a Result
// with the remaining entities marked cancelled.
func (d *Dispatcher) Run(ctx context.Context, p *plan.Plan, pools Pools) (*Result, error) {
	res := &Result{Entities: make([]EntityResult, len(p.Entities))}
	for i, e := range p.Entities {
		res.Entities[i] = EntityResult{EntityID: e.ID, Index: i, State: progress.Pending}
	}
	d.reporter.SetTotal(len(p.Items))
	if len(p.Entities) == 0 {
		return res, nil
	}

	enrich := d.config.Enrichment.Enabled()
	if pools.Listing == nil || pools.Listing.Len() == 0 {
		return nil, fmt.Errorf("dispatch: %w", credential.ErrEmptyPool)
	}
	if enrich && (pools.Enrichment == nil || pools.Enrichment.Len() == 0) {
		return nil, fmt.Errorf("dispatch: enrichment: %w", credential.ErrEmptyPool)
	}

	enrichLen := 0
	if enrich {
		enrichLen = pools.Enrichment.Len()
	}
	n := WorkerCount(d.config.MaxWorkers, pools.Listing.Len(), enrichLen, enrich, len(p.Entities))
	res.Workers = n
	listingSubs := pools.Listing.Partition(n)
	var enrichSubs []*credential.Pool
	if enrich {
		enrichSubs = pools.Enrichment.Partition(n)
	}

	logger := d.logger
	if id := kit.GetRunID(ctx); id != "" {
		logger = logger.With("run_id", id)
	}
	logger.Info("dispatch: run started",
		"entities", len(p.Entities), "items", len(p.Items), "workers", n,
		"listing_credentials", pools.Listing.Len(), "enrichment", enrich)
	d.reporter.Status(fmt.Sprintf("dispatching %d items over %d workers", len(p.Items), n))

	events := make(chan event, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.coordinate(events, res)
	}()

	var wg sync.WaitGroup
	for k, shard := range Shards(len(p.Entities), n) {
		w := &worker{
			id:      k,
			d:       d,
			plan:    p,
			listing: listingSubs[k],
			events:  events,
			logger:  logger.With("worker", k),
		}
		if enrich {
			w.enrich = enrichSubs[k]
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, idx := range shard {
				w.entity(ctx, idx)
			}
		}()
	}
	wg.Wait()
	close(events)
	<-done

	logger.Info("dispatch: run finished",
		"items_ok", res.ItemsOK, "items_failed", res.ItemsFailed,
		"items_retried", res.ItemsRetried, "items_cancelled", res.ItemsCancelled,
		"requests", res.Requests)
	return res, nil
}

type eventKind int

const (
	evEntityStart eventKind = iota
	evItem
	evEntityDone
	evStatus
)

type event struct {
	kind   eventKind
	item   ItemResult
	entity EntityResult
	msg    string
}

// coordinate is the single consumer of worker events. It owns res, the
// ledger and the entity hook, and flushes completion counts to the
// reporter on every tick.
func (d *Dispatcher) coordinate(events <-chan event, res *Result) {
	ticker := time.NewTicker(d.config.TickInterval)
	defer ticker.Stop()
	pending := 0
	flush := func() {
		if pending > 0 {
			d.reporter.Advance(pending)
			pending = 0
		}
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				flush()
				return
			}
			switch ev.kind {
			case evStatus:
				d.reporter.Status(ev.msg)
			case evEntityStart:
				d.reporter.SetEntity(ev.entity.EntityID, progress.InProgress, ev.entity.Credential)
			case evItem:
				pending++
				res.Requests += ev.item.Attempts
				switch ev.item.State {
				case ItemSucceeded:
					res.ItemsOK++
				case ItemRetried:
					res.ItemsOK++
					res.ItemsRetried++
				case ItemFailed:
					res.ItemsFailed++
					d.reporter.Status(fmt.Sprintf("%s %s v%d: %s",
						ev.item.Item.EntityID, ev.item.Item.Segment.ID(), ev.item.Item.VariantIndex, ev.item.Diagnostic))
				case ItemCancelled:
					res.ItemsCancelled++
				}
			case evEntityDone:
				res.ItemsOK -= ev.entity.rolledBack
				res.ItemsCancelled += ev.entity.rolledBack
				d.finishEntity(ev.entity, res)
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *Dispatcher) finishEntity(er EntityResult, res *Result) {
	res.Entities[er.Index] = er
	d.reporter.SetEntity(er.EntityID, er.State, entityDetail(er))

	if d.ledger != nil {
		switch er.State {
		case progress.Failed:
			if err := d.ledger.Record(er.EntityID, er.Reason); err != nil {
				d.logger.Error("dispatch: ledger record", "entity", er.EntityID, "error", err)
			}
		case progress.Succeeded, progress.Partial:
			if _, err := d.ledger.Clear(er.EntityID); err != nil {
				d.logger.Error("dispatch: ledger clear", "entity", er.EntityID, "error", err)
			}
		}
	}

	lvl := slog.LevelInfo
	if er.State == progress.Failed {
		lvl = slog.LevelWarn
	}
	d.logger.Log(context.Background(), lvl, "dispatch: entity done",
		"entity", er.EntityID, "state", er.State, "worker", er.Worker,
		"items_ok", er.ItemsOK, "items_failed", er.ItemsFailed,
		"items_cancelled", er.ItemsCancelled, "records", er.Records)

	if d.onEntity != nil {
		d.onEntity(er)
	}
}

func entityDetail(er EntityResult) string {
	total := er.ItemsOK + er.ItemsFailed + er.ItemsCancelled
	switch er.State {
	case progress.Succeeded:
		return fmt.Sprintf("%d/%d items, %d records", er.ItemsOK, total, er.Records)
	case progress.Partial, progress.Failed:
		return fmt.Sprintf("%d/%d items failed: %s", er.ItemsFailed, total, er.Reason)
	case progress.Cancelled:
		return "cancelled"
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var errCancelled = errors.New("dispatch: cancelled")
