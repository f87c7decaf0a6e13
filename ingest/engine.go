// CLAUDE:SUMMARY Engine orchestrator: plans a request, dispatches it over persistent credential pools, aggregates, exports, logs the run and notifies.
// Package ingest is the credentialed, segmented, parallel HTTP ingestion
// engine.
//
// A fetch expands entities × query variants × day segments into plan items,
// runs them on a bounded worker pool that binds each worker to its own
// credentials, and materializes the results under an artifact root:
//
//	<root>/raw/      one JSON file per successful plan item
//	<root>/merged/   one deduplicated JSON file per entity
//	<root>/csv/      one flat CSV per entity
//	<root>/logs/     failed_entities.txt, runs.db
//
// Usage:
//
//	e, err := ingest.New(cfg, logger)
//	defer e.Close()
//	rep, err := e.Fetch(ctx, req)
//	os.Exit(ingest.ExitCode(rep, err))
//
// Credential counters live in the Engine and survive across runs until
// ResetCredentials. Only configuration errors abort a run; upstream
// failures are reported per plan item in the Report.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/sigfetch/idgen"
	"github.com/hazyhaar/sigfetch/ingest/internal/aggregate"
	"github.com/hazyhaar/sigfetch/ingest/internal/artifact"
	"github.com/hazyhaar/sigfetch/ingest/internal/credential"
	"github.com/hazyhaar/sigfetch/ingest/internal/dispatch"
	"github.com/hazyhaar/sigfetch/ingest/internal/httpcall"
	"github.com/hazyhaar/sigfetch/ingest/internal/ledger"
	"github.com/hazyhaar/sigfetch/ingest/internal/notify"
	"github.com/hazyhaar/sigfetch/ingest/internal/pgexport"
	"github.com/hazyhaar/sigfetch/ingest/internal/plan"
	"github.com/hazyhaar/sigfetch/ingest/internal/progress"
	"github.com/hazyhaar/sigfetch/ingest/internal/runlog"
	"github.com/hazyhaar/sigfetch/ingest/internal/schedule"
	"github.com/hazyhaar/sigfetch/ingest/internal/strategy"
	"github.com/hazyhaar/sigfetch/kit"
)

// Engine runs fetches against one artifact root. One operation that
// touches artifacts (fetch, merge, clean) runs at a time.
type Engine struct {
	config   Config
	store    *artifact.Store
	ledger   *ledger.Ledger
	reporter *progress.Reporter
	caller   *httpcall.Caller
	runs     *runlog.Store // nil when disabled
	notifier notify.Notifier
	logger   *slog.Logger

	client *http.Client
	newID  idgen.Generator
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error

	mu     sync.Mutex
	busy   string // "fetch", "merge", "clean" or ""
	active *run
	pools  map[string]*pooled
	sink   *pgexport.Sink
}

type pooled struct {
	key  string
	pool *credential.Pool
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier replaces the notifier built from Config.Telegram.
func WithNotifier(n notify.Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithIDGenerator replaces the run ID generator.
func WithIDGenerator(g idgen.Generator) Option { return func(e *Engine) { e.newID = g } }

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option { return func(e *Engine) { e.now = fn } }

// WithSleep replaces every wait of the engine (pauses and backoffs).
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithHTTPClient replaces the client used for upstream calls.
func WithHTTPClient(c *http.Client) Option { return func(e *Engine) { e.client = c } }

// New opens the artifact root, the failure ledger and the run log.
// An unwritable root is a *ConfigError.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		config: cfg,
		logger: logger,
		newID:  idgen.Default,
		now:    time.Now,
		pools:  make(map[string]*pooled),
	}
	for _, o := range opts {
		o(e)
	}

	e.store = artifact.New(cfg.Root)
	if err := e.store.Init(); err != nil {
		return nil, configErr("root", err)
	}
	l, err := ledger.Open(e.store.Path(artifact.DirLogs, ledger.FileName), logger)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	e.ledger = l
	e.reporter = progress.New(logger)

	var callerOpts []httpcall.Option
	if e.client != nil {
		callerOpts = append(callerOpts, httpcall.WithClient(e.client))
	}
	if e.sleep != nil {
		callerOpts = append(callerOpts, httpcall.WithSleep(e.sleep))
	}
	e.caller = httpcall.New(httpcall.Config{
		Timeout:          cfg.HTTP.Timeout,
		MaxBackoff:       cfg.HTTP.MaxBackoff,
		MaxBytes:         cfg.HTTP.MaxBytes,
		UserAgent:        cfg.HTTP.UserAgent,
		BreakerThreshold: cfg.HTTP.BreakerThreshold,
		BreakerReset:     cfg.HTTP.BreakerReset,
	}, logger, callerOpts...)

	if !cfg.DisableRunLog {
		runs, err := runlog.Open(e.store.Path(artifact.DirLogs, runlog.FileName))
		if err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
		if n, err := runs.MarkAbandoned(context.Background(), e.now()); err != nil {
			logger.Warn("ingest: mark abandoned runs", "error", err)
		} else if n > 0 {
			logger.Info("ingest: abandoned runs closed", "count", n)
		}
		e.runs = runs
	}

	if e.notifier == nil {
		e.notifier = notify.Nop{}
		if cfg.Telegram.Token != "" {
			tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, logger)
			if err != nil {
				e.Close()
				return nil, configErr("telegram", err)
			}
			e.notifier = tg
		}
	}

	logger.Info("ingest: engine ready", "root", cfg.Root,
		"enrichment", cfg.Enrichment.Enabled(), "run_log", e.runs != nil,
		"postgres", cfg.Postgres.DSN != "")
	return e, nil
}

// Close cancels an active run and releases the run log and export pool.
func (e *Engine) Close() error {
	e.Cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sink != nil {
		e.sink.Close()
		e.sink = nil
	}
	if e.runs != nil {
		return e.runs.Close()
	}
	return nil
}

// Root returns the artifact root.
func (e *Engine) Root() string { return e.store.Root() }

// Job returns the configured request.
func (e *Engine) Job() Request { return e.config.Job }

// run is the state of one fetch between begin and finish.
type run struct {
	id      string
	trigger string
	ctx     context.Context
	cancel  context.CancelFunc
	req     Request
	plan    *plan.Plan
	policy  aggregate.Policy
	pools   dispatch.Pools
	started time.Time
	logger  *slog.Logger
}

// Fetch runs req to completion. Cancelling ctx stops issuing calls; the
// Report then carries cancelled entities and a nil error.
func (e *Engine) Fetch(ctx context.Context, req Request) (*Report, error) {
	r, err := e.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.execute(r)
}

// Start validates req and runs it in the background. Cancel stops it.
func (e *Engine) Start(ctx context.Context, req Request) (string, error) {
	r, err := e.begin(context.WithoutCancel(ctx), req)
	if err != nil {
		return "", err
	}
	go func() {
		if _, err := e.execute(r); err != nil {
			r.logger.Error("ingest: background run failed", "error", err)
		}
	}()
	return r.id, nil
}

// Cancel signals the active fetch. It reports whether one was running.
func (e *Engine) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return false
	}
	e.active.cancel()
	e.logger.Info("ingest: cancel requested", "run_id", e.active.id)
	return true
}

// Running reports whether a fetch is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

func (e *Engine) begin(ctx context.Context, req Request) (*run, error) {
	req = req.withDefaults(e.config.Dedup)
	p, policy, err := e.prepare(req)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy != "" {
		return nil, ErrRunning
	}
	pools, err := e.poolsFor(req, len(p.Entities))
	if err != nil {
		return nil, err
	}

	id := e.newID()
	rctx, cancel := context.WithCancel(kit.WithRunID(ctx, id))
	r := &run{
		id:      id,
		trigger: kit.GetTransport(ctx),
		ctx:     rctx,
		cancel:  cancel,
		req:     req,
		plan:    p,
		policy:  policy,
		pools:   pools,
		started: e.now().UTC(),
		logger:  e.logger.With("run_id", id),
	}
	e.busy, e.active = "fetch", r
	return r, nil
}

// prepare validates req and builds its plan.
func (e *Engine) prepare(req Request) (*plan.Plan, aggregate.Policy, error) {
	if req.ArtifactRoot != "" && filepath.Clean(req.ArtifactRoot) != filepath.Clean(e.config.Root) {
		return nil, "", configErr("artifact_root",
			fmt.Errorf("%q is not the engine root %q", req.ArtifactRoot, e.config.Root))
	}
	from, err := plan.ParseDay(req.From)
	if err != nil {
		return nil, "", configErr("from", err)
	}
	to, err := plan.ParseDay(req.To)
	if err != nil {
		return nil, "", configErr("to", err)
	}
	policy, err := aggregate.ParsePolicy(req.Dedup)
	if err != nil {
		return nil, "", configErr("dedup", err)
	}
	p, err := plan.Build(plan.Input{
		Entities:        req.Entities,
		Window:          plan.Window{From: from, To: to},
		SegmentDays:     req.SegmentDays,
		DefaultVariants: req.DefaultVariants,
		PerRequestLimit: e.config.Listing.Limit,
	})
	if err != nil {
		return nil, "", configErr("plan", err)
	}
	if len(p.Entities) > 0 {
		if err := e.config.Listing.WithDefaults().Validate(); err != nil {
			return nil, "", configErr("listing", err)
		}
	}
	return p, policy, nil
}

// poolsFor returns the persistent pools for req's credentials. A pool is
// kept across runs while its credential list and quota stay the same.
// Callers hold e.mu.
func (e *Engine) poolsFor(req Request, entities int) (dispatch.Pools, error) {
	if entities == 0 {
		return dispatch.Pools{}, nil
	}
	var pools dispatch.Pools
	creds, err := req.Listing.Resolve()
	if err != nil {
		return pools, configErr("listing_pool", err)
	}
	if len(creds) == 0 {
		return pools, configErr("listing_pool", credential.ErrEmptyPool)
	}
	pools.Listing = e.pool(dispatch.PoolListing, creds, req.Listing.EntitiesPerCredential)

	if e.config.Enrichment.Enabled() {
		creds, err := req.Enrichment.Resolve()
		if err != nil {
			return pools, configErr("enrichment_pool", err)
		}
		if len(creds) == 0 {
			return pools, configErr("enrichment_pool", credential.ErrEmptyPool)
		}
		pools.Enrichment = e.pool(dispatch.PoolEnrichment, creds, req.Enrichment.EntitiesPerCredential)
	}
	return pools, nil
}

func (e *Engine) pool(name string, creds []string, per int) *credential.Pool {
	key := fmt.Sprintf("%d\x00%s", per, strings.Join(creds, "\x00"))
	if p, ok := e.pools[name]; ok && p.key == key {
		return p.pool
	}
	p := credential.New(name, creds, per)
	e.pools[name] = &pooled{key: key, pool: p}
	return p
}

func (e *Engine) finish(r *run) {
	r.cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == r {
		e.busy, e.active = "", nil
	}
}

func (e *Engine) execute(r *run) (*Report, error) {
	defer e.finish(r)
	ids := make([]string, len(r.plan.Entities))
	for i, ent := range r.plan.Entities {
		ids[i] = ent.ID
	}
	e.reporter.Begin(r.id, ids)
	defer e.reporter.End()

	r.logger.Info("ingest: run started", "trigger", r.trigger,
		"entities", len(ids), "items", r.plan.Estimate.Items, "segments", len(r.plan.Segments),
		"upper_bound_records_per_entity", r.plan.Estimate.UpperBoundRecordsPerEntity)
	e.startRunLog(r)

	opts := []dispatch.Option{
		dispatch.WithLedger(e.ledger),
		dispatch.WithReporter(e.reporter),
		dispatch.WithClock(e.now),
		dispatch.WithEntityHook(func(er dispatch.EntityResult) { e.recordEntity(r, er) }),
	}
	if e.sleep != nil {
		opts = append(opts, dispatch.WithSleep(e.sleep))
	}
	d := dispatch.New(dispatch.Config{
		MaxWorkers:     r.req.MaxWorkers,
		InterCallDelay: r.req.InterCallDelay,
		MaxAttempts:    r.req.Retry.MaxAttempts,
		BaseBackoff:    r.req.Retry.BaseBackoff,
		CallTimeout:    r.req.Retry.Timeout,
		Resume:         r.req.Resume,
		Listing:        e.config.Listing,
		Enrichment:     e.config.Enrichment,
	}, e.caller, e.store, r.logger, opts...)

	res, err := d.Run(r.ctx, r.plan, r.pools)
	if err != nil {
		err = configErr("credentials", err)
		e.finishRunLog(r, nil, err)
		return nil, err
	}

	rep := e.report(r, res)
	if err := e.aggregate(r, res, rep); err != nil {
		rep.FinishedAt = e.now().UTC()
		e.finishRunLog(r, rep, err)
		return rep, err
	}
	e.export(r, rep)

	rep.FinishedAt = e.now().UTC()
	e.finishRunLog(r, rep, nil)
	e.notify(r, rep)

	e.reporter.Status(fmt.Sprintf("run %s: %s (%d/%d entities succeeded)",
		r.id, rep.Outcome, rep.Count(progress.Succeeded), len(rep.Entities)))
	r.logger.Info("ingest: run finished", "outcome", rep.Outcome,
		"succeeded", rep.Count(progress.Succeeded), "partial", rep.Count(progress.Partial),
		"failed", rep.Count(progress.Failed), "cancelled", rep.Count(progress.Cancelled),
		"requests", rep.Requests, "records", rep.Records,
		"duration_ms", rep.FinishedAt.Sub(rep.StartedAt).Milliseconds())
	return rep, nil
}

func (e *Engine) report(r *run, res *dispatch.Result) *Report {
	rep := &Report{
		RunID:          r.id,
		Outcome:        outcomeOf(res),
		StartedAt:      r.started,
		Estimate:       r.plan.Estimate,
		Workers:        res.Workers,
		Entities:       make([]EntityReport, len(res.Entities)),
		ItemsOK:        res.ItemsOK,
		ItemsFailed:    res.ItemsFailed,
		ItemsRetried:   res.ItemsRetried,
		ItemsCancelled: res.ItemsCancelled,
		Requests:       res.Requests,
	}
	for i, er := range res.Entities {
		rep.Entities[i] = EntityReport{
			EntityID:       er.EntityID,
			State:          er.State,
			ItemsOK:        er.ItemsOK,
			ItemsFailed:    er.ItemsFailed,
			ItemsCancelled: er.ItemsCancelled,
			Fetched:        er.Records,
			EnrichFailed:   er.EnrichFailed,
			Credential:     er.Credential,
			Reason:         er.Reason,
		}
		for _, ir := range er.Items {
			if ir.State != dispatch.ItemFailed {
				continue
			}
			rep.Failures = append(rep.Failures, ItemFailure{
				EntityID:     ir.Item.EntityID,
				Variant:      ir.Item.Variant,
				VariantIndex: ir.Item.VariantIndex,
				Segment:      ir.Item.Segment.ID(),
				Kind:         ErrorKind(ir.Kind),
				Diagnostic:   ir.Diagnostic,
			})
		}
	}
	return rep
}

func outcomeOf(res *dispatch.Result) Outcome {
	n := len(res.Entities)
	switch {
	case res.Count(progress.Cancelled) > 0:
		return OutcomeCancelled
	case res.Count(progress.Succeeded) == n:
		return OutcomeSucceeded
	case res.Count(progress.Failed) == n:
		return OutcomeFailed
	}
	return OutcomePartial
}

// aggregate merges every entity that was not cancelled, in plan order.
func (e *Engine) aggregate(r *run, res *dispatch.Result, rep *Report) error {
	a := aggregate.New(e.store, aggregate.Config{
		Policy:  r.policy,
		IDField: e.config.Listing.WithDefaults().IDField,
	}, r.logger)
	for i, er := range res.Entities {
		if er.State == progress.Cancelled {
			continue
		}
		items := r.plan.ItemsFor(er.Index)
		keys := make([]artifact.Key, len(items))
		for k, it := range items {
			keys[k] = artifact.Key{EntityID: it.EntityID, VariantIndex: it.VariantIndex, SegmentID: it.Segment.ID()}
		}
		ar, err := a.Entity(er.EntityID, keys)
		if err != nil {
			return fmt.Errorf("ingest: %w", err)
		}
		rep.Entities[i].Records = ar.Records
		rep.Entities[i].Duplicates = ar.Duplicates
		rep.Records += ar.Records
		rep.Duplicates += ar.Duplicates
	}
	return nil
}

// export pushes the CSV of every aggregated entity to Postgres. Export
// errors are logged and never change the outcome.
func (e *Engine) export(r *run, rep *Report) {
	if e.config.Postgres.DSN == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), 5*time.Minute)
	defer cancel()

	e.mu.Lock()
	if e.sink == nil {
		sink, err := pgexport.Open(ctx, e.config.Postgres, r.logger)
		if err != nil {
			e.mu.Unlock()
			r.logger.Error("ingest: postgres export disabled for this run", "error", err)
			return
		}
		e.sink = sink
	}
	sink := e.sink
	e.mu.Unlock()

	for _, er := range rep.Entities {
		if er.State == progress.Cancelled {
			continue
		}
		data, err := e.store.ReadCSV(er.EntityID)
		if err != nil {
			r.logger.Error("ingest: read csv for export", "entity", er.EntityID, "error", err)
			continue
		}
		n, err := sink.ExportCSV(ctx, er.EntityID, data)
		if err != nil {
			r.logger.Error("ingest: postgres export", "entity", er.EntityID, "error", err)
			continue
		}
		rep.Exported += n
	}
	r.logger.Info("ingest: postgres export done", "rows", rep.Exported)
}

type requestSummary struct {
	Entities              []string `json:"entities"`
	Variants              []string `json:"variants,omitempty"`
	From                  string   `json:"from"`
	To                    string   `json:"to"`
	SegmentDays           int      `json:"segment_days"`
	MaxWorkers            int      `json:"max_workers,omitempty"`
	ListingCredentials    int      `json:"listing_credentials"`
	EnrichmentCredentials int      `json:"enrichment_credentials,omitempty"`
	Dedup                 string   `json:"dedup"`
	Resume                bool     `json:"resume,omitempty"`
}

func (e *Engine) startRunLog(r *run) {
	if e.runs == nil {
		return
	}
	sum := requestSummary{
		Variants:    r.req.DefaultVariants,
		From:        r.plan.Segments[0].From.Format("2006-01-02"),
		To:          r.plan.Segments[len(r.plan.Segments)-1].To.Format("2006-01-02"),
		SegmentDays: r.req.SegmentDays,
		MaxWorkers:  r.req.MaxWorkers,
		Dedup:       string(r.policy),
		Resume:      r.req.Resume,
	}
	for _, ent := range r.plan.Entities {
		sum.Entities = append(sum.Entities, ent.ID)
	}
	if r.pools.Listing != nil {
		sum.ListingCredentials = r.pools.Listing.Len()
	}
	if r.pools.Enrichment != nil {
		sum.EnrichmentCredentials = r.pools.Enrichment.Len()
	}
	body, _ := json.Marshal(sum)

	err := e.runs.Start(context.WithoutCancel(r.ctx), runlog.Run{
		ID:        r.id,
		Trigger:   r.trigger,
		StartedAt: r.started,
		Entities:  len(r.plan.Entities),
		Items:     r.plan.Estimate.Items,
		Request:   string(body),
	})
	if err != nil {
		r.logger.Error("ingest: run log start", "error", err)
	}
}

func (e *Engine) recordEntity(r *run, er dispatch.EntityResult) {
	if e.runs == nil {
		return
	}
	err := e.runs.RecordEntity(context.WithoutCancel(r.ctx), runlog.Entity{
		RunID:       r.id,
		EntityID:    er.EntityID,
		State:       string(er.State),
		ItemsOK:     er.ItemsOK,
		ItemsFailed: er.ItemsFailed,
		Records:     er.Records,
		Detail:      er.Reason,
		FinishedAt:  e.now().UTC(),
	})
	if err != nil {
		r.logger.Error("ingest: run log entity", "entity", er.EntityID, "error", err)
	}
}

func (e *Engine) finishRunLog(r *run, rep *Report, runErr error) {
	if e.runs == nil {
		return
	}
	row := runlog.Run{ID: r.id, FinishedAt: e.now().UTC(), Outcome: string(OutcomeFailed)}
	if rep != nil {
		row.Outcome = string(rep.Outcome)
		row.ItemsOK = rep.ItemsOK
		row.ItemsFailed = rep.ItemsFailed
		row.ItemsRetried = rep.ItemsRetried
		row.Records = rep.Records
	}
	if runErr != nil {
		row.Outcome = "error"
		row.Error = runErr.Error()
	}
	if err := e.runs.Finish(context.WithoutCancel(r.ctx), row); err != nil {
		r.logger.Error("ingest: run log finish", "error", err)
	}
}

func (e *Engine) notify(r *run, rep *Report) {
	s := notify.Summary{
		RunID:       rep.RunID,
		Outcome:     string(rep.Outcome),
		StartedAt:   rep.StartedAt,
		FinishedAt:  rep.FinishedAt,
		Entities:    len(rep.Entities),
		Succeeded:   rep.Count(progress.Succeeded),
		Partial:     rep.Count(progress.Partial),
		Failed:      rep.Count(progress.Failed),
		Cancelled:   rep.Count(progress.Cancelled),
		ItemsOK:     rep.ItemsOK,
		ItemsFailed: rep.ItemsFailed,
		Records:     rep.Records,
	}
	for _, er := range rep.Entities {
		if er.State == progress.Failed {
			s.FailedEntities = append(s.FailedEntities, er.EntityID)
		}
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), 30*time.Second)
	defer cancel()
	if err := e.notifier.Notify(ctx, s); err != nil {
		r.logger.Warn("ingest: notify", "error", err)
	}
}

// reserve claims the artifact tree for a non-fetch operation.
func (e *Engine) reserve(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy != "" {
		return ErrRunning
	}
	e.busy = op
	return nil
}

func (e *Engine) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.busy = ""
}

// Merge re-aggregates raw/ into merged/ and csv/ without network calls.
// An empty dedup uses the configured default.
func (e *Engine) Merge(dedup string) (*MergeReport, error) {
	if dedup == "" {
		dedup = e.config.Dedup
	}
	policy, err := aggregate.ParsePolicy(dedup)
	if err != nil {
		return nil, configErr("dedup", err)
	}
	if err := e.reserve("merge"); err != nil {
		return nil, err
	}
	defer e.release()

	a := aggregate.New(e.store, aggregate.Config{
		Policy:  policy,
		IDField: e.config.Listing.WithDefaults().IDField,
	}, e.logger)
	reps, err := a.MergeFromRaw()
	if err != nil {
		return nil, fmt.Errorf("ingest: merge: %w", err)
	}
	out := &MergeReport{Entities: reps}
	for _, r := range reps {
		out.Records += r.Records
		out.Duplicates += r.Duplicates
	}
	e.logger.Info("ingest: merge done", "entities", len(reps), "records", out.Records)
	e.reporter.Status(fmt.Sprintf("merged %d entities, %d records", len(reps), out.Records))
	return out, nil
}

// Clean empties raw/, merged/ and csv/. logs/ is kept. It refuses
// without confirm.
func (e *Engine) Clean(confirm bool) error {
	if !confirm {
		return ErrNotConfirmed
	}
	if err := e.reserve("clean"); err != nil {
		return err
	}
	defer e.release()
	if err := e.store.Clear(); err != nil {
		return fmt.Errorf("ingest: clean: %w", err)
	}
	e.logger.Info("ingest: artifact tree cleared", "root", e.store.Root())
	e.reporter.Status("artifact tree cleared")
	return nil
}

// Failures lists the failure ledger.
func (e *Engine) Failures() []ledger.Record { return e.ledger.List() }

// ClearFailure removes entity from the ledger.
func (e *Engine) ClearFailure(entity string) (bool, error) { return e.ledger.Clear(entity) }

// ClearFailures empties the ledger and returns how many entries it held.
func (e *Engine) ClearFailures() (int, error) { return e.ledger.ClearAll() }

// Progress returns a snapshot of the current or last run.
func (e *Engine) Progress() progress.Snapshot { return e.reporter.Snapshot() }

// Credentials snapshots the persistent pools.
func (e *Engine) Credentials() []PoolStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PoolStatus, 0, len(e.pools))
	breakers := e.caller.Breakers()
	for name, p := range e.pools {
		st := PoolStatus{Pool: name, Limit: p.pool.Limit()}
		for _, u := range p.pool.Usage() {
			key := strategy.BreakerKey(name, credential.Credential{Index: u.Index})
			st.Credentials = append(st.Credentials, CredentialStatus{Usage: u, Breaker: breakers.State(key).String()})
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pool < out[j].Pool })
	return out
}

// ResetCredentials zeroes every pool counter and rewinds the cursors.
func (e *Engine) ResetCredentials() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.pools {
		p.pool.Reset()
	}
	e.logger.Info("ingest: credential counters reset", "pools", len(e.pools))
}

// Runs lists recent runs, newest first. Empty when the run log is disabled.
func (e *Engine) Runs(ctx context.Context, limit int) ([]runlog.Run, error) {
	if e.runs == nil {
		return nil, nil
	}
	return e.runs.List(ctx, limit)
}

// Run returns one run with its entity rows.
func (e *Engine) Run(ctx context.Context, id string) (*runlog.Run, error) {
	if e.runs == nil {
		return nil, runlog.ErrNotFound
	}
	return e.runs.Get(ctx, id)
}

// Schedule builds a scheduler that runs Job on Config.Schedule.Cron. It
// returns nil when no cron spec is configured. The caller starts and stops
// it.
func (e *Engine) Schedule(ctx context.Context) (*schedule.Scheduler, error) {
	spec := strings.TrimSpace(e.config.Schedule.Cron)
	if spec == "" {
		return nil, nil
	}
	s, err := schedule.New(ctx, e.config.Schedule.Timezone, e.logger)
	if err != nil {
		return nil, configErr("schedule", err)
	}
	err = s.Add("fetch", spec, func(ctx context.Context) error {
		_, err := e.Fetch(kit.WithTransport(ctx, "cron"), e.config.Job)
		return err
	})
	if err != nil {
		return nil, configErr("schedule", err)
	}
	return s, nil
}
