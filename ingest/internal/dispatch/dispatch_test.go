package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/sigfetch/ingest/internal/aggregate"
	"github.com/hazyhaar/sigfetch/ingest/internal/artifact"
	"github.com/hazyhaar/sigfetch/ingest/internal/credential"
	"github.com/hazyhaar/sigfetch/ingest/internal/httpcall"
	"github.com/hazyhaar/sigfetch/ingest/internal/ledger"
	"github.com/hazyhaar/sigfetch/ingest/internal/plan"
	"github.com/hazyhaar/sigfetch/ingest/internal/progress"
	"github.com/hazyhaar/sigfetch/ingest/internal/strategy"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// listingServer answers every query with three records whose ids encode
// the query, the window start and the position.
func listingServer(t *testing.T, fail func(r *http.Request) int) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail != nil {
			if code := fail(r); code != 0 {
				w.WriteHeader(code)
				w.Write([]byte(`{"error":"boom"}`))
				return
			}
		}
		q := r.URL.Query()
		var recs []string
		for k := 0; k < 3; k++ {
			recs = append(recs, fmt.Sprintf(`{"id":"%s-%s-%d","text":"t"}`, q.Get("query"), q.Get("from"), k))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"results":[%s]}`, strings.Join(recs, ","))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

type fixture struct {
	store    *artifact.Store
	ledger   *ledger.Ledger
	reporter *progress.Reporter
	caller   *httpcall.Caller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := artifact.New(t.TempDir())
	if err := store.Init(); err != nil {
		t.Fatal(err)
	}
	l, err := ledger.Open(store.Path(artifact.DirLogs, ledger.FileName), quiet())
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		store:    store,
		ledger:   l,
		reporter: progress.New(quiet()),
		caller:   httpcall.New(httpcall.Config{Timeout: 5 * time.Second}, quiet(), httpcall.WithSleep(noSleep)),
	}
}

func (f *fixture) dispatcher(cfg Config, opts ...Option) *Dispatcher {
	if cfg.InterCallDelay == 0 {
		cfg.InterCallDelay = -1
	}
	cfg.BaseBackoff = time.Millisecond
	cfg.TickInterval = 5 * time.Millisecond
	opts = append([]Option{WithLedger(f.ledger), WithReporter(f.reporter), WithSleep(noSleep)}, opts...)
	return New(cfg, f.caller, f.store, quiet(), opts...)
}

func mustPlan(t *testing.T, ids []string, variants []string) *plan.Plan {
	t.Helper()
	var ents []plan.Entity
	for _, id := range ids {
		ents = append(ents, plan.Entity{ID: id})
	}
	p, err := plan.Build(plan.Input{
		Entities:        ents,
		Window:          plan.Window{From: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), To: time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC)},
		SegmentDays:     7,
		DefaultVariants: variants,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func rawCount(t *testing.T, s *artifact.Store) int {
	t.Helper()
	names, err := s.ListRaw()
	if err != nil {
		t.Fatal(err)
	}
	return len(names)
}

func TestWorkerCount(t *testing.T) {
	// WHAT: Workers = min(max, listing, enrichment when enabled, entities).
	// WHY: No worker may share a credential and no worker may idle.
	cases := []struct {
		max, listing, enrich int
		on                   bool
		entities, want       int
	}{
		{4, 10, 0, false, 10, 4},
		{4, 1, 0, false, 10, 1},
		{4, 10, 2, true, 10, 2},
		{4, 10, 2, false, 10, 4},
		{8, 10, 10, true, 3, 3},
		{4, 3, 0, false, 0, 0},
	}
	for _, c := range cases {
		if got := WorkerCount(c.max, c.listing, c.enrich, c.on, c.entities); got != c.want {
			t.Errorf("WorkerCount(%+v) = %d, want %d", c, got, c.want)
		}
	}
}

func TestShards_RoundRobin(t *testing.T) {
	// WHAT: Entities are dealt round-robin and never split.
	// WHY: Stable shard assignment keeps runs reproducible.
	got := Shards(5, 2)
	if fmt.Sprint(got) != "[[0 2 4] [1 3]]" {
		t.Fatalf("shards = %v", got)
	}
}

func TestRun_AllSucceed(t *testing.T) {
	// WHAT: 2 entities x 2 variants x 2 segments produce 8 raw artifacts.
	// WHY: Raw artifact exists iff the item succeeded.
	srv, hits := listingServer(t, nil)
	f := newFixture(t)
	p := mustPlan(t, []string{"AAPL", "MSFT"}, []string{"+Stock"})
	d := f.dispatcher(Config{Listing: strategy.Listing{URL: srv.URL}})

	res, err := d.Run(context.Background(), p, Pools{Listing: credential.New("listing", []string{"k1", "k2"}, 0)})
	if err != nil {
		t.Fatal(err)
	}
	if res.ItemsOK != 8 || res.ItemsFailed != 0 || hits.Load() != 8 {
		t.Fatalf("result = %+v hits=%d", res, hits.Load())
	}
	if rawCount(t, f.store) != 8 {
		t.Fatalf("raw files = %d", rawCount(t, f.store))
	}
	for _, e := range res.Entities {
		if e.State != progress.Succeeded || e.Records != 12 {
			t.Errorf("%s: %+v", e.EntityID, e)
		}
	}
	if s := f.reporter.Snapshot(); s.Completed != 8 || s.Total != 8 {
		t.Errorf("progress = %d/%d", s.Completed, s.Total)
	}

	data, _ := f.store.ReadRaw(artifact.Key{EntityID: "MSFT", VariantIndex: 1, SegmentID: "20240108-20240114"})
	raw, err := aggregate.DecodeRaw(data)
	if err != nil {
		t.Fatal(err)
	}
	if raw.EntityID != "MSFT" || raw.Variant != "MSFT Stock" || raw.From != "20240108" || len(raw.Results) != 3 {
		t.Fatalf("raw = %+v", raw)
	}
}

func TestRun_PartialEntity(t *testing.T) {
	// WHAT: One failing item makes the entity partial, not ledgered.
	// WHY: Only entities with zero successes enter the failure ledger.
	srv, _ := listingServer(t, func(r *http.Request) int {
		q := r.URL.Query()
		if q.Get("query") == "MSFT Stock" && q.Get("from") == "2024-01-08" {
			return http.StatusInternalServerError
		}
		return 0
	})
	f := newFixture(t)
	p := mustPlan(t, []string{"AAPL", "MSFT"}, []string{"+Stock"})
	res, err := f.dispatcher(Config{Listing: strategy.Listing{URL: srv.URL}}).
		Run(context.Background(), p, Pools{Listing: credential.New("listing", []string{"k"}, 0)})
	if err != nil {
		t.Fatal(err)
	}
	msft := res.Entities[1]
	if msft.State != progress.Partial || msft.ItemsFailed != 1 || msft.Records != 9 {
		t.Fatalf("msft = %+v", msft)
	}
	if !strings.Contains(msft.Reason, "permanent_upstream") {
		t.Errorf("reason = %q", msft.Reason)
	}
	if rawCount(t, f.store) != 7 {
		t.Fatalf("raw files = %d", rawCount(t, f.store))
	}
	if len(f.ledger.List()) != 0 {
		t.Fatalf("ledger = %+v", f.ledger.List())
	}
}

func TestRun_FailedEntityLedgeredThenCleared(t *testing.T) {
	// WHAT: An entity with no successful item is ledgered; a later success clears it.
	// WHY: The ledger mirrors the last attempt.
	var broken atomic.Bool
	broken.Store(true)
	srv, _ := listingServer(t, func(r *http.Request) int {
		if broken.Load() && strings.HasPrefix(r.URL.Query().Get("query"), "MSFT") {
			return http.StatusForbidden
		}
		return 0
	})
	f := newFixture(t)
	p := mustPlan(t, []string{"AAPL", "MSFT"}, nil)
	d := f.dispatcher(Config{Listing: strategy.Listing{URL: srv.URL}})
	pools := Pools{Listing: credential.New("listing", []string{"k"}, 0)}

	res, _ := d.Run(context.Background(), p, pools)
	if res.Entities[1].State != progress.Failed {
		t.Fatalf("msft = %+v", res.Entities[1])
	}
	if !f.ledger.Has("MSFT") || f.ledger.Has("AAPL") {
		t.Fatalf("ledger = %+v", f.ledger.List())
	}

	broken.Store(false)
	res, _ = d.Run(context.Background(), p, pools)
	if res.Entities[1].State != progress.Succeeded || f.ledger.Has("MSFT") {
		t.Fatalf("after recovery: %+v ledger=%+v", res.Entities[1], f.ledger.List())
	}
}

func TestRun_FailureRemovesStaleRaw(t *testing.T) {
	// WHAT: A failed item deletes the artifact a previous run left for it.
	// WHY: A raw artifact exists only for items that succeeded in the last attempt.
	var broken atomic.Bool
	srv, _ := listingServer(t, func(*http.Request) int {
		if broken.Load() {
			return http.StatusBadRequest
		}
		return 0
	})
	f := newFixture(t)
	p := mustPlan(t, []string{"AAPL"}, nil)
	d := f.dispatcher(Config{Listing: strategy.Listing{URL: srv.URL}})
	pools := Pools{Listing: credential.New("listing", []string{"k"}, 0)}

	d.Run(context.Background(), p, pools)
	if rawCount(t, f.store) != 2 {
		t.Fatalf("raw files = %d", rawCount(t, f.store))
	}
	broken.Store(true)
	d.Run(context.Background(), p, pools)
	if rawCount(t, f.store) != 0 {
		t.Fatalf("stale raw files = %d", rawCount(t, f.store))
	}
}

func TestRun_EmptyPool(t *testing.T) {
	// WHAT: An empty listing pool is a configuration error.
	// WHY: Without credentials no call can be made.
	f := newFixture(t)
	p := mustPlan(t, []string{"AAPL"}, nil)
	_, err := f.dispatcher(Config{Listing: strategy.Listing{URL: "http://127.0.0.1:1"}}).
		Run(context.Background(), p, Pools{Listing: credential.New("listing", nil, 0)})
	if !errors.Is(err, credential.ErrEmptyPool) {
		t.Fatalf("err = %v", err)
	}
}

func TestRun_ZeroEntities(t *testing.T) {
	// WHAT: A plan without entities succeeds without credentials.
	// WHY: Zero entities is a valid, empty run.
	f := newFixture(t)
	p := mustPlan(t, nil, nil)
	res, err := f.dispatcher(Config{}).Run(context.Background(), p, Pools{})
	if err != nil || len(res.Entities) != 0 || res.Workers != 0 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestRun_Resume(t *testing.T) {
	// WHAT: With Resume, items whose raw artifact exists are not refetched.
	// WHY: An interrupted run restarts where it stopped.
	srv, hits := listingServer(t, nil)
	f := newFixture(t)
	p := mustPlan(t, []string{"AAPL"}, nil)
	body, _ := aggregate.EncodeRaw(aggregate.Raw{EntityID: "AAPL", Results: []map[string]any{{"id": "x"}}})
	f.store.WriteRaw(artifact.Key{EntityID: "AAPL", SegmentID: "20240101-20240107"}, body)

	res, err := f.dispatcher(Config{Listing: strategy.Listing{URL: srv.URL}, Resume: true}).
		Run(context.Background(), p, Pools{Listing: credential.New("listing", []string{"k"}, 0)})
	if err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}
	e := res.Entities[0]
	if e.State != progress.Succeeded || e.Records != 4 || !e.Items[0].Resumed {
		t.Fatalf("entity = %+v", e)
	}
}

func TestRun_CancelAfterFirstEntity(t *testing.T) {
	// WHAT: Cancelling once the second entity starts leaves one success and the rest cancelled.
	// WHY: Cancelled entities must not leave partial artifacts.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, _ := listingServer(t, func(r *http.Request) int {
		if r.URL.Query().Get("query") == "MSFT" {
			cancel()
		}
		return 0
	})
	f := newFixture(t)
	p := mustPlan(t, []string{"AAPL", "MSFT", "GOOG"}, nil)
	res, err := f.dispatcher(Config{Listing: strategy.Listing{URL: srv.URL}}).
		Run(ctx, p, Pools{Listing: credential.New("listing", []string{"only"}, 0)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Workers != 1 {
		t.Fatalf("workers = %d", res.Workers)
	}
	want := []progress.EntityState{progress.Succeeded, progress.Cancelled, progress.Cancelled}
	for i, e := range res.Entities {
		if e.State != want[i] {
			t.Errorf("%s = %s, want %s", e.EntityID, e.State, want[i])
		}
	}
	names, _ := f.store.ListRaw()
	for _, n := range names {
		if n.EntitySlug != "aapl" {
			t.Errorf("artifact left for cancelled entity: %s", n.Path)
		}
	}
	if len(names) != 2 {
		t.Fatalf("raw files = %d", len(names))
	}
	if res.ItemsOK != 2 || res.ItemsCancelled != 4 {
		t.Fatalf("ok=%d cancelled=%d", res.ItemsOK, res.ItemsCancelled)
	}
	row, _ := f.reporter.Entity("GOOG")
	if row.State != progress.Cancelled {
		t.Fatalf("reporter GOOG = %+v", row)
	}
}

func TestRun_CredentialRotation(t *testing.T) {
	// WHAT: 2 credentials, 1 entity each, 4 entities: each credential serves at most 2.
	// WHY: Rotation happens only at entity boundaries within a worker's own credentials.
	var mu sync.Mutex
	byCred := map[string]map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		key := r.Header.Get("Authorization")
		if byCred[key] == nil {
			byCred[key] = map[string]bool{}
		}
		byCred[key][r.URL.Query().Get("query")] = true
		mu.Unlock()
		fmt.Fprint(w, `{"results":[{"id":"1"}]}`)
	}))
	defer srv.Close()

	f := newFixture(t)
	p := mustPlan(t, []string{"A", "B", "C", "D"}, nil)
	pool := credential.New("listing", []string{"cred-1", "cred-2"}, 1)
	res, err := f.dispatcher(Config{Listing: strategy.Listing{URL: srv.URL}}).
		Run(context.Background(), p, Pools{Listing: pool})
	if err != nil {
		t.Fatal(err)
	}
	if res.Workers != 2 {
		t.Fatalf("workers = %d", res.Workers)
	}
	for _, u := range pool.Usage() {
		if u.Total > 2 {
			t.Errorf("%s marked done %d times", u.Label, u.Total)
		}
	}
	if len(byCred) != 2 {
		t.Fatalf("credentials used = %d", len(byCred))
	}
	for cred, ents := range byCred {
		if len(ents) != 2 {
			t.Errorf("%s served %v", cred, ents)
		}
	}
}

func TestRun_EnrichmentTolerated(t *testing.T) {
	// WHAT: Enrichment text lands on records; enrichment failures keep the item.
	// WHY: Enrichment is advisory.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/text/bad"):
			w.WriteHeader(http.StatusNotFound)
		case strings.HasPrefix(r.URL.Path, "/text/"):
			fmt.Fprintf(w, `{"text":"body of %s"}`, strings.TrimPrefix(r.URL.Path, "/text/"))
		default:
			fmt.Fprint(w, `{"results":[{"id":"good"},{"id":"bad"}]}`)
		}
	}))
	defer srv.Close()

	f := newFixture(t)
	p := mustPlan(t, []string{"AAPL"}, nil)
	p.Segments = p.Segments[:1]
	p.Items = p.Items[:1]
	cfg := Config{
		Listing:    strategy.Listing{URL: srv.URL + "/search"},
		Enrichment: strategy.Enrichment{URL: srv.URL + "/text/{id}"},
	}
	res, err := f.dispatcher(cfg).Run(context.Background(), p, Pools{
		Listing:    credential.New("listing", []string{"k"}, 0),
		Enrichment: credential.New("enrichment", []string{"e"}, 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	e := res.Entities[0]
	if e.State != progress.Succeeded || e.EnrichFailed != 1 {
		t.Fatalf("entity = %+v", e)
	}
	data, _ := f.store.ReadRaw(artifact.Key{EntityID: "AAPL", SegmentID: "20240101-20240107"})
	raw, _ := aggregate.DecodeRaw(data)
	if raw.Results[0]["enrichment"] != "body of good" {
		t.Errorf("good = %v", raw.Results[0])
	}
	if _, ok := raw.Results[1]["enrichment"]; ok {
		t.Errorf("bad = %v", raw.Results[1])
	}
}

func TestRun_EnrichmentRequiresPool(t *testing.T) {
	// WHAT: Enrichment without credentials is a configuration error.
	// WHY: Empty pools are fatal.
	f := newFixture(t)
	p := mustPlan(t, []string{"AAPL"}, nil)
	cfg := Config{Listing: strategy.Listing{URL: "http://x"}, Enrichment: strategy.Enrichment{URL: "http://x/{id}"}}
	_, err := f.dispatcher(cfg).Run(context.Background(), p, Pools{Listing: credential.New("listing", []string{"k"}, 0)})
	if !errors.Is(err, credential.ErrEmptyPool) {
		t.Fatalf("err = %v", err)
	}
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
