package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/sigfetch/idgen"
	"github.com/hazyhaar/sigfetch/ingest/internal/artifact"
	"github.com/hazyhaar/sigfetch/ingest/internal/notify"
	"github.com/hazyhaar/sigfetch/ingest/internal/progress"
	"github.com/hazyhaar/sigfetch/ingest/internal/strategy"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Summary
}

func (n *recordingNotifier) Notify(_ context.Context, s notify.Summary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, s)
	return nil
}

// upstream answers with three records per call, ids "<query>-<from>-<k>".
// fail may return a status to send instead.
type upstream struct {
	srv  *httptest.Server
	hits atomic.Int64
	fail func(r *http.Request) int
	body func(r *http.Request) string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		if u.fail != nil {
			if code := u.fail(r); code != 0 {
				w.WriteHeader(code)
				return
			}
		}
		if u.body != nil {
			fmt.Fprint(w, u.body(r))
			return
		}
		q := r.URL.Query()
		var recs []string
		for k := 0; k < 3; k++ {
			recs = append(recs, fmt.Sprintf(`{"id":"%s-%s-%d","text":"t%d","like_count":%d,"user":{"name":"u%d"}}`,
				q.Get("query"), q.Get("from"), k, k, k, k))
		}
		fmt.Fprintf(w, `{"results":[%s]}`, strings.Join(recs, ","))
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func newEngine(t *testing.T, upstreamURL string, opts ...Option) (*Engine, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	opts = append([]Option{WithSleep(noSleep), WithIDGenerator(idgen.Sequence("run_")), WithNotifier(n)}, opts...)
	e, err := New(Config{
		Root:    t.TempDir(),
		Listing: strategy.Listing{URL: upstreamURL},
	}, quiet(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, n
}

func baseRequest(entities ...string) Request {
	req := Request{
		DefaultVariants: []string{"+Stock"},
		From:            "2024-01-01",
		To:              "2024-01-14",
		SegmentDays:     7,
		Listing:         PoolSpec{Credentials: []string{"key-1", "key-2"}},
	}
	for _, id := range entities {
		req.Entities = append(req.Entities, Entity{ID: id})
	}
	return req
}

func readCSV(t *testing.T, e *Engine, entity string) [][]string {
	t.Helper()
	data, err := e.store.ReadCSV(entity)
	if err != nil {
		t.Fatalf("read csv %s: %v", entity, err)
	}
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv %s: %v", entity, err)
	}
	return rows
}

func column(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}

func rawNames(t *testing.T, e *Engine) []string {
	t.Helper()
	names, err := e.store.ListRaw()
	if err != nil {
		t.Fatal(err)
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = filepath.Base(n.Path)
	}
	return out
}

func csvSnapshot(t *testing.T, e *Engine) map[string][]byte {
	t.Helper()
	entries, err := os.ReadDir(e.store.Path(artifact.DirCSV))
	if err != nil {
		t.Fatal(err)
	}
	out := map[string][]byte{}
	for _, de := range entries {
		data, err := os.ReadFile(e.store.Path(artifact.DirCSV, de.Name()))
		if err != nil {
			t.Fatal(err)
		}
		out[de.Name()] = data
	}
	return out
}

func sameFiles(t *testing.T, a, b map[string][]byte) {
	t.Helper()
	if len(a) != len(b) {
		t.Fatalf("file sets differ: %d vs %d", len(a), len(b))
	}
	for name, data := range a {
		if !bytes.Equal(data, b[name]) {
			t.Errorf("%s differs:\n%s\n---\n%s", name, data, b[name])
		}
	}
}

func TestFetch_TwoEntitiesTwoVariantsTwoSegments(t *testing.T) {
	// WHAT: 2 entities x 2 variants x 2 weekly segments with 3 records per call.
	// WHY: Baseline: 8 raw files, 12 merged records and CSV rows per entity, empty ledger.
	up := newUpstream(t)
	e, n := newEngine(t, up.srv.URL)

	rep, err := e.Fetch(context.Background(), baseRequest("AAPL", "MSFT"))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Outcome != OutcomeSucceeded || ExitCode(rep, err) != ExitOK {
		t.Fatalf("outcome = %s", rep.Outcome)
	}
	if got := len(rawNames(t, e)); got != 8 {
		t.Fatalf("raw files = %d, want 8", got)
	}
	for _, er := range rep.Entities {
		if er.Records != 12 || er.State != progress.Succeeded {
			t.Errorf("%s: %+v", er.EntityID, er)
		}
		if rows := readCSV(t, e, er.EntityID); len(rows) != 13 {
			t.Errorf("%s csv rows = %d, want 12 + header", er.EntityID, len(rows)-1)
		}
	}
	if len(e.Failures()) != 0 {
		t.Fatalf("ledger = %+v", e.Failures())
	}

	rows := readCSV(t, e, "AAPL")
	header := rows[0]
	if strings.Join(header[:8], ",") != "record_id,created_at,text,language,like_count,share_count,reply_count,view_count" {
		t.Fatalf("header = %v", header)
	}
	if column(header, "user_name") != 8 || column(header, "entity_id") != 9 {
		t.Fatalf("header = %v", header)
	}
	if rows[1][0] != "AAPL-2024-01-01-0" || rows[1][column(header, "variant")] != "AAPL" {
		t.Fatalf("first row = %v", rows[1])
	}

	if len(n.sent) != 1 || n.sent[0].Outcome != "succeeded" || n.sent[0].Records != 24 {
		t.Fatalf("notifications = %+v", n.sent)
	}
	run, err := e.Run(context.Background(), rep.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Outcome != "succeeded" || run.Trigger != "cli" || len(run.EntityRows) != 2 || run.Records != 24 {
		t.Fatalf("run log = %+v", run)
	}
}

func TestFetch_PartialEntity(t *testing.T) {
	// WHAT: HTTP 500 on MSFT variant 1 segment 1 leaves 7 raw files and MSFT partial.
	// WHY: Only entities with no successful item go to the failure ledger.
	up := newUpstream(t)
	up.fail = func(r *http.Request) int {
		q := r.URL.Query()
		if q.Get("query") == "MSFT Stock" && q.Get("from") == "2024-01-08" {
			return http.StatusInternalServerError
		}
		return 0
	}
	e, _ := newEngine(t, up.srv.URL)

	rep, err := e.Fetch(context.Background(), baseRequest("AAPL", "MSFT"))
	if err != nil {
		t.Fatal(err)
	}
	if got := len(rawNames(t, e)); got != 7 {
		t.Fatalf("raw files = %d, want 7", got)
	}
	msft := rep.Entities[1]
	if msft.State != progress.Partial || msft.Records != 9 {
		t.Fatalf("msft = %+v", msft)
	}
	row := e.Progress().Entities[1]
	if row.EntityID != "MSFT" || row.State != progress.Partial {
		t.Fatalf("status row = %+v", row)
	}
	if len(e.Failures()) != 0 {
		t.Fatalf("ledger = %+v", e.Failures())
	}
	if rep.Outcome != OutcomePartial || ExitCode(rep, err) != ExitNotOK {
		t.Fatalf("outcome = %s", rep.Outcome)
	}
	if len(rep.Failures) != 1 || rep.Failures[0].Kind != PermanentUpstream || rep.Failures[0].Segment != "20240108-20240114" {
		t.Fatalf("failures = %+v", rep.Failures)
	}
}

func TestFetch_RateLimitedThenOK(t *testing.T) {
	// WHAT: Every call gets 429 twice before 200.
	// WHY: Retries are invisible in the outputs; only the request count grows.
	var mu sync.Mutex
	seen := map[string]int{}
	up := newUpstream(t)
	up.fail = func(r *http.Request) int {
		mu.Lock()
		defer mu.Unlock()
		key := r.URL.RawQuery
		seen[key]++
		if seen[key] <= 2 {
			return http.StatusTooManyRequests
		}
		return 0
	}
	limited, _ := newEngine(t, up.srv.URL)
	rep, err := limited.Fetch(context.Background(), baseRequest("AAPL", "MSFT"))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Requests < 3*rep.ItemsOK || rep.ItemsOK != 8 || rep.ItemsRetried != 8 {
		t.Fatalf("requests = %d ok = %d retried = %d", rep.Requests, rep.ItemsOK, rep.ItemsRetried)
	}

	clean := newUpstream(t)
	plain, _ := newEngine(t, clean.srv.URL)
	if _, err := plain.Fetch(context.Background(), baseRequest("AAPL", "MSFT")); err != nil {
		t.Fatal(err)
	}
	sameFiles(t, csvSnapshot(t, plain), csvSnapshot(t, limited))
}

func TestFetch_DuplicateAcrossSegmentsKeepsFirst(t *testing.T) {
	// WHAT: The same record id in every AAPL variant-0 segment is kept once.
	// WHY: Provenance of the kept record is the first segment in scan order.
	up := newUpstream(t)
	up.body = func(r *http.Request) string {
		q := r.URL.Query()
		if q.Get("query") == "AAPL" {
			return fmt.Sprintf(`{"results":[{"id":"AAPL-dup","text":"%s"},{"id":"AAPL-%s"}]}`, q.Get("from"), q.Get("from"))
		}
		return `{"results":[]}`
	}
	e, _ := newEngine(t, up.srv.URL)
	req := baseRequest("AAPL")
	req.DefaultVariants = nil

	rep, err := e.Fetch(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Entities[0].Records != 3 || rep.Entities[0].Duplicates != 1 {
		t.Fatalf("entity = %+v", rep.Entities[0])
	}
	rows := readCSV(t, e, "AAPL")
	h := rows[0]
	dup := 0
	for _, row := range rows[1:] {
		if row[0] == "AAPL-dup" {
			dup++
			if row[column(h, "from")] != "20240101" || row[column(h, "text")] != "2024-01-01" {
				t.Errorf("kept duplicate = %v", row)
			}
		}
	}
	if dup != 1 {
		t.Fatalf("duplicate rows = %d", dup)
	}
}

func TestFetch_CredentialRotationQuota(t *testing.T) {
	// WHAT: entities_per_credential=1 with 2 credentials and 4 entities.
	// WHY: No credential is marked done more than twice.
	up := newUpstream(t)
	e, _ := newEngine(t, up.srv.URL)
	req := baseRequest("A", "B", "C", "D")
	req.Listing.EntitiesPerCredential = 1

	if _, err := e.Fetch(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	pools := e.Credentials()
	if len(pools) != 1 || pools[0].Pool != "listing" || pools[0].Limit != 1 {
		t.Fatalf("pools = %+v", pools)
	}
	var total int64
	for _, u := range pools[0].Credentials {
		if u.Total > 2 {
			t.Errorf("%s marked done %d times", u.Label, u.Total)
		}
		total += u.Total
	}
	if total != 4 {
		t.Fatalf("entities marked done = %d, want 4", total)
	}
}

func TestFetch_RotationAcrossRuns(t *testing.T) {
	// WHAT: One entity per run, 2 credentials, entities_per_credential=1.
	// WHY: The rotation cursor belongs to the engine's pool; a cron or HTTP
	// job fetching one entity per run must alternate credentials.
	up := newUpstream(t)
	e, _ := newEngine(t, up.srv.URL)

	var used []string
	for _, id := range []string{"A", "B", "C", "D"} {
		req := baseRequest(id)
		req.Listing = PoolSpec{Credentials: []string{"key-1111", "key-2222"}, EntitiesPerCredential: 1}
		rep, err := e.Fetch(context.Background(), req)
		if err != nil {
			t.Fatalf("fetch %s: %v", id, err)
		}
		used = append(used, rep.Entities[0].Credential)
	}
	if got := strings.Join(used, ","); got != "****1111,****2222,****1111,****2222" {
		t.Fatalf("credentials per run: %s", got)
	}
	for _, u := range e.Credentials()[0].Credentials {
		if u.Total != 2 {
			t.Errorf("%s marked done %d times, want 2", u.Label, u.Total)
		}
	}
}

func TestFetch_CancelAfterFirstEntity(t *testing.T) {
	// WHAT: Cancellation once the first entity completed.
	// WHY: One succeeded entity, the rest cancelled, no artifacts for cancelled ones.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	up := newUpstream(t)
	up.fail = func(r *http.Request) int {
		if strings.HasPrefix(r.URL.Query().Get("query"), "MSFT") {
			cancel()
		}
		return 0
	}
	e, _ := newEngine(t, up.srv.URL)
	req := baseRequest("AAPL", "MSFT", "GOOG")
	req.Listing.Credentials = []string{"only"}

	rep, err := e.Fetch(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Count(progress.Succeeded) != 1 || rep.Count(progress.Cancelled) != 2 || rep.Entities[0].EntityID != "AAPL" {
		t.Fatalf("entities = %+v", rep.Entities)
	}
	if rep.Outcome != OutcomeCancelled || ExitCode(rep, err) != ExitNotOK {
		t.Fatalf("outcome = %s", rep.Outcome)
	}
	for _, name := range rawNames(t, e) {
		if !strings.HasPrefix(name, "aapl_") {
			t.Errorf("artifact for cancelled entity: %s", name)
		}
	}
	for _, id := range []string{"MSFT", "GOOG"} {
		if _, err := os.Stat(e.store.CSVPath(id)); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s csv exists: %v", id, err)
		}
		if _, err := os.Stat(e.store.MergedPath(id)); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s merged exists: %v", id, err)
		}
	}
	if e.Running() {
		t.Fatal("engine still running")
	}
}

func TestFetch_FailedEntityLedger(t *testing.T) {
	// WHAT: An entity whose every item fails is recorded, then cleared on demand.
	// WHY: The failure ledger is displayable and clearable.
	up := newUpstream(t)
	up.fail = func(r *http.Request) int {
		if strings.HasPrefix(r.URL.Query().Get("query"), "MSFT") {
			return http.StatusForbidden
		}
		return 0
	}
	e, _ := newEngine(t, up.srv.URL)
	rep, err := e.Fetch(context.Background(), baseRequest("AAPL", "MSFT"))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Entities[1].State != progress.Failed || rep.Outcome != OutcomePartial {
		t.Fatalf("report = %+v", rep)
	}
	fails := e.Failures()
	if len(fails) != 1 || fails[0].EntityID != "MSFT" || !strings.Contains(fails[0].Reason, "4/4 items failed") {
		t.Fatalf("ledger = %+v", fails)
	}
	data, err := os.ReadFile(e.store.Path(artifact.DirLogs, "failed_entities.txt"))
	if err != nil || !strings.HasPrefix(string(data), "MSFT,") {
		t.Fatalf("ledger file = %q err=%v", data, err)
	}

	ok, err := e.ClearFailure("MSFT")
	if err != nil || !ok || len(e.Failures()) != 0 {
		t.Fatalf("clear: ok=%v err=%v left=%v", ok, err, e.Failures())
	}
}

func TestFetch_AllFailed(t *testing.T) {
	// WHAT: Every entity failing yields the failed outcome.
	// WHY: Drives exit code 1 without aborting the run.
	up := newUpstream(t)
	up.fail = func(*http.Request) int { return http.StatusBadRequest }
	e, _ := newEngine(t, up.srv.URL)
	rep, err := e.Fetch(context.Background(), baseRequest("AAPL"))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Outcome != OutcomeFailed || ExitCode(rep, err) != ExitNotOK {
		t.Fatalf("outcome = %s", rep.Outcome)
	}
	if rows := readCSV(t, e, "AAPL"); len(rows) != 1 {
		t.Fatalf("csv rows = %d, want header only", len(rows))
	}
}

func TestFetch_Idempotent(t *testing.T) {
	// WHAT: fetch twice, merge after fetch, clean then fetch.
	// WHY: Deterministic upstream gives byte-identical CSVs every way.
	up := newUpstream(t)
	e, _ := newEngine(t, up.srv.URL)
	req := baseRequest("AAPL", "MSFT")

	if _, err := e.Fetch(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	first := csvSnapshot(t, e)
	firstRaw := rawNames(t, e)

	if _, err := e.Fetch(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	sameFiles(t, first, csvSnapshot(t, e))

	mrep, err := e.Merge("")
	if err != nil {
		t.Fatal(err)
	}
	if len(mrep.Entities) != 2 || mrep.Records != 24 {
		t.Fatalf("merge = %+v", mrep)
	}
	sameFiles(t, first, csvSnapshot(t, e))

	if err := e.Clean(true); err != nil {
		t.Fatal(err)
	}
	if len(rawNames(t, e)) != 0 || len(csvSnapshot(t, e)) != 0 {
		t.Fatal("clean left artifacts")
	}
	if _, err := e.Fetch(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	sameFiles(t, first, csvSnapshot(t, e))
	if got := rawNames(t, e); strings.Join(got, ",") != strings.Join(firstRaw, ",") {
		t.Fatalf("raw set = %v, want %v", got, firstRaw)
	}
}

func TestFetch_ZeroEntities(t *testing.T) {
	// WHAT: An empty entity list without credentials.
	// WHY: Empty CSV set, zero failures, exit 0.
	e, _ := newEngine(t, "")
	rep, err := e.Fetch(context.Background(), Request{From: "2024-01-01", To: "2024-01-02"})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Outcome != OutcomeSucceeded || ExitCode(rep, err) != ExitOK || len(rep.Entities) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if len(csvSnapshot(t, e)) != 0 || len(e.Failures()) != 0 {
		t.Fatal("artifacts or failures for an empty run")
	}
}

func TestFetch_SingleCredentialRunsOneWorker(t *testing.T) {
	// WHAT: One credential with max_workers 8.
	// WHY: Workers never share a credential.
	up := newUpstream(t)
	e, _ := newEngine(t, up.srv.URL)
	req := baseRequest("A", "B", "C")
	req.Listing.Credentials = []string{"only"}
	req.MaxWorkers = 8
	rep, err := e.Fetch(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Workers != 1 {
		t.Fatalf("workers = %d", rep.Workers)
	}
}

func TestFetch_SingleDayWindow(t *testing.T) {
	// WHAT: from == to with a 7-day segment size.
	// WHY: Exactly one segment per variant.
	up := newUpstream(t)
	e, _ := newEngine(t, up.srv.URL)
	req := baseRequest("AAPL")
	req.To = req.From
	rep, err := e.Fetch(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Estimate.Items != 2 || len(rawNames(t, e)) != 2 {
		t.Fatalf("items = %d raw = %v", rep.Estimate.Items, rawNames(t, e))
	}
}

func TestFetch_ConfigurationErrors(t *testing.T) {
	// WHAT: Empty pool, bad window, bad dedup policy, foreign artifact root,
	// duplicate ids and ids sharing an artifact name.
	// WHY: Configuration errors abort before any call and map to exit 2.
	up := newUpstream(t)
	e, _ := newEngine(t, up.srv.URL)

	cases := map[string]func(*Request){
		"empty pool":   func(r *Request) { r.Listing.Credentials = nil },
		"bad from":     func(r *Request) { r.From = "yesterday" },
		"inverted":     func(r *Request) { r.From, r.To = r.To, r.From },
		"bad dedup":    func(r *Request) { r.Dedup = "random" },
		"foreign root": func(r *Request) { r.ArtifactRoot = t.TempDir() },
		"duplicate":    func(r *Request) { r.Entities = append(r.Entities, Entity{ID: "AAPL"}) },
		"same slug":    func(r *Request) { r.Entities = append(r.Entities, Entity{ID: "aapl"}) },
	}
	for name, mutate := range cases {
		req := baseRequest("AAPL")
		mutate(&req)
		rep, err := e.Fetch(context.Background(), req)
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("%s: err = %v", name, err)
			continue
		}
		var ce *ConfigError
		if !errors.As(err, &ce) || KindOf(err) != ConfigurationError || ExitCode(rep, err) != ExitFatal {
			t.Errorf("%s: not a configuration error: %v", name, err)
		}
	}
	if up.hits.Load() != 0 {
		t.Fatalf("calls issued: %d", up.hits.Load())
	}
	if e.Running() {
		t.Fatal("engine left busy")
	}
}

func TestNew_UnwritableRoot(t *testing.T) {
	// WHAT: The artifact root is a regular file.
	// WHY: An unwritable root is fatal at construction.
	root := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(root, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := New(Config{Root: root, DisableRunLog: true}, quiet())
	if !errors.Is(err, ErrConfiguration) || !errors.Is(err, artifact.ErrUnwritable) {
		t.Fatalf("err = %v", err)
	}
}

func TestCredentials_PersistAcrossRunsUntilReset(t *testing.T) {
	// WHAT: Pool counters accumulate across runs with the same credentials.
	// WHY: Counters reset only on ResetCredentials.
	up := newUpstream(t)
	e, _ := newEngine(t, up.srv.URL)
	req := baseRequest("AAPL")
	req.Listing.Credentials = []string{"only"}

	for i := 0; i < 2; i++ {
		if _, err := e.Fetch(context.Background(), req); err != nil {
			t.Fatal(err)
		}
	}
	if got := e.Credentials()[0].Credentials[0].Total; got != 2 {
		t.Fatalf("entities done = %d, want 2", got)
	}
	e.ResetCredentials()
	if got := e.Credentials()[0].Credentials[0].Total; got != 0 {
		t.Fatalf("after reset = %d", got)
	}
}

func TestCredentials_BreakerStateReported(t *testing.T) {
	// WHAT: A credential throttled past the breaker threshold shows as open,
	// and its remaining items fail without being sent.
	// WHY: Sustained 429s on one key escalate the entity to failed instead of
	// hammering the upstream; the status surface must explain why.
	up := newUpstream(t)
	up.fail = func(*http.Request) int { return http.StatusTooManyRequests }
	e, err := New(Config{
		Root:          t.TempDir(),
		Listing:       strategy.Listing{URL: up.srv.URL},
		HTTP:          HTTPConfig{BreakerThreshold: 2, BreakerReset: time.Hour},
		DisableRunLog: true,
	}, quiet(), WithSleep(noSleep), WithIDGenerator(idgen.Sequence("run_")))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })

	req := baseRequest("AAPL")
	req.Listing.Credentials = []string{"only"}
	req.Retry = RetrySpec{MaxAttempts: 2}
	rep, err := e.Fetch(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Count(progress.Failed) != 1 || rep.ItemsFailed != 4 {
		t.Fatalf("report: %+v", rep)
	}
	if got := up.hits.Load(); got != 2 {
		t.Fatalf("requests sent = %d, want 2", got)
	}
	if st := e.Credentials()[0].Credentials[0]; st.Breaker != "open" {
		t.Fatalf("credential status: %+v", st)
	}
}

func TestClean_RequiresConfirmation(t *testing.T) {
	// WHAT: Clean without confirmation refuses and keeps artifacts.
	// WHY: Clearing the artifact tree is guarded.
	up := newUpstream(t)
	e, _ := newEngine(t, up.srv.URL)
	if _, err := e.Fetch(context.Background(), baseRequest("AAPL")); err != nil {
		t.Fatal(err)
	}
	if err := e.Clean(false); !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("err = %v", err)
	}
	if len(rawNames(t, e)) != 4 {
		t.Fatal("artifacts removed without confirmation")
	}
	if _, err := os.Stat(e.store.Path(artifact.DirLogs, "runs.db")); err != nil {
		t.Fatalf("run log: %v", err)
	}
	if err := e.Clean(true); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(e.store.Path(artifact.DirLogs, "runs.db")); err != nil {
		t.Fatalf("clean removed logs: %v", err)
	}
}

func TestStart_RejectsConcurrentRun(t *testing.T) {
	// WHAT: A second run while one is active, then cancellation.
	// WHY: One artifact-tree operation at a time.
	release := make(chan struct{})
	up := newUpstream(t)
	up.fail = func(*http.Request) int {
		<-release
		return 0
	}
	e, _ := newEngine(t, up.srv.URL)
	req := baseRequest("AAPL")

	id, err := e.Start(context.Background(), req)
	if err != nil || id != "run_0001" {
		t.Fatalf("start: id=%q err=%v", id, err)
	}
	if _, err := e.Fetch(context.Background(), req); !errors.Is(err, ErrRunning) {
		t.Fatalf("second fetch err = %v", err)
	}
	if _, err := e.Merge(""); !errors.Is(err, ErrRunning) {
		t.Fatalf("merge err = %v", err)
	}
	if !e.Cancel() {
		t.Fatal("cancel found no run")
	}
	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for e.Running() {
		if time.Now().After(deadline) {
			t.Fatal("run did not stop")
		}
		time.Sleep(10 * time.Millisecond)
	}
	runs, err := e.Runs(context.Background(), 10)
	if err != nil || len(runs) != 1 || runs[0].Outcome != "cancelled" {
		t.Fatalf("runs = %+v err=%v", runs, err)
	}
}

func TestMerge_NoNetwork(t *testing.T) {
	// WHAT: Merge over hand-placed raw artifacts.
	// WHY: Re-aggregation never calls upstream.
	e, _ := newEngine(t, "http://127.0.0.1:1")
	body := `{"entity_id":"TSLA","variant":"TSLA","variant_index":0,"from":"20240101","to":"20240107",` +
		`"fetched_at":"2024-01-08T00:00:00Z","results":[{"id":"1"},{"id":"2"},{"id":"1"}]}`
	if err := e.store.WriteRaw(artifact.Key{EntityID: "TSLA", SegmentID: "20240101-20240107"}, []byte(body)); err != nil {
		t.Fatal(err)
	}
	rep, err := e.Merge("latest")
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Entities) != 1 || rep.Records != 2 || rep.Duplicates != 1 {
		t.Fatalf("merge = %+v", rep)
	}
	if _, err := e.Merge("bogus"); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("bad policy err = %v", err)
	}
	ids := []string{}
	for _, row := range readCSV(t, e, "TSLA")[1:] {
		ids = append(ids, row[0])
	}
	sort.Strings(ids)
	if strings.Join(ids, ",") != "1,2" {
		t.Fatalf("ids = %v", ids)
	}
}
