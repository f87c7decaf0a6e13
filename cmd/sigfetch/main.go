// CLAUDE:SUMMARY CLI entry point for sigfetch: fetch, merge, clean, failures, serve (HTTP API + cron) and mcp (stdio).
// Command sigfetch runs credentialed, segmented HTTP ingestion jobs.
//
// Usage:
//
//	sigfetch fetch -config job.yaml [-entities AAPL,MSFT -from 2024-01-01 -to 2024-01-14 ...]
//	sigfetch merge -root data
//	sigfetch clean -root data -yes
//	sigfetch failures -root data [-clear MSFT | -clear-all]
//	sigfetch serve -config job.yaml -addr :8090 [-cron "0 6 * * 1-5"]
//	sigfetch mcp -root data
//
// Exit codes: 0 every entity succeeded, 1 partial, failed or cancelled
// run, 2 fatal (configuration error or bad flags).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/sigfetch/ingest"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(ingest.ExitFatal)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1], os.Args[2:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: sigfetch <fetch|merge|clean|failures|serve|mcp> [flags]")
}

func run(ctx context.Context, cmd string, args []string, stdout, stderr io.Writer) int {
	switch cmd {
	case "fetch":
		return runFetch(ctx, args, stdout, stderr)
	case "merge":
		return runMerge(args, stdout, stderr)
	case "clean":
		return runClean(args, stdout, stderr)
	case "failures":
		return runFailures(args, stdout, stderr)
	case "serve":
		return runServe(ctx, args, stderr)
	case "mcp":
		return runMCP(ctx, args, stderr)
	case "-h", "-help", "--help", "help":
		usage(stdout)
		return ingest.ExitOK
	}
	fmt.Fprintf(stderr, "sigfetch: unknown command %q\n", cmd)
	usage(stderr)
	return ingest.ExitFatal
}

// common holds the flags every command takes.
type common struct {
	config   *string
	root     *string
	logLevel *string
}

func commonFlags(fs *flag.FlagSet) common {
	return common{
		config:   fs.String("config", "", "path to the YAML job file"),
		root:     fs.String("root", "", "artifact root (overrides the job file)"),
		logLevel: fs.String("log-level", "info", "log level: debug, info, warn, error"),
	}
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func (c common) load() (*ingest.Config, error) {
	cfg := &ingest.Config{}
	if *c.config != "" {
		loaded, err := ingest.LoadConfigFile(*c.config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if *c.root != "" {
		cfg.Root = *c.root
		cfg.Job.ArtifactRoot = ""
	}
	if cfg.Root == "" && cfg.Job.ArtifactRoot != "" {
		cfg.Root = cfg.Job.ArtifactRoot
	}
	return cfg, nil
}

func parseFlags(fs *flag.FlagSet, args []string) bool {
	return fs.Parse(args) == nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func runFetch(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	c := commonFlags(fs)
	entities := fs.String("entities", "", "comma-separated entity ids")
	variants := fs.String("variants", "", "comma-separated default variants (\"+Stock\" appends to the entity name)")
	from := fs.String("from", "", "window start, YYYY-MM-DD")
	to := fs.String("to", "", "window end, YYYY-MM-DD")
	segmentDays := fs.Int("segment-days", 7, "segment size in days")
	workers := fs.Int("workers", 4, "max workers (capped at 8)")
	delay := fs.Duration("delay", 250*time.Millisecond, "pause between two calls of a worker")
	keys := fs.String("listing-keys", "", "comma-separated listing credentials")
	keysFile := fs.String("listing-keys-file", "", "file with one listing credential per line")
	perKey := fs.Int("per-key", 0, "entities per listing credential before rotation (0: unlimited)")
	resume := fs.Bool("resume", false, "skip plan items whose raw artifact exists")
	dedup := fs.String("dedup", "", "duplicate policy: first or latest")
	listingURL := fs.String("listing-url", "", "listing endpoint (overrides the job file)")
	pgDSN := fs.String("pg-dsn", "", "export CSV rows to this Postgres DSN")
	if !parseFlags(fs, args) {
		return ingest.ExitFatal
	}
	logger := newLogger(*c.logLevel, stderr)

	cfg, err := c.load()
	if err != nil {
		logger.Error("sigfetch: config", "error", err)
		return ingest.ExitFatal
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	req := cfg.Job
	if set["entities"] {
		req.Entities = nil
		for _, id := range splitList(*entities) {
			req.Entities = append(req.Entities, ingest.Entity{ID: id})
		}
	}
	if set["variants"] {
		req.DefaultVariants = splitList(*variants)
	}
	if set["from"] {
		req.From = *from
	}
	if set["to"] {
		req.To = *to
	}
	if set["segment-days"] {
		req.SegmentDays = *segmentDays
	}
	if set["workers"] {
		req.MaxWorkers = *workers
	}
	if set["delay"] {
		req.InterCallDelay = *delay
		if *delay == 0 {
			req.InterCallDelay = -1
		}
	}
	if set["listing-keys"] {
		req.Listing.Credentials = splitList(*keys)
	}
	if set["listing-keys-file"] {
		req.Listing.CredentialsFile = *keysFile
	}
	if set["per-key"] {
		req.Listing.EntitiesPerCredential = *perKey
	}
	if set["resume"] {
		req.Resume = *resume
	}
	if set["dedup"] {
		req.Dedup = *dedup
	}
	if set["listing-url"] {
		cfg.Listing.URL = *listingURL
	}
	if set["pg-dsn"] {
		cfg.Postgres.DSN = *pgDSN
	}

	e, err := ingest.New(*cfg, logger)
	if err != nil {
		logger.Error("sigfetch: init", "error", err)
		return ingest.ExitFatal
	}
	defer e.Close()

	rep, err := e.Fetch(ctx, req)
	if err != nil {
		logger.Error("sigfetch: fetch", "error", err, "kind", ingest.KindOf(err))
	}
	if rep != nil {
		printJSON(stdout, rep)
	}
	return ingest.ExitCode(rep, err)
}

func runMerge(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("merge", flag.ContinueOnError)
	fs.SetOutput(stderr)
	c := commonFlags(fs)
	dedup := fs.String("dedup", "", "duplicate policy: first or latest")
	if !parseFlags(fs, args) {
		return ingest.ExitFatal
	}
	logger := newLogger(*c.logLevel, stderr)
	e, ok := open(c, logger)
	if !ok {
		return ingest.ExitFatal
	}
	defer e.Close()

	rep, err := e.Merge(*dedup)
	if err != nil {
		logger.Error("sigfetch: merge", "error", err)
		return ingest.ExitFatal
	}
	printJSON(stdout, rep)
	return ingest.ExitOK
}

func runClean(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("clean", flag.ContinueOnError)
	fs.SetOutput(stderr)
	c := commonFlags(fs)
	yes := fs.Bool("yes", false, "confirm removal of raw/, merged/ and csv/")
	if !parseFlags(fs, args) {
		return ingest.ExitFatal
	}
	logger := newLogger(*c.logLevel, stderr)
	if !*yes {
		fmt.Fprintln(stderr, "sigfetch: clean removes raw/, merged/ and csv/; rerun with -yes to confirm")
		return ingest.ExitFatal
	}
	e, ok := open(c, logger)
	if !ok {
		return ingest.ExitFatal
	}
	defer e.Close()

	if err := e.Clean(true); err != nil {
		logger.Error("sigfetch: clean", "error", err)
		return ingest.ExitFatal
	}
	fmt.Fprintf(stdout, "cleaned %s\n", e.Root())
	return ingest.ExitOK
}

func runFailures(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("failures", flag.ContinueOnError)
	fs.SetOutput(stderr)
	c := commonFlags(fs)
	clearOne := fs.String("clear", "", "remove one entity from the failure ledger")
	clearAll := fs.Bool("clear-all", false, "empty the failure ledger")
	if !parseFlags(fs, args) {
		return ingest.ExitFatal
	}
	logger := newLogger(*c.logLevel, stderr)
	e, ok := open(c, logger)
	if !ok {
		return ingest.ExitFatal
	}
	defer e.Close()

	switch {
	case *clearAll:
		n, err := e.ClearFailures()
		if err != nil {
			logger.Error("sigfetch: clear failures", "error", err)
			return ingest.ExitFatal
		}
		fmt.Fprintf(stdout, "cleared %d entities\n", n)
	case *clearOne != "":
		found, err := e.ClearFailure(*clearOne)
		if err != nil {
			logger.Error("sigfetch: clear failure", "entity", *clearOne, "error", err)
			return ingest.ExitFatal
		}
		if !found {
			fmt.Fprintf(stdout, "%s is not in the failure ledger\n", *clearOne)
			return ingest.ExitNotOK
		}
		fmt.Fprintf(stdout, "cleared %s\n", *clearOne)
	default:
		printJSON(stdout, e.Failures())
	}
	return ingest.ExitOK
}

func runServe(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	c := commonFlags(fs)
	addr := fs.String("addr", ":8090", "HTTP listen address")
	cronSpec := fs.String("cron", "", "run the job on this 5-field cron spec")
	tz := fs.String("tz", "", "cron timezone (default UTC)")
	if !parseFlags(fs, args) {
		return ingest.ExitFatal
	}
	logger := newLogger(*c.logLevel, stderr)

	cfg, err := c.load()
	if err != nil {
		logger.Error("sigfetch: config", "error", err)
		return ingest.ExitFatal
	}
	if *cronSpec != "" {
		cfg.Schedule.Cron = *cronSpec
	}
	if *tz != "" {
		cfg.Schedule.Timezone = *tz
	}
	e, err := ingest.New(*cfg, logger)
	if err != nil {
		logger.Error("sigfetch: init", "error", err)
		return ingest.ExitFatal
	}
	defer e.Close()

	sched, err := e.Schedule(ctx)
	if err != nil {
		logger.Error("sigfetch: schedule", "error", err)
		return ingest.ExitFatal
	}
	if sched != nil {
		sched.Start()
		defer sched.Stop()
		logger.Info("sigfetch: schedule started", "cron", cfg.Schedule.Cron, "next", sched.Next())
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Mount("/", e.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("sigfetch: server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		logger.Error("sigfetch: server", "error", err)
		return ingest.ExitFatal
	}
	logger.Info("sigfetch: shutting down")
	e.Cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("sigfetch: shutdown", "error", err)
	}
	return ingest.ExitOK
}

func runMCP(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
	fs.SetOutput(stderr)
	c := commonFlags(fs)
	if !parseFlags(fs, args) {
		return ingest.ExitFatal
	}
	logger := newLogger(*c.logLevel, stderr)
	e, ok := open(c, logger)
	if !ok {
		return ingest.ExitFatal
	}
	defer e.Close()

	srv := mcp.NewServer(&mcp.Implementation{Name: "sigfetch", Version: version}, nil)
	e.RegisterMCP(srv)
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		logger.Error("sigfetch: mcp", "error", err)
		return ingest.ExitFatal
	}
	return ingest.ExitOK
}

func open(c common, logger *slog.Logger) (*ingest.Engine, bool) {
	cfg, err := c.load()
	if err != nil {
		logger.Error("sigfetch: config", "error", err)
		return nil, false
	}
	e, err := ingest.New(*cfg, logger)
	if err != nil {
		logger.Error("sigfetch: init", "error", err)
		return nil, false
	}
	return e, true
}
