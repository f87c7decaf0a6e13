// CLAUDE:SUMMARY Single outbound HTTP call with 429 exponential backoff, transient retry, one decode retry, and per-credential breaker.
// Package httpcall performs one outbound request with bounded retries and
// returns a structured Result instead of an error for upstream failures.
//
// Retry policy:
//   - transport error or empty 2xx body: retriable
//   - 429: retriable after BaseBackoff × 2^attempt (Retry-After honoured when larger)
//   - any other non-2xx: not retried, body kept (truncated) as diagnostic
//   - 2xx failing the Decode check: one extra attempt, then DecodeFailure
package httpcall

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hazyhaar/sigfetch/kit"
)

// Kind classifies a failed call.
type Kind string

const (
	KindNone              Kind = ""
	KindTransientUpstream Kind = "transient_upstream"
	KindPermanentUpstream Kind = "permanent_upstream"
	KindDecodeFailure     Kind = "decode_failure"
)

// ErrCircuitOpen is reported when the breaker for a credential is open.
var ErrCircuitOpen = errors.New("httpcall: circuit open")

// MaxDiagnostic caps the body kept on a permanent failure.
const MaxDiagnostic = 512

// Request describes one logical call.
type Request struct {
	Method      string
	URL         string
	Header      http.Header
	Body        []byte
	MaxAttempts int           // default 4
	BaseBackoff time.Duration // default 1s
	// Decode validates a 2xx body. A non-nil error triggers the decode retry.
	Decode func([]byte) error
	// Key scopes the circuit breaker (usually the credential index).
	Key string
}

// Result is the structured outcome of Call.
type Result struct {
	OK       bool
	Status   int
	Body     []byte
	Attempts int
	Kind     Kind
	Err      error
}

// Retried reports whether more than one attempt was issued.
func (r Result) Retried() bool { return r.Attempts > 1 }

// Diagnostic returns a short human-readable failure description.
func (r Result) Diagnostic() string {
	switch {
	case r.OK:
		return ""
	case r.Err != nil && r.Status > 0:
		return fmt.Sprintf("%s: http %d: %v", r.Kind, r.Status, r.Err)
	case r.Err != nil:
		return fmt.Sprintf("%s: %v", r.Kind, r.Err)
	default:
		return fmt.Sprintf("%s: http %d", r.Kind, r.Status)
	}
}

// Config configures a Caller.
type Config struct {
	// Timeout is the hard transport timeout per attempt. Default: 30s.
	Timeout time.Duration
	// MaxBackoff caps a single wait. Default: 1 minute.
	MaxBackoff time.Duration
	// MaxBytes caps the response body read. Default: 10MB.
	MaxBytes int64
	// UserAgent sent with requests.
	UserAgent string
	// BreakerThreshold is the consecutive transient failures that open a
	// credential's circuit. 0 disables. Default set by the engine: 8.
	BreakerThreshold int
	// BreakerReset is how long a circuit stays open. Default: 30s.
	BreakerReset time.Duration
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "sigfetch/1.0"
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 30 * time.Second
	}
}

// Caller issues requests. Safe for concurrent use.
type Caller struct {
	client   *http.Client
	config   Config
	breakers *Breakers
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration) error
}

// Option configures a Caller.
type Option func(*Caller)

// WithClient replaces the HTTP client (its Timeout is overwritten by Config.Timeout).
func WithClient(c *http.Client) Option { return func(cl *Caller) { cl.client = c } }

// WithSleep replaces the backoff sleeper (tests).
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(cl *Caller) { cl.sleep = fn }
}

// New creates a Caller.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Caller {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	c := &Caller{
		client:   &http.Client{},
		config:   cfg,
		breakers: NewBreakers(cfg.BreakerThreshold, cfg.BreakerReset),
		logger:   logger,
		sleep:    sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	c.client.Timeout = cfg.Timeout
	return c
}

// Breakers exposes the breaker set for status reporting.
func (c *Caller) Breakers() *Breakers { return c.breakers }

// Call runs req until it succeeds, fails permanently, or exhausts its attempts.
func (c *Caller) Call(ctx context.Context, req Request) Result {
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	base := req.BaseBackoff
	if base <= 0 {
		base = time.Second
	}

	res := Result{Kind: KindTransientUpstream}
	decodeRetried := false
	for attempt := 0; attempt < maxAttempts || (res.Kind == KindDecodeFailure && !decodeRetried); attempt++ {
		if res.Kind == KindDecodeFailure {
			decodeRetried = true
		}
		if !c.breakers.Allow(req.Key) {
			res.Kind, res.Err = KindTransientUpstream, ErrCircuitOpen
			return res
		}

		res.Attempts++
		status, header, body, err := c.do(ctx, req)
		res.Status = status

		var wait time.Duration
		switch {
		case err != nil:
			res.Kind, res.Err = KindTransientUpstream, err
			wait = backoff(base, c.config.MaxBackoff, attempt)
		case status == http.StatusTooManyRequests:
			res.Kind, res.Err = KindTransientUpstream, fmt.Errorf("rate limited")
			wait = backoff(base, c.config.MaxBackoff, attempt)
			if ra := retryAfter(header); ra > wait {
				wait = ra
			}
		case status < 200 || status > 299:
			c.breakers.Success(req.Key)
			res.Kind = KindPermanentUpstream
			res.Body = truncate(body, MaxDiagnostic)
			res.Err = fmt.Errorf("upstream status %d: %s", status, bytes.TrimSpace(res.Body))
			return res
		case len(bytes.TrimSpace(body)) == 0:
			res.Kind, res.Err = KindTransientUpstream, fmt.Errorf("empty body")
			wait = backoff(base, c.config.MaxBackoff, attempt)
		default:
			if req.Decode != nil {
				if derr := req.Decode(body); derr != nil {
					c.breakers.Success(req.Key)
					res.Kind, res.Err = KindDecodeFailure, derr
					res.Body = truncate(body, MaxDiagnostic)
					if decodeRetried {
						return res
					}
					c.logger.WarnContext(ctx, "httpcall: decode failed, retrying once",
						"run_id", kit.GetRunID(ctx), "url", req.URL, "error", derr)
					continue
				}
			}
			c.breakers.Success(req.Key)
			return Result{OK: true, Status: status, Body: body, Attempts: res.Attempts}
		}

		c.breakers.Failure(req.Key)
		if attempt+1 >= maxAttempts {
			break
		}
		if wait > c.config.MaxBackoff {
			wait = c.config.MaxBackoff
		}
		c.logger.WarnContext(ctx, "httpcall: retrying",
			"run_id", kit.GetRunID(ctx), "url", req.URL, "status", status, "attempt", attempt+1,
			"max_attempts", maxAttempts, "backoff_ms", wait.Milliseconds(), "error", res.Err)
		if err := c.sleep(ctx, wait); err != nil {
			res.Err = fmt.Errorf("%w (backoff interrupted: %v)", res.Err, err)
			return res
		}
	}
	return res
}

// do issues one attempt. The body is always closed.
func (c *Caller) do(ctx context.Context, req Request) (int, http.Header, []byte, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var rdr io.Reader
	if len(req.Body) > 0 {
		rdr = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, rdr)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("new request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if hreq.Header.Get("User-Agent") == "" {
		hreq.Header.Set("User-Agent", c.config.UserAgent)
	}
	if hreq.Header.Get("Accept") == "" {
		hreq.Header.Set("Accept", "application/json")
	}

	resp, err := c.client.Do(hreq)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBytes))
	if err != nil {
		return resp.StatusCode, resp.Header, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

// backoff returns base × 2^attempt, capped at limit before it can overflow.
func backoff(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for range attempt {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	return min(d, limit)
}

func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	s := h.Get("Retry-After")
	if s == "" {
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return 0
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
