package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	readability "github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/sigfetch/ingest/internal/credential"
	"github.com/hazyhaar/sigfetch/ingest/internal/httpcall"
)

// Enrichment describes the optional per-record text endpoint.
type Enrichment struct {
	URL         string    `yaml:"url" json:"url"` // "{id}" is replaced by the escaped record id
	Method      string    `yaml:"method" json:"method,omitempty"`
	Credential  Placement `yaml:"credential" json:"credential"`
	TextField   string    `yaml:"text_field" json:"text_field,omitempty"` // dot path in JSON bodies; default "text"
	MaxAttempts int       `yaml:"max_attempts" json:"max_attempts,omitempty"`
	MaxChars    int       `yaml:"max_chars" json:"max_chars,omitempty"` // default 4000
}

// Enabled reports whether an enrichment endpoint is configured.
func (e Enrichment) Enabled() bool { return strings.TrimSpace(e.URL) != "" }

// WithDefaults returns e with zero fields filled.
func (e Enrichment) WithDefaults() Enrichment {
	if e.Method == "" {
		e.Method = http.MethodGet
	}
	if e.TextField == "" {
		e.TextField = "text"
	}
	if e.MaxChars <= 0 {
		e.MaxChars = 4000
	}
	return e
}

// Request builds the call for one record.
func (e Enrichment) Request(recordID string, cred credential.Credential, pool string) (httpcall.Request, error) {
	raw := strings.ReplaceAll(e.URL, "{id}", url.PathEscape(recordID))
	u, err := url.Parse(raw)
	if err != nil {
		return httpcall.Request{}, fmt.Errorf("strategy: enrichment url: %w", err)
	}
	q := u.Query()
	h := http.Header{}
	h.Set("Accept", "application/json, text/html;q=0.9")
	e.Credential.apply(h, q, cred.Value)
	u.RawQuery = q.Encode()
	return httpcall.Request{
		Method:      e.Method,
		URL:         u.String(),
		Header:      h,
		MaxAttempts: e.MaxAttempts,
		Key:         BreakerKey(pool, cred),
	}, nil
}

// Normalizer turns an enrichment body into plain text or markdown.
type Normalizer struct {
	md     *converter.Converter
	ugc    *bluemonday.Policy
	strict *bluemonday.Policy
}

// NewNormalizer creates a Normalizer. Safe for concurrent use.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		ugc:    bluemonday.UGCPolicy(),
		strict: bluemonday.StrictPolicy(),
	}
}

// Text extracts the enrichment text from body.
//
// JSON bodies: the string at e.TextField. HTML bodies: readability's main
// text, else the UGC-sanitized page converted to markdown, else the page
// with every tag stripped. The result is cut to e.MaxChars runes.
func (n *Normalizer) Text(e Enrichment, body []byte, pageURL string) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("strategy: empty enrichment body")
	}

	var text string
	if trimmed[0] == '{' || trimmed[0] == '[' {
		var raw any
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return "", fmt.Errorf("strategy: enrichment json: %w", err)
		}
		v, err := lookup(raw, e.TextField)
		if err != nil {
			return "", fmt.Errorf("strategy: enrichment field %q: %w", e.TextField, err)
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("strategy: enrichment field %q is %T, not a string", e.TextField, v)
		}
		text = s
		if looksHTML(s) {
			text = n.html(s, pageURL)
		}
	} else {
		text = n.html(string(trimmed), pageURL)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("strategy: enrichment produced no text")
	}
	return truncateRunes(text, e.MaxChars), nil
}

func (n *Normalizer) html(page, pageURL string) string {
	u, _ := url.Parse(pageURL)
	if article, err := readability.FromReader(strings.NewReader(page), u); err == nil {
		if s := strings.TrimSpace(article.TextContent); s != "" {
			return s
		}
	}
	clean := n.ugc.Sanitize(page)
	if md, err := n.md.ConvertString(clean, converter.WithDomain(pageURL)); err == nil {
		if s := strings.TrimSpace(md); s != "" {
			return s
		}
	}
	return strings.TrimSpace(n.strict.Sanitize(page))
}

func looksHTML(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "<") && strings.Contains(s, ">")
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
