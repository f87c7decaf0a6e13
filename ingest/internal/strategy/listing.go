// CLAUDE:SUMMARY Listing and enrichment upstream strategies: request building, credential placement, dot-path result walking, text normalization.
// Package strategy turns plan items and record ids into httpcall requests
// for the two upstream roles of a job:
//
//   - Listing: one call per plan item, returns an array of records
//   - Enrichment: one call per record id, returns a text body
//
// Neither strategy performs I/O; the dispatcher sends what they build.
package strategy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hazyhaar/sigfetch/ingest/internal/credential"
	"github.com/hazyhaar/sigfetch/ingest/internal/httpcall"
	"github.com/hazyhaar/sigfetch/ingest/internal/plan"
)

// ErrNoURL is returned when a strategy has no endpoint configured.
var ErrNoURL = errors.New("strategy: url is required")

// Placement says where a credential goes on the request.
type Placement struct {
	Header string `yaml:"header" json:"header,omitempty"` // default "Authorization"
	Prefix string `yaml:"prefix" json:"prefix,omitempty"` // e.g. "Bearer "
	Query  string `yaml:"query" json:"query,omitempty"`   // query parameter; overrides Header
}

func (p Placement) apply(h http.Header, q url.Values, secret string) {
	if secret == "" {
		return
	}
	if p.Query != "" {
		q.Set(p.Query, secret)
		return
	}
	name := p.Header
	if name == "" {
		name = "Authorization"
	}
	h.Set(name, p.Prefix+secret)
}

// Listing describes the record-listing endpoint.
type Listing struct {
	URL        string            `yaml:"url" json:"url"`
	Method     string            `yaml:"method" json:"method,omitempty"`
	QueryParam string            `yaml:"query_param" json:"query_param,omitempty"` // default "query"
	FromParam  string            `yaml:"from_param" json:"from_param,omitempty"`   // default "from"
	ToParam    string            `yaml:"to_param" json:"to_param,omitempty"`       // default "to"
	LimitParam string            `yaml:"limit_param" json:"limit_param,omitempty"` // default "limit"
	DateLayout string            `yaml:"date_layout" json:"date_layout,omitempty"` // default "2006-01-02"
	Limit      int               `yaml:"limit" json:"limit,omitempty"`             // per request; 0 omits the param
	Credential Placement         `yaml:"credential" json:"credential"`
	Params     map[string]string `yaml:"params" json:"params,omitempty"`
	ResultPath string            `yaml:"result_path" json:"result_path,omitempty"` // default "results"
	IDField    string            `yaml:"id_field" json:"id_field,omitempty"`       // default "id"
}

// WithDefaults returns l with zero fields filled.
func (l Listing) WithDefaults() Listing {
	if l.Method == "" {
		l.Method = http.MethodGet
	}
	if l.QueryParam == "" {
		l.QueryParam = "query"
	}
	if l.FromParam == "" {
		l.FromParam = "from"
	}
	if l.ToParam == "" {
		l.ToParam = "to"
	}
	if l.LimitParam == "" {
		l.LimitParam = "limit"
	}
	if l.DateLayout == "" {
		l.DateLayout = "2006-01-02"
	}
	if l.ResultPath == "" {
		l.ResultPath = "results"
	}
	if l.IDField == "" {
		l.IDField = "id"
	}
	return l
}

// Validate checks the fields that cannot be defaulted.
func (l Listing) Validate() error {
	if strings.TrimSpace(l.URL) == "" {
		return ErrNoURL
	}
	if _, err := url.Parse(l.URL); err != nil {
		return fmt.Errorf("strategy: listing url: %w", err)
	}
	return nil
}

// Request builds the call for one plan item. l must carry defaults.
func (l Listing) Request(item plan.Item, cred credential.Credential, pool string) (httpcall.Request, error) {
	u, err := url.Parse(l.URL)
	if err != nil {
		return httpcall.Request{}, fmt.Errorf("strategy: listing url: %w", err)
	}
	q := u.Query()
	for k, v := range l.Params {
		q.Set(k, v)
	}
	q.Set(l.QueryParam, item.Variant)
	q.Set(l.FromParam, item.Segment.From.Format(l.DateLayout))
	q.Set(l.ToParam, item.Segment.To.Format(l.DateLayout))
	if l.Limit > 0 {
		q.Set(l.LimitParam, strconv.Itoa(l.Limit))
	}
	h := http.Header{}
	l.Credential.apply(h, q, cred.Value)
	u.RawQuery = q.Encode()

	return httpcall.Request{
		Method: l.Method,
		URL:    u.String(),
		Header: h,
		Decode: l.Check,
		Key:    BreakerKey(pool, cred),
	}, nil
}

// BreakerKey scopes the circuit breaker to one credential of one pool.
func BreakerKey(pool string, cred credential.Credential) string {
	return pool + "/" + strconv.Itoa(cred.Index)
}

// Check reports whether body is JSON whose ResultPath is an array.
func (l Listing) Check(body []byte) error {
	_, err := l.items(body)
	return err
}

// Records decodes the record objects at ResultPath. Numbers stay
// json.Number so they round-trip verbatim. Non-object items are dropped.
func (l Listing) Records(body []byte) ([]map[string]any, error) {
	items, err := l.items(body)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		if obj, ok := it.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (l Listing) items(body []byte) ([]any, error) {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("strategy: json decode: %w", err)
	}
	items, err := walkPath(raw, l.ResultPath)
	if err != nil {
		return nil, fmt.Errorf("strategy: walk path %q: %w", l.ResultPath, err)
	}
	return items, nil
}

// walkPath follows a dot-notation path and returns the array found there.
// An empty path requires the root itself to be an array.
func walkPath(v any, path string) ([]any, error) {
	cur, err := lookup(v, path)
	if err != nil {
		return nil, err
	}
	arr, ok := cur.([]any)
	if !ok {
		if path == "" {
			return nil, fmt.Errorf("root is not an array")
		}
		return nil, fmt.Errorf("path %q is not an array", path)
	}
	return arr, nil
}

func lookup(v any, path string) (any, error) {
	if path == "" {
		return v, nil
	}
	cur := v
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object at %q, got %T", part, cur)
		}
		cur, ok = obj[part]
		if !ok {
			return nil, fmt.Errorf("key %q not found", part)
		}
	}
	return cur, nil
}

// RecordID returns the record's id as a string, or "" when absent.
func RecordID(rec map[string]any, field string) string {
	v, ok := rec[field]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
