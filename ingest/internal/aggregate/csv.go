package aggregate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// BaseColumns lead every CSV, in this order.
var BaseColumns = []string{
	"record_id", "created_at", "text", "language",
	"like_count", "share_count", "reply_count", "view_count",
}

// ProvenanceColumns follow the user_ columns.
var ProvenanceColumns = []string{"entity_id", "variant", "from", "to"}

// EnrichmentColumn is appended when any record carries enrichment.
const EnrichmentColumn = "enrichment"

// aliases lists the upstream field names tried for each base column.
// Dotted names walk nested objects.
var aliases = map[string][]string{
	"record_id":   {"id", "id_str"},
	"created_at":  {"created_at", "createdAt", "date", "published_at"},
	"text":        {"text", "full_text", "title"},
	"language":    {"lang", "language"},
	"like_count":  {"like_count", "favorite_count", "likes", "public_metrics.like_count"},
	"share_count": {"share_count", "retweet_count", "shares", "public_metrics.retweet_count"},
	"reply_count": {"reply_count", "replies", "public_metrics.reply_count"},
	"view_count":  {"view_count", "views", "public_metrics.impression_count"},
}

// recordID resolves a record's id through idField then the id aliases.
func recordID(rec map[string]any, idField string) string {
	if idField != "" {
		if v, ok := lookup(rec, idField); ok {
			if s := cell(v); s != "" {
				return s
			}
		}
	}
	for _, name := range aliases["record_id"] {
		if v, ok := lookup(rec, name); ok {
			if s := cell(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// Flatten projects merged records onto the CSV schema:
//
//	record_id, created_at, text, language, like_count, share_count,
//	reply_count, view_count, user_<k>... (sorted), entity_id, variant,
//	from, to[, enrichment]
//
// Missing fields are empty strings.
func Flatten(records []map[string]any, idField string) ([]string, [][]string) {
	userKeys := map[string]bool{}
	enriched := false
	for _, rec := range records {
		if u, ok := rec["user"].(map[string]any); ok {
			for k := range u {
				userKeys[k] = true
			}
		}
		if v, ok := rec[EnrichmentColumn]; ok && cell(v) != "" {
			enriched = true
		}
	}
	users := make([]string, 0, len(userKeys))
	for k := range userKeys {
		users = append(users, k)
	}
	sort.Strings(users)

	header := append([]string{}, BaseColumns...)
	for _, k := range users {
		header = append(header, "user_"+k)
	}
	header = append(header, ProvenanceColumns...)
	if enriched {
		header = append(header, EnrichmentColumn)
	}

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		row := make([]string, 0, len(header))
		row = append(row, recordID(rec, idField))
		for _, col := range BaseColumns[1:] {
			row = append(row, first(rec, aliases[col]))
		}
		u, _ := rec["user"].(map[string]any)
		for _, k := range users {
			row = append(row, cell(u[k]))
		}
		p := provenanceOf(rec)
		row = append(row, p.EntityID, p.Variant, p.From, p.To)
		if enriched {
			row = append(row, cell(rec[EnrichmentColumn]))
		}
		rows = append(rows, row)
	}
	return header, rows
}

func first(rec map[string]any, names []string) string {
	for _, n := range names {
		if v, ok := lookup(rec, n); ok && v != nil {
			return cell(v)
		}
	}
	return ""
}

func lookup(rec map[string]any, path string) (any, bool) {
	if v, ok := rec[path]; ok {
		return v, true
	}
	if !strings.Contains(path, ".") {
		return nil, false
	}
	var cur any = rec
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func provenanceOf(rec map[string]any) Provenance {
	switch p := rec["provenance"].(type) {
	case Provenance:
		return p
	case map[string]any:
		return Provenance{
			EntityID: cell(p["entity_id"]),
			Variant:  cell(p["variant"]),
			From:     cell(p["from"]),
			To:       cell(p["to"]),
		}
	}
	return Provenance{}
}

// cell renders one JSON value as a CSV cell. Numbers keep their source
// text; objects and arrays are compact JSON.
func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
