// Package ledger persists the entities whose last fetch produced no
// successful plan item.
//
// File format, one entity per line, CSV-quoted:
//
//	<entity_id>,<RFC3339 timestamp>,<reason>
//
// Every mutation rewrites the whole file atomically. The ledger is for
// display; the dispatcher never consults it.
package ledger

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/sigfetch/ingest/internal/artifact"
)

// FileName is the ledger's path relative to the artifact root.
const FileName = "failed_entities.txt"

// Record is one failed entity.
type Record struct {
	EntityID  string    `json:"entity_id"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// Ledger is a file-backed failure list. Safe for concurrent use.
type Ledger struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]Record
}

// Open loads the ledger at path, creating nothing until the first write.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{path: path, logger: logger, now: time.Now, entries: map[string]Record{}}
	if err := l.Load(); err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the backing file.
func (l *Ledger) Path() string { return l.path }

// Load replaces the in-memory state with the file content. A missing file
// is an empty ledger; malformed lines are skipped.
func (l *Ledger) Load() error {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		l.mu.Lock()
		l.entries = map[string]Record{}
		l.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger: read: %w", err)
	}

	entries := map[string]Record{}
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	for {
		fields, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			l.logger.Warn("ledger: skipping malformed line", "path", l.path, "error", err)
			continue
		}
		if len(fields) < 2 || strings.TrimSpace(fields[0]) == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, fields[1])
		if err != nil {
			l.logger.Warn("ledger: bad timestamp", "entity", fields[0], "value", fields[1])
			continue
		}
		rec := Record{EntityID: fields[0], Timestamp: ts}
		if len(fields) > 2 {
			rec.Reason = strings.Join(fields[2:], ",")
		}
		entries[rec.EntityID] = rec
	}

	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
	return nil
}

// Record adds entity, replacing any prior entry.
func (l *Ledger) Record(entity, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[entity] = Record{
		EntityID:  entity,
		Timestamp: l.now().UTC().Truncate(time.Second),
		Reason:    oneLine(reason),
	}
	return l.flushLocked()
}

// Clear removes entity. Returns false if it was not listed.
func (l *Ledger) Clear(entity string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[entity]; !ok {
		return false, nil
	}
	delete(l.entries, entity)
	return true, l.flushLocked()
}

// ClearAll empties the ledger. Returns the number removed.
func (l *Ledger) ClearAll() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.entries)
	l.entries = map[string]Record{}
	return n, l.flushLocked()
}

// Has reports whether entity is listed.
func (l *Ledger) Has(entity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[entity]
	return ok
}

// List returns every record sorted by entity id.
func (l *Ledger) List() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, len(l.entries))
	for _, r := range l.entries {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

func (l *Ledger) flushLocked() error {
	ids := make([]string, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, id := range ids {
		r := l.entries[id]
		w.Write([]string{r.EntityID, r.Timestamp.Format(time.RFC3339), r.Reason})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("ledger: encode: %w", err)
	}
	if err := artifact.WriteFile(l.path, buf.Bytes()); err != nil {
		return fmt.Errorf("ledger: write: %w", err)
	}
	return nil
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
}
