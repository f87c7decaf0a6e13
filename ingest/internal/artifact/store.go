// CLAUDE:SUMMARY Deterministic artifact tree (raw/merged/csv/logs) with atomic tmp+rename writes and raw-key parsing for resume.
// Package artifact owns the on-disk layout of a fetch root:
//
//	<root>/raw/<entity_slug>_v<variant>_<YYYYMMDD>-<YYYYMMDD>.json
//	<root>/merged/<entity_slug>.json
//	<root>/csv/<entity_slug>.csv
//	<root>/logs/
//
// Paths derive from stable slugs so re-runs overwrite idempotently. Writes
// go to a .tmp sibling first and are renamed into place.
package artifact

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	DirRaw    = "raw"
	DirMerged = "merged"
	DirCSV    = "csv"
	DirLogs   = "logs"
)

// ErrUnwritable is returned by Init when the root cannot be written.
var ErrUnwritable = errors.New("artifact: root is not writable")

// Key identifies one raw artifact.
type Key struct {
	EntityID     string
	VariantIndex int
	SegmentID    string // "YYYYMMDD-YYYYMMDD"
}

// Filename returns the raw filename for k.
func (k Key) Filename() string {
	return fmt.Sprintf("%s_v%d_%s.json", Slug(k.EntityID), k.VariantIndex, k.SegmentID)
}

// RawName is a parsed raw filename. The entity is only known by its slug.
type RawName struct {
	EntitySlug   string
	VariantIndex int
	SegmentID    string
	Path         string
}

// Slug lower-cases s and replaces every byte outside [a-z0-9] with '_'.
func Slug(s string) string {
	b := []byte(strings.ToLower(s))
	for i, c := range b {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9') {
			b[i] = '_'
		}
	}
	return string(b)
}

// Store is an artifact tree rooted at a directory.
type Store struct {
	root string
}

// New returns a Store rooted at root. Call Init before writing.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the root directory.
func (s *Store) Root() string { return s.root }

// Path joins elem under the root.
func (s *Store) Path(elem ...string) string {
	return filepath.Join(append([]string{s.root}, elem...)...)
}

// Init creates the four subdirectories and probes writability.
func (s *Store) Init() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("%w: empty root", ErrUnwritable)
	}
	for _, d := range []string{DirRaw, DirMerged, DirCSV, DirLogs} {
		if err := os.MkdirAll(s.Path(d), 0o755); err != nil {
			return fmt.Errorf("%w: mkdir %s: %v", ErrUnwritable, d, err)
		}
	}
	probe := s.Path(DirLogs, ".probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrUnwritable, err)
	}
	os.Remove(probe)
	return nil
}

// WriteFile writes data atomically at path: tmp sibling then rename, with a
// truncate-rewrite fallback when rename is not possible.
func WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("artifact: mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("artifact: write tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		if werr := os.WriteFile(path, data, 0o644); werr != nil {
			return fmt.Errorf("artifact: rename: %v; rewrite: %w", err, werr)
		}
	}
	return nil
}

// RawPath returns the path of k.
func (s *Store) RawPath(k Key) string {
	return s.Path(DirRaw, k.Filename())
}

// WriteRaw stores the body of one plan item.
func (s *Store) WriteRaw(k Key, body []byte) error {
	if err := WriteFile(s.RawPath(k), body); err != nil {
		return fmt.Errorf("artifact: write raw %s: %w", k.Filename(), err)
	}
	return nil
}

// ReadRaw reads the body of one plan item. A missing artifact returns
// os.ErrNotExist (wrapped).
func (s *Store) ReadRaw(k Key) ([]byte, error) {
	return os.ReadFile(s.RawPath(k))
}

// HasRaw reports whether the raw artifact for k exists.
func (s *Store) HasRaw(k Key) bool {
	_, err := os.Stat(s.RawPath(k))
	return err == nil
}

// RemoveRaw deletes the raw artifact for k. Missing files are not an error.
func (s *Store) RemoveRaw(k Key) error {
	if err := os.Remove(s.RawPath(k)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("artifact: remove raw: %w", err)
	}
	return nil
}

// ListRaw parses every raw filename, sorted by (entity slug, variant, segment).
func (s *Store) ListRaw() ([]RawName, error) {
	entries, err := os.ReadDir(s.Path(DirRaw))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: list raw: %w", err)
	}
	var out []RawName
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		rn, ok := ParseRawName(e.Name())
		if !ok {
			continue
		}
		rn.Path = s.Path(DirRaw, e.Name())
		out = append(out, rn)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.EntitySlug != b.EntitySlug {
			return a.EntitySlug < b.EntitySlug
		}
		if a.VariantIndex != b.VariantIndex {
			return a.VariantIndex < b.VariantIndex
		}
		return a.SegmentID < b.SegmentID
	})
	return out, nil
}

// ParseRawName parses "<slug>_v<n>_<YYYYMMDD>-<YYYYMMDD>.json" from the
// right, so slugs may themselves contain '_'.
func ParseRawName(name string) (RawName, bool) {
	base, ok := strings.CutSuffix(name, ".json")
	if !ok {
		return RawName{}, false
	}
	i := strings.LastIndexByte(base, '_')
	if i <= 0 {
		return RawName{}, false
	}
	seg := base[i+1:]
	if len(seg) != 17 || seg[8] != '-' {
		return RawName{}, false
	}
	rest := base[:i]
	j := strings.LastIndexByte(rest, '_')
	if j <= 0 || len(rest) < j+3 || rest[j+1] != 'v' {
		return RawName{}, false
	}
	v, err := strconv.Atoi(rest[j+2:])
	if err != nil || v < 0 {
		return RawName{}, false
	}
	return RawName{EntitySlug: rest[:j], VariantIndex: v, SegmentID: seg}, true
}

// MergedPath returns the merged JSON path for entity.
func (s *Store) MergedPath(entity string) string {
	return s.Path(DirMerged, Slug(entity)+".json")
}

// WriteMerged stores the merged JSON of one entity.
func (s *Store) WriteMerged(entity string, data []byte) error {
	if err := WriteFile(s.MergedPath(entity), data); err != nil {
		return fmt.Errorf("artifact: write merged %s: %w", entity, err)
	}
	return nil
}

// ReadMerged reads the merged JSON of one entity.
func (s *Store) ReadMerged(entity string) ([]byte, error) {
	return os.ReadFile(s.MergedPath(entity))
}

// CSVPath returns the CSV path for entity.
func (s *Store) CSVPath(entity string) string {
	return s.Path(DirCSV, Slug(entity)+".csv")
}

// WriteCSV encodes header and rows as UTF-8 CSV and stores them for entity.
func (s *Store) WriteCSV(entity string, header []string, rows [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("artifact: encode csv header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("artifact: encode csv rows: %w", err)
	}
	if err := WriteFile(s.CSVPath(entity), buf.Bytes()); err != nil {
		return fmt.Errorf("artifact: write csv %s: %w", entity, err)
	}
	return nil
}

// ReadCSV reads the raw CSV bytes of one entity.
func (s *Store) ReadCSV(entity string) ([]byte, error) {
	return os.ReadFile(s.CSVPath(entity))
}

// ListEntities returns the slugs of every entity with at least one
// artifact, sorted.
func (s *Store) ListEntities() ([]string, error) {
	set := map[string]bool{}
	raws, err := s.ListRaw()
	if err != nil {
		return nil, err
	}
	for _, r := range raws {
		set[r.EntitySlug] = true
	}
	for dir, ext := range map[string]string{DirMerged: ".json", DirCSV: ".csv"} {
		entries, err := os.ReadDir(s.Path(dir))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("artifact: list %s: %w", dir, err)
		}
		for _, e := range entries {
			if slug, ok := strings.CutSuffix(e.Name(), ext); ok && !e.IsDir() {
				set[slug] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Clear removes raw/, merged/ and csv/ and recreates them empty. logs/ is
// left untouched.
func (s *Store) Clear() error {
	for _, d := range []string{DirRaw, DirMerged, DirCSV} {
		if err := os.RemoveAll(s.Path(d)); err != nil {
			return fmt.Errorf("artifact: clear %s: %w", d, err)
		}
		if err := os.MkdirAll(s.Path(d), 0o755); err != nil {
			return fmt.Errorf("artifact: recreate %s: %w", d, err)
		}
	}
	return nil
}
