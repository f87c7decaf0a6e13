// CLAUDE:SUMMARY Optional Postgres sink: batched ON CONFLICT DO NOTHING inserts of per-entity CSV rows through pgx.
// Package pgexport copies the per-entity CSV artifacts into Postgres.
//
// Rows land in <schema>.ingest_records keyed (entity_id, record_id). Existing
// keys are left untouched, so re-exporting the same CSV is a no-op.
package pgexport

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoDSN is returned by Open without a DSN.
var ErrNoDSN = errors.New("pgexport: dsn is required")

// Config configures a Sink.
type Config struct {
	DSN      string `yaml:"dsn"`
	Schema   string `yaml:"schema"`    // default "public"
	Batch    int    `yaml:"batch"`     // rows per pgx.Batch; default 200
	MaxConns int    `yaml:"max_conns"` // default 2
	// SimpleProtocol disables prepared statements (pgbouncer transaction mode).
	SimpleProtocol bool `yaml:"simple_protocol"`
}

func (c *Config) defaults() {
	if c.Schema == "" {
		c.Schema = "public"
	}
	if c.Batch <= 0 {
		c.Batch = 200
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 2
	}
}

// Sink writes rows to Postgres.
type Sink struct {
	pool   *pgxpool.Pool
	config Config
	logger *slog.Logger
}

// Open connects and creates the target table if needed.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Sink, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, ErrNoDSN
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgexport: parse dsn: %w", err)
	}
	pcfg.MaxConns = int32(cfg.MaxConns)
	if cfg.SimpleProtocol {
		pcfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pgexport: connect: %w", err)
	}
	s := &Sink{pool: pool, config: cfg, logger: logger}
	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Sink) Close() { s.pool.Close() }

// Table returns the quoted target table name.
func Table(schema string) string {
	return pgx.Identifier{schema, "ingest_records"}.Sanitize()
}

func createTableSQL(schema string) string {
	return `CREATE TABLE IF NOT EXISTS ` + Table(schema) + ` (
    entity_id   TEXT NOT NULL,
    record_id   TEXT NOT NULL,
    created_at  TEXT NOT NULL DEFAULT '',
    text        TEXT NOT NULL DEFAULT '',
    language    TEXT NOT NULL DEFAULT '',
    variant     TEXT NOT NULL DEFAULT '',
    seg_from    TEXT NOT NULL DEFAULT '',
    seg_to      TEXT NOT NULL DEFAULT '',
    payload     JSONB NOT NULL,
    exported_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (entity_id, record_id)
)`
}

func insertSQL(schema string) string {
	return `INSERT INTO ` + Table(schema) + `
    (entity_id, record_id, created_at, text, language, variant, seg_from, seg_to, payload)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    ON CONFLICT (entity_id, record_id) DO NOTHING`
}

func (s *Sink) ensureTable(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.config.Schema}.Sanitize()); err != nil {
		return fmt.Errorf("pgexport: create schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx, createTableSQL(s.config.Schema)); err != nil {
		return fmt.Errorf("pgexport: create table: %w", err)
	}
	return nil
}

// Row is one insert's arguments.
type Row struct {
	EntityID  string
	RecordID  string
	CreatedAt string
	Text      string
	Language  string
	Variant   string
	From      string
	To        string
	Payload   []byte // JSON object of every CSV column
}

// ParseCSV converts a CSV artifact into rows. Rows without a record_id are
// skipped. entity_id falls back to entity when the column is empty.
func ParseCSV(entity string, data []byte) ([]Row, error) {
	r := csv.NewReader(bytes.NewReader(data))
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("pgexport: read csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	header := records[0]
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}
	get := func(rec []string, name string) string {
		if i, ok := col[name]; ok && i < len(rec) {
			return rec[i]
		}
		return ""
	}

	rows := make([]Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		id := get(rec, "record_id")
		if id == "" {
			continue
		}
		obj := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(rec) {
				obj[h] = rec[i]
			}
		}
		payload, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("pgexport: encode payload: %w", err)
		}
		ent := get(rec, "entity_id")
		if ent == "" {
			ent = entity
		}
		rows = append(rows, Row{
			EntityID:  ent,
			RecordID:  id,
			CreatedAt: get(rec, "created_at"),
			Text:      get(rec, "text"),
			Language:  get(rec, "language"),
			Variant:   get(rec, "variant"),
			From:      get(rec, "from"),
			To:        get(rec, "to"),
			Payload:   payload,
		})
	}
	return rows, nil
}

// ExportCSV inserts the rows of one entity's CSV. Returns the number of
// rows actually inserted.
func (s *Sink) ExportCSV(ctx context.Context, entity string, data []byte) (int, error) {
	rows, err := ParseCSV(entity, data)
	if err != nil {
		return 0, err
	}
	n, err := s.insert(ctx, rows)
	if err != nil {
		return n, fmt.Errorf("pgexport: insert %s: %w", entity, err)
	}
	s.logger.Info("pgexport: entity exported", "entity", entity, "rows", len(rows), "inserted", n)
	return n, nil
}

func (s *Sink) insert(ctx context.Context, rows []Row) (int, error) {
	total := 0
	q := insertSQL(s.config.Schema)
	for i := 0; i < len(rows); i += s.config.Batch {
		j := min(i+s.config.Batch, len(rows))
		b := &pgx.Batch{}
		for _, r := range rows[i:j] {
			b.Queue(q, r.EntityID, r.RecordID, r.CreatedAt, r.Text, r.Language,
				r.Variant, r.From, r.To, string(r.Payload))
		}
		br := s.pool.SendBatch(ctx, b)
		for k := 0; k < j-i; k++ {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return total, err
			}
			total += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return total, err
		}
	}
	return total, nil
}
