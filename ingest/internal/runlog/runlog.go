// CLAUDE:SUMMARY SQLite history of fetch runs and the terminal state of each entity per run.
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/sigfetch/dbopen"
)

// FileName is the run log's path relative to the artifact root's logs/.
const FileName = "runs.db"

// Schema creates the run log tables.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    id            TEXT PRIMARY KEY,
    triggered_by  TEXT NOT NULL DEFAULT 'cli',
    started_at    INTEGER NOT NULL,
    finished_at   INTEGER,
    outcome       TEXT NOT NULL DEFAULT 'running',
    entities      INTEGER NOT NULL DEFAULT 0,
    items         INTEGER NOT NULL DEFAULT 0,
    items_ok      INTEGER NOT NULL DEFAULT 0,
    items_failed  INTEGER NOT NULL DEFAULT 0,
    items_retried INTEGER NOT NULL DEFAULT 0,
    records       INTEGER NOT NULL DEFAULT 0,
    request_json  TEXT NOT NULL DEFAULT '{}',
    error         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

CREATE TABLE IF NOT EXISTS run_entities (
    run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    entity_id    TEXT NOT NULL,
    state        TEXT NOT NULL,
    items_ok     INTEGER NOT NULL DEFAULT 0,
    items_failed INTEGER NOT NULL DEFAULT 0,
    records      INTEGER NOT NULL DEFAULT 0,
    detail       TEXT NOT NULL DEFAULT '',
    finished_at  INTEGER NOT NULL,
    PRIMARY KEY (run_id, entity_id)
);
`

// ErrNotFound is returned by Get for an unknown run.
var ErrNotFound = errors.New("runlog: run not found")

// Run is one row of runs.
type Run struct {
	ID           string    `json:"id"`
	Trigger      string    `json:"trigger"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`
	Outcome      string    `json:"outcome"`
	Entities     int       `json:"entities"`
	Items        int       `json:"items"`
	ItemsOK      int       `json:"items_ok"`
	ItemsFailed  int       `json:"items_failed"`
	ItemsRetried int       `json:"items_retried"`
	Records      int       `json:"records"`
	Request      string    `json:"request,omitempty"`
	Error        string    `json:"error,omitempty"`
	EntityRows   []Entity  `json:"entity_rows,omitempty"`
}

// Entity is one row of run_entities.
type Entity struct {
	RunID       string    `json:"run_id"`
	EntityID    string    `json:"entity_id"`
	State       string    `json:"state"`
	ItemsOK     int       `json:"items_ok"`
	ItemsFailed int       `json:"items_failed"`
	Records     int       `json:"records"`
	Detail      string    `json:"detail,omitempty"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Store wraps the run log database.
type Store struct {
	DB *sql.DB
}

// Open opens (and creates) the run log at path.
func Open(path string) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("runlog: %w", err)
	}
	return &Store{DB: db}, nil
}

// New wraps an already-open database that carries Schema.
func New(db *sql.DB) *Store { return &Store{DB: db} }

// Close closes the database.
func (s *Store) Close() error { return s.DB.Close() }

// Start inserts a run in the running state.
func (s *Store) Start(ctx context.Context, r Run) error {
	if r.Trigger == "" {
		r.Trigger = "cli"
	}
	if r.Request == "" {
		r.Request = "{}"
	}
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO runs (id, triggered_by, started_at, outcome, entities, items, request_json)
		VALUES (?, ?, ?, 'running', ?, ?, ?)`,
		r.ID, r.Trigger, r.StartedAt.UnixMilli(), r.Entities, r.Items, r.Request)
	if err != nil {
		return fmt.Errorf("runlog: start %s: %w", r.ID, err)
	}
	return nil
}

// RecordEntity stores the terminal state of one entity. A second call for
// the same (run, entity) is ignored so terminal states stay write-once.
func (s *Store) RecordEntity(ctx context.Context, e Entity) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO run_entities (run_id, entity_id, state, items_ok, items_failed, records, detail, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, entity_id) DO NOTHING`,
		e.RunID, e.EntityID, e.State, e.ItemsOK, e.ItemsFailed, e.Records, e.Detail, e.FinishedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("runlog: record entity %s: %w", e.EntityID, err)
	}
	return nil
}

// Finish closes a run with its outcome and totals.
func (s *Store) Finish(ctx context.Context, r Run) error {
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE runs SET finished_at = ?, outcome = ?, items_ok = ?, items_failed = ?,
		items_retried = ?, records = ?, error = ? WHERE id = ?`,
		r.FinishedAt.UnixMilli(), r.Outcome, r.ItemsOK, r.ItemsFailed,
		r.ItemsRetried, r.Records, r.Error, r.ID)
	if err != nil {
		return fmt.Errorf("runlog: finish %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	return nil
}

// MarkAbandoned closes runs left in the running state by a crashed
// process. Returns the number of rows updated.
func (s *Store) MarkAbandoned(ctx context.Context, now time.Time) (int64, error) {
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE runs SET outcome = 'abandoned', finished_at = ? WHERE outcome = 'running'`,
		now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("runlog: mark abandoned: %w", err)
	}
	return res.RowsAffected()
}

const runColumns = `id, triggered_by, started_at, finished_at, outcome, entities, items,
	items_ok, items_failed, items_retried, records, request_json, error`

// List returns the most recent runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("runlog: list: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns one run with its entity rows.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT run_id, entity_id, state, items_ok, items_failed, records, detail, finished_at
		FROM run_entities WHERE run_id = ? ORDER BY entity_id`, id)
	if err != nil {
		return nil, fmt.Errorf("runlog: entities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e  Entity
			ms int64
		)
		if err := rows.Scan(&e.RunID, &e.EntityID, &e.State, &e.ItemsOK, &e.ItemsFailed,
			&e.Records, &e.Detail, &ms); err != nil {
			return nil, fmt.Errorf("runlog: scan entity: %w", err)
		}
		e.FinishedAt = time.UnixMilli(ms).UTC()
		r.EntityRows = append(r.EntityRows, e)
	}
	return &r, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r        Run
		started  int64
		finished sql.NullInt64
	)
	err := sc.Scan(&r.ID, &r.Trigger, &started, &finished, &r.Outcome, &r.Entities, &r.Items,
		&r.ItemsOK, &r.ItemsFailed, &r.ItemsRetried, &r.Records, &r.Request, &r.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return r, err
	}
	if err != nil {
		return r, fmt.Errorf("runlog: scan run: %w", err)
	}
	r.StartedAt = time.UnixMilli(started).UTC()
	if finished.Valid {
		r.FinishedAt = time.UnixMilli(finished.Int64).UTC()
	}
	return r, nil
}
