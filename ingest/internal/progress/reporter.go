// CLAUDE:SUMMARY Push-only progress sink: status ring buffer, monotonic completion count, write-once entity rows, ETA snapshot.
// Package progress is the only state the HTTP and MCP surfaces read while a
// run is in flight. Workers push; readers take Snapshots.
package progress

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultLines is the status ring size.
const DefaultLines = 200

// EntityState is the lifecycle of one entity within a run.
type EntityState string

const (
	Pending    EntityState = "pending"
	InProgress EntityState = "in_progress"
	Succeeded  EntityState = "succeeded"
	Partial    EntityState = "partial"
	Failed     EntityState = "failed"
	Cancelled  EntityState = "cancelled"
)

// Terminal reports whether s is final.
func (s EntityState) Terminal() bool {
	switch s {
	case Succeeded, Partial, Failed, Cancelled:
		return true
	}
	return false
}

// EntityRow is the status table row of one entity.
type EntityRow struct {
	EntityID  string      `json:"entity_id"`
	State     EntityState `json:"state"`
	Detail    string      `json:"detail,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Line is one status message.
type Line struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Snapshot is a consistent copy of the reporter state.
type Snapshot struct {
	RunID     string        `json:"run_id,omitempty"`
	Running   bool          `json:"running"`
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Percent   float64       `json:"percent"`
	StartedAt time.Time     `json:"started_at,omitzero"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	ETA       time.Duration `json:"eta_ns"`
	Entities  []EntityRow   `json:"entities"`
	Lines     []Line        `json:"lines"`
}

// Reporter collects progress. Safe for concurrent use.
type Reporter struct {
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	runID     string
	running   bool
	started   time.Time
	total     int
	completed int
	ring      []Line
	next      int
	full      bool
	entities  map[string]*EntityRow
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithLines sets the ring size.
func WithLines(n int) Option {
	return func(r *Reporter) {
		if n > 0 {
			r.ring = make([]Line, n)
		}
	}
}

// WithClock replaces time.Now (tests).
func WithClock(fn func() time.Time) Option { return func(r *Reporter) { r.now = fn } }

// New creates a Reporter.
func New(logger *slog.Logger, opts ...Option) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{
		logger:   logger,
		now:      time.Now,
		ring:     make([]Line, DefaultLines),
		entities: map[string]*EntityRow{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Begin resets counters and entity rows for a new run. Status lines are kept.
func (r *Reporter) Begin(runID string, entities []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runID = runID
	r.running = true
	r.started = r.now()
	r.total = 0
	r.completed = 0
	r.entities = make(map[string]*EntityRow, len(entities))
	for _, id := range entities {
		r.entities[id] = &EntityRow{EntityID: id, State: Pending, UpdatedAt: r.started}
	}
}

// End marks the run finished.
func (r *Reporter) End() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

// Running reports whether a run is in flight.
func (r *Reporter) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Status appends a free-text line.
func (r *Reporter) Status(msg string) {
	r.logger.Debug("progress: status", "message", msg)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.next] = Line{At: r.now(), Message: msg}
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.full = true
	}
}

// SetTotal sets the number of plan items in the run.
func (r *Reporter) SetTotal(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total = n
}

// Advance adds n completed items. Negative n is ignored so progress never
// regresses; completion is capped at Total when Total is known.
func (r *Reporter) Advance(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed += n
	if r.total > 0 && r.completed > r.total {
		r.completed = r.total
	}
}

// SetEntity updates the row of id. Once a row is terminal it is never
// rewritten; SetEntity then returns false.
func (r *Reporter) SetEntity(id string, state EntityState, detail string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.entities[id]
	if !ok {
		row = &EntityRow{EntityID: id}
		r.entities[id] = row
	}
	if row.State.Terminal() {
		return false
	}
	row.State = state
	row.Detail = detail
	row.UpdatedAt = r.now()
	return true
}

// Entity returns the row of id.
func (r *Reporter) Entity(id string) (EntityRow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.entities[id]
	if !ok {
		return EntityRow{}, false
	}
	return *row, true
}

// Snapshot returns a copy of the current state with ETA derived as
// elapsed / completed × remaining.
func (r *Reporter) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		RunID:     r.runID,
		Running:   r.running,
		Total:     r.total,
		Completed: r.completed,
		StartedAt: r.started,
	}
	if !r.started.IsZero() {
		s.Elapsed = r.now().Sub(r.started)
	}
	if r.total > 0 {
		s.Percent = float64(r.completed) / float64(r.total) * 100
	}
	if r.completed > 0 && r.total > r.completed {
		remaining := r.total - r.completed
		s.ETA = time.Duration(float64(s.Elapsed) / float64(r.completed) * float64(remaining))
	}

	s.Entities = make([]EntityRow, 0, len(r.entities))
	for _, row := range r.entities {
		s.Entities = append(s.Entities, *row)
	}
	sort.Slice(s.Entities, func(i, j int) bool { return s.Entities[i].EntityID < s.Entities[j].EntityID })

	s.Lines = r.linesLocked()
	return s
}

// Lines returns the buffered status lines, oldest first.
func (r *Reporter) Lines() []Line {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.linesLocked()
}

func (r *Reporter) linesLocked() []Line {
	if !r.full {
		return append([]Line(nil), r.ring[:r.next]...)
	}
	out := make([]Line, 0, len(r.ring))
	out = append(out, r.ring[r.next:]...)
	return append(out, r.ring[:r.next]...)
}
