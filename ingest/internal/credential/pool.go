// CLAUDE:SUMMARY Ordered credential pool with per-credential entity counters, rotation at a quota, and worker partitioning.
// Package credential manages pools of opaque API credentials.
//
// Rotation is a courtesy quota, not enforcement: MarkEntityDone advances the
// cursor once the current credential has served EntitiesPer entities, but
// nothing stops a caller from using a credential past its quota.
package credential

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrEmptyPool is returned by Acquire on a pool without credentials.
var ErrEmptyPool = errors.New("credential: pool is empty")

// Credential is one opaque API key handed to a worker.
type Credential struct {
	Index int    // position in the parent pool
	Value string // opaque secret
}

// Label returns a masked form safe for logs.
func (c Credential) Label() string {
	return Mask(c.Value)
}

// Mask keeps the last 4 characters of a secret.
func Mask(v string) string {
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}

// slot is shared between a pool and the sub-pools cut from it, so rotation
// progress survives the sub-pools of one run.
type slot struct {
	index int
	value string
	total atomic.Int64 // entities marked done, lifetime
	cycle atomic.Int64 // entities done since it last became current
}

// Pool is an ordered set of credentials with a rotating cursor.
type Pool struct {
	name   string
	limit  int   // entities per credential; <= 0 means unlimited
	parent *Pool // set on sub-pools

	mu    sync.Mutex
	slots []*slot
	cur   int
}

// New creates a pool. entitiesPer <= 0 disables rotation.
func New(name string, creds []string, entitiesPer int) *Pool {
	p := &Pool{name: name, limit: entitiesPer}
	for _, c := range creds {
		if c == "" {
			continue
		}
		p.slots = append(p.slots, &slot{index: len(p.slots), value: c})
	}
	return p
}

// Name returns the pool name ("listing", "enrichment").
func (p *Pool) Name() string { return p.name }

// Len returns the number of credentials.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Limit returns the configured entities per credential.
func (p *Pool) Limit() int { return p.limit }

// Acquire returns the current credential.
func (p *Pool) Acquire() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.slots) == 0 {
		return Credential{}, fmt.Errorf("%w (%s)", ErrEmptyPool, p.name)
	}
	s := p.slots[p.cur]
	return Credential{Index: s.index, Value: s.value}, nil
}

// MarkEntityDone records one entity served by the current credential and
// rotates when the quota is reached. Returns true if the cursor moved.
// A sub-pool reports its cursor to the parent so the next Partition
// resumes where this one stopped.
func (p *Pool) MarkEntityDone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.slots) == 0 {
		return false
	}
	s := p.slots[p.cur]
	s.total.Add(1)
	rotated := false
	if n := s.cycle.Add(1); p.limit > 0 && n >= int64(p.limit) {
		s.cycle.Store(0)
		p.cur = (p.cur + 1) % len(p.slots)
		rotated = true
	}
	if p.parent != nil {
		p.parent.mu.Lock()
		p.parent.cur = p.slots[p.cur].index
		p.parent.mu.Unlock()
	}
	return rotated
}

// Partition cuts the pool into n worker-bound sub-pools. Sub-pool k owns
// credentials k, k+n, k+2n... and rotates only among them, so no two
// workers ever hold the same credential. Lifetime totals and rotation
// progress are shared with p: each sub-pool starts on its first credential
// at or after p's cursor. n is clamped to [1, Len()].
func (p *Pool) Partition(n int) []*Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > len(p.slots) {
		n = len(p.slots)
	}
	if n < 1 {
		n = 1
	}
	subs := make([]*Pool, n)
	for k := range subs {
		subs[k] = &Pool{name: fmt.Sprintf("%s/%d", p.name, k), limit: p.limit, parent: p}
	}
	for i, s := range p.slots {
		sub := subs[i%n]
		if i < p.cur {
			sub.cur++ // credentials before p's cursor are skipped
		}
		sub.slots = append(sub.slots, s)
	}
	for _, sub := range subs {
		if sub.cur == len(sub.slots) {
			sub.cur = 0
		}
	}
	return subs
}

// Usage is a snapshot of one credential's counters.
type Usage struct {
	Index   int    `json:"index"`
	Label   string `json:"label"`
	Total   int64  `json:"entities_done"`
	Cycle   int64  `json:"cycle"` // entities done since it last became current
	Current bool   `json:"current"`
}

// Usage snapshots the counters of every credential.
func (p *Pool) Usage() []Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Usage, len(p.slots))
	for i, s := range p.slots {
		out[i] = Usage{Index: s.index, Label: Mask(s.value), Total: s.total.Load(),
			Cycle: s.cycle.Load(), Current: i == p.cur}
	}
	return out
}

// Reset zeroes every counter and moves the cursor back to the first credential.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		s.total.Store(0)
		s.cycle.Store(0)
	}
	p.cur = 0
}
