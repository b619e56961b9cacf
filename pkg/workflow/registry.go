package workflow

import (
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hooplab/courtedge/pkg/agents"
	"github.com/hooplab/courtedge/pkg/analysis"
)

// maxRetainedRuns bounds registry memory; the oldest runs are evicted once
// the limit is crossed.
const maxRetainedRuns = 20

// runEntry pairs a run with its own lock so updates to different runs never
// contend with each other.
type runEntry struct {
	mu  sync.Mutex
	run Run
}

// Registry is the concurrency-safe owner of all run state. The orchestrator
// mutates runs only through it; API and streaming layers read snapshots.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*runEntry

	now func() time.Time // test hook
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		runs: make(map[string]*runEntry),
		now:  time.Now,
	}
}

// Create registers a new pending run and returns its snapshot. Evicts the
// oldest runs beyond the retention bound.
func (r *Registry) Create(req agents.Request, pres Presentation) Run {
	u := uuid.New()
	id := hex.EncodeToString(u[:6])
	run := Run{
		ID:           id,
		Status:       StatusPending,
		Request:      req,
		Presentation: pres,
		CreatedAt:    r.now(),
	}

	r.mu.Lock()
	r.runs[id] = &runEntry{run: run}
	r.evictLocked()
	r.mu.Unlock()

	return run
}

// evictLocked drops the oldest runs past maxRetainedRuns. Caller holds r.mu.
func (r *Registry) evictLocked() {
	if len(r.runs) <= maxRetainedRuns {
		return
	}
	type aged struct {
		id string
		at time.Time
	}
	all := make([]aged, 0, len(r.runs))
	for id, e := range r.runs {
		all = append(all, aged{id: id, at: e.run.CreatedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for _, a := range all[:len(all)-maxRetainedRuns] {
		delete(r.runs, a.id)
	}
}

// Get returns a snapshot of the run, or false if unknown or evicted.
func (r *Registry) Get(id string) (Run, bool) {
	r.mu.RLock()
	e, ok := r.runs[id]
	r.mu.RUnlock()
	if !ok {
		return Run{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.run), true
}

// Latest returns a snapshot of the most recently created completed run.
func (r *Registry) Latest() (Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *runEntry
	for _, e := range r.runs {
		e.mu.Lock()
		ok := e.run.Status == StatusCompleted
		at := e.run.CreatedAt
		e.mu.Unlock()
		if !ok {
			continue
		}
		if best == nil || at.After(best.run.CreatedAt) {
			best = e
		}
	}
	if best == nil {
		return Run{}, false
	}

	best.mu.Lock()
	defer best.mu.Unlock()
	return snapshot(best.run), true
}

// SetStatus transitions the run. Terminal runs are never reopened; a
// transition attempt on one is ignored.
func (r *Registry) SetStatus(id string, status Status, phase Phase) {
	r.update(id, func(run *Run) {
		run.Status = status
		run.Phase = phase
		if status.Terminal() {
			t := r.now()
			run.CompletedAt = &t
			run.Phase = ""
		}
	})
}

// AppendStep records a completed pipeline step.
func (r *Registry) AppendStep(id string, step StepRecord) {
	r.update(id, func(run *Run) {
		run.Steps = append(run.Steps, step)
	})
}

// AppendOpportunities adds engine output to the run. Safe for concurrent
// callers on the same run; no entry is ever lost.
func (r *Registry) AppendOpportunities(id string, opps []analysis.Opportunity) {
	r.update(id, func(run *Run) {
		run.Opportunities = append(run.Opportunities, opps...)
	})
}

// RecordError attaches a non-fatal error string to the run.
func (r *Registry) RecordError(id string, msg string) {
	r.update(id, func(run *Run) {
		run.Errors = append(run.Errors, msg)
	})
}

// SetRecommendation stores the presentation-phase summary.
func (r *Registry) SetRecommendation(id, text string) {
	r.update(id, func(run *Run) {
		run.Recommendation = text
	})
}

// update applies fn under the run's lock. A run that already reached a
// terminal status is immutable; updates against it are dropped.
func (r *Registry) update(id string, fn func(*Run)) {
	r.mu.RLock()
	e, ok := r.runs[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if !e.run.Status.Terminal() {
		fn(&e.run)
	}
	e.mu.Unlock()
}

// snapshot copies the run with fresh slice headers so callers cannot see
// later appends.
func snapshot(run Run) Run {
	out := run
	out.Steps = append([]StepRecord(nil), run.Steps...)
	out.Opportunities = append([]analysis.Opportunity(nil), run.Opportunities...)
	out.Errors = append([]string(nil), run.Errors...)
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		out.CompletedAt = &t
	}
	if run.Presentation.MinEV != nil {
		d := *run.Presentation.MinEV
		out.Presentation.MinEV = &d
	}
	return out
}
