// Package workflow sequences the analysis pipeline: concurrent data
// gathering, analysis, presentation. Run state lives in the Registry and is
// mutated only through it; everything else reads snapshots.
package workflow

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/hooplab/courtedge/pkg/agents"
	"github.com/hooplab/courtedge/pkg/analysis"
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Phase is the sub-state while a run is running.
type Phase string

const (
	PhaseFetching   Phase = "fetching"
	PhaseAnalyzing  Phase = "analyzing"
	PhasePresenting Phase = "presenting"
)

// Presentation carries the trigger's display preferences. They are stored
// on the run and serve as the defaults for opportunity reads against it;
// zero values mean no preference.
type Presentation struct {
	MinEV      *decimal.Decimal `json:"min_ev,omitempty"`
	Confidence string           `json:"confidence,omitempty"`
	Limit      int              `json:"limit,omitempty"`
}

// StepRecord is one completed pipeline step.
type StepRecord struct {
	Agent    string        `json:"agent"`
	Duration time.Duration `json:"duration"`
	Partial  bool          `json:"partial"`
}

// Run is the full state of one analysis run. Snapshots returned by the
// registry are deep enough copies that callers can read them freely.
type Run struct {
	ID             string                 `json:"run_id"`
	Status         Status                 `json:"status"`
	Phase          Phase                  `json:"phase,omitempty"`
	Request        agents.Request         `json:"request"`
	Presentation   Presentation           `json:"presentation,omitzero"`
	CreatedAt      time.Time              `json:"created_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	Steps          []StepRecord           `json:"steps,omitempty"`
	Opportunities  []analysis.Opportunity `json:"opportunities,omitempty"`
	Errors         []string               `json:"errors,omitempty"`
	Recommendation string                 `json:"recommendation,omitempty"`
}

// EventType tags a progress event.
type EventType string

const (
	EventStatus        EventType = "status"
	EventAgentComplete EventType = "agent_complete"
	EventOpportunity   EventType = "opportunity"
	EventComplete      EventType = "complete"
	EventError         EventType = "error"
)

// Event is one progress update pushed to subscribers, ordered per run.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`

	Status Status `json:"status,omitempty"`
	Phase  Phase  `json:"phase,omitempty"`

	Agent    string        `json:"agent,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Partial  bool          `json:"partial,omitempty"`

	Opportunity *analysis.Opportunity `json:"opportunity,omitempty"`
	Message     string                `json:"message,omitempty"`
}

// Publisher receives run events for fan-out to subscribers. Implementations
// must not block the orchestrator.
type Publisher interface {
	Publish(runID string, ev Event)
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(string, Event) {}
