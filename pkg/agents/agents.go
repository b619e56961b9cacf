// Package agents provides the concurrent data-gathering agents of the
// analysis workflow. Each agent pulls one category of external data through
// the cache and resilience layers, degrades to partial results on individual
// fetch failures, and never retries on its own: all retry and backoff policy
// lives in the resilience executor.
package agents

import (
	"fmt"
	"time"
)

// Request carries the parameters a run was started with.
type Request struct {
	// GameDate is an ISO date (YYYY-MM-DD); empty means tonight.
	GameDate string   `json:"game_date,omitempty"`
	Teams    []string `json:"teams,omitempty"`
}

// CacheKey derives a stable cache key suffix from the request date.
func (r Request) CacheKey() string {
	if r.GameDate == "" {
		return "tonight"
	}
	return r.GameDate
}

// Result is the common outcome envelope of a gather call. Data lives on the
// agent-specific result types; Partial marks that some fetches failed and
// downstream analysis must tolerate the gaps.
type Result struct {
	Agent    string        `json:"agent"`
	Partial  bool          `json:"partial"`
	Errors   []string      `json:"errors,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (r *Result) recordError(format string, args ...any) {
	r.Partial = true
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// upcomingWindow is how far ahead a game may be before agents skip it.
const upcomingWindow = 7 * 24 * time.Hour

// GameUpcoming reports whether the requested date is today or within the
// next seven days. Historical and far-future dates short-circuit the
// expensive external fetches.
func GameUpcoming(gameDate string, now time.Time) bool {
	if gameDate == "" {
		return true // "tonight"
	}
	date, err := time.Parse("2006-01-02", gameDate)
	if err != nil {
		return false
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return !date.Before(today) && !date.After(today.Add(upcomingWindow))
}
