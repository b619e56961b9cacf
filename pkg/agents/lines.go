package agents

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hooplab/courtedge/pkg/cache"
	"github.com/hooplab/courtedge/pkg/odds"
	"github.com/hooplab/courtedge/pkg/resilience"
)

// OddsProvider fetches live lines from a sportsbook aggregator. The concrete
// HTTP client is supplied by the caller.
type OddsProvider interface {
	FetchOdds(ctx context.Context, date string) ([]odds.GameOdds, error)
}

// MovementProvider optionally supplies opening-vs-current line movement with
// public betting splits, feeding the reverse-line-movement detector.
type MovementProvider interface {
	FetchMovements(ctx context.Context, gameIDs []string) ([]odds.LineMovement, error)
}

// LinesData is everything the lines agent gathered for a run.
type LinesData struct {
	Games         []odds.GameOdds        `json:"games"`
	Discrepancies []odds.LineDiscrepancy `json:"discrepancies"`
	Movements     []odds.LineMovement    `json:"movements,omitempty"`
}

// LinesConfig configures caching and discrepancy detection.
type LinesConfig struct {
	OddsTTL      time.Duration
	OddsStaleTTL time.Duration
	// MinDiscrepancyPct is the implied-probability gap (in percentage
	// points) below which cross-book differences are ignored.
	MinDiscrepancyPct decimal.Decimal
}

// DefaultLinesConfig returns the production defaults. Odds move fast, so the
// window is much shorter than the stats agent's.
func DefaultLinesConfig() LinesConfig {
	return LinesConfig{
		OddsTTL:           60 * time.Second,
		OddsStaleTTL:      5 * time.Minute,
		MinDiscrepancyPct: decimal.NewFromFloat(1.0),
	}
}

// LinesAgent gathers odds and line intelligence for upcoming games.
type LinesAgent struct {
	config    LinesConfig
	provider  OddsProvider
	movements MovementProvider // optional
	cache     *cache.Cache
	executor  *resilience.Executor

	now func() time.Time // test hook
}

// NewLinesAgent creates a lines agent. The movement provider may be nil.
func NewLinesAgent(config LinesConfig, provider OddsProvider, movements MovementProvider, c *cache.Cache, executor *resilience.Executor) *LinesAgent {
	if c == nil {
		c = cache.New(nil)
	}
	return &LinesAgent{
		config:    config,
		provider:  provider,
		movements: movements,
		cache:     c,
		executor:  executor,
		now:       time.Now,
	}
}

// Name identifies the agent in events and step records.
func (a *LinesAgent) Name() string { return "lines_agent" }

// Gather fetches odds for the requested date, filters to the requested
// teams, and scans for cross-book discrepancies. A movement-provider failure
// degrades the result to partial; an odds failure leaves Games empty with
// the error recorded, which the orchestrator treats as fatal for the run.
func (a *LinesAgent) Gather(ctx context.Context, req Request) (*LinesData, Result) {
	start := a.now()
	res := Result{Agent: a.Name()}
	data := &LinesData{}

	defer func() { res.Duration = a.now().Sub(start) }()

	if !GameUpcoming(req.GameDate, a.now()) {
		res.recordError("lines_agent: game filtered (historical or more than 7 days out)")
		return data, res
	}

	games, err := a.fetchOdds(ctx, req)
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			res.recordError("lines_agent: circuit open, odds source temporarily unavailable")
		} else {
			res.recordError("lines_agent: odds fetch failed: %v", err)
		}
		return data, res
	}

	for _, g := range games {
		if !odds.TeamMatches(g.HomeTeam, req.Teams) && !odds.TeamMatches(g.AwayTeam, req.Teams) {
			continue
		}
		data.Games = append(data.Games, g)
		data.Discrepancies = append(data.Discrepancies, odds.FindDiscrepancies(g, a.config.MinDiscrepancyPct)...)
	}

	if a.movements != nil && len(data.Games) > 0 {
		ids := make([]string, len(data.Games))
		for i, g := range data.Games {
			ids[i] = g.GameID
		}
		moves, err := a.fetchMovements(ctx, ids)
		if err != nil {
			res.recordError("lines_agent: line movement fetch failed: %v", err)
		} else {
			data.Movements = moves
		}
	}

	return data, res
}

func (a *LinesAgent) fetchOdds(ctx context.Context, req Request) ([]odds.GameOdds, error) {
	raw, _, err := a.cache.GetOrFetch(ctx, "odds:"+req.CacheKey(), a.config.OddsTTL, a.config.OddsStaleTTL,
		func(ctx context.Context) ([]byte, error) {
			result, err := a.executor.Execute(ctx, "odds_api", func(ctx context.Context) (any, error) {
				return a.provider.FetchOdds(ctx, req.GameDate)
			})
			if err != nil {
				return nil, err
			}
			return json.Marshal(result)
		})
	if err != nil {
		return nil, err
	}

	var games []odds.GameOdds
	if err := json.Unmarshal(raw, &games); err != nil {
		return nil, err
	}
	return games, nil
}

func (a *LinesAgent) fetchMovements(ctx context.Context, gameIDs []string) ([]odds.LineMovement, error) {
	result, err := a.executor.Execute(ctx, "line_history", func(ctx context.Context) (any, error) {
		return a.movements.FetchMovements(ctx, gameIDs)
	})
	if err != nil {
		return nil, err
	}
	return result.([]odds.LineMovement), nil
}
