package agents

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hooplab/courtedge/pkg/cache"
	"github.com/hooplab/courtedge/pkg/odds"
	"github.com/hooplab/courtedge/pkg/resilience"
)

// TeamStats is a team's season profile as fetched from the stats source.
type TeamStats struct {
	Team          string  `json:"team"` // abbreviation, e.g. "BOS"
	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
	PointsPerGame float64 `json:"points_per_game"`
	PointsAllowed float64 `json:"points_allowed"`
	Pace          float64 `json:"pace"`
	OffRating     float64 `json:"off_rating"`
	DefRating     float64 `json:"def_rating"`
	RecentForm    string  `json:"recent_form"` // last-10 record, e.g. "7-3"
}

// InjuryReport is a single player's injury status.
type InjuryReport struct {
	Team   string `json:"team"`
	Player string `json:"player"`
	Status string `json:"status"` // out, doubtful, questionable, probable
	Detail string `json:"detail,omitempty"`
}

// StatsProvider fetches team statistics.
type StatsProvider interface {
	FetchTeamStats(ctx context.Context, team string) (*TeamStats, error)
}

// InjuryProvider fetches the league-wide injury report.
type InjuryProvider interface {
	FetchInjuries(ctx context.Context) ([]InjuryReport, error)
}

// StatsData is everything the stats agent gathered for a run.
type StatsData struct {
	TeamStats map[string]*TeamStats `json:"team_stats"` // keyed by abbreviation
	Injuries  []InjuryReport        `json:"injuries,omitempty"`
}

// HasTeam reports whether stats were gathered for the given team.
func (d *StatsData) HasTeam(abbrev string) bool {
	_, ok := d.TeamStats[abbrev]
	return ok
}

// StatsConfig configures per-category cache windows. Stats age slowly and
// injuries quickly, mirroring how often the sources actually change.
type StatsConfig struct {
	StatsTTL         time.Duration
	StatsStaleTTL    time.Duration
	InjuriesTTL      time.Duration
	InjuriesStaleTTL time.Duration
}

// DefaultStatsConfig returns the production defaults (24h/48h stats,
// 1h/4h injuries).
func DefaultStatsConfig() StatsConfig {
	return StatsConfig{
		StatsTTL:         24 * time.Hour,
		StatsStaleTTL:    48 * time.Hour,
		InjuriesTTL:      time.Hour,
		InjuriesStaleTTL: 4 * time.Hour,
	}
}

// StatsAgent gathers team stats and injury reports.
type StatsAgent struct {
	config   StatsConfig
	stats    StatsProvider
	injuries InjuryProvider // optional
	cache    *cache.Cache
	executor *resilience.Executor

	now func() time.Time // test hook
}

// NewStatsAgent creates a stats agent. The injury provider may be nil.
func NewStatsAgent(config StatsConfig, stats StatsProvider, injuries InjuryProvider, c *cache.Cache, executor *resilience.Executor) *StatsAgent {
	if c == nil {
		c = cache.New(nil)
	}
	return &StatsAgent{
		config:   config,
		stats:    stats,
		injuries: injuries,
		cache:    c,
		executor: executor,
		now:      time.Now,
	}
}

// Name identifies the agent in events and step records.
func (a *StatsAgent) Name() string { return "stats_agent" }

// Gather fetches stats for every requested team plus the injury report.
// Individual fetch failures are recorded and the remaining teams still
// gathered; analysis falls back to market probabilities for missing teams.
func (a *StatsAgent) Gather(ctx context.Context, req Request) (*StatsData, Result) {
	start := a.now()
	res := Result{Agent: a.Name()}
	data := &StatsData{TeamStats: make(map[string]*TeamStats)}

	defer func() { res.Duration = a.now().Sub(start) }()

	if !GameUpcoming(req.GameDate, a.now()) {
		res.recordError("stats_agent: game filtered (historical or more than 7 days out)")
		return data, res
	}

	for _, name := range req.Teams {
		team, ok := odds.LookupTeam(name)
		if !ok {
			res.recordError("stats_agent: unknown team %q", name)
			continue
		}
		if data.HasTeam(team.Abbreviation) {
			continue
		}

		ts, err := a.fetchTeamStats(ctx, team.Abbreviation)
		if err != nil {
			res.recordError("stats_agent: stats for %s failed: %v", team.Abbreviation, err)
			continue
		}
		data.TeamStats[team.Abbreviation] = ts
	}

	if a.injuries != nil {
		reports, err := a.fetchInjuries(ctx)
		if err != nil {
			res.recordError("stats_agent: injury report failed: %v", err)
		} else {
			data.Injuries = reports
		}
	}

	return data, res
}

func (a *StatsAgent) fetchTeamStats(ctx context.Context, abbrev string) (*TeamStats, error) {
	raw, _, err := a.cache.GetOrFetch(ctx, "team_stats:"+abbrev, a.config.StatsTTL, a.config.StatsStaleTTL,
		func(ctx context.Context) ([]byte, error) {
			result, err := a.executor.Execute(ctx, "stats_api", func(ctx context.Context) (any, error) {
				return a.stats.FetchTeamStats(ctx, abbrev)
			})
			if err != nil {
				return nil, err
			}
			return json.Marshal(result)
		})
	if err != nil {
		return nil, err
	}

	var ts TeamStats
	if err := json.Unmarshal(raw, &ts); err != nil {
		return nil, err
	}
	return &ts, nil
}

func (a *StatsAgent) fetchInjuries(ctx context.Context) ([]InjuryReport, error) {
	raw, _, err := a.cache.GetOrFetch(ctx, "injuries", a.config.InjuriesTTL, a.config.InjuriesStaleTTL,
		func(ctx context.Context) ([]byte, error) {
			result, err := a.executor.Execute(ctx, "injuries_api", func(ctx context.Context) (any, error) {
				return a.injuries.FetchInjuries(ctx)
			})
			if err != nil {
				return nil, err
			}
			return json.Marshal(result)
		})
	if err != nil {
		return nil, err
	}

	var reports []InjuryReport
	if err := json.Unmarshal(raw, &reports); err != nil {
		return nil, err
	}
	return reports, nil
}
