package analysis

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/hooplab/courtedge/pkg/agents"
	"github.com/hooplab/courtedge/pkg/odds"
)

// GameContext bundles the gathered data for one game, handed to the
// prediction and analysis black boxes. Stats pointers are nil when the
// stats agent came back partial for that team.
type GameContext struct {
	Game      odds.GameOdds
	HomeStats *agents.TeamStats
	AwayStats *agents.TeamStats
	Injuries  []agents.InjuryReport
}

// Predictor is the trained model behind the engine. It returns win
// probabilities keyed by outcome name (team name for moneyline). A nil
// map or an error makes the engine fall back to market probabilities.
type Predictor interface {
	Predict(ctx context.Context, g GameContext) (map[string]decimal.Decimal, error)
}

// Analyzer is the qualitative black box (an LLM in production). It returns
// a probability adjustment for the named outcome, in probability points,
// plus a short note. The engine clamps the adjustment to its configured
// cap before applying it.
type Analyzer interface {
	Analyze(ctx context.Context, g GameContext, outcome string) (decimal.Decimal, string, error)
}

// RatingsPredictor is the built-in fallback model: a logistic over the
// net-rating gap with a home-court bump, discounted for players listed
// as out. It is deliberately simple; the production model is injected
// via the Predictor interface.
type RatingsPredictor struct {
	// HomeAdvantage in net-rating points, added to the home side.
	HomeAdvantage float64
	// Scale controls how fast the logistic saturates.
	Scale float64
	// OutPlayerPenalty in net-rating points per player listed out.
	OutPlayerPenalty float64
}

// NewRatingsPredictor returns a predictor with league-typical constants.
func NewRatingsPredictor() *RatingsPredictor {
	return &RatingsPredictor{
		HomeAdvantage:    2.5,
		Scale:            12.0,
		OutPlayerPenalty: 1.5,
	}
}

// Predict implements Predictor with a net-rating logistic. It needs both
// teams' stats; missing either side is an error so the engine falls back
// to market probabilities.
func (p *RatingsPredictor) Predict(ctx context.Context, g GameContext) (map[string]decimal.Decimal, error) {
	if g.HomeStats == nil || g.AwayStats == nil {
		return nil, fmt.Errorf("ratings predictor: missing stats for %s", g.Game.Matchup())
	}

	homeNet := (g.HomeStats.OffRating - g.HomeStats.DefRating) - p.penalty(g, g.Game.HomeTeam)
	awayNet := (g.AwayStats.OffRating - g.AwayStats.DefRating) - p.penalty(g, g.Game.AwayTeam)

	gap := homeNet - awayNet + p.HomeAdvantage
	pHome := 1.0 / (1.0 + math.Exp(-gap/p.Scale))

	home := decimal.NewFromFloat(pHome)
	return map[string]decimal.Decimal{
		g.Game.HomeTeam: home,
		g.Game.AwayTeam: decimal.NewFromInt(1).Sub(home),
	}, nil
}

func (p *RatingsPredictor) penalty(g GameContext, teamName string) float64 {
	team, ok := odds.LookupTeam(teamName)
	if !ok {
		return 0
	}
	var out int
	for _, inj := range g.Injuries {
		if inj.Team == team.Abbreviation && inj.Status == "out" {
			out++
		}
	}
	return float64(out) * p.OutPlayerPenalty
}
