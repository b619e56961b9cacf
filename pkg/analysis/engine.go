package analysis

import (
	"context"
	"log"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/hooplab/courtedge/pkg/agents"
	"github.com/hooplab/courtedge/pkg/odds"
)

// Confidence tiers, ordered. Larger edge with model/market agreement never
// produces a lower tier.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// Opportunity is one positive-EV bet the engine surfaced. Immutable after
// creation; the registry only appends them to runs.
type Opportunity struct {
	GameID     string          `json:"game_id"`
	Matchup    string          `json:"matchup"`
	Market     odds.MarketKey  `json:"market"`
	Outcome    string          `json:"outcome"`
	Bookmaker  string          `json:"bookmaker"`
	Price      decimal.Decimal `json:"price"` // decimal odds at Bookmaker
	MarketProb decimal.Decimal `json:"market_prob"`
	ModelProb  decimal.Decimal `json:"model_prob,omitempty"`
	Blended    decimal.Decimal `json:"blended_prob"`
	EVPct      decimal.Decimal `json:"ev_pct"`
	KellyPct   decimal.Decimal `json:"kelly_pct"`
	Confidence string          `json:"confidence"`

	// Optional signals.
	SharpEdgePct    decimal.Decimal `json:"sharp_edge_pct,omitempty"`
	ReverseLineMove bool            `json:"reverse_line_move,omitempty"`
	Note            string          `json:"note,omitempty"`
}

// EngineConfig is the tunable surface of the analysis engine. Thresholds
// are business choices, not laws; the defaults mirror production.
type EngineConfig struct {
	// ModelWeight is w in blended = w*model + (1-w)*market.
	ModelWeight decimal.Decimal
	// MaxQualAdjust caps the analyzer's nudge, in probability points.
	MaxQualAdjust decimal.Decimal
	// MinEVPct is the emission floor; outcomes at or below it are dropped.
	MinEVPct decimal.Decimal
	// KellyFraction scales the Kelly stake (1 = full Kelly).
	KellyFraction decimal.Decimal
	// HighEVPct and MediumEVPct are the tier cutoffs.
	HighEVPct   decimal.Decimal
	MediumEVPct decimal.Decimal
}

// DefaultEngineConfig returns the production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ModelWeight:   decimal.NewFromFloat(0.7),
		MaxQualAdjust: decimal.NewFromFloat(0.03),
		MinEVPct:      decimal.Zero,
		KellyFraction: decimal.NewFromInt(1),
		HighEVPct:     decimal.NewFromFloat(0.08),
		MediumEVPct:   decimal.NewFromFloat(0.04),
	}
}

// Engine turns gathered lines and stats into Opportunities. Predictor and
// Analyzer are both optional; without them the engine runs market-only and
// finds only cross-book and sharp-book edges.
type Engine struct {
	config    EngineConfig
	predictor Predictor
	analyzer  Analyzer
}

// NewEngine creates an engine. predictor and analyzer may be nil. The
// config is taken as given; start from DefaultEngineConfig and override.
// Zero is a valid setting (weight 0 blends pure market, fraction 0 stakes
// nothing), so nothing here is re-defaulted.
func NewEngine(config EngineConfig, predictor Predictor, analyzer Analyzer) *Engine {
	one := decimal.NewFromInt(1)
	if config.ModelWeight.LessThan(decimal.Zero) {
		config.ModelWeight = decimal.Zero
	}
	if config.ModelWeight.GreaterThan(one) {
		config.ModelWeight = one
	}
	return &Engine{config: config, predictor: predictor, analyzer: analyzer}
}

// Analyze scans every game in lines and returns the Opportunities sorted by
// EV descending. statsPartial marks that the stats agent degraded, which
// caps confidence at low for model-dependent picks.
func (e *Engine) Analyze(ctx context.Context, lines *agents.LinesData, stats *agents.StatsData, statsPartial bool) []Opportunity {
	var out []Opportunity
	for _, game := range lines.Games {
		out = append(out, e.analyzeGame(ctx, game, lines, stats, statsPartial)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EVPct.GreaterThan(out[j].EVPct) })
	return out
}

func (e *Engine) analyzeGame(ctx context.Context, game odds.GameOdds, lines *agents.LinesData, stats *agents.StatsData, statsPartial bool) []Opportunity {
	gc := e.gameContext(game, stats)

	modelProbs := e.modelProbs(ctx, gc)

	var out []Opportunity
	for _, key := range []odds.MarketKey{odds.MarketMoneyline, odds.MarketSpreads, odds.MarketTotals} {
		for _, best := range bestPrices(game, key) {
			opp, ok := e.evaluate(ctx, gc, key, best, modelProbs, statsPartial)
			if !ok {
				continue
			}
			opp.ReverseLineMove = HasReverseLineMove(lines.Movements, game.GameID, key, best.outcome)
			out = append(out, opp)
		}
	}
	return out
}

// bestPrice is the best available decimal odds for one outcome across books.
type bestPrice struct {
	outcome string
	book    string
	price   decimal.Decimal
	// fair market probability for the outcome, averaged de-vigged.
	marketProb decimal.Decimal
}

// bestPrices collects, per outcome in the market, the best book price and
// the average de-vigged probability across all books quoting it.
func bestPrices(game odds.GameOdds, key odds.MarketKey) []bestPrice {
	type acc struct {
		best     bestPrice
		probSum  decimal.Decimal
		probN    int
		haveBest bool
	}
	byOutcome := make(map[string]*acc)
	var order []string

	for _, book := range game.Bookmakers {
		m, ok := book.Market(key)
		if !ok {
			continue
		}
		fair, err := odds.FairProbabilities(m)
		if err != nil {
			continue
		}
		for _, o := range m.Outcomes {
			a, ok := byOutcome[o.Name]
			if !ok {
				a = &acc{}
				byOutcome[o.Name] = a
				order = append(order, o.Name)
			}
			a.probSum = a.probSum.Add(fair[o.Name])
			a.probN++
			if !a.haveBest || o.Price.GreaterThan(a.best.price) {
				a.best = bestPrice{outcome: o.Name, book: book.Key, price: o.Price}
				a.haveBest = true
			}
		}
	}

	out := make([]bestPrice, 0, len(order))
	for _, name := range order {
		a := byOutcome[name]
		if !a.haveBest || a.probN == 0 {
			continue
		}
		a.best.marketProb = a.probSum.Div(decimal.NewFromInt(int64(a.probN)))
		out = append(out, a.best)
	}
	return out
}

func (e *Engine) evaluate(ctx context.Context, gc GameContext, key odds.MarketKey, best bestPrice, modelProbs map[string]decimal.Decimal, statsPartial bool) (Opportunity, bool) {
	marketProb := best.marketProb
	// Sharp consensus overrides the all-book average when available.
	if sharp, ok := odds.SharpConsensus(gc.Game, key, best.outcome); ok {
		marketProb = sharp
	}

	modelProb, hasModel := modelProbs[best.outcome]
	blended := marketProb
	if hasModel {
		w := e.config.ModelWeight
		blended = w.Mul(modelProb).Add(decimal.NewFromInt(1).Sub(w).Mul(marketProb))
	}

	note := ""
	if e.analyzer != nil {
		adj, n, err := e.analyzer.Analyze(ctx, gc, best.outcome)
		if err != nil {
			log.Printf("[ANALYSIS] analyzer failed for %s %s: %v", gc.Game.Matchup(), best.outcome, err)
		} else {
			blended = blended.Add(clamp(adj, e.config.MaxQualAdjust.Neg(), e.config.MaxQualAdjust))
			note = n
		}
	}
	blended = clamp(blended, decimal.Zero, decimal.NewFromInt(1))

	one := decimal.NewFromInt(1)
	evPct := blended.Mul(best.price).Sub(one)
	if !evPct.GreaterThan(e.config.MinEVPct) {
		return Opportunity{}, false
	}

	kelly := decimal.Zero
	if best.price.GreaterThan(one) {
		kelly = evPct.Div(best.price.Sub(one))
		if kelly.IsNegative() {
			kelly = decimal.Zero
		}
		kelly = kelly.Mul(e.config.KellyFraction)
	}

	opp := Opportunity{
		GameID:     gc.Game.GameID,
		Matchup:    gc.Game.Matchup(),
		Market:     key,
		Outcome:    best.outcome,
		Bookmaker:  best.book,
		Price:      best.price,
		MarketProb: marketProb,
		Blended:    blended,
		EVPct:      evPct,
		KellyPct:   kelly,
		Note:       note,
	}
	if hasModel {
		opp.ModelProb = modelProb
	}
	if edge, ok := SharpEdge(gc.Game, key, best); ok {
		opp.SharpEdgePct = edge
	}

	agree := hasModel && modelProb.GreaterThanOrEqual(marketProb)
	opp.Confidence = e.confidence(evPct, agree, statsPartial)
	return opp, true
}

// confidence maps edge size and model/market agreement to a tier. Partial
// stats or a model pointing the other way cap the tier at low.
func (e *Engine) confidence(evPct decimal.Decimal, agree, statsPartial bool) string {
	if statsPartial || !agree {
		return ConfidenceLow
	}
	switch {
	case evPct.GreaterThanOrEqual(e.config.HighEVPct):
		return ConfidenceHigh
	case evPct.GreaterThanOrEqual(e.config.MediumEVPct):
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func (e *Engine) gameContext(game odds.GameOdds, stats *agents.StatsData) GameContext {
	gc := GameContext{Game: game}
	if stats == nil {
		return gc
	}
	gc.Injuries = stats.Injuries
	if t, ok := odds.LookupTeam(game.HomeTeam); ok {
		gc.HomeStats = stats.TeamStats[t.Abbreviation]
	}
	if t, ok := odds.LookupTeam(game.AwayTeam); ok {
		gc.AwayStats = stats.TeamStats[t.Abbreviation]
	}
	return gc
}

// modelProbs asks the predictor, falling back to market-only on any error.
func (e *Engine) modelProbs(ctx context.Context, gc GameContext) map[string]decimal.Decimal {
	if e.predictor == nil {
		return nil
	}
	probs, err := e.predictor.Predict(ctx, gc)
	if err != nil {
		log.Printf("[ANALYSIS] predictor unavailable for %s, using market only: %v", gc.Game.Matchup(), err)
		return nil
	}
	return probs
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
