// Package odds provides normalized betting-line types and the probability
// math used to evaluate them: implied probabilities, vig removal, and
// cross-book line discrepancies.
//
// All prices are decimal odds: total payout per unit staked, so the minimum
// valid price is 1.0 (break even).
package odds

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MarketKey identifies a betting market type.
type MarketKey string

const (
	MarketMoneyline MarketKey = "h2h"
	MarketSpreads   MarketKey = "spreads"
	MarketTotals    MarketKey = "totals"
)

// IsValid returns true for market keys the analysis engine understands.
func (k MarketKey) IsValid() bool {
	switch k {
	case MarketMoneyline, MarketSpreads, MarketTotals:
		return true
	default:
		return false
	}
}

// Outcome is a single tradable outcome (team to win, Over, Under).
type Outcome struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`           // decimal odds, >= 1.0
	Point *float64        `json:"point,omitempty"` // spread/total line, nil for h2h
}

// Validate checks that the outcome carries usable decimal odds.
func (o Outcome) Validate() error {
	if o.Price.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("decimal odds must be >= 1.0, got %s", o.Price)
	}
	return nil
}

// ImpliedProbability returns 1/price, the bookmaker's vigged probability.
func (o Outcome) ImpliedProbability() decimal.Decimal {
	if o.Price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).Div(o.Price)
}

// Market groups the outcomes of one market type at one book.
type Market struct {
	Key      MarketKey `json:"key"`
	Outcomes []Outcome `json:"outcomes"`
}

// BookmakerOdds holds one sportsbook's markets for a game.
type BookmakerOdds struct {
	Key        string    `json:"key"`   // e.g. "draftkings"
	Title      string    `json:"title"` // e.g. "DraftKings"
	Markets    []Market  `json:"markets"`
	LastUpdate time.Time `json:"last_update"`
}

// Market returns the bookmaker's market with the given key, if present.
func (b BookmakerOdds) Market(key MarketKey) (Market, bool) {
	for _, m := range b.Markets {
		if m.Key == key {
			return m, true
		}
	}
	return Market{}, false
}

// GameOdds is the complete set of lines for a single game across books.
type GameOdds struct {
	GameID       string          `json:"game_id"`
	HomeTeam     string          `json:"home_team"`
	AwayTeam     string          `json:"away_team"`
	CommenceTime time.Time       `json:"commence_time"`
	Bookmakers   []BookmakerOdds `json:"bookmakers"`
}

// Matchup returns a display label like "Celtics @ Lakers".
func (g GameOdds) Matchup() string {
	return fmt.Sprintf("%s @ %s", g.AwayTeam, g.HomeTeam)
}

// HasBook returns true if the game carries lines from the given book key.
func (g GameOdds) HasBook(key string) bool {
	for _, b := range g.Bookmakers {
		if b.Key == key {
			return true
		}
	}
	return false
}

// LineMovement tracks how a single outcome's price moved since open,
// alongside the public betting split. Consumed by the reverse-line-movement
// detector in the analysis engine.
type LineMovement struct {
	GameID        string          `json:"game_id"`
	Market        MarketKey       `json:"market"`
	Outcome       string          `json:"outcome"`
	OpeningPrice  decimal.Decimal `json:"opening_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	PublicBetPct  float64         `json:"public_bet_pct"` // share of bets on this outcome, 0-100
	SampledAt     time.Time       `json:"sampled_at"`
	SampledFromBk string          `json:"sampled_from,omitempty"`
}
