package analysis

import (
	"github.com/shopspring/decimal"

	"github.com/hooplab/courtedge/pkg/odds"
)

// SharpEdge measures how far a soft book's best price is above the sharp
// consensus, in implied-probability percentage points. A positive edge
// means the soft price underrates the outcome relative to the books that
// set the market. Returns false when no sharp book quotes the market or
// the best price itself came from a sharp book.
func SharpEdge(game odds.GameOdds, key odds.MarketKey, best bestPrice) (decimal.Decimal, bool) {
	if odds.SharpBooks[best.book] {
		return decimal.Decimal{}, false
	}
	sharp, ok := odds.SharpConsensus(game, key, best.outcome)
	if !ok {
		return decimal.Decimal{}, false
	}

	softImplied := decimal.NewFromInt(1).Div(best.price)
	edge := sharp.Sub(softImplied).Mul(decimal.NewFromInt(100))
	if !edge.IsPositive() {
		return decimal.Decimal{}, false
	}
	return edge, true
}
