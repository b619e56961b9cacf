package analysis

import (
	"github.com/shopspring/decimal"

	"github.com/hooplab/courtedge/pkg/odds"
)

// rlmPublicThreshold is the public-bet share above which a price drifting
// the wrong way counts as reverse line movement.
const rlmPublicThreshold = 60.0

// HasReverseLineMove reports whether the line on the given outcome moved
// against a public majority: the price on the heavily-bet side lengthened,
// which means books are taking sharp money on the other side — or the
// lightly-bet side's price shortened despite the public being elsewhere.
func HasReverseLineMove(movements []odds.LineMovement, gameID string, key odds.MarketKey, outcome string) bool {
	for _, mv := range movements {
		if mv.GameID != gameID || mv.Market != key {
			continue
		}
		if mv.OpeningPrice.IsZero() || mv.CurrentPrice.IsZero() {
			continue
		}

		drift := mv.CurrentPrice.Cmp(mv.OpeningPrice)
		switch {
		case mv.Outcome == outcome && mv.PublicBetPct < (100-rlmPublicThreshold) && drift < 0:
			// Our side shortened with the public on the other side.
			return true
		case mv.Outcome != outcome && mv.PublicBetPct >= rlmPublicThreshold && drift > 0:
			// The public side lengthened; money is on our side.
			return true
		}
	}
	return false
}

// MovementPct is the price change from open to current in percent, for
// reporting alongside an RLM flag.
func MovementPct(mv odds.LineMovement) decimal.Decimal {
	if mv.OpeningPrice.IsZero() {
		return decimal.Zero
	}
	return mv.CurrentPrice.Sub(mv.OpeningPrice).Div(mv.OpeningPrice).Mul(decimal.NewFromInt(100))
}
