package odds

import (
	"github.com/shopspring/decimal"
)

// LineDiscrepancy records the best and worst price offered for one outcome
// across books, with the implied-probability gap between them. Wide gaps mark
// soft pricing worth a closer look.
type LineDiscrepancy struct {
	GameID         string          `json:"game_id"`
	Market         MarketKey       `json:"market"`
	Outcome        string          `json:"outcome"`
	Point          *float64        `json:"point,omitempty"`
	BestBook       string          `json:"best_book"`
	BestPrice      decimal.Decimal `json:"best_price"`
	WorstBook      string          `json:"worst_book"`
	WorstPrice     decimal.Decimal `json:"worst_price"`
	ImpliedDiffPct decimal.Decimal `json:"implied_diff_pct"`
}

type outcomeKey struct {
	market  MarketKey
	outcome string
	point   float64
	hasPt   bool
}

type bookPrice struct {
	book  string
	price decimal.Decimal
}

// FindDiscrepancies scans a game's books for outcomes priced differently
// across at least two books, above the given implied-probability threshold
// (in percentage points).
func FindDiscrepancies(g GameOdds, minDiffPct decimal.Decimal) []LineDiscrepancy {
	prices := make(map[outcomeKey][]bookPrice)

	for _, book := range g.Bookmakers {
		for _, m := range book.Markets {
			for _, o := range m.Outcomes {
				if o.Validate() != nil {
					continue
				}
				k := outcomeKey{market: m.Key, outcome: o.Name}
				if o.Point != nil {
					k.point = *o.Point
					k.hasPt = true
				}
				prices[k] = append(prices[k], bookPrice{book: book.Key, price: o.Price})
			}
		}
	}

	var out []LineDiscrepancy
	for k, bps := range prices {
		if len(bps) < 2 {
			continue
		}

		best, worst := bps[0], bps[0]
		for _, bp := range bps[1:] {
			if bp.price.GreaterThan(best.price) {
				best = bp
			}
			if bp.price.LessThan(worst.price) {
				worst = bp
			}
		}

		// Implied probability gap in percentage points. Worst price means
		// highest implied probability.
		diff := worstImplied(worst.price).Sub(worstImplied(best.price)).Mul(decimal.NewFromInt(100))
		if diff.LessThan(minDiffPct) {
			continue
		}

		d := LineDiscrepancy{
			GameID:         g.GameID,
			Market:         k.market,
			Outcome:        k.outcome,
			BestBook:       best.book,
			BestPrice:      best.price,
			WorstBook:      worst.book,
			WorstPrice:     worst.price,
			ImpliedDiffPct: diff,
		}
		if k.hasPt {
			pt := k.point
			d.Point = &pt
		}
		out = append(out, d)
	}

	return out
}

func worstImplied(price decimal.Decimal) decimal.Decimal {
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).Div(price)
}
