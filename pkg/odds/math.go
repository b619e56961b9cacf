package odds

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Sharp books price efficiently and are treated as the fair-market reference.
// Soft books cater to recreational flow and drift from fair value.
var (
	SharpBooks = map[string]bool{
		"pinnacle":  true,
		"circa":     true,
		"bookmaker": true,
	}
	SoftBooks = map[string]bool{
		"draftkings": true,
		"fanduel":    true,
		"betmgm":     true,
		"caesars":    true,
		"pointsbet":  true,
	}
)

// ImpliedProbabilities converts a full outcome set to vigged implied
// probabilities (1/price each). The sum exceeds 1 by the book's overround.
func ImpliedProbabilities(outcomes []Outcome) ([]decimal.Decimal, error) {
	if len(outcomes) < 2 {
		return nil, fmt.Errorf("need at least 2 outcomes, got %d", len(outcomes))
	}
	probs := make([]decimal.Decimal, len(outcomes))
	for i, o := range outcomes {
		if err := o.Validate(); err != nil {
			return nil, fmt.Errorf("outcome %q: %w", o.Name, err)
		}
		probs[i] = o.ImpliedProbability()
	}
	return probs, nil
}

// RemoveVig strips the bookmaker margin by proportional normalization: each
// implied probability is divided by the overround total so the fair set sums
// to exactly 1.
func RemoveVig(probs []decimal.Decimal) ([]decimal.Decimal, error) {
	if len(probs) < 2 {
		return nil, fmt.Errorf("need at least 2 probabilities, got %d", len(probs))
	}

	total := decimal.Zero
	for i, p := range probs {
		if p.LessThanOrEqual(decimal.Zero) || p.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("probability %d out of range: %s", i, p)
		}
		total = total.Add(p)
	}

	fair := make([]decimal.Decimal, len(probs))
	for i, p := range probs {
		fair[i] = p.Div(total)
	}
	return fair, nil
}

// FairProbabilities removes the vig from a market's outcome set and returns
// fair probabilities keyed by outcome name.
func FairProbabilities(m Market) (map[string]decimal.Decimal, error) {
	probs, err := ImpliedProbabilities(m.Outcomes)
	if err != nil {
		return nil, err
	}
	fair, err := RemoveVig(probs)
	if err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(m.Outcomes))
	for i, o := range m.Outcomes {
		out[o.Name] = fair[i]
	}
	return out, nil
}

// VigPercentage returns the overround of a market as a percentage,
// e.g. -110/-110 two-way pricing carries roughly 4.76% vig.
func VigPercentage(m Market) (decimal.Decimal, error) {
	probs, err := ImpliedProbabilities(m.Outcomes)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, p := range probs {
		total = total.Add(p)
	}
	if total.LessThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, nil
	}
	return total.Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100)), nil
}

// FairOdds converts a fair probability back to decimal odds.
func FairOdds(fairProb decimal.Decimal) (decimal.Decimal, error) {
	if fairProb.LessThanOrEqual(decimal.Zero) || fairProb.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("fair probability out of range: %s", fairProb)
	}
	return decimal.NewFromInt(1).Div(fairProb), nil
}

// SharpConsensus averages the de-vigged probability of an outcome across all
// sharp books carrying the market. Returns false when no sharp book offers it.
func SharpConsensus(g GameOdds, key MarketKey, outcomeName string) (decimal.Decimal, bool) {
	sum := decimal.Zero
	n := 0

	for _, book := range g.Bookmakers {
		if !SharpBooks[book.Key] {
			continue
		}
		m, ok := book.Market(key)
		if !ok {
			continue
		}
		fair, err := FairProbabilities(m)
		if err != nil {
			continue
		}
		p, ok := fair[outcomeName]
		if !ok {
			continue
		}
		sum = sum.Add(p)
		n++
	}

	if n == 0 {
		return decimal.Zero, false
	}
	return sum.Div(decimal.NewFromInt(int64(n))), true
}
