package odds

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func twoWayMarket(key MarketKey, nameA, priceA, nameB, priceB string) Market {
	return Market{
		Key: key,
		Outcomes: []Outcome{
			{Name: nameA, Price: dec(priceA)},
			{Name: nameB, Price: dec(priceB)},
		},
	}
}

func TestRemoveVigNormalizesToOne(t *testing.T) {
	// -110/-110 pricing: 1.909 both sides.
	m := twoWayMarket(MarketMoneyline, "Boston Celtics", "1.909", "Los Angeles Lakers", "1.909")
	fair, err := FairProbabilities(m)
	if err != nil {
		t.Fatalf("FairProbabilities: %v", err)
	}

	sum := fair["Boston Celtics"].Add(fair["Los Angeles Lakers"])
	if !sum.Round(10).Equal(decimal.NewFromInt(1)) {
		t.Errorf("fair probabilities sum to %s, want 1", sum)
	}
	// Symmetric pricing de-vigs to exactly even.
	if !fair["Boston Celtics"].Round(10).Equal(dec("0.5")) {
		t.Errorf("symmetric market fair prob = %s, want 0.5", fair["Boston Celtics"])
	}
}

func TestRemoveVigProportional(t *testing.T) {
	// 1.60 / 2.50 implied 0.625 / 0.40, overround 1.025.
	m := twoWayMarket(MarketMoneyline, "Favorite", "1.60", "Underdog", "2.50")
	fair, err := FairProbabilities(m)
	if err != nil {
		t.Fatalf("FairProbabilities: %v", err)
	}
	want := dec("0.625").Div(dec("1.025"))
	if !fair["Favorite"].Equal(want) {
		t.Errorf("favorite fair prob = %s, want %s", fair["Favorite"], want)
	}
}

func TestRemoveVigRejectsBadInput(t *testing.T) {
	if _, err := RemoveVig([]decimal.Decimal{dec("0.5")}); err == nil {
		t.Error("expected error for single probability")
	}
	if _, err := RemoveVig([]decimal.Decimal{dec("0.5"), dec("1.2")}); err == nil {
		t.Error("expected error for probability >= 1")
	}
	if _, err := RemoveVig([]decimal.Decimal{dec("0.5"), dec("0")}); err == nil {
		t.Error("expected error for zero probability")
	}
}

func TestVigPercentage(t *testing.T) {
	m := twoWayMarket(MarketMoneyline, "A", "1.909", "B", "1.909")
	vig, err := VigPercentage(m)
	if err != nil {
		t.Fatalf("VigPercentage: %v", err)
	}
	// Two sides at 1.909 carry about 4.77% overround.
	if vig.LessThan(dec("4.5")) || vig.GreaterThan(dec("5")) {
		t.Errorf("vig = %s, want ~4.77", vig)
	}
}

func TestOutcomeValidate(t *testing.T) {
	if err := (Outcome{Name: "A", Price: dec("0.95")}).Validate(); err == nil {
		t.Error("expected error for price below 1.0")
	}
	if err := (Outcome{Name: "A", Price: dec("1.0")}).Validate(); err != nil {
		t.Errorf("price 1.0 should validate: %v", err)
	}
}

func TestSharpConsensus(t *testing.T) {
	g := GameOdds{
		GameID:   "g1",
		HomeTeam: "Los Angeles Lakers",
		AwayTeam: "Boston Celtics",
		Bookmakers: []BookmakerOdds{
			{Key: "pinnacle", Markets: []Market{twoWayMarket(MarketMoneyline, "Boston Celtics", "1.60", "Los Angeles Lakers", "2.50")}},
			{Key: "circa", Markets: []Market{twoWayMarket(MarketMoneyline, "Boston Celtics", "1.65", "Los Angeles Lakers", "2.40")}},
			{Key: "draftkings", Markets: []Market{twoWayMarket(MarketMoneyline, "Boston Celtics", "2.00", "Los Angeles Lakers", "1.80")}},
		},
	}

	p, ok := SharpConsensus(g, MarketMoneyline, "Boston Celtics")
	if !ok {
		t.Fatal("expected sharp consensus")
	}
	// Average of the two sharp books only; the soft price would drag it
	// toward 0.5 if it leaked in.
	if p.LessThan(dec("0.59")) || p.GreaterThan(dec("0.63")) {
		t.Errorf("consensus = %s, want in [0.59, 0.63]", p)
	}

	if _, ok := SharpConsensus(g, MarketSpreads, "Boston Celtics"); ok {
		t.Error("no sharp book carries spreads here")
	}

	softOnly := GameOdds{Bookmakers: g.Bookmakers[2:]}
	if _, ok := SharpConsensus(softOnly, MarketMoneyline, "Boston Celtics"); ok {
		t.Error("soft-only game should have no consensus")
	}
}

func TestFindDiscrepancies(t *testing.T) {
	g := GameOdds{
		GameID: "g1",
		Bookmakers: []BookmakerOdds{
			{Key: "draftkings", Markets: []Market{twoWayMarket(MarketMoneyline, "Boston Celtics", "2.20", "Los Angeles Lakers", "1.70")}},
			{Key: "fanduel", Markets: []Market{twoWayMarket(MarketMoneyline, "Boston Celtics", "1.90", "Los Angeles Lakers", "1.90")}},
		},
	}

	found := FindDiscrepancies(g, dec("3"))
	var celtics *LineDiscrepancy
	for i := range found {
		if found[i].Outcome == "Boston Celtics" {
			celtics = &found[i]
		}
	}
	if celtics == nil {
		t.Fatalf("expected a Celtics discrepancy, got %+v", found)
	}
	if celtics.BestBook != "draftkings" || !celtics.BestPrice.Equal(dec("2.20")) {
		t.Errorf("best = %s at %s, want 2.20 at draftkings", celtics.BestPrice, celtics.BestBook)
	}
	if celtics.WorstBook != "fanduel" {
		t.Errorf("worst book = %s, want fanduel", celtics.WorstBook)
	}
	// 1/1.90 - 1/2.20 is about 7.2 points.
	if celtics.ImpliedDiffPct.LessThan(dec("7")) || celtics.ImpliedDiffPct.GreaterThan(dec("7.5")) {
		t.Errorf("implied diff = %s, want ~7.2", celtics.ImpliedDiffPct)
	}

	if got := FindDiscrepancies(g, dec("50")); len(got) != 0 {
		t.Errorf("high threshold should filter everything, got %+v", got)
	}
}

func TestFindDiscrepanciesKeysPoints(t *testing.T) {
	pt1, pt2 := -1.5, -2.5
	g := GameOdds{
		GameID: "g1",
		Bookmakers: []BookmakerOdds{
			{Key: "draftkings", Markets: []Market{{Key: MarketSpreads, Outcomes: []Outcome{
				{Name: "Boston Celtics", Price: dec("2.10"), Point: &pt1},
			}}}},
			{Key: "fanduel", Markets: []Market{{Key: MarketSpreads, Outcomes: []Outcome{
				{Name: "Boston Celtics", Price: dec("1.80"), Point: &pt2},
			}}}},
		},
	}
	// Different points are different propositions, never compared.
	if got := FindDiscrepancies(g, dec("0")); len(got) != 0 {
		t.Errorf("distinct points should not be compared, got %+v", got)
	}
}

func TestLookupTeam(t *testing.T) {
	tests := []struct {
		in     string
		abbrev string
		ok     bool
	}{
		{"Boston Celtics", "BOS", true},
		{"celtics", "BOS", true},
		{"BOS", "BOS", true},
		{"LA Lakers", "LAL", true},
		{"Los Angeles Lakers", "LAL", true},
		{"  golden state warriors  ", "GSW", true},
		{"76ers", "PHI", true},
		{"", "", false},
		{"Springfield Atoms", "", false},
	}
	for _, tt := range tests {
		team, ok := LookupTeam(tt.in)
		if ok != tt.ok {
			t.Errorf("LookupTeam(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && team.Abbreviation != tt.abbrev {
			t.Errorf("LookupTeam(%q) = %s, want %s", tt.in, team.Abbreviation, tt.abbrev)
		}
	}
}

func TestTeamMatches(t *testing.T) {
	if !TeamMatches("Boston Celtics", nil) {
		t.Error("empty filter should match everything")
	}
	if !TeamMatches("Boston Celtics", []string{"celtics"}) {
		t.Error("nickname should match full feed name")
	}
	if TeamMatches("Boston Celtics", []string{"lakers"}) {
		t.Error("different team should not match")
	}
	if TeamMatches("Springfield Atoms", []string{"celtics"}) {
		t.Error("unknown feed team never matches a filter")
	}
}

func TestNormalizeTeamName(t *testing.T) {
	if got := NormalizeTeamName("  Boston   CELTICS! "); got != "boston celtics" {
		t.Errorf("NormalizeTeamName = %q", got)
	}
	if got := NormalizeTeamName("Dončić"); got != "doncic" {
		t.Errorf("diacritics not stripped: %q", got)
	}
}

func TestGameOddsHelpers(t *testing.T) {
	g := GameOdds{
		HomeTeam:   "Los Angeles Lakers",
		AwayTeam:   "Boston Celtics",
		Bookmakers: []BookmakerOdds{{Key: "pinnacle"}},
	}
	if got := g.Matchup(); got != "Boston Celtics @ Los Angeles Lakers" {
		t.Errorf("Matchup = %q", got)
	}
	if !g.HasBook("pinnacle") || g.HasBook("draftkings") {
		t.Error("HasBook mismatch")
	}
}
