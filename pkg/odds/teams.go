package odds

import (
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Team is an NBA team with the aliases used across odds feeds.
type Team struct {
	Name         string // full name, e.g. "Boston Celtics"
	Abbreviation string // e.g. "BOS"
	Nickname     string // e.g. "Celtics"
	City         string // e.g. "Boston"
}

// nbaTeams is the static league table. Odds feeds disagree on naming
// ("LA Clippers" vs "Los Angeles Clippers"), so matching goes through
// NormalizeTeamName.
var nbaTeams = []Team{
	{"Atlanta Hawks", "ATL", "Hawks", "Atlanta"},
	{"Boston Celtics", "BOS", "Celtics", "Boston"},
	{"Brooklyn Nets", "BKN", "Nets", "Brooklyn"},
	{"Charlotte Hornets", "CHA", "Hornets", "Charlotte"},
	{"Chicago Bulls", "CHI", "Bulls", "Chicago"},
	{"Cleveland Cavaliers", "CLE", "Cavaliers", "Cleveland"},
	{"Dallas Mavericks", "DAL", "Mavericks", "Dallas"},
	{"Denver Nuggets", "DEN", "Nuggets", "Denver"},
	{"Detroit Pistons", "DET", "Pistons", "Detroit"},
	{"Golden State Warriors", "GSW", "Warriors", "Golden State"},
	{"Houston Rockets", "HOU", "Rockets", "Houston"},
	{"Indiana Pacers", "IND", "Pacers", "Indiana"},
	{"Los Angeles Clippers", "LAC", "Clippers", "Los Angeles"},
	{"Los Angeles Lakers", "LAL", "Lakers", "Los Angeles"},
	{"Memphis Grizzlies", "MEM", "Grizzlies", "Memphis"},
	{"Miami Heat", "MIA", "Heat", "Miami"},
	{"Milwaukee Bucks", "MIL", "Bucks", "Milwaukee"},
	{"Minnesota Timberwolves", "MIN", "Timberwolves", "Minnesota"},
	{"New Orleans Pelicans", "NOP", "Pelicans", "New Orleans"},
	{"New York Knicks", "NYK", "Knicks", "New York"},
	{"Oklahoma City Thunder", "OKC", "Thunder", "Oklahoma City"},
	{"Orlando Magic", "ORL", "Magic", "Orlando"},
	{"Philadelphia 76ers", "PHI", "76ers", "Philadelphia"},
	{"Phoenix Suns", "PHX", "Suns", "Phoenix"},
	{"Portland Trail Blazers", "POR", "Trail Blazers", "Portland"},
	{"Sacramento Kings", "SAC", "Kings", "Sacramento"},
	{"San Antonio Spurs", "SAS", "Spurs", "San Antonio"},
	{"Toronto Raptors", "TOR", "Raptors", "Toronto"},
	{"Utah Jazz", "UTA", "Jazz", "Utah"},
	{"Washington Wizards", "WAS", "Wizards", "Washington"},
}

var (
	teamIndexOnce sync.Once
	teamByAlias   map[string]*Team
)

// NormalizeTeamName lowercases a name, strips diacritics and punctuation,
// and collapses whitespace so feed variants compare equal.
func NormalizeTeamName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	normalized, _, err := transform.String(t, name)
	if err != nil {
		normalized = name
	}

	var b strings.Builder
	for _, r := range strings.ToLower(normalized) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func buildTeamIndex() {
	teamByAlias = make(map[string]*Team)
	for i := range nbaTeams {
		team := &nbaTeams[i]
		for _, alias := range []string{team.Name, team.Abbreviation, team.Nickname} {
			teamByAlias[NormalizeTeamName(alias)] = team
		}
		// "LA Lakers" style variants
		if strings.HasPrefix(team.Name, "Los Angeles ") {
			teamByAlias[NormalizeTeamName("LA "+team.Nickname)] = team
		}
	}
}

// LookupTeam resolves a team by full name, nickname, abbreviation, or an
// "LA Lakers" style alias.
func LookupTeam(name string) (Team, bool) {
	teamIndexOnce.Do(buildTeamIndex)

	key := NormalizeTeamName(name)
	if key == "" {
		return Team{}, false
	}
	if t, ok := teamByAlias[key]; ok {
		return *t, true
	}

	// Substring fallback: "celtics tonight" still resolves to Boston.
	for alias, t := range teamByAlias {
		if len(alias) >= 4 && strings.Contains(key, alias) {
			return *t, true
		}
	}
	return Team{}, false
}

// TeamMatches reports whether a feed team name refers to any of the
// requested teams. An empty filter matches everything.
func TeamMatches(feedName string, requested []string) bool {
	if len(requested) == 0 {
		return true
	}

	feed, ok := LookupTeam(feedName)
	if !ok {
		return false
	}
	for _, r := range requested {
		if t, ok := LookupTeam(r); ok && t.Abbreviation == feed.Abbreviation {
			return true
		}
	}
	return false
}
