// Package providers contains HTTP clients for the external data sources.
// Each client satisfies an agent-facing interface; retries, pacing, and
// breakers stay in the resilience layer, not here.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hooplab/courtedge/pkg/odds"
)

const (
	// DefaultOddsBaseURL is The Odds API base URL.
	DefaultOddsBaseURL = "https://api.the-odds-api.com/v4"

	nbaSportKey = "basketball_nba"
)

// OddsAPIClient fetches NBA odds from The Odds API. Implements the lines
// agent's OddsProvider.
type OddsAPIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// OddsAPIOption configures the client.
type OddsAPIOption func(*OddsAPIClient)

// WithOddsBaseURL sets a custom base URL.
func WithOddsBaseURL(url string) OddsAPIOption {
	return func(c *OddsAPIClient) {
		c.baseURL = url
	}
}

// WithOddsHTTPClient sets a custom HTTP client.
func WithOddsHTTPClient(client *http.Client) OddsAPIOption {
	return func(c *OddsAPIClient) {
		c.httpClient = client
	}
}

// NewOddsAPIClient creates a client. apiKey must be non-empty.
func NewOddsAPIClient(apiKey string, opts ...OddsAPIOption) (*OddsAPIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("odds api key not configured")
	}
	c := &OddsAPIClient{
		baseURL: DefaultOddsBaseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// oddsEvent is The Odds API wire format.
type oddsEvent struct {
	ID           string    `json:"id"`
	HomeTeam     string    `json:"home_team"`
	AwayTeam     string    `json:"away_team"`
	CommenceTime time.Time `json:"commence_time"`
	Bookmakers   []struct {
		Key     string `json:"key"`
		Title   string `json:"title"`
		Markets []struct {
			Key      string `json:"key"`
			Outcomes []struct {
				Name  string          `json:"name"`
				Price decimal.Decimal `json:"price"`
				Point *float64        `json:"point,omitempty"`
			} `json:"outcomes"`
		} `json:"markets"`
	} `json:"bookmakers"`
}

// FetchOdds retrieves decimal odds for upcoming NBA games across the
// moneyline, spread, and totals markets. date is accepted for interface
// parity; the API returns all upcoming events and the agent filters.
func (c *OddsAPIClient) FetchOdds(ctx context.Context, date string) ([]odds.GameOdds, error) {
	params := url.Values{}
	params.Set("apiKey", c.apiKey)
	params.Set("regions", "us")
	params.Set("markets", "h2h,spreads,totals")
	params.Set("oddsFormat", "decimal")

	endpoint := fmt.Sprintf("%s/sports/%s/odds", c.baseURL, nbaSportKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Deliberately not wrapping the URL: it carries the key.
		return nil, fmt.Errorf("odds api request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("odds api read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("odds api status %d", resp.StatusCode)
	}

	var events []oddsEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("odds api decode: %w", err)
	}

	games := make([]odds.GameOdds, 0, len(events))
	for _, ev := range events {
		games = append(games, toGameOdds(ev))
	}
	return games, nil
}

func toGameOdds(ev oddsEvent) odds.GameOdds {
	g := odds.GameOdds{
		GameID:       ev.ID,
		HomeTeam:     ev.HomeTeam,
		AwayTeam:     ev.AwayTeam,
		CommenceTime: ev.CommenceTime,
	}
	for _, bk := range ev.Bookmakers {
		book := odds.BookmakerOdds{Key: bk.Key, Title: bk.Title}
		for _, m := range bk.Markets {
			market := odds.Market{Key: odds.MarketKey(m.Key)}
			for _, o := range m.Outcomes {
				market.Outcomes = append(market.Outcomes, odds.Outcome{
					Name:  o.Name,
					Price: o.Price,
					Point: o.Point,
				})
			}
			book.Markets = append(book.Markets, market)
		}
		g.Bookmakers = append(g.Bookmakers, book)
	}
	return g
}
