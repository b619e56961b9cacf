package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hooplab/courtedge/pkg/agents"
)

// StatsServiceClient talks to the internal stats service, a thin JSON
// facade over the league stats and injury feeds. Implements the stats
// agent's StatsProvider and InjuryProvider.
type StatsServiceClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewStatsServiceClient creates a client for the given base URL.
func NewStatsServiceClient(baseURL string) (*StatsServiceClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("stats service url not configured")
	}
	return &StatsServiceClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

// FetchTeamStats retrieves one team's season profile by abbreviation.
func (c *StatsServiceClient) FetchTeamStats(ctx context.Context, team string) (*agents.TeamStats, error) {
	var stats agents.TeamStats
	if err := c.getJSON(ctx, fmt.Sprintf("%s/teams/%s/stats", c.baseURL, team), &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// FetchInjuries retrieves the league-wide injury report.
func (c *StatsServiceClient) FetchInjuries(ctx context.Context) ([]agents.InjuryReport, error) {
	var reports []agents.InjuryReport
	if err := c.getJSON(ctx, c.baseURL+"/injuries", &reports); err != nil {
		return nil, err
	}
	return reports, nil
}

func (c *StatsServiceClient) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("stats service request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("stats service read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stats service status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("stats service decode: %w", err)
	}
	return nil
}
