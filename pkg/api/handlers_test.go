package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hooplab/courtedge/pkg/admission"
	"github.com/hooplab/courtedge/pkg/agents"
	"github.com/hooplab/courtedge/pkg/analysis"
	"github.com/hooplab/courtedge/pkg/odds"
	"github.com/hooplab/courtedge/pkg/streaming"
	"github.com/hooplab/courtedge/pkg/workflow"
)

type stubLines struct{ data *agents.LinesData }

func (s *stubLines) Name() string { return "lines_agent" }
func (s *stubLines) Gather(ctx context.Context, req agents.Request) (*agents.LinesData, agents.Result) {
	return s.data, agents.Result{Agent: "lines_agent"}
}

type stubStats struct{}

func (stubStats) Name() string { return "stats_agent" }
func (stubStats) Gather(ctx context.Context, req agents.Request) (*agents.StatsData, agents.Result) {
	return &agents.StatsData{TeamStats: map[string]*agents.TeamStats{}}, agents.Result{Agent: "stats_agent"}
}

func stubLinesData() *agents.LinesData {
	return &agents.LinesData{Games: []odds.GameOdds{{
		GameID:       "game-1",
		HomeTeam:     "Los Angeles Lakers",
		AwayTeam:     "Boston Celtics",
		CommenceTime: time.Now().Add(3 * time.Hour),
		Bookmakers: []odds.BookmakerOdds{
			{
				Key: "draftkings",
				Markets: []odds.Market{{
					Key: odds.MarketMoneyline,
					Outcomes: []odds.Outcome{
						{Name: "Boston Celtics", Price: decimal.NewFromFloat(2.2)},
						{Name: "Los Angeles Lakers", Price: decimal.NewFromFloat(1.7)},
					},
				}},
			},
			{
				Key: "pinnacle",
				Markets: []odds.Market{{
					Key: odds.MarketMoneyline,
					Outcomes: []odds.Outcome{
						{Name: "Boston Celtics", Price: decimal.NewFromFloat(1.8)},
						{Name: "Los Angeles Lakers", Price: decimal.NewFromFloat(2.1)},
					},
				}},
			},
		},
	}}}
}

type testEnv struct {
	srv      *httptest.Server
	server   *Server
	registry *workflow.Registry
	tokens   *admission.TokenManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	registry := workflow.NewRegistry()
	engine := analysis.NewEngine(analysis.DefaultEngineConfig(), nil, nil)
	orchestrator := workflow.NewOrchestrator(
		workflow.DefaultConfig(),
		&stubLines{data: stubLinesData()},
		stubStats{},
		engine, registry, nil, nil,
	)

	tokens, err := admission.NewTokenManager(admission.DefaultTokenConfig(), []byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	users := admission.NewUserStore()
	if err := users.AddUser("analyst", "correct-horse"); err != nil {
		t.Fatal(err)
	}
	hub := streaming.NewHub(streaming.DefaultHubConfig(), tokens, registry, nil)

	server := NewServer(orchestrator, registry, hub, tokens, users, admission.NewRateLimiter(nil), nil)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, server: server, registry: registry, tokens: tokens}
}

func (e *testEnv) login(t *testing.T) admission.TokenPair {
	t.Helper()
	resp := e.post(t, "/api/auth/login", `{"username":"analyst","password":"correct-horse"}`, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var pair admission.TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		t.Fatal(err)
	}
	return pair
}

func (e *testEnv) post(t *testing.T, path, body, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) runToCompletion(t *testing.T, token string) string {
	t.Helper()
	resp := e.post(t, "/api/analysis/run", `{}`, token)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start run status = %d", resp.StatusCode)
	}
	var started startRunResponse
	decodeInto(t, resp, &started)

	deadline := time.Now().Add(5 * time.Second)
	for {
		run, ok := e.registry.Get(started.RunID)
		if ok && run.Status.Terminal() {
			if run.Status != workflow.StatusCompleted {
				t.Fatalf("run finished %s: %v", run.Status, run.Errors)
			}
			return started.RunID
		}
		if time.Now().After(deadline) {
			t.Fatal("run never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLoginAndAuthorizedRequest(t *testing.T) {
	env := newTestEnv(t)
	pair := env.login(t)

	resp := env.get(t, "/api/analysis/latest", pair.AccessToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("latest with no runs = %d, want 404", resp.StatusCode)
	}

	resp = env.get(t, "/api/analysis/latest", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token = %d, want 401", resp.StatusCode)
	}
}

func TestLoginRateLimit(t *testing.T) {
	env := newTestEnv(t)

	for i := 1; i <= 5; i++ {
		resp := env.post(t, "/api/auth/login", `{"username":"analyst","password":"wrong"}`, "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d", i, resp.StatusCode)
		}
	}

	resp := env.post(t, "/api/auth/login", `{"username":"analyst","password":"wrong"}`, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("6th attempt status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("429 must carry Retry-After")
	}
}

func TestRevokedTokenRejected(t *testing.T) {
	env := newTestEnv(t)
	pair := env.login(t)

	resp := env.post(t, "/api/auth/revoke", `{"token":"`+pair.AccessToken+`"}`, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d", resp.StatusCode)
	}

	resp = env.get(t, "/api/analysis/latest", pair.AccessToken)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked token status = %d, want 401", resp.StatusCode)
	}
	var body errorResponse
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Error != "token revoked" {
		t.Fatalf("error = %q, want distinct revoked message", body.Error)
	}
}

func TestRefreshRotation(t *testing.T) {
	env := newTestEnv(t)
	pair := env.login(t)

	resp := env.post(t, "/api/auth/refresh", `{"refresh_token":"`+pair.RefreshToken+`"}`, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d", resp.StatusCode)
	}
	var next admission.TokenPair
	decodeInto(t, resp, &next)

	// The old refresh token is spent.
	resp = env.post(t, "/api/auth/refresh", `{"refresh_token":"`+pair.RefreshToken+`"}`, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replayed refresh status = %d, want 401", resp.StatusCode)
	}
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	pair := env.login(t)
	runID := env.runToCompletion(t, pair.AccessToken)

	resp := env.get(t, "/api/analysis/"+runID, pair.AccessToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get run status = %d", resp.StatusCode)
	}
	var run workflow.Run
	decodeInto(t, resp, &run)
	if run.Status != workflow.StatusCompleted {
		t.Fatalf("run status = %s", run.Status)
	}
	if len(run.Opportunities) == 0 {
		t.Fatal("expected opportunities from the sharp/soft split")
	}

	resp = env.get(t, "/api/analysis/latest", pair.AccessToken)
	var latest workflow.Run
	decodeInto(t, resp, &latest)
	if latest.ID != runID {
		t.Fatalf("latest = %s, want %s", latest.ID, runID)
	}
}

func TestOpportunitiesFilters(t *testing.T) {
	env := newTestEnv(t)
	pair := env.login(t)
	runID := env.runToCompletion(t, pair.AccessToken)

	resp := env.get(t, "/api/opportunities?run_id="+runID+"&team=celtics", pair.AccessToken)
	var filtered opportunitiesResponse
	decodeInto(t, resp, &filtered)
	if filtered.Count == 0 {
		t.Fatal("celtics filter should match the Celtics edge")
	}

	resp = env.get(t, "/api/opportunities?run_id="+runID+"&min_ev=0.99", pair.AccessToken)
	var none opportunitiesResponse
	decodeInto(t, resp, &none)
	if none.Count != 0 {
		t.Fatalf("min_ev=0.99 should filter everything, got %d", none.Count)
	}

	resp = env.get(t, "/api/opportunities?run_id="+runID+"&market=quarters", pair.AccessToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown market status = %d, want 400", resp.StatusCode)
	}
}

func TestStartRunValidation(t *testing.T) {
	env := newTestEnv(t)
	pair := env.login(t)

	resp := env.post(t, "/api/analysis/run", `{"game_date":"late march"}`, pair.AccessToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad date status = %d, want 400", resp.StatusCode)
	}

	resp = env.post(t, "/api/analysis/run", `{"limit":5000}`, pair.AccessToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized limit status = %d, want 400", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.get(t, "/health", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
}

func TestRunPresentationAppliedAsReadDefaults(t *testing.T) {
	env := newTestEnv(t)
	pair := env.login(t)

	// Trigger with an impossible min_ev preference; the stored opportunities
	// stay complete, only the default read view is narrowed.
	resp := env.post(t, "/api/analysis/run", `{"min_ev":0.99,"limit":5}`, pair.AccessToken)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start run status = %d", resp.StatusCode)
	}
	var started startRunResponse
	decodeInto(t, resp, &started)

	deadline := time.Now().Add(5 * time.Second)
	for {
		run, ok := env.registry.Get(started.RunID)
		if ok && run.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	run, _ := env.registry.Get(started.RunID)
	if run.Presentation.MinEV == nil || !run.Presentation.MinEV.Equal(decimal.NewFromFloat(0.99)) {
		t.Fatalf("presentation not stored on run: %+v", run.Presentation)
	}
	if len(run.Opportunities) == 0 {
		t.Fatal("stored opportunities must be unfiltered")
	}

	// Bare read uses the stored preference.
	resp = env.get(t, "/api/opportunities?run_id="+started.RunID, pair.AccessToken)
	var byDefault opportunitiesResponse
	decodeInto(t, resp, &byDefault)
	if byDefault.Count != 0 {
		t.Fatalf("stored min_ev=0.99 should empty the default view, got %d", byDefault.Count)
	}

	// An explicit query param overrides it.
	resp = env.get(t, "/api/opportunities?run_id="+started.RunID+"&min_ev=0", pair.AccessToken)
	var overridden opportunitiesResponse
	decodeInto(t, resp, &overridden)
	if overridden.Count == 0 {
		t.Fatal("query min_ev must override the stored preference")
	}
}
