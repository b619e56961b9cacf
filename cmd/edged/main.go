// edged is the NBA betting-market analysis daemon. It serves the analysis
// API, streams run progress over WebSocket, and keeps every external call
// behind the resilience layer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/hooplab/courtedge/pkg/admission"
	"github.com/hooplab/courtedge/pkg/agents"
	"github.com/hooplab/courtedge/pkg/analysis"
	"github.com/hooplab/courtedge/pkg/api"
	"github.com/hooplab/courtedge/pkg/cache"
	"github.com/hooplab/courtedge/pkg/metrics"
	"github.com/hooplab/courtedge/pkg/providers"
	"github.com/hooplab/courtedge/pkg/resilience"
	"github.com/hooplab/courtedge/pkg/streaming"
	"github.com/hooplab/courtedge/pkg/workflow"
)

var (
	httpAddr    = flag.String("http", ":8080", "HTTP server address")
	redisAddr   = flag.String("redis", "", "Redis address for the shared cache (empty = in-memory)")
	statsURL    = flag.String("stats-url", "", "Internal stats service base URL (empty = market-only analysis)")
	modelWeight = flag.Float64("model-weight", 0.7, "Weight of the model probability in the blend")
	kellyFrac   = flag.Float64("kelly-fraction", 1.0, "Fractional Kelly scaling")
	runTimeout  = flag.Duration("run-timeout", 2*time.Minute, "Per-run deadline")
	verbose     = flag.Bool("verbose", false, "Verbose logging")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Println("Starting courtedge analysis daemon")

	svc, err := newService()
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.tokens.StartSweeper(ctx)

	server := &http.Server{
		Addr:              *httpAddr,
		Handler:           svc.api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Listening on %s", *httpAddr)
		log.Printf("WebSocket streaming at ws://%s/ws/analysis/{run_id}", *httpAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown: %v", err)
	}
	cancel()
	log.Println("Stopped")
}

// service holds the wired components.
type service struct {
	api    *api.Server
	tokens *admission.TokenManager
}

func newService() (*service, error) {
	// Required secrets fail fast; they are env-only so they never show up
	// in process listings.
	jwtSecret := os.Getenv("COURTEDGE_JWT_SECRET")
	if jwtSecret == "" {
		return nil, errors.New("COURTEDGE_JWT_SECRET must be set")
	}
	oddsKey := os.Getenv("ODDS_API_KEY")
	if oddsKey == "" {
		return nil, errors.New("ODDS_API_KEY must be set")
	}

	m := metrics.New()

	// Resilience substrate shared by every external call.
	breakers := resilience.NewBreakerRegistry(resilience.DefaultBreakerConfig())
	executor := resilience.NewExecutor(resilience.DefaultExecutorConfig(), breakers).WithObserver(m)

	var store cache.Store
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		store = cache.NewRedisStore(client, "")
		log.Printf("Using redis cache at %s", *redisAddr)
	}
	sharedCache := cache.New(store).WithObserver(m)

	oddsClient, err := providers.NewOddsAPIClient(oddsKey)
	if err != nil {
		return nil, err
	}
	linesAgent := agents.NewLinesAgent(agents.DefaultLinesConfig(), oddsClient, nil, sharedCache, executor)

	var statsProvider agents.StatsProvider
	var injuryProvider agents.InjuryProvider
	if *statsURL != "" {
		statsClient, err := providers.NewStatsServiceClient(*statsURL)
		if err != nil {
			return nil, err
		}
		statsProvider = statsClient
		injuryProvider = statsClient
	} else {
		log.Println("No stats service configured; runs will use market probabilities only")
		statsProvider = unconfiguredStats{}
	}
	statsAgent := agents.NewStatsAgent(agents.DefaultStatsConfig(), statsProvider, injuryProvider, sharedCache, executor)

	engineConfig := analysis.DefaultEngineConfig()
	engineConfig.ModelWeight = decimalFromFlag(*modelWeight)
	engineConfig.KellyFraction = decimalFromFlag(*kellyFrac)
	engine := analysis.NewEngine(engineConfig, analysis.NewRatingsPredictor(), nil)

	registry := workflow.NewRegistry()

	tokens, err := admission.NewTokenManager(admission.DefaultTokenConfig(), []byte(jwtSecret))
	if err != nil {
		return nil, err
	}
	users := admission.NewUserStore()
	if err := seedUsers(users); err != nil {
		return nil, err
	}

	hub := streaming.NewHub(streaming.DefaultHubConfig(), tokens, registry, m)

	workflowConfig := workflow.DefaultConfig()
	workflowConfig.RunTimeout = *runTimeout
	orchestrator := workflow.NewOrchestrator(workflowConfig, linesAgent, statsAgent, engine, registry, hub, m)

	apiServer := api.NewServer(orchestrator, registry, hub, tokens, users, admission.NewRateLimiter(nil), m)

	if *verbose {
		log.Printf("Engine config: model weight %v, kelly fraction %v", *modelWeight, *kellyFrac)
	}
	return &service{api: apiServer, tokens: tokens}, nil
}

// seedUsers loads the operator account from the environment. The hash
// variant wins when both are present.
func seedUsers(users *admission.UserStore) error {
	username := os.Getenv("COURTEDGE_ADMIN_USER")
	if username == "" {
		username = "admin"
	}
	if hash := os.Getenv("COURTEDGE_ADMIN_PASSWORD_HASH"); hash != "" {
		users.AddUserHash(username, []byte(hash))
		return nil
	}
	if password := os.Getenv("COURTEDGE_ADMIN_PASSWORD"); password != "" {
		return users.AddUser(username, password)
	}
	return errors.New("COURTEDGE_ADMIN_PASSWORD or COURTEDGE_ADMIN_PASSWORD_HASH must be set")
}

// unconfiguredStats reports the stats feed as absent so runs degrade to
// market-only analysis instead of failing.
type unconfiguredStats struct{}

func (unconfiguredStats) FetchTeamStats(ctx context.Context, team string) (*agents.TeamStats, error) {
	return nil, fmt.Errorf("stats service not configured")
}

func decimalFromFlag(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}
