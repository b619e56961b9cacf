package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/hooplab/courtedge/pkg/agents"
	"github.com/hooplab/courtedge/pkg/analysis"
	"github.com/hooplab/courtedge/pkg/metrics"
)

// ErrNoLinesData marks the one fatal gather outcome: no usable odds at all.
var ErrNoLinesData = errors.New("no lines data available")

var decimalHundred = decimal.NewFromInt(100)

// LinesGatherer is the lines agent as the orchestrator sees it.
type LinesGatherer interface {
	Name() string
	Gather(ctx context.Context, req agents.Request) (*agents.LinesData, agents.Result)
}

// StatsGatherer is the stats agent as the orchestrator sees it.
type StatsGatherer interface {
	Name() string
	Gather(ctx context.Context, req agents.Request) (*agents.StatsData, agents.Result)
}

// Config bounds the timing of a run. The chain is per-call (executor)
// < per-agent < per-run.
type Config struct {
	RunTimeout   time.Duration
	AgentTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RunTimeout:   2 * time.Minute,
		AgentTimeout: 45 * time.Second,
	}
}

// Orchestrator drives runs through fetch, analyze, and present phases,
// recording every transition in the registry and publishing it as events.
type Orchestrator struct {
	config    Config
	lines     LinesGatherer
	stats     StatsGatherer
	engine    *analysis.Engine
	registry  *Registry
	publisher Publisher
	metrics   *metrics.AnalysisMetrics // optional

	now func() time.Time // test hook
}

// NewOrchestrator wires the pipeline together. publisher and m may be nil.
func NewOrchestrator(config Config, lines LinesGatherer, stats StatsGatherer, engine *analysis.Engine, registry *Registry, publisher Publisher, m *metrics.AnalysisMetrics) *Orchestrator {
	if config.RunTimeout <= 0 {
		config.RunTimeout = DefaultConfig().RunTimeout
	}
	if config.AgentTimeout <= 0 || config.AgentTimeout > config.RunTimeout {
		config.AgentTimeout = config.RunTimeout
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Orchestrator{
		config:    config,
		lines:     lines,
		stats:     stats,
		engine:    engine,
		registry:  registry,
		publisher: publisher,
		metrics:   m,
		now:       time.Now,
	}
}

// Start creates and registers a run and executes it on a new goroutine.
// The returned snapshot is the pending run.
func (o *Orchestrator) Start(ctx context.Context, req agents.Request, pres Presentation) Run {
	run := o.registry.Create(req, pres)
	go o.execute(context.WithoutCancel(ctx), run.ID, req)
	return run
}

// Execute runs the pipeline synchronously. Exposed for callers that want to
// block (and for tests); Start is the usual entry point.
func (o *Orchestrator) Execute(ctx context.Context, runID string, req agents.Request) {
	o.execute(ctx, runID, req)
}

func (o *Orchestrator) execute(ctx context.Context, runID string, req agents.Request) {
	start := o.now()

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[WORKFLOW] run %s panicked: %v", runID, rec)
			o.fail(runID, fmt.Sprintf("internal error: %v", rec))
		}
		if run, ok := o.registry.Get(runID); ok && o.metrics != nil {
			o.metrics.RecordRun(string(run.Status), o.now().Sub(start).Seconds())
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, o.config.RunTimeout)
	defer cancel()

	o.transition(runID, StatusRunning, PhaseFetching)

	linesData, statsData, statsPartial, err := o.gather(ctx, runID, req)
	if err != nil {
		o.fail(runID, err.Error())
		return
	}

	o.transition(runID, StatusRunning, PhaseAnalyzing)

	opps := o.engine.Analyze(ctx, linesData, statsData, statsPartial)
	o.registry.AppendOpportunities(runID, opps)
	for i := range opps {
		o.publish(runID, Event{Type: EventOpportunity, Opportunity: &opps[i]})
	}
	if o.metrics != nil {
		byTier := map[string]int{}
		for _, opp := range opps {
			byTier[opp.Confidence]++
		}
		for tier, n := range byTier {
			o.metrics.RecordOpportunities(tier, n)
		}
	}

	o.transition(runID, StatusRunning, PhasePresenting)
	o.registry.SetRecommendation(runID, Recommendation(opps))

	o.transition(runID, StatusCompleted, "")
	o.publish(runID, Event{Type: EventComplete, Status: StatusCompleted, Message: Recommendation(opps)})
}

// gather runs both agents concurrently and joins even when one came back
// partial. Only a total absence of lines data is fatal.
func (o *Orchestrator) gather(ctx context.Context, runID string, req agents.Request) (*agents.LinesData, *agents.StatsData, bool, error) {
	var (
		linesData *agents.LinesData
		linesRes  agents.Result
		statsData *agents.StatsData
		statsRes  agents.Result
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		actx, cancel := context.WithTimeout(gctx, o.config.AgentTimeout)
		defer cancel()
		linesData, linesRes = o.lines.Gather(actx, req)
		o.finishAgent(runID, linesRes)
		return nil
	})
	g.Go(func() error {
		actx, cancel := context.WithTimeout(gctx, o.config.AgentTimeout)
		defer cancel()
		statsData, statsRes = o.stats.Gather(actx, req)
		o.finishAgent(runID, statsRes)
		return nil
	})
	// Agents report failure through Result, never through the group.
	_ = g.Wait()

	if linesData == nil || len(linesData.Games) == 0 {
		return nil, nil, false, fmt.Errorf("%w: %s", ErrNoLinesData, firstError(linesRes))
	}
	return linesData, statsData, statsRes.Partial, nil
}

// finishAgent records the step, its errors, and the agent_complete event.
func (o *Orchestrator) finishAgent(runID string, res agents.Result) {
	o.registry.AppendStep(runID, StepRecord{
		Agent:    res.Agent,
		Duration: res.Duration,
		Partial:  res.Partial,
	})
	for _, msg := range res.Errors {
		o.registry.RecordError(runID, msg)
	}
	if o.metrics != nil {
		o.metrics.RecordAgent(res.Agent, res.Partial, res.Duration.Seconds())
	}
	o.publish(runID, Event{
		Type:     EventAgentComplete,
		Agent:    res.Agent,
		Duration: res.Duration,
		Partial:  res.Partial,
	})
}

func (o *Orchestrator) transition(runID string, status Status, phase Phase) {
	o.registry.SetStatus(runID, status, phase)
	o.publish(runID, Event{Type: EventStatus, Status: status, Phase: phase})
}

func (o *Orchestrator) fail(runID, msg string) {
	o.registry.RecordError(runID, msg)
	o.registry.SetStatus(runID, StatusFailed, "")
	o.publish(runID, Event{Type: EventError, Status: StatusFailed, Message: msg})
}

func (o *Orchestrator) publish(runID string, ev Event) {
	ev.RunID = runID
	ev.Timestamp = o.now()
	o.publisher.Publish(runID, ev)
}

func firstError(res agents.Result) string {
	if len(res.Errors) == 0 {
		return "no games matched the request"
	}
	return res.Errors[0]
}

// Recommendation composes the presentation-phase summary for a run.
func Recommendation(opps []analysis.Opportunity) string {
	if len(opps) == 0 {
		return "No positive-EV opportunities found; sit this slate out."
	}
	best := opps[0]
	for _, opp := range opps[1:] {
		if opp.EVPct.GreaterThan(best.EVPct) {
			best = opp
		}
	}
	ev := best.EVPct.Mul(decimalHundred).StringFixed(1)
	kelly := best.KellyPct.Mul(decimalHundred).StringFixed(1)
	return fmt.Sprintf("%d opportunities found. Best: %s (%s) %s at %s, EV %s%%, stake %s%% of bankroll, %s confidence.",
		len(opps), best.Outcome, best.Market, best.Matchup, best.Bookmaker, ev, kelly, best.Confidence)
}
