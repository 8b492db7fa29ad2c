package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradingrun/agentrun/internal/agents"
	"github.com/tradingrun/agentrun/internal/aiclient"
	"github.com/tradingrun/agentrun/internal/aiengine"
	"github.com/tradingrun/agentrun/internal/config"
	"github.com/tradingrun/agentrun/internal/debate"
	"github.com/tradingrun/agentrun/internal/decisions"
	"github.com/tradingrun/agentrun/internal/events"
	"github.com/tradingrun/agentrun/internal/positions"
	"github.com/tradingrun/agentrun/internal/quant"
	"github.com/tradingrun/agentrun/internal/strategies"
	"github.com/tradingrun/agentrun/internal/trader"
	"github.com/tradingrun/agentrun/internal/worker"
	"github.com/tradingrun/agentrun/pkg/logger"
	"github.com/tradingrun/agentrun/pkg/models"
)

// Factory builds the Runner a WorkerManager needs for each agent,
// dispatching on its strategy template's kind (§4.3, §4.4). Neither
// aiengine.Engine nor quant.Engine satisfies worker.Runner directly, so
// internal/worker never imports either; Factory is where that wiring lives.
type Factory struct {
	cfg *config.Config

	agentsRepo     *agents.Repository
	strategiesRepo *strategies.Repository
	positionsRepo  *positions.Repository
	positionsSvc   *positions.Service
	decisionsRepo  *decisions.Repository
	clickhouse     *decisions.ClickHouseRepository
	aiClient       aiclient.AIClient
	hub            events.Publisher
}

// NewFactory builds a Factory from already-constructed collaborators.
func NewFactory(
	cfg *config.Config,
	repos *repositorySet,
	clickhouse *decisions.ClickHouseRepository,
	positionsSvc *positions.Service,
	aiClient aiclient.AIClient,
	hub events.Publisher,
) *Factory {
	return &Factory{
		cfg:            cfg,
		agentsRepo:     repos.Agents,
		strategiesRepo: repos.Strategies,
		positionsRepo:  repos.Positions,
		positionsSvc:   positionsSvc,
		decisionsRepo:  repos.Decisions,
		clickhouse:     clickhouse,
		aiClient:       aiClient,
		hub:            hub,
	}
}

// Build implements worker.RunnerFactory: resolve the agent's strategy
// template and build the matching engine wrapped in a worker.Runner.
func (f *Factory) Build(ctx context.Context, agent *models.Agent) (worker.Runner, time.Duration, error) {
	tpl, err := f.strategiesRepo.Get(ctx, agent.StrategyID)
	if err != nil {
		return nil, 0, fmt.Errorf("runner factory: load strategy template: %w", err)
	}
	if err := tpl.Validate(); err != nil {
		return nil, 0, fmt.Errorf("runner factory: %w", err)
	}

	interval := time.Duration(agent.ExecutionIntervalMinutes) * time.Minute

	switch tpl.Kind {
	case models.StrategyAI:
		return f.buildAIRunner(agent, tpl, interval)
	case models.StrategyQuant:
		return f.buildQuantRunner(ctx, agent, tpl, interval)
	default:
		return nil, 0, fmt.Errorf("runner factory: unknown strategy kind %q", tpl.Kind)
	}
}

// traderFor resolves the execution venue for an agent. Live credential
// resolution (API keys per account/exchange) is an external collaborator
// this build doesn't wire up; only the simulator is supported until one is.
func (f *Factory) traderFor(agent *models.Agent, symbols []string) (trader.Trader, error) {
	switch agent.ExecutionMode {
	case models.ExecutionMock:
		return trader.NewMockTrader(f.cfg.Simulator, symbols, 100), nil
	case models.ExecutionLive:
		return nil, fmt.Errorf("runner factory: live execution mode requires an exchange credential resolver, not configured")
	default:
		return nil, fmt.Errorf("runner factory: unknown execution mode %q", agent.ExecutionMode)
	}
}

func (f *Factory) buildAIRunner(agent *models.Agent, tpl *models.StrategyTemplate, interval time.Duration) (worker.Runner, time.Duration, error) {
	t, err := f.traderFor(agent, tpl.WatchlistSymbols)
	if err != nil {
		return nil, 0, err
	}

	var debateAI map[string]aiclient.AIClient
	if agent.DebateEnabled {
		debateAI = map[string]aiclient.AIClient{"openai": f.aiClient}
	}

	// The debate engine's parser is built from this template's own risk
	// controls rather than shared across agents, since each strategy
	// template may configure different risk limits (§4.6).
	engine := aiengine.NewEngine(aiengine.Dependencies{
		Trader:    t,
		Positions: f.positionsSvc,
		AIClient:  f.aiClient,
		Debate:    debate.NewEngine(tpl.RiskControls),
		DebateAI:  debateAI,
		Risk:      tpl.RiskControls,
		RiskConfig: aiengine.RiskConfigLimits{
			MaxPositionRatio:     f.cfg.Risk.MaxPositionRatio,
			MinOrderNotionalUSD:  f.cfg.Risk.MinOrderNotionalUSD,
			AccountCapitalCapPct: f.cfg.Risk.AccountCapitalCapPct,
		},
	})

	return &aiRunner{
		engine:        engine,
		agent:         agent,
		tpl:           tpl,
		trader:        t,
		agentsRepo:    f.agentsRepo,
		positionsRepo: f.positionsRepo,
		decisionsRepo: f.decisionsRepo,
		clickhouse:    f.clickhouse,
		hub:           f.hub,
	}, interval, nil
}

func (f *Factory) buildQuantRunner(ctx context.Context, agent *models.Agent, tpl *models.StrategyTemplate, interval time.Duration) (worker.Runner, time.Duration, error) {
	symbol := tpl.Symbol()

	t, err := f.traderFor(agent, []string{symbol})
	if err != nil {
		return nil, 0, err
	}

	state, err := f.agentsRepo.GetRuntimeState(ctx, agent.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("runner factory: load runtime state: %w", err)
	}

	engine, err := quant.New(agent.ID, agent.AccountID, symbol, t, f.positionsSvc, agent, tpl.StrategyType, tpl, state)
	if err != nil {
		return nil, 0, fmt.Errorf("runner factory: build quant engine: %w", err)
	}

	return &quantRunner{
		engine:     engine,
		agent:      agent,
		trader:     t,
		agentsRepo: f.agentsRepo,
		hub:        f.hub,
	}, interval, nil
}

// aiRunner adapts aiengine.Engine to worker.Runner: it runs one cycle,
// persists the resulting decision record (Postgres and, if enabled,
// ClickHouse), rolls any realized PnL into the agent's performance
// counters, and publishes a best-effort decision event (§4.4 step 8-9).
type aiRunner struct {
	engine *aiengine.Engine
	agent  *models.Agent
	tpl    *models.StrategyTemplate
	trader trader.Trader

	agentsRepo    *agents.Repository
	positionsRepo *positions.Repository
	decisionsRepo *decisions.Repository
	clickhouse    *decisions.ClickHouseRepository
	hub           events.Publisher
}

func (r *aiRunner) RunCycle(ctx context.Context) error {
	recent, err := r.positionsRepo.ByAgent(ctx, r.agent.ID, models.PositionClosed)
	if err != nil {
		return fmt.Errorf("ai runner: load recent trades: %w", err)
	}

	result := r.engine.RunCycle(ctx, r.agent, r.tpl, recent)

	record := decisionRecordFromResult(r.agent.ID, result)
	if err := r.decisionsRepo.Insert(ctx, record); err != nil {
		logger.Error("ai runner: persist decision record failed",
			zap.String("agent_id", r.agent.ID.String()), zap.Error(err))
	}
	if r.clickhouse != nil {
		if err := r.clickhouse.SaveDecisions(ctx, []models.DecisionRecord{*record}); err != nil {
			logger.Warn("ai runner: clickhouse sink failed",
				zap.String("agent_id", r.agent.ID.String()), zap.Error(err))
		}
	}

	for _, er := range result.ExecutionResults {
		if er.RealizedPnL != nil {
			if err := r.agentsRepo.RecordTradeOutcome(ctx, r.agent.ID, *er.RealizedPnL); err != nil {
				logger.Error("ai runner: record trade outcome failed",
					zap.String("agent_id", r.agent.ID.String()), zap.Error(err))
			}
		}
	}

	r.hub.Publish(events.Event{
		Type:      events.EventDecision,
		AgentID:   r.agent.ID,
		Data:      result,
		Timestamp: time.Now(),
	})

	if result.Error != "" {
		return errors.New(result.Error)
	}
	return nil
}

func (r *aiRunner) Close() error { return r.trader.Close() }

func decisionRecordFromResult(agentID uuid.UUID, result *aiengine.Result) *models.DecisionRecord {
	record := &models.DecisionRecord{
		AgentID:               agentID,
		Timestamp:             time.Now(),
		SystemPrompt:          result.SystemPrompt,
		UserPrompt:            result.UserPrompt,
		RawResponse:           result.RawResponse,
		ExecutionResults:      result.ExecutionResults,
		AIModel:               result.AIModel,
		TokensUsed:            result.TokensUsed,
		LatencyMs:             result.LatencyMs,
		IsDebate:              result.IsDebate,
		DebateModels:          result.DebateModels,
		DebateResponses:       result.DebateResponses,
		DebateConsensusMode:   result.DebateConsensusMode,
		DebateAgreementScore:  result.DebateAgreementScore,
		MarketContextSnapshot: result.MarketContextSnapshot,
		AccountStateSnapshot:  result.AccountStateSnapshot,
		Error:                 result.Error,
	}
	if result.DecisionResponse != nil {
		record.ChainOfThought = result.DecisionResponse.ChainOfThought
		record.MarketAssessment = result.DecisionResponse.MarketAssessment
		record.Decisions = result.DecisionResponse.Decisions
		record.OverallConfidence = result.DecisionResponse.OverallConfidence
	}
	return record
}

// quantRunner adapts quant.Engine to worker.Runner: it runs one cycle,
// persists runtime_state back to the agent unconditionally (even on a
// failed cycle, so the next attempt still sees the latest known state),
// rolls any PnL into the agent's counters, and publishes a best-effort
// strategy_status event (§4.3).
type quantRunner struct {
	engine quant.Engine
	agent  *models.Agent
	trader trader.Trader

	agentsRepo *agents.Repository
	hub        events.Publisher
}

func (r *quantRunner) RunCycle(ctx context.Context) error {
	result, runErr := r.engine.RunCycle(ctx)

	if err := r.agentsRepo.UpdateRuntimeState(ctx, r.agent.ID, r.engine.State()); err != nil {
		logger.Error("quant runner: persist runtime state failed",
			zap.String("agent_id", r.agent.ID.String()), zap.Error(err))
	}

	if runErr != nil {
		return fmt.Errorf("quant runner: run cycle: %w", runErr)
	}

	if result.TradesExecuted > 0 {
		if err := r.agentsRepo.RecordTradeOutcome(ctx, r.agent.ID, result.PnLChange); err != nil {
			logger.Error("quant runner: record trade outcome failed",
				zap.String("agent_id", r.agent.ID.String()), zap.Error(err))
		}
	}

	r.hub.Publish(events.Event{
		Type:      events.EventStrategyStatus,
		AgentID:   r.agent.ID,
		Data:      result,
		Timestamp: time.Now(),
	})
	return nil
}

func (r *quantRunner) Close() error { return r.trader.Close() }
