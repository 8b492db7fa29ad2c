// Package aiengine implements the AI-driven strategy engine: it builds a
// market/account view, prompts one or more LLMs for a trading decision,
// parses and risk-gates the response, and executes it across the agent's
// full watchlist, claim-then-execute isolated per symbol (§4.4).
package aiengine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradingrun/agentrun/internal/aiclient"
	"github.com/tradingrun/agentrun/internal/debate"
	"github.com/tradingrun/agentrun/internal/decision"
	"github.com/tradingrun/agentrun/internal/positions"
	"github.com/tradingrun/agentrun/internal/trader"
	"github.com/tradingrun/agentrun/pkg/logger"
	"github.com/tradingrun/agentrun/pkg/models"
)

// Result is the outcome of one RunCycle invocation, carrying everything a
// decision-record persistence layer needs (§4.4 step 8).
type Result struct {
	DecisionResponse *models.DecisionResponse
	RawResponse      string
	SystemPrompt     string
	UserPrompt       string
	AIModel          string
	TokensUsed       int
	LatencyMs        int

	IsDebate             bool
	DebateModels         []string
	DebateResponses      []string
	DebateConsensusMode  models.ConsensusMode
	DebateAgreementScore float64

	ExecutionResults []models.DecisionExecutionResult

	MarketContextSnapshot string
	AccountStateSnapshot  string

	Skipped      bool
	SkippedReason string
	Error        string
}

// Dependencies bundles the collaborators the Engine drives every cycle.
// Credential/provider resolution happens before construction: the engine
// only ever sees already-built AIClients (§9, LLM provider SDKs beyond the
// AIClient contract are out of scope).
type Dependencies struct {
	Trader     trader.Trader
	Positions  *positions.Service
	AIClient   aiclient.AIClient
	Debate     *debate.Engine
	DebateAI   map[string]aiclient.AIClient
	Risk       models.RiskControls
	RiskConfig RiskConfigLimits
}

// RiskConfigLimits mirrors the three config.RiskConfig limits the engine
// uses, kept local to avoid an aiengine -> config import solely for three
// floats.
type RiskConfigLimits struct {
	MaxPositionRatio     float64
	MinOrderNotionalUSD  float64
	AccountCapitalCapPct float64
}

// Engine runs the 9-step AI strategy cycle for one agent (§4.4).
type Engine struct {
	trader    trader.Trader
	positions *positions.Service
	client    aiclient.AIClient
	debateEng *debate.Engine
	debateAI  map[string]aiclient.AIClient
	parser    *decision.Parser
	riskCfg   RiskConfigLimits
}

// NewEngine builds an Engine from pre-resolved dependencies.
func NewEngine(deps Dependencies) *Engine {
	return &Engine{
		trader:    deps.Trader,
		positions: deps.Positions,
		client:    deps.AIClient,
		debateEng: deps.Debate,
		debateAI:  deps.DebateAI,
		parser:    decision.NewParser(deps.Risk),
		riskCfg:   deps.RiskConfig,
	}
}

// RunCycle executes one full decision cycle for agent against tpl, following
// the original's nine-step run_cycle: isolated account view, fatal risk
// gate, market context, prompt build, generate, parse, execute, persist
// (returned for the caller to store), publish (left to the caller too,
// §4.4 step 9 is best-effort and never fails the cycle).
func (e *Engine) RunCycle(ctx context.Context, agent *models.Agent, tpl *models.StrategyTemplate, recentTrades []models.AgentPosition) *Result {
	result := &Result{AIModel: agent.AIModel}

	// Step 1: agent-isolated account view.
	account, err := e.buildAccountView(ctx, agent)
	if err != nil {
		result.Error = fmt.Sprintf("build account view: %v", err)
		return result
	}

	// Step 2: fatal risk gate. Still return a result so the caller persists
	// a decision record for this cycle even though nothing was generated.
	if account.Equity <= 0 {
		result.Skipped = true
		result.SkippedReason = "account equity is zero or negative, refusing to trade"
		logger.Warn("aiengine: fatal risk gate tripped", zap.String("agent_id", agent.ID.String()))
		return result
	}

	// Step 3: market context.
	builder := NewContextBuilder(e.trader, tpl.Timeframes)
	contexts := builder.Build(ctx, tpl.WatchlistSymbols)

	// Step 4: prompts.
	pb := NewPromptBuilder(tpl.Language)
	systemPrompt := pb.BuildSystemPrompt(tpl, tpl.RiskControls, agent.ExecutionIntervalMinutes, tpl.WatchlistSymbols)
	userPrompt := pb.BuildUserPrompt(account, contexts, recentTrades, time.Now())
	result.SystemPrompt = systemPrompt
	result.UserPrompt = userPrompt

	// Step 5: generate.
	decisionResp, err := e.generate(ctx, agent, systemPrompt, userPrompt, result)
	if err != nil {
		result.Error = fmt.Sprintf("generate decision: %v", err)
		return result
	}
	result.DecisionResponse = decisionResp

	// Step 6: SL/TP auto-fill using the latest price/ATR.
	e.autoFillStops(decisionResp, contexts, tpl.RiskControls)

	// Step 7: execute, ordered close -> open -> hold.
	result.ExecutionResults = e.execute(ctx, agent, tpl, account, decisionResp)

	return result
}

// buildAccountView resolves the agent's own equity share and own open
// positions rather than the whole trader account state, falling back to the
// full account state when the agent carries no capital allocation (§4.4
// step 1).
func (e *Engine) buildAccountView(ctx context.Context, agent *models.Agent) (*AccountView, error) {
	state, err := e.trader.GetAccountState(ctx)
	if err != nil {
		return nil, err
	}

	equity := state.Equity.InexactFloat64()
	if cap := agent.EffectiveCapital(equity); cap != nil {
		equity = *cap
	}

	var positionRows []models.AgentPosition
	if e.positions != nil {
		positionRows, err = e.positions.OpenPositionsForAgent(ctx, agent.ID)
		if err != nil {
			return nil, err
		}
	}

	marginUsed := 0.0
	for _, p := range positionRows {
		if p.Leverage > 0 {
			marginUsed += p.SizeUSD / float64(p.Leverage)
		}
	}

	return &AccountView{
		Equity:           equity,
		AvailableBalance: state.AvailableBalance.InexactFloat64(),
		TotalMarginUsed:  marginUsed,
		UnrealizedPnL:    state.UnrealizedPnL.InexactFloat64(),
		Positions:        positionRows,
	}, nil
}

// generate calls either the single configured AIClient or, when the agent
// has debate enabled with at least two configured models, fans the prompt
// out through the debate engine (§4.4 step 5, §4.6).
func (e *Engine) generate(ctx context.Context, agent *models.Agent, systemPrompt, userPrompt string, result *Result) (*models.DecisionResponse, error) {
	if agent.DebateEnabled && e.debateEng != nil && len(e.debateAI) >= 2 {
		clients := e.debateAI
		if len(agent.DebateModels) > 0 {
			clients = selectDebateClients(e.debateAI, agent.DebateModels)
		}
		if len(clients) < 2 {
			return nil, fmt.Errorf("debate enabled but fewer than 2 resolved clients")
		}

		minParticipants := agent.DebateMinParticipants
		if minParticipants < 1 {
			minParticipants = 2
		}
		debateResult, err := e.debateEng.Run(ctx, clients, systemPrompt, userPrompt, debate.Config{
			ConsensusMode:   agent.DebateConsensusMode,
			MinParticipants: minParticipants,
		})
		if err != nil {
			return nil, err
		}

		result.IsDebate = true
		result.DebateConsensusMode = debateResult.ConsensusMode
		result.DebateAgreementScore = debateResult.AgreementScore
		for _, resp := range debateResult.Responses {
			result.DebateModels = append(result.DebateModels, resp.Model)
			result.DebateResponses = append(result.DebateResponses, resp.RawResponse)
		}

		if debateResult.Invalid {
			return nil, fmt.Errorf("debate invalid: %s", debateResult.InvalidReason)
		}

		return &models.DecisionResponse{
			Decisions:         debateResult.Decisions,
			OverallConfidence: overallConfidence(debateResult.Decisions),
		}, nil
	}

	completion, err := e.client.Complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}
	result.RawResponse = completion.Content
	result.TokensUsed = completion.TokensUsed
	result.LatencyMs = completion.LatencyMs
	if completion.Model != "" {
		result.AIModel = completion.Model
	}

	return e.parser.Parse(completion.Content)
}

func selectDebateClients(all map[string]aiclient.AIClient, modelIDs []string) map[string]aiclient.AIClient {
	out := make(map[string]aiclient.AIClient, len(modelIDs))
	for _, m := range modelIDs {
		if c, ok := all[m]; ok {
			out[m] = c
		}
	}
	return out
}

func overallConfidence(decisions []models.TradingDecision) int {
	if len(decisions) == 0 {
		return 0
	}
	total := 0
	for _, d := range decisions {
		total += d.Confidence
	}
	return total / len(decisions)
}

// autoFillStops fills in a missing stop_loss/take_profit on open decisions
// from the ATR of the preferred timeframe (1h first), grounded on
// _update_parser_market_data's default SL/TP derivation (§4.4 step 6).
func (e *Engine) autoFillStops(resp *models.DecisionResponse, contexts map[string]*MarketContext, risk models.RiskControls) {
	for i := range resp.Decisions {
		d := &resp.Decisions[i]
		if d.Action != models.ActionOpenLong && d.Action != models.ActionOpenShort {
			continue
		}
		ctx, ok := contexts[d.Symbol]
		if !ok {
			continue
		}
		if d.EntryPrice == nil {
			price := ctx.Price
			d.EntryPrice = &price
		}
		atr, hasATR := preferredATR(ctx)
		if d.StopLoss == nil && hasATR {
			d.StopLoss = autoStopLoss(d.Action, *d.EntryPrice, atr, risk)
		}
		if d.TakeProfit == nil && hasATR {
			d.TakeProfit = autoTakeProfit(d.Action, *d.EntryPrice, atr, risk)
		}
	}
}

func autoStopLoss(action models.ActionType, entry, atr float64, risk models.RiskControls) *float64 {
	mult := risk.DefaultSLATRMultiplier
	if mult <= 0 {
		mult = 1.5
	}
	offset := atr * mult
	if risk.MaxSLPercent > 0 {
		maxOffset := entry * risk.MaxSLPercent
		if offset > maxOffset {
			offset = maxOffset
		}
	}
	var v float64
	if action == models.ActionOpenLong {
		v = entry - offset
	} else {
		v = entry + offset
	}
	return &v
}

func autoTakeProfit(action models.ActionType, entry, atr float64, risk models.RiskControls) *float64 {
	mult := risk.DefaultTPATRMultiplier
	if mult <= 0 {
		mult = 3.0
	}
	offset := atr * mult
	var v float64
	if action == models.ActionOpenLong {
		v = entry + offset
	} else {
		v = entry - offset
	}
	return &v
}

// execute dispatches decisions in close -> open -> hold order, gating each
// on watchlist membership, confidence, and minimum notional, sizing opens
// against the margin-based position limits (§4.4 step 7).
func (e *Engine) execute(ctx context.Context, agent *models.Agent, tpl *models.StrategyTemplate, account *AccountView, resp *models.DecisionResponse) []models.DecisionExecutionResult {
	watchlist := make(map[string]bool, len(tpl.WatchlistSymbols))
	for _, s := range tpl.WatchlistSymbols {
		watchlist[s] = true
	}

	ordered := orderDecisions(resp.Decisions)

	results := make([]models.DecisionExecutionResult, 0, len(ordered))
	for i := range ordered {
		d := ordered[i]
		results = append(results, e.executeOne(ctx, agent, account, watchlist, tpl.RiskControls, d))
	}
	return results
}

// orderDecisions returns decisions sorted close actions first, then opens,
// then holds/waits, preserving relative order within each group (§4.4 step
// 7's close->open->hold execution order).
func orderDecisions(decisions []models.TradingDecision) []models.TradingDecision {
	ordered := make([]models.TradingDecision, len(decisions))
	copy(ordered, decisions)
	rank := func(a models.ActionType) int {
		switch a {
		case models.ActionCloseLong, models.ActionCloseShort:
			return 0
		case models.ActionOpenLong, models.ActionOpenShort:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return rank(ordered[i].Action) < rank(ordered[j].Action) })
	return ordered
}

func (e *Engine) executeOne(ctx context.Context, agent *models.Agent, account *AccountView, watchlist map[string]bool, risk models.RiskControls, d models.TradingDecision) models.DecisionExecutionResult {
	execResult := models.DecisionExecutionResult{Symbol: d.Symbol, Action: d.Action}

	if !watchlist[d.Symbol] {
		execResult.SkippedReason = "symbol not on watchlist"
		return execResult
	}

	shouldExecute, reason := d.ShouldExecute(risk.MinConfidence)
	if !shouldExecute {
		execResult.SkippedReason = reason
		return execResult
	}

	switch d.Action {
	case models.ActionCloseLong, models.ActionCloseShort:
		return e.executeClose(ctx, agent, d, execResult)
	case models.ActionOpenLong, models.ActionOpenShort:
		return e.executeOpen(ctx, agent, account, risk, d, execResult)
	default:
		execResult.SkippedReason = "no action taken"
		return execResult
	}
}

func (e *Engine) executeClose(ctx context.Context, agent *models.Agent, d models.TradingDecision, execResult models.DecisionExecutionResult) models.DecisionExecutionResult {
	var record *models.AgentPosition
	if e.positions != nil {
		rec, err := e.positions.PositionForSymbol(ctx, agent.ID, d.Symbol)
		if err == nil {
			record = rec
		}
	}

	orderResult, err := e.trader.ClosePosition(ctx, d.Symbol)
	if err != nil {
		execResult.Error = err.Error()
		return execResult
	}
	if !orderResult.Success {
		execResult.Error = orderResult.Error
		return execResult
	}

	execResult.Success = true
	execResult.OrderID = orderResult.OrderID
	execResult.FilledSize = orderResult.FilledSize.InexactFloat64()
	execResult.FilledPrice = orderResult.FilledPrice.InexactFloat64()

	if e.positions != nil && record != nil {
		realizedPnL := realizedPnLFor(record, execResult.FilledPrice)
		execResult.RealizedPnL = &realizedPnL
		_ = e.positions.ClosePosition(ctx, record.ID, execResult.FilledPrice, realizedPnL)
	}

	return execResult
}

// realizedPnLFor computes PnL from the actual fill price rather than the
// model's suggested exit, grounded on run_cycle's "PnL from actual fill
// price, not the AI's estimate" comment.
func realizedPnLFor(record *models.AgentPosition, filledPrice float64) float64 {
	diff := filledPrice - record.EntryPrice
	if record.Side == models.PositionShort {
		diff = -diff
	}
	return diff * record.Size
}

func (e *Engine) executeOpen(ctx context.Context, agent *models.Agent, account *AccountView, risk models.RiskControls, d models.TradingDecision, execResult models.DecisionExecutionResult) models.DecisionExecutionResult {
	leverage := d.Leverage
	if leverage < 1 {
		leverage = 1
	}
	if risk.MaxLeverage > 0 && leverage > risk.MaxLeverage {
		leverage = risk.MaxLeverage
	}

	sizeUSD := applyPositionLimits(d.PositionSizeUSD, account.Equity, account.AvailableBalance, leverage,
		e.riskCfg.MaxPositionRatio, e.riskCfg.AccountCapitalCapPct)
	if sizeUSD < e.riskCfg.MinOrderNotionalUSD {
		execResult.SkippedReason = "position size below minimum order notional"
		return execResult
	}

	side := models.PositionLong
	if d.Action == models.ActionOpenShort {
		side = models.PositionShort
	}

	var claim *models.AgentPosition
	isExisting := false
	if e.positions != nil {
		var accountID uuid.UUID
		if agent.AccountID != nil {
			accountID = *agent.AccountID
		}
		var err error
		claim, err = e.positions.ClaimWithCapitalCheck(ctx, agent.ID, models.StrategyAI, accountID, d.Symbol, side, leverage, account.Equity, sizeUSD, agent)
		if err != nil {
			execResult.SkippedReason = "could not claim symbol: " + err.Error()
			return execResult
		}
		isExisting = claim.Status == models.PositionOpen
	}

	var orderResult *models.OrderResult
	var err error
	if side == models.PositionLong {
		orderResult, err = e.trader.OpenLong(ctx, d.Symbol, sizeUSD, leverage, d.StopLoss, d.TakeProfit)
	} else {
		orderResult, err = e.trader.OpenShort(ctx, d.Symbol, sizeUSD, leverage, d.StopLoss, d.TakeProfit)
	}
	if err != nil {
		if e.positions != nil && claim != nil && !isExisting {
			e.recoverFailedClaim(ctx, d.Symbol, claim)
		}
		execResult.Error = err.Error()
		return execResult
	}
	if !orderResult.Success {
		if e.positions != nil && claim != nil && !isExisting {
			_ = e.positions.ReleaseClaim(ctx, claim.ID)
		}
		execResult.Error = orderResult.Error
		return execResult
	}

	execResult.Success = true
	execResult.OrderID = orderResult.OrderID
	execResult.FilledSize = orderResult.FilledSize.InexactFloat64()
	execResult.FilledPrice = orderResult.FilledPrice.InexactFloat64()

	if e.positions != nil && claim != nil {
		if isExisting {
			_ = e.positions.AccumulatePosition(ctx, claim.ID, execResult.FilledSize, sizeUSD, execResult.FilledPrice)
		} else {
			_ = e.positions.ConfirmPosition(ctx, claim.ID, execResult.FilledSize, sizeUSD, execResult.FilledPrice)
		}
	}

	return execResult
}

// recoverFailedClaim mirrors quant.base's exception-path claim recovery: if
// the order call errored but the exchange nonetheless shows a position, the
// claim is confirmed rather than released so the position isn't left
// untracked (§4.2, §4.4 step 7).
func (e *Engine) recoverFailedClaim(ctx context.Context, symbol string, claim *models.AgentPosition) {
	pos, err := e.trader.GetPosition(ctx, symbol)
	if err == nil && pos != nil && pos.Size.IsPositive() {
		_ = e.positions.ConfirmPosition(ctx, claim.ID, pos.Size.InexactFloat64(),
			pos.Size.Mul(pos.CurrentPrice).InexactFloat64(), pos.EntryPrice.InexactFloat64())
		return
	}
	_ = e.positions.ReleaseClaim(ctx, claim.ID)
}
