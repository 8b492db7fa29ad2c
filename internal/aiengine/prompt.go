package aiengine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tradingrun/agentrun/pkg/models"
)

// timeframeOrder ranks timeframes from shortest to longest for stable
// prompt ordering, grounded on prompt_builder.py's _timeframe_sort_key.
var timeframeOrder = map[string]int{
	"1m": 0, "5m": 1, "15m": 2, "30m": 3,
	"1h": 4, "2h": 5, "4h": 6, "6h": 7, "12h": 8,
	"1d": 9, "1w": 10,
}

func timeframeRank(tf string) int {
	if r, ok := timeframeOrder[tf]; ok {
		return r
	}
	return 99
}

// AccountView is the agent-isolated account snapshot fed to the prompt:
// the agent's own equity share and its own open positions, not the whole
// trader account (§4.4 step 1).
type AccountView struct {
	Equity           float64
	AvailableBalance float64
	TotalMarginUsed  float64
	UnrealizedPnL    float64
	Positions        []models.AgentPosition
}

// PromptBuilder builds the system and user prompts from a strategy
// template, an agent's configured risk controls, and live account/market
// data, adapted from prompt_builder.py's PromptBuilder.
type PromptBuilder struct {
	lang language
}

// NewPromptBuilder builds a PromptBuilder for the given agent language code
// ("en" or "zh", defaulting to "en").
func NewPromptBuilder(languageCode string) *PromptBuilder {
	return &PromptBuilder{lang: resolveLanguage(languageCode)}
}

// BuildSystemPrompt assembles the system prompt from, in order: role,
// trading mode (when set), hard constraints, trading frequency, watchlist,
// decision process, output schema, custom instructions (when set) and any
// template prompt sections in key order (§4.4 step 4). There is no separate
// entry-standards section.
func (b *PromptBuilder) BuildSystemPrompt(tpl *models.StrategyTemplate, risk models.RiskControls, intervalMinutes int, watchlist []string) string {
	t := sectionText[b.lang]
	var sections []string

	sections = append(sections, t.Role)

	if tradingMode := tpl.TradingMode; tradingMode != "" {
		sections = append(sections, b.formatTradingMode(tradingMode))
	}

	sections = append(sections, b.formatHardConstraints(t.HardConstraints, risk))
	sections = append(sections, b.formatTradingFrequency(intervalMinutes))
	sections = append(sections, b.formatWatchlist(watchlist))
	sections = append(sections, t.DecisionProcess)
	sections = append(sections, t.OutputFormatNote+"\n\n"+outputSchema)

	if tpl.CustomInstructions != "" {
		sections = append(sections, tpl.CustomInstructions)
	}

	if custom := tpl.PromptSections; custom != nil {
		for _, key := range sortedStringKeys(custom) {
			if v := custom[key]; v != "" {
				sections = append(sections, v)
			}
		}
	}

	return strings.Join(sections, "\n\n")
}

func (b *PromptBuilder) formatTradingMode(mode string) string {
	if b.lang == languageZH {
		return fmt.Sprintf("交易模式：%s", mode)
	}
	return fmt.Sprintf("Trading mode: %s", mode)
}

func (b *PromptBuilder) formatHardConstraints(label string, risk models.RiskControls) string {
	if b.lang == languageZH {
		return fmt.Sprintf(
			"%s\n- 最大杠杆：%dx\n- 单仓最大占比：%.0f%%\n- 最大总敞口：%.0f%%\n- 最小风险回报比：%.1f\n- 最小置信度：%d",
			label, risk.MaxLeverage, risk.MaxPositionRatio*100, risk.MaxTotalExposure*100,
			risk.MinRiskRewardRatio, risk.MinConfidence)
	}
	return fmt.Sprintf(
		"%s\n- Max leverage: %dx\n- Max position ratio: %.0f%% of equity\n- Max total exposure: %.0f%%\n"+
			"- Min risk/reward ratio: %.1f\n- Min confidence to act: %d",
		label, risk.MaxLeverage, risk.MaxPositionRatio*100, risk.MaxTotalExposure*100,
		risk.MinRiskRewardRatio, risk.MinConfidence)
}

func (b *PromptBuilder) formatTradingFrequency(intervalMinutes int) string {
	if b.lang == languageZH {
		return fmt.Sprintf("交易频率：每 %d 分钟评估一次。", intervalMinutes)
	}
	return fmt.Sprintf("Trading frequency: you are evaluated every %d minutes.", intervalMinutes)
}

func (b *PromptBuilder) formatWatchlist(symbols []string) string {
	list := strings.Join(symbols, ", ")
	if b.lang == languageZH {
		return fmt.Sprintf("观察列表：%s", list)
	}
	return fmt.Sprintf("Watchlist: %s", list)
}

// BuildUserPrompt assembles the account/positions/market-context/recent-
// trades sections, adding a per-symbol market analysis (price, funding rate
// and per-timeframe indicators; raw K-lines are not rendered) whenever
// market contexts are available (§4.4 step 4).
func (b *PromptBuilder) BuildUserPrompt(account *AccountView, contexts map[string]*MarketContext, recentTrades []models.AgentPosition, now time.Time) string {
	var sections []string

	sections = append(sections, b.headerSection(now))
	sections = append(sections, b.formatAccountStatus(account))
	sections = append(sections, b.formatPositions(account))

	if len(contexts) > 0 {
		sections = append(sections, b.formatMarketAnalysisHeader())
		for _, symbol := range sortedContextSymbols(contexts) {
			sections = append(sections, b.formatMarketContext(contexts[symbol]))
		}
	}

	if len(recentTrades) > 0 {
		sections = append(sections, b.formatRecentTrades(recentTrades))
	}

	sections = append(sections, b.taskSection())

	return strings.Join(sections, "\n\n")
}

func (b *PromptBuilder) headerSection(now time.Time) string {
	if b.lang == languageZH {
		return fmt.Sprintf("## 当前市场与账户状态\n时间戳：%s UTC", now.UTC().Format("2006-01-02 15:04:05"))
	}
	return fmt.Sprintf("## Current Market and Account State\nTimestamp: %s UTC", now.UTC().Format("2006-01-02 15:04:05"))
}

func (b *PromptBuilder) formatAccountStatus(a *AccountView) string {
	marginPct := 0.0
	if a.Equity > 0 {
		marginPct = a.TotalMarginUsed / a.Equity * 100
	}
	if b.lang == languageZH {
		return fmt.Sprintf(
			"### 账户状态\n- 总权益：$%.2f\n- 可用余额：$%.2f\n- 已用保证金：$%.2f (%.1f%%)\n- 未实现盈亏：$%+.2f\n- 持仓数量：%d",
			a.Equity, a.AvailableBalance, a.TotalMarginUsed, marginPct, a.UnrealizedPnL, len(a.Positions))
	}
	return fmt.Sprintf(
		"### Account Status\n- Total equity: $%.2f\n- Available balance: $%.2f\n- Margin used: $%.2f (%.1f%%)\n"+
			"- Unrealized PnL: $%+.2f\n- Open positions: %d",
		a.Equity, a.AvailableBalance, a.TotalMarginUsed, marginPct, a.UnrealizedPnL, len(a.Positions))
}

func (b *PromptBuilder) formatPositions(a *AccountView) string {
	header := "### Current Positions"
	none := "No open positions."
	if b.lang == languageZH {
		header, none = "### 当前持仓", "暂无持仓。"
	}
	if len(a.Positions) == 0 {
		return header + "\n" + none
	}
	lines := []string{header}
	for _, p := range a.Positions {
		lines = append(lines, b.formatOnePosition(p))
	}
	return strings.Join(lines, "\n")
}

func (b *PromptBuilder) formatOnePosition(p models.AgentPosition) string {
	if b.lang == languageZH {
		return fmt.Sprintf(
			"\n#### %s (%s)\n- 仓位大小：%.4f ($%.2f)\n- 开仓价：$%.2f\n- 杠杆：%dx",
			p.Symbol, strings.ToUpper(string(p.Side)), p.Size, p.SizeUSD, p.EntryPrice, p.Leverage)
	}
	return fmt.Sprintf(
		"\n#### %s (%s)\n- Size: %.4f ($%.2f)\n- Entry price: $%.2f\n- Leverage: %dx",
		p.Symbol, strings.ToUpper(string(p.Side)), p.Size, p.SizeUSD, p.EntryPrice, p.Leverage)
}

func (b *PromptBuilder) formatMarketAnalysisHeader() string {
	if b.lang == languageZH {
		return "### 市场分析"
	}
	return "### Market Analysis"
}

func (b *PromptBuilder) formatMarketContext(ctx *MarketContext) string {
	var lines []string
	lines = append(lines, fmt.Sprintf("#### %s", ctx.Symbol))

	if b.lang == languageZH {
		fundingStr := "N/A"
		if ctx.FundingRate != 0 {
			fundingStr = fmt.Sprintf("%.4f%%", ctx.FundingRate*100)
		}
		lines = append(lines, fmt.Sprintf("**现价：** $%.2f", ctx.Price))
		lines = append(lines, fmt.Sprintf("- 资金费率：%s", fundingStr))
	} else {
		fundingStr := "N/A"
		if ctx.FundingRate != 0 {
			fundingStr = fmt.Sprintf("%.4f%%", ctx.FundingRate*100)
		}
		lines = append(lines, fmt.Sprintf("**Current price:** $%.2f", ctx.Price))
		lines = append(lines, fmt.Sprintf("- Funding rate: %s", fundingStr))
	}

	for _, tf := range sortedTimeframes(ctx.Indicators) {
		ind := ctx.Indicators[tf]
		label := strings.ToUpper(tf)
		if b.lang == languageZH {
			lines = append(lines, fmt.Sprintf("\n**%s 时间框架分析：**", label))
		} else {
			lines = append(lines, fmt.Sprintf("\n**%s timeframe analysis:**", label))
		}
		lines = append(lines, b.formatIndicators(ind))
	}

	return strings.Join(lines, "\n")
}

func (b *PromptBuilder) formatIndicators(ind *TechnicalIndicators) string {
	var lines []string

	for _, p := range sortedIntKeys(ind.EMA) {
		lines = append(lines, fmt.Sprintf("- EMA%d: %.4f", p, ind.EMA[p]))
	}
	for _, p := range sortedIntKeys(ind.SMA) {
		lines = append(lines, fmt.Sprintf("- SMA%d: %.4f", p, ind.SMA[p]))
	}
	if ind.RSI != nil {
		lines = append(lines, fmt.Sprintf("- RSI(14): %.2f (%s)", *ind.RSI, ind.RSISignal()))
	}
	lines = append(lines, fmt.Sprintf("- MACD: %.4f / signal %.4f / hist %.4f (%s)",
		ind.MACD.MACD, ind.MACD.Signal, ind.MACD.Histogram, ind.MACDSignal()))
	lines = append(lines, fmt.Sprintf("- Bollinger: upper %.2f / mid %.2f / lower %.2f",
		ind.Bollinger.Upper, ind.Bollinger.Middle, ind.Bollinger.Lower))
	if ind.ATR != nil {
		lines = append(lines, fmt.Sprintf("- ATR(14): %.4f", *ind.ATR))
	}
	if ind.VolumeSMA != nil {
		lines = append(lines, fmt.Sprintf("- Volume SMA: %.2f", *ind.VolumeSMA))
	}
	if len(ind.EMA) >= 2 {
		lines = append(lines, fmt.Sprintf("- EMA trend: %s", ind.EMATrend()))
	}

	return strings.Join(lines, "\n")
}

func (b *PromptBuilder) formatRecentTrades(trades []models.AgentPosition) string {
	header := "### Recent Closed Trades"
	if b.lang == languageZH {
		header = "### 近期已平仓交易"
	}
	lines := []string{header}
	limit := len(trades)
	if limit > 10 {
		limit = 10
	}
	for _, t := range trades[:limit] {
		pnl := 0.0
		if t.RealizedPnL != nil {
			pnl = *t.RealizedPnL
		}
		closedAt := "N/A"
		if t.ClosedAt != nil {
			closedAt = t.ClosedAt.UTC().Format("2006-01-02 15:04")
		}
		lines = append(lines, fmt.Sprintf("- %s %s: $%+.2f (%s)", t.Symbol, strings.ToUpper(string(t.Side)), pnl, closedAt))
	}
	return strings.Join(lines, "\n")
}

func (b *PromptBuilder) taskSection() string {
	if b.lang == languageZH {
		return "请根据上述信息，为观察列表中的每个标的给出交易决策。"
	}
	return "Based on the information above, provide a trading decision for each symbol on the watchlist."
}

func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedContextSymbols(m map[string]*MarketContext) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedTimeframes(m map[string]*TechnicalIndicators) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return timeframeRank(keys[i]) < timeframeRank(keys[j]) })
	return keys
}
