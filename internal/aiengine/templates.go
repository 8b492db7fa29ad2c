package aiengine

// language selects the bilingual prompt templates (§4.4 step 4; prompt
// builder supports en/zh per agent configuration).
type language string

const (
	languageEN language = "en"
	languageZH language = "zh"
)

func resolveLanguage(s string) language {
	if s == string(languageZH) {
		return languageZH
	}
	return languageEN
}

// sectionText is the bilingual copy for the system-prompt sections that
// aren't entirely generated from agent/account data (role, trading-mode
// framing, decision process, output schema). Section text is authored from
// prompt_builder.py's structure; no localized template source existed in
// the retrieval pack to translate verbatim.
var sectionText = map[language]struct {
	Role             string
	HardConstraints  string
	DecisionProcess  string
	OutputFormatNote string
}{
	languageEN: {
		Role: "You are an autonomous crypto futures trading agent. You analyze market data and decide " +
			"whether to open, close, or hold positions. You act only within the constraints given below.",
		HardConstraints: "Hard constraints (never violate these):",
		DecisionProcess: "Decision process: review the account state and open positions first, then the " +
			"market analysis for each watched symbol, then recent trade history. Form a chain of thought " +
			"before deciding. Only propose actions that clear the minimum confidence and risk/reward bars.",
		OutputFormatNote: "Respond with a single JSON object matching the schema below. Do not include any " +
			"text outside the JSON object.",
	},
	languageZH: {
		Role: "你是一个自主的加密货币合约交易代理。你分析市场数据，并决定是否开仓、平仓或持仓观望。" +
			"你只能在下面给出的约束条件内行动。",
		HardConstraints: "硬性约束（不得违反）：",
		DecisionProcess: "决策流程：先审查账户状态和当前持仓，再查看每个观察列表标的的市场分析，最后查看近期交易记录。" +
			"在做出决定前先形成思维链。只提出置信度和风险回报比均达标的操作建议。",
		OutputFormatNote: "请仅以一个符合下方结构的 JSON 对象作答，不要在 JSON 对象之外输出任何文字。",
	},
}

// outputSchema is the literal JSON schema shown to the model, constant
// across languages since field names are part of the wire contract.
const outputSchema = `{
  "chain_of_thought": "string, your reasoning",
  "market_assessment": "string, summary of current market conditions",
  "decisions": [
    {
      "symbol": "string, e.g. BTCUSDT",
      "action": "open_long | open_short | close_long | close_short | hold | wait",
      "leverage": "integer",
      "position_size_usd": "number, notional size in USD",
      "entry_price": "number or null",
      "stop_loss": "number or null",
      "take_profit": "number or null",
      "confidence": "integer 0-100",
      "risk_usd": "number, dollar amount at risk",
      "reasoning": "string"
    }
  ],
  "overall_confidence": "integer 0-100",
  "next_review_minutes": "integer"
}`
