// Package decision turns raw LLM text into a validated DecisionResponse:
// tolerant JSON extraction, schema normalization, and risk-control
// enforcement (§4.5).
package decision

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tradingrun/agentrun/pkg/models"
)

// ParseError wraps a parse failure together with the raw text that caused
// it, for logging at the call site.
type ParseError struct {
	Message     string
	RawResponse string
}

func (e *ParseError) Error() string { return e.Message }

var (
	jsonBlockPattern  = regexp.MustCompile(`(?is)` + "```" + `(?:json)?\s*\n?([\s\S]*?)\n?` + "```")
	jsonArrayPattern  = regexp.MustCompile(`(?s)\[\s*\{[\s\S]*?\}\s*\]`)
	jsonObjectPattern = regexp.MustCompile(`(?s)\{[\s\S]*?"chain_of_thought"[\s\S]*?\}`)

	reasoningTagPattern  = regexp.MustCompile(`(?is)<reasoning>\s*([\s\S]*?)\s*</reasoning>`)
	chainTagPattern      = regexp.MustCompile(`(?is)<chain_of_thought>\s*([\s\S]*?)\s*</chain_of_thought>`)
	analysisHeadPattern  = regexp.MustCompile(`(?is)## Analysis\s*([\s\S]*?)(?:##|\{|\[|$)`)
	marketHeadPattern    = regexp.MustCompile(`(?is)## Market Analysis\s*([\s\S]*?)(?:##|\{|\[|$)`)
)

var encodingFixes = map[string]string{
	"“": `"`,
	"”": `"`,
	"‘": "'",
	"’": "'",
	"【": "[",
	"】": "]",
	"（": "(",
	"）": ")",
	"：": ":",
	"，": ",",
}

// Parser parses AI responses into structured trading decisions and enforces
// risk controls on the result (§4.5).
type Parser struct {
	risk models.RiskControls
}

// NewParser builds a Parser. Zero-value RiskControls disables capping.
func NewParser(risk models.RiskControls) *Parser {
	return &Parser{risk: risk}
}

// Parse runs the full pipeline: punctuation normalization, tolerant JSON
// extraction, decision construction, and risk-control enforcement.
func (p *Parser) Parse(raw string) (*models.DecisionResponse, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &ParseError{Message: "empty response", RawResponse: raw}
	}

	cleaned := fixEncoding(raw)

	jsonStr := extractJSON(cleaned)
	if jsonStr == "" {
		return nil, &ParseError{Message: "no valid JSON found in response", RawResponse: raw}
	}

	var data interface{}
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return nil, &ParseError{Message: fmt.Sprintf("invalid JSON: %v", err), RawResponse: raw}
	}

	response := buildResponse(data)
	response.RiskControls = p.risk
	p.enforceRiskControls(response)

	return response, nil
}

func fixEncoding(text string) string {
	for old, repl := range encodingFixes {
		text = strings.ReplaceAll(text, old, repl)
	}
	return text
}

// extractJSON tries, in order: the whole string as JSON, a fenced code
// block, a bare decisions array (wrapped in a default envelope), then an
// object containing "chain_of_thought" located by brace balancing.
func extractJSON(text string) string {
	if json.Valid([]byte(text)) {
		return text
	}

	if m := jsonBlockPattern.FindStringSubmatch(text); m != nil {
		candidate := strings.TrimSpace(m[1])
		if json.Valid([]byte(candidate)) {
			return candidate
		}
	}

	if m := jsonArrayPattern.FindString(text); m != "" {
		var arr []interface{}
		if err := json.Unmarshal([]byte(m), &arr); err == nil {
			envelope := map[string]interface{}{
				"chain_of_thought":     extractTextBeforeJSON(text),
				"market_assessment":    "",
				"decisions":            arr,
				"overall_confidence":   50,
				"next_review_minutes":  60,
			}
			wrapped, err := json.Marshal(envelope)
			if err == nil {
				return string(wrapped)
			}
		}
	}

	if jsonObjectPattern.MatchString(text) {
		if jsonStr := balanceBraces(text); jsonStr != "" {
			return jsonStr
		}
	}

	return ""
}

// balanceBraces locates the first '{' and returns the substring up to its
// matching '}', validating it parses as JSON.
func balanceBraces(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				if json.Valid([]byte(candidate)) {
					return candidate
				}
				return ""
			}
		}
	}
	return ""
}

func extractTextBeforeJSON(text string) string {
	idx := strings.IndexByte(text, '{')
	bracketIdx := strings.IndexByte(text, '[')
	if idx == -1 || (bracketIdx != -1 && bracketIdx < idx) {
		idx = bracketIdx
	}
	if idx > 0 {
		return strings.TrimSpace(text[:idx])
	}
	return ""
}

// buildResponse normalizes the parsed JSON payload into a DecisionResponse,
// skipping individual decisions that fail to parse rather than aborting the
// whole batch.
func buildResponse(data interface{}) *models.DecisionResponse {
	var obj map[string]interface{}
	switch v := data.(type) {
	case []interface{}:
		obj = map[string]interface{}{
			"chain_of_thought":    "",
			"market_assessment":   "",
			"decisions":           v,
			"overall_confidence":  50,
			"next_review_minutes": 60,
		}
	case map[string]interface{}:
		obj = v
	default:
		obj = map[string]interface{}{}
	}

	rawDecisions, _ := obj["decisions"].([]interface{})

	decisions := make([]models.TradingDecision, 0, len(rawDecisions))
	for _, rd := range rawDecisions {
		m, ok := rd.(map[string]interface{})
		if !ok {
			continue
		}
		d, ok := buildDecision(m)
		if ok {
			decisions = append(decisions, d)
		}
	}

	return &models.DecisionResponse{
		ChainOfThought:    stringField(obj, "chain_of_thought"),
		MarketAssessment:  stringField(obj, "market_assessment"),
		Decisions:         decisions,
		OverallConfidence: intField(obj, "overall_confidence", 50),
		NextReviewMinutes: intField(obj, "next_review_minutes", 60),
	}
}

func buildDecision(m map[string]interface{}) (models.TradingDecision, bool) {
	actionStr := strings.ToLower(strings.ReplaceAll(stringFieldDefault(m, "action", "hold"), "-", "_"))
	action, ok := parseActionType(actionStr)
	if !ok {
		return models.TradingDecision{}, false
	}

	leverage := intField(m, "leverage", 1)
	if leverage < 1 {
		leverage = 1
	}

	return models.TradingDecision{
		Symbol:          strings.ToUpper(stringField(m, "symbol")),
		Action:          action,
		Leverage:        leverage,
		PositionSizeUSD: floatField(m, "position_size_usd", 0),
		EntryPrice:      optionalFloatField(m, "entry_price"),
		StopLoss:        optionalFloatField(m, "stop_loss"),
		TakeProfit:      optionalFloatField(m, "take_profit"),
		Confidence:      intField(m, "confidence", 50),
		RiskUSD:         floatField(m, "risk_usd", 0),
		Reasoning:       stringFieldDefault(m, "reasoning", "No reasoning provided"),
	}, true
}

func parseActionType(s string) (models.ActionType, bool) {
	switch models.ActionType(s) {
	case models.ActionOpenLong, models.ActionOpenShort, models.ActionCloseLong,
		models.ActionCloseShort, models.ActionHold, models.ActionWait:
		return models.ActionType(s), true
	default:
		return "", false
	}
}

// enforceRiskControls caps leverage at the configured maximum in place. It
// never rejects a decision outright; the risk/reward check is exposed via
// RiskRewardRatio for the caller to log against min_risk_reward_ratio.
func (p *Parser) enforceRiskControls(resp *models.DecisionResponse) {
	if p.risk.MaxLeverage <= 0 {
		return
	}
	for i := range resp.Decisions {
		if resp.Decisions[i].Leverage > p.risk.MaxLeverage {
			resp.Decisions[i].Leverage = p.risk.MaxLeverage
		}
	}
}

// RiskRewardRatio returns the reward/risk ratio for an open decision with
// stop_loss/take_profit/entry_price set, and whether it could be computed.
func RiskRewardRatio(d *models.TradingDecision) (float64, bool) {
	if d.StopLoss == nil || d.TakeProfit == nil || d.EntryPrice == nil {
		return 0, false
	}
	entry, sl, tp := *d.EntryPrice, *d.StopLoss, *d.TakeProfit

	var risk, reward float64
	switch d.Action {
	case models.ActionOpenLong:
		risk = entry - sl
		reward = tp - entry
	case models.ActionOpenShort:
		risk = sl - entry
		reward = entry - tp
	default:
		return 0, false
	}
	if risk <= 0 {
		return 0, false
	}
	return reward / risk, true
}

// ExtractChainOfThought pulls reasoning text out of a raw response via
// explicit tags or markdown headings, falling back to the text preceding
// the JSON blob.
func ExtractChainOfThought(raw string) string {
	if m := reasoningTagPattern.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := chainTagPattern.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := analysisHeadPattern.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := marketHeadPattern.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	return extractTextBeforeJSON(raw)
}

func stringField(m map[string]interface{}, key string) string {
	return stringFieldDefault(m, key, "")
}

func stringFieldDefault(m map[string]interface{}, key, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

func intField(m map[string]interface{}, key string, def int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func floatField(m map[string]interface{}, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func optionalFloatField(m map[string]interface{}, key string) *float64 {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	f := floatField(m, key, 0)
	return &f
}
