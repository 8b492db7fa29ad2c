package decision

import (
	"testing"

	"github.com/tradingrun/agentrun/pkg/models"
)

func TestParseDirectJSON(t *testing.T) {
	p := NewParser(models.DefaultRiskControls())
	raw := `{"chain_of_thought":"looks bullish","market_assessment":"uptrend","decisions":[{"symbol":"btcusdt","action":"open_long","leverage":10,"position_size_usd":100,"confidence":80,"reasoning":"momentum"}],"overall_confidence":75,"next_review_minutes":30}`

	resp, err := p.Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(resp.Decisions))
	}
	d := resp.Decisions[0]
	if d.Symbol != "BTCUSDT" {
		t.Errorf("expected symbol to be upper-cased, got %q", d.Symbol)
	}
	if d.Action != models.ActionOpenLong {
		t.Errorf("expected open_long, got %q", d.Action)
	}
	if d.Leverage != 5 {
		t.Errorf("expected leverage capped to max_leverage=5, got %d", d.Leverage)
	}
}

func TestParseFencedCodeBlock(t *testing.T) {
	p := NewParser(models.DefaultRiskControls())
	raw := "Here's my analysis:\n```json\n" +
		`{"chain_of_thought":"x","market_assessment":"y","decisions":[],"overall_confidence":50,"next_review_minutes":60}` +
		"\n```"

	resp, err := p.Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.MarketAssessment != "y" {
		t.Errorf("expected market_assessment 'y', got %q", resp.MarketAssessment)
	}
}

func TestParseBareArray(t *testing.T) {
	p := NewParser(models.DefaultRiskControls())
	raw := `Thinking about it... [{"symbol":"ETHUSDT","action":"hold","confidence":50,"reasoning":"wait"}]`

	resp, err := p.Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Decisions) != 1 || resp.Decisions[0].Symbol != "ETHUSDT" {
		t.Fatalf("expected a single ETHUSDT decision, got %+v", resp.Decisions)
	}
}

func TestParseChineseQuoteNormalization(t *testing.T) {
	p := NewParser(models.DefaultRiskControls())
	raw := "“chain_of_thought”: “ok”, decisions: []"
	// Not valid JSON on its own; verifies fixEncoding doesn't panic and
	// extraction still fails cleanly rather than producing garbage.
	if _, err := p.Parse(raw); err == nil {
		t.Error("expected an error for this malformed fragment")
	}
}

func TestParseEmptyResponse(t *testing.T) {
	p := NewParser(models.DefaultRiskControls())
	if _, err := p.Parse("   "); err == nil {
		t.Error("expected an error for an empty response")
	}
}

func TestParseSkipsInvalidDecisionsIndividually(t *testing.T) {
	p := NewParser(models.DefaultRiskControls())
	raw := `{"chain_of_thought":"","market_assessment":"","decisions":[` +
		`{"symbol":"BTCUSDT","action":"not_a_real_action","confidence":80,"reasoning":"bad"},` +
		`{"symbol":"ETHUSDT","action":"hold","confidence":50,"reasoning":"ok"}` +
		`],"overall_confidence":50,"next_review_minutes":60}`

	resp, err := p.Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Decisions) != 1 {
		t.Fatalf("expected the invalid decision to be skipped, got %d decisions", len(resp.Decisions))
	}
	if resp.Decisions[0].Symbol != "ETHUSDT" {
		t.Errorf("expected the surviving decision to be ETHUSDT, got %q", resp.Decisions[0].Symbol)
	}
}

func TestRiskRewardRatio(t *testing.T) {
	entry, sl, tp := 100.0, 98.0, 106.0
	d := &models.TradingDecision{Action: models.ActionOpenLong, EntryPrice: &entry, StopLoss: &sl, TakeProfit: &tp}

	ratio, ok := RiskRewardRatio(d)
	if !ok {
		t.Fatal("expected a computable ratio")
	}
	if ratio != 3.0 {
		t.Errorf("expected ratio 3.0 (6 reward / 2 risk), got %f", ratio)
	}
}

func TestExtractChainOfThoughtTags(t *testing.T) {
	raw := "<reasoning>price is breaking out</reasoning>\n{}"
	got := ExtractChainOfThought(raw)
	if got != "price is breaking out" {
		t.Errorf("expected tag content extracted, got %q", got)
	}
}

func TestExtractChainOfThoughtFallback(t *testing.T) {
	raw := "Some free-form reasoning text.\n{\"decisions\":[]}"
	got := ExtractChainOfThought(raw)
	if got != "Some free-form reasoning text." {
		t.Errorf("expected fallback text-before-json, got %q", got)
	}
}

func TestShouldExecute(t *testing.T) {
	d := models.TradingDecision{Action: models.ActionHold, Confidence: 90}
	if ok, _ := d.ShouldExecute(60); ok {
		t.Error("hold should never execute")
	}

	d2 := models.TradingDecision{Action: models.ActionOpenLong, Confidence: 40, PositionSizeUSD: 100}
	if ok, _ := d2.ShouldExecute(60); ok {
		t.Error("low confidence should not execute")
	}

	d3 := models.TradingDecision{Action: models.ActionOpenLong, Confidence: 90, PositionSizeUSD: 0}
	if ok, _ := d3.ShouldExecute(60); ok {
		t.Error("zero position size open should not execute")
	}

	d4 := models.TradingDecision{Action: models.ActionOpenLong, Confidence: 90, PositionSizeUSD: 100}
	if ok, _ := d4.ShouldExecute(60); !ok {
		t.Error("valid open decision should execute")
	}
}
