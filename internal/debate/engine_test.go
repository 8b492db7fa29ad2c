package debate

import (
	"context"
	"testing"

	"github.com/tradingrun/agentrun/internal/aiclient"
	"github.com/tradingrun/agentrun/pkg/models"
)

func decisionJSON(symbol, action string, confidence int) string {
	return `{"chain_of_thought":"","market_assessment":"","decisions":[{"symbol":"` +
		symbol + `","action":"` + action + `","leverage":1,"position_size_usd":100,"confidence":` +
		itoa(confidence) + `,"reasoning":"test"}],"overall_confidence":` + itoa(confidence) + `,"next_review_minutes":30}`
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestDebateMajorityVote(t *testing.T) {
	e := NewEngine(models.DefaultRiskControls())
	clients := map[string]aiclient.AIClient{
		"a": aiclient.NewMockClient("a", decisionJSON("BTCUSDT", "open_long", 80)),
		"b": aiclient.NewMockClient("b", decisionJSON("BTCUSDT", "open_long", 70)),
		"c": aiclient.NewMockClient("c", decisionJSON("BTCUSDT", "hold", 60)),
	}

	result, err := e.Run(context.Background(), clients, "sys", "user", Config{
		ConsensusMode:   models.ConsensusMajorityVote,
		MinParticipants: 2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Invalid {
		t.Fatalf("expected a valid result, got invalid: %s", result.InvalidReason)
	}
	if len(result.Decisions) != 1 {
		t.Fatalf("expected 1 majority decision, got %d", len(result.Decisions))
	}
	if result.Decisions[0].Action != models.ActionOpenLong {
		t.Errorf("expected open_long to win majority, got %q", result.Decisions[0].Action)
	}
}

func TestDebateUnanimous(t *testing.T) {
	e := NewEngine(models.DefaultRiskControls())
	clients := map[string]aiclient.AIClient{
		"a": aiclient.NewMockClient("a", decisionJSON("ETHUSDT", "open_short", 80)),
		"b": aiclient.NewMockClient("b", decisionJSON("ETHUSDT", "open_long", 70)),
	}

	result, err := e.Run(context.Background(), clients, "sys", "user", Config{
		ConsensusMode:   models.ConsensusUnanimous,
		MinParticipants: 2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Decisions) != 0 {
		t.Errorf("expected no unanimous agreement, got %d decisions", len(result.Decisions))
	}
}

func TestDebateHighestConfidence(t *testing.T) {
	e := NewEngine(models.DefaultRiskControls())
	clients := map[string]aiclient.AIClient{
		"a": aiclient.NewMockClient("a", decisionJSON("BTCUSDT", "open_long", 90)),
		"b": aiclient.NewMockClient("b", decisionJSON("BTCUSDT", "open_short", 60)),
	}

	result, err := e.Run(context.Background(), clients, "sys", "user", Config{
		ConsensusMode:   models.ConsensusHighestConfidence,
		MinParticipants: 2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Decisions) != 1 || result.Decisions[0].Action != models.ActionOpenLong {
		t.Fatalf("expected the highest-confidence participant's decision, got %+v", result.Decisions)
	}
}

func TestDebateInvalidBelowMinParticipants(t *testing.T) {
	e := NewEngine(models.DefaultRiskControls())
	clients := map[string]aiclient.AIClient{
		"a": aiclient.NewMockClient("a", decisionJSON("BTCUSDT", "open_long", 80)),
		"b": &aiclient.MockClient{NameValue: "b", Err: context.DeadlineExceeded},
	}

	result, err := e.Run(context.Background(), clients, "sys", "user", Config{
		ConsensusMode:   models.ConsensusMajorityVote,
		MinParticipants: 2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Invalid {
		t.Error("expected result to be invalid when below min_participants")
	}
}

func TestDebateRequiresAtLeastTwoParticipants(t *testing.T) {
	e := NewEngine(models.DefaultRiskControls())
	clients := map[string]aiclient.AIClient{
		"a": aiclient.NewMockClient("a", decisionJSON("BTCUSDT", "open_long", 80)),
	}
	if _, err := e.Run(context.Background(), clients, "sys", "user", Config{ConsensusMode: models.ConsensusMajorityVote, MinParticipants: 1}); err == nil {
		t.Error("expected an error with fewer than 2 participants")
	}
}
