package decisions

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tradingrun/agentrun/pkg/models"
	"github.com/tradingrun/agentrun/test/testdb"
)

func sampleRecord(agentID uuid.UUID) *models.DecisionRecord {
	return &models.DecisionRecord{
		AgentID:          agentID,
		Timestamp:        time.Now().UTC().Truncate(time.Second),
		SystemPrompt:     "system",
		UserPrompt:       "user",
		RawResponse:      "raw",
		ChainOfThought:   "thinking",
		MarketAssessment: "bullish",
		Decisions: []models.TradingDecision{
			{Symbol: "BTC-USD", Action: models.ActionOpenLong, Leverage: 3, PositionSizeUSD: 100, Confidence: 80},
		},
		OverallConfidence: 80,
		ExecutionResults: []models.DecisionExecutionResult{
			{Symbol: "BTC-USD", Action: models.ActionOpenLong, Success: true, OrderID: "ord-1"},
		},
		AIModel:    "gpt-5",
		TokensUsed: 1200,
		LatencyMs:  450,
	}
}

func TestRepository_InsertAndByAgent(t *testing.T) {
	db := testdb.Setup(t)
	agent := testdb.SeedAgent(t, db, nil)
	repo := NewRepository(db)
	ctx := context.Background()

	d := sampleRecord(agent.ID)
	if err := repo.Insert(ctx, d); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if d.ID == uuid.Nil {
		t.Error("expected Insert to assign an id")
	}

	rows, err := repo.ByAgent(ctx, agent.ID, 10)
	if err != nil {
		t.Fatalf("by agent: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	got := rows[0]
	if got.ChainOfThought != d.ChainOfThought || got.AIModel != d.AIModel {
		t.Errorf("unexpected row: %+v", got)
	}
	if len(got.Decisions) != 1 || got.Decisions[0].Symbol != "BTC-USD" {
		t.Errorf("expected decisions to round-trip through JSON, got %+v", got.Decisions)
	}
	if len(got.ExecutionResults) != 1 || got.ExecutionResults[0].OrderID != "ord-1" {
		t.Errorf("expected execution results to round-trip through JSON, got %+v", got.ExecutionResults)
	}
}

func TestRepository_InsertDebateRecord(t *testing.T) {
	db := testdb.Setup(t)
	agent := testdb.SeedAgent(t, db, nil)
	repo := NewRepository(db)
	ctx := context.Background()

	d := sampleRecord(agent.ID)
	d.IsDebate = true
	d.DebateModels = []string{"gpt-5", "claude"}
	d.DebateResponses = []string{"resp-a", "resp-b"}
	d.DebateConsensusMode = models.ConsensusMajorityVote
	d.DebateAgreementScore = 0.75

	if err := repo.Insert(ctx, d); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := repo.Latest(ctx, agent.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got == nil {
		t.Fatal("expected a latest record")
	}
	if !got.IsDebate || got.DebateConsensusMode != models.ConsensusMajorityVote {
		t.Errorf("expected debate fields to round-trip, got %+v", got)
	}
	if len(got.DebateModels) != 2 || len(got.DebateResponses) != 2 {
		t.Errorf("expected debate arrays to round-trip, got models=%v responses=%v", got.DebateModels, got.DebateResponses)
	}
}

func TestRepository_DeleteOlderThan(t *testing.T) {
	db := testdb.Setup(t)
	agent := testdb.SeedAgent(t, db, nil)
	repo := NewRepository(db)
	ctx := context.Background()

	d := sampleRecord(agent.ID)
	d.CreatedAt = time.Now().Add(-48 * time.Hour)
	if err := repo.Insert(ctx, d); err != nil {
		t.Fatalf("insert: %v", err)
	}

	deleted, err := repo.DeleteOlderThan(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("delete older than: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 row deleted, got %d", deleted)
	}

	rows, err := repo.ByAgent(ctx, agent.ID, 10)
	if err != nil {
		t.Fatalf("by agent: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no remaining rows, got %d", len(rows))
	}
}
