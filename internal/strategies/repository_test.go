package strategies

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/tradingrun/agentrun/pkg/models"
	"github.com/tradingrun/agentrun/test/testdb"
)

func TestRepository_CreateAndGet_AITemplate(t *testing.T) {
	db := testdb.Setup(t)
	repo := NewRepository(db)
	ctx := context.Background()

	tpl := &models.StrategyTemplate{
		Name:             "breakout scalper",
		Kind:             models.StrategyAI,
		PromptSections:   map[string]string{"persona": "cautious scalper"},
		WatchlistSymbols: []string{"BTC/USDT", "ETH/USDT"},
		RiskControls:     models.DefaultRiskControls(),
		TradingMode:      "futures",
		Timeframes:       []string{"5m", "1h"},
		Language:         "en",
	}
	if err := repo.Create(ctx, tpl); err != nil {
		t.Fatalf("create: %v", err)
	}
	if tpl.ID == uuid.Nil {
		t.Fatal("expected Create to assign an id")
	}

	got, err := repo.Get(ctx, tpl.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != tpl.Name || got.Kind != models.StrategyAI {
		t.Errorf("unexpected template: %+v", got)
	}
	if len(got.WatchlistSymbols) != 2 || got.WatchlistSymbols[0] != "BTC/USDT" {
		t.Errorf("expected watchlist to round-trip, got %v", got.WatchlistSymbols)
	}
	if got.PromptSections["persona"] != "cautious scalper" {
		t.Errorf("expected prompt sections to round-trip, got %v", got.PromptSections)
	}
	if got.RiskControls != tpl.RiskControls {
		t.Errorf("expected risk controls to round-trip, got %+v", got.RiskControls)
	}
}

func TestRepository_CreateAndGet_GridTemplate(t *testing.T) {
	db := testdb.Setup(t)
	repo := NewRepository(db)
	ctx := context.Background()

	tpl := &models.StrategyTemplate{
		Name:         "btc grid",
		Kind:         models.StrategyQuant,
		StrategyType: models.QuantGrid,
		GridConfig: &models.GridConfig{
			UpperPrice:      70000,
			LowerPrice:      60000,
			GridCount:       10,
			TotalInvestment: 1000,
			Leverage:        2,
		},
	}
	if err := repo.Create(ctx, tpl); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.Get(ctx, tpl.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.StrategyType != models.QuantGrid {
		t.Fatalf("expected strategy type grid, got %q", got.StrategyType)
	}
	if got.GridConfig == nil || got.GridConfig.GridCount != 10 {
		t.Errorf("expected grid config to round-trip, got %+v", got.GridConfig)
	}
	if got.DCAConfig != nil || got.RSIConfig != nil {
		t.Errorf("expected only grid config to be set, got dca=%+v rsi=%+v", got.DCAConfig, got.RSIConfig)
	}
}

func TestRepository_Get_NotFound(t *testing.T) {
	db := testdb.Setup(t)
	repo := NewRepository(db)

	_, err := repo.Get(context.Background(), uuid.New())
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRepository_Update(t *testing.T) {
	db := testdb.Setup(t)
	repo := NewRepository(db)
	ctx := context.Background()

	tpl := &models.StrategyTemplate{
		Name: "dca bot",
		Kind: models.StrategyQuant,
		StrategyType: models.QuantDCA,
		DCAConfig: &models.DCAConfig{
			OrderAmount:       50,
			IntervalMinutes:   60,
			TakeProfitPercent: 5,
		},
	}
	if err := repo.Create(ctx, tpl); err != nil {
		t.Fatalf("create: %v", err)
	}

	tpl.Name = "dca bot v2"
	tpl.DCAConfig.OrderAmount = 75
	if err := repo.Update(ctx, tpl); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := repo.Get(ctx, tpl.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "dca bot v2" || got.DCAConfig.OrderAmount != 75 {
		t.Errorf("expected update to persist, got %+v", got)
	}
}

func TestRepository_Delete(t *testing.T) {
	db := testdb.Setup(t)
	repo := NewRepository(db)
	ctx := context.Background()

	tpl := testdb.SeedStrategyTemplate(t, db, nil)
	if err := repo.Delete(ctx, tpl.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, err := repo.Get(ctx, tpl.ID)
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
