package agents

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tradingrun/agentrun/pkg/models"
	"github.com/tradingrun/agentrun/test/testdb"
)

func TestRepository_GetAndListActive(t *testing.T) {
	db := testdb.Setup(t)
	repo := NewRepository(db)
	ctx := context.Background()

	active := testdb.SeedAgent(t, db, nil)
	paused := testdb.SeedAgent(t, db, func(a *models.Agent) { a.Status = models.AgentPaused })

	got, err := repo.Get(ctx, active.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != active.ID {
		t.Errorf("expected agent %s, got %s", active.ID, got.ID)
	}

	if _, err := repo.Get(ctx, paused.ID); err != nil {
		t.Fatalf("get paused: %v", err)
	}

	rows, err := repo.ListActiveAgents(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != active.ID {
		t.Fatalf("expected exactly the active agent, got %d rows", len(rows))
	}
}

func TestRepository_HeartbeatLifecycle(t *testing.T) {
	db := testdb.Setup(t)
	repo := NewRepository(db)
	ctx := context.Background()

	a := testdb.SeedAgent(t, db, nil)

	now := time.Now().UTC().Truncate(time.Second)
	if err := repo.UpdateHeartbeat(ctx, a.ID, "inst-a", now); err != nil {
		t.Fatalf("update heartbeat: %v", err)
	}

	got, err := repo.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.WorkerInstanceID == nil || *got.WorkerInstanceID != "inst-a" {
		t.Error("expected worker_instance_id to be set")
	}
	if got.WorkerHeartbeatAt == nil {
		t.Fatal("expected worker_heartbeat_at to be set")
	}

	if err := repo.ClearHeartbeat(ctx, a.ID); err != nil {
		t.Fatalf("clear heartbeat: %v", err)
	}
	got, err = repo.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.WorkerHeartbeatAt != nil || got.WorkerInstanceID != nil {
		t.Error("expected heartbeat fields to be cleared")
	}
}

func TestRepository_ClearAllHeartbeatsForActiveAgents(t *testing.T) {
	db := testdb.Setup(t)
	repo := NewRepository(db)
	ctx := context.Background()

	now := time.Now().UTC()
	a1 := testdb.SeedAgent(t, db, func(a *models.Agent) { a.WorkerHeartbeatAt = &now })
	a2 := testdb.SeedAgent(t, db, func(a *models.Agent) {
		a.Status = models.AgentPaused
		a.WorkerHeartbeatAt = &now
	})

	if err := repo.ClearAllHeartbeatsForActiveAgents(ctx); err != nil {
		t.Fatalf("clear all: %v", err)
	}

	got1, _ := repo.Get(ctx, a1.ID)
	if got1.WorkerHeartbeatAt != nil {
		t.Error("expected the active agent's heartbeat to be cleared")
	}
	got2, _ := repo.Get(ctx, a2.ID)
	if got2.WorkerHeartbeatAt == nil {
		t.Error("expected the paused agent's heartbeat to be left alone")
	}
}

func TestRepository_RecordCycleSuccessAndSetStatusError(t *testing.T) {
	db := testdb.Setup(t)
	repo := NewRepository(db)
	ctx := context.Background()

	a := testdb.SeedAgent(t, db, nil)

	last := time.Now().UTC().Truncate(time.Second)
	next := last.Add(15 * time.Minute)
	if err := repo.RecordCycleSuccess(ctx, a.ID, last, next); err != nil {
		t.Fatalf("record cycle success: %v", err)
	}
	got, _ := repo.Get(ctx, a.ID)
	if got.LastRunAt == nil || got.NextRunAt == nil {
		t.Fatal("expected last/next run timestamps to be set")
	}

	if err := repo.SetStatusError(ctx, a.ID, "exchange unauthorized"); err != nil {
		t.Fatalf("set status error: %v", err)
	}
	got, _ = repo.Get(ctx, a.ID)
	if got.Status != models.AgentError {
		t.Errorf("expected status error, got %s", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "exchange unauthorized" {
		t.Error("expected the error message to be recorded")
	}
}

func TestRepository_DetectStale(t *testing.T) {
	db := testdb.Setup(t)
	repo := NewRepository(db)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-time.Hour)
	fresh := time.Now().UTC()

	staleAgent := testdb.SeedAgent(t, db, func(a *models.Agent) { a.WorkerHeartbeatAt = &stale })
	testdb.SeedAgent(t, db, func(a *models.Agent) { a.WorkerHeartbeatAt = &fresh })
	staleByLastRun := testdb.SeedAgent(t, db, func(a *models.Agent) { a.LastRunAt = &stale })

	rows, err := repo.DetectStale(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("detect stale: %v", err)
	}
	ids := map[string]bool{}
	for _, r := range rows {
		ids[r.ID.String()] = true
	}
	if !ids[staleAgent.ID.String()] {
		t.Error("expected the stale-heartbeat agent to be flagged")
	}
	if !ids[staleByLastRun.ID.String()] {
		t.Error("expected the no-heartbeat-but-stale-last_run_at agent to be flagged")
	}
	if len(rows) != 2 {
		t.Errorf("expected exactly 2 stale agents, got %d", len(rows))
	}
}

func TestRepository_RecordTradeOutcome(t *testing.T) {
	db := testdb.Setup(t)
	repo := NewRepository(db)
	ctx := context.Background()

	a := testdb.SeedAgent(t, db, nil)

	if err := repo.RecordTradeOutcome(ctx, a.ID, 50); err != nil {
		t.Fatalf("record trade outcome (win): %v", err)
	}
	if err := repo.RecordTradeOutcome(ctx, a.ID, -20); err != nil {
		t.Fatalf("record trade outcome (loss): %v", err)
	}

	got, err := repo.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TotalTrades != 2 || got.WinningTrades != 1 || got.LosingTrades != 1 {
		t.Errorf("unexpected trade counters: %+v", got)
	}
	if got.TotalPnL != 30 {
		t.Errorf("expected total_pnl 30, got %v", got.TotalPnL)
	}
	if got.MaxDrawdown != 20 {
		t.Errorf("expected max_drawdown 20, got %v", got.MaxDrawdown)
	}
}

func TestRepository_RuntimeStateLifecycle(t *testing.T) {
	db := testdb.Setup(t)
	repo := NewRepository(db)
	ctx := context.Background()

	a := testdb.SeedAgent(t, db, nil)

	empty, err := repo.GetRuntimeState(ctx, a.ID)
	if err != nil {
		t.Fatalf("get runtime state (initial): %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty runtime state for a new agent, got %v", empty)
	}

	state := map[string]interface{}{
		"grid_levels_filled": []interface{}{"60000", "62000"},
		"cycle_count":        float64(3),
	}
	if err := repo.UpdateRuntimeState(ctx, a.ID, state); err != nil {
		t.Fatalf("update runtime state: %v", err)
	}

	got, err := repo.GetRuntimeState(ctx, a.ID)
	if err != nil {
		t.Fatalf("get runtime state: %v", err)
	}
	if got["cycle_count"] != float64(3) {
		t.Errorf("expected cycle_count to round-trip, got %v", got["cycle_count"])
	}
	levels, ok := got["grid_levels_filled"].([]interface{})
	if !ok || len(levels) != 2 {
		t.Errorf("expected grid_levels_filled to round-trip, got %v", got["grid_levels_filled"])
	}
}

func TestRepository_GetRuntimeState_NotFound(t *testing.T) {
	db := testdb.Setup(t)
	repo := NewRepository(db)

	_, err := repo.GetRuntimeState(context.Background(), uuid.New())
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
