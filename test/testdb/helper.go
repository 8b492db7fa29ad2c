// Package testdb provides a shared Postgres connection for repository tests,
// truncating the tables each test touches instead of wrapping everything in
// one rolled-back transaction, since repositories are handed a concrete
// *sqlx.DB rather than anything a *sqlx.Tx could stand in for.
package testdb

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tradingrun/agentrun/pkg/models"
)

var tables = []string{"decisions", "agent_positions", "agents", "strategy_templates"}

// Setup connects to the test database (TEST_DATABASE_URL, or a local
// default) and truncates the tables repository tests touch. Call at the top
// of every repository test; it registers its own cleanup.
func Setup(t *testing.T) *sqlx.DB {
	t.Helper()

	dsn := dsnFromEnv()
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v (DSN: %s)", err, dsn)
	}

	truncate(t, db)
	t.Cleanup(func() {
		truncate(t, db)
		db.Close()
	})

	return db
}

func dsnFromEnv() string {
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}
	return "host=localhost port=5432 user=agentrun password=agentrun dbname=agentrun_test sslmode=disable"
}

func truncate(t *testing.T, db *sqlx.DB) {
	t.Helper()
	for _, table := range tables {
		if _, err := db.Exec("TRUNCATE TABLE " + table + " CASCADE"); err != nil {
			t.Fatalf("failed to truncate %s: %v", table, err)
		}
	}
}

// SeedAgent inserts a minimal active agent and returns it.
func SeedAgent(t *testing.T, db *sqlx.DB, mutate func(*models.Agent)) *models.Agent {
	t.Helper()

	now := time.Now().UTC()
	a := &models.Agent{
		ID:                       uuid.New(),
		UserID:                   uuid.New(),
		StrategyID:               uuid.New(),
		Status:                   models.AgentActive,
		ExecutionMode:            models.ExecutionMock,
		ExecutionIntervalMinutes: 15,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if mutate != nil {
		mutate(a)
	}

	_, err := db.NamedExec(`
		INSERT INTO agents
			(id, user_id, account_id, strategy_id, status, execution_mode,
			 execution_interval_minutes, allocated_capital, allocated_capital_percent,
			 auto_execute, ai_model, debate_enabled, debate_models, debate_consensus_mode,
			 debate_min_participants, worker_heartbeat_at, worker_instance_id,
			 last_run_at, next_run_at, created_at, updated_at)
		VALUES
			(:id, :user_id, :account_id, :strategy_id, :status, :execution_mode,
			 :execution_interval_minutes, :allocated_capital, :allocated_capital_percent,
			 :auto_execute, :ai_model, :debate_enabled, :debate_models, :debate_consensus_mode,
			 :debate_min_participants, :worker_heartbeat_at, :worker_instance_id,
			 :last_run_at, :next_run_at, :created_at, :updated_at)`, a)
	if err != nil {
		t.Fatalf("failed to seed agent: %v", err)
	}
	return a
}

// SeedStrategyTemplate inserts a minimal AI strategy template and returns
// it. Only id, name, kind, watchlist_symbols, timeframes, strategy_type and
// the timestamps are written; prompt sections, risk controls and the
// grid/dca/rsi *Config fields set by mutate are not persisted.
func SeedStrategyTemplate(t *testing.T, db *sqlx.DB, mutate func(*models.StrategyTemplate)) *models.StrategyTemplate {
	t.Helper()

	now := time.Now().UTC()
	tpl := &models.StrategyTemplate{
		ID:               uuid.New(),
		Name:             "test strategy",
		Kind:             models.StrategyAI,
		WatchlistSymbols: []string{"BTC/USDT"},
		Timeframes:       []string{"1h"},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if mutate != nil {
		mutate(tpl)
	}

	_, err := db.Exec(`
		INSERT INTO strategy_templates
			(id, name, kind, watchlist_symbols, timeframes, strategy_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tpl.ID, tpl.Name, tpl.Kind, pq.Array(tpl.WatchlistSymbols), pq.Array(tpl.Timeframes),
		nullableString(string(tpl.StrategyType)), tpl.CreatedAt, tpl.UpdatedAt,
	)
	if err != nil {
		t.Fatalf("failed to seed strategy template: %v", err)
	}
	return tpl
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
