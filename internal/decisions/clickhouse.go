package decisions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/tradingrun/agentrun/internal/config"
	"github.com/tradingrun/agentrun/pkg/logger"
	"github.com/tradingrun/agentrun/pkg/models"
)

// ClickHouseRepository appends decision rows to the long-lived analytics
// sink. Decisions is write-mostly, append-only data exactly suited to
// ClickHouse, grounded in the teacher's candle/trade sinks
// (internal/adapters/clickhouse/repository.go).
type ClickHouseRepository struct {
	db *sqlx.DB
}

// NewClickHouseRepository wraps a connected *sqlx.DB using the "clickhouse"
// driver (registered by importing github.com/ClickHouse/clickhouse-go/v2).
func NewClickHouseRepository(cfg *config.ClickHouseConfig) (*ClickHouseRepository, error) {
	db, err := sqlx.Connect("clickhouse", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("decisions clickhouse repository: connect: %w", err)
	}
	return &ClickHouseRepository{db: db}, nil
}

// SaveDecisions batch-inserts decision records, grounded in
// Repository.SaveCandles/SaveTrades' prepared-statement-in-a-transaction
// idiom.
func (r *ClickHouseRepository) SaveDecisions(ctx context.Context, records []models.DecisionRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("decisions clickhouse repository: begin: %w", err)
	}

	stmt, err := tx.Preparex(`
		INSERT INTO decisions_history
		(id, agent_id, timestamp, chain_of_thought, market_assessment,
		 decisions, overall_confidence, execution_results, ai_model,
		 tokens_used, latency_ms, is_debate, debate_consensus_mode,
		 debate_agreement_score, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("decisions clickhouse repository: prepare: %w", err)
	}
	defer stmt.Close()

	for _, d := range records {
		decisionsJSON, err := json.Marshal(d.Decisions)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("decisions clickhouse repository: marshal decisions: %w", err)
		}
		resultsJSON, err := json.Marshal(d.ExecutionResults)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("decisions clickhouse repository: marshal execution results: %w", err)
		}

		_, err = stmt.ExecContext(ctx,
			d.ID, d.AgentID, d.Timestamp, d.ChainOfThought, d.MarketAssessment,
			string(decisionsJSON), d.OverallConfidence, string(resultsJSON), d.AIModel,
			d.TokensUsed, d.LatencyMs, d.IsDebate, string(d.DebateConsensusMode),
			d.DebateAgreementScore, d.Error, d.CreatedAt,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("decisions clickhouse repository: insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("decisions clickhouse repository: commit: %w", err)
	}

	logger.Debug("saved decisions to ClickHouse", zap.Int("count", len(records)))
	return nil
}

// BatchWriter buffers decision records and flushes them to ClickHouse on a
// size or time trigger, adapted from
// internal/adapters/clickhouse/batch_writer.go's generic BatchWriter,
// specialized directly to models.DecisionRecord instead of threading
// interface{} through a caller-supplied flushFunc.
type BatchWriter struct {
	repo     *ClickHouseRepository
	buffer   []models.DecisionRecord
	bufferMu sync.Mutex
	maxBatch int

	ticker *time.Ticker
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBatchWriter starts a background flush loop; call Close to stop it and
// flush anything still buffered.
func NewBatchWriter(repo *ClickHouseRepository, maxBatch int, maxWait time.Duration) *BatchWriter {
	ctx, cancel := context.WithCancel(context.Background())
	bw := &BatchWriter{
		repo:     repo,
		buffer:   make([]models.DecisionRecord, 0, maxBatch),
		maxBatch: maxBatch,
		ticker:   time.NewTicker(maxWait),
		ctx:      ctx,
		cancel:   cancel,
	}
	bw.wg.Add(1)
	go bw.autoFlush()
	return bw
}

// Add enqueues a decision record, flushing immediately once the buffer
// reaches maxBatch.
func (bw *BatchWriter) Add(d models.DecisionRecord) {
	bw.bufferMu.Lock()
	bw.buffer = append(bw.buffer, d)
	shouldFlush := len(bw.buffer) >= bw.maxBatch
	bw.bufferMu.Unlock()

	if shouldFlush {
		bw.flush()
	}
}

func (bw *BatchWriter) autoFlush() {
	defer bw.wg.Done()
	for {
		select {
		case <-bw.ticker.C:
			bw.flush()
		case <-bw.ctx.Done():
			bw.flush()
			return
		}
	}
}

func (bw *BatchWriter) flush() {
	bw.bufferMu.Lock()
	if len(bw.buffer) == 0 {
		bw.bufferMu.Unlock()
		return
	}
	toWrite := make([]models.DecisionRecord, len(bw.buffer))
	copy(toWrite, bw.buffer)
	bw.buffer = bw.buffer[:0]
	bw.bufferMu.Unlock()

	ctx, cancel := context.WithTimeout(bw.ctx, 30*time.Second)
	defer cancel()

	if err := bw.repo.SaveDecisions(ctx, toWrite); err != nil {
		logger.Error("failed to flush decision batch to ClickHouse", zap.Int("records", len(toWrite)), zap.Error(err))
	}
}

// Close stops the flush loop and flushes anything still buffered.
func (bw *BatchWriter) Close() error {
	bw.ticker.Stop()
	bw.cancel()
	bw.wg.Wait()
	return nil
}
