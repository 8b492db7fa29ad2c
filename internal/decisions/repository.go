// Package decisions persists the append-only audit trail of every
// execution cycle (§3, §4.4 step 8).
package decisions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tradingrun/agentrun/pkg/models"
)

// Repository persists DecisionRecord rows. Unlike internal/agents and
// internal/positions, several DecisionRecord fields are JSON-encoded
// (decisions, execution_results, debate_responses), so inserts and reads
// go through manual marshal/unmarshal rather than sqlx's struct binding,
// the way internal/risk/repository.go handles its own JSONB `data` column.
type Repository struct {
	db *sqlx.DB
}

// NewRepository wraps a connected *sqlx.DB.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Insert writes one decision record, even a skipped or errored cycle (§3:
// "append-only audit row persisted every cycle").
func (r *Repository) Insert(ctx context.Context, d *models.DecisionRecord) error {
	decisionsJSON, err := json.Marshal(d.Decisions)
	if err != nil {
		return fmt.Errorf("decisions repository: marshal decisions: %w", err)
	}
	resultsJSON, err := json.Marshal(d.ExecutionResults)
	if err != nil {
		return fmt.Errorf("decisions repository: marshal execution results: %w", err)
	}

	var debateModels, debateResponses interface{}
	if len(d.DebateModels) > 0 {
		debateModels = pq.Array(d.DebateModels)
	}
	if len(d.DebateResponses) > 0 {
		b, err := json.Marshal(d.DebateResponses)
		if err != nil {
			return fmt.Errorf("decisions repository: marshal debate responses: %w", err)
		}
		debateResponses = b
	}

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO decisions (
			id, agent_id, timestamp, system_prompt, user_prompt, raw_response,
			chain_of_thought, market_assessment, decisions, overall_confidence,
			execution_results, ai_model, tokens_used, latency_ms,
			is_debate, debate_models, debate_responses, debate_consensus_mode,
			debate_agreement_score, market_context_snapshot, account_state_snapshot,
			error, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23
		)`,
		d.ID, d.AgentID, d.Timestamp, d.SystemPrompt, d.UserPrompt, d.RawResponse,
		d.ChainOfThought, d.MarketAssessment, decisionsJSON, d.OverallConfidence,
		resultsJSON, d.AIModel, d.TokensUsed, d.LatencyMs,
		d.IsDebate, debateModels, debateResponses, nullableString(string(d.DebateConsensusMode)),
		nullableFloat(d.DebateAgreementScore), nullableString(d.MarketContextSnapshot),
		nullableString(d.AccountStateSnapshot), nullableString(d.Error), d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("decisions repository: insert: %w", err)
	}
	return nil
}

// ByAgent returns the most recent decision records for an agent, newest
// first, bounded by limit.
func (r *Repository) ByAgent(ctx context.Context, agentID uuid.UUID, limit int) ([]models.DecisionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, agent_id, timestamp, system_prompt, user_prompt, raw_response,
		       chain_of_thought, market_assessment, decisions, overall_confidence,
		       execution_results, ai_model, tokens_used, latency_ms,
		       is_debate, debate_models, debate_responses, debate_consensus_mode,
		       debate_agreement_score, market_context_snapshot, account_state_snapshot,
		       error, created_at
		FROM decisions
		WHERE agent_id = $1
		ORDER BY timestamp DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("decisions repository: by agent: %w", err)
	}
	defer rows.Close()

	out := make([]models.DecisionRecord, 0, limit)
	for rows.Next() {
		var d models.DecisionRecord
		var decisionsJSON, resultsJSON, debateResponsesJSON []byte
		var debateModels pq.StringArray
		var debateConsensusMode, marketSnapshot, accountSnapshot, errMsg sql.NullString
		var debateAgreement sql.NullFloat64

		err := rows.Scan(
			&d.ID, &d.AgentID, &d.Timestamp, &d.SystemPrompt, &d.UserPrompt, &d.RawResponse,
			&d.ChainOfThought, &d.MarketAssessment, &decisionsJSON, &d.OverallConfidence,
			&resultsJSON, &d.AIModel, &d.TokensUsed, &d.LatencyMs,
			&d.IsDebate, &debateModels, &debateResponsesJSON, &debateConsensusMode,
			&debateAgreement, &marketSnapshot, &accountSnapshot, &errMsg, &d.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("decisions repository: scan: %w", err)
		}

		if len(decisionsJSON) > 0 {
			if err := json.Unmarshal(decisionsJSON, &d.Decisions); err != nil {
				return nil, fmt.Errorf("decisions repository: unmarshal decisions: %w", err)
			}
		}
		if len(resultsJSON) > 0 {
			if err := json.Unmarshal(resultsJSON, &d.ExecutionResults); err != nil {
				return nil, fmt.Errorf("decisions repository: unmarshal execution results: %w", err)
			}
		}
		if len(debateResponsesJSON) > 0 {
			if err := json.Unmarshal(debateResponsesJSON, &d.DebateResponses); err != nil {
				return nil, fmt.Errorf("decisions repository: unmarshal debate responses: %w", err)
			}
		}
		d.DebateModels = []string(debateModels)
		d.DebateConsensusMode = models.ConsensusMode(debateConsensusMode.String)
		d.DebateAgreementScore = debateAgreement.Float64
		d.MarketContextSnapshot = marketSnapshot.String
		d.AccountStateSnapshot = accountSnapshot.String
		d.Error = errMsg.String

		out = append(out, d)
	}
	return out, nil
}

// Latest returns the most recent decision record for an agent, if any.
func (r *Repository) Latest(ctx context.Context, agentID uuid.UUID) (*models.DecisionRecord, error) {
	rows, err := r.ByAgent(ctx, agentID, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// DeleteOlderThan removes decision rows older than maxAge, for retention
// cleanup (the long-lived audit trail lives in ClickHouse; Postgres only
// needs a recent working window).
func (r *Repository) DeleteOlderThan(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM decisions WHERE created_at < $1`, time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("decisions repository: delete older than: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableFloat(f float64) interface{} {
	if f == 0 {
		return nil
	}
	return f
}
