package positions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tradingrun/agentrun/pkg/models"
)

// uniqueViolation is Postgres error code 23505, raised by the partial unique
// index on (account_id, symbol) where status in ('open','pending').
const uniqueViolation = "23505"

// Repository persists AgentPosition rows (§3, §4.2).
type Repository struct {
	db *sqlx.DB
}

// NewRepository wraps a connected *sqlx.DB.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}

// SymbolOwner returns the open/pending AgentPosition occupying symbol on
// account, if any.
func (r *Repository) SymbolOwner(ctx context.Context, accountID uuid.UUID, symbol string) (*models.AgentPosition, error) {
	var p models.AgentPosition
	err := r.db.GetContext(ctx, &p, `
		SELECT * FROM agent_positions
		WHERE account_id = $1 AND symbol = $2 AND status IN ('open', 'pending')
		LIMIT 1`, accountID, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("position repository: symbol owner: %w", err)
	}
	return &p, nil
}

// InsertPending inserts a new pending claim. Returns ConflictError if the
// unique index rejects it (concurrent claim won the race).
func (r *Repository) InsertPending(ctx context.Context, p *models.AgentPosition) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO agent_positions
			(id, agent_id, agent_type, account_id, symbol, side, size, size_usd,
			 entry_price, leverage, status, opened_at, created_at, updated_at)
		VALUES
			(:id, :agent_id, :agent_type, :account_id, :symbol, :side, :size, :size_usd,
			 :entry_price, :leverage, :status, :opened_at, :created_at, :updated_at)`, p)
	if err != nil {
		if isUniqueViolation(err) {
			return &ConflictError{Symbol: p.Symbol, OwnerAgentID: models.UnownedAgentID}
		}
		return fmt.Errorf("position repository: insert pending: %w", err)
	}
	return nil
}

// AgentPositionForSymbol returns the open/pending position record an agent
// owns for a symbol, if any (no account scoping, no side effects).
func (r *Repository) AgentPositionForSymbol(ctx context.Context, agentID uuid.UUID, symbol string) (*models.AgentPosition, error) {
	var p models.AgentPosition
	err := r.db.GetContext(ctx, &p, `
		SELECT * FROM agent_positions
		WHERE agent_id = $1 AND symbol = $2 AND status IN ('open', 'pending')
		LIMIT 1`, agentID, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("position repository: agent position for symbol: %w", err)
	}
	return &p, nil
}

// Confirm transitions a pending claim to open after the order fills.
func (r *Repository) Confirm(ctx context.Context, id uuid.UUID, size, sizeUSD, entryPrice float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE agent_positions
		SET status = 'open', size = $2, size_usd = $3, entry_price = $4, updated_at = now()
		WHERE id = $1 AND status = 'pending'`, id, size, sizeUSD, entryPrice)
	if err != nil {
		return fmt.Errorf("position repository: confirm: %w", err)
	}
	return nil
}

// ReleaseClaim deletes a pending claim (order failed, rollback).
func (r *Repository) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM agent_positions WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("position repository: release claim: %w", err)
	}
	return nil
}

// Accumulate recomputes the weighted-average entry price for an open
// position given an additional fill, using SELECT ... FOR UPDATE to
// serialize concurrent accumulations on the same row.
func (r *Repository) Accumulate(ctx context.Context, id uuid.UUID, additionalSize, additionalSizeUSD, fillPrice float64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("position repository: accumulate: begin: %w", err)
	}
	defer tx.Rollback()

	var p models.AgentPosition
	err = tx.GetContext(ctx, &p, `SELECT * FROM agent_positions WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("position repository: accumulate: select: %w", err)
	}
	if p.Status != models.PositionOpen {
		return nil
	}

	totalSize := p.Size + additionalSize
	newEntry := fillPrice
	if totalSize > 0 && fillPrice > 0 {
		newEntry = (p.Size*p.EntryPrice + additionalSize*fillPrice) / totalSize
	} else if fillPrice == 0 {
		newEntry = p.EntryPrice
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE agent_positions
		SET size = $2, size_usd = $3, entry_price = $4, updated_at = now()
		WHERE id = $1`, id, totalSize, p.SizeUSD+additionalSizeUSD, roundTo8(newEntry))
	if err != nil {
		return fmt.Errorf("position repository: accumulate: update: %w", err)
	}
	return tx.Commit()
}

// Close marks a position record closed.
func (r *Repository) Close(ctx context.Context, id uuid.UUID, closePrice, realizedPnL float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE agent_positions
		SET status = 'closed', close_price = $2, realized_pnl = $3, closed_at = now(), updated_at = now()
		WHERE id = $1`, id, closePrice, realizedPnL)
	if err != nil {
		return fmt.Errorf("position repository: close: %w", err)
	}
	return nil
}

// ByAgent returns all position records for an agent, optionally filtered by
// status.
func (r *Repository) ByAgent(ctx context.Context, agentID uuid.UUID, status models.AgentPositionStatus) ([]models.AgentPosition, error) {
	var rows []models.AgentPosition
	var err error
	if status == "" {
		err = r.db.SelectContext(ctx, &rows, `SELECT * FROM agent_positions WHERE agent_id = $1`, agentID)
	} else {
		err = r.db.SelectContext(ctx, &rows, `SELECT * FROM agent_positions WHERE agent_id = $1 AND status = $2`, agentID, status)
	}
	if err != nil {
		return nil, fmt.Errorf("position repository: by agent: %w", err)
	}
	return rows, nil
}

// AccountOpenPositions returns all open/pending positions on an account.
func (r *Repository) AccountOpenPositions(ctx context.Context, accountID uuid.UUID) ([]models.AgentPosition, error) {
	var rows []models.AgentPosition
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM agent_positions
		WHERE account_id = $1 AND status IN ('open', 'pending')`, accountID)
	if err != nil {
		return nil, fmt.Errorf("position repository: account open positions: %w", err)
	}
	return rows, nil
}

// DeleteStalePending removes pending claims older than maxAge, returning the
// count removed.
func (r *Repository) DeleteStalePending(ctx context.Context, maxAge time.Duration) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM agent_positions
		WHERE status = 'pending' AND opened_at < $1`, time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("position repository: delete stale pending: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// InsertOrphan inserts an "unowned" open record for an exchange position
// discovered with no matching DB claim (§4.2.3).
func (r *Repository) InsertOrphan(ctx context.Context, p *models.AgentPosition) error {
	p.AgentID = models.UnownedAgentID
	p.Status = models.PositionOpen
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO agent_positions
			(id, agent_id, agent_type, account_id, symbol, side, size, size_usd,
			 entry_price, leverage, status, opened_at, created_at, updated_at)
		VALUES
			(:id, :agent_id, :agent_type, :account_id, :symbol, :side, :size, :size_usd,
			 :entry_price, :leverage, :status, :opened_at, :created_at, :updated_at)`, p)
	if err != nil {
		return fmt.Errorf("position repository: insert orphan: %w", err)
	}
	return nil
}

// SyncSize corrects a position's size/size_usd from an authoritative
// exchange read (§4.2.3 case 3).
func (r *Repository) SyncSize(ctx context.Context, id uuid.UUID, size, sizeUSD float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE agent_positions SET size = $2, size_usd = $3, updated_at = now() WHERE id = $1`, id, size, sizeUSD)
	if err != nil {
		return fmt.Errorf("position repository: sync size: %w", err)
	}
	return nil
}

func roundTo8(v float64) float64 {
	const scale = 1e8
	return float64(int64(v*scale+sign(v)*0.5)) / scale
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
