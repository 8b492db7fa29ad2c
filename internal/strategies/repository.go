// Package strategies persists StrategyTemplate rows, the reusable strategy
// definitions shared by many agents (§3). Like internal/decisions, several
// fields are JSON-encoded with no Go-side Scanner/Valuer, so reads and
// writes go through manual marshal/unmarshal.
package strategies

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tradingrun/agentrun/pkg/models"
)

// ErrNotFound is returned by Get when no template exists for the given id.
var ErrNotFound = fmt.Errorf("strategy repository: not found")

// Repository persists StrategyTemplate rows.
type Repository struct {
	db *sqlx.DB
}

// NewRepository wraps a connected *sqlx.DB.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new strategy template.
func (r *Repository) Create(ctx context.Context, t *models.StrategyTemplate) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}

	promptSections, err := nullableJSON(t.PromptSections)
	if err != nil {
		return fmt.Errorf("strategy repository: marshal prompt sections: %w", err)
	}
	riskControls, err := nullableJSON(t.RiskControls)
	if err != nil {
		return fmt.Errorf("strategy repository: marshal risk controls: %w", err)
	}
	gridConfig, err := nullableJSON(t.GridConfig)
	if err != nil {
		return fmt.Errorf("strategy repository: marshal grid config: %w", err)
	}
	dcaConfig, err := nullableJSON(t.DCAConfig)
	if err != nil {
		return fmt.Errorf("strategy repository: marshal dca config: %w", err)
	}
	rsiConfig, err := nullableJSON(t.RSIConfig)
	if err != nil {
		return fmt.Errorf("strategy repository: marshal rsi config: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO strategy_templates (
			id, name, kind, prompt_sections, watchlist_symbols, risk_controls,
			trading_mode, timeframes, language, custom_instructions,
			strategy_type, grid_config, dca_config, rsi_config
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)`,
		t.ID, t.Name, t.Kind, promptSections, pq.Array(t.WatchlistSymbols), riskControls,
		nullableString(t.TradingMode), pq.Array(t.Timeframes), nullableString(t.Language), nullableString(t.CustomInstructions),
		nullableString(string(t.StrategyType)), gridConfig, dcaConfig, rsiConfig,
	)
	if err != nil {
		return fmt.Errorf("strategy repository: insert: %w", err)
	}
	return nil
}

// Get loads one strategy template by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.StrategyTemplate, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, kind, prompt_sections, watchlist_symbols, risk_controls,
		       trading_mode, timeframes, language, custom_instructions,
		       strategy_type, grid_config, dca_config, rsi_config,
		       created_at, updated_at
		FROM strategy_templates
		WHERE id = $1`, id)

	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("strategy repository: get: %w", err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTemplate(row rowScanner) (*models.StrategyTemplate, error) {
	var t models.StrategyTemplate
	var promptSectionsJSON, riskControlsJSON, gridConfigJSON, dcaConfigJSON, rsiConfigJSON []byte
	var watchlist, timeframes pq.StringArray
	var tradingMode, language, customInstructions, strategyType sql.NullString

	err := row.Scan(
		&t.ID, &t.Name, &t.Kind, &promptSectionsJSON, &watchlist, &riskControlsJSON,
		&tradingMode, &timeframes, &language, &customInstructions,
		&strategyType, &gridConfigJSON, &dcaConfigJSON, &rsiConfigJSON,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(promptSectionsJSON) > 0 {
		if err := json.Unmarshal(promptSectionsJSON, &t.PromptSections); err != nil {
			return nil, fmt.Errorf("unmarshal prompt sections: %w", err)
		}
	}
	if len(riskControlsJSON) > 0 {
		if err := json.Unmarshal(riskControlsJSON, &t.RiskControls); err != nil {
			return nil, fmt.Errorf("unmarshal risk controls: %w", err)
		}
	}
	if len(gridConfigJSON) > 0 {
		t.GridConfig = &models.GridConfig{}
		if err := json.Unmarshal(gridConfigJSON, t.GridConfig); err != nil {
			return nil, fmt.Errorf("unmarshal grid config: %w", err)
		}
	}
	if len(dcaConfigJSON) > 0 {
		t.DCAConfig = &models.DCAConfig{}
		if err := json.Unmarshal(dcaConfigJSON, t.DCAConfig); err != nil {
			return nil, fmt.Errorf("unmarshal dca config: %w", err)
		}
	}
	if len(rsiConfigJSON) > 0 {
		t.RSIConfig = &models.RSIConfig{}
		if err := json.Unmarshal(rsiConfigJSON, t.RSIConfig); err != nil {
			return nil, fmt.Errorf("unmarshal rsi config: %w", err)
		}
	}
	t.WatchlistSymbols = []string(watchlist)
	t.Timeframes = []string(timeframes)
	t.TradingMode = tradingMode.String
	t.Language = language.String
	t.CustomInstructions = customInstructions.String
	t.StrategyType = models.QuantStrategyType(strategyType.String)

	return &t, nil
}

// Update overwrites an existing strategy template's mutable fields.
func (r *Repository) Update(ctx context.Context, t *models.StrategyTemplate) error {
	promptSections, err := nullableJSON(t.PromptSections)
	if err != nil {
		return fmt.Errorf("strategy repository: marshal prompt sections: %w", err)
	}
	riskControls, err := nullableJSON(t.RiskControls)
	if err != nil {
		return fmt.Errorf("strategy repository: marshal risk controls: %w", err)
	}
	gridConfig, err := nullableJSON(t.GridConfig)
	if err != nil {
		return fmt.Errorf("strategy repository: marshal grid config: %w", err)
	}
	dcaConfig, err := nullableJSON(t.DCAConfig)
	if err != nil {
		return fmt.Errorf("strategy repository: marshal dca config: %w", err)
	}
	rsiConfig, err := nullableJSON(t.RSIConfig)
	if err != nil {
		return fmt.Errorf("strategy repository: marshal rsi config: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE strategy_templates SET
			name = $2, kind = $3, prompt_sections = $4, watchlist_symbols = $5,
			risk_controls = $6, trading_mode = $7, timeframes = $8, language = $9,
			custom_instructions = $10, strategy_type = $11, grid_config = $12,
			dca_config = $13, rsi_config = $14, updated_at = now()
		WHERE id = $1`,
		t.ID, t.Name, t.Kind, promptSections, pq.Array(t.WatchlistSymbols),
		riskControls, nullableString(t.TradingMode), pq.Array(t.Timeframes), nullableString(t.Language),
		nullableString(t.CustomInstructions), nullableString(string(t.StrategyType)), gridConfig,
		dcaConfig, rsiConfig,
	)
	if err != nil {
		return fmt.Errorf("strategy repository: update: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a strategy template. Callers are responsible for ensuring
// no agent still references it.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM strategy_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("strategy repository: delete: %w", err)
	}
	return nil
}

func nullableJSON(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]string:
		if len(val) == 0 {
			return nil, nil
		}
	case *models.GridConfig:
		if val == nil {
			return nil, nil
		}
	case *models.DCAConfig:
		if val == nil {
			return nil, nil
		}
	case *models.RSIConfig:
		if val == nil {
			return nil, nil
		}
	case models.RiskControls:
		if val == (models.RiskControls{}) {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
