package quant

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/tradingrun/agentrun/internal/positions"
	"github.com/tradingrun/agentrun/internal/trader"
	"github.com/tradingrun/agentrun/pkg/models"
)

// New builds the Engine for a StrategyTemplate's StrategyType (§4.3).
func New(
	agentID uuid.UUID,
	accountID *uuid.UUID,
	symbol string,
	t trader.Trader,
	ps *positions.Service,
	agent *models.Agent,
	strategyType models.QuantStrategyType,
	strategy *models.StrategyTemplate,
	runtimeState map[string]interface{},
) (Engine, error) {
	b := newBase(agentID, accountID, symbol, t, ps, agent, runtimeState)

	switch strategyType {
	case models.QuantGrid:
		if strategy == nil || strategy.GridConfig == nil {
			return nil, fmt.Errorf("quant factory: grid strategy missing grid_config")
		}
		return NewGridEngine(b, *strategy.GridConfig), nil

	case models.QuantDCA:
		if strategy == nil || strategy.DCAConfig == nil {
			return nil, fmt.Errorf("quant factory: dca strategy missing dca_config")
		}
		return NewDCAEngine(b, *strategy.DCAConfig), nil

	case models.QuantRSI:
		if strategy == nil || strategy.RSIConfig == nil {
			return nil, fmt.Errorf("quant factory: rsi strategy missing rsi_config")
		}
		return NewRSIEngine(b, *strategy.RSIConfig), nil

	default:
		return nil, fmt.Errorf("quant factory: unknown strategy type %q", strategyType)
	}
}
