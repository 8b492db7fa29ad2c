package aiengine

// applyPositionLimits caps a requested notional position size to the
// margin-based limits configured on the agent's risk controls, grounded on
// the teacher's PositionSizer (margin-first sizing, minimum notional floor)
// and generalized from a fixed max-leverage sizer to the AI engine's
// per-decision leverage and capital-allocation model (§4.4
// "Position-size limits rationale").
//
// All limits are computed on margin (notional / leverage) so that
// high-leverage decisions are not capped to a tiny notional: max_position_ratio
// caps margin as a fraction of effective equity, and the notional cap is
// margin * leverage.
func applyPositionLimits(requestedSizeUSD, effectiveEquity, availableBalance float64, leverage int, maxPositionRatio, accountCapitalCapPct float64) float64 {
	lev := leverage
	if lev < 1 {
		lev = 1
	}

	maxMarginByRatio := effectiveEquity * maxPositionRatio
	maxByRatio := maxMarginByRatio * float64(lev)

	maxMarginByBalance := availableBalance * accountCapitalCapPct
	maxByBalance := maxMarginByBalance * float64(lev)

	maxSize := maxByRatio
	if maxByBalance < maxSize {
		maxSize = maxByBalance
	}

	if requestedSizeUSD < maxSize {
		return requestedSizeUSD
	}
	return maxSize
}
