// Package positions implements strategy-level position isolation: symbol
// exclusivity per account, the claim-then-confirm crash-safe open sequence,
// capital allocation checks, and exchange/DB reconciliation (§4.2).
package positions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amyangfei/redlock-go/v3/redlock"
	"github.com/google/uuid"

	"github.com/tradingrun/agentrun/pkg/models"
)

const zombieGracePeriod = 5 * time.Minute

// AgentCapitalProvider resolves the agents on an account whose allocations
// count toward the account cap (active, paused or warning, the requesting
// agent included) so the service can compute total allocated capital without importing the agents
// package (it would create an import cycle: agents → positions → agents).
type AgentCapitalProvider interface {
	ActiveAgentsForAccount(ctx context.Context, accountID uuid.UUID) ([]models.Agent, error)
	OpenPositionsMargin(ctx context.Context, agentID uuid.UUID) (float64, error)
}

// Service is the central coordination point preventing agents on the same
// account from interfering with each other's positions.
type Service struct {
	repo    *Repository
	locks   *redlock.RedLock
	capital AgentCapitalProvider
}

// NewService builds a Service. locks may be nil (lock-free mode, DB unique
// index is still the safety net); capital may be nil if capital checks are
// not needed by the caller.
func NewService(repo *Repository, locks *redlock.RedLock, capital AgentCapitalProvider) *Service {
	return &Service{repo: repo, locks: locks, capital: capital}
}

// ClaimPosition claims a symbol slot before an order is placed. If the
// symbol is already taken by a different agent it returns ConflictError. If
// the same agent already owns the symbol it returns the existing record so
// the caller can accumulate onto it (§4.2.1).
func (s *Service) ClaimPosition(ctx context.Context, agentID uuid.UUID, agentType models.StrategyKind, accountID uuid.UUID, symbol string, side models.PositionSide, leverage int) (*models.AgentPosition, error) {
	lock := newSymbolLock(s.locks, accountID, symbol)
	if err := lock.acquire(ctx); err != nil {
		return nil, &ConflictError{Symbol: symbol, OwnerAgentID: models.UnownedAgentID}
	}
	defer lock.release(ctx)

	existing, err := s.repo.SymbolOwner(ctx, accountID, symbol)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.AgentID != agentID {
		return nil, &ConflictError{Symbol: symbol, OwnerAgentID: existing.AgentID}
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now()
	record := &models.AgentPosition{
		ID:        uuid.New(),
		AgentID:   agentID,
		AgentType: agentType,
		AccountID: &accountID,
		Symbol:    symbol,
		Side:      side,
		Leverage:  leverage,
		Status:    models.PositionPending,
		OpenedAt:  now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.InsertPending(ctx, record); err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			return nil, conflict
		}
		return nil, err
	}
	return record, nil
}

// ClaimWithCapitalCheck atomically validates capital allocation and claims
// the symbol slot under an account-level lock, preventing a TOCTOU race
// between two agents on different symbols both passing the capital check
// before either claims (§4.2.2).
func (s *Service) ClaimWithCapitalCheck(ctx context.Context, agentID uuid.UUID, agentType models.StrategyKind, accountID uuid.UUID, symbol string, side models.PositionSide, leverage int, accountEquity, requestedSizeUSD float64, agent *models.Agent) (*models.AgentPosition, error) {
	lock := newCapitalLock(s.locks, accountID)
	if err := lock.acquire(ctx); err != nil {
		return nil, &CapitalExceededError{Reason: "could not acquire capital allocation lock, another trade may be in progress"}
	}
	defer lock.release(ctx)

	if agent != nil && accountEquity > 0 && s.capital != nil {
		ok, reason, err := s.CheckCapitalAllocation(ctx, accountID, accountEquity, agentID, requestedSizeUSD, agent, leverage)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &CapitalExceededError{Reason: reason}
		}
	}
	return s.ClaimPosition(ctx, agentID, agentType, accountID, symbol, side, leverage)
}

// ConfirmPosition transitions a pending claim to open after the order fills.
func (s *Service) ConfirmPosition(ctx context.Context, id uuid.UUID, size, sizeUSD, entryPrice float64) error {
	return s.repo.Confirm(ctx, id, size, sizeUSD, entryPrice)
}

// ReleaseClaim deletes a pending claim whose order failed.
func (s *Service) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	return s.repo.ReleaseClaim(ctx, id)
}

// AccumulatePosition folds an additional fill into an open position,
// recomputing the weighted-average entry price. Used by Grid/DCA engines
// adding to the same symbol over multiple cycles (§4.2, §4.3.2, §4.3.3).
func (s *Service) AccumulatePosition(ctx context.Context, id uuid.UUID, additionalSize, additionalSizeUSD, fillPrice float64) error {
	return s.repo.Accumulate(ctx, id, additionalSize, additionalSizeUSD, fillPrice)
}

// ClosePosition marks a position record closed.
func (s *Service) ClosePosition(ctx context.Context, id uuid.UUID, closePrice, realizedPnL float64) error {
	return s.repo.Close(ctx, id, closePrice, realizedPnL)
}

// PositionForSymbol returns the open/pending position record an agent owns
// for a symbol, if any, without claiming or mutating anything.
func (s *Service) PositionForSymbol(ctx context.Context, agentID uuid.UUID, symbol string) (*models.AgentPosition, error) {
	return s.repo.AgentPositionForSymbol(ctx, agentID, symbol)
}

// HasOpenPositions reports whether an agent holds any open or pending
// position.
func (s *Service) HasOpenPositions(ctx context.Context, agentID uuid.UUID) (bool, error) {
	open, err := s.repo.ByAgent(ctx, agentID, models.PositionOpen)
	if err != nil {
		return false, err
	}
	if len(open) > 0 {
		return true, nil
	}
	pending, err := s.repo.ByAgent(ctx, agentID, models.PositionPending)
	if err != nil {
		return false, err
	}
	return len(pending) > 0, nil
}

// OpenPositionsForAgent lists every open or pending position an agent owns,
// used to build the agent-isolated account view the AI engine reasons over
// instead of the full trader account state (§4.4 step 1).
func (s *Service) OpenPositionsForAgent(ctx context.Context, agentID uuid.UUID) ([]models.AgentPosition, error) {
	open, err := s.repo.ByAgent(ctx, agentID, models.PositionOpen)
	if err != nil {
		return nil, err
	}
	pending, err := s.repo.ByAgent(ctx, agentID, models.PositionPending)
	if err != nil {
		return nil, err
	}
	return append(open, pending...), nil
}

// CheckCapitalAllocation validates that a requested trade doesn't violate
// the agent's own allocation limit or the account-wide 95%-of-equity cap.
// All comparisons use margin (size_usd / leverage) so leveraged positions
// are measured consistently (§4.2.2).
func (s *Service) CheckCapitalAllocation(ctx context.Context, accountID uuid.UUID, accountEquity float64, agentID uuid.UUID, requestedSizeUSD float64, agent *models.Agent, leverage int) (bool, string, error) {
	effectiveCapital := agent.EffectiveCapital(accountEquity)
	if effectiveCapital == nil {
		return true, "no allocation configured", nil
	}

	if leverage < 1 {
		leverage = 1
	}
	requestedMargin := requestedSizeUSD / float64(leverage)

	currentUsed, err := s.capital.OpenPositionsMargin(ctx, agentID)
	if err != nil {
		return false, "", err
	}
	newTotal := currentUsed + requestedMargin
	if newTotal > *effectiveCapital {
		return false, fmt.Sprintf(
			"would exceed agent allocation: $%.2f > $%.2f (currently using $%.2f)",
			newTotal, *effectiveCapital, currentUsed), nil
	}

	totalAllocated, err := s.totalAccountAllocation(ctx, accountID, accountEquity)
	if err != nil {
		return false, "", err
	}
	safeEquity := accountEquity * 0.95
	if totalAllocated > safeEquity {
		return false, fmt.Sprintf(
			"account over-allocated: total allocated $%.2f > safe limit $%.2f (equity $%.2f)",
			totalAllocated, safeEquity, accountEquity), nil
	}

	return true, "OK", nil
}

func (s *Service) totalAccountAllocation(ctx context.Context, accountID uuid.UUID, accountEquity float64) (float64, error) {
	agents, err := s.capital.ActiveAgentsForAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for i := range agents {
		if cap := agents[i].EffectiveCapital(accountEquity); cap != nil {
			total += *cap
		}
	}
	return total, nil
}

// ReconcileSummary reports the outcome of a reconciliation pass.
type ReconcileSummary struct {
	ZombiesClosed int
	OrphansFound  int
	SizeSynced    int
	Details       []string
}

// Reconcile compares DB records against actual exchange positions and fixes
// discrepancies: closes zombies (DB open, exchange gone), tracks orphans
// (exchange open, DB missing) under UnownedAgentID, and syncs size drift
// (§4.2.3).
func (s *Service) Reconcile(ctx context.Context, accountID uuid.UUID, exchangePositions []models.Position) (*ReconcileSummary, error) {
	summary := &ReconcileSummary{}

	dbPositions, err := s.repo.AccountOpenPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	exchangeBySymbol := make(map[string]models.Position, len(exchangePositions))
	for _, p := range exchangePositions {
		exchangeBySymbol[p.Symbol] = p
	}
	dbSymbols := make(map[string]bool, len(dbPositions))
	for _, p := range dbPositions {
		dbSymbols[p.Symbol] = true
	}

	now := time.Now()
	for _, dbPos := range dbPositions {
		if _, ok := exchangeBySymbol[dbPos.Symbol]; ok {
			continue
		}
		if now.Sub(dbPos.OpenedAt) < zombieGracePeriod {
			summary.Details = append(summary.Details, fmt.Sprintf(
				"SKIP_ZOMBIE: %s (agent %s) opened recently, within grace period", dbPos.Symbol, dbPos.AgentID))
			continue
		}
		if err := s.repo.Close(ctx, dbPos.ID, 0, 0); err != nil {
			return nil, err
		}
		summary.ZombiesClosed++
		summary.Details = append(summary.Details, fmt.Sprintf(
			"ZOMBIE: %s (agent %s) closed in DB, no matching exchange position", dbPos.Symbol, dbPos.AgentID))
	}

	for symbol, exPos := range exchangeBySymbol {
		if dbSymbols[symbol] {
			continue
		}
		orphan := &models.AgentPosition{
			ID:         uuid.New(),
			AgentID:    models.UnownedAgentID,
			AgentType:  "unknown",
			AccountID:  &accountID,
			Symbol:     symbol,
			Side:       exPos.Side,
			Size:       exPos.Size.InexactFloat64(),
			SizeUSD:    exPos.Size.Mul(exPos.CurrentPrice).InexactFloat64(),
			EntryPrice: exPos.EntryPrice.InexactFloat64(),
			Leverage:   exPos.Leverage,
			OpenedAt:   now,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.repo.InsertOrphan(ctx, orphan); err != nil {
			summary.Details = append(summary.Details, fmt.Sprintf("ORPHAN_INSERT_FAILED: %s: %v", symbol, err))
			continue
		}
		summary.OrphansFound++
		summary.Details = append(summary.Details, fmt.Sprintf(
			"ORPHAN: %s exists on exchange but not tracked, created unowned record", symbol))
	}

	for _, dbPos := range dbPositions {
		exPos, ok := exchangeBySymbol[dbPos.Symbol]
		if !ok {
			continue
		}
		exSize := exPos.Size.InexactFloat64()
		if abs(dbPos.Size-exSize) <= 1e-8 {
			continue
		}
		exSizeUSD := exPos.Size.Mul(exPos.CurrentPrice).InexactFloat64()
		if err := s.repo.SyncSize(ctx, dbPos.ID, exSize, exSizeUSD); err != nil {
			return nil, err
		}
		summary.SizeSynced++
		summary.Details = append(summary.Details, fmt.Sprintf(
			"SYNC: %s size %v -> %v", dbPos.Symbol, dbPos.Size, exSize))
	}

	return summary, nil
}

// CleanupStalePending deletes pending claims older than maxAge, leftovers
// from crashes between claim and order execution (§4.2.3). Nothing in this
// module calls it on a schedule.
func (s *Service) CleanupStalePending(ctx context.Context, maxAge time.Duration) (int, error) {
	return s.repo.DeleteStalePending(ctx, maxAge)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
