package positions

import (
	"context"
	"fmt"
	"time"

	"github.com/amyangfei/redlock-go/v3/redlock"
	"github.com/google/uuid"
)

const (
	symbolLockTTL  = 10 * time.Second
	capitalLockTTL = 15 * time.Second
)

// symbolLock guards claim_position for one (account, symbol) pair so two
// concurrent claims can't both observe the slot as free (§4.2.1).
type symbolLock struct {
	manager *redlock.RedLock
	key     string
}

func newSymbolLock(manager *redlock.RedLock, accountID uuid.UUID, symbol string) *symbolLock {
	return &symbolLock{manager: manager, key: fmt.Sprintf("pos_lock:%s:%s", accountID, symbol)}
}

func (l *symbolLock) acquire(ctx context.Context) error {
	if l.manager == nil {
		return nil
	}
	return l.manager.Lock(ctx, l.key, symbolLockTTL)
}

func (l *symbolLock) release(ctx context.Context) {
	if l.manager == nil {
		return
	}
	_ = l.manager.UnLock(ctx, l.key)
}

// capitalLock guards the capital-check-then-claim sequence for an entire
// account, preventing TOCTOU races between two agents trading different
// symbols on the same account (§4.2.2).
type capitalLock struct {
	manager *redlock.RedLock
	key     string
}

func newCapitalLock(manager *redlock.RedLock, accountID uuid.UUID) *capitalLock {
	return &capitalLock{manager: manager, key: fmt.Sprintf("capital_lock:%s", accountID)}
}

func (l *capitalLock) acquire(ctx context.Context) error {
	if l.manager == nil {
		return nil
	}
	return l.manager.Lock(ctx, l.key, capitalLockTTL)
}

func (l *capitalLock) release(ctx context.Context) {
	if l.manager == nil {
		return
	}
	_ = l.manager.UnLock(ctx, l.key)
}
