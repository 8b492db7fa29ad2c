package positions

import (
	"fmt"

	"github.com/google/uuid"
)

// ConflictError is raised when a symbol is already occupied by another
// agent's claim or open position (§4.2.1).
type ConflictError struct {
	Symbol       string
	OwnerAgentID uuid.UUID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("symbol %s is already occupied by agent %s", e.Symbol, e.OwnerAgentID)
}

// CapitalExceededError is raised when a claim would breach the requesting
// agent's own allocation or the account-wide 95%-of-equity cap (§4.2.2).
type CapitalExceededError struct {
	Reason string
}

func (e *CapitalExceededError) Error() string {
	return e.Reason
}
