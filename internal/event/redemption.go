package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// RedeemCollateral exchanges Amount debt tokens for collateral at face
// value. MaxIterations == 0 means unbounded.
type RedeemCollateral struct {
	Header
	Redeemer      uuid.UUID    `json:"redeemer"`
	Amount        *uint256.Int `json:"amount"`
	MaxIterations int          `json:"max_iterations"`
}

func (e *RedeemCollateral) EventType() EventType { return EventTypeRedeemCollateral }
func (e *RedeemCollateral) Partition() string    { return UserPartition(e.Redeemer) }

// StabilityDeposit moves debt tokens into the stability pool.
type StabilityDeposit struct {
	Header
	Depositor uuid.UUID    `json:"depositor"`
	Amount    *uint256.Int `json:"amount"`
}

func (e *StabilityDeposit) EventType() EventType { return EventTypeStabilityDeposit }
func (e *StabilityDeposit) Partition() string    { return UserPartition(e.Depositor) }
