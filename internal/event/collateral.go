package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// FundCollateral credits collateral shares arriving from outside the system
// to an owner's wallet.
type FundCollateral struct {
	Header
	Owner  uuid.UUID    `json:"owner"`
	Shares *uint256.Int `json:"shares"`
}

func (e *FundCollateral) EventType() EventType { return EventTypeFundCollateral }
func (e *FundCollateral) Partition() string    { return UserPartition(e.Owner) }

// ClaimSurplus moves an owner's collateral surplus into their wallet.
type ClaimSurplus struct {
	Header
	Owner uuid.UUID `json:"owner"`
}

func (e *ClaimSurplus) EventType() EventType { return EventTypeClaimSurplus }
func (e *ClaimSurplus) Partition() string    { return UserPartition(e.Owner) }

// CollateralRebase sets the collateral token's value per share (1e18-scaled).
type CollateralRebase struct {
	Header
	Index *uint256.Int `json:"index"`
}

func (e *CollateralRebase) EventType() EventType { return EventTypeCollateralRebase }
func (e *CollateralRebase) Partition() string    { return PartitionCollateral }
