package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Hints locate a position's slot in the sorted registry. Both may be
// uuid.Nil; the registry corrects wrong hints.
type Hints struct {
	Prev uuid.UUID `json:"prev_hint"`
	Next uuid.UUID `json:"next_hint"`
}

// OpenCdp locks CollShares from the owner's wallet and mints Debt.
type OpenCdp struct {
	Header
	Hints
	Owner      uuid.UUID    `json:"owner"`
	Debt       *uint256.Int `json:"debt"`
	CollShares *uint256.Int `json:"coll_shares"`
}

func (e *OpenCdp) EventType() EventType { return EventTypeOpenCdp }
func (e *OpenCdp) Partition() string    { return UserPartition(e.Owner) }

// AdjustCdp changes a position's collateral and debt. Increase flags pick
// the direction of each delta.
type AdjustCdp struct {
	Header
	Hints
	CdpID        uuid.UUID    `json:"cdp_id"`
	Owner        uuid.UUID    `json:"owner"`
	CollDelta    *uint256.Int `json:"coll_delta"`
	CollIncrease bool         `json:"coll_increase"`
	DebtDelta    *uint256.Int `json:"debt_delta"`
	DebtIncrease bool         `json:"debt_increase"`
}

func (e *AdjustCdp) EventType() EventType { return EventTypeAdjustCdp }
func (e *AdjustCdp) Partition() string    { return UserPartition(e.Owner) }

// CloseCdp repays a position in full and releases its collateral.
type CloseCdp struct {
	Header
	CdpID uuid.UUID `json:"cdp_id"`
	Owner uuid.UUID `json:"owner"`
}

func (e *CloseCdp) EventType() EventType { return EventTypeCloseCdp }
func (e *CloseCdp) Partition() string    { return UserPartition(e.Owner) }
