package event

import (
	"strconv"

	"github.com/holiman/uint256"
)

// PriceUpdate records an oracle price (collateral value in debt units,
// 1e18-scaled). Sequence is the oracle round; gaps are tolerated.
type PriceUpdate struct {
	Header
	Price *uint256.Int `json:"price"`
}

func (e *PriceUpdate) EventType() EventType { return EventTypePriceUpdate }
func (e *PriceUpdate) Partition() string    { return PartitionPrice }

// IdempotencyKey keys price updates by oracle round.
func (e *PriceUpdate) IdempotencyKey() string {
	return "price:" + strconv.FormatInt(e.Sequence, 10)
}
