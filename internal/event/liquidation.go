package event

import "github.com/google/uuid"

// Liquidation commands come from any number of keepers, so they are
// deduplicated but not sequenced.

type Liquidate struct {
	Header
	CdpID      uuid.UUID `json:"cdp_id"`
	Liquidator uuid.UUID `json:"liquidator"`
}

func (e *Liquidate) EventType() EventType { return EventTypeLiquidate }
func (e *Liquidate) Partition() string    { return PartitionNone }

type LiquidateBatch struct {
	Header
	CdpIDs     []uuid.UUID `json:"cdp_ids"`
	Liquidator uuid.UUID   `json:"liquidator"`
}

func (e *LiquidateBatch) EventType() EventType { return EventTypeLiquidateBatch }
func (e *LiquidateBatch) Partition() string    { return PartitionNone }

// LiquidateSequentially walks the registry from its riskiest end.
type LiquidateSequentially struct {
	Header
	MaxCount   int       `json:"max_count"`
	Liquidator uuid.UUID `json:"liquidator"`
}

func (e *LiquidateSequentially) EventType() EventType { return EventTypeLiquidateSequentially }
func (e *LiquidateSequentially) Partition() string    { return PartitionNone }

// SweepParked redistributes remainders parked while no stake existed.
type SweepParked struct {
	Header
	Operator uuid.UUID `json:"operator"`
}

func (e *SweepParked) EventType() EventType { return EventTypeSweepParked }
func (e *SweepParked) Partition() string    { return PartitionNone }
