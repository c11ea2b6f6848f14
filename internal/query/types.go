package query

import (
	"time"

	"github.com/google/uuid"
)

// Amounts in responses are human decimal strings ("1.5" eBTC). Ratios
// are decimals too ("1.1" is 110%); unbounded ratios render as "inf".

// CdpResponse is one position. Source says whether the row came from the
// read model or, when the read model lags, from the core.
type CdpResponse struct {
	CdpID        uuid.UUID `json:"cdp_id"`
	Owner        uuid.UUID `json:"owner"`
	Status       string    `json:"status"`
	Debt         string    `json:"debt"`
	CollShares   string    `json:"coll_shares"`
	Stake        string    `json:"stake"`
	NICR         string    `json:"nicr"`
	ICR          string    `json:"icr,omitempty"`
	PendingDebt  string    `json:"pending_debt,omitempty"`
	PendingColl  string    `json:"pending_coll,omitempty"`
	PendingFee   string    `json:"pending_fee,omitempty"`
	AsOfSequence int64     `json:"as_of_sequence"`
	Source       string    `json:"source"`
}

// SystemStatusResponse is the aggregate view.
type SystemStatusResponse struct {
	Sequence       int64      `json:"sequence"`
	Price          string     `json:"price,omitempty"`
	TCR            string     `json:"tcr,omitempty"`
	RecoveryMode   bool       `json:"recovery_mode"`
	GraceState     string     `json:"grace_state"`
	GraceElapsesAt *time.Time `json:"grace_elapses_at,omitempty"`
	ActiveCdps     int        `json:"active_cdps"`
	SystemColl     string     `json:"system_coll"`
	SystemDebt     string     `json:"system_debt"`
	ParkedDebt     string     `json:"parked_debt"`
	ParkedColl     string     `json:"parked_coll"`
	SPDeposits     string     `json:"sp_deposits"`
	EventTime      time.Time  `json:"event_time"`
	Source         string     `json:"source"`
}

// SortedCdpsPage is a page of the registry from head (highest NICR) to
// tail. Next is the cursor for the following page.
type SortedCdpsPage struct {
	Cdps         []SortedCdp `json:"cdps"`
	Next         *uuid.UUID  `json:"next,omitempty"`
	AsOfSequence int64       `json:"as_of_sequence"`
}

type SortedCdp struct {
	CdpID      uuid.UUID `json:"cdp_id"`
	Owner      uuid.UUID `json:"owner"`
	Debt       string    `json:"debt"`
	CollShares string    `json:"coll_shares"`
	NICR       string    `json:"nicr"`
	ICR        string    `json:"icr,omitempty"`
}

// InsertHintResponse gives the neighbours a position with the requested
// collateral and debt would be inserted between.
type InsertHintResponse struct {
	NICR   string    `json:"nicr"`
	PrevID uuid.UUID `json:"prev_id"`
	NextID uuid.UUID `json:"next_id"`
}

// LiquidationRecord is one liquidated position from the history table.
type LiquidationRecord struct {
	Sequence           int64     `json:"sequence"`
	CdpID              uuid.UUID `json:"cdp_id"`
	Owner              uuid.UUID `json:"owner"`
	Liquidator         uuid.UUID `json:"liquidator"`
	Class              string    `json:"class"`
	ICR                string    `json:"icr"`
	Debt               string    `json:"debt"`
	CollShares         string    `json:"coll_shares"`
	GasCompensation    string    `json:"gas_compensation"`
	DebtToOffset       string    `json:"debt_to_offset"`
	CollToSP           string    `json:"coll_to_sp"`
	DebtToRedistribute string    `json:"debt_to_redistribute"`
	CollToRedistribute string    `json:"coll_to_redistribute"`
	CollSurplus        string    `json:"coll_surplus"`
	Parked             bool      `json:"parked"`
	EventTime          time.Time `json:"event_time"`
}

// WalletResponse is an owner's balances plus stability pool position.
type WalletResponse struct {
	Owner        uuid.UUID `json:"owner"`
	Coll         string    `json:"coll"`
	EBTC         string    `json:"ebtc"`
	Surplus      string    `json:"surplus"`
	SPDeposit    string    `json:"sp_deposit"`
	SPCollGain   string    `json:"sp_coll_gain"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// IntegrityReport is the result of an event log check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
	LastSequence    int64   `json:"last_sequence"`
}
