package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// NoticeType discriminates outbound notices.
type NoticeType string

const (
	NoticeCdpChanged         NoticeType = "CdpChanged"
	NoticeCdpLiquidated      NoticeType = "CdpLiquidated"
	NoticeCdpRedeemed        NoticeType = "CdpRedeemed"
	NoticeGracePeriodStarted NoticeType = "GracePeriodStarted"
	NoticeGracePeriodEnded   NoticeType = "GracePeriodEnded"
)

// Notice is one fact derived from applying an event. A single event can
// yield several (a batch liquidation emits one CdpLiquidated per position).
type Notice struct {
	Type       NoticeType          `json:"type"`
	Cdp        *CdpChanged         `json:"cdp,omitempty"`
	Liquidated *CdpLiquidated      `json:"liquidated,omitempty"`
	Redeemed   *CdpRedeemed        `json:"redeemed,omitempty"`
	Grace      *GracePeriodChanged `json:"grace,omitempty"`
}

// CdpChanged is the post-event state of a touched position.
type CdpChanged struct {
	CdpID      uuid.UUID    `json:"cdp_id"`
	Owner      uuid.UUID    `json:"owner"`
	Status     string       `json:"status"`
	Debt       *uint256.Int `json:"debt"`
	CollShares *uint256.Int `json:"coll_shares"`
	Stake      *uint256.Int `json:"stake"`
	NICR       *uint256.Int `json:"nicr"`
}

type CdpLiquidated struct {
	CdpID              uuid.UUID    `json:"cdp_id"`
	Owner              uuid.UUID    `json:"owner"`
	Liquidator         uuid.UUID    `json:"liquidator"`
	Class              string       `json:"class"`
	ICR                *uint256.Int `json:"icr"`
	Debt               *uint256.Int `json:"debt"`
	CollShares         *uint256.Int `json:"coll_shares"`
	GasCompensation    *uint256.Int `json:"gas_compensation"`
	DebtToOffset       *uint256.Int `json:"debt_to_offset"`
	CollToSP           *uint256.Int `json:"coll_to_sp"`
	DebtToRedistribute *uint256.Int `json:"debt_to_redistribute"`
	CollToRedistribute *uint256.Int `json:"coll_to_redistribute"`
	CollSurplus        *uint256.Int `json:"coll_surplus"`
	Parked             bool         `json:"parked"`
}

type CdpRedeemed struct {
	CdpID        uuid.UUID    `json:"cdp_id"`
	Redeemer     uuid.UUID    `json:"redeemer"`
	DebtRedeemed *uint256.Int `json:"debt_redeemed"`
	CollRedeemed *uint256.Int `json:"coll_redeemed"`
	Closed       bool         `json:"closed"`
}

type GracePeriodChanged struct {
	At        time.Time `json:"at"`
	ElapsesAt time.Time `json:"elapses_at,omitzero"`
}

// SystemStatus is the aggregate view after an event.
type SystemStatus struct {
	Sequence       int64        `json:"sequence"`
	Price          *uint256.Int `json:"price,omitempty"` // nil when no valid price
	TCR            *uint256.Int `json:"tcr,omitempty"`
	RecoveryMode   bool         `json:"recovery_mode"`
	GraceState     string       `json:"grace_state"`
	ActiveCdps     int          `json:"active_cdps"`
	SystemColl     *uint256.Int `json:"system_coll"`
	SystemDebt     *uint256.Int `json:"system_debt"`
	TotalStakes    *uint256.Int `json:"total_stakes"`
	DebtIndex      *uint256.Int `json:"debt_index"`
	CollIndex      *uint256.Int `json:"coll_index"`
	FeeIndex       *uint256.Int `json:"fee_index"`
	BaseRate       *uint256.Int `json:"base_rate"` // redemption base rate, decayed to EventTimestamp
	ParkedDebt     *uint256.Int `json:"parked_debt"`
	ParkedColl     *uint256.Int `json:"parked_coll"`
	SPDeposits     *uint256.Int `json:"sp_deposits"`
	CollShareIndex *uint256.Int `json:"coll_share_index"`
	EventTimestamp time.Time    `json:"event_timestamp"`
}
