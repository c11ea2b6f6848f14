package state

import (
	"encoding/binary"

	fpmath "CdpLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// CdpStatus tracks the lifecycle of a position
type CdpStatus int32

const (
	CdpStatusNonExistent CdpStatus = iota
	CdpStatusActive
	CdpStatusClosedByOwner
	CdpStatusClosedByLiquidation
	CdpStatusClosedByRedemption
)

// cdpNamespace seeds the deterministic owner+nonce id derivation.
var cdpNamespace = uuid.MustParse("8f5f3a7e-2c1d-4e0b-9a65-0d3c1b7e6f21")

// Cdp is a collateralized debt position. Debt and CollShares exclude any
// pending redistribution rewards and staking split fees; see
// RedistributionLedger.PendingRewards and PendingFee.
type Cdp struct {
	ID                uuid.UUID
	Owner             uuid.UUID
	Nonce             uint64
	Status            CdpStatus
	Debt              *uint256.Int // 1e18 debt-token units
	CollShares        *uint256.Int // 1e18 collateral shares
	Stake             *uint256.Int
	DebtIndexSnapshot *uint256.Int // RedistributionLedger debt index at last sync
	CollIndexSnapshot *uint256.Int // RedistributionLedger coll index at last sync
	FeeIndexSnapshot  *uint256.Int // RedistributionLedger fee index at last sync
	OpenedAt          int64        // Versioned input timestamp (epoch microseconds)
	Version           int64
}

// DeriveCdpID returns the id for an owner's n-th position.
func DeriveCdpID(owner uuid.UUID, nonce uint64) uuid.UUID {
	var buf [24]byte
	copy(buf[:16], owner[:])
	binary.BigEndian.PutUint64(buf[16:], nonce)
	return uuid.NewSHA1(cdpNamespace, buf[:])
}

func (s CdpStatus) String() string {
	switch s {
	case CdpStatusNonExistent:
		return "NonExistent"
	case CdpStatusActive:
		return "Active"
	case CdpStatusClosedByOwner:
		return "ClosedByOwner"
	case CdpStatusClosedByLiquidation:
		return "ClosedByLiquidation"
	case CdpStatusClosedByRedemption:
		return "ClosedByRedemption"
	default:
		return "Unknown"
	}
}

// ParseCdpStatus is the inverse of String.
func ParseCdpStatus(s string) (CdpStatus, bool) {
	for st := CdpStatusNonExistent; st <= CdpStatusClosedByRedemption; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return CdpStatusNonExistent, false
}

// CanTransitionTo validates status transitions. Closed states are terminal.
func (s CdpStatus) CanTransitionTo(next CdpStatus) bool {
	switch s {
	case CdpStatusNonExistent:
		return next == CdpStatusActive
	case CdpStatusActive:
		return next == CdpStatusClosedByOwner ||
			next == CdpStatusClosedByLiquidation ||
			next == CdpStatusClosedByRedemption
	default:
		return false
	}
}

// IsActive reports whether the position is open
func (c *Cdp) IsActive() bool {
	return c.Status == CdpStatusActive
}

// Clone returns a deep copy
func (c *Cdp) Clone() *Cdp {
	cp := *c
	cp.Debt = c.Debt.Clone()
	cp.CollShares = c.CollShares.Clone()
	cp.Stake = c.Stake.Clone()
	cp.DebtIndexSnapshot = c.DebtIndexSnapshot.Clone()
	cp.CollIndexSnapshot = c.CollIndexSnapshot.Clone()
	cp.FeeIndexSnapshot = fpmath.Clone(c.FeeIndexSnapshot)
	return &cp
}

// CanonicalBytes returns deterministic serialization for hashing
func (c *Cdp) CanonicalBytes() []byte {
	buf := make([]byte, 0, 16+16+8+1+32*6)

	buf = append(buf, c.ID[:]...)
	buf = append(buf, c.Owner[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, c.Nonce)
	buf = append(buf, byte(c.Status))

	for _, v := range []*uint256.Int{c.Debt, c.CollShares, c.Stake, c.DebtIndexSnapshot, c.CollIndexSnapshot, fpmath.Clone(c.FeeIndexSnapshot)} {
		b := v.Bytes32()
		buf = append(buf, b[:]...)
	}

	return buf
}

// SyncedCdp is a position's view with pending redistribution applied
type SyncedCdp struct {
	ID          uuid.UUID
	Debt        *uint256.Int
	CollShares  *uint256.Int
	Stake       *uint256.Int
	PendingDebt *uint256.Int
	PendingColl *uint256.Int
	PendingFee  *uint256.Int // staking split fee deducted from CollShares
}
