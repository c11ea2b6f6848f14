package collateral

import (
	"errors"
	"fmt"

	fpmath "CdpLedger/internal/math"

	"github.com/holiman/uint256"
)

var ErrInvalidIndex = errors.New("collateral: share index must be positive")

// ShareIndex converts between collateral shares and collateral value for a
// rebasing collateral token. The index is the value of one share, 1e18-scaled.
// Positions store shares, so a rebase moves ICR and TCR but never NICR.
type ShareIndex struct {
	index *uint256.Int
}

// NewShareIndex starts at 1 share = 1 unit of value.
func NewShareIndex() *ShareIndex {
	return &ShareIndex{index: fpmath.Precision()}
}

// SharesToValue returns floor(shares * index / 1e18).
func (s *ShareIndex) SharesToValue(shares *uint256.Int) *uint256.Int {
	return fpmath.MulDiv(shares, s.index, fpmath.AmountConfig.Scale)
}

// ValueToShares returns floor(value * 1e18 / index).
func (s *ShareIndex) ValueToShares(value *uint256.Int) *uint256.Int {
	return fpmath.MulDiv(value, fpmath.AmountConfig.Scale, s.index)
}

// SetIndex applies a rebase.
func (s *ShareIndex) SetIndex(index *uint256.Int) error {
	if index == nil || index.IsZero() {
		return ErrInvalidIndex
	}
	s.index = index.Clone()
	return nil
}

func (s *ShareIndex) Index() *uint256.Int {
	return s.index.Clone()
}

// Restore sets the index from a snapshot.
func (s *ShareIndex) Restore(index *uint256.Int) error {
	if err := s.SetIndex(index); err != nil {
		return fmt.Errorf("restore share index: %w", err)
	}
	return nil
}
