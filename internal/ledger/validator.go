package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateStaged checks that no user or system account touched by the
// builder would end negative.
func (v *InvariantValidator) ValidateStaged(b *BatchBuilder) error {
	for _, key := range b.Touched() {
		if key.IsExternal() {
			continue
		}
		if bal := b.GetBalance(key); bal.Sign() < 0 {
			return fmt.Errorf("account %s would go negative: %s", key.AccountPath(), FormatSigned(bal))
		}
	}
	return nil
}

// ValidateAccount checks an account against the balance the state
// machine expects it to hold.
func (v *InvariantValidator) ValidateAccount(key AccountKey, expected *uint256.Int) error {
	got := v.tracker.GetBalance(key)
	if !got.Eq(expected) {
		return fmt.Errorf("account %s holds %s, state expects %s", key.AccountPath(), FormatSigned(got), expected.Dec())
	}
	return nil
}

// ValidateAccountAtLeast checks that key holds at least floor. The default
// pool keeps floor-rounding dust, so it may exceed Σ pending.
func (v *InvariantValidator) ValidateAccountAtLeast(key AccountKey, floor *uint256.Int) error {
	got := v.tracker.GetBalance(key)
	if got.Sign() < 0 || got.Lt(floor) {
		return fmt.Errorf("account %s holds %s, below required %s", key.AccountPath(), FormatSigned(got), floor.Dec())
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if !total.IsZero() {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %s", assetName, FormatSigned(total))
		}
	}

	return nil
}
