package ledger

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// BalanceReader is satisfied by BalanceTracker and by a BatchBuilder's
// staged view.
type BalanceReader interface {
	GetBalance(key AccountKey) *uint256.Int
}

// BalanceTracker maintains in-memory account balances. Values are uint256
// read as int256 two's complement: external boundary accounts go negative
// so every asset sums to zero.
type BalanceTracker struct {
	balances map[AccountKey]*uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*uint256.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] = new(uint256.Int).Add(bt.raw(j.DebitAccount), j.Amount)
	bt.balances[j.CreditAccount] = new(uint256.Int).Sub(bt.raw(j.CreditAccount), j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns a copy of the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	return bt.raw(key).Clone()
}

func (bt *BalanceTracker) raw(key AccountKey) *uint256.Int {
	if v, ok := bt.balances[key]; ok {
		return v
	}
	return new(uint256.Int)
}

// === User Balance Queries ===

func (bt *BalanceTracker) WalletColl(owner uuid.UUID) *uint256.Int {
	return bt.GetBalance(WalletColl(owner))
}

func (bt *BalanceTracker) WalletEBTC(owner uuid.UUID) *uint256.Int {
	return bt.GetBalance(WalletEBTC(owner))
}

func (bt *BalanceTracker) Surplus(owner uuid.UUID) *uint256.Int {
	return bt.GetBalance(SurplusColl(owner))
}

// === Invariant Checks ===

// ValidateNonNegative checks that a non-external account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if key.IsExternal() {
		return nil
	}
	balance := bt.raw(key)
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), FormatSigned(balance))
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]*uint256.Int {
	totals := make(map[AssetID]*uint256.Int)

	for key, balance := range bt.balances {
		sum, ok := totals[key.AssetID]
		if !ok {
			sum = new(uint256.Int)
			totals[key.AssetID] = sum
		}
		sum.Add(sum, balance)
	}

	return totals
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]*uint256.Int {
	snapshot := make(map[AccountKey]*uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v.Clone()
	}
	return snapshot
}

// Restore replaces every balance (snapshot restore).
func (bt *BalanceTracker) Restore(balances map[AccountKey]*uint256.Int) {
	bt.balances = make(map[AccountKey]*uint256.Int, len(balances))
	for k, v := range balances {
		bt.balances[k] = v.Clone()
	}
}

// SortedKeys returns every account key ordered by path, for deterministic
// hashing and serialization.
func (bt *BalanceTracker) SortedKeys() []AccountKey {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k := range bt.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})
	return keys
}

// FormatSigned renders a two's-complement balance as a signed decimal.
func FormatSigned(v *uint256.Int) string {
	if v.Sign() < 0 {
		return "-" + new(uint256.Int).Neg(v).Dec()
	}
	return v.Dec()
}

// ParseSigned is the inverse of FormatSigned.
func ParseSigned(s string) (*uint256.Int, error) {
	neg := len(s) > 0 && s[0] == '-'
	if neg {
		s = s[1:]
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid balance %q: %w", s, err)
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}
