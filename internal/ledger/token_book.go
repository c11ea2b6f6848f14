package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var ErrInsufficientBalance = errors.New("ledger: insufficient balance")

// TokenBook serves debt-token and collateral balances out of the ledger,
// so every token movement is a journal in the current batch.
type TokenBook struct {
	b *BatchBuilder
}

func NewTokenBook(b *BatchBuilder) TokenBook {
	return TokenBook{b: b}
}

// Mint issues debt tokens to owner.
func (t TokenBook) Mint(to uuid.UUID, amount *uint256.Int) {
	t.b.MintDebt(to, amount)
}

// Burn destroys debt tokens held by owner.
func (t TokenBook) Burn(from uuid.UUID, amount *uint256.Int) error {
	if err := t.require(WalletEBTC(from), amount); err != nil {
		return err
	}
	t.b.BurnDebt(from, amount)
	return nil
}

func (t TokenBook) BalanceOf(owner uuid.UUID) *uint256.Int {
	return t.b.GetBalance(WalletEBTC(owner))
}

func (t TokenBook) CollateralBalanceOf(owner uuid.UUID) *uint256.Int {
	return t.b.GetBalance(WalletColl(owner))
}

func (t TokenBook) SurplusOf(owner uuid.UUID) *uint256.Int {
	return t.b.GetBalance(SurplusColl(owner))
}

// Require fails with ErrInsufficientBalance when key holds less than amount.
func (t TokenBook) Require(key AccountKey, amount *uint256.Int) error {
	return t.require(key, amount)
}

func (t TokenBook) require(key AccountKey, amount *uint256.Int) error {
	have := t.b.GetBalance(key)
	if have.Sign() < 0 || have.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, need %s", ErrInsufficientBalance, key.AccountPath(), FormatSigned(have), amount.Dec())
	}
	return nil
}
