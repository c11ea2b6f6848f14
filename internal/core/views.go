package core

import (
	"time"

	"CdpLedger/internal/event"
	"CdpLedger/internal/ledger"
	fpmath "CdpLedger/internal/math"
	"CdpLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Read views. Each takes the read lock, so it observes either the state
// before or after any operation, never one in progress.

// GetCdp returns a copy of the position in any status.
func (c *CdpCore) GetCdp(id uuid.UUID) (*state.Cdp, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cdp, ok := c.store.Get(id)
	if !ok {
		return nil, false
	}
	return cdp.Clone(), true
}

// GetSynced returns debt and collateral including pending redistribution.
func (c *CdpCore) GetSynced(id uuid.UUID) (state.SyncedCdp, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.GetSynced(id)
}

func (c *CdpCore) GetSyncedICR(id uuid.UUID, price *uint256.Int) (*uint256.Int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode.GetSyncedICR(id, price)
}

func (c *CdpCore) GetSyncedNICR(id uuid.UUID) (*uint256.Int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, err := c.store.GetActive(id); err != nil {
		return nil, err
	}
	return c.store.SyncedNICR(id), nil
}

// GetCachedTCR returns the TCR at price.
func (c *CdpCore) GetCachedTCR(price *uint256.Int) *uint256.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode.GetTCR(price)
}

func (c *CdpCore) CheckRecoveryMode(price *uint256.Int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode.CheckRecoveryMode(price)
}

// FetchPrice returns the feed price valid at the given time.
func (c *CdpCore) FetchPrice(at time.Time) (*uint256.Int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prices.FetchPrice(at)
}

func (c *CdpCore) GetFirst() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sorted.GetFirst()
}

func (c *CdpCore) GetLast() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sorted.GetLast()
}

func (c *CdpCore) GetNext(id uuid.UUID) uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sorted.GetNext(id)
}

func (c *CdpCore) GetPrev(id uuid.UUID) uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sorted.GetPrev(id)
}

// SortedPage returns up to limit positions in registry order, starting
// after the given id (uuid.Nil starts at the head).
func (c *CdpCore) SortedPage(after uuid.UUID, limit int) []*state.Cdp {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id := c.sorted.GetFirst()
	if after != uuid.Nil {
		id = c.sorted.GetNext(after)
	}
	page := make([]*state.Cdp, 0, limit)
	for ; id != uuid.Nil && len(page) < limit; id = c.sorted.GetNext(id) {
		cdp, _ := c.store.Get(id)
		page = append(page, cdp.Clone())
	}
	return page
}

// GraceView describes the cooldown state.
type GraceView struct {
	State     string
	Cooling   bool
	Since     time.Time
	ElapsesAt time.Time
}

func (c *CdpCore) GracePeriod() GraceView {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.grace.State()
	view := GraceView{State: s.String()}
	if cd, ok := s.(state.CoolingDown); ok {
		view.Cooling = true
		view.Since = cd.Since
		view.ElapsesAt, _ = c.grace.ElapsesAt()
	}
	return view
}

func (c *CdpCore) FindInsertPosition(nicr *uint256.Int, prevHint, nextHint uuid.UUID) (uuid.UUID, uuid.UUID, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sorted.FindInsertPosition(nicr, prevHint, nextHint)
}

func (c *CdpCore) GetApproxHint(nicr *uint256.Int, numTrials int, seed uint64) state.ApproxHint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hints.GetApproxHint(nicr, numTrials, seed)
}

// FindInsertHints combines GetApproxHint and FindInsertPosition for the
// NICR a position with coll and debt would have.
func (c *CdpCore) FindInsertHints(coll, debt *uint256.Int, numTrials int, seed uint64) (nicr *uint256.Int, prev, next uuid.UUID, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	nicr = fpmath.ComputeNICR(coll, debt)
	prev, next, _, err = c.hints.FindInsertHints(nicr, numTrials, seed)
	return nicr, prev, next, err
}

// Status returns the aggregate view recorded after the last event.
func (c *CdpCore) Status() event.SystemStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastStatus
}

// Balance returns an account balance as a signed decimal string.
func (c *CdpCore) Balance(key ledger.AccountKey) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ledger.FormatSigned(c.balances.GetBalance(key))
}

// Wallet returns the owner's collateral, debt-token and surplus balances.
func (c *CdpCore) Wallet(owner uuid.UUID) (coll, ebtc, surplus *uint256.Int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balances.WalletColl(owner), c.balances.WalletEBTC(owner), c.balances.Surplus(owner)
}

// StabilityDeposit returns the depositor's compounded deposit and
// collateral gain.
func (c *CdpCore) StabilityDeposit(depositor uuid.UUID) (deposit, gain *uint256.Int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pool.CompoundedDeposit(depositor), c.pool.CollateralGain(depositor)
}

// Candidate is the riskiest position as the keeper sees it.
type Candidate struct {
	CdpID        uuid.UUID
	ICR          *uint256.Int
	Liquidatable bool
	GraceGated   bool
	ElapsesAt    time.Time
}

// TailCandidate classifies the registry tail at the given time. ok is
// false when there is no valid price or no Active position.
func (c *CdpCore) TailCandidate(at time.Time) (Candidate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	price, valid := c.prices.FetchPrice(at)
	tail := c.sorted.GetLast()
	if !valid || tail == uuid.Nil {
		return Candidate{}, false
	}

	icr, err := c.mode.GetSyncedICR(tail, price)
	if err != nil {
		return Candidate{}, false
	}
	cand := Candidate{CdpID: tail, ICR: icr}

	tcr := c.mode.GetTCR(price)
	recovery := tcr.Lt(c.params.CCR)
	switch {
	case icr.Lt(c.params.MCR):
		cand.Liquidatable = true
	case recovery && icr.Lt(tcr):
		cand.Liquidatable = true
		if !c.grace.IsElapsed(at, recovery) {
			cand.GraceGated = true
			cand.ElapsesAt, _ = c.grace.ElapsesAt()
		}
	}
	return cand, true
}

// GetSequence returns the next sequence to assign.
func (c *CdpCore) GetSequence() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *CdpCore) GetStateHash() [32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chain.current()
}

func (c *CdpCore) Params() state.SystemParams {
	return *c.params
}
