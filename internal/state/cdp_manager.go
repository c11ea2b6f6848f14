package state

import (
	"fmt"
	"sort"

	fpmath "CdpLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PoolTotals are the aggregate collateral shares and debt the system
// tracks. Active covers recorded Cdp balances; Default covers redistributed
// rewards not yet pulled into a Cdp. FeeColl is staking split fee charged
// but not yet deducted from a Cdp.
type PoolTotals struct {
	ActiveColl  *uint256.Int `json:"active_coll"`
	ActiveDebt  *uint256.Int `json:"active_debt"`
	DefaultColl *uint256.Int `json:"default_coll"`
	DefaultDebt *uint256.Int `json:"default_debt"`
	FeeColl     *uint256.Int `json:"fee_coll"`
}

func (t PoolTotals) clone() PoolTotals {
	return PoolTotals{
		ActiveColl:  fpmath.Clone(t.ActiveColl),
		ActiveDebt:  fpmath.Clone(t.ActiveDebt),
		DefaultColl: fpmath.Clone(t.DefaultColl),
		DefaultDebt: fpmath.Clone(t.DefaultDebt),
		FeeColl:     fpmath.Clone(t.FeeColl),
	}
}

// SystemColl returns active + default collateral shares, net of charged
// staking split fees.
func (t PoolTotals) SystemColl() *uint256.Int {
	return fpmath.SubFloor(fpmath.Add(t.ActiveColl, t.DefaultColl), fpmath.Clone(t.FeeColl))
}

// SystemDebt returns active + default debt.
func (t PoolTotals) SystemDebt() *uint256.Int {
	return fpmath.Add(t.ActiveDebt, t.DefaultDebt)
}

// CdpManager is the authoritative store of positions. Every mutation of an
// Active position first pulls pending redistribution (SyncPending), then
// applies the change, re-derives the stake and re-snapshots the indices.
type CdpManager struct {
	cdps        map[uuid.UUID]*Cdp
	activeIDs   []uuid.UUID // random-access view for hint sampling
	activeIndex map[uuid.UUID]int
	nonces      map[uuid.UUID]uint64
	totals      PoolTotals
	ledger      *RedistributionLedger

	undo *storeUndo
}

type storeUndo struct {
	cdps        map[uuid.UUID]*Cdp // nil: absent at checkpoint
	nonces      map[uuid.UUID]nonceUndo
	activeIDs   []uuid.UUID
	activeIndex map[uuid.UUID]int
	membership  bool
	totals      PoolTotals
}

type nonceUndo struct {
	value   uint64
	existed bool
}

func NewCdpManager(ledger *RedistributionLedger) *CdpManager {
	return &CdpManager{
		cdps:        make(map[uuid.UUID]*Cdp),
		activeIndex: make(map[uuid.UUID]int),
		nonces:      make(map[uuid.UUID]uint64),
		totals: PoolTotals{
			ActiveColl:  fpmath.Zero(),
			ActiveDebt:  fpmath.Zero(),
			DefaultColl: fpmath.Zero(),
			DefaultDebt: fpmath.Zero(),
			FeeColl:     fpmath.Zero(),
		},
		ledger: ledger,
	}
}

// NextCdpID returns the id the owner's next Open will receive.
func (m *CdpManager) NextCdpID(owner uuid.UUID) uuid.UUID {
	return DeriveCdpID(owner, m.nonces[owner])
}

// Open creates an Active position. Eligibility (ratios, minimum debt,
// balances) is checked by the caller.
func (m *CdpManager) Open(owner uuid.UUID, debt, collShares *uint256.Int, openedAt int64) *Cdp {
	nonce := m.nonces[owner]
	id := DeriveCdpID(owner, nonce)
	if _, exists := m.cdps[id]; exists {
		panic(fmt.Sprintf("FATAL: cdp id collision for owner %s nonce %d", owner, nonce))
	}

	m.touchNonce(owner)
	m.nonces[owner] = nonce + 1

	cdp := &Cdp{
		ID:         id,
		Owner:      owner,
		Nonce:      nonce,
		Status:     CdpStatusActive,
		Debt:       debt.Clone(),
		CollShares: collShares.Clone(),
		Stake:      fpmath.Zero(),
		OpenedAt:   openedAt,
	}
	m.ledger.UpdateStakeAndTotals(cdp, collShares)
	m.ledger.SnapshotIndicesTo(cdp)

	m.touch(id)
	m.cdps[id] = cdp
	m.addActive(id)

	m.totals.ActiveColl = fpmath.Add(m.totals.ActiveColl, collShares)
	m.totals.ActiveDebt = fpmath.Add(m.totals.ActiveDebt, debt)

	return cdp
}

// Get returns the stored position. Callers must not mutate it.
func (m *CdpManager) Get(id uuid.UUID) (*Cdp, bool) {
	cdp, ok := m.cdps[id]
	return cdp, ok
}

// GetActive returns the position if it exists and is Active.
func (m *CdpManager) GetActive(id uuid.UUID) (*Cdp, error) {
	cdp, ok := m.cdps[id]
	if !ok {
		return nil, ErrCdpNotFound
	}
	if !cdp.IsActive() {
		return nil, fmt.Errorf("%w: %s is %s", ErrCdpNotActive, id, cdp.Status)
	}
	return cdp, nil
}

// GetSynced returns debt, collateral and stake with pending rewards applied.
// Pure: calling it twice without intervening mutation yields equal values.
func (m *CdpManager) GetSynced(id uuid.UUID) (SyncedCdp, error) {
	cdp, err := m.GetActive(id)
	if err != nil {
		return SyncedCdp{}, err
	}
	return m.ledger.ApplyRedistribution(cdp), nil
}

// SyncedNICR implements NICRSource.
func (m *CdpManager) SyncedNICR(id uuid.UUID) *uint256.Int {
	cdp, ok := m.cdps[id]
	if !ok || !cdp.IsActive() {
		panic(fmt.Sprintf("FATAL: nicr requested for non-active cdp %s", id))
	}
	synced := m.ledger.ApplyRedistribution(cdp)
	return fpmath.ComputeNICR(synced.CollShares, synced.Debt)
}

// SyncPending moves pending rewards from the default pool into the
// position, deducts its pending staking split fee and re-snapshots its
// indices. The caller journals the fee out of the active pool.
func (m *CdpManager) SyncPending(id uuid.UUID) (SyncedCdp, error) {
	cdp, err := m.GetActive(id)
	if err != nil {
		return SyncedCdp{}, err
	}

	synced := m.ledger.ApplyRedistribution(cdp)

	m.touch(id)
	cdp.Debt = synced.Debt.Clone()
	cdp.CollShares = synced.CollShares.Clone()
	m.ledger.SnapshotIndicesTo(cdp)

	if !synced.PendingDebt.IsZero() || !synced.PendingColl.IsZero() {
		m.totals.DefaultDebt = fpmath.Sub(m.totals.DefaultDebt, synced.PendingDebt)
		m.totals.DefaultColl = fpmath.Sub(m.totals.DefaultColl, synced.PendingColl)
		m.totals.ActiveDebt = fpmath.Add(m.totals.ActiveDebt, synced.PendingDebt)
		m.totals.ActiveColl = fpmath.Add(m.totals.ActiveColl, synced.PendingColl)
		cdp.Version++
	}
	if !synced.PendingFee.IsZero() {
		m.totals.ActiveColl = fpmath.Sub(m.totals.ActiveColl, synced.PendingFee)
		m.totals.FeeColl = fpmath.SubFloor(m.totals.FeeColl, synced.PendingFee)
		cdp.Version++
	}

	return synced, nil
}

// Adjust applies collateral and debt deltas to a synced position and
// recomputes its stake.
func (m *CdpManager) Adjust(id uuid.UUID, collDelta *uint256.Int, collIncrease bool, debtDelta *uint256.Int, debtIncrease bool) (*Cdp, error) {
	cdp, err := m.GetActive(id)
	if err != nil {
		return nil, err
	}
	m.requireSynced(cdp)

	newColl := cdp.CollShares.Clone()
	if collIncrease {
		newColl = fpmath.Add(newColl, collDelta)
	} else {
		if newColl.Lt(collDelta) {
			return nil, ErrInsufficientCollateral
		}
		newColl = fpmath.Sub(newColl, collDelta)
	}

	newDebt := cdp.Debt.Clone()
	if debtIncrease {
		newDebt = fpmath.Add(newDebt, debtDelta)
	} else {
		if newDebt.Lt(debtDelta) {
			return nil, ErrRepayExceedsDebt
		}
		newDebt = fpmath.Sub(newDebt, debtDelta)
	}

	m.touch(id)
	m.totals.ActiveColl = fpmath.Add(fpmath.Sub(m.totals.ActiveColl, cdp.CollShares), newColl)
	m.totals.ActiveDebt = fpmath.Add(fpmath.Sub(m.totals.ActiveDebt, cdp.Debt), newDebt)
	cdp.CollShares = newColl
	cdp.Debt = newDebt
	m.ledger.UpdateStakeAndTotals(cdp, newColl)
	cdp.Version++

	return cdp, nil
}

// Close removes a synced position from the active set. The stake is zeroed
// before the status flips. Returns the debt and collateral it held.
func (m *CdpManager) Close(id uuid.UUID, status CdpStatus) (debt, coll *uint256.Int, err error) {
	cdp, err := m.GetActive(id)
	if err != nil {
		return nil, nil, err
	}
	if !cdp.Status.CanTransitionTo(status) {
		return nil, nil, fmt.Errorf("invalid status transition: %s -> %s", cdp.Status, status)
	}
	m.requireSynced(cdp)

	m.touch(id)
	debt, coll = cdp.Debt, cdp.CollShares

	m.ledger.RemoveStake(cdp)
	m.totals.ActiveDebt = fpmath.Sub(m.totals.ActiveDebt, debt)
	m.totals.ActiveColl = fpmath.Sub(m.totals.ActiveColl, coll)

	cdp.Debt = fpmath.Zero()
	cdp.CollShares = fpmath.Zero()
	cdp.Status = status
	cdp.Version++
	m.removeActive(id)

	return debt.Clone(), coll.Clone(), nil
}

// ChargeStakingFee spreads fee over the current stakes. Returns false, and
// records nothing, when there is no stake to charge.
func (m *CdpManager) ChargeStakingFee(fee *uint256.Int) bool {
	if !m.ledger.ChargeFee(fee) {
		return false
	}
	m.totals.FeeColl = fpmath.Add(fpmath.Clone(m.totals.FeeColl), fee)
	return true
}

// AddToDefaultPool records a redistributed remainder awaiting sync.
func (m *CdpManager) AddToDefaultPool(debt, coll *uint256.Int) {
	m.totals.DefaultDebt = fpmath.Add(m.totals.DefaultDebt, debt)
	m.totals.DefaultColl = fpmath.Add(m.totals.DefaultColl, coll)
}

func (m *CdpManager) requireSynced(cdp *Cdp) {
	pendingDebt, pendingColl := m.ledger.PendingRewards(cdp)
	if !pendingDebt.IsZero() || !pendingColl.IsZero() || !m.ledger.PendingFee(cdp).IsZero() {
		panic(fmt.Sprintf("FATAL: cdp %s mutated with unsynced rewards", cdp.ID))
	}
}

// --- Views ---

func (m *CdpManager) Totals() PoolTotals {
	return m.totals.clone()
}

func (m *CdpManager) ActiveCount() int {
	return len(m.activeIDs)
}

// ActiveIDAt returns the i-th active id in storage order.
func (m *CdpManager) ActiveIDAt(i int) uuid.UUID {
	return m.activeIDs[i]
}

// ActiveIDs returns a copy of the active ids in storage order.
func (m *CdpManager) ActiveIDs() []uuid.UUID {
	out := make([]uuid.UUID, len(m.activeIDs))
	copy(out, m.activeIDs)
	return out
}

// OwnerNonce returns how many positions the owner has opened.
func (m *CdpManager) OwnerNonce(owner uuid.UUID) uint64 {
	return m.nonces[owner]
}

// All returns every position ever opened, sorted by id.
func (m *CdpManager) All() []*Cdp {
	out := make([]*Cdp, 0, len(m.cdps))
	for _, cdp := range m.cdps {
		out = append(out, cdp)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].ID[:]) < string(out[j].ID[:])
	})
	return out
}

// Nonces returns a copy of the owner nonce table.
func (m *CdpManager) Nonces() map[uuid.UUID]uint64 {
	out := make(map[uuid.UUID]uint64, len(m.nonces))
	for k, v := range m.nonces {
		out[k] = v
	}
	return out
}

// SumActive recomputes Σ debt and Σ collateral over Active positions.
func (m *CdpManager) SumActive() (debt, coll *uint256.Int) {
	debt, coll = fpmath.Zero(), fpmath.Zero()
	for _, id := range m.activeIDs {
		cdp := m.cdps[id]
		debt = fpmath.Add(debt, cdp.Debt)
		coll = fpmath.Add(coll, cdp.CollShares)
	}
	return debt, coll
}

// SumPending recomputes Σ pending rewards over Active positions.
func (m *CdpManager) SumPending() (debt, coll *uint256.Int) {
	debt, coll = fpmath.Zero(), fpmath.Zero()
	for _, id := range m.activeIDs {
		d, c := m.ledger.PendingRewards(m.cdps[id])
		debt = fpmath.Add(debt, d)
		coll = fpmath.Add(coll, c)
	}
	return debt, coll
}

// SumPendingFees recomputes Σ pending staking split fees over Active
// positions.
func (m *CdpManager) SumPendingFees() *uint256.Int {
	total := fpmath.Zero()
	for _, id := range m.activeIDs {
		total = fpmath.Add(total, m.ledger.PendingFee(m.cdps[id]))
	}
	return total
}

// Restore replaces the store contents (snapshot restore). Active ids are
// re-derived in the order given.
func (m *CdpManager) Restore(cdps []*Cdp, activeOrder []uuid.UUID, nonces map[uuid.UUID]uint64, totals PoolTotals) {
	m.cdps = make(map[uuid.UUID]*Cdp, len(cdps))
	for _, cdp := range cdps {
		m.cdps[cdp.ID] = cdp.Clone()
	}
	m.activeIDs = m.activeIDs[:0]
	m.activeIndex = make(map[uuid.UUID]int, len(activeOrder))
	for _, id := range activeOrder {
		m.activeIndex[id] = len(m.activeIDs)
		m.activeIDs = append(m.activeIDs, id)
	}
	m.nonces = make(map[uuid.UUID]uint64, len(nonces))
	for k, v := range nonces {
		m.nonces[k] = v
	}
	m.totals = totals.clone()
	m.undo = nil
}

func (m *CdpManager) addActive(id uuid.UUID) {
	m.touchMembership()
	m.activeIndex[id] = len(m.activeIDs)
	m.activeIDs = append(m.activeIDs, id)
}

// removeActive swap-deletes id from the random-access view.
func (m *CdpManager) removeActive(id uuid.UUID) {
	m.touchMembership()
	idx, ok := m.activeIndex[id]
	if !ok {
		return
	}
	last := len(m.activeIDs) - 1
	m.activeIDs[idx] = m.activeIDs[last]
	m.activeIndex[m.activeIDs[idx]] = idx
	m.activeIDs = m.activeIDs[:last]
	delete(m.activeIndex, id)
}

// --- Checkpointing ---

func (m *CdpManager) Checkpoint() {
	m.undo = &storeUndo{
		cdps:   make(map[uuid.UUID]*Cdp),
		nonces: make(map[uuid.UUID]nonceUndo),
		totals: m.totals.clone(),
	}
}

func (m *CdpManager) Rollback() {
	if m.undo == nil {
		return
	}
	for id, saved := range m.undo.cdps {
		if saved == nil {
			delete(m.cdps, id)
		} else {
			m.cdps[id] = saved
		}
	}
	for owner, saved := range m.undo.nonces {
		if saved.existed {
			m.nonces[owner] = saved.value
		} else {
			delete(m.nonces, owner)
		}
	}
	if m.undo.membership {
		m.activeIDs = m.undo.activeIDs
		m.activeIndex = m.undo.activeIndex
	}
	m.totals = m.undo.totals
	m.undo = nil
}

func (m *CdpManager) Commit() {
	m.undo = nil
}

func (m *CdpManager) touch(id uuid.UUID) {
	if m.undo == nil {
		return
	}
	if _, seen := m.undo.cdps[id]; seen {
		return
	}
	if cdp, ok := m.cdps[id]; ok {
		m.undo.cdps[id] = cdp.Clone()
	} else {
		m.undo.cdps[id] = nil
	}
}

func (m *CdpManager) touchNonce(owner uuid.UUID) {
	if m.undo == nil {
		return
	}
	if _, seen := m.undo.nonces[owner]; seen {
		return
	}
	v, ok := m.nonces[owner]
	m.undo.nonces[owner] = nonceUndo{value: v, existed: ok}
}

func (m *CdpManager) touchMembership() {
	if m.undo == nil || m.undo.membership {
		return
	}
	m.undo.membership = true
	m.undo.activeIDs = make([]uuid.UUID, len(m.activeIDs))
	copy(m.undo.activeIDs, m.activeIDs)
	m.undo.activeIndex = make(map[uuid.UUID]int, len(m.activeIndex))
	for k, v := range m.activeIndex {
		m.undo.activeIndex[k] = v
	}
}
