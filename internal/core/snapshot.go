package core

import (
	"fmt"
	"time"

	"CdpLedger/internal/event"
	"CdpLedger/internal/ledger"
	"CdpLedger/internal/pricefeed"
	"CdpLedger/internal/stabilitypool"
	"CdpLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SnapshotState is the serializable in-memory state of the core.
// Restoring it and replaying the events after Sequence reproduces the
// live state exactly.
type SnapshotState struct {
	Sequence        int64                     `json:"sequence"` // last processed sequence
	StateHash       [32]byte                  `json:"state_hash"`
	Balances        map[string]string         `json:"balances"` // account path -> signed decimal
	Cdps            []*state.Cdp              `json:"cdps"`
	ActiveOrder     []uuid.UUID               `json:"active_order"`
	SortedOrder     []uuid.UUID               `json:"sorted_order"`
	Nonces          map[uuid.UUID]uint64      `json:"nonces"`
	Totals          state.PoolTotals          `json:"totals"`
	Redistribution  state.RedistributionState `json:"redistribution"`
	Grace           GraceSnapshot             `json:"grace"`
	Fees            state.FeeState            `json:"fees"`
	StabilityPool   stabilitypool.State       `json:"stability_pool"`
	ShareIndex      *uint256.Int              `json:"share_index"`
	PriceFeed       pricefeed.State           `json:"price_feed"`
	Partitions      map[string]int64          `json:"partitions"`
	IdempotencyKeys []string                  `json:"idempotency_keys"`
}

type GraceSnapshot struct {
	CoolingDown bool      `json:"cooling_down"`
	Since       time.Time `json:"since,omitzero"`
}

// CreateSnapshotState captures the current state for persistence.
func (c *CdpCore) CreateSnapshotState() *SnapshotState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	balances := make(map[string]string)
	for key, v := range c.balances.Snapshot() {
		balances[key.AccountPath()] = ledger.FormatSigned(v)
	}

	var grace GraceSnapshot
	if cd, ok := c.grace.State().(state.CoolingDown); ok {
		grace = GraceSnapshot{CoolingDown: true, Since: cd.Since}
	}

	cdps := c.store.All()
	clones := make([]*state.Cdp, len(cdps))
	for i, cdp := range cdps {
		clones[i] = cdp.Clone()
	}

	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.chain.current(),
		Balances:        balances,
		Cdps:            clones,
		ActiveOrder:     c.store.ActiveIDs(),
		SortedOrder:     c.sorted.IDs(),
		Nonces:          c.store.Nonces(),
		Totals:          c.store.Totals(),
		Redistribution:  c.redistribution.State(),
		Grace:           grace,
		Fees:            c.fees.State(),
		StabilityPool:   c.pool.State(),
		ShareIndex:      c.shareIndex.Index(),
		PriceFeed:       c.feed.State(),
		Partitions:      c.sequenceValidator.Partitions(),
		IdempotencyKeys: c.idempotency.lru.Keys(),
	}
}

// RestoreFromSnapshot loads snap into a core that has processed nothing.
// The registry is validated before the core accepts events.
func (c *CdpCore) RestoreFromSnapshot(snap *SnapshotState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.store.All()) > 0 || c.sorted.Size() > 0 {
		return ErrRestoreNonEmpty
	}

	balances := make(map[ledger.AccountKey]*uint256.Int, len(snap.Balances))
	for path, s := range snap.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return fmt.Errorf("restore balances: %w", err)
		}
		v, err := ledger.ParseSigned(s)
		if err != nil {
			return fmt.Errorf("restore balance %s: %w", path, err)
		}
		balances[key] = v
	}
	if err := c.shareIndex.Restore(snap.ShareIndex); err != nil {
		return err
	}

	c.balances.Restore(balances)
	c.redistribution.Restore(snap.Redistribution)
	c.store.Restore(snap.Cdps, snap.ActiveOrder, snap.Nonces, snap.Totals)
	c.sorted.RestoreOrder(snap.SortedOrder)
	if snap.Grace.CoolingDown {
		c.grace.Restore(state.CoolingDown{Since: snap.Grace.Since})
	} else {
		c.grace.Restore(state.NoCooldown{})
	}
	c.fees.Restore(snap.Fees)
	c.pool.Restore(snap.StabilityPool)
	c.feed.Restore(snap.PriceFeed)
	for partition, next := range snap.Partitions {
		c.sequenceValidator.RestorePartition(partition, next)
	}
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	if err := c.sorted.Validate(); err != nil {
		return fmt.Errorf("restored registry invalid: %w", err)
	}

	c.sequence = snap.Sequence + 1
	c.chain.resume(snap.StateHash)
	_, at, _ := c.feed.Last()
	c.lastStatus = c.systemStatus(at)
	return nil
}

// BeginReplay switches the core into log replay: duplicate checks skip
// the event log and outputs are not sent for persistence.
func (c *CdpCore) BeginReplay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaying = true
}

func (c *CdpCore) EndReplay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaying = false
}

// WarmLRU loads recent idempotency keys, oldest first.
func (c *CdpCore) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.lru.WarmFromKeys(keys)
}

// LastStatusAt recomputes the aggregate view for a time, for callers
// that need TCR against a fresher clock than the last event.
func (c *CdpCore) LastStatusAt(at time.Time) event.SystemStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.systemStatus(at)
}
