package state

import (
	"math"
	"math/rand/v2"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// HintFinder produces approximate insertion hints for SortedCdps. Its
// output is never trusted: SortedCdps re-validates every hint.
type HintFinder struct {
	store  *CdpManager
	sorted *SortedCdps
}

// ApproxHint is the closest node a HintFinder run found.
type ApproxHint struct {
	ID       uuid.UUID
	Diff     *uint256.Int // |NICR(ID) - target|
	NextSeed uint64
}

func NewHintFinder(store *CdpManager, sorted *SortedCdps) *HintFinder {
	return &HintFinder{store: store, sorted: sorted}
}

// GetApproxHint runs numTrials random restarts from existing nodes. Each
// restart walks up to sqrt(N) steps toward the target and keeps the closest
// node seen. The search starts from the tail. The returned NextSeed lets
// callers chain runs reproducibly.
func (h *HintFinder) GetApproxHint(nicr *uint256.Int, numTrials int, seed uint64) ApproxHint {
	n := h.store.ActiveCount()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	if n == 0 {
		return ApproxHint{ID: uuid.Nil, Diff: new(uint256.Int), NextSeed: rng.Uint64()}
	}

	best := h.sorted.GetLast()
	if best == uuid.Nil {
		return ApproxHint{ID: uuid.Nil, Diff: new(uint256.Int), NextSeed: rng.Uint64()}
	}
	bestDiff := absDiff(h.store.SyncedNICR(best), nicr)
	walk := int(math.Sqrt(float64(n))) + 1

	for trial := 0; trial < numTrials && !bestDiff.IsZero(); trial++ {
		id := h.store.ActiveIDAt(rng.IntN(n))
		if !h.sorted.Contains(id) {
			continue
		}
		// Higher NICR sits toward the head.
		towardHead := h.store.SyncedNICR(id).Lt(nicr)
		for step := 0; step < walk && id != uuid.Nil; step++ {
			current := h.store.SyncedNICR(id)
			if d := absDiff(current, nicr); d.Lt(bestDiff) {
				best, bestDiff = id, d
			}
			if towardHead != current.Lt(nicr) {
				break
			}
			if towardHead {
				id = h.sorted.GetPrev(id)
			} else {
				id = h.sorted.GetNext(id)
			}
		}
	}

	return ApproxHint{ID: best, Diff: bestDiff, NextSeed: rng.Uint64()}
}

// FindInsertHints turns an approximate hint into a (prev, next) pair that
// SortedCdps accepts without a long walk.
func (h *HintFinder) FindInsertHints(nicr *uint256.Int, numTrials int, seed uint64) (prev, next uuid.UUID, nextSeed uint64, err error) {
	approx := h.GetApproxHint(nicr, numTrials, seed)
	prev, next, err = h.sorted.FindInsertPosition(nicr, approx.ID, approx.ID)
	return prev, next, approx.NextSeed, err
}

func absDiff(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Sub(b, a)
	}
	return new(uint256.Int).Sub(a, b)
}
