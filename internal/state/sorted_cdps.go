package state

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// NICRSource yields the current synced nominal ratio of an Active position.
type NICRSource interface {
	SyncedNICR(id uuid.UUID) *uint256.Int
}

type listNode struct {
	prev uuid.UUID
	next uuid.UUID
}

// SortedCdps is a doubly-linked list of Active position ids ordered by
// descending synced NICR. Head is the safest position, tail the riskiest.
// Links live in an id-keyed arena; uuid.Nil terminates both ends.
//
// Positions with equal NICR keep insertion order: a new or reinserted id
// goes after every existing id of the same NICR. Ratios within
// max >> nicrDriftShift of each other count as equal, since floor-rounded
// redistribution rewards move equal-NICR positions of different size a few
// wei apart.
//
// Not thread-safe. Only accessed under the core's writer lock.
type SortedCdps struct {
	nodes         map[uuid.UUID]*listNode
	head          uuid.UUID
	tail          uuid.UUID
	size          int
	maxSize       int
	maxIterations int
	nicr          NICRSource

	undo *listUndo
}

// listUndo records pre-checkpoint copies of every node touched since
// Checkpoint. A nil entry means the node did not exist.
type listUndo struct {
	head  uuid.UUID
	tail  uuid.UUID
	size  int
	nodes map[uuid.UUID]*listNode
}

func NewSortedCdps(maxSize, maxIterations int, src NICRSource) *SortedCdps {
	return &SortedCdps{
		nodes:         make(map[uuid.UUID]*listNode),
		maxSize:       maxSize,
		maxIterations: maxIterations,
		nicr:          src,
	}
}

// Insert places id at its NICR slot, starting the search from the hints.
// Hints are untrusted: stale or wrong hints are corrected by a bounded walk.
func (s *SortedCdps) Insert(id uuid.UUID, nicr *uint256.Int, prevHint, nextHint uuid.UUID) error {
	if id == uuid.Nil {
		return ErrInvalidCdpID
	}
	if s.IsFull() {
		return ErrListFull
	}
	if s.Contains(id) {
		return ErrAlreadyInList
	}
	if nicr.IsZero() {
		return ErrZeroNICR
	}

	prev, next, err := s.FindInsertPosition(nicr, prevHint, nextHint)
	if err != nil {
		return err
	}

	s.link(id, prev, next)
	return nil
}

// Remove unlinks id.
func (s *SortedCdps) Remove(id uuid.UUID) error {
	node, ok := s.nodes[id]
	if !ok {
		return ErrNotInList
	}

	s.touch(id)
	if node.prev != uuid.Nil {
		s.touch(node.prev)
		s.nodes[node.prev].next = node.next
	} else {
		s.head = node.next
	}
	if node.next != uuid.Nil {
		s.touch(node.next)
		s.nodes[node.next].prev = node.prev
	} else {
		s.tail = node.prev
	}

	delete(s.nodes, id)
	s.size--
	return nil
}

// ReInsert moves id to the slot matching newNICR. On failure id is left at
// its previous position.
func (s *SortedCdps) ReInsert(id uuid.UUID, newNICR *uint256.Int, prevHint, nextHint uuid.UUID) error {
	node, ok := s.nodes[id]
	if !ok {
		return ErrNotInList
	}
	if newNICR.IsZero() {
		return ErrZeroNICR
	}

	oldPrev, oldNext := node.prev, node.next
	if err := s.Remove(id); err != nil {
		return err
	}

	prev, next, err := s.FindInsertPosition(newNICR, prevHint, nextHint)
	if err != nil {
		s.link(id, oldPrev, oldNext)
		return err
	}

	s.link(id, prev, next)
	return nil
}

// FindInsertPosition returns the (prev, next) pair between which a position
// with the given NICR belongs. Invalid hints are discarded; the walk from
// the surviving hint (or head) is bounded by maxIterations.
func (s *SortedCdps) FindInsertPosition(nicr *uint256.Int, prevHint, nextHint uuid.UUID) (uuid.UUID, uuid.UUID, error) {
	prev, next := prevHint, nextHint

	if prev != uuid.Nil && (!s.Contains(prev) || nicrAbove(nicr, s.nicrOf(prev))) {
		prev = uuid.Nil
	}
	if next != uuid.Nil && (!s.Contains(next) || !nicrAbove(nicr, s.nicrOf(next))) {
		next = uuid.Nil
	}

	switch {
	case prev == uuid.Nil && next == uuid.Nil:
		return s.descend(nicr, s.head)
	case prev == uuid.Nil:
		return s.ascend(nicr, next)
	default:
		return s.descend(nicr, prev)
	}
}

// ValidInsertPosition reports whether (prev, next) is the slot for nicr.
func (s *SortedCdps) ValidInsertPosition(nicr *uint256.Int, prev, next uuid.UUID) bool {
	switch {
	case prev == uuid.Nil && next == uuid.Nil:
		return s.size == 0
	case prev == uuid.Nil:
		return s.head == next && nicrAbove(nicr, s.nicrOf(next))
	case next == uuid.Nil:
		return s.tail == prev && !nicrAbove(nicr, s.nicrOf(prev))
	default:
		prevNode, ok := s.nodes[prev]
		return ok && prevNode.next == next &&
			!nicrAbove(nicr, s.nicrOf(prev)) &&
			nicrAbove(nicr, s.nicrOf(next))
	}
}

const nicrDriftShift = 32

// nicrAbove reports whether a exceeds b by more than rounding drift.
func nicrAbove(a, b *uint256.Int) bool {
	if !a.Gt(b) {
		return false
	}
	diff := new(uint256.Int).Sub(a, b)
	return diff.Gt(new(uint256.Int).Rsh(a, nicrDriftShift))
}

// descend walks toward the tail from start, where nicr(start) >= nicr.
func (s *SortedCdps) descend(nicr *uint256.Int, start uuid.UUID) (uuid.UUID, uuid.UUID, error) {
	if start == uuid.Nil {
		return uuid.Nil, uuid.Nil, nil
	}
	if start == s.head && nicrAbove(nicr, s.nicrOf(start)) {
		return uuid.Nil, start, nil
	}

	prev := start
	next := s.nodes[prev].next
	for i := 0; !s.ValidInsertPosition(nicr, prev, next); i++ {
		if i >= s.maxIterations {
			return uuid.Nil, uuid.Nil, ErrInsertIterationsExceeded
		}
		prev = next
		next = s.nodes[prev].next
	}
	return prev, next, nil
}

// ascend walks toward the head from start, where nicr(start) < nicr.
func (s *SortedCdps) ascend(nicr *uint256.Int, start uuid.UUID) (uuid.UUID, uuid.UUID, error) {
	next := start
	prev := s.nodes[next].prev
	for i := 0; !s.ValidInsertPosition(nicr, prev, next); i++ {
		if i >= s.maxIterations {
			return uuid.Nil, uuid.Nil, ErrInsertIterationsExceeded
		}
		next = prev
		prev = s.nodes[next].prev
	}
	return prev, next, nil
}

func (s *SortedCdps) link(id, prev, next uuid.UUID) {
	s.touch(id)
	s.nodes[id] = &listNode{prev: prev, next: next}

	if prev == uuid.Nil {
		s.head = id
	} else {
		s.touch(prev)
		s.nodes[prev].next = id
	}
	if next == uuid.Nil {
		s.tail = id
	} else {
		s.touch(next)
		s.nodes[next].prev = id
	}
	s.size++
}

func (s *SortedCdps) nicrOf(id uuid.UUID) *uint256.Int {
	return s.nicr.SyncedNICR(id)
}

// --- Views ---

func (s *SortedCdps) Contains(id uuid.UUID) bool {
	_, ok := s.nodes[id]
	return ok
}

func (s *SortedCdps) Size() int { return s.size }
func (s *SortedCdps) MaxSize() int { return s.maxSize }
func (s *SortedCdps) IsEmpty() bool { return s.size == 0 }
func (s *SortedCdps) IsFull() bool { return s.size >= s.maxSize }
func (s *SortedCdps) GetFirst() uuid.UUID { return s.head }
func (s *SortedCdps) GetLast() uuid.UUID { return s.tail }

// GetNext returns the next (riskier) id, or uuid.Nil at the tail.
func (s *SortedCdps) GetNext(id uuid.UUID) uuid.UUID {
	if node, ok := s.nodes[id]; ok {
		return node.next
	}
	return uuid.Nil
}

// GetPrev returns the previous (safer) id, or uuid.Nil at the head.
func (s *SortedCdps) GetPrev(id uuid.UUID) uuid.UUID {
	if node, ok := s.nodes[id]; ok {
		return node.prev
	}
	return uuid.Nil
}

// IDs returns the ids head to tail.
func (s *SortedCdps) IDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, s.size)
	for id := s.head; id != uuid.Nil; id = s.nodes[id].next {
		ids = append(ids, id)
	}
	return ids
}

// Validate walks the list checking link symmetry, size and ordering.
func (s *SortedCdps) Validate() error {
	count := 0
	prev := uuid.Nil
	var prevNICR *uint256.Int

	for id := s.head; id != uuid.Nil; {
		node, ok := s.nodes[id]
		if !ok {
			return fmt.Errorf("dangling link to %s", id)
		}
		if node.prev != prev {
			return fmt.Errorf("broken back link at %s: prev=%s want %s", id, node.prev, prev)
		}
		nicr := s.nicrOf(id)
		if prevNICR != nil && nicrAbove(nicr, prevNICR) {
			return fmt.Errorf("order violated at %s: nicr %s > previous %s", id, nicr.Dec(), prevNICR.Dec())
		}
		count++
		if count > s.size {
			return fmt.Errorf("cycle detected after %d nodes", count)
		}
		prev, prevNICR = id, nicr
		id = node.next
	}

	if prev != s.tail {
		return fmt.Errorf("tail mismatch: walked to %s, tail is %s", prev, s.tail)
	}
	if count != s.size || len(s.nodes) != s.size {
		return fmt.Errorf("size mismatch: walked %d, size %d, nodes %d", count, s.size, len(s.nodes))
	}
	return nil
}

// RestoreOrder rebuilds the list from a head-to-tail id slice (snapshot
// restore). The caller guarantees the order is already sorted.
func (s *SortedCdps) RestoreOrder(ids []uuid.UUID) {
	s.nodes = make(map[uuid.UUID]*listNode, len(ids))
	s.head, s.tail, s.size = uuid.Nil, uuid.Nil, 0
	s.undo = nil

	for _, id := range ids {
		s.link(id, s.tail, uuid.Nil)
	}
}

// --- Checkpointing ---

// Checkpoint starts recording an undo log for Rollback.
func (s *SortedCdps) Checkpoint() {
	s.undo = &listUndo{
		head:  s.head,
		tail:  s.tail,
		size:  s.size,
		nodes: make(map[uuid.UUID]*listNode),
	}
}

// Rollback restores the list to the last Checkpoint.
func (s *SortedCdps) Rollback() {
	if s.undo == nil {
		return
	}
	for id, saved := range s.undo.nodes {
		if saved == nil {
			delete(s.nodes, id)
		} else {
			s.nodes[id] = saved
		}
	}
	s.head, s.tail, s.size = s.undo.head, s.undo.tail, s.undo.size
	s.undo = nil
}

// Commit discards the undo log.
func (s *SortedCdps) Commit() {
	s.undo = nil
}

func (s *SortedCdps) touch(id uuid.UUID) {
	if s.undo == nil {
		return
	}
	if _, seen := s.undo.nodes[id]; seen {
		return
	}
	if node, ok := s.nodes[id]; ok {
		cp := *node
		s.undo.nodes[id] = &cp
	} else {
		s.undo.nodes[id] = nil
	}
}
