package core

import (
	"fmt"

	"CdpLedger/internal/event"
	"CdpLedger/internal/observability"
)

// SequenceValidator enforces per-partition source ordering. User
// partitions are strict; the price partition tolerates gaps.
// Only accessed under the core's writer lock.
type SequenceValidator struct {
	expectedNextSeq map[string]int64
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

// Check validates sourceSequence without advancing the partition.
// Duplicates below the expected sequence pass so the caller can skip them.
func (sv *SequenceValidator) Check(partition string, sourceSequence int64, isDuplicate bool) error {
	if partition == event.PartitionNone {
		return nil
	}
	expected := sv.expectedNextSeq[partition]

	if partition == event.PartitionPrice {
		if sourceSequence < expected && !isDuplicate {
			return fmt.Errorf("%w: round %d, latest accepted %d", ErrStalePrice, sourceSequence, expected-1)
		}
		if sourceSequence > expected && expected > 0 && sv.metrics != nil {
			sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
		}
		return nil
	}

	switch {
	case sourceSequence < expected:
		if isDuplicate {
			return nil
		}
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d", ErrOutOfOrder, partition, expected, sourceSequence)
	case sourceSequence > expected:
		if sv.metrics != nil {
			sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d", ErrSequenceGap, partition, expected, sourceSequence)
	}
	return nil
}

// Advance records sourceSequence as consumed.
func (sv *SequenceValidator) Advance(partition string, sourceSequence int64) {
	if partition == event.PartitionNone {
		return
	}
	if next := sourceSequence + 1; next > sv.expectedNextSeq[partition] {
		sv.expectedNextSeq[partition] = next
	}
}

func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// Partitions returns a copy of the partition table for snapshots.
func (sv *SequenceValidator) Partitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

func (sv *SequenceValidator) RestorePartition(partition string, nextSeq int64) {
	sv.expectedNextSeq[partition] = nextSeq
}
