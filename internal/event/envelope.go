package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeFundCollateral
	EventTypeOpenCdp
	EventTypeAdjustCdp
	EventTypeCloseCdp
	EventTypeLiquidate
	EventTypeLiquidateBatch
	EventTypeLiquidateSequentially
	EventTypeRedeemCollateral
	EventTypeClaimSurplus
	EventTypeStabilityDeposit
	EventTypePriceUpdate
	EventTypeCollateralRebase
	EventTypeSweepParked
)

var eventTypeNames = map[EventType]string{
	EventTypeFundCollateral:        "FundCollateral",
	EventTypeOpenCdp:               "OpenCdp",
	EventTypeAdjustCdp:             "AdjustCdp",
	EventTypeCloseCdp:              "CloseCdp",
	EventTypeLiquidate:             "Liquidate",
	EventTypeLiquidateBatch:        "LiquidateBatch",
	EventTypeLiquidateSequentially: "LiquidateSequentially",
	EventTypeRedeemCollateral:      "RedeemCollateral",
	EventTypeClaimSurplus:          "ClaimSurplus",
	EventTypeStabilityDeposit:      "StabilityDeposit",
	EventTypePriceUpdate:           "PriceUpdate",
	EventTypeCollateralRebase:      "CollateralRebase",
	EventTypeSweepParked:           "SweepParked",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of String.
func ParseEventType(name string) (EventType, bool) {
	for et, n := range eventTypeNames {
		if n == name {
			return et, true
		}
	}
	return EventTypeUnknown, false
}

// Partitions with special sequencing rules.
const (
	// PartitionNone marks commands checked by idempotency only.
	PartitionNone = ""
	// PartitionPrice tolerates gaps and ignores stale sequences.
	PartitionPrice = "price"
	// PartitionCollateral carries collateral index updates.
	PartitionCollateral = "collateral"
)

// UserPartition is the strictly sequenced partition of one owner's commands.
func UserPartition(owner uuid.UUID) string {
	return "user:" + owner.String()
}

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Sequencing partition, empty for unsequenced commands
	Partition string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all inbound commands implement
type Event interface {
	IdempotencyKey() string
	EventType() EventType
	// Partition returns the sequencing partition (PartitionNone to skip).
	Partition() string
	SourceSequence() int64
	// EventTime is the versioned timestamp every time-dependent rule uses.
	EventTime() time.Time
}

// Header carries the fields every command shares.
type Header struct {
	CommandID   uuid.UUID `json:"command_id"` // Idempotency key
	Sequence    int64     `json:"sequence"`
	TimestampUs int64     `json:"timestamp_us"`
}

func (h Header) IdempotencyKey() string { return h.CommandID.String() }
func (h Header) SourceSequence() int64  { return h.Sequence }
func (h Header) EventTime() time.Time   { return time.UnixMicro(h.TimestampUs).UTC() }

// NewHeader builds a header for a command issued at the given time.
func NewHeader(commandID uuid.UUID, sequence int64, at time.Time) Header {
	return Header{CommandID: commandID, Sequence: sequence, TimestampUs: at.UnixMicro()}
}

// New returns an empty event of the given type, for decoding.
func New(et EventType) (Event, error) {
	switch et {
	case EventTypeFundCollateral:
		return &FundCollateral{}, nil
	case EventTypeOpenCdp:
		return &OpenCdp{}, nil
	case EventTypeAdjustCdp:
		return &AdjustCdp{}, nil
	case EventTypeCloseCdp:
		return &CloseCdp{}, nil
	case EventTypeLiquidate:
		return &Liquidate{}, nil
	case EventTypeLiquidateBatch:
		return &LiquidateBatch{}, nil
	case EventTypeLiquidateSequentially:
		return &LiquidateSequentially{}, nil
	case EventTypeRedeemCollateral:
		return &RedeemCollateral{}, nil
	case EventTypeClaimSurplus:
		return &ClaimSurplus{}, nil
	case EventTypeStabilityDeposit:
		return &StabilityDeposit{}, nil
	case EventTypePriceUpdate:
		return &PriceUpdate{}, nil
	case EventTypeCollateralRebase:
		return &CollateralRebase{}, nil
	case EventTypeSweepParked:
		return &SweepParked{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %d", et)
	}
}

// Encode serializes an event for the envelope payload.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// Decode is the inverse of Encode.
func Decode(et EventType, payload []byte) (Event, error) {
	evt, err := New(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
