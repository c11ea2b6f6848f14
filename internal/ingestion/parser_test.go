package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"CdpLedger/internal/event"
	"CdpLedger/internal/ingestion"
	fpmath "CdpLedger/internal/math"
	"CdpLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var receivedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func rawFromJSON(t *testing.T, eventType string, v any) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return ingestion.RawEvent{
		Subject:    ingestion.CommandSubjectPrefix + eventType,
		Data:       data,
		ReceivedAt: receivedAt,
	}
}

const (
	commandID = "550e8400-e29b-41d4-a716-446655440000"
	ownerID   = "660e8400-e29b-41d4-a716-446655440001"
	cdpID     = "770e8400-e29b-41d4-a716-446655440002"
)

// ============================================================================
// Test: Command decoding
// ============================================================================

func TestParseOpenCdp(t *testing.T) {
	raw := rawFromJSON(t, "OpenCdp", map[string]any{
		"command_id":   commandID,
		"sequence":     3,
		"timestamp_us": int64(1700000000000000),
		"owner":        ownerID,
		"debt":         "2.5",
		"coll_shares":  "40",
		"next_hint":    cdpID,
	})

	evt, err := ingestion.ParseRawEvent(raw)
	require.NoError(t, err)

	open, ok := evt.(*event.OpenCdp)
	require.True(t, ok, "got %T", evt)
	assert.Equal(t, commandID, open.IdempotencyKey())
	assert.Equal(t, int64(3), open.SourceSequence())
	assert.Equal(t, time.UnixMicro(1700000000000000).UTC(), open.EventTime())
	assert.Equal(t, uuid.MustParse(ownerID), open.Owner)
	assert.Equal(t, testutil.Amount("2.5"), open.Debt)
	assert.Equal(t, testutil.E18(40), open.CollShares)
	assert.Equal(t, uuid.Nil, open.Prev)
	assert.Equal(t, uuid.MustParse(cdpID), open.Next)
	assert.Equal(t, event.UserPartition(open.Owner), open.Partition())
}

func TestParseAdjustCdp_OptionalDeltas(t *testing.T) {
	raw := rawFromJSON(t, "AdjustCdp", map[string]any{
		"command_id":    commandID,
		"sequence":      4,
		"cdp_id":        cdpID,
		"owner":         ownerID,
		"debt_delta":    "0.000000000000000001",
		"debt_increase": true,
	})

	evt, err := ingestion.ParseRawEvent(raw)
	require.NoError(t, err)

	adj := evt.(*event.AdjustCdp)
	assert.True(t, adj.CollDelta.IsZero())
	assert.Equal(t, uint64(1), adj.DebtDelta.Uint64())
	assert.True(t, adj.DebtIncrease)
	assert.Equal(t, receivedAt, adj.EventTime(), "missing timestamp takes the receive time")
}

func TestParseLiquidateBatch(t *testing.T) {
	other := uuid.New()
	raw := rawFromJSON(t, "LiquidateBatch", map[string]any{
		"command_id": commandID,
		"cdp_ids":    []string{cdpID, other.String()},
		"liquidator": ownerID,
	})

	evt, err := ingestion.ParseRawEvent(raw)
	require.NoError(t, err)

	batch := evt.(*event.LiquidateBatch)
	assert.Equal(t, []uuid.UUID{uuid.MustParse(cdpID), other}, batch.CdpIDs)
	assert.Equal(t, event.PartitionNone, batch.Partition())
}

func TestParsePriceUpdate(t *testing.T) {
	raw := rawFromJSON(t, "PriceUpdate", map[string]any{
		"command_id": commandID,
		"sequence":   17,
		"price":      "0.0712",
	})

	evt, err := ingestion.ParseRawEvent(raw)
	require.NoError(t, err)

	pu := evt.(*event.PriceUpdate)
	assert.Equal(t, testutil.Amount("0.0712"), pu.Price)
	assert.Equal(t, event.PartitionPrice, pu.Partition())
}

// ============================================================================
// Test: Rejected input
// ============================================================================

func TestParse_UnknownSubject(t *testing.T) {
	raw := rawFromJSON(t, "Teleport", map[string]any{"command_id": commandID})
	_, err := ingestion.ParseRawEvent(raw)
	assert.ErrorIs(t, err, ingestion.ErrUnknownSubject)

	raw.Subject = "other.commands.OpenCdp"
	_, err = ingestion.ParseRawEvent(raw)
	assert.ErrorIs(t, err, ingestion.ErrUnknownSubject)
}

func TestParse_MissingCommandID(t *testing.T) {
	raw := rawFromJSON(t, "ClaimSurplus", map[string]any{"owner": ownerID})
	_, err := ingestion.ParseRawEvent(raw)
	assert.ErrorIs(t, err, ingestion.ErrMissingCommandID)
}

func TestParse_MissingRequiredField(t *testing.T) {
	raw := rawFromJSON(t, "FundCollateral", map[string]any{
		"command_id": commandID,
		"owner":      ownerID,
	})
	_, err := ingestion.ParseRawEvent(raw)
	require.ErrorIs(t, err, ingestion.ErrMissingField)
	assert.Contains(t, err.Error(), "shares")
}

func TestParse_BadAmounts(t *testing.T) {
	for _, amount := range []string{"-1", "abc", "1e80"} {
		raw := rawFromJSON(t, "StabilityDeposit", map[string]any{
			"command_id": commandID,
			"depositor":  ownerID,
			"amount":     amount,
		})
		_, err := ingestion.ParseRawEvent(raw)
		assert.Error(t, err, amount)
	}
}

func TestParse_AmountAboveCap(t *testing.T) {
	parse := func(amount string) error {
		raw := rawFromJSON(t, "FundCollateral", map[string]any{
			"command_id": commandID,
			"owner":      ownerID,
			"shares":     amount,
		})
		_, err := ingestion.ParseRawEvent(raw)
		return err
	}

	// 1e30 units is 1e48 base units, past 2^128.
	err := parse("1000000000000000000000000000000")
	require.ErrorIs(t, err, fpmath.ErrAmountTooLarge)
	assert.Contains(t, err.Error(), "shares")

	require.NoError(t, parse("100000000000000000000"))
}

func TestParse_MalformedJSON(t *testing.T) {
	raw := ingestion.RawEvent{Subject: ingestion.CommandSubjectPrefix + "CloseCdp", Data: []byte(`{"owner":`)}
	_, err := ingestion.ParseRawEvent(raw)
	assert.Error(t, err)
}

func TestCommandToEvent_GeneratesCommandID(t *testing.T) {
	cmd := ingestion.Command{Owner: ownerID}
	evt, err := cmd.ToEvent(event.EventTypeClaimSurplus, receivedAt)
	require.NoError(t, err)

	_, err = uuid.Parse(evt.IdempotencyKey())
	assert.NoError(t, err)
}
