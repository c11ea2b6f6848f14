package persistence_test

import (
	"context"
	"testing"
	"time"

	"CdpLedger/internal/core"
	"CdpLedger/internal/persistence"
	"CdpLedger/internal/testutil"
	"CdpLedger/migrations"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSchema(t *testing.T) (*persistence.SnapshotManager, *persistence.EventLogWriter, func()) {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	_, err := persistence.NewMigrator(db, migrations.FS, zerolog.Nop()).Up(context.Background())
	require.NoError(t, err)
	return persistence.NewSnapshotManager(db), persistence.NewEventLogWriter(db), cleanup
}

// ============================================================================
// Test: Event log round trip
// ============================================================================

func TestEventLog_WriteIsIdempotent(t *testing.T) {
	sm, w, cleanup := setupSchema(t)
	defer cleanup()
	ctx := context.Background()

	outputs := scenario(t)
	records := make([]persistence.Record, len(outputs))
	for i, out := range outputs {
		records[i] = persistence.NewRecord(out)
	}

	require.NoError(t, w.WriteBatch(ctx, records))
	require.NoError(t, w.WriteBatch(ctx, records), "rewriting a batch is a no-op")

	latest, err := sm.LatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(outputs)-1), latest)

	rows, err := sm.LoadEventsFrom(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, rows, len(outputs))
	assert.True(t, rows[4].Rejection.Valid)
	assert.Equal(t, records[3].Event.StateHash, rows[3].StateHash)
}

// ============================================================================
// Test: Recovery
// ============================================================================

func TestRecover_SnapshotPlusTail(t *testing.T) {
	sm, w, cleanup := setupSchema(t)
	defer cleanup()
	ctx := context.Background()

	persist := make(chan core.CoreOutput, 64)
	live := core.NewCdpCore(core.CoreConfig{PersistChan: persist})
	s := testutil.NewScript(genesis)
	alice := uuid.New()

	_, err := live.ProcessEvent(s.Price(testutil.E18(1)))
	require.NoError(t, err)
	_, err = live.ProcessEvent(s.Fund(alice, testutil.E18(100)))
	require.NoError(t, err)

	snapshotter := persistence.NewSnapshotter(sm, live, func() int64 { return 1 }, time.Hour, 0, nil, zerolog.Nop())
	saved, err := snapshotter.TakeSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, saved)

	_, err = live.ProcessEvent(s.Open(alice, testutil.E18(30), testutil.E18(10)))
	require.NoError(t, err)

	close(persist)
	var records []persistence.Record
	for out := range persist {
		records = append(records, persistence.NewRecord(out))
	}
	require.NoError(t, w.WriteBatch(ctx, records))

	restored := core.NewCdpCore(core.CoreConfig{})
	res, err := persistence.Recover(ctx, sm, restored, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.SnapshotSequence)
	assert.Equal(t, int64(1), res.Replayed)
	assert.Equal(t, live.GetSequence(), res.NextSequence)
	assert.Equal(t, live.GetStateHash(), restored.GetStateHash())
}

func TestSnapshotter_DefersUntilDurable(t *testing.T) {
	sm, _, cleanup := setupSchema(t)
	defer cleanup()

	c := core.NewCdpCore(core.CoreConfig{})
	s := testutil.NewScript(genesis)
	_, err := c.ProcessEvent(s.Price(testutil.E18(1)))
	require.NoError(t, err)

	durable := int64(-1)
	snapshotter := persistence.NewSnapshotter(sm, c, func() int64 { return durable }, time.Hour, 0, nil, zerolog.Nop())

	saved, err := snapshotter.TakeSnapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, saved)

	durable = 0
	saved, err = snapshotter.TakeSnapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, saved)

	snap, err := sm.LoadLatest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(0), snap.Sequence)
}
