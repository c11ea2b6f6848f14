package state_test

import (
	"testing"
	"time"

	"CdpLedger/internal/state"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestGracePeriod_Transitions(t *testing.T) {
	g := state.NewGracePeriod(15 * time.Minute)
	assert.IsType(t, state.NoCooldown{}, g.State())

	assert.Equal(t, state.GraceUnchanged, g.Sync(false, t0))
	assert.Equal(t, state.GraceStarted, g.Sync(true, t0))
	assert.Equal(t, state.CoolingDown{Since: t0}, g.State())

	// Staying in Recovery Mode keeps the original start.
	assert.Equal(t, state.GraceUnchanged, g.Sync(true, t0.Add(time.Minute)))
	assert.Equal(t, state.CoolingDown{Since: t0}, g.State())

	assert.Equal(t, state.GraceEnded, g.Sync(false, t0.Add(2*time.Minute)))
	assert.IsType(t, state.NoCooldown{}, g.State())
}

func TestGracePeriod_IsElapsedBoundary(t *testing.T) {
	g := state.NewGracePeriod(15 * time.Minute)
	g.Sync(true, t0)

	assert.False(t, g.IsElapsed(t0, true))
	assert.False(t, g.IsElapsed(t0.Add(15*time.Minute-time.Nanosecond), true))
	assert.True(t, g.IsElapsed(t0.Add(15*time.Minute), true))

	at, ok := g.ElapsesAt()
	assert.True(t, ok)
	assert.Equal(t, t0.Add(15*time.Minute), at)
}

func TestGracePeriod_NoCooldown(t *testing.T) {
	g := state.NewGracePeriod(15 * time.Minute)

	assert.True(t, g.IsElapsed(t0, false))
	// Recovery Mode observed before any Sync: the cooldown has not started.
	assert.False(t, g.IsElapsed(t0, true))

	_, ok := g.ElapsesAt()
	assert.False(t, ok)
}

func TestGracePeriod_RestoreNil(t *testing.T) {
	g := state.NewGracePeriod(time.Minute)
	g.Sync(true, t0)
	g.Restore(nil)
	assert.IsType(t, state.NoCooldown{}, g.State())
}
