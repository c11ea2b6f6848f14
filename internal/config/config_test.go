package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"CdpLedger/internal/config"
	fpmath "CdpLedger/internal/math"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cdpledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// ============================================================================
// Test: Load layering
// ============================================================================

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.GRPC.Addr)
	assert.Equal(t, 50, cfg.Postgres.BatchSize)
	assert.Equal(t, "1.1", cfg.Protocol.MCR)
	assert.Equal(t, "0.01", cfg.Protocol.MinNetDebt)
	assert.False(t, cfg.Keeper.Enabled)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeTOML(t, `
[grpc]
addr = ":7000"

[protocol]
grace_period = "30m"
ccr = "1.5"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.GRPC.Addr)
	assert.Equal(t, 30*time.Minute, cfg.Protocol.GracePeriod)
	assert.Equal(t, ":8080", cfg.HTTP.Addr, "untouched sections keep defaults")

	params, err := cfg.Protocol.SystemParams()
	require.NoError(t, err)
	assert.Equal(t, fpmath.Percent(150), params.CCR)
	assert.Equal(t, fpmath.Percent(110), params.MCR)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeTOML(t, `
[postgres]
dsn = "postgres://file"
batch_size = 20
`)
	t.Setenv("CDP_POSTGRES_DSN", "postgres://env")
	t.Setenv("CDP_KEEPER_INTERVAL", "750ms")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env", cfg.Postgres.DSN)
	assert.Equal(t, 20, cfg.Postgres.BatchSize)
	assert.Equal(t, 750*time.Millisecond, cfg.Keeper.Interval)
}

func TestLoad_ShippedExampleFile(t *testing.T) {
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "cdpledger.toml"))
	require.NoError(t, err)
	assert.Equal(t, "cdpledger", cfg.Service.Name)
}

// ============================================================================
// Test: Validation
// ============================================================================

func TestLoad_Rejects(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown key", "[grpc]\nport = 1\n"},
		{"mcr above ccr", "[protocol]\nmcr = \"1.3\"\nccr = \"1.2\"\n"},
		{"malformed ratio", "[protocol]\nmcr = \"abc\"\n"},
		{"keeper without liquidator", "[keeper]\nenabled = true\n"},
		{"keeper with bad liquidator", "[keeper]\nenabled = true\nliquidator = \"bot\"\n"},
		{"zero batch size", "[postgres]\nbatch_size = 0\n"},
		{"bad operator", "[protocol]\noperator = \"ops\"\n"},
		{"fee floor above one", "[protocol]\nredemption_fee_floor = \"1.5\"\n"},
		{"no decay", "[protocol]\nminute_decay_factor = \"1\"\n"},
		{"zero beta", "[protocol]\nredemption_beta = 0\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeTOML(t, tc.body))
			assert.ErrorIs(t, err, config.ErrInvalidConfig)
		})
	}
}

func TestLoad_FeesAndOperator(t *testing.T) {
	path := writeTOML(t, `
[protocol]
redemption_fee_floor = "0.01"
staking_reward_split = "0.1"
operator = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	params, err := cfg.Protocol.SystemParams()
	require.NoError(t, err)
	assert.Equal(t, fpmath.Percent(1), params.RedemptionFeeFloor)
	assert.Equal(t, fpmath.Percent(10), params.StakingRewardSplit)
	assert.Equal(t, fpmath.MustParseAmount("999037758833783000"), params.MinuteDecayFactor)
	assert.Equal(t, uint64(2), params.RedemptionBeta)
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", params.Operator.String())
}

func TestLoad_NoOperatorByDefault(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	params, err := cfg.Protocol.SystemParams()
	require.NoError(t, err)
	assert.Equal(t, "00000000-0000-0000-0000-000000000000", params.Operator.String())
}

func TestLoad_MalformedFile(t *testing.T) {
	_, err := config.Load(writeTOML(t, "[grpc\naddr = "))
	assert.Error(t, err)
}

func TestKeeperLiquidatorID(t *testing.T) {
	k := config.KeeperConfig{Liquidator: "6ba7b810-9dad-11d1-80b4-00c04fd430c8"}
	id, err := k.LiquidatorID()
	require.NoError(t, err)
	assert.Equal(t, k.Liquidator, id.String())
}
