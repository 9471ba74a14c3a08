package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trove.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TROVE_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)

	p, err := cfg.Params()
	require.NoError(t, err)
	assert.Equal(t, fpmath.Percent(110), p.MCR)
	assert.Equal(t, fpmath.Percent(130), p.CCR)
	assert.Equal(t, fpmath.Units(200), p.GasCompensation)
	assert.Equal(t, uint64(200), p.PercentDivisor)
	assert.Equal(t, int64(3_600_000_000), p.MaxPriceAge)
	assert.Len(t, p.Collaterals, 4)
	assert.Equal(t, 10*time.Millisecond, cfg.PersistFlushTimeout)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
nats_url = "nats://nats:4222"
persist_batch_size = 200
persist_flush_timeout = "25ms"

[log]
level = "debug"

[risk]
mcr = "1.5"
ccr = "2"
collaterals = ["wbtc", "WETH"]
max_price_age = "30s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://nats:4222", cfg.NATSURL)
	assert.Equal(t, 200, cfg.PersistBatchSize)
	assert.Equal(t, 25*time.Millisecond, cfg.PersistFlushTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)

	p, err := cfg.Params()
	require.NoError(t, err)
	assert.Equal(t, fpmath.Percent(150), p.MCR)
	assert.Equal(t, fpmath.Units(2), p.CCR)
	assert.Equal(t, []ledger.AssetID{ledger.AssetWETH, ledger.AssetWBTC}, p.Collaterals)
	assert.Equal(t, int64(30_000_000), p.MaxPriceAge)
	// untouched keys keep their defaults
	assert.Equal(t, fpmath.Units(1800), p.MinNetDebt)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `http_addr = ":8000"`)
	t.Setenv("TROVE_HTTP_ADDR", ":8181")
	t.Setenv("TROVE_SNAPSHOT_INTERVAL", "500")
	t.Setenv("TROVE_COLLATERALS", "WETH")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8181", cfg.HTTPAddr)
	assert.Equal(t, int64(500), cfg.SnapshotInterval)
	assert.Equal(t, []string{"WETH"}, cfg.Risk.Collaterals)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{"unknown key", `persist_batchsize = 10`, nil},
		{"ccr below mcr", "[risk]\nmcr = \"1.5\"\nccr = \"1.2\"", nil},
		{"usde collateral", "[risk]\ncollaterals = [\"USDE\"]", nil},
		{"unknown collateral", "[risk]\ncollaterals = [\"DOGE\"]", nil},
		{"bad ratio", "[risk]\nmcr = \"abc\"", nil},
		{"zero batch", `persist_batch_size = 0`, nil},
		{"bad env int", ``, map[string]string{"TROVE_PERSIST_BATCH_SIZE": "many"}},
		{"bad env duration", ``, map[string]string{"TROVE_MAX_PRICE_AGE": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
