package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, 12*time.Hour, cfg.Sweep.Interval)
	assert.Equal(t, "platform", cfg.Sweep.PlatformOwner)
	assert.Equal(t, "0.02", cfg.Payout.FeeRate)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  addr: ":9090"
webhook:
  secret: topsecret
  confirmations:
    ETH: 20
sweep:
  admin_wallets:
    BTC: bc1qadmin
payout:
  hot_wallets:
    BTC:
      address: bc1qhot
      signing_ref: sig-1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "topsecret", cfg.Webhook.Secret)
	assert.Equal(t, 20, cfg.Webhook.Confirmations["ETH"])
	assert.Equal(t, "bc1qadmin", cfg.Sweep.AdminWallets["BTC"])
	assert.Equal(t, "bc1qhot", cfg.Payout.HotWallets["BTC"].Address)
	// defaults survive partial files
	assert.Equal(t, 30*time.Minute, cfg.Reconcile.Interval)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CUSTODIAN_SERVER_ADDR", ":7070")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
}
