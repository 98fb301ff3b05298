package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_SECRET", strings.Repeat("s", 32))
	t.Setenv("RPC_URL", "https://sepolia.base.org")
}

func TestLoadDefaults(t *testing.T) {
	validEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultPresignTTL, cfg.PresignTTL)
	assert.False(t, cfg.WatcherEnabled())
	assert.False(t, cfg.BlobEnabled())
	assert.False(t, cfg.IsProduction())
}

func TestLoadRequiresAuthSecret(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("RPC_URL", "https://sepolia.base.org")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_SECRET")
}

func TestLoadRejectsShortSecret(t *testing.T) {
	t.Setenv("AUTH_SECRET", "short")
	t.Setenv("RPC_URL", "https://sepolia.base.org")
	_, err := Load()
	require.Error(t, err)
}

func TestAllowlistParsing(t *testing.T) {
	validEnv(t)
	t.Setenv("ADMIN_ALLOWLIST", "0xabc, 0xdef ,,0x123")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"0xabc", "0xdef", "0x123"}, cfg.AdminAllowlist)
	assert.Nil(t, cfg.SuperAdminAllowlist)
}

func TestWatcherAndBlobToggles(t *testing.T) {
	validEnv(t)
	t.Setenv("ESCROW_CONTRACT", "0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	t.Setenv("BLOB_BUCKET", "evidence")
	t.Setenv("BLOB_ACCESS_KEY", "key")
	t.Setenv("BLOB_SECRET_KEY", "secret")
	t.Setenv("POLL_INTERVAL", "3s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.WatcherEnabled())
	assert.True(t, cfg.BlobEnabled())
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
}
