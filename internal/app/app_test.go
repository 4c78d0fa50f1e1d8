package app

import (
	"context"
	"testing"

	"skewhunter/internal/config"
	"skewhunter/internal/execution"
	"skewhunter/internal/feed"
	"skewhunter/internal/notify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEnvCredentials(t *testing.T) {
	t.Setenv(EnvUpstoxToken, "up-token")
	t.Setenv(EnvDhanToken, "dhan-token")
	t.Setenv(EnvDhanClient, "1100223344")

	creds := EnvCredentials()
	assert.Equal(t, "up-token", creds[execution.BrokerUpstox].AccessToken)
	assert.Equal(t, "dhan-token", creds[execution.BrokerDhan].AccessToken)
	assert.Equal(t, "1100223344", creds[execution.BrokerDhan].ClientID)
}

func TestMarketProvider(t *testing.T) {
	cfg := config.Default()
	p, err := marketProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, "simulated", p.Name())

	cfg.Feed.Provider = "http"
	cfg.Feed.BaseURL = "http://localhost:9000"
	p, err = marketProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, "http", p.Name())

	cfg.Feed.Provider = "carrier-pigeon"
	_, err = marketProvider(cfg)
	assert.Error(t, err)
}

func TestFileCacheBackend(t *testing.T) {
	cfg := config.Default().Cache
	cfg.Path = t.TempDir() + "/cache.json"

	b, closeFn, err := cacheBackend(context.Background(), cfg)
	require.NoError(t, err)
	defer closeFn()
	assert.Equal(t, feed.FileBackend{Path: cfg.Path}, b)
}

func TestTelegramNotifier(t *testing.T) {
	cfg := config.Default()
	assert.Nil(t, telegramNotifier(cfg, zap.NewNop()))

	cfg.Notify.Enabled = true
	t.Setenv(EnvTelegramToken, "")
	assert.Nil(t, telegramNotifier(cfg, zap.NewNop()), "no token")

	t.Setenv(EnvTelegramToken, "123:abc")
	t.Setenv(EnvTelegramChat, " 111, ,222")
	n := telegramNotifier(cfg, zap.NewNop())
	require.NotNil(t, n)
	assert.IsType(t, &notify.Telegram{}, n)
}
