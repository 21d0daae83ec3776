package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("PRIVATE_KEY", testKey)
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultNetwork, cfg.Network)
	assert.Equal(t, DefaultMinConfirms, cfg.MinConfirmations)
	assert.Equal(t, DefaultConfirmInterval, cfg.ConfirmInterval)
	assert.Equal(t, DefaultAdvisorTimeout, cfg.AdvisorTimeout)
}

func TestLoad_MissingPrivateKey(t *testing.T) {
	t.Setenv("PRIVATE_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRIVATE_KEY")
}

func TestLoad_PrivateKeyWithPrefix(t *testing.T) {
	t.Setenv("PRIVATE_KEY", "0x"+testKey)

	_, err := Load()
	assert.NoError(t, err)
}

func TestLoad_BadPrivateKeyLength(t *testing.T) {
	t.Setenv("PRIVATE_KEY", "deadbeef")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_UnknownNetwork(t *testing.T) {
	setRequired(t)
	t.Setenv("NETWORK", "SOLANA")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NETWORK")
}

func TestLoad_NetworkIsUppercased(t *testing.T) {
	setRequired(t)
	t.Setenv("NETWORK", "polygon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "POLYGON", cfg.Network)
}

func TestLoad_DurationOverride(t *testing.T) {
	setRequired(t)
	t.Setenv("CONFIRM_TIMEOUT", "2m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.ConfirmTimeout)
}

func TestLoad_ProductionBlocksInternalAdvisor(t *testing.T) {
	setRequired(t)
	t.Setenv("ENV", "production")
	t.Setenv("ADVISOR_URL", "http://localhost:9999/v1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADVISOR_URL")
}

func TestLoad_ProductionBlocksPrivateRPC(t *testing.T) {
	setRequired(t)
	t.Setenv("ENV", "production")
	t.Setenv("ADVISOR_URL", "https://8.8.8.8/v1")
	t.Setenv("POLYGON_RPC_1", "http://10.0.0.5:8545")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RPC endpoint")
}

func TestRPCURLs(t *testing.T) {
	setRequired(t)
	t.Setenv("POLYGON_RPC_1", "https://rpc-a.example")
	t.Setenv("POLYGON_RPC_2", "https://rpc-b.example")

	cfg, err := Load()
	require.NoError(t, err)

	urls := cfg.RPCURLs("polygon")
	require.Len(t, urls, 2)
	assert.True(t, strings.HasPrefix(urls[0], "https://rpc-a"))

	assert.Nil(t, cfg.RPCURLs("unknown"))
}
