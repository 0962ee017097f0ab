package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	Cfg = Settings{}
	require.NoError(t, Load())

	assert.Equal(t, ":8000", Cfg.ListenAddr)
	assert.Equal(t, 100, Cfg.MaxConnections)
	assert.Equal(t, 10*time.Minute, Cfg.ExpireInterval)
	assert.Equal(t, "root", Cfg.DefaultUser)
	assert.Equal(t, 22, Cfg.SSHPort)
	assert.Equal(t, "", Cfg.KnownHosts)
	assert.Equal(t, "system", Cfg.Resolver)
	assert.Equal(t, 30*time.Minute, Cfg.SessionIdleTimeout)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("FLEETD_MAX_CONNECTIONS", "3")
	t.Setenv("FLEETD_EXPIRE_INTERVAL", "90s")
	t.Setenv("FLEETD_RESOLVER", "dns")
	t.Setenv("FLEETD_DNS_SERVERS", "10.0.0.2:53,10.0.0.3:53")
	t.Setenv("FLEETD_SSH_USE_AGENT", "true")

	Cfg = Settings{}
	require.NoError(t, Load())

	assert.Equal(t, 3, Cfg.MaxConnections)
	assert.Equal(t, 90*time.Second, Cfg.ExpireInterval)
	assert.Equal(t, "dns", Cfg.Resolver)
	assert.Equal(t, []string{"10.0.0.2:53", "10.0.0.3:53"}, Cfg.DNSServers)
	assert.True(t, Cfg.SSHUseAgent)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	t.Run("zero connections", func(t *testing.T) {
		t.Setenv("FLEETD_MAX_CONNECTIONS", "0")
		Cfg = Settings{}
		assert.Error(t, Load())
	})
	t.Run("unknown resolver", func(t *testing.T) {
		t.Setenv("FLEETD_RESOLVER", "carrier-pigeon")
		Cfg = Settings{}
		assert.Error(t, Load())
	})
}
