package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, env := range []string{"TAPPI_RELAY", "TAPPI_BROKER", "TAPPI_BROKER_PORT", "TAPPI_CHUNK_SIZE",
		"TAPPI_NEGOTIATE_TIMEOUT", "TURN_SERVER", "STUN_SERVER"} {
		t.Setenv(env, "")
	}
	t.Setenv("XDG_DATA_HOME", "/data")

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultRelayURL, cfg.RelayURL)
	assert.Equal(t, DefaultBrokerHost, cfg.BrokerHost)
	assert.Equal(t, DefaultBrokerPort, cfg.BrokerPort)
	assert.Equal(t, 16*1024, cfg.ChunkSize)
	assert.Equal(t, DefaultStepTimeout, cfg.StepTimeout)
	assert.Equal(t, "/data/tappi/history.db", cfg.HistoryPath)
	assert.Nil(t, cfg.GetTURNServers())
}

func TestLoadPriority(t *testing.T) {
	t.Setenv("TAPPI_RELAY", "ws://env/ws")
	t.Setenv("TAPPI_BROKER_PORT", "8883")
	t.Setenv("TAPPI_NEGOTIATE_TIMEOUT", "2m")

	cfg, err := Load(Options{RelayURL: "ws://flag/ws"})
	require.NoError(t, err)
	assert.Equal(t, "ws://flag/ws", cfg.RelayURL)
	assert.Equal(t, 8883, cfg.BrokerPort)
	assert.Equal(t, 2*time.Minute, cfg.StepTimeout)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("TAPPI_CHUNK_SIZE", "big")
	_, err := Load(Options{})
	assert.Error(t, err)
}

func TestChunkSizeClamped(t *testing.T) {
	cfg, err := Load(Options{ChunkSize: 1 << 20})
	require.NoError(t, err)
	assert.Equal(t, 64*1024, cfg.ChunkSize)
}

func TestRelayOnlyNeedsTURN(t *testing.T) {
	t.Setenv("TURN_SERVER", "")
	_, err := Load(Options{RelayOnly: true})
	assert.ErrorIs(t, err, ErrRelayWithoutTURN)

	cfg, err := Load(Options{RelayOnly: true, TURNServer: "turn:example.org"})
	require.NoError(t, err)
	assert.True(t, cfg.RelayOnly)
}

func TestTURNServers(t *testing.T) {
	c := &Config{TURNServer: "turn:example.org"}
	assert.Equal(t, []string{
		"turn:example.org:3478?transport=udp",
		"turn:example.org:3478?transport=tcp",
		"turns:example.org:5349?transport=tcp",
	}, c.GetTURNServers())

	c.TURNServer = "turn:example.org:3478?transport=udp"
	assert.Equal(t, []string{"turn:example.org:3478?transport=udp"}, c.GetTURNServers())
}

func TestServerAddr(t *testing.T) {
	t.Setenv("TAPPI_ADDR", "")
	assert.Equal(t, DefaultServerAddr, ServerAddr(""))

	t.Setenv("TAPPI_ADDR", ":9000")
	assert.Equal(t, ":9000", ServerAddr(""))
	assert.Equal(t, "127.0.0.1:7000", ServerAddr("127.0.0.1:7000"))
}
