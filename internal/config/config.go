package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/NoelleStern/Tappi-share/internal/utils"
)

// Default configuration values
const (
	DefaultRelayURL    = "ws://localhost:8080/ws"
	DefaultServerAddr  = ":8080"
	DefaultBrokerHost  = "broker.hivemq.com"
	DefaultBrokerPort  = 1883
	DefaultSTUN        = "stun:stun.l.google.com:19302"
	DefaultStepTimeout = 30 * time.Second
)

// ErrRelayWithoutTURN is returned when relay-only ICE is asked for but no
// TURN server is configured.
var ErrRelayWithoutTURN = errors.New("relay-only mode needs a TURN server")

// Config holds application configuration
type Config struct {
	// Signaling endpoints
	RelayURL   string
	BrokerHost string
	BrokerPort int
	Proxy      string

	// Secret seals signaling payloads when set.
	Secret string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	RelayOnly  bool

	ChunkSize   int
	StepTimeout time.Duration
	HistoryPath string
}

// Options carries CLI flag values. Zero values mean "not set".
type Options struct {
	RelayURL    string
	BrokerHost  string
	BrokerPort  int
	Proxy       string
	Secret      string
	STUNServer  string
	TURNServer  string
	TURNUser    string
	TURNPass    string
	RelayOnly   bool
	ChunkSize   int
	StepTimeout time.Duration
	HistoryPath string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	brokerPort, err := pickInt(opts.BrokerPort, "TAPPI_BROKER_PORT", DefaultBrokerPort)
	if err != nil {
		return nil, err
	}
	chunkSize, err := pickInt(opts.ChunkSize, "TAPPI_CHUNK_SIZE", utils.DefaultChunkSize)
	if err != nil {
		return nil, err
	}
	stepTimeout, err := pickDuration(opts.StepTimeout, "TAPPI_NEGOTIATE_TIMEOUT", DefaultStepTimeout)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		RelayURL:    pick(opts.RelayURL, "TAPPI_RELAY", DefaultRelayURL),
		BrokerHost:  pick(opts.BrokerHost, "TAPPI_BROKER", DefaultBrokerHost),
		BrokerPort:  brokerPort,
		Proxy:       pick(opts.Proxy, "TAPPI_PROXY", ""),
		Secret:      pick(opts.Secret, "TAPPI_SECRET", ""),
		STUNServer:  pick(opts.STUNServer, "STUN_SERVER", DefaultSTUN),
		TURNServer:  pick(opts.TURNServer, "TURN_SERVER", ""),
		TURNUser:    pick(opts.TURNUser, "TURN_USERNAME", ""),
		TURNPass:    pick(opts.TURNPass, "TURN_PASSWORD", ""),
		RelayOnly:   opts.RelayOnly,
		ChunkSize:   utils.ClampChunkSize(chunkSize),
		StepTimeout: stepTimeout,
		HistoryPath: pick(opts.HistoryPath, "TAPPI_HISTORY", defaultHistoryPath()),
	}

	if cfg.RelayOnly && cfg.TURNServer == "" {
		return nil, ErrRelayWithoutTURN
	}
	return cfg, nil
}

// ServerAddr resolves the relay server's listen address from the flag,
// then TAPPI_ADDR, then the default.
func ServerAddr(flag string) string {
	return pick(flag, "TAPPI_ADDR", DefaultServerAddr)
}

func pick(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func pickInt(flag int, env string, def int) (int, error) {
	if flag != 0 {
		return flag, nil
	}
	v := os.Getenv(env)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", env, err)
	}
	return n, nil
}

func pickDuration(flag time.Duration, env string, def time.Duration) (time.Duration, error) {
	if flag != 0 {
		return flag, nil
	}
	v := os.Getenv(env)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", env, err)
	}
	return d, nil
}

func defaultHistoryPath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "tappi-history.db"
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "tappi", "history.db")
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured. A bare
// "turn:host" expands to the usual UDP, TCP and TLS endpoints.
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	if strings.Contains(c.TURNServer, "?") || strings.Count(c.TURNServer, ":") > 1 {
		return []string{c.TURNServer}
	}
	host := strings.TrimPrefix(c.TURNServer, "turn:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}
