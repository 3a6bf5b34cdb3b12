// Package config carries node settings. Defaults match the LCP deployment
// (shared port 9990); LCP_* environment variables override them the same way
// the reference deployment allows.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/rudransh-shrivastava/lanchat/internal/protocol"
)

type Config struct {
	// UserID is the textual identity, at most 20 bytes once encoded.
	UserID string

	// BroadcastInterval is the cadence of discovery probes.
	BroadcastInterval time.Duration

	// AckTimeout bounds each wait for a control-plane acknowledgment.
	AckTimeout time.Duration

	// BindAddr is the IP the UDP socket binds to. Empty means auto-select
	// from the host interfaces.
	BindAddr string

	UDPPort int
	TCPPort int

	// BroadcastTargets overrides the computed broadcast addresses
	// ("host:port" each). Empty means subnet-directed plus limited
	// broadcast on UDPPort.
	BroadcastTargets []string

	DownloadsDir string
	PeersPath    string
	HistoryPath  string

	// HistoryDB, when set, stores history in a sqlite database at this
	// path instead of the JSON log.
	HistoryDB string
}

func Default() Config {
	return Config{
		BroadcastInterval: time.Second,
		AckTimeout:        5 * time.Second,
		UDPPort:           protocol.DefaultUDPPort,
		TCPPort:           protocol.DefaultTCPPort,
		DownloadsDir:      "downloads",
		PeersPath:         "peers.json",
		HistoryPath:       "history.json",
	}
}

// FromEnv applies LCP_BIND_ADDR, LCP_UDP_PORT and LCP_TCP_PORT on top of c.
func (c Config) FromEnv() Config {
	if addr := os.Getenv("LCP_BIND_ADDR"); addr != "" {
		c.BindAddr = addr
	}
	if port, ok := envPort("LCP_UDP_PORT"); ok {
		c.UDPPort = port
	}
	if port, ok := envPort("LCP_TCP_PORT"); ok {
		c.TCPPort = port
	}
	return c
}

func envPort(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	port, err := strconv.Atoi(v)
	if err != nil || port < 0 || port > 65535 {
		return 0, false
	}
	return port, true
}
