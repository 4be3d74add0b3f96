package remote

import (
	"os"
	"strconv"
)

// Environment variable names for remote device configuration.
const (
	envCID  = "XSTREAM_REMOTE_CID"
	envPort = "XSTREAM_REMOTE_PORT"
	envUDS  = "XSTREAM_REMOTE_UDS"
)

// Config holds the address of a device agent.
type Config struct {
	// CID is the vsock context ID of the agent's VM.
	CID uint32

	// Port is the vsock port the agent listens on.
	Port uint32

	// UDSPath, when set, is a hypervisor vsock bridge socket used instead of
	// a direct vsock connection.
	UDSPath string
}

// LoadConfig reads remote device configuration from environment variables,
// applying defaults for values not set.
func LoadConfig() Config {
	cfg := Config{
		CID:  MinCID,
		Port: DefaultPort,
	}

	if v := os.Getenv(envCID); v != "" {
		if cid, err := strconv.ParseUint(v, 10, 32); err == nil && uint32(cid) >= MinCID {
			cfg.CID = uint32(cid)
		}
	}
	if v := os.Getenv(envPort); v != "" {
		if port, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Port = uint32(port)
		}
	}
	if v := os.Getenv(envUDS); v != "" {
		cfg.UDSPath = v
	}

	return cfg
}

// Dialer returns the dialer the configuration describes.
func (c Config) Dialer() Dialer {
	if c.UDSPath != "" {
		return UDSDialer{Path: c.UDSPath, Port: c.Port}
	}
	return VsockDialer{CID: c.CID, Port: c.Port}
}
