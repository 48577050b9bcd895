package vmmgr

import (
	"os"
	"strings"
)

// Environment variable names for VM Resource Manager configuration.
const (
	envFirecrackerBin = "PBA_FIRECRACKER_BIN"
	envSocketDir      = "PBA_VM_SOCKET_DIR"
	envJailer         = "PBA_FIRECRACKER_JAILER"
	envSSHUser        = "PBA_GUEST_SSH_USER"
)

// Config holds configuration for the VM Resource Manager.
type Config struct {
	// FirecrackerBin is the path to the Firecracker binary.
	FirecrackerBin string

	// SocketDir is the directory VMM control UDS sockets are created in,
	// named <instanceId>.sock.
	SocketDir string

	// JailerEnabled controls whether the Firecracker jailer wraps the VMM
	// process. Disabled by default for local/dev deployments.
	JailerEnabled bool

	// SSHUser is the guest OS user the manager's SSH readiness probe and
	// activities authenticate as.
	SSHUser string
}

const (
	defaultSocketDir = "/tmp"
	defaultSSHUser   = "hocus"
)

// LoadConfig reads VM Resource Manager configuration from environment
// variables, applying sensible defaults for values not set.
func LoadConfig() Config {
	cfg := Config{
		SocketDir: defaultSocketDir,
		SSHUser:   defaultSSHUser,
	}

	if v := os.Getenv(envFirecrackerBin); v != "" {
		cfg.FirecrackerBin = v
	}
	if v := os.Getenv(envSocketDir); v != "" {
		cfg.SocketDir = v
	}
	if v := os.Getenv(envSSHUser); v != "" {
		cfg.SSHUser = v
	}
	if v := os.Getenv(envJailer); v != "" {
		cfg.JailerEnabled = strings.EqualFold(v, "true") || v == "1"
	}

	return cfg
}
