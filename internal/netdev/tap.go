// Package netdev manages host-side tap devices for Firecracker microVMs.
// Each VM gets one tap device whose name and IP addressing are derived
// deterministically from its IP block (see internal/ipalloc), so setup and
// teardown never need to consult any dynamic IPAM plugin.
package netdev

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/prebuildops/agent/internal/ipalloc"
)

// EnsureTap creates a tap device for block and brings it up with the block's
// host-side tap IP, ready for Firecracker to attach to. Idempotent: if the
// device already exists, only the address/up steps are retried.
func EnsureTap(block ipalloc.Block) error {
	if err := runIP("tuntap", "add", "dev", block.TapDeviceName, "mode", "tap"); err != nil {
		if !strings.Contains(err.Error(), "File exists") {
			return fmt.Errorf("create tap device %s: %w", block.TapDeviceName, err)
		}
	}

	if err := runIP("addr", "add", block.TapDeviceIP+"/30", "dev", block.TapDeviceName); err != nil {
		if !strings.Contains(err.Error(), "File exists") {
			return fmt.Errorf("address tap device %s: %w", block.TapDeviceName, err)
		}
	}

	if err := runIP("link", "set", block.TapDeviceName, "up"); err != nil {
		return fmt.Errorf("bring up tap device %s: %w", block.TapDeviceName, err)
	}

	return nil
}

// TeardownTap removes the tap device for block. Safe to call when the device
// does not exist — treated as already torn down.
func TeardownTap(block ipalloc.Block) error {
	if err := runIP("tuntap", "del", "dev", block.TapDeviceName, "mode", "tap"); err != nil {
		if strings.Contains(err.Error(), "Cannot find device") {
			return nil
		}
		return fmt.Errorf("delete tap device %s: %w", block.TapDeviceName, err)
	}
	return nil
}

// TapExists reports whether a tap device with the given name is present
// under /sys/class/net. Used by tests and diagnostics; not required on the
// happy path since EnsureTap/TeardownTap are already idempotent.
func TapExists(name string) (bool, error) {
	_, err := os.Stat("/sys/class/net/" + name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat tap device %s: %w", name, err)
}

// SetPublic flips a block's tap device between private (isolated, the
// default for prebuild/checkout/buildfs scratch VMs) and public (forwarded
// to the host's default route, used once a workspace VM's tasks have
// started — §4.8 (iii)). Public adds a MASQUERADE rule for the block's
// /30; private removes it. Idempotent in both directions.
func SetPublic(block ipalloc.Block, public bool) error {
	rule := []string{"POSTROUTING", "-s", block.CIDR, "-j", "MASQUERADE"}
	exists := runIPTables(append([]string{"-t", "nat", "-C"}, rule...)...) == nil
	if exists == public {
		return nil
	}

	args := []string{"-t", "nat"}
	if public {
		args = append(args, "-A")
	} else {
		args = append(args, "-D")
	}
	args = append(args, rule...)

	if err := runIPTables(args...); err != nil {
		if !public && strings.Contains(err.Error(), "No chain/target/match") {
			return nil // already private
		}
		return fmt.Errorf("set tap %s public=%v: %w", block.TapDeviceName, public, err)
	}
	return nil
}

func runIPTables(args ...string) error {
	cmd := exec.Command("iptables", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(output)), err)
	}
	return nil
}

func runIP(args ...string) error {
	cmd := exec.Command("ip", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(output)), err)
	}
	return nil
}
