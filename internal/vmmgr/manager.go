// Package vmmgr creates and tears down Firecracker microVMs on behalf of
// activities: ext4 image creation, VMM process lifecycle, and the scoped
// withVM acquisition pattern that guarantees every resource class (IP block,
// tap device, VMM process, control socket) is released on every exit path.
package vmmgr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/prebuildops/agent/internal/ipalloc"
	"github.com/prebuildops/agent/internal/metrics"
	"github.com/prebuildops/agent/internal/model"
	"github.com/prebuildops/agent/internal/netdev"
	"github.com/prebuildops/agent/internal/sshsession"
)

// pidFileName is the name of the side-file recording the VMM process pid
// next to its control socket, written at boot so a later process (a
// separate CLI-harness invocation of StopWorkspace) can locate and signal
// it without holding the original *fcsdk.Machine in memory.
const pidFileName = "vmm.pid"

// ErrVmBootTimeout is returned by StartVM when the guest SSH server does not
// answer within sshReadyTimeout.
type ErrVmBootTimeout struct {
	InstanceID string
	Waited     time.Duration
}

func (e *ErrVmBootTimeout) Error() string {
	return fmt.Sprintf("vm %s: ssh did not answer within %s", e.InstanceID, e.Waited)
}

// Drive is an extra block device attached to a VM beyond the root drive.
type Drive struct {
	ID       string
	Path     string
	ReadOnly bool
}

// VMConfig describes a microVM to start.
type VMConfig struct {
	InstanceID    string
	KernelPath    string
	RootDrivePath string
	ExtraDrives   []Drive
	VCPUs         int64
	MemMB         int64

	// ShouldPoweroff controls withVM's teardown decision: false means the
	// caller takes ownership of a successfully-started VM and must release
	// it later via ShutdownVMAndReleaseResources (used by StartWorkspace).
	ShouldPoweroff bool
}

// VMHandle is the live, in-memory record of an acquired VM. It is owned
// exclusively by the withVM body (or, when ShouldPoweroff is false, by the
// caller that inherited it) — no reference should outlive its scope.
type VMHandle struct {
	InstanceID       string
	PID              int
	VMIP             string
	TapDevice        string
	IPBlockID        int
	ExtraDriveMounts []string

	machine   *fcsdk.Machine // nil for a handle reconstructed by AttachDetached
	block     ipalloc.Block
	socketDir string
	sockPath  string
}

func (h *VMHandle) socketPath() string { return h.sockPath }

// Manager owns the collaborators needed to start and stop microVMs: the IP
// Block Allocator, the Firecracker binary, and an SSH dialer used for the
// boot readiness probe.
type Manager struct {
	cfg       Config
	ipAlloc   *ipalloc.Allocator
	sshDialer sshsession.Dialer
	logger    *slog.Logger
}

// NewManager constructs a Manager.
func NewManager(cfg Config, ipAlloc *ipalloc.Allocator, sshDialer sshsession.Dialer, logger *slog.Logger) *Manager {
	return &Manager{cfg: cfg, ipAlloc: ipAlloc, sshDialer: sshDialer, logger: logger}
}

// CreateExt4Image produces a zero-filled file of sizeMiB and writes an ext4
// filesystem into it. Refuses to overwrite an existing file unless overwrite
// is true, in which case it is idempotent.
func CreateExt4Image(path string, sizeMiB int64, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("create ext4 image %s: already exists", path)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("stat %s: %w", path, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", path, err)
	}

	ddCmd := exec.Command("dd", "if=/dev/zero", "of="+path, "bs=1M", fmt.Sprintf("count=%d", sizeMiB))
	if output, err := ddCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("dd %s: %s: %w", path, string(output), err)
	}

	mkfsCmd := exec.Command("mkfs.ext4", "-F", path)
	if output, err := mkfsCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mkfs.ext4 %s: %s: %w", path, string(output), err)
	}

	return nil
}

// StartVM spawns the VMM with a UDS control socket, configures the boot
// source, root drive, extra drives, and network interface, starts it, and
// waits for the guest SSH server to answer.
func (m *Manager) StartVM(ctx context.Context, cfg VMConfig) (*VMHandle, error) {
	bootStart := time.Now()

	blockID, err := m.ipAlloc.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocate IP block: %w", err)
	}
	metrics.IPBlocksBusy.Set(float64(m.ipAlloc.BusyCount()))
	block := ipalloc.Mapping(blockID)

	handle, err := m.startVMWithBlock(ctx, cfg, block)
	if err != nil {
		if relErr := m.ipAlloc.Release(blockID); relErr != nil {
			m.logger.Error("release IP block after failed start", "instance_id", cfg.InstanceID, "block_id", blockID, "error", relErr)
		}
		metrics.IPBlocksBusy.Set(float64(m.ipAlloc.BusyCount()))
		return nil, err
	}
	metrics.VMBootDuration.Observe(time.Since(bootStart).Seconds())
	metrics.ActiveVMs.Inc()
	return handle, nil
}

func (m *Manager) startVMWithBlock(ctx context.Context, cfg VMConfig, block ipalloc.Block) (*VMHandle, error) {
	if err := netdev.EnsureTap(block); err != nil {
		return nil, fmt.Errorf("ensure tap device: %w", err)
	}

	socketDir := filepath.Join(m.cfg.SocketDir, cfg.InstanceID)
	if err := os.MkdirAll(socketDir, 0o755); err != nil {
		netdev.TeardownTap(block)
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	socketPath := filepath.Join(m.cfg.SocketDir, cfg.InstanceID+vmSocketSuffix)

	vcpus := cfg.VCPUs
	if vcpus == 0 {
		vcpus = DefaultVCPUs
	}
	memMB := cfg.MemMB
	if memMB == 0 {
		memMB = DefaultMemMB
	}

	drives := []models.Drive{
		{
			DriveID:      fcsdk.String(rootDriveID),
			PathOnHost:   fcsdk.String(cfg.RootDrivePath),
			IsRootDevice: fcsdk.Bool(true),
			IsReadOnly:   fcsdk.Bool(false),
		},
	}
	extraMounts := make([]string, 0, len(cfg.ExtraDrives))
	for i, d := range cfg.ExtraDrives {
		drives = append(drives, models.Drive{
			DriveID:      fcsdk.String(d.ID),
			PathOnHost:   fcsdk.String(d.Path),
			IsRootDevice: fcsdk.Bool(false),
			IsReadOnly:   fcsdk.Bool(d.ReadOnly),
		})
		extraMounts = append(extraMounts, fmt.Sprintf("/dev/vd%c", 'b'+rune(i)))
	}

	fcCfg := fcsdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: cfg.KernelPath,
		KernelArgs:      DefaultBootArgs,
		Drives:          drives,
		NetworkInterfaces: fcsdk.NetworkInterfaces{
			{
				StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
					HostDevName: block.TapDeviceName,
					IPConfiguration: &fcsdk.IPConfiguration{
						IPAddr:  guestIPNet(block),
						Gateway: net.ParseIP(block.TapDeviceIP),
						IfName:  "eth0",
					},
				},
			},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(vcpus),
			MemSizeMib: fcsdk.Int64(memMB),
			Smt:        fcsdk.Bool(false),
		},
		VMID: cfg.InstanceID,
	}

	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	fcCmd := fcsdk.VMCommandBuilder{}.
		WithBin(m.cfg.FirecrackerBin).
		WithSocketPath(socketPath).
		Build(ctx)
	// Run in its own session so a workspace VM (shouldPoweroff=false) keeps
	// running after the CLI-harness process that started it exits.
	fcCmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	machine, err := fcsdk.NewMachine(ctx, fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(fcCmd),
	)
	if err != nil {
		netdev.TeardownTap(block)
		os.RemoveAll(socketDir)
		return nil, fmt.Errorf("create machine: %w", err)
	}

	if err := machine.Start(ctx); err != nil {
		netdev.TeardownTap(block)
		os.RemoveAll(socketDir)
		return nil, fmt.Errorf("start VM: %w", err)
	}

	pid := 0
	if fcCmd.Process != nil {
		pid = fcCmd.Process.Pid
	}
	if err := os.WriteFile(filepath.Join(socketDir, pidFileName), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		m.logger.Warn("write vmm pid file", "instance_id", cfg.InstanceID, "error", err)
	}

	handle := &VMHandle{
		InstanceID:       cfg.InstanceID,
		PID:              pid,
		VMIP:             block.VMIP,
		TapDevice:        block.TapDeviceName,
		IPBlockID:        block.ID,
		ExtraDriveMounts: extraMounts,
		machine:          machine,
		block:            block,
		socketDir:        socketDir,
		sockPath:         socketPath,
	}

	if err := m.waitForSSH(ctx, handle); err != nil {
		m.forceStop(handle)
		netdev.TeardownTap(block)
		os.RemoveAll(socketDir)
		return nil, err
	}

	return handle, nil
}

func (m *Manager) waitForSSH(ctx context.Context, handle *VMHandle) error {
	deadline := time.Now().Add(sshReadyTimeout)
	addr := fmt.Sprintf("%s:%d", handle.VMIP, GuestSSHPort)

	for time.Now().Before(deadline) {
		dialCtx, cancel := context.WithTimeout(ctx, sshReadyPollInterval)
		session, err := m.sshDialer.Dial(dialCtx, addr)
		cancel()
		if err == nil {
			session.Dispose()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sshReadyPollInterval):
		}
	}

	return &ErrVmBootTimeout{InstanceID: handle.InstanceID, Waited: sshReadyTimeout}
}

// ShutdownVMAndReleaseResources sends a graceful shutdown, waits a bounded
// time, kills if unresponsive, unmounts/removes the tap device, returns the
// block to private network visibility, deletes the UDS, and releases the IP
// block. Every step runs regardless of whether an
// earlier step failed; failures are combined into a single composite error.
func (m *Manager) ShutdownVMAndReleaseResources(ctx context.Context, handle *VMHandle) error {
	cleanupStart := time.Now()
	defer func() {
		metrics.VMCleanupDuration.Observe(time.Since(cleanupStart).Seconds())
		metrics.ActiveVMs.Dec()
		metrics.IPBlocksBusy.Set(float64(m.ipAlloc.BusyCount()))
	}()

	var errs []error

	if handle.machine != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		if err := handle.machine.Shutdown(shutdownCtx); err != nil {
			if stopErr := handle.machine.StopVMM(); stopErr != nil {
				errs = append(errs, fmt.Errorf("stop VMM: %w", stopErr))
			}
		}
		cancel()

		waitCtx, waitCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		if err := handle.machine.Wait(waitCtx); err != nil {
			m.logger.Debug("wait for VM exit", "instance_id", handle.InstanceID, "error", err)
			if waitCtx.Err() != nil {
				if stopErr := handle.machine.StopVMM(); stopErr != nil {
					errs = append(errs, fmt.Errorf("stop unresponsive VMM: %w", stopErr))
				}
			}
		}
		waitCancel()
	} else {
		// Reattached handle: no live *fcsdk.Machine in this process. Speak
		// the VMM's own control protocol directly over its UDS, then fall
		// back to signaling the pid recorded at boot.
		if err := shutdownOverSocket(handle.socketPath()); err != nil {
			if killErr := killByPIDFile(filepath.Join(handle.socketDir, pidFileName)); killErr != nil {
				errs = append(errs, fmt.Errorf("stop detached VMM: %w", killErr))
			}
		}
	}

	if err := netdev.TeardownTap(handle.block); err != nil {
		errs = append(errs, fmt.Errorf("teardown tap device: %w", err))
	}

	if err := netdev.SetPublic(handle.block, false); err != nil {
		errs = append(errs, fmt.Errorf("reset network visibility: %w", err))
	}

	if handle.socketDir != "" {
		if err := os.RemoveAll(handle.socketDir); err != nil {
			errs = append(errs, fmt.Errorf("remove socket dir: %w", err))
		}
	}

	if err := m.ipAlloc.Release(handle.IPBlockID); err != nil {
		errs = append(errs, fmt.Errorf("release IP block %d: %w", handle.IPBlockID, err))
	}

	return model.NewCompositeError(errs...)
}

// WithVM is the scoped acquisition primitive: allocate an IP block, start
// the VM, invoke body, and tear down unless cfg.ShouldPoweroff is false and
// body returned successfully — in which case the caller inherits ownership
// of handle and must call ShutdownVMAndReleaseResources later.
func (m *Manager) WithVM(ctx context.Context, cfg VMConfig, body func(ctx context.Context, handle *VMHandle) error) error {
	handle, err := m.StartVM(ctx, cfg)
	if err != nil {
		return err
	}

	bodyErr := body(ctx, handle)

	if bodyErr == nil && !cfg.ShouldPoweroff {
		return nil
	}

	teardownErr := m.ShutdownVMAndReleaseResources(context.Background(), handle)
	if bodyErr != nil {
		return model.NewCompositeError(bodyErr, teardownErr)
	}
	return teardownErr
}

func (m *Manager) forceStop(handle *VMHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := handle.machine.StopVMM(); err != nil {
		m.logger.Debug("force stop VMM during boot failure", "instance_id", handle.InstanceID, "error", err)
	}
	handle.machine.Wait(ctx)
}

// AttachDetached reconstructs just enough of a VMHandle to tear down a VM
// that was started with shouldPoweroff=false in a prior process — the
// StartWorkspace/StopWorkspace pair runs as two separate CLI-harness
// invocations, so the live *fcsdk.Machine from startVMWithBlock never
// survives to the StopWorkspace call. StopWorkspace's only arguments are
// {instanceId, ipBlockId} (§6), so the tap device and IP block are derived
// the same pure way startVM derived them originally.
func (m *Manager) AttachDetached(instanceID string, ipBlockID int) *VMHandle {
	socketDir := filepath.Join(m.cfg.SocketDir, instanceID)
	return &VMHandle{
		InstanceID: instanceID,
		VMIP:       ipalloc.Mapping(ipBlockID).VMIP,
		TapDevice:  ipalloc.Mapping(ipBlockID).TapDeviceName,
		IPBlockID:  ipBlockID,
		block:      ipalloc.Mapping(ipBlockID),
		socketDir:  socketDir,
		sockPath:   filepath.Join(m.cfg.SocketDir, instanceID+vmSocketSuffix),
	}
}

// shutdownOverSocket PUTs a SendCtrlAltDel action to the VMM's control UDS,
// the same JSON control protocol startVM uses to configure the machine
// before boot (§6 "VMM control plane"). Used instead of *fcsdk.Machine when
// reattaching to a VM started by a different process.
func shutdownOverSocket(socketPath string) error {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: gracefulShutdownTimeout,
	}

	req, err := http.NewRequest(http.MethodPut, "http://unix/actions", strings.NewReader(`{"action_type":"SendCtrlAltDel"}`))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("PUT /actions over %s: %w", socketPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("PUT /actions over %s: status %d", socketPath, resp.StatusCode)
	}
	return nil
}

// killByPIDFile reads the pid recorded at boot and, if the process is still
// alive after a grace period, force-kills it. Used as the last-resort
// teardown path when the VMM no longer answers on its control socket.
func killByPIDFile(pidFilePath string) error {
	data, err := os.ReadFile(pidFilePath)
	if err != nil {
		return fmt.Errorf("read pid file %s: %w", pidFilePath, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("parse pid file %s: %w", pidFilePath, err)
	}

	deadline := time.Now().Add(gracefulShutdownTimeout)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			return nil // process already gone
		}
		time.Sleep(200 * time.Millisecond)
	}

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}

// guestIPNet builds the guest-facing IPNet for a /30 IP block: the VM IP
// with the block's /30 mask.
func guestIPNet(block ipalloc.Block) net.IPNet {
	_, network, err := net.ParseCIDR(block.CIDR)
	if err != nil {
		return net.IPNet{}
	}
	return net.IPNet{
		IP:   net.ParseIP(block.VMIP),
		Mask: network.Mask,
	}
}
