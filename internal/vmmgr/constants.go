package vmmgr

import "time"

// DefaultBootArgs are the kernel boot arguments for Firecracker microVMs
// booting the prebuild agent's guest images.
const DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off"

// rootDriveID is the drive id for the root filesystem in the Firecracker
// machine configuration.
const rootDriveID = "rootfs"

// vmSocketSuffix is appended to the instance id for the VMM control UDS.
const vmSocketSuffix = ".sock"

// Default VM resources, used unless a VMConfig overrides them.
const (
	DefaultVCPUs = 1
	DefaultMemMB = 1024
)

// gracefulShutdownTimeout bounds how long shutdownVMAndReleaseResources waits
// for a graceful shutdown before forcing StopVMM.
const gracefulShutdownTimeout = 5 * time.Second

// sshReadyTimeout bounds how long startVM waits for the guest SSH server to
// answer before failing with ErrVmBootTimeout.
const sshReadyTimeout = 60 * time.Second

// sshReadyPollInterval is how often startVM retries the SSH readiness probe.
const sshReadyPollInterval = 500 * time.Millisecond

// GuestSSHPort is the port the guest SSH daemon listens on.
const GuestSSHPort = 22

// GuestProjectDriveMount is where the project drive is mounted inside the
// guest for prebuild, workspace, and checkout activities.
const GuestProjectDriveMount = "/home/hocus/dev"
