package activities

import (
	"context"
	"fmt"
	"os"

	"github.com/prebuildops/agent/internal/metrics"
	"github.com/prebuildops/agent/internal/sshsession"
	"github.com/prebuildops/agent/internal/vmmgr"
)

// FetchRepositoryArgs are the inputs to FetchRepository. RootFsPath is
// per-project (credentials are embedded in it, §4.4); OutputDrivePath is
// created if absent.
type FetchRepositoryArgs struct {
	InstanceID      string
	KernelPath      string
	RootFsPath      string
	OutputDrivePath string
	DriveSizeMiB    int64
	RepoURL         string
	SSHPrivateKey   []byte // optional
}

// FetchRepositoryResult is empty: success is "project/.git exists on the
// output drive", observable only by a later activity mounting that drive.
type FetchRepositoryResult struct{}

const guestSSHUser = "hocus"

// FetchRepository clones or fetches RepoURL into OutputDrivePath inside a
// scratch VM, injecting an SSH private key over SFTP when supplied.
func (r *Registry) FetchRepository(ctx context.Context, args FetchRepositoryArgs) (FetchRepositoryResult, error) {
	outcome := metrics.StatusSuccess
	defer func() { metrics.ActivitiesTotal.WithLabelValues(metrics.ActivityFetchRepository, outcome).Inc() }()

	driveCreated := false
	if _, err := os.Stat(args.OutputDrivePath); os.IsNotExist(err) {
		if err := vmmgr.CreateExt4Image(args.OutputDrivePath, args.DriveSizeMiB, false); err != nil {
			outcome = metrics.StatusError
			return FetchRepositoryResult{}, fmt.Errorf("create output drive: %w", err)
		}
		driveCreated = true
	} else if err != nil {
		outcome = metrics.StatusError
		return FetchRepositoryResult{}, fmt.Errorf("stat output drive: %w", err)
	}

	cfg := vmmgr.VMConfig{
		InstanceID:     args.InstanceID,
		KernelPath:     args.KernelPath,
		RootDrivePath:  args.RootFsPath,
		ExtraDrives:    []vmmgr.Drive{{ID: "project", Path: args.OutputDrivePath}},
		ShouldPoweroff: true,
	}

	err := r.VMMgr.WithVM(ctx, cfg, func(ctx context.Context, handle *vmmgr.VMHandle) error {
		session, err := r.SSHDialer.Dial(ctx, fmt.Sprintf("%s:%d", handle.VMIP, vmmgr.GuestSSHPort))
		if err != nil {
			return fmt.Errorf("dial guest: %w", err)
		}
		defer session.Dispose()

		mount := vmmgr.GuestProjectDriveMount
		if _, err := session.Exec(ctx, fmt.Sprintf("mkdir -p %s && mount /dev/vdb %s", mount, mount), sshsession.ExecOptions{}); err != nil {
			return fmt.Errorf("mount project drive: %w", err)
		}

		if driveCreated {
			if _, err := session.Exec(ctx, fmt.Sprintf("chown %s:%s %s", guestSSHUser, guestSSHUser, mount), sshsession.ExecOptions{}); err != nil {
				return fmt.Errorf("chown project drive: %w", err)
			}
		}

		if len(args.SSHPrivateKey) > 0 {
			sshDir := fmt.Sprintf("/home/%s/.ssh", guestSSHUser)
			if _, err := session.Exec(ctx, fmt.Sprintf("mkdir -p -m 700 %s && mount -t tmpfs tmpfs %s", sshDir, sshDir), sshsession.ExecOptions{}); err != nil {
				return fmt.Errorf("mount tmpfs ssh dir: %w", err)
			}
			if err := session.WriteFile(sshDir+"/id_rsa", args.SSHPrivateKey, 0o400); err != nil {
				return fmt.Errorf("write ssh private key: %w", err)
			}
		}

		projectDir := mount + "/project"
		gitResult, _ := session.Exec(ctx, "test -d "+projectDir+"/.git", sshsession.ExecOptions{AllowNonZeroExitCode: true})
		if gitResult.ExitCode == 0 {
			if _, err := session.Exec(ctx, "git fetch --all", sshsession.ExecOptions{Cwd: projectDir}); err != nil {
				return fmt.Errorf("git fetch: %w", err)
			}
			return nil
		}

		_, err = session.Exec(ctx, "git clone --no-checkout "+shellQuote(args.RepoURL)+" project", sshsession.ExecOptions{
			Cwd: mount,
			Env: map[string]string{
				"GIT_SSH_COMMAND": "ssh -o UserKnownHostsFile=/dev/null -o StrictHostKeyChecking=no",
			},
		})
		if err != nil {
			return fmt.Errorf("git clone: %w", err)
		}
		return nil
	})
	if err != nil {
		outcome = metrics.StatusError
		return FetchRepositoryResult{}, err
	}
	return FetchRepositoryResult{}, nil
}
