package activities

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/prebuildops/agent/internal/ipalloc"
	"github.com/prebuildops/agent/internal/metrics"
	"github.com/prebuildops/agent/internal/model"
	"github.com/prebuildops/agent/internal/netdev"
	"github.com/prebuildops/agent/internal/sshsession"
	"github.com/prebuildops/agent/internal/vmmgr"
)

// StartWorkspaceArgs are the inputs to StartWorkspace: a prebuild-shaped
// activity that backgrounds its tasks and leaves the VM running.
type StartWorkspaceArgs struct {
	InstanceID       string
	KernelPath       string
	RootFsPath       string
	ProjectDrivePath string
	PrebuildEventID  int64
	AuthorizedKeys   []string
}

// StartWorkspaceResult carries everything StopWorkspace needs to release
// the VM later — handles never cross the activity boundary (§6), so this
// is plain hostpaths and primitives.
type StartWorkspaceResult struct {
	InstanceID string
	VMMPID     int
	VMIP       string
	IPBlockID  int
	TaskPIDs   []int
}

// StopWorkspaceArgs identifies the VM to release. No handle: StopWorkspace
// is typically invoked by a later, separate process than the one that ran
// StartWorkspace.
type StopWorkspaceArgs struct {
	InstanceID string
	IPBlockID  int
}

const guestAuthorizedKeysPath = "/home/hocus/.ssh/authorized_keys"

// StartWorkspace runs a prebuild event's tasks in the background, installs
// authorized keys, flips the VM to public network visibility, and registers
// the keys with the SSH Gateway. withVM is invoked with shouldPoweroff=false:
// teardown is deferred to a later StopWorkspace call.
func (r *Registry) StartWorkspace(ctx context.Context, args StartWorkspaceArgs) (StartWorkspaceResult, error) {
	outcome := metrics.StatusSuccess
	defer func() { metrics.ActivitiesTotal.WithLabelValues(metrics.ActivityStartWorkspace, outcome).Inc() }()

	event, err := r.Store.GetPrebuildEvent(ctx, args.PrebuildEventID)
	if err != nil {
		outcome = metrics.StatusError
		return StartWorkspaceResult{}, fmt.Errorf("load prebuild event %d: %w", args.PrebuildEventID, err)
	}

	var result StartWorkspaceResult

	cfg := vmmgr.VMConfig{
		InstanceID:     args.InstanceID,
		KernelPath:     args.KernelPath,
		RootDrivePath:  args.RootFsPath,
		ExtraDrives:    []vmmgr.Drive{{ID: "project", Path: args.ProjectDrivePath}},
		ShouldPoweroff: false,
	}

	err = r.VMMgr.WithVM(ctx, cfg, func(ctx context.Context, handle *vmmgr.VMHandle) error {
		session, err := r.SSHDialer.Dial(ctx, fmt.Sprintf("%s:%d", handle.VMIP, vmmgr.GuestSSHPort))
		if err != nil {
			return fmt.Errorf("dial guest: %w", err)
		}
		defer session.Dispose()

		mount := vmmgr.GuestProjectDriveMount
		if _, err := session.Exec(ctx, fmt.Sprintf("mkdir -p %s && mount /dev/vdb %s", mount, mount), sshsession.ExecOptions{}); err != nil {
			return fmt.Errorf("mount project drive: %w", err)
		}

		authorizedKeys := strings.Join(args.AuthorizedKeys, "\n")
		if len(args.AuthorizedKeys) > 0 {
			authorizedKeys += "\n"
		}
		if err := session.WriteFile(guestAuthorizedKeysPath, []byte(authorizedKeys), 0o600); err != nil {
			return fmt.Errorf("write authorized_keys: %w", err)
		}

		taskPIDs := make([]int, len(event.Tasks))
		for i, task := range event.Tasks {
			pid, err := r.launchBackgroundTask(ctx, session, task)
			if err != nil {
				return fmt.Errorf("launch task %d: %w", task.Idx, err)
			}
			taskPIDs[i] = pid
		}

		if err := netdev.SetPublic(ipalloc.Mapping(handle.IPBlockID), true); err != nil {
			return fmt.Errorf("flip network visibility to public: %w", err)
		}

		if err := r.Gateway.AddAuthorizedKeys(ctx, args.InstanceID, args.AuthorizedKeys); err != nil {
			return fmt.Errorf("register keys with ssh gateway: %w", err)
		}

		result = StartWorkspaceResult{
			InstanceID: handle.InstanceID,
			VMMPID:     handle.PID,
			VMIP:       handle.VMIP,
			IPBlockID:  handle.IPBlockID,
			TaskPIDs:   taskPIDs,
		}
		return nil
	})
	if err != nil {
		outcome = metrics.StatusError
		return StartWorkspaceResult{}, err
	}

	return result, nil
}

// launchBackgroundTask uploads task's wrapper script and runs it detached,
// capturing and validating the backgrounded shell's PID (§4.8 (i)).
func (r *Registry) launchBackgroundTask(ctx context.Context, session *sshsession.Session, task model.VmTask) (int, error) {
	scriptPath := fmt.Sprintf("%s/.hocus/command/task-%d.sh", vmmgr.GuestProjectDriveMount, task.Idx)
	logPath := fmt.Sprintf("%s/.hocus/command/task-%d.log", vmmgr.GuestProjectDriveMount, task.Idx)

	if err := session.WriteFile(scriptPath, []byte(generateWrapperScript(task.Command)), 0o755); err != nil {
		return 0, fmt.Errorf("upload task script: %w", err)
	}

	var stdout strings.Builder
	cmd := fmt.Sprintf(`bash %s > %s 2>&1 & echo "$!"`, shellQuote(scriptPath), shellQuote(logPath))
	projectDir := vmmgr.GuestProjectDriveMount + "/project"
	_, err := session.Exec(ctx, cmd, sshsession.ExecOptions{
		Cwd:      projectDir,
		OnStdout: func(line string) { stdout.WriteString(strings.TrimSpace(line)) },
	})
	if err != nil {
		return 0, fmt.Errorf("background task exec: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(stdout.String()))
	if err != nil || pid <= 0 {
		return 0, &model.ValidationFailed{Subject: "task PID", Reason: fmt.Sprintf("captured %q, want a positive integer", stdout.String())}
	}
	return pid, nil
}

// StopWorkspace releases the VM and all resources a prior StartWorkspace
// left running. Its arguments are plain hostpaths/primitives, so it works
// even when invoked from a process that never ran StartWorkspace itself.
func (r *Registry) StopWorkspace(ctx context.Context, args StopWorkspaceArgs) error {
	outcome := metrics.StatusSuccess
	defer func() { metrics.ActivitiesTotal.WithLabelValues(metrics.ActivityStopWorkspace, outcome).Inc() }()

	handle := r.VMMgr.AttachDetached(args.InstanceID, args.IPBlockID)
	if err := r.VMMgr.ShutdownVMAndReleaseResources(ctx, handle); err != nil {
		outcome = metrics.StatusError
		return fmt.Errorf("stop workspace %s: %w", args.InstanceID, err)
	}
	return nil
}
