package activities

import (
	"context"
	"fmt"
	"path"

	"github.com/prebuildops/agent/internal/metrics"
	"github.com/prebuildops/agent/internal/sshsession"
	"github.com/prebuildops/agent/internal/vmmgr"
)

// BuildFsArgs are the inputs to BuildFs: a Dockerfile build executed inside
// a disposable builder VM, producing a bootable rootfs image on the host.
type BuildFsArgs struct {
	InstanceID        string
	KernelPath        string
	BuilderRootFsPath string
	InputDrivePath    string
	OutputDrivePath   string
	DriveSizeMiB      int64
	DockerfilePath    string
	ContextPath       string
}

// BuildFsResult carries the path of the populated output image.
type BuildFsResult struct {
	OutputDrivePath string
}

const (
	buildfsWorkdir    = "/tmp/workdir"
	buildfsInputMount = "/tmp/input"
	buildfsOutputMnt  = "/tmp/output"
)

// BuildFs always recreates the output ext4 image, boots a builder VM with
// the input and output drives attached, runs the embedded buildfs.sh
// against them, and leaves the populated image at OutputDrivePath.
func (r *Registry) BuildFs(ctx context.Context, args BuildFsArgs) (BuildFsResult, error) {
	outcome := metrics.StatusSuccess
	defer func() { metrics.ActivitiesTotal.WithLabelValues(metrics.ActivityBuildFs, outcome).Inc() }()

	if err := vmmgr.CreateExt4Image(args.OutputDrivePath, args.DriveSizeMiB, true); err != nil {
		outcome = metrics.StatusError
		return BuildFsResult{}, fmt.Errorf("create output drive: %w", err)
	}

	cfg := vmmgr.VMConfig{
		InstanceID:    args.InstanceID,
		KernelPath:    args.KernelPath,
		RootDrivePath: args.BuilderRootFsPath,
		ExtraDrives: []vmmgr.Drive{
			{ID: "input", Path: args.InputDrivePath, ReadOnly: true},
			{ID: "output", Path: args.OutputDrivePath},
		},
		ShouldPoweroff: true,
	}

	err := r.VMMgr.WithVM(ctx, cfg, func(ctx context.Context, handle *vmmgr.VMHandle) error {
		session, err := r.SSHDialer.Dial(ctx, fmt.Sprintf("%s:%d", handle.VMIP, vmmgr.GuestSSHPort))
		if err != nil {
			return fmt.Errorf("dial guest: %w", err)
		}
		defer session.Dispose()

		mountCmd := fmt.Sprintf("mkdir -p %s %s && mount /dev/vdb %s && mount /dev/vdc %s",
			buildfsInputMount, buildfsOutputMnt, buildfsInputMount, buildfsOutputMnt)
		if _, err := session.Exec(ctx, mountCmd, sshsession.ExecOptions{}); err != nil {
			return fmt.Errorf("mount input/output drives: %w", err)
		}

		if err := uploadResourceDir(session, buildFsResourcesRoot, buildfsWorkdir); err != nil {
			return fmt.Errorf("upload buildfs resources: %w", err)
		}

		buildContext := buildfsInputMount
		if args.ContextPath != "" {
			buildContext = path.Join(buildfsInputMount, args.ContextPath)
		}
		runCmd := fmt.Sprintf("%s/buildfs.sh %s %s %s",
			buildfsWorkdir, shellQuote(args.DockerfilePath), shellQuote(buildfsOutputMnt), shellQuote(buildContext))
		if _, err := session.Exec(ctx, runCmd, sshsession.ExecOptions{Cwd: buildfsWorkdir}); err != nil {
			return fmt.Errorf("run buildfs.sh: %w", err)
		}
		return nil
	})
	if err != nil {
		outcome = metrics.StatusError
		return BuildFsResult{}, err
	}

	return BuildFsResult{OutputDrivePath: args.OutputDrivePath}, nil
}
