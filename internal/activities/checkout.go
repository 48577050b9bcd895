package activities

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/prebuildops/agent/internal/metrics"
	"github.com/prebuildops/agent/internal/model"
	"github.com/prebuildops/agent/internal/sshsession"
	"github.com/prebuildops/agent/internal/vmmgr"
)

// CheckoutAndInspectArgs are the inputs to CheckoutAndInspect.
type CheckoutAndInspectArgs struct {
	InstanceID      string
	KernelPath      string
	SourceDrivePath string
	OutputDrivePath string
	TargetBranch    string
}

// CheckoutAndInspectResult carries the parsed project config, or nil if the
// repository has no config file (the "absent" sentinel, §3).
type CheckoutAndInspectResult struct {
	Config *model.ProjectConfig
}

// projectConfigPath is the well-known path inside the checked-out repo
// (recovered default; spec.md leaves this path unnamed — see DESIGN.md).
const projectConfigPath = ".hocus/prebuilds.yaml"

// CheckoutAndInspect copies SourceDrivePath to OutputDrivePath, boots a VM
// with the copy mounted, checks out TargetBranch, and parses the optional
// project config. The output drive is deleted if any step fails.
func (r *Registry) CheckoutAndInspect(ctx context.Context, args CheckoutAndInspectArgs) (CheckoutAndInspectResult, error) {
	outcome := metrics.StatusSuccess
	defer func() {
		metrics.ActivitiesTotal.WithLabelValues(metrics.ActivityCheckoutAndInspect, outcome).Inc()
	}()

	if _, err := os.Stat(args.OutputDrivePath); err == nil {
		r.Logger.Warn("checkout output drive already exists, overwriting", "path", args.OutputDrivePath)
	}
	if err := copyFile(args.SourceDrivePath, args.OutputDrivePath); err != nil {
		outcome = metrics.StatusError
		copyErr := fmt.Errorf("copy source drive: %w", err)
		if rmErr := os.Remove(args.OutputDrivePath); rmErr != nil && !os.IsNotExist(rmErr) {
			return CheckoutAndInspectResult{}, model.NewCompositeError(copyErr, fmt.Errorf("remove output drive: %w", rmErr))
		}
		return CheckoutAndInspectResult{}, copyErr
	}

	var result CheckoutAndInspectResult

	cfg := vmmgr.VMConfig{
		InstanceID:     args.InstanceID,
		KernelPath:     args.KernelPath,
		RootDrivePath:  args.OutputDrivePath,
		ShouldPoweroff: true,
	}

	err := r.VMMgr.WithVM(ctx, cfg, func(ctx context.Context, handle *vmmgr.VMHandle) error {
		session, err := r.SSHDialer.Dial(ctx, fmt.Sprintf("%s:%d", handle.VMIP, vmmgr.GuestSSHPort))
		if err != nil {
			return fmt.Errorf("dial guest: %w", err)
		}
		defer session.Dispose()

		projectDir := vmmgr.GuestProjectDriveMount + "/project"
		if _, err := session.Exec(ctx, "git checkout "+shellQuote(args.TargetBranch), sshsession.ExecOptions{Cwd: projectDir}); err != nil {
			return fmt.Errorf("git checkout %s: %w", args.TargetBranch, err)
		}

		probe, _ := session.Exec(ctx, "test -f "+projectConfigPath, sshsession.ExecOptions{Cwd: projectDir, AllowNonZeroExitCode: true})
		if probe.ExitCode != 0 {
			result.Config = nil
			return nil
		}

		var raw bytes.Buffer
		_, err = session.Exec(ctx, "cat "+projectConfigPath, sshsession.ExecOptions{
			Cwd: projectDir,
			OnStdout: func(line string) {
				raw.WriteString(line)
				raw.WriteByte('\n')
			},
		})
		if err != nil {
			return fmt.Errorf("read project config: %w", err)
		}

		var parsed model.ProjectConfig
		if err := yaml.Unmarshal(raw.Bytes(), &parsed); err != nil {
			return &model.ValidationFailed{Subject: "project config", Reason: err.Error()}
		}
		result.Config = &parsed
		return nil
	})

	if err != nil {
		outcome = metrics.StatusError
		if rmErr := os.Remove(args.OutputDrivePath); rmErr != nil && !os.IsNotExist(rmErr) {
			return CheckoutAndInspectResult{}, model.NewCompositeError(err, fmt.Errorf("remove output drive: %w", rmErr))
		}
		return CheckoutAndInspectResult{}, err
	}

	return result, nil
}

// copyFile copies src to dst, truncating dst if it already exists.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return out.Close()
}
