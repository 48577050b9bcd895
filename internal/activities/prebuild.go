package activities

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prebuildops/agent/internal/metrics"
	"github.com/prebuildops/agent/internal/model"
	"github.com/prebuildops/agent/internal/sshsession"
	"github.com/prebuildops/agent/internal/vmmgr"
)

// PrebuildArgs identifies the event to run and the VM it runs in.
type PrebuildArgs struct {
	InstanceID       string
	KernelPath       string
	RootFsPath       string
	ProjectDrivePath string
	PrebuildEventID  int64
}

// TaskOutcome is one element of PrebuildResult.Tasks, aligned with the
// event's task order.
type TaskOutcome struct {
	TaskID string
	Status string // model.TaskSuccess | model.TaskError | model.TaskCancelled
	Error  error
}

// PrebuildResult is the ordered list of task outcomes. The activity itself
// returns normally even when individual tasks errored or were cancelled —
// only an infrastructure failure (VM boot, event lookup) surfaces as an error.
type PrebuildResult struct {
	Tasks []TaskOutcome
}

const logSyncInterval = 1 * time.Second

// prebuildRun is the shared coordination state for one Prebuild invocation:
// the registry of live task sessions (for cancellation) and the one-shot
// cleanup flag. Mirrors the producer/consumer + cancel-fan-out pattern
// described in SPEC_FULL.md §5.
type prebuildRun struct {
	mu             sync.Mutex
	once           sync.Once
	cleanupStarted bool
	sessions       map[string]*sshsession.Session
}

func newPrebuildRun() *prebuildRun {
	return &prebuildRun{sessions: make(map[string]*sshsession.Session)}
}

func (pr *prebuildRun) register(taskID string, session *sshsession.Session) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.sessions[taskID] = session
}

func (pr *prebuildRun) unregister(taskID string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	delete(pr.sessions, taskID)
}

func (pr *prebuildRun) isCleanupStarted() bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.cleanupStarted
}

// triggerCancellation runs exactly once per prebuildRun: it marks cleanup
// started and disposes every currently registered task session, which
// interrupts their in-flight execs (§4.7 "Cancellation protocol").
func (pr *prebuildRun) triggerCancellation() {
	pr.once.Do(func() {
		pr.mu.Lock()
		pr.cleanupStarted = true
		sessions := make([]*sshsession.Session, 0, len(pr.sessions))
		for _, s := range pr.sessions {
			sessions = append(sessions, s)
		}
		pr.mu.Unlock()

		for _, s := range sessions {
			s.Dispose()
		}
	})
}

// Prebuild loads PrebuildEventID and its tasks, boots one VM with the
// project drive mounted, and runs every task concurrently inside it with
// live log-sync and cancel-on-first-failure.
func (r *Registry) Prebuild(ctx context.Context, args PrebuildArgs) (PrebuildResult, error) {
	outcome := metrics.StatusSuccess
	defer func() { metrics.ActivitiesTotal.WithLabelValues(metrics.ActivityPrebuild, outcome).Inc() }()

	event, err := r.Store.GetPrebuildEvent(ctx, args.PrebuildEventID)
	if err != nil {
		outcome = metrics.StatusError
		return PrebuildResult{}, fmt.Errorf("load prebuild event %d: %w", args.PrebuildEventID, err)
	}

	var result PrebuildResult

	cfg := vmmgr.VMConfig{
		InstanceID:     args.InstanceID,
		KernelPath:     args.KernelPath,
		RootDrivePath:  args.RootFsPath,
		ExtraDrives:    []vmmgr.Drive{{ID: "project", Path: args.ProjectDrivePath}},
		ShouldPoweroff: true,
	}

	err = r.VMMgr.WithVM(ctx, cfg, func(ctx context.Context, handle *vmmgr.VMHandle) error {
		mountSession, err := r.SSHDialer.Dial(ctx, fmt.Sprintf("%s:%d", handle.VMIP, vmmgr.GuestSSHPort))
		if err != nil {
			return fmt.Errorf("dial guest: %w", err)
		}
		mount := vmmgr.GuestProjectDriveMount
		_, mountErr := mountSession.Exec(ctx, fmt.Sprintf("mkdir -p %s && mount /dev/vdb %s", mount, mount), sshsession.ExecOptions{})
		mountSession.Dispose()
		if mountErr != nil {
			return fmt.Errorf("mount project drive: %w", mountErr)
		}

		pr := newPrebuildRun()
		outcomes := make([]TaskOutcome, len(event.Tasks))

		var wg sync.WaitGroup
		for i, task := range event.Tasks {
			wg.Add(1)
			go func(i int, task model.VmTask) {
				defer wg.Done()
				outcomes[i] = r.runPrebuildTask(ctx, pr, handle, task)
			}(i, task)
		}
		wg.Wait()

		result.Tasks = outcomes
		return nil
	})
	if err != nil {
		outcome = metrics.StatusError
		return PrebuildResult{}, err
	}

	for _, t := range result.Tasks {
		if t.Status != model.TaskSuccess {
			outcome = metrics.StatusError
			break
		}
	}
	return result, nil
}

// runPrebuildTask runs one task end to end: wrapper script generation,
// dedicated SSH session, paired log-sync loop, status persistence, and
// cancellation fan-out on first failure.
func (r *Registry) runPrebuildTask(ctx context.Context, pr *prebuildRun, handle *vmmgr.VMHandle, task model.VmTask) TaskOutcome {
	taskStart := time.Now()
	logger := r.Logger.With("instance_id", handle.InstanceID, "task_id", task.ID, "task_idx", task.Idx)

	if err := r.Store.UpdateTaskStatus(ctx, task.ID, model.TaskRunning); err != nil {
		logger.Error("persist running status", "error", err)
	}

	session, err := r.SSHDialer.Dial(ctx, fmt.Sprintf("%s:%d", handle.VMIP, vmmgr.GuestSSHPort))
	if err != nil {
		return r.finishTask(ctx, task, model.TaskError, fmt.Errorf("dial guest for task: %w", err), taskStart)
	}
	pr.register(task.ID, session)
	defer func() {
		session.Dispose()
		pr.unregister(task.ID)
	}()

	scriptPath := fmt.Sprintf("%s/.hocus/init/task-%d.sh", vmmgr.GuestProjectDriveMount, task.Idx)
	logPath := fmt.Sprintf("%s/.hocus/init/task-%d.log", vmmgr.GuestProjectDriveMount, task.Idx)
	if err := session.WriteFile(scriptPath, []byte(generateWrapperScript(task.Command)), 0o755); err != nil {
		return r.finishTask(ctx, task, model.TaskError, fmt.Errorf("upload task script: %w", err), taskStart)
	}

	flusher := newLogFlusher(r, task, logger)
	stop := flusher.start(ctx, pr, session)

	cmd := fmt.Sprintf("bash %s 2>&1 | tee %s", shellQuote(scriptPath), shellQuote(logPath))
	projectDir := vmmgr.GuestProjectDriveMount + "/project"
	_, execErr := session.Exec(ctx, cmd, sshsession.ExecOptions{
		Cwd:      projectDir,
		OnStdout: flusher.onLine,
	})
	stop()

	switch {
	case execErr == nil:
		return r.finishTask(ctx, task, model.TaskSuccess, nil, taskStart)
	case errors.Is(execErr, sshsession.ErrDisposed):
		return r.finishTask(ctx, task, model.TaskCancelled, nil, taskStart)
	default:
		pr.triggerCancellation()
		return r.finishTask(ctx, task, model.TaskError, execErr, taskStart)
	}
}

// finishTask persists the final status and reports a composite error if the
// status write itself fails alongside a real task error (§4.7).
func (r *Registry) finishTask(ctx context.Context, task model.VmTask, status string, taskErr error, start time.Time) TaskOutcome {
	metrics.TaskDuration.WithLabelValues(statusToMetric(status)).Observe(time.Since(start).Seconds())

	if err := r.Store.UpdateTaskStatus(ctx, task.ID, status); err != nil {
		combined := model.NewCompositeError(taskErr, fmt.Errorf("persist task status %s: %w", status, err))
		return TaskOutcome{TaskID: task.ID, Status: status, Error: combined}
	}
	return TaskOutcome{TaskID: task.ID, Status: status, Error: taskErr}
}

func statusToMetric(status string) string {
	switch status {
	case model.TaskSuccess:
		return metrics.StatusSuccess
	case model.TaskCancelled:
		return metrics.StatusCancelled
	default:
		return metrics.StatusError
	}
}

// generateWrapperScript wraps command with a common shell prelude so every
// task fails fast and propagates pipeline failures.
func generateWrapperScript(command string) string {
	return "#!/bin/bash\nset -o pipefail -o errexit\n\n" + command + "\n"
}

// logFlusher is the consumer half of the producer/consumer log fan-in
// (SPEC_FULL.md §9 "Log fan-in"): the exec callback appends raw lines to a
// shared buffer, and a ticking goroutine swaps it out and persists a Log
// row with the next monotonically increasing idx every ~1s.
type logFlusher struct {
	r      *Registry
	task   model.VmTask
	logger *slog.Logger

	mu      sync.Mutex
	buf     bytes.Buffer
	nextIdx int
}

func newLogFlusher(r *Registry, task model.VmTask, logger *slog.Logger) *logFlusher {
	return &logFlusher{r: r, task: task, logger: logger}
}

func (f *logFlusher) onLine(line string) {
	f.mu.Lock()
	f.buf.WriteString(line)
	f.buf.WriteByte('\n')
	f.mu.Unlock()
}

func (f *logFlusher) flush(ctx context.Context) {
	f.mu.Lock()
	if f.buf.Len() == 0 {
		f.mu.Unlock()
		return
	}
	chunk := append([]byte(nil), f.buf.Bytes()...)
	f.buf.Reset()
	idx := f.nextIdx
	f.mu.Unlock()

	err := f.r.Store.AppendLogChunk(ctx, model.LogChunk{
		LogGroupID: f.task.LogGroupID,
		Idx:        idx,
		Content:    chunk,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		f.logger.Error("append log chunk", "error", err)
		return
	}
	f.mu.Lock()
	f.nextIdx++
	f.mu.Unlock()
	metrics.LogChunksWritten.Inc()
}

// start runs the 1Hz flush loop until stop is called, then does one final
// flush to drain anything written after the last tick. If cleanup starts
// mid-run, the loop disposes its own session so the matching exec observes
// the dispose and fails, per §4.7's note that a log-sync loop observing
// cleanupStarted must itself fail.
func (f *logFlusher) start(ctx context.Context, pr *prebuildRun, session *sshsession.Session) (stop func()) {
	done := make(chan struct{})
	stopCh := make(chan struct{})

	go func() {
		ticker := time.NewTicker(logSyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if pr.isCleanupStarted() {
					session.Dispose()
				}
				f.flush(context.Background())
			case <-stopCh:
				f.flush(context.Background())
				close(done)
				return
			}
		}
	}()

	return func() {
		close(stopCh)
		<-done
	}
}
