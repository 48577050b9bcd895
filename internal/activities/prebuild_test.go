package activities

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prebuildops/agent/internal/metrics"
	"github.com/prebuildops/agent/internal/model"
)

func TestGenerateWrapperScriptWrapsCommand(t *testing.T) {
	script := generateWrapperScript("echo A")
	if !strings.Contains(script, "set -o pipefail -o errexit") {
		t.Errorf("wrapper script missing shell prelude: %s", script)
	}
	if !strings.Contains(script, "echo A") {
		t.Errorf("wrapper script missing command: %s", script)
	}
	if !strings.HasPrefix(script, "#!/bin/bash") {
		t.Errorf("wrapper script missing shebang: %s", script)
	}
}

func TestStatusToMetricMapping(t *testing.T) {
	cases := map[string]string{
		model.TaskSuccess:   metrics.StatusSuccess,
		model.TaskCancelled: metrics.StatusCancelled,
		model.TaskError:     metrics.StatusError,
	}
	for status, want := range cases {
		if got := statusToMetric(status); got != want {
			t.Errorf("statusToMetric(%s) = %s, want %s", status, got, want)
		}
	}
}

func TestFinishTaskCombinesStatusWriteFailureWithTaskError(t *testing.T) {
	fs := newFakeStore()
	fs.updateErr = errors.New("db down")
	r := &Registry{Store: fs, Logger: slog.Default()}

	taskErr := errors.New("task failed")
	outcome := r.finishTask(context.Background(), model.VmTask{ID: "t1"}, model.TaskError, taskErr, time.Now())

	var composite *model.CompositeError
	if !errors.As(outcome.Error, &composite) {
		t.Fatalf("expected composite error, got %v", outcome.Error)
	}
	if !errors.Is(outcome.Error, taskErr) {
		t.Errorf("composite error should wrap the original task error")
	}
}

func TestFinishTaskReturnsBareTaskErrorWhenStatusWriteSucceeds(t *testing.T) {
	fs := newFakeStore()
	r := &Registry{Store: fs, Logger: slog.Default()}

	taskErr := errors.New("task failed")
	outcome := r.finishTask(context.Background(), model.VmTask{ID: "t1"}, model.TaskError, taskErr, time.Now())

	if outcome.Error != taskErr {
		t.Errorf("expected bare task error, got %v", outcome.Error)
	}
	if fs.lastStatus["t1"] != model.TaskError {
		t.Errorf("expected status persisted as error, got %v", fs.lastStatus)
	}
}

func TestPrebuildRunTriggerCancellationIsOneShot(t *testing.T) {
	pr := newPrebuildRun()
	pr.triggerCancellation()
	if !pr.isCleanupStarted() {
		t.Fatal("expected cleanupStarted after first trigger")
	}
	// Calling again must not panic (sync.Once) and remains started.
	pr.triggerCancellation()
	if !pr.isCleanupStarted() {
		t.Fatal("expected cleanupStarted to remain true")
	}
}

// fakeStore is a minimal in-memory store.Store for activities tests that
// don't need real SQLite.
type fakeStore struct {
	updateErr  error
	lastStatus map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{lastStatus: make(map[string]string)}
}

func (f *fakeStore) GetPrebuildEvent(ctx context.Context, id int64) (*model.PrebuildEvent, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeStore) UpdateTaskStatus(ctx context.Context, taskID, status string) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.lastStatus[taskID] = status
	return nil
}

func (f *fakeStore) AppendLogChunk(ctx context.Context, chunk model.LogChunk) error {
	return nil
}

func (f *fakeStore) ListLogChunks(ctx context.Context, logGroupID string) ([]model.LogChunk, error) {
	return nil, nil
}

func (f *fakeStore) Close() error { return nil }
