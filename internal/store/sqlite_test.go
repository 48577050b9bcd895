package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prebuildops/agent/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seededEvent() model.PrebuildEvent {
	return model.PrebuildEvent{
		ID: 1,
		Tasks: []model.VmTask{
			{ID: "task-1", Idx: 0, Command: "npm install", Status: model.TaskPending, LogGroupID: "lg-1"},
			{ID: "task-2", Idx: 1, Command: "npm build", Status: model.TaskPending, LogGroupID: "lg-2"},
		},
	}
}

func TestGetPrebuildEventNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetPrebuildEvent(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetPrebuildEvent err = %v, want ErrNotFound", err)
	}
}

func TestSeedAndGetPrebuildEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	event := seededEvent()

	if err := s.SeedPrebuildEvent(ctx, event); err != nil {
		t.Fatalf("SeedPrebuildEvent: %v", err)
	}

	got, err := s.GetPrebuildEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("GetPrebuildEvent: %v", err)
	}
	if len(got.Tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(got.Tasks))
	}
	if got.Tasks[0].ID != "task-1" || got.Tasks[1].ID != "task-2" {
		t.Fatalf("tasks not ordered by idx: %+v", got.Tasks)
	}
}

func TestUpdateTaskStatusValidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.SeedPrebuildEvent(ctx, seededEvent()); err != nil {
		t.Fatalf("SeedPrebuildEvent: %v", err)
	}

	if err := s.UpdateTaskStatus(ctx, "task-1", model.TaskRunning); err != nil {
		t.Fatalf("UpdateTaskStatus pending->running: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, "task-1", model.TaskSuccess); err != nil {
		t.Fatalf("UpdateTaskStatus running->success: %v", err)
	}

	event, err := s.GetPrebuildEvent(ctx, 1)
	if err != nil {
		t.Fatalf("GetPrebuildEvent: %v", err)
	}
	if event.Tasks[0].Status != model.TaskSuccess {
		t.Fatalf("task status = %q, want %q", event.Tasks[0].Status, model.TaskSuccess)
	}
}

func TestUpdateTaskStatusInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.SeedPrebuildEvent(ctx, seededEvent()); err != nil {
		t.Fatalf("SeedPrebuildEvent: %v", err)
	}

	// pending -> success skips running, which is never allowed.
	if err := s.UpdateTaskStatus(ctx, "task-1", model.TaskSuccess); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("UpdateTaskStatus err = %v, want ErrInvalidTransition", err)
	}
}

func TestUpdateTaskStatusNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpdateTaskStatus(ctx, "does-not-exist", model.TaskRunning); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateTaskStatus err = %v, want ErrNotFound", err)
	}
}

func TestAppendLogChunkSequential(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		chunk := model.LogChunk{LogGroupID: "lg-1", Idx: i, Content: []byte("line"), CreatedAt: now}
		if err := s.AppendLogChunk(ctx, chunk); err != nil {
			t.Fatalf("AppendLogChunk idx %d: %v", i, err)
		}
	}

	chunks, err := s.ListLogChunks(ctx, "lg-1")
	if err != nil {
		t.Fatalf("ListLogChunks: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if c.Idx != i {
			t.Fatalf("chunk %d has idx %d", i, c.Idx)
		}
	}
}

func TestAppendLogChunkRejectsGap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.AppendLogChunk(ctx, model.LogChunk{LogGroupID: "lg-1", Idx: 0, Content: []byte("a"), CreatedAt: now}); err != nil {
		t.Fatalf("AppendLogChunk idx 0: %v", err)
	}
	if err := s.AppendLogChunk(ctx, model.LogChunk{LogGroupID: "lg-1", Idx: 2, Content: []byte("b"), CreatedAt: now}); !errors.Is(err, ErrOutOfOrderLogChunk) {
		t.Fatalf("AppendLogChunk err = %v, want ErrOutOfOrderLogChunk", err)
	}
}

func TestAppendLogChunkIndependentGroups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.AppendLogChunk(ctx, model.LogChunk{LogGroupID: "lg-a", Idx: 0, Content: []byte("a"), CreatedAt: now}); err != nil {
		t.Fatalf("AppendLogChunk lg-a: %v", err)
	}
	if err := s.AppendLogChunk(ctx, model.LogChunk{LogGroupID: "lg-b", Idx: 0, Content: []byte("b"), CreatedAt: now}); err != nil {
		t.Fatalf("AppendLogChunk lg-b: %v", err)
	}
}
