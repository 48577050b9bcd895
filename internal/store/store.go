package store

import (
	"context"
	"errors"

	"github.com/prebuildops/agent/internal/model"
)

// ErrNotFound is returned when a prebuild event or task does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a task status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// Store defines the persistence operations the prebuild supervisor needs.
// Deliberately narrow: the core only ever reads a prebuild event with its
// tasks, updates a single task's status, and appends a log chunk.
type Store interface {
	// GetPrebuildEvent loads a prebuild event and its tasks, or ErrNotFound.
	GetPrebuildEvent(ctx context.Context, id int64) (*model.PrebuildEvent, error)

	// UpdateTaskStatus transitions a task to status. Returns
	// ErrInvalidTransition if the transition is not allowed from the task's
	// current status, ErrNotFound if the task does not exist.
	UpdateTaskStatus(ctx context.Context, taskID, status string) error

	// AppendLogChunk inserts a log chunk. idx must be the next expected
	// index for logGroupID (gap-free, monotonically increasing from 0);
	// violating that returns an error.
	AppendLogChunk(ctx context.Context, chunk model.LogChunk) error

	// ListLogChunks returns all log chunks for a log group ordered by idx,
	// used by tests and diagnostics.
	ListLogChunks(ctx context.Context, logGroupID string) ([]model.LogChunk, error)

	Close() error
}
