// Package model defines the entities the prebuild agent core reads and
// writes: prebuild events, the VM tasks they own, and their log chunks.
package model

import "time"

// VmTask status constants. PENDING -> RUNNING -> {SUCCESS | ERROR | CANCELLED}.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskSuccess   = "success"
	TaskError     = "error"
	TaskCancelled = "cancelled"
)

// validTaskTransitions maps each status to the set of statuses it may
// transition to. PENDING->RUNNING on pickup, RUNNING->terminal on exit.
var validTaskTransitions = map[string]map[string]bool{
	TaskPending: {
		TaskRunning:   true,
		TaskCancelled: true, // cancelled before the supervisor ever picked it up
	},
	TaskRunning: {
		TaskSuccess:   true,
		TaskError:     true,
		TaskCancelled: true,
	},
}

// ValidTaskTransition reports whether transitioning a VmTask from one status
// to another is allowed. SUCCESS, ERROR, and CANCELLED are terminal: no
// transition originates from any of them.
func ValidTaskTransition(from, to string) bool {
	targets, ok := validTaskTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is one of the three terminal VmTask states.
func IsTerminal(status string) bool {
	return status == TaskSuccess || status == TaskError || status == TaskCancelled
}

// PrebuildEvent is a declarative batch of tasks to run against a project
// drive. Created outside the core; the core only reads it.
type PrebuildEvent struct {
	ID    int64     `json:"id"`
	Tasks []VmTask  `json:"tasks"`
}

// VmTask is one idempotent shell command belonging to a PrebuildEvent. Idx is
// the stable ordinal position among sibling tasks and never changes.
type VmTask struct {
	ID         string `json:"id"`
	Idx        int    `json:"idx"`
	Command    string `json:"command"`
	Status     string `json:"status"`
	LogGroupID string `json:"log_group_id"`
}

// LogChunk is one append-only slice of a log group's byte stream. Within a
// LogGroupID, Idx is assigned by the writer and must increase by exactly one
// per chunk with no gaps.
type LogChunk struct {
	LogGroupID string    `json:"log_group_id"`
	Idx        int       `json:"idx"`
	Content    []byte    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// ProjectConfig is the optional, schema-validated record loaded from a
// well-known path inside the checked-out repository. A nil *ProjectConfig is
// the "absent" sentinel — CheckoutAndInspect returns this when the project
// carries no config file.
type ProjectConfig struct {
	// Tasks lists shell commands to run when the caller does not supply its
	// own task list directly (used by tooling that derives tasks from the
	// repository rather than from a pre-built PrebuildEvent).
	Tasks []string `yaml:"tasks"`

	// CheckoutPath is parsed from the file but not read by any activity:
	// CheckoutAndInspect and Prebuild always use "project" under the project
	// drive's mount point (see DESIGN.md).
	CheckoutPath string `yaml:"checkoutPath"`
}
