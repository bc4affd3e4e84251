// Package store persists tasks and guards their lifecycle transitions.
//
// Every mutator enforces the transition rules of the task state machine at
// the storage layer, so concurrent schedulers, dispatchers, and API handlers
// can race freely: the store admits exactly one winner per transition and
// reports the losers with ErrConflict or ErrPrecondition.
package store

import (
	"context"
	"errors"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
)

// ErrNotFound is returned when the requested task does not exist. Callers
// check for it with errors.Is to distinguish missing tasks from storage
// failures.
var ErrNotFound = errors.New("task not found")

// ErrConflict is returned when a transition loses a race or is requested
// from a state that does not admit it, for example assigning a task another
// scheduler pass already claimed, or deleting a task that is running.
var ErrConflict = errors.New("task state conflict")

// ErrPrecondition is returned when the task is already in a terminal state.
// Duplicate completion reports map to it and are treated as no-ops upstream.
var ErrPrecondition = errors.New("task already in terminal state")

// CreateParams carries the caller-supplied fields of a new task. Everything
// else (id, status, timestamps) is generated by the store.
type CreateParams struct {
	Priority       protocol.TaskPriority
	InputFiles     []protocol.InputFile
	OutputSettings protocol.OutputSettings
}

// ListFilter narrows and paginates List results. Zero values mean "no
// filter"; a Limit of 0 means no pagination.
type ListFilter struct {
	Status  protocol.TaskStatus
	AgentID string
	Limit   int
	Offset  int
}

// TaskStore is the task persistence contract. The orchestrator uses the GORM
// implementation; tests use the in-memory one.
//
// All mutators return the task as it reads after the transition, so callers
// can broadcast the fresh state without a second round trip.
type TaskStore interface {
	// Create inserts a new PENDING task.
	Create(ctx context.Context, p CreateParams) (*protocol.Task, error)

	// Get returns the task with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*protocol.Task, error)

	// List returns tasks matching the filter ordered by creation time
	// descending, plus the total match count before pagination.
	List(ctx context.Context, f ListFilter) ([]*protocol.Task, int64, error)

	// NextPending returns the PENDING task with the highest priority,
	// oldest first within a priority. ErrNotFound when the queue is empty.
	NextPending(ctx context.Context) (*protocol.Task, error)

	// Assign claims a PENDING task for an agent, recording the agent id and
	// the start time. The claim is a compare-and-swap on the status column:
	// a concurrent claim of the same task leaves exactly one winner, the
	// rest get ErrConflict.
	Assign(ctx context.Context, id, agentID string) (*protocol.Task, error)

	// UpdateProgress records execution progress and promotes ASSIGNED to
	// RUNNING, stamping started_at on the first report.
	UpdateProgress(ctx context.Context, id string, progress float64) (*protocol.Task, error)

	// Complete marks an ASSIGNED or RUNNING task COMPLETED with progress 100.
	// A task already terminal yields ErrPrecondition.
	Complete(ctx context.Context, id string) (*protocol.Task, error)

	// Fail marks an ASSIGNED or RUNNING task FAILED with the given message.
	// A task already terminal yields ErrPrecondition.
	Fail(ctx context.Context, id, errMsg string) (*protocol.Task, error)

	// Cancel marks a PENDING, ASSIGNED, or RUNNING task CANCELLED and
	// clears its agent binding. The REST surface only exposes it for queued
	// tasks; the in-flight transitions belong to the control plane.
	Cancel(ctx context.Context, id string) (*protocol.Task, error)

	// ResetToPending requeues a FAILED task (operator restart). The agent
	// binding, the progress, the error message, and the execution
	// timestamps are cleared. Any other state yields ErrConflict or
	// ErrPrecondition.
	ResetToPending(ctx context.Context, id string) (*protocol.Task, error)

	// Unassign rolls an ASSIGNED task back to PENDING after a dispatch
	// failure, before the agent ever saw it. The task keeps its created_at
	// and so its place in the queue.
	Unassign(ctx context.Context, id string) (*protocol.Task, error)

	// SetPriority changes the priority of a task still in the queue.
	// Tasks past PENDING yield ErrConflict.
	SetPriority(ctx context.Context, id string, p protocol.TaskPriority) (*protocol.Task, error)

	// Delete removes a task that is not currently ASSIGNED or RUNNING.
	Delete(ctx context.Context, id string) error

	// ResetDangling fails every ASSIGNED or RUNNING task. Called once at
	// boot: such rows mean the previous orchestrator process died while the
	// tasks were in flight, and their agents report back via reconnect.
	ResetDangling(ctx context.Context) (int64, error)
}

// DanglingTaskMessage is the error recorded on tasks failed by ResetDangling.
const DanglingTaskMessage = "orchestrator restarted during execution"
