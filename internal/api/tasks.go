package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/metrics"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/store"
)

// Broadcaster fans observer updates out to dashboard clients.
type Broadcaster interface {
	Broadcast(msg any)
}

// Waker pokes the scheduler after a queue change.
type Waker interface {
	Wake()
}

// TaskHandler serves the /api/tasks resource.
type TaskHandler struct {
	tasks  store.TaskStore
	hub    Broadcaster
	sched  Waker
	logger *zap.Logger
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(tasks store.TaskStore, hub Broadcaster, sched Waker, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		tasks:  tasks,
		hub:    hub,
		sched:  sched,
		logger: logger,
	}
}

type createTaskRequest struct {
	Priority       string                  `json:"priority"`
	InputFiles     []protocol.InputFile    `json:"input_files"`
	OutputSettings protocol.OutputSettings `json:"output_settings"`
}

type listTasksResponse struct {
	Tasks []*protocol.Task `json:"tasks"`
	Total int64            `json:"total"`
}

// Create handles POST /api/tasks. The new task enters the queue as PENDING
// and the scheduler is woken immediately.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	priority := protocol.TaskPriority(req.Priority)
	if req.Priority == "" {
		priority = protocol.PriorityMedium
	}
	if !priority.Valid() {
		ErrBadRequest(w, "priority must be LOW, MEDIUM, or HIGH")
		return
	}
	if len(req.InputFiles) == 0 {
		ErrBadRequest(w, "at least one input file is required")
		return
	}
	for _, f := range req.InputFiles {
		if f.Storage == "" || f.Path == "" {
			ErrBadRequest(w, "every input file needs a storage and a path")
			return
		}
	}
	if req.OutputSettings.Storage() == "" || req.OutputSettings.Path() == "" {
		ErrBadRequest(w, "output_settings must contain a storage and a path")
		return
	}
	if codec, ok := req.OutputSettings["codec"].(string); ok && !protocol.ValidCodec(codec) {
		ErrBadRequest(w, "codec must be h264, h265, or vp9")
		return
	}

	task, err := h.tasks.Create(r.Context(), store.CreateParams{
		Priority:       priority,
		InputFiles:     req.InputFiles,
		OutputSettings: req.OutputSettings,
	})
	if err != nil {
		h.logger.Error("failed to create task", zap.Error(err))
		ErrInternal(w)
		return
	}

	metrics.TasksCreated.WithLabelValues(string(task.Priority)).Inc()
	h.logger.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("priority", string(task.Priority)),
	)

	h.hub.Broadcast(protocol.NewTaskUpdate(task))
	h.sched.Wake()
	Created(w, task)
}

// List handles GET /api/tasks with optional status, agent_id, limit, and
// offset query parameters.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		AgentID: r.URL.Query().Get("agent_id"),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		s := protocol.TaskStatus(status)
		if !s.Valid() {
			ErrBadRequest(w, "unknown status filter")
			return
		}
		filter.Status = s
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			ErrBadRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			ErrBadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	tasks, total, err := h.tasks.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list tasks", zap.Error(err))
		ErrInternal(w)
		return
	}
	if tasks == nil {
		tasks = []*protocol.Task{}
	}
	Ok(w, listTasksResponse{Tasks: tasks, Total: total})
}

// GetByID handles GET /api/tasks/{id}.
func (h *TaskHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get task", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, task)
}

type updateTaskRequest struct {
	Priority *string `json:"priority"`
	Status   *string `json:"status"`
}

// Update handles PATCH /api/tasks/{id}. Two mutations are supported:
// changing the priority of a queued task, and moving the status to PENDING
// (restart a failed task) or CANCELLED (withdraw a queued task). Tasks
// already on an agent run to completion or are failed by the monitor.
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Priority == nil && req.Status == nil {
		ErrBadRequest(w, "nothing to update")
		return
	}

	var task *protocol.Task

	if req.Priority != nil {
		p := protocol.TaskPriority(*req.Priority)
		if !p.Valid() {
			ErrBadRequest(w, "priority must be LOW, MEDIUM, or HIGH")
			return
		}
		updated, err := h.tasks.SetPriority(r.Context(), id, p)
		if err != nil {
			h.writeTaskError(w, err, "priority can only be changed while the task is pending")
			return
		}
		task = updated
	}

	if req.Status != nil {
		switch protocol.TaskStatus(*req.Status) {
		case protocol.StatusPending:
			updated, err := h.tasks.ResetToPending(r.Context(), id)
			if err != nil {
				h.writeTaskError(w, err, "only failed tasks can be restarted")
				return
			}
			task = updated

		case protocol.StatusCancelled:
			// The store admits cancellation of in-flight tasks for the
			// control plane, but the REST surface may only withdraw queued
			// work; a task on an agent runs until the agent reports.
			current, err := h.tasks.Get(r.Context(), id)
			if err != nil {
				h.writeTaskError(w, err, "only queued tasks can be cancelled")
				return
			}
			if current.Status == protocol.StatusAssigned || current.Status == protocol.StatusRunning {
				ErrBadRequest(w, "only queued tasks can be cancelled")
				return
			}
			updated, err := h.tasks.Cancel(r.Context(), id)
			if err != nil {
				h.writeTaskError(w, err, "only queued tasks can be cancelled")
				return
			}
			metrics.TasksCompleted.WithLabelValues("cancelled").Inc()
			h.logger.Info("task cancelled", zap.String("task_id", updated.ID))
			task = updated

		default:
			ErrBadRequest(w, "status can only be set to PENDING or CANCELLED")
			return
		}
	}

	h.hub.Broadcast(protocol.NewTaskUpdate(task))
	h.sched.Wake()
	Ok(w, task)
}

// Delete handles DELETE /api/tasks/{id}. A task currently on an agent
// cannot be deleted; cancel it first.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	err := h.tasks.Delete(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		NoContent(w)
	case errors.Is(err, store.ErrNotFound):
		ErrNotFound(w)
	case errors.Is(err, store.ErrConflict):
		ErrBadRequest(w, "cannot delete a task in progress")
	default:
		h.logger.Error("failed to delete task", zap.Error(err))
		ErrInternal(w)
	}
}

// writeTaskError maps store errors onto HTTP responses. conflictMsg is used
// for both conflict and precondition failures; the distinction matters to
// the dispatcher but not to an API client.
func (h *TaskHandler) writeTaskError(w http.ResponseWriter, err error, conflictMsg string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		ErrNotFound(w)
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrPrecondition):
		ErrBadRequest(w, conflictMsg)
	default:
		h.logger.Error("task update failed", zap.Error(err))
		ErrInternal(w)
	}
}
