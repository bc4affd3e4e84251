package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/db"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
)

// gormTaskStore is the GORM implementation of TaskStore. Transitions are
// expressed as conditional UPDATEs guarded on the current status, so the
// database decides every race regardless of how many orchestrator goroutines
// touch the same task.
type gormTaskStore struct {
	db *gorm.DB
}

// NewGorm returns a TaskStore backed by the provided *gorm.DB.
func NewGorm(database *gorm.DB) TaskStore {
	return &gormTaskStore{db: database}
}

func (s *gormTaskStore) Create(ctx context.Context, p CreateParams) (*protocol.Task, error) {
	row := db.Task{
		Priority:       string(p.Priority),
		Status:         string(protocol.StatusPending),
		InputFiles:     db.InputFilesColumn(p.InputFiles),
		OutputSettings: db.OutputSettingsColumn(p.OutputSettings),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("tasks: create: %w", err)
	}
	return row.ToWire(), nil
}

func (s *gormTaskStore) Get(ctx context.Context, id string) (*protocol.Task, error) {
	row, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return row.ToWire(), nil
}

func (s *gormTaskStore) get(ctx context.Context, id string) (*db.Task, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}
	var row db.Task
	if err := s.db.WithContext(ctx).First(&row, "id = ?", uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tasks: get by id: %w", err)
	}
	return &row, nil
}

func (s *gormTaskStore) List(ctx context.Context, f ListFilter) ([]*protocol.Task, int64, error) {
	q := s.db.WithContext(ctx).Model(&db.Task{})
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.AgentID != "" {
		q = q.Where("agent_id = ?", f.AgentID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("tasks: list count: %w", err)
	}

	if f.Limit > 0 {
		q = q.Limit(f.Limit).Offset(f.Offset)
	}

	var rows []db.Task
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("tasks: list: %w", err)
	}

	tasks := make([]*protocol.Task, len(rows))
	for i := range rows {
		tasks[i] = rows[i].ToWire()
	}
	return tasks, total, nil
}

func (s *gormTaskStore) NextPending(ctx context.Context) (*protocol.Task, error) {
	var row db.Task
	err := s.db.WithContext(ctx).
		Where("status = ?", string(protocol.StatusPending)).
		Order("CASE priority WHEN 'HIGH' THEN 2 WHEN 'MEDIUM' THEN 1 ELSE 0 END DESC, created_at ASC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tasks: next pending: %w", err)
	}
	return row.ToWire(), nil
}

func (s *gormTaskStore) Assign(ctx context.Context, id, agentID string) (*protocol.Task, error) {
	return s.transition(ctx, id, "assign",
		[]protocol.TaskStatus{protocol.StatusPending},
		map[string]interface{}{
			"status":     string(protocol.StatusAssigned),
			"agent_id":   agentID,
			"started_at": time.Now().UTC(),
		})
}

func (s *gormTaskStore) UpdateProgress(ctx context.Context, id string, progress float64) (*protocol.Task, error) {
	return s.transition(ctx, id, "update progress",
		[]protocol.TaskStatus{protocol.StatusAssigned, protocol.StatusRunning},
		map[string]interface{}{
			"status":     string(protocol.StatusRunning),
			"progress":   progress,
			"started_at": gorm.Expr("COALESCE(started_at, ?)", time.Now().UTC()),
		})
}

func (s *gormTaskStore) Complete(ctx context.Context, id string) (*protocol.Task, error) {
	now := time.Now().UTC()
	return s.transition(ctx, id, "complete",
		[]protocol.TaskStatus{protocol.StatusAssigned, protocol.StatusRunning},
		map[string]interface{}{
			"status":       string(protocol.StatusCompleted),
			"progress":     100.0,
			"started_at":   gorm.Expr("COALESCE(started_at, ?)", now),
			"completed_at": now,
		})
}

func (s *gormTaskStore) Fail(ctx context.Context, id, errMsg string) (*protocol.Task, error) {
	return s.transition(ctx, id, "fail",
		[]protocol.TaskStatus{protocol.StatusAssigned, protocol.StatusRunning},
		map[string]interface{}{
			"status":        string(protocol.StatusFailed),
			"error_message": errMsg,
			"completed_at":  time.Now().UTC(),
		})
}

func (s *gormTaskStore) Cancel(ctx context.Context, id string) (*protocol.Task, error) {
	return s.transition(ctx, id, "cancel",
		[]protocol.TaskStatus{protocol.StatusPending, protocol.StatusAssigned, protocol.StatusRunning},
		map[string]interface{}{
			"status":       string(protocol.StatusCancelled),
			"agent_id":     nil,
			"completed_at": time.Now().UTC(),
		})
}

func (s *gormTaskStore) ResetToPending(ctx context.Context, id string) (*protocol.Task, error) {
	return s.transition(ctx, id, "reset to pending",
		[]protocol.TaskStatus{protocol.StatusFailed},
		map[string]interface{}{
			"status":        string(protocol.StatusPending),
			"agent_id":      nil,
			"progress":      0.0,
			"error_message": nil,
			"started_at":    nil,
			"completed_at":  nil,
		})
}

func (s *gormTaskStore) Unassign(ctx context.Context, id string) (*protocol.Task, error) {
	return s.transition(ctx, id, "unassign",
		[]protocol.TaskStatus{protocol.StatusAssigned},
		map[string]interface{}{
			"status":     string(protocol.StatusPending),
			"agent_id":   nil,
			"started_at": nil,
		})
}

func (s *gormTaskStore) SetPriority(ctx context.Context, id string, p protocol.TaskPriority) (*protocol.Task, error) {
	return s.transition(ctx, id, "set priority",
		[]protocol.TaskStatus{protocol.StatusPending},
		map[string]interface{}{
			"priority": string(p),
		})
}

func (s *gormTaskStore) Delete(ctx context.Context, id string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	result := s.db.WithContext(ctx).
		Where("id = ? AND status NOT IN ?", uid,
			[]string{string(protocol.StatusAssigned), string(protocol.StatusRunning)}).
		Delete(&db.Task{})
	if result.Error != nil {
		return fmt.Errorf("tasks: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.get(ctx, id); err != nil {
			return err
		}
		// The row exists, so the guard blocked an in-flight task.
		return ErrConflict
	}
	return nil
}

func (s *gormTaskStore) ResetDangling(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("status IN ?",
			[]string{string(protocol.StatusAssigned), string(protocol.StatusRunning)}).
		Updates(map[string]interface{}{
			"status":        string(protocol.StatusFailed),
			"error_message": DanglingTaskMessage,
			"completed_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("tasks: reset dangling: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// transition performs a guarded UPDATE: the row changes only if its current
// status is one of from. RowsAffected 0 is disambiguated with a follow-up
// read into ErrNotFound, ErrPrecondition, or ErrConflict.
func (s *gormTaskStore) transition(ctx context.Context, id, op string, from []protocol.TaskStatus, updates map[string]interface{}) (*protocol.Task, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}

	statuses := make([]string, len(from))
	for i, st := range from {
		statuses[i] = string(st)
	}

	result := s.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("id = ? AND status IN ?", uid, statuses).
		Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("tasks: %s: %w", op, result.Error)
	}

	if result.RowsAffected == 0 {
		row, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if protocol.TaskStatus(row.Status).Terminal() {
			return nil, ErrPrecondition
		}
		return nil, ErrConflict
	}

	row, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return row.ToWire(), nil
}
