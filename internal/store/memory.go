package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
)

// memoryRow wraps a task with its insertion sequence number. Tasks created
// within the same clock tick still schedule in FIFO order.
type memoryRow struct {
	task protocol.Task
	seq  uint64
}

// memoryTaskStore is an in-memory TaskStore used in tests and as a scheduling
// fake. A single mutex serializes all transitions, which gives the same
// one-winner-per-transition guarantee the SQL implementation gets from
// conditional UPDATEs.
type memoryTaskStore struct {
	mu   sync.Mutex
	rows map[string]*memoryRow
	seq  uint64
}

// NewMemory returns an empty in-memory TaskStore.
func NewMemory() TaskStore {
	return &memoryTaskStore{rows: make(map[string]*memoryRow)}
}

func (s *memoryTaskStore) Create(_ context.Context, p CreateParams) (*protocol.Task, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	row := &memoryRow{
		seq: s.seq,
		task: protocol.Task{
			ID:             id.String(),
			Priority:       p.Priority,
			Status:         protocol.StatusPending,
			InputFiles:     p.InputFiles,
			OutputSettings: p.OutputSettings,
			CreatedAt:      time.Now().UTC(),
		},
	}
	s.rows[row.task.ID] = row
	return cloneTask(&row.task), nil
}

func (s *memoryTaskStore) Get(_ context.Context, id string) (*protocol.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(&row.task), nil
}

func (s *memoryTaskStore) List(_ context.Context, f ListFilter) ([]*protocol.Task, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*memoryRow
	for _, row := range s.rows {
		if f.Status != "" && row.task.Status != f.Status {
			continue
		}
		if f.AgentID != "" && (row.task.AgentID == nil || *row.task.AgentID != f.AgentID) {
			continue
		}
		matched = append(matched, row)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq > matched[j].seq })

	total := int64(len(matched))
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[f.Offset:]
		}
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	tasks := make([]*protocol.Task, len(matched))
	for i, row := range matched {
		tasks[i] = cloneTask(&row.task)
	}
	return tasks, total, nil
}

func (s *memoryTaskStore) NextPending(_ context.Context) (*protocol.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *memoryRow
	for _, row := range s.rows {
		if row.task.Status != protocol.StatusPending {
			continue
		}
		if best == nil {
			best = row
			continue
		}
		br, rr := best.task.Priority.Rank(), row.task.Priority.Rank()
		if rr > br || (rr == br && row.seq < best.seq) {
			best = row
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return cloneTask(&best.task), nil
}

func (s *memoryTaskStore) Assign(_ context.Context, id, agentID string) (*protocol.Task, error) {
	return s.transition(id, []protocol.TaskStatus{protocol.StatusPending}, func(t *protocol.Task) {
		now := time.Now().UTC()
		t.Status = protocol.StatusAssigned
		t.AgentID = &agentID
		t.StartedAt = &now
	})
}

func (s *memoryTaskStore) UpdateProgress(_ context.Context, id string, progress float64) (*protocol.Task, error) {
	return s.transition(id,
		[]protocol.TaskStatus{protocol.StatusAssigned, protocol.StatusRunning},
		func(t *protocol.Task) {
			t.Status = protocol.StatusRunning
			t.Progress = progress
			if t.StartedAt == nil {
				now := time.Now().UTC()
				t.StartedAt = &now
			}
		})
}

func (s *memoryTaskStore) Complete(_ context.Context, id string) (*protocol.Task, error) {
	return s.transition(id,
		[]protocol.TaskStatus{protocol.StatusAssigned, protocol.StatusRunning},
		func(t *protocol.Task) {
			now := time.Now().UTC()
			t.Status = protocol.StatusCompleted
			t.Progress = 100
			if t.StartedAt == nil {
				t.StartedAt = &now
			}
			t.CompletedAt = &now
		})
}

func (s *memoryTaskStore) Fail(_ context.Context, id, errMsg string) (*protocol.Task, error) {
	return s.transition(id,
		[]protocol.TaskStatus{protocol.StatusAssigned, protocol.StatusRunning},
		func(t *protocol.Task) {
			now := time.Now().UTC()
			t.Status = protocol.StatusFailed
			t.ErrorMessage = &errMsg
			t.CompletedAt = &now
		})
}

func (s *memoryTaskStore) Cancel(_ context.Context, id string) (*protocol.Task, error) {
	return s.transition(id,
		[]protocol.TaskStatus{protocol.StatusPending, protocol.StatusAssigned, protocol.StatusRunning},
		func(t *protocol.Task) {
			now := time.Now().UTC()
			t.Status = protocol.StatusCancelled
			t.AgentID = nil
			t.CompletedAt = &now
		})
}

func (s *memoryTaskStore) ResetToPending(_ context.Context, id string) (*protocol.Task, error) {
	return s.transition(id,
		[]protocol.TaskStatus{protocol.StatusFailed},
		func(t *protocol.Task) {
			t.Status = protocol.StatusPending
			t.AgentID = nil
			t.Progress = 0
			t.ErrorMessage = nil
			t.StartedAt = nil
			t.CompletedAt = nil
		})
}

func (s *memoryTaskStore) Unassign(_ context.Context, id string) (*protocol.Task, error) {
	return s.transition(id,
		[]protocol.TaskStatus{protocol.StatusAssigned},
		func(t *protocol.Task) {
			t.Status = protocol.StatusPending
			t.AgentID = nil
			t.StartedAt = nil
		})
}

func (s *memoryTaskStore) SetPriority(_ context.Context, id string, p protocol.TaskPriority) (*protocol.Task, error) {
	return s.transition(id, []protocol.TaskStatus{protocol.StatusPending}, func(t *protocol.Task) {
		t.Priority = p
	})
}

func (s *memoryTaskStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	if row.task.Status == protocol.StatusAssigned || row.task.Status == protocol.StatusRunning {
		return ErrConflict
	}
	delete(s.rows, id)
	return nil
}

func (s *memoryTaskStore) ResetDangling(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	msg := DanglingTaskMessage
	now := time.Now().UTC()
	for _, row := range s.rows {
		if row.task.Status == protocol.StatusAssigned || row.task.Status == protocol.StatusRunning {
			row.task.Status = protocol.StatusFailed
			row.task.ErrorMessage = &msg
			row.task.CompletedAt = &now
			n++
		}
	}
	return n, nil
}

func (s *memoryTaskStore) transition(id string, from []protocol.TaskStatus, apply func(*protocol.Task)) (*protocol.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	admitted := false
	for _, st := range from {
		if row.task.Status == st {
			admitted = true
			break
		}
	}
	if !admitted {
		if row.task.Status.Terminal() {
			return nil, ErrPrecondition
		}
		return nil, ErrConflict
	}
	apply(&row.task)
	return cloneTask(&row.task), nil
}

// cloneTask deep-copies a task so callers never alias store-internal state.
func cloneTask(t *protocol.Task) *protocol.Task {
	out := *t
	if t.AgentID != nil {
		v := *t.AgentID
		out.AgentID = &v
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	if t.ErrorMessage != nil {
		v := *t.ErrorMessage
		out.ErrorMessage = &v
	}
	if t.InputFiles != nil {
		out.InputFiles = append([]protocol.InputFile(nil), t.InputFiles...)
	}
	if t.OutputSettings != nil {
		out.OutputSettings = make(protocol.OutputSettings, len(t.OutputSettings))
		for k, v := range t.OutputSettings {
			out.OutputSettings[k] = v
		}
	}
	return &out
}
