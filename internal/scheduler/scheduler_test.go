package scheduler

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/store"
)

// fakeRegistry is a minimal AgentRegistry with explicit idle bookkeeping.
type fakeRegistry struct {
	mu      sync.Mutex
	idle    []string
	bound   map[string]string
	offline []string
}

func newFakeRegistry(idle ...string) *fakeRegistry {
	return &fakeRegistry{idle: idle, bound: make(map[string]string)}
}

func (r *fakeRegistry) PickIdle() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.idle) == 0 {
		return ""
	}
	return r.idle[0]
}

func (r *fakeRegistry) Bind(agentID, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, id := range r.idle {
		if id == agentID {
			r.idle = append(r.idle[:i], r.idle[i+1:]...)
			r.bound[agentID] = taskID
			return true
		}
	}
	return false
}

func (r *fakeRegistry) Unbind(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bound[agentID]; ok {
		delete(r.bound, agentID)
		r.idle = append(r.idle, agentID)
	}
}

func (r *fakeRegistry) MarkOffline(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bound, agentID)
	for i, id := range r.idle {
		if id == agentID {
			r.idle = append(r.idle[:i], r.idle[i+1:]...)
			break
		}
	}
	r.offline = append(r.offline, agentID)
}

func (r *fakeRegistry) Snapshot() map[string]protocol.Agent {
	return map[string]protocol.Agent{}
}

// fakeSender records dispatched frames and can refuse sends per agent.
type fakeSender struct {
	mu       sync.Mutex
	sent     map[string][]*protocol.OrchestratorFrame
	refuse   map[string]bool
	attempts int
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][]*protocol.OrchestratorFrame), refuse: make(map[string]bool)}
}

func (s *fakeSender) Send(agentID string, msg any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.refuse[agentID] {
		return false
	}
	s.sent[agentID] = append(s.sent[agentID], msg.(*protocol.OrchestratorFrame))
	return true
}

func (s *fakeSender) assignments(agentID string) []*protocol.OrchestratorFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[agentID]
}

type fakeHub struct {
	mu   sync.Mutex
	msgs []any
}

func (h *fakeHub) Broadcast(msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
}

func createTask(t *testing.T, tasks store.TaskStore, priority protocol.TaskPriority) *protocol.Task {
	t.Helper()
	task, err := tasks.Create(context.Background(), store.CreateParams{
		Priority:       priority,
		InputFiles:     []protocol.InputFile{{Storage: "nas", Path: "in.mp4"}},
		OutputSettings: protocol.OutputSettings{"storage": "nas", "path": "out.mp4"},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestPassAssignsByPriorityThenAge(t *testing.T) {
	tasks := store.NewMemory()
	low := createTask(t, tasks, protocol.PriorityLow)
	high := createTask(t, tasks, protocol.PriorityHigh)
	med := createTask(t, tasks, protocol.PriorityMedium)

	reg := newFakeRegistry("agent-1", "agent-2", "agent-3")
	sender := newFakeSender()
	s := New(tasks, reg, sender, &fakeHub{}, zap.NewNop())

	s.Pass(context.Background())

	// Three idle agents, three tasks: everything dispatches, highest
	// priority first onto the first-picked agent.
	order := []struct{ agent, task string }{
		{"agent-1", high.ID},
		{"agent-2", med.ID},
		{"agent-3", low.ID},
	}
	for _, want := range order {
		frames := sender.assignments(want.agent)
		if len(frames) != 1 {
			t.Fatalf("agent %s got %d frames, want 1", want.agent, len(frames))
		}
		if frames[0].Type != protocol.FrameAssign || frames[0].Task.ID != want.task {
			t.Errorf("agent %s got task %s, want %s", want.agent, frames[0].Task.ID, want.task)
		}
	}
}

func TestPassStopsWhenNoIdleAgent(t *testing.T) {
	tasks := store.NewMemory()
	first := createTask(t, tasks, protocol.PriorityMedium)
	createTask(t, tasks, protocol.PriorityMedium)

	reg := newFakeRegistry("agent-1")
	sender := newFakeSender()
	s := New(tasks, reg, sender, &fakeHub{}, zap.NewNop())

	s.Pass(context.Background())

	if got := len(sender.assignments("agent-1")); got != 1 {
		t.Fatalf("agent-1 got %d assignments, want 1", got)
	}
	if sender.assignments("agent-1")[0].Task.ID != first.ID {
		t.Error("oldest task not dispatched first")
	}

	// The second task is still queued.
	next, err := tasks.NextPending(context.Background())
	if err != nil {
		t.Fatalf("NextPending: %v", err)
	}
	if next.Status != protocol.StatusPending {
		t.Errorf("remaining task status = %s", next.Status)
	}
}

func TestDispatchFailureRollsBack(t *testing.T) {
	tasks := store.NewMemory()
	task := createTask(t, tasks, protocol.PriorityMedium)

	reg := newFakeRegistry("agent-1")
	sender := newFakeSender()
	sender.refuse["agent-1"] = true
	hub := &fakeHub{}
	s := New(tasks, reg, sender, hub, zap.NewNop())

	s.Pass(context.Background())

	got, err := tasks.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != protocol.StatusPending {
		t.Errorf("status = %s, want PENDING after rollback", got.Status)
	}
	if got.AgentID != nil {
		t.Error("agent binding not cleared on rollback")
	}
	if got.StartedAt != nil {
		t.Error("started_at not cleared on rollback")
	}

	// One refused dispatch ends the pass; the dead agent is taken out of
	// the pool rather than re-picked for the same task.
	sender.mu.Lock()
	attempts := sender.attempts
	sender.mu.Unlock()
	if attempts != 1 {
		t.Errorf("dispatch attempts = %d, want 1", attempts)
	}
	reg.mu.Lock()
	offline := len(reg.offline) == 1 && reg.offline[0] == "agent-1"
	reg.mu.Unlock()
	if !offline {
		t.Error("agent not marked offline after dispatch failure")
	}
	if reg.PickIdle() == "agent-1" {
		t.Error("dead agent still in the idle pool")
	}

	// The rollback is announced to observers as a task_update back to
	// PENDING.
	hub.mu.Lock()
	defer hub.mu.Unlock()
	found := false
	for _, msg := range hub.msgs {
		if tu, ok := msg.(*protocol.TaskUpdate); ok && tu.Task.Status == protocol.StatusPending {
			found = true
		}
	}
	if !found {
		t.Error("no PENDING task_update broadcast after rollback")
	}
}

func TestPassIsIdempotentOnEmptyQueue(t *testing.T) {
	tasks := store.NewMemory()
	reg := newFakeRegistry("agent-1")
	sender := newFakeSender()
	s := New(tasks, reg, sender, &fakeHub{}, zap.NewNop())

	s.Pass(context.Background())
	s.Pass(context.Background())

	if got := len(sender.assignments("agent-1")); got != 0 {
		t.Errorf("dispatched %d frames from an empty queue", got)
	}
}

func TestWakeNeverBlocks(t *testing.T) {
	s := New(store.NewMemory(), newFakeRegistry(), newFakeSender(), &fakeHub{}, zap.NewNop())
	for i := 0; i < 100; i++ {
		s.Wake()
	}
}
