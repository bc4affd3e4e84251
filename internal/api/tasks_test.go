package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/registry"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/store"
)

type fakeHub struct {
	mu   sync.Mutex
	msgs []any
}

func (h *fakeHub) Broadcast(msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
}

type fakeWaker struct {
	mu    sync.Mutex
	wakes int
}

func (w *fakeWaker) Wake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wakes++
}

type apiFixture struct {
	tasks   store.TaskStore
	reg     *registry.Registry
	hub     *fakeHub
	waker   *fakeWaker
	handler http.Handler
}

// newAPIFixture mounts the handlers on a bare chi router so the test can
// observe broadcasts and scheduler wakes through fakes.
func newAPIFixture() *apiFixture {
	log := zap.NewNop()
	f := &apiFixture{
		tasks: store.NewMemory(),
		reg:   registry.New(log),
		hub:   &fakeHub{},
		waker: &fakeWaker{},
	}

	taskHandler := NewTaskHandler(f.tasks, f.hub, f.waker, log)
	agentHandler := NewAgentHandler(f.reg, log)

	r := chi.NewRouter()
	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", taskHandler.List)
		r.Post("/", taskHandler.Create)
		r.Get("/{id}", taskHandler.GetByID)
		r.Patch("/{id}", taskHandler.Update)
		r.Delete("/{id}", taskHandler.Delete)
	})
	r.Get("/api/agents", agentHandler.List)
	r.Get("/healthz", healthHandler(nil))
	f.handler = r
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

const validTaskBody = `{
	"priority": "HIGH",
	"input_files": [{"storage": "nas", "path": "in/a.mp4"}],
	"output_settings": {"storage": "nas", "path": "out/a.mp4", "codec": "h264"}
}`

func decodeTask(t *testing.T, rec *httptest.ResponseRecorder) protocol.Task {
	t.Helper()
	var resp struct {
		Data protocol.Task `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return resp.Data
}

func TestCreateTask(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodPost, "/api/tasks", validTaskBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	task := decodeTask(t, rec)
	if task.Status != protocol.StatusPending || task.Priority != protocol.PriorityHigh {
		t.Errorf("created task = %+v", task)
	}
	if f.waker.wakes == 0 {
		t.Error("scheduler not woken after create")
	}
}

func TestCreateTaskValidation(t *testing.T) {
	f := newAPIFixture()

	cases := []struct {
		name string
		body string
	}{
		{"no input files", `{"input_files": [], "output_settings": {"storage": "nas", "path": "o.mp4"}}`},
		{"input file without path", `{"input_files": [{"storage": "nas"}], "output_settings": {"storage": "nas", "path": "o.mp4"}}`},
		{"missing output storage", `{"input_files": [{"storage": "nas", "path": "i.mp4"}], "output_settings": {"path": "o.mp4"}}`},
		{"bad priority", `{"priority": "URGENT", "input_files": [{"storage": "nas", "path": "i.mp4"}], "output_settings": {"storage": "nas", "path": "o.mp4"}}`},
		{"bad codec", `{"input_files": [{"storage": "nas", "path": "i.mp4"}], "output_settings": {"storage": "nas", "path": "o.mp4", "codec": "av1"}}`},
		{"not json", `{{{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/tasks", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (%s)", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestListTasksFilters(t *testing.T) {
	f := newAPIFixture()
	ctx := context.Background()

	created := decodeTask(t, f.do(t, http.MethodPost, "/api/tasks", validTaskBody))
	f.do(t, http.MethodPost, "/api/tasks", validTaskBody)
	f.tasks.Assign(ctx, created.ID, "agent-1")
	f.tasks.Complete(ctx, created.ID)

	rec := f.do(t, http.MethodGet, "/api/tasks?status=PENDING", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Data listTasksResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Total != 1 || len(resp.Data.Tasks) != 1 {
		t.Errorf("pending list = %+v", resp.Data)
	}

	if rec := f.do(t, http.MethodGet, "/api/tasks?status=BOGUS", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bogus status filter = %d, want 400", rec.Code)
	}
}

func TestGetTask(t *testing.T) {
	f := newAPIFixture()
	created := decodeTask(t, f.do(t, http.MethodPost, "/api/tasks", validTaskBody))

	rec := f.do(t, http.MethodGet, "/api/tasks/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeTask(t, rec); got.ID != created.ID {
		t.Errorf("got task %s", got.ID)
	}

	if rec := f.do(t, http.MethodGet, "/api/tasks/unknown", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id = %d, want 404", rec.Code)
	}
}

func TestDeleteRunningTaskIsRejected(t *testing.T) {
	f := newAPIFixture()
	ctx := context.Background()
	created := decodeTask(t, f.do(t, http.MethodPost, "/api/tasks", validTaskBody))
	f.tasks.Assign(ctx, created.ID, "agent-1")
	f.tasks.UpdateProgress(ctx, created.ID, 10)

	rec := f.do(t, http.MethodDelete, "/api/tasks/"+created.ID, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("delete running = %d, want 400", rec.Code)
	}

	// Still there.
	if rec := f.do(t, http.MethodGet, "/api/tasks/"+created.ID, ""); rec.Code != http.StatusOK {
		t.Errorf("task disappeared after refused delete")
	}
}

func TestDeleteQueuedTask(t *testing.T) {
	f := newAPIFixture()
	created := decodeTask(t, f.do(t, http.MethodPost, "/api/tasks", validTaskBody))

	if rec := f.do(t, http.MethodDelete, "/api/tasks/"+created.ID, ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete pending = %d, want 204", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/tasks/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("deleted task still readable")
	}
}

func TestRestartFailedTask(t *testing.T) {
	f := newAPIFixture()
	ctx := context.Background()
	created := decodeTask(t, f.do(t, http.MethodPost, "/api/tasks", validTaskBody))
	f.tasks.Assign(ctx, created.ID, "agent-1")
	f.tasks.Fail(ctx, created.ID, "boom")

	rec := f.do(t, http.MethodPatch, "/api/tasks/"+created.ID, `{"status": "PENDING"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	task := decodeTask(t, rec)
	if task.Status != protocol.StatusPending || task.ErrorMessage != nil || task.AgentID != nil {
		t.Errorf("restarted task = %+v", task)
	}

	// A completed task cannot be restarted.
	f.tasks.Assign(ctx, created.ID, "agent-1")
	f.tasks.Complete(ctx, created.ID)
	if rec := f.do(t, http.MethodPatch, "/api/tasks/"+created.ID, `{"status": "PENDING"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("restart completed = %d, want 400", rec.Code)
	}
}

func TestRestartDispatchedTaskIsRejected(t *testing.T) {
	// A task already handed to an agent must not be yanked back to the
	// queue: the agent would keep transcoding while a second agent picks
	// the same task up.
	f := newAPIFixture()
	ctx := context.Background()
	created := decodeTask(t, f.do(t, http.MethodPost, "/api/tasks", validTaskBody))
	f.tasks.Assign(ctx, created.ID, "agent-1")

	rec := f.do(t, http.MethodPatch, "/api/tasks/"+created.ID, `{"status": "PENDING"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("restart assigned = %d, want 400", rec.Code)
	}

	got, err := f.tasks.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != protocol.StatusAssigned || got.AgentID == nil {
		t.Errorf("task = %+v, want still ASSIGNED to agent-1", got)
	}
}

func TestChangePriority(t *testing.T) {
	f := newAPIFixture()
	created := decodeTask(t, f.do(t, http.MethodPost, "/api/tasks", validTaskBody))

	rec := f.do(t, http.MethodPatch, "/api/tasks/"+created.ID, `{"priority": "LOW"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeTask(t, rec); got.Priority != protocol.PriorityLow {
		t.Errorf("priority = %s", got.Priority)
	}

	f.tasks.Assign(context.Background(), created.ID, "agent-1")
	if rec := f.do(t, http.MethodPatch, "/api/tasks/"+created.ID, `{"priority": "HIGH"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("priority change on assigned = %d, want 400", rec.Code)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	f := newAPIFixture()
	created := decodeTask(t, f.do(t, http.MethodPost, "/api/tasks", validTaskBody))

	rec := f.do(t, http.MethodPatch, "/api/tasks/"+created.ID, `{"status": "CANCELLED"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := decodeTask(t, rec); got.Status != protocol.StatusCancelled {
		t.Errorf("status = %s", got.Status)
	}
}

func TestCancelRunningTaskIsRejected(t *testing.T) {
	f := newAPIFixture()
	ctx := context.Background()
	created := decodeTask(t, f.do(t, http.MethodPost, "/api/tasks", validTaskBody))
	f.tasks.Assign(ctx, created.ID, "agent-1")
	f.tasks.UpdateProgress(ctx, created.ID, 30)

	rec := f.do(t, http.MethodPatch, "/api/tasks/"+created.ID, `{"status": "CANCELLED"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("cancel running = %d, want 400", rec.Code)
	}

	got, err := f.tasks.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != protocol.StatusRunning {
		t.Errorf("task status = %s, want RUNNING after refused cancel", got.Status)
	}
}

func TestPatchRejectsOtherStatuses(t *testing.T) {
	f := newAPIFixture()
	created := decodeTask(t, f.do(t, http.MethodPost, "/api/tasks", validTaskBody))

	for _, status := range []string{"COMPLETED", "RUNNING", "ASSIGNED", "bogus"} {
		body := fmt.Sprintf(`{"status": %q}`, status)
		if rec := f.do(t, http.MethodPatch, "/api/tasks/"+created.ID, body); rec.Code != http.StatusBadRequest {
			t.Errorf("status %s = %d, want 400", status, rec.Code)
		}
	}
	if rec := f.do(t, http.MethodPatch, "/api/tasks/"+created.ID, `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty patch = %d, want 400", rec.Code)
	}
}

func TestListAgents(t *testing.T) {
	f := newAPIFixture()
	f.reg.UpsertOnline("agent-1", protocol.Capabilities{Codecs: []string{"h264"}})

	rec := f.do(t, http.MethodGet, "/api/agents", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Data map[string]protocol.Agent `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a, ok := resp.Data["agent-1"]; !ok || a.Status != protocol.AgentOnline {
		t.Errorf("agents payload = %+v", resp.Data)
	}
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture()
	if rec := f.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
}
