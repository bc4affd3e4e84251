package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir(), zap.NewNop())
}

// fakeLiveness pins pidAlive for the duration of a test.
func fakeLiveness(t *testing.T, alive bool) {
	t.Helper()
	orig := pidAlive
	pidAlive = func(int32) bool { return alive }
	t.Cleanup(func() { pidAlive = orig })
}

func TestCreateUpdateClear(t *testing.T) {
	s := newStore(t)

	if err := s.Create("task-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.UpdateProgress(42.5)

	rec, ok := s.read()
	if !ok {
		t.Fatal("checkpoint missing after create")
	}
	if rec.TaskID != "task-1" || rec.Progress != 42.5 || rec.PID != os.Getpid() {
		t.Errorf("record = %+v", rec)
	}
	if rec.LastUpdated.Before(rec.StartedAt) {
		t.Errorf("last_updated %v before started_at %v", rec.LastUpdated, rec.StartedAt)
	}

	s.Clear()
	if _, ok := s.read(); ok {
		t.Error("checkpoint survived Clear")
	}
	// Clearing twice is fine.
	s.Clear()
}

func TestCrashedWhenOwnerIsDead(t *testing.T) {
	s := newStore(t)
	fakeLiveness(t, false)

	if err := s.Create("task-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.UpdateProgress(10)

	rec, ok := s.Crashed()
	if !ok {
		t.Fatal("dead owner not reported as crashed")
	}
	if rec.TaskID != "task-1" || rec.Progress != 10 {
		t.Errorf("crashed record = %+v", rec)
	}
}

func TestNotCrashedWhenOwnerAlive(t *testing.T) {
	s := newStore(t)
	fakeLiveness(t, true)

	if err := s.Create("task-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := s.Crashed(); ok {
		t.Error("live owner reported as crashed")
	}
}

func TestCrashedWithoutCheckpoint(t *testing.T) {
	s := newStore(t)
	if _, ok := s.Crashed(); ok {
		t.Error("missing checkpoint reported as crashed")
	}
}

func TestMalformedCheckpointIsIgnored(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, zap.NewNop())

	if err := os.WriteFile(filepath.Join(dir, fileName), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Crashed(); ok {
		t.Error("malformed checkpoint reported as crashed")
	}

	// The store recovers: a new checkpoint can be written over the junk.
	if err := s.Create("task-2"); err != nil {
		t.Fatalf("Create over malformed file: %v", err)
	}
	if rec, ok := s.read(); !ok || rec.TaskID != "task-2" {
		t.Errorf("record after rewrite = %+v (ok=%v)", rec, ok)
	}
}

func TestUpdateProgressWithoutCheckpointIsNoop(t *testing.T) {
	s := newStore(t)
	s.UpdateProgress(50)
	if _, ok := s.read(); ok {
		t.Error("UpdateProgress created a checkpoint out of nothing")
	}
}
