// Package checkpoint persists the task currently in flight on this agent so
// a crashed run can be reported to the orchestrator after a restart.
//
// The store holds a single JSON record at <state_dir>/task_checkpoint.json.
// Writes go through a sibling temp file and an atomic rename so a power cut
// mid-write never leaves a torn record. Reads tolerate a missing or
// malformed file, both are treated as "no checkpoint".
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const fileName = "task_checkpoint.json"

// pidAlive reports whether a process with the given pid exists. Overridable
// in tests.
var pidAlive = func(pid int32) bool {
	alive, err := process.PidExists(pid)
	return err == nil && alive
}

// Record is the on-disk checkpoint format.
type Record struct {
	TaskID      string    `json:"task_id"`
	StartedAt   time.Time `json:"started_at"`
	Progress    float64   `json:"progress"`
	PID         int       `json:"pid"`
	LastUpdated time.Time `json:"last_updated"`
}

// Store reads and writes the agent's single checkpoint record.
// The zero value is not usable, create instances with New.
type Store struct {
	dir    string
	logger *zap.Logger
}

// New creates a Store rooted at stateDir. The directory is created on the
// first write.
func New(stateDir string, logger *zap.Logger) *Store {
	return &Store{dir: stateDir, logger: logger.Named("checkpoint")}
}

func (s *Store) path() string {
	return filepath.Join(s.dir, fileName)
}

// Create writes a fresh checkpoint for a task that is about to start. The
// record carries this process's pid so a later run can tell a crash from a
// concurrent instance.
func (s *Store) Create(taskID string) error {
	rec := Record{
		TaskID:      taskID,
		StartedAt:   time.Now().UTC(),
		PID:         os.Getpid(),
		LastUpdated: time.Now().UTC(),
	}
	if err := s.write(rec); err != nil {
		return err
	}
	s.logger.Info("checkpoint created", zap.String("task_id", taskID))
	return nil
}

// UpdateProgress stamps the latest progress into the checkpoint. Failures
// are logged and swallowed: a stale progress value only affects what the
// crash report says, not correctness.
func (s *Store) UpdateProgress(progress float64) {
	rec, ok := s.read()
	if !ok {
		return
	}
	rec.Progress = progress
	rec.LastUpdated = time.Now().UTC()
	if err := s.write(rec); err != nil {
		s.logger.Warn("failed to update checkpoint", zap.Error(err))
	}
}

// Clear removes the checkpoint after a terminal outcome has been reported.
func (s *Store) Clear() {
	if err := os.Remove(s.path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to clear checkpoint", zap.Error(err))
	}
}

// Crashed returns the checkpoint of a task whose owning process is no
// longer alive. A checkpoint owned by a live process belongs to another
// running instance and is left alone.
func (s *Store) Crashed() (Record, bool) {
	rec, ok := s.read()
	if !ok {
		return Record{}, false
	}
	if rec.PID != 0 && pidAlive(int32(rec.PID)) {
		return Record{}, false
	}
	s.logger.Info("found crashed task",
		zap.String("task_id", rec.TaskID),
		zap.Float64("progress", rec.Progress),
	)
	return rec, true
}

func (s *Store) read() (Record, bool) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to read checkpoint", zap.Error(err))
		}
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("corrupted checkpoint, discarding", zap.Error(err))
		return Record{}, false
	}
	if rec.TaskID == "" {
		return Record{}, false
	}
	return rec, true
}

// write persists the record atomically via temp file + rename.
func (s *Store) write(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("checkpoint: failed to marshal record: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return fmt.Errorf("checkpoint: failed to create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "task_checkpoint.*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: failed to write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path()); err != nil {
		return fmt.Errorf("checkpoint: failed to rename into place: %w", err)
	}
	ok = true
	return nil
}
