package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
)

// Task is the persisted form of a transcoding task. The input file list and
// the output settings are stored as JSON text columns so that SQLite and
// PostgreSQL share one schema; everything the scheduler filters or orders on
// (status, priority, created_at) is a plain indexed column.
type Task struct {
	ID             uuid.UUID            `gorm:"type:text;primaryKey"`
	Priority       string               `gorm:"not null;default:'MEDIUM';index"`
	Status         string               `gorm:"not null;default:'PENDING';index"`
	AgentID        *string              `gorm:"index"`
	InputFiles     InputFilesColumn     `gorm:"type:text;not null"`
	OutputSettings OutputSettingsColumn `gorm:"type:text;not null"`
	Progress       float64              `gorm:"not null;default:0"`
	CreatedAt      time.Time            `gorm:"not null;index"`
	UpdatedAt      time.Time            `gorm:"not null"`
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ErrorMessage   *string
}

// BeforeCreate generates a UUID v7 if the ID is not already set. V7 IDs are
// time-ordered, so primary key order matches creation order.
func (t *Task) BeforeCreate(tx *gorm.DB) error {
	if t.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		t.ID = id
	}
	return nil
}

// ToWire converts the database row to its wire representation.
func (t *Task) ToWire() *protocol.Task {
	return &protocol.Task{
		ID:             t.ID.String(),
		Priority:       protocol.TaskPriority(t.Priority),
		Status:         protocol.TaskStatus(t.Status),
		AgentID:        t.AgentID,
		InputFiles:     []protocol.InputFile(t.InputFiles),
		OutputSettings: protocol.OutputSettings(t.OutputSettings),
		Progress:       t.Progress,
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
		ErrorMessage:   t.ErrorMessage,
	}
}

// InputFilesColumn stores a task's input sequence as a JSON text column.
type InputFilesColumn []protocol.InputFile

// Value implements driver.Valuer.
func (c InputFilesColumn) Value() (driver.Value, error) {
	raw, err := json.Marshal([]protocol.InputFile(c))
	if err != nil {
		return nil, fmt.Errorf("db: marshal input files: %w", err)
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (c *InputFilesColumn) Scan(src any) error {
	return scanJSON(src, c, "input files")
}

// OutputSettingsColumn stores a task's output settings as a JSON text column.
type OutputSettingsColumn protocol.OutputSettings

// Value implements driver.Valuer.
func (c OutputSettingsColumn) Value() (driver.Value, error) {
	raw, err := json.Marshal(map[string]any(c))
	if err != nil {
		return nil, fmt.Errorf("db: marshal output settings: %w", err)
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (c *OutputSettingsColumn) Scan(src any) error {
	return scanJSON(src, c, "output settings")
}

func scanJSON(src, dst any, what string) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("db: cannot scan %T into %s column", src, what)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("db: unmarshal %s: %w", what, err)
	}
	return nil
}
