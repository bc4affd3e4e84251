// Package protocol defines the JSON wire format shared by the orchestrator,
// the agents, and the observer clients. Every frame is a JSON object with a
// "type" discriminator; the codec in frames.go turns raw bytes into a tagged
// union and enforces the per-type required fields.
//
// The Task and Agent structs in this package are the canonical wire
// representations: the REST API, the assign frames, and the observer
// broadcasts all serialize the same shapes, so a task fetched over REST and a
// task received in a task_update frame are byte-compatible.
package protocol

import "time"

// TaskStatus enumerates the task lifecycle states.
//
// Transitions form a DAG:
//
//	PENDING  → ASSIGNED | CANCELLED
//	ASSIGNED → RUNNING | FAILED | CANCELLED
//	RUNNING  → COMPLETED | FAILED | CANCELLED
//	FAILED   → PENDING (operator restart)
//
// COMPLETED and CANCELLED are terminal.
type TaskStatus string

const (
	StatusPending   TaskStatus = "PENDING"
	StatusAssigned  TaskStatus = "ASSIGNED"
	StatusRunning   TaskStatus = "RUNNING"
	StatusCompleted TaskStatus = "COMPLETED"
	StatusFailed    TaskStatus = "FAILED"
	StatusCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether s is a state no further transition leaves.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TaskPriority orders tasks in the scheduling queue: HIGH > MEDIUM > LOW.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "LOW"
	PriorityMedium TaskPriority = "MEDIUM"
	PriorityHigh   TaskPriority = "HIGH"
)

// Rank maps a priority to its numeric scheduling weight. Higher runs first.
// Unknown priorities rank below LOW so a corrupted record never jumps the queue.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

// Valid reports whether p is one of the known priorities.
func (p TaskPriority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// AgentStatus enumerates the registry states of an agent.
type AgentStatus string

const (
	AgentOffline AgentStatus = "OFFLINE"
	AgentOnline  AgentStatus = "ONLINE"
	AgentBusy    AgentStatus = "BUSY"
	AgentError   AgentStatus = "ERROR"
)

// InputFile is one entry of a task's input sequence. Storage is an opaque
// storage identifier resolved to a path prefix on the agent; Path is relative
// to that prefix.
type InputFile struct {
	Storage string `json:"storage"`
	Path    string `json:"path"`
}

// OutputSettings carries the output description of a task. The well-known
// keys are "storage", "path", "codec", and "resolution"; additional opaque
// keys are preserved verbatim, which is why this is a map rather than a
// struct.
type OutputSettings map[string]any

// Codecs accepted in output settings. The agent maps them to the matching
// ffmpeg encoders.
const (
	CodecH264 = "h264"
	CodecH265 = "h265"
	CodecVP9  = "vp9"
)

// ValidCodec reports whether c is a supported output codec.
func ValidCodec(c string) bool {
	return c == CodecH264 || c == CodecH265 || c == CodecVP9
}

func (o OutputSettings) str(key string) string {
	v, _ := o[key].(string)
	return v
}

// Storage returns the output storage identifier.
func (o OutputSettings) Storage() string { return o.str("storage") }

// Path returns the output path (relative to the storage prefix, or absolute
// after the agent has resolved it).
func (o OutputSettings) Path() string { return o.str("path") }

// Codec returns the requested output codec, defaulting to h264 when absent.
func (o OutputSettings) Codec() string {
	if c := o.str("codec"); c != "" {
		return c
	}
	return CodecH264
}

// Resolution returns the requested output resolution ("1920x1080"), which may
// be empty.
func (o OutputSettings) Resolution() string { return o.str("resolution") }

// WithPath returns a copy of o with the "path" key replaced. Used by the
// agent when rewriting storage-relative paths to absolute host paths; the
// original map is never mutated because it aliases the task record.
func (o OutputSettings) WithPath(path string) OutputSettings {
	out := make(OutputSettings, len(o))
	for k, v := range o {
		out[k] = v
	}
	out["path"] = path
	return out
}

// Task is the wire representation of a transcoding task.
// Pointer fields serialize as null when unset, matching the orchestrator's
// REST responses and broadcast frames.
type Task struct {
	ID             string         `json:"id"`
	Priority       TaskPriority   `json:"priority"`
	Status         TaskStatus     `json:"status"`
	AgentID        *string        `json:"agent_id"`
	InputFiles     []InputFile    `json:"input_files"`
	OutputSettings OutputSettings `json:"output_settings"`
	Progress       float64        `json:"progress"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at"`
	ErrorMessage   *string        `json:"error_message"`
}

// Capabilities advertises what an agent can transcode, sent in the connect
// frame and echoed in agents_update broadcasts.
type Capabilities struct {
	Codecs  []string `json:"codecs"`
	Formats []string `json:"formats"`
}

// Agent is the wire representation of a registry entry.
type Agent struct {
	ID            string       `json:"id"`
	Status        AgentStatus  `json:"status"`
	CurrentTaskID *string      `json:"current_task_id"`
	LastHeartbeat *time.Time   `json:"last_heartbeat"`
	Capabilities  Capabilities `json:"capabilities"`
}
