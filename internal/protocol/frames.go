package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// AgentFrameType discriminates the frames an agent may send upstream.
type AgentFrameType string

const (
	FrameConnect   AgentFrameType = "connect"
	FrameHeartbeat AgentFrameType = "heartbeat"
	FrameProgress  AgentFrameType = "progress"
	FrameComplete  AgentFrameType = "complete"
	FrameFailed    AgentFrameType = "failed"
	FrameReconnect AgentFrameType = "reconnect"
)

// OrchestratorFrameType discriminates the frames the orchestrator pushes to
// an agent.
type OrchestratorFrameType string

const (
	FrameAssign      OrchestratorFrameType = "assign"
	FrameCancel      OrchestratorFrameType = "cancel"
	FramePing        OrchestratorFrameType = "ping"
	FrameAcknowledge OrchestratorFrameType = "acknowledge"
)

// Observer frame type discriminators.
const (
	FrameAgentsUpdate = "agents_update"
	FrameTaskUpdate   = "task_update"
)

// ErrUnknownType marks a frame whose "type" field is not one of the known
// agent frame types. The dispatcher logs these and keeps the connection
// open; every other decode error is a protocol violation.
var ErrUnknownType = errors.New("protocol: unknown frame type")

// FrameError describes a malformed frame. Connections producing one are
// closed with websocket close code 1003 (unsupported data).
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("protocol: malformed frame: %s", e.Reason)
}

func violation(format string, args ...any) error {
	return &FrameError{Reason: fmt.Sprintf(format, args...)}
}

// ConnectData is the payload of a connect frame.
type ConnectData struct {
	Capabilities Capabilities `json:"capabilities"`
}

// ProgressData is the payload of a progress frame. Progress is a pointer so
// that an absent field is distinguishable from an explicit zero.
type ProgressData struct {
	Progress *float64 `json:"progress"`
}

// FailedData is the payload of a failed frame.
type FailedData struct {
	Error string `json:"error"`
}

// Reconnect statuses an agent may report for its interrupted task.
const (
	ReconnectFailed  = "failed"
	ReconnectRunning = "running"
)

// ReconnectData is the payload of a reconnect frame. Status reports the fate
// of the task the agent held when the previous connection (or process) died:
// "failed" after a crash, "running" when only the transport dropped.
type ReconnectData struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// AgentFrame is the decoded form of an upstream frame. Exactly one of the
// payload pointers matching Type is non-nil after DecodeAgentFrame.
type AgentFrame struct {
	Type    AgentFrameType
	AgentID string
	TaskID  string

	Connect   *ConnectData
	Progress  *ProgressData
	Failed    *FailedData
	Reconnect *ReconnectData
}

type agentFrameEnvelope struct {
	Type    AgentFrameType  `json:"type"`
	AgentID string          `json:"agent_id"`
	TaskID  string          `json:"task_id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// DecodeAgentFrame parses raw into an AgentFrame, validating the required
// fields of the frame's type. It returns ErrUnknownType for unknown types
// and a *FrameError for anything malformed.
func DecodeAgentFrame(raw []byte) (*AgentFrame, error) {
	var env agentFrameEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, violation("invalid JSON: %v", err)
	}
	if env.Type == "" {
		return nil, violation("missing type")
	}
	if env.AgentID == "" {
		return nil, violation("%s frame missing agent_id", env.Type)
	}

	f := &AgentFrame{Type: env.Type, AgentID: env.AgentID, TaskID: env.TaskID}

	switch env.Type {
	case FrameConnect:
		var data struct {
			Capabilities *Capabilities `json:"capabilities"`
		}
		if env.Data != nil {
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return nil, violation("connect data: %v", err)
			}
		}
		if data.Capabilities == nil {
			return nil, violation("connect frame missing capabilities")
		}
		f.Connect = &ConnectData{Capabilities: *data.Capabilities}

	case FrameHeartbeat:
		// agent_id is the only required field.

	case FrameProgress:
		if env.TaskID == "" {
			return nil, violation("progress frame missing task_id")
		}
		var data ProgressData
		if env.Data != nil {
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return nil, violation("progress data: %v", err)
			}
		}
		if data.Progress == nil {
			return nil, violation("progress frame missing progress")
		}
		if *data.Progress < 0 || *data.Progress >= 100 {
			return nil, violation("progress %v out of range [0,100)", *data.Progress)
		}
		f.Progress = &data

	case FrameComplete:
		if env.TaskID == "" {
			return nil, violation("complete frame missing task_id")
		}

	case FrameFailed:
		if env.TaskID == "" {
			return nil, violation("failed frame missing task_id")
		}
		var data FailedData
		if env.Data != nil {
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return nil, violation("failed data: %v", err)
			}
		}
		if data.Error == "" {
			return nil, violation("failed frame missing error")
		}
		f.Failed = &data

	case FrameReconnect:
		if env.TaskID == "" {
			return nil, violation("reconnect frame missing task_id")
		}
		var data ReconnectData
		if env.Data != nil {
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return nil, violation("reconnect data: %v", err)
			}
		}
		if data.Status != ReconnectFailed && data.Status != ReconnectRunning {
			return nil, violation("reconnect frame status %q", data.Status)
		}
		f.Reconnect = &data

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	return f, nil
}

// Frame constructors used by the agent client. Each returns the envelope
// ready for a WriteJSON call.

func NewConnectFrame(agentID string, caps Capabilities) any {
	return map[string]any{
		"type":     FrameConnect,
		"agent_id": agentID,
		"data":     ConnectData{Capabilities: caps},
	}
}

func NewHeartbeatFrame(agentID string) any {
	return map[string]any{
		"type":     FrameHeartbeat,
		"agent_id": agentID,
	}
}

func NewProgressFrame(agentID, taskID string, progress float64) any {
	return map[string]any{
		"type":     FrameProgress,
		"agent_id": agentID,
		"task_id":  taskID,
		"data":     map[string]any{"progress": progress},
	}
}

func NewCompleteFrame(agentID, taskID string) any {
	return map[string]any{
		"type":     FrameComplete,
		"agent_id": agentID,
		"task_id":  taskID,
	}
}

func NewFailedFrame(agentID, taskID, errMsg string) any {
	return map[string]any{
		"type":     FrameFailed,
		"agent_id": agentID,
		"task_id":  taskID,
		"data":     FailedData{Error: errMsg},
	}
}

func NewReconnectFrame(agentID, taskID, status, errMsg string) any {
	return map[string]any{
		"type":     FrameReconnect,
		"agent_id": agentID,
		"task_id":  taskID,
		"data":     ReconnectData{Status: status, Error: errMsg},
	}
}

// OrchestratorFrame is a downstream frame. Task is set on assign and cancel,
// Message on acknowledge.
type OrchestratorFrame struct {
	Type    OrchestratorFrameType `json:"type"`
	Task    *Task                 `json:"task,omitempty"`
	Message string                `json:"message,omitempty"`
}

// NewAssignFrame wraps a task for dispatch to its agent.
func NewAssignFrame(task *Task) *OrchestratorFrame {
	return &OrchestratorFrame{Type: FrameAssign, Task: task}
}

// NewCancelFrame orders the agent to abort the task.
func NewCancelFrame(task *Task) *OrchestratorFrame {
	return &OrchestratorFrame{Type: FrameCancel, Task: task}
}

// NewAcknowledgeFrame confirms receipt of a reconnect frame.
func NewAcknowledgeFrame(message string) *OrchestratorFrame {
	return &OrchestratorFrame{Type: FrameAcknowledge, Message: message}
}

// AgentsUpdate is the observer broadcast carrying a full registry snapshot,
// keyed by agent id.
type AgentsUpdate struct {
	Type   string           `json:"type"`
	Agents map[string]Agent `json:"agents"`
}

// NewAgentsUpdate builds an agents_update observer frame.
func NewAgentsUpdate(agents map[string]Agent) *AgentsUpdate {
	return &AgentsUpdate{Type: FrameAgentsUpdate, Agents: agents}
}

// TaskUpdate is the observer broadcast emitted on every task state change.
type TaskUpdate struct {
	Type string `json:"type"`
	Task *Task  `json:"task"`
}

// NewTaskUpdate builds a task_update observer frame.
func NewTaskUpdate(task *Task) *TaskUpdate {
	return &TaskUpdate{Type: FrameTaskUpdate, Task: task}
}
