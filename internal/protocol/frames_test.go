package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeConnectFrame(t *testing.T) {
	raw := []byte(`{
		"type": "connect",
		"agent_id": "agent-1",
		"data": {"capabilities": {"codecs": ["h264", "vp9"], "formats": ["mp4"]}}
	}`)

	f, err := DecodeAgentFrame(raw)
	if err != nil {
		t.Fatalf("DecodeAgentFrame: %v", err)
	}
	if f.Type != FrameConnect {
		t.Errorf("type = %q, want connect", f.Type)
	}
	if f.AgentID != "agent-1" {
		t.Errorf("agent_id = %q", f.AgentID)
	}
	if f.Connect == nil || len(f.Connect.Capabilities.Codecs) != 2 {
		t.Errorf("capabilities not decoded: %+v", f.Connect)
	}
}

func TestDecodeProgressFrame(t *testing.T) {
	raw := []byte(`{"type":"progress","agent_id":"a","task_id":"t","data":{"progress":42.5}}`)
	f, err := DecodeAgentFrame(raw)
	if err != nil {
		t.Fatalf("DecodeAgentFrame: %v", err)
	}
	if f.Progress == nil || *f.Progress.Progress != 42.5 {
		t.Errorf("progress not decoded: %+v", f.Progress)
	}
}

func TestDecodeProgressZeroIsValid(t *testing.T) {
	raw := []byte(`{"type":"progress","agent_id":"a","task_id":"t","data":{"progress":0}}`)
	f, err := DecodeAgentFrame(raw)
	if err != nil {
		t.Fatalf("DecodeAgentFrame: %v", err)
	}
	if *f.Progress.Progress != 0 {
		t.Errorf("progress = %v, want 0", *f.Progress.Progress)
	}
}

func TestDecodeReconnectFrame(t *testing.T) {
	raw := []byte(`{"type":"reconnect","agent_id":"a","task_id":"t","data":{"status":"failed","error":"agent crashed"}}`)
	f, err := DecodeAgentFrame(raw)
	if err != nil {
		t.Fatalf("DecodeAgentFrame: %v", err)
	}
	if f.Reconnect.Status != ReconnectFailed || f.Reconnect.Error != "agent crashed" {
		t.Errorf("reconnect data = %+v", f.Reconnect)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	raw := []byte(`{"type":"telemetry","agent_id":"a"}`)
	_, err := DecodeAgentFrame(raw)
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("err = %v, want ErrUnknownType", err)
	}
}

func TestDecodeViolations(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"missing type", `{"agent_id":"a"}`},
		{"missing agent_id", `{"type":"heartbeat"}`},
		{"connect without capabilities", `{"type":"connect","agent_id":"a","data":{}}`},
		{"connect without data", `{"type":"connect","agent_id":"a"}`},
		{"progress without task_id", `{"type":"progress","agent_id":"a","data":{"progress":1}}`},
		{"progress without value", `{"type":"progress","agent_id":"a","task_id":"t","data":{}}`},
		{"progress negative", `{"type":"progress","agent_id":"a","task_id":"t","data":{"progress":-1}}`},
		{"progress at 100", `{"type":"progress","agent_id":"a","task_id":"t","data":{"progress":100}}`},
		{"complete without task_id", `{"type":"complete","agent_id":"a"}`},
		{"failed without error", `{"type":"failed","agent_id":"a","task_id":"t","data":{}}`},
		{"reconnect bad status", `{"type":"reconnect","agent_id":"a","task_id":"t","data":{"status":"lost"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeAgentFrame([]byte(tc.raw))
			var fe *FrameError
			if !errors.As(err, &fe) {
				t.Errorf("err = %v, want *FrameError", err)
			}
		})
	}
}

func TestAgentFramesRoundTrip(t *testing.T) {
	frames := []any{
		NewConnectFrame("a", Capabilities{Codecs: []string{"h264"}, Formats: []string{"mp4"}}),
		NewHeartbeatFrame("a"),
		NewProgressFrame("a", "t", 12.3),
		NewCompleteFrame("a", "t"),
		NewFailedFrame("a", "t", "boom"),
		NewReconnectFrame("a", "t", ReconnectRunning, ""),
	}
	for _, frame := range frames {
		raw, err := json.Marshal(frame)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if _, err := DecodeAgentFrame(raw); err != nil {
			t.Errorf("decode %s: %v", raw, err)
		}
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	for _, s := range []TaskStatus{StatusPending, StatusAssigned, StatusRunning, StatusFailed} {
		if s.Terminal() {
			t.Errorf("%s reported terminal", s)
		}
	}
	for _, s := range []TaskStatus{StatusCompleted, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s not reported terminal", s)
		}
	}
}

func TestPriorityRank(t *testing.T) {
	if PriorityHigh.Rank() <= PriorityMedium.Rank() || PriorityMedium.Rank() <= PriorityLow.Rank() {
		t.Error("priority ranks not strictly ordered")
	}
	if TaskPriority("URGENT").Rank() >= PriorityLow.Rank() {
		t.Error("unknown priority should rank below LOW")
	}
}

func TestOutputSettingsAccessors(t *testing.T) {
	o := OutputSettings{"storage": "nas", "path": "out/a.mp4", "resolution": "1280x720"}
	if o.Storage() != "nas" || o.Path() != "out/a.mp4" || o.Resolution() != "1280x720" {
		t.Errorf("accessors: %+v", o)
	}
	if o.Codec() != CodecH264 {
		t.Errorf("default codec = %q, want h264", o.Codec())
	}

	rewritten := o.WithPath("/mnt/nas/out/a.mp4")
	if rewritten.Path() != "/mnt/nas/out/a.mp4" {
		t.Errorf("WithPath did not replace path")
	}
	if o.Path() != "out/a.mp4" {
		t.Error("WithPath mutated the original settings")
	}
}
