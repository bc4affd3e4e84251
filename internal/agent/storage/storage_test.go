package storage

import (
	"errors"
	"testing"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
)

func TestResolveInputs(t *testing.T) {
	m := Map{"nas": "/mnt/nas", "scratch": "/var/scratch"}

	paths, err := m.ResolveInputs([]protocol.InputFile{
		{Storage: "nas", Path: "in/a.mp4"},
		{Storage: "scratch", Path: "b.wav"},
	})
	if err != nil {
		t.Fatalf("ResolveInputs: %v", err)
	}
	want := []string{"/mnt/nas/in/a.mp4", "/var/scratch/b.wav"}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestResolveInputsUnknownStorage(t *testing.T) {
	m := Map{"nas": "/mnt/nas"}

	_, err := m.ResolveInputs([]protocol.InputFile{{Storage: "tape", Path: "a.mp4"}})
	if !errors.Is(err, ErrUnknownStorage) {
		t.Errorf("err = %v, want ErrUnknownStorage", err)
	}
}

func TestResolveOutputLeavesOriginalUntouched(t *testing.T) {
	m := Map{"nas": "/mnt/nas"}
	settings := protocol.OutputSettings{"storage": "nas", "path": "out/a.mp4", "codec": "h265"}

	resolved, err := m.ResolveOutput(settings)
	if err != nil {
		t.Fatalf("ResolveOutput: %v", err)
	}
	if resolved.Path() != "/mnt/nas/out/a.mp4" {
		t.Errorf("resolved path = %q", resolved.Path())
	}
	if resolved.Codec() != protocol.CodecH265 {
		t.Errorf("resolved codec = %q", resolved.Codec())
	}
	if settings.Path() != "out/a.mp4" {
		t.Errorf("original mutated: %q", settings.Path())
	}

	if _, err := m.ResolveOutput(protocol.OutputSettings{"storage": "tape", "path": "x"}); !errors.Is(err, ErrUnknownStorage) {
		t.Errorf("err = %v, want ErrUnknownStorage", err)
	}
}
