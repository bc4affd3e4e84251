package transcoder

import (
	"slices"
	"strings"
	"testing"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
)

func settings(codec, resolution string) protocol.OutputSettings {
	s := protocol.OutputSettings{"storage": "nas", "path": "/out/result.mp4"}
	if codec != "" {
		s["codec"] = codec
	}
	if resolution != "" {
		s["resolution"] = resolution
	}
	return s
}

// argsAfter returns the argument following the first occurrence of flag.
func argsAfter(t *testing.T, args []string, flag string) string {
	t.Helper()
	i := slices.Index(args, flag)
	if i < 0 || i+1 >= len(args) {
		t.Fatalf("flag %s not found in %v", flag, args)
	}
	return args[i+1]
}

func TestBuildArgsSingleInput(t *testing.T) {
	args := buildArgs(
		[]string{"/in/a.mp4"},
		[]streamInfo{{video: true, audio: true}},
		settings("h264", "1280x720"),
	)

	if got := argsAfter(t, args, "-c:v"); got != "libx264" {
		t.Errorf("video codec = %s", got)
	}
	if got := argsAfter(t, args, "-s"); got != "1280x720" {
		t.Errorf("resolution = %s", got)
	}
	if got := argsAfter(t, args, "-c:a"); got != "aac" {
		t.Errorf("audio codec = %s", got)
	}
	if got := argsAfter(t, args, "-progress"); got != "pipe:1" {
		t.Errorf("progress sink = %s", got)
	}
	if args[len(args)-1] != "/out/result.mp4" {
		t.Errorf("output = %s", args[len(args)-1])
	}
	if slices.Contains(args, "-filter_complex") {
		t.Error("single input should not use a filter graph")
	}
	if !slices.Contains(args, "0:v") || !slices.Contains(args, "0:a") {
		t.Errorf("stream maps missing from %v", args)
	}
}

func TestBuildArgsCodecMapping(t *testing.T) {
	cases := []struct {
		codec string
		want  string
	}{
		{"h264", "libx264"},
		{"h265", "libx265"},
		{"vp9", "libvpx-vp9"},
		{"", "libx264"},
	}
	for _, tc := range cases {
		args := buildArgs(
			[]string{"/in/a.mp4"},
			[]streamInfo{{video: true}},
			settings(tc.codec, ""),
		)
		if got := argsAfter(t, args, "-c:v"); got != tc.want {
			t.Errorf("codec %q mapped to %s, want %s", tc.codec, got, tc.want)
		}
	}
}

func TestBuildArgsConcatenatesMultipleVideos(t *testing.T) {
	args := buildArgs(
		[]string{"/in/a.mp4", "/in/b.mp4"},
		[]streamInfo{{video: true, audio: true}, {video: true, audio: true}},
		settings("h264", "1920x1080"),
	)

	graph := argsAfter(t, args, "-filter_complex")
	if !strings.Contains(graph, "concat=n=2:v=1:a=0[outv]") {
		t.Errorf("video concat missing from graph %q", graph)
	}
	if !strings.Contains(graph, "concat=n=2:v=0:a=1[outa]") {
		t.Errorf("audio concat missing from graph %q", graph)
	}
	if !strings.Contains(graph, "scale=w=1920:h=1080") {
		t.Errorf("normalization missing from graph %q", graph)
	}
	if !slices.Contains(args, "[outv]") || !slices.Contains(args, "[outa]") {
		t.Errorf("concat outputs not mapped in %v", args)
	}
	// The filter graph owns scaling for multi-input jobs.
	if slices.Contains(args, "-s") {
		t.Error("-s must not be set alongside a filter graph")
	}
}

func TestBuildArgsAudioOnlyExtraTrack(t *testing.T) {
	args := buildArgs(
		[]string{"/in/video.mp4", "/in/commentary.wav"},
		[]streamInfo{{video: true, audio: true}, {audio: true}},
		settings("h264", ""),
	)

	if !slices.Contains(args, "0:v") || !slices.Contains(args, "0:a") {
		t.Errorf("main program maps missing from %v", args)
	}
	if !slices.Contains(args, "1:a") {
		t.Errorf("extra audio track not mapped in %v", args)
	}
	if slices.Contains(args, "-filter_complex") {
		t.Error("no filter graph expected with a single video input")
	}
}

func TestProgressTrackerRateLimit(t *testing.T) {
	// 100 seconds total, so out_time_ms maps 1:1 onto percent.
	p := newProgressTracker(100)

	if _, emit := p.advance(500_000); emit {
		t.Error("emitted below the 1.0 threshold")
	}
	progress, emit := p.advance(1_500_000)
	if !emit || progress != 1.5 {
		t.Errorf("advance(1.5s) = (%v, %v)", progress, emit)
	}
	if _, emit := p.advance(2_000_000); emit {
		t.Error("emitted after only 0.5 advance")
	}
	if progress, emit := p.advance(2_500_000); !emit || progress != 2.5 {
		t.Errorf("advance(2.5s) = (%v, %v)", progress, emit)
	}
}

func TestProgressTrackerNeverReportsHundred(t *testing.T) {
	p := newProgressTracker(10)

	progress, emit := p.advance(20_000_000) // twice the total duration
	if !emit {
		t.Fatal("overshoot not emitted")
	}
	if progress != 99.9 {
		t.Errorf("progress = %v, want cap at 99.9", progress)
	}
}

func TestProgressTrackerZeroDuration(t *testing.T) {
	p := newProgressTracker(0)
	if _, emit := p.advance(5_000_000); emit {
		t.Error("tracker with no duration must stay silent")
	}
}
