package transcoder

import (
	"fmt"
	"strings"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
)

// streamInfo records which stream kinds an input file carries.
type streamInfo struct {
	video bool
	audio bool
}

const defaultResolution = "1920x1080"

// buildArgs assembles the full ffmpeg argument list for a job. Inputs with
// video are normalized to a common resolution, frame rate, and pixel format
// and concatenated in order; inputs carrying only audio are mapped as
// additional tracks. The audio track is always re-encoded to AAC.
func buildArgs(inputs []string, infos []streamInfo, output protocol.OutputSettings) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}

	for _, in := range inputs {
		args = append(args, "-i", in)
	}

	var videoIdx, audioOnlyIdx []int
	for i, info := range infos {
		switch {
		case info.video:
			videoIdx = append(videoIdx, i)
		case info.audio:
			audioOnlyIdx = append(audioOnlyIdx, i)
		}
	}

	if len(inputs) > 1 {
		var filters []string
		var maps []string

		switch {
		case len(videoIdx) > 1:
			resolution := output.Resolution()
			if resolution == "" {
				resolution = defaultResolution
			}
			width, height, _ := strings.Cut(resolution, "x")

			// Normalize every video stream to the same geometry and timing
			// before concat; concat refuses mismatched streams.
			var videoLabels, audioLabels []string
			for i, idx := range videoIdx {
				filters = append(filters, fmt.Sprintf(
					"[%d:v]scale=w=%s:h=%s:force_original_aspect_ratio=decrease,"+
						"pad=%s:%s:-1:-1:color=black,setsar=1,fps=30,format=yuv420p[v%d]",
					idx, width, height, width, height, i,
				))
				videoLabels = append(videoLabels, fmt.Sprintf("[v%d]", i))
				if infos[idx].audio {
					audioLabels = append(audioLabels, fmt.Sprintf("[%d:a]", idx))
				}
			}

			filters = append(filters, fmt.Sprintf(
				"%sconcat=n=%d:v=1:a=0[outv]", strings.Join(videoLabels, ""), len(videoIdx),
			))
			maps = append(maps, "-map", "[outv]")

			if len(audioLabels) > 0 {
				filters = append(filters, fmt.Sprintf(
					"%sconcat=n=%d:v=0:a=1[outa]", strings.Join(audioLabels, ""), len(audioLabels),
				))
				maps = append(maps, "-map", "[outa]")
			}

		case len(videoIdx) == 1:
			idx := videoIdx[0]
			maps = append(maps, "-map", fmt.Sprintf("%d:v", idx))
			if infos[idx].audio {
				maps = append(maps, "-map", fmt.Sprintf("%d:a", idx))
			}
		}

		// Audio-only inputs become extra tracks after the main program.
		for _, idx := range audioOnlyIdx {
			maps = append(maps, "-map", fmt.Sprintf("%d:a", idx))
		}

		if len(filters) > 0 {
			args = append(args, "-filter_complex", strings.Join(filters, ";"))
		}
		args = append(args, maps...)
	} else if len(infos) == 1 {
		if infos[0].video {
			args = append(args, "-map", "0:v")
		}
		if infos[0].audio {
			args = append(args, "-map", "0:a")
		}
	}

	switch output.Codec() {
	case protocol.CodecH265:
		args = append(args, "-c:v", "libx265", "-preset", "medium")
	case protocol.CodecVP9:
		args = append(args, "-c:v", "libvpx-vp9")
	default:
		args = append(args, "-c:v", "libx264", "-preset", "medium")
	}

	// With a single input the resolution is applied directly; multi-input
	// jobs already scale inside the filter graph.
	if resolution := output.Resolution(); resolution != "" && len(inputs) == 1 {
		args = append(args, "-s", resolution)
	}

	args = append(args, "-c:a", "aac")
	args = append(args, "-progress", "pipe:1")
	args = append(args, output.Path())

	return args
}
