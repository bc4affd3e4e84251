package transcoder

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// probeStreams asks ffprobe whether a file carries video and audio streams.
// Probe failures are logged and treated as "stream absent"; an unreadable
// file will surface a proper error once ffmpeg opens it.
func (r *Runner) probeStreams(ctx context.Context, file string) streamInfo {
	return streamInfo{
		video: r.hasStream(ctx, file, "v:0"),
		audio: r.hasStream(ctx, file, "a:0"),
	}
}

func (r *Runner) hasStream(ctx context.Context, file, selector string) bool {
	cmd := exec.CommandContext(ctx, r.ffprobeBin,
		"-v", "error",
		"-select_streams", selector,
		"-show_entries", "stream=codec_type",
		"-of", "json",
		file,
	)
	out, err := cmd.Output()
	if err != nil {
		r.logger.Debug("ffprobe stream check failed",
			zap.String("file", file),
			zap.String("selector", selector),
			zap.Error(err),
		)
		return false
	}

	var result struct {
		Streams []json.RawMessage `json:"streams"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		r.logger.Debug("ffprobe output unparseable",
			zap.String("file", file),
			zap.Error(err),
		)
		return false
	}
	return len(result.Streams) > 0
}

// totalDuration sums the container durations of all inputs, in seconds.
// Files whose duration cannot be read are skipped; the result is clamped to
// at least one second so progress arithmetic never divides by zero.
func (r *Runner) totalDuration(ctx context.Context, files []string) float64 {
	total := 0.0
	for _, file := range files {
		d, err := r.fileDuration(ctx, file)
		if err != nil {
			r.logger.Warn("could not read duration",
				zap.String("file", file),
				zap.Error(err),
			)
			continue
		}
		total += d
	}
	if total <= 0 {
		return 1.0
	}
	return total
}

func (r *Runner) fileDuration(ctx context.Context, file string) (float64, error) {
	cmd := exec.CommandContext(ctx, r.ffprobeBin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		file,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("transcoder: ffprobe failed: %w", err)
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("transcoder: unparseable duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return d, nil
}
