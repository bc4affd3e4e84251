// Package transcoder wraps ffmpeg and ffprobe behind a cancellable job API.
// All child-process invocations live here; no other package may call these
// binaries directly.
//
// A Job reports progress through a callback while it runs and finishes with
// exactly one terminal outcome: Run returns nil (completed), ErrCancelled
// (aborted via Cancel), or an error describing the failure. Progress is
// rate-limited at the source: the callback fires only when progress has
// advanced by at least one percentage point, and never reports 100; the
// full 100 is implied by a nil return.
package transcoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
)

// ErrCancelled is returned by Run when the job was stopped via Cancel.
var ErrCancelled = errors.New("transcoder: job cancelled")

// ProgressFunc receives rate-limited progress values in [0, 100).
// It is called from the goroutine reading ffmpeg's stdout and must not
// block for long.
type ProgressFunc func(progress float64)

// Runner executes transcoding jobs using the host's ffmpeg and ffprobe
// binaries. Create instances with New; the Runner is safe for concurrent
// use, each job owns its own child process.
type Runner struct {
	ffmpegBin  string
	ffprobeBin string
	logger     *zap.Logger
}

// New returns a Runner using ffmpeg and ffprobe from PATH.
func New(logger *zap.Logger) *Runner {
	return &Runner{
		ffmpegBin:  "ffmpeg",
		ffprobeBin: "ffprobe",
		logger:     logger.Named("transcoder"),
	}
}

// Job is a single transcoding run. Create instances with Runner.NewJob.
type Job struct {
	runner     *Runner
	taskID     string
	inputs     []string
	output     protocol.OutputSettings
	onProgress ProgressFunc

	mu        sync.Mutex
	cmd       *exec.Cmd
	cancelled bool
}

// NewJob prepares a job. inputs and output must already be resolved to
// local paths; onProgress may be nil.
func (r *Runner) NewJob(taskID string, inputs []string, output protocol.OutputSettings, onProgress ProgressFunc) *Job {
	return &Job{
		runner:     r,
		taskID:     taskID,
		inputs:     inputs,
		output:     output,
		onProgress: onProgress,
	}
}

// Cancel asks the running child to stop with SIGTERM. Safe to call at any
// point in the job's life, including before Run or after it returned.
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancelled = true
	if j.cmd != nil && j.cmd.Process != nil {
		if err := j.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			j.runner.logger.Warn("failed to signal ffmpeg",
				zap.String("task_id", j.taskID),
				zap.Error(err),
			)
		}
	}
}

// Run executes the job and blocks until the child exits. It returns nil on
// success, ErrCancelled if Cancel stopped the run, or an error describing
// what went wrong. Exactly one of these outcomes is produced per call.
func (j *Job) Run(ctx context.Context) error {
	log := j.runner.logger

	for _, in := range j.inputs {
		if _, err := os.Stat(in); err != nil {
			return fmt.Errorf("transcoder: input file not found: %s", in)
		}
	}
	if err := os.MkdirAll(filepath.Dir(j.output.Path()), 0750); err != nil {
		return fmt.Errorf("transcoder: failed to create output directory: %w", err)
	}

	infos := make([]streamInfo, len(j.inputs))
	for i, in := range j.inputs {
		infos[i] = j.runner.probeStreams(ctx, in)
	}

	total := j.runner.totalDuration(ctx, j.inputs)
	tracker := newProgressTracker(total)

	args := buildArgs(j.inputs, infos, j.output)
	log.Info("starting ffmpeg",
		zap.String("task_id", j.taskID),
		zap.Float64("total_duration_s", total),
		zap.Strings("args", args),
	)

	cmd := exec.CommandContext(ctx, j.runner.ffmpegBin, args...)
	// Let ffmpeg finalize the container on context cancellation instead of
	// being killed outright.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("transcoder: failed to open stdout pipe: %w", err)
	}
	var stderrBuf strings.Builder
	cmd.Stderr = &stderrBuf

	j.mu.Lock()
	if j.cancelled {
		j.mu.Unlock()
		return ErrCancelled
	}
	if err := cmd.Start(); err != nil {
		j.mu.Unlock()
		return fmt.Errorf("transcoder: failed to start ffmpeg: %w", err)
	}
	j.cmd = cmd
	j.mu.Unlock()

	// -progress pipe:1 emits key=value lines on stdout; out_time_ms carries
	// the current position in microseconds.
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		raw, ok := strings.CutPrefix(scanner.Text(), "out_time_ms=")
		if !ok {
			continue
		}
		outTimeMS, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			continue
		}
		if progress, emit := tracker.advance(outTimeMS); emit && j.onProgress != nil {
			j.onProgress(progress)
		}
	}

	err = cmd.Wait()

	j.mu.Lock()
	cancelled := j.cancelled
	j.cmd = nil
	j.mu.Unlock()

	if cancelled {
		log.Info("ffmpeg stopped after cancellation", zap.String("task_id", j.taskID))
		return ErrCancelled
	}
	if err != nil {
		stderr := strings.TrimSpace(stderrBuf.String())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("transcoder: ffmpeg exited with code %d: %s", exitErr.ExitCode(), stderr)
		}
		return fmt.Errorf("transcoder: ffmpeg failed: %w: %s", err, stderr)
	}

	log.Info("transcode finished", zap.String("task_id", j.taskID))
	return nil
}

// progressTracker converts ffmpeg's position reports into rate-limited
// progress percentages. Values are capped at 99.9 so 100 is only ever
// reported through completion.
type progressTracker struct {
	totalSeconds float64
	last         float64
}

func newProgressTracker(totalSeconds float64) *progressTracker {
	return &progressTracker{totalSeconds: totalSeconds}
}

// advance takes an out_time_ms value (microseconds) and returns the new
// progress plus whether it advanced enough since the last emission to be
// worth reporting.
func (p *progressTracker) advance(outTimeMS int64) (float64, bool) {
	if p.totalSeconds <= 0 {
		return 0, false
	}
	seconds := float64(outTimeMS) / 1_000_000
	progress := seconds / p.totalSeconds * 100
	if progress > 99.9 {
		progress = 99.9
	}
	if progress-p.last < 1.0 {
		return progress, false
	}
	p.last = progress
	return progress, true
}
