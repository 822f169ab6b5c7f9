package services

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/coah80/bgm/internal/config"
	"github.com/coah80/bgm/internal/logging"
	"github.com/coah80/bgm/internal/util"
)

const (
	maxDiagnosticLines = 200

	// pipeWaitDelay bounds how long output copying may outlast the child,
	// for example when a killed ffmpeg leaves a grandchild holding the pipes.
	pipeWaitDelay = 5 * time.Second
)

// ErrExtractionTimeout is reported when ffmpeg outlives the wait bound. The
// process keeps running until the hard timeout kills it.
var ErrExtractionTimeout = errors.New("extraction wait timed out")

// ExtractionResult describes one extraction attempt. Only the output file
// outlives it. When Extract stops waiting before ffmpeg exits, Late
// delivers the final result exactly once and is then closed.
type ExtractionResult struct {
	Source      string
	Output      string
	Success     bool
	ExitCode    int
	TimedOut    bool
	Diagnostics []string
	Duration    time.Duration
	Err         error
	Late        <-chan ExtractionResult
}

// Runner pulls the audio track out of a video with ffmpeg.
type Runner struct {
	ffmpegPath  string
	waitTimeout time.Duration
	hardTimeout time.Duration
	waitDelay   time.Duration
	logger      *log.Logger
}

type RunnerOption func(*Runner)

func WithFFmpegPath(path string) RunnerOption {
	return func(r *Runner) {
		if path != "" {
			r.ffmpegPath = path
		}
	}
}

// WithWaitTimeout bounds how long Extract waits for ffmpeg to exit.
func WithWaitTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.waitTimeout = d }
}

// WithHardTimeout bounds how long ffmpeg may run at all.
func WithHardTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.hardTimeout = d }
}

func WithRunnerLogger(l *log.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logging.OrDiscard(l).WithPrefix("ffmpeg") }
}

func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		ffmpegPath:  "ffmpeg",
		waitTimeout: config.DefaultExtractWaitTimeout,
		hardTimeout: config.DefaultExtractHardTimeout,
		waitDelay:   pipeWaitDelay,
		logger:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.hardTimeout < r.waitTimeout {
		r.hardTimeout = r.waitTimeout
	}
	return r
}

// ffmpegArgs selects the audio streams and encodes them at the best VBR
// quality. The muxer is named because the output carries a partial suffix.
func ffmpegArgs(input, output string) []string {
	return []string{"-y", "-nostdin", "-i", input, "-q:a", "0", "-map", "a", "-f", "mp3", output}
}

// Extract runs ffmpeg on videoPath and waits up to the wait timeout. Both
// output streams are drained concurrently so the child never blocks on a
// full pipe. Cancelling ctx stops the wait, not the child. ffmpeg writes to
// a partial sibling that is renamed to Output only after a clean exit.
func (r *Runner) Extract(ctx context.Context, videoPath string) (res ExtractionResult) {
	res = ExtractionResult{
		Source:   videoPath,
		Output:   util.AudioPathFor(videoPath),
		ExitCode: -1,
	}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	// The child is tied to the hard timeout only, so a finished request
	// cannot kill an extraction that is still making progress.
	procCtx, cancel := context.WithTimeout(context.Background(), r.hardTimeout)

	cmd := exec.CommandContext(procCtx, r.ffmpegPath, ffmpegArgs(res.Source, util.PartialPathFor(res.Output))...)
	cmd.WaitDelay = r.waitDelay
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		cancel()
		r.logger.Error("failed to start", "path", r.ffmpegPath, "err", err)
		res.Err = util.Extraction(err, "failed to start ffmpeg")
		return res
	}
	r.logger.Debug("started", "pid", cmd.Process.Pid, "input", res.Source)

	sink := newDiagnostics(maxDiagnosticLines)
	var g errgroup.Group
	g.Go(func() error { return drain(stdoutR, sink) })
	g.Go(func() error { return drain(stderrR, sink) })

	done := make(chan error, 1)
	go func() {
		defer cancel()
		// Wait returns once the child exited and its output was copied, or
		// WaitDelay after that; closing the writers then ends both drains.
		waitErr := cmd.Wait()
		stdoutW.Close()
		stderrW.Close()
		drainErr := g.Wait()
		if waitErr == nil && drainErr != nil {
			waitErr = drainErr
		}
		done <- waitErr
	}()

	timer := time.NewTimer(r.waitTimeout)
	defer timer.Stop()

	select {
	case waitErr := <-done:
		return r.complete(res, cmd, sink, waitErr)

	case <-timer.C:
		res.TimedOut = true
		res.Diagnostics = sink.Lines()
		res.Err = util.Extraction(ErrExtractionTimeout, "ffmpeg did not finish within %s", r.waitTimeout)
		res.Late = r.reap(res, start, cmd, sink, done)
		return res

	case <-ctx.Done():
		res.Diagnostics = sink.Lines()
		res.Err = util.Extraction(ctx.Err(), "extraction wait interrupted")
		res.Late = r.reap(res, start, cmd, sink, done)
		return res
	}
}

// complete turns the exit of the child into a final result and moves the
// partial output into place or removes it.
func (r *Runner) complete(res ExtractionResult, cmd *exec.Cmd, sink *diagnostics, waitErr error) ExtractionResult {
	res.Diagnostics = sink.Lines()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	partial := util.PartialPathFor(res.Output)
	if waitErr != nil {
		r.removePartial(partial)
		res.Err = util.Extraction(waitErr, "ffmpeg exited with code %d", res.ExitCode)
		return res
	}
	if err := os.Rename(partial, res.Output); err != nil {
		r.removePartial(partial)
		res.Err = util.Extraction(err, "failed to finalize audio")
		return res
	}
	res.Success = true
	return res
}

func (r *Runner) removePartial(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("failed to remove partial audio", "path", path, "err", err)
	}
}

// reap waits for a child Extract stopped waiting for and delivers its final
// result on the returned channel.
func (r *Runner) reap(res ExtractionResult, start time.Time, cmd *exec.Cmd, sink *diagnostics, done <-chan error) <-chan ExtractionResult {
	late := make(chan ExtractionResult, 1)
	go func() {
		defer close(late)
		final := r.complete(ExtractionResult{Source: res.Source, Output: res.Output, ExitCode: -1}, cmd, sink, <-done)
		final.Duration = time.Since(start)
		if final.Success {
			r.logger.Info("late extraction finished", "input", final.Source, "took", final.Duration)
		} else {
			r.logger.Warn("late extraction failed", "input", final.Source, "err", final.Err)
		}
		late <- final
	}()
	return late
}

// drain consumes one stream line by line. After a scan error it keeps
// discarding bytes so the child cannot block on the pipe.
func drain(rd io.Reader, sink *diagnostics) error {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	sc.Split(scanLinesOrCR)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			sink.Add(line)
		}
	}
	if err := sc.Err(); err != nil {
		_, _ = io.Copy(io.Discard, rd)
		return fmt.Errorf("drain output: %w", err)
	}
	return nil
}

// scanLinesOrCR splits on \n or \r; ffmpeg redraws progress with bare \r.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// diagnostics keeps the last max lines from both streams.
type diagnostics struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func newDiagnostics(max int) *diagnostics {
	return &diagnostics{max: max}
}

func (d *diagnostics) Add(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.lines) == d.max {
		copy(d.lines, d.lines[1:])
		d.lines = d.lines[:d.max-1]
	}
	d.lines = append(d.lines, line)
}

func (d *diagnostics) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.lines...)
}
