package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
)

// SourceOpener opens an input as a stream. It is used for inputs ffmpeg
// cannot open by location, such as objects held by a remote provider.
type SourceOpener interface {
	Open(ctx context.Context, source string) (io.ReadCloser, error)
}

// Options configures the ffmpeg engine.
type Options struct {
	// Binary is the ffmpeg executable; defaults to "ffmpeg" on PATH
	Binary string
	// Preset is the x264 preset used for mp4 output
	Preset string
	// Threads limits encoder threads; 0 lets ffmpeg decide
	Threads int
	// GracePeriod is how long ffmpeg may take to finish after an interrupt
	// before it is killed
	GracePeriod time.Duration
}

// FFmpeg runs plans through an ffmpeg child process.
type FFmpeg struct {
	logger hclog.Logger
	binary string
	grace  time.Duration
	args   *ArgsBuilder
	opener SourceOpener
}

// NewFFmpeg creates an ffmpeg engine. opener may be nil, in which case every
// input location is handed to ffmpeg unchanged.
func NewFFmpeg(logger hclog.Logger, opts Options, opener SourceOpener) *FFmpeg {
	if opts.Binary == "" {
		opts.Binary = "ffmpeg"
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}
	return &FFmpeg{
		logger: logger.Named("ffmpeg"),
		binary: opts.Binary,
		grace:  opts.GracePeriod,
		args:   NewArgsBuilder(opts.Preset, opts.Threads),
		opener: opener,
	}
}

// Available reports whether the ffmpeg binary can be found.
func (f *FFmpeg) Available() error {
	if _, err := exec.LookPath(f.binary); err != nil {
		return fmt.Errorf("ffmpeg not available: %w", err)
	}
	return nil
}

// Run implements Engine.
func (f *FFmpeg) Run(ctx context.Context, plan *Plan, out io.Writer, progress ProgressFunc) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	if progress == nil {
		progress = func(float64) {}
	}

	locations, pipes, err := f.prepareInputs(plan)
	if err != nil {
		return err
	}
	defer pipes.closeAll()

	args := f.args.BuildArgs(plan, locations)
	cmd := exec.CommandContext(ctx, f.binary, args...)
	cmd.Stdout = out
	cmd.ExtraFiles = pipes.readers()
	// Interrupt lets ffmpeg flush and exit on its own; WaitDelay bounds the wait.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = f.grace

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	f.logger.Debug("starting ffmpeg", "job_id", plan.JobID, "args", strings.Join(args, " "))
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	pipes.closeReaders()

	feeders, feedCtx := errgroup.WithContext(ctx)
	for _, p := range pipes {
		p := p
		feeders.Go(func() error { return p.feed(feedCtx, f.opener) })
	}

	progress(Indeterminate)
	tracker := NewProgressTracker(plan.ExpectedDuration())
	tail := newLineTail(20)

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if IsProgressLine(line) {
			if value, ok := tracker.Parse(line); ok {
				progress(value)
			}
			continue
		}
		tail.add(line)
		f.logger.Debug("ffmpeg stderr", "job_id", plan.JobID, "line", line)
	}

	waitErr := cmd.Wait()
	feedErr := feeders.Wait()

	if ctx.Err() != nil {
		f.logger.Info("ffmpeg interrupted", "job_id", plan.JobID, "elapsed", time.Since(start))
		return ctx.Err()
	}
	if feedErr != nil {
		return fmt.Errorf("failed to stream input: %w", feedErr)
	}
	if waitErr != nil {
		return fmt.Errorf("ffmpeg exited: %w: %s", waitErr, tail)
	}

	f.logger.Info("ffmpeg finished",
		"job_id", plan.JobID,
		"elapsed", time.Since(start),
		"frames", tracker.Frame(),
		"speed", tracker.Speed(),
	)
	return nil
}

// prepareInputs decides how ffmpeg reads each input: local files and URLs by
// location, anything else through a pipe fed from the opener.
func (f *FFmpeg) prepareInputs(plan *Plan) ([]string, inputPipes, error) {
	locations := make([]string, len(plan.Inputs))
	var pipes inputPipes

	for i, in := range plan.Inputs {
		loc := in.Source
		if in.Info != nil && in.Info.Source != "" {
			loc = in.Info.Source
		}
		if f.opener == nil || isLocalFile(loc) || strings.Contains(loc, "://") {
			locations[i] = loc
			continue
		}

		r, w, err := os.Pipe()
		if err != nil {
			pipes.closeAll()
			return nil, nil, fmt.Errorf("failed to create input pipe: %w", err)
		}
		// ExtraFiles entry n is file descriptor 3+n in the child
		locations[i] = fmt.Sprintf("pipe:%d", 3+len(pipes))
		pipes = append(pipes, &inputPipe{source: in.Source, r: r, w: w})
	}
	return locations, pipes, nil
}

func isLocalFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

type inputPipe struct {
	source string
	r, w   *os.File
}

func (p *inputPipe) feed(ctx context.Context, opener SourceOpener) error {
	defer p.w.Close()

	rc, err := opener.Open(ctx, p.source)
	if err != nil {
		return err
	}
	defer rc.Close()

	if _, err := io.Copy(p.w, rc); err != nil {
		return fmt.Errorf("copy %s: %w", p.source, err)
	}
	return nil
}

type inputPipes []*inputPipe

func (ps inputPipes) readers() []*os.File {
	files := make([]*os.File, len(ps))
	for i, p := range ps {
		files[i] = p.r
	}
	return files
}

func (ps inputPipes) closeReaders() {
	for _, p := range ps {
		p.r.Close()
	}
}

func (ps inputPipes) closeAll() {
	for _, p := range ps {
		p.r.Close()
		p.w.Close()
	}
}

// lineTail keeps the last n stderr lines for error messages.
type lineTail struct {
	lines []string
	max   int
}

func newLineTail(max int) *lineTail {
	return &lineTail{max: max}
}

func (t *lineTail) add(line string) {
	if len(t.lines) == t.max {
		t.lines = t.lines[1:]
	}
	t.lines = append(t.lines, line)
}

func (t *lineTail) String() string {
	if len(t.lines) == 0 {
		return "no output"
	}
	return strings.Join(t.lines, "; ")
}
