// Package controller runs transcode jobs one at a time.
//
// A job moves idle -> running -> completed | canceled | failed and the
// controller returns to idle once the terminal event has been delivered.
// Submit rejects new work while a job holds the slot.
package controller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/engine"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/probe"
	tcerrors "github.com/mantonx/reframe/internal/modules/transcodingmodule/errors"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/types"
)

// Observer is notified of every job the controller runs. Calls are made from
// the job's worker goroutine; implementations must not block for long.
type Observer interface {
	JobStarted(s Snapshot)
	JobProgress(jobID string, progress float64)
	JobFinished(r Result)
}

// Option configures a Controller.
type Option func(*Controller)

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		c.observers = append(c.observers, o)
	}
}

// WithReporter sets where recovered panics and background errors go.
func WithReporter(r tcerrors.Reporter) Option {
	return func(c *Controller) {
		c.reporter = r
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// Controller owns the single running slot.
type Controller struct {
	logger    hclog.Logger
	provider  probe.SourceProvider
	engine    engine.Engine
	reporter  tcerrors.Reporter
	observers []Observer
	now       func() time.Time

	mu     sync.Mutex
	active *job
	last   *Result
}

// New creates a controller.
func New(logger hclog.Logger, provider probe.SourceProvider, eng engine.Engine, opts ...Option) *Controller {
	c := &Controller{
		logger:   logger.Named("controller"),
		provider: provider,
		engine:   eng,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.reporter == nil {
		c.reporter = tcerrors.NewReporter(logger, 0)
	}
	return c
}

// Submit starts a job. It fails synchronously with ErrJobInProgress while
// another job is active, or with ErrInvalidRequest for a malformed request.
// Everything after validation is reported through the request's listener.
func (c *Controller) Submit(req *TranscodeRequest) (*JobHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return nil, tcerrors.StateError("submit", c.active.id)
	}
	if req == nil {
		return nil, tcerrors.RequestError("submit", "request", "request is nil")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	j := newJob(uuid.New().String(), req.normalized(), c.now())
	c.active = j

	c.logger.Info("job submitted",
		"job_id", j.id,
		"sources", len(j.req.Sources),
		"destination", j.req.Sink.Destination(),
		"video", j.req.Video.String(),
		"audio", j.req.Audio,
		"container", j.req.Container,
	)

	go c.run(j)
	return &JobHandle{job: j, controller: c}, nil
}

// State returns running while a job holds the slot, idle otherwise.
func (c *Controller) State() types.JobState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return types.JobStateRunning
	}
	return types.JobStateIdle
}

// Active returns a snapshot of the running job.
func (c *Controller) Active() (Snapshot, bool) {
	c.mu.Lock()
	j := c.active
	c.mu.Unlock()
	if j == nil {
		return Snapshot{}, false
	}
	return j.snapshot(), true
}

// Last returns the result of the most recently finished job.
func (c *Controller) Last() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Result{}, false
	}
	return *c.last, true
}

// Cancel cancels the job with the given ID. It returns ErrJobNotFound when
// that job is not the active one.
func (c *Controller) Cancel(jobID string) (bool, error) {
	c.mu.Lock()
	j := c.active
	c.mu.Unlock()
	if j == nil || j.id != jobID {
		return false, tcerrors.New(tcerrors.ErrorTypeState, "cancel", tcerrors.ErrJobNotFound).WithJob(jobID)
	}
	return c.cancelJob(j), nil
}

func (c *Controller) cancelJob(j *job) bool {
	if !j.requestCancel() {
		return false
	}
	c.logger.Info("cancel requested", "job_id", j.id)
	return true
}

// Shutdown cancels the active job and waits for it to finish.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	j := c.active
	c.mu.Unlock()
	if j == nil {
		return nil
	}

	c.cancelJob(j)
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for job %s: %w", j.id, ctx.Err())
	}
}

func (c *Controller) run(j *job) {
	defer func() {
		if r := recover(); r != nil {
			err := c.reporter.ReportPanic(r, debug.Stack())
			c.abortSink(j)
			c.finish(j, tcerrors.InternalError("run_job", err).WithJob(j.id))
		}
	}()

	c.notify(func(o Observer) { o.JobStarted(j.snapshot()) })
	c.finish(j, c.execute(j))
}

// execute probes, resolves and runs the engine, and owns the sink lifecycle.
func (c *Controller) execute(j *job) error {
	ctx := j.ctx
	req := j.req
	dest := req.Sink.Destination()
	logger := c.logger.With("job_id", j.id)

	c.emitProgress(j, engine.Indeterminate)

	inputs := make([]engine.Input, 0, len(req.Sources))
	for _, src := range req.Sources {
		if ctx.Err() != nil {
			return tcerrors.ErrCanceled
		}
		info, err := c.provider.Probe(ctx, src)
		if err != nil {
			if ctx.Err() != nil {
				return tcerrors.ErrCanceled
			}
			if errors.Is(err, tcerrors.ErrSourceUnreadable) {
				return err
			}
			return tcerrors.SourceError("probe", src, err)
		}
		if !info.HasVideo() {
			return tcerrors.SourceError("probe", src, errors.New("no video track"))
		}
		logger.Debug("probed source", "source", src, "geometry", info.Video.Geometry.String(), "duration", info.Duration)
		inputs = append(inputs, engine.Input{Source: src, Info: info})
	}

	first := *inputs[0].Info.Video
	first.Geometry = first.DisplayGeometry()
	video, err := req.Video.Resolve(first)
	if err != nil {
		return tcerrors.SourceError("resolve_video", req.Sources[0], err)
	}
	j.setOutput(video)

	var sourceAudio *types.TrackFormat
	for _, in := range inputs {
		if in.Info.HasAudio() {
			sourceAudio = in.Info.Audio
			break
		}
	}

	plan := &engine.Plan{
		JobID:            j.id,
		Inputs:           inputs,
		Video:            video,
		Fit:              req.Video.Fit(),
		KeyFrameInterval: req.Video.KeyFrameInterval(),
		Audio:            req.Audio.Resolve(sourceAudio),
		Rotation:         req.Rotation,
		Speed:            req.Speed,
		Container:        req.Container,
	}
	if !plan.Container.HasAudio() {
		plan.Audio = nil
	}

	logger.Info("starting transcode",
		"output", video.Geometry.String(),
		"frame_rate", video.FrameRate,
		"rotation", plan.Rotation,
		"speed", plan.Speed,
		"audio", plan.KeepsAudio(),
		"expected_duration", plan.ExpectedDuration(),
	)

	if err := req.Sink.Open(ctx); err != nil {
		if ctx.Err() != nil {
			return tcerrors.ErrCanceled
		}
		return tcerrors.SinkError("open_sink", dest, err)
	}

	out := &countingWriter{job: j, w: req.Sink}
	err = c.engine.Run(ctx, plan, out, func(p float64) { c.emitProgress(j, p) })

	if j.canceled() {
		c.abortSink(j)
		return tcerrors.ErrCanceled
	}
	if err != nil {
		c.abortSink(j)
		return tcerrors.EngineError("run_engine", err)
	}
	if !j.beginFinalize() {
		c.abortSink(j)
		return tcerrors.ErrCanceled
	}
	if err := req.Sink.Close(); err != nil {
		c.abortSink(j)
		return tcerrors.SinkError("close_sink", dest, err)
	}
	return nil
}

func (c *Controller) abortSink(j *job) {
	if err := j.req.Sink.Abort(); err != nil {
		c.reporter.ReportError(tcerrors.SinkError("abort_sink", j.req.Sink.Destination(), err).WithJob(j.id))
	}
}

// emitProgress forwards progress as reported unless the job was canceled or
// terminated.
func (c *Controller) emitProgress(j *job, p float64) {
	j.emitMu.Lock()
	if j.terminated || j.phase.Load() != phaseRunning {
		j.emitMu.Unlock()
		return
	}
	j.progress.Store(math.Float64bits(p))
	c.safeCall(j, func() { j.req.Listener.OnProgress(p) })
	j.emitMu.Unlock()

	c.notify(func(o Observer) { o.JobProgress(j.id, p) })
}

// finish records the outcome, notifies observers, frees the slot and then
// delivers the single terminal event. The slot is free before the listener
// hears the outcome, so a listener may submit the next job.
func (c *Controller) finish(j *job, err error) {
	j.mu.Lock()
	if j.finished {
		j.mu.Unlock()
		return
	}
	j.finished = true
	// after this swap Cancel can no longer be acknowledged
	prev := j.phase.Swap(phaseDone)

	state := types.JobStateCompleted
	switch {
	case prev == phaseCanceled || errors.Is(err, tcerrors.ErrCanceled):
		state = types.JobStateCanceled
		err = nil
	case err != nil:
		state = types.JobStateFailed
		var tErr *tcerrors.TranscodingError
		if errors.As(err, &tErr) && tErr.JobID == "" {
			tErr.WithJob(j.id)
		}
	}

	result := Result{
		JobID:        j.id,
		State:        state,
		Err:          err,
		Sources:      append([]string(nil), j.req.Sources...),
		Destination:  j.req.Sink.Destination(),
		Container:    j.req.Container,
		Output:       j.output,
		Rotation:     j.req.Rotation,
		Speed:        j.req.Speed,
		BytesWritten: j.bytes,
		StartedAt:    j.startedAt,
		FinishedAt:   c.now(),
	}
	j.result = result
	j.mu.Unlock()

	j.emitMu.Lock()
	j.terminated = true
	j.emitMu.Unlock()

	switch state {
	case types.JobStateFailed:
		c.logger.Error("job failed", "job_id", j.id, "error", err, "took", result.Elapsed())
	default:
		c.logger.Info("job finished", "job_id", j.id, "state", state, "bytes", result.BytesWritten, "took", result.Elapsed())
	}

	c.notify(func(o Observer) { o.JobFinished(result) })

	c.mu.Lock()
	if c.active == j {
		c.active = nil
	}
	c.last = &result
	c.mu.Unlock()

	c.safeCall(j, func() {
		switch state {
		case types.JobStateCompleted:
			j.req.Listener.OnCompleted()
		case types.JobStateCanceled:
			j.req.Listener.OnCanceled()
		default:
			j.req.Listener.OnFailed(err)
		}
	})

	j.cancel()
	close(j.done)
}

// safeCall runs a listener callback, reporting panics instead of crashing
// the worker.
func (c *Controller) safeCall(j *job, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := c.reporter.ReportPanic(r, debug.Stack())
			c.logger.Error("listener panicked", "job_id", j.id, "error", err)
		}
	}()
	fn()
}

func (c *Controller) notify(fn func(Observer)) {
	for _, o := range c.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.reporter.ReportPanic(r, debug.Stack())
				}
			}()
			fn(o)
		}()
	}
}
