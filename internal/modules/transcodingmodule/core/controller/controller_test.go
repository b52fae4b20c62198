package controller

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/engine"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/strategy"
	tcerrors "github.com/mantonx/reframe/internal/modules/transcodingmodule/errors"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/types"
)

const testTimeout = 5 * time.Second

// fakeProvider serves canned probe results.
type fakeProvider struct {
	infos map[string]*types.MediaInfo
	errs  map[string]error
	block bool
}

func (p *fakeProvider) Probe(ctx context.Context, source string) (*types.MediaInfo, error) {
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err, ok := p.errs[source]; ok {
		return nil, err
	}
	info, ok := p.infos[source]
	if !ok {
		return nil, errors.New("no such file")
	}
	return info, nil
}

func (p *fakeProvider) Open(ctx context.Context, source string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

// engineFunc adapts a function to engine.Engine.
type engineFunc func(ctx context.Context, plan *engine.Plan, out io.Writer, progress engine.ProgressFunc) error

func (f engineFunc) Run(ctx context.Context, plan *engine.Plan, out io.Writer, progress engine.ProgressFunc) error {
	return f(ctx, plan, out, progress)
}

// succeed writes a payload and reports quarter steps.
func succeed(ctx context.Context, plan *engine.Plan, out io.Writer, progress engine.ProgressFunc) error {
	for _, p := range []float64{0, 0.25, 0.5, 0.75, 1} {
		progress(p)
	}
	_, err := out.Write([]byte("encoded"))
	return err
}

type fakeSink struct {
	mu       sync.Mutex
	opened   int
	closed   int
	aborted  int
	buf      bytes.Buffer
	openErr  error
	closeErr error
}

func (s *fakeSink) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
	return s.openErr
}

func (s *fakeSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return s.closeErr
}

func (s *fakeSink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted++
	s.buf.Reset()
	return nil
}

func (s *fakeSink) Destination() string { return "memory://out" }

func (s *fakeSink) counts() (opened, closed, aborted int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened, s.closed, s.aborted
}

// recorder is a Listener that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) OnProgress(p float64) { r.add(Event{Type: EventProgress, Progress: p}) }
func (r *recorder) OnCompleted()         { r.add(Event{Type: EventCompleted}) }
func (r *recorder) OnCanceled()          { r.add(Event{Type: EventCanceled}) }
func (r *recorder) OnFailed(err error)   { r.add(Event{Type: EventFailed, Err: err}) }

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) progress() []float64 {
	var out []float64
	for _, e := range r.snapshot() {
		if e.Type == EventProgress {
			out = append(out, e.Progress)
		}
	}
	return out
}

func (r *recorder) terminals() []Event {
	var out []Event
	for _, e := range r.snapshot() {
		if e.Terminal() {
			out = append(out, e)
		}
	}
	return out
}

func videoInfo(source string, w, h int, d time.Duration, audio bool) *types.MediaInfo {
	info := &types.MediaInfo{
		Source:   source,
		Duration: d,
		Video: &types.TrackFormat{
			Kind:      types.TrackKindVideo,
			Codec:     "h264",
			Geometry:  types.NewGeometry(w, h),
			FrameRate: 29.97,
		},
	}
	if audio {
		info.Audio = &types.TrackFormat{Kind: types.TrackKindAudio, Codec: "aac", SampleRate: 44100, Channels: 2}
	}
	return info
}

func defaultProvider() *fakeProvider {
	return &fakeProvider{infos: map[string]*types.MediaInfo{
		"a.mp4": videoInfo("a.mp4", 1920, 1440, 10*time.Second, true),
		"b.mp4": videoInfo("b.mp4", 1280, 720, 5*time.Second, false),
	}}
}

func testStrategy(t *testing.T) *strategy.VideoStrategy {
	t.Helper()
	aspect, err := strategy.AspectRatio(16.0/9.0, strategy.FitCrop)
	require.NoError(t, err)
	half, err := strategy.Fraction(0.5)
	require.NoError(t, err)
	vs, err := strategy.NewVideoBuilder().AddResizer(aspect).AddResizer(half).FrameRate(30).Build()
	require.NoError(t, err)
	return vs
}

func newRequest(t *testing.T, s *fakeSink, l Listener) *TranscodeRequest {
	return &TranscodeRequest{
		Sources:  []string{"a.mp4", "b.mp4"},
		Sink:     s,
		Video:    testStrategy(t),
		Listener: l,
	}
}

func waitDone(t *testing.T, h *JobHandle) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	res, err := h.Wait(ctx)
	require.NoError(t, err, "job did not finish")
	return res
}

func TestController_TwoSourceRotatedJob(t *testing.T) {
	var got *engine.Plan
	eng := engineFunc(func(ctx context.Context, plan *engine.Plan, out io.Writer, progress engine.ProgressFunc) error {
		got = plan
		return succeed(ctx, plan, out, progress)
	})
	c := New(hclog.NewNullLogger(), defaultProvider(), eng)
	s := &fakeSink{}
	rec := &recorder{}

	req := newRequest(t, s, rec)
	req.Rotation = 90
	h, err := c.Submit(req)
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID())
	assert.Equal(t, types.JobStateRunning, c.State())

	res := waitDone(t, h)
	assert.Equal(t, types.JobStateCompleted, res.State)
	assert.NoError(t, res.Err)
	assert.Equal(t, int64(len("encoded")), res.BytesWritten)
	assert.Equal(t, types.JobStateIdle, c.State())

	require.NotNil(t, got)
	require.Len(t, got.Inputs, 2)
	assert.Equal(t, "a.mp4", got.Inputs[0].Source)
	assert.Equal(t, "b.mp4", got.Inputs[1].Source)
	assert.Equal(t, types.NewGeometry(960, 540), got.Video.Geometry)
	assert.Equal(t, 30.0, got.Video.FrameRate)
	assert.Equal(t, types.NewGeometry(540, 960), got.OutputGeometry())
	assert.Equal(t, 90, got.Rotation)
	assert.Equal(t, 1.0, got.Speed)
	assert.Equal(t, engine.ContainerMP4, got.Container)
	assert.Equal(t, strategy.FitCrop, got.Fit)
	require.NotNil(t, got.Audio, "audio kept from the first source that has it")
	assert.Equal(t, 44100, got.Audio.SampleRate)

	progress := rec.progress()
	require.NotEmpty(t, progress)
	assert.Equal(t, engine.Indeterminate, progress[0], "probing reports indeterminate progress")
	for i := 2; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}
	for _, p := range progress {
		assert.True(t, p < 0 || p <= 1)
	}

	terminals := rec.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, EventCompleted, terminals[0].Type)
	events := rec.snapshot()
	assert.Equal(t, EventCompleted, events[len(events)-1].Type, "terminal event is last")

	opened, closed, aborted := s.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
	assert.Equal(t, 0, aborted)
	assert.Equal(t, "encoded", s.buf.String())

	last, ok := c.Last()
	require.True(t, ok)
	assert.Equal(t, h.ID(), last.JobID)
	assert.Equal(t, types.NewGeometry(960, 540), last.Output.Geometry)
}

func TestController_DisplayRotationDrivesResolution(t *testing.T) {
	provider := &fakeProvider{infos: map[string]*types.MediaInfo{
		"portrait.mp4": videoInfo("portrait.mp4", 1920, 1080, time.Second, false),
	}}
	provider.infos["portrait.mp4"].Video.Rotation = 90

	var got *engine.Plan
	c := New(hclog.NewNullLogger(), provider, engineFunc(func(ctx context.Context, plan *engine.Plan, out io.Writer, progress engine.ProgressFunc) error {
		got = plan
		return nil
	}))

	vs, err := strategy.NewVideoBuilder().AddResizer(strategy.MustFraction(0.5)).Build()
	require.NoError(t, err)
	h, err := c.Submit(&TranscodeRequest{Sources: []string{"portrait.mp4"}, Sink: &fakeSink{}, Video: vs})
	require.NoError(t, err)

	res := waitDone(t, h)
	require.Equal(t, types.JobStateCompleted, res.State)
	assert.Equal(t, types.NewGeometry(540, 960), got.Video.Geometry)
	assert.Nil(t, got.Audio)
}

func TestController_SubmitValidation(t *testing.T) {
	c := New(hclog.NewNullLogger(), defaultProvider(), engineFunc(succeed))
	vs := testStrategy(t)

	tests := []struct {
		name  string
		field string
		edit  func(r *TranscodeRequest)
	}{
		{"no sources", "sources", func(r *TranscodeRequest) { r.Sources = nil }},
		{"blank source", "sources", func(r *TranscodeRequest) { r.Sources = []string{"a.mp4", " "} }},
		{"no sink", "sink", func(r *TranscodeRequest) { r.Sink = nil }},
		{"no strategy", "video", func(r *TranscodeRequest) { r.Video = nil }},
		{"bad audio", "audio", func(r *TranscodeRequest) { r.Audio = "mute" }},
		{"bad rotation", "rotation", func(r *TranscodeRequest) { r.Rotation = 45 }},
		{"negative speed", "speed", func(r *TranscodeRequest) { r.Speed = -1 }},
		{"bad container", "container", func(r *TranscodeRequest) { r.Container = "avi" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			req := &TranscodeRequest{Sources: []string{"a.mp4"}, Sink: &fakeSink{}, Video: vs, Listener: rec}
			tt.edit(req)

			h, err := c.Submit(req)
			assert.Nil(t, h)
			require.Error(t, err)
			assert.ErrorIs(t, err, tcerrors.ErrInvalidRequest)
			assert.Equal(t, tt.field, tcerrors.GetDetails(err)["field"])
			assert.Equal(t, types.JobStateIdle, c.State())
			assert.Empty(t, rec.snapshot())
		})
	}

	_, err := c.Submit(nil)
	assert.ErrorIs(t, err, tcerrors.ErrInvalidRequest)
}

func TestController_RejectsSecondSubmit(t *testing.T) {
	release := make(chan struct{})
	eng := engineFunc(func(ctx context.Context, plan *engine.Plan, out io.Writer, progress engine.ProgressFunc) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	c := New(hclog.NewNullLogger(), defaultProvider(), eng)

	first := &recorder{}
	h, err := c.Submit(newRequest(t, &fakeSink{}, first))
	require.NoError(t, err)

	second := &recorder{}
	h2, err := c.Submit(newRequest(t, &fakeSink{}, second))
	assert.Nil(t, h2)
	require.Error(t, err)
	assert.ErrorIs(t, err, tcerrors.ErrJobInProgress)
	assert.Equal(t, h.ID(), tcerrors.GetDetails(err)["active_job"])
	assert.Empty(t, second.snapshot())

	close(release)
	res := waitDone(t, h)
	assert.Equal(t, types.JobStateCompleted, res.State)
	require.Len(t, first.terminals(), 1)

	h3, err := c.Submit(newRequest(t, &fakeSink{}, second))
	require.NoError(t, err)
	assert.Equal(t, types.JobStateCompleted, waitDone(t, h3).State)
	assert.NotEqual(t, h.ID(), h3.ID())
}

func TestController_SinkCloseFailure(t *testing.T) {
	c := New(hclog.NewNullLogger(), defaultProvider(), engineFunc(succeed))
	s := &fakeSink{closeErr: errors.New("disk full")}
	rec := &recorder{}

	h, err := c.Submit(newRequest(t, s, rec))
	require.NoError(t, err)
	res := waitDone(t, h)

	assert.Equal(t, types.JobStateFailed, res.State)
	assert.ErrorIs(t, res.Err, tcerrors.ErrSinkFailed)
	assert.ErrorContains(t, res.Err, "disk full")
	assert.Equal(t, h.ID(), tcerrors.GetJobID(res.Err))

	terminals := rec.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, EventFailed, terminals[0].Type)
	assert.ErrorIs(t, terminals[0].Err, tcerrors.ErrSinkFailed)

	assert.Equal(t, types.JobStateIdle, c.State())
	h2, err := c.Submit(newRequest(t, &fakeSink{}, nil))
	require.NoError(t, err)
	assert.Equal(t, types.JobStateCompleted, waitDone(t, h2).State)
}

func TestController_SinkOpenFailure(t *testing.T) {
	called := false
	c := New(hclog.NewNullLogger(), defaultProvider(), engineFunc(func(ctx context.Context, plan *engine.Plan, out io.Writer, progress engine.ProgressFunc) error {
		called = true
		return nil
	}))
	h, err := c.Submit(newRequest(t, &fakeSink{openErr: errors.New("permission denied")}, nil))
	require.NoError(t, err)

	res := waitDone(t, h)
	assert.Equal(t, types.JobStateFailed, res.State)
	assert.ErrorIs(t, res.Err, tcerrors.ErrSinkFailed)
	assert.False(t, called)
}

func TestController_SourceUnreadable(t *testing.T) {
	provider := defaultProvider()
	provider.errs = map[string]error{"b.mp4": errors.New("moov atom not found")}

	called := false
	c := New(hclog.NewNullLogger(), provider, engineFunc(func(ctx context.Context, plan *engine.Plan, out io.Writer, progress engine.ProgressFunc) error {
		called = true
		return nil
	}))
	s := &fakeSink{}
	rec := &recorder{}

	h, err := c.Submit(newRequest(t, s, rec))
	require.NoError(t, err, "sources are not probed synchronously")
	res := waitDone(t, h)

	assert.Equal(t, types.JobStateFailed, res.State)
	assert.ErrorIs(t, res.Err, tcerrors.ErrSourceUnreadable)
	assert.ErrorContains(t, res.Err, "b.mp4")
	assert.Equal(t, tcerrors.ErrorTypeSource, tcerrors.GetType(res.Err))
	assert.False(t, called)

	opened, closed, _ := s.counts()
	assert.Zero(t, opened)
	assert.Zero(t, closed)
	require.Len(t, rec.terminals(), 1)
	assert.Equal(t, EventFailed, rec.terminals()[0].Type)
}

func TestController_SourceWithoutVideo(t *testing.T) {
	provider := &fakeProvider{infos: map[string]*types.MediaInfo{
		"song.m4a": {Source: "song.m4a", Audio: &types.TrackFormat{Kind: types.TrackKindAudio}},
	}}
	c := New(hclog.NewNullLogger(), provider, engineFunc(succeed))

	h, err := c.Submit(&TranscodeRequest{Sources: []string{"song.m4a"}, Sink: &fakeSink{}, Video: testStrategy(t)})
	require.NoError(t, err)
	res := waitDone(t, h)
	assert.ErrorIs(t, res.Err, tcerrors.ErrSourceUnreadable)
}

func TestController_EngineFailureAbortsSink(t *testing.T) {
	c := New(hclog.NewNullLogger(), defaultProvider(), engineFunc(func(ctx context.Context, plan *engine.Plan, out io.Writer, progress engine.ProgressFunc) error {
		progress(0.3)
		out.Write([]byte("partial"))
		return errors.New("ffmpeg exited with status 1")
	}))
	s := &fakeSink{}
	rec := &recorder{}

	h, err := c.Submit(newRequest(t, s, rec))
	require.NoError(t, err)
	res := waitDone(t, h)

	assert.Equal(t, types.JobStateFailed, res.State)
	assert.ErrorIs(t, res.Err, tcerrors.ErrEngineFailed)
	_, closed, aborted := s.counts()
	assert.Zero(t, closed)
	assert.Equal(t, 1, aborted)
	assert.Empty(t, s.buf.String())
}

// TestController_CancelStopsProgress drives the engine step by step. The
// engine keeps reporting progress after cancellation and then succeeds.
func TestController_CancelStopsProgress(t *testing.T) {
	step := make(chan struct{})
	reported := make(chan struct{})
	eng := engineFunc(func(ctx context.Context, plan *engine.Plan, out io.Writer, progress engine.ProgressFunc) error {
		progress(0.1)
		reported <- struct{}{}
		<-step
		progress(0.2)
		progress(0.3)
		_, err := out.Write([]byte("late"))
		return err
	})
	c := New(hclog.NewNullLogger(), defaultProvider(), eng)
	s := &fakeSink{}
	rec := &recorder{}

	h, err := c.Submit(newRequest(t, s, rec))
	require.NoError(t, err)
	<-reported

	assert.True(t, h.Cancel())
	assert.False(t, h.Cancel(), "second cancel is a no-op")
	close(step)

	res := waitDone(t, h)
	assert.Equal(t, types.JobStateCanceled, res.State)
	assert.NoError(t, res.Err)

	assert.Equal(t, []float64{engine.Indeterminate, 0.1}, rec.progress())
	terminals := rec.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, EventCanceled, terminals[0].Type)

	_, closed, aborted := s.counts()
	assert.Zero(t, closed, "canceled output is never published")
	assert.Equal(t, 1, aborted)
	assert.Equal(t, types.JobStateIdle, c.State())
}

func TestController_CancelDuringProbe(t *testing.T) {
	provider := defaultProvider()
	provider.block = true
	called := false
	c := New(hclog.NewNullLogger(), provider, engineFunc(func(ctx context.Context, plan *engine.Plan, out io.Writer, progress engine.ProgressFunc) error {
		called = true
		return nil
	}))
	rec := &recorder{}

	h, err := c.Submit(newRequest(t, &fakeSink{}, rec))
	require.NoError(t, err)
	assert.True(t, h.Cancel())

	res := waitDone(t, h)
	assert.Equal(t, types.JobStateCanceled, res.State)
	assert.False(t, called)
	require.Len(t, rec.terminals(), 1)
	assert.Equal(t, EventCanceled, rec.terminals()[0].Type)
}

func TestController_CancelAfterCompletion(t *testing.T) {
	c := New(hclog.NewNullLogger(), defaultProvider(), engineFunc(succeed))
	rec := &recorder{}

	h, err := c.Submit(newRequest(t, &fakeSink{}, rec))
	require.NoError(t, err)
	waitDone(t, h)

	before := len(rec.snapshot())
	assert.False(t, h.Cancel())
	assert.Len(t, rec.snapshot(), before)
	assert.Equal(t, types.JobStateCompleted, h.Result().State)
}

func TestController_CancelAfterFailure(t *testing.T) {
	c := New(hclog.NewNullLogger(), defaultProvider(), engineFunc(func(ctx context.Context, plan *engine.Plan, out io.Writer, progress engine.ProgressFunc) error {
		return errors.New("ffmpeg exited with status 1")
	}))
	rec := &recorder{}

	h, err := c.Submit(newRequest(t, &fakeSink{}, rec))
	require.NoError(t, err)
	res := waitDone(t, h)
	require.Equal(t, types.JobStateFailed, res.State)

	before := len(rec.snapshot())
	assert.False(t, h.Cancel())
	assert.False(t, h.Cancel())
	assert.Len(t, rec.snapshot(), before)
	require.Len(t, rec.terminals(), 1)
	assert.Equal(t, EventFailed, rec.terminals()[0].Type)
	assert.Equal(t, types.JobStateFailed, h.Result().State)
}

func TestController_CancelByID(t *testing.T) {
	eng := engineFunc(func(ctx context.Context, plan *engine.Plan, out io.Writer, progress engine.ProgressFunc) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c := New(hclog.NewNullLogger(), defaultProvider(), eng)

	_, err := c.Cancel("missing")
	assert.ErrorIs(t, err, tcerrors.ErrJobNotFound)

	h, err := c.Submit(newRequest(t, &fakeSink{}, nil))
	require.NoError(t, err)

	snap, ok := c.Active()
	require.True(t, ok)
	assert.Equal(t, h.ID(), snap.JobID)
	assert.Equal(t, types.JobStateRunning, snap.State)
	assert.Equal(t, []string{"a.mp4", "b.mp4"}, snap.Sources)
	assert.Equal(t, "memory://out", snap.Destination)

	ok, err = c.Cancel(h.ID())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.JobStateCanceled, waitDone(t, h).State)

	_, ok = c.Active()
	assert.False(t, ok)
}

func TestController_ListenerPanicIsContained(t *testing.T) {
	reporter := tcerrors.NewReporter(hclog.NewNullLogger(), 10)
	c := New(hclog.NewNullLogger(), defaultProvider(), engineFunc(succeed), WithReporter(reporter))

	completed := make(chan struct{}, 1)
	l := ListenerFuncs{
		Progress:  func(float64) { panic("listener bug") },
		Completed: func() { completed <- struct{}{} },
	}
	h, err := c.Submit(newRequest(t, &fakeSink{}, l))
	require.NoError(t, err)

	res := waitDone(t, h)
	assert.Equal(t, types.JobStateCompleted, res.State)
	assert.Len(t, completed, 1)
	require.NotEmpty(t, reporter.Errors())
	assert.True(t, reporter.Errors()[0].IsPanic)
}

func TestController_ProgressRelayedUnchanged(t *testing.T) {
	reported := []float64{-0.5, 0.4, 1.25}
	c := New(hclog.NewNullLogger(), defaultProvider(), engineFunc(func(ctx context.Context, plan *engine.Plan, out io.Writer, progress engine.ProgressFunc) error {
		for _, p := range reported {
			progress(p)
		}
		return nil
	}))
	rec := &recorder{}

	h, err := c.Submit(newRequest(t, &fakeSink{}, rec))
	require.NoError(t, err)
	waitDone(t, h)

	want := append([]float64{engine.Indeterminate}, reported...)
	assert.Equal(t, want, rec.progress())
}

func TestController_SubmitFromFailedListener(t *testing.T) {
	var runs atomic.Int32
	c := New(hclog.NewNullLogger(), defaultProvider(), engineFunc(func(ctx context.Context, plan *engine.Plan, out io.Writer, progress engine.ProgressFunc) error {
		if runs.Add(1) == 1 {
			return errors.New("ffmpeg exited with status 1")
		}
		return succeed(ctx, plan, out, progress)
	}))

	type retry struct {
		handle *JobHandle
		err    error
	}
	retried := make(chan retry, 1)
	l := ListenerFuncs{Failed: func(error) {
		assert.Equal(t, types.JobStateIdle, c.State())
		h, err := c.Submit(newRequest(t, &fakeSink{}, nil))
		retried <- retry{h, err}
	}}

	first, err := c.Submit(newRequest(t, &fakeSink{}, l))
	require.NoError(t, err)
	assert.Equal(t, types.JobStateFailed, waitDone(t, first).State)

	var r retry
	select {
	case r = <-retried:
	case <-time.After(testTimeout):
		t.Fatal("failure was not delivered")
	}
	require.NoError(t, r.err)
	assert.Equal(t, types.JobStateCompleted, waitDone(t, r.handle).State)
}

func TestController_EnginePanicFailsJob(t *testing.T) {
	reporter := tcerrors.NewReporter(hclog.NewNullLogger(), 10)
	c := New(hclog.NewNullLogger(), defaultProvider(), engineFunc(func(ctx context.Context, plan *engine.Plan, out io.Writer, progress engine.ProgressFunc) error {
		panic("nil map")
	}), WithReporter(reporter))
	s := &fakeSink{}
	rec := &recorder{}

	h, err := c.Submit(newRequest(t, s, rec))
	require.NoError(t, err)
	res := waitDone(t, h)

	assert.Equal(t, types.JobStateFailed, res.State)
	assert.Equal(t, tcerrors.ErrorTypeInternal, tcerrors.GetType(res.Err))
	_, _, aborted := s.counts()
	assert.Equal(t, 1, aborted)
	require.Len(t, rec.terminals(), 1)
	assert.Equal(t, types.JobStateIdle, c.State())
}

func TestController_GifDropsAudio(t *testing.T) {
	var got *engine.Plan
	c := New(hclog.NewNullLogger(), defaultProvider(), engineFunc(func(ctx context.Context, plan *engine.Plan, out io.Writer, progress engine.ProgressFunc) error {
		got = plan
		return nil
	}))

	req := newRequest(t, &fakeSink{}, nil)
	req.Container = engine.ContainerGIF
	req.Speed = 2
	h, err := c.Submit(req)
	require.NoError(t, err)
	waitDone(t, h)

	require.NotNil(t, got)
	assert.Nil(t, got.Audio)
	assert.Equal(t, 2.0, got.Speed)
	assert.Equal(t, 7500*time.Millisecond, got.ExpectedDuration())
}

func TestController_AudioDrop(t *testing.T) {
	var got *engine.Plan
	c := New(hclog.NewNullLogger(), defaultProvider(), engineFunc(func(ctx context.Context, plan *engine.Plan, out io.Writer, progress engine.ProgressFunc) error {
		got = plan
		return nil
	}))

	req := newRequest(t, &fakeSink{}, nil)
	req.Audio = strategy.AudioDrop
	h, err := c.Submit(req)
	require.NoError(t, err)
	waitDone(t, h)
	assert.False(t, got.KeepsAudio())
}

type recordingObserver struct {
	mu       sync.Mutex
	started  []Snapshot
	progress int
	finished []Result
}

func (o *recordingObserver) JobStarted(s Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, s)
}

func (o *recordingObserver) JobProgress(string, float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress++
}

func (o *recordingObserver) JobFinished(r Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, r)
}

func TestController_ObserversSeeLifecycle(t *testing.T) {
	obs := &recordingObserver{}
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	clock := func() time.Time {
		calls++
		return start.Add(time.Duration(calls) * time.Second)
	}
	c := New(hclog.NewNullLogger(), defaultProvider(), engineFunc(succeed), WithObserver(obs), WithClock(clock))

	h, err := c.Submit(newRequest(t, &fakeSink{}, nil))
	require.NoError(t, err)
	waitDone(t, h)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.started, 1)
	assert.Equal(t, h.ID(), obs.started[0].JobID)
	assert.Equal(t, 6, obs.progress)
	require.Len(t, obs.finished, 1)
	assert.Equal(t, types.JobStateCompleted, obs.finished[0].State)
	assert.Equal(t, time.Second, obs.finished[0].Elapsed())
}

func TestController_Shutdown(t *testing.T) {
	c := New(hclog.NewNullLogger(), defaultProvider(), engineFunc(func(ctx context.Context, plan *engine.Plan, out io.Writer, progress engine.ProgressFunc) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, c.Shutdown(context.Background()), "idle shutdown")

	rec := &recorder{}
	_, err := c.Submit(newRequest(t, &fakeSink{}, rec))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
	assert.Equal(t, types.JobStateIdle, c.State())
	require.Len(t, rec.terminals(), 1)
	assert.Equal(t, EventCanceled, rec.terminals()[0].Type)
}

func TestChannelListener(t *testing.T) {
	c := New(hclog.NewNullLogger(), defaultProvider(), engineFunc(succeed))
	l := NewChannelListener(16)

	_, err := c.Submit(newRequest(t, &fakeSink{}, l))
	require.NoError(t, err)

	var events []Event
	timeout := time.After(testTimeout)
	for done := false; !done; {
		select {
		case e, ok := <-l.Events():
			if !ok {
				done = true
				break
			}
			events = append(events, e)
		case <-timeout:
			t.Fatal("event stream was not closed")
		}
	}

	require.Len(t, events, 7)
	assert.Equal(t, EventProgress, events[0].Type)
	last := events[len(events)-1]
	assert.True(t, last.Terminal())
	assert.Equal(t, types.JobStateCompleted, last.State())
}

func TestChannelListener_SlowConsumerDoesNotStall(t *testing.T) {
	c := New(hclog.NewNullLogger(), defaultProvider(), engineFunc(succeed))
	l := NewChannelListener(2)

	h, err := c.Submit(newRequest(t, &fakeSink{}, l))
	require.NoError(t, err)
	waitDone(t, h)

	var events []Event
	for e := range l.Events() {
		events = append(events, e)
	}
	require.Len(t, events, 3)
	assert.Equal(t, EventProgress, events[0].Type)
	assert.Equal(t, EventProgress, events[1].Type)
	assert.Equal(t, EventCompleted, events[2].Type)
}

func TestMultiListener(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := MultiListener{a, b}
	m.OnProgress(0.5)
	m.OnFailed(errors.New("boom"))

	for _, r := range []*recorder{a, b} {
		events := r.snapshot()
		require.Len(t, events, 2)
		assert.Equal(t, 0.5, events[0].Progress)
		assert.Equal(t, types.JobStateFailed, events[1].State())
	}
}
