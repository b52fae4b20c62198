package controller

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/engine"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/strategy"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/types"
)

// job phases; transitions happen with compare-and-swap.
const (
	phaseRunning int32 = iota
	phaseCanceled
	phaseFinalizing
	phaseDone
)

// Result is the outcome of a finished job.
type Result struct {
	JobID       string
	State       types.JobState
	Err         error
	Sources     []string
	Destination string
	Container   engine.Container
	// Output is the resolved video track; zero when the job ended before
	// resolution.
	Output       types.TrackFormat
	Rotation     int
	Speed        float64
	BytesWritten int64
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Elapsed returns the wall time the job took.
func (r Result) Elapsed() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Snapshot describes the active job.
type Snapshot struct {
	JobID       string                 `json:"job_id"`
	State       types.JobState         `json:"state"`
	Progress    float64                `json:"progress"`
	Sources     []string               `json:"sources"`
	Destination string                 `json:"destination"`
	Container   engine.Container       `json:"container"`
	Strategy    string                 `json:"strategy"`
	Audio       strategy.AudioStrategy `json:"audio"`
	Output      types.TrackFormat      `json:"output"`
	Rotation    int                    `json:"rotation"`
	Speed       float64                `json:"speed"`
	StartedAt   time.Time              `json:"started_at"`
}

type job struct {
	id        string
	req       *TranscodeRequest
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	phase  atomic.Int32

	// progress holds the last forwarded value as float64 bits.
	progress atomic.Uint64

	// emitMu serializes listener calls; terminated is set with it held.
	emitMu     sync.Mutex
	terminated bool

	mu       sync.Mutex
	output   types.TrackFormat
	bytes    int64
	finished bool
	result   Result

	done chan struct{}
}

func newJob(id string, req *TranscodeRequest, now time.Time) *job {
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		id:        id,
		req:       req,
		startedAt: now,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	j.progress.Store(math.Float64bits(engine.Indeterminate))
	return j
}

// requestCancel moves a running job to canceled. It returns false once the
// job is finalizing, finished or already canceled.
func (j *job) requestCancel() bool {
	if !j.phase.CompareAndSwap(phaseRunning, phaseCanceled) {
		return false
	}
	j.cancel()
	return true
}

func (j *job) canceled() bool {
	return j.phase.Load() == phaseCanceled
}

// beginFinalize claims the job for publishing its output. After it succeeds
// cancellation is no longer possible.
func (j *job) beginFinalize() bool {
	return j.phase.CompareAndSwap(phaseRunning, phaseFinalizing)
}

func (j *job) lastProgress() float64 {
	return math.Float64frombits(j.progress.Load())
}

func (j *job) setOutput(out types.TrackFormat) {
	j.mu.Lock()
	j.output = out
	j.mu.Unlock()
}

func (j *job) addBytes(n int) {
	j.mu.Lock()
	j.bytes += int64(n)
	j.mu.Unlock()
}

func (j *job) snapshot() Snapshot {
	j.mu.Lock()
	output := j.output
	state := types.JobStateRunning
	if j.finished {
		state = j.result.State
	}
	j.mu.Unlock()

	return Snapshot{
		JobID:       j.id,
		State:       state,
		Progress:    j.lastProgress(),
		Sources:     append([]string(nil), j.req.Sources...),
		Destination: j.req.Sink.Destination(),
		Container:   j.req.Container,
		Strategy:    j.req.Video.String(),
		Audio:       j.req.Audio,
		Output:      output,
		Rotation:    j.req.Rotation,
		Speed:       j.req.Speed,
		StartedAt:   j.startedAt,
	}
}

// countingWriter forwards to the sink and tallies bytes.
type countingWriter struct {
	job *job
	w   interface{ Write([]byte) (int, error) }
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.job.addBytes(n)
	return n, err
}

// JobHandle refers to one submitted job.
type JobHandle struct {
	job        *job
	controller *Controller
}

// ID returns the job identifier.
func (h *JobHandle) ID() string {
	return h.job.id
}

// StartedAt returns when the job was accepted.
func (h *JobHandle) StartedAt() time.Time {
	return h.job.startedAt
}

// Cancel requests cancellation. It never blocks and is idempotent. It
// returns true when the request was acknowledged: the listener then
// receives no new progress and exactly one OnCanceled. It returns false when
// the job already finished or is publishing its output.
func (h *JobHandle) Cancel() bool {
	return h.controller.cancelJob(h.job)
}

// Done is closed after the controller has returned to idle and the terminal
// event has been delivered.
func (h *JobHandle) Done() <-chan struct{} {
	return h.job.done
}

// Wait blocks until the job finishes or ctx ends.
func (h *JobHandle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.job.done:
		return h.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the job result. It is only meaningful after Done.
func (h *JobHandle) Result() Result {
	h.job.mu.Lock()
	defer h.job.mu.Unlock()
	return h.job.result
}
