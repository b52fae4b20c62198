// This file defines the collaborators the API handlers depend on. The
// concrete types live in core/controller, core/sink and core/history.
package api

import (
	"context"

	"github.com/mantonx/reframe/internal/database"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/controller"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/history"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/sink"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/types"
)

// JobController runs transcode jobs one at a time.
type JobController interface {
	Submit(req *controller.TranscodeRequest) (*controller.JobHandle, error)
	State() types.JobState
	Active() (controller.Snapshot, bool)
	Last() (controller.Result, bool)
	Cancel(jobID string) (bool, error)
}

// SinkResolver turns a destination URI into an output sink.
type SinkResolver interface {
	Resolve(destination string) (sink.Sink, error)
}

// HistoryStore reads persisted job records.
type HistoryStore interface {
	Get(ctx context.Context, jobID string) (*database.TranscodeJob, error)
	Recent(ctx context.Context, status database.JobStatus, limit int) ([]*database.TranscodeJob, error)
	Stats(ctx context.Context) (*history.Stats, error)
}
