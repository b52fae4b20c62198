// Package history persists every job the controller runs.
package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/mantonx/reframe/internal/database"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/controller"
	tcerrors "github.com/mantonx/reframe/internal/modules/transcodingmodule/errors"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/types"
)

// DefaultProgressStep is the smallest progress change written to the database.
const DefaultProgressStep = 0.05

// Store records jobs in the database. It implements controller.Observer;
// write failures go to the reporter and never affect the job.
type Store struct {
	db       *gorm.DB
	logger   hclog.Logger
	reporter tcerrors.Reporter
	step     float64
	timeout  time.Duration

	mu        sync.Mutex
	persisted map[string]float64
}

// NewStore creates a store on an already migrated database.
func NewStore(db *gorm.DB, logger hclog.Logger, reporter tcerrors.Reporter) *Store {
	return &Store{
		db:        db,
		logger:    logger.Named("history"),
		reporter:  reporter,
		step:      DefaultProgressStep,
		timeout:   5 * time.Second,
		persisted: make(map[string]float64),
	}
}

var _ controller.Observer = (*Store)(nil)

func (s *Store) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *Store) report(op, jobID string, err error) {
	s.reporter.ReportError(tcerrors.InternalError(op, err).WithJob(jobID))
}

// JobStarted implements controller.Observer.
func (s *Store) JobStarted(snap controller.Snapshot) {
	record := &database.TranscodeJob{
		ID:          snap.JobID,
		Status:      database.JobStatusRunning,
		Destination: snap.Destination,
		Container:   string(snap.Container),
		Strategy:    snap.Strategy,
		Audio:       string(snap.Audio),
		Rotation:    snap.Rotation,
		Speed:       snap.Speed,
		StartedAt:   snap.StartedAt,
	}
	if err := record.SetSources(snap.Sources); err != nil {
		s.report("history_create", snap.JobID, err)
		return
	}

	ctx, cancel := s.context()
	defer cancel()
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		s.report("history_create", snap.JobID, err)
		return
	}

	s.mu.Lock()
	s.persisted[snap.JobID] = 0
	s.mu.Unlock()
}

// JobProgress implements controller.Observer. Updates are throttled to one
// per progress step. Indeterminate and NaN values are skipped and values
// past 1 are stored as 1.
func (s *Store) JobProgress(jobID string, progress float64) {
	if !(progress >= 0) {
		return
	}
	progress = math.Min(progress, 1)

	s.mu.Lock()
	last, ok := s.persisted[jobID]
	if !ok || (progress-last < s.step && progress < 1) {
		s.mu.Unlock()
		return
	}
	s.persisted[jobID] = progress
	s.mu.Unlock()

	ctx, cancel := s.context()
	defer cancel()
	err := s.db.WithContext(ctx).Model(&database.TranscodeJob{}).
		Where("id = ?", jobID).
		Update("progress", progress).Error
	if err != nil {
		s.report("history_progress", jobID, err)
	}
}

// JobFinished implements controller.Observer.
func (s *Store) JobFinished(r controller.Result) {
	s.mu.Lock()
	delete(s.persisted, r.JobID)
	s.mu.Unlock()

	finishedAt := r.FinishedAt
	updates := map[string]interface{}{
		"status":        statusOf(r.State),
		"bytes_written": r.BytesWritten,
		"elapsed_ms":    r.Elapsed().Milliseconds(),
		"finished_at":   &finishedAt,
	}
	if r.State == types.JobStateCompleted {
		updates["progress"] = 1.0
	}
	if r.Output.Geometry.Valid() {
		updates["output_width"] = r.Output.Geometry.Width
		updates["output_height"] = r.Output.Geometry.Height
		updates["frame_rate"] = r.Output.FrameRate
	}
	if r.Err != nil {
		updates["error"] = r.Err.Error()
		updates["error_type"] = string(tcerrors.GetType(r.Err))
	}

	ctx, cancel := s.context()
	defer cancel()
	err := s.db.WithContext(ctx).Model(&database.TranscodeJob{}).
		Where("id = ?", r.JobID).
		Updates(updates).Error
	if err != nil {
		s.report("history_finish", r.JobID, err)
		return
	}
	s.logger.Debug("job recorded", "job_id", r.JobID, "state", r.State, "took", r.Elapsed())
}

// Get returns one job record.
func (s *Store) Get(ctx context.Context, jobID string) (*database.TranscodeJob, error) {
	var job database.TranscodeJob
	err := s.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, tcerrors.New(tcerrors.ErrorTypeState, "history_get", tcerrors.ErrJobNotFound).WithJob(jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return &job, nil
}

// Recent returns the latest jobs, newest first. An empty status lists all.
func (s *Store) Recent(ctx context.Context, status database.JobStatus, limit int) ([]*database.TranscodeJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var jobs []*database.TranscodeJob
	if err := query.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Stats summarizes the history table.
type Stats struct {
	Total         int64                        `json:"total"`
	ByStatus      map[database.JobStatus]int64 `json:"by_status"`
	BytesWritten  int64                        `json:"bytes_written"`
	AverageMillis float64                      `json:"average_elapsed_ms"`
}

// Stats returns counts per status and totals for completed jobs.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var rows []struct {
		Status database.JobStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).Model(&database.TranscodeJob{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	stats := &Stats{ByStatus: make(map[database.JobStatus]int64)}
	for _, row := range rows {
		stats.ByStatus[row.Status] = row.Count
		stats.Total += row.Count
	}

	var totals struct {
		Bytes   int64
		Average float64
	}
	err = s.db.WithContext(ctx).Model(&database.TranscodeJob{}).
		Select("coalesce(sum(bytes_written), 0) as bytes, coalesce(avg(elapsed_ms), 0) as average").
		Where("status = ?", database.JobStatusCompleted).
		Scan(&totals).Error
	if err != nil {
		return nil, fmt.Errorf("sum jobs: %w", err)
	}
	stats.BytesWritten = totals.Bytes
	stats.AverageMillis = totals.Average
	return stats, nil
}

// Cleanup removes finished jobs older than olderThan.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := s.db.WithContext(ctx).
		Where("started_at < ? AND status <> ?", cutoff, database.JobStatusRunning).
		Delete(&database.TranscodeJob{})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Info("removed old job records", "count", result.RowsAffected, "older_than", olderThan)
	}
	return result.RowsAffected, nil
}

// MarkInterrupted fails jobs left running by a previous process.
func (s *Store) MarkInterrupted(ctx context.Context) (int64, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&database.TranscodeJob{}).
		Where("status = ?", database.JobStatusRunning).
		Updates(map[string]interface{}{
			"status":      database.JobStatusFailed,
			"error":       "interrupted by service restart",
			"error_type":  string(tcerrors.ErrorTypeInternal),
			"finished_at": &now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("mark interrupted jobs: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Warn("marked interrupted jobs as failed", "count", result.RowsAffected)
	}
	return result.RowsAffected, nil
}

func statusOf(state types.JobState) database.JobStatus {
	switch state {
	case types.JobStateCompleted:
		return database.JobStatusCompleted
	case types.JobStateCanceled:
		return database.JobStatusCanceled
	case types.JobStateFailed:
		return database.JobStatusFailed
	default:
		return database.JobStatusRunning
	}
}
