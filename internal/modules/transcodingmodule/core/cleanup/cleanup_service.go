// Package cleanup runs the periodic housekeeping of the transcoding module:
// expiring job history, pruning the probe cache and removing partial output
// files left behind by a crash.
package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

// DefaultPartialMaxAge is how old an abandoned partial output must be before
// it is removed. The running job's partial file is always younger.
const DefaultPartialMaxAge = 24 * time.Hour

// HistoryCleaner removes old job records.
type HistoryCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// CachePruner removes stale probe cache entries.
type CachePruner interface {
	Prune(maxAge time.Duration) (int, error)
}

// Config contains cleanup configuration. A zero duration disables the
// matching step.
type Config struct {
	OutputRoot       string
	Interval         time.Duration
	HistoryRetention time.Duration
	ProbeCacheMaxAge time.Duration
	PartialMaxAge    time.Duration
}

// Stats reports what one cleanup cycle removed.
type Stats struct {
	HistoryRemoved int64
	CachePruned    int
	PartialsFound  int
	PartialBytes   int64
	Duration       time.Duration
}

// Service provides centralized cleanup. history and cache may be nil.
type Service struct {
	config  Config
	history HistoryCleaner
	cache   CachePruner
	logger  hclog.Logger
	now     func() time.Time
}

// NewService creates a new cleanup service
func NewService(config Config, history HistoryCleaner, cache CachePruner, logger hclog.Logger) *Service {
	if config.PartialMaxAge == 0 {
		config.PartialMaxAge = DefaultPartialMaxAge
	}
	return &Service{
		config:  config,
		history: history,
		cache:   cache,
		logger:  logger.Named("cleanup-service"),
		now:     time.Now,
	}
}

// Run cleans up once immediately and then every Interval until ctx ends.
func (s *Service) Run(ctx context.Context) {
	if s.config.Interval <= 0 {
		s.logger.Info("periodic cleanup disabled")
		return
	}
	s.logger.Info("starting cleanup service",
		"interval", s.config.Interval,
		"output_root", s.config.OutputRoot)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			s.logger.Info("cleanup service stopped")
			return
		}
	}
}

// RunOnce runs every cleanup step. A failing step is logged and does not
// stop the others.
func (s *Service) RunOnce(ctx context.Context) Stats {
	start := s.now()
	var stats Stats

	if s.history != nil && s.config.HistoryRetention > 0 {
		n, err := s.history.Cleanup(ctx, s.config.HistoryRetention)
		if err != nil {
			s.logger.Error("failed to clean up job history", "error", err)
		}
		stats.HistoryRemoved = n
	}

	if s.cache != nil && s.config.ProbeCacheMaxAge > 0 {
		n, err := s.cache.Prune(s.config.ProbeCacheMaxAge)
		if err != nil {
			s.logger.Error("failed to prune probe cache", "error", err)
		}
		stats.CachePruned = n
	}

	if s.config.OutputRoot != "" {
		n, size, err := s.removePartials(ctx)
		if err != nil {
			s.logger.Error("failed to remove partial outputs", "error", err)
		}
		stats.PartialsFound, stats.PartialBytes = n, size
	}

	stats.Duration = s.now().Sub(start)
	s.logger.Debug("cleanup cycle finished",
		"history_removed", stats.HistoryRemoved,
		"cache_pruned", stats.CachePruned,
		"partials_removed", stats.PartialsFound,
		"partial_bytes", stats.PartialBytes,
		"took", stats.Duration)
	return stats
}

// removePartials deletes abandoned ".<name>.*.partial" files under the
// output root.
func (s *Service) removePartials(ctx context.Context) (int, int64, error) {
	cutoff := s.now().Add(-s.config.PartialMaxAge)
	var count int
	var size int64

	err := filepath.WalkDir(s.config.OutputRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !isPartial(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to remove partial output", "path", path, "error", err)
			return nil
		}
		s.logger.Info("removed abandoned partial output", "path", path, "age", s.now().Sub(info.ModTime()))
		count++
		size += info.Size()
		return nil
	})
	return count, size, err
}

func isPartial(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".partial")
}
