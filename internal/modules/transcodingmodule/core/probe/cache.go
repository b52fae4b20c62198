package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/reframe/internal/modules/transcodingmodule/types"
)

// cacheRecord is the stored form of a probe result.
type cacheRecord struct {
	Info     *types.MediaInfo `json:"info"`
	Size     int64            `json:"size"`
	ModTime  time.Time        `json:"mod_time"`
	ProbedAt time.Time        `json:"probed_at"`
}

// Cache is a SourceProvider decorator that persists probe results of local
// files in pebble. An entry is reused only while the file's size and
// modification time are unchanged; remote sources are always probed.
type Cache struct {
	db     *pebble.DB
	next   SourceProvider
	logger hclog.Logger
}

// NewCache opens (or creates) the cache database at dir.
func NewCache(dir string, next SourceProvider, logger hclog.Logger) (*Cache, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open probe cache: %w", err)
	}
	return &Cache{db: db, next: next, logger: logger.Named("probe-cache")}, nil
}

// Close closes the cache database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Locate implements Locator when the wrapped provider does.
func (c *Cache) Locate(source string) (string, error) {
	if l, ok := c.next.(Locator); ok {
		return l.Locate(source)
	}
	return source, nil
}

// Open implements SourceProvider.
func (c *Cache) Open(ctx context.Context, source string) (io.ReadCloser, error) {
	return c.next.Open(ctx, source)
}

// Probe implements SourceProvider.
func (c *Cache) Probe(ctx context.Context, source string) (*types.MediaInfo, error) {
	loc, err := c.Locate(source)
	if err != nil {
		return c.next.Probe(ctx, source)
	}
	stat, err := os.Stat(loc)
	if err != nil || !stat.Mode().IsRegular() {
		return c.next.Probe(ctx, source)
	}

	key := []byte(loc)
	if info, ok := c.lookup(key, stat); ok {
		c.logger.Trace("probe cache hit", "source", source)
		return info, nil
	}

	info, err := c.next.Probe(ctx, source)
	if err != nil {
		return nil, err
	}

	record := cacheRecord{
		Info:     info,
		Size:     stat.Size(),
		ModTime:  stat.ModTime(),
		ProbedAt: time.Now(),
	}
	data, err := json.Marshal(record)
	if err == nil {
		err = c.db.Set(key, data, pebble.Sync)
	}
	if err != nil {
		c.logger.Warn("failed to store probe result", "source", source, "error", err)
	}
	return info, nil
}

func (c *Cache) lookup(key []byte, stat os.FileInfo) (*types.MediaInfo, bool) {
	data, closer, err := c.db.Get(key)
	if err != nil {
		if !errors.Is(err, pebble.ErrNotFound) {
			c.logger.Warn("probe cache read failed", "key", string(key), "error", err)
		}
		return nil, false
	}
	defer closer.Close()

	var record cacheRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, false
	}
	if record.Info == nil || record.Size != stat.Size() || !record.ModTime.Equal(stat.ModTime()) {
		return nil, false
	}
	return record.Info, true
}

// Prune removes entries probed before maxAge ago, returning how many were removed.
func (c *Cache) Prune(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	iter, err := c.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}

	var stale [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		var record cacheRecord
		if err := json.Unmarshal(iter.Value(), &record); err != nil || record.ProbedAt.Before(cutoff) {
			key := make([]byte, len(iter.Key()))
			copy(key, iter.Key())
			stale = append(stale, key)
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	for _, key := range stale {
		if err := c.db.Delete(key, pebble.Sync); err != nil {
			return 0, fmt.Errorf("failed to delete probe cache entry: %w", err)
		}
	}
	return len(stale), nil
}
