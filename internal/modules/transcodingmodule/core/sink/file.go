package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileSink writes to a temporary file next to the destination and renames
// it into place on Close.
type FileSink struct {
	path string
	tmp  *os.File
}

// NewFile creates a sink for a local path.
func NewFile(path string) *FileSink {
	return &FileSink{path: path}
}

// Destination implements Sink.
func (s *FileSink) Destination() string { return s.path }

// Open implements Sink.
func (s *FileSink) Open(_ context.Context) error {
	if s.tmp != nil {
		return fmt.Errorf("sink already open: %s", s.path)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.partial")
	if err != nil {
		return fmt.Errorf("failed to create temporary output: %w", err)
	}
	s.tmp = tmp
	return nil
}

// Write implements Sink.
func (s *FileSink) Write(p []byte) (int, error) {
	if s.tmp == nil {
		return 0, errNotOpen
	}
	return s.tmp.Write(p)
}

// Close implements Sink.
func (s *FileSink) Close() error {
	if s.tmp == nil {
		return errNotOpen
	}
	tmp := s.tmp
	s.tmp = nil

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to sync output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close output: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to set output permissions: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish output: %w", err)
	}
	return nil
}

// Abort implements Sink.
func (s *FileSink) Abort() error {
	if s.tmp == nil {
		return nil
	}
	tmp := s.tmp
	s.tmp = nil

	tmp.Close()
	if err := os.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove partial output: %w", err)
	}
	return nil
}
