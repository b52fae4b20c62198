// Package logger builds the service's root hclog logger from configuration.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/reframe/internal/config"
)

// New creates the root logger. The returned closer releases the log file
// when output is "file"; it is a no-op otherwise.
func New(name string, cfg config.LoggingConfig) (hclog.InterceptLogger, io.Closer, error) {
	out, closer, err := output(cfg)
	if err != nil {
		return nil, nil, err
	}

	color := hclog.ColorOff
	if cfg.EnableColors && out == os.Stderr {
		color = hclog.AutoColor
	}

	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:            name,
		Level:           ParseLevel(cfg.Level),
		Output:          out,
		JSONFormat:      strings.EqualFold(cfg.Format, "json"),
		Color:           color,
		IncludeLocation: ParseLevel(cfg.Level) == hclog.Trace,
	})
	return logger, closer, nil
}

// ParseLevel maps a level name to an hclog level, defaulting to info.
func ParseLevel(level string) hclog.Level {
	l := hclog.LevelFromString(level)
	if l == hclog.NoLevel {
		return hclog.Info
	}
	return l
}

// Watcher returns a config watcher that applies level changes at runtime.
func Watcher(logger hclog.Logger) config.Watcher {
	return func(oldConfig, newConfig *config.Config) {
		if oldConfig != nil && oldConfig.Logging.Level == newConfig.Logging.Level {
			return
		}
		level := ParseLevel(newConfig.Logging.Level)
		logger.SetLevel(level)
		logger.Info("log level changed", "level", level.String())
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func output(cfg config.LoggingConfig) (io.Writer, io.Closer, error) {
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		return os.Stderr, nopCloser{}, nil
	case "stdout":
		return os.Stdout, nopCloser{}, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, nil, fmt.Errorf("logging output is file but no file_path is set")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		return f, f, nil
	default:
		return nil, nil, fmt.Errorf("unsupported logging output: %s", cfg.Output)
	}
}
