// Package transcodingmodule wires the transcode job controller to its
// collaborators and exposes it over HTTP.
//
// Architecture:
//
//	HTTP API → JobController → SourceProvider (ffprobe, probe cache)
//	                         → Engine (ffmpeg)
//	                         → Sink (file, gcs, s3, sftp)
//	                         → Observers (history, metrics, websocket events)
//
// The module is responsible for:
// - Building every component from configuration
// - Running background cleanup of history, probe cache and partial outputs
// - Shutting the controller down without leaving partial outputs behind
package transcodingmodule

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/mantonx/reframe/internal/config"
	"github.com/mantonx/reframe/internal/metrics"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/api"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/cleanup"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/controller"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/engine"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/history"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/probe"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/sink"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/strategy"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/system"
	tcerrors "github.com/mantonx/reframe/internal/modules/transcodingmodule/errors"
)

const (
	// ModuleID is the unique identifier for the transcoding module
	ModuleID = "system.transcoding"

	// ModuleName is the display name for the transcoding module
	ModuleName = "Transcoding Manager"

	// ModuleVersion is the version of the transcoding module
	ModuleVersion = "1.0.0"
)

// Module owns the controller and everything around it.
type Module struct {
	cfg    *config.Config
	db     *gorm.DB
	logger hclog.Logger

	// overridable before Init, for tests
	provider probe.SourceProvider
	engine   engine.Engine

	reporter   *tcerrors.LogReporter
	cache      *probe.Cache
	resolver   *sink.Resolver
	history    *history.Store
	metrics    *metrics.Metrics
	hub        *api.EventHub
	controller *controller.Controller
	cleanup    *cleanup.Service

	mu            sync.Mutex
	stopCleanup   context.CancelFunc
	cleanupDone   chan struct{}
	shutdownOnce  sync.Once
	shutdownError error
}

// Option customizes a Module.
type Option func(*Module)

// WithSourceProvider replaces the ffprobe provider.
func WithSourceProvider(p probe.SourceProvider) Option {
	return func(m *Module) { m.provider = p }
}

// WithEngine replaces the ffmpeg engine.
func WithEngine(e engine.Engine) Option {
	return func(m *Module) { m.engine = e }
}

// NewModule creates the module. db may be nil to run without job history.
func NewModule(cfg *config.Config, db *gorm.DB, logger hclog.Logger, opts ...Option) *Module {
	m := &Module{
		cfg:    cfg,
		db:     db,
		logger: logger.Named("transcoding"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ID returns the unique module identifier
func (m *Module) ID() string {
	return ModuleID
}

// Name returns the module display name
func (m *Module) Name() string {
	return ModuleName
}

// GetVersion returns the module version
func (m *Module) GetVersion() string {
	return ModuleVersion
}

// Init builds every component from the configuration.
func (m *Module) Init() error {
	tc := m.cfg.Transcoding
	m.logger.Info("initializing transcoding module", "media_root", tc.MediaRoot, "output_root", tc.OutputRoot)

	m.reporter = tcerrors.NewReporter(m.logger, 100)

	if m.provider == nil {
		var provider probe.SourceProvider = probe.NewFFprobe(m.logger, tc.FFprobePath, tc.MediaRoot)
		if tc.ProbeCacheDir != "" {
			cache, err := probe.NewCache(tc.ProbeCacheDir, provider, m.logger)
			if err != nil {
				return fmt.Errorf("failed to open probe cache: %w", err)
			}
			m.cache = cache
			provider = cache
		}
		m.provider = provider
	}

	if m.engine == nil {
		threads := tc.Threads
		if threads == 0 {
			if info, err := system.GetSystemInfo(context.Background()); err == nil {
				threads = info.EncoderThreads()
			}
		}
		ff := engine.NewFFmpeg(m.logger, engine.Options{
			Binary:      tc.FFmpegPath,
			Preset:      tc.Preset,
			Threads:     threads,
			GracePeriod: tc.GracePeriod,
		}, m.provider)
		if err := ff.Available(); err != nil {
			m.logger.Warn("ffmpeg not found, jobs will fail until it is installed", "binary", tc.FFmpegPath, "error", err)
		}
		m.engine = ff
	}

	m.resolver = sink.NewResolver(m.logger, sinkOptions(m.cfg))

	opts := []controller.Option{controller.WithReporter(m.reporter)}

	if m.db != nil {
		m.history = history.NewStore(m.db, m.logger, m.reporter)
		opts = append(opts, controller.WithObserver(m.history))
	}
	if m.cfg.Metrics.Enabled {
		m.metrics = metrics.New(m.cfg.Metrics.Namespace)
		opts = append(opts, controller.WithObserver(m.metrics.Observer()))
	}
	m.hub = api.NewEventHub(m.logger)
	opts = append(opts, controller.WithObserver(m.hub))

	m.controller = controller.New(m.logger, m.provider, m.engine, opts...)

	var historyCleaner cleanup.HistoryCleaner
	if m.history != nil {
		historyCleaner = m.history
	}
	var pruner cleanup.CachePruner
	if m.cache != nil {
		pruner = m.cache
	}
	m.cleanup = cleanup.NewService(cleanup.Config{
		OutputRoot:       tc.OutputRoot,
		Interval:         tc.CleanupInterval,
		HistoryRetention: tc.HistoryRetention,
		ProbeCacheMaxAge: tc.ProbeCacheMaxAge,
	}, historyCleaner, pruner, m.logger)

	m.logger.Info("transcoding module initialized",
		"history", m.history != nil,
		"metrics", m.metrics != nil,
		"probe_cache", m.cache != nil)
	return nil
}

func sinkOptions(cfg *config.Config) sink.ResolverOptions {
	s := cfg.Storage
	return sink.ResolverOptions{
		OutputRoot: cfg.Transcoding.OutputRoot,
		GCS: sink.GCSOptions{
			CredentialsFile: s.GCS.CredentialsFile,
			Endpoint:        s.GCS.Endpoint,
			ChunkSize:       s.GCS.ChunkSize,
		},
		S3: sink.S3Options{
			Region:    s.S3.Region,
			AccessKey: s.S3.AccessKey,
			SecretKey: s.S3.SecretKey,
			Endpoint:  s.S3.Endpoint,
			PathStyle: s.S3.PathStyle,
			PartSize:  s.S3.PartSize,
		},
		SFTP: sink.SFTPOptions{
			Host:           s.SFTP.Host,
			Port:           s.SFTP.Port,
			User:           s.SFTP.User,
			Password:       s.SFTP.Password,
			PrivateKey:     s.SFTP.PrivateKey,
			PrivateKeyFile: s.SFTP.PrivateKeyFile,
			KnownHostsFile: s.SFTP.KnownHostsFile,
			Timeout:        s.SFTP.Timeout,
		},
	}
}

// Start recovers history from a previous run and starts background cleanup.
func (m *Module) Start(ctx context.Context) error {
	if m.controller == nil {
		return errors.New("transcoding module is not initialized")
	}

	if m.history != nil {
		if _, err := m.history.MarkInterrupted(ctx); err != nil {
			return fmt.Errorf("failed to recover job history: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCleanup != nil {
		return nil
	}
	cleanupCtx, cancel := context.WithCancel(context.Background())
	m.stopCleanup = cancel
	m.cleanupDone = make(chan struct{})
	go func() {
		defer close(m.cleanupDone)
		m.cleanup.Run(cleanupCtx)
	}()
	return nil
}

// RegisterRoutes registers all transcoding module HTTP routes
func (m *Module) RegisterRoutes(router *gin.Engine) {
	if m.metrics != nil {
		router.Use(m.metrics.GinMiddleware(m.cfg.Metrics.Path, "/health"))
		router.GET(m.cfg.Metrics.Path, gin.WrapH(m.metrics.Handler()))
	}

	var store api.HistoryStore
	if m.history != nil {
		store = m.history
	}
	handler := api.NewAPIHandler(m.logger, m.controller, m.resolver, store, m.defaults())
	api.RegisterRoutes(router, handler, m.hub)
	m.logger.Info("transcoding module routes registered")
}

func (m *Module) defaults() api.Defaults {
	tc := m.cfg.Transcoding
	d := api.Defaults{
		FrameRate: tc.DefaultFrameRate,
		Container: engine.Container(tc.DefaultContainer),
	}
	if fit, err := strategy.ParseFitPolicy(tc.DefaultFit); err == nil {
		d.Fit = fit
	}
	return d
}

// Controller returns the job controller.
func (m *Module) Controller() *controller.Controller {
	return m.controller
}

// History returns the job history store, or nil when running without a database.
func (m *Module) History() *history.Store {
	return m.history
}

// Reporter returns the background error reporter.
func (m *Module) Reporter() tcerrors.Reporter {
	return m.reporter
}

// Shutdown cancels the active job, waits for it to finish and releases
// background resources. It is safe to call more than once.
func (m *Module) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.logger.Info("shutting down transcoding module")
		var errs []error

		if m.controller != nil {
			if err := m.controller.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if m.hub != nil {
			m.hub.Close()
		}

		m.mu.Lock()
		stop, done := m.stopCleanup, m.cleanupDone
		m.mu.Unlock()
		if stop != nil {
			stop()
			<-done
		}

		if m.cache != nil {
			if err := m.cache.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close probe cache: %w", err))
			}
		}
		m.shutdownError = errors.Join(errs...)
		m.logger.Info("transcoding module shut down", "error", m.shutdownError)
	})
	return m.shutdownError
}
