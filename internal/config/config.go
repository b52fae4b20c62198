package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the complete service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server" json:"server"`
	Database    DatabaseConfig    `yaml:"database" json:"database"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	Transcoding TranscodingConfig `yaml:"transcoding" json:"transcoding"`
	Storage     StorageConfig     `yaml:"storage" json:"storage"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" json:"host" env:"REFRAME_HOST" default:"0.0.0.0"`
	Port            int           `yaml:"port" json:"port" env:"REFRAME_PORT" default:"8080"`
	Mode            string        `yaml:"mode" json:"mode" env:"GIN_MODE" default:"release"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" env:"REFRAME_READ_TIMEOUT" default:"30s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" env:"REFRAME_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"REFRAME_SHUTDOWN_TIMEOUT" default:"15s"`
	EnableCORS      bool          `yaml:"enable_cors" json:"enable_cors" env:"REFRAME_ENABLE_CORS" default:"true"`
}

// Address returns host:port.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects and tunes the job history database
type DatabaseConfig struct {
	Type            string        `yaml:"type" json:"type" env:"DATABASE_TYPE" default:"sqlite"`
	URL             string        `yaml:"url" json:"url" env:"DATABASE_URL"`
	Host            string        `yaml:"host" json:"host" env:"POSTGRES_HOST" default:"localhost"`
	Port            int           `yaml:"port" json:"port" env:"POSTGRES_PORT" default:"5432"`
	Username        string        `yaml:"username" json:"username" env:"POSTGRES_USER" default:"reframe"`
	Password        string        `yaml:"password" json:"-" env:"POSTGRES_PASSWORD"`
	Database        string        `yaml:"database" json:"database" env:"POSTGRES_DB" default:"reframe"`
	DataDir         string        `yaml:"data_dir" json:"data_dir" env:"REFRAME_DATA_DIR" default:"./data"`
	DatabasePath    string        `yaml:"database_path" json:"database_path" env:"REFRAME_DATABASE_PATH"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" env:"DB_MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" env:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME" default:"1h"`
	LogQueries      bool          `yaml:"log_queries" json:"log_queries" env:"DB_LOG_QUERIES" default:"false"`
}

// DSN returns the connection string for the configured database.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	if d.Type == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
			d.Host, d.Port, d.Username, d.Password, d.Database)
	}
	return d.DatabasePath
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" json:"level" env:"REFRAME_LOG_LEVEL" default:"info"`
	Format       string `yaml:"format" json:"format" env:"REFRAME_LOG_FORMAT" default:"text"`
	Output       string `yaml:"output" json:"output" env:"REFRAME_LOG_OUTPUT" default:"stderr"`
	FilePath     string `yaml:"file_path" json:"file_path" env:"REFRAME_LOG_FILE"`
	EnableColors bool   `yaml:"enable_colors" json:"enable_colors" env:"REFRAME_LOG_COLORS" default:"false"`
}

// TranscodingConfig holds engine, probe and request defaults.
type TranscodingConfig struct {
	FFmpegPath  string        `yaml:"ffmpeg_path" json:"ffmpeg_path" env:"FFMPEG_PATH" default:"ffmpeg"`
	FFprobePath string        `yaml:"ffprobe_path" json:"ffprobe_path" env:"FFPROBE_PATH" default:"ffprobe"`
	Preset      string        `yaml:"preset" json:"preset" env:"REFRAME_X264_PRESET" default:"veryfast"`
	Threads     int           `yaml:"threads" json:"threads" env:"REFRAME_THREADS" default:"0"`
	GracePeriod time.Duration `yaml:"grace_period" json:"grace_period" env:"REFRAME_GRACE_PERIOD" default:"5s"`

	// MediaRoot anchors relative source paths; OutputRoot anchors relative
	// file destinations.
	MediaRoot  string `yaml:"media_root" json:"media_root" env:"REFRAME_MEDIA_ROOT" default:"./media"`
	OutputRoot string `yaml:"output_root" json:"output_root" env:"REFRAME_OUTPUT_ROOT" default:"./output"`

	DefaultFrameRate int    `yaml:"default_frame_rate" json:"default_frame_rate" env:"REFRAME_DEFAULT_FPS" default:"30"`
	DefaultContainer string `yaml:"default_container" json:"default_container" env:"REFRAME_DEFAULT_CONTAINER" default:"mp4"`
	DefaultFit       string `yaml:"default_fit" json:"default_fit" env:"REFRAME_DEFAULT_FIT" default:"crop"`

	// ProbeCacheDir enables the persistent probe cache when set.
	ProbeCacheDir    string        `yaml:"probe_cache_dir" json:"probe_cache_dir" env:"REFRAME_PROBE_CACHE_DIR"`
	ProbeCacheMaxAge time.Duration `yaml:"probe_cache_max_age" json:"probe_cache_max_age" env:"REFRAME_PROBE_CACHE_MAX_AGE" default:"168h"`
	HistoryRetention time.Duration `yaml:"history_retention" json:"history_retention" env:"REFRAME_HISTORY_RETENTION" default:"720h"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval" json:"cleanup_interval" env:"REFRAME_CLEANUP_INTERVAL" default:"1h"`
}

// StorageConfig holds credentials for remote sinks
type StorageConfig struct {
	GCS  GCSConfig  `yaml:"gcs" json:"gcs"`
	S3   S3Config   `yaml:"s3" json:"s3"`
	SFTP SFTPConfig `yaml:"sftp" json:"sftp"`
}

type GCSConfig struct {
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file" env:"GCS_CREDENTIALS_FILE"`
	Endpoint        string `yaml:"endpoint" json:"endpoint" env:"GCS_ENDPOINT"`
	ChunkSize       int    `yaml:"chunk_size" json:"chunk_size" env:"GCS_CHUNK_SIZE" default:"8388608"`
}

type S3Config struct {
	Region    string `yaml:"region" json:"region" env:"S3_REGION" default:"us-east-1"`
	AccessKey string `yaml:"access_key" json:"-" env:"S3_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" json:"-" env:"S3_SECRET_KEY"`
	Endpoint  string `yaml:"endpoint" json:"endpoint" env:"S3_ENDPOINT"`
	PathStyle bool   `yaml:"path_style" json:"path_style" env:"S3_PATH_STYLE" default:"false"`
	PartSize  int64  `yaml:"part_size" json:"part_size" env:"S3_PART_SIZE" default:"8388608"`
}

type SFTPConfig struct {
	Host           string        `yaml:"host" json:"host" env:"SFTP_HOST"`
	Port           string        `yaml:"port" json:"port" env:"SFTP_PORT" default:"22"`
	User           string        `yaml:"user" json:"user" env:"SFTP_USER"`
	Password       string        `yaml:"password" json:"-" env:"SFTP_PASSWORD"`
	PrivateKey     string        `yaml:"private_key" json:"-" env:"SFTP_PRIVATE_KEY"`
	PrivateKeyFile string        `yaml:"private_key_file" json:"private_key_file" env:"SFTP_PRIVATE_KEY_FILE"`
	KnownHostsFile string        `yaml:"known_hosts_file" json:"known_hosts_file" env:"SFTP_KNOWN_HOSTS_FILE"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout" env:"SFTP_TIMEOUT" default:"10s"`
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled" env:"REFRAME_METRICS_ENABLED" default:"true"`
	Path      string `yaml:"path" json:"path" env:"REFRAME_METRICS_PATH" default:"/metrics"`
	Namespace string `yaml:"namespace" json:"namespace" env:"REFRAME_METRICS_NAMESPACE" default:"reframe"`
}

// DefaultConfig returns a configuration populated from the default tags.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := applyDefaults(cfg); err != nil {
		panic(fmt.Sprintf("config: invalid default tag: %v", err))
	}
	return cfg
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Message: "must be between 1 and 65535"}
	}

	switch c.Database.Type {
	case "sqlite", "postgres":
	default:
		return &ValidationError{Field: "database.type", Message: fmt.Sprintf("unsupported database type %q", c.Database.Type)}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return &ValidationError{Field: "logging.format", Message: "must be text or json"}
	}

	t := c.Transcoding
	if t.DefaultFrameRate < 1 || t.DefaultFrameRate > 240 {
		return &ValidationError{Field: "transcoding.default_frame_rate", Message: "must be between 1 and 240"}
	}
	switch t.DefaultContainer {
	case "mp4", "webm", "gif":
	default:
		return &ValidationError{Field: "transcoding.default_container", Message: "must be mp4, webm or gif"}
	}
	switch t.DefaultFit {
	case "crop", "pad", "stretch":
	default:
		return &ValidationError{Field: "transcoding.default_fit", Message: "must be crop, pad or stretch"}
	}
	if t.Threads < 0 {
		return &ValidationError{Field: "transcoding.threads", Message: "must not be negative"}
	}
	if t.GracePeriod < 0 {
		return &ValidationError{Field: "transcoding.grace_period", Message: "must not be negative"}
	}

	return nil
}

// applyDerived fills values computed from other settings.
func (c *Config) applyDerived() {
	if c.Database.DatabasePath == "" && c.Database.Type == "sqlite" {
		c.Database.DatabasePath = filepath.Join(c.Database.DataDir, "reframe.db")
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		c.Metrics.Path = "/" + c.Metrics.Path
	}
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error in field '" + e.Field + "': " + e.Message
}
