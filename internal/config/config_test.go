package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, 30, cfg.Transcoding.DefaultFrameRate)
	assert.Equal(t, "mp4", cfg.Transcoding.DefaultContainer)
	assert.Equal(t, "crop", cfg.Transcoding.DefaultFit)
	assert.Equal(t, 5*time.Second, cfg.Transcoding.GracePeriod)
	assert.Equal(t, int64(8388608), cfg.Storage.S3.PartSize)
	assert.Equal(t, "22", cfg.Storage.SFTP.Port)
	assert.True(t, cfg.Metrics.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reframe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
transcoding:
  default_frame_rate: 24
  default_container: gif
database:
  data_dir: `+dir+`
`), 0644))

	t.Setenv("REFRAME_DEFAULT_FIT", "pad")
	t.Setenv("SFTP_TIMEOUT", "3s")

	m := NewManager(hclog.NewNullLogger())
	require.NoError(t, m.LoadConfig(path))

	cfg := m.GetConfig()
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 24, cfg.Transcoding.DefaultFrameRate)
	assert.Equal(t, "gif", cfg.Transcoding.DefaultContainer)
	assert.Equal(t, "pad", cfg.Transcoding.DefaultFit)
	assert.Equal(t, 3*time.Second, cfg.Storage.SFTP.Timeout)
	assert.Equal(t, "info", cfg.Logging.Level, "defaults survive a partial file")
	assert.Equal(t, filepath.Join(dir, "reframe.db"), cfg.Database.DatabasePath)
	assert.Equal(t, path, m.Path())
}

func TestLoadConfig_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reframe.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging": {"level": "debug", "format": "json"}}`), 0644))

	m := NewManager(hclog.NewNullLogger())
	require.NoError(t, m.LoadConfig(path))
	assert.Equal(t, "debug", m.GetConfig().Logging.Level)
	assert.Equal(t, "json", m.GetConfig().Logging.Format)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	m := NewManager(hclog.NewNullLogger())
	require.NoError(t, m.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")))
	assert.Equal(t, 8080, m.GetConfig().Server.Port)
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("transcoding:\n  default_container: avi\n"), 0644))
	m := NewManager(hclog.NewNullLogger())
	err := m.LoadConfig(bad)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "transcoding.default_container", verr.Field)
	assert.Equal(t, "mp4", m.GetConfig().Transcoding.DefaultContainer, "previous config kept")

	toml := filepath.Join(dir, "conf.toml")
	require.NoError(t, os.WriteFile(toml, []byte("x = 1"), 0644))
	assert.ErrorContains(t, m.LoadConfig(toml), "unsupported config file format")

	t.Setenv("REFRAME_PORT", "not-a-number")
	assert.Error(t, m.LoadConfig(""))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		field string
		edit  func(c *Config)
	}{
		{"server.port", func(c *Config) { c.Server.Port = 0 }},
		{"database.type", func(c *Config) { c.Database.Type = "mysql" }},
		{"logging.format", func(c *Config) { c.Logging.Format = "xml" }},
		{"transcoding.default_frame_rate", func(c *Config) { c.Transcoding.DefaultFrameRate = 500 }},
		{"transcoding.default_fit", func(c *Config) { c.Transcoding.DefaultFit = "zoom" }},
		{"transcoding.threads", func(c *Config) { c.Transcoding.Threads = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.edit(cfg)
			var verr *ValidationError
			require.ErrorAs(t, cfg.Validate(), &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := DefaultConfig().Database
	d.Type = "postgres"
	d.Password = "pw"
	assert.Equal(t, "host=localhost port=5432 user=reframe password=pw dbname=reframe sslmode=disable TimeZone=UTC", d.DSN())

	d.URL = "postgres://u@db/x"
	assert.Equal(t, "postgres://u@db/x", d.DSN())
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "reframe.yaml")
	m := NewManager(hclog.NewNullLogger())
	assert.Error(t, m.SaveConfig(), "no path yet")

	require.NoError(t, m.LoadConfig(path))
	require.NoError(t, m.SaveConfig())

	other := NewManager(hclog.NewNullLogger())
	require.NoError(t, other.LoadConfig(path))
	assert.Equal(t, m.GetConfig().Server, other.GetConfig().Server)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reframe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0644))

	m := NewManager(hclog.NewNullLogger())
	require.NoError(t, m.LoadConfig(path))

	changed := make(chan *Config, 4)
	m.AddWatcher(func(_, newConfig *Config) { changed <- newConfig })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Watch(ctx, 20*time.Millisecond))

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644))

	select {
	case cfg := <-changed:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("configuration was not reloaded")
	}
	assert.Equal(t, "debug", m.GetConfig().Logging.Level)
}

func TestWatch_RequiresPath(t *testing.T) {
	m := NewManager(hclog.NewNullLogger())
	assert.Error(t, m.Watch(context.Background(), 0))
}
