package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "https://arctic-shift.photon-reddit.com", cfg.Source.BaseURL)
	assert.Equal(t, 100, cfg.Source.PageSize)
	assert.Equal(t, 60, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 5, cfg.RateLimit.MaxRetries)
	assert.Equal(t, time.Second, cfg.RateLimit.BaseDelay)
	assert.Equal(t, 60*time.Second, cfg.RateLimit.MaxDelay)
	assert.Equal(t, 4, cfg.Download.ConcurrentDownloads)
	assert.Equal(t, DefaultFlairs, cfg.Download.Flairs)
	assert.NoError(t, cfg.Validate())
}

func TestDefaultFlairsAreCopied(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Download.Flairs[0] = "changed"
	assert.Equal(t, "Song - Audio Upload", DefaultFlairs[0])
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SUBHARVEST_ARCHIVE_URL", "http://archive.test")
	t.Setenv("SUBHARVEST_PAGE_SIZE", "50")
	t.Setenv("SUBHARVEST_REQUESTS_PER_MINUTE", "30")
	t.Setenv("SUBHARVEST_OUTPUT_DIR", "/tmp/crawl")
	t.Setenv("SUBHARVEST_CONCURRENT_DOWNLOADS", "2")
	t.Setenv("SUBHARVEST_FLAIRS", "Song, Meme Song ,")
	t.Setenv("SUBHARVEST_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "http://archive.test", cfg.Source.BaseURL)
	assert.Equal(t, 50, cfg.Source.PageSize)
	assert.Equal(t, 30, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, "/tmp/crawl", cfg.Crawl.OutputDir)
	assert.Equal(t, 2, cfg.Download.ConcurrentDownloads)
	assert.Equal(t, []string{"Song", "Meme Song"}, cfg.Download.Flairs)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFromEnvRejectsBadNumbers(t *testing.T) {
	t.Setenv("SUBHARVEST_PAGE_SIZE", "lots")
	t.Setenv("SUBHARVEST_MAX_RETRIES", "x")

	cfg := DefaultConfig()
	err := cfg.LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SUBHARVEST_PAGE_SIZE")
	assert.Contains(t, err.Error(), "SUBHARVEST_MAX_RETRIES")
	assert.Equal(t, 100, cfg.Source.PageSize)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad base url", func(c *Config) { c.Source.BaseURL = "not a url" }, "archive base url"},
		{"page size too big", func(c *Config) { c.Source.PageSize = 500 }, "page size"},
		{"bad target type", func(c *Config) { c.Source.TargetType = "group" }, "target type"},
		{"bad mode", func(c *Config) { c.Crawl.Mode = "everything" }, "crawl mode"},
		{"negative max pages", func(c *Config) { c.Crawl.MaxPages = -1 }, "max pages"},
		{"bad strategy", func(c *Config) { c.RateLimit.Strategy = "bucket" }, "strategy"},
		{"max below base", func(c *Config) { c.RateLimit.MaxDelay = time.Millisecond }, "max delay"},
		{"too many workers", func(c *Config) { c.Download.ConcurrentDownloads = 40 }, "should not exceed"},
		{"zero workers", func(c *Config) { c.Download.ConcurrentDownloads = 0 }, "must be positive"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "log level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateJoinsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Source.PageSize = 0
	cfg.Crawl.Mode = "nope"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page size")
	assert.Contains(t, err.Error(), "crawl mode")
}

func TestMergeCommandLineFlags(t *testing.T) {
	cfg := DefaultConfig()

	cfg.MergeCommandLineFlags(map[string]interface{}{
		"output":       "/flag/output",
		"author":       true,
		"max-pages":    3,
		"dest":         "/flag/songs",
		"concurrent":   7,
		"flair":        []string{"Song"},
		"max":          10,
		"force":        true,
		"log-level":    "error",
		"metrics-addr": ":9100",
	})

	assert.Equal(t, "/flag/output", cfg.Crawl.OutputDir)
	assert.Equal(t, "author", cfg.Source.TargetType)
	assert.Equal(t, 3, cfg.Crawl.MaxPages)
	assert.Equal(t, "/flag/songs", cfg.Download.DestDir)
	assert.Equal(t, 7, cfg.Download.ConcurrentDownloads)
	assert.Equal(t, []string{"Song"}, cfg.Download.Flairs)
	assert.Equal(t, 10, cfg.Download.MaxItems)
	assert.True(t, cfg.Download.Force)
	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
}

func TestSaveAndLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Download.ConcurrentDownloads = 8
	cfg.RateLimit.MaxDelay = 90 * time.Second
	cfg.Media.Hosts = []string{"suno.com"}
	require.NoError(t, cfg.Save(path))

	loaded := DefaultConfig()
	require.NoError(t, loaded.LoadFromFile(path))

	assert.Equal(t, 8, loaded.Download.ConcurrentDownloads)
	assert.Equal(t, 90*time.Second, loaded.RateLimit.MaxDelay)
	assert.Equal(t, []string{"suno.com"}, loaded.Media.Hosts)
}

func TestLoadFromFileErrors(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("source: [unclosed"), 0644))
	assert.Error(t, cfg.LoadFromFile(bad))
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
crawl:
  output_dir: /from/file
download:
  concurrent_downloads: 2
  dest_dir: /file/songs
`), 0644))

	t.Setenv("SUBHARVEST_CONCURRENT_DOWNLOADS", "3")

	cfg, err := Load(path, map[string]interface{}{"dest": "/flag/songs"})
	require.NoError(t, err)

	assert.Equal(t, "/from/file", cfg.Crawl.OutputDir)
	assert.Equal(t, 3, cfg.Download.ConcurrentDownloads)
	assert.Equal(t, "/flag/songs", cfg.Download.DestDir)
	assert.Equal(t, filepath.Join("/flag/songs", "download_report.json"), cfg.ReportPath())
}

func TestLoadFailsValidation(t *testing.T) {
	t.Setenv("SUBHARVEST_MODE", "sideways")
	_, err := Load("", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crawl mode")
}
