package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "SUBHARVEST_"

// Config holds all configuration options for subharvest
type Config struct {
	// Archive listing API
	Source SourceConfig `yaml:"source" json:"source"`

	// Song service API and CDN
	Media MediaConfig `yaml:"media" json:"media"`

	// Crawl output and bounds
	Crawl CrawlConfig `yaml:"crawl" json:"crawl"`

	// Rate limiting configuration
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Download settings
	Download DownloadConfig `yaml:"download" json:"download"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Prometheus endpoint
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// SourceConfig describes the archive listing API.
type SourceConfig struct {
	BaseURL        string        `yaml:"base_url" json:"base_url"`
	UserAgent      string        `yaml:"user_agent" json:"user_agent"`
	MetaApp        string        `yaml:"meta_app" json:"meta_app"`
	PageSize       int           `yaml:"page_size" json:"page_size"`
	TargetType     string        `yaml:"target_type" json:"target_type"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// MediaConfig describes where songs are resolved and fetched from.
type MediaConfig struct {
	APIBase   string   `yaml:"api_base" json:"api_base"`
	CDNBase   string   `yaml:"cdn_base" json:"cdn_base"`
	Hosts     []string `yaml:"hosts" json:"hosts"`
	Extension string   `yaml:"extension" json:"extension"`

	// VideoExtension names files of posts hosted as Reddit videos.
	VideoExtension string `yaml:"video_extension" json:"video_extension"`
}

// CrawlConfig holds crawl output and bounds.
type CrawlConfig struct {
	OutputDir string `yaml:"output_dir" json:"output_dir"`
	// Mode is posts, comments or both
	Mode      string `yaml:"mode" json:"mode"`
	MaxPages  int    `yaml:"max_pages" json:"max_pages"`
	StartDate string `yaml:"start_date" json:"start_date"`
	EndDate   string `yaml:"end_date" json:"end_date"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	// Strategy is "interval" (even spacing) or "window" (sliding minute)
	Strategy          string        `yaml:"strategy" json:"strategy"`
	MaxRetries        int           `yaml:"max_retries" json:"max_retries"`
	BaseDelay         time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay" json:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	JitterFactor      float64       `yaml:"jitter_factor" json:"jitter_factor"`
}

// DownloadConfig holds download-specific configuration
type DownloadConfig struct {
	DestDir             string        `yaml:"dest_dir" json:"dest_dir"`
	ConcurrentDownloads int           `yaml:"concurrent_downloads" json:"concurrent_downloads"`
	DownloadTimeout     time.Duration `yaml:"download_timeout" json:"download_timeout"`
	RetryAttempts       int           `yaml:"retry_attempts" json:"retry_attempts"`
	Flairs              []string      `yaml:"flairs" json:"flairs"`
	MaxItems            int           `yaml:"max_items" json:"max_items"`
	Force               bool          `yaml:"force" json:"force"`
	ReportPath          string        `yaml:"report_path" json:"report_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
	// Format is console or json
	Format string `yaml:"format" json:"format"`
}

// MetricsConfig controls the Prometheus endpoint. An empty address disables it.
type MetricsConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// DefaultFlairs are the post flairs that carry a song.
var DefaultFlairs = []string{
	"Song - Audio Upload",
	"Song - Human Written Lyrics",
	"Song",
	"Meme Song",
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			BaseURL:        "https://arctic-shift.photon-reddit.com",
			UserAgent:      "subharvest/1.0",
			MetaApp:        "subharvest",
			PageSize:       100,
			TargetType:     "subreddit",
			RequestTimeout: 30 * time.Second,
		},
		Media: MediaConfig{
			APIBase:   "https://studio-api.prod.suno.com",
			CDNBase:   "https://cdn1.suno.ai",
			Hosts:          []string{"suno.com", "suno.ai", "v.redd.it"},
			Extension:      ".mp3",
			VideoExtension: ".mp4",
		},
		Crawl: CrawlConfig{
			OutputDir: ".",
			Mode:      "posts",
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			Strategy:          "interval",
			MaxRetries:        5,
			BaseDelay:         1 * time.Second,
			MaxDelay:          60 * time.Second,
			BackoffMultiplier: 2.0,
			JitterFactor:      0.1,
		},
		Download: DownloadConfig{
			DestDir:             "songs",
			ConcurrentDownloads: 4,
			DownloadTimeout:     60 * time.Second,
			RetryAttempts:       5,
			Flairs:              append([]string(nil), DefaultFlairs...),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Namespace: "subharvest",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	var errs []error

	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
	}

	str("ARCHIVE_URL", &c.Source.BaseURL)
	str("USER_AGENT", &c.Source.UserAgent)
	num("PAGE_SIZE", &c.Source.PageSize)
	str("MEDIA_API", &c.Media.APIBase)
	str("MEDIA_CDN", &c.Media.CDNBase)
	str("OUTPUT_DIR", &c.Crawl.OutputDir)
	str("MODE", &c.Crawl.Mode)
	num("REQUESTS_PER_MINUTE", &c.RateLimit.RequestsPerMinute)
	num("MAX_RETRIES", &c.RateLimit.MaxRetries)
	str("DEST_DIR", &c.Download.DestDir)
	num("CONCURRENT_DOWNLOADS", &c.Download.ConcurrentDownloads)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FILE", &c.Logging.File)
	str("METRICS_ADDR", &c.Metrics.Addr)

	if flairs := os.Getenv(EnvPrefix + "FLAIRS"); flairs != "" {
		c.Download.Flairs = splitList(flairs)
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	home := os.Getenv("HOME")
	locations := []string{
		".subharvest.yaml",
		".subharvest.yml",
		filepath.Join(home, ".config", "subharvest", "config.yaml"),
		filepath.Join(home, ".config", "subharvest", "config.yml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.Source.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid archive base url %q", c.Source.BaseURL))
	}
	if c.Source.PageSize < 1 || c.Source.PageSize > 100 {
		errs = append(errs, errors.New("page size must be between 1 and 100"))
	}
	switch c.Source.TargetType {
	case "subreddit", "author":
	default:
		errs = append(errs, fmt.Errorf("invalid target type %q", c.Source.TargetType))
	}
	if c.Source.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}

	if c.Media.CDNBase == "" {
		errs = append(errs, errors.New("media cdn base is required"))
	}
	if c.Media.VideoExtension != "" && c.Media.VideoExtension == c.Media.Extension {
		errs = append(errs, errors.New("media video extension must differ from the audio extension"))
	}

	switch c.Crawl.Mode {
	case "posts", "comments", "both":
	default:
		errs = append(errs, fmt.Errorf("invalid crawl mode %q", c.Crawl.Mode))
	}
	if c.Crawl.OutputDir == "" {
		errs = append(errs, errors.New("output directory is required"))
	}
	if c.Crawl.MaxPages < 0 {
		errs = append(errs, errors.New("max pages cannot be negative"))
	}

	if c.RateLimit.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("requests per minute cannot be negative"))
	}
	switch c.RateLimit.Strategy {
	case "interval", "window":
	default:
		errs = append(errs, fmt.Errorf("invalid rate limit strategy %q", c.RateLimit.Strategy))
	}
	if c.RateLimit.MaxRetries < 0 {
		errs = append(errs, errors.New("max retries cannot be negative"))
	}
	if c.RateLimit.BaseDelay <= 0 {
		errs = append(errs, errors.New("base delay must be positive"))
	}
	if c.RateLimit.MaxDelay < c.RateLimit.BaseDelay {
		errs = append(errs, errors.New("max delay must not be below base delay"))
	}

	if c.Download.ConcurrentDownloads <= 0 {
		errs = append(errs, errors.New("concurrent downloads must be positive"))
	}
	if c.Download.ConcurrentDownloads > 16 {
		errs = append(errs, errors.New("concurrent downloads should not exceed 16"))
	}
	if c.Download.DownloadTimeout <= 0 {
		errs = append(errs, errors.New("download timeout must be positive"))
	}
	if c.Download.RetryAttempts < 0 {
		errs = append(errs, errors.New("retry attempts cannot be negative"))
	}
	if c.Download.MaxItems < 0 {
		errs = append(errs, errors.New("max items cannot be negative"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges flags that were explicitly set on the command
// line. Keys are flag names.
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if v, ok := flags["output"].(string); ok && v != "" {
		c.Crawl.OutputDir = v
	}
	if v, ok := flags["mode"].(string); ok && v != "" {
		c.Crawl.Mode = v
	}
	if v, ok := flags["author"].(bool); ok && v {
		c.Source.TargetType = "author"
	}
	if v, ok := flags["max-pages"].(int); ok && v >= 0 {
		c.Crawl.MaxPages = v
	}
	if v, ok := flags["start-date"].(string); ok && v != "" {
		c.Crawl.StartDate = v
	}
	if v, ok := flags["end-date"].(string); ok && v != "" {
		c.Crawl.EndDate = v
	}
	if v, ok := flags["dest"].(string); ok && v != "" {
		c.Download.DestDir = v
	}
	if v, ok := flags["concurrent"].(int); ok && v > 0 {
		c.Download.ConcurrentDownloads = v
	}
	if v, ok := flags["flair"].([]string); ok && len(v) > 0 {
		c.Download.Flairs = v
	}
	if v, ok := flags["max"].(int); ok && v >= 0 {
		c.Download.MaxItems = v
	}
	if v, ok := flags["force"].(bool); ok {
		c.Download.Force = v
	}
	if v, ok := flags["report"].(string); ok && v != "" {
		c.Download.ReportPath = v
	}
	if v, ok := flags["log-level"].(string); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := flags["metrics-addr"].(string); ok && v != "" {
		c.Metrics.Addr = v
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".subharvest.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// ReportPath returns the download report location, defaulting into DestDir.
func (c *Config) ReportPath() string {
	if c.Download.ReportPath != "" {
		return c.Download.ReportPath
	}
	return filepath.Join(c.Download.DestDir, "download_report.json")
}
