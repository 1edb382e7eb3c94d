package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the panopticon configuration.
const (
	DefaultHTTPPort          = 1292
	DefaultResolution        = 1080
	DefaultFetchTimeout      = 10 * time.Second
	DefaultPollInterval      = 1 * time.Second
	DefaultCooldown          = 3 * time.Second
	DefaultExpiringThreshold = 5 * time.Second
	DefaultProbeConcurrency  = 8
	DefaultUserAgent         = "panopticon"
	DefaultLogLevel          = "warning"
)

// Config is the full configuration tree parsed from config.yaml.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Monitor MonitorConfig `yaml:"monitor"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig holds the HTTP front end settings.
type ServerConfig struct {
	// HTTPPort is the port the viewer-facing HTTP server listens on (default 1292).
	HTTPPort int `yaml:"http_port"`

	// Placeholder is an optional JPEG file published as the initial frame so
	// viewers see something before the first camera change is detected.
	Placeholder string `yaml:"placeholder"`
}

// MonitorConfig holds the camera catalog and the freshness scheduler timings.
type MonitorConfig struct {
	// CamerasCSV is the path to a traffic camera CSV export with the columns
	// "Camera ID", "Screenshot Address" and "Location".
	// Relative paths are resolved against the config file's directory.
	CamerasCSV string `yaml:"cameras_csv"`

	// Cameras is an inline catalog, merged with the CSV catalog.
	Cameras []Camera `yaml:"cameras"`

	// Resolution is the image height a camera must have at startup to be
	// monitored. Cameras at any other height are excluded for the process lifetime.
	Resolution int `yaml:"resolution"`

	// FetchTimeout bounds every upstream GET, including body transfer.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// PollInterval is the pause before each pass over the expiring bucket.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Cooldown is the pause between scheduler cycles.
	Cooldown time.Duration `yaml:"cooldown"`

	// ExpiringThreshold is the lookahead that puts a camera into the
	// expiring bucket before its freshness window ends.
	ExpiringThreshold time.Duration `yaml:"expiring_threshold"`

	// ProbeConcurrency caps parallel fetches during the startup probe.
	ProbeConcurrency int `yaml:"probe_concurrency"`

	// UserAgent is sent on every upstream request.
	UserAgent string `yaml:"user_agent"`

	// InsecureSkipVerify disables TLS certificate verification for camera URLs.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Camera is one entry of the static camera catalog.
type Camera struct {
	ID       int    `yaml:"id"`
	URL      string `yaml:"url"`
	Location string `yaml:"location"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is one of: debug | info | warn | warning | error.
	Level string `yaml:"level"`

	// StatsEvery controls the periodic stats log line. Zero disables it.
	StatsEvery time.Duration `yaml:"stats_every"`
}

// SlogLevel returns the slog level for l.Level.
func (l LogConfig) SlogLevel() slog.Level {
	lvl, err := ParseLevel(l.Level)
	if err != nil {
		return slog.LevelWarn
	}
	return lvl
}

// ParseLevel converts a level name into a slog.Level. "warning" is accepted
// as an alias for "warn".
func ParseLevel(s string) (slog.Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "warning" {
		s = "warn"
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q: want debug|info|warn|error", s)
	}
	return lvl, nil
}

// Load reads and parses the config file at path, loads the CSV catalog if one
// is configured, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if cfg.Monitor.CamerasCSV != "" && !filepath.IsAbs(cfg.Monitor.CamerasCSV) {
		cfg.Monitor.CamerasCSV = filepath.Join(filepath.Dir(path), cfg.Monitor.CamerasCSV)
	}
	if cfg.Server.Placeholder != "" && !filepath.IsAbs(cfg.Server.Placeholder) {
		cfg.Server.Placeholder = filepath.Join(filepath.Dir(path), cfg.Server.Placeholder)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration used when no config file is
// given.
func Default() *Config { return defaults() }

// Validate re-checks the configuration after command-line overrides.
func (c *Config) Validate() error {
	if err := validate(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Catalog returns the merged camera catalog: CSV entries first, then inline
// entries. A duplicated camera ID is an error.
func (c *Config) Catalog() (map[int]Camera, error) {
	out := make(map[int]Camera)
	if c.Monitor.CamerasCSV != "" {
		cams, err := LoadCatalog(c.Monitor.CamerasCSV)
		if err != nil {
			return nil, err
		}
		for _, cam := range cams {
			out[cam.ID] = cam
		}
	}
	for i, cam := range c.Monitor.Cameras {
		if _, dup := out[cam.ID]; dup {
			return nil, fmt.Errorf("config: monitor.cameras[%d]: duplicate camera id %d", i, cam.ID)
		}
		out[cam.ID] = cam
	}
	return out, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort: DefaultHTTPPort,
		},
		Monitor: MonitorConfig{
			Resolution:        DefaultResolution,
			FetchTimeout:      DefaultFetchTimeout,
			PollInterval:      DefaultPollInterval,
			Cooldown:          DefaultCooldown,
			ExpiringThreshold: DefaultExpiringThreshold,
			ProbeConcurrency:  DefaultProbeConcurrency,
			UserAgent:         DefaultUserAgent,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	if cfg.Monitor.Resolution <= 0 {
		return fmt.Errorf("monitor.resolution must be positive")
	}
	if cfg.Monitor.FetchTimeout <= 0 {
		return fmt.Errorf("monitor.fetch_timeout must be positive")
	}
	if cfg.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be positive")
	}
	if cfg.Monitor.Cooldown <= 0 {
		return fmt.Errorf("monitor.cooldown must be positive")
	}
	if cfg.Monitor.ExpiringThreshold <= 0 {
		return fmt.Errorf("monitor.expiring_threshold must be positive")
	}
	if cfg.Monitor.ProbeConcurrency <= 0 {
		return fmt.Errorf("monitor.probe_concurrency must be positive")
	}
	for i, cam := range cfg.Monitor.Cameras {
		if cam.URL == "" {
			return fmt.Errorf("monitor.cameras[%d] %d: url is required", i, cam.ID)
		}
	}
	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if cfg.Log.StatsEvery < 0 {
		return fmt.Errorf("log.stats_every must not be negative")
	}
	return nil
}
