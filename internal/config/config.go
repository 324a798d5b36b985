// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Analysis  AnalysisConfig  `mapstructure:"analysis" yaml:"analysis"`
	Vendors   VendorsConfig   `mapstructure:"vendors" yaml:"vendors"`
	Macros    MacrosConfig    `mapstructure:"macros" yaml:"macros"`
	Recorder  RecorderConfig  `mapstructure:"recorder" yaml:"recorder"`
	Network   NetworkConfig   `mapstructure:"network" yaml:"network"`
	Discovery DiscoveryConfig `mapstructure:"discovery" yaml:"discovery"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
	Colors      bool   `mapstructure:"colors" yaml:"colors"`
}

// DatabaseConfig holds the report store connection details. An empty URL
// disables persistence entirely; analyses still run and write file reports.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// BrowserConfig holds settings for the headless browser instances.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	DisableCache      bool          `mapstructure:"disable_cache" yaml:"disable_cache"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	ChromeArgs        []string      `mapstructure:"chrome_args" yaml:"chrome_args"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoadWait      time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
}

// AnalysisConfig tunes selector resolution and event correlation.
type AnalysisConfig struct {
	// CorrelationWindow is how long after each click the correlator keeps
	// attributing events to that click.
	CorrelationWindow time.Duration `mapstructure:"correlation_window" yaml:"correlation_window"`
	// PollInterval is how often the page event buffers are drained while
	// the window is open.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ClickTimeout time.Duration `mapstructure:"click_timeout" yaml:"click_timeout"`
	ElementWait  time.Duration `mapstructure:"element_wait" yaml:"element_wait"`
	// ExpandedContainers are the scopes searched by the scoped-CSS strategy:
	// regions of the page that are currently open or toggled visible.
	ExpandedContainers []string `mapstructure:"expanded_containers" yaml:"expanded_containers"`
	// OverlaySelectors are clicked once, if visible, after page load.
	OverlaySelectors []string `mapstructure:"overlay_selectors" yaml:"overlay_selectors"`
}

// VendorsConfig extends the built-in vendor signature table.
type VendorsConfig struct {
	// Extra maps a URL substring to a vendor display name, e.g.
	// "tracker.internal.example" -> "Internal Tracker".
	Extra map[string]string `mapstructure:"extra" yaml:"extra"`
}

// MacrosConfig locates the on-disk macro library.
type MacrosConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
	// HistoryEnabled keeps the macro directory under git and commits on
	// every save, so locator edits can be audited and reverted.
	HistoryEnabled bool `mapstructure:"history_enabled" yaml:"history_enabled"`
}

// RecorderConfig holds settings specific to interactive macro recording.
// Recording is usually headful; the operator has to see what they click.
type RecorderConfig struct {
	Headless             bool    `mapstructure:"headless" yaml:"headless"`
	ScreenshotsPerSecond float64 `mapstructure:"screenshots_per_second" yaml:"screenshots_per_second"`
	JPEGQuality          int     `mapstructure:"jpeg_quality" yaml:"jpeg_quality"`
}

// NetworkConfig tunes beacon capture outside the browser.
type NetworkConfig struct {
	// CaptureBodies records POST bodies on captured beacons.
	CaptureBodies bool `mapstructure:"capture_bodies" yaml:"capture_bodies"`
	// TapEnabled routes browser traffic through a local intercepting proxy
	// as a second beacon source alongside the CDP network listener.
	TapEnabled bool   `mapstructure:"tap_enabled" yaml:"tap_enabled"`
	TapAddr    string `mapstructure:"tap_addr" yaml:"tap_addr"`
	TapCACert  string `mapstructure:"tap_ca_cert" yaml:"tap_ca_cert"`
	TapCAKey   string `mapstructure:"tap_ca_key" yaml:"tap_ca_key"`
}

// DiscoveryConfig tunes sitemap-based page discovery.
type DiscoveryConfig struct {
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	// MaxSitemaps caps how many sitemap documents one discovery will fetch,
	// counting the entries of a sitemap index.
	MaxSitemaps int `mapstructure:"max_sitemaps" yaml:"max_sitemaps"`
	MaxURLs     int `mapstructure:"max_urls" yaml:"max_urls"`
	// IncludeSubdomains widens the site scope from the exact host to every
	// host under the same registrable domain.
	IncludeSubdomains bool `mapstructure:"include_subdomains" yaml:"include_subdomains"`
}

// ServerConfig holds settings for the HTTP API.
type ServerConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	MaxConcurrentRuns int           `mapstructure:"max_concurrent_runs" yaml:"max_concurrent_runs"`
	RunRatePerMinute  float64       `mapstructure:"run_rate_per_minute" yaml:"run_rate_per_minute"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "webspark")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size_mb", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age_days", 28)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_cache", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 900)
	v.SetDefault("browser.navigation_timeout", "30s")
	// Tag managers keep firing after load; give them a moment to settle
	// before the baseline snapshot.
	v.SetDefault("browser.post_load_wait", "1500ms")

	// -- Analysis --
	v.SetDefault("analysis.correlation_window", "1s")
	v.SetDefault("analysis.poll_interval", "100ms")
	v.SetDefault("analysis.click_timeout", "4s")
	v.SetDefault("analysis.element_wait", "3s")
	v.SetDefault("analysis.expanded_containers", []string{
		`div[id^="collapse"].in`,
		`.modal.show`,
		`details[open]`,
		`[aria-expanded="true"]`,
	})
	v.SetDefault("analysis.overlay_selectors", []string{
		"button#truste-consent-button",
		"#onetrust-accept-btn-handler",
		"#prh-minicart-overlay",
	})

	// -- Macros --
	v.SetDefault("macros.dir", "~/.webspark/macros")
	v.SetDefault("macros.history_enabled", false)

	// -- Recorder --
	v.SetDefault("recorder.headless", false)
	v.SetDefault("recorder.screenshots_per_second", 5.0)
	v.SetDefault("recorder.jpeg_quality", 70)

	// -- Network --
	v.SetDefault("network.capture_bodies", false)
	v.SetDefault("network.tap_enabled", false)
	v.SetDefault("network.tap_addr", "127.0.0.1:0")

	// -- Discovery --
	v.SetDefault("discovery.fetch_timeout", "20s")
	v.SetDefault("discovery.max_sitemaps", 10)
	v.SetDefault("discovery.max_urls", 5000)
	v.SetDefault("discovery.include_subdomains", true)

	// -- Server --
	v.SetDefault("server.listen_addr", "127.0.0.1:8799")
	v.SetDefault("server.max_concurrent_runs", 2)
	v.SetDefault("server.run_rate_per_minute", 10.0)
	v.SetDefault("server.shutdown_timeout", "15s")
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.BindEnv("database.url", "WEBSPARK_DATABASE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	dir, err := homedir.Expand(cfg.Macros.Dir)
	if err != nil {
		return nil, fmt.Errorf("expanding macros.dir: %w", err)
	}
	cfg.Macros.Dir = dir

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logger.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("logger.format must be console or json, got %q", c.Logger.Format)
	}
	if err := c.Analysis.Validate(); err != nil {
		return fmt.Errorf("analysis configuration invalid: %w", err)
	}
	if c.Browser.NavigationTimeout <= 0 {
		return fmt.Errorf("browser.navigation_timeout must be a positive duration")
	}
	if c.Browser.PostLoadWait < 0 {
		return fmt.Errorf("browser.post_load_wait must not be negative")
	}
	if c.Recorder.ScreenshotsPerSecond <= 0 {
		return fmt.Errorf("recorder.screenshots_per_second must be positive")
	}
	if c.Recorder.JPEGQuality < 1 || c.Recorder.JPEGQuality > 100 {
		return fmt.Errorf("recorder.jpeg_quality must be between 1 and 100")
	}
	if c.Macros.Dir == "" {
		return fmt.Errorf("macros.dir is a required configuration field")
	}
	if c.Server.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("server.max_concurrent_runs must be a positive integer")
	}
	if c.Server.RunRatePerMinute <= 0 {
		return fmt.Errorf("server.run_rate_per_minute must be positive")
	}
	if c.Network.TapEnabled && (c.Network.TapCACert == "") != (c.Network.TapCAKey == "") {
		return fmt.Errorf("network.tap_ca_cert and network.tap_ca_key must be set together")
	}
	if c.Discovery.FetchTimeout <= 0 {
		return fmt.Errorf("discovery.fetch_timeout must be a positive duration")
	}
	if c.Discovery.MaxSitemaps <= 0 {
		return fmt.Errorf("discovery.max_sitemaps must be a positive integer")
	}
	if c.Discovery.MaxURLs <= 0 {
		return fmt.Errorf("discovery.max_urls must be a positive integer")
	}
	return nil
}

// Validate checks the analysis timing parameters.
func (a *AnalysisConfig) Validate() error {
	if a.CorrelationWindow <= 0 {
		return fmt.Errorf("correlation_window must be a positive duration")
	}
	if a.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be a positive duration")
	}
	if a.PollInterval > a.CorrelationWindow {
		return fmt.Errorf("poll_interval must not exceed correlation_window")
	}
	if a.ClickTimeout <= 0 {
		return fmt.Errorf("click_timeout must be a positive duration")
	}
	if a.ElementWait <= 0 {
		return fmt.Errorf("element_wait must be a positive duration")
	}
	return nil
}
