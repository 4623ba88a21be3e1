// CLAUDE:SUMMARY Defines loginwatch config structs and parses YAML configuration files with defaults.
// Package config handles loginwatch configuration from YAML files.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/xhsmcp/loginwatch/internal/probe"
	"gopkg.in/yaml.v3"
)

// Config is the top-level loginwatch configuration.
type Config struct {
	EntryURL  string        `yaml:"entry_url"`
	DataDir   string        `yaml:"data_dir"`
	HistoryDB string        `yaml:"history_db"`
	Browser   BrowserConfig `yaml:"browser"`
	Timeouts  TimeoutConfig `yaml:"timeouts"`
	Markers   probe.Markers `yaml:"markers"`
	Wait      WaitConfig    `yaml:"wait"`
	HTTP      HTTPConfig    `yaml:"http"`
}

// BrowserConfig controls the debugged Chrome.
type BrowserConfig struct {
	Host          string        `yaml:"host"`
	DebugPort     int           `yaml:"debug_port"`
	Bin           string        `yaml:"bin"`
	ProfileDir    string        `yaml:"profile_dir"`
	Headless      bool          `yaml:"headless"`
	TargetMatch   string        `yaml:"target_match"`
	MaxRestarts   int           `yaml:"max_restarts"`
	LaunchTimeout time.Duration `yaml:"launch_timeout"`
	// SkipCookieRestore stops exported cookies being loaded into new sessions.
	SkipCookieRestore bool `yaml:"skip_cookie_restore"`
	// SkipScreenshots disables verification screenshots on captcha and QR states.
	SkipScreenshots bool `yaml:"skip_screenshots"`
}

// TimeoutConfig bounds each transport step.
type TimeoutConfig struct {
	Connect      time.Duration `yaml:"connect"`
	Navigation   time.Duration `yaml:"navigation"`
	Evaluation   time.Duration `yaml:"evaluation"`
	Settle       time.Duration `yaml:"settle"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// WaitConfig drives the interactive wait-for-login loop.
type WaitConfig struct {
	Interval      time.Duration `yaml:"interval"`
	MaxWait       time.Duration `yaml:"max_wait"`
	ProgressEvery time.Duration `yaml:"progress_every"`
}

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// BasicAuthUser and BasicAuthHash (bcrypt) enable Basic Auth when both set.
	BasicAuthUser string `yaml:"basic_auth_user"`
	BasicAuthHash string `yaml:"basic_auth_hash"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// ApplyDefaults fills zero fields. Paths derived from DataDir are only set
// when empty, so call it again after overriding DataDir.
func (c *Config) ApplyDefaults() { c.applyDefaults() }

func (c *Config) applyDefaults() {
	if c.EntryURL == "" {
		c.EntryURL = "https://www.xiaohongshu.com/explore"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.HistoryDB == "" {
		c.HistoryDB = filepath.Join(c.DataDir, "loginwatch.db")
	}
	if c.Browser.Host == "" {
		c.Browser.Host = "127.0.0.1"
	}
	if c.Browser.DebugPort <= 0 {
		c.Browser.DebugPort = 9333
	}
	if c.Browser.ProfileDir == "" {
		c.Browser.ProfileDir = filepath.Join(c.DataDir, "login-chrome-profile")
	}
	if c.Browser.TargetMatch == "" {
		c.Browser.TargetMatch = "xiaohongshu.com"
	}
	if c.Browser.MaxRestarts <= 0 {
		c.Browser.MaxRestarts = 2
	}
	if c.Browser.LaunchTimeout <= 0 {
		c.Browser.LaunchTimeout = 30 * time.Second
	}
	if c.Timeouts.Connect <= 0 {
		c.Timeouts.Connect = 5 * time.Second
	}
	if c.Timeouts.Navigation <= 0 {
		c.Timeouts.Navigation = 15 * time.Second
	}
	if c.Timeouts.Evaluation <= 0 {
		c.Timeouts.Evaluation = 10 * time.Second
	}
	if c.Timeouts.Settle <= 0 {
		c.Timeouts.Settle = 8 * time.Second
	}
	if c.Timeouts.PollInterval <= 0 {
		c.Timeouts.PollInterval = 250 * time.Millisecond
	}
	if c.Wait.Interval <= 0 {
		c.Wait.Interval = 3 * time.Second
	}
	if c.Wait.MaxWait <= 0 {
		c.Wait.MaxWait = 5 * time.Minute
	}
	if c.Wait.ProgressEvery <= 0 {
		c.Wait.ProgressEvery = 15 * time.Second
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8091"
	}
	c.Markers = c.Markers.WithDefaults()
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	u, err := url.Parse(c.EntryURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("entry_url %q: must be an absolute http(s) URL", c.EntryURL)
	}
	if c.Browser.DebugPort > 65535 {
		return fmt.Errorf("browser.debug_port %d: out of range", c.Browser.DebugPort)
	}
	if (c.HTTP.BasicAuthUser == "") != (c.HTTP.BasicAuthHash == "") {
		return fmt.Errorf("http: basic_auth_user and basic_auth_hash must be set together")
	}
	return nil
}
