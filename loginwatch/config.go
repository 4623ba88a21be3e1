package loginwatch

import (
	"github.com/hazyhaar/xhsmcp/loginwatch/internal/config"
	"github.com/hazyhaar/xhsmcp/loginwatch/internal/history"
	"github.com/hazyhaar/xhsmcp/loginwatch/internal/probe"
)

// Config is the top-level loginwatch configuration. Re-exported from internal.
type Config = config.Config

// BrowserConfig controls the debugged Chrome.
type BrowserConfig = config.BrowserConfig

// TimeoutConfig bounds each transport step.
type TimeoutConfig = config.TimeoutConfig

// WaitConfig drives WaitForLogin.
type WaitConfig = config.WaitConfig

// HTTPConfig configures the HTTP surface.
type HTTPConfig = config.HTTPConfig

// Markers are the probe's selectors and phrases.
type Markers = probe.Markers

// History is the SQLite status log.
type History = history.Store

// HistoryEntry is one recorded status.
type HistoryEntry = history.Entry

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return config.Default()
}

// DefaultMarkers returns the xiaohongshu markers.
func DefaultMarkers() Markers {
	return probe.DefaultMarkers()
}

// OpenHistory opens (or creates) the status log at path.
func OpenHistory(path string) (*History, error) {
	return history.Open(path)
}
