package loginwatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/hazyhaar/xhsmcp/loginwatch/internal/browser"
	"github.com/hazyhaar/xhsmcp/loginwatch/internal/cdp"
)

// HistoryReader lists recorded statuses, newest first.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]HistoryEntry, error)
}

// Service bundles a Resolver with its history and configuration for the
// MCP and HTTP surfaces.
type Service struct {
	resolver *Resolver
	history  HistoryReader
	cfg      *Config
	logger   *slog.Logger
	closers  []func() error
}

// NewService wires existing parts. hist may be nil.
func NewService(r *Resolver, hist HistoryReader, cfg *Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Service{resolver: r, history: hist, cfg: cfg, logger: logger}
}

// Open builds the full stack from cfg: debugging client, browser launcher,
// history database and resolver.
func Open(cfg *Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("loginwatch: config: %w", err)
	}

	client := cdp.New(cdp.Config{
		Host:              cfg.Browser.Host,
		Port:              cfg.Browser.DebugPort,
		TargetMatch:       cfg.Browser.TargetMatch,
		ConnectTimeout:    cfg.Timeouts.Connect,
		NavigationTimeout: cfg.Timeouts.Navigation,
		EvaluationTimeout: cfg.Timeouts.Evaluation,
		PollInterval:      cfg.Timeouts.PollInterval,
		Logger:            logger,
	})

	launcher := browser.New(browser.Config{
		Host:          cfg.Browser.Host,
		Port:          cfg.Browser.DebugPort,
		Bin:           cfg.Browser.Bin,
		ProfileDir:    cfg.Browser.ProfileDir,
		Headless:      cfg.Browser.Headless,
		StartURL:      cfg.EntryURL,
		LaunchTimeout: cfg.Browser.LaunchTimeout,
		Logger:        logger,
	})

	hist, err := OpenHistory(cfg.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("loginwatch: history: %w", err)
	}

	s := NewService(nil, hist, cfg, logger)
	opts := Options{
		Transport:     client,
		Restarter:     launcher,
		Recorder:      hist,
		Markers:       cfg.Markers,
		MaxRestarts:   cfg.Browser.MaxRestarts,
		SettleTimeout: cfg.Timeouts.Settle,
		Logger:        logger,
	}
	if !cfg.Browser.SkipCookieRestore {
		opts.CookieFile = s.CookiesPath()
	}
	r := NewResolver(opts)
	s.resolver = r
	s.closers = append(s.closers, func() error { r.Close(); return nil }, hist.Close)
	return s, nil
}

// Resolver returns the underlying resolver.
func (s *Service) Resolver() *Resolver { return s.resolver }

// Config returns the service configuration.
func (s *Service) Config() *Config { return s.cfg }

// QRDir is where QR payloads are written.
func (s *Service) QRDir() string { return filepath.Join(s.cfg.DataDir, "qr") }

// CaptchaDir is where verification screenshots are written.
func (s *Service) CaptchaDir() string { return filepath.Join(s.cfg.DataDir, "captcha") }

// CookiesPath is the default cookie export file, also restored into new
// sessions unless browser.skip_cookie_restore is set.
func (s *Service) CookiesPath() string { return filepath.Join(s.cfg.DataDir, "cookies.json") }

// Close releases the session and the history database. The browser keeps
// running.
func (s *Service) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}
