// CLAUDE:SUMMARY Guarantees a visible Chrome with a persistent profile answers on the fixed debugging port, launching one through rod's launcher if not.
// Package browser keeps a human-visible Chrome running on a fixed
// remote-debugging port with a persistent profile directory.
//
// The browser outlives this process: it is launched without leakless, never
// closed, and reattached to on the next run because the port and profile
// are stable.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/hazyhaar/xhsmcp/loginwatch/internal/cdp"
)

// Config configures a Launcher.
type Config struct {
	Host string // default 127.0.0.1
	Port int    // default 9333

	// Bin is the Chrome executable. Empty = launcher.LookPath.
	Bin string

	// ProfileDir is the persistent user data directory. Default: data/login-chrome-profile.
	ProfileDir string

	// Headless hides the window. The login flow needs a human to scan a QR
	// code, so the default is headful.
	Headless bool

	// StartURL is opened in the first tab of a fresh browser.
	StartURL string

	// LaunchTimeout bounds the wait for the endpoint to answer. Default: 30s.
	LaunchTimeout time.Duration

	// ProbeTimeout bounds each reachability check. Default: 2s.
	ProbeTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port <= 0 {
		c.Port = 9333
	}
	if c.ProfileDir == "" {
		c.ProfileDir = filepath.Join("data", "login-chrome-profile")
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ErrNoBrowser is returned when no Chrome executable can be found.
var ErrNoBrowser = errors.New("browser: no chrome executable found")

// Launcher starts Chrome when the debugging endpoint does not answer.
type Launcher struct {
	cfg  Config
	http *http.Client

	mu       sync.Mutex
	launches int

	// start runs the prepared rod launcher; replaced in tests.
	start func(*launcher.Launcher) error
}

// New creates a Launcher.
func New(cfg Config) *Launcher {
	cfg.defaults()
	return &Launcher{
		cfg:   cfg,
		http:  &http.Client{},
		start: startDetached,
	}
}

// Launches returns how many browser processes this Launcher started.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// Reachable reports whether the debugging endpoint answers now.
func (l *Launcher) Reachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ProbeTimeout)
	defer cancel()
	return cdp.Reachable(ctx, l.http, l.cfg.Host, l.cfg.Port)
}

// Ensure returns once a browser answers on the configured port, launching
// one if needed. Calling it against a live browser is a no-op.
func (l *Launcher) Ensure(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	log := l.cfg.Logger
	if l.Reachable(ctx) {
		log.Debug("browser: endpoint reachable, reattaching", "port", l.cfg.Port)
		return nil
	}

	lc, err := l.prepare()
	if err != nil {
		return err
	}
	lctx, cancel := context.WithTimeout(ctx, l.cfg.LaunchTimeout)
	defer cancel()
	lc = lc.Context(lctx)

	log.Info("browser: launching chrome",
		"bin", lc.Get(flags.Bin), "port", l.cfg.Port, "profile", l.cfg.ProfileDir, "headless", l.cfg.Headless)
	if err := l.start(lc); err != nil {
		return fmt.Errorf("browser: launch: %w", err)
	}
	l.launches++

	return l.waitReachable(ctx)
}

// prepare builds the rod launcher for a detached, persistent browser.
func (l *Launcher) prepare() (*launcher.Launcher, error) {
	bin := l.cfg.Bin
	if bin == "" {
		found, ok := launcher.LookPath()
		if !ok {
			return nil, ErrNoBrowser
		}
		bin = found
	}

	if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
		return nil, fmt.Errorf("browser: profile dir: %w", err)
	}

	lc := launcher.New().
		Bin(bin).
		Leakless(false).
		Headless(l.cfg.Headless).
		UserDataDir(l.cfg.ProfileDir).
		RemoteDebuggingPort(l.cfg.Port).
		Set("no-first-run").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-popup-blocking").
		Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation").
		Delete("no-startup-window")

	if l.cfg.StartURL != "" {
		lc = lc.StartURL(l.cfg.StartURL)
	}
	return lc, nil
}

// Flags returns the command line the Launcher would use, sorted.
func (l *Launcher) Flags() ([]string, error) {
	lc, err := l.prepare()
	if err != nil {
		return nil, err
	}
	return lc.FormatArgs(), nil
}

// waitReachable polls the endpoint every 500ms until LaunchTimeout.
func (l *Launcher) waitReachable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.LaunchTimeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.Reachable(ctx) {
			l.cfg.Logger.Info("browser: endpoint up", "port", l.cfg.Port)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("browser: port %d not reachable after %s: %w", l.cfg.Port, l.cfg.LaunchTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// startDetached runs Chrome without leakless, so it survives this process.
// rod reattaches instead of launching when the port already answers.
func startDetached(lc *launcher.Launcher) error {
	_, err := lc.Launch()
	return err
}
