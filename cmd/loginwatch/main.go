// Command loginwatch reports and recovers the login state of the persistent
// xiaohongshu browser profile.
//
// Usage:
//
//	loginwatch -config loginwatch.yaml check     # one status, JSON to stdout
//	loginwatch wait -export-cookies              # wait for a QR scan, then export cookies
//	loginwatch serve-mcp                         # MCP tools over stdio
//	loginwatch serve-http -addr :8091            # HTTP + streamable MCP
//	loginwatch history -limit 50                 # recent checks
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/xhsmcp/loginwatch"
	"github.com/hazyhaar/xhsmcp/loginwatch/loginstate"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to loginwatch.yaml config file")
	logLevel := flag.String("log-level", env("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	entryURL := flag.String("url", "", "entry URL (overrides config)")
	flag.Usage = usage
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	if err := run(ctx, logger, *configPath, *entryURL, flag.Arg(0), flag.Args()[1:]); err != nil {
		logger.Error("loginwatch: fatal", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: loginwatch [-config file] [-url entry] [-log-level lvl] check|wait|serve-mcp|serve-http|history [flags]")
	flag.PrintDefaults()
}

func run(ctx context.Context, logger *slog.Logger, configPath, entryURL, cmd string, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if entryURL != "" {
		cfg.EntryURL = entryURL
	}

	switch cmd {
	case "check":
		return runCheck(ctx, logger, cfg, args)
	case "wait":
		return runWait(ctx, logger, cfg, args)
	case "serve-mcp":
		return runServeMCP(ctx, logger, cfg)
	case "serve-http":
		return runServeHTTP(ctx, logger, cfg, args)
	case "history":
		return runHistory(ctx, cfg, args)
	}
	usage()
	return fmt.Errorf("unknown command %q", cmd)
}

// loadConfig reads the YAML file when given; otherwise it builds the
// defaults rooted at DATA_DIR.
func loadConfig(path string) (*loginwatch.Config, error) {
	if path != "" {
		return loginwatch.LoadConfigFile(path)
	}
	cfg := &loginwatch.Config{DataDir: env("DATA_DIR", "data")}
	cfg.ApplyDefaults()
	return cfg, nil
}

func runCheck(ctx context.Context, logger *slog.Logger, cfg *loginwatch.Config, args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	noNav := fs.Bool("no-navigate", false, "probe the current tab without navigating")
	fs.Parse(args)

	svc, err := loginwatch.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	rep, err := svc.Check(ctx, cfg.EntryURL, !*noNav)
	if err != nil {
		return fmt.Errorf("check: %w", err)
	}
	return printJSON(rep)
}

func runWait(ctx context.Context, logger *slog.Logger, cfg *loginwatch.Config, args []string) error {
	fs := flag.NewFlagSet("wait", flag.ExitOnError)
	export := fs.Bool("export-cookies", false, "export session cookies once logged in")
	maxWait := fs.Duration("max-wait", cfg.Wait.MaxWait, "give up after this long")
	fs.Parse(args)

	svc, err := loginwatch.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	var (
		lastState    loginstate.State
		lastProgress time.Time
		qrSaved      bool
	)
	onStatus := func(st loginstate.Status) {
		if st.HasQRPayload() && !qrSaved {
			if path, err := loginwatch.SaveQR(svc.QRDir(), st.QRPayload, st.CheckedAt); err != nil {
				logger.Warn("loginwatch: save qr", "error", err)
			} else if path != "" {
				qrSaved = true
				logger.Info("loginwatch: scan the QR code in the browser window", "qr_image", path)
			}
		}
		if st.State != lastState || time.Since(lastProgress) >= cfg.Wait.ProgressEvery {
			logger.Info("loginwatch: waiting for login", "state", st.State, "detail", st.Detail)
			lastState = st.State
			lastProgress = time.Now()
		}
	}

	st, err := svc.Resolver().WaitForLogin(ctx, cfg.EntryURL, loginwatch.WaitOptions{
		Interval: cfg.Wait.Interval,
		MaxWait:  *maxWait,
		OnStatus: onStatus,
	})
	if err != nil {
		printJSON(st)
		return fmt.Errorf("wait: %w", err)
	}
	logger.Info("loginwatch: logged in", "detail", st.Detail)

	if *export {
		n, err := svc.Resolver().ExportCookies(ctx, cfg.EntryURL, svc.CookiesPath())
		if err != nil {
			return fmt.Errorf("export cookies: %w", err)
		}
		logger.Info("loginwatch: cookies written", "path", svc.CookiesPath(), "count", n)
	}
	return printJSON(st)
}

func runServeMCP(ctx context.Context, logger *slog.Logger, cfg *loginwatch.Config) error {
	svc, err := loginwatch.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	srv := newMCPServer(svc)
	logger.Info("loginwatch: serving MCP on stdio")
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp: %w", err)
	}
	return nil
}

func runServeHTTP(ctx context.Context, logger *slog.Logger, cfg *loginwatch.Config, args []string) error {
	fs := flag.NewFlagSet("serve-http", flag.ExitOnError)
	addr := fs.String("addr", cfg.HTTP.Addr, "listen address")
	fs.Parse(args)

	svc, err := loginwatch.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           svc.Handler(newMCPServer(svc)),
		ReadHeaderTimeout: 10 * time.Second,
		// A check may restart the browser; leave room for launch + settle.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("loginwatch: http listening", "addr", *addr, "auth", cfg.HTTP.BasicAuthUser != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("loginwatch: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("loginwatch: shutdown", "error", err)
	}
	return nil
}

func runHistory(ctx context.Context, cfg *loginwatch.Config, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 20, "max entries")
	pruneOlder := fs.Duration("prune-older", 0, "delete entries older than this before listing")
	fs.Parse(args)

	hist, err := loginwatch.OpenHistory(cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer hist.Close()

	if *pruneOlder > 0 {
		n, err := hist.Prune(ctx, time.Now().Add(-*pruneOlder))
		if err != nil {
			return err
		}
		slog.Info("loginwatch: history pruned", "deleted", n)
	}

	entries, err := hist.Recent(ctx, *limit)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []loginwatch.HistoryEntry{}
	}
	return printJSON(entries)
}

func newMCPServer(svc *loginwatch.Service) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "loginwatch", Version: version}, nil)
	svc.RegisterMCP(srv)
	return srv
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
