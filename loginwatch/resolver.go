// CLAUDE:SUMMARY Session resolver: attaches to the debugged browser, restarts it on failure, restores cookies, navigates, probes and classifies login state.
// Package loginwatch reports whether the persistent Chrome profile used for
// xiaohongshu is logged in, and brings the browser back when it is gone.
//
// loginwatch observes, it does not act on the page: it never clicks, fills
// forms or solves captchas. A human scans the QR code in the visible window;
// loginwatch only tells callers which state the session is in.
package loginwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/hazyhaar/xhsmcp/loginwatch/internal/cdp"
	"github.com/hazyhaar/xhsmcp/loginwatch/internal/probe"
	"github.com/hazyhaar/xhsmcp/loginwatch/loginstate"
)

// ErrInvalidEntryURL is returned for entry URLs that are not absolute http(s).
var ErrInvalidEntryURL = errors.New("loginwatch: invalid entry url")

// Transport is the debugging channel. *cdp.Client implements it.
type Transport interface {
	Connect(ctx context.Context) (*cdp.Handle, error)
	Navigate(ctx context.Context, h *cdp.Handle, url string) error
	Evaluate(ctx context.Context, h *cdp.Handle, script string) (json.RawMessage, error)
	WaitFor(ctx context.Context, h *cdp.Handle, predicate string, timeout time.Duration) (bool, error)
	Cookies(ctx context.Context, h *cdp.Handle, urls []string) ([]cdp.Cookie, error)
	SetCookies(ctx context.Context, h *cdp.Handle, cookies []cdp.Cookie) error
	Screenshot(ctx context.Context, h *cdp.Handle, clip *cdp.Clip) ([]byte, error)
	Invalidate(h *cdp.Handle)
}

// Restarter brings the browser process back. *browser.Launcher implements it.
type Restarter interface {
	Ensure(ctx context.Context) error
}

// Recorder receives every resolved status. *History implements it.
type Recorder interface {
	Record(ctx context.Context, entryURL string, st loginstate.Status) error
}

// Options configures a Resolver.
type Options struct {
	Transport Transport
	Restarter Restarter // nil disables restarts
	Recorder  Recorder  // optional

	Markers Markers

	// MaxRestarts bounds restart+reconnect cycles per call, shared by the
	// first attempt and the retry. Default: 2.
	MaxRestarts int

	// CookieFile, when set, is a cookie export restored into every new
	// session before it is used. A missing file is ignored.
	CookieFile string

	// SettleTimeout bounds the wait for any marker after navigation. Default: 8s.
	SettleTimeout time.Duration

	// Now is the clock. Default: time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = 2
	}
	if o.SettleTimeout <= 0 {
		o.SettleTimeout = 8 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Markers = o.Markers.WithDefaults()
}

// Resolver serializes login checks against one browser session.
type Resolver struct {
	opts     Options
	log      *slog.Logger
	probeJS  string
	settleJS string
	clipJS   string

	mu       sync.Mutex
	handle   *cdp.Handle
	last     loginstate.Status
	lastURL  string
	restarts int
}

// NewResolver creates a Resolver. Nothing is dialled until the first check.
func NewResolver(opts Options) *Resolver {
	opts.defaults()
	return &Resolver{
		opts:     opts,
		log:      opts.Logger,
		probeJS:  probe.Script(opts.Markers),
		settleJS: probe.SettlePredicate(opts.Markers),
		clipJS:   probe.ClipScript(opts.Markers),
	}
}

// EnsureLoginStatus navigates to entryURL and reports the login state.
// Browser failures are reported as browser_offline, never as errors. The
// only errors are a malformed entryURL and the end of ctx; neither is
// recorded, and a cancelled call leaves the session attached.
func (r *Resolver) EnsureLoginStatus(ctx context.Context, entryURL string) (loginstate.Status, error) {
	if err := ValidateEntryURL(entryURL); err != nil {
		return loginstate.Status{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.resolve(ctx, entryURL, true)
	if err != nil {
		return st, err
	}
	r.finish(ctx, entryURL, st)
	return st, nil
}

// CheckCurrent probes the tab as it is, without navigating, so a QR code
// being scanned is not replaced.
func (r *Resolver) CheckCurrent(ctx context.Context) (loginstate.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.resolve(ctx, "", false)
	if err != nil {
		return st, err
	}
	r.finish(ctx, r.lastURL, st)
	return st, nil
}

// LastStatus returns the most recent status and whether there is one.
func (r *Resolver) LastStatus() (loginstate.Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.last.State != ""
}

// Restarts returns how many restart cycles the Resolver has run.
func (r *Resolver) Restarts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarts
}

// Close drops the session. The browser keeps running.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle != nil {
		r.opts.Transport.Invalidate(r.handle)
		r.handle = nil
	}
}

// ValidateEntryURL checks that raw is an absolute http(s) URL.
func ValidateEntryURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidEntryURL, raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidEntryURL, raw)
	}
	return nil
}

// resolve runs connect, (navigate,) settle, probe and classify, with one
// full retry after a transport failure. Both attempts draw on one restart
// budget. A non-nil error is always ctx's.
func (r *Resolver) resolve(ctx context.Context, entryURL string, navigate bool) (loginstate.Status, error) {
	budget := r.opts.MaxRestarts
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		h, err := r.ensureHandle(ctx, &budget)
		if err != nil {
			if ctx.Err() != nil {
				return loginstate.Status{}, ctx.Err()
			}
			return r.offline(err), nil
		}

		st, err := r.probe(ctx, h, entryURL, navigate)
		if err == nil {
			return st, nil
		}
		if ctx.Err() != nil {
			// The caller gave up; the session itself may be fine.
			r.log.Debug("loginwatch: check cancelled", "url", entryURL, "error", err)
			return loginstate.Status{}, ctx.Err()
		}

		lastErr = err
		r.log.Warn("loginwatch: transport failure, dropping session",
			"attempt", attempt, "url", entryURL, "error", err)
		r.opts.Transport.Invalidate(h)
		r.handle = nil
	}
	return r.offline(lastErr), nil
}

// ensureHandle returns a connected handle, restarting the browser while
// *budget allows when the endpoint cannot be reached. Each cycle spends one
// unit of *budget.
func (r *Resolver) ensureHandle(ctx context.Context, budget *int) (*cdp.Handle, error) {
	if r.handle.Connected() {
		return r.handle, nil
	}

	h, err := r.opts.Transport.Connect(ctx)
	if err == nil {
		return r.attach(ctx, h), nil
	}
	r.log.Info("loginwatch: connect failed", "error", err)

	if r.opts.Restarter == nil {
		return nil, err
	}

	for *budget > 0 {
		if ctx.Err() != nil {
			return nil, err
		}
		*budget--
		r.restarts++
		cycle := r.opts.MaxRestarts - *budget
		r.log.Info("loginwatch: restarting browser", "cycle", cycle, "max", r.opts.MaxRestarts)

		if rerr := r.opts.Restarter.Ensure(ctx); rerr != nil {
			r.log.Warn("loginwatch: restart failed", "cycle", cycle, "error", rerr)
			err = fmt.Errorf("restart: %v: %w", rerr, err)
			continue
		}

		h, cerr := r.opts.Transport.Connect(ctx)
		if cerr == nil {
			return r.attach(ctx, h), nil
		}
		err = cerr
		r.log.Warn("loginwatch: reconnect after restart failed", "cycle", cycle, "error", err)
	}
	return nil, err
}

// attach installs a fresh handle and restores saved cookies into it.
// Restore failures are logged; the session is still usable.
func (r *Resolver) attach(ctx context.Context, h *cdp.Handle) *cdp.Handle {
	r.handle = h
	if r.opts.CookieFile == "" {
		return h
	}
	cookies, err := LoadCookies(r.opts.CookieFile)
	if err != nil {
		r.log.Warn("loginwatch: load saved cookies", "path", r.opts.CookieFile, "error", err)
		return h
	}
	if len(cookies) == 0 {
		return h
	}
	if err := r.opts.Transport.SetCookies(ctx, h, cookies); err != nil {
		r.log.Warn("loginwatch: restore cookies", "path", r.opts.CookieFile, "error", err)
		return h
	}
	r.log.Info("loginwatch: cookies restored", "path", r.opts.CookieFile, "count", len(cookies))
	return h
}

// probe runs one observation on h. A non-nil error means the transport
// failed; an undecodable probe result is an unknown status, not an error.
// When navigation lands on the site error page, the verification page is
// opened once with the original target as redirectPath and observed again.
func (r *Resolver) probe(ctx context.Context, h *cdp.Handle, entryURL string, navigate bool) (loginstate.Status, error) {
	tr := r.opts.Transport

	if navigate {
		if err := tr.Navigate(ctx, h, entryURL); err != nil {
			return loginstate.Status{}, err
		}
	}

	st, snap, err := r.observe(ctx, h)
	if err != nil || !navigate || !snap.HasErrorPage {
		return st, err
	}

	target := errorRecoveryURL(entryURL, snap.URL, r.opts.Markers.CaptchaRecoveryPath)
	r.log.Warn("loginwatch: site error page, opening verification", "url", snap.URL, "target", target)
	if err := tr.Navigate(ctx, h, target); err != nil {
		return loginstate.Status{}, err
	}
	st, _, err = r.observe(ctx, h)
	return st, err
}

// observe waits for the page to settle, evaluates the probe and classifies
// the result.
func (r *Resolver) observe(ctx context.Context, h *cdp.Handle) (loginstate.Status, loginstate.Snapshot, error) {
	tr := r.opts.Transport

	settled, err := tr.WaitFor(ctx, h, r.settleJS, r.opts.SettleTimeout)
	if err != nil {
		return loginstate.Status{}, loginstate.Snapshot{}, err
	}
	if !settled {
		r.log.Debug("loginwatch: no marker before settle timeout", "timeout", r.opts.SettleTimeout)
	}

	raw, err := tr.Evaluate(ctx, h, r.probeJS)
	if err != nil {
		return loginstate.Status{}, loginstate.Snapshot{}, err
	}

	now := r.opts.Now()
	snap, err := probe.Decode(raw)
	if err != nil {
		r.log.Warn("loginwatch: probe result rejected", "error", err)
		return loginstate.Unknown("probe result undecodable: "+err.Error(), now), loginstate.Snapshot{}, nil
	}
	snap.CapturedAt = now
	return loginstate.Classify(snap, loginstate.Healthy(), now), snap, nil
}

// errorRecoveryURL builds <entry origin><path>?redirectPath=<target>, where
// target is the error page's own redirectPath or else entryURL.
func errorRecoveryURL(entryURL, pageURL, path string) string {
	target := entryURL
	if u, err := url.Parse(pageURL); err == nil {
		if rp := u.Query().Get("redirectPath"); rp != "" {
			target = rp
		}
	}
	base, err := url.Parse(entryURL)
	if err != nil {
		return entryURL
	}
	return base.Scheme + "://" + base.Host + path + "?redirectPath=" + url.QueryEscape(target)
}

// ErrNoSession is returned by CaptureVerification when no session is attached.
var ErrNoSession = errors.New("loginwatch: no browser session")

// CaptureVerification screenshots the attached tab as PNG: cropped around
// the verification image when one is loaded (nil otherwise) and the full
// page. It never connects or navigates.
func (r *Resolver) CaptureVerification(ctx context.Context) (cropped, full []byte, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.handle
	if !h.Connected() {
		return nil, nil, ErrNoSession
	}
	tr := r.opts.Transport

	raw, err := tr.Evaluate(ctx, h, r.clipJS)
	if err != nil {
		r.log.Debug("loginwatch: locate verification image", "error", err)
	} else if clip := decodeClip(raw); clip != nil {
		if cropped, err = tr.Screenshot(ctx, h, clip); err != nil {
			r.log.Warn("loginwatch: cropped screenshot", "error", err)
			cropped = nil
		}
	}

	full, err = tr.Screenshot(ctx, h, nil)
	if err != nil {
		if cdp.IsTransport(err) && ctx.Err() == nil {
			tr.Invalidate(h)
			r.handle = nil
		}
		return cropped, nil, fmt.Errorf("loginwatch: screenshot: %w", err)
	}
	return cropped, full, nil
}

func decodeClip(raw json.RawMessage) *cdp.Clip {
	var c *cdp.Clip
	if err := json.Unmarshal(raw, &c); err != nil || c == nil || c.Width <= 0 || c.Height <= 0 {
		return nil
	}
	return c
}

func (r *Resolver) offline(err error) loginstate.Status {
	kind, ok := cdp.KindOf(err)
	if !ok {
		kind = "browser_unavailable"
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return loginstate.Classify(loginstate.Snapshot{}, loginstate.Offline(string(kind), reason), r.opts.Now())
}

// finish remembers and records st. Recorder failures never alter st.
func (r *Resolver) finish(ctx context.Context, entryURL string, st loginstate.Status) {
	r.last = st
	if entryURL != "" {
		r.lastURL = entryURL
	}

	r.log.Info("loginwatch: status",
		"state", st.State, "detail", st.Detail, "qr", st.HasQRPayload(), "url", entryURL)

	if r.opts.Recorder != nil {
		if err := r.opts.Recorder.Record(ctx, entryURL, st); err != nil {
			r.log.Warn("loginwatch: record status", "error", err)
		}
	}
}
