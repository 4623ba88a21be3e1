// CLAUDE:SUMMARY Owns the single remote-debugging session to a running Chrome: attach, navigate, evaluate, poll, read and restore cookies, screenshot, invalidate.
// Package cdp attaches to an already running Chrome over its remote-debugging
// port and exposes the few operations the login resolver needs.
//
// The client never launches or closes the browser and never reconnects on
// its own. A Handle names one attachment; it is replaced on every Connect and
// any operation on a replaced or invalidated handle fails with stale_handle.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	rodcdp "github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Config configures a Client.
type Config struct {
	// Host and Port of the remote-debugging endpoint. Defaults: 127.0.0.1:9333.
	Host string
	Port int

	// TargetMatch selects the page target to reuse: the first page whose URL
	// contains it. Default: "xiaohongshu.com".
	TargetMatch string

	ConnectTimeout    time.Duration // default 5s
	NavigationTimeout time.Duration // default 15s
	EvaluationTimeout time.Duration // default 10s
	PollInterval      time.Duration // default 250ms

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port <= 0 {
		c.Port = 9333
	}
	if c.TargetMatch == "" {
		c.TargetMatch = "xiaohongshu.com"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 15 * time.Second
	}
	if c.EvaluationTimeout <= 0 {
		c.EvaluationTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Handle is one attachment to a page target.
type Handle struct {
	targetID  string
	connected atomic.Bool
	once      sync.Once

	page   *rod.Page
	ws     *rodcdp.WebSocket
	cancel context.CancelFunc
}

// NewHandle returns a connected handle that is not backed by a browser.
// Transport fakes use it.
func NewHandle(targetID string) *Handle {
	h := &Handle{targetID: targetID}
	h.connected.Store(true)
	return h
}

// TargetID returns the id of the attached page target.
func (h *Handle) TargetID() string {
	if h == nil {
		return ""
	}
	return h.targetID
}

// Connected reports whether the handle is still usable.
func (h *Handle) Connected() bool { return h != nil && h.connected.Load() }

// Disconnect marks the handle unusable and drops its websocket. The browser
// process and its tabs are left alone.
func (h *Handle) Disconnect() {
	if h == nil {
		return
	}
	h.connected.Store(false)
	h.once.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
		if h.ws != nil {
			_ = h.ws.Close()
		}
	})
}

// Cookie is a browser cookie in the DevTools field naming.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	Size     int     `json:"size"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	Session  bool    `json:"session"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Client talks to one remote-debugging endpoint.
type Client struct {
	cfg  Config
	http *http.Client

	mu      sync.Mutex
	current *Handle
}

// New creates a Client. Nothing is dialled until Connect.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{cfg: cfg, http: &http.Client{}}
}

// Endpoint returns host and port of the debugging endpoint.
func (c *Client) Endpoint() (string, int) { return c.cfg.Host, c.cfg.Port }

// Connect attaches to the endpoint and selects a page target. The returned
// handle replaces any previous one.
func (c *Client) Connect(ctx context.Context) (*Handle, error) {
	log := c.cfg.Logger
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	info, err := FetchVersion(ctx, c.http, c.cfg.Host, c.cfg.Port)
	if err != nil {
		return nil, err
	}

	ws := &rodcdp.WebSocket{}
	if err := ws.Connect(ctx, info.WebSocketDebuggerURL, nil); err != nil {
		return nil, newErr(dialKind(err), "connect", fmt.Errorf("websocket: %w", err))
	}

	// The browser object lives as long as the handle; ctx only bounds the
	// attach phase.
	hctx, hcancel := context.WithCancel(context.Background())
	h := &Handle{ws: ws, cancel: hcancel}

	page, err := c.attach(ctx, hctx, ws)
	if err != nil {
		h.Disconnect()
		return nil, err
	}
	h.page = page
	h.targetID = string(page.TargetID)
	h.connected.Store(true)

	c.mu.Lock()
	old := c.current
	c.current = h
	c.mu.Unlock()
	old.Disconnect()

	log.Info("cdp: attached", "browser", info.Browser, "target", h.targetID)
	return h, nil
}

// attach runs the browser handshake and picks a page. It gives up when ctx
// ends by closing the websocket under the pending calls.
func (c *Client) attach(ctx, hctx context.Context, ws *rodcdp.WebSocket) (*rod.Page, error) {
	type result struct {
		page *rod.Page
		err  error
	}
	done := make(chan result, 1)

	go func() {
		b := rod.New().Context(hctx).Client(rodcdp.New().Start(ws)).NoDefaultDevice()
		if err := b.Connect(); err != nil {
			done <- result{err: fmt.Errorf("handshake: %w", err)}
			return
		}
		page, err := c.pickPage(b)
		done <- result{page: page, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, newErr(dialKind(r.err), "connect", r.err)
		}
		return r.page, nil
	case <-ctx.Done():
		_ = ws.Close()
		return nil, newErr(KindHandshakeTimeout, "connect", ctx.Err())
	}
}

// pickPage reuses the first page target matching TargetMatch, then the
// first page target, and creates a stealth page only when none exists.
func (c *Client) pickPage(b *rod.Browser) (*rod.Page, error) {
	res, err := proto.TargetGetTargets{}.Call(b)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}

	var first, match proto.TargetTargetID
	for _, t := range res.TargetInfos {
		if t.Type != proto.TargetTargetInfoTypePage {
			continue
		}
		if first == "" {
			first = t.TargetID
		}
		if strings.Contains(t.URL, c.cfg.TargetMatch) {
			match = t.TargetID
			break
		}
	}

	id := match
	if id == "" {
		id = first
	}
	if id == "" {
		c.cfg.Logger.Info("cdp: no page target, opening one")
		page, err := stealth.Page(b)
		if err != nil {
			return nil, fmt.Errorf("create page: %w", err)
		}
		return page, nil
	}

	page, err := b.PageFromTarget(id)
	if err != nil {
		return nil, fmt.Errorf("attach target %s: %w", id, err)
	}
	return page, nil
}

// Current returns the handle of the last successful Connect, or nil.
func (c *Client) Current() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Invalidate disconnects h. It is a no-op for handles already replaced.
func (c *Client) Invalidate(h *Handle) {
	c.mu.Lock()
	if c.current == h {
		c.current = nil
	}
	c.mu.Unlock()
	h.Disconnect()
}

func (c *Client) pageOf(h *Handle, op string) (*rod.Page, error) {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if h == nil || h != cur || !h.Connected() || h.page == nil {
		return nil, newErr(KindStaleHandle, op, nil)
	}
	return h.page, nil
}

// Navigate loads url in the handle's tab and waits for the load event.
func (c *Client) Navigate(ctx context.Context, h *Handle, url string) error {
	page, err := c.pageOf(h, "navigate")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.NavigationTimeout)
	defer cancel()

	p := page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return newErr(KindNavigationTimeout, "navigate", fmt.Errorf("%s: %w", url, err))
	}
	if err := p.WaitLoad(); err != nil {
		return newErr(KindNavigationTimeout, "navigate", fmt.Errorf("%s: wait load: %w", url, err))
	}
	return nil
}

// Evaluate runs script, a JS function expression, in the page and returns
// its result by value.
func (c *Client) Evaluate(ctx context.Context, h *Handle, script string) (json.RawMessage, error) {
	page, err := c.pageOf(h, "evaluate")
	if err != nil {
		return nil, err
	}
	raw, err := c.eval(ctx, page, script)
	if err != nil {
		return nil, newErr(KindEvaluationError, "evaluate", err)
	}
	return raw, nil
}

func (c *Client) eval(ctx context.Context, page *rod.Page, script string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.EvaluationTimeout)
	defer cancel()

	obj, err := page.Context(ctx).Evaluate(rod.Eval(script))
	if err != nil {
		return nil, err
	}
	data, err := obj.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return json.RawMessage(data), nil
}

// WaitFor polls predicate, a JS function returning a boolean, until it is
// true or timeout elapses. A timeout is reported as false with a nil error;
// script exceptions count as false. Only a lost handle or connection is an
// error.
func (c *Client) WaitFor(ctx context.Context, h *Handle, predicate string, timeout time.Duration) (bool, error) {
	page, err := c.pageOf(h, "wait")
	if err != nil {
		return false, err
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		raw, err := c.eval(wctx, page, predicate)
		switch {
		case err == nil:
			if strings.TrimSpace(string(raw)) == "true" {
				return true, nil
			}
		case ctx.Err() != nil:
			return false, ctx.Err()
		case wctx.Err() != nil:
			return false, nil
		case !pageLevel(err):
			return false, newErr(KindEvaluationError, "wait", err)
		}

		if !h.Connected() {
			return false, newErr(KindStaleHandle, "wait", nil)
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-wctx.Done():
			return false, nil
		case <-ticker.C:
		}
	}
}

// pageLevel reports whether err came from the page rather than the channel:
// a script exception or a protocol error such as a destroyed context during
// navigation.
func pageLevel(err error) bool {
	var evalErr *rod.EvalError
	if errors.As(err, &evalErr) {
		return true
	}
	var protoErr *rodcdp.Error
	return errors.As(err, &protoErr)
}

// Cookies returns the browser cookies applicable to urls, or to the tab's
// current URL when urls is empty.
func (c *Client) Cookies(ctx context.Context, h *Handle, urls []string) ([]Cookie, error) {
	page, err := c.pageOf(h, "cookies")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.EvaluationTimeout)
	defer cancel()

	raw, err := page.Context(ctx).Cookies(urls)
	if err != nil {
		return nil, newErr(KindEvaluationError, "cookies", err)
	}
	out := make([]Cookie, 0, len(raw))
	for _, ck := range raw {
		out = append(out, Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Expires:  float64(ck.Expires),
			Size:     ck.Size,
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
			Session:  ck.Session,
			SameSite: string(ck.SameSite),
		})
	}
	return out, nil
}

// SetCookies installs cookies in the browser. Entries without a name or
// domain are skipped; an empty list is a no-op and never clears the jar.
func (c *Client) SetCookies(ctx context.Context, h *Handle, cookies []Cookie) error {
	page, err := c.pageOf(h, "set_cookies")
	if err != nil {
		return err
	}
	params := CookieParams(cookies)
	if len(params) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.EvaluationTimeout)
	defer cancel()

	if err := page.Context(ctx).SetCookies(params); err != nil {
		return newErr(KindEvaluationError, "set_cookies", err)
	}
	return nil
}

// CookieParams converts exported cookies to Network.setCookies parameters.
// Path defaults to "/"; expiry is kept only for persistent cookies.
func CookieParams(cookies []Cookie) []*proto.NetworkCookieParam {
	out := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, ck := range cookies {
		if ck.Name == "" || ck.Domain == "" {
			continue
		}
		p := &proto.NetworkCookieParam{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Secure:   ck.Secure,
			HTTPOnly: ck.HTTPOnly,
			SameSite: proto.NetworkCookieSameSite(ck.SameSite),
		}
		if p.Path == "" {
			p.Path = "/"
		}
		if !ck.Session && ck.Expires > 0 {
			p.Expires = proto.TimeSinceEpoch(ck.Expires)
		}
		out = append(out, p)
	}
	return out
}

// Clip is a page rectangle in CSS pixels.
type Clip struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Screenshot captures the tab as PNG: the clip rectangle when clip is
// non-nil, otherwise the full scrollable page.
func (c *Client) Screenshot(ctx context.Context, h *Handle, clip *Clip) ([]byte, error) {
	page, err := c.pageOf(h, "screenshot")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.EvaluationTimeout)
	defer cancel()

	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}
	if clip != nil {
		req.CaptureBeyondViewport = true
		req.Clip = &proto.PageViewport{X: clip.X, Y: clip.Y, Width: clip.Width, Height: clip.Height, Scale: 1}
	}
	data, err := page.Context(ctx).Screenshot(clip == nil, req)
	if err != nil {
		return nil, newErr(KindEvaluationError, "screenshot", err)
	}
	return data, nil
}

// Close invalidates the current handle.
func (c *Client) Close() {
	c.Invalidate(c.Current())
}
