package loginwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/xhsmcp/loginwatch/internal/cdp"
	"github.com/hazyhaar/xhsmcp/loginwatch/loginstate"
)

const entry = "https://www.xiaohongshu.com/explore"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func snapJSON(feed, login, qr bool, qrData string, captcha bool, url string) json.RawMessage {
	data := "null"
	if qrData != "" {
		data = fmt.Sprintf("%q", qrData)
	}
	return json.RawMessage(fmt.Sprintf(`{"url":%q,"has_feed_cards":%t,"has_login_button":%t,"has_qr_image":%t,
		"qr_image_data":%s,"has_captcha_marker":%t,"captcha_source":null,"raw_text_hints":[]}`,
		url, feed, login, qr, data, captcha))
}

var (
	feedSnap   = snapJSON(true, false, false, "", false, entry)
	qrSnap     = snapJSON(false, true, true, "data:image/png;base64,iVBORw0KGgo=", false, entry)
	refused    = &cdp.TransportError{Kind: cdp.KindConnectionRefused, Op: "connect", Err: errors.New("connection refused")}
	navTimeout = &cdp.TransportError{Kind: cdp.KindNavigationTimeout, Op: "navigate", Err: context.DeadlineExceeded}
)

// fakeTransport scripts the debugging channel. Error slices are consumed one
// per call; probe results are consumed in order and the last one repeats.
type fakeTransport struct {
	mu sync.Mutex

	connectErrs []error
	navErrs     []error
	evalErrs    []error
	waitErr     error
	results     []json.RawMessage
	cookies     []cdp.Cookie
	cookieURLs  []string
	restored    [][]cdp.Cookie
	clip        json.RawMessage
	shotErr     error
	shots       []*cdp.Clip

	connects      int
	navigated     []string
	evals         int
	waits         int
	invalidations int
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeTransport) Connect(ctx context.Context) (*cdp.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if err := pop(&f.connectErrs); err != nil {
		return nil, err
	}
	return cdp.NewHandle(fmt.Sprintf("target-%d", f.connects)), nil
}

func (f *fakeTransport) Navigate(ctx context.Context, h *cdp.Handle, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !h.Connected() {
		return &cdp.TransportError{Kind: cdp.KindStaleHandle, Op: "navigate"}
	}
	f.navigated = append(f.navigated, url)
	return pop(&f.navErrs)
}

func (f *fakeTransport) Evaluate(ctx context.Context, h *cdp.Handle, script string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !h.Connected() {
		return nil, &cdp.TransportError{Kind: cdp.KindStaleHandle, Op: "evaluate"}
	}
	if strings.Contains(script, "getBoundingClientRect") {
		if f.clip == nil {
			return json.RawMessage(`null`), nil
		}
		return f.clip, nil
	}
	f.evals++
	if err := pop(&f.evalErrs); err != nil {
		return nil, err
	}
	if len(f.results) == 0 {
		return json.RawMessage(`null`), nil
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res, nil
}

func (f *fakeTransport) WaitFor(ctx context.Context, h *cdp.Handle, predicate string, timeout time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits++
	if f.waitErr != nil {
		return false, f.waitErr
	}
	return true, nil
}

func (f *fakeTransport) Cookies(ctx context.Context, h *cdp.Handle, urls []string) ([]cdp.Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cookieURLs = urls
	return f.cookies, nil
}

func (f *fakeTransport) SetCookies(ctx context.Context, h *cdp.Handle, cookies []cdp.Cookie) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = append(f.restored, cookies)
	return nil
}

func (f *fakeTransport) Screenshot(ctx context.Context, h *cdp.Handle, clip *cdp.Clip) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !h.Connected() {
		return nil, &cdp.TransportError{Kind: cdp.KindStaleHandle, Op: "screenshot"}
	}
	f.shots = append(f.shots, clip)
	if f.shotErr != nil {
		return nil, f.shotErr
	}
	if clip != nil {
		return []byte("cropped"), nil
	}
	return []byte("full"), nil
}

func (f *fakeTransport) Invalidate(h *cdp.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidations++
	h.Disconnect()
}

type fakeRestarter struct {
	calls int
	err   error
}

func (r *fakeRestarter) Ensure(ctx context.Context) error {
	r.calls++
	return r.err
}

type memRecorder struct {
	statuses []loginstate.Status
	err      error
}

func (m *memRecorder) Record(ctx context.Context, entryURL string, st loginstate.Status) error {
	m.statuses = append(m.statuses, st)
	return m.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions(tr Transport, rs Restarter, rec Recorder) Options {
	return Options{
		Transport:     tr,
		Restarter:     rs,
		Recorder:      rec,
		Now:           func() time.Time { return fixedNow },
		SettleTimeout: 50 * time.Millisecond,
		Logger:        quietLogger(),
	}
}

func newTestResolver(tr Transport, rs Restarter, rec Recorder) *Resolver {
	return NewResolver(testOptions(tr, rs, rec))
}

func TestEnsureLoginStatus_LoggedIn(t *testing.T) {
	tr := &fakeTransport{results: []json.RawMessage{feedSnap}}
	r := newTestResolver(tr, nil, nil)

	st, err := r.EnsureLoginStatus(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != loginstate.StateLoggedIn {
		t.Fatalf("state: got %q (%s)", st.State, st.Detail)
	}
	if !st.CheckedAt.Equal(fixedNow) {
		t.Errorf("checked_at: got %v", st.CheckedAt)
	}
	if len(tr.navigated) != 1 || tr.navigated[0] != entry {
		t.Errorf("navigated: %v", tr.navigated)
	}
	if tr.waits != 1 {
		t.Errorf("settle waits: got %d, want 1", tr.waits)
	}
}

func TestEnsureLoginStatus_QRPayload(t *testing.T) {
	tr := &fakeTransport{results: []json.RawMessage{qrSnap}}
	r := newTestResolver(tr, nil, nil)

	st, _ := r.EnsureLoginStatus(context.Background(), entry)
	if st.State != loginstate.StateNeedsQRScan || st.QRPayload != "data:image/png;base64,iVBORw0KGgo=" {
		t.Errorf("got %+v", st)
	}
}

func TestEnsureLoginStatus_InvalidURL(t *testing.T) {
	for _, raw := range []string{"", "explore", "/explore", "ftp://www.xiaohongshu.com", "https://", "://bad"} {
		tr := &fakeTransport{}
		r := newTestResolver(tr, nil, nil)
		_, err := r.EnsureLoginStatus(context.Background(), raw)
		if !errors.Is(err, ErrInvalidEntryURL) {
			t.Errorf("%q: got %v, want ErrInvalidEntryURL", raw, err)
		}
		if tr.connects != 0 {
			t.Errorf("%q: transport touched", raw)
		}
	}
}

func TestEnsureLoginStatus_RestartsExhausted(t *testing.T) {
	tr := &fakeTransport{connectErrs: []error{refused, refused, refused, refused}}
	rs := &fakeRestarter{}
	r := newTestResolver(tr, rs, nil)

	st, err := r.EnsureLoginStatus(context.Background(), entry)
	if err != nil {
		t.Fatalf("browser failure must not be an error: %v", err)
	}
	if st.State != loginstate.StateBrowserOffline {
		t.Fatalf("state: got %q", st.State)
	}
	if !strings.Contains(st.Detail, "connection_refused") {
		t.Errorf("detail should name the failure: %q", st.Detail)
	}
	if rs.calls != 2 {
		t.Errorf("restart cycles: got %d, want 2", rs.calls)
	}
	if tr.connects != 3 {
		t.Errorf("connects: got %d, want 3", tr.connects)
	}
	if r.Restarts() != 2 {
		t.Errorf("Restarts(): got %d", r.Restarts())
	}
	if st.HasQRPayload() {
		t.Error("offline status carries a QR payload")
	}
}

func TestEnsureLoginStatus_RestartRecovers(t *testing.T) {
	tr := &fakeTransport{connectErrs: []error{refused}, results: []json.RawMessage{qrSnap}}
	rs := &fakeRestarter{}
	r := newTestResolver(tr, rs, nil)

	st, _ := r.EnsureLoginStatus(context.Background(), entry)
	if st.State != loginstate.StateNeedsQRScan {
		t.Fatalf("state: got %q (%s)", st.State, st.Detail)
	}
	if rs.calls != 1 {
		t.Errorf("restart cycles: got %d, want 1", rs.calls)
	}
}

func TestEnsureLoginStatus_RestartError(t *testing.T) {
	tr := &fakeTransport{connectErrs: []error{refused}}
	rs := &fakeRestarter{err: errors.New("no chrome executable found")}
	r := newTestResolver(tr, rs, nil)

	st, _ := r.EnsureLoginStatus(context.Background(), entry)
	if st.State != loginstate.StateBrowserOffline {
		t.Fatalf("state: got %q", st.State)
	}
	if !strings.Contains(st.Detail, "no chrome executable found") {
		t.Errorf("detail should carry the restart failure: %q", st.Detail)
	}
	if tr.connects != 1 {
		t.Errorf("reconnect attempted after failed restart: %d connects", tr.connects)
	}
}

func TestEnsureLoginStatus_NavigateFailsOnce(t *testing.T) {
	tr := &fakeTransport{navErrs: []error{navTimeout}, results: []json.RawMessage{feedSnap}}
	r := newTestResolver(tr, &fakeRestarter{}, nil)

	st, _ := r.EnsureLoginStatus(context.Background(), entry)
	if st.State == loginstate.StateBrowserOffline {
		t.Fatalf("single failure must be recovered: %s", st.Detail)
	}
	if st.State != loginstate.StateLoggedIn {
		t.Errorf("state: got %q", st.State)
	}
	if tr.connects != 2 || tr.invalidations != 1 {
		t.Errorf("connects=%d invalidations=%d, want 2 and 1", tr.connects, tr.invalidations)
	}
}

func TestEnsureLoginStatus_NavigateFailsTwice(t *testing.T) {
	tr := &fakeTransport{navErrs: []error{navTimeout, navTimeout}, results: []json.RawMessage{feedSnap}}
	r := newTestResolver(tr, &fakeRestarter{}, nil)

	st, _ := r.EnsureLoginStatus(context.Background(), entry)
	if st.State != loginstate.StateBrowserOffline {
		t.Fatalf("state: got %q", st.State)
	}
	if !strings.Contains(st.Detail, "navigation_timeout") {
		t.Errorf("detail: %q", st.Detail)
	}
	if tr.connects != 2 {
		t.Errorf("connects: got %d, want 2", tr.connects)
	}
}

func TestEnsureLoginStatus_RestartBudgetSharedByRetry(t *testing.T) {
	// Connect fails, a restart recovers, navigation fails; the retry's
	// reconnect may only spend what the first attempt left over.
	tr := &fakeTransport{
		connectErrs: []error{refused, nil, refused, refused, refused},
		navErrs:     []error{navTimeout},
		results:     []json.RawMessage{feedSnap},
	}
	rs := &fakeRestarter{}
	r := newTestResolver(tr, rs, nil)

	st, err := r.EnsureLoginStatus(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != loginstate.StateBrowserOffline {
		t.Fatalf("state: got %q (%s)", st.State, st.Detail)
	}
	if rs.calls != 2 || r.Restarts() != 2 {
		t.Errorf("restart cycles: got %d (Restarts()=%d), want 2", rs.calls, r.Restarts())
	}
	if tr.connects != 4 {
		t.Errorf("connects: got %d, want 4", tr.connects)
	}

	// The budget is per call: the next call may restart again.
	tr.connectErrs = []error{refused}
	if st, _ := r.EnsureLoginStatus(context.Background(), entry); st.State != loginstate.StateLoggedIn {
		t.Errorf("next call: got %q (%s)", st.State, st.Detail)
	}
	if rs.calls != 3 {
		t.Errorf("restart cycles after next call: got %d, want 3", rs.calls)
	}
}

func TestEnsureLoginStatus_RecoversAfterOffline(t *testing.T) {
	tr := &fakeTransport{connectErrs: []error{refused}, results: []json.RawMessage{feedSnap}}
	rec := &memRecorder{}
	r := newTestResolver(tr, nil, rec)

	st, err := r.EnsureLoginStatus(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != loginstate.StateBrowserOffline {
		t.Fatalf("first call: got %q", st.State)
	}

	st, err = r.EnsureLoginStatus(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != loginstate.StateLoggedIn {
		t.Fatalf("second call: got %q (%s)", st.State, st.Detail)
	}
	if tr.connects != 2 {
		t.Errorf("connects: got %d, want 2", tr.connects)
	}
	if last, _ := r.LastStatus(); last.State != loginstate.StateLoggedIn {
		t.Errorf("LastStatus kept the offline status: %q", last.State)
	}
	if len(rec.statuses) != 2 {
		t.Errorf("recorded %d statuses, want 2", len(rec.statuses))
	}
}

func TestEnsureLoginStatus_Idempotent(t *testing.T) {
	for name, snap := range map[string]json.RawMessage{"feed": feedSnap, "qr": qrSnap} {
		tr := &fakeTransport{results: []json.RawMessage{snap}}
		r := newTestResolver(tr, nil, nil)

		first, err := r.EnsureLoginStatus(context.Background(), entry)
		if err != nil {
			t.Fatal(err)
		}
		second, err := r.EnsureLoginStatus(context.Background(), entry)
		if err != nil {
			t.Fatal(err)
		}
		if first != second {
			t.Errorf("%s: consecutive calls differ: %+v vs %+v", name, first, second)
		}
	}
}

func TestEnsureLoginStatus_CancelledKeepsSession(t *testing.T) {
	tr := &fakeTransport{results: []json.RawMessage{feedSnap}}
	rec := &memRecorder{}
	r := newTestResolver(tr, &fakeRestarter{}, rec)

	if _, err := r.EnsureLoginStatus(context.Background(), entry); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr.waitErr = context.Canceled
	st, err := r.EnsureLoginStatus(ctx, entry)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %+v, %v; want context.Canceled", st, err)
	}
	if st.State == loginstate.StateBrowserOffline {
		t.Error("cancellation reported as browser_offline")
	}
	if tr.invalidations != 0 {
		t.Errorf("cancellation dropped the session: %d invalidations", tr.invalidations)
	}
	if len(rec.statuses) != 1 {
		t.Errorf("cancelled call recorded: %d statuses", len(rec.statuses))
	}
	if last, _ := r.LastStatus(); last.State != loginstate.StateLoggedIn {
		t.Errorf("LastStatus overwritten: %q", last.State)
	}

	tr.waitErr = nil
	if st, err := r.EnsureLoginStatus(context.Background(), entry); err != nil || st.State != loginstate.StateLoggedIn {
		t.Errorf("after cancel: %+v, %v", st, err)
	}
	if tr.connects != 1 {
		t.Errorf("connects: got %d, want 1", tr.connects)
	}
}

func TestEnsureLoginStatus_CancelledDuringConnect(t *testing.T) {
	tr := &fakeTransport{connectErrs: []error{refused}}
	rs := &fakeRestarter{}
	r := newTestResolver(tr, rs, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.EnsureLoginStatus(ctx, entry); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if rs.calls != 0 {
		t.Errorf("restarted after cancellation: %d", rs.calls)
	}
}

var (
	errorPageSnap = json.RawMessage(`{"url":"https://www.xiaohongshu.com/website-login/error","has_feed_cards":false,
		"has_login_button":false,"has_qr_image":false,"has_captcha_marker":false,"has_error_page":true,
		"raw_text_hints":["网络连接异常"]}`)
	captchaSnap = snapJSON(false, false, false, "", true, "https://www.xiaohongshu.com/website-login/captcha?redirectPath=x")
)

func TestEnsureLoginStatus_ErrorPageOpensVerification(t *testing.T) {
	tr := &fakeTransport{results: []json.RawMessage{errorPageSnap, captchaSnap}}
	r := newTestResolver(tr, nil, nil)

	st, err := r.EnsureLoginStatus(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != loginstate.StateCaptchaGate {
		t.Fatalf("state: got %q (%s)", st.State, st.Detail)
	}
	want := []string{entry, "https://www.xiaohongshu.com/website-login/captcha?redirectPath=" + url.QueryEscape(entry)}
	if fmt.Sprint(tr.navigated) != fmt.Sprint(want) {
		t.Errorf("navigated: got %v, want %v", tr.navigated, want)
	}
	if tr.invalidations != 0 {
		t.Error("error page dropped the session")
	}
}

func TestCheckCurrent_ErrorPageNotNavigated(t *testing.T) {
	tr := &fakeTransport{results: []json.RawMessage{errorPageSnap}}
	r := newTestResolver(tr, nil, nil)

	st, err := r.CheckCurrent(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.State != loginstate.StateUnknown || !strings.Contains(st.Detail, "site error page") {
		t.Errorf("got %q (%s)", st.State, st.Detail)
	}
	if len(tr.navigated) != 0 {
		t.Errorf("navigated: %v", tr.navigated)
	}
}

func TestErrorRecoveryURL(t *testing.T) {
	const path = "/website-login/captcha"
	got := errorRecoveryURL(entry, "https://www.xiaohongshu.com/website-login/error?redirectPath=https%3A%2F%2Fwww.xiaohongshu.com%2Fuser%3Fa%3D1", path)
	if want := "https://www.xiaohongshu.com/website-login/captcha?redirectPath=https%3A%2F%2Fwww.xiaohongshu.com%2Fuser%3Fa%3D1"; got != want {
		t.Errorf("with redirectPath: got %q", got)
	}
	got = errorRecoveryURL(entry, "https://www.xiaohongshu.com/website-login/error", path)
	if want := "https://www.xiaohongshu.com/website-login/captcha?redirectPath=" + url.QueryEscape(entry); got != want {
		t.Errorf("without redirectPath: got %q", got)
	}
}

func TestCookieRestore(t *testing.T) {
	saved := []cdp.Cookie{
		{Name: "web_session", Value: "s3cr3t", Domain: ".xiaohongshu.com", Path: "/", HTTPOnly: true, Secure: true, Expires: 1.8e9},
		{Name: "a1", Value: "x", Domain: "www.xiaohongshu.com", Path: "/", Session: true},
	}
	path := filepath.Join(t.TempDir(), "cookies.json")
	if err := writePrivateJSON(path, CookieExport{Cookies: saved, ExportedFrom: "loginwatch", ExportedAt: fixedNow}); err != nil {
		t.Fatal(err)
	}

	tr := &fakeTransport{results: []json.RawMessage{feedSnap}}
	opts := testOptions(tr, nil, nil)
	opts.CookieFile = path
	r := NewResolver(opts)

	for i := 0; i < 2; i++ {
		if _, err := r.EnsureLoginStatus(context.Background(), entry); err != nil {
			t.Fatal(err)
		}
	}
	if len(tr.restored) != 1 {
		t.Fatalf("restores: got %d, want 1 per session", len(tr.restored))
	}
	if !reflect.DeepEqual(tr.restored[0], saved) {
		t.Errorf("restored: got %+v", tr.restored[0])
	}

	r.Close()
	if _, err := r.EnsureLoginStatus(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
	if len(tr.restored) != 2 {
		t.Errorf("new session not restored: %d", len(tr.restored))
	}
}

func TestCookieRestore_MissingFile(t *testing.T) {
	tr := &fakeTransport{results: []json.RawMessage{feedSnap}}
	opts := testOptions(tr, nil, nil)
	opts.CookieFile = filepath.Join(t.TempDir(), "none.json")
	r := NewResolver(opts)

	st, err := r.EnsureLoginStatus(context.Background(), entry)
	if err != nil || st.State != loginstate.StateLoggedIn {
		t.Fatalf("got %+v, %v", st, err)
	}
	if len(tr.restored) != 0 {
		t.Errorf("restored from a missing file: %v", tr.restored)
	}
}

func TestCaptureVerification(t *testing.T) {
	tr := &fakeTransport{results: []json.RawMessage{captchaSnap}, clip: json.RawMessage(`{"x":10,"y":20,"width":300,"height":180}`)}
	r := newTestResolver(tr, nil, nil)

	if _, _, err := r.CaptureVerification(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("before any check: got %v", err)
	}
	if _, err := r.EnsureLoginStatus(context.Background(), entry); err != nil {
		t.Fatal(err)
	}

	cropped, full, err := r.CaptureVerification(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if string(cropped) != "cropped" || string(full) != "full" {
		t.Errorf("got %q, %q", cropped, full)
	}
	if len(tr.shots) != 2 || tr.shots[0] == nil || *tr.shots[0] != (cdp.Clip{X: 10, Y: 20, Width: 300, Height: 180}) || tr.shots[1] != nil {
		t.Errorf("shots: %+v", tr.shots)
	}
	if tr.evals != 1 {
		t.Errorf("locating the image consumed a page observation: %d evals", tr.evals)
	}
}

func TestCaptureVerification_NoImage(t *testing.T) {
	tr := &fakeTransport{results: []json.RawMessage{qrSnap}}
	r := newTestResolver(tr, nil, nil)
	r.EnsureLoginStatus(context.Background(), entry)

	cropped, full, err := r.CaptureVerification(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if cropped != nil || string(full) != "full" {
		t.Errorf("got %q, %q", cropped, full)
	}
}

func TestEnsureLoginStatus_EvaluateFailure(t *testing.T) {
	evalErr := &cdp.TransportError{Kind: cdp.KindEvaluationError, Op: "evaluate", Err: errors.New("websocket closed")}
	tr := &fakeTransport{evalErrs: []error{evalErr, evalErr}, results: []json.RawMessage{feedSnap}}
	r := newTestResolver(tr, nil, nil)

	st, _ := r.EnsureLoginStatus(context.Background(), entry)
	if st.State != loginstate.StateBrowserOffline || !strings.Contains(st.Detail, "evaluation_error") {
		t.Errorf("got %+v", st)
	}
}

func TestEnsureLoginStatus_UndecodableNeverLoggedIn(t *testing.T) {
	for _, raw := range []string{`null`, `"feed"`, `{"has_feed_cards":true}`, `[true]`} {
		tr := &fakeTransport{results: []json.RawMessage{json.RawMessage(raw)}}
		r := newTestResolver(tr, nil, nil)

		st, err := r.EnsureLoginStatus(context.Background(), entry)
		if err != nil {
			t.Fatal(err)
		}
		if st.State != loginstate.StateUnknown {
			t.Errorf("%s: got %q, want unknown", raw, st.State)
		}
		if tr.invalidations != 0 {
			t.Errorf("%s: decode failure must not drop the session", raw)
		}
	}
}

func TestEnsureLoginStatus_ReusesHandle(t *testing.T) {
	tr := &fakeTransport{results: []json.RawMessage{feedSnap}}
	r := newTestResolver(tr, nil, nil)

	for i := 0; i < 3; i++ {
		if _, err := r.EnsureLoginStatus(context.Background(), entry); err != nil {
			t.Fatal(err)
		}
	}
	if tr.connects != 1 {
		t.Errorf("connects: got %d, want 1", tr.connects)
	}

	r.Close()
	if _, err := r.EnsureLoginStatus(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
	if tr.connects != 2 {
		t.Errorf("connects after Close: got %d, want 2", tr.connects)
	}
}

func TestEnsureLoginStatus_Serialized(t *testing.T) {
	tr := &fakeTransport{results: []json.RawMessage{feedSnap}}
	r := newTestResolver(tr, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.EnsureLoginStatus(context.Background(), entry)
		}()
	}
	wg.Wait()
	if tr.connects != 1 {
		t.Errorf("concurrent calls opened %d sessions, want 1", tr.connects)
	}
	if len(tr.navigated) != 8 {
		t.Errorf("navigations: got %d, want 8", len(tr.navigated))
	}
}

func TestCheckCurrent_DoesNotNavigate(t *testing.T) {
	tr := &fakeTransport{results: []json.RawMessage{qrSnap, feedSnap}}
	r := newTestResolver(tr, nil, nil)

	if _, err := r.EnsureLoginStatus(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
	st, err := r.CheckCurrent(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.State != loginstate.StateLoggedIn {
		t.Errorf("state: got %q", st.State)
	}
	if len(tr.navigated) != 1 {
		t.Errorf("CheckCurrent navigated: %v", tr.navigated)
	}
	last, ok := r.LastStatus()
	if !ok || last.State != loginstate.StateLoggedIn {
		t.Errorf("LastStatus: %+v %v", last, ok)
	}
}

func TestRecorder(t *testing.T) {
	rec := &memRecorder{err: errors.New("disk full")}
	tr := &fakeTransport{results: []json.RawMessage{feedSnap}}
	r := newTestResolver(tr, nil, rec)

	st, err := r.EnsureLoginStatus(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != loginstate.StateLoggedIn {
		t.Errorf("recorder failure changed the status: %+v", st)
	}
	if len(rec.statuses) != 1 || rec.statuses[0] != st {
		t.Errorf("recorded: %+v", rec.statuses)
	}
}

func TestWaitForLogin(t *testing.T) {
	tr := &fakeTransport{results: []json.RawMessage{qrSnap, qrSnap, feedSnap}}
	r := newTestResolver(tr, nil, nil)

	var seen []loginstate.State
	st, err := r.WaitForLogin(context.Background(), entry, WaitOptions{
		Interval: 5 * time.Millisecond,
		MaxWait:  5 * time.Second,
		OnStatus: func(s loginstate.Status) { seen = append(seen, s.State) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if st.State != loginstate.StateLoggedIn {
		t.Errorf("state: got %q", st.State)
	}
	want := []loginstate.State{loginstate.StateNeedsQRScan, loginstate.StateNeedsQRScan, loginstate.StateLoggedIn}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("progress: got %v, want %v", seen, want)
	}
	if len(tr.navigated) != 1 {
		t.Errorf("navigations: got %d, want 1", len(tr.navigated))
	}
}

func TestWaitForLogin_Timeout(t *testing.T) {
	tr := &fakeTransport{results: []json.RawMessage{qrSnap}}
	r := newTestResolver(tr, nil, nil)

	st, err := r.WaitForLogin(context.Background(), entry, WaitOptions{
		Interval: 5 * time.Millisecond,
		MaxWait:  40 * time.Millisecond,
	})
	if !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("got %v, want ErrWaitTimeout", err)
	}
	if st.State != loginstate.StateNeedsQRScan {
		t.Errorf("last status: got %q", st.State)
	}
}

func TestWaitForLogin_AlreadyLoggedIn(t *testing.T) {
	tr := &fakeTransport{results: []json.RawMessage{feedSnap}}
	r := newTestResolver(tr, nil, nil)

	st, err := r.WaitForLogin(context.Background(), entry, WaitOptions{Interval: time.Hour})
	if err != nil || st.State != loginstate.StateLoggedIn {
		t.Errorf("got %+v, %v", st, err)
	}
	if tr.evals != 1 {
		t.Errorf("probes: got %d, want 1", tr.evals)
	}
}

func TestWaitForLogin_Cancelled(t *testing.T) {
	tr := &fakeTransport{results: []json.RawMessage{qrSnap}}
	r := newTestResolver(tr, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.WaitForLogin(ctx, entry, WaitOptions{Interval: 5 * time.Millisecond, MaxWait: time.Minute})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want context deadline", err)
	}
}
