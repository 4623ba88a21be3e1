package loginwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/xhsmcp/loginwatch/internal/cdp"
	"github.com/hazyhaar/xhsmcp/loginwatch/loginstate"
	"golang.org/x/net/publicsuffix"
)

// ErrNotLoggedIn is returned by ExportCookies unless the last check found
// the session logged in.
var ErrNotLoggedIn = errors.New("loginwatch: session is not logged in")

// Cookie is a browser cookie as exported.
type Cookie = cdp.Cookie

// CookieExport is the file written by ExportCookies.
type CookieExport struct {
	Cookies      []Cookie  `json:"cookies"`
	ExportedFrom string    `json:"exported_from"`
	ExportedAt   time.Time `json:"exported_at"`
}

// ExportCookies writes the session cookies of entryURL's registrable domain
// to path with 0600 permissions and returns how many were written.
func (r *Resolver) ExportCookies(ctx context.Context, entryURL, path string) (int, error) {
	if err := ValidateEntryURL(entryURL); err != nil {
		return 0, err
	}
	domain, err := registrableDomain(entryURL)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.last.State != loginstate.StateLoggedIn {
		return 0, ErrNotLoggedIn
	}

	budget := r.opts.MaxRestarts
	h, err := r.ensureHandle(ctx, &budget)
	if err != nil {
		return 0, fmt.Errorf("loginwatch: export cookies: %w", err)
	}
	all, err := r.opts.Transport.Cookies(ctx, h, []string{entryURL, "https://" + domain + "/"})
	if err != nil {
		if cdp.IsTransport(err) && ctx.Err() == nil {
			r.opts.Transport.Invalidate(h)
			r.handle = nil
		}
		return 0, fmt.Errorf("loginwatch: export cookies: %w", err)
	}

	kept := FilterCookies(all, domain)
	export := CookieExport{
		Cookies:      kept,
		ExportedFrom: "loginwatch",
		ExportedAt:   r.opts.Now().UTC(),
	}
	if err := writePrivateJSON(path, export); err != nil {
		return 0, fmt.Errorf("loginwatch: export cookies: %w", err)
	}

	r.log.Info("loginwatch: cookies exported", "path", path, "count", len(kept), "domain", domain)
	return len(kept), nil
}

// LoadCookies reads a file written by ExportCookies. A bare JSON array of
// cookies is accepted too. A missing file yields no cookies and no error;
// entries without a name or domain are dropped.
func LoadCookies(path string) ([]Cookie, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var cookies []Cookie
	if trimmed := strings.TrimSpace(string(data)); strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal(data, &cookies)
	} else {
		var export CookieExport
		err = json.Unmarshal(data, &export)
		cookies = export.Cookies
	}
	if err != nil {
		return nil, fmt.Errorf("loginwatch: cookies %s: %w", path, err)
	}

	out := cookies[:0]
	for _, c := range cookies {
		if c.Name != "" && c.Domain != "" {
			out = append(out, c)
		}
	}
	return out, nil
}

// FilterCookies keeps cookies set for domain or one of its subdomains.
func FilterCookies(cookies []Cookie, domain string) []Cookie {
	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		d := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
		if d == domain || strings.HasSuffix(d, "."+domain) {
			out = append(out, c)
		}
	}
	return out
}

// registrableDomain returns the eTLD+1 of rawURL's host.
func registrableDomain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(u.Hostname())
	if err != nil {
		return "", fmt.Errorf("loginwatch: registrable domain of %q: %w", u.Hostname(), err)
	}
	return d, nil
}

// writePrivateJSON writes v indented to path via a temp file, mode 0600.
func writePrivateJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cookies-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
