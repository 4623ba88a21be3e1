// CLAUDE:SUMMARY Embeds probe.js, renders it with configurable markers and decodes its output into a loginstate.Snapshot.
// Package probe owns the script injected into the target page and the
// contract of its output.
//
// The script is read-only: it inspects the DOM and location, never clicks
// or navigates, and never throws. Selectors and phrases are data passed at
// render time so a site redesign only needs a configuration change.
package probe

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/hazyhaar/xhsmcp/loginwatch/loginstate"
	"github.com/microcosm-cc/bluemonday"
)

//go:embed probe.js
var probeJS string

// Markers are the selectors and phrases the probe looks for.
type Markers struct {
	FeedSelectors    []string `yaml:"feed_selectors" json:"feed_selectors"`
	LoginSelectors   []string `yaml:"login_selectors" json:"login_selectors"`
	LoginTexts       []string `yaml:"login_texts" json:"login_texts"`
	QRSelectors      []string `yaml:"qr_selectors" json:"qr_selectors"`
	CaptchaPaths     []string `yaml:"captcha_paths" json:"captcha_paths"`
	CaptchaSelectors []string `yaml:"captcha_selectors" json:"captcha_selectors"`
	HintPhrases      []string `yaml:"hint_phrases" json:"hint_phrases"`

	// TextSelectors name dialogs whose text is reported as hints, cut to
	// MaxTextLen characters, at most MaxTexts of them.
	TextSelectors []string `yaml:"text_selectors" json:"text_selectors"`
	MaxTextLen    int      `yaml:"max_text_len" json:"max_text_len"`
	MaxTexts      int      `yaml:"max_texts" json:"max_texts"`

	// ErrorPaths and ErrorPhrases identify the site's error page.
	ErrorPaths   []string `yaml:"error_paths" json:"error_paths"`
	ErrorPhrases []string `yaml:"error_phrases" json:"error_phrases"`

	// CaptchaRecoveryPath is opened, with the original target as
	// redirectPath, when a navigation lands on the error page.
	CaptchaRecoveryPath string `yaml:"captcha_recovery_path" json:"captcha_recovery_path"`

	// ClipSelectors locate the verification image for the cropped screenshot.
	ClipSelectors []string `yaml:"clip_selectors" json:"clip_selectors"`
}

// DefaultMarkers returns the markers for xiaohongshu.com.
func DefaultMarkers() Markers {
	return Markers{
		FeedSelectors: []string{".note-item", `[class*="note-card"]`, ".waterfall-item"},
		LoginSelectors: []string{
			".login-container", ".passport-login-container",
			`[class*="login-btn"]`, ".login-btn",
		},
		LoginTexts: []string{"登录", "log in"},
		QRSelectors: []string{
			".qrcode-img", `img[class*="qrcode"]`, ".qr-code img",
			`.login-container img[src^="data:image"]`,
			".qrcode canvas", ".qr-code canvas",
		},
		CaptchaPaths: []string{"/website-login/captcha", "/captcha", "verifyType="},
		CaptchaSelectors: []string{
			".captcha-container img", `[class*="captcha"] img`, `img[src*="captcha"]`,
			".verify-container canvas", ".verify-container img",
		},
		HintPhrases: []string{
			"扫码登录", "请通过验证", "扫码验证", "安全验证", "二维码已过期",
			"scan to login", "verify you are human", "log in",
		},
		TextSelectors: []string{
			".login-container", ".passport-login-container", ".login-dialog",
			".dialog", ".modal",
		},
		MaxTextLen:          120,
		MaxTexts:            5,
		ErrorPaths:          []string{"website-login/error"},
		ErrorPhrases:        []string{"网络连接异常", "安全限制", "返回首页"},
		CaptchaRecoveryPath: "/website-login/captcha",
		ClipSelectors: []string{
			`img[src*="captcha"]`, `img[src*="verify"]`, ".captcha-img img", ".captcha-img",
			".login-container img[src]", ".passport-login-container img[src]", ".QRCode-img img",
		},
	}
}

// WithDefaults fills every empty list from DefaultMarkers.
func (m Markers) WithDefaults() Markers {
	d := DefaultMarkers()
	fill := func(dst *[]string, src []string) {
		if len(*dst) == 0 {
			*dst = src
		}
	}
	fill(&m.FeedSelectors, d.FeedSelectors)
	fill(&m.LoginSelectors, d.LoginSelectors)
	fill(&m.LoginTexts, d.LoginTexts)
	fill(&m.QRSelectors, d.QRSelectors)
	fill(&m.CaptchaPaths, d.CaptchaPaths)
	fill(&m.CaptchaSelectors, d.CaptchaSelectors)
	fill(&m.HintPhrases, d.HintPhrases)
	fill(&m.TextSelectors, d.TextSelectors)
	fill(&m.ErrorPaths, d.ErrorPaths)
	fill(&m.ErrorPhrases, d.ErrorPhrases)
	fill(&m.ClipSelectors, d.ClipSelectors)
	if m.MaxTextLen <= 0 {
		m.MaxTextLen = d.MaxTextLen
	}
	if m.MaxTexts <= 0 {
		m.MaxTexts = d.MaxTexts
	}
	if m.CaptchaRecoveryPath == "" {
		m.CaptchaRecoveryPath = d.CaptchaRecoveryPath
	}
	return m
}

// Script renders the probe as a zero-argument JS function expression,
// suitable for Runtime.callFunctionOn.
func Script(m Markers) string {
	cfg, _ := json.Marshal(m) // plain strings and ints; cannot fail
	return fmt.Sprintf("() => (%s)(%s)", strings.TrimSpace(probeJS), cfg)
}

// SettlePredicate renders a JS function returning true once any feed,
// login, QR or captcha marker is present in the document.
func SettlePredicate(m Markers) string {
	var sels []string
	sels = append(sels, m.FeedSelectors...)
	sels = append(sels, m.LoginSelectors...)
	sels = append(sels, m.QRSelectors...)
	sels = append(sels, m.CaptchaSelectors...)
	selJSON, _ := json.Marshal(sels)
	pathJSON, _ := json.Marshal(m.CaptchaPaths)
	return fmt.Sprintf(`() => {
  const paths = %s;
  if (paths.some((p) => p && location.href.includes(p))) return true;
  for (const sel of %s) {
    try { if (document.querySelector(sel)) return true; } catch (e) {}
  }
  return false;
}`, pathJSON, selJSON)
}

// clipPad is the margin, in CSS pixels, kept around a clipped element.
const clipPad = 20

// ClipScript renders a JS function returning the padded page rectangle
// {x, y, width, height} of the first loaded verification image matching
// m.ClipSelectors, or null when none is ready.
func ClipScript(m Markers) string {
	selJSON, _ := json.Marshal(m.ClipSelectors)
	return fmt.Sprintf(`() => {
  const pad = %d;
  const ready = (el) => {
    if (el.tagName && el.tagName.toLowerCase() === 'img') {
      return el.complete && el.naturalWidth > 50;
    }
    return true;
  };
  for (const sel of %s) {
    let el = null;
    try { el = document.querySelector(sel); } catch (e) { continue; }
    if (!el || !ready(el)) continue;
    const r = el.getBoundingClientRect();
    if (r.width < 10 || r.height < 10) continue;
    const x = Math.max(0, r.left + window.scrollX - pad);
    const y = Math.max(0, r.top + window.scrollY - pad);
    return { x: x, y: y, width: r.width + pad * 2, height: r.height + pad * 2 };
  }
  return null;
}`, clipPad, selJSON)
}

// ErrUndecodable is returned when the probe output does not match the
// snapshot schema.
var ErrUndecodable = errors.New("probe: undecodable result")

// wireSnapshot mirrors the object returned by probe.js. Pointers detect
// missing keys.
type wireSnapshot struct {
	URL              *string  `json:"url"`
	HasFeedCards     *bool    `json:"has_feed_cards"`
	HasLoginButton   *bool    `json:"has_login_button"`
	HasQRImage       *bool    `json:"has_qr_image"`
	QRImageData      *string  `json:"qr_image_data"`
	HasCaptchaMarker *bool    `json:"has_captcha_marker"`
	CaptchaSource    *string  `json:"captcha_source"`
	HasErrorPage     *bool    `json:"has_error_page"`
	RawTextHints     []string `json:"raw_text_hints"`
}

var hintPolicy = bluemonday.StrictPolicy()

// Decode maps raw probe output to a Snapshot. CapturedAt is left zero for
// the caller to stamp.
func Decode(raw json.RawMessage) (loginstate.Snapshot, error) {
	var w wireSnapshot
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || !strings.HasPrefix(trimmed, "{") {
		return loginstate.Snapshot{}, fmt.Errorf("%w: not an object", ErrUndecodable)
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return loginstate.Snapshot{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if w.URL == nil || w.HasFeedCards == nil || w.HasLoginButton == nil ||
		w.HasQRImage == nil || w.HasCaptchaMarker == nil {
		return loginstate.Snapshot{}, fmt.Errorf("%w: missing required field", ErrUndecodable)
	}

	s := loginstate.Snapshot{
		URL:              *w.URL,
		HasFeedCards:     *w.HasFeedCards,
		HasLoginButton:   *w.HasLoginButton,
		HasQRImage:       *w.HasQRImage,
		HasCaptchaMarker: *w.HasCaptchaMarker,
		RawTextHints:     cleanHints(w.RawTextHints),
	}
	if w.HasErrorPage != nil {
		s.HasErrorPage = *w.HasErrorPage
	}
	if s.HasQRImage && w.QRImageData != nil && validQRData(*w.QRImageData) {
		s.QRImageData = *w.QRImageData
	}
	if s.HasCaptchaMarker && w.CaptchaSource != nil {
		switch *w.CaptchaSource {
		case loginstate.CaptchaSourceURL, loginstate.CaptchaSourceImage:
			s.CaptchaSource = *w.CaptchaSource
		}
	}
	return s, nil
}

func validQRData(s string) bool {
	switch {
	case strings.HasPrefix(s, "data:image/"):
		return len(s) > len("data:image/png;base64,")
	case strings.HasPrefix(s, "https://"), strings.HasPrefix(s, "http://"):
		return true
	}
	return false
}

// maxHintRunes bounds one hint after sanitising.
const maxHintRunes = 120

// cleanHints strips markup, trims, de-duplicates and sorts. Dialog text
// comes straight from the page, so it may carry markup-looking text.
func cleanHints(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, h := range in {
		h = strings.TrimSpace(html.UnescapeString(hintPolicy.Sanitize(h)))
		h = strings.Join(strings.Fields(h), " ")
		if r := []rune(h); len(r) > maxHintRunes {
			h = string(r[:maxHintRunes])
		}
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
