// CLAUDE:SUMMARY Defines Snapshot, Status, State and Health: the value types exchanged between probe, classifier and resolver.
// Package loginstate holds the value types of the login-state resolver and
// the pure classifier that maps a probe snapshot to a login status.
//
// Nothing in this package touches the browser. Snapshots and statuses are
// immutable values created per check; callers needing history record them
// elsewhere.
package loginstate

import "time"

// State is the authentication state reported to callers.
type State string

const (
	StateLoggedIn       State = "logged_in"
	StateNeedsQRScan    State = "needs_qr_scan"
	StateCaptchaGate    State = "captcha_gate"
	StateBrowserOffline State = "browser_offline"
	StateUnknown        State = "unknown"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateLoggedIn, StateNeedsQRScan, StateCaptchaGate, StateBrowserOffline, StateUnknown:
		return true
	}
	return false
}

// Captcha trigger sources reported by the probe.
const (
	CaptchaSourceURL   = "url"
	CaptchaSourceImage = "image"
)

// Snapshot is the typed output of one probe evaluation. The probe fills
// every field except CapturedAt, which the resolver stamps.
type Snapshot struct {
	URL              string    `json:"url"`
	HasFeedCards     bool      `json:"has_feed_cards"`
	HasLoginButton   bool      `json:"has_login_button"`
	HasQRImage       bool      `json:"has_qr_image"`
	QRImageData      string    `json:"qr_image_data,omitempty"`
	HasCaptchaMarker bool      `json:"has_captcha_marker"`
	CaptchaSource    string    `json:"captcha_source,omitempty"`
	HasErrorPage     bool      `json:"has_error_page"`
	RawTextHints     []string  `json:"raw_text_hints"`
	CapturedAt       time.Time `json:"captured_at"`
}

// Status is the result returned by the resolver.
type Status struct {
	State     State     `json:"state"`
	Detail    string    `json:"detail"`
	QRPayload string    `json:"qr_payload,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// HasQRPayload reports whether the status carries an extractable QR image.
func (s Status) HasQRPayload() bool { return s.QRPayload != "" }

// Health describes the transport condition under which a snapshot was taken.
// A zero Health is unhealthy; use Healthy for the normal case.
type Health struct {
	OK     bool
	Kind   string // transport error kind, e.g. "navigation_timeout"
	Reason string
}

// Healthy returns the Health of a successful probe.
func Healthy() Health { return Health{OK: true} }

// Offline returns the Health of a failed transport call.
func Offline(kind, reason string) Health {
	return Health{Kind: kind, Reason: reason}
}
