package loginstate

import (
	"fmt"
	"strings"
	"time"
)

// Classify maps a snapshot taken under the given transport health to a
// Status. The first matching rule wins:
//
//  1. unhealthy transport        -> browser_offline
//  2. captcha marker or URL      -> captcha_gate
//  3. site error page            -> unknown, naming the error page
//  4. feed cards, no login button -> logged_in
//  5. login button or QR image   -> needs_qr_scan
//  6. anything else              -> unknown
//
// Captcha is checked before logged_in so a feed left over from a previous
// page never masks a verification gate, and a site error page (network
// or security restriction notice) is never read as a session. logged_in requires the absence of a
// login button because preview feeds are shown to anonymous visitors too.
func Classify(snap Snapshot, health Health, now time.Time) Status {
	st := Status{CheckedAt: now}

	switch {
	case !health.OK:
		st.State = StateBrowserOffline
		st.Detail = offlineDetail(health)

	case snap.HasCaptchaMarker || URLHasCaptchaPath(snap.URL, CaptchaPathMarkers):
		st.State = StateCaptchaGate
		st.Detail = captchaDetail(snap)

	case snap.HasErrorPage:
		st.State = StateUnknown
		st.Detail = fmt.Sprintf("site error page; hints=[%s]; url=%s",
			strings.Join(snap.RawTextHints, ", "), snap.URL)

	case snap.HasFeedCards && !snap.HasLoginButton:
		st.State = StateLoggedIn
		st.Detail = "feed content present, no login prompt"

	case snap.HasLoginButton || snap.HasQRImage:
		st.State = StateNeedsQRScan
		if snap.HasQRImage && snap.QRImageData != "" {
			st.QRPayload = snap.QRImageData
			st.Detail = "login required; QR image available"
		} else if snap.HasQRImage {
			st.Detail = "login required; QR image present but not extractable"
		} else {
			st.Detail = "login required; no QR image extractable"
		}

	default:
		st.State = StateUnknown
		st.Detail = fmt.Sprintf("no recognized login markers; hints=[%s]; url=%s",
			strings.Join(snap.RawTextHints, ", "), snap.URL)
	}

	return st
}

// Unknown builds an unknown status for failures that are not transport
// errors, such as a probe result that cannot be decoded.
func Unknown(detail string, now time.Time) Status {
	return Status{State: StateUnknown, Detail: detail, CheckedAt: now}
}

func offlineDetail(h Health) string {
	kind := h.Kind
	if kind == "" {
		kind = "transport_error"
	}
	if h.Reason == "" {
		return "browser offline: " + kind
	}
	return "browser offline: " + kind + ": " + h.Reason
}

func captchaDetail(snap Snapshot) string {
	switch captchaSource(snap) {
	case CaptchaSourceURL:
		return fmt.Sprintf("captcha marker: url (%s)", snap.URL)
	default:
		return "captcha marker: image"
	}
}

// CaptchaPathMarkers are URL fragments that identify a verification page.
// The probe receives its own copy through the marker configuration; this
// list only serves snapshots that do not name their captcha source.
var CaptchaPathMarkers = []string{"/website-login/captcha", "/captcha", "verifyType="}

// captchaSource trusts the probe when it names the trigger; otherwise a
// captcha path in the URL wins over the image marker.
func captchaSource(snap Snapshot) string {
	switch snap.CaptchaSource {
	case CaptchaSourceURL, CaptchaSourceImage:
		return snap.CaptchaSource
	}
	if URLHasCaptchaPath(snap.URL, CaptchaPathMarkers) {
		return CaptchaSourceURL
	}
	return CaptchaSourceImage
}

// URLHasCaptchaPath reports whether rawURL contains any of the markers.
func URLHasCaptchaPath(rawURL string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(rawURL, m) {
			return true
		}
	}
	return false
}
